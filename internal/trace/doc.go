// Package trace records what a run actually did: every reaction
// execution and every event insertion, tagged and sequenced. A trace
// serves two purposes.
//
// First, determinism checking. Two runs of the same program are
// equivalent when their traces hash equal. The hash is computed over
// canonical JSON (an RFC 8785 subset) of the records sorted by
// (tag, level, reaction), so worker count and interleaving within a
// level cannot change it.
//
// Second, audit. The sqlite store persists traces across runs, WAL
// mode so a live run can be inspected while it writes.
package trace
