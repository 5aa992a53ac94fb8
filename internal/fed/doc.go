// Package fed implements the federated tag-advancement protocol: the
// wire codec, the centralized coordinator (RTI), and the federate
// client that gates a local environment's time advancement.
//
// PROTOCOL:
//
// Four coordination message kinds drive time advancement:
//
//	NET  - a federate announces the earliest tag it might process next.
//	TAG  - the coordinator grants advancement up to a tag; irrevocable.
//	PTAG - a provisional grant: messages tagged at or before it may
//	       still arrive before the next real grant.
//	LTC  - a federate reports it finished all reactions at a granted
//	       tag, unblocking grants for downstream federates.
//
// Alongside these run data-forwarding messages carrying (tag, channel,
// payload) and connection-lifecycle messages (join handshake, clock
// probe/echo, resign, reject).
//
// SAFETY: the coordinator grants a tag T to a federate only when every
// upstream federate either cannot send anything arriving at or before T
// (by its own announced NET shifted by the connection delay) or has
// completed T and sent everything. Equality yields a PTAG, never a TAG.
//
// LIVENESS: an idle federate keeps announcing a NET of forever so the
// coordinator never stalls on it; a federate with physical-action
// sources is treated as able to produce a message at the current
// physical time, which bounds how far ahead any grant may run.
//
// FAILURE: a lost connection or an out-of-protocol message is fatal to
// the affected federate. It has no safe way to keep advancing time, so
// it terminates its environment rather than guess.
//
// The coordinator core is a message-driven state machine with no
// network dependency; Server wraps it in a TCP accept loop and the
// Federate client speaks the same frames over a single connection.
package fed
