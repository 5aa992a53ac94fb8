package sched

import "github.com/tidefall/tact/internal/graph"

// PolicyKind selects the tie-breaking heuristic among reactions that
// are simultaneously ready at the same level. The choice never affects
// the observable outcome - only which legal order the workers happen to
// take - so any policy must leave the state-mutation sequence identical
// across worker counts.
type PolicyKind string

const (
	// PolicyNP is the strict global earliest-level non-preemptive
	// policy: claim the lowest reaction ID at the lowest ready level.
	// The default.
	PolicyNP PolicyKind = "np"

	// PolicyAdaptive prefers a reaction belonging to the reactor the
	// worker last executed, falling back to PolicyNP order. Improves
	// state locality on wide levels.
	PolicyAdaptive PolicyKind = "adaptive"
)

// ValidPolicies lists the accepted policy names.
var ValidPolicies = []PolicyKind{PolicyNP, PolicyAdaptive}

// pick chooses the next reaction from a level bucket for a worker.
// The bucket is non-empty; the returned index is always valid.
func pick(policy PolicyKind, bucket []*graph.Reaction, lastReactor *graph.Reactor) int {
	best := 0
	for i := 1; i < len(bucket); i++ {
		if bucket[i].ID() < bucket[best].ID() {
			best = i
		}
	}
	if policy != PolicyAdaptive || lastReactor == nil {
		return best
	}
	local := -1
	for i, rx := range bucket {
		if rx.Reactor() == lastReactor && (local < 0 || rx.ID() < bucket[local].ID()) {
			local = i
		}
	}
	if local >= 0 {
		return local
	}
	return best
}
