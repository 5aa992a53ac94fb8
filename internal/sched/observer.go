package sched

import (
	"github.com/tidefall/tact/internal/graph"
	"github.com/tidefall/tact/internal/logical"
)

// Observer receives execution notifications, typically for trace
// recording. ReactionExecuted and EventInserted fire while the
// environment mutex is held, so ReactionExecuted order respects the
// level barrier; implementations must be fast and must not call back
// into the environment. Parallel reactions at one level complete in an
// unspecified relative order (sort by tag, level, reaction when
// comparing runs).
type Observer interface {
	// ReactionExecuted reports a completed reaction body. seq is a
	// per-environment completion counter; deadlineMiss reports that the
	// violation handler ran instead of the normal body.
	ReactionExecuted(seq int64, tag logical.Tag, rx *graph.Reaction, worker int, deadlineMiss bool)

	// EventInserted reports an event entering the queue.
	EventInserted(tag logical.Tag, trigger *graph.Trigger)

	// TagCompleted reports that every reaction at the tag finished.
	TagCompleted(tag logical.Tag)
}

// nopObserver is used when no observer is configured.
type nopObserver struct{}

func (nopObserver) ReactionExecuted(int64, logical.Tag, *graph.Reaction, int, bool) {}
func (nopObserver) EventInserted(logical.Tag, *graph.Trigger)                       {}
func (nopObserver) TagCompleted(logical.Tag)                                        {}

// Gate is the federated coordinator's hook into tag advancement. A nil
// gate means the environment advances on its own.
type Gate interface {
	// NextEventTag announces the earliest tag the environment might
	// need to process and blocks until advancement to it is granted.
	// The returned grant is at or beyond the intended tag; provisional
	// reports a PTAG, meaning messages tagged at or before the grant
	// may still arrive. A non-nil error is fatal to the environment.
	NextEventTag(intended logical.Tag) (granted logical.Tag, provisional bool, err error)

	// LogicalTagComplete announces that every reaction at the tag has
	// completed.
	LogicalTagComplete(tag logical.Tag)

	// Idle announces that the environment has no pending events and is
	// blocked waiting for input, so the coordinator can keep granting
	// tags to downstream federates. Must not block.
	Idle()
}
