package trace

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tidefall/tact/internal/graph"
	"github.com/tidefall/tact/internal/logical"
)

// Reaction is one recorded reaction execution.
type Reaction struct {
	Seq          int64
	Tag          logical.Tag
	Name         string
	Level        int
	Worker       int
	DeadlineMiss bool
}

// Event is one recorded event-queue insertion.
type Event struct {
	Seq     int64
	Tag     logical.Tag
	Trigger string
}

// Run describes one recorded run.
type Run struct {
	ID        uuid.UUID
	Program   string
	StartedAt time.Time
	Workers   int
	Policy    string
	Hash      string
}

// Log is an in-memory trace. It implements sched.Observer so an
// environment feeds it directly; pass it to sched.WithObserver.
type Log struct {
	mu        sync.Mutex
	reactions []Reaction
	events    []Event
	eventSeq  int64
	tags      int64
}

// NewLog returns an empty trace log.
func NewLog() *Log { return &Log{} }

// ReactionExecuted implements sched.Observer.
func (l *Log) ReactionExecuted(seq int64, tag logical.Tag, rx *graph.Reaction, worker int, deadlineMiss bool) {
	l.mu.Lock()
	l.reactions = append(l.reactions, Reaction{
		Seq:          seq,
		Tag:          tag,
		Name:         rx.Name(),
		Level:        rx.Level(),
		Worker:       worker,
		DeadlineMiss: deadlineMiss,
	})
	l.mu.Unlock()
}

// EventInserted implements sched.Observer.
func (l *Log) EventInserted(tag logical.Tag, t *graph.Trigger) {
	l.mu.Lock()
	l.events = append(l.events, Event{Seq: l.eventSeq, Tag: tag, Trigger: t.Name()})
	l.eventSeq++
	l.mu.Unlock()
}

// TagCompleted implements sched.Observer.
func (l *Log) TagCompleted(logical.Tag) {
	l.mu.Lock()
	l.tags++
	l.mu.Unlock()
}

// Reactions returns a copy of the recorded executions in sequence
// order.
func (l *Log) Reactions() []Reaction {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Reaction, len(l.reactions))
	copy(out, l.reactions)
	return out
}

// Events returns a copy of the recorded insertions in sequence order.
func (l *Log) Events() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Event, len(l.events))
	copy(out, l.events)
	return out
}

// Tags returns the number of completed tags.
func (l *Log) Tags() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tags
}

// Sorted returns the reaction records in canonical order: by tag,
// then level, then name. This is the order under which two
// deterministic runs compare equal regardless of worker interleaving.
func (l *Log) Sorted() []Reaction {
	recs := l.Reactions()
	sort.Slice(recs, func(i, j int) bool {
		a, b := recs[i], recs[j]
		if c := logical.Compare(a.Tag, b.Tag); c != 0 {
			return c < 0
		}
		if a.Level != b.Level {
			return a.Level < b.Level
		}
		return a.Name < b.Name
	})
	return recs
}

// Hash computes the determinism hash of the trace: canonical JSON of
// the reaction records in canonical order, hashed with domain
// separation. Worker ids and sequence numbers are excluded so
// equivalent runs with different worker counts hash equal.
func (l *Log) Hash() (string, error) {
	recs := l.Sorted()
	arr := make([]any, len(recs))
	for i, r := range recs {
		arr[i] = map[string]any{
			"time":      r.Tag.Time,
			"microstep": r.Tag.Microstep,
			"level":     r.Level,
			"reaction":  r.Name,
			"miss":      r.DeadlineMiss,
		}
	}
	return hashCanonical(arr)
}
