package sched

import (
	"container/heap"
	"sync"

	"github.com/tidefall/tact/internal/graph"
	"github.com/tidefall/tact/internal/logical"
)

// Event is one pending trigger firing at a tag. Owned by the queue
// until drained; the payload then belongs to the triggered reactions.
type Event struct {
	Tag     logical.Tag
	Trigger *graph.Trigger
	Value   any

	index int // heap bookkeeping
}

// eventKey identifies the (tag, trigger) pair for merging.
type eventKey struct {
	tag     logical.Tag
	trigger int
}

// eventHeap orders events by tag, then by trigger registration
// priority, so draining a tag yields a deterministic sequence.
type eventHeap []*Event

func (h eventHeap) Len() int { return len(h) }

func (h eventHeap) Less(i, j int) bool {
	if c := logical.Compare(h[i].Tag, h[j].Tag); c != 0 {
		return c < 0
	}
	return h[i].Trigger.Priority() < h[j].Trigger.Priority()
}

func (h eventHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *eventHeap) Push(x any) {
	e := x.(*Event)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *eventHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// EventQueue is a tag-ordered pending-event store, one per environment.
//
// All mutation is serialized behind a single mutex so asynchronous
// (physical) inserts may race a drain safely. Inserts signal a buffered
// channel so an environment blocked waiting for the next tag wakes
// early; the buffer of one coalesces bursts.
//
// The queue never holds two events for the same (tag, trigger) pair:
// a second insert merges into the first according to the trigger's
// merge policy.
type EventQueue struct {
	mu     sync.Mutex
	heap   eventHeap
	byKey  map[eventKey]*Event
	closed bool
	signal chan struct{}
}

// NewEventQueue creates an empty queue.
func NewEventQueue() *EventQueue {
	return &EventQueue{
		byKey:  make(map[eventKey]*Event),
		signal: make(chan struct{}, 1),
	}
}

// Insert adds an event in tag order, merging with an existing entry for
// the same (tag, trigger). Safe from any goroutine. Returns false if
// the queue has been closed.
func (q *EventQueue) Insert(tag logical.Tag, t *graph.Trigger, v any) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}

	key := eventKey{tag: tag, trigger: t.ID()}
	if existing, ok := q.byKey[key]; ok {
		if t.Merge() == graph.MergeReplace {
			existing.Value = v
		}
		return true
	}

	e := &Event{Tag: tag, Trigger: t, Value: v}
	heap.Push(&q.heap, e)
	q.byKey[key] = e

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// PeekMinTag returns the smallest pending tag. The second return value
// is false when the queue is empty.
func (q *EventQueue) PeekMinTag() (logical.Tag, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.heap) == 0 {
		return logical.Tag{}, false
	}
	return q.heap[0].Tag, true
}

// DrainAt removes and returns every event exactly at the given tag, in
// trigger-registration order.
func (q *EventQueue) DrainAt(tag logical.Tag) []*Event {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []*Event
	for len(q.heap) > 0 && q.heap[0].Tag == tag {
		e := heap.Pop(&q.heap).(*Event)
		delete(q.byKey, eventKey{tag: e.Tag, trigger: e.Trigger.ID()})
		out = append(out, e)
	}
	return out
}

// Wait returns a channel that signals when events may be available.
// The channel closes when the queue closes.
func (q *EventQueue) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the number of pending events.
func (q *EventQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.heap)
}

// Close rejects further inserts and wakes all waiters.
func (q *EventQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}
