package sched

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tidefall/tact/internal/graph"
	"github.com/tidefall/tact/internal/logical"
)

// queueFixture builds a small graph with three independent triggers so
// queue tests have real trigger identities and priorities.
func queueFixture(t *testing.T) (*graph.Graph, []*graph.Trigger) {
	t.Helper()
	b := graph.New()
	r := b.AddReactor("r")
	t1 := r.AddTimer("t1", 0, 0)
	t2 := r.AddLogicalAction("t2", 0)
	t3 := r.AddPhysicalAction("t3", 0)
	r.AddReaction("rx", func(graph.Ctx) {}, graph.Triggers(t1, t2, t3))
	g, err := b.Build()
	require.NoError(t, err)
	return g, []*graph.Trigger{t1, t2, t3}
}

func TestEventQueue_PeekMinTag(t *testing.T) {
	_, ts := queueFixture(t)
	q := NewEventQueue()

	_, ok := q.PeekMinTag()
	assert.False(t, ok, "empty queue has no minimum")

	q.Insert(logical.Tag{Time: 300}, ts[0], nil)
	q.Insert(logical.Tag{Time: 100}, ts[1], nil)
	q.Insert(logical.Tag{Time: 200}, ts[2], nil)

	min, ok := q.PeekMinTag()
	require.True(t, ok)
	assert.Equal(t, logical.Tag{Time: 100}, min)
}

func TestEventQueue_MicrostepOrdering(t *testing.T) {
	_, ts := queueFixture(t)
	q := NewEventQueue()

	q.Insert(logical.Tag{Time: 100, Microstep: 2}, ts[0], nil)
	q.Insert(logical.Tag{Time: 100, Microstep: 0}, ts[1], nil)

	min, ok := q.PeekMinTag()
	require.True(t, ok)
	assert.Equal(t, logical.Tag{Time: 100, Microstep: 0}, min)
}

func TestEventQueue_DrainAt_ExactTagOnly(t *testing.T) {
	_, ts := queueFixture(t)
	q := NewEventQueue()

	tag := logical.Tag{Time: 100}
	q.Insert(tag, ts[0], "a")
	q.Insert(tag, ts[1], "b")
	q.Insert(logical.Tag{Time: 100, Microstep: 1}, ts[2], "later")

	events := q.DrainAt(tag)
	require.Len(t, events, 2)
	assert.Equal(t, 1, q.Len(), "the microstep event stays queued")

	min, ok := q.PeekMinTag()
	require.True(t, ok)
	assert.Equal(t, logical.Tag{Time: 100, Microstep: 1}, min)
}

func TestEventQueue_DrainAt_TriggerRegistrationOrder(t *testing.T) {
	_, ts := queueFixture(t)
	q := NewEventQueue()

	tag := logical.Tag{Time: 50}
	// Insert in reverse registration order; drain must come back in
	// registration order regardless.
	q.Insert(tag, ts[2], nil)
	q.Insert(tag, ts[0], nil)
	q.Insert(tag, ts[1], nil)

	events := q.DrainAt(tag)
	require.Len(t, events, 3)
	assert.Equal(t, ts[0], events[0].Trigger)
	assert.Equal(t, ts[1], events[1].Trigger)
	assert.Equal(t, ts[2], events[2].Trigger)
}

func TestEventQueue_MergeReplace(t *testing.T) {
	_, ts := queueFixture(t)
	q := NewEventQueue()

	tag := logical.Tag{Time: 10}
	q.Insert(tag, ts[0], "first")
	q.Insert(tag, ts[0], "second")

	assert.Equal(t, 1, q.Len(), "same (tag, trigger) events merge")
	events := q.DrainAt(tag)
	require.Len(t, events, 1)
	assert.Equal(t, "second", events[0].Value)
}

func TestEventQueue_MergeKeepFirst(t *testing.T) {
	_, ts := queueFixture(t)
	ts[0].SetMerge(graph.MergeKeepFirst)

	q := NewEventQueue()
	tag := logical.Tag{Time: 10}
	q.Insert(tag, ts[0], "first")
	q.Insert(tag, ts[0], "second")

	events := q.DrainAt(tag)
	require.Len(t, events, 1)
	assert.Equal(t, "first", events[0].Value)
}

func TestEventQueue_InsertAfterCloseRejected(t *testing.T) {
	_, ts := queueFixture(t)
	q := NewEventQueue()
	q.Close()
	assert.False(t, q.Insert(logical.Tag{}, ts[0], nil))
}

func TestEventQueue_WaitSignalsOnInsert(t *testing.T) {
	_, ts := queueFixture(t)
	q := NewEventQueue()

	done := make(chan struct{})
	go func() {
		<-q.Wait()
		close(done)
	}()

	q.Insert(logical.Tag{Time: 1}, ts[0], nil)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("insert did not signal the wait channel")
	}
}

func TestEventQueue_ConcurrentInsertDuringDrain(t *testing.T) {
	_, ts := queueFixture(t)
	q := NewEventQueue()

	const n = 1000
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			q.Insert(logical.Tag{Time: int64(i + 1)}, ts[0], i)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			if tag, ok := q.PeekMinTag(); ok {
				q.DrainAt(tag)
			}
		}
	}()
	wg.Wait()

	// Whatever remains still drains cleanly in order.
	var last logical.Tag = logical.Never
	for {
		tag, ok := q.PeekMinTag()
		if !ok {
			break
		}
		assert.True(t, tag.After(last))
		last = tag
		q.DrainAt(tag)
	}
}
