package graph

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noop(Ctx) {}

func TestBuild_LevelsFollowConnections(t *testing.T) {
	b := New()

	src := b.AddReactor("src")
	out := src.AddOutput("out")
	tick := src.AddTimer("tick", 0, 100*time.Millisecond)
	emit := src.AddReaction("emit", noop, Triggers(tick), Effects(out))

	dst := b.AddReactor("dst")
	in := dst.AddInput("in")
	recv := dst.AddReaction("recv", noop, TriggeredBy(in))

	b.Connect(out, in)

	g, err := b.Build()
	require.NoError(t, err)

	assert.Equal(t, 0, emit.Level())
	assert.Equal(t, 1, recv.Level())
	assert.Equal(t, 1, g.MaxLevel())
}

func TestBuild_DeclarationOrderWithinReactor(t *testing.T) {
	b := New()
	r := b.AddReactor("r")
	tick := r.AddTimer("tick", 0, 0)
	first := r.AddReaction("first", noop, Triggers(tick))
	second := r.AddReaction("second", noop, Triggers(tick))
	third := r.AddReaction("third", noop, Triggers(tick))

	_, err := b.Build()
	require.NoError(t, err)

	assert.Equal(t, 0, first.Level())
	assert.Equal(t, 1, second.Level())
	assert.Equal(t, 2, third.Level())
}

func TestBuild_LongestPathWins(t *testing.T) {
	// a -> b -> c and a -> c directly: c must sit at level 2, not 1.
	b := New()

	ra := b.AddReactor("a")
	aOut1 := ra.AddOutput("out1")
	aOut2 := ra.AddOutput("out2")
	tick := ra.AddTimer("tick", 0, 0)
	ra.AddReaction("emit", noop, Triggers(tick), Effects(aOut1, aOut2))

	rb := b.AddReactor("b")
	bIn := rb.AddInput("in")
	bOut := rb.AddOutput("out")
	rb.AddReaction("relay", noop, TriggeredBy(bIn), Effects(bOut))

	rc := b.AddReactor("c")
	cIn1 := rc.AddInput("in1")
	cIn2 := rc.AddInput("in2")
	sink := rc.AddReaction("sink", noop, TriggeredBy(cIn1, cIn2))

	b.Connect(aOut1, bIn)
	b.Connect(bOut, cIn1)
	b.Connect(aOut2, cIn2)

	_, err := b.Build()
	require.NoError(t, err)
	assert.Equal(t, 2, sink.Level())
}

func TestBuild_InstantaneousCycleIsFatal(t *testing.T) {
	b := New()

	ra := b.AddReactor("a")
	aIn := ra.AddInput("in")
	aOut := ra.AddOutput("out")
	ra.AddReaction("fwd", noop, TriggeredBy(aIn), Effects(aOut))

	rb := b.AddReactor("b")
	bIn := rb.AddInput("in")
	bOut := rb.AddOutput("out")
	rb.AddReaction("fwd", noop, TriggeredBy(bIn), Effects(bOut))

	b.Connect(aOut, bIn)
	b.Connect(bOut, aIn)

	_, err := b.Build()
	require.Error(t, err)
	assert.True(t, IsCycleError(err), "expected a cycle error, got %v", err)
}

func TestBuild_DelayedConnectionBreaksCycle(t *testing.T) {
	b := New()

	ra := b.AddReactor("a")
	aIn := ra.AddInput("in")
	aOut := ra.AddOutput("out")
	ra.AddReaction("fwd", noop, TriggeredBy(aIn), Effects(aOut))

	rb := b.AddReactor("b")
	bIn := rb.AddInput("in")
	bOut := rb.AddOutput("out")
	rb.AddReaction("fwd", noop, TriggeredBy(bIn), Effects(bOut))

	b.Connect(aOut, bIn)
	b.ConnectAfter(bOut, aIn, time.Millisecond)

	_, err := b.Build()
	assert.NoError(t, err)
}

func TestBuild_ReactionWithoutTriggersIsFatal(t *testing.T) {
	b := New()
	r := b.AddReactor("r")
	r.AddReaction("orphan", noop)

	_, err := b.Build()
	require.Error(t, err)
	var be *BuildError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, ErrCodeNoTriggers, be.Code)
}

func TestBuild_DuplicateTriggerNameIsFatal(t *testing.T) {
	b := New()
	r := b.AddReactor("r")
	r.AddTimer("t", 0, 0)
	r.AddLogicalAction("t", 0)

	_, err := b.Build()
	require.Error(t, err)
	var be *BuildError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, ErrCodeDuplicateName, be.Code)
}

func TestBuild_ConflictsShareReactor(t *testing.T) {
	b := New()
	r := b.AddReactor("r")
	t1 := r.AddTimer("t1", 0, 0)
	t2 := r.AddTimer("t2", 0, 0)
	rx1 := r.AddReaction("rx1", noop, Triggers(t1))
	rx2 := r.AddReaction("rx2", noop, Triggers(t2))

	_, err := b.Build()
	require.NoError(t, err)

	assert.True(t, rx1.Conflicts().Test(rx2.ID()))
	assert.True(t, rx2.Conflicts().Test(rx1.ID()))
	assert.False(t, rx1.Conflicts().Test(rx1.ID()), "a reaction does not conflict with itself")
}

func TestBuild_ConflictsFollowDependencyPaths(t *testing.T) {
	// a.emit -> b.relay -> c.sink: emit conflicts with sink despite the
	// level gap; two unrelated reactions at the same level do not.
	b := New()

	ra := b.AddReactor("a")
	aOut := ra.AddOutput("out")
	tick := ra.AddTimer("tick", 0, 0)
	emit := ra.AddReaction("emit", noop, Triggers(tick), Effects(aOut))

	rb := b.AddReactor("b")
	bIn := rb.AddInput("in")
	bOut := rb.AddOutput("out")
	rb.AddReaction("relay", noop, TriggeredBy(bIn), Effects(bOut))

	rc := b.AddReactor("c")
	cIn := rc.AddInput("in")
	sink := rc.AddReaction("sink", noop, TriggeredBy(cIn))

	other := b.AddReactor("other")
	otick := other.AddTimer("tick", 0, 0)
	lone := other.AddReaction("lone", noop, Triggers(otick))

	b.Connect(aOut, bIn)
	b.Connect(bOut, cIn)

	_, err := b.Build()
	require.NoError(t, err)

	assert.True(t, emit.Conflicts().Test(sink.ID()), "transitive path implies conflict")
	assert.True(t, sink.Conflicts().Test(emit.ID()))
	assert.False(t, emit.Conflicts().Test(lone.ID()), "unconnected reactions may run in parallel")
	assert.Equal(t, emit.Level(), lone.Level())
}

func TestBuild_FanOutDeliversToAllSinks(t *testing.T) {
	b := New()

	ra := b.AddReactor("a")
	aOut := ra.AddOutput("out")
	tick := ra.AddTimer("tick", 0, 0)
	ra.AddReaction("emit", noop, Triggers(tick), Effects(aOut))

	var sinks []*Reaction
	var ins []*Port
	for _, name := range []string{"x", "y", "z"} {
		r := b.AddReactor(name)
		in := r.AddInput("in")
		sinks = append(sinks, r.AddReaction("sink", noop, TriggeredBy(in)))
		ins = append(ins, in)
	}
	for _, in := range ins {
		b.Connect(aOut, in)
	}

	_, err := b.Build()
	require.NoError(t, err)
	for _, s := range sinks {
		assert.Equal(t, 1, s.Level())
	}
	// Sinks are unrelated to each other.
	assert.False(t, sinks[0].Conflicts().Test(sinks[1].ID()))
}
