package sched

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tidefall/tact/internal/graph"
	"github.com/tidefall/tact/internal/logical"
	"github.com/tidefall/tact/internal/testutil"
)

// execRecord is one observed reaction completion.
type execRecord struct {
	tag   logical.Tag
	name  string
	level int
	miss  bool
}

// recorder collects observer callbacks for assertions.
type recorder struct {
	mu    sync.Mutex
	execs []execRecord
	tags  []logical.Tag
}

func (r *recorder) ReactionExecuted(_ int64, tag logical.Tag, rx *graph.Reaction, _ int, miss bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.execs = append(r.execs, execRecord{tag: tag, name: rx.Name(), level: rx.Level(), miss: miss})
}

func (r *recorder) EventInserted(logical.Tag, *graph.Trigger) {}

func (r *recorder) TagCompleted(tag logical.Tag) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tags = append(r.tags, tag)
}

func (r *recorder) snapshot() ([]execRecord, []logical.Tag) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]execRecord(nil), r.execs...), append([]logical.Tag(nil), r.tags...)
}

func TestEnvironment_TimerScenario(t *testing.T) {
	// One timer firing every 100ms for 3 periods, two reactions at
	// levels 0 and 1 connected by one port: exactly 3 tags, each with
	// emit strictly before recv.
	b := graph.New()
	src := b.AddReactor("src")
	tick := src.AddTimer("tick", 0, 100*time.Millisecond)
	out := src.AddOutput("out")
	src.AddReaction("emit", func(ctx graph.Ctx) { ctx.Set(out, "v") },
		graph.Triggers(tick), graph.Effects(out))

	dst := b.AddReactor("dst")
	in := dst.AddInput("in")
	dst.AddReaction("recv", func(graph.Ctx) {}, graph.TriggeredBy(in))

	b.Connect(out, in)
	g, err := b.Build()
	require.NoError(t, err)

	rec := &recorder{}
	env := New(g,
		WithWorkers(2),
		WithFast(),
		WithTimeout(200*time.Millisecond),
		WithObserver(rec),
	)
	require.NoError(t, env.Run(context.Background()))

	execs, _ := rec.snapshot()
	want := []logical.Tag{
		{Time: 0},
		{Time: 100_000_000},
		{Time: 200_000_000},
	}
	require.Len(t, execs, 6, "two reactions at each of three tags")
	for i, tag := range want {
		assert.Equal(t, tag, execs[2*i].tag)
		assert.Equal(t, "src.emit", execs[2*i].name)
		assert.Equal(t, tag, execs[2*i+1].tag)
		assert.Equal(t, "dst.recv", execs[2*i+1].name)
	}

	// Property: all reactions at T1 complete before any at T2 begin.
	for i := 1; i < len(execs); i++ {
		assert.False(t, execs[i].tag.Before(execs[i-1].tag),
			"completion tags must be non-decreasing")
	}
	assert.Equal(t, StateTerminated, env.State())
}

func TestEnvironment_MicrostepChain(t *testing.T) {
	// A same-instant causal chain: each firing schedules the action
	// again with zero delay until three rounds have run.
	b := graph.New()
	r := b.AddReactor("r")
	act := r.AddLogicalAction("step", 0)
	r.AddReaction("kick", func(ctx graph.Ctx) {
		assert.NoError(t, ctx.Schedule(act, 0, 1))
	}, graph.Triggers(b.Startup()))
	r.AddReaction("chain", func(ctx graph.Ctx) {
		n, _ := ctx.Get(act)
		if n.(int) < 3 {
			assert.NoError(t, ctx.Schedule(act, 0, n.(int)+1))
		}
	}, graph.Triggers(act))

	g, err := b.Build()
	require.NoError(t, err)

	rec := &recorder{}
	env := New(g, WithWorkers(1), WithFast(), WithObserver(rec))
	require.NoError(t, env.Run(context.Background()))

	_, tags := rec.snapshot()
	want := []logical.Tag{
		{Time: 0, Microstep: 0},
		{Time: 0, Microstep: 1},
		{Time: 0, Microstep: 2},
		{Time: 0, Microstep: 3},
		{Time: 0, Microstep: 4}, // synthesized shutdown tag
	}
	assert.Equal(t, want, tags)
}

// diamond builds a fan-out/fan-in program whose sink records every
// arriving value pair in its reactor state.
func diamond(t *testing.T) (*graph.Graph, *graph.Reactor) {
	t.Helper()
	b := graph.New()

	src := b.AddReactor("src")
	tick := src.AddTimer("tick", 0, 10*time.Millisecond)
	out := src.AddOutput("out")
	src.AddReaction("emit", func(ctx graph.Ctx) {
		n, _ := src.State["n"].(int)
		src.State["n"] = n + 1
		ctx.Set(out, n)
	}, graph.Triggers(tick), graph.Effects(out))

	left := b.AddReactor("left")
	lin, lout := left.AddInput("in"), left.AddOutput("out")
	left.AddReaction("double", func(ctx graph.Ctx) {
		v, _ := ctx.Get(lin.Trigger())
		ctx.Set(lout, v.(int)*2)
	}, graph.TriggeredBy(lin), graph.Effects(lout))

	right := b.AddReactor("right")
	rin, rout := right.AddInput("in"), right.AddOutput("out")
	right.AddReaction("negate", func(ctx graph.Ctx) {
		v, _ := ctx.Get(rin.Trigger())
		ctx.Set(rout, -v.(int))
	}, graph.TriggeredBy(rin), graph.Effects(rout))

	sink := b.AddReactor("sink")
	sin1, sin2 := sink.AddInput("a"), sink.AddInput("b")
	sink.AddReaction("collect", func(ctx graph.Ctx) {
		a, _ := ctx.Get(sin1.Trigger())
		c, _ := ctx.Get(sin2.Trigger())
		log, _ := sink.State["log"].([]string)
		sink.State["log"] = append(log, fmt.Sprintf("%v/%v@%v", a, c, ctx.Tag()))
	}, graph.TriggeredBy(sin1, sin2))

	b.Connect(out, lin)
	b.Connect(out, rin)
	b.Connect(lout, sin1)
	b.Connect(rout, sin2)

	g, err := b.Build()
	require.NoError(t, err)
	return g, sink
}

func TestEnvironment_DeterminismAcrossWorkerCounts(t *testing.T) {
	// The observable state-mutation sequence must be identical for
	// worker pools of size 1, 2, and 8.
	type run struct {
		log   []string
		execs []execRecord
	}
	runWith := func(workers int) run {
		g, sink := diamond(t)
		rec := &recorder{}
		env := New(g,
			WithWorkers(workers),
			WithFast(),
			WithTimeout(50*time.Millisecond),
			WithObserver(rec),
		)
		require.NoError(t, env.Run(context.Background()))
		execs, _ := rec.snapshot()
		// Canonical order: completion order across workers is not
		// deterministic, the per-tag level order is.
		sort.SliceStable(execs, func(i, j int) bool {
			if c := logical.Compare(execs[i].tag, execs[j].tag); c != 0 {
				return c < 0
			}
			if execs[i].level != execs[j].level {
				return execs[i].level < execs[j].level
			}
			return execs[i].name < execs[j].name
		})
		log, _ := sink.State["log"].([]string)
		return run{log: log, execs: execs}
	}

	base := runWith(1)
	require.NotEmpty(t, base.log)
	for _, workers := range []int{2, 8} {
		got := runWith(workers)
		assert.Equal(t, base.log, got.log, "workers=%d state mutations diverged", workers)
		assert.Equal(t, base.execs, got.execs, "workers=%d execution set diverged", workers)
	}
}

func TestEnvironment_AdaptivePolicyMatchesNP(t *testing.T) {
	runWith := func(policy PolicyKind) []string {
		g, sink := diamond(t)
		env := New(g,
			WithWorkers(4),
			WithFast(),
			WithTimeout(50*time.Millisecond),
			WithPolicy(policy),
		)
		require.NoError(t, env.Run(context.Background()))
		log, _ := sink.State["log"].([]string)
		return log
	}
	assert.Equal(t, runWith(PolicyNP), runWith(PolicyAdaptive))
}

func TestEnvironment_DeadlineViolationRunsHandler(t *testing.T) {
	// A reaction with a 1ms deadline dispatched 2ms late must run its
	// violation handler instead of its normal body.
	build := func() (*graph.Graph, *graph.Reactor) {
		b := graph.New()
		r := b.AddReactor("r")
		tick := r.AddTimer("tick", 10*time.Millisecond, 0)
		rx := r.AddReaction("work", func(graph.Ctx) {
			r.State["ran"] = "body"
		}, graph.Triggers(tick))
		rx.SetDeadline(time.Millisecond, func(graph.Ctx) {
			r.State["ran"] = "handler"
		})
		g, err := b.Build()
		require.NoError(t, err)
		return g, r
	}

	t.Run("late dispatch", func(t *testing.T) {
		g, r := build()
		clock := testutil.NewManualClock(time.Unix(0, 0))
		clock.SetSlip(2 * time.Millisecond)
		env := New(g, WithWorkers(1), WithPlatform(clock))
		require.NoError(t, env.Run(context.Background()))
		assert.Equal(t, "handler", r.State["ran"])
	})

	t.Run("on-time dispatch", func(t *testing.T) {
		g, r := build()
		clock := testutil.NewManualClock(time.Unix(0, 0))
		env := New(g, WithWorkers(1), WithPlatform(clock))
		require.NoError(t, env.Run(context.Background()))
		assert.Equal(t, "body", r.State["ran"])
	})
}

func TestEnvironment_PhysicalActionWakesIdle(t *testing.T) {
	// The environment sits in IDLE with nothing scheduled; an
	// asynchronous stimulus must wake it within a bounded latency.
	b := graph.New()
	r := b.AddReactor("r")
	phys := r.AddPhysicalAction("stim", 0)
	fired := make(chan logical.Tag, 1)
	r.AddReaction("onStim", func(ctx graph.Ctx) {
		fired <- ctx.Tag()
		ctx.RequestStop()
	}, graph.Triggers(phys))
	g, err := b.Build()
	require.NoError(t, err)

	env := New(g, WithWorkers(1))
	done := make(chan error, 1)
	go func() { done <- env.Run(context.Background()) }()

	require.Eventually(t, func() bool { return env.State() == StateIdle },
		2*time.Second, time.Millisecond)

	start := time.Now()
	require.NoError(t, env.ScheduleAsync(phys, nil))

	select {
	case <-fired:
		assert.Less(t, time.Since(start), time.Second, "wake latency out of bounds")
	case <-time.After(2 * time.Second):
		t.Fatal("physical action never fired")
	}
	require.NoError(t, <-done)
}

func TestEnvironment_PhysicalActionInterruptsSleep(t *testing.T) {
	// A 10s timer is pending; the asynchronous event must not wait for
	// it.
	b := graph.New()
	r := b.AddReactor("r")
	far := r.AddTimer("far", 10*time.Second, 0)
	phys := r.AddPhysicalAction("stim", 0)
	fired := make(chan struct{}, 1)
	r.AddReaction("never", func(graph.Ctx) {}, graph.Triggers(far))
	r.AddReaction("onStim", func(ctx graph.Ctx) {
		fired <- struct{}{}
		ctx.RequestStop()
	}, graph.Triggers(phys))
	g, err := b.Build()
	require.NoError(t, err)

	env := New(g, WithWorkers(1))
	done := make(chan error, 1)
	go func() { done <- env.Run(context.Background()) }()

	require.Eventually(t, func() bool { return env.State() == StateAdvancing },
		2*time.Second, time.Millisecond)

	start := time.Now()
	require.NoError(t, env.ScheduleAsync(phys, nil))
	select {
	case <-fired:
		assert.Less(t, time.Since(start), 5*time.Second)
	case <-time.After(5 * time.Second):
		t.Fatal("stimulus waited for the pending timer")
	}
	require.NoError(t, <-done)
}

func TestEnvironment_DelayedConnection(t *testing.T) {
	b := graph.New()
	src := b.AddReactor("src")
	out := src.AddOutput("out")
	src.AddReaction("emit", func(ctx graph.Ctx) { ctx.Set(out, "v") },
		graph.Triggers(b.Startup()), graph.Effects(out))

	dst := b.AddReactor("dst")
	in := dst.AddInput("in")
	var got logical.Tag
	dst.AddReaction("recv", func(ctx graph.Ctx) { got = ctx.Tag() },
		graph.TriggeredBy(in))

	b.ConnectAfter(out, in, 5*time.Millisecond)
	g, err := b.Build()
	require.NoError(t, err)

	env := New(g, WithWorkers(1), WithFast())
	require.NoError(t, env.Run(context.Background()))
	assert.Equal(t, logical.Tag{Time: 5_000_000}, got)
}

func TestEnvironment_ShutdownReactionsRun(t *testing.T) {
	b := graph.New()
	r := b.AddReactor("r")
	r.AddReaction("boot", func(ctx graph.Ctx) { ctx.RequestStop() },
		graph.Triggers(b.Startup()))
	var shutdownTag logical.Tag
	r.AddReaction("bye", func(ctx graph.Ctx) { shutdownTag = ctx.Tag() },
		graph.Triggers(b.Shutdown()))
	g, err := b.Build()
	require.NoError(t, err)

	env := New(g, WithWorkers(1), WithFast())
	require.NoError(t, env.Run(context.Background()))
	assert.Equal(t, logical.Tag{Time: 0, Microstep: 1}, shutdownTag)
}

func TestEnvironment_TardyMessageIsFatalByDefault(t *testing.T) {
	g, in := remoteFixture(t)
	env := New(g, WithWorkers(1), WithFast(), WithKeepAlive())
	done := make(chan error, 1)
	go func() { done <- env.Run(context.Background()) }()

	require.Eventually(t, func() bool { return env.State() == StateIdle },
		2*time.Second, time.Millisecond)

	err := env.InjectRemote(in.Trigger(), logical.Tag{Time: 0}, "late")
	require.Error(t, err)
	assert.True(t, IsTardy(err))

	runErr := <-done
	assert.True(t, IsTardy(runErr), "environment must terminate on a tardy message")
}

func TestEnvironment_TardyHandlerRecovers(t *testing.T) {
	g, in := remoteFixture(t)
	var handled logical.Tag
	env := New(g, WithWorkers(1), WithFast(), WithKeepAlive(),
		WithTardyHandler(func(tag logical.Tag, _ *graph.Trigger, _ any) {
			handled = tag
		}),
	)
	done := make(chan error, 1)
	go func() { done <- env.Run(context.Background()) }()

	require.Eventually(t, func() bool { return env.State() == StateIdle },
		2*time.Second, time.Millisecond)

	require.NoError(t, env.InjectRemote(in.Trigger(), logical.Tag{Time: 0}, "late"))
	assert.Equal(t, logical.Tag{Time: 0}, handled)

	env.RequestStop()
	require.NoError(t, <-done)
}

func TestEnvironment_KeepAliveWaitsOutTheTimeout(t *testing.T) {
	// Only a physical action, plus a ceiling: the environment must keep
	// waiting for asynchronous events until the ceiling's physical
	// time, not stop the moment the queue is empty.
	b := graph.New()
	r := b.AddReactor("r")
	phys := r.AddPhysicalAction("stim", 0)
	fired := make(chan logical.Tag, 1)
	r.AddReaction("onStim", func(ctx graph.Ctx) { fired <- ctx.Tag() },
		graph.Triggers(phys))
	g, err := b.Build()
	require.NoError(t, err)

	env := New(g, WithWorkers(1), WithTimeout(300*time.Millisecond))
	done := make(chan error, 1)
	go func() { done <- env.Run(context.Background()) }()

	// The queue is empty immediately; the environment must be waiting,
	// not terminated.
	time.Sleep(50 * time.Millisecond)
	require.NotEqual(t, StateTerminated, env.State())

	require.NoError(t, env.ScheduleAsync(phys, nil))
	select {
	case tag := <-fired:
		assert.True(t, tag.After(logical.Tag{}), "stimulus carries a physical-clock tag")
	case <-time.After(2 * time.Second):
		t.Fatal("physical action never fired")
	}
	require.NoError(t, <-done)
	assert.Equal(t, StateTerminated, env.State())
}

// grantingGate grants every announced tag outright and records the
// conversation.
type grantingGate struct {
	mu    sync.Mutex
	calls []string
}

func (g *grantingGate) NextEventTag(intended logical.Tag) (logical.Tag, bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, "NET"+intended.String())
	return intended, false, nil
}

func (g *grantingGate) LogicalTagComplete(tag logical.Tag) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, "LTC"+tag.String())
}

func (g *grantingGate) Idle() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, "IDLE")
}

func TestEnvironment_GateSeesEveryMicrostep(t *testing.T) {
	// A zero-delay action produces a superdense successor at the same
	// instant. A gated environment must announce that tag and wait for
	// its grant like any other: permission is per tag, and completing a
	// tag beyond the grant is a protocol violation upstream.
	b := graph.New()
	r := b.AddReactor("r")
	act := r.AddLogicalAction("step", 0)
	r.AddReaction("kick", func(ctx graph.Ctx) {
		assert.NoError(t, ctx.Schedule(act, 0, nil))
	}, graph.Triggers(b.Startup()))
	r.AddReaction("onStep", func(graph.Ctx) {}, graph.Triggers(act))
	g, err := b.Build()
	require.NoError(t, err)

	gate := &grantingGate{}
	env := New(g, WithWorkers(1), WithGate(gate), WithTimeout(time.Millisecond))
	require.NoError(t, env.Run(context.Background()))

	gate.mu.Lock()
	defer gate.mu.Unlock()
	want := []string{
		"NET(0s, 0)", "LTC(0s, 0)",
		"NET(0s, 1)", "LTC(0s, 1)",
		"NET(1ms, 0)", "LTC(1ms, 0)",
	}
	assert.Equal(t, want, gate.calls)
}

func TestEnvironment_ZeroTimeoutMeansNoCeiling(t *testing.T) {
	// A program without a timeout runs until it stops itself; passing
	// the zero value through WithTimeout must not pin the stop tag to
	// (0, 0).
	b := graph.New()
	r := b.AddReactor("r")
	tick := r.AddTimer("tick", 0, time.Millisecond)
	r.AddReaction("count", func(ctx graph.Ctx) {
		n, _ := r.State["n"].(int)
		r.State["n"] = n + 1
		if n+1 == 3 {
			ctx.RequestStop()
		}
	}, graph.Triggers(tick))
	g, err := b.Build()
	require.NoError(t, err)

	env := New(g, WithWorkers(1), WithFast(), WithTimeout(0))
	require.NoError(t, env.Run(context.Background()))
	assert.Equal(t, 3, r.State["n"], "the run must advance past tag (0, 0)")
}

// remoteFixture is a graph with a startup tag already processed and an
// input port fed over the network.
func remoteFixture(t *testing.T) (*graph.Graph, *graph.Port) {
	t.Helper()
	b := graph.New()
	r := b.AddReactor("r")
	r.AddReaction("boot", func(graph.Ctx) {}, graph.Triggers(b.Startup()))
	in := r.AddInput("in")
	r.AddReaction("recv", func(graph.Ctx) {}, graph.TriggeredBy(in))
	g, err := b.Build()
	require.NoError(t, err)
	return g, in
}
