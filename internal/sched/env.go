package sched

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tidefall/tact/internal/graph"
	"github.com/tidefall/tact/internal/logical"
)

// State is the environment's scheduling state.
type State int

const (
	// StateIdle means no events are pending.
	StateIdle State = iota + 1
	// StateAdvancing means the next tag is known and the environment is
	// waiting for permission (physical time or a coordinator grant).
	StateAdvancing
	// StateExecuting means reactions at the current tag are running.
	StateExecuting
	// StateTerminated means all workers have exited; no further events
	// are accepted.
	StateTerminated
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateAdvancing:
		return "ADVANCING"
	case StateExecuting:
		return "EXECUTING"
	case StateTerminated:
		return "TERMINATED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// TardyHandler is invoked for a message that arrived tagged at or
// before a tag the environment already started. Receives the offending
// tag, trigger and payload. Installing a handler makes tardiness
// recoverable; without one it is fatal.
type TardyHandler func(tag logical.Tag, trigger *graph.Trigger, v any)

// PortWriteHook observes writes to ports, used by the federation layer
// to forward boundary outputs. Called with the environment mutex held;
// implementations must not call back into the environment.
type PortWriteHook func(p *graph.Port, tag logical.Tag, v any)

// Option configures an Environment.
type Option func(*Environment)

// WithWorkers sets the worker pool size (minimum 1).
func WithWorkers(n int) Option {
	return func(e *Environment) {
		if n >= 1 {
			e.workers = n
		}
	}
}

// WithTimeout sets a logical-time ceiling: the environment synthesizes
// a shutdown tag at (d, 0) and processes nothing beyond it. A
// non-positive d means no ceiling, so callers can pass a program's
// timeout field straight through.
func WithTimeout(d time.Duration) Option {
	return func(e *Environment) {
		if d > 0 {
			e.stopTag = logical.Tag{Time: int64(d)}
		}
	}
}

// WithFast disables physical-time waits: tags are admitted as soon as
// they are safe, regardless of the wall clock.
func WithFast() Option {
	return func(e *Environment) { e.fast = true }
}

// WithPolicy selects the ready-set tie-breaking policy.
func WithPolicy(p PolicyKind) Option {
	return func(e *Environment) { e.policy = p }
}

// WithObserver attaches an execution observer.
func WithObserver(o Observer) Option {
	return func(e *Environment) { e.obs = o }
}

// WithGate attaches a federated tag gate.
func WithGate(g Gate) Option {
	return func(e *Environment) { e.gate = g }
}

// WithPlatform substitutes the platform (tests use a manual clock).
func WithPlatform(p Platform) Option {
	return func(e *Environment) { e.platform = p }
}

// WithLogger sets the environment logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Environment) { e.logger = l }
}

// WithKeepAlive keeps the environment alive on an empty queue, waiting
// for asynchronous events. Implied by physical actions or a gate.
func WithKeepAlive() Option {
	return func(e *Environment) { e.keepAlive = true }
}

// WithTardyHandler installs the recoverable tardy-message policy.
func WithTardyHandler(h TardyHandler) Option {
	return func(e *Environment) { e.tardy = h }
}

// WithPortWriteHook installs a port write observer.
func WithPortWriteHook(h PortWriteHook) Option {
	return func(e *Environment) { e.portHook = h }
}

// Environment is one independent scheduling domain: an event queue, a
// current tag, and the worker pool operating on it.
type Environment struct {
	graph    *graph.Graph
	queue    *EventQueue
	platform Platform
	logger   *slog.Logger
	obs      Observer
	gate     Gate
	tardy    TardyHandler
	portHook PortWriteHook

	workers   int
	policy    PolicyKind
	fast      bool
	keepAlive bool

	mu   sync.Mutex
	cond *sync.Cond

	state      State
	currentTag logical.Tag
	// started is the latest tag whose events were drained. Events at or
	// before it can no longer be admitted.
	started logical.Tag
	stopTag logical.Tag
	epoch   time.Time
	fatal   error
	wake    chan struct{}

	// Per-tag execution bookkeeping, guarded by mu.
	triggered     map[int]*Event
	buckets       [][]*graph.Reaction
	readyCount    int
	inflight      []int
	inflightTotal int
	running       *graph.Bitset
	queuedThisTag *graph.Bitset
	seq           int64
}

// New creates an environment over a built graph.
func New(g *graph.Graph, opts ...Option) *Environment {
	env := &Environment{
		graph:      g,
		queue:      NewEventQueue(),
		platform:   NewPlatform(),
		logger:     slog.Default(),
		obs:        nopObserver{},
		policy:     PolicyNP,
		state:      StateIdle,
		currentTag: logical.Never,
		started:    logical.Never,
		stopTag:    logical.Forever,
		wake:       make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(env)
	}
	if env.workers == 0 {
		env.workers = env.platform.Cores()
		if env.workers < 1 {
			env.workers = 1
		}
	}
	env.cond = sync.NewCond(&env.mu)
	env.buckets = make([][]*graph.Reaction, g.MaxLevel()+1)
	env.inflight = make([]int, g.MaxLevel()+1)
	env.running = graph.NewBitset(len(g.Reactions()))
	if len(g.PhysicalActions()) > 0 || env.gate != nil {
		env.keepAlive = true
	}
	return env
}

// State returns the current scheduling state.
func (env *Environment) State() State {
	env.mu.Lock()
	defer env.mu.Unlock()
	return env.state
}

// CurrentTag returns the tag most recently admitted for execution.
func (env *Environment) CurrentTag() logical.Tag {
	env.mu.Lock()
	defer env.mu.Unlock()
	return env.currentTag
}

// Run executes the program until the shutdown tag, the context is
// cancelled, or a fatal condition occurs. Must be called exactly once.
func (env *Environment) Run(ctx context.Context) error {
	env.mu.Lock()
	env.epoch = env.platform.Now()
	env.mu.Unlock()
	env.seedInitialEvents()

	// Cancellation must interrupt a physical-time wait.
	stopWatch := context.AfterFunc(ctx, env.wakeConductor)
	defer stopWatch()

	env.logger.Info("environment starting",
		"workers", env.workers,
		"policy", string(env.policy),
		"reactions", len(env.graph.Reactions()),
		"maxLevel", env.graph.MaxLevel(),
	)

	var wg sync.WaitGroup
	for i := 0; i < env.workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			env.worker(id)
		}(i)
	}

	err := env.conduct(ctx)

	env.mu.Lock()
	env.state = StateTerminated
	env.cond.Broadcast()
	env.mu.Unlock()
	env.queue.Close()
	wg.Wait()

	if err != nil {
		env.logger.Error("environment terminated", "error", err)
	} else {
		env.logger.Info("environment terminated cleanly", "finalTag", env.currentTag)
	}
	return err
}

// seedInitialEvents inserts the startup event and first timer firings.
func (env *Environment) seedInitialEvents() {
	start := logical.Tag{}
	if len(env.graph.Startup().Reactions()) > 0 {
		env.insertEvent(start, env.graph.Startup(), nil)
	}
	for _, t := range env.graph.Timers() {
		if len(t.Reactions()) == 0 {
			continue
		}
		offset, _ := t.TimerSpec()
		env.insertEvent(start.Delay(offset), t, nil)
	}
}

func (env *Environment) insertEvent(tag logical.Tag, t *graph.Trigger, v any) bool {
	if !env.queue.Insert(tag, t, v) {
		return false
	}
	env.obs.EventInserted(tag, t)
	return true
}

// conduct is the tag-admission loop. Workers execute reactions; this
// goroutine decides which tag they see next.
func (env *Environment) conduct(ctx context.Context) error {
	for {
		env.mu.Lock()
		if env.fatal != nil {
			err := env.fatal
			env.mu.Unlock()
			return err
		}
		if ctx.Err() != nil {
			env.mu.Unlock()
			return ctx.Err()
		}

		minTag, ok := env.queue.PeekMinTag()
		if !ok {
			switch {
			case env.keepAlive && env.stopTag == logical.Forever:
				env.state = StateIdle
				if env.gate != nil {
					env.gate.Idle()
				}
				env.mu.Unlock()
				select {
				case <-ctx.Done():
				case <-env.queue.Wait():
				case <-env.wake:
				}
				continue
			case env.keepAlive:
				// Asynchronous events may still arrive before the
				// ceiling. Aim at the stop tag; the wait below (physical
				// time or a coordinator grant) is interrupted by any
				// earlier arrival and the loop re-checks the queue.
				minTag = env.stopTag
			default:
				// Nothing more can happen: shut down at the next
				// microstep (or the configured ceiling if earlier).
				next := env.started.Next()
				if env.started == logical.Never {
					next = logical.Tag{}
				}
				env.stopTag = logical.Min(env.stopTag, next)
				minTag = env.stopTag
			}
		}

		next := logical.Min(minTag, env.stopTag)
		final := next == env.stopTag
		env.state = StateAdvancing

		if env.gate != nil {
			env.mu.Unlock()
			_, _, err := env.gate.NextEventTag(next)
			env.mu.Lock()
			if err != nil {
				env.fatal = &RuntimeError{Code: ErrCodeCoordination, Message: err.Error(), Tag: next}
				err := env.fatal
				env.mu.Unlock()
				return err
			}
			// Coordination may have delivered earlier-tagged messages.
			if m, ok := env.queue.PeekMinTag(); ok && m.Before(next) {
				env.mu.Unlock()
				continue
			}
		} else if !env.fast && next.Time > 0 {
			deadline := env.epoch.Add(time.Duration(next.Time))
			env.mu.Unlock()
			interrupted := env.platform.WaitUntil(deadline)
			env.mu.Lock()
			if interrupted {
				// An asynchronous event may now precede next.
				env.mu.Unlock()
				continue
			}
		}
		if env.stopTag.Before(next) {
			// A stop arrived while we were waiting.
			env.mu.Unlock()
			continue
		}
		if ctx.Err() != nil {
			env.mu.Unlock()
			return ctx.Err()
		}
		if env.fatal != nil {
			err := env.fatal
			env.mu.Unlock()
			return err
		}

		// EXECUTING: run this tag, then any superdense successors at the
		// same time value. A gated environment goes back through the
		// gate for every tag, microsteps included: advancement
		// permission is per tag, not per time value.
		for {
			env.executeTagLocked(next, final)
			completed := next
			env.mu.Unlock()

			env.obs.TagCompleted(completed)
			if env.gate != nil {
				env.gate.LogicalTagComplete(completed)
			}
			if final {
				return nil
			}
			if env.gate != nil {
				break
			}

			env.mu.Lock()
			m, ok := env.queue.PeekMinTag()
			if ok && m.Time == completed.Time {
				next = logical.Min(m, env.stopTag)
				final = next == env.stopTag
				continue
			}
			if env.stopTag.Time == completed.Time && env.stopTag.After(completed) {
				// A stop was requested at the next microstep.
				next = env.stopTag
				final = true
				continue
			}
			env.mu.Unlock()
			break
		}
	}
}

// executeTagLocked drains events at the tag, readies their reactions,
// and blocks until every reaction at the tag has completed. Called with
// the environment mutex held; returns with it held.
func (env *Environment) executeTagLocked(tag logical.Tag, final bool) {
	env.currentTag = tag
	env.started = tag
	env.state = StateExecuting
	env.triggered = make(map[int]*Event)
	env.queuedThisTag = graph.NewBitset(len(env.graph.Reactions()))

	events := env.queue.DrainAt(tag)
	for _, e := range events {
		env.triggered[e.Trigger.ID()] = e
		for _, rx := range e.Trigger.Reactions() {
			env.enqueueReadyLocked(rx)
		}
		if e.Trigger.Kind() == graph.KindTimer {
			if _, period := e.Trigger.TimerSpec(); period > 0 {
				env.insertEvent(logical.Tag{Time: tag.Time + int64(period)}, e.Trigger, nil)
			}
		}
	}
	if final {
		sd := env.graph.Shutdown()
		env.triggered[sd.ID()] = &Event{Tag: tag, Trigger: sd}
		for _, rx := range sd.Reactions() {
			env.enqueueReadyLocked(rx)
		}
	}

	env.logger.Debug("tag admitted", "tag", tag, "events", len(events), "final", final)
	env.cond.Broadcast()

	for env.readyCount > 0 || env.inflightTotal > 0 {
		env.cond.Wait()
	}
	env.triggered = nil
}

// enqueueReadyLocked marks a reaction ready at the current tag, once.
func (env *Environment) enqueueReadyLocked(rx *graph.Reaction) {
	if env.queuedThisTag.Test(rx.ID()) {
		return
	}
	env.queuedThisTag.Set(rx.ID())
	env.buckets[rx.Level()] = append(env.buckets[rx.Level()], rx)
	env.readyCount++
	env.cond.Broadcast()
}

// claimLocked picks the next reaction for a worker: the lowest ready
// level, gated on every lower level having fully completed, skipping
// anything mutually excluded by a running reaction.
func (env *Environment) claimLocked(last *graph.Reactor) (*graph.Reaction, bool) {
	if env.state != StateExecuting {
		return nil, false
	}
	for lvl := 0; lvl < len(env.buckets); lvl++ {
		if len(env.buckets[lvl]) == 0 {
			if env.inflight[lvl] > 0 {
				// Reactions in flight here may still ready reactions at
				// this or higher levels; do not skip past them.
				return nil, false
			}
			continue
		}
		bucket := env.buckets[lvl]
		idx := pick(env.policy, bucket, last)
		if bucket[idx].Conflicts().Intersects(env.running) {
			idx = -1
			for i, rx := range bucket {
				if !rx.Conflicts().Intersects(env.running) && (idx < 0 || rx.ID() < bucket[idx].ID()) {
					idx = i
				}
			}
			if idx < 0 {
				return nil, false
			}
		}
		rx := bucket[idx]
		bucket[idx] = bucket[len(bucket)-1]
		env.buckets[lvl] = bucket[:len(bucket)-1]
		env.readyCount--
		return rx, true
	}
	return nil, false
}

// worker is the body of one pool goroutine.
func (env *Environment) worker(id int) {
	var last *graph.Reactor
	env.mu.Lock()
	for {
		if env.state == StateTerminated {
			break
		}
		rx, ok := env.claimLocked(last)
		if !ok {
			env.cond.Wait()
			continue
		}
		lvl := rx.Level()
		env.inflight[lvl]++
		env.inflightTotal++
		env.running.Set(rx.ID())
		tag := env.currentTag
		env.mu.Unlock()

		miss := env.execute(rx, tag, id)

		env.mu.Lock()
		env.inflight[lvl]--
		env.inflightTotal--
		env.running.Clear(rx.ID())
		env.seq++
		// Reported before the lock drops so observer order always
		// respects the level barrier.
		env.obs.ReactionExecuted(env.seq, tag, rx, id, miss)
		last = rx.Reactor()
		env.cond.Broadcast()
	}
	env.mu.Unlock()
}

// execute runs a reaction body, substituting the deadline handler when
// the physical clock has already overrun the reaction's budget.
func (env *Environment) execute(rx *graph.Reaction, tag logical.Tag, worker int) (deadlineMiss bool) {
	body := rx.Body()
	if d, handler := rx.Deadline(); d > 0 && handler != nil {
		lag := env.platform.Now().Sub(env.epoch.Add(time.Duration(tag.Time)))
		if lag > d {
			env.logger.Warn("deadline violated",
				"reaction", rx.Name(),
				"tag", tag,
				"deadline", d,
				"lag", lag,
			)
			body = handler
			deadlineMiss = true
		}
	}
	body(&reactionCtx{env: env, tag: tag, rx: rx, worker: worker})
	return deadlineMiss
}

// deliverLocked fires a port at the current tag: local reactions become
// ready immediately, instantaneous hops propagate transitively, delayed
// hops route through the event queue.
func (env *Environment) deliverLocked(p *graph.Port, tag logical.Tag, v any) {
	t := p.Trigger()
	env.triggered[t.ID()] = &Event{Tag: tag, Trigger: t, Value: v}
	for _, rx := range t.Reactions() {
		env.enqueueReadyLocked(rx)
	}
	if env.portHook != nil {
		env.portHook(p, tag, v)
	}
	for _, dest := range p.Destinations() {
		if dest.Delayed {
			env.insertEvent(tag.Delay(dest.Delay), dest.Port.Trigger(), v)
			continue
		}
		env.deliverLocked(dest.Port, tag, v)
	}
}

// ScheduleAsync records a physical stimulus: an event stamped with the
// current physical clock, inserted from any goroutine. Wakes the
// environment if it is blocked waiting for a later tag.
func (env *Environment) ScheduleAsync(t *graph.Trigger, v any) error {
	if t.Kind() != graph.KindPhysicalAction {
		return fmt.Errorf("trigger %q is not a physical action", t.Name())
	}
	env.mu.Lock()
	if env.state == StateTerminated {
		env.mu.Unlock()
		return &RuntimeError{Code: ErrCodeQueueClosed, Message: "environment terminated", Trigger: t.Name()}
	}
	tag := logical.Tag{Time: int64(env.platform.Now().Sub(env.epoch)) + int64(t.MinDelay())}
	if !tag.After(env.started) {
		tag = env.started.Next()
	}
	ok := env.insertEvent(tag, t, v)
	env.mu.Unlock()
	if !ok {
		return &RuntimeError{Code: ErrCodeQueueClosed, Message: "event queue closed", Tag: tag, Trigger: t.Name()}
	}
	env.platform.Notify()
	return nil
}

// InjectRemote inserts a network message's event. A tag at or before
// one already started is tardy: handled by the configured handler, or
// fatal.
func (env *Environment) InjectRemote(t *graph.Trigger, tag logical.Tag, v any) error {
	env.mu.Lock()
	if !tag.After(env.started) {
		if env.tardy != nil {
			h := env.tardy
			env.mu.Unlock()
			h(tag, t, v)
			return nil
		}
		err := &RuntimeError{Code: ErrCodeTardy, Message: "message tagged at or before a started tag", Tag: tag, Trigger: t.Name()}
		env.failLocked(err)
		env.mu.Unlock()
		return err
	}
	ok := env.insertEvent(tag, t, v)
	env.mu.Unlock()
	if !ok {
		return &RuntimeError{Code: ErrCodeQueueClosed, Message: "event queue closed", Tag: tag, Trigger: t.Name()}
	}
	env.platform.Notify()
	return nil
}

// RequestStop schedules shutdown at the next tag. In-flight reactions
// at the current tag still finish.
func (env *Environment) RequestStop() {
	env.mu.Lock()
	next := env.started.Next()
	if env.started == logical.Never {
		next = logical.Tag{}
	}
	env.stopTag = logical.Min(env.stopTag, next)
	env.mu.Unlock()
	env.wakeConductor()
}

// Fail terminates the environment with a fatal error after the current
// tag completes.
func (env *Environment) Fail(err error) {
	env.mu.Lock()
	env.failLocked(err)
	env.mu.Unlock()
}

func (env *Environment) failLocked(err error) {
	if env.fatal == nil {
		env.fatal = err
	}
	env.cond.Broadcast()
	env.wakeConductor()
}

func (env *Environment) wakeConductor() {
	select {
	case env.wake <- struct{}{}:
	default:
	}
	env.platform.Notify()
}

// reactionCtx is the graph.Ctx implementation handed to bodies.
type reactionCtx struct {
	env    *Environment
	tag    logical.Tag
	rx     *graph.Reaction
	worker int
}

func (c *reactionCtx) Tag() logical.Tag { return c.tag }

func (c *reactionCtx) PhysicalTime() time.Time { return c.env.platform.Now() }

func (c *reactionCtx) Get(t *graph.Trigger) (any, bool) {
	c.env.mu.Lock()
	defer c.env.mu.Unlock()
	e, ok := c.env.triggered[t.ID()]
	if !ok {
		return nil, false
	}
	return e.Value, true
}

func (c *reactionCtx) Set(p *graph.Port, v any) {
	c.env.mu.Lock()
	defer c.env.mu.Unlock()
	c.env.deliverLocked(p, c.tag, v)
}

func (c *reactionCtx) Schedule(a *graph.Trigger, extra time.Duration, v any) error {
	if a.Kind() != graph.KindLogicalAction {
		return fmt.Errorf("trigger %q is not a logical action", a.Name())
	}
	if extra < 0 {
		return fmt.Errorf("negative extra delay scheduling %q", a.Name())
	}
	tag := c.tag.Delay(a.MinDelay() + extra)
	c.env.mu.Lock()
	ok := c.env.insertEvent(tag, a, v)
	c.env.mu.Unlock()
	if !ok {
		return &RuntimeError{Code: ErrCodeQueueClosed, Message: "event queue closed", Tag: tag, Trigger: a.Name()}
	}
	return nil
}

func (c *reactionCtx) RequestStop() { c.env.RequestStop() }

func (c *reactionCtx) Logger() *slog.Logger {
	return c.env.logger.With("reaction", c.rx.Name(), "tag", c.tag)
}
