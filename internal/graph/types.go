package graph

import (
	"log/slog"
	"time"

	"github.com/tidefall/tact/internal/logical"
)

// TriggerKind distinguishes what can fire a reaction.
type TriggerKind int

const (
	// KindStartup fires once at the first tag of an execution.
	KindStartup TriggerKind = iota + 1
	// KindShutdown fires at the final (shutdown) tag.
	KindShutdown
	// KindTimer fires at a fixed offset and then periodically.
	KindTimer
	// KindLogicalAction is scheduled by reactions at a future tag.
	KindLogicalAction
	// KindPhysicalAction is scheduled asynchronously from outside the
	// scheduling domain, stamped with the physical clock.
	KindPhysicalAction
	// KindPort fires when a reaction (local or remote) writes the port.
	KindPort
)

// MergePolicy decides what happens when two events land on the same
// trigger at the same tag.
type MergePolicy int

const (
	// MergeReplace keeps the later payload (default).
	MergeReplace MergePolicy = iota
	// MergeKeepFirst keeps the earlier payload.
	MergeKeepFirst
)

// Trigger identifies a timer, an action, or a port's firing side.
// Each trigger carries a fixed registration priority assigned at graph
// construction; events at the same tag are delivered in priority order
// so the ready set is deterministic regardless of insertion order.
type Trigger struct {
	id       int
	name     string
	kind     TriggerKind
	reactor  *Reactor // nil for the startup/shutdown triggers
	priority int
	merge    MergePolicy

	// Timer parameters. A zero period means the timer fires once.
	offset, period time.Duration

	// Minimum scheduling delay for actions.
	minDelay time.Duration

	// Back pointer for port triggers.
	port *Port

	reactions []*Reaction
}

// Port returns the port this trigger belongs to, or nil for non-port
// triggers.
func (t *Trigger) Port() *Port { return t.port }

// ID returns the trigger's graph-unique identifier.
func (t *Trigger) ID() int { return t.id }

// Name returns the trigger's qualified name, e.g. "clock.tick".
func (t *Trigger) Name() string { return t.name }

// Kind returns the trigger kind.
func (t *Trigger) Kind() TriggerKind { return t.kind }

// Priority returns the fixed registration priority.
func (t *Trigger) Priority() int { return t.priority }

// Merge returns the trigger's same-tag merge policy.
func (t *Trigger) Merge() MergePolicy { return t.merge }

// Reactions returns the reactions this trigger fires, in declaration
// order. The slice is owned by the graph; callers must not mutate it.
func (t *Trigger) Reactions() []*Reaction { return t.reactions }

// TimerSpec returns a timer trigger's offset and period.
func (t *Trigger) TimerSpec() (offset, period time.Duration) { return t.offset, t.period }

// MinDelay returns an action trigger's minimum scheduling delay.
func (t *Trigger) MinDelay() time.Duration { return t.minDelay }

// SetMerge overrides the trigger's merge policy. Must be called before
// Build.
func (t *Trigger) SetMerge(p MergePolicy) { t.merge = p }

// PortDirection distinguishes input from output ports.
type PortDirection int

const (
	// Input ports trigger reactions of their own reactor.
	Input PortDirection = iota + 1
	// Output ports are written by reactions and feed connections.
	Output
)

// connection routes a written port value to a downstream port.
type connection struct {
	to    *Port
	delay time.Duration
	// delayed distinguishes an explicit zero delay (microstep hop via
	// the event queue) from an instantaneous connection.
	delayed bool
}

// Port is a reactor's communication endpoint. Cross-reactor
// communication happens only through ports, never shared memory.
type Port struct {
	trigger   *Trigger
	reactor   *Reactor
	direction PortDirection
	conns     []connection
	writers   []*Reaction
}

// Trigger returns the port's firing side, usable as a reaction trigger.
func (p *Port) Trigger() *Trigger { return p.trigger }

// Name returns the port's qualified name.
func (p *Port) Name() string { return p.trigger.name }

// Direction returns whether the port is an input or an output.
func (p *Port) Direction() PortDirection { return p.direction }

// Destinations returns the downstream hops of this port. Instantaneous
// hops deliver at the current tag; delayed hops route through the event
// queue.
func (p *Port) Destinations() []Destination {
	out := make([]Destination, len(p.conns))
	for i, c := range p.conns {
		out[i] = Destination{Port: c.to, Delay: c.delay, Delayed: c.delayed}
	}
	return out
}

// Destination is one downstream hop of a port connection.
type Destination struct {
	Port    *Port
	Delay   time.Duration
	Delayed bool
}

// Ctx is the view of the running environment handed to a reaction body.
// Implemented by the scheduler; reactions never touch the environment
// directly.
type Ctx interface {
	// Tag returns the logical tag being executed.
	Tag() logical.Tag

	// PhysicalTime returns the platform clock reading.
	PhysicalTime() time.Time

	// Get returns the payload the given trigger carries at the current
	// tag, and whether the trigger is present at this tag.
	Get(t *Trigger) (any, bool)

	// Set writes a value to an effect port, firing downstream reactions
	// at the current tag (instantaneous hops) or scheduling events
	// (delayed hops).
	Set(p *Port, v any)

	// Schedule schedules a logical action at the current tag delayed by
	// the action's minimum delay plus extra. A total delay of zero
	// yields the next microstep.
	Schedule(a *Trigger, extra time.Duration, v any) error

	// RequestStop asks the environment to shut down at the next tag.
	RequestStop()

	// Logger returns a logger scoped to the executing reaction.
	Logger() *slog.Logger
}

// Body is a reaction's executable code.
type Body func(Ctx)

// Reaction is one schedulable unit of reactor code.
type Reaction struct {
	id      int
	name    string
	reactor *Reactor
	index   int // declaration index within the reactor

	body            Body
	deadline        time.Duration
	deadlineHandler Body

	triggers []*Trigger
	effects  []*Port

	// Assigned by Build.
	level     int
	conflicts *Bitset
}

// ID returns the reaction's graph-unique identifier.
func (r *Reaction) ID() int { return r.id }

// Name returns the reaction's qualified name, e.g. "clock.emit".
func (r *Reaction) Name() string { return r.name }

// Reactor returns the owning reactor instance.
func (r *Reaction) Reactor() *Reactor { return r.reactor }

// Level returns the reaction's topological rank. Reactions connected by
// a dependency edge have strictly increasing levels; unrelated reactions
// may share a level.
func (r *Reaction) Level() int { return r.level }

// Conflicts returns the set of reaction IDs this reaction may never run
// concurrently with.
func (r *Reaction) Conflicts() *Bitset { return r.conflicts }

// Body returns the reaction's normal body.
func (r *Reaction) Body() Body { return r.body }

// Deadline returns the physical-time budget and the handler substituted
// for the body when the budget is already exhausted at dispatch. A zero
// duration means no deadline.
func (r *Reaction) Deadline() (time.Duration, Body) { return r.deadline, r.deadlineHandler }

// SetDeadline attaches a deadline and its violation handler. Must be
// called before Build.
func (r *Reaction) SetDeadline(d time.Duration, handler Body) {
	r.deadline = d
	r.deadlineHandler = handler
}

// Triggers returns the triggers that fire this reaction.
func (r *Reaction) Triggers() []*Trigger { return r.triggers }

// Effects returns the ports this reaction may write.
func (r *Reaction) Effects() []*Port { return r.effects }

// Reactor is one reactor instance: private state plus the timers,
// actions, ports and reactions declared on it. State mutation is
// confined to the instance's own reactions, which the conflict relation
// guarantees never overlap.
type Reactor struct {
	name      string
	builder   *Builder
	reactions []*Reaction
	ports     map[string]*Port
	triggers  map[string]*Trigger

	// State is the reactor's private state, touched only by its own
	// reactions.
	State map[string]any
}

// Name returns the reactor instance name.
func (r *Reactor) Name() string { return r.name }

// Reactions returns the reactor's reactions in declaration order.
func (r *Reactor) Reactions() []*Reaction { return r.reactions }
