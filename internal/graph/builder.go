package graph

import (
	"fmt"
	"sort"
	"time"
)

// Builder constructs a reactor graph. Not safe for concurrent use;
// build the graph fully before handing it to an environment.
type Builder struct {
	reactors []*Reactor
	byName   map[string]*Reactor

	triggers  []*Trigger
	reactions []*Reaction

	startup  *Trigger
	shutdown *Trigger

	errs []error
}

// New returns an empty Builder with the startup and shutdown triggers
// pre-registered at priorities 0 and 1.
func New() *Builder {
	b := &Builder{byName: make(map[string]*Reactor)}
	b.startup = b.newTrigger("startup", KindStartup, nil)
	b.shutdown = b.newTrigger("shutdown", KindShutdown, nil)
	return b
}

func (b *Builder) newTrigger(name string, kind TriggerKind, reactor *Reactor) *Trigger {
	t := &Trigger{
		id:       len(b.triggers),
		name:     name,
		kind:     kind,
		reactor:  reactor,
		priority: len(b.triggers),
	}
	b.triggers = append(b.triggers, t)
	return t
}

func (b *Builder) addErr(code BuildErrorCode, msg string, reactions ...string) {
	b.errs = append(b.errs, &BuildError{Code: code, Message: msg, Reactions: reactions})
}

// Startup returns the graph-wide startup trigger.
func (b *Builder) Startup() *Trigger { return b.startup }

// Shutdown returns the graph-wide shutdown trigger.
func (b *Builder) Shutdown() *Trigger { return b.shutdown }

// AddReactor declares a reactor instance.
func (b *Builder) AddReactor(name string) *Reactor {
	if _, dup := b.byName[name]; dup {
		b.addErr(ErrCodeDuplicateName, fmt.Sprintf("reactor %q declared twice", name))
	}
	r := &Reactor{
		name:     name,
		builder:  b,
		ports:    make(map[string]*Port),
		triggers: make(map[string]*Trigger),
		State:    make(map[string]any),
	}
	b.reactors = append(b.reactors, r)
	b.byName[name] = r
	return r
}

func (r *Reactor) qualify(name string) string { return r.name + "." + name }

func (r *Reactor) registerTrigger(name string, kind TriggerKind) *Trigger {
	if _, dup := r.triggers[name]; dup {
		r.builder.addErr(ErrCodeDuplicateName, fmt.Sprintf("trigger %q declared twice on reactor %q", name, r.name))
	}
	t := r.builder.newTrigger(r.qualify(name), kind, r)
	r.triggers[name] = t
	return t
}

// AddTimer declares a timer firing first at offset, then every period.
// A zero period makes the timer fire exactly once.
func (r *Reactor) AddTimer(name string, offset, period time.Duration) *Trigger {
	if offset < 0 || period < 0 {
		r.builder.addErr(ErrCodeBadTimer, fmt.Sprintf("timer %q has a negative offset or period", r.qualify(name)))
	}
	t := r.registerTrigger(name, KindTimer)
	t.offset = offset
	t.period = period
	return t
}

// AddLogicalAction declares an action schedulable by reactions, with a
// minimum delay added to every schedule call.
func (r *Reactor) AddLogicalAction(name string, minDelay time.Duration) *Trigger {
	t := r.registerTrigger(name, KindLogicalAction)
	t.minDelay = minDelay
	return t
}

// AddPhysicalAction declares an action schedulable asynchronously from
// outside the scheduling domain.
func (r *Reactor) AddPhysicalAction(name string, minDelay time.Duration) *Trigger {
	t := r.registerTrigger(name, KindPhysicalAction)
	t.minDelay = minDelay
	return t
}

func (r *Reactor) addPort(name string, dir PortDirection) *Port {
	t := r.registerTrigger(name, KindPort)
	p := &Port{trigger: t, reactor: r, direction: dir}
	t.port = p
	r.ports[name] = p
	return p
}

// AddInput declares an input port.
func (r *Reactor) AddInput(name string) *Port { return r.addPort(name, Input) }

// AddOutput declares an output port.
func (r *Reactor) AddOutput(name string) *Port { return r.addPort(name, Output) }

// ReactionOption configures a reaction at declaration.
type ReactionOption func(*Reaction)

// Triggers declares what fires the reaction.
func Triggers(ts ...*Trigger) ReactionOption {
	return func(rx *Reaction) { rx.triggers = append(rx.triggers, ts...) }
}

// TriggeredBy declares ports whose firing side triggers the reaction.
func TriggeredBy(ports ...*Port) ReactionOption {
	return func(rx *Reaction) {
		for _, p := range ports {
			rx.triggers = append(rx.triggers, p.trigger)
		}
	}
}

// Effects declares the ports the reaction may write.
func Effects(ports ...*Port) ReactionOption {
	return func(rx *Reaction) { rx.effects = append(rx.effects, ports...) }
}

// AddReaction declares a reaction on the reactor. Declaration order is
// significant: at any tag, a reactor's reactions execute in the order
// they were added.
func (r *Reactor) AddReaction(name string, body Body, opts ...ReactionOption) *Reaction {
	rx := &Reaction{
		id:      len(r.builder.reactions),
		name:    r.qualify(name),
		reactor: r,
		index:   len(r.reactions),
		body:    body,
	}
	for _, opt := range opts {
		opt(rx)
	}
	for _, t := range rx.triggers {
		t.reactions = append(t.reactions, rx)
	}
	for _, p := range rx.effects {
		p.writers = append(p.writers, rx)
	}
	r.reactions = append(r.reactions, rx)
	r.builder.reactions = append(r.builder.reactions, rx)
	return rx
}

// Connect wires an upstream port to a downstream port instantaneously:
// the value arrives at the same tag, and writers of from precede
// reactions triggered by to in the level order.
func (b *Builder) Connect(from, to *Port) {
	b.connect(from, to, 0, false)
}

// ConnectAfter wires an upstream port to a downstream port through the
// event queue: the value arrives at the write tag delayed by d. A zero
// d delivers at the next microstep. No precedence edge is created.
func (b *Builder) ConnectAfter(from, to *Port, d time.Duration) {
	b.connect(from, to, d, true)
}

func (b *Builder) connect(from, to *Port, d time.Duration, delayed bool) {
	if from.reactor == to.reactor && from == to {
		b.addErr(ErrCodeBadConnection, fmt.Sprintf("port %q connected to itself", from.Name()))
		return
	}
	if d < 0 {
		b.addErr(ErrCodeBadConnection, fmt.Sprintf("connection %q -> %q has a negative delay", from.Name(), to.Name()))
		return
	}
	from.conns = append(from.conns, connection{to: to, delay: d, delayed: delayed})
}

// Graph is the immutable result of a successful Build.
type Graph struct {
	reactors  []*Reactor
	triggers  []*Trigger
	reactions []*Reaction
	startup   *Trigger
	shutdown  *Trigger
	maxLevel  int
}

// Build validates the graph, assigns levels by longest path over the
// instantaneous dependency DAG, and computes conflict sets. Any
// instantaneous cycle or other structural error is returned here;
// nothing executes on a graph that failed to build.
func (b *Builder) Build() (*Graph, error) {
	for _, rx := range b.reactions {
		if len(rx.triggers) == 0 {
			b.addErr(ErrCodeNoTriggers, fmt.Sprintf("reaction %q has no triggers and can never fire", rx.name))
		}
	}
	if len(b.errs) > 0 {
		return nil, b.errs[0]
	}

	succ, err := b.dependencyEdges()
	if err != nil {
		return nil, err
	}
	if err := b.assignLevels(succ); err != nil {
		return nil, err
	}
	b.assignConflicts(succ)

	g := &Graph{
		reactors:  b.reactors,
		triggers:  b.triggers,
		reactions: b.reactions,
		startup:   b.startup,
		shutdown:  b.shutdown,
	}
	for _, rx := range b.reactions {
		if rx.level > g.maxLevel {
			g.maxLevel = rx.level
		}
	}
	return g, nil
}

// instantaneousSinks returns every port reachable from p over
// zero-delay connections, including p itself. Reports a connection
// cycle through err.
func instantaneousSinks(p *Port) ([]*Port, error) {
	var out []*Port
	seen := map[*Port]bool{}
	var walk func(q *Port, path []*Port) error
	walk = func(q *Port, path []*Port) error {
		for _, onPath := range path {
			if onPath == q {
				return &BuildError{
					Code:    ErrCodeCycle,
					Message: fmt.Sprintf("instantaneous connection cycle through port %q", q.Name()),
				}
			}
		}
		if seen[q] {
			return nil
		}
		seen[q] = true
		out = append(out, q)
		for _, c := range q.conns {
			if c.delayed {
				continue
			}
			if err := walk(c.to, append(path, q)); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(p, nil); err != nil {
		return nil, err
	}
	return out, nil
}

// dependencyEdges computes the instantaneous precedence successors of
// every reaction: same-reactor declaration order plus writer-to-reader
// edges through zero-delay port connections.
func (b *Builder) dependencyEdges() (map[int][]int, error) {
	succ := make(map[int][]int, len(b.reactions))
	add := func(from, to *Reaction) {
		succ[from.id] = append(succ[from.id], to.id)
	}

	for _, r := range b.reactors {
		for i := 1; i < len(r.reactions); i++ {
			add(r.reactions[i-1], r.reactions[i])
		}
	}

	for _, t := range b.triggers {
		if t.kind != KindPort {
			continue
		}
		p := t.port
		if len(p.writers) == 0 {
			continue
		}
		sinks, err := instantaneousSinks(p)
		if err != nil {
			return nil, err
		}
		for _, w := range p.writers {
			for _, sink := range sinks {
				for _, reader := range sink.trigger.reactions {
					if reader != w {
						add(w, reader)
					}
				}
			}
		}
	}

	for id := range succ {
		sort.Ints(succ[id])
	}
	return succ, nil
}

// assignLevels runs a Kahn topological sort, ranking each reaction by
// longest path from a source. Reactions left unprocessed sit on a
// cycle, which is reported as a fatal build error.
func (b *Builder) assignLevels(succ map[int][]int) error {
	n := len(b.reactions)
	indeg := make([]int, n)
	for _, outs := range succ {
		for _, to := range outs {
			indeg[to]++
		}
	}

	var frontier []int
	for id := 0; id < n; id++ {
		if indeg[id] == 0 {
			frontier = append(frontier, id)
		}
	}

	processed := 0
	for len(frontier) > 0 {
		id := frontier[0]
		frontier = frontier[1:]
		processed++
		for _, to := range succ[id] {
			if lvl := b.reactions[id].level + 1; lvl > b.reactions[to].level {
				b.reactions[to].level = lvl
			}
			if indeg[to]--; indeg[to] == 0 {
				frontier = append(frontier, to)
			}
		}
	}

	if processed != n {
		var cyclic []string
		for id := 0; id < n; id++ {
			if indeg[id] > 0 {
				cyclic = append(cyclic, b.reactions[id].name)
			}
		}
		return &BuildError{
			Code:      ErrCodeCycle,
			Message:   "instantaneous dependency cycle",
			Reactions: cyclic,
		}
	}
	return nil
}

// assignConflicts computes, for every reaction, the set it may never
// overlap with: reactions of the same reactor plus every ancestor and
// descendant in the dependency DAG, regardless of level gap.
func (b *Builder) assignConflicts(succ map[int][]int) {
	n := len(b.reactions)

	// Topological order by (level, id); levels are already assigned so
	// a simple sort suffices.
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(i, j int) bool {
		a, c := b.reactions[order[i]], b.reactions[order[j]]
		if a.level != c.level {
			return a.level < c.level
		}
		return a.id < c.id
	})

	desc := make([]*Bitset, n)
	for i := range desc {
		desc[i] = NewBitset(n)
	}
	for i := n - 1; i >= 0; i-- {
		id := order[i]
		for _, to := range succ[id] {
			desc[id].Set(to)
			desc[id].Or(desc[to])
		}
	}

	anc := make([]*Bitset, n)
	for i := range anc {
		anc[i] = NewBitset(n)
	}
	for _, id := range order {
		for _, to := range succ[id] {
			anc[to].Set(id)
			anc[to].Or(anc[id])
		}
	}

	for id := 0; id < n; id++ {
		c := desc[id].Clone()
		c.Or(anc[id])
		for _, peer := range b.reactions[id].reactor.reactions {
			if peer.id != id {
				c.Set(peer.id)
			}
		}
		b.reactions[id].conflicts = c
	}
}

// Reactions returns every reaction, indexed by ID.
func (g *Graph) Reactions() []*Reaction { return g.reactions }

// Triggers returns every trigger, indexed by ID.
func (g *Graph) Triggers() []*Trigger { return g.triggers }

// Reactors returns every reactor instance in declaration order.
func (g *Graph) Reactors() []*Reactor { return g.reactors }

// Startup returns the graph-wide startup trigger.
func (g *Graph) Startup() *Trigger { return g.startup }

// Shutdown returns the graph-wide shutdown trigger.
func (g *Graph) Shutdown() *Trigger { return g.shutdown }

// MaxLevel returns the highest assigned reaction level.
func (g *Graph) MaxLevel() int { return g.maxLevel }

// Timers returns every timer trigger in registration order.
func (g *Graph) Timers() []*Trigger {
	var out []*Trigger
	for _, t := range g.triggers {
		if t.kind == KindTimer {
			out = append(out, t)
		}
	}
	return out
}

// PhysicalActions returns every physical action trigger.
func (g *Graph) PhysicalActions() []*Trigger {
	var out []*Trigger
	for _, t := range g.triggers {
		if t.kind == KindPhysicalAction {
			out = append(out, t)
		}
	}
	return out
}

// TriggerByName returns the trigger with the given qualified name.
func (g *Graph) TriggerByName(name string) (*Trigger, bool) {
	for _, t := range g.triggers {
		if t.name == name {
			return t, true
		}
	}
	return nil, false
}
