package program

import (
	"fmt"
	"strings"

	"github.com/tidefall/tact/internal/graph"
)

// behavior wires a reactor spec's reactions into the builder. Ports
// and timers already exist on the reactor when it runs.
type behavior func(r *graph.Reactor, spec ReactorSpec, parts reactorParts) error

type reactorParts struct {
	timers  []*graph.Trigger
	inputs  map[string]*graph.Port
	outputs map[string]*graph.Port
}

// Behaviors in declaration use:
//
//	count - each timer tick writes an incrementing counter to every
//	        output
//	relay - copies each input to the output of the same name, or to
//	        the sole output
//	delay - like relay, but holds each value for the reactor's delay
//	        (one microstep when the delay is zero)
//	log   - logs every input arrival and counts them in state
var behaviors = map[string]behavior{
	"count": countBehavior,
	"relay": relayBehavior,
	"delay": delayBehavior,
	"log":   logBehavior,
}

// BehaviorNames lists the built-in behaviors, for diagnostics.
func BehaviorNames() []string {
	return []string{"count", "delay", "log", "relay"}
}

func countBehavior(r *graph.Reactor, spec ReactorSpec, parts reactorParts) error {
	if len(parts.timers) == 0 {
		return fmt.Errorf("reactor %s: behavior count needs at least one timer", spec.Name)
	}
	if len(parts.outputs) == 0 {
		return fmt.Errorf("reactor %s: behavior count needs at least one output", spec.Name)
	}
	outs := make([]*graph.Port, 0, len(spec.Outputs))
	for _, name := range spec.Outputs {
		outs = append(outs, parts.outputs[name])
	}
	r.AddReaction("emit", func(c graph.Ctx) {
		n, _ := r.State["count"].(int64)
		for _, out := range outs {
			c.Set(out, n)
		}
		r.State["count"] = n + 1
	}, graph.Triggers(parts.timers...), graph.Effects(outs...))
	return nil
}

func relayBehavior(r *graph.Reactor, spec ReactorSpec, parts reactorParts) error {
	if len(parts.inputs) == 0 {
		return fmt.Errorf("reactor %s: behavior relay needs at least one input", spec.Name)
	}
	for _, name := range spec.Inputs {
		in := parts.inputs[name]
		out, ok := parts.outputs[name]
		if !ok {
			if len(spec.Outputs) != 1 {
				return fmt.Errorf("reactor %s: behavior relay has no output matching input %q", spec.Name, name)
			}
			out = parts.outputs[spec.Outputs[0]]
		}
		r.AddReaction("relay_"+name, func(c graph.Ctx) {
			if v, ok := c.Get(in.Trigger()); ok {
				c.Set(out, v)
			}
		}, graph.TriggeredBy(in), graph.Effects(out))
	}
	return nil
}

func delayBehavior(r *graph.Reactor, spec ReactorSpec, parts reactorParts) error {
	if len(parts.inputs) == 0 {
		return fmt.Errorf("reactor %s: behavior delay needs at least one input", spec.Name)
	}
	for _, name := range spec.Inputs {
		in := parts.inputs[name]
		out, ok := parts.outputs[name]
		if !ok {
			if len(spec.Outputs) != 1 {
				return fmt.Errorf("reactor %s: behavior delay has no output matching input %q", spec.Name, name)
			}
			out = parts.outputs[spec.Outputs[0]]
		}
		// The hold goes through a logical action, so the value
		// re-emerges at tag+delay (next microstep for a zero delay).
		act := r.AddLogicalAction("hold_"+name, spec.Delay)
		r.AddReaction("capture_"+name, func(c graph.Ctx) {
			if v, ok := c.Get(in.Trigger()); ok {
				if err := c.Schedule(act, 0, v); err != nil {
					c.Logger().Warn("delayed value dropped",
						"reactor", spec.Name, "port", name, "error", err)
				}
			}
		}, graph.TriggeredBy(in))
		r.AddReaction("release_"+name, func(c graph.Ctx) {
			if v, ok := c.Get(act); ok {
				c.Set(out, v)
			}
		}, graph.Triggers(act), graph.Effects(out))
	}
	return nil
}

func logBehavior(r *graph.Reactor, spec ReactorSpec, parts reactorParts) error {
	if len(parts.inputs) == 0 {
		return fmt.Errorf("reactor %s: behavior log needs at least one input", spec.Name)
	}
	ins := make([]*graph.Port, 0, len(spec.Inputs))
	for _, name := range spec.Inputs {
		ins = append(ins, parts.inputs[name])
	}
	r.AddReaction("log", func(c graph.Ctx) {
		for _, in := range ins {
			if v, ok := c.Get(in.Trigger()); ok {
				c.Logger().Info("input received",
					"reactor", spec.Name,
					"port", in.Trigger().Name(),
					"tag", c.Tag(),
					"value", v)
				n, _ := r.State["received"].(int64)
				r.State["received"] = n + 1
			}
		}
	}, graph.TriggeredBy(ins...))
	return nil
}

// Graph instantiates the program as an executable reaction graph.
func (p *Program) Graph() (*graph.Graph, error) {
	b := graph.New()
	reactors := make(map[string]*graph.Reactor, len(p.Reactors))
	ports := make(map[string]*graph.Port)

	for _, spec := range p.Reactors {
		bfn, ok := behaviors[spec.Behavior]
		if !ok {
			return nil, fmt.Errorf("reactor %s: unknown behavior %q (have %s)",
				spec.Name, spec.Behavior, strings.Join(BehaviorNames(), ", "))
		}
		r := b.AddReactor(spec.Name)
		reactors[spec.Name] = r

		parts := reactorParts{
			inputs:  make(map[string]*graph.Port, len(spec.Inputs)),
			outputs: make(map[string]*graph.Port, len(spec.Outputs)),
		}
		for _, t := range spec.Timers {
			parts.timers = append(parts.timers, r.AddTimer(t.Name, t.Offset, t.Period))
		}
		for _, name := range spec.Inputs {
			port := r.AddInput(name)
			parts.inputs[name] = port
			ports[spec.Name+"."+name] = port
		}
		for _, name := range spec.Outputs {
			port := r.AddOutput(name)
			parts.outputs[name] = port
			ports[spec.Name+"."+name] = port
		}
		if err := bfn(r, spec, parts); err != nil {
			return nil, err
		}
		if spec.Deadline != nil {
			if err := attachDeadline(r, spec); err != nil {
				return nil, err
			}
		}
	}

	for _, c := range p.Connections {
		from, ok := ports[c.From]
		if !ok {
			return nil, fmt.Errorf("connection from unknown port %q", c.From)
		}
		to, ok := ports[c.To]
		if !ok {
			return nil, fmt.Errorf("connection to unknown port %q", c.To)
		}
		if c.Delayed {
			b.ConnectAfter(from, to, c.After)
		} else {
			b.Connect(from, to)
		}
	}
	return b.Build()
}

func attachDeadline(r *graph.Reactor, spec ReactorSpec) error {
	for _, rx := range r.Reactions() {
		if rx.Name() == spec.Name+"."+spec.Deadline.Reaction {
			rx.SetDeadline(spec.Deadline.Max, func(c graph.Ctx) {
				c.Logger().Warn("deadline missed",
					"reaction", rx.Name(),
					"tag", c.Tag(),
					"max", spec.Deadline.Max)
				n, _ := r.State["deadline_misses"].(int64)
				r.State["deadline_misses"] = n + 1
			})
			return nil
		}
	}
	return fmt.Errorf("reactor %s: deadline names unknown reaction %q", spec.Name, spec.Deadline.Reaction)
}
