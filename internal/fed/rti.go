package fed

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/tidefall/tact/internal/logical"
)

// Link is one directed connection between federates. Delay is the
// logical delay of the connection; a zero delay means a message keeps
// its tag across the boundary.
type Link struct {
	From  uint16
	To    uint16
	Delay time.Duration
}

// Topology declares a federation: its identity, its member ids and the
// connections between them. The coordinator rejects joins from ids the
// topology does not name.
type Topology struct {
	Federation uuid.UUID
	Federates  []uint16
	Links      []Link
}

func (t Topology) upstream(id uint16) []Link {
	var up []Link
	for _, l := range t.Links {
		if l.To == id {
			up = append(up, l)
		}
	}
	return up
}

// linkDelay returns the logical delay between two federates. With
// several parallel links the shortest applies; the grant rule bounds
// arrivals by the same minimum.
func (c *Coordinator) linkDelay(from, to uint16) (time.Duration, bool) {
	found := false
	var min time.Duration
	for _, l := range c.topo.Links {
		if l.From != from || l.To != to {
			continue
		}
		if !found || l.Delay < min {
			min = l.Delay
		}
		found = true
	}
	return min, found
}

func (t Topology) downstream(id uint16) []uint16 {
	var down []uint16
	for _, l := range t.Links {
		if l.From == id {
			down = append(down, l.To)
		}
	}
	return down
}

type fedState struct {
	id       uint16
	joined   bool
	resigned bool
	physical bool

	net logical.Tag // latest announced next-event tag
	ltc logical.Tag // latest completed tag

	granted     logical.Tag // last grant sent
	provisional bool        // last grant was a PTAG
}

// Outbound is one frame the coordinator wants delivered.
type Outbound struct {
	To  uint16
	Msg Message
}

// Coordinator is the centralized tag-advancement authority. It is a
// pure state machine: Handle consumes one inbound frame and returns
// the frames to send, with no transport of its own. Callers serialize
// all access; Server does so under one mutex.
type Coordinator struct {
	topo   Topology
	feds   map[uint16]*fedState
	logger *slog.Logger

	started bool
	startAt time.Time
	clock   func() time.Time
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithCoordinatorLogger sets the coordinator logger.
func WithCoordinatorLogger(l *slog.Logger) CoordinatorOption {
	return func(c *Coordinator) { c.logger = l }
}

// WithCoordinatorClock substitutes the physical clock used to bound
// grants involving physical-action federates. Tests pin it.
func WithCoordinatorClock(now func() time.Time) CoordinatorOption {
	return func(c *Coordinator) { c.clock = now }
}

// NewCoordinator builds a coordinator for the topology.
func NewCoordinator(topo Topology, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		topo:   topo,
		feds:   make(map[uint16]*fedState, len(topo.Federates)),
		logger: slog.Default(),
		clock:  time.Now,
	}
	for _, id := range topo.Federates {
		c.feds[id] = &fedState{
			id:      id,
			net:     logical.Never,
			ltc:     logical.Never,
			granted: logical.Never,
		}
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Started reports whether every federate has joined.
func (c *Coordinator) Started() bool { return c.started }

// Done reports whether every federate has resigned.
func (c *Coordinator) Done() bool {
	for _, f := range c.feds {
		if !f.resigned {
			return false
		}
	}
	return true
}

// Handle consumes one inbound frame. The returned frames must be
// delivered in order. A non-nil error means the sender is out of
// protocol; the caller should deliver the outbound frames (typically a
// reject) and drop the connection.
func (c *Coordinator) Handle(m Message) ([]Outbound, error) {
	if m.Kind == KindJoin {
		return c.handleJoin(m)
	}
	f, ok := c.feds[m.Federate]
	if !ok || !f.joined {
		return c.reject(m.Federate, RejectUnknownFederate),
			&ProtocolError{Code: ErrCodeProtocol, Message: fmt.Sprintf("%s from unjoined federate %d", m.Kind, m.Federate)}
	}

	switch m.Kind {
	case KindNET:
		// NET may retreat: a physical action can surface an event
		// earlier than a previously announced idle horizon. Safety for
		// downstream grants comes from the physical-time bound, not
		// from NET monotonicity.
		f.net = m.Tag
		c.logger.Debug("net announced", "federate", f.id, "tag", m.Tag)
		return c.regrant(), nil

	case KindLTC:
		if f.granted == logical.Never || m.Tag.After(f.granted) {
			return c.reject(f.id, RejectMalformed),
				&ProtocolError{Code: ErrCodeProtocol, Message: fmt.Sprintf("LTC %s from federate %d beyond grant %s", m.Tag, f.id, f.granted)}
		}
		f.ltc = logical.Max(f.ltc, m.Tag)
		c.logger.Debug("tag completed", "federate", f.id, "tag", m.Tag)
		return c.regrant(), nil

	case KindTagged:
		dest, ok := c.feds[m.Dest]
		if !ok || !dest.joined {
			return c.reject(f.id, RejectUnknownFederate),
				&ProtocolError{Code: ErrCodeProtocol, Message: fmt.Sprintf("tagged message from %d for unknown federate %d", f.id, m.Dest)}
		}
		delay, ok := c.linkDelay(f.id, m.Dest)
		if !ok {
			return c.reject(f.id, RejectMalformed),
				&ProtocolError{Code: ErrCodeProtocol, Message: fmt.Sprintf("tagged message from %d to %d without a link", f.id, m.Dest)}
		}
		// The receiver sees the tag shifted by the link delay, the same
		// shift the grant rule assumes when it bounds this federate's
		// earliest possible arrival downstream.
		if delay > 0 {
			m.Tag = m.Tag.Delay(delay)
		}
		return []Outbound{{To: m.Dest, Msg: m}}, nil

	case KindProbe:
		echo := Message{
			Kind:     KindEcho,
			Federate: f.id,
			Tag:      m.Tag,
			Clock:    c.elapsed(),
		}
		// A probe doubles as a liveness tick: physical-time bounds
		// loosen as the clock advances even with no state change.
		return append(c.regrant(), Outbound{To: f.id, Msg: echo}), nil

	case KindResign:
		f.resigned = true
		f.net = logical.Forever
		f.ltc = logical.Forever
		c.logger.Info("federate resigned", "federate", f.id)
		return c.regrant(), nil

	default:
		return c.reject(f.id, RejectMalformed),
			&ProtocolError{Code: ErrCodeProtocol, Message: fmt.Sprintf("unexpected %s from federate %d", m.Kind, f.id)}
	}
}

// HandleDisconnect records a connection lost without a resign. There is
// no safe way to grant past a vanished upstream, so the whole
// federation shuts down: every remaining federate is rejected.
func (c *Coordinator) HandleDisconnect(id uint16) []Outbound {
	f, ok := c.feds[id]
	if !ok || !f.joined || f.resigned {
		return nil
	}
	c.logger.Error("federate connection lost", "federate", id)
	var out []Outbound
	for _, other := range c.topo.Federates {
		g := c.feds[other]
		if other == id || !g.joined || g.resigned {
			continue
		}
		g.resigned = true
		out = append(out, Outbound{To: other, Msg: Message{Kind: KindReject, Federate: other, Code: RejectMalformed}})
	}
	f.resigned = true
	return out
}

func (c *Coordinator) handleJoin(m Message) ([]Outbound, error) {
	f, ok := c.feds[m.Federate]
	if !ok {
		return c.reject(m.Federate, RejectUnknownFederate),
			&ProtocolError{Code: ErrCodeProtocol, Message: fmt.Sprintf("join from unknown federate %d", m.Federate)}
	}
	if m.Federation != c.topo.Federation {
		return c.reject(m.Federate, RejectWrongFederation),
			&ProtocolError{Code: ErrCodeProtocol, Message: fmt.Sprintf("federate %d joined federation %s, want %s", m.Federate, m.Federation, c.topo.Federation)}
	}
	if f.joined {
		return c.reject(m.Federate, RejectDuplicateJoin),
			&ProtocolError{Code: ErrCodeProtocol, Message: fmt.Sprintf("duplicate join from federate %d", m.Federate)}
	}
	f.joined = true
	f.physical = m.Flags&JoinFlagPhysical != 0
	c.logger.Info("federate joined", "federate", f.id, "physical", f.physical)

	out := []Outbound{{To: f.id, Msg: Message{Kind: KindJoinAck, Federate: f.id}}}
	if !c.started {
		all := true
		for _, g := range c.feds {
			if !g.joined {
				all = false
				break
			}
		}
		if all {
			c.started = true
			c.startAt = c.clock()
			c.logger.Info("federation started", "federates", len(c.feds))
		}
	}
	return append(out, c.regrant()...), nil
}

func (c *Coordinator) reject(id uint16, code RejectCode) []Outbound {
	return []Outbound{{To: id, Msg: Message{Kind: KindReject, Federate: id, Code: code}}}
}

// elapsed is the coordination clock: nanoseconds since the federation
// started. Zero before the last join.
func (c *Coordinator) elapsed() int64 {
	if !c.started {
		return 0
	}
	return c.clock().Sub(c.startAt).Nanoseconds()
}

// regrant recomputes every federate's grant and returns the ones that
// improved. Iteration follows topology declaration order so output is
// deterministic for a given state.
func (c *Coordinator) regrant() []Outbound {
	if !c.started {
		return nil
	}
	var out []Outbound
	for _, id := range c.topo.Federates {
		if msg, ok := c.grantFor(c.feds[id]); ok {
			out = append(out, Outbound{To: id, Msg: msg})
		}
	}
	return out
}

// grantFor applies the grant rule for one federate: a tag T is granted
// outright only when every upstream's earliest possible send arrives
// strictly after T; when the earliest arrival equals the requested tag
// the grant is provisional.
func (c *Coordinator) grantFor(f *fedState) (Message, bool) {
	if !f.joined || f.resigned || f.net == logical.Never {
		return Message{}, false
	}
	requested := f.net
	cutoff := logical.Forever
	for _, l := range c.topo.upstream(f.id) {
		u := c.feds[l.From]
		eff := u.net
		if u.ltc != logical.Never {
			// Everything at or before the completed tag has been sent.
			eff = logical.Max(eff, u.ltc.Next())
		}
		if u.physical && !u.resigned {
			// A physical action may materialize at any moment at or
			// after now, but never before an already completed tag.
			floor := logical.Tag{Time: c.elapsed()}
			if u.ltc != logical.Never {
				floor = logical.Max(floor, u.ltc.Next())
			}
			eff = logical.Min(eff, floor)
		}
		arrival := eff
		if l.Delay > 0 {
			arrival = eff.Delay(l.Delay)
		}
		cutoff = logical.Min(cutoff, arrival)
	}

	grant := requested
	final := requested.Before(cutoff) || cutoff == logical.Forever
	if !final {
		grant = logical.Min(requested, cutoff)
	}
	improved := grant.After(f.granted) || (grant == f.granted && f.provisional && final)
	if !improved {
		return Message{}, false
	}
	f.granted = grant
	f.provisional = !final
	kind := KindTAG
	if !final {
		kind = KindPTAG
	}
	c.logger.Debug("grant", "federate", f.id, "kind", kind, "tag", grant)
	return Message{Kind: kind, Federate: f.id, Tag: grant}, true
}
