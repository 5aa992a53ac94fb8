package fed

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tidefall/tact/internal/graph"
	"github.com/tidefall/tact/internal/logical"
	"github.com/tidefall/tact/internal/sched"
)

// ChannelOut binds a local output port to a remote input channel.
// A write to Port at tag T is forwarded as a tagged message carrying
// T; the connection's logical delay is applied by the topology, not
// here. A nil Marshal encodes the value as JSON.
type ChannelOut struct {
	Port    *graph.Port
	Dest    uint16
	Channel uint16
	Marshal func(v any) ([]byte, error)
}

// ChannelIn binds a remote channel to a local trigger, typically an
// input port's trigger. A nil Unmarshal decodes JSON into any.
type ChannelIn struct {
	Channel   uint16
	Trigger   *graph.Trigger
	Unmarshal func(b []byte) (any, error)
}

// FederateConfig identifies a federate and its channel bindings.
type FederateConfig struct {
	ID         uint16
	Federation uuid.UUID
	Outputs    []ChannelOut
	Inputs     []ChannelIn

	// Physical declares that the local program schedules physical
	// actions, so the coordinator must bound grants downstream of this
	// federate at the current physical time.
	Physical bool

	// ProbeInterval is the period of clock probes, which double as
	// liveness ticks for physical-time bounds. Defaults to 250ms.
	ProbeInterval time.Duration

	Logger *slog.Logger
}

// Federate is the client side of the coordination protocol. It
// implements sched.Gate to pace a local environment and forwards port
// writes to remote federates.
//
// Usage order matters: Dial, build the environment with WithGate and
// WithPortWriteHook, Bind, Start, Run, then Resign.
type Federate struct {
	cfg    FederateConfig
	conn   net.Conn
	br     *bufio.Reader
	logger *slog.Logger

	wmu sync.Mutex
	w   *bufio.Writer

	mu          sync.Mutex
	cond        *sync.Cond
	granted     logical.Tag
	provisional bool
	err         error
	env         *sched.Environment
	closed      bool
	lastRTT     time.Duration
	coordClock  time.Duration

	ins  map[uint16]ChannelIn
	outs map[*graph.Port]ChannelOut
}

// Dial connects to the coordinator and completes the join handshake.
// It blocks until the coordinator acknowledges or rejects the join.
func Dial(ctx context.Context, addr string, cfg FederateConfig) (*Federate, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = 250 * time.Millisecond
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &ProtocolError{Code: ErrCodeConnection, Message: "dialing coordinator", Err: err}
	}

	f := &Federate{
		cfg:     cfg,
		conn:    conn,
		br:      bufio.NewReader(conn),
		logger:  cfg.Logger.With("federate", cfg.ID),
		w:       bufio.NewWriter(conn),
		granted: logical.Never,
		ins:     make(map[uint16]ChannelIn, len(cfg.Inputs)),
		outs:    make(map[*graph.Port]ChannelOut, len(cfg.Outputs)),
	}
	f.cond = sync.NewCond(&f.mu)
	for _, in := range cfg.Inputs {
		f.ins[in.Channel] = in
	}
	for _, out := range cfg.Outputs {
		f.outs[out.Port] = out
	}

	var flags uint8
	if cfg.Physical {
		flags |= JoinFlagPhysical
	}
	join := Message{Kind: KindJoin, Federate: cfg.ID, Federation: cfg.Federation, Flags: flags}
	if err := f.send(join); err != nil {
		conn.Close()
		return nil, err
	}
	ack, err := Decode(f.br)
	if err != nil {
		conn.Close()
		return nil, &ProtocolError{Code: ErrCodeConnection, Message: "waiting for join acknowledgement", Err: err}
	}
	switch ack.Kind {
	case KindJoinAck:
		f.logger.Info("joined federation", "federation", cfg.Federation)
		return f, nil
	case KindReject:
		conn.Close()
		return nil, &ProtocolError{Code: ErrCodeRejected, Message: ack.Code.String()}
	default:
		conn.Close()
		return nil, &ProtocolError{Code: ErrCodeProtocol, Message: fmt.Sprintf("expected JOIN_ACK, got %s", ack.Kind)}
	}
}

// Bind attaches the environment whose time this federate paces. Must
// be called before Start.
func (f *Federate) Bind(env *sched.Environment) {
	f.mu.Lock()
	f.env = env
	f.mu.Unlock()
}

// Start launches the reader and the probe ticker. They stop when the
// context is canceled or the connection ends.
func (f *Federate) Start(ctx context.Context) {
	go f.readLoop()
	go f.probeLoop(ctx)
}

// Resign announces a clean departure and closes the connection. Call
// after the environment has terminated.
func (f *Federate) Resign() error {
	err := f.send(Message{Kind: KindResign, Federate: f.cfg.ID, Tag: f.lastGranted()})
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	f.conn.Close()
	return err
}

// ClockSync reports the latest probe round trip and the coordinator
// clock sample it carried.
func (f *Federate) ClockSync() (rtt time.Duration, coordClock time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastRTT, f.coordClock
}

// NextEventTag implements sched.Gate: announce the intended tag and
// block until a grant reaches it.
func (f *Federate) NextEventTag(intended logical.Tag) (logical.Tag, bool, error) {
	if err := f.send(Message{Kind: KindNET, Federate: f.cfg.ID, Tag: intended}); err != nil {
		return logical.Never, false, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for f.err == nil && f.granted.Before(intended) {
		f.cond.Wait()
	}
	if f.err != nil {
		return logical.Never, false, f.err
	}
	return f.granted, f.provisional, nil
}

// LogicalTagComplete implements sched.Gate.
func (f *Federate) LogicalTagComplete(tag logical.Tag) {
	if err := f.send(Message{Kind: KindLTC, Federate: f.cfg.ID, Tag: tag}); err != nil {
		f.fail(err)
	}
}

// Idle implements sched.Gate: an empty queue is announced as a NET of
// forever so upstream silence never stalls the rest of the federation.
// A later physical action retracts it with a real NET.
func (f *Federate) Idle() {
	if err := f.send(Message{Kind: KindNET, Federate: f.cfg.ID, Tag: logical.Forever}); err != nil {
		f.fail(err)
	}
}

// ForwardPort is the environment's port write hook: writes to bound
// output ports become tagged messages. Pass to sched.WithPortWriteHook.
func (f *Federate) ForwardPort(p *graph.Port, tag logical.Tag, v any) {
	out, ok := f.outs[p]
	if !ok {
		return
	}
	marshal := out.Marshal
	if marshal == nil {
		marshal = json.Marshal
	}
	b, err := marshal(v)
	if err != nil {
		f.fail(&ProtocolError{Code: ErrCodeProtocol, Message: fmt.Sprintf("encoding value for channel %d", out.Channel), Err: err})
		return
	}
	m := Message{
		Kind:     KindTagged,
		Federate: f.cfg.ID,
		Tag:      tag,
		Dest:     out.Dest,
		Channel:  out.Channel,
		Payload:  b,
	}
	if err := f.send(m); err != nil {
		f.fail(err)
	}
}

func (f *Federate) send(m Message) error {
	f.wmu.Lock()
	defer f.wmu.Unlock()
	if err := m.Encode(f.w); err != nil {
		return &ProtocolError{Code: ErrCodeConnection, Message: "writing frame", Err: err}
	}
	if err := f.w.Flush(); err != nil {
		return &ProtocolError{Code: ErrCodeConnection, Message: "flushing frame", Err: err}
	}
	return nil
}

func (f *Federate) fail(err error) {
	f.mu.Lock()
	if f.err == nil && !f.closed {
		f.err = err
		f.cond.Broadcast()
		if f.env != nil {
			defer f.env.Fail(err)
		}
	}
	f.mu.Unlock()
}

func (f *Federate) lastGranted() logical.Tag {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.granted
}

func (f *Federate) readLoop() {
	for {
		m, err := Decode(f.br)
		if err != nil {
			f.mu.Lock()
			closed := f.closed
			f.mu.Unlock()
			if closed {
				return
			}
			f.fail(&ProtocolError{Code: ErrCodeConnection, Message: "coordinator stream ended", Err: err})
			return
		}
		switch m.Kind {
		case KindTAG:
			f.mu.Lock()
			if m.Tag.After(f.granted) || (m.Tag == f.granted && f.provisional) {
				f.granted = m.Tag
				f.provisional = false
				f.cond.Broadcast()
			}
			f.mu.Unlock()

		case KindPTAG:
			f.mu.Lock()
			if m.Tag.After(f.granted) {
				f.granted = m.Tag
				f.provisional = true
				f.cond.Broadcast()
			}
			f.mu.Unlock()

		case KindTagged:
			in, ok := f.ins[m.Channel]
			if !ok {
				f.fail(&ProtocolError{Code: ErrCodeProtocol, Message: fmt.Sprintf("tagged message for unknown channel %d", m.Channel)})
				return
			}
			unmarshal := in.Unmarshal
			if unmarshal == nil {
				unmarshal = func(b []byte) (any, error) {
					var v any
					err := json.Unmarshal(b, &v)
					return v, err
				}
			}
			v, err := unmarshal(m.Payload)
			if err != nil {
				f.fail(&ProtocolError{Code: ErrCodeProtocol, Message: fmt.Sprintf("decoding value for channel %d", m.Channel), Err: err})
				return
			}
			f.mu.Lock()
			env := f.env
			f.mu.Unlock()
			if env == nil {
				f.fail(&ProtocolError{Code: ErrCodeProtocol, Message: "tagged message before Bind"})
				return
			}
			// A tardy tag is the environment's call: it runs the tardy
			// handler or fails itself.
			if err := env.InjectRemote(in.Trigger, m.Tag, v); err != nil {
				f.logger.Error("remote message rejected", "channel", m.Channel, "tag", m.Tag, "err", err)
			}

		case KindEcho:
			now := time.Now().UnixNano()
			f.mu.Lock()
			f.lastRTT = time.Duration(now - m.Tag.Time)
			f.coordClock = time.Duration(m.Clock)
			f.mu.Unlock()

		case KindReject:
			f.fail(&ProtocolError{Code: ErrCodeRejected, Message: m.Code.String()})
			return

		default:
			f.fail(&ProtocolError{Code: ErrCodeProtocol, Message: fmt.Sprintf("unexpected %s from coordinator", m.Kind)})
			return
		}
	}
}

func (f *Federate) probeLoop(ctx context.Context) {
	t := time.NewTicker(f.cfg.ProbeInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		f.mu.Lock()
		stop := f.closed || f.err != nil
		f.mu.Unlock()
		if stop {
			return
		}
		probe := Message{Kind: KindProbe, Federate: f.cfg.ID, Tag: logical.Tag{Time: time.Now().UnixNano()}}
		if err := f.send(probe); err != nil {
			return
		}
	}
}
