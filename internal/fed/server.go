package fed

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
)

// Server runs a Coordinator over TCP. One goroutine per connection
// decodes frames; coordinator state and outbound dispatch are
// serialized under a single mutex, so the protocol core never sees
// concurrent mutation.
type Server struct {
	coord  *Coordinator
	logger *slog.Logger

	mu    sync.Mutex
	conns map[uint16]*serverConn
	done  chan struct{}
}

type serverConn struct {
	c net.Conn
	w *bufio.Writer
}

// NewServer builds a server around a fresh coordinator for the
// topology. Coordinator options apply to the inner state machine.
func NewServer(topo Topology, logger *slog.Logger, opts ...CoordinatorOption) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	opts = append([]CoordinatorOption{WithCoordinatorLogger(logger)}, opts...)
	return &Server{
		coord:  NewCoordinator(topo, opts...),
		logger: logger,
		conns:  make(map[uint16]*serverConn),
		done:   make(chan struct{}),
	}
}

// Serve accepts federate connections until the context is canceled or
// every federate has resigned. It returns nil on a clean federation
// shutdown.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()
	go func() {
		<-s.done
		ln.Close()
	}()

	var wg sync.WaitGroup
	for {
		c, err := ln.Accept()
		if err != nil {
			wg.Wait()
			select {
			case <-s.done:
				return nil
			default:
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.serveConn(c)
		}()
	}
}

// Done is closed once every federate has resigned.
func (s *Server) Done() <-chan struct{} { return s.done }

func (s *Server) serveConn(c net.Conn) {
	defer c.Close()
	br := bufio.NewReader(c)

	join, err := Decode(br)
	if err != nil || join.Kind != KindJoin {
		s.logger.Warn("connection opened without a join", "remote", c.RemoteAddr(), "err", err)
		w := bufio.NewWriter(c)
		_ = Message{Kind: KindReject, Code: RejectMalformed}.Encode(w)
		_ = w.Flush()
		return
	}

	id := join.Federate
	sc := &serverConn{c: c, w: bufio.NewWriter(c)}

	s.mu.Lock()
	s.conns[id] = sc
	out, herr := s.coord.Handle(join)
	s.dispatchLocked(out)
	if herr != nil {
		delete(s.conns, id)
		s.mu.Unlock()
		s.logger.Warn("join refused", "federate", id, "err", herr)
		return
	}
	s.mu.Unlock()

	for {
		m, err := Decode(br)
		if err != nil {
			s.mu.Lock()
			delete(s.conns, id)
			s.dispatchLocked(s.coord.HandleDisconnect(id))
			s.checkDoneLocked()
			s.mu.Unlock()
			if !errors.Is(err, net.ErrClosed) {
				s.logger.Warn("federate stream ended", "federate", id, "err", err)
			}
			return
		}
		s.mu.Lock()
		out, herr := s.coord.Handle(m)
		s.dispatchLocked(out)
		if herr != nil {
			delete(s.conns, id)
			s.mu.Unlock()
			s.logger.Error("federate out of protocol", "federate", id, "err", herr)
			return
		}
		if m.Kind == KindResign {
			delete(s.conns, id)
			s.checkDoneLocked()
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()
	}
}

func (s *Server) dispatchLocked(out []Outbound) {
	for _, o := range out {
		sc, ok := s.conns[o.To]
		if !ok {
			continue
		}
		if err := o.Msg.Encode(sc.w); err == nil {
			err = sc.w.Flush()
			if err == nil {
				continue
			}
		}
		s.logger.Warn("dropping unwritable federate connection", "federate", o.To)
		sc.c.Close()
		delete(s.conns, o.To)
	}
}

func (s *Server) checkDoneLocked() {
	if s.coord.Done() {
		select {
		case <-s.done:
		default:
			close(s.done)
		}
	}
}
