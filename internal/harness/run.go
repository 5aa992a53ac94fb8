package harness

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/tidefall/tact/internal/program"
	"github.com/tidefall/tact/internal/sched"
	"github.com/tidefall/tact/internal/trace"
)

// Result holds the traces a scenario produced, one per worker count.
type Result struct {
	Scenario *Scenario
	Program  *program.Program

	// Logs is indexed like Scenario.Workers; Logs[0] is the trace the
	// assertions ran against.
	Logs []*trace.Log

	// Hashes is the trace hash per worker count.
	Hashes []string
}

// Run executes the scenario and applies its assertions. The returned
// error is the first assertion failure or execution error.
func Run(s *Scenario) (*Result, error) {
	p, err := program.CompileFile(s.Program)
	if err != nil {
		return nil, err
	}
	res := &Result{Scenario: s, Program: p}
	for _, workers := range s.Workers {
		// A fresh graph per run: reactor state is not reusable.
		graph, err := p.Graph()
		if err != nil {
			return nil, err
		}
		log := trace.NewLog()
		env := sched.New(graph,
			sched.WithWorkers(workers),
			sched.WithFast(),
			sched.WithTimeout(p.Timeout),
			sched.WithObserver(log),
			sched.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
		if err := env.Run(context.Background()); err != nil {
			return nil, fmt.Errorf("scenario %s with %d workers: %w", s.Name, workers, err)
		}
		hash, err := log.Hash()
		if err != nil {
			return nil, fmt.Errorf("scenario %s: hash: %w", s.Name, err)
		}
		res.Logs = append(res.Logs, log)
		res.Hashes = append(res.Hashes, hash)
	}

	for i, a := range s.Assertions {
		if err := res.assert(a); err != nil {
			return res, fmt.Errorf("scenario %s assertion %d (%s): %w", s.Name, i, a.Type, err)
		}
	}
	return res, nil
}

func (r *Result) assert(a Assertion) error {
	recs := r.Logs[0].Reactions()
	switch a.Type {
	case AssertTraceOrder:
		next := 0
		for _, rec := range recs {
			if next < len(a.Reactions) && rec.Name == a.Reactions[next] {
				next++
			}
		}
		if next != len(a.Reactions) {
			return fmt.Errorf("missing %q in order (matched %d of %d)", a.Reactions[next], next, len(a.Reactions))
		}
		return nil

	case AssertTraceCount:
		n := 0
		for _, rec := range recs {
			if rec.Name == a.Reaction {
				n++
			}
		}
		if n != a.Count {
			return fmt.Errorf("%s executed %d times, want %d", a.Reaction, n, a.Count)
		}
		return nil

	case AssertTraceContains:
		var at time.Duration
		if a.At != "" {
			at, _ = time.ParseDuration(a.At) // validated at load
		}
		for _, rec := range recs {
			if rec.Name != a.Reaction {
				continue
			}
			if a.At == "" || (rec.Tag.Time == int64(at) && rec.Tag.Microstep == a.Microstep) {
				return nil
			}
		}
		return fmt.Errorf("%s not found at (%s, %d)", a.Reaction, a.At, a.Microstep)

	case AssertHashStable:
		for i := 1; i < len(r.Hashes); i++ {
			if r.Hashes[i] != r.Hashes[0] {
				return fmt.Errorf("trace hash differs between %d and %d workers",
					r.Scenario.Workers[0], r.Scenario.Workers[i])
			}
		}
		return nil

	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
}
