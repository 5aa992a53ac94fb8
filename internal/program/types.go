package program

import (
	"fmt"
	"time"

	"cuelang.org/go/cue/token"
)

// Program is a parsed reactor network description.
type Program struct {
	Name    string
	Timeout time.Duration // zero means run until the queue drains
	Workers int           // zero means one per core
	Policy  string        // scheduling policy; empty means the default

	Reactors    []ReactorSpec
	Connections []ConnSpec
}

// ReactorSpec declares one reactor instance.
type ReactorSpec struct {
	Name     string
	Behavior string
	Timers   []TimerSpec
	Inputs   []string
	Outputs  []string
	Deadline *DeadlineSpec

	// Delay is the hold time of the delay behavior. Zero holds for one
	// microstep.
	Delay time.Duration
}

// TimerSpec declares a timer. A zero period means the timer fires
// once at its offset.
type TimerSpec struct {
	Name   string
	Offset time.Duration
	Period time.Duration
}

// DeadlineSpec attaches a physical-time budget to one of the
// behavior's reactions.
type DeadlineSpec struct {
	Reaction string
	Max      time.Duration
}

// ConnSpec connects "reactor.port" endpoints. A zero After with
// Delayed false is an instantaneous connection; Delayed true routes
// through the event queue even at zero delay.
type ConnSpec struct {
	From    string
	To      string
	After   time.Duration
	Delayed bool
}

// CompileError is a description error with its CUE source position.
type CompileError struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *CompileError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(), e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}
