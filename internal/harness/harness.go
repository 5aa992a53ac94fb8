// Package harness runs scenario files: YAML descriptions that compile
// a program, execute it under one or more worker counts, and assert
// on the resulting trace. Golden files pin whole traces byte for byte.
package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Scenario is one conformance scenario.
type Scenario struct {
	// Name identifies the scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what the scenario validates.
	Description string `yaml:"description"`

	// Program is the path to the CUE program description, relative to
	// the scenario file.
	Program string `yaml:"program"`

	// Workers lists the worker counts to run under. Every count must
	// produce the same trace hash. Defaults to [1].
	Workers []int `yaml:"workers,omitempty"`

	// Assertions validate the trace of the first worker count.
	Assertions []Assertion `yaml:"assertions"`
}

// Assertion validates one property of a trace.
type Assertion struct {
	// Type is one of trace_order, trace_count, trace_contains,
	// hash_stable.
	Type string `yaml:"type"`

	// Reactions is the expected execution order (trace_order). The
	// trace may contain other executions in between; the named ones
	// must appear as a subsequence.
	Reactions []string `yaml:"reactions,omitempty"`

	// Reaction names a reaction (trace_count, trace_contains).
	Reaction string `yaml:"reaction,omitempty"`

	// Count is the expected number of executions (trace_count).
	Count int `yaml:"count,omitempty"`

	// At and Microstep locate a tag (trace_contains). At is a Go
	// duration string.
	At        string `yaml:"at,omitempty"`
	Microstep uint32 `yaml:"microstep,omitempty"`
}

// Assertion type constants.
const (
	AssertTraceOrder    = "trace_order"
	AssertTraceCount    = "trace_count"
	AssertTraceContains = "trace_contains"
	AssertHashStable    = "hash_stable"
)

// LoadScenario reads and validates a scenario file. Unknown YAML
// fields are rejected so typos fail loudly. The program path is
// resolved relative to the scenario file.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario: %w", err)
	}
	var s Scenario
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("parse scenario %s: %w", path, err)
	}
	if !filepath.IsAbs(s.Program) && s.Program != "" {
		s.Program = filepath.Join(filepath.Dir(path), s.Program)
	}
	if err := validate(&s); err != nil {
		return nil, fmt.Errorf("invalid scenario %s: %w", path, err)
	}
	return &s, nil
}

func validate(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Program == "" {
		return fmt.Errorf("program is required")
	}
	if len(s.Workers) == 0 {
		s.Workers = []int{1}
	}
	for _, w := range s.Workers {
		if w < 1 {
			return fmt.Errorf("workers must be positive, got %d", w)
		}
	}
	for i, a := range s.Assertions {
		switch a.Type {
		case AssertTraceOrder:
			if len(a.Reactions) < 2 {
				return fmt.Errorf("assertion %d: trace_order needs at least two reactions", i)
			}
		case AssertTraceCount:
			if a.Reaction == "" {
				return fmt.Errorf("assertion %d: trace_count needs a reaction", i)
			}
		case AssertTraceContains:
			if a.Reaction == "" {
				return fmt.Errorf("assertion %d: trace_contains needs a reaction", i)
			}
			if a.At != "" {
				if _, err := time.ParseDuration(a.At); err != nil {
					return fmt.Errorf("assertion %d: bad at: %w", i, err)
				}
			}
		case AssertHashStable:
			// Needs nothing beyond multiple worker counts.
		default:
			return fmt.Errorf("assertion %d: unknown type %q", i, a.Type)
		}
	}
	return nil
}
