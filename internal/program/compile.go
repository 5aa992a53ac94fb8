package program

import (
	"fmt"
	"os"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
)

// CompileFile loads a program description from a CUE file.
func CompileFile(path string) (*Program, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read program: %w", err)
	}
	return CompileString(string(src), path)
}

// CompileString parses a program description from CUE source. filename
// is used in error positions.
func CompileString(src, filename string) (*Program, error) {
	ctx := cuecontext.New()
	v := ctx.CompileString(src, cue.Filename(filename))
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}
	root := v.LookupPath(cue.ParsePath("program"))
	if !root.Exists() {
		return nil, &CompileError{Field: "program", Message: "top-level program struct is required", Pos: v.Pos()}
	}
	return compileProgram(root)
}

func compileProgram(v cue.Value) (*Program, error) {
	p := &Program{}

	name := v.LookupPath(cue.ParsePath("name"))
	if !name.Exists() {
		return nil, &CompileError{Field: "program.name", Message: "name is required", Pos: v.Pos()}
	}
	var err error
	if p.Name, err = name.String(); err != nil {
		return nil, formatCUEError(err)
	}

	if p.Timeout, err = optionalDuration(v, "timeout"); err != nil {
		return nil, err
	}
	if workers := v.LookupPath(cue.ParsePath("workers")); workers.Exists() {
		n, err := workers.Int64()
		if err != nil {
			return nil, formatCUEError(err)
		}
		if n < 0 {
			return nil, &CompileError{Field: "program.workers", Message: "workers must not be negative", Pos: workers.Pos()}
		}
		p.Workers = int(n)
	}
	if policy := v.LookupPath(cue.ParsePath("policy")); policy.Exists() {
		if p.Policy, err = policy.String(); err != nil {
			return nil, formatCUEError(err)
		}
	}

	reactors := v.LookupPath(cue.ParsePath("reactors"))
	if !reactors.Exists() {
		return nil, &CompileError{Field: "program.reactors", Message: "at least one reactor is required", Pos: v.Pos()}
	}
	iter, err := reactors.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}
	for iter.Next() {
		spec, err := compileReactor(iter.Label(), iter.Value())
		if err != nil {
			return nil, err
		}
		p.Reactors = append(p.Reactors, spec)
	}
	if len(p.Reactors) == 0 {
		return nil, &CompileError{Field: "program.reactors", Message: "at least one reactor is required", Pos: reactors.Pos()}
	}

	if conns := v.LookupPath(cue.ParsePath("connections")); conns.Exists() {
		list, err := conns.List()
		if err != nil {
			return nil, formatCUEError(err)
		}
		for list.Next() {
			c, err := compileConnection(list.Value())
			if err != nil {
				return nil, err
			}
			p.Connections = append(p.Connections, c)
		}
	}
	return p, nil
}

func compileReactor(name string, v cue.Value) (ReactorSpec, error) {
	spec := ReactorSpec{Name: name}

	behavior := v.LookupPath(cue.ParsePath("behavior"))
	if !behavior.Exists() {
		return spec, &CompileError{Field: "reactors." + name + ".behavior", Message: "behavior is required", Pos: v.Pos()}
	}
	var err error
	if spec.Behavior, err = behavior.String(); err != nil {
		return spec, formatCUEError(err)
	}

	if timers := v.LookupPath(cue.ParsePath("timers")); timers.Exists() {
		iter, err := timers.Fields()
		if err != nil {
			return spec, formatCUEError(err)
		}
		for iter.Next() {
			t := TimerSpec{Name: iter.Label()}
			if t.Offset, err = optionalDuration(iter.Value(), "offset"); err != nil {
				return spec, err
			}
			if t.Period, err = optionalDuration(iter.Value(), "period"); err != nil {
				return spec, err
			}
			spec.Timers = append(spec.Timers, t)
		}
	}

	if spec.Inputs, err = stringList(v, "inputs"); err != nil {
		return spec, err
	}
	if spec.Outputs, err = stringList(v, "outputs"); err != nil {
		return spec, err
	}
	if spec.Delay, err = optionalDuration(v, "delay"); err != nil {
		return spec, err
	}

	if dl := v.LookupPath(cue.ParsePath("deadline")); dl.Exists() {
		d := &DeadlineSpec{}
		reaction := dl.LookupPath(cue.ParsePath("reaction"))
		if !reaction.Exists() {
			return spec, &CompileError{Field: "reactors." + name + ".deadline.reaction", Message: "deadline must name a reaction", Pos: dl.Pos()}
		}
		if d.Reaction, err = reaction.String(); err != nil {
			return spec, formatCUEError(err)
		}
		if d.Max, err = requiredDuration(dl, "max"); err != nil {
			return spec, err
		}
		spec.Deadline = d
	}
	return spec, nil
}

func compileConnection(v cue.Value) (ConnSpec, error) {
	var c ConnSpec
	var err error
	if c.From, err = requiredString(v, "from"); err != nil {
		return c, err
	}
	if c.To, err = requiredString(v, "to"); err != nil {
		return c, err
	}
	if after := v.LookupPath(cue.ParsePath("after")); after.Exists() {
		c.Delayed = true
		if c.After, err = parseDuration(after); err != nil {
			return c, err
		}
	}
	return c, nil
}

func requiredString(v cue.Value, field string) (string, error) {
	fv := v.LookupPath(cue.ParsePath(field))
	if !fv.Exists() {
		return "", &CompileError{Field: field, Message: field + " is required", Pos: v.Pos()}
	}
	s, err := fv.String()
	if err != nil {
		return "", formatCUEError(err)
	}
	return s, nil
}

func stringList(v cue.Value, field string) ([]string, error) {
	fv := v.LookupPath(cue.ParsePath(field))
	if !fv.Exists() {
		return nil, nil
	}
	list, err := fv.List()
	if err != nil {
		return nil, formatCUEError(err)
	}
	var out []string
	for list.Next() {
		s, err := list.Value().String()
		if err != nil {
			return nil, formatCUEError(err)
		}
		out = append(out, s)
	}
	return out, nil
}

func optionalDuration(v cue.Value, field string) (time.Duration, error) {
	fv := v.LookupPath(cue.ParsePath(field))
	if !fv.Exists() {
		return 0, nil
	}
	return parseDuration(fv)
}

func requiredDuration(v cue.Value, field string) (time.Duration, error) {
	fv := v.LookupPath(cue.ParsePath(field))
	if !fv.Exists() {
		return 0, &CompileError{Field: field, Message: field + " is required", Pos: v.Pos()}
	}
	return parseDuration(fv)
}

// parseDuration accepts a Go duration string. Durations are strings,
// not numbers: "10ms", never 10000000.
func parseDuration(v cue.Value) (time.Duration, error) {
	s, err := v.String()
	if err != nil {
		return 0, formatCUEError(err)
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, &CompileError{Field: "duration", Message: err.Error(), Pos: v.Pos()}
	}
	if d < 0 {
		return 0, &CompileError{Field: "duration", Message: "durations must not be negative", Pos: v.Pos()}
	}
	return d, nil
}

// formatCUEError surfaces the first CUE error with its position.
func formatCUEError(err error) error {
	if err == nil {
		return nil
	}
	errs := errors.Errors(err)
	if len(errs) == 0 {
		return err
	}
	first := errs[0]
	if positions := errors.Positions(first); len(positions) > 0 {
		return &CompileError{Field: "cue", Message: first.Error(), Pos: positions[0]}
	}
	return err
}
