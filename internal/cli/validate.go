package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tidefall/tact/internal/graph"
	"github.com/tidefall/tact/internal/program"
)

// ValidationResult holds the outcome of validating a program.
type ValidationResult struct {
	Valid     bool   `json:"valid"`
	Program   string `json:"program,omitempty"`
	Reactors  int    `json:"reactors,omitempty"`
	Reactions int    `json:"reactions,omitempty"`
	Levels    int    `json:"levels,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <program.cue>",
		Short: "Compile a program and check its dependency graph",
		Long: `Validate compiles a CUE program description and builds its reaction
graph without running anything. It reports dependency cycles, unknown
ports and unknown behaviors, each with its source position where one
is available.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args[0], cmd)
		},
	}
}

func runValidate(opts *RootOptions, path string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	p, err := program.CompileFile(path)
	if err != nil {
		_ = formatter.Error(ErrCodeCompile, err.Error(), nil)
		return WrapExitError(ExitFailure, "compile failed", err)
	}
	formatter.VerboseLog("compiled %s: %d reactors, %d connections",
		p.Name, len(p.Reactors), len(p.Connections))

	g, err := p.Graph()
	if err != nil {
		var details any
		var berr *graph.BuildError
		if errors.As(err, &berr) {
			details = map[string]any{"code": string(berr.Code), "reactions": berr.Reactions}
		}
		_ = formatter.Error(ErrCodeGraph, err.Error(), details)
		return WrapExitError(ExitFailure, "graph build failed", err)
	}

	result := ValidationResult{
		Valid:     true,
		Program:   p.Name,
		Reactors:  len(g.Reactors()),
		Reactions: len(g.Reactions()),
		Levels:    g.MaxLevel() + 1,
	}
	if formatter.Format == "json" {
		return formatter.Success(result)
	}
	fmt.Fprintf(formatter.Writer, "%s: ok (%d reactors, %d reactions, %d levels)\n",
		result.Program, result.Reactors, result.Reactions, result.Levels)
	return nil
}
