package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tidefall/tact/internal/harness"
)

// TestResult summarizes a scenario run.
type TestResult struct {
	Scenario   string   `json:"scenario"`
	Workers    []int    `json:"workers"`
	Hashes     []string `json:"hashes"`
	Assertions int      `json:"assertions"`
}

// NewTestCommand creates the test command.
func NewTestCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "test <scenario.yaml>",
		Short: "Run a scenario and check its assertions",
		Long: `Test loads a YAML scenario, runs its program under every listed worker
count and applies the scenario's trace assertions. The exit code is
nonzero if any assertion fails or the trace hash differs between
worker counts.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScenario(rootOpts, args[0], cmd)
		},
	}
}

func runScenario(rootOpts *RootOptions, path string, cmd *cobra.Command) error {
	formatter := rootOpts.formatter(cmd)

	s, err := harness.LoadScenario(path)
	if err != nil {
		_ = formatter.Error(ErrCodeScenario, err.Error(), nil)
		return WrapExitError(ExitCommandError, "load scenario", err)
	}
	formatter.VerboseLog("scenario %s: %d assertions, workers %v", s.Name, len(s.Assertions), s.Workers)

	res, err := harness.Run(s)
	if err != nil {
		var details any
		if res != nil {
			details = map[string]any{"hashes": res.Hashes}
		}
		_ = formatter.Error(ErrCodeScenario, err.Error(), details)
		return WrapExitError(ExitFailure, fmt.Sprintf("scenario %s", s.Name), err)
	}

	result := TestResult{
		Scenario:   s.Name,
		Workers:    s.Workers,
		Hashes:     res.Hashes,
		Assertions: len(s.Assertions),
	}
	if formatter.Format == "json" {
		return formatter.Success(result)
	}
	fmt.Fprintf(formatter.Writer, "%s: %d assertions passed across workers %v\n",
		result.Scenario, result.Assertions, result.Workers)
	fmt.Fprintf(formatter.Writer, "trace hash: %s\n", result.Hashes[0])
	return nil
}
