package cli

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Error codes reported in JSON output.
const (
	ErrCodeGeneric     = "E001" // Generic/unknown error
	ErrCodeCompile     = "E002" // CUE compile failed
	ErrCodeGraph       = "E003" // Reaction graph build failed
	ErrCodeRun         = "E004" // Execution failed
	ErrCodeStore       = "E005" // Trace database error
	ErrCodeNotFound    = "E006" // Run or path not found
	ErrCodeScenario    = "E007" // Scenario load or assertion failure
	ErrCodeTopology    = "E008" // Invalid federation topology
	ErrCodeCoordinator = "E009" // Coordinator failure
)

// ValidFormats lists the accepted output formats.
var ValidFormats = []string{"text", "json"}

// RootOptions holds global flags shared by all subcommands.
type RootOptions struct {
	Verbose bool
	Format  string
}

func isValidFormat(f string) bool {
	for _, v := range ValidFormats {
		if f == v {
			return true
		}
	}
	return false
}

// Logger builds the process logger: warnings and above by default,
// debug when verbose. Logs go to stderr so JSON output stays clean.
func (o *RootOptions) Logger() *slog.Logger {
	level := slog.LevelWarn
	if o.Verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    o.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   o.Verbose,
	}
}

// NewRootCommand creates the tact command tree.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "tact",
		Short: "Deterministic logical-time reactor runtime",
		Long: `tact runs reactor programs under superdense logical time: reactions
execute in an order fixed by tags and dependency levels, so a program
produces the same trace on every run regardless of worker count.

Programs are described in CUE. Traces are recorded to SQLite and hashed
canonically, so two runs can be compared across machines with a string
equality check.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return NewExitError(ExitCommandError,
					fmt.Sprintf("invalid format %q (valid: %v)", opts.Format, ValidFormats))
			}
			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "enable debug logging")
	cmd.PersistentFlags().StringVarP(&opts.Format, "format", "f", "text", "output format (text|json)")

	cmd.AddCommand(NewValidateCommand(opts))
	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewTestCommand(opts))
	cmd.AddCommand(NewTraceCommand(opts))
	cmd.AddCommand(NewRTICommand(opts))

	return cmd
}
