package cli

import (
	"context"
	"fmt"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/tidefall/tact/internal/program"
	"github.com/tidefall/tact/internal/sched"
	"github.com/tidefall/tact/internal/trace"
)

type runOptions struct {
	DB      string
	Workers int
	Policy  string
	Timeout time.Duration
	Fast    bool
}

// RunResult summarizes a completed run.
type RunResult struct {
	Run       string `json:"run"`
	Program   string `json:"program"`
	Workers   int    `json:"workers"`
	Tags      int64  `json:"tags"`
	Reactions int    `json:"reactions"`
	Hash      string `json:"hash"`
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &runOptions{}

	cmd := &cobra.Command{
		Use:   "run <program.cue>",
		Short: "Execute a program and record its trace",
		Long: `Run compiles a CUE program description, executes it to completion and
prints the trace hash. Timers fire at their physical wall-clock times
unless --fast is given, in which case logical time advances as fast as
the event queue drains. With --db the trace is recorded to SQLite for
later inspection with 'tact trace'.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProgram(rootOpts, opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.DB, "db", "", "SQLite database to record the trace to")
	cmd.Flags().IntVar(&opts.Workers, "workers", 0, "worker count (0 means the program's setting)")
	cmd.Flags().StringVar(&opts.Policy, "policy", "", "scheduling policy (np|adaptive)")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", 0, "logical stop time (0 means the program's setting)")
	cmd.Flags().BoolVar(&opts.Fast, "fast", false, "do not wait for physical time")

	return cmd
}

func runProgram(rootOpts *RootOptions, opts *runOptions, path string, cmd *cobra.Command) error {
	formatter := rootOpts.formatter(cmd)
	logger := rootOpts.Logger()

	p, err := program.CompileFile(path)
	if err != nil {
		_ = formatter.Error(ErrCodeCompile, err.Error(), nil)
		return WrapExitError(ExitFailure, "compile failed", err)
	}
	g, err := p.Graph()
	if err != nil {
		_ = formatter.Error(ErrCodeGraph, err.Error(), nil)
		return WrapExitError(ExitFailure, "graph build failed", err)
	}

	workers := opts.Workers
	if workers == 0 {
		workers = p.Workers
	}
	if workers == 0 {
		workers = runtime.NumCPU()
	}
	policy := opts.Policy
	if policy == "" {
		policy = p.Policy
	}
	if policy == "" {
		policy = string(sched.PolicyNP)
	}
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = p.Timeout
	}
	formatter.VerboseLog("running %s: %d workers, policy %s", p.Name, workers, policy)

	log := trace.NewLog()
	envOpts := []sched.Option{
		sched.WithWorkers(workers),
		sched.WithPolicy(sched.PolicyKind(policy)),
		sched.WithTimeout(timeout),
		sched.WithObserver(log),
		sched.WithLogger(logger),
	}
	if opts.Fast {
		envOpts = append(envOpts, sched.WithFast())
	}
	env := sched.New(g, envOpts...)

	// Ctrl-C cancels the context; the environment drains the current
	// tag and shuts down cleanly.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	started := time.Now().UTC()
	if err := env.Run(ctx); err != nil {
		_ = formatter.Error(ErrCodeRun, err.Error(), nil)
		return WrapExitError(ExitFailure, "run failed", err)
	}

	hash, err := log.Hash()
	if err != nil {
		return WrapExitError(ExitFailure, "trace hash", err)
	}

	runID := uuid.New()
	if opts.DB != "" {
		if err := persistRun(ctx, opts.DB, trace.Run{
			ID:        runID,
			Program:   p.Name,
			StartedAt: started,
			Workers:   workers,
			Policy:    policy,
		}, log, hash); err != nil {
			_ = formatter.Error(ErrCodeStore, err.Error(), nil)
			return WrapExitError(ExitCommandError, "record trace", err)
		}
		formatter.VerboseLog("recorded run %s to %s", runID, opts.DB)
	}

	result := RunResult{
		Run:       runID.String(),
		Program:   p.Name,
		Workers:   workers,
		Tags:      log.Tags(),
		Reactions: len(log.Reactions()),
		Hash:      hash,
	}
	if formatter.Format == "json" {
		return formatter.Success(result)
	}
	fmt.Fprintf(formatter.Writer, "run %s: %s completed (%d tags, %d reactions)\n",
		result.Run, result.Program, result.Tags, result.Reactions)
	fmt.Fprintf(formatter.Writer, "trace hash: %s\n", result.Hash)
	return nil
}

func persistRun(ctx context.Context, path string, rec trace.Run, log *trace.Log, hash string) error {
	store, err := trace.Open(path)
	if err != nil {
		return err
	}
	defer store.Close()
	if err := store.WriteRun(ctx, rec); err != nil {
		return err
	}
	if err := store.WriteLog(ctx, rec.ID, log); err != nil {
		return err
	}
	return store.SetRunHash(ctx, rec.ID, hash)
}
