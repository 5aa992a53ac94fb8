package cli

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/tidefall/tact/internal/trace"
)

// NewTraceCommand creates the trace command group.
func NewTraceCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trace",
		Short: "Inspect recorded traces",
	}
	cmd.AddCommand(newTraceListCommand(rootOpts))
	cmd.AddCommand(newTraceShowCommand(rootOpts))
	return cmd
}

// RunSummary is one recorded run as shown by trace list.
type RunSummary struct {
	ID        string `json:"id"`
	Program   string `json:"program"`
	StartedAt string `json:"started_at"`
	Workers   int    `json:"workers"`
	Policy    string `json:"policy"`
	Hash      string `json:"hash"`
}

func summarize(r trace.Run) RunSummary {
	return RunSummary{
		ID:        r.ID.String(),
		Program:   r.Program,
		StartedAt: r.StartedAt.Format(time.RFC3339),
		Workers:   r.Workers,
		Policy:    r.Policy,
		Hash:      r.Hash,
	}
}

func newTraceListCommand(rootOpts *RootOptions) *cobra.Command {
	var db string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recorded runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := rootOpts.formatter(cmd)

			store, err := trace.Open(db)
			if err != nil {
				_ = formatter.Error(ErrCodeStore, err.Error(), nil)
				return WrapExitError(ExitCommandError, "open trace store", err)
			}
			defer store.Close()

			runs, err := store.ListRuns(context.Background())
			if err != nil {
				_ = formatter.Error(ErrCodeStore, err.Error(), nil)
				return WrapExitError(ExitCommandError, "list runs", err)
			}

			summaries := make([]RunSummary, len(runs))
			for i, r := range runs {
				summaries[i] = summarize(r)
			}
			if formatter.Format == "json" {
				return formatter.Success(summaries)
			}
			tw := tabwriter.NewWriter(formatter.Writer, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tPROGRAM\tSTARTED\tWORKERS\tPOLICY\tHASH")
			for _, r := range summaries {
				hash := r.Hash
				if len(hash) > 12 {
					hash = hash[:12]
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n",
					r.ID, r.Program, r.StartedAt, r.Workers, r.Policy, hash)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().StringVar(&db, "db", "", "SQLite trace database")
	_ = cmd.MarkFlagRequired("db")
	return cmd
}

// TraceDetail is the full reaction trace of one run.
type TraceDetail struct {
	Run       RunSummary      `json:"run"`
	Reactions []ReactionEntry `json:"reactions"`
}

// ReactionEntry is one executed reaction in a recorded trace.
type ReactionEntry struct {
	Seq          int64  `json:"seq"`
	Time         int64  `json:"time"`
	Microstep    uint32 `json:"microstep"`
	Reaction     string `json:"reaction"`
	Level        int    `json:"level"`
	Worker       int    `json:"worker"`
	DeadlineMiss bool   `json:"deadline_miss,omitempty"`
}

func newTraceShowCommand(rootOpts *RootOptions) *cobra.Command {
	var db string

	cmd := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show the reaction trace of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := rootOpts.formatter(cmd)

			id, err := uuid.Parse(args[0])
			if err != nil {
				_ = formatter.Error(ErrCodeNotFound, fmt.Sprintf("invalid run id %q", args[0]), nil)
				return WrapExitError(ExitCommandError, "invalid run id", err)
			}
			store, err := trace.Open(db)
			if err != nil {
				_ = formatter.Error(ErrCodeStore, err.Error(), nil)
				return WrapExitError(ExitCommandError, "open trace store", err)
			}
			defer store.Close()

			ctx := context.Background()
			run, err := store.ReadRun(ctx, id)
			if err != nil {
				_ = formatter.Error(ErrCodeNotFound, err.Error(), nil)
				return WrapExitError(ExitCommandError, "read run", err)
			}
			recs, err := store.ReadReactions(ctx, id)
			if err != nil {
				_ = formatter.Error(ErrCodeStore, err.Error(), nil)
				return WrapExitError(ExitCommandError, "read reactions", err)
			}

			detail := TraceDetail{Run: summarize(run)}
			for _, rec := range recs {
				detail.Reactions = append(detail.Reactions, ReactionEntry{
					Seq:          rec.Seq,
					Time:         rec.Tag.Time,
					Microstep:    rec.Tag.Microstep,
					Reaction:     rec.Name,
					Level:        rec.Level,
					Worker:       rec.Worker,
					DeadlineMiss: rec.DeadlineMiss,
				})
			}
			if formatter.Format == "json" {
				return formatter.Success(detail)
			}
			fmt.Fprintf(formatter.Writer, "run %s: %s (%d workers, policy %s)\n",
				detail.Run.ID, detail.Run.Program, detail.Run.Workers, detail.Run.Policy)
			fmt.Fprintf(formatter.Writer, "hash: %s\n", detail.Run.Hash)
			tw := tabwriter.NewWriter(formatter.Writer, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "SEQ\tTIME\tSTEP\tREACTION\tLEVEL\tWORKER")
			for _, rec := range detail.Reactions {
				name := rec.Reaction
				if rec.DeadlineMiss {
					name += " (deadline missed)"
				}
				fmt.Fprintf(tw, "%d\t%d\t%d\t%s\t%d\t%d\n",
					rec.Seq, rec.Time, rec.Microstep, name, rec.Level, rec.Worker)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().StringVar(&db, "db", "", "SQLite trace database")
	_ = cmd.MarkFlagRequired("db")
	return cmd
}
