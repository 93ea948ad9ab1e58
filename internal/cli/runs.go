package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ahrav/branchctl/internal/domain/operation"
	otelcommon "github.com/ahrav/branchctl/pkg/common/otel"
)

// RunsOptions holds flags for the runs command.
type RunsOptions struct {
	BranchID   int64
	Incomplete bool
	Stalled    time.Duration
}

// NewRunsCommand creates the runs command.
func NewRunsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunsOptions{}

	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recorded lifecycle runs",
		Long: `List runs from the operation ledger: every run of one branch (--branch-id, newest
first, including runs of branches that have since been deleted), runs that never
reached a terminal state (--incomplete), or in-progress runs older than a
threshold (--stalled).`,
		Args: noArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRuns(rootOpts, opts, cmd)
		},
	}
	cmd.Flags().Int64Var(&opts.BranchID, "branch-id", 0, "list the runs of this branch")
	cmd.Flags().BoolVar(&opts.Incomplete, "incomplete", false, "list runs that never finished")
	cmd.Flags().DurationVar(&opts.Stalled, "stalled", 0, "list in-progress runs started longer ago than this")
	cmd.MarkFlagsMutuallyExclusive("branch-id", "incomplete", "stalled")
	cmd.MarkFlagsOneRequired("branch-id", "incomplete", "stalled")

	return cmd
}

type runSummary struct {
	ID        int64      `json:"id"`
	RunID     string     `json:"run_id"`
	Type      string     `json:"type"`
	Status    string     `json:"status"`
	BranchID  *int64     `json:"branch_id,omitempty"`
	Processed int64      `json:"processed"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	Error     *string    `json:"error,omitempty"`
}

func runRuns(rootOpts *RootOptions, opts *RunsOptions, cmd *cobra.Command) error {
	out := rootOpts.formatter(cmd)
	ctx, span := otelcommon.AddSpan(cmd.Context(), "cli.runs")
	defer span.End()

	if cmd.Flags().Changed("stalled") && opts.Stalled <= 0 {
		return NewExitError(ExitUsage, "--stalled must be positive")
	}

	rt, err := rootOpts.open(cmd)
	if err != nil {
		return err
	}
	defer rt.Close()

	var ops []*operation.Operation
	switch {
	case cmd.Flags().Changed("branch-id"):
		ops, err = rt.Operations.GetOperationsByTenant(ctx, opts.BranchID)
	case opts.Incomplete:
		ops, err = rt.Operations.ListIncompleteOperations(ctx)
	default:
		ops, err = rt.Operations.ListStalledOperations(ctx, opts.Stalled)
	}
	if err != nil {
		return WrapExitError(ExitFailure, "listing runs", err)
	}

	summaries := make([]runSummary, 0, len(ops))
	for _, op := range ops {
		summaries = append(summaries, runSummary{
			ID:        op.ID,
			RunID:     op.RunID,
			Type:      op.Type.String(),
			Status:    string(op.Status),
			BranchID:  op.TenantID,
			Processed: op.Processed(),
			StartedAt: op.StartedAt,
			Error:     op.ErrorMessage,
		})
	}

	if out.JSON() {
		return out.Result(otelcommon.GetTraceID(ctx), summaries)
	}
	if len(summaries) == 0 {
		out.Printf("no runs found\n")
		return nil
	}
	for _, s := range summaries {
		line := fmt.Sprintf("%d  %-25s %-11s processed=%d", s.ID, s.Type, s.Status, s.Processed)
		if s.Error != nil {
			line += "  error=" + *s.Error
		}
		out.Printf("%s\n", line)
	}
	return nil
}
