package cli

import (
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/attribute"

	otelcommon "github.com/ahrav/branchctl/pkg/common/otel"
)

// BackfillOptions holds flags for the backfill-sequences command.
type BackfillOptions struct {
	BranchID int64
}

// NewBackfillSequencesCommand creates the backfill-sequences command.
func NewBackfillSequencesCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &BackfillOptions{}

	cmd := &cobra.Command{
		Use:   "backfill-sequences",
		Short: "Renumber product sequence codes per branch",
		Long: `Assign every product of a branch a zero padded sequence code in creation order
(001, 002, ...) and move the branch's sequence cursor to the product count.
Without --branch-id every branch is processed in id order, stopping at the first
failure. Running it again with unchanged data assigns the same codes.`,
		Args: noArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var branchID *int64
			if cmd.Flags().Changed("branch-id") {
				branchID = &opts.BranchID
			}
			return runBackfill(rootOpts, branchID, cmd)
		},
	}
	cmd.Flags().Int64Var(&opts.BranchID, "branch-id", 0, "only backfill this branch")

	return cmd
}

type backfillSummary struct {
	OperationID  int64 `json:"operation_id"`
	BranchID     int64 `json:"branch_id"`
	Assigned     int64 `json:"assigned"`
	NextSequence int64 `json:"next_sequence"`
}

func runBackfill(rootOpts *RootOptions, branchID *int64, cmd *cobra.Command) error {
	out := rootOpts.formatter(cmd)

	attrs := []attribute.KeyValue{attribute.Bool("all_branches", branchID == nil)}
	if branchID != nil {
		attrs = append(attrs, attribute.Int64("branch_id", *branchID))
	}
	ctx, span := otelcommon.AddSpan(cmd.Context(), "cli.backfill-sequences", attrs...)
	defer span.End()

	rt, err := rootOpts.open(cmd)
	if err != nil {
		return err
	}
	defer rt.Close()

	results, err := rt.Lifecycle.BackfillSequences(ctx, branchID, out.Progress())

	summaries := make([]backfillSummary, 0, len(results))
	for i, r := range results {
		summaries = append(summaries, backfillSummary{
			OperationID:  r.OperationID,
			BranchID:     r.BranchID,
			Assigned:     r.Assigned,
			NextSequence: r.NextSequence,
		})
		if out.JSON() {
			continue
		}
		if err != nil && i == len(results)-1 {
			out.Printf("branch %d: stopped after %d codes, operation %d\n", r.BranchID, r.Assigned, r.OperationID)
			continue
		}
		out.Printf("branch %d: %d codes assigned, next sequence %d, operation %d\n",
			r.BranchID, r.Assigned, r.NextSequence, r.OperationID)
	}
	if err != nil {
		return runError("backfilling sequences", err)
	}

	if out.JSON() {
		return out.Result(otelcommon.GetTraceID(ctx), summaries)
	}
	out.Printf("backfilled %d branches\n", len(results))
	return nil
}
