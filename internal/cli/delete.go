package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/attribute"

	tenantApp "github.com/ahrav/branchctl/internal/application/tenant"
	otelcommon "github.com/ahrav/branchctl/pkg/common/otel"
)

// DeleteOptions holds flags for the delete-tenant command.
type DeleteOptions struct {
	Yes bool
}

// NewDeleteTenantCommand creates the delete-tenant command.
func NewDeleteTenantCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DeleteOptions{}

	cmd := &cobra.Command{
		Use:   "delete-tenant <branch-name>",
		Short: "Delete a branch and every row that depends on it",
		Long: `Delete a branch and every row that depends on it, dependents first and the branch
row last, in chunks of --chunk-size rows. Each chunk commits on its own. A failed
or interrupted run leaves a consistent prefix behind; running the command again
finishes the job.`,
		Args: exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDeleteTenant(rootOpts, opts, args[0], cmd)
		},
	}
	cmd.Flags().BoolVar(&opts.Yes, "yes", false, "confirm the deletion")

	return cmd
}

func runDeleteTenant(rootOpts *RootOptions, opts *DeleteOptions, name string, cmd *cobra.Command) error {
	if !opts.Yes {
		return NewExitError(ExitUsage, fmt.Sprintf("refusing to delete branch %q without --yes", name))
	}
	out := rootOpts.formatter(cmd)

	ctx, span := otelcommon.AddSpan(cmd.Context(), "cli.delete-tenant", attribute.String("branch_name", name))
	defer span.End()

	rt, err := rootOpts.open(cmd)
	if err != nil {
		return err
	}
	defer rt.Close()

	res, err := rt.Lifecycle.DeleteBranch(ctx, name, out.Progress())
	if res != nil {
		for _, s := range res.Steps {
			out.VerboseLog("step %s: %s in %s", s.StepName, stepStatus(s.Error), s.Duration)
		}
	}
	if err != nil {
		if res != nil {
			out.Printf("run %s (operation %d) stopped after removing %d rows\n",
				res.RunID, res.OperationID, tenantApp.Total(res.Removed))
		}
		return runError(fmt.Sprintf("deleting branch %q", name), err)
	}

	if out.JSON() {
		return out.Result(otelcommon.GetTraceID(ctx), deleteSummary{
			OperationID: res.OperationID,
			RunID:       res.RunID,
			BranchID:    res.BranchID,
			BranchName:  res.BranchName,
			Removed:     res.Removed,
			Total:       tenantApp.Total(res.Removed),
			DurationMS:  res.Duration.Milliseconds(),
		})
	}
	for _, c := range res.Removed {
		out.Printf("  %-22s %d\n", c.Kind, c.Count)
	}
	out.Printf("deleted branch %q (id %d): %d rows removed in %s, operation %d\n",
		res.BranchName, res.BranchID, tenantApp.Total(res.Removed), res.Duration, res.OperationID)
	return nil
}

type deleteSummary struct {
	OperationID int64                 `json:"operation_id"`
	RunID       string                `json:"run_id"`
	BranchID    int64                 `json:"branch_id"`
	BranchName  string                `json:"branch_name"`
	Removed     []tenantApp.KindCount `json:"removed"`
	Total       int64                 `json:"rows_removed"`
	DurationMS  int64                 `json:"duration_ms"`
}

func stepStatus(err error) string {
	if err != nil {
		return "failed: " + err.Error()
	}
	return "ok"
}
