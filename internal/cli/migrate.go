package cli

import (
	"github.com/spf13/cobra"

	otelcommon "github.com/ahrav/branchctl/pkg/common/otel"
)

// NewMigrateCommand creates the migrate command.
func NewMigrateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		Args:  noArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(rootOpts, cmd)
		},
	}
}

func runMigrate(opts *RootOptions, cmd *cobra.Command) error {
	out := opts.formatter(cmd)
	ctx, span := otelcommon.AddSpan(cmd.Context(), "cli.migrate")
	defer span.End()

	rt, err := opts.open(cmd)
	if err != nil {
		return err
	}
	defer rt.Close()

	out.VerboseLog("applying migrations from %s", opts.env.Config.MigrationsPath)
	applied, err := rt.Migrate(ctx)
	if err != nil {
		return WrapExitError(ExitFailure, "migration failed", err)
	}

	if out.JSON() {
		return out.Result(otelcommon.GetTraceID(ctx), map[string]bool{"applied": applied})
	}
	if applied {
		out.Printf("migrations applied\n")
	} else {
		out.Printf("schema already up to date\n")
	}
	return nil
}
