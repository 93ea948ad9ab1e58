// Package cli implements the branchctl command line.
package cli

import (
	"fmt"
	"slices"

	"github.com/spf13/cobra"

	otelcommon "github.com/ahrav/branchctl/pkg/common/otel"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose   bool
	Format    string // "json" | "text"
	ChunkSize int

	env Env
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the branchctl CLI.
func NewRootCommand(env Env) *cobra.Command {
	opts := &RootOptions{env: env}

	cmd := &cobra.Command{
		Use:   "branchctl",
		Short: "Branch data lifecycle operations",
		Long: `branchctl removes a branch together with every row that depends on it, and
renumbers the per-branch product sequence codes.

Both runs work in small committed chunks under a per-branch lock and are
recorded in the operation ledger, so an interrupted run can simply be repeated.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return NewExitError(ExitUsage,
					fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			if cmd.Flags().Changed("chunk-size") {
				if opts.ChunkSize < 1 {
					return NewExitError(ExitUsage, "--chunk-size must be at least 1")
				}
				opts.env.Config.ChunkSize = opts.ChunkSize
			}
			cmd.SetContext(otelcommon.InjectTracing(cmd.Context(), opts.env.Tracer))
			return nil
		},
	}
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return WrapExitError(ExitUsage, "invalid flags", err)
	})

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().IntVar(&opts.ChunkSize, "chunk-size", env.Config.ChunkSize,
		"rows per chunk transaction (overrides CHUNK_SIZE)")

	cmd.AddCommand(NewMigrateCommand(opts))
	cmd.AddCommand(NewPlanDeletionCommand(opts))
	cmd.AddCommand(NewDeleteTenantCommand(opts))
	cmd.AddCommand(NewBackfillSequencesCommand(opts))
	cmd.AddCommand(NewRunsCommand(opts))

	return cmd
}

func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    o.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   o.Verbose,
	}
}

// open builds the runtime for the running command. Callers must Close it.
func (o *RootOptions) open(cmd *cobra.Command) (*Runtime, error) {
	if o.env.Open == nil {
		return nil, NewExitError(ExitFailure, "no backend configured")
	}
	rt, err := o.env.Open(cmd.Context(), o.env)
	if err != nil {
		return nil, WrapExitError(ExitFailure, "opening backend", err)
	}
	return rt, nil
}

// exactArgs is cobra.ExactArgs with a usage exit code.
func exactArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := cobra.ExactArgs(n)(cmd, args); err != nil {
			return WrapExitError(ExitUsage, "invalid arguments", err)
		}
		return nil
	}
}

func noArgs(cmd *cobra.Command, args []string) error {
	if err := cobra.NoArgs(cmd, args); err != nil {
		return WrapExitError(ExitUsage, "invalid arguments", err)
	}
	return nil
}
