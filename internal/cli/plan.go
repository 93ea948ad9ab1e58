package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ahrav/branchctl/internal/application/planner"
	"github.com/ahrav/branchctl/internal/domain/entity"
	otelcommon "github.com/ahrav/branchctl/pkg/common/otel"
)

// PlanStep is one rendered entry of the deletion plan.
type PlanStep struct {
	Position int      `json:"position"`
	Kind     string   `json:"kind"`
	Scope    []string `json:"scope"`
}

// NewPlanDeletionCommand creates the plan-deletion command.
func NewPlanDeletionCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "plan-deletion",
		Short: "Print the order in which a branch deletion removes rows",
		Long: `Print the static deletion order: every kind appears before each kind it holds a
foreign key to, ties broken by name, the branch row last. The scope column shows
the ownership path that ties a kind's rows to the branch. No database is needed.`,
		Args: noArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPlanDeletion(rootOpts, cmd)
		},
	}
}

func runPlanDeletion(opts *RootOptions, cmd *cobra.Command) error {
	out := opts.formatter(cmd)

	steps, err := planner.DeletionOrder(entity.Kinds())
	if err != nil {
		return WrapExitError(ExitFailure, "resolving deletion order", err)
	}
	plan := planSteps(steps)

	if out.JSON() {
		return out.Result(otelcommon.GetTraceID(cmd.Context()), plan)
	}
	renderPlan(out.Writer, plan)
	return nil
}

func planSteps(steps []planner.Step) []PlanStep {
	plan := make([]PlanStep, 0, len(steps))
	for i, s := range steps {
		scope := make([]string, 0, len(s.Via)+1)
		for _, k := range s.Via {
			scope = append(scope, k.String())
		}
		if s.Kind != entity.KindBranch {
			scope = append(scope, entity.KindBranch.String())
		}
		plan = append(plan, PlanStep{Position: i + 1, Kind: s.Kind.String(), Scope: scope})
	}
	return plan
}

func renderPlan(w io.Writer, plan []PlanStep) {
	fmt.Fprintf(w, "deletion order (%d kinds)\n", len(plan))
	for _, s := range plan {
		scope := "(branch row)"
		if len(s.Scope) > 0 {
			scope = strings.Join(s.Scope, " -> ")
		}
		fmt.Fprintf(w, "%2d. %-22s %s\n", s.Position, s.Kind, scope)
	}
}
