package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ahrav/branchctl/internal/application/consistency"
	"github.com/ahrav/branchctl/internal/application/executor"
	operationApp "github.com/ahrav/branchctl/internal/application/operation"
	"github.com/ahrav/branchctl/internal/application/planner"
	"github.com/ahrav/branchctl/internal/application/sequence"
	tenantApp "github.com/ahrav/branchctl/internal/application/tenant"
	"github.com/ahrav/branchctl/internal/config"
	"github.com/ahrav/branchctl/internal/domain/entity"
	"github.com/ahrav/branchctl/internal/domain/operation"
	"github.com/ahrav/branchctl/internal/infra/lock/local"
	"github.com/ahrav/branchctl/internal/infra/storage/memory"
	"github.com/ahrav/branchctl/pkg/common/logger"
)

type harness struct {
	db     *memory.DB
	ops    *memory.OperationStore
	locker *local.Locker
	opened int
}

func newHarness() *harness {
	return &harness{db: memory.New(), ops: memory.NewOperationStore(), locker: local.New()}
}

func (h *harness) open(_ context.Context, env Env) (*Runtime, error) {
	h.opened++
	exec := executor.New(
		h.db,
		consistency.New(env.Logger, env.Tracer),
		env.Logger,
		env.Tracer,
		executor.WithChunkSize(env.Config.ChunkSize),
	)
	return &Runtime{
		Lifecycle: tenantApp.NewService(
			h.db,
			h.ops,
			planner.New(h.db),
			exec,
			sequence.NewEngine(exec, h.db, env.Logger, env.Tracer),
			h.locker,
			env.Logger,
			env.Tracer,
		),
		Operations: operationApp.NewService(h.ops, env.Logger, env.Tracer),
		Migrate:    func(context.Context) (bool, error) { return true, nil },
	}, nil
}

func (h *harness) env() Env {
	return Env{
		Config: config.Default(),
		Logger: logger.Noop(),
		Tracer: noop.NewTracerProvider().Tracer("test"),
		Open:   h.open,
	}
}

// execute runs the CLI with args and returns stdout, stderr and the exit code.
func (h *harness) execute(t *testing.T, args ...string) (string, string, int) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	cmd := NewRootCommand(h.env())
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), GetExitCode(err)
}

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand(newHarness().env())
	require.NotNil(t, cmd)
	assert.Equal(t, "branchctl", cmd.Use)
	assert.Contains(t, cmd.Long, "committed chunks")
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand(newHarness().env())
	commands := []string{"migrate", "plan-deletion", "delete-tenant", "backfill-sequences", "runs"}

	for _, cmdName := range commands {
		t.Run(cmdName, func(t *testing.T) {
			subCmd, _, err := cmd.Find([]string{cmdName})
			require.NoError(t, err, "Command %s should exist", cmdName)
			require.NotNil(t, subCmd)
			assert.Equal(t, cmdName, subCmd.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand(newHarness().env())

	verboseFlag := cmd.PersistentFlags().Lookup("verbose")
	require.NotNil(t, verboseFlag)
	assert.Equal(t, "v", verboseFlag.Shorthand)

	formatFlag := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, formatFlag)
	assert.Equal(t, "text", formatFlag.DefValue)

	chunkFlag := cmd.PersistentFlags().Lookup("chunk-size")
	require.NotNil(t, chunkFlag)
	assert.Equal(t, "200", chunkFlag.DefValue)
}

func TestUsageErrors(t *testing.T) {
	testCases := []struct {
		desc string
		args []string
	}{
		{desc: "unknown format", args: []string{"plan-deletion", "--format", "yaml"}},
		{desc: "zero chunk size", args: []string{"delete-tenant", "north", "--yes", "--chunk-size", "0"}},
		{desc: "missing branch name", args: []string{"delete-tenant", "--yes"}},
		{desc: "unknown flag", args: []string{"backfill-sequences", "--all"}},
		{desc: "delete without confirmation", args: []string{"delete-tenant", "north"}},
		{desc: "negative stalled threshold", args: []string{"runs", "--stalled", "-1m"}},
	}

	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			h := newHarness()
			_, _, code := h.execute(t, tc.args...)
			assert.Equal(t, ExitUsage, code)
			assert.Zero(t, h.opened, "no backend is opened for a usage error")
		})
	}
}

func TestPlanDeletion_Golden(t *testing.T) {
	h := newHarness()
	stdout, _, code := h.execute(t, "plan-deletion")
	require.Equal(t, ExitSuccess, code)
	assert.Zero(t, h.opened)

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "plan-deletion", []byte(stdout))
}

func TestPlanDeletion_JSON(t *testing.T) {
	stdout, _, code := newHarness().execute(t, "plan-deletion", "--format", "json")
	require.Equal(t, ExitSuccess, code)

	var resp struct {
		Status string     `json:"status"`
		Data   []PlanStep `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(stdout), &resp))
	assert.Equal(t, "ok", resp.Status)
	require.Len(t, resp.Data, len(entity.Kinds()))

	last := resp.Data[len(resp.Data)-1]
	assert.Equal(t, "branches", last.Kind)
	assert.Empty(t, last.Scope)

	for _, s := range resp.Data {
		if s.Kind == "order_items" {
			assert.Equal(t, []string{"orders", "branches"}, s.Scope)
		}
	}
}

func TestMigrate(t *testing.T) {
	h := newHarness()
	stdout, _, code := h.execute(t, "migrate")
	require.Equal(t, ExitSuccess, code)
	assert.Equal(t, "migrations applied\n", stdout)
	assert.Equal(t, 1, h.opened)
}

func TestDeleteTenant(t *testing.T) {
	h := newHarness()
	seed, err := h.db.Seed("north", memory.SeedOptions{Users: 2, TokensPerUser: 2, Products: 450, Sections: 2, Orders: 3})
	require.NoError(t, err)
	_, err = h.db.Seed("south", memory.SeedOptions{Users: 1, Products: 5})
	require.NoError(t, err)

	stdout, _, code := h.execute(t, "delete-tenant", "north", "--yes")
	require.Equal(t, ExitSuccess, code)

	assert.Contains(t, stdout, "products: delete chunk 1 committed, 200/450 rows\n")
	assert.Contains(t, stdout, "products: delete chunk 3 committed, 450/450 rows\n")
	assert.Contains(t, stdout, "refresh_tokens: delete chunk 1 committed, 4/4 rows\n")
	assert.Contains(t, stdout, `deleted branch "north"`)

	_, ok := h.db.Get(entity.KindBranch, seed.BranchID)
	assert.False(t, ok)
	_, err = h.db.FindByName(context.Background(), "south")
	assert.NoError(t, err, "other branches are untouched")

	ops, err := h.ops.FindByTenantID(context.Background(), seed.BranchID)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, operation.StatusCompleted, ops[0].Status)
}

func TestDeleteTenant_NotFound(t *testing.T) {
	_, _, code := newHarness().execute(t, "delete-tenant", "nowhere", "--yes")
	assert.Equal(t, ExitNotFound, code)
}

func TestDeleteTenant_Busy(t *testing.T) {
	h := newHarness()
	seed, err := h.db.Seed("north", memory.SeedOptions{Users: 1, Products: 3})
	require.NoError(t, err)

	lease, err := h.locker.Acquire(context.Background(), seed.BranchID)
	require.NoError(t, err)
	defer lease.Release(context.Background())

	_, _, code := h.execute(t, "delete-tenant", "north", "--yes")
	assert.Equal(t, ExitBusy, code)

	_, ok := h.db.Get(entity.KindBranch, seed.BranchID)
	assert.True(t, ok)
}

func TestDeleteTenant_JSONKeepsStdoutParseable(t *testing.T) {
	h := newHarness()
	_, err := h.db.Seed("north", memory.SeedOptions{Users: 1, Products: 3})
	require.NoError(t, err)

	stdout, stderr, code := h.execute(t, "delete-tenant", "north", "--yes", "--format", "json")
	require.Equal(t, ExitSuccess, code)
	assert.Contains(t, stderr, "products: delete chunk 1 committed, 3/3 rows")

	var resp struct {
		Status string        `json:"status"`
		Data   deleteSummary `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(stdout), &resp))
	assert.Equal(t, "north", resp.Data.BranchName)
	assert.Positive(t, resp.Data.Total)
}

func TestBackfillSequences(t *testing.T) {
	h := newHarness()
	first, err := h.db.Seed("north", memory.SeedOptions{Products: 250})
	require.NoError(t, err)
	second, err := h.db.Seed("south", memory.SeedOptions{Products: 3})
	require.NoError(t, err)

	t.Run("all branches", func(t *testing.T) {
		stdout, _, code := h.execute(t, "backfill-sequences", "--chunk-size", "100")
		require.Equal(t, ExitSuccess, code)

		assert.Contains(t, stdout, "products: update chunk 3 committed, 250/250 rows\n")
		assert.Contains(t, stdout, fmt.Sprintf("branch %d: 250 codes assigned, next sequence 250", first.BranchID))
		assert.Contains(t, stdout, "backfilled 2 branches\n")

		north, err := h.db.FindByID(context.Background(), first.BranchID)
		require.NoError(t, err)
		assert.Equal(t, int64(250), north.NextSequence)
	})

	t.Run("one branch", func(t *testing.T) {
		stdout, _, code := h.execute(t, "backfill-sequences", "--branch-id", fmt.Sprint(second.BranchID))
		require.Equal(t, ExitSuccess, code)
		assert.Contains(t, stdout, fmt.Sprintf("branch %d: 3 codes assigned, next sequence 3", second.BranchID))
		assert.Contains(t, stdout, "backfilled 1 branches\n")

		south, err := h.db.FindByID(context.Background(), second.BranchID)
		require.NoError(t, err)
		assert.Equal(t, int64(3), south.NextSequence)
	})

	t.Run("unknown branch", func(t *testing.T) {
		_, _, code := h.execute(t, "backfill-sequences", "--branch-id", "99999")
		assert.Equal(t, ExitNotFound, code)
	})
}

func TestRuns(t *testing.T) {
	h := newHarness()
	seed, err := h.db.Seed("north", memory.SeedOptions{Users: 1, Products: 3})
	require.NoError(t, err)
	_, _, code := h.execute(t, "delete-tenant", "north", "--yes")
	require.Equal(t, ExitSuccess, code)

	t.Run("by branch", func(t *testing.T) {
		stdout, _, code := h.execute(t, "runs", "--branch-id", fmt.Sprint(seed.BranchID))
		require.Equal(t, ExitSuccess, code)
		assert.Contains(t, stdout, "branch.delete")
		assert.Contains(t, stdout, "completed")
	})

	t.Run("incomplete", func(t *testing.T) {
		stdout, _, code := h.execute(t, "runs", "--incomplete")
		require.Equal(t, ExitSuccess, code)
		assert.Equal(t, "no runs found\n", stdout)
	})

	t.Run("json", func(t *testing.T) {
		stdout, _, code := h.execute(t, "runs", "--branch-id", fmt.Sprint(seed.BranchID), "--format", "json")
		require.Equal(t, ExitSuccess, code)

		var resp struct {
			Data []runSummary `json:"data"`
		}
		require.NoError(t, json.Unmarshal([]byte(stdout), &resp))
		require.Len(t, resp.Data, 1)
		assert.Equal(t, seed.BranchID, *resp.Data[0].BranchID)
		assert.Equal(t, "branch.delete", resp.Data[0].Type)
	})
}

func TestGetExitCode(t *testing.T) {
	assert.Equal(t, ExitSuccess, GetExitCode(nil))
	assert.Equal(t, ExitFailure, GetExitCode(errors.New("boom")))
	assert.Equal(t, ExitBusy, GetExitCode(WrapExitError(ExitBusy, "deleting", errors.New("held"))))

	wrapped := WrapExitError(ExitNotFound, "deleting branch", errors.New("missing"))
	assert.Equal(t, "deleting branch: missing", wrapped.Error())
	assert.Equal(t, "plain", NewExitError(ExitUsage, "plain").Error())
}
