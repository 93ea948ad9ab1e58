package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/go-redis/redis/v8"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/branchctl/internal/application/consistency"
	"github.com/ahrav/branchctl/internal/application/executor"
	operationApp "github.com/ahrav/branchctl/internal/application/operation"
	"github.com/ahrav/branchctl/internal/application/planner"
	"github.com/ahrav/branchctl/internal/application/sequence"
	tenantApp "github.com/ahrav/branchctl/internal/application/tenant"
	"github.com/ahrav/branchctl/internal/config"
	"github.com/ahrav/branchctl/internal/domain/tenant"
	pgLock "github.com/ahrav/branchctl/internal/infra/lock/postgres"
	redisLock "github.com/ahrav/branchctl/internal/infra/lock/redis"
	"github.com/ahrav/branchctl/internal/infra/metrics"
	"github.com/ahrav/branchctl/internal/infra/storage"
	entityStore "github.com/ahrav/branchctl/internal/infra/storage/entity/postgres"
	operationStore "github.com/ahrav/branchctl/internal/infra/storage/operation/postgres"
	tenantStore "github.com/ahrav/branchctl/internal/infra/storage/tenant/postgres"
	"github.com/ahrav/branchctl/pkg/common/logger"
	otelcommon "github.com/ahrav/branchctl/pkg/common/otel"
)

// Runtime holds the wired services a command runs against.
type Runtime struct {
	Lifecycle  *tenantApp.Service
	Operations *operationApp.Service
	// Migrate applies pending schema migrations and reports whether any ran.
	Migrate func(ctx context.Context) (bool, error)

	closers []func()
}

// Close releases every resource the runtime opened, newest first.
func (r *Runtime) Close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
}

// OnClose registers fn to run on Close.
func (r *Runtime) OnClose(fn func()) { r.closers = append(r.closers, fn) }

// RuntimeFactory builds the runtime for one command invocation.
type RuntimeFactory func(ctx context.Context, env Env) (*Runtime, error)

// OpenPostgres wires every service against PostgreSQL and the configured lock backend.
func OpenPostgres(ctx context.Context, env Env) (*Runtime, error) {
	cfg := env.Config

	pool, err := storage.NewPool(ctx, storage.PoolConfig{
		DSN:      cfg.DatabaseURL,
		MinConns: cfg.DBMinConns,
		MaxConns: cfg.DBMaxConns,
	})
	if err != nil {
		return nil, err
	}
	rt := &Runtime{
		Migrate: func(context.Context) (bool, error) {
			return storage.RunMigrations(pool, cfg.MigrationsPath)
		},
	}
	rt.OnClose(pool.Close)

	store, err := entityStore.NewStore(ctx, pool, env.Tracer)
	if err != nil {
		rt.Close()
		return nil, err
	}

	locker, err := newLocker(ctx, env, pool, rt)
	if err != nil {
		rt.Close()
		return nil, err
	}

	reg, err := metrics.NewRegistry(otelcommon.GetMeterProvider())
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("registering metrics: %w", err)
	}

	tenants := tenantStore.NewTenantStore(pool, env.Tracer)
	ops := operationStore.NewOperationStore(pool, env.Tracer)
	exec := executor.New(
		store,
		consistency.New(env.Logger, env.Tracer),
		env.Logger,
		env.Tracer,
		executor.WithChunkSize(cfg.ChunkSize),
		executor.WithChunkTimeout(cfg.ChunkTimeout),
		executor.WithMetrics(reg.Chunks),
	)

	rt.Lifecycle = tenantApp.NewService(
		tenants,
		ops,
		planner.New(store),
		exec,
		sequence.NewEngine(exec, tenants, env.Logger, env.Tracer),
		locker,
		env.Logger,
		env.Tracer,
		tenantApp.WithMetrics(reg.Lifecycle),
		tenantApp.WithStepMetrics(reg.Steps),
	)
	rt.Operations = operationApp.NewService(ops, env.Logger, env.Tracer)
	return rt, nil
}

func newLocker(ctx context.Context, env Env, pool *pgxpool.Pool, rt *Runtime) (tenant.Locker, error) {
	switch env.Config.LockBackend {
	case config.LockBackendRedis:
		client := redis.NewClient(&redis.Options{Addr: env.Config.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, fmt.Errorf("connecting to redis at %s: %w", env.Config.RedisAddr, err)
		}
		rt.OnClose(func() { client.Close() })
		return redisLock.New(client, env.Config.LockTTL, lockOwner(), env.Logger), nil
	default:
		return pgLock.New(pool, env.Tracer), nil
	}
}

// lockOwner names this process in busy errors reported to other runs.
func lockOwner() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("%s/%d", host, os.Getpid())
}

// Env is what every command gets from the process: configuration, logging and tracing,
// plus the factory that opens the backing services.
type Env struct {
	Config config.Config
	Logger *logger.Logger
	Tracer trace.Tracer
	Open   RuntimeFactory
}
