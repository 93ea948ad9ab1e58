// Package testutil starts a migrated PostgreSQL container for store tests.
package testutil

import (
	"context"
	"fmt"
	"net"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/docker/go-connections/nat"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ahrav/branchctl/internal/infra/storage"
)

const (
	pgImage    = "postgres:17-alpine"
	pgPort     = nat.Port("5432/tcp")
	pgUser     = "branchctl"
	pgPassword = "branchctl"
	pgDatabase = "branchctl_test"
)

func dsn(hostPort string) string {
	return fmt.Sprintf("postgres://%s:%s@%s/%s?sslmode=disable", pgUser, pgPassword, hostPort, pgDatabase)
}

// SetupTestContainer starts PostgreSQL, applies every migration in db/migrations and
// returns a pool on it with a cleanup that closes the pool and stops the container.
// Tests calling it are skipped with -short.
func SetupTestContainer(t *testing.T) (*pgxpool.Pool, func()) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}

	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        pgImage,
			ExposedPorts: []string{string(pgPort)},
			Env: map[string]string{
				"POSTGRES_USER":     pgUser,
				"POSTGRES_PASSWORD": pgPassword,
				"POSTGRES_DB":       pgDatabase,
			},
			WaitingFor: wait.ForSQL(pgPort, "pgx", func(host string, port nat.Port) string {
				return dsn(net.JoinHostPort(host, port.Port()))
			}),
		},
		Started: true,
	})
	require.NoError(t, err)

	endpoint, err := container.PortEndpoint(ctx, pgPort, "")
	require.NoError(t, err)

	pool, err := storage.NewPool(ctx, storage.PoolConfig{DSN: dsn(endpoint), MaxConns: 8})
	require.NoError(t, err)

	_, err = storage.RunMigrations(pool, MigrationsPath())
	require.NoError(t, err)

	return pool, func() {
		pool.Close()
		_ = container.Terminate(ctx)
	}
}

// MigrationsPath returns the absolute path of the repository's db/migrations directory.
func MigrationsPath() string {
	_, currentFile, _, _ := runtime.Caller(0)
	projectRoot := filepath.Join(filepath.Dir(currentFile), "..", "..", "..", "..")
	return filepath.Join(projectRoot, "db", "migrations")
}

// NoOpTracer returns a tracer that records nothing.
func NoOpTracer() trace.Tracer {
	return noop.NewTracerProvider().Tracer("test")
}
