// Package postgres implements branch locks with session level PostgreSQL advisory locks.
//
// A lock lives on one pooled connection, which stays checked out until the lease is
// released. If the process dies the server drops the session and the lock with it.
package postgres

import (
	"context"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/branchctl/internal/domain/tenant"
	"github.com/ahrav/branchctl/internal/infra/storage"
)

var _ tenant.Locker = (*Locker)(nil)

// Locker hands out advisory locks keyed by branch id.
type Locker struct {
	pool   *pgxpool.Pool
	tracer trace.Tracer
}

// New creates a Locker on pool.
func New(pool *pgxpool.Pool, tracer trace.Tracer) *Locker {
	return &Locker{pool: pool, tracer: tracer}
}

func lockKey(branchID int64) string { return fmt.Sprintf("branchctl:branch:%d", branchID) }

// Acquire tries the lock once and fails with a *tenant.BusyError when another session
// holds it.
func (l *Locker) Acquire(ctx context.Context, branchID int64) (tenant.Lease, error) {
	attrs := []attribute.KeyValue{
		attribute.String("db.system", "postgresql"),
		attribute.Int64("branch.id", branchID),
	}

	var held *lease
	err := storage.ExecuteAndTrace(ctx, l.tracer, "advisoryLock.Acquire", attrs, func(ctx context.Context) error {
		conn, err := l.pool.Acquire(ctx)
		if err != nil {
			return fmt.Errorf("acquiring connection: %w", err)
		}

		var ok bool
		if err := conn.QueryRow(ctx,
			`SELECT pg_try_advisory_lock(hashtextextended($1, 0))`, lockKey(branchID)).Scan(&ok); err != nil {
			conn.Release()
			return err
		}
		if !ok {
			holder := holderPID(ctx, conn, branchID)
			conn.Release()
			return &tenant.BusyError{TenantID: branchID, Holder: holder}
		}

		held = &lease{conn: conn, branchID: branchID}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return held, nil
}

// holderPID names the backend holding the lock, best effort.
func holderPID(ctx context.Context, conn *pgxpool.Conn, branchID int64) string {
	var pid int32
	err := conn.QueryRow(ctx, `
		SELECT l.pid
		FROM pg_locks l
		WHERE l.locktype = 'advisory' AND l.granted
		  AND ((l.classid::bigint << 32) | l.objid::bigint) = hashtextextended($1, 0)
		LIMIT 1`, lockKey(branchID)).Scan(&pid)
	if err != nil {
		return ""
	}
	return fmt.Sprintf("postgres backend %d", pid)
}

type lease struct {
	mu       sync.Mutex
	conn     *pgxpool.Conn
	branchID int64
}

// Release unlocks and returns the pinned connection to the pool.
func (l *lease) Release(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		return nil
	}

	conn := l.conn
	l.conn = nil

	var ok bool
	err := conn.QueryRow(ctx, `SELECT pg_advisory_unlock(hashtextextended($1, 0))`, lockKey(l.branchID)).Scan(&ok)
	if err != nil {
		// The session may still hold the lock; closing it is the only way to drop it.
		_ = conn.Conn().Close(ctx)
		conn.Release()
		return fmt.Errorf("releasing advisory lock for branch %d: %w", l.branchID, err)
	}
	conn.Release()
	if !ok {
		return fmt.Errorf("advisory lock for branch %d was not held", l.branchID)
	}
	return nil
}
