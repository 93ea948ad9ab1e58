// Package redis implements branch locks on Redis for deployments where several hosts
// run branchctl against the same database.
//
// A lock is a key set with NX and a TTL. Its value is an owner token, so only the owner
// can extend or delete it. A held lease refreshes its TTL in the background until it is
// released.
package redis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/ahrav/branchctl/internal/domain/tenant"
	"github.com/ahrav/branchctl/pkg/common/logger"
)

var _ tenant.Locker = (*Locker)(nil)

// DefaultTTL is the lock expiry used when none is configured.
const DefaultTTL = 30 * time.Second

const keyPrefix = "branchctl:lock:branch:"

var (
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

	refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
)

// ErrLockLost is returned by Release when the lock expired or was taken over before
// it was released.
var ErrLockLost = errors.New("lock lost")

// Locker hands out Redis backed branch locks.
type Locker struct {
	client *redis.Client
	ttl    time.Duration
	owner  string
	logger *logger.Logger
}

// New creates a Locker. owner describes this process in busy errors seen by others.
func New(client *redis.Client, ttl time.Duration, owner string, log *logger.Logger) *Locker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Locker{client: client, ttl: ttl, owner: owner, logger: log.With("component", "redis_locker")}
}

func key(branchID int64) string { return fmt.Sprintf("%s%d", keyPrefix, branchID) }

// Acquire tries the lock once and fails with a *tenant.BusyError when it is held.
func (l *Locker) Acquire(ctx context.Context, branchID int64) (tenant.Lease, error) {
	token := l.owner + "/" + uuid.NewString()

	ok, err := l.client.SetNX(ctx, key(branchID), token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquiring lock for branch %d: %w", branchID, err)
	}
	if !ok {
		// The holder may have released in between; an empty name is fine then.
		holder, _ := l.client.Get(ctx, key(branchID)).Result()
		return nil, &tenant.BusyError{TenantID: branchID, Holder: holder}
	}

	refreshCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	le := &lease{
		locker:   l,
		branchID: branchID,
		token:    token,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go le.keepAlive(refreshCtx)
	return le, nil
}

type lease struct {
	locker   *Locker
	branchID int64
	token    string

	once   sync.Once
	cancel context.CancelFunc
	done   chan struct{}

	mu   sync.Mutex
	lost bool
}

// keepAlive extends the TTL every third of it until the lease is released or the lock
// is found to belong to someone else.
func (le *lease) keepAlive(ctx context.Context) {
	defer close(le.done)

	ticker := time.NewTicker(le.locker.ttl / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := refreshScript.Run(ctx, le.locker.client,
				[]string{key(le.branchID)}, le.token, le.locker.ttl.Milliseconds()).Int64()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				le.locker.logger.Warn(ctx, "failed to refresh branch lock", "branch_id", le.branchID, "error", err)
				continue
			}
			if n == 0 {
				le.mu.Lock()
				le.lost = true
				le.mu.Unlock()
				le.locker.logger.Error(ctx, "branch lock lost", "branch_id", le.branchID)
				return
			}
		}
	}
}

func (le *lease) Release(ctx context.Context) error {
	var err error
	le.once.Do(func() {
		le.cancel()
		<-le.done

		var n int64
		n, err = releaseScript.Run(ctx, le.locker.client, []string{key(le.branchID)}, le.token).Int64()
		if err != nil {
			err = fmt.Errorf("releasing lock for branch %d: %w", le.branchID, err)
			return
		}

		le.mu.Lock()
		lost := le.lost
		le.mu.Unlock()
		if n == 0 || lost {
			err = fmt.Errorf("branch %d: %w", le.branchID, ErrLockLost)
		}
	})
	return err
}
