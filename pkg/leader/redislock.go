package leader

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisLock implements LeaderService as a per-role SET NX PX lock in
// Redis, periodically renewed by a background goroutine. Many proxycore
// instances pointed at one Redis will converge on exactly one leader per
// role, satisfying ProxySharingScaler's "at most one scaler ever mutates
// the pool for a given spec at a time" requirement without requiring the
// store layer itself to provide distributed locking.
type RedisLock struct {
	client     *redis.Client
	instanceID string
	ttl        time.Duration
	renewEvery time.Duration
	keyPrefix  string

	mu      sync.RWMutex
	holding map[string]bool

	once   sync.Once
	cancel context.CancelFunc
}

// NewRedisLock creates a RedisLock. ttl should comfortably exceed
// renewEvery (a 3-5x margin is typical) so a renew delayed by GC pause or
// network jitter does not cause a spurious leadership flap.
func NewRedisLock(client *redis.Client, ttl, renewEvery time.Duration) *RedisLock {
	if ttl <= 0 {
		ttl = 15 * time.Second
	}
	if renewEvery <= 0 {
		renewEvery = 5 * time.Second
	}
	return &RedisLock{
		client:     client,
		instanceID: uuid.NewString(),
		ttl:        ttl,
		renewEvery: renewEvery,
		keyPrefix:  "proxycore:leader:",
		holding:    make(map[string]bool),
	}
}

// Run starts the background acquire/renew loop for role and blocks until
// ctx is cancelled. Call it once per role from its own goroutine.
func (l *RedisLock) Run(ctx context.Context, role string) {
	ticker := time.NewTicker(l.renewEvery)
	defer ticker.Stop()

	l.tryAcquireOrRenew(ctx, role)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.tryAcquireOrRenew(ctx, role)
		}
	}
}

const renewScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`

func (l *RedisLock) tryAcquireOrRenew(ctx context.Context, role string) {
	key := l.keyPrefix + role
	ok, err := l.client.SetNX(ctx, key, l.instanceID, l.ttl).Result()
	if err != nil {
		slog.Warn("leader: redis acquire failed", "role", role, "error", err)
		l.setHolding(role, false)
		return
	}
	if ok {
		l.setHolding(role, true)
		return
	}

	renewed, err := l.client.Eval(ctx, renewScript, []string{key}, l.instanceID, l.ttl.Milliseconds()).Result()
	if err != nil {
		slog.Warn("leader: redis renew failed", "role", role, "error", err)
		l.setHolding(role, false)
		return
	}
	l.setHolding(role, renewed == int64(1))
}

func (l *RedisLock) setHolding(role string, holding bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.holding[role] = holding
}

func (l *RedisLock) IsLeader(_ context.Context, role string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.holding[role]
}

var _ LeaderService = (*RedisLock)(nil)
