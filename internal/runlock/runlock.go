// Package runlock keeps two sync or reconcile runs from touching the same
// database at once, using a Redis key shared by every host.
package runlock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lherron/cardsync/internal/id"
)

// DefaultTTL bounds how long a crashed run can keep the lock
const DefaultTTL = 2 * time.Hour

const keyPrefix = "cardsync:lock:"

// ErrHeld is returned when another run owns the lock
var ErrHeld = errors.New("another run holds the lock")

// Deletes the key only if it still carries our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Locker hands out named leases. A nil or unconfigured Locker grants every
// lease without coordination.
type Locker struct {
	client *redis.Client
	ttl    time.Duration
}

// New wraps an existing client
func New(client *redis.Client, ttl time.Duration) *Locker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Locker{client: client, ttl: ttl}
}

// Open connects to the Redis server at url. An empty url yields a
// Locker that does no locking.
func Open(url string, ttl time.Duration) (*Locker, error) {
	if url == "" {
		return New(nil, ttl), nil
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	return New(redis.NewClient(opts), ttl), nil
}

// Enabled reports whether leases are coordinated through Redis.
func (l *Locker) Enabled() bool { return l != nil && l.client != nil }

// Close releases the client
func (l *Locker) Close() error {
	if !l.Enabled() {
		return nil
	}
	return l.client.Close()
}

// Lease is a held lock
type Lease struct {
	locker *Locker
	key    string
	token  string
}

// Acquire takes the named lock or fails with ErrHeld.
func (l *Locker) Acquire(ctx context.Context, name string) (*Lease, error) {
	if !l.Enabled() {
		return &Lease{}, nil
	}
	lease := &Lease{locker: l, key: keyPrefix + name, token: id.New()}
	ok, err := l.client.SetNX(ctx, lease.key, lease.token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock %s: %w", name, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrHeld, name)
	}
	return lease, nil
}

// Release drops the lock if this lease still owns it. Releasing an
// expired or stolen lease is not an error.
func (le *Lease) Release(ctx context.Context) error {
	if le == nil || le.locker == nil {
		return nil
	}
	if err := releaseScript.Run(ctx, le.locker.client, []string{le.key}, le.token).Err(); err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	return nil
}
