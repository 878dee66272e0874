// Package lock provides a Redis-backed mutual exclusion primitive used
// to serialize per-group write sequences (recommendation submission and
// event overlap checks).
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	// ErrBusy is returned when the acquire budget is exhausted without
	// obtaining the lock.
	ErrBusy = errors.New("lock busy")

	// ErrNotHeld is returned when releasing a lock whose token no
	// longer matches (expired and possibly re-acquired elsewhere).
	ErrNotHeld = errors.New("lock not held")
)

// Options tune acquisition behavior.
type Options struct {
	TTL            time.Duration // auto-expiry so a crashed holder cannot wedge the key
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	AcquireBudget  time.Duration // total time spent retrying before ErrBusy
}

// DefaultOptions mirrors the submission contract: retries start at
// 100ms, double up to 2s, and give up after roughly 10s.
func DefaultOptions() Options {
	return Options{
		TTL:            30 * time.Second,
		BackoffInitial: 100 * time.Millisecond,
		BackoffMax:     2 * time.Second,
		AcquireBudget:  10 * time.Second,
	}
}

// Locker acquires key-scoped locks against a shared Redis instance.
type Locker struct {
	client *redis.Client
	opts   Options
}

// New builds a Locker. Zero option fields fall back to defaults.
func New(client *redis.Client, opts Options) *Locker {
	def := DefaultOptions()
	if opts.TTL <= 0 {
		opts.TTL = def.TTL
	}
	if opts.BackoffInitial <= 0 {
		opts.BackoffInitial = def.BackoffInitial
	}
	if opts.BackoffMax <= 0 {
		opts.BackoffMax = def.BackoffMax
	}
	if opts.AcquireBudget <= 0 {
		opts.AcquireBudget = def.AcquireBudget
	}
	return &Locker{client: client, opts: opts}
}

// Lease is a held lock. Release it exactly once, typically deferred
// immediately after a successful Acquire.
type Lease struct {
	client *redis.Client
	key    string
	token  string
}

// TryAcquire attempts a single SET NX without retrying.
func (l *Locker) TryAcquire(ctx context.Context, key string) (*Lease, bool, error) {
	token := uuid.New().String()
	ok, err := l.client.SetNX(ctx, key, token, l.opts.TTL).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}
	return &Lease{client: l.client, key: key, token: token}, true, nil
}

// Acquire obtains the lock, retrying with exponential backoff until the
// acquire budget runs out. Returns ErrBusy when contention wins.
func (l *Locker) Acquire(ctx context.Context, key string) (*Lease, error) {
	deadline := time.Now().Add(l.opts.AcquireBudget)
	backoff := l.opts.BackoffInitial

	for {
		lease, ok, err := l.TryAcquire(ctx, key)
		if err != nil {
			return nil, err
		}
		if ok {
			return lease, nil
		}
		if time.Now().Add(backoff).After(deadline) {
			return nil, ErrBusy
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		if backoff *= 2; backoff > l.opts.BackoffMax {
			backoff = l.opts.BackoffMax
		}
	}
}

// releaseScript deletes the key only while our token still owns it, so
// an expired lock re-acquired by another holder is never clobbered.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`)

// Release frees the lock if this lease still holds it.
func (le *Lease) Release(ctx context.Context) error {
	result, err := releaseScript.Run(ctx, le.client, []string{le.key}, le.token).Int()
	if err != nil {
		return fmt.Errorf("release lock %s: %w", le.key, err)
	}
	if result == 0 {
		return ErrNotHeld
	}
	return nil
}

// Token exposes the per-acquisition token, mainly for tests.
func (le *Lease) Token() string {
	return le.token
}
