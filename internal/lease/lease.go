// Package lease provides a Redis-backed mutual exclusion lease so that only
// one service replica runs a periodic job at a time.
package lease

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// ErrNotHeld is returned when releasing a lease that expired or was taken over.
var ErrNotHeld = errors.New("lease not held")

// only the holder's token may delete or extend the key
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// Locker hands out leases on a single key
type Locker struct {
	client redis.Cmdable
	key    string
	ttl    time.Duration
}

// Lease is a held lock. It expires on its own after the TTL.
type Lease struct {
	locker *Locker
	token  string
}

// NewLocker creates a Locker for key. ttl bounds how long a crashed holder
// can block others.
func NewLocker(client redis.Cmdable, key string, ttl time.Duration) *Locker {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Locker{client: client, key: key, ttl: ttl}
}

// Acquire tries once to take the lease. A nil lease with a nil error means
// someone else holds it.
func (l *Locker) Acquire(ctx context.Context) (*Lease, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lease %s: %w", l.key, err)
	}
	if !ok {
		return nil, nil
	}
	return &Lease{locker: l, token: token}, nil
}

// TryRun runs fn while holding the lease. It returns false without running
// fn when another holder has it.
func (l *Locker) TryRun(ctx context.Context, fn func(ctx context.Context)) (bool, error) {
	held, err := l.Acquire(ctx)
	if err != nil {
		return false, err
	}
	if held == nil {
		return false, nil
	}

	func() {
		defer held.keepAlive(ctx)()
		fn(ctx)
	}()

	// a lease that already expired is harmless here
	if err := held.Release(context.WithoutCancel(ctx)); err != nil && !errors.Is(err, ErrNotHeld) {
		return true, err
	}
	return true, nil
}

// keepAlive extends the lease every third of its TTL until the returned
// func is called. A lease that was lost is logged and left alone.
func (le *Lease) keepAlive(ctx context.Context) func() {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(le.locker.ttl / 3)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := le.Extend(ctx); err != nil {
					if ctx.Err() != nil {
						return
					}
					log.Warn().Err(err).Str("lease", le.locker.key).Msg("Failed to extend lease")
					if errors.Is(err, ErrNotHeld) {
						return
					}
				}
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}

// Extend pushes the expiry out by another TTL
func (le *Lease) Extend(ctx context.Context) error {
	n, err := extendScript.Run(ctx, le.locker.client, []string{le.locker.key}, le.token, le.locker.ttl.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("failed to extend lease %s: %w", le.locker.key, err)
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}

// Release gives the lease up if it is still ours
func (le *Lease) Release(ctx context.Context) error {
	n, err := releaseScript.Run(ctx, le.locker.client, []string{le.locker.key}, le.token).Int64()
	if err != nil {
		return fmt.Errorf("failed to release lease %s: %w", le.locker.key, err)
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}
