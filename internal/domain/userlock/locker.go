// Package userlock serializes negotiations per operator. At most one
// negotiation may hold the lock for a given key at a time; waiters poll at a
// fixed interval until the holder releases or the wait budget runs out.
package userlock

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/chat-warden/chatwarden/internal/adapter/outbound/kvstore"
)

// DefaultPollInterval is the lock acquisition polling interval.
const DefaultPollInterval = 200 * time.Millisecond

// ErrTimeout means the lock was not acquired within the wait budget.
var ErrTimeout = errors.New("user lock: acquisition timed out")

// Locker acquires and releases per-operator locks backed by the shared
// state store. Lock tokens are advisory: a token left behind by a crashed
// holder expires on its own and is force-cleared by the next waiter.
type Locker struct {
	store        *kvstore.Store
	pollInterval time.Duration
	logger       *slog.Logger
}

// New creates a Locker. pollInterval <= 0 selects DefaultPollInterval.
func New(store *kvstore.Store, pollInterval time.Duration, logger *slog.Logger) *Locker {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	return &Locker{store: store, pollInterval: pollInterval, logger: logger}
}

// Acquire blocks until the lock for key is claimed or wait elapses, and
// returns an idempotent release function. hold bounds how long the token
// stays valid if the holder crashes; it should cover the holder's own
// deadline. Returns ErrTimeout when wait runs out first.
func (l *Locker) Acquire(ctx context.Context, key string, wait, hold time.Duration) (func(), error) {
	holder := []byte(time.Now().UTC().Format(time.RFC3339Nano))
	deadline := time.Now().Add(wait)

	for {
		got, err := l.store.TryAcquire(ctx, kvstore.BucketLock, key, holder, hold)
		if err != nil {
			// Store errors are advisory; keep polling within the budget.
			l.logger.Warn("lock acquire attempt failed", "key", key, "error", err)
		}
		if got {
			var once sync.Once
			release := func() {
				once.Do(func() {
					if err := l.store.Delete(context.Background(), kvstore.BucketLock, key); err != nil {
						// Advisory state: the token expires on its own.
						l.logger.Warn("lock release failed", "key", key, "error", err)
					}
				})
			}
			return release, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, ErrTimeout
		}

		sleep := l.pollInterval
		if sleep > remaining {
			sleep = remaining
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(sleep):
		}
	}
}
