package lock

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/woozymasta/zorp/internal/models"
)

// LeaseStore is the processing_locks persistence.
type LeaseStore interface {
	AcquireLock(ctx context.Context, serverID, owner string, now time.Time, ttl time.Duration) (bool, *models.Lock, error)
	ReleaseLock(ctx context.Context, serverID, owner string) (bool, error)
}

// SQLGuard keeps leases in the processing_locks table.
type SQLGuard struct {
	store LeaseStore
	now   func() time.Time
	ttl   time.Duration
}

// NewSQLGuard creates a table backed guard. A nil clock defaults to time.Now.
func NewSQLGuard(store LeaseStore, ttl time.Duration, now func() time.Time) *SQLGuard {
	if now == nil {
		now = time.Now
	}
	return &SQLGuard{store: store, ttl: ttl, now: now}
}

// Acquire implements Guard.
func (g *SQLGuard) Acquire(ctx context.Context, serverID, owner string) (bool, error) {
	now := g.now().UTC()

	ok, prev, err := g.store.AcquireLock(ctx, serverID, owner, now, g.ttl)
	if err != nil {
		return false, err
	}

	if ok && prev != nil && prev.Owner != owner {
		log.Warn().
			Str("server", serverID).
			Str("worker", owner).
			Str("stale_owner", prev.Owner).
			Time("expired_at", prev.ExpiresAt).
			Msg("Took over stale processing lock")
	}

	return ok, nil
}

// Release implements Guard.
func (g *SQLGuard) Release(ctx context.Context, serverID, owner string) error {
	released, err := g.store.ReleaseLock(ctx, serverID, owner)
	if err != nil {
		return err
	}

	if !released {
		log.Debug().Str("server", serverID).Str("worker", owner).Msg("Processing lock was not held on release")
	}

	return nil
}
