// Package lock serializes reconciliation work per game server.
//
// A lock is a lease: it is held for a bounded TTL and lapses on its own when
// the holder dies. Re-acquiring a held lock refreshes the lease.
package lock

import (
	"context"
	"errors"
	"time"
)

// ErrLeaseLost is returned when a lease lapsed and was taken by another owner mid pass.
var ErrLeaseLost = errors.New("processing lease lost")

// Guard grants per-server processing leases.
type Guard interface {
	// Acquire takes or refreshes the lease of serverID for owner.
	// It returns false without error when another owner holds an unexpired lease.
	Acquire(ctx context.Context, serverID, owner string) (bool, error)
	// Release drops the lease if owner still holds it.
	Release(ctx context.Context, serverID, owner string) error
}

// DefaultRetry is the polling interval used by AcquireWithin.
const DefaultRetry = 250 * time.Millisecond

// AcquireWithin polls g until the lease is granted or wait elapses.
// Contention is not an error: a lease that stays taken returns false, nil.
func AcquireWithin(ctx context.Context, g Guard, serverID, owner string, wait, retry time.Duration) (bool, error) {
	if retry <= 0 {
		retry = DefaultRetry
	}

	deadline := time.Now().Add(wait)
	for {
		ok, err := g.Acquire(ctx, serverID, owner)
		if err != nil || ok {
			return ok, err
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false, nil
		}

		timer := time.NewTimer(min(retry, remaining))
		select {
		case <-ctx.Done():
			timer.Stop()
			return false, ctx.Err()
		case <-timer.C:
		}
	}
}
