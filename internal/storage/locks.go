package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/woozymasta/zorp/internal/models"
)

// AcquireLock takes or refreshes the processing lock of a server in a single statement.
// The row is written only when it is absent, expired or already owned by owner.
// prev holds the lock that was replaced, nil when there was none.
func (r *Repository) AcquireLock(ctx context.Context, serverID, owner string, now time.Time, ttl time.Duration) (ok bool, prev *models.Lock, err error) {
	// prev is informational only; the upsert below decides ownership
	current, err := getLock(ctx, r.db, serverID)
	switch {
	case err == nil:
		prev = &current
	case !errors.Is(err, ErrNotFound):
		return false, nil, err
	}

	res, err := r.db.ExecContext(ctx, `
		INSERT INTO processing_locks (server_id, owner, acquired_at, expires_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(server_id) DO UPDATE SET
			owner = excluded.owner,
			acquired_at = excluded.acquired_at,
			expires_at = excluded.expires_at
		WHERE processing_locks.expires_at <= excluded.acquired_at
			OR processing_locks.owner = excluded.owner`,
		serverID, owner, toMillis(now), toMillis(now.Add(ttl)),
	)
	if err != nil {
		return false, prev, err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, prev, err
	}

	return n > 0, prev, nil
}

// ReleaseLock drops the lock if it is still owned by owner.
func (r *Repository) ReleaseLock(ctx context.Context, serverID, owner string) (bool, error) {
	res, err := r.db.ExecContext(ctx, "DELETE FROM processing_locks WHERE server_id = ? AND owner = ?", serverID, owner)
	if err != nil {
		return false, err
	}

	n, err := res.RowsAffected()
	return n > 0, err
}

// GetLock returns the lock row of a server, expired or not.
func (r *Repository) GetLock(ctx context.Context, serverID string) (models.Lock, error) {
	return getLock(ctx, r.db, serverID)
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getLock(ctx context.Context, db queryRower, serverID string) (models.Lock, error) {
	var (
		l                   models.Lock
		acquired, expiresAt int64
	)

	err := db.QueryRowContext(ctx, "SELECT server_id, owner, acquired_at, expires_at FROM processing_locks WHERE server_id = ?", serverID).
		Scan(&l.ServerID, &l.Owner, &acquired, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return l, ErrNotFound
	} else if err != nil {
		return l, err
	}

	l.AcquiredAt = fromMillis(acquired)
	l.ExpiresAt = fromMillis(expiresAt)

	return l, nil
}
