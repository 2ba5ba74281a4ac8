package storage

import (
	"context"
	"time"
)

// PruneAttempts deletes attempt log rows created before cutoff.
func (r *Repository) PruneAttempts(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, "DELETE FROM rcon_attempts WHERE created_at < ?", toMillis(cutoff))
	if err != nil {
		return 0, err
	}

	return res.RowsAffected()
}

// PruneResolvedFindings deletes findings resolved before cutoff. Open findings are kept.
func (r *Repository) PruneResolvedFindings(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, "DELETE FROM health_findings WHERE resolved_at IS NOT NULL AND resolved_at < ?", toMillis(cutoff))
	if err != nil {
		return 0, err
	}

	return res.RowsAffected()
}

// ExpireLocks removes lock rows that expired before now.
func (r *Repository) ExpireLocks(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, "DELETE FROM processing_locks WHERE expires_at <= ?", toMillis(now))
	if err != nil {
		return 0, err
	}

	return res.RowsAffected()
}
