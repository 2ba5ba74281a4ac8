package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/woozymasta/zorp/internal/models"
)

func insertAttempt(ctx context.Context, db execer, a models.RconAttempt) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO rcon_attempts (zone_name, server_id, target_state, command, success, response, attempt, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ZoneName, a.ServerID, string(a.Target), a.Command, boolInt(a.Success), a.Response, a.Attempt, toMillis(a.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting rcon attempt: %w", err)
	}

	return nil
}

// InsertAttempt appends a failed (or unconfirmed) attempt record.
func (r *Repository) InsertAttempt(ctx context.Context, a models.RconAttempt) error {
	return insertAttempt(ctx, r.db, a)
}

// RecordSuccess logs a successful attempt and marks its target state as applied
// in the same transaction. The applied state follows what the game server
// confirmed even if desired moved on meanwhile; the next pass pushes the new one.
func (r *Repository) RecordSuccess(ctx context.Context, a models.RconAttempt, actor string) error {
	return r.inTx(ctx, func(tx *sql.Tx) error {
		if err := insertAttempt(ctx, tx, a); err != nil {
			return err
		}

		var oldApplied string
		err := tx.QueryRowContext(ctx, "SELECT applied_state FROM zones WHERE name = ?", a.ZoneName).Scan(&oldApplied)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		} else if err != nil {
			return err
		}

		at := toMillis(a.CreatedAt)
		_, err = tx.ExecContext(ctx,
			"UPDATE zones SET applied_state = ?, current_state = ?, applied_at = ?, updated_at = ? WHERE name = ?",
			string(a.Target), string(a.Target), at, at, a.ZoneName,
		)
		if err != nil {
			return fmt.Errorf("updating applied state: %w", err)
		}

		return insertEvent(ctx, tx, models.ZoneEvent{
			ZoneName:  a.ZoneName,
			ServerID:  a.ServerID,
			Type:      models.EventStateApplied,
			OldState:  models.State(oldApplied),
			NewState:  a.Target,
			Actor:     actor,
			Detail:    EventDetail(map[string]any{"attempt": a.Attempt, "command": a.Command}),
			CreatedAt: a.CreatedAt,
		})
	})
}

// CountAttempts returns the number of attempts for zone targeting state made at or
// after since, and the time of the latest one.
func (r *Repository) CountAttempts(ctx context.Context, zone string, target models.State, since time.Time) (int, time.Time, error) {
	var (
		n    int
		last sql.NullInt64
	)

	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(1), MAX(created_at) FROM rcon_attempts
		WHERE zone_name = ? AND target_state = ? AND created_at >= ?`,
		zone, string(target), toMillis(since),
	).Scan(&n, &last)
	if err != nil {
		return 0, time.Time{}, err
	}

	if !last.Valid {
		return n, time.Time{}, nil
	}

	return n, fromMillis(last.Int64), nil
}

// RecentAttempts returns the newest n attempts of a zone, newest first.
func (r *Repository) RecentAttempts(ctx context.Context, zone string, n int) ([]models.RconAttempt, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, zone_name, server_id, target_state, command, success, response, attempt, created_at
		FROM rcon_attempts WHERE zone_name = ? ORDER BY id DESC LIMIT ?`,
		zone, n,
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var list []models.RconAttempt
	for rows.Next() {
		var (
			a         models.RconAttempt
			target    string
			success   int
			createdAt int64
		)

		if err := rows.Scan(&a.ID, &a.ZoneName, &a.ServerID, &target, &a.Command, &success, &a.Response, &a.Attempt, &createdAt); err != nil {
			return nil, err
		}

		a.Target = models.State(target)
		a.Success = success != 0
		a.CreatedAt = fromMillis(createdAt)
		list = append(list, a)
	}

	return list, rows.Err()
}

// LastAppliedAt returns the time of the latest state_applied event on a zone, zero when none.
func (r *Repository) LastAppliedAt(ctx context.Context, zone string) (time.Time, error) {
	var last sql.NullInt64
	err := r.db.QueryRowContext(ctx,
		"SELECT MAX(created_at) FROM zone_events WHERE zone_name = ? AND event_type = ?",
		zone, string(models.EventStateApplied),
	).Scan(&last)
	if err != nil || !last.Valid {
		return time.Time{}, err
	}

	return fromMillis(last.Int64), nil
}
