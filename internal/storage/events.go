package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/woozymasta/zorp/internal/models"
)

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertEvent(ctx context.Context, db execer, ev models.ZoneEvent) error {
	var detail sql.NullString
	if len(ev.Detail) > 0 {
		detail = sql.NullString{String: string(ev.Detail), Valid: true}
	}

	_, err := db.ExecContext(ctx, `
		INSERT INTO zone_events (zone_name, server_id, event_type, old_state, new_state, actor, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ZoneName, ev.ServerID, string(ev.Type), string(ev.OldState), string(ev.NewState), ev.Actor, detail, toMillis(ev.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting %s event: %w", ev.Type, err)
	}

	return nil
}

// InsertEvent appends an audit record.
func (r *Repository) InsertEvent(ctx context.Context, ev models.ZoneEvent) error {
	return insertEvent(ctx, r.db, ev)
}

// EventDetail marshals v for a ZoneEvent detail payload. Marshal errors yield nil.
func EventDetail(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}

// ListEvents returns the newest audit records first. An empty zone name lists all zones.
func (r *Repository) ListEvents(ctx context.Context, zone string, limit int) ([]models.ZoneEvent, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	query := "SELECT id, zone_name, server_id, event_type, old_state, new_state, actor, detail, created_at FROM zone_events"
	var args []any
	if zone != "" {
		query += " WHERE zone_name = ?"
		args = append(args, zone)
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var events []models.ZoneEvent
	for rows.Next() {
		var (
			ev                         models.ZoneEvent
			evType, oldState, newState string
			detail                     sql.NullString
			createdAt                  int64
		)

		if err := rows.Scan(&ev.ID, &ev.ZoneName, &ev.ServerID, &evType, &oldState, &newState, &ev.Actor, &detail, &createdAt); err != nil {
			return nil, err
		}

		ev.Type = models.EventType(evType)
		ev.OldState = models.State(oldState)
		ev.NewState = models.State(newState)
		if detail.Valid {
			ev.Detail = json.RawMessage(detail.String)
		}
		ev.CreatedAt = fromMillis(createdAt)

		events = append(events, ev)
	}

	return events, rows.Err()
}

// HasEvent reports whether zone has at least one event of type t.
func (r *Repository) HasEvent(ctx context.Context, zone string, t models.EventType) (bool, error) {
	var n int
	err := r.db.QueryRowContext(ctx, "SELECT COUNT(1) FROM zone_events WHERE zone_name = ? AND event_type = ?", zone, string(t)).Scan(&n)
	return n > 0, err
}
