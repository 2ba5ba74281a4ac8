package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/woozymasta/zorp/internal/models"
	"github.com/woozymasta/zorp/internal/names"
)

const presenceColumns = `server_id, player_key, display_name, online, last_seen_at, last_online_at, last_offline_at`

func scanPresence(row rowScanner) (models.Presence, error) {
	var (
		p                       models.Presence
		key                     string
		online                  int
		lastSeen                int64
		lastOnline, lastOffline sql.NullInt64
	)

	if err := row.Scan(&p.ServerID, &key, &p.DisplayName, &online, &lastSeen, &lastOnline, &lastOffline); err != nil {
		return p, err
	}

	p.PlayerKey = names.Key(key)
	p.Online = online != 0
	p.LastSeenAt = fromMillis(lastSeen)
	p.LastOnlineAt = timePtr(lastOnline)
	p.LastOfflineAt = timePtr(lastOffline)

	return p, nil
}

// GetPresence returns the presence row of a player on a server.
func (r *Repository) GetPresence(ctx context.Context, serverID string, key names.Key) (models.Presence, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+presenceColumns+" FROM player_presence WHERE server_id = ? AND player_key = ?", serverID, string(key))

	p, err := scanPresence(row)
	if errors.Is(err, sql.ErrNoRows) {
		return p, ErrNotFound
	}

	return p, err
}

// ListOnline returns the players currently marked online on a server.
func (r *Repository) ListOnline(ctx context.Context, serverID string) ([]models.Presence, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT "+presenceColumns+" FROM player_presence WHERE server_id = ? AND online = 1 ORDER BY player_key", serverID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var list []models.Presence
	for rows.Next() {
		p, err := scanPresence(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, p)
	}

	return list, rows.Err()
}

// PresenceUpdate computes the next presence row from the stored one (nil when absent).
// It returns false when nothing has to be written.
type PresenceUpdate func(prev *models.Presence) (next models.Presence, write bool)

// UpdatePresence runs a read-modify-write of one presence row in a single transaction.
// When the written row carries a new edge, the owner's zones on that server receive
// the same last_online_at / last_offline_at.
func (r *Repository) UpdatePresence(ctx context.Context, serverID string, key names.Key, update PresenceUpdate) (prev *models.Presence, next models.Presence, err error) {
	err = r.inTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, "SELECT "+presenceColumns+" FROM player_presence WHERE server_id = ? AND player_key = ?", serverID, string(key))
		stored, err := scanPresence(row)
		switch {
		case err == nil:
			prev = &stored
		case errors.Is(err, sql.ErrNoRows):
			prev = nil
		default:
			return fmt.Errorf("reading presence: %w", err)
		}

		var write bool
		next, write = update(prev)
		if !write {
			return nil
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO player_presence (`+presenceColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(server_id, player_key) DO UPDATE SET
				display_name = excluded.display_name,
				online = excluded.online,
				last_seen_at = excluded.last_seen_at,
				last_online_at = excluded.last_online_at,
				last_offline_at = excluded.last_offline_at`,
			serverID, string(key), next.DisplayName, boolInt(next.Online), toMillis(next.LastSeenAt),
			nullMillis(next.LastOnlineAt), nullMillis(next.LastOfflineAt),
		)
		if err != nil {
			return fmt.Errorf("writing presence: %w", err)
		}

		if prev != nil && prev.Online == next.Online {
			return nil
		}

		edgeAt := toMillis(next.LastSeenAt)
		column := "last_offline_at"
		if next.Online {
			column = "last_online_at"
		}

		_, err = tx.ExecContext(ctx,
			"UPDATE zones SET "+column+" = ?, updated_at = ? WHERE server_id = ? AND owner_key = ?",
			edgeAt, edgeAt, serverID, string(key),
		)
		if err != nil {
			return fmt.Errorf("copying presence edge to zones: %w", err)
		}

		return nil
	})

	return prev, next, err
}
