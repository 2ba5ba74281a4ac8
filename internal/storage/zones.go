package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/woozymasta/zorp/internal/models"
	"github.com/woozymasta/zorp/internal/names"
)

// ErrZoneExists is returned when a zone name is already registered.
var ErrZoneExists = errors.New("zone already exists")

const zoneColumns = `
	name, owner, owner_key, server_id, pos_x, pos_y, pos_z, size,
	color_online, color_yellow, color_offline, radiation, delay_ms, expire_ms,
	min_team, max_team, desired_state, applied_state, desired_changed_at, applied_at,
	last_online_at, last_offline_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanZone(row rowScanner) (models.Zone, error) {
	var (
		z                                  models.Zone
		ownerKey, desired, applied         string
		radiation                          int
		delayMs, expireMs                  int64
		desiredAt, createdAt, updatedAt    int64
		appliedAt, lastOnline, lastOffline sql.NullInt64
	)

	err := row.Scan(
		&z.Name, &z.Owner, &ownerKey, &z.ServerID, &z.Position.X, &z.Position.Y, &z.Position.Z, &z.Size,
		&z.Colors.Online, &z.Colors.Yellow, &z.Colors.Offline, &radiation, &delayMs, &expireMs,
		&z.MinTeam, &z.MaxTeam, &desired, &applied, &desiredAt, &appliedAt,
		&lastOnline, &lastOffline, &createdAt, &updatedAt,
	)
	if err != nil {
		return z, err
	}

	z.OwnerKey = names.Key(ownerKey)
	z.Radiation = radiation != 0
	z.Delay = time.Duration(delayMs) * time.Millisecond
	z.Expire = time.Duration(expireMs) * time.Millisecond
	z.State = models.StateSync{
		Desired:          models.State(desired),
		Applied:          models.State(applied),
		DesiredChangedAt: fromMillis(desiredAt),
		AppliedAt:        timePtr(appliedAt),
	}
	z.LastOnlineAt = timePtr(lastOnline)
	z.LastOfflineAt = timePtr(lastOffline)
	z.CreatedAt = fromMillis(createdAt)
	z.UpdatedAt = fromMillis(updatedAt)

	return z, nil
}

// CreateZone registers a new zone together with its zone_created event.
func (r *Repository) CreateZone(ctx context.Context, z models.Zone, actor string) error {
	return r.inTx(ctx, func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx, "SELECT 1 FROM zones WHERE name = ?", z.Name).Scan(&exists)
		if err == nil {
			return ErrZoneExists
		} else if !errors.Is(err, sql.ErrNoRows) {
			return err
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO zones (`+zoneColumns+`, current_state)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			z.Name, z.Owner, string(z.OwnerKey), z.ServerID, z.Position.X, z.Position.Y, z.Position.Z, z.Size,
			z.Colors.Online, z.Colors.Yellow, z.Colors.Offline, boolInt(z.Radiation), z.Delay.Milliseconds(), z.Expire.Milliseconds(),
			z.MinTeam, z.MaxTeam, string(z.State.Desired), string(z.State.Applied), toMillis(z.State.DesiredChangedAt), nullMillis(z.State.AppliedAt),
			nullMillis(z.LastOnlineAt), nullMillis(z.LastOfflineAt), toMillis(z.CreatedAt), toMillis(z.UpdatedAt),
			string(z.State.Applied),
		)
		if err != nil {
			return fmt.Errorf("inserting zone: %w", err)
		}

		return insertEvent(ctx, tx, models.ZoneEvent{
			ZoneName:  z.Name,
			ServerID:  z.ServerID,
			Type:      models.EventZoneCreated,
			NewState:  z.State.Desired,
			Actor:     actor,
			CreatedAt: z.CreatedAt,
		})
	})
}

// GetZone returns a zone by name.
func (r *Repository) GetZone(ctx context.Context, name string) (models.Zone, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+zoneColumns+" FROM zones WHERE name = ?", name)

	z, err := scanZone(row)
	if errors.Is(err, sql.ErrNoRows) {
		return z, ErrNotFound
	}

	return z, err
}

// ListZones returns the zones of a server ordered by name.
// When owners is not empty only zones of those owners are returned.
func (r *Repository) ListZones(ctx context.Context, serverID string, owners ...names.Key) ([]models.Zone, error) {
	query := "SELECT " + zoneColumns + " FROM zones WHERE 1=1"
	var args []any

	if serverID != "" {
		query += " AND server_id = ?"
		args = append(args, serverID)
	}

	if len(owners) > 0 {
		query += " AND owner_key IN (?" + strings.Repeat(", ?", len(owners)-1) + ")"
		for _, k := range owners {
			args = append(args, string(k))
		}
	}

	query += " ORDER BY name"

	return r.queryZones(ctx, query, args...)
}

// ExpiredZones returns zones whose lifetime ended at or before now.
func (r *Repository) ExpiredZones(ctx context.Context, now time.Time) ([]models.Zone, error) {
	return r.queryZones(ctx, "SELECT "+zoneColumns+" FROM zones WHERE expire_ms > 0 AND created_at + expire_ms <= ? ORDER BY name", toMillis(now))
}

func (r *Repository) queryZones(ctx context.Context, query string, args ...any) ([]models.Zone, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var zones []models.Zone
	for rows.Next() {
		z, err := scanZone(rows)
		if err != nil {
			return nil, err
		}
		zones = append(zones, z)
	}

	return zones, rows.Err()
}

// DeleteZone removes a zone and records why. Its audit history is kept.
func (r *Repository) DeleteZone(ctx context.Context, name string, reason models.EventType, actor string, at time.Time) error {
	return r.inTx(ctx, func(tx *sql.Tx) error {
		var serverID, applied string
		err := tx.QueryRowContext(ctx, "SELECT server_id, applied_state FROM zones WHERE name = ?", name).Scan(&serverID, &applied)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		} else if err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, "DELETE FROM zones WHERE name = ?", name); err != nil {
			return err
		}

		return insertEvent(ctx, tx, models.ZoneEvent{
			ZoneName:  name,
			ServerID:  serverID,
			Type:      reason,
			OldState:  models.State(applied),
			Actor:     actor,
			CreatedAt: at,
		})
	})
}

// SetDesired stores a new desired state. It reports false when the state was already current.
func (r *Repository) SetDesired(ctx context.Context, name string, state models.State, at time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE zones SET desired_state = ?, desired_changed_at = ?, updated_at = ?
		WHERE name = ? AND desired_state != ?`,
		string(state), toMillis(at), toMillis(at), name, string(state),
	)
	if err != nil {
		return false, err
	}

	n, err := res.RowsAffected()
	return n > 0, err
}
