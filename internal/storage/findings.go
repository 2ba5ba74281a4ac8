package storage

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/woozymasta/zorp/internal/models"
)

// OpenFinding records a finding unless an unresolved one exists for the same zone and check.
// It reports whether a new row was created.
func (r *Repository) OpenFinding(ctx context.Context, f models.Finding) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO health_findings (zone_name, server_id, check_type, severity, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		f.ZoneName, f.ServerID, string(f.Check), string(f.Severity), f.Detail, toMillis(f.CreatedAt),
	)
	if err != nil {
		return false, err
	}

	n, err := res.RowsAffected()
	return n > 0, err
}

// ResolveFinding timestamps the open finding of a zone and check, if any.
func (r *Repository) ResolveFinding(ctx context.Context, zone string, check models.CheckType, at time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		"UPDATE health_findings SET resolved_at = ? WHERE zone_name = ? AND check_type = ? AND resolved_at IS NULL",
		toMillis(at), zone, string(check),
	)
	if err != nil {
		return false, err
	}

	n, err := res.RowsAffected()
	return n > 0, err
}

// ResolveOrphanFindings resolves open findings of zones that no longer exist.
func (r *Repository) ResolveOrphanFindings(ctx context.Context, at time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE health_findings SET resolved_at = ?
		WHERE resolved_at IS NULL AND zone_name NOT IN (SELECT name FROM zones)`,
		toMillis(at),
	)
	if err != nil {
		return 0, err
	}

	return res.RowsAffected()
}

// ListFindings returns findings newest first, only unresolved ones when openOnly is set.
func (r *Repository) ListFindings(ctx context.Context, openOnly bool, checks ...models.CheckType) ([]models.Finding, error) {
	query := "SELECT id, zone_name, server_id, check_type, severity, detail, created_at, resolved_at FROM health_findings WHERE 1=1"
	var args []any

	if openOnly {
		query += " AND resolved_at IS NULL"
	}
	if len(checks) > 0 {
		query += " AND check_type IN (?" + strings.Repeat(", ?", len(checks)-1) + ")"
		for _, c := range checks {
			args = append(args, string(c))
		}
	}
	query += " ORDER BY id DESC"

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var list []models.Finding
	for rows.Next() {
		var (
			f               models.Finding
			check, severity string
			createdAt       int64
			resolvedAt      sql.NullInt64
		)

		if err := rows.Scan(&f.ID, &f.ZoneName, &f.ServerID, &check, &severity, &f.Detail, &createdAt, &resolvedAt); err != nil {
			return nil, err
		}

		f.Check = models.CheckType(check)
		f.Severity = models.Severity(severity)
		f.CreatedAt = fromMillis(createdAt)
		f.ResolvedAt = timePtr(resolvedAt)
		list = append(list, f)
	}

	return list, rows.Err()
}
