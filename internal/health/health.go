// Package health audits zones for states that stopped converging.
package health

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/woozymasta/zorp/internal/models"
	"github.com/woozymasta/zorp/internal/names"
)

// Store is the persistence the monitor needs.
type Store interface {
	ListZones(ctx context.Context, serverID string, owners ...names.Key) ([]models.Zone, error)
	RecentAttempts(ctx context.Context, zone string, n int) ([]models.RconAttempt, error)
	LastAppliedAt(ctx context.Context, zone string) (time.Time, error)
	OpenFinding(ctx context.Context, f models.Finding) (bool, error)
	ResolveFinding(ctx context.Context, zone string, check models.CheckType, at time.Time) (bool, error)
	ResolveOrphanFindings(ctx context.Context, at time.Time) (int64, error)
}

// Options holds the check thresholds.
type Options struct {
	// StuckAfter is how long desired may differ from applied.
	StuckAfter time.Duration
	// IdleWindow is the window in which a presence edge must produce an applied transition.
	IdleWindow time.Duration
	// FailureThreshold is the number of consecutive failed attempts that raise a finding.
	FailureThreshold int
}

// Report summarizes a sweep.
type Report struct {
	Zones    int
	Opened   int
	Resolved int
	Errors   int
}

// Monitor runs health sweeps.
type Monitor struct {
	store Store
	opts  Options
}

// New creates a monitor.
func New(store Store, opts Options) *Monitor {
	if opts.FailureThreshold < 1 {
		opts.FailureThreshold = 1
	}
	return &Monitor{store: store, opts: opts}
}

type verdict struct {
	detail   string
	severity models.Severity
	check    models.CheckType
	raised   bool
}

// Sweep evaluates every zone and opens or resolves findings accordingly.
func (m *Monitor) Sweep(ctx context.Context, now time.Time) (Report, error) {
	now = now.UTC()
	var rep Report

	zones, err := m.store.ListZones(ctx, "")
	if err != nil {
		return rep, fmt.Errorf("listing zones: %w", err)
	}
	rep.Zones = len(zones)

	for _, z := range zones {
		if ctx.Err() != nil {
			return rep, ctx.Err()
		}

		verdicts, err := m.evaluate(ctx, z, now)
		if err != nil {
			rep.Errors++
			log.Error().Err(err).Str("zone", z.Name).Msg("Health check failed")
			continue
		}

		for _, v := range verdicts {
			if err := m.record(ctx, z, v, now, &rep); err != nil {
				rep.Errors++
				log.Error().Err(err).Str("zone", z.Name).Str("check", string(v.check)).Msg("Failed to store finding")
			}
		}
	}

	orphans, err := m.store.ResolveOrphanFindings(ctx, now)
	if err != nil {
		return rep, fmt.Errorf("resolving orphan findings: %w", err)
	}
	rep.Resolved += int(orphans)

	return rep, nil
}

func (m *Monitor) evaluate(ctx context.Context, z models.Zone, now time.Time) ([]verdict, error) {
	verdicts := make([]verdict, 0, 3)

	stuck := verdict{check: models.CheckStuck, severity: models.SeverityWarning}
	if lag := now.Sub(z.State.DesiredChangedAt); z.State.Pending() && lag > m.opts.StuckAfter {
		stuck.raised = true
		stuck.detail = fmt.Sprintf("desired %s, applied %q for %s", z.State.Desired, z.State.Applied, lag.Truncate(time.Second))
	}
	verdicts = append(verdicts, stuck)

	idle := verdict{check: models.CheckNoTransition, severity: models.SeverityCritical}
	edge := lastEdge(z)
	if !edge.IsZero() && now.Sub(edge) <= m.opts.IdleWindow && now.Sub(edge) > m.opts.StuckAfter &&
		now.Sub(z.CreatedAt) >= m.opts.IdleWindow {
		applied, err := m.store.LastAppliedAt(ctx, z.Name)
		if err != nil {
			return nil, fmt.Errorf("reading last transition: %w", err)
		}
		if applied.IsZero() || now.Sub(applied) > m.opts.IdleWindow {
			idle.raised = true
			idle.detail = fmt.Sprintf("presence edge at %s, no applied transition within %s", edge.Format(time.RFC3339), m.opts.IdleWindow)
		}
	}
	verdicts = append(verdicts, idle)

	failing := verdict{check: models.CheckRconFailure, severity: models.SeverityCritical}
	attempts, err := m.store.RecentAttempts(ctx, z.Name, m.opts.FailureThreshold)
	if err != nil {
		return nil, fmt.Errorf("reading attempts: %w", err)
	}
	if len(attempts) == m.opts.FailureThreshold && allFailed(attempts) {
		failing.raised = true
		failing.detail = fmt.Sprintf("%d consecutive failed attempts, last response: %s", len(attempts), attempts[0].Response)
	}
	verdicts = append(verdicts, failing)

	return verdicts, nil
}

func (m *Monitor) record(ctx context.Context, z models.Zone, v verdict, now time.Time, rep *Report) error {
	if !v.raised {
		resolved, err := m.store.ResolveFinding(ctx, z.Name, v.check, now)
		if err != nil {
			return err
		}
		if resolved {
			rep.Resolved++
			log.Info().Str("zone", z.Name).Str("check", string(v.check)).Msg("Health finding resolved")
		}
		return nil
	}

	created, err := m.store.OpenFinding(ctx, models.Finding{
		ZoneName:  z.Name,
		ServerID:  z.ServerID,
		Check:     v.check,
		Severity:  v.severity,
		Detail:    v.detail,
		CreatedAt: now,
	})
	if err != nil {
		return err
	}

	if created {
		rep.Opened++
		log.Warn().
			Str("server", z.ServerID).
			Str("zone", z.Name).
			Str("check", string(v.check)).
			Str("severity", string(v.severity)).
			Str("detail", v.detail).
			Msg("Health finding opened")
	}

	return nil
}

func lastEdge(z models.Zone) time.Time {
	var t time.Time
	if z.LastOnlineAt != nil {
		t = *z.LastOnlineAt
	}
	if z.LastOfflineAt != nil && z.LastOfflineAt.After(t) {
		t = *z.LastOfflineAt
	}
	return t
}

func allFailed(attempts []models.RconAttempt) bool {
	for _, a := range attempts {
		if a.Success {
			return false
		}
	}
	return true
}
