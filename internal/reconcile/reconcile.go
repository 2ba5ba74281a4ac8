// Package reconcile computes desired zone states and drives them to the applier.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/woozymasta/zorp/internal/applier"
	"github.com/woozymasta/zorp/internal/lock"
	"github.com/woozymasta/zorp/internal/models"
	"github.com/woozymasta/zorp/internal/names"
	"github.com/woozymasta/zorp/internal/storage"
)

// Desired returns the state a zone should show given its owner's presence at now.
// Online owners get green. Offline owners get yellow until the zone delay has
// elapsed since they went offline, then red.
func Desired(z models.Zone, p models.Presence, now time.Time) models.State {
	if p.Online {
		return models.StateGreen
	}

	offAt := p.LastSeenAt
	if p.LastOfflineAt != nil {
		offAt = *p.LastOfflineAt
	}

	if now.UTC().Sub(offAt.UTC()) < z.Delay {
		return models.StateYellow
	}

	return models.StateRed
}

// Store is the persistence the reconciler needs.
type Store interface {
	ListZones(ctx context.Context, serverID string, owners ...names.Key) ([]models.Zone, error)
	GetPresence(ctx context.Context, serverID string, key names.Key) (models.Presence, error)
	SetDesired(ctx context.Context, name string, state models.State, at time.Time) (bool, error)
	InsertEvent(ctx context.Context, ev models.ZoneEvent) error
}

// Applier pushes pending zones.
type Applier interface {
	Apply(ctx context.Context, z models.Zone) (applier.Result, error)
}

// Options tunes a Reconciler.
type Options struct {
	WorkerID  string
	LockWait  time.Duration
	LockRetry time.Duration
}

// Report summarizes one pass.
type Report struct {
	ServerID  string `json:"server_id"`
	Zones     int    `json:"zones"`
	Changed   int    `json:"changed"`
	Applied   int    `json:"applied"`
	Failed    int    `json:"failed"`
	Exhausted int    `json:"exhausted"`
	Errors    int    `json:"errors"`
	// Skipped is set when the server lock was held by another worker.
	Skipped bool `json:"skipped"`
	// LeaseLost is set when the lock was taken over before every zone was visited.
	LeaseLost bool `json:"lease_lost"`
}

// Reconciler runs passes for one server.
type Reconciler struct {
	store    Store
	guard    lock.Guard
	applier  Applier
	now      func() time.Time
	missing  map[string]struct{}
	serverID string
	opts     Options
	mu       sync.Mutex
}

// New creates a reconciler for serverID. A nil clock defaults to time.Now.
func New(serverID string, store Store, guard lock.Guard, ap Applier, opts Options, now func() time.Time) *Reconciler {
	if now == nil {
		now = time.Now
	}
	return &Reconciler{
		serverID: serverID,
		store:    store,
		guard:    guard,
		applier:  ap,
		opts:     opts,
		now:      now,
		missing:  make(map[string]struct{}),
	}
}

// Pass reconciles the server's zones, only those of owners when given.
// A lock that stays held past the short wait skips the pass without error.
func (r *Reconciler) Pass(ctx context.Context, owners ...names.Key) (Report, error) {
	rep := Report{ServerID: r.serverID}

	ok, err := lock.AcquireWithin(ctx, r.guard, r.serverID, r.opts.WorkerID, r.opts.LockWait, r.opts.LockRetry)
	if err != nil {
		return rep, fmt.Errorf("acquiring lock for %s: %w", r.serverID, err)
	}
	if !ok {
		rep.Skipped = true
		log.Debug().Str("server", r.serverID).Str("worker", r.opts.WorkerID).Msg("Server lock busy, skipping pass")
		return rep, nil
	}
	defer func() {
		if err := r.guard.Release(context.WithoutCancel(ctx), r.serverID, r.opts.WorkerID); err != nil {
			log.Warn().Err(err).Str("server", r.serverID).Msg("Failed to release server lock")
		}
	}()

	zones, err := r.store.ListZones(ctx, r.serverID, owners...)
	if err != nil {
		return rep, fmt.Errorf("listing zones for %s: %w", r.serverID, err)
	}
	rep.Zones = len(zones)

	for i, z := range zones {
		if ctx.Err() != nil {
			return rep, ctx.Err()
		}

		// keep the lease alive between zones; a lost lease ends the pass
		if i > 0 {
			held, err := r.guard.Acquire(ctx, r.serverID, r.opts.WorkerID)
			if err != nil {
				return rep, fmt.Errorf("refreshing lock for %s: %w", r.serverID, err)
			}
			if !held {
				rep.LeaseLost = true
				log.Warn().
					Str("server", r.serverID).
					Str("worker", r.opts.WorkerID).
					Int("remaining", len(zones)-i).
					Msg("Server lock lost during pass")
				return rep, lock.ErrLeaseLost
			}
		}

		r.zone(ctx, z, &rep)
	}

	if rep.Changed > 0 || rep.Failed > 0 || rep.Errors > 0 {
		log.Info().
			Str("server", r.serverID).
			Int("zones", rep.Zones).
			Int("changed", rep.Changed).
			Int("applied", rep.Applied).
			Int("failed", rep.Failed).
			Int("errors", rep.Errors).
			Msg("Reconciliation pass")
	}

	return rep, nil
}

// zone reconciles a single zone. Failures stay local to the zone.
func (r *Reconciler) zone(ctx context.Context, z models.Zone, rep *Report) {
	defer func() {
		if rec := recover(); rec != nil {
			rep.Errors++
			log.Error().Str("server", r.serverID).Str("zone", z.Name).Interface("panic", rec).Msg("Zone reconciliation panicked")
			r.event(ctx, z, models.EventZoneError, "", "", map[string]any{"panic": fmt.Sprint(rec)})
		}
	}()

	if err := r.reconcile(ctx, z, rep); err != nil {
		rep.Errors++
		log.Error().Err(err).Str("server", r.serverID).Str("zone", z.Name).Msg("Zone reconciliation failed")
	}
}

func (r *Reconciler) reconcile(ctx context.Context, z models.Zone, rep *Report) error {
	now := r.now().UTC()

	p, err := r.store.GetPresence(ctx, r.serverID, z.OwnerKey)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		r.presenceMissing(ctx, z)
	case err != nil:
		return fmt.Errorf("reading presence: %w", err)
	default:
		r.presenceFound(z.Name)

		state := Desired(z, p, now)
		if state != z.State.Desired {
			changed, err := r.store.SetDesired(ctx, z.Name, state, now)
			if err != nil {
				return fmt.Errorf("storing desired state: %w", err)
			}
			if changed {
				rep.Changed++
				r.event(ctx, z, models.EventDesiredChanged, z.State.Desired, state, map[string]any{
					"online":          p.Online,
					"last_offline_at": p.LastOfflineAt,
				})
				log.Info().
					Str("server", r.serverID).
					Str("zone", z.Name).
					Str("from", string(z.State.Desired)).
					Str("to", string(state)).
					Msg("Desired state changed")
				z.State.DesiredChangedAt = now
			}
			z.State.Desired = state
		}
	}

	if !z.State.Pending() {
		return nil
	}

	res, err := r.applier.Apply(ctx, z)
	switch {
	case errors.Is(err, applier.ErrExhausted):
		rep.Exhausted++
	case err != nil:
		rep.Failed++
	case res.Applied:
		rep.Applied++
	}

	return nil
}

// presenceMissing records a zone without a presence row once until the row appears.
func (r *Reconciler) presenceMissing(ctx context.Context, z models.Zone) {
	r.mu.Lock()
	_, seen := r.missing[z.Name]
	r.missing[z.Name] = struct{}{}
	r.mu.Unlock()

	if seen {
		return
	}

	log.Warn().Str("server", r.serverID).Str("zone", z.Name).Str("owner", z.Owner).Msg("Zone owner has no presence record")
	r.event(ctx, z, models.EventPresenceMissing, "", "", map[string]any{
		"owner":     z.Owner,
		"owner_key": z.OwnerKey,
	})
}

func (r *Reconciler) presenceFound(zone string) {
	r.mu.Lock()
	delete(r.missing, zone)
	r.mu.Unlock()
}

func (r *Reconciler) event(ctx context.Context, z models.Zone, t models.EventType, from, to models.State, detail map[string]any) {
	err := r.store.InsertEvent(context.WithoutCancel(ctx), models.ZoneEvent{
		ZoneName:  z.Name,
		ServerID:  z.ServerID,
		Type:      t,
		OldState:  from,
		NewState:  to,
		Actor:     r.opts.WorkerID,
		Detail:    storage.EventDetail(detail),
		CreatedAt: r.now().UTC(),
	})
	if err != nil {
		log.Error().Err(err).Str("zone", z.Name).Str("event", string(t)).Msg("Failed to record zone event")
	}
}
