package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/woozymasta/zorp/internal/health"
	"github.com/woozymasta/zorp/internal/models"
	"github.com/woozymasta/zorp/internal/names"
	"github.com/woozymasta/zorp/internal/reconcile"
)

// ErrUnknownServer is returned for events addressed to a server without a worker.
var ErrUnknownServer = errors.New("unknown server")

// Sweeper runs health sweeps.
type Sweeper interface {
	Sweep(ctx context.Context, now time.Time) (health.Report, error)
}

// ExpiryStore lists and deletes expired zones.
type ExpiryStore interface {
	ExpiredZones(ctx context.Context, now time.Time) ([]models.Zone, error)
	DeleteZone(ctx context.Context, name string, reason models.EventType, actor string, at time.Time) error
}

// SupervisorOptions tunes the supervisor-level sweeps.
type SupervisorOptions struct {
	Actor          string
	HealthInterval time.Duration
	ExpireInterval time.Duration
}

// Supervisor runs the server workers and the cross-server sweeps.
type Supervisor struct {
	health  Sweeper
	expiry  ExpiryStore
	workers map[string]*Worker
	now     func() time.Time
	opts    SupervisorOptions
	wg      sync.WaitGroup
}

// NewSupervisor creates a supervisor over workers. health and expiry may be nil.
func NewSupervisor(workers []*Worker, health Sweeper, expiry ExpiryStore, opts SupervisorOptions, now func() time.Time) *Supervisor {
	if now == nil {
		now = time.Now
	}

	m := make(map[string]*Worker, len(workers))
	for _, w := range workers {
		m[w.ServerID()] = w
	}

	return &Supervisor{workers: m, health: health, expiry: expiry, opts: opts, now: now}
}

// Start launches every worker and the sweep loop. Wait blocks until they return.
func (s *Supervisor) Start(ctx context.Context) {
	for _, w := range s.workers {
		s.wg.Add(1)
		go func(w *Worker) {
			defer s.wg.Done()
			w.Run(ctx)
		}(w)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop(ctx)
	}()

	log.Info().Int("servers", len(s.workers)).Msg("Supervisor started")
}

// Wait blocks until all workers stopped.
func (s *Supervisor) Wait() {
	s.wg.Wait()
}

// Dispatch routes a presence event to the worker of its server.
func (s *Supervisor) Dispatch(ev models.PresenceEvent) error {
	w, ok := s.workers[ev.ServerID]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownServer, ev.ServerID)
	}
	return w.Submit(ev)
}

// Reconcile runs a pass for serverID on its worker.
func (s *Supervisor) Reconcile(ctx context.Context, serverID string, owners ...names.Key) (reconcile.Report, error) {
	w, ok := s.workers[serverID]
	if !ok {
		return reconcile.Report{}, fmt.Errorf("%w: %q", ErrUnknownServer, serverID)
	}
	return w.Reconcile(ctx, owners...)
}

// Known reports whether serverID has a worker.
func (s *Supervisor) Known(serverID string) bool {
	_, ok := s.workers[serverID]
	return ok
}

func (s *Supervisor) loop(ctx context.Context) {
	var healthC, expireC <-chan time.Time
	if s.health != nil && s.opts.HealthInterval > 0 {
		t := time.NewTicker(s.opts.HealthInterval)
		defer t.Stop()
		healthC = t.C
	}
	if s.expiry != nil && s.opts.ExpireInterval > 0 {
		t := time.NewTicker(s.opts.ExpireInterval)
		defer t.Stop()
		expireC = t.C
	}

	for {
		select {
		case <-ctx.Done():
			return

		case <-healthC:
			rep, err := s.health.Sweep(ctx, s.now())
			if err != nil {
				if ctx.Err() == nil {
					log.Error().Err(err).Msg("Health sweep failed")
				}
				continue
			}
			log.Debug().
				Int("zones", rep.Zones).
				Int("opened", rep.Opened).
				Int("resolved", rep.Resolved).
				Int("errors", rep.Errors).
				Msg("Health sweep finished")

		case <-expireC:
			if _, err := ExpireZones(ctx, s.expiry, s.opts.Actor, s.now()); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Msg("Expiry sweep failed")
			}
		}
	}
}

// ExpireZones deletes every zone whose lifetime ended at now and returns how many were removed.
func ExpireZones(ctx context.Context, store ExpiryStore, actor string, now time.Time) (int, error) {
	zones, err := store.ExpiredZones(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("listing expired zones: %w", err)
	}

	var n int
	for _, z := range zones {
		if err := store.DeleteZone(ctx, z.Name, models.EventZoneExpired, actor, now); err != nil {
			log.Error().Err(err).Str("zone", z.Name).Msg("Failed to delete expired zone")
			continue
		}
		n++
		log.Info().
			Str("server", z.ServerID).
			Str("zone", z.Name).
			Time("expired_at", z.ExpiresAt()).
			Msg("Zone expired")
	}

	return n, nil
}
