// Package maintenance provide one-shot tools for cleaning the database and checking servers
package maintenance

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/woozymasta/zorp/internal/config"
	"github.com/woozymasta/zorp/internal/game"
	"github.com/woozymasta/zorp/internal/monitor"
)

// Store is the persistence the maintenance tasks need.
type Store interface {
	monitor.ExpiryStore
	PruneAttempts(ctx context.Context, cutoff time.Time) (int64, error)
	PruneResolvedFindings(ctx context.Context, cutoff time.Time) (int64, error)
	ExpireLocks(ctx context.Context, now time.Time) (int64, error)
}

// Actor is recorded on events written by maintenance tasks.
const Actor = "maintenance"

// Run checks if any maintenance flags are set and executes the corresponding tasks.
// Returns true if a maintenance task was executed (indicating the program should exit).
func Run(ctx context.Context, cfg *config.Config, store Store, prober *game.Prober) bool {
	now := time.Now().UTC()

	switch {
	case cfg.Storage.ExpireZones:
		log.Info().Msg("Deleting expired zones...")
		n, err := monitor.ExpireZones(ctx, store, Actor, now)
		if err != nil {
			log.Error().Err(err).Msg("Failed to expire zones")
		} else {
			log.Info().Int("deleted", n).Msg("Expiry finished")
		}
		return true

	case cfg.Storage.PruneLogs != "":
		retention, err := cfg.Storage.PruneRetention()
		if err != nil {
			log.Error().Err(err).Msg("Invalid prune retention")
			return true
		}
		Prune(ctx, store, now, retention)
		return true

	case cfg.Storage.CheckServers:
		servers := make([]config.GameServer, 0, len(cfg.Servers))
		for _, srv := range cfg.Servers {
			if !srv.Disabled {
				servers = append(servers, srv)
			}
		}

		if len(servers) == 0 {
			log.Info().Msg("No servers configured for check")
			return true
		}

		log.Info().Int("count", len(servers)).Msg("Starting server check with 10 workers...")
		results := CheckServers(servers, prober)
		for _, srv := range servers {
			st := results[srv.ID]
			log.Info().
				Str("server", srv.ID).
				Bool("reachable", st.Reachable).
				Str("name", st.Name).
				Str("map", st.Map).
				Int("players", st.Players).
				Int("max_players", st.MaxPlayers).
				Str("error", st.Error).
				Msg("Server checked")
		}
		log.Info().Msg("Maintenance task completed")
		return true
	}

	return false
}

// Prune deletes RCON attempts and resolved findings older than retention, and expired lock rows.
func Prune(ctx context.Context, store Store, now time.Time, retention time.Duration) {
	cutoff := now.Add(-retention)
	log.Info().Time("cutoff", cutoff).Msg("Pruning logs...")

	if n, err := store.PruneAttempts(ctx, cutoff); err != nil {
		log.Error().Err(err).Msg("Failed to prune attempts")
	} else {
		log.Info().Int64("deleted", n).Msg("Attempts pruned")
	}

	if n, err := store.PruneResolvedFindings(ctx, cutoff); err != nil {
		log.Error().Err(err).Msg("Failed to prune findings")
	} else {
		log.Info().Int64("deleted", n).Msg("Resolved findings pruned")
	}

	if n, err := store.ExpireLocks(ctx, now); err != nil {
		log.Error().Err(err).Msg("Failed to drop expired locks")
	} else {
		log.Info().Int64("deleted", n).Msg("Expired locks dropped")
	}
}

// CheckServers probes servers with a pool of 10 workers and returns the results by server id.
func CheckServers(servers []config.GameServer, prober *game.Prober) map[string]game.Status {
	const workers = 10
	jobs := make(chan config.GameServer, len(servers))

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results = make(map[string]game.Status, len(servers))
	)

	// Start workers
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for srv := range jobs {
				st := prober.Probe(srv)
				mu.Lock()
				results[srv.ID] = st
				mu.Unlock()
			}
		}()
	}

	// Send jobs
	for _, srv := range servers {
		jobs <- srv
	}
	close(jobs)

	wg.Wait()

	return results
}
