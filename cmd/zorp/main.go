// main is the entry point of the Zorp zone daemon.
// It initializes the configuration, logger, database, processing lock, server workers, and the operator HTTP API.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/woozymasta/zorp/internal/applier"
	"github.com/woozymasta/zorp/internal/config"
	"github.com/woozymasta/zorp/internal/fake"
	"github.com/woozymasta/zorp/internal/game"
	"github.com/woozymasta/zorp/internal/health"
	"github.com/woozymasta/zorp/internal/lock"
	"github.com/woozymasta/zorp/internal/logger"
	"github.com/woozymasta/zorp/internal/maintenance"
	"github.com/woozymasta/zorp/internal/monitor"
	"github.com/woozymasta/zorp/internal/presence"
	"github.com/woozymasta/zorp/internal/rcon"
	"github.com/woozymasta/zorp/internal/reconcile"
	"github.com/woozymasta/zorp/internal/server"
	"github.com/woozymasta/zorp/internal/storage"
)

func main() {
	cfg := config.Parse()

	logger.Setup(cfg.Logger)

	workerID := cfg.Lock.WorkerID
	if workerID == "" {
		workerID = uuid.NewString()
	}
	log.Info().Str("worker", workerID).Int("servers", len(cfg.Servers)).Msg("Starting zorp service...")

	// Database
	store, err := storage.New(cfg.Storage.Path)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize database")
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Error().Err(err).Msg("Error closing database")
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	prober := game.NewProber(cfg.A2S, nil)

	// data generation or database maintenance
	if cfg.Storage.GenerateCount > 0 {
		fake.GenerateData(ctx, store, cfg.Servers, cfg.Storage.GenerateCount)
		return
	} else if maintenance.Run(ctx, cfg, store, prober) {
		return
	}

	guard, closeGuard := newGuard(ctx, cfg, store)
	defer closeGuard()

	tracker := presence.NewTracker(store, nil)

	var workers []*monitor.Worker
	var clients []*rcon.Client
	for _, srv := range cfg.Servers {
		if srv.Disabled {
			log.Info().Str("server", srv.ID).Msg("Server disabled, skipping")
			continue
		}

		client := rcon.New(rcon.Options{
			ServerID:    srv.ID,
			Host:        srv.Host,
			Port:        srv.RconPort,
			Password:    srv.RconPassword,
			Timeout:     cfg.RCON.Timeout,
			DialTimeout: cfg.RCON.DialTimeout,
			RateLimit:   cfg.RCON.RateLimit,
			RateBurst:   cfg.RCON.RateBurst,
		})
		clients = append(clients, client)

		ap := applier.New(store, client, applier.Options{
			Templates:      cfg.RCON.StateTemplates,
			FailureMarkers: cfg.RCON.FailureMarkers,
			Actor:          workerID,
			PassAttempts:   cfg.RCON.PassAttempts,
			MaxAttempts:    cfg.RCON.MaxAttempts,
			BackoffMin:     cfg.RCON.BackoffMin,
			BackoffMax:     cfg.RCON.BackoffMax,
			Cooldown:       cfg.RCON.Cooldown,
			Jitter:         float64(cfg.RCON.Jitter),
		}, nil)

		rec := reconcile.New(srv.ID, store, guard, ap, reconcile.Options{
			WorkerID: workerID,
			LockWait: cfg.Lock.Wait,
		}, nil)

		workers = append(workers, monitor.NewWorker(srv, client, tracker, rec, store, prober, monitor.WorkerOptions{
			PlayerListCmd:    cfg.RCON.PlayerListCmd,
			SweepInterval:    cfg.Zone.SweepInterval,
			PollInterval:     cfg.Zone.PollInterval,
			ProbeInterval:    cfg.A2S.Interval,
			ReconnectBackoff: cfg.RCON.ReconnectBackoff,
		}, nil))
	}

	sweeper := health.New(store, health.Options{
		StuckAfter:       cfg.Health.StuckAfter,
		IdleWindow:       cfg.Health.IdleWindow,
		FailureThreshold: cfg.Health.FailureThreshold,
	})

	supervisor := monitor.NewSupervisor(workers, sweeper, store, monitor.SupervisorOptions{
		Actor:          workerID,
		HealthInterval: cfg.Health.Interval,
		ExpireInterval: cfg.Zone.ExpireInterval,
	}, nil)
	supervisor.Start(ctx)

	var httpServer *http.Server
	if cfg.Server.Address != "" {
		httpServer = &http.Server{
			Addr:              cfg.Server.Address,
			Handler:           server.New(store, supervisor, cfg, "api").Run(),
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       5 * time.Second,
			WriteTimeout:      2 * time.Minute,
			IdleTimeout:       60 * time.Second,
		}

		go func() {
			log.Info().Str("address", cfg.Server.Address).Msg("Server listening")
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Fatal().Err(err).Msg("Server failed")
			}
		}()
	}

	// Graceful Shutdown
	<-ctx.Done()
	log.Info().Msg("Shutting down server...")

	if httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Server forced to shutdown")
		}
	}

	// Stop workers, held locks are released on the way out
	supervisor.Wait()
	for _, c := range clients {
		_ = c.Close()
	}

	log.Info().Msg("Server exited")
}

// newGuard builds the configured processing lock backend.
func newGuard(ctx context.Context, cfg *config.Config, store *storage.Repository) (lock.Guard, func()) {
	if cfg.Lock.Backend != config.LockBackendRedis {
		log.Info().Dur("ttl", cfg.Lock.TTL).Msg("Using database processing lock")
		return lock.NewSQLGuard(store, cfg.Lock.TTL, nil), func() {}
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Lock.RedisAddr,
		Password: cfg.Lock.RedisPassword,
		DB:       cfg.Lock.RedisDB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		log.Fatal().Err(err).Str("address", cfg.Lock.RedisAddr).Msg("Failed to connect to Redis")
	}

	log.Info().Str("address", cfg.Lock.RedisAddr).Dur("ttl", cfg.Lock.TTL).Msg("Using Redis processing lock")

	return lock.NewRedisGuard(client, cfg.Lock.RedisPrefix, cfg.Lock.TTL), func() {
		if err := client.Close(); err != nil {
			log.Error().Err(err).Msg("Error closing Redis client")
		}
	}
}
