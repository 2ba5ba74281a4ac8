// Package server implements the operator HTTP API, its middleware, and request handlers.
package server

import (
	"net/http"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/woozymasta/zorp/internal/config"
	"github.com/woozymasta/zorp/internal/models"
)

// New creates a new Server instance with the provided storage, worker dispatcher, and configuration.
func New(store Store, workers Dispatcher, cfg *config.Config, actor string) *Server {
	serverMap := make(map[uint64]struct{}, len(cfg.Servers))
	for _, srv := range cfg.Servers {
		if srv.Disabled {
			continue
		}
		serverMap[xxhash.Sum64String(srv.ID)] = struct{}{}
	}

	timeout := cfg.Lock.Wait + time.Duration(cfg.RCON.PassAttempts)*(cfg.RCON.Timeout+cfg.RCON.BackoffMax)
	if timeout < 30*time.Second {
		timeout = 30 * time.Second
	}

	maxBody := cfg.Server.MaxBodySize
	if maxBody <= 0 {
		maxBody = 4096
	}

	return &Server{
		storage:      store,
		workers:      workers,
		knownServers: serverMap,
		now:          time.Now,
		actor:        actor,
		authToken:    cfg.Server.AuthToken,
		maxBody:      maxBody,
		trustProxy:   cfg.Server.TrustProxy,
		defaults: ZoneDefaults{
			Colors: models.Colors{
				Online:  cfg.Zone.ColorOnline,
				Yellow:  cfg.Zone.ColorYellow,
				Offline: cfg.Zone.ColorOffline,
			},
			Delay:  cfg.Zone.Delay,
			Expire: cfg.Zone.Expire,
		},
		hardLimitCount:   cfg.Server.HardLimitCount,
		hardLimitWin:     cfg.Server.HardLimitWin,
		reconcileTimeout: timeout,
	}
}

// Run configures the HTTP routes and returns the main handler.
func (s *Server) Run() http.Handler {
	mux := http.NewServeMux()

	api := func(h http.HandlerFunc) http.Handler {
		return s.RateLimitMiddleware(AdminAuthMiddleware(s.authToken, h))
	}

	mux.Handle("POST /api/presence", api(s.handlePresence))
	mux.Handle("GET /api/zones", api(s.handleListZones))
	mux.Handle("POST /api/zones", api(s.handleCreateZone))
	mux.Handle("GET /api/zone", api(s.handleGetZone))
	mux.Handle("DELETE /api/zone", api(s.handleDeleteZone))
	mux.Handle("POST /api/reconcile", api(s.handleReconcile))
	mux.Handle("GET /api/findings", api(s.handleFindings))
	mux.Handle("GET /api/events", api(s.handleEvents))
	mux.Handle("GET /api/version", api(s.handleVersion))

	mux.Handle("GET /healthz", http.HandlerFunc(s.handleHealthz))

	return s.LoggingMiddleware(mux)
}

func (s *Server) known(serverID string) bool {
	_, ok := s.knownServers[xxhash.Sum64String(serverID)]
	return ok
}
