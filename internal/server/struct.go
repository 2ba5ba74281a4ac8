package server

import (
	"context"
	"time"

	"github.com/woozymasta/zorp/internal/models"
	"github.com/woozymasta/zorp/internal/names"
	"github.com/woozymasta/zorp/internal/reconcile"
)

// Store is the persistence the operator API reads and writes.
type Store interface {
	Ping(ctx context.Context) error
	CreateZone(ctx context.Context, z models.Zone, actor string) error
	GetZone(ctx context.Context, name string) (models.Zone, error)
	ListZones(ctx context.Context, serverID string, owners ...names.Key) ([]models.Zone, error)
	DeleteZone(ctx context.Context, name string, reason models.EventType, actor string, at time.Time) error
	ListFindings(ctx context.Context, openOnly bool, checks ...models.CheckType) ([]models.Finding, error)
	ListEvents(ctx context.Context, zone string, limit int) ([]models.ZoneEvent, error)
}

// Dispatcher hands work to the server workers.
type Dispatcher interface {
	Dispatch(ev models.PresenceEvent) error
	Reconcile(ctx context.Context, serverID string, owners ...names.Key) (reconcile.Report, error)
}

// Server holds the dependencies, configuration, and runtime state required
// to handle operator HTTP requests.
type Server struct {
	// storage provides access to zones, findings and the audit log.
	storage Store

	// workers routes presence events and forced passes to the per-server workers.
	workers Dispatcher

	// knownServers is a set of hashed game server ids (using xxhash) accepted
	// by presence ingestion and zone registration.
	knownServers map[uint64]struct{}

	// now returns the current time.
	now func() time.Time

	// defaults holds the zone defaults applied when a request omits them.
	defaults ZoneDefaults

	// authToken is the secret token required to access the API endpoints.
	authToken string

	// actor is recorded on audit events written through the API.
	actor string

	// maxBody specifies the maximum allowed size (in bytes) for incoming HTTP request bodies.
	maxBody int64

	// hardLimitCount is the maximum number of requests allowed per IP address
	// within the hardLimitWin duration.
	hardLimitCount int

	// hardLimitWin is the time window duration for the hard rate limiter.
	hardLimitWin time.Duration

	// reconcileTimeout bounds a forced reconciliation pass.
	reconcileTimeout time.Duration

	// trustProxy indicates whether the server should trust headers like X-Forwarded-For
	// or CF-Connecting-IP when determining the client's real IP address.
	trustProxy bool
}

// ZoneDefaults fills zone fields missing from a registration request.
type ZoneDefaults struct {
	Colors models.Colors
	Delay  time.Duration
	Expire time.Duration
}
