// Package game checks game server reachability with the Source Engine Query (A2S) protocol.
package game

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/woozymasta/a2s/pkg/a2s"

	"github.com/woozymasta/zorp/internal/config"
)

// Status is the outcome of one probe.
type Status struct {
	CheckedAt  time.Time `json:"checked_at"`
	Error      string    `json:"error,omitempty"`
	Name       string    `json:"name,omitempty"`
	Map        string    `json:"map,omitempty"`
	Players    int       `json:"players"`
	MaxPlayers int       `json:"max_players"`
	Reachable  bool      `json:"reachable"`
}

// QueryServer connects to a game server via UDP and requests A2S_INFO.
func QueryServer(ip string, port int, options config.A2S) (*a2s.Info, error) {
	client, err := a2s.New(ip, port)
	if err != nil {
		return nil, err
	}
	defer func() { _ = client.Close() }()

	client.BufferSize = options.BufferSize
	client.Timeout = options.Timeout

	return client.GetInfo()
}

// QueryFunc performs one A2S_INFO request.
type QueryFunc func(ip string, port int, options config.A2S) (*a2s.Info, error)

// Prober remembers the last probe result per server.
type Prober struct {
	query  QueryFunc
	status map[string]Status
	opts   config.A2S
	mu     sync.RWMutex
}

// NewProber creates a prober. A nil query defaults to QueryServer.
func NewProber(opts config.A2S, query QueryFunc) *Prober {
	if query == nil {
		query = QueryServer
	}
	return &Prober{query: query, opts: opts, status: make(map[string]Status)}
}

// Probe queries srv and stores the result. Servers without a query port are
// reported reachable without a request.
func (p *Prober) Probe(srv config.GameServer) Status {
	st := Status{CheckedAt: time.Now().UTC()}

	if srv.QueryPort == 0 {
		st.Reachable = true
	} else {
		info, err := p.query(srv.Host, srv.QueryPort, p.opts)
		if err != nil {
			st.Error = err.Error()
		} else {
			st.Reachable = true
			st.Name = info.Name
			st.Map = info.Map
			st.Players = int(info.Players)
			st.MaxPlayers = int(info.MaxPlayers)
		}
	}

	p.mu.Lock()
	prev, seen := p.status[srv.ID]
	p.status[srv.ID] = st
	p.mu.Unlock()

	if seen && prev.Reachable != st.Reachable {
		if st.Reachable {
			log.Info().Str("server", srv.ID).Msg("Game server reachable again")
		} else {
			log.Warn().Str("server", srv.ID).Str("error", st.Error).Msg("Game server unreachable")
		}
	}

	return st
}

// Reachable reports the last known reachability. Unprobed servers count as reachable.
func (p *Prober) Reachable(serverID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	st, ok := p.status[serverID]
	return !ok || st.Reachable
}

// Status returns the last probe result of serverID.
func (p *Prober) Status(serverID string) (Status, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	st, ok := p.status[serverID]
	return st, ok
}
