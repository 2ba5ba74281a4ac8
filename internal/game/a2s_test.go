package game

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/woozymasta/a2s/pkg/a2s"

	"github.com/woozymasta/zorp/internal/config"
)

func TestProberTracksReachability(t *testing.T) {
	down := true
	p := NewProber(config.A2S{}, func(ip string, port int, _ config.A2S) (*a2s.Info, error) {
		assert.Equal(t, "10.0.0.1", ip)
		assert.Equal(t, 28015, port)
		if down {
			return nil, errors.New("i/o timeout")
		}
		return &a2s.Info{Name: "Main", Map: "Procedural Map", Players: 12, MaxPlayers: 100}, nil
	})

	srv := config.GameServer{ID: "main", Host: "10.0.0.1", QueryPort: 28015}
	assert.True(t, p.Reachable("main"), "unprobed servers are not skipped")

	st := p.Probe(srv)
	assert.False(t, st.Reachable)
	assert.Equal(t, "i/o timeout", st.Error)
	assert.False(t, p.Reachable("main"))

	down = false
	st = p.Probe(srv)
	assert.True(t, st.Reachable)
	assert.Equal(t, 12, st.Players)
	assert.True(t, p.Reachable("main"))

	last, ok := p.Status("main")
	assert.True(t, ok)
	assert.Equal(t, "Main", last.Name)
}

func TestProbeWithoutQueryPort(t *testing.T) {
	p := NewProber(config.A2S{}, func(string, int, config.A2S) (*a2s.Info, error) {
		t.Fatal("query must not run without a query port")
		return nil, nil
	})

	st := p.Probe(config.GameServer{ID: "main", Host: "10.0.0.1"})
	assert.True(t, st.Reachable)
}
