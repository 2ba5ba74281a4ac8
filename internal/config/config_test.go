package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const serversYAML = `
servers:
  - id: main
    name: Zentro Main
    host: 10.0.0.5
    rcon_password: secret
    query_port: 28015
  - id: eu2
    host: eu2.example.net
    rcon_port: 28116
`

func writeServers(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "servers.yml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestParseArgs_Defaults(t *testing.T) {
	path := writeServers(t, serversYAML)

	cfg, err := ParseArgs([]string{"--auth-token", "tok", "--servers", path})
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Address)
	assert.Equal(t, LockBackendSQL, cfg.Lock.Backend)
	assert.Equal(t, 90*time.Second, cfg.Lock.TTL)
	assert.Equal(t, 5*time.Minute, cfg.Zone.Delay)
	assert.Equal(t, 5*time.Minute, cfg.Health.StuckAfter)
	assert.Equal(t, 24*time.Hour, cfg.Health.IdleWindow)
	assert.Equal(t, 3, cfg.Health.FailureThreshold)
	assert.Equal(t, 3, cfg.RCON.PassAttempts)
	assert.Equal(t, []string{"zones.editcustomzone {zone} color ({color})"}, cfg.RCON.StateTemplates)
	assert.Contains(t, cfg.RCON.FailureMarkers, "unknown command")

	require.Len(t, cfg.Servers, 2)
	assert.Equal(t, "main", cfg.Servers[0].ID)
	assert.Equal(t, 28016, cfg.Servers[0].RconPort)
	assert.Equal(t, "10.0.0.5:28016", cfg.Servers[0].RconAddress())
	assert.Equal(t, "eu2", cfg.Servers[1].Name)
}

func TestParseArgs_NamespacedFlags(t *testing.T) {
	path := writeServers(t, serversYAML)

	cfg, err := ParseArgs([]string{
		"-t", "tok", "-s", path,
		"--lock-backend", "redis",
		"--lock-ttl", "30s",
		"--lock-wait", "1s",
		"--zone-delay", "2m",
		"--db-prune-logs",
	})
	require.NoError(t, err)

	assert.Equal(t, LockBackendRedis, cfg.Lock.Backend)
	assert.Equal(t, 30*time.Second, cfg.Lock.TTL)
	assert.Equal(t, 2*time.Minute, cfg.Zone.Delay)

	retention, err := cfg.Storage.PruneRetention()
	require.NoError(t, err)
	assert.Equal(t, 720*time.Hour, retention)
}

func TestParseArgs_RequiresTokenWhenAPIEnabled(t *testing.T) {
	path := writeServers(t, serversYAML)

	_, err := ParseArgs([]string{"--servers", path})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "auth-token")

	cfg, err := ParseArgs([]string{"--servers", path, "--address", ""})
	require.NoError(t, err)
	assert.Empty(t, cfg.Server.AuthToken)
}

func TestValidate_Ranges(t *testing.T) {
	base := func() Config {
		return Config{
			Server: Server{Address: ""},
			Lock:   Lock{TTL: 90 * time.Second, Wait: 2 * time.Second},
			RCON: RCON{
				PassAttempts:   3,
				MaxAttempts:    9,
				BackoffMin:     time.Second,
				BackoffMax:     2 * time.Second,
				Jitter:         0.25,
				StateTemplates: []string{"x"},
			},
			Zone:   Zone{SweepInterval: time.Second},
			Health: Health{FailureThreshold: 3},
		}
	}

	cfg := base()
	require.NoError(t, cfg.Validate())

	cfg = base()
	cfg.Lock.Wait = cfg.Lock.TTL
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.RCON.MaxAttempts = 2
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.RCON.BackoffMax = cfg.RCON.BackoffMin
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.RCON.Jitter = 1.5
	assert.Error(t, cfg.Validate())
}

func TestParseServers_Errors(t *testing.T) {
	_, err := ParseServers([]byte("servers:\n  - host: a\n"))
	assert.ErrorContains(t, err, "id is required")

	_, err = ParseServers([]byte("servers:\n  - {id: a, host: h}\n  - {id: a, host: h}\n"))
	assert.ErrorContains(t, err, "duplicate id")

	_, err = ParseServers([]byte("servers:\n  - {id: a}\n"))
	assert.ErrorContains(t, err, "host is required")

	_, err = ParseServers([]byte("servers:\n  - {id: a, host: h, rcon_port: 70000}\n"))
	assert.ErrorContains(t, err, "port out of range")

	_, err = ParseServers([]byte("servers: [\n"))
	assert.ErrorContains(t, err, "parsing servers file")
}

func TestPruneRetention(t *testing.T) {
	d, err := Storage{}.PruneRetention()
	require.NoError(t, err)
	assert.Zero(t, d)

	_, err = Storage{PruneLogs: "soon"}.PruneRetention()
	assert.Error(t, err)

	d, err = Storage{PruneLogs: "48h"}.PruneRetention()
	require.NoError(t, err)
	assert.Equal(t, 48*time.Hour, d)
}
