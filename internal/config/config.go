// Package config handles the parsing and validation of application configuration
// from command-line arguments, environment variables and the game server list file.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/woozymasta/zorp/internal/logger"
	"github.com/woozymasta/zorp/internal/vars"
)

// Lock backends
const (
	LockBackendSQL   = "sql"
	LockBackendRedis = "redis"
)

// Config represents the complete application flags configuration.
type Config struct {
	// betteralign:ignore

	Server  Server        `group:"HTTP Options" env-namespace:"ZORP"`
	Storage Storage       `group:"Storage Options" namespace:"db" env-namespace:"ZORP_DB"`
	Zone    Zone          `group:"Zone Options" namespace:"zone" env-namespace:"ZORP_ZONE"`
	RCON    RCON          `group:"RCON Options" namespace:"rcon" env-namespace:"ZORP_RCON"`
	Lock    Lock          `group:"Lock Options" namespace:"lock" env-namespace:"ZORP_LOCK"`
	Health  Health        `group:"Health Options" namespace:"health" env-namespace:"ZORP_HEALTH"`
	A2S     A2S           `group:"A2S Options" namespace:"a2s" env-namespace:"ZORP_A2S"`
	Logger  logger.Config `group:"Logger Options" namespace:"log" env-namespace:"ZORP_LOG"`

	// Servers is populated from Server.ServersFile after parsing.
	Servers []GameServer `no-flag:"true"`

	Version bool `short:"v" long:"version" description:"Print version and build info"`
}

// Server holds the operator HTTP API configuration.
type Server struct {
	// betteralign:ignore

	Address        string        `short:"l" long:"address" env:"LISTEN_ADDRESS" description:"HTTP API listen address, empty disables the API" default:":8080"`
	AuthToken      string        `short:"t" long:"auth-token" env:"AUTH_TOKEN" description:"Admin authentication token"`
	ServersFile    string        `short:"s" long:"servers" env:"SERVERS_FILE" description:"Path to the YAML game server list" default:"servers.yml"`
	MaxBodySize    int64         `long:"max-body-size" env:"MAX_BODY_SIZE" description:"Max body size for incoming requests" default:"4096"`
	TrustProxy     bool          `long:"trust-proxy" env:"TRUST_PROXY" description:"Trust X-Forwarded-For headers"`
	HardLimitCount int           `long:"rate-count" env:"RATE_COUNT" description:"Per IP limit: requests count" default:"120"`
	HardLimitWin   time.Duration `long:"rate-window" env:"RATE_WINDOW" description:"Per IP limit: window duration" default:"1m"`
}

// Storage holds database configuration and one-shot maintenance tasks.
type Storage struct {
	// betteralign:ignore

	Path          string `short:"d" long:"path" env:"PATH" description:"Path to SQLite database" default:"zorp.db"`
	ExpireZones   bool   `long:"expire-zones" description:"Delete zones past their expiry and exit"`
	PruneLogs     string `long:"prune-logs" description:"Delete RCON attempts and resolved findings older than retention and exit. Optional arg: retention." optional:"true" optional-value:"720h"`
	CheckServers  bool   `long:"check-servers" description:"Probe all configured servers over A2S and exit"`
	GenerateCount int    `long:"gen-fake-data" hidden:"true"`
}

// Zone holds defaults and sweep cadence for zone reconciliation.
type Zone struct {
	// betteralign:ignore

	Delay          time.Duration `long:"delay" env:"DELAY" description:"Default grace delay before an offline zone turns red" default:"5m"`
	Expire         time.Duration `long:"expire" env:"EXPIRE" description:"Default zone lifetime" default:"720h"`
	SweepInterval  time.Duration `long:"sweep-interval" env:"SWEEP_INTERVAL" description:"Periodic reconciliation interval per server" default:"15s"`
	ExpireInterval time.Duration `long:"expire-interval" env:"EXPIRE_INTERVAL" description:"Expired zone sweep interval" default:"10m"`
	PollInterval   time.Duration `long:"poll-interval" env:"POLL_INTERVAL" description:"Player list polling interval, 0 disables polling" default:"30s"`
	ColorOnline    string        `long:"color-online" env:"COLOR_ONLINE" description:"Default green state color" default:"0,255,0"`
	ColorYellow    string        `long:"color-yellow" env:"COLOR_YELLOW" description:"Default yellow state color" default:"255,255,0"`
	ColorOffline   string        `long:"color-offline" env:"COLOR_OFFLINE" description:"Default red state color" default:"255,0,0"`
}

// RCON holds remote console and applier configuration.
type RCON struct {
	// betteralign:ignore

	Timeout          time.Duration `long:"timeout" env:"TIMEOUT" description:"Per command timeout" default:"5s"`
	DialTimeout      time.Duration `long:"dial-timeout" env:"DIAL_TIMEOUT" description:"WebSocket dial timeout" default:"10s"`
	RateLimit        float64       `long:"rate" env:"RATE" description:"Commands per second per server" default:"5"`
	RateBurst        int           `long:"burst" env:"BURST" description:"Command burst per server" default:"10"`
	PassAttempts     int           `long:"pass-attempts" env:"PASS_ATTEMPTS" description:"Attempts per reconciliation pass" default:"3"`
	MaxAttempts      int           `long:"max-attempts" env:"MAX_ATTEMPTS" description:"Attempts per desired state change before cool-down" default:"9"`
	BackoffMin       time.Duration `long:"backoff-min" env:"BACKOFF_MIN" description:"First retry delay" default:"500ms"`
	BackoffMax       time.Duration `long:"backoff-max" env:"BACKOFF_MAX" description:"Max retry delay" default:"8s"`
	Jitter           float32       `long:"jitter" env:"JITTER" description:"Retry delay jitter factor (0..1)" default:"0.25"`
	Cooldown         time.Duration `long:"cooldown" env:"COOLDOWN" description:"Wait after exhausting attempts before trying again" default:"10m"`
	StateTemplates   []string      `long:"state-template" env:"STATE_TEMPLATES" env-delim:";" description:"Command template(s) applied per state change, {zone} expands quoted" default:"zones.editcustomzone {zone} color ({color})"`
	FailureMarkers   []string      `long:"failure-marker" env:"FAILURE_MARKERS" env-delim:";" description:"Response substrings treated as failure" default:"not found" default:"error" default:"invalid" default:"unknown command"`
	PlayerListCmd    string        `long:"playerlist-command" env:"PLAYERLIST_COMMAND" description:"Command returning online players as JSON" default:"playerlist"`
	ReconnectBackoff time.Duration `long:"reconnect" env:"RECONNECT" description:"Console reconnect delay" default:"5s"`
}

// Lock holds processing lock configuration.
type Lock struct {
	// betteralign:ignore

	Backend       string        `long:"backend" env:"BACKEND" description:"Lock backend" choice:"sql" choice:"redis" default:"sql"`
	TTL           time.Duration `long:"ttl" env:"TTL" description:"Lock lifetime" default:"90s"`
	Wait          time.Duration `long:"wait" env:"WAIT" description:"Max wait for a busy lock before skipping a pass" default:"2s"`
	WorkerID      string        `long:"worker-id" env:"WORKER_ID" description:"Worker identity, generated when empty"`
	RedisAddr     string        `long:"redis-addr" env:"REDIS_ADDR" description:"Redis address" default:"127.0.0.1:6379"`
	RedisPassword string        `long:"redis-password" env:"REDIS_PASSWORD" description:"Redis password"`
	RedisDB       int           `long:"redis-db" env:"REDIS_DB" description:"Redis database" default:"0"`
	RedisPrefix   string        `long:"redis-prefix" env:"REDIS_PREFIX" description:"Redis key prefix" default:"zorp:lock:"`
}

// Health holds Health Monitor configuration.
type Health struct {
	// betteralign:ignore

	Interval         time.Duration `long:"interval" env:"INTERVAL" description:"Health sweep interval" default:"1m"`
	StuckAfter       time.Duration `long:"stuck-after" env:"STUCK_AFTER" description:"Desired/applied divergence reported as stuck" default:"5m"`
	IdleWindow       time.Duration `long:"idle-window" env:"IDLE_WINDOW" description:"No transition window despite presence activity" default:"24h"`
	FailureThreshold int           `long:"failure-threshold" env:"FAILURE_THRESHOLD" description:"Consecutive RCON failures reported" default:"3"`
}

// A2S holds Source Query protocol configuration.
type A2S struct {
	// betteralign:ignore

	Timeout    time.Duration `long:"timeout" env:"TIMEOUT" description:"Query timeout" default:"3s"`
	Interval   time.Duration `long:"interval" env:"INTERVAL" description:"Reachability probe interval, 0 disables probing" default:"1m"`
	BufferSize uint16        `long:"buffer-size" env:"BUFFER_SIZE" description:"Response body buffer size" default:"1400"`
}

// Parse reads the configuration from flags and environment variables.
// It terminates the application if the configuration is invalid or if the help flag is invoked.
func Parse() *Config {
	cfg, err := ParseArgs(os.Args[1:])
	if err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) {
			if flagsErr.Type == flags.ErrHelp {
				os.Exit(0)
			}
			os.Exit(1)
		}

		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if cfg.Version {
		vars.Print()
		os.Exit(0)
	}

	return cfg
}

// ParseArgs parses args, validates the result and loads the game server list.
func ParseArgs(args []string) (*Config, error) {
	var cfg Config
	parser := flags.NewParser(&cfg, flags.Default)
	parser.NamespaceDelimiter = "-"

	if _, err := parser.ParseArgs(args); err != nil {
		return nil, err
	}

	if cfg.Version {
		return &cfg, nil
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	servers, err := LoadServers(cfg.Server.ServersFile)
	if err != nil {
		return nil, err
	}
	cfg.Servers = servers

	return &cfg, nil
}

// Validate checks option combinations that flag parsing cannot express.
func (c *Config) Validate() error {
	if c.Server.Address != "" && c.Server.AuthToken == "" {
		return errors.New("required flag `-t, --auth-token' or environment variable `ZORP_AUTH_TOKEN` was not specified")
	}
	if c.Lock.TTL <= 0 {
		return errors.New("lock ttl must be positive")
	}
	if c.Lock.Wait >= c.Lock.TTL {
		return fmt.Errorf("lock wait %s must be shorter than lock ttl %s", c.Lock.Wait, c.Lock.TTL)
	}
	if c.RCON.PassAttempts < 1 {
		return errors.New("rcon pass attempts must be at least 1")
	}
	if c.RCON.MaxAttempts < c.RCON.PassAttempts {
		return fmt.Errorf("rcon max attempts %d is below pass attempts %d", c.RCON.MaxAttempts, c.RCON.PassAttempts)
	}
	if c.RCON.BackoffMin <= 0 || c.RCON.BackoffMax <= c.RCON.BackoffMin {
		return fmt.Errorf("rcon backoff range %s..%s is invalid", c.RCON.BackoffMin, c.RCON.BackoffMax)
	}
	if c.RCON.Jitter < 0 || c.RCON.Jitter > 1 {
		return fmt.Errorf("rcon jitter %.2f is outside 0..1", c.RCON.Jitter)
	}
	if len(c.RCON.StateTemplates) == 0 {
		return errors.New("at least one rcon state template is required")
	}
	if c.Zone.SweepInterval <= 0 {
		return errors.New("zone sweep interval must be positive")
	}
	if c.Health.FailureThreshold < 1 {
		return errors.New("health failure threshold must be at least 1")
	}

	return nil
}

// PruneRetention returns the parsed prune-logs retention, or zero when the task is not requested.
func (s Storage) PruneRetention() (time.Duration, error) {
	if s.PruneLogs == "" {
		return 0, nil
	}

	d, err := time.ParseDuration(s.PruneLogs)
	if err != nil {
		return 0, fmt.Errorf("invalid prune retention %q: %w", s.PruneLogs, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("prune retention must be positive, got %s", d)
	}

	return d, nil
}
