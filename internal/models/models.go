// Package models defines the data structures used for API requests and database persistence.
package models

import (
	"encoding/json"
	"time"

	"github.com/woozymasta/zorp/internal/names"
)

// State is the visual/access state of a zone.
type State string

// Zone states
const (
	StateGreen  State = "green"
	StateYellow State = "yellow"
	StateRed    State = "red"
)

// Valid reports whether s is one of the known states.
func (s State) Valid() bool {
	switch s {
	case StateGreen, StateYellow, StateRed:
		return true
	}
	return false
}

// StateSync pairs the computed target state with the state last confirmed
// on the game server. Applied is empty until the first confirmed push.
type StateSync struct {
	Desired          State      `json:"desired"`
	Applied          State      `json:"applied"`
	DesiredChangedAt time.Time  `json:"desired_changed_at"`
	AppliedAt        *time.Time `json:"applied_at,omitempty"`
}

// Pending reports whether the desired state still has to be pushed.
func (s StateSync) Pending() bool {
	return s.Desired != s.Applied
}

// Position is a point in world coordinates.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Colors holds the per-state display colors as "r,g,b".
type Colors struct {
	Online  string `json:"online"`
	Yellow  string `json:"yellow"`
	Offline string `json:"offline"`
}

// For returns the color shown for state s.
func (c Colors) For(s State) string {
	switch s {
	case StateYellow:
		return c.Yellow
	case StateRed:
		return c.Offline
	default:
		return c.Online
	}
}

// Zone is a player-owned protected area on one game server.
type Zone struct {
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
	LastOnlineAt  *time.Time    `json:"last_online_at,omitempty"`
	LastOfflineAt *time.Time    `json:"last_offline_at,omitempty"`
	State         StateSync     `json:"state"`
	Colors        Colors        `json:"colors"`
	Position      Position      `json:"position"`
	Name          string        `json:"name"`
	Owner         string        `json:"owner"`
	OwnerKey      names.Key     `json:"owner_key"`
	ServerID      string        `json:"server_id"`
	Size          float64       `json:"size"`
	Delay         time.Duration `json:"delay"`
	Expire        time.Duration `json:"expire"`
	Radiation     bool          `json:"radiation"`
	MinTeam       int           `json:"min_team"`
	MaxTeam       int           `json:"max_team"`
}

// ExpiresAt returns when the zone lifetime ends; zero when it never expires.
func (z Zone) ExpiresAt() time.Time {
	if z.Expire <= 0 {
		return time.Time{}
	}
	return z.CreatedAt.Add(z.Expire)
}

// Presence is the online/offline fact of one player on one server.
type Presence struct {
	LastSeenAt    time.Time  `json:"last_seen_at"`
	LastOnlineAt  *time.Time `json:"last_online_at,omitempty"`
	LastOfflineAt *time.Time `json:"last_offline_at,omitempty"`
	ServerID      string     `json:"server_id"`
	PlayerKey     names.Key  `json:"player_key"`
	DisplayName   string     `json:"display_name"`
	Online        bool       `json:"online"`
}

// LastEdgeAt returns the most recent online or offline edge.
func (p Presence) LastEdgeAt() time.Time {
	var t time.Time
	if p.LastOnlineAt != nil {
		t = *p.LastOnlineAt
	}
	if p.LastOfflineAt != nil && p.LastOfflineAt.After(t) {
		t = *p.LastOfflineAt
	}
	return t
}

// Presence event sources
const (
	SourceConsole    = "console"
	SourcePlayerList = "playerlist"
	SourceAPI        = "api"
)

// PresenceEvent is one connect/disconnect observation.
type PresenceEvent struct {
	ObservedAt time.Time `json:"timestamp"`
	ServerID   string    `json:"server_id"`
	Player     string    `json:"player"`
	Source     string    `json:"source,omitempty"`
	Online     bool      `json:"online"`
}

// EventType names a zone audit record.
type EventType string

// Zone event types
const (
	EventZoneCreated     EventType = "zone_created"
	EventZoneDeleted     EventType = "zone_deleted"
	EventZoneExpired     EventType = "zone_expired"
	EventDesiredChanged  EventType = "desired_changed"
	EventStateApplied    EventType = "state_applied"
	EventApplyFailed     EventType = "apply_failed"
	EventPresenceMissing EventType = "presence_missing"
	EventZoneError       EventType = "zone_error"
)

// ZoneEvent is an immutable audit record.
type ZoneEvent struct {
	CreatedAt time.Time       `json:"created_at"`
	Detail    json.RawMessage `json:"detail,omitempty"`
	ZoneName  string          `json:"zone_name"`
	ServerID  string          `json:"server_id"`
	Type      EventType       `json:"type"`
	OldState  State           `json:"old_state,omitempty"`
	NewState  State           `json:"new_state,omitempty"`
	Actor     string          `json:"actor"`
	ID        int64           `json:"id"`
}

// Lock is a processing lock row.
type Lock struct {
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	ServerID   string    `json:"server_id"`
	Owner      string    `json:"owner"`
}

// RconAttempt is one remote console command attempt for a zone.
type RconAttempt struct {
	CreatedAt time.Time `json:"created_at"`
	ZoneName  string    `json:"zone_name"`
	ServerID  string    `json:"server_id"`
	Target    State     `json:"target_state"`
	Command   string    `json:"command"`
	Response  string    `json:"response"`
	ID        int64     `json:"id"`
	Attempt   int       `json:"attempt"`
	Success   bool      `json:"success"`
}

// CheckType names a health check.
type CheckType string

// Health checks
const (
	CheckStuck        CheckType = "stuck"
	CheckNoTransition CheckType = "no_transition"
	CheckRconFailure  CheckType = "rcon_failure"
)

// Severity of a finding.
type Severity string

// Severities
const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Finding is one detected anomaly.
type Finding struct {
	CreatedAt  time.Time  `json:"created_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
	ZoneName   string     `json:"zone_name"`
	ServerID   string     `json:"server_id"`
	Check      CheckType  `json:"check_type"`
	Severity   Severity   `json:"severity"`
	Detail     string     `json:"detail"`
	ID         int64      `json:"id"`
}

// Open reports whether the finding is unresolved.
func (f Finding) Open() bool {
	return f.ResolvedAt == nil
}

// ZoneRequest is the payload used to register a zone created in game.
type ZoneRequest struct {
	Colors        *Colors  `json:"colors,omitempty"`
	Position      Position `json:"position"`
	Name          string   `json:"name"`
	Owner         string   `json:"owner"`
	ServerID      string   `json:"server_id"`
	Size          float64  `json:"size"`
	DelaySeconds  int      `json:"delay_seconds,omitempty"`
	ExpireSeconds int      `json:"expire_seconds,omitempty"`
	Radiation     bool     `json:"radiation,omitempty"`
	MinTeam       int      `json:"min_team,omitempty"`
	MaxTeam       int      `json:"max_team,omitempty"`
}
