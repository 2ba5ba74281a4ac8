package rcon

import (
	"encoding/json"
	"errors"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/woozymasta/zorp/internal/models"
	"github.com/woozymasta/zorp/internal/names"
)

var (
	// 1.2.3.4:51234/76561198000000000/Alice joined [windows/76561198000000000]
	joinRe = regexp.MustCompile(`^(\S+):(\d+)/(\d+)/(.+) joined \[(\w+)/(\d+)\]$`)
	// 1.2.3.4:51234/76561198000000000/Alice disconnecting: closing
	leaveRe = regexp.MustCompile(`^(\S+):(\d+)/(\d+)/(.+) disconnecting: (.*)$`)
)

// ErrEmptyPlayerList is returned for a blank playerlist reply. Only "[]" means nobody is online.
var ErrEmptyPlayerList = errors.New("empty player list reply")

// ParseConsoleLine extracts a presence event from a join or disconnect broadcast.
func ParseConsoleLine(serverID, line string, at time.Time) (models.PresenceEvent, bool) {
	line = strings.TrimSpace(line)

	ev := models.PresenceEvent{ServerID: serverID, ObservedAt: at.UTC(), Source: models.SourceConsole}

	if m := joinRe.FindStringSubmatch(line); m != nil {
		ev.Player = m[4]
		ev.Online = true
		return ev, true
	}

	if m := leaveRe.FindStringSubmatch(line); m != nil {
		ev.Player = m[4]
		return ev, true
	}

	return ev, false
}

// Player is one entry of the playerlist command output.
type Player struct {
	SteamID          string  `json:"SteamID"`
	DisplayName      string  `json:"DisplayName"`
	Address          string  `json:"Address"`
	Ping             int     `json:"Ping"`
	ConnectedSeconds int     `json:"ConnectedSeconds"`
	Health           float64 `json:"Health"`
}

// ParsePlayerList decodes the JSON reply of playerlist.
func ParsePlayerList(message string) ([]Player, error) {
	message = strings.TrimSpace(message)
	if message == "" {
		return nil, ErrEmptyPlayerList
	}

	var players []Player
	if err := json.Unmarshal([]byte(message), &players); err != nil {
		return nil, err
	}
	if players == nil {
		return nil, ErrEmptyPlayerList
	}

	return players, nil
}

// Snapshot is the set of players seen online by one poll.
type Snapshot struct {
	Keys   map[names.Key]string
	Digest uint64
}

// NewSnapshot keys players by normalized name and hashes the sorted key set.
func NewSnapshot(players []Player) Snapshot {
	s := Snapshot{Keys: make(map[names.Key]string, len(players))}

	for _, p := range players {
		key := names.Normalize(p.DisplayName)
		if key.Empty() {
			continue
		}
		s.Keys[key] = p.DisplayName
	}

	sorted := make([]string, 0, len(s.Keys))
	for k := range s.Keys {
		sorted = append(sorted, string(k))
	}
	sort.Strings(sorted)

	h := xxhash.New()
	for _, k := range sorted {
		_, _ = h.WriteString(k)
		_, _ = h.Write([]byte{0})
	}
	s.Digest = h.Sum64()

	return s
}

// Diff returns presence events turning prev into s. Players of prev missing
// from s go offline, players new in s come online.
func (s Snapshot) Diff(prev Snapshot, serverID string, at time.Time) []models.PresenceEvent {
	if prev.Digest == s.Digest && len(prev.Keys) == len(s.Keys) {
		return nil
	}

	var events []models.PresenceEvent
	for key, display := range s.Keys {
		if _, ok := prev.Keys[key]; !ok {
			events = append(events, models.PresenceEvent{
				ServerID: serverID, Player: display, Online: true, ObservedAt: at.UTC(), Source: models.SourcePlayerList,
			})
		}
	}
	for key, display := range prev.Keys {
		if _, ok := s.Keys[key]; !ok {
			events = append(events, models.PresenceEvent{
				ServerID: serverID, Player: display, Online: false, ObservedAt: at.UTC(), Source: models.SourcePlayerList,
			})
		}
	}

	sort.Slice(events, func(i, j int) bool { return events[i].Player < events[j].Player })

	return events
}
