// Package presence records player online/offline observations.
//
// Edge timestamps (last_online_at / last_offline_at) move only when the
// observed state flips, so repeated polling of an offline player never
// restarts the zone grace timer.
package presence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/woozymasta/zorp/internal/models"
	"github.com/woozymasta/zorp/internal/names"
	"github.com/woozymasta/zorp/internal/storage"
)

// ErrInvalidEvent is returned for observations without a server or a visible player name.
var ErrInvalidEvent = errors.New("invalid presence event")

// Transition describes what an observation changed.
type Transition struct {
	At       time.Time
	ServerID string
	Key      names.Key
	Online   bool
	// Edge is set when the online flag flipped or the player was seen for the first time.
	Edge bool
	// Stale is set when the observation was older than the stored one and ignored.
	Stale bool
}

// Store is the persistence the tracker needs.
type Store interface {
	UpdatePresence(ctx context.Context, serverID string, key names.Key, update storage.PresenceUpdate) (*models.Presence, models.Presence, error)
}

// Tracker turns presence events into presence rows.
type Tracker struct {
	store Store
	now   func() time.Time
}

// NewTracker creates a tracker. A nil clock defaults to time.Now.
func NewTracker(store Store, now func() time.Time) *Tracker {
	if now == nil {
		now = time.Now
	}
	return &Tracker{store: store, now: now}
}

// Record normalizes the player name and applies the observation.
func (t *Tracker) Record(ctx context.Context, ev models.PresenceEvent) (Transition, error) {
	key := names.Normalize(ev.Player)
	if ev.ServerID == "" || key.Empty() {
		return Transition{}, fmt.Errorf("%w: server %q player %q", ErrInvalidEvent, ev.ServerID, ev.Player)
	}

	now := t.now()
	switch {
	case ev.ObservedAt.IsZero():
		ev.ObservedAt = now
	case ev.ObservedAt.After(now):
		// observations ahead of the local clock are pinned to it
		log.Debug().
			Str("server", ev.ServerID).
			Str("player", key.String()).
			Time("observed_at", ev.ObservedAt).
			Msg("Future presence timestamp clamped")
		ev.ObservedAt = now
	}
	ev.ObservedAt = ev.ObservedAt.UTC()

	var tr Transition
	_, _, err := t.store.UpdatePresence(ctx, ev.ServerID, key, func(prev *models.Presence) (models.Presence, bool) {
		next, transition, write := Next(prev, ev, key)
		tr = transition
		return next, write
	})
	if err != nil {
		return Transition{}, fmt.Errorf("recording presence of %s on %s: %w", key, ev.ServerID, err)
	}

	if tr.Edge {
		log.Debug().
			Str("server", ev.ServerID).
			Str("player", key.String()).
			Bool("online", tr.Online).
			Str("source", ev.Source).
			Time("at", tr.At).
			Msg("Presence edge")
	}

	return tr, nil
}

// Next computes the presence row following prev after observing ev.
// It reports false when the row must not be written.
func Next(prev *models.Presence, ev models.PresenceEvent, key names.Key) (models.Presence, Transition, bool) {
	at := ev.ObservedAt.UTC()
	tr := Transition{At: at, ServerID: ev.ServerID, Key: key, Online: ev.Online}

	display := ev.Player
	if prev == nil {
		next := models.Presence{
			ServerID:    ev.ServerID,
			PlayerKey:   key,
			DisplayName: display,
			Online:      ev.Online,
			LastSeenAt:  at,
		}
		setEdge(&next, at)
		tr.Edge = true
		return next, tr, true
	}

	if at.Before(prev.LastSeenAt) {
		tr.Stale = true
		tr.Online = prev.Online
		return *prev, tr, false
	}

	next := *prev
	next.LastSeenAt = at
	if display != "" {
		next.DisplayName = display
	}

	if prev.Online != ev.Online {
		next.Online = ev.Online
		setEdge(&next, at)
		tr.Edge = true
	}

	return next, tr, true
}

func setEdge(p *models.Presence, at time.Time) {
	if p.Online {
		p.LastOnlineAt = &at
	} else {
		p.LastOfflineAt = &at
	}
}
