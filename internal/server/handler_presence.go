package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/woozymasta/zorp/internal/models"
	"github.com/woozymasta/zorp/internal/monitor"
	"github.com/woozymasta/zorp/internal/names"
)

// handlePresence accepts one connect/disconnect observation from an external feed
// and queues it on the worker of its server.
func (s *Server) handlePresence(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBody)

	var ev models.PresenceEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		log.Debug().Err(err).Str("ip", GetRealIP(r, s.trustProxy)).Msg("Invalid presence JSON")
		respondError(w, http.StatusBadRequest, "invalid json")
		return
	}

	if ev.ServerID == "" || names.Normalize(ev.Player).Empty() {
		respondError(w, http.StatusBadRequest, "server_id and player are required")
		return
	}

	if !s.known(ev.ServerID) {
		log.Debug().Str("server", ev.ServerID).Str("player", ev.Player).Msg("Presence for unknown server")
		respondError(w, http.StatusNotFound, "unknown server")
		return
	}

	ev.Source = models.SourceAPI
	if ev.ObservedAt.IsZero() {
		ev.ObservedAt = s.now()
	}

	err := s.workers.Dispatch(ev)
	switch {
	case err == nil:
		log.Trace().
			Str("server", ev.ServerID).
			Str("player", ev.Player).
			Bool("online", ev.Online).
			Msg("Presence queued")

		respondJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})

	case errors.Is(err, monitor.ErrUnknownServer):
		respondError(w, http.StatusNotFound, "unknown server")

	default:
		log.Warn().
			Err(err).
			Str("server", ev.ServerID).
			Str("player", ev.Player).
			Msg("Queue full, presence dropped")

		respondError(w, http.StatusServiceUnavailable, "presence queue unavailable")
	}
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}
