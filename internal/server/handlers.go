package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/woozymasta/zorp/internal/lock"
	"github.com/woozymasta/zorp/internal/models"
	"github.com/woozymasta/zorp/internal/monitor"
	"github.com/woozymasta/zorp/internal/names"
	"github.com/woozymasta/zorp/internal/storage"
	"github.com/woozymasta/zorp/internal/vars"
)

// handleHealthz reports whether the database answers.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := s.storage.Ping(r.Context()); err != nil {
		log.Error().Err(err).Msg("Health probe failed")
		respondError(w, http.StatusServiceUnavailable, "database unavailable")
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleVersion returns build metadata.
func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, vars.Info())
}

// handleListZones returns zones, optionally filtered.
// Query params: ?server=main&owner=Alice
func (s *Server) handleListZones(w http.ResponseWriter, r *http.Request) {
	var owners []names.Key
	if owner := r.URL.Query().Get("owner"); owner != "" {
		owners = append(owners, names.Normalize(owner))
	}

	zones, err := s.storage.ListZones(r.Context(), r.URL.Query().Get("server"), owners...)
	if err != nil {
		log.Error().Err(err).Msg("Failed to fetch zones")
		respondError(w, http.StatusInternalServerError, "database error")
		return
	}

	if zones == nil {
		zones = []models.Zone{}
	}

	respondJSON(w, http.StatusOK, zones)
}

// handleGetZone returns details for a specific zone.
// Query params: ?name=Alice_Base
func (s *Server) handleGetZone(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	if name == "" {
		respondError(w, http.StatusBadRequest, "missing name")
		return
	}

	z, err := s.storage.GetZone(r.Context(), name)
	if errors.Is(err, storage.ErrNotFound) {
		respondError(w, http.StatusNotFound, "zone not found")
		return
	} else if err != nil {
		log.Error().Err(err).Str("zone", name).Msg("Failed to fetch zone")
		respondError(w, http.StatusInternalServerError, "database error")
		return
	}

	respondJSON(w, http.StatusOK, z)
}

// handleCreateZone registers a zone created in game and schedules its first pass.
func (s *Server) handleCreateZone(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBody)

	var req models.ZoneRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid json")
		return
	}

	z, err := s.zoneFromRequest(req)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.storage.CreateZone(r.Context(), z, s.actor); err != nil {
		if errors.Is(err, storage.ErrZoneExists) {
			respondError(w, http.StatusConflict, "zone already exists")
			return
		}
		log.Error().Err(err).Str("zone", z.Name).Msg("Failed to create zone")
		respondError(w, http.StatusInternalServerError, "database error")
		return
	}

	log.Info().
		Str("server", z.ServerID).
		Str("zone", z.Name).
		Str("owner", z.Owner).
		Msg("Zone registered")

	go s.reconcileOwner(z.ServerID, z.OwnerKey)

	respondJSON(w, http.StatusCreated, z)
}

func (s *Server) zoneFromRequest(req models.ZoneRequest) (models.Zone, error) {
	req.Name = strings.TrimSpace(req.Name)
	req.Owner = strings.TrimSpace(req.Owner)
	key := names.Normalize(req.Owner)

	switch {
	case req.Name == "":
		return models.Zone{}, errors.New("name is required")
	case key.Empty():
		return models.Zone{}, errors.New("owner is required")
	case !s.known(req.ServerID):
		return models.Zone{}, errors.New("unknown server")
	case req.Size < 0 || req.DelaySeconds < 0 || req.ExpireSeconds < 0:
		return models.Zone{}, errors.New("size, delay and expire must not be negative")
	case req.MaxTeam > 0 && req.MinTeam > req.MaxTeam:
		return models.Zone{}, errors.New("min_team exceeds max_team")
	}

	now := s.now().UTC()
	z := models.Zone{
		Name:      req.Name,
		Owner:     req.Owner,
		OwnerKey:  key,
		ServerID:  req.ServerID,
		Position:  req.Position,
		Size:      req.Size,
		Colors:    s.defaults.Colors,
		Delay:     s.defaults.Delay,
		Expire:    s.defaults.Expire,
		Radiation: req.Radiation,
		MinTeam:   req.MinTeam,
		MaxTeam:   req.MaxTeam,
		State:     models.StateSync{Desired: models.StateGreen, DesiredChangedAt: now},
		CreatedAt: now,
		UpdatedAt: now,
	}

	if req.Colors != nil {
		if req.Colors.Online != "" {
			z.Colors.Online = req.Colors.Online
		}
		if req.Colors.Yellow != "" {
			z.Colors.Yellow = req.Colors.Yellow
		}
		if req.Colors.Offline != "" {
			z.Colors.Offline = req.Colors.Offline
		}
	}
	if req.DelaySeconds > 0 {
		z.Delay = time.Duration(req.DelaySeconds) * time.Second
	}
	if req.ExpireSeconds > 0 {
		z.Expire = time.Duration(req.ExpireSeconds) * time.Second
	}

	return z, nil
}

func (s *Server) reconcileOwner(serverID string, owner names.Key) {
	ctx, cancel := context.WithTimeout(context.Background(), s.reconcileTimeout)
	defer cancel()

	if _, err := s.workers.Reconcile(ctx, serverID, owner); err != nil {
		log.Warn().Err(err).Str("server", serverID).Str("owner", owner.String()).Msg("Initial zone pass failed")
	}
}

// handleDeleteZone removes a specific zone.
// Query params: ?name=Alice_Base
func (s *Server) handleDeleteZone(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	if name == "" {
		respondError(w, http.StatusBadRequest, "missing name")
		return
	}

	err := s.storage.DeleteZone(r.Context(), name, models.EventZoneDeleted, s.actor, s.now())
	if errors.Is(err, storage.ErrNotFound) {
		respondError(w, http.StatusNotFound, "zone not found")
		return
	} else if err != nil {
		log.Error().Err(err).Str("zone", name).Msg("Failed to delete zone")
		respondError(w, http.StatusInternalServerError, "database error")
		return
	}

	log.Info().Str("zone", name).Msg("Zone deleted manually")

	respondJSON(w, http.StatusOK, map[string]string{"status": "ok", "message": "Zone deleted"})
}

// handleReconcile runs a reconciliation pass and returns its report.
// Query params: ?server=main&owner=Alice
func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	serverID := r.URL.Query().Get("server")
	if serverID == "" {
		respondError(w, http.StatusBadRequest, "missing server")
		return
	}

	var owners []names.Key
	if owner := r.URL.Query().Get("owner"); owner != "" {
		owners = append(owners, names.Normalize(owner))
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.reconcileTimeout)
	defer cancel()

	rep, err := s.workers.Reconcile(ctx, serverID, owners...)
	switch {
	case errors.Is(err, monitor.ErrUnknownServer):
		respondError(w, http.StatusNotFound, "unknown server")
		return
	case errors.Is(err, lock.ErrLeaseLost):
		respondJSON(w, http.StatusConflict, rep)
		return
	case err != nil:
		log.Error().Err(err).Str("server", serverID).Msg("Forced pass failed")
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	respondJSON(w, http.StatusOK, rep)
}

// handleFindings lists health findings.
// Query params: ?all=true&check=stuck
func (s *Server) handleFindings(w http.ResponseWriter, r *http.Request) {
	all, _ := strconv.ParseBool(r.URL.Query().Get("all"))

	var checks []models.CheckType
	for _, c := range r.URL.Query()["check"] {
		checks = append(checks, models.CheckType(c))
	}

	findings, err := s.storage.ListFindings(r.Context(), !all, checks...)
	if err != nil {
		log.Error().Err(err).Msg("Failed to fetch findings")
		respondError(w, http.StatusInternalServerError, "database error")
		return
	}

	if findings == nil {
		findings = []models.Finding{}
	}

	respondJSON(w, http.StatusOK, findings)
}

// handleEvents returns the newest audit events.
// Query params: ?zone=Alice_Base&limit=50
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			respondError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	events, err := s.storage.ListEvents(r.Context(), r.URL.Query().Get("zone"), limit)
	if err != nil {
		log.Error().Err(err).Msg("Failed to fetch events")
		respondError(w, http.StatusInternalServerError, "database error")
		return
	}

	if events == nil {
		events = []models.ZoneEvent{}
	}

	respondJSON(w, http.StatusOK, events)
}
