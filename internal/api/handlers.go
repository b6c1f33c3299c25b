// QuakeWatch - Earthquake Dashboard Visitor Analytics
// Copyright 2026 QuakeWatch contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/quakewatch/quakewatch

package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	json "github.com/goccy/go-json"

	"github.com/quakewatch/quakewatch/internal/analytics"
	"github.com/quakewatch/quakewatch/internal/config"
	"github.com/quakewatch/quakewatch/internal/logging"
	"github.com/quakewatch/quakewatch/internal/session"
)

// maxBodyBytes bounds request bodies; tracking payloads are tiny and even a
// full config import fits comfortably.
const maxBodyBytes = 1 << 20

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Error().Err(err).Msg("encode response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body: "+err.Error())
		return false
	}
	return true
}

// writeBestEffort is the degraded tracking response: the client keeps its
// identity and retries organically; storage trouble never surfaces as a 5xx
// on the tracking path.
func writeBestEffort(w http.ResponseWriter, err error) {
	logging.Warn().Err(err).Msg("tracking degraded to best effort")
	writeJSON(w, http.StatusAccepted, map[string]bool{"best_effort": true})
}

type trackSessionRequest struct {
	VisitorID        string `json:"visitor_id"`
	ScreenResolution string `json:"screen_resolution"`
	Language         string `json:"language"`
}

func (s *Server) handleTrackSession(w http.ResponseWriter, r *http.Request) {
	if !s.cfg.Get().Analytics.VisitorTrackingEnabled {
		writeJSON(w, http.StatusAccepted, map[string]interface{}{"best_effort": true, "reason": "tracking disabled"})
		return
	}

	var req trackSessionRequest
	if !decodeBody(w, r, &req) {
		return
	}

	res, err := s.sessions.ResolveOrCreate(r.Context(), session.ResolveRequest{
		VisitorID:        req.VisitorID,
		IPAddress:        clientIP(r),
		UserAgent:        r.UserAgent(),
		ScreenResolution: req.ScreenResolution,
		Language:         req.Language,
	})
	if err != nil {
		writeBestEffort(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

type trackActivityRequest struct {
	SessionID string `json:"session_id"`
	Action    string `json:"action"`
	Target    string `json:"target"`
}

func (s *Server) handleTrackActivity(w http.ResponseWriter, r *http.Request) {
	if !s.cfg.Get().Analytics.VisitorTrackingEnabled {
		writeJSON(w, http.StatusAccepted, map[string]interface{}{"best_effort": true, "reason": "tracking disabled"})
		return
	}

	var req trackActivityRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.SessionID == "" {
		writeError(w, http.StatusBadRequest, "session_id required")
		return
	}

	err := s.sessions.RecordActivity(r.Context(), req.SessionID, req.Action, req.Target)
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, "session not found")
	case err != nil:
		writeBestEffort(w, err)
	default:
		writeJSON(w, http.StatusOK, map[string]string{"status": "recorded"})
	}
}

type trackEndRequest struct {
	SessionID string `json:"session_id"`
}

func (s *Server) handleTrackEnd(w http.ResponseWriter, r *http.Request) {
	if !s.cfg.Get().Analytics.VisitorTrackingEnabled {
		writeJSON(w, http.StatusAccepted, map[string]interface{}{"best_effort": true, "reason": "tracking disabled"})
		return
	}

	var req trackEndRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.SessionID == "" {
		writeError(w, http.StatusBadRequest, "session_id required")
		return
	}

	err := s.sessions.EndSession(r.Context(), req.SessionID)
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, "session not found")
	case err != nil:
		writeBestEffort(w, err)
	default:
		writeJSON(w, http.StatusOK, map[string]string{"status": "ended"})
	}
}

func (s *Server) handleAnalyticsSummary(w http.ResponseWriter, r *http.Request) {
	sum, err := s.analytics.Summarize(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "summary failed: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (s *Server) handleAnalyticsDaily(w http.ResponseWriter, r *http.Request) {
	days := queryInt(r, "days", 30)
	if days < 1 || days > 365 {
		writeError(w, http.StatusBadRequest, "days must be between 1 and 365")
		return
	}
	points, err := s.analytics.Daily(r.Context(), days)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "daily series failed: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"days": days, "series": points})
}

func (s *Server) handleAnalyticsSecurity(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	sum, err := s.analytics.SummarizeSecurity(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "security summary failed: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (s *Server) handleAnalyticsExport(w http.ResponseWriter, r *http.Request) {
	domain := r.URL.Query().Get("domain")
	if domain == "" {
		domain = "summary"
	}
	format := r.URL.Query().Get("format")
	if format == "" {
		format = "json"
	}

	path, err := s.analytics.WriteExport(r.Context(), domain, format)
	switch {
	case errors.Is(err, analytics.ErrUnknownExportDomain),
		errors.Is(err, analytics.ErrUnsupportedFormat):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, "export failed: "+err.Error())
		return
	}

	s.monitor.RecordDataExport(Actor(r.Context()), domain, format)

	data, err := os.ReadFile(path)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "read export: "+err.Error())
		return
	}
	if format == "csv" {
		w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	} else {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
	}
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filepath.Base(path)))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		logging.Error().Err(err).Msg("write export response")
	}
}

func (s *Server) handleVisitorSessions(w http.ResponseWriter, r *http.Request) {
	visitorID := chi.URLParam(r, "visitorID")
	sessions, err := s.sessions.VisitorSessions(r.Context(), visitorID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list sessions: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"visitor_id": visitorID,
		"sessions":   sessions,
	})
}

func (s *Server) handleVisitorLocations(w http.ResponseWriter, r *http.Request) {
	visitorID := chi.URLParam(r, "visitorID")
	history, err := s.sessions.LocationHistory(r.Context(), visitorID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "location history: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"visitor_id": visitorID,
		"locations":  history,
	})
}

func (s *Server) handleConfigGet(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, redactConfig(s.cfg.Get()))
}

func (s *Server) handleConfigPatch(w http.ResponseWriter, r *http.Request) {
	var partial map[string]interface{}
	if !decodeBody(w, r, &partial) {
		return
	}
	if len(partial) == 0 {
		writeError(w, http.StatusBadRequest, "empty update")
		return
	}

	cfg, err := s.cfg.Update(r.Context(), partial)
	if err != nil {
		if errors.Is(err, config.ErrInvalidUpdate) {
			writeError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "config update failed: "+err.Error())
		return
	}

	s.monitor.RecordConfigChange(Actor(r.Context()), "update", topLevelKeys(partial))
	writeJSON(w, http.StatusOK, redactConfig(cfg))
}

func (s *Server) handleConfigExport(w http.ResponseWriter, r *http.Request) {
	data, err := s.cfg.Export()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "config export failed: "+err.Error())
		return
	}
	s.monitor.RecordDataExport(Actor(r.Context()), "config", "json")
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="quakewatch_config.json"`)
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		logging.Error().Err(err).Msg("write config export response")
	}
}

func (s *Server) handleConfigImport(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body: "+err.Error())
		return
	}

	cfg, err := s.cfg.Import(r.Context(), data)
	if err != nil {
		if errors.Is(err, config.ErrInvalidUpdate) {
			writeError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "config import failed: "+err.Error())
		return
	}

	s.monitor.RecordConfigChange(Actor(r.Context()), "import", nil)
	writeJSON(w, http.StatusOK, redactConfig(cfg))
}

func (s *Server) handleConfigReset(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.cfg.ResetToDefaults(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "config reset failed: "+err.Error())
		return
	}
	s.monitor.RecordConfigChange(Actor(r.Context()), "reset", nil)
	writeJSON(w, http.StatusOK, redactConfig(cfg))
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	counts, err := s.retention.SweepAll(r.Context(), time.Now().UTC(), "manual")
	if err != nil {
		writeError(w, http.StatusInternalServerError, "cleanup failed: "+err.Error())
		return
	}
	out := make(map[string]int, len(counts))
	for domain, n := range counts {
		out[string(domain)] = n
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"removed": out})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// redactConfig strips secrets before a config leaves the process.
func redactConfig(cfg config.Config) config.Config {
	if cfg.Security.AdminJWTSecret != "" {
		cfg.Security.AdminJWTSecret = "[redacted]"
	}
	return cfg
}

func topLevelKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func queryInt(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}
