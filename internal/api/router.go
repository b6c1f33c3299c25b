// QuakeWatch - Earthquake Dashboard Visitor Analytics
// Copyright 2026 QuakeWatch contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/quakewatch/quakewatch

// Package api exposes the HTTP surface: anonymous tracking endpoints for
// the dashboard client, admin endpoints for analytics, configuration and
// maintenance, and the Prometheus scrape endpoint.
package api

import (
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/quakewatch/quakewatch/internal/analytics"
	"github.com/quakewatch/quakewatch/internal/config"
	"github.com/quakewatch/quakewatch/internal/logging"
	"github.com/quakewatch/quakewatch/internal/metrics"
	"github.com/quakewatch/quakewatch/internal/retention"
	"github.com/quakewatch/quakewatch/internal/security"
	"github.com/quakewatch/quakewatch/internal/session"
)

// Server bundles the HTTP handlers and their collaborators.
type Server struct {
	cfg       *config.Manager
	sessions  *session.Store
	analytics *analytics.Aggregator
	monitor   *security.Monitor
	retention *retention.Engine
}

// NewServer wires the handler set.
func NewServer(cfg *config.Manager, sessions *session.Store, agg *analytics.Aggregator, monitor *security.Monitor, engine *retention.Engine) *Server {
	return &Server{
		cfg:       cfg,
		sessions:  sessions,
		analytics: agg,
		monitor:   monitor,
		retention: engine,
	}
}

// Router builds the chi router. CORS origins are read once at build time;
// changing them requires a restart, everything else retunes live.
func (s *Server) Router() http.Handler {
	cfg := s.cfg.Get()

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestMetrics)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.Server.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/track", func(r chi.Router) {
			// The security monitor handles anomaly detection; this limit is
			// plain abuse protection well above legitimate client rates.
			r.Use(httprate.LimitByIP(300, time.Minute))
			r.Post("/session", s.handleTrackSession)
			r.Post("/activity", s.handleTrackActivity)
			r.Post("/end", s.handleTrackEnd)
		})

		r.Get("/health", s.handleHealth)

		r.Group(func(r chi.Router) {
			r.Use(s.adminAuth)
			r.Get("/analytics/summary", s.handleAnalyticsSummary)
			r.Get("/analytics/daily", s.handleAnalyticsDaily)
			r.Get("/analytics/security", s.handleAnalyticsSecurity)
			r.Get("/analytics/export", s.handleAnalyticsExport)
			r.Get("/visitors/{visitorID}/sessions", s.handleVisitorSessions)
			r.Get("/visitors/{visitorID}/locations", s.handleVisitorLocations)
			r.Get("/config", s.handleConfigGet)
			r.Patch("/config", s.handleConfigPatch)
			r.Post("/config/reset", s.handleConfigReset)
			r.Get("/config/export", s.handleConfigExport)
			r.Post("/config/import", s.handleConfigImport)
			r.Post("/cleanup", s.handleCleanup)
		})
	})

	return r
}

// requestMetrics records per-route request durations.
func requestMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = "unmatched"
		}
		status := strconv.Itoa(ww.Status())
		metrics.RequestDuration.WithLabelValues(route, status).Observe(time.Since(start).Seconds())

		logging.Debug().
			Str("method", r.Method).
			Str("route", route).
			Str("status", status).
			Dur("elapsed", time.Since(start)).
			Msg("request")
	})
}

// clientIP returns the request's source address with any port stripped.
// middleware.RealIP has already folded trusted forwarding headers in.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
