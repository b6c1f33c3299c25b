// QuakeWatch - Earthquake Dashboard Visitor Analytics
// Copyright 2026 QuakeWatch contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/quakewatch/quakewatch

// Package metrics exposes Prometheus instrumentation for the analytics
// subsystem. All collectors are registered on the default registry via
// promauto and served on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SessionsCreated counts new sessions by visitor kind (new/returning).
	SessionsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "quakewatch",
		Subsystem: "sessions",
		Name:      "created_total",
		Help:      "Sessions created, labeled by whether the visitor was new.",
	}, []string{"visitor"})

	// ActivityEvents counts record_activity calls.
	ActivityEvents = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "quakewatch",
		Subsystem: "sessions",
		Name:      "activity_events_total",
		Help:      "Recorded session activity events.",
	})

	// GeoLookups counts geolocation lookups by outcome
	// (ok, cache, unresolved, throttled, error).
	GeoLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "quakewatch",
		Subsystem: "geo",
		Name:      "lookups_total",
		Help:      "Geolocation lookups by outcome.",
	}, []string{"outcome"})

	// SecurityEvents counts emitted security events by type.
	SecurityEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "quakewatch",
		Subsystem: "security",
		Name:      "events_total",
		Help:      "Security events raised, labeled by event type.",
	}, []string{"type"})

	// SweepRuns counts retention sweeps by domain and trigger
	// (probabilistic, manual, scheduled).
	SweepRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "quakewatch",
		Subsystem: "retention",
		Name:      "sweep_runs_total",
		Help:      "Retention sweep executions by domain and trigger.",
	}, []string{"domain", "trigger"})

	// SweepRemoved counts records removed by retention sweeps per domain.
	SweepRemoved = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "quakewatch",
		Subsystem: "retention",
		Name:      "removed_total",
		Help:      "Records removed by retention sweeps per domain.",
	}, []string{"domain"})

	// StoreLockTimeouts counts per-domain lock acquisition timeouts.
	StoreLockTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "quakewatch",
		Subsystem: "storage",
		Name:      "lock_timeouts_total",
		Help:      "Domain lock acquisitions that exceeded the retry budget.",
	})

	// RequestDuration observes HTTP handler latency.
	RequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "quakewatch",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request latency by route and status class.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"route", "status"})
)
