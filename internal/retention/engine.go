// QuakeWatch - Earthquake Dashboard Visitor Analytics
// Copyright 2026 QuakeWatch contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/quakewatch/quakewatch

// Package retention enforces the per-domain data lifetime policy. Sweeps
// are idempotent deletions of expired records; they run probabilistically
// on tracking traffic, on a fixed schedule, and on demand from the admin
// surface. All sweeps share the per-domain document locks with live
// traffic, so a sweep can never interleave with a half-applied update.
package retention

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/quakewatch/quakewatch/internal/config"
	"github.com/quakewatch/quakewatch/internal/logging"
	"github.com/quakewatch/quakewatch/internal/metrics"
)

// Domain names a sweepable data domain.
type Domain string

const (
	DomainSessions Domain = "sessions"
	DomainSecurity Domain = "security_events"
	DomainMetrics  Domain = "visitor_metrics"
	DomainExports  Domain = "exports"
)

// Domains lists every sweepable domain.
var Domains = []Domain{DomainSessions, DomainSecurity, DomainMetrics, DomainExports}

// ErrUnknownDomain is returned for a sweep request naming no known domain.
var ErrUnknownDomain = fmt.Errorf("retention: unknown domain")

// SessionPruner removes expired session/visitor records.
type SessionPruner interface {
	Prune(ctx context.Context, olderThan time.Time) (int, error)
}

// EventPruner removes expired security events.
type EventPruner interface {
	Prune(ctx context.Context, olderThan time.Time) (int, error)
}

// MetricsPruner removes expired daily metric buckets.
type MetricsPruner interface {
	Prune(ctx context.Context, cutoff time.Time) (int, error)
}

// Engine coordinates sweeps across domains.
type Engine struct {
	cfg        *config.Manager
	sessions   SessionPruner
	events     EventPruner
	vmetrics   MetricsPruner
	exportsDir string

	mu  sync.Mutex
	rng *rand.Rand
}

// NewEngine wires the engine to its pruners. exportsDir may be empty when
// no export directory is configured.
func NewEngine(cfg *config.Manager, sessions SessionPruner, events EventPruner, vmetrics MetricsPruner, exportsDir string) *Engine {
	return &Engine{
		cfg:        cfg,
		sessions:   sessions,
		events:     events,
		vmetrics:   vmetrics,
		exportsDir: exportsDir,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Sweep removes expired records from one domain as of now and returns the
// number of records removed. Sweeping twice at the same instant removes
// nothing the second time.
func (e *Engine) Sweep(ctx context.Context, domain Domain, now time.Time) (int, error) {
	policy := e.cfg.Get().Retention

	var (
		removed int
		err     error
	)
	switch domain {
	case DomainSessions:
		cutoff := now.AddDate(0, 0, -policy.SessionRetentionDays)
		removed, err = e.sessions.Prune(ctx, cutoff)
	case DomainSecurity:
		cutoff := now.AddDate(0, 0, -policy.SecurityLogRetentionDays)
		removed, err = e.events.Prune(ctx, cutoff)
	case DomainMetrics:
		cutoff := now.AddDate(0, 0, -policy.MetricsRetentionDays)
		removed, err = e.vmetrics.Prune(ctx, cutoff)
	case DomainExports:
		removed, err = e.sweepExports(policy.ExportBackupCount)
	default:
		return 0, fmt.Errorf("%w: %s", ErrUnknownDomain, domain)
	}
	if err != nil {
		return 0, fmt.Errorf("sweep %s: %w", domain, err)
	}

	metrics.SweepRemoved.WithLabelValues(string(domain)).Add(float64(removed))
	if removed > 0 {
		logging.Info().
			Str("domain", string(domain)).
			Int("removed", removed).
			Msg("retention sweep removed records")
	}
	return removed, nil
}

// SweepAll sweeps every domain and returns per-domain removal counts. The
// first error aborts remaining domains.
func (e *Engine) SweepAll(ctx context.Context, now time.Time, trigger string) (map[Domain]int, error) {
	out := make(map[Domain]int, len(Domains))
	for _, domain := range Domains {
		metrics.SweepRuns.WithLabelValues(string(domain), trigger).Inc()
		removed, err := e.Sweep(ctx, domain, now)
		if err != nil {
			return out, err
		}
		out[domain] = removed
	}
	return out, nil
}

// MaybeSweep runs a full sweep with probability cleanup_frequency_percent.
// It runs in the calling goroutine's background: tracking requests only pay
// the coin flip, never the sweep. Implements session.Sweeper.
func (e *Engine) MaybeSweep(ctx context.Context) {
	percent := e.cfg.Get().Retention.CleanupFrequencyPercent
	if percent <= 0 {
		return
	}

	e.mu.Lock()
	roll := e.rng.Intn(100)
	e.mu.Unlock()
	if roll >= percent {
		return
	}

	go func() {
		// Detach from the request context: the sweep outlives the request.
		sweepCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Minute)
		defer cancel()
		if _, err := e.SweepAll(sweepCtx, time.Now().UTC(), "probabilistic"); err != nil {
			logging.Warn().Err(err).Msg("probabilistic sweep failed")
		}
	}()
}

// sweepExports enforces the export file count cap, deleting oldest first.
func (e *Engine) sweepExports(keep int) (int, error) {
	if e.exportsDir == "" || keep <= 0 {
		return 0, nil
	}

	entries, err := os.ReadDir(e.exportsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("read exports dir: %w", err)
	}

	type exportFile struct {
		name string
		mod  time.Time
	}
	var files []exportFile
	for _, entry := range entries {
		if entry.IsDir() || !isExportFile(entry.Name()) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		files = append(files, exportFile{name: entry.Name(), mod: info.ModTime()})
	}
	if len(files) <= keep {
		return 0, nil
	}

	sort.Slice(files, func(i, j int) bool { return files[i].mod.Before(files[j].mod) })

	removed := 0
	for _, f := range files[:len(files)-keep] {
		if err := os.Remove(filepath.Join(e.exportsDir, f.name)); err != nil {
			logging.Warn().Err(err).Str("file", f.name).Msg("failed to remove expired export")
			continue
		}
		removed++
	}
	return removed, nil
}

func isExportFile(name string) bool {
	return strings.HasSuffix(name, ".json") || strings.HasSuffix(name, ".csv")
}
