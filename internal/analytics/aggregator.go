// QuakeWatch - Earthquake Dashboard Visitor Analytics
// Copyright 2026 QuakeWatch contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/quakewatch/quakewatch

// Package analytics assembles read-only rollups and exports over the
// persisted domains. Every read is a point-in-time snapshot: whole-document
// reads are atomic, so a summary never observes a torn update.
package analytics

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	json "github.com/goccy/go-json"

	"github.com/quakewatch/quakewatch/internal/security"
	"github.com/quakewatch/quakewatch/internal/session"
	"github.com/quakewatch/quakewatch/internal/visitormetrics"
)

// Export errors.
var (
	ErrUnknownExportDomain = errors.New("analytics: unknown export domain")
	ErrUnsupportedFormat   = errors.New("analytics: unsupported export format")
)

// securityLookback bounds the "recent security events" figure in summaries.
const securityLookback = 30 * 24 * time.Hour

// Aggregator reads across the session, security and metrics domains.
type Aggregator struct {
	sessions   *session.Store
	events     *security.EventStore
	vmetrics   *visitormetrics.Store
	exportsDir string
	nowFn      func() time.Time
}

// New creates an aggregator. exportsDir receives timestamped export files;
// empty disables WriteExport.
func New(sessions *session.Store, events *security.EventStore, vm *visitormetrics.Store, exportsDir string) *Aggregator {
	return &Aggregator{
		sessions:   sessions,
		events:     events,
		vmetrics:   vm,
		exportsDir: exportsDir,
		nowFn:      func() time.Time { return time.Now().UTC() },
	}
}

// Summary is the combined dashboard rollup.
type Summary struct {
	GeneratedAt         time.Time      `json:"generated_at"`
	UniqueVisitors      int            `json:"unique_visitors"`
	TotalSessions       int            `json:"total_sessions"`
	ActiveSessions      int            `json:"active_sessions"`
	TotalPageViews      int            `json:"total_page_views"`
	UniqueLocations     int            `json:"unique_locations"`
	UniqueDevices       int            `json:"unique_devices"`
	AvgSessionMinutes   float64        `json:"avg_session_minutes"`
	AvgDailyVisitors    float64        `json:"avg_daily_visitors"`
	PopularFeeds        []string       `json:"popular_feeds"`
	PopularViews        []string       `json:"popular_views"`
	RecentSecurityCount int            `json:"recent_security_events"`
	SecurityByType      map[string]int `json:"security_by_type"`
}

// Summarize builds the combined rollup.
func (a *Aggregator) Summarize(ctx context.Context) (Summary, error) {
	now := a.nowFn()

	stats, err := a.sessions.Stats(ctx)
	if err != nil {
		return Summary{}, fmt.Errorf("session stats: %w", err)
	}
	vm, err := a.vmetrics.Summarize(ctx)
	if err != nil {
		return Summary{}, fmt.Errorf("visitor metrics: %w", err)
	}
	byType, err := a.events.CountByType(ctx, now.Add(-securityLookback))
	if err != nil {
		return Summary{}, fmt.Errorf("security counts: %w", err)
	}

	securityByType := make(map[string]int, len(byType))
	total := 0
	for t, n := range byType {
		securityByType[string(t)] = n
		total += n
	}

	return Summary{
		GeneratedAt:         now,
		UniqueVisitors:      vm.UniqueVisitors,
		TotalSessions:       vm.TotalSessions,
		ActiveSessions:      stats.ActiveSessions,
		TotalPageViews:      vm.TotalPageViews,
		UniqueLocations:     stats.UniqueLocations,
		UniqueDevices:       stats.UniqueDevices,
		AvgSessionMinutes:   stats.AvgDuration.Minutes(),
		AvgDailyVisitors:    vm.AvgDailyVisitors,
		PopularFeeds:        visitormetrics.TopN(vm.PopularFeeds, 5),
		PopularViews:        visitormetrics.TopN(vm.PopularViews, 5),
		RecentSecurityCount: total,
		SecurityByType:      securityByType,
	}, nil
}

// SecuritySummary lists recent events with per-type counts.
type SecuritySummary struct {
	GeneratedAt time.Time        `json:"generated_at"`
	Since       time.Time        `json:"since"`
	Total       int              `json:"total"`
	ByType      map[string]int   `json:"by_type"`
	BySeverity  map[string]int   `json:"by_severity"`
	Recent      []security.Event `json:"recent"`
	Limited     bool             `json:"limited,omitempty"`
}

// SummarizeSecurity builds the security rollup over the lookback window.
func (a *Aggregator) SummarizeSecurity(ctx context.Context, limit int) (SecuritySummary, error) {
	now := a.nowFn()
	since := now.Add(-securityLookback)

	events, err := a.events.List(ctx, security.Filter{Since: since})
	if err != nil {
		return SecuritySummary{}, fmt.Errorf("list security events: %w", err)
	}

	sum := SecuritySummary{
		GeneratedAt: now,
		Since:       since,
		Total:       len(events),
		ByType:      make(map[string]int),
		BySeverity:  make(map[string]int),
	}
	for _, ev := range events {
		sum.ByType[string(ev.Type)]++
		sum.BySeverity[string(ev.Severity)]++
	}
	if limit <= 0 {
		limit = 50
	}
	if len(events) > limit {
		events = events[:limit]
		sum.Limited = true
	}
	sum.Recent = events
	return sum, nil
}

// Daily proxies the per-day series.
func (a *Aggregator) Daily(ctx context.Context, days int) ([]visitormetrics.DailyPoint, error) {
	return a.vmetrics.Daily(ctx, days, a.nowFn())
}

// Export serializes a point-in-time snapshot of one domain. Supported
// domains: summary, sessions, security_events, visitor_metrics. Formats:
// json everywhere, csv for sessions and security_events.
func (a *Aggregator) Export(ctx context.Context, domain, format string) ([]byte, error) {
	switch format {
	case "json":
		return a.exportJSON(ctx, domain)
	case "csv":
		return a.exportCSV(ctx, domain)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}
}

// WriteExport runs Export and writes the result to a timestamped file in
// the exports directory, returning the file path.
func (a *Aggregator) WriteExport(ctx context.Context, domain, format string) (string, error) {
	if a.exportsDir == "" {
		return "", errors.New("analytics: no exports directory configured")
	}
	data, err := a.Export(ctx, domain, format)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(a.exportsDir, 0o750); err != nil {
		return "", fmt.Errorf("create exports dir: %w", err)
	}

	name := fmt.Sprintf("%s_%s.%s", domain, a.nowFn().Format("20060102T150405Z"), format)
	path := filepath.Join(a.exportsDir, name)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", fmt.Errorf("write export: %w", err)
	}
	return path, nil
}

func (a *Aggregator) exportJSON(ctx context.Context, domain string) ([]byte, error) {
	var payload interface{}
	switch domain {
	case "summary":
		sum, err := a.Summarize(ctx)
		if err != nil {
			return nil, err
		}
		payload = sum
	case "sessions":
		visitors, sessions, err := a.sessions.Snapshot(ctx)
		if err != nil {
			return nil, err
		}
		payload = map[string]interface{}{
			"exported_at": a.nowFn(),
			"visitors":    visitors,
			"sessions":    sessions,
		}
	case "security_events":
		events, err := a.events.List(ctx, security.Filter{})
		if err != nil {
			return nil, err
		}
		payload = map[string]interface{}{
			"exported_at": a.nowFn(),
			"events":      events,
		}
	case "visitor_metrics":
		doc, err := a.vmetrics.Snapshot(ctx)
		if err != nil {
			return nil, err
		}
		payload = doc
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownExportDomain, domain)
	}
	return json.MarshalIndent(payload, "", "  ")
}

func (a *Aggregator) exportCSV(ctx context.Context, domain string) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	switch domain {
	case "sessions":
		_, sessions, err := a.sessions.Snapshot(ctx)
		if err != nil {
			return nil, err
		}
		if err := w.Write([]string{
			"session_id", "visitor_id", "created_at", "last_activity", "active",
			"ip_address", "location", "device_fingerprint", "pages_viewed",
		}); err != nil {
			return nil, err
		}
		ids := make([]string, 0, len(sessions))
		for id := range sessions {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			s := sessions[id]
			if err := w.Write([]string{
				s.ID, s.VisitorID,
				s.CreatedAt.Format(time.RFC3339), s.LastActivity.Format(time.RFC3339),
				strconv.FormatBool(s.Active),
				s.IPAddress, s.Location.Key(), s.DeviceFingerprint,
				strconv.Itoa(s.PagesViewed),
			}); err != nil {
				return nil, err
			}
		}
	case "security_events":
		events, err := a.events.List(ctx, security.Filter{})
		if err != nil {
			return nil, err
		}
		if err := w.Write([]string{"id", "type", "severity", "timestamp", "visitor_id", "session_id", "ip_address"}); err != nil {
			return nil, err
		}
		for _, ev := range events {
			if err := w.Write([]string{
				ev.ID, string(ev.Type), string(ev.Severity),
				ev.Timestamp.Format(time.RFC3339),
				ev.VisitorID, ev.SessionID, ev.IPAddress,
			}); err != nil {
				return nil, err
			}
		}
	case "summary", "visitor_metrics":
		return nil, fmt.Errorf("%w: csv not available for %s", ErrUnsupportedFormat, domain)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownExportDomain, domain)
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
