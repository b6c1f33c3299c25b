// QuakeWatch - Earthquake Dashboard Visitor Analytics
// Copyright 2026 QuakeWatch contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/quakewatch/quakewatch

// Package visitormetrics maintains aggregate dashboard usage counters:
// unique visitors, page views, per-day buckets and popularity tallies.
// Every write is a whole-document update through the shared store; daily
// buckets age out under the metrics retention policy.
package visitormetrics

import (
	"context"
	"sort"
	"time"

	"github.com/quakewatch/quakewatch/internal/storage"
)

// DayFormat keys the per-day buckets.
const DayFormat = "2006-01-02"

// Document is the persisted visitor metrics domain.
type Document struct {
	UniqueVisitors  map[string]bool `json:"unique_visitors"`
	TotalPageViews  int             `json:"total_page_views"`
	TotalSessions   int             `json:"total_sessions"`
	DailyVisitors   map[string]int  `json:"daily_visitors"`
	DailyPageViews  map[string]int  `json:"daily_page_views"`
	PopularFeeds    map[string]int  `json:"popular_feeds"`
	PopularViews    map[string]int  `json:"popular_views"`
	UserActions     map[string]int  `json:"user_actions"`
	FirstRecordedAt time.Time       `json:"first_recorded_at"`
}

func (d *Document) init() {
	if d.UniqueVisitors == nil {
		d.UniqueVisitors = make(map[string]bool)
	}
	if d.DailyVisitors == nil {
		d.DailyVisitors = make(map[string]int)
	}
	if d.DailyPageViews == nil {
		d.DailyPageViews = make(map[string]int)
	}
	if d.PopularFeeds == nil {
		d.PopularFeeds = make(map[string]int)
	}
	if d.PopularViews == nil {
		d.PopularViews = make(map[string]int)
	}
	if d.UserActions == nil {
		d.UserActions = make(map[string]int)
	}
	if d.FirstRecordedAt.IsZero() {
		d.FirstRecordedAt = time.Now().UTC()
	}
}

// Store records and reads visitor metrics.
type Store struct {
	store storage.Store
}

// NewStore returns a store over the visitor_metrics domain.
func NewStore(store storage.Store) *Store {
	return &Store{store: store}
}

// RecordSession counts a session start and, for day-first visits, the
// visitor in the daily bucket.
func (s *Store) RecordSession(ctx context.Context, visitorID string, at time.Time) error {
	day := at.UTC().Format(DayFormat)
	return storage.UpdateJSON(ctx, s.store, storage.DomainVisitorMetrics, func(doc *Document) error {
		doc.init()
		doc.TotalSessions++
		if !doc.UniqueVisitors[visitorID] {
			doc.UniqueVisitors[visitorID] = true
		}
		doc.DailyVisitors[day]++
		return nil
	})
}

// RecordPageView counts one page view.
func (s *Store) RecordPageView(ctx context.Context, at time.Time) error {
	day := at.UTC().Format(DayFormat)
	return storage.UpdateJSON(ctx, s.store, storage.DomainVisitorMetrics, func(doc *Document) error {
		doc.init()
		doc.TotalPageViews++
		doc.DailyPageViews[day]++
		return nil
	})
}

// RecordAction tallies a named user action. Feed selections and view
// switches additionally feed the popularity counters.
func (s *Store) RecordAction(ctx context.Context, action, target string) error {
	return storage.UpdateJSON(ctx, s.store, storage.DomainVisitorMetrics, func(doc *Document) error {
		doc.init()
		doc.UserActions[action]++
		switch action {
		case "select_feed":
			if target != "" {
				doc.PopularFeeds[target]++
			}
		case "switch_view":
			if target != "" {
				doc.PopularViews[target]++
			}
		}
		return nil
	})
}

// Summary is the aggregate rollup.
type Summary struct {
	UniqueVisitors   int            `json:"unique_visitors"`
	TotalSessions    int            `json:"total_sessions"`
	TotalPageViews   int            `json:"total_page_views"`
	DaysTracked      int            `json:"days_tracked"`
	AvgDailyVisitors float64        `json:"avg_daily_visitors"`
	PopularFeeds     map[string]int `json:"popular_feeds"`
	PopularViews     map[string]int `json:"popular_views"`
	UserActions      map[string]int `json:"user_actions"`
	FirstRecordedAt  time.Time      `json:"first_recorded_at"`
}

// Summarize computes the rollup from the current document.
func (s *Store) Summarize(ctx context.Context) (Summary, error) {
	var doc Document
	if err := storage.LoadJSON(ctx, s.store, storage.DomainVisitorMetrics, &doc); err != nil {
		return Summary{}, err
	}
	doc.init()

	sum := Summary{
		UniqueVisitors:  len(doc.UniqueVisitors),
		TotalSessions:   doc.TotalSessions,
		TotalPageViews:  doc.TotalPageViews,
		DaysTracked:     len(doc.DailyVisitors),
		PopularFeeds:    doc.PopularFeeds,
		PopularViews:    doc.PopularViews,
		UserActions:     doc.UserActions,
		FirstRecordedAt: doc.FirstRecordedAt,
	}
	if sum.DaysTracked > 0 {
		total := 0
		for _, n := range doc.DailyVisitors {
			total += n
		}
		sum.AvgDailyVisitors = float64(total) / float64(sum.DaysTracked)
	}
	return sum, nil
}

// DailyPoint is one day in the daily series.
type DailyPoint struct {
	Date      string `json:"date"`
	Visitors  int    `json:"visitors"`
	PageViews int    `json:"page_views"`
}

// Daily returns the most recent `days` daily buckets in date order. Days
// with no traffic are included as zeros so charts have a continuous axis.
func (s *Store) Daily(ctx context.Context, days int, now time.Time) ([]DailyPoint, error) {
	if days <= 0 {
		days = 30
	}
	var doc Document
	if err := storage.LoadJSON(ctx, s.store, storage.DomainVisitorMetrics, &doc); err != nil {
		return nil, err
	}
	doc.init()

	out := make([]DailyPoint, 0, days)
	for i := days - 1; i >= 0; i-- {
		day := now.UTC().AddDate(0, 0, -i).Format(DayFormat)
		out = append(out, DailyPoint{
			Date:      day,
			Visitors:  doc.DailyVisitors[day],
			PageViews: doc.DailyPageViews[day],
		})
	}
	return out, nil
}

// Snapshot returns a copy of the whole document for export.
func (s *Store) Snapshot(ctx context.Context) (Document, error) {
	var doc Document
	if err := storage.LoadJSON(ctx, s.store, storage.DomainVisitorMetrics, &doc); err != nil {
		return Document{}, err
	}
	doc.init()
	return doc, nil
}

// Prune removes daily buckets strictly older than the cutoff date and
// returns how many bucket entries were removed. Aggregate totals are
// retained; only the dated series is bounded.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int, error) {
	cutoffDay := cutoff.UTC().Format(DayFormat)
	removed := 0
	err := storage.UpdateJSON(ctx, s.store, storage.DomainVisitorMetrics, func(doc *Document) error {
		doc.init()
		for _, buckets := range []map[string]int{doc.DailyVisitors, doc.DailyPageViews} {
			for day := range buckets {
				if day < cutoffDay {
					delete(buckets, day)
					removed++
				}
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}

// TopN returns the n highest-count keys of a popularity map, descending.
func TopN(m map[string]int, n int) []string {
	type kv struct {
		k string
		v int
	}
	pairs := make([]kv, 0, len(m))
	for k, v := range m {
		pairs = append(pairs, kv{k, v})
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].v != pairs[j].v {
			return pairs[i].v > pairs[j].v
		}
		return pairs[i].k < pairs[j].k
	})
	if n > 0 && len(pairs) > n {
		pairs = pairs[:n]
	}
	out := make([]string, len(pairs))
	for i, p := range pairs {
		out[i] = p.k
	}
	return out
}
