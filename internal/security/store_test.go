// QuakeWatch - Earthquake Dashboard Visitor Analytics
// Copyright 2026 QuakeWatch contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/quakewatch/quakewatch

package security

import (
	"context"
	"testing"
	"time"

	"github.com/quakewatch/quakewatch/internal/storage"
)

func newTestEventStore(t *testing.T) *EventStore {
	t.Helper()
	fs, err := storage.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	t.Cleanup(func() { _ = fs.Close() })
	return NewEventStore(fs)
}

func eventAt(t EventType, at time.Time) Event {
	ev := NewEvent(t, at)
	ev.VisitorID = "v-1"
	return ev
}

func TestEventStore_AppendAndList(t *testing.T) {
	s := newTestEventStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if err := s.Append(ctx,
		eventAt(EventDeviceChange, now.Add(-2*time.Hour)),
		eventAt(EventLocationChange, now.Add(-time.Hour)),
		eventAt(EventRateAnomaly, now),
	); err != nil {
		t.Fatalf("Append: %v", err)
	}

	all, err := s.List(ctx, Filter{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("List = %d events, want 3", len(all))
	}
	// Newest first.
	if all[0].Type != EventRateAnomaly {
		t.Errorf("first event = %s, want RATE_ANOMALY", all[0].Type)
	}

	filtered, err := s.List(ctx, Filter{Types: []EventType{EventLocationChange}})
	if err != nil {
		t.Fatalf("List filtered: %v", err)
	}
	if len(filtered) != 1 || filtered[0].Type != EventLocationChange {
		t.Errorf("filtered = %+v", filtered)
	}

	since, err := s.List(ctx, Filter{Since: now.Add(-90 * time.Minute)})
	if err != nil {
		t.Fatalf("List since: %v", err)
	}
	if len(since) != 2 {
		t.Errorf("since filter = %d events, want 2", len(since))
	}

	limited, err := s.List(ctx, Filter{Limit: 1})
	if err != nil {
		t.Fatalf("List limited: %v", err)
	}
	if len(limited) != 1 {
		t.Errorf("limit = %d events, want 1", len(limited))
	}
}

func TestEventStore_CountByType(t *testing.T) {
	s := newTestEventStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if err := s.Append(ctx,
		eventAt(EventDeviceChange, now),
		eventAt(EventDeviceChange, now),
		eventAt(EventConfigChange, now),
	); err != nil {
		t.Fatalf("Append: %v", err)
	}

	counts, err := s.CountByType(ctx, now.Add(-time.Minute))
	if err != nil {
		t.Fatalf("CountByType: %v", err)
	}
	if counts[EventDeviceChange] != 2 || counts[EventConfigChange] != 1 {
		t.Errorf("counts = %+v", counts)
	}
}

func TestEventStore_PruneIdempotent(t *testing.T) {
	s := newTestEventStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if err := s.Append(ctx,
		eventAt(EventDeviceChange, now.AddDate(0, 0, -400)),
		eventAt(EventLocationChange, now.AddDate(0, 0, -10)),
	); err != nil {
		t.Fatalf("Append: %v", err)
	}

	cutoff := now.AddDate(0, 0, -365)
	removed, err := s.Prune(ctx, cutoff)
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if removed != 1 {
		t.Errorf("first prune removed %d, want 1", removed)
	}

	removed, err = s.Prune(ctx, cutoff)
	if err != nil {
		t.Fatalf("Prune again: %v", err)
	}
	if removed != 0 {
		t.Errorf("second prune removed %d, want 0", removed)
	}

	left, err := s.List(ctx, Filter{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(left) != 1 || left[0].Type != EventLocationChange {
		t.Errorf("surviving events = %+v", left)
	}
}
