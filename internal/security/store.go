// QuakeWatch - Earthquake Dashboard Visitor Analytics
// Copyright 2026 QuakeWatch contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/quakewatch/quakewatch

package security

import (
	"context"
	"sort"
	"time"

	"github.com/quakewatch/quakewatch/internal/storage"
)

// eventDocument is the persisted shape of the security event domain.
type eventDocument struct {
	Events []Event `json:"events"`
}

// EventStore persists security events in the shared document store.
type EventStore struct {
	store storage.Store
}

// NewEventStore returns a store over the security_events domain.
func NewEventStore(store storage.Store) *EventStore {
	return &EventStore{store: store}
}

// Append adds events to the log. Appending nothing is a no-op.
func (s *EventStore) Append(ctx context.Context, events ...Event) error {
	if len(events) == 0 {
		return nil
	}
	return storage.UpdateJSON(ctx, s.store, storage.DomainSecurityEvents, func(doc *eventDocument) error {
		doc.Events = append(doc.Events, events...)
		return nil
	})
}

// Filter selects events from List.
type Filter struct {
	// Since drops events before this time when non-zero.
	Since time.Time

	// Types restricts to the given types when non-empty.
	Types []EventType

	// VisitorID restricts to one visitor when non-empty.
	VisitorID string

	// Limit caps the result count when positive, keeping the most recent.
	Limit int
}

// List returns matching events, newest first.
func (s *EventStore) List(ctx context.Context, f Filter) ([]Event, error) {
	var doc eventDocument
	if err := storage.LoadJSON(ctx, s.store, storage.DomainSecurityEvents, &doc); err != nil {
		return nil, err
	}

	typeSet := make(map[EventType]struct{}, len(f.Types))
	for _, t := range f.Types {
		typeSet[t] = struct{}{}
	}

	var out []Event
	for _, ev := range doc.Events {
		if !f.Since.IsZero() && ev.Timestamp.Before(f.Since) {
			continue
		}
		if len(typeSet) > 0 {
			if _, ok := typeSet[ev.Type]; !ok {
				continue
			}
		}
		if f.VisitorID != "" && ev.VisitorID != f.VisitorID {
			continue
		}
		out = append(out, ev)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// CountByType returns event counts per type since the given time.
func (s *EventStore) CountByType(ctx context.Context, since time.Time) (map[EventType]int, error) {
	events, err := s.List(ctx, Filter{Since: since})
	if err != nil {
		return nil, err
	}
	counts := make(map[EventType]int)
	for _, ev := range events {
		counts[ev.Type]++
	}
	return counts, nil
}

// Prune removes events older than the cutoff and returns how many were
// removed. Pruning an already-pruned log removes zero.
func (s *EventStore) Prune(ctx context.Context, olderThan time.Time) (int, error) {
	removed := 0
	err := storage.UpdateJSON(ctx, s.store, storage.DomainSecurityEvents, func(doc *eventDocument) error {
		kept := doc.Events[:0]
		for _, ev := range doc.Events {
			if ev.Timestamp.Before(olderThan) {
				removed++
				continue
			}
			kept = append(kept, ev)
		}
		doc.Events = kept
		return nil
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}
