// QuakeWatch - Earthquake Dashboard Visitor Analytics
// Copyright 2026 QuakeWatch contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/quakewatch/quakewatch

package security

import (
	"context"
	"fmt"

	json "github.com/goccy/go-json"

	"github.com/quakewatch/quakewatch/internal/events"
	"github.com/quakewatch/quakewatch/internal/logging"
)

// EventWriter subscribes to the security event topic and appends delivered
// events to the store. It runs as a supervised service: a store failure is
// logged, the message is acked and dropped, and the session path that raised
// the event is never disturbed.
type EventWriter struct {
	bus   *events.Bus
	store *EventStore
}

// NewEventWriter wires the bus to the event store.
func NewEventWriter(bus *events.Bus, store *EventStore) *EventWriter {
	return &EventWriter{bus: bus, store: store}
}

// String names the service in supervisor logs.
func (w *EventWriter) String() string { return "security-event-writer" }

// Serve consumes events until ctx is canceled. Implements suture.Service.
func (w *EventWriter) Serve(ctx context.Context) error {
	msgs, err := w.bus.Subscribe(ctx, events.TopicSecurityEvents)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", events.TopicSecurityEvents, err)
	}

	logging.Info().Msg("security event writer started")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			w.handle(ctx, msg.Payload)
			msg.Ack()
		}
	}
}

func (w *EventWriter) handle(ctx context.Context, payload []byte) {
	var ev Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		logging.Error().Err(err).Msg("undecodable security event payload dropped")
		return
	}
	if err := w.store.Append(ctx, ev); err != nil {
		logging.Error().
			Err(err).
			Str("type", string(ev.Type)).
			Str("event_id", ev.ID).
			Msg("security event write failed, event dropped")
	}
}
