// QuakeWatch - Earthquake Dashboard Visitor Analytics
// Copyright 2026 QuakeWatch contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/quakewatch/quakewatch

package security

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	json "github.com/goccy/go-json"

	"github.com/quakewatch/quakewatch/internal/events"
	"github.com/quakewatch/quakewatch/internal/storage"
)

var errDiskGone = errors.New("disk gone")

// brokenStore fails every operation and counts attempted updates.
type brokenStore struct {
	updates atomic.Int64
}

var _ storage.Store = (*brokenStore)(nil)

func (s *brokenStore) Read(context.Context, string) ([]byte, error) { return nil, errDiskGone }

func (s *brokenStore) Write(context.Context, string, []byte) error { return errDiskGone }

func (s *brokenStore) Update(context.Context, string, func([]byte) ([]byte, error)) error {
	s.updates.Add(1)
	return errDiskGone
}

func (s *brokenStore) Close() error { return nil }

func publishEvent(t *testing.T, bus *events.Bus, ev Event) {
	t.Helper()
	payload, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	if err := bus.Publish(events.TopicSecurityEvents, payload); err != nil {
		t.Fatalf("publish: %v", err)
	}
}

// A persistent store failure drops the event and nothing else: the writer
// keeps consuming and stops cleanly on cancellation.
func TestEventWriter_StoreFailureDropsEventAndKeepsServing(t *testing.T) {
	bus := events.NewBus()
	t.Cleanup(func() { _ = bus.Close() })

	store := &brokenStore{}
	writer := NewEventWriter(bus, NewEventStore(store))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- writer.Serve(ctx) }()

	// The bus drops messages published before the subscription is up, so
	// publish until the first append attempt lands.
	deadline := time.Now().Add(2 * time.Second)
	for store.updates.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("writer never attempted an append")
		}
		publishEvent(t, bus, NewEvent(EventDataExport, time.Now().UTC()))
		time.Sleep(5 * time.Millisecond)
	}

	// A second delivery after the failure proves the writer survived it.
	seen := store.updates.Load()
	publishEvent(t, bus, NewEvent(EventConfigChange, time.Now().UTC()))
	for store.updates.Load() == seen {
		if time.Now().After(deadline) {
			t.Fatal("writer stopped consuming after a store failure")
		}
		select {
		case err := <-done:
			t.Fatalf("Serve exited on store failure: %v", err)
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("Serve = %v, want nil or context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("writer did not stop on cancellation")
	}
}

// Delivered events land in the store; an undecodable payload in between is
// dropped without disturbing the stream.
func TestEventWriter_AppendsDeliveredEvents(t *testing.T) {
	fs, err := storage.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	t.Cleanup(func() { _ = fs.Close() })

	bus := events.NewBus()
	t.Cleanup(func() { _ = bus.Close() })
	store := NewEventStore(fs)
	writer := NewEventWriter(bus, store)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = writer.Serve(ctx) }()

	ev := NewEvent(EventConfigChange, time.Now().UTC())
	deadline := time.Now().Add(2 * time.Second)
	var listed []Event
	for len(listed) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("event never reached the store")
		}
		if err := bus.Publish(events.TopicSecurityEvents, []byte("{not json")); err != nil {
			t.Fatalf("publish garbage: %v", err)
		}
		publishEvent(t, bus, ev)
		time.Sleep(5 * time.Millisecond)

		listed, err = store.List(context.Background(), Filter{})
		if err != nil {
			t.Fatalf("List: %v", err)
		}
	}

	for _, got := range listed {
		if got.Type != EventConfigChange || got.ID != ev.ID {
			t.Errorf("unexpected stored event: %+v", got)
		}
	}
}
