// QuakeWatch - Earthquake Dashboard Visitor Analytics
// Copyright 2026 QuakeWatch contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/quakewatch/quakewatch

package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

type counterDoc struct {
	Count int `json:"count"`
}

func newTestStore(t *testing.T) *FileStore {
	t.Helper()
	s, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestFileStore_ReadMissing(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Read(context.Background(), "nothing")
	if !errors.Is(err, ErrNotExist) {
		t.Fatalf("Read missing domain: got %v, want ErrNotExist", err)
	}
}

func TestFileStore_WriteReadRoundtrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	want := []byte(`{"count":7}`)
	if err := s.Write(ctx, "counters", want); err != nil {
		t.Fatalf("Write: %v", err)
	}

	got, err := s.Read(ctx, "counters")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(got) != string(want) {
		t.Errorf("Read = %s, want %s", got, want)
	}
}

func TestFileStore_UpdateAbortLeavesDocument(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Write(ctx, "counters", []byte(`{"count":1}`)); err != nil {
		t.Fatalf("Write: %v", err)
	}

	boom := errors.New("boom")
	err := s.Update(ctx, "counters", func(data []byte) ([]byte, error) {
		return nil, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Update: got %v, want boom", err)
	}

	got, err := s.Read(ctx, "counters")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(got) != `{"count":1}` {
		t.Errorf("document changed after aborted update: %s", got)
	}
}

// Two concurrent increments through UpdateJSON must both land: the domain
// lock serializes read-modify-write cycles so no update is lost.
func TestFileStore_ConcurrentUpdatesNoLostWrites(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	const writers = 20
	const perWriter = 5

	var wg sync.WaitGroup
	errCh := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWriter; j++ {
				err := UpdateJSON(ctx, s, "counters", func(doc *counterDoc) error {
					doc.Count++
					return nil
				})
				if err != nil {
					errCh <- err
					return
				}
			}
		}()
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Fatalf("concurrent update: %v", err)
	}

	var doc counterDoc
	if err := LoadJSON(ctx, s, "counters", &doc); err != nil {
		t.Fatalf("LoadJSON: %v", err)
	}
	if doc.Count != writers*perWriter {
		t.Errorf("count = %d, want %d", doc.Count, writers*perWriter)
	}
}

func TestFileStore_CorruptedDocumentStartsEmpty(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := os.WriteFile(filepath.Join(s.Dir(), "counters.json"), []byte("{not json"), 0o600); err != nil {
		t.Fatalf("seed corrupt file: %v", err)
	}

	var doc counterDoc
	if err := LoadJSON(ctx, s, "counters", &doc); err != nil {
		t.Fatalf("LoadJSON on corrupt doc: %v", err)
	}
	if doc.Count != 0 {
		t.Errorf("corrupt doc should decode as empty, got count %d", doc.Count)
	}

	// Updates recover the domain from the empty document.
	err := UpdateJSON(ctx, s, "counters", func(doc *counterDoc) error {
		doc.Count = 3
		return nil
	})
	if err != nil {
		t.Fatalf("UpdateJSON on corrupt doc: %v", err)
	}
	if err := LoadJSON(ctx, s, "counters", &doc); err != nil {
		t.Fatalf("LoadJSON: %v", err)
	}
	if doc.Count != 3 {
		t.Errorf("count = %d, want 3", doc.Count)
	}
}

func TestFileStore_StaleLockBroken(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	lockPath := filepath.Join(s.Dir(), "counters.lock")
	if err := os.WriteFile(lockPath, []byte("dead"), 0o600); err != nil {
		t.Fatalf("seed lock file: %v", err)
	}
	// Age the lock past the stale threshold.
	old := timeNowMinus(t, staleLockAge*2)
	if err := os.Chtimes(lockPath, old, old); err != nil {
		t.Fatalf("age lock file: %v", err)
	}

	if err := s.Write(ctx, "counters", []byte(`{}`)); err != nil {
		t.Fatalf("Write with stale lock present: %v", err)
	}
}

// A live lock held by another process must surface ErrLockTimeout once the
// bounded retries run out, leaving the document untouched.
func TestFileStore_HeldLockTimesOut(t *testing.T) {
	s := newTestStore(t)
	s.lockTimeout = 100 * time.Millisecond
	ctx := context.Background()

	if err := s.Write(ctx, "counters", []byte(`{"count":1}`)); err != nil {
		t.Fatalf("Write: %v", err)
	}

	// A fresh lock file stands in for another process mid-update; it is far
	// younger than the stale threshold, so it is never broken.
	lockPath := filepath.Join(s.Dir(), "counters.lock")
	if err := os.WriteFile(lockPath, []byte("held"), 0o600); err != nil {
		t.Fatalf("seed lock file: %v", err)
	}

	err := s.Write(ctx, "counters", []byte(`{"count":2}`))
	if !errors.Is(err, ErrLockTimeout) {
		t.Fatalf("Write under held lock: got %v, want ErrLockTimeout", err)
	}

	if err := os.Remove(lockPath); err != nil {
		t.Fatalf("release lock: %v", err)
	}
	got, err := s.Read(ctx, "counters")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(got) != `{"count":1}` {
		t.Errorf("document changed by timed-out update: %s", got)
	}
}

func TestFileStore_ClosedRejectsUpdates(t *testing.T) {
	s := newTestStore(t)
	_ = s.Close()

	err := s.Write(context.Background(), "counters", []byte(`{}`))
	if !errors.Is(err, ErrClosed) {
		t.Fatalf("Write after Close: got %v, want ErrClosed", err)
	}
}
