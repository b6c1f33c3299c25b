// QuakeWatch - Earthquake Dashboard Visitor Analytics
// Copyright 2026 QuakeWatch contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/quakewatch/quakewatch

package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	// lockRetryInterval is the backoff between lock-file acquisition attempts.
	lockRetryInterval = 25 * time.Millisecond

	// defaultLockTimeout bounds how long an update waits for the domain lock.
	defaultLockTimeout = 5 * time.Second

	// staleLockAge is the age after which a leftover lock file from a
	// crashed process is broken.
	staleLockAge = 30 * time.Second
)

// FileStore persists each domain as <dir>/<domain>.json. Atomic replacement
// is a same-directory temp file followed by rename. Cross-process exclusion
// uses an O_EXCL lock file per domain with bounded retry; in-process callers
// additionally serialize on a per-domain mutex so the common case never
// touches the lock file contention path.
type FileStore struct {
	dir         string
	lockTimeout time.Duration

	mu     sync.Mutex
	locks  map[string]*sync.Mutex
	closed bool
}

// NewFileStore creates the directory if needed and returns a store over it.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	return &FileStore{
		dir:         dir,
		lockTimeout: defaultLockTimeout,
		locks:       make(map[string]*sync.Mutex),
	}, nil
}

// Dir returns the root directory of the store.
func (s *FileStore) Dir() string {
	return s.dir
}

func (s *FileStore) path(domain string) string {
	return filepath.Join(s.dir, domain+".json")
}

func (s *FileStore) lockPath(domain string) string {
	return filepath.Join(s.dir, domain+".lock")
}

// domainMutex returns the in-process mutex for the domain.
func (s *FileStore) domainMutex(domain string) (*sync.Mutex, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	m, ok := s.locks[domain]
	if !ok {
		m = &sync.Mutex{}
		s.locks[domain] = m
	}
	return m, nil
}

// Read returns the current document bytes, or ErrNotExist.
func (s *FileStore) Read(_ context.Context, domain string) ([]byte, error) {
	data, err := os.ReadFile(s.path(domain))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotExist
		}
		return nil, fmt.Errorf("read %s: %w", domain, err)
	}
	return data, nil
}

// Write atomically replaces the domain document under the domain lock.
func (s *FileStore) Write(ctx context.Context, domain string, data []byte) error {
	return s.Update(ctx, domain, func([]byte) ([]byte, error) {
		return data, nil
	})
}

// Update runs fn under the domain's exclusive lock and atomically replaces
// the document with fn's result. A missing document is passed to fn as nil.
func (s *FileStore) Update(ctx context.Context, domain string, fn func(data []byte) ([]byte, error)) error {
	m, err := s.domainMutex(domain)
	if err != nil {
		return err
	}
	m.Lock()
	defer m.Unlock()

	release, err := s.acquireLockFile(ctx, domain)
	if err != nil {
		return err
	}
	defer release()

	current, err := os.ReadFile(s.path(domain))
	if err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("read %s: %w", domain, err)
		}
		current = nil
	}

	next, err := fn(current)
	if err != nil {
		return err
	}

	return s.replaceAtomic(domain, next)
}

// acquireLockFile takes the cross-process advisory lock for the domain,
// retrying with backoff up to the store's lock timeout. A lock file older
// than staleLockAge is treated as abandoned and removed.
func (s *FileStore) acquireLockFile(ctx context.Context, domain string) (func(), error) {
	lockPath := s.lockPath(domain)
	deadline := time.Now().Add(s.lockTimeout)

	for {
		f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err == nil {
			fmt.Fprintf(f, "%d %s\n", os.Getpid(), time.Now().UTC().Format(time.RFC3339))
			_ = f.Close()
			return func() { _ = os.Remove(lockPath) }, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("create lock %s: %w", domain, err)
		}

		if info, statErr := os.Stat(lockPath); statErr == nil {
			if time.Since(info.ModTime()) > staleLockAge {
				_ = os.Remove(lockPath)
				continue
			}
		}

		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: %s", ErrLockTimeout, domain)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(lockRetryInterval):
		}
	}
}

// replaceAtomic writes data to a temp file in the same directory, fsyncs it
// and renames it over the live document. Readers see either the old or the
// new document, never a torn write.
func (s *FileStore) replaceAtomic(domain string, data []byte) error {
	tmp, err := os.CreateTemp(s.dir, domain+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", domain, err)
	}
	tmpName := tmp.Name()

	if _, err = tmp.Write(data); err == nil {
		err = tmp.Sync()
	}
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("write temp for %s: %w", domain, err)
	}

	if err := os.Rename(tmpName, s.path(domain)); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("replace %s: %w", domain, err)
	}
	return nil
}

// Close marks the store closed. Outstanding updates finish; new ones fail.
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
