// QuakeWatch - Earthquake Dashboard Visitor Analytics
// Copyright 2026 QuakeWatch contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/quakewatch/quakewatch

package storage

import (
	"context"
	"fmt"
	"sync"

	badger "github.com/dgraph-io/badger/v4"
)

// BadgerStore is the embedded-KV alternative to FileStore for deployments
// that outgrow per-domain JSON files. Each domain document is a single key;
// updates run in a badger read-write transaction plus a per-domain mutex so
// the whole-document read-modify-write contract matches FileStore exactly.
type BadgerStore struct {
	db *badger.DB

	mu     sync.Mutex
	locks  map[string]*sync.Mutex
	closed bool
}

// NewBadgerStore opens (or creates) a badger database at dir.
func NewBadgerStore(dir string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %s: %w", dir, err)
	}
	return &BadgerStore{
		db:    db,
		locks: make(map[string]*sync.Mutex),
	}, nil
}

func domainKey(domain string) []byte {
	return []byte("domain:" + domain)
}

func (s *BadgerStore) domainMutex(domain string) (*sync.Mutex, error) {
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
func (s *BadgerStore) Read(_ context.Context, domain string) ([]byte, error) {
	var data []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(domainKey(domain))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		if err == badger.ErrKeyNotFound {
			return nil, ErrNotExist
		}
		return nil, fmt.Errorf("read %s: %w", domain, err)
	}
	return data, nil
}

// Write atomically replaces the domain document.
func (s *BadgerStore) Write(ctx context.Context, domain string, data []byte) error {
	return s.Update(ctx, domain, func([]byte) ([]byte, error) {
		return data, nil
	})
}

// Update runs fn inside a badger transaction under the domain mutex.
func (s *BadgerStore) Update(ctx context.Context, domain string, fn func(data []byte) ([]byte, error)) error {
	m, err := s.domainMutex(domain)
	if err != nil {
		return err
	}
	m.Lock()
	defer m.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	return s.db.Update(func(txn *badger.Txn) error {
		var current []byte
		item, err := txn.Get(domainKey(domain))
		switch {
		case err == badger.ErrKeyNotFound:
			current = nil
		case err != nil:
			return fmt.Errorf("read %s: %w", domain, err)
		default:
			if current, err = item.ValueCopy(nil); err != nil {
				return fmt.Errorf("read %s: %w", domain, err)
			}
		}

		next, err := fn(current)
		if err != nil {
			return err
		}
		return txn.Set(domainKey(domain), next)
	})
}

// Close closes the underlying database.
func (s *BadgerStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	return s.db.Close()
}
