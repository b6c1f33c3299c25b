// QuakeWatch - Earthquake Dashboard Visitor Analytics
// Copyright 2026 QuakeWatch contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/quakewatch/quakewatch

// Package storage implements the persistent document store backing every
// analytics domain. Each domain (sessions, security events, visitor metrics,
// configuration) is one JSON document that is always read, modified and
// replaced as a whole under an exclusive per-domain lock. There is no
// partial update path: the unit of both concurrency and atomicity is the
// entire domain document.
package storage

import (
	"context"
	"errors"
)

// Well-known domain names. Callers may use arbitrary names; these are the
// domains the application persists.
const (
	DomainSessions       = "user_sessions"
	DomainSecurityEvents = "security_events"
	DomainVisitorMetrics = "visitor_metrics"
	DomainConfig         = "app_config"
)

var (
	// ErrNotExist is returned by Read when the domain has never been written.
	ErrNotExist = errors.New("storage: domain document does not exist")

	// ErrLockTimeout is returned when the per-domain lock could not be
	// acquired within the bounded retry budget. The update did not run and
	// the document is unchanged; callers may retry.
	ErrLockTimeout = errors.New("storage: timed out acquiring domain lock")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("storage: store is closed")
)

// Store is the whole-document persistence contract. Implementations must
// serialize Update calls per domain so that concurrent read-modify-write
// cycles never interleave, and must replace documents atomically so readers
// never observe a partially written document.
type Store interface {
	// Read returns the current document bytes for the domain, or ErrNotExist.
	Read(ctx context.Context, domain string) ([]byte, error)

	// Write atomically replaces the domain document.
	Write(ctx context.Context, domain string, data []byte) error

	// Update runs fn inside the domain's exclusive critical section. fn
	// receives the current document (nil when the domain does not exist yet)
	// and returns the replacement. Returning an error aborts the update and
	// leaves the document untouched.
	Update(ctx context.Context, domain string, fn func(data []byte) ([]byte, error)) error

	// Close releases held resources. The store is unusable afterwards.
	Close() error
}
