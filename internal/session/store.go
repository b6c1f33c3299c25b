// QuakeWatch - Earthquake Dashboard Visitor Analytics
// Copyright 2026 QuakeWatch contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/quakewatch/quakewatch

// Package session owns the visitor/session domain: resolving visitors,
// creating sessions, recording activity, and pruning expired records.
//
// Every mutation is one whole-document read-modify-write under the domain
// lock. Geolocation happens before the critical section (it can block for
// seconds), security evaluation happens inside it (it needs a consistent
// view of visitor history), and event emission happens after a successful
// commit so a failed persist raises nothing.
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/quakewatch/quakewatch/internal/fingerprint"
	"github.com/quakewatch/quakewatch/internal/geo"
	"github.com/quakewatch/quakewatch/internal/logging"
	"github.com/quakewatch/quakewatch/internal/metrics"
	"github.com/quakewatch/quakewatch/internal/models"
	"github.com/quakewatch/quakewatch/internal/security"
	"github.com/quakewatch/quakewatch/internal/storage"
	"github.com/quakewatch/quakewatch/internal/visitormetrics"
)

const (
	// maxLocationHistory bounds per-visitor location stamps.
	maxLocationHistory = 50

	// maxSessionActions bounds the per-session action list.
	maxSessionActions = 200
)

// ErrSessionNotFound is returned for activity against an unknown or expired
// session. The caller must resolve a new session.
var ErrSessionNotFound = errors.New("session: not found")

// Sweeper is the retention engine hook. The store calls MaybeSweep after
// every successful tracking mutation; the engine decides probabilistically
// whether anything actually runs.
type Sweeper interface {
	MaybeSweep(ctx context.Context)
}

// document is the persisted shape of the sessions domain.
type document struct {
	Visitors map[string]*models.Visitor `json:"visitors"`
	Sessions map[string]*models.Session `json:"sessions"`
}

func (d *document) init() {
	if d.Visitors == nil {
		d.Visitors = make(map[string]*models.Visitor)
	}
	if d.Sessions == nil {
		d.Sessions = make(map[string]*models.Session)
	}
}

// Store coordinates session tracking.
type Store struct {
	store    storage.Store
	enricher *geo.Enricher
	monitor  *security.Monitor
	vmetrics *visitormetrics.Store

	sweeper Sweeper // optional, set via SetSweeper
	nowFn   func() time.Time
}

// NewStore wires the session store to its collaborators.
func NewStore(st storage.Store, enricher *geo.Enricher, monitor *security.Monitor, vm *visitormetrics.Store) *Store {
	return &Store{
		store:    st,
		enricher: enricher,
		monitor:  monitor,
		vmetrics: vm,
		nowFn:    func() time.Time { return time.Now().UTC() },
	}
}

// SetSweeper installs the retention hook. Called once during wiring, before
// traffic arrives.
func (s *Store) SetSweeper(sw Sweeper) { s.sweeper = sw }

// ResolveRequest carries the client attributes of a tracking call.
type ResolveRequest struct {
	VisitorID        string
	IPAddress        string
	UserAgent        string
	ScreenResolution string
	Language         string
}

// ResolveResult reports the resolved identity.
type ResolveResult struct {
	VisitorID  string          `json:"visitor_id"`
	SessionID  string          `json:"session_id"`
	NewVisitor bool            `json:"new_visitor"`
	Location   models.Location `json:"location"`
}

// ResolveOrCreate resolves the visitor (creating one for an empty or
// unknown ID), creates a session enriched with geolocation and device
// fingerprint, evaluates the security rules against the visitor's prior
// history, and persists everything atomically. Security events are emitted
// only after the commit succeeds.
func (s *Store) ResolveOrCreate(ctx context.Context, req ResolveRequest) (ResolveResult, error) {
	now := s.nowFn()

	// Outside the lock: rate accounting and the (bounded, but slow) lookup.
	rateEvent := s.monitor.NoteRequest(req.IPAddress, now)
	enriched := s.enricher.Enrich(ctx, req.IPAddress)
	fp := fingerprint.Compute(req.UserAgent, req.ScreenResolution, req.Language)

	var (
		result  ResolveResult
		pending []security.Event
	)

	err := storage.UpdateJSON(ctx, s.store, storage.DomainSessions, func(doc *document) error {
		doc.init()
		pending = pending[:0]

		visitor, isNew := resolveVisitor(doc, req.VisitorID, now)

		sess := &models.Session{
			ID:                uuid.NewString(),
			VisitorID:         visitor.ID,
			CreatedAt:         now,
			LastActivity:      now,
			Active:            true,
			IPAddress:         req.IPAddress,
			UserAgent:         req.UserAgent,
			DeviceFingerprint: fp,
			Location:          enriched.Location,
			PagesViewed:       1,
		}

		// Evaluate against history as it stood before this session.
		pending = append(pending, s.monitor.EvaluateSession(visitor, sess, isNew)...)

		mergeSessionIntoVisitor(visitor, sess, now)
		doc.Sessions[sess.ID] = sess

		result = ResolveResult{
			VisitorID:  visitor.ID,
			SessionID:  sess.ID,
			NewVisitor: isNew,
			Location:   enriched.Location,
		}
		return nil
	})
	if err != nil {
		s.countLockTimeout(err)
		return ResolveResult{}, fmt.Errorf("resolve session: %w", err)
	}

	if rateEvent != nil {
		rateEvent.VisitorID = result.VisitorID
		rateEvent.SessionID = result.SessionID
		pending = append(pending, *rateEvent)
	}
	s.monitor.Emit(pending...)

	visitorKind := "returning"
	if result.NewVisitor {
		visitorKind = "new"
	}
	metrics.SessionsCreated.WithLabelValues(visitorKind).Inc()

	s.recordMetrics(ctx, func() error {
		if err := s.vmetrics.RecordSession(ctx, result.VisitorID, now); err != nil {
			return err
		}
		return s.vmetrics.RecordPageView(ctx, now)
	})

	s.maybeSweep(ctx)
	return result, nil
}

// RecordActivity bumps the session's activity timestamp and page counter
// and tallies the named action. Unknown sessions return ErrSessionNotFound
// so the client re-resolves.
func (s *Store) RecordActivity(ctx context.Context, sessionID, action, target string) error {
	now := s.nowFn()

	var rateEvent *security.Event
	err := storage.UpdateJSON(ctx, s.store, storage.DomainSessions, func(doc *document) error {
		doc.init()
		sess, ok := doc.Sessions[sessionID]
		if !ok {
			return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
		}

		if rateEvent = s.monitor.NoteRequest(sess.IPAddress, now); rateEvent != nil {
			rateEvent.VisitorID = sess.VisitorID
			rateEvent.SessionID = sess.ID
		}

		sess.LastActivity = now
		sess.PagesViewed++
		if action != "" {
			sess.Actions = append(sess.Actions, models.Action{Timestamp: now, Name: action})
			if len(sess.Actions) > maxSessionActions {
				sess.Actions = sess.Actions[len(sess.Actions)-maxSessionActions:]
			}
		}

		if visitor, ok := doc.Visitors[sess.VisitorID]; ok {
			visitor.LastSeen = now
		}
		return nil
	})
	if err != nil {
		s.countLockTimeout(err)
		if errors.Is(err, ErrSessionNotFound) {
			return err
		}
		return fmt.Errorf("record activity: %w", err)
	}

	if rateEvent != nil {
		s.monitor.Emit(*rateEvent)
	}
	metrics.ActivityEvents.Inc()

	s.recordMetrics(ctx, func() error {
		if err := s.vmetrics.RecordPageView(ctx, now); err != nil {
			return err
		}
		if action != "" {
			return s.vmetrics.RecordAction(ctx, action, target)
		}
		return nil
	})

	s.maybeSweep(ctx)
	return nil
}

// EndSession marks the session inactive and stamps its end time. Ending an
// already-ended session is a no-op.
func (s *Store) EndSession(ctx context.Context, sessionID string) error {
	now := s.nowFn()
	err := storage.UpdateJSON(ctx, s.store, storage.DomainSessions, func(doc *document) error {
		doc.init()
		sess, ok := doc.Sessions[sessionID]
		if !ok {
			return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
		}
		if !sess.Active {
			return nil
		}
		sess.Active = false
		sess.LastActivity = now
		ended := now
		sess.EndedAt = &ended
		return nil
	})
	if err != nil {
		s.countLockTimeout(err)
		if errors.Is(err, ErrSessionNotFound) {
			return err
		}
		return fmt.Errorf("end session: %w", err)
	}
	return nil
}

// GetSession returns one session.
func (s *Store) GetSession(ctx context.Context, sessionID string) (*models.Session, error) {
	var doc document
	if err := storage.LoadJSON(ctx, s.store, storage.DomainSessions, &doc); err != nil {
		return nil, err
	}
	sess, ok := doc.Sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return sess, nil
}

// VisitorSessions returns all sessions of a visitor, newest first.
func (s *Store) VisitorSessions(ctx context.Context, visitorID string) ([]*models.Session, error) {
	var doc document
	if err := storage.LoadJSON(ctx, s.store, storage.DomainSessions, &doc); err != nil {
		return nil, err
	}
	var out []*models.Session
	for _, sess := range doc.Sessions {
		if sess.VisitorID == visitorID {
			out = append(out, sess)
		}
	}
	sortSessionsByCreation(out)
	return out, nil
}

// LocationHistory returns the visitor's recorded location stamps.
func (s *Store) LocationHistory(ctx context.Context, visitorID string) ([]models.LocationStamp, error) {
	var doc document
	if err := storage.LoadJSON(ctx, s.store, storage.DomainSessions, &doc); err != nil {
		return nil, err
	}
	visitor, ok := doc.Visitors[visitorID]
	if !ok {
		return nil, nil
	}
	return visitor.LocationHistory, nil
}

// Stats summarizes the live session domain.
type Stats struct {
	Visitors        int           `json:"visitors"`
	Sessions        int           `json:"sessions"`
	ActiveSessions  int           `json:"active_sessions"`
	UniqueLocations int           `json:"unique_locations"`
	UniqueDevices   int           `json:"unique_devices"`
	AvgDuration     time.Duration `json:"avg_duration"`
}

// Stats computes aggregate counts over the current document.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var doc document
	if err := storage.LoadJSON(ctx, s.store, storage.DomainSessions, &doc); err != nil {
		return Stats{}, err
	}
	doc.init()

	locations := make(map[string]struct{})
	devices := make(map[string]struct{})
	var totalDur time.Duration

	st := Stats{Visitors: len(doc.Visitors), Sessions: len(doc.Sessions)}
	for _, sess := range doc.Sessions {
		if sess.Active {
			st.ActiveSessions++
		}
		if !sess.Location.IsUnknown() {
			locations[sess.Location.Key()] = struct{}{}
		}
		if sess.DeviceFingerprint != "" {
			devices[sess.DeviceFingerprint] = struct{}{}
		}
		totalDur += sess.Duration()
	}
	st.UniqueLocations = len(locations)
	st.UniqueDevices = len(devices)
	if st.Sessions > 0 {
		st.AvgDuration = totalDur / time.Duration(st.Sessions)
	}
	return st, nil
}

// Snapshot returns the full domain document for export.
func (s *Store) Snapshot(ctx context.Context) (map[string]*models.Visitor, map[string]*models.Session, error) {
	var doc document
	if err := storage.LoadJSON(ctx, s.store, storage.DomainSessions, &doc); err != nil {
		return nil, nil, err
	}
	doc.init()
	return doc.Visitors, doc.Sessions, nil
}

// Prune removes sessions whose last activity predates the cutoff, then
// removes visitors with no surviving sessions whose own last activity also
// predates it. Returns the number of removed records (sessions + visitors).
func (s *Store) Prune(ctx context.Context, olderThan time.Time) (int, error) {
	removed := 0
	err := storage.UpdateJSON(ctx, s.store, storage.DomainSessions, func(doc *document) error {
		doc.init()
		removed = 0

		remaining := make(map[string]int) // visitorID -> surviving session count
		for id, sess := range doc.Sessions {
			if sess.LastActivity.Before(olderThan) {
				delete(doc.Sessions, id)
				removed++
				continue
			}
			remaining[sess.VisitorID]++
		}

		for id, visitor := range doc.Visitors {
			if remaining[id] > 0 {
				continue
			}
			if visitorLastActivity(visitor).Before(olderThan) {
				delete(doc.Visitors, id)
				removed++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}

// resolveVisitor finds or creates the visitor record.
func resolveVisitor(doc *document, visitorID string, now time.Time) (*models.Visitor, bool) {
	if visitorID != "" {
		if visitor, ok := doc.Visitors[visitorID]; ok {
			return visitor, false
		}
	}
	visitor := &models.Visitor{
		ID:        uuid.NewString(),
		FirstSeen: now,
		LastSeen:  now,
	}
	doc.Visitors[visitor.ID] = visitor
	return visitor, true
}

// mergeSessionIntoVisitor folds the new session's identity signals into the
// visitor record.
func mergeSessionIntoVisitor(visitor *models.Visitor, sess *models.Session, now time.Time) {
	visitor.LastSeen = now
	visitor.VisitCount++
	if sess.DeviceFingerprint != "" && !visitor.HasFingerprint(sess.DeviceFingerprint) {
		visitor.KnownFingerprints = append(visitor.KnownFingerprints, sess.DeviceFingerprint)
	}
	visitor.LocationHistory = append(visitor.LocationHistory, models.LocationStamp{
		Timestamp: now,
		SessionID: sess.ID,
		IPAddress: sess.IPAddress,
		Location:  sess.Location,
	})
	if len(visitor.LocationHistory) > maxLocationHistory {
		visitor.LocationHistory = visitor.LocationHistory[len(visitor.LocationHistory)-maxLocationHistory:]
	}
}

// visitorLastActivity is the most recent signal we have for a visitor.
func visitorLastActivity(v *models.Visitor) time.Time {
	last := v.LastSeen
	if last.IsZero() {
		last = v.FirstSeen
	}
	for _, stamp := range v.LocationHistory {
		if stamp.Timestamp.After(last) {
			last = stamp.Timestamp
		}
	}
	return last
}

func sortSessionsByCreation(sessions []*models.Session) {
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].CreatedAt.After(sessions[j].CreatedAt)
	})
}

// recordMetrics runs a visitor-metrics update, logging failures instead of
// propagating them: counters are advisory, session tracking is not.
func (s *Store) recordMetrics(_ context.Context, fn func() error) {
	if s.vmetrics == nil {
		return
	}
	if err := fn(); err != nil {
		logging.Warn().Err(err).Msg("visitor metrics update failed")
	}
}

func (s *Store) maybeSweep(ctx context.Context) {
	if s.sweeper != nil {
		s.sweeper.MaybeSweep(ctx)
	}
}

func (s *Store) countLockTimeout(err error) {
	if errors.Is(err, storage.ErrLockTimeout) {
		metrics.StoreLockTimeouts.Inc()
	}
}
