// QuakeWatch - Earthquake Dashboard Visitor Analytics
// Copyright 2026 QuakeWatch contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/quakewatch/quakewatch

package security

import (
	"strconv"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"

	"github.com/quakewatch/quakewatch/internal/cache"
	"github.com/quakewatch/quakewatch/internal/events"
	"github.com/quakewatch/quakewatch/internal/logging"
	"github.com/quakewatch/quakewatch/internal/metrics"
	"github.com/quakewatch/quakewatch/internal/models"
)

// rateWindowBuckets is the resolution of the per-IP request window.
const rateWindowBuckets = 12

// Publisher delivers serialized events to the persistence subscriber.
// *events.Bus satisfies it.
type Publisher interface {
	Publish(topic string, payload []byte) error
}

// Config tunes the detection rules.
type Config struct {
	// LocationWindow is how far back visitor locations are compared for
	// the LOCATION_CHANGE rule.
	LocationWindow time.Duration

	// RateWindow and RateThreshold define the RATE_ANOMALY rule: more than
	// RateThreshold requests from one IP within RateWindow raises an event.
	RateWindow    time.Duration
	RateThreshold int
}

// DefaultConfig returns the default rule tuning.
func DefaultConfig() Config {
	return Config{
		LocationWindow: time.Hour,
		RateWindow:     time.Minute,
		RateThreshold:  60,
	}
}

// Monitor evaluates tracking traffic against the detection rules and emits
// events onto the bus. Emission is strictly best-effort; the monitor never
// propagates a delivery failure to its caller.
type Monitor struct {
	publisher Publisher

	mu            sync.RWMutex
	cfg           Config
	rates         *cache.SlidingWindowStore
	lastRateAlert map[string]time.Time
}

// NewMonitor creates a monitor publishing through pub.
func NewMonitor(cfg Config, pub Publisher) *Monitor {
	if cfg.LocationWindow <= 0 {
		cfg.LocationWindow = time.Hour
	}
	if cfg.RateWindow <= 0 {
		cfg.RateWindow = time.Minute
	}
	if cfg.RateThreshold <= 0 {
		cfg.RateThreshold = 60
	}
	return &Monitor{
		publisher:     pub,
		cfg:           cfg,
		rates:         cache.NewSlidingWindowStore(cfg.RateWindow, rateWindowBuckets, 100000),
		lastRateAlert: make(map[string]time.Time),
	}
}

// Reconfigure applies new rule tuning. Changing the rate window resets the
// in-flight counters; anything counted so far starts over.
func (m *Monitor) Reconfigure(cfg Config) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cfg.RateWindow > 0 && cfg.RateWindow != m.cfg.RateWindow {
		m.rates = cache.NewSlidingWindowStore(cfg.RateWindow, rateWindowBuckets, 100000)
	}
	if cfg.LocationWindow > 0 {
		m.cfg.LocationWindow = cfg.LocationWindow
	}
	if cfg.RateWindow > 0 {
		m.cfg.RateWindow = cfg.RateWindow
	}
	if cfg.RateThreshold > 0 {
		m.cfg.RateThreshold = cfg.RateThreshold
	}
}

// EvaluateSession runs the history-based rules for a session that is about
// to be persisted. The visitor record reflects history BEFORE this session's
// location and fingerprint are merged in. Returned events are not yet
// emitted; the caller emits them once the session update has committed.
func (m *Monitor) EvaluateSession(visitor *models.Visitor, sess *models.Session, newVisitor bool) []Event {
	if newVisitor {
		// First contact: nothing to compare against.
		return nil
	}

	m.mu.RLock()
	window := m.cfg.LocationWindow
	m.mu.RUnlock()

	var out []Event

	if ev := m.checkLocationChange(visitor, sess, window); ev != nil {
		out = append(out, *ev)
	}
	if ev := m.checkDeviceChange(visitor, sess); ev != nil {
		out = append(out, *ev)
	}
	return out
}

// checkLocationChange raises an event when the session's location differs
// from every location the visitor produced within the window. Unresolved
// and local locations never participate: comparing against "Unknown" would
// turn provider outages into anomaly storms.
func (m *Monitor) checkLocationChange(visitor *models.Visitor, sess *models.Session, window time.Duration) *Event {
	loc := sess.Location
	if loc.IsUnknown() || loc.IsLocal() {
		return nil
	}

	cutoff := sess.CreatedAt.Add(-window)
	recent := recentResolvedKeys(visitor, cutoff)
	if len(recent) == 0 {
		// No resolved locations inside the window: the visitor is
		// re-establishing a baseline, not moving mid-session.
		return nil
	}
	key := loc.Key()
	for _, known := range recent {
		if known == key {
			return nil
		}
	}

	ev := NewEvent(EventLocationChange, sess.CreatedAt)
	ev.VisitorID = visitor.ID
	ev.SessionID = sess.ID
	ev.IPAddress = sess.IPAddress
	ev.Details["from"] = strings.Join(recent, "; ")
	ev.Details["to"] = key
	ev.Details["window"] = window.String()
	return &ev
}

// recentResolvedKeys returns the visitor's distinct resolved location keys
// at or after the cutoff.
func recentResolvedKeys(visitor *models.Visitor, cutoff time.Time) []string {
	var keys []string
	seen := make(map[string]struct{})
	for i := len(visitor.LocationHistory) - 1; i >= 0; i-- {
		stamp := visitor.LocationHistory[i]
		if stamp.Timestamp.Before(cutoff) {
			continue
		}
		if stamp.Location.IsUnknown() || stamp.Location.IsLocal() {
			continue
		}
		key := stamp.Location.Key()
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		keys = append(keys, key)
	}
	return keys
}

// checkDeviceChange raises an event when the session fingerprint has never
// been seen for this visitor before.
func (m *Monitor) checkDeviceChange(visitor *models.Visitor, sess *models.Session) *Event {
	if sess.DeviceFingerprint == "" || len(visitor.KnownFingerprints) == 0 {
		return nil
	}
	if visitor.HasFingerprint(sess.DeviceFingerprint) {
		return nil
	}

	ev := NewEvent(EventDeviceChange, sess.CreatedAt)
	ev.VisitorID = visitor.ID
	ev.SessionID = sess.ID
	ev.IPAddress = sess.IPAddress
	ev.Details["fingerprint"] = sess.DeviceFingerprint
	ev.Details["known_devices"] = strings.Join(visitor.KnownFingerprints, "; ")
	return &ev
}

// NoteRequest counts one tracking request from ip against the rate window
// and returns a RATE_ANOMALY event when the threshold is crossed. Repeat
// alerts for the same IP are suppressed for one window.
func (m *Monitor) NoteRequest(ip string, now time.Time) *Event {
	if ip == "" {
		return nil
	}

	m.mu.RLock()
	window := m.cfg.RateWindow
	threshold := int64(m.cfg.RateThreshold)
	rates := m.rates
	m.mu.RUnlock()

	count := rates.IncrementAndCount(ip)
	if count <= threshold {
		return nil
	}

	m.mu.Lock()
	if last, ok := m.lastRateAlert[ip]; ok && now.Sub(last) < window {
		m.mu.Unlock()
		return nil
	}
	m.lastRateAlert[ip] = now
	if len(m.lastRateAlert) > 10000 {
		for k, v := range m.lastRateAlert {
			if now.Sub(v) > window {
				delete(m.lastRateAlert, k)
			}
		}
	}
	m.mu.Unlock()

	ev := NewEvent(EventRateAnomaly, now)
	ev.IPAddress = ip
	ev.Details["requests_in_window"] = strconv.FormatInt(count, 10)
	ev.Details["threshold"] = strconv.FormatInt(threshold, 10)
	ev.Details["window"] = window.String()
	return &ev
}

// PurgeStale drops inactive rate-window state and expired alert
// suppressions. Called periodically by the maintenance service.
func (m *Monitor) PurgeStale(now time.Time) int {
	m.mu.Lock()
	window := m.cfg.RateWindow
	rates := m.rates
	for ip, at := range m.lastRateAlert {
		if now.Sub(at) > window {
			delete(m.lastRateAlert, ip)
		}
	}
	m.mu.Unlock()
	return rates.CleanupInactive()
}

// RecordConfigChange emits the unconditional audit event for a
// configuration mutation.
func (m *Monitor) RecordConfigChange(actor, operation string, changedKeys []string) {
	ev := NewEvent(EventConfigChange, time.Now().UTC())
	ev.Details["actor"] = actor
	ev.Details["operation"] = operation
	if len(changedKeys) > 0 {
		ev.Details["keys"] = strings.Join(changedKeys, "; ")
	}
	m.Emit(ev)
}

// RecordDataExport emits the unconditional audit event for an analytics
// export.
func (m *Monitor) RecordDataExport(actor, domain, format string) {
	ev := NewEvent(EventDataExport, time.Now().UTC())
	ev.Details["actor"] = actor
	ev.Details["domain"] = domain
	ev.Details["format"] = format
	m.Emit(ev)
}

// Emit publishes events onto the bus. Failures are logged and swallowed:
// losing an event is preferable to failing the operation that raised it.
func (m *Monitor) Emit(evs ...Event) {
	for _, ev := range evs {
		metrics.SecurityEvents.WithLabelValues(string(ev.Type)).Inc()
		logging.Info().
			Str("type", string(ev.Type)).
			Str("severity", string(ev.Severity)).
			Str("visitor_id", ev.VisitorID).
			Str("ip", ev.IPAddress).
			Msg("security event")

		payload, err := json.Marshal(ev)
		if err != nil {
			logging.Error().Err(err).Str("type", string(ev.Type)).Msg("marshal security event")
			continue
		}
		if err := m.publisher.Publish(events.TopicSecurityEvents, payload); err != nil {
			logging.Error().Err(err).Str("type", string(ev.Type)).Msg("publish security event")
		}
	}
}
