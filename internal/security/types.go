// QuakeWatch - Earthquake Dashboard Visitor Analytics
// Copyright 2026 QuakeWatch contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/quakewatch/quakewatch

// Package security implements rule-based anomaly detection over visitor
// sessions and the append-only security event log. Detection is advisory:
// events are recorded and surfaced, nothing is blocked.
package security

import (
	"time"

	"github.com/google/uuid"
)

// EventType identifies the rule or audit source that raised an event.
type EventType string

const (
	// EventLocationChange fires when a session's location differs from every
	// location the visitor produced within the recency window.
	EventLocationChange EventType = "LOCATION_CHANGE"

	// EventDeviceChange fires when a session arrives with a fingerprint not
	// previously associated with the visitor.
	EventDeviceChange EventType = "DEVICE_CHANGE"

	// EventRateAnomaly fires when a source IP exceeds the request threshold
	// within the sliding window.
	EventRateAnomaly EventType = "RATE_ANOMALY"

	// EventConfigChange is the audit record for configuration mutations.
	EventConfigChange EventType = "CONFIG_CHANGE"

	// EventDataExport is the audit record for analytics exports.
	EventDataExport EventType = "DATA_EXPORT"
)

// Severity grades an event. The mapping from type to severity is fixed.
type Severity string

const (
	SeverityLow    Severity = "LOW"
	SeverityMedium Severity = "MEDIUM"
	SeverityHigh   Severity = "HIGH"
)

// severityFor is the fixed type-to-severity mapping.
var severityFor = map[EventType]Severity{
	EventLocationChange: SeverityMedium,
	EventDeviceChange:   SeverityMedium,
	EventRateAnomaly:    SeverityHigh,
	EventConfigChange:   SeverityHigh,
	EventDataExport:     SeverityHigh,
}

// SeverityOf returns the severity for an event type, defaulting to LOW for
// unknown types.
func SeverityOf(t EventType) Severity {
	if s, ok := severityFor[t]; ok {
		return s
	}
	return SeverityLow
}

// Event is one security event. Events are append-only: once written they
// are never mutated, only aged out by the retention sweep.
type Event struct {
	ID        string            `json:"id"`
	Type      EventType         `json:"type"`
	Severity  Severity          `json:"severity"`
	Timestamp time.Time         `json:"timestamp"`
	VisitorID string            `json:"visitor_id,omitempty"`
	SessionID string            `json:"session_id,omitempty"`
	IPAddress string            `json:"ip_address,omitempty"`
	Details   map[string]string `json:"details,omitempty"`
}

// NewEvent builds an event of the given type with its fixed severity.
func NewEvent(t EventType, at time.Time) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      t,
		Severity:  SeverityOf(t),
		Timestamp: at,
		Details:   make(map[string]string),
	}
}
