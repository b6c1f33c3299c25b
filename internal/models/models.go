// QuakeWatch - Earthquake Dashboard Visitor Analytics
// Copyright 2026 QuakeWatch contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/quakewatch/quakewatch

// Package models defines the core domain types shared across the visitor
// analytics subsystem: visitors, sessions and geographic locations.
//
// Visitors are anonymous - a visitor ID is an opaque UUID handed to the
// dashboard client on first contact, never tied to personal identity.
package models

import "time"

// Location is the resolved geographic context of a request IP.
// A failed or local lookup yields the sentinel values produced by the
// geolocation enricher ("Local" for private addresses, "Unknown" when the
// provider could not resolve the address).
type Location struct {
	Country   string  `json:"country"`
	Region    string  `json:"region"`
	StateCode string  `json:"state_code,omitempty"`
	City      string  `json:"city"`
	Timezone  string  `json:"timezone,omitempty"`
	ISP       string  `json:"isp,omitempty"`
	Latitude  float64 `json:"latitude,omitempty"`
	Longitude float64 `json:"longitude,omitempty"`
}

// Key returns the "City, Country" identity used when comparing locations.
// Two lookups that resolve to the same city and country are considered the
// same place regardless of coordinate jitter between provider responses.
func (l Location) Key() string {
	if l.City == "" && l.Country == "" {
		return "Unknown"
	}
	return l.City + ", " + l.Country
}

// IsLocal reports whether the location is the private-address sentinel.
func (l Location) IsLocal() bool {
	return l.Country == "Local"
}

// IsUnknown reports whether the lookup failed to resolve.
func (l Location) IsUnknown() bool {
	return l.Country == "Unknown" || (l.Country == "" && l.City == "")
}

// LocalLocation returns the sentinel location for private/loopback addresses.
func LocalLocation() Location {
	return Location{Country: "Local", Region: "Local", City: "Local"}
}

// UnknownLocation returns the sentinel location for failed lookups.
func UnknownLocation() Location {
	return Location{Country: "Unknown", Region: "Unknown", City: "Unknown"}
}

// LocationStamp is one entry in a visitor's location history.
type LocationStamp struct {
	Timestamp time.Time `json:"timestamp"`
	SessionID string    `json:"session_id"`
	IPAddress string    `json:"ip_address"`
	Location  Location  `json:"location"`
}

// Visitor is the durable identity record for an anonymous dashboard user.
// KnownFingerprints and LocationHistory accumulate across sessions and feed
// the security monitor's change detection.
type Visitor struct {
	ID                string          `json:"id"`
	FirstSeen         time.Time       `json:"first_seen"`
	LastSeen          time.Time       `json:"last_seen"`
	VisitCount        int             `json:"visit_count"`
	KnownFingerprints []string        `json:"known_fingerprints"`
	LocationHistory   []LocationStamp `json:"location_history"`
}

// HasFingerprint reports whether fp is already associated with the visitor.
func (v *Visitor) HasFingerprint(fp string) bool {
	for _, known := range v.KnownFingerprints {
		if known == fp {
			return true
		}
	}
	return false
}

// Action is one recorded user interaction within a session.
type Action struct {
	Timestamp time.Time `json:"timestamp"`
	Name      string    `json:"name"`
}

// Session is a single dashboard visit. A session stays active until ended
// explicitly or removed by the retention sweep.
type Session struct {
	ID                string     `json:"id"`
	VisitorID         string     `json:"visitor_id"`
	CreatedAt         time.Time  `json:"created_at"`
	LastActivity      time.Time  `json:"last_activity"`
	EndedAt           *time.Time `json:"ended_at,omitempty"`
	Active            bool       `json:"active"`
	IPAddress         string     `json:"ip_address"`
	UserAgent         string     `json:"user_agent"`
	DeviceFingerprint string     `json:"device_fingerprint"`
	Location          Location   `json:"location"`
	PagesViewed       int        `json:"pages_viewed"`
	Actions           []Action   `json:"actions,omitempty"`
}

// Duration returns how long the session has been (or was) active.
func (s *Session) Duration() time.Duration {
	end := s.LastActivity
	if s.EndedAt != nil {
		end = *s.EndedAt
	}
	if end.Before(s.CreatedAt) {
		return 0
	}
	return end.Sub(s.CreatedAt)
}
