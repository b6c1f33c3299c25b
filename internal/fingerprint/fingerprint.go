// QuakeWatch - Earthquake Dashboard Visitor Analytics
// Copyright 2026 QuakeWatch contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/quakewatch/quakewatch

// Package fingerprint derives stable, low-entropy device identifiers from
// client-reported attributes. The identifier distinguishes devices without
// identifying users: same inputs always produce the same fingerprint, and
// nothing about the inputs is recoverable from it.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
)

// Length is the number of hex characters in a fingerprint.
const Length = 12

// Compute returns the device fingerprint for the given client attributes.
// Missing attributes are normalized to "unknown" so partial client data
// still yields a stable value.
func Compute(userAgent, screenResolution, language string) string {
	if userAgent == "" {
		userAgent = "unknown"
	}
	if screenResolution == "" {
		screenResolution = "unknown"
	}
	if language == "" {
		language = "unknown"
	}

	sum := sha256.Sum256([]byte(userAgent + "|" + screenResolution + "|" + language))
	return hex.EncodeToString(sum[:])[:Length]
}
