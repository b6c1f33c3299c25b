// QuakeWatch - Earthquake Dashboard Visitor Analytics
// Copyright 2026 QuakeWatch contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/quakewatch/quakewatch

package storage

import (
	"testing"
	"time"
)

func timeNowMinus(t *testing.T, d time.Duration) time.Time {
	t.Helper()
	return time.Now().Add(-d)
}
