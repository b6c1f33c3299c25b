// QuakeWatch - Earthquake Dashboard Visitor Analytics
// Copyright 2026 QuakeWatch contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/quakewatch/quakewatch

package storage

import (
	"context"

	json "github.com/goccy/go-json"

	"github.com/quakewatch/quakewatch/internal/logging"
)

// LoadJSON decodes the domain document into out. A missing domain leaves out
// at its zero value and returns nil. A corrupted document is logged at warn
// and likewise treated as empty: availability over preserving garbage.
func LoadJSON[T any](ctx context.Context, s Store, domain string, out *T) error {
	data, err := s.Read(ctx, domain)
	if err != nil {
		if err == ErrNotExist {
			return nil
		}
		return err
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		logging.Warn().
			Str("domain", domain).
			Err(err).
			Msg("corrupted domain document, starting from empty")
		var zero T
		*out = zero
	}
	return nil
}

// UpdateJSON wraps Store.Update with JSON decode/encode. fn mutates the
// decoded document in place; a missing or corrupted document is presented
// as the zero value (corruption is logged at warn). fn returning an error
// aborts the update with the document unchanged.
func UpdateJSON[T any](ctx context.Context, s Store, domain string, fn func(doc *T) error) error {
	return s.Update(ctx, domain, func(data []byte) ([]byte, error) {
		var doc T
		if len(data) > 0 {
			if err := json.Unmarshal(data, &doc); err != nil {
				logging.Warn().
					Str("domain", domain).
					Err(err).
					Msg("corrupted domain document, starting from empty")
				var zero T
				doc = zero
			}
		}
		if err := fn(&doc); err != nil {
			return nil, err
		}
		return json.MarshalIndent(doc, "", "  ")
	})
}
