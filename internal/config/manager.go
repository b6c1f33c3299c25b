// QuakeWatch - Earthquake Dashboard Visitor Analytics
// Copyright 2026 QuakeWatch contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/quakewatch/quakewatch

package config

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	json "github.com/goccy/go-json"

	"github.com/quakewatch/quakewatch/internal/logging"
	"github.com/quakewatch/quakewatch/internal/storage"
	"github.com/quakewatch/quakewatch/internal/validation"
)

// ErrInvalidUpdate wraps validation failures on partial updates. The stored
// configuration is unchanged when this is returned.
var ErrInvalidUpdate = errors.New("config: invalid update")

// Manager owns the runtime-mutable configuration. All mutation paths
// (partial update, reset, import) run under one mutex, validate the complete
// merged candidate, and persist through the document store before the new
// configuration becomes visible. Keys that newer releases wrote but this
// build does not model are preserved verbatim across updates.
type Manager struct {
	store storage.Store

	// OnUpdate, when set, is invoked with the new configuration after every
	// successful commit. Set before first use; not synchronized.
	OnUpdate func(Config)

	mu  sync.Mutex // held across store round-trips: one writer at a time
	cfg Config
	raw map[string]interface{}
}

// NewManager returns a manager seeded with cfg. Call Load to merge the
// persisted document before serving.
func NewManager(store storage.Store, cfg Config) *Manager {
	return &Manager{
		store: store,
		cfg:   cfg,
		raw:   structToMap(cfg),
	}
}

func (m *Manager) lock()   { m.mu.Lock() }
func (m *Manager) unlock() { m.mu.Unlock() }

// Load merges the persisted configuration document over the seed config.
// A missing document keeps the seed; an invalid one is logged and ignored
// so a bad persisted state never takes the service down.
func (m *Manager) Load(ctx context.Context) error {
	m.lock()
	defer m.unlock()

	data, err := m.store.Read(ctx, storage.DomainConfig)
	if err != nil {
		if errors.Is(err, storage.ErrNotExist) {
			return m.persistLocked(ctx)
		}
		return fmt.Errorf("load config document: %w", err)
	}

	var persisted map[string]interface{}
	if err := json.Unmarshal(data, &persisted); err != nil {
		logging.Warn().Err(err).Msg("corrupted config document, keeping defaults")
		return m.persistLocked(ctx)
	}

	candidate := deepMerge(structToMap(m.cfg), persisted)
	cfg, err := decodeConfig(m.cfg, candidate)
	if err != nil {
		logging.Warn().Err(err).Msg("persisted config invalid, keeping defaults")
		return nil
	}

	m.cfg = cfg
	m.raw = candidate
	return nil
}

// Get returns a copy of the current configuration.
func (m *Manager) Get() Config {
	m.lock()
	defer m.unlock()
	return m.cfg
}

// Update applies a partial update. The partial document is deep-merged over
// the current one, the merged result is validated as a whole, and only a
// fully valid result is persisted and applied. On any validation failure the
// update is rejected in full.
func (m *Manager) Update(ctx context.Context, partial map[string]interface{}) (Config, error) {
	m.lock()
	defer m.unlock()

	candidate := deepMerge(m.raw, partial)
	cfg, err := decodeConfig(m.cfg, candidate)
	if err != nil {
		return m.cfg, fmt.Errorf("%w: %s", ErrInvalidUpdate, err)
	}

	cfg.Metadata.UpdatedAt = time.Now().UTC()
	cfg.Metadata.ConfigVersion = ConfigVersion
	candidate = deepMerge(candidate, map[string]interface{}{
		"metadata": structToMap(cfg)["metadata"],
	})

	prev, prevRaw := m.cfg, m.raw
	m.cfg, m.raw = cfg, candidate
	if err := m.persistLocked(ctx); err != nil {
		m.cfg, m.raw = prev, prevRaw
		return m.cfg, err
	}

	m.notify(cfg)
	return cfg, nil
}

// ResetToDefaults discards the stored configuration, unknown keys included.
func (m *Manager) ResetToDefaults(ctx context.Context) (Config, error) {
	m.lock()
	defer m.unlock()

	cfg := Default()
	prev, prevRaw := m.cfg, m.raw
	m.cfg, m.raw = cfg, structToMap(cfg)
	if err := m.persistLocked(ctx); err != nil {
		m.cfg, m.raw = prev, prevRaw
		return m.cfg, err
	}

	m.notify(cfg)
	return cfg, nil
}

// Export returns the full persisted configuration document.
func (m *Manager) Export() ([]byte, error) {
	m.lock()
	defer m.unlock()
	return json.MarshalIndent(m.raw, "", "  ")
}

// Import merges an exported document over the defaults, validates the result
// and applies it. Unknown keys in the import survive.
func (m *Manager) Import(ctx context.Context, data []byte) (Config, error) {
	var imported map[string]interface{}
	if err := json.Unmarshal(data, &imported); err != nil {
		return m.Get(), fmt.Errorf("%w: not a JSON object: %s", ErrInvalidUpdate, err)
	}

	m.lock()
	defer m.unlock()

	candidate := deepMerge(structToMap(Default()), imported)
	cfg, err := decodeConfig(Default(), candidate)
	if err != nil {
		return m.cfg, fmt.Errorf("%w: %s", ErrInvalidUpdate, err)
	}

	cfg.Metadata.UpdatedAt = time.Now().UTC()
	cfg.Metadata.ConfigVersion = ConfigVersion
	candidate = deepMerge(candidate, map[string]interface{}{
		"metadata": structToMap(cfg)["metadata"],
	})

	prev, prevRaw := m.cfg, m.raw
	m.cfg, m.raw = cfg, candidate
	if err := m.persistLocked(ctx); err != nil {
		m.cfg, m.raw = prev, prevRaw
		return m.cfg, err
	}

	m.notify(cfg)
	return cfg, nil
}

// persistLocked writes the raw document. Caller holds the manager lock.
func (m *Manager) persistLocked(ctx context.Context) error {
	data, err := json.MarshalIndent(m.raw, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := m.store.Write(ctx, storage.DomainConfig, data); err != nil {
		return fmt.Errorf("persist config: %w", err)
	}
	return nil
}

func (m *Manager) notify(cfg Config) {
	if m.OnUpdate != nil {
		m.OnUpdate(cfg)
	}
}

// durationFields lists the document paths holding time.Duration values.
// Persisted documents carry durations as integer nanoseconds; human-entered
// updates may use Go duration strings instead.
var durationFields = map[string][]string{
	"security": {"location_window", "rate_window", "geo_timeout", "geo_cache_ttl"},
	"server":   {"shutdown_timeout"},
}

// normalizeDurations converts duration strings in the candidate document to
// the nanosecond numbers the typed decode expects.
func normalizeDurations(candidate map[string]interface{}) error {
	for section, keys := range durationFields {
		sub, ok := candidate[section].(map[string]interface{})
		if !ok {
			continue
		}
		for _, key := range keys {
			raw, ok := sub[key].(string)
			if !ok {
				continue
			}
			d, err := time.ParseDuration(raw)
			if err != nil {
				return fmt.Errorf("%s.%s: %s", section, key, err)
			}
			sub[key] = float64(d)
		}
	}
	return nil
}

// decodeConfig overlays the candidate document onto base field by field and
// validates the result. Durations accept both integer nanoseconds and Go
// duration strings.
func decodeConfig(base Config, candidate map[string]interface{}) (Config, error) {
	if err := normalizeDurations(candidate); err != nil {
		return base, err
	}
	data, err := json.Marshal(candidate)
	if err != nil {
		return base, err
	}
	cfg := base
	if err := json.Unmarshal(data, &cfg); err != nil {
		return base, err
	}
	if verr := validation.ValidateStruct(&cfg); verr != nil {
		return base, verr
	}
	return cfg, nil
}

// deepMerge returns a new map with src merged recursively over dst. Nested
// objects merge key-wise; every other value type replaces wholesale.
func deepMerge(dst, src map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(dst)+len(src))
	for k, v := range dst {
		out[k] = v
	}
	for k, v := range src {
		srcMap, srcOK := v.(map[string]interface{})
		dstMap, dstOK := out[k].(map[string]interface{})
		if srcOK && dstOK {
			out[k] = deepMerge(dstMap, srcMap)
			continue
		}
		out[k] = v
	}
	return out
}

// structToMap converts a Config to its JSON object form.
func structToMap(cfg Config) map[string]interface{} {
	data, err := json.Marshal(cfg)
	if err != nil {
		// Config contains only marshalable types; unreachable in practice.
		return map[string]interface{}{}
	}
	var out map[string]interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return map[string]interface{}{}
	}
	return out
}
