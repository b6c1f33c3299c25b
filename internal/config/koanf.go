// QuakeWatch - Earthquake Dashboard Visitor Analytics
// Copyright 2026 QuakeWatch contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/quakewatch/quakewatch

package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/quakewatch/quakewatch/internal/validation"
)

// envPrefix namespaces the environment variables read at startup.
const envPrefix = "QUAKEWATCH_"

// envKeyMap routes flat environment variable names to koanf paths.
// Unlisted QUAKEWATCH_ variables fall back to lowercased underscore paths
// relative to the config root (QUAKEWATCH_SERVER_PORT -> server.port does
// not work for nested underscore-named keys, hence the explicit table).
var envKeyMap = map[string]string{
	"QUAKEWATCH_LOG_LEVEL":                 "logging.level",
	"QUAKEWATCH_LOG_FORMAT":                "logging.format",
	"QUAKEWATCH_LOG_FILE":                  "logging.file",
	"QUAKEWATCH_HOST":                      "server.host",
	"QUAKEWATCH_PORT":                      "server.port",
	"QUAKEWATCH_DATA_DIR":                  "server.data_dir",
	"QUAKEWATCH_STORAGE_BACKEND":           "server.storage_backend",
	"QUAKEWATCH_CORS_ORIGINS":              "server.cors_origins",
	"QUAKEWATCH_ADMIN_JWT_SECRET":          "security.admin_jwt_secret",
	"QUAKEWATCH_GEO_PROVIDER_URL":          "security.geo_provider_url",
	"QUAKEWATCH_GEO_TIMEOUT":               "security.geo_timeout",
	"QUAKEWATCH_RATE_THRESHOLD":            "security.rate_threshold",
	"QUAKEWATCH_METRICS_RETENTION_DAYS":    "retention_policy.metrics_retention_days",
	"QUAKEWATCH_SESSION_RETENTION_DAYS":    "retention_policy.session_retention_days",
	"QUAKEWATCH_CLEANUP_FREQUENCY_PERCENT": "retention_policy.cleanup_frequency_percent",
}

// configSearchPaths are tried in order when no explicit path is given.
var configSearchPaths = []string{
	"quakewatch.yaml",
	"quakewatch.yml",
	"config/quakewatch.yaml",
	"/etc/quakewatch/quakewatch.yaml",
}

// Load builds the startup configuration from three layers, lowest priority
// first: struct defaults, an optional YAML config file, and QUAKEWATCH_*
// environment variables. The merged result is range-validated; any failure
// aborts startup rather than running half-configured.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	defaults := Default()
	if err := k.Load(structs.Provider(defaults, "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path == "" {
		path = findConfigFile()
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envTransform), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if verr := validation.ValidateStruct(&cfg); verr != nil {
		return nil, fmt.Errorf("invalid configuration: %w", verr)
	}
	return &cfg, nil
}

// envTransform maps an environment variable name to its koanf path.
func envTransform(name string) string {
	if mapped, ok := envKeyMap[name]; ok {
		return mapped
	}
	// Fallback: QUAKEWATCH_APP_SETTINGS_CACHE_TTL_SECONDS style full paths
	// with a double underscore separating section from key.
	trimmed := strings.TrimPrefix(name, envPrefix)
	return strings.ReplaceAll(strings.ToLower(trimmed), "__", ".")
}

// findConfigFile returns the first existing search path, or empty.
func findConfigFile() string {
	for _, p := range configSearchPaths {
		if info, err := os.Stat(p); err == nil && !info.IsDir() {
			return p
		}
	}
	return ""
}
