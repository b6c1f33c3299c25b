// QuakeWatch - Earthquake Dashboard Visitor Analytics
// Copyright 2026 QuakeWatch contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/quakewatch/quakewatch

// Package config defines the application configuration, its defaults and
// validation ranges, the koanf-layered startup load, and the runtime
// manager that applies validated partial updates through the document store.
package config

import (
	"time"
)

// ConfigVersion is stamped into persisted configuration metadata.
const ConfigVersion = "1.0"

// Config is the complete application configuration. Every field has a
// default; a loaded configuration is always complete and type-valid.
type Config struct {
	Retention RetentionPolicy  `koanf:"retention_policy" json:"retention_policy" validate:"required"`
	App       AppSettings      `koanf:"app_settings" json:"app_settings" validate:"required"`
	Analytics AnalyticsFlags   `koanf:"analytics" json:"analytics"`
	Security  SecuritySettings `koanf:"security" json:"security" validate:"required"`
	Server    ServerSettings   `koanf:"server" json:"server" validate:"required"`
	Logging   LoggingSettings  `koanf:"logging" json:"logging"`
	Metadata  Metadata         `koanf:"metadata" json:"metadata"`
}

// RetentionPolicy governs every bounded-lifetime data domain.
type RetentionPolicy struct {
	// MetricsRetentionDays bounds per-day visitor metric buckets.
	MetricsRetentionDays int `koanf:"metrics_retention_days" json:"metrics_retention_days" validate:"min=1,max=3650"`

	// SessionRetentionDays bounds session and visitor records.
	SessionRetentionDays int `koanf:"session_retention_days" json:"session_retention_days" validate:"min=1,max=3650"`

	// SecurityLogRetentionDays bounds the security event log.
	SecurityLogRetentionDays int `koanf:"security_log_retention_days" json:"security_log_retention_days" validate:"min=1,max=3650"`

	// CleanupFrequencyPercent is the probability (0-100) that any single
	// tracking event triggers a background sweep.
	CleanupFrequencyPercent int `koanf:"cleanup_frequency_percent" json:"cleanup_frequency_percent" validate:"min=0,max=100"`

	// LogMaxSizeMB is the rotation threshold for the application log.
	LogMaxSizeMB int `koanf:"log_max_size_mb" json:"log_max_size_mb" validate:"min=1,max=1024"`

	// LogBackupCount is how many rotated log files are kept.
	LogBackupCount int `koanf:"log_backup_count" json:"log_backup_count" validate:"min=1,max=100"`

	// ExportBackupCount caps the number of export files kept on disk.
	ExportBackupCount int `koanf:"export_backup_count" json:"export_backup_count" validate:"min=1,max=500"`
}

// AppSettings are dashboard-facing behavior knobs.
type AppSettings struct {
	DefaultFeedType  string `koanf:"default_feed_type" json:"default_feed_type" validate:"oneof=all_hour all_day all_week all_month"`
	DefaultViewType  string `koanf:"default_view_type" json:"default_view_type" validate:"oneof=overview map list details"`
	CacheTTLSeconds  int    `koanf:"cache_ttl_seconds" json:"cache_ttl_seconds" validate:"min=10,max=86400"`
	AdminModeEnabled bool   `koanf:"admin_mode_enabled" json:"admin_mode_enabled"`
}

// AnalyticsFlags toggle optional collection features.
type AnalyticsFlags struct {
	VisitorTrackingEnabled    bool `koanf:"visitor_tracking_enabled" json:"visitor_tracking_enabled"`
	PerformanceLoggingEnabled bool `koanf:"performance_logging_enabled" json:"performance_logging_enabled"`
	ErrorReportingEnabled     bool `koanf:"error_reporting_enabled" json:"error_reporting_enabled"`
}

// SecuritySettings tune the anomaly rules and the geolocation provider.
type SecuritySettings struct {
	// LocationWindow is the recency window for LOCATION_CHANGE comparison.
	LocationWindow time.Duration `koanf:"location_window" json:"location_window" validate:"min=1m,max=24h"`

	// RateWindow and RateThreshold define the RATE_ANOMALY sliding window.
	RateWindow    time.Duration `koanf:"rate_window" json:"rate_window" validate:"min=10s,max=1h"`
	RateThreshold int           `koanf:"rate_threshold" json:"rate_threshold" validate:"min=1,max=100000"`

	// GeoProviderURL is the IP geolocation endpoint.
	GeoProviderURL string `koanf:"geo_provider_url" json:"geo_provider_url" validate:"required,url"`

	// GeoTimeout bounds a single geolocation lookup.
	GeoTimeout time.Duration `koanf:"geo_timeout" json:"geo_timeout" validate:"min=100ms,max=30s"`

	// GeoCacheTTL is how long a per-IP lookup result is reused.
	GeoCacheTTL time.Duration `koanf:"geo_cache_ttl" json:"geo_cache_ttl" validate:"min=1m,max=168h"`

	// AdminJWTSecret signs admin bearer tokens. Empty disables admin auth
	// (standalone deployments behind a trusted proxy).
	AdminJWTSecret string `koanf:"admin_jwt_secret" json:"admin_jwt_secret,omitempty"`
}

// ServerSettings configure the HTTP listener and storage backend.
type ServerSettings struct {
	Host            string        `koanf:"host" json:"host"`
	Port            int           `koanf:"port" json:"port" validate:"min=1,max=65535"`
	DataDir         string        `koanf:"data_dir" json:"data_dir" validate:"required"`
	StorageBackend  string        `koanf:"storage_backend" json:"storage_backend" validate:"oneof=file badger"`
	CORSOrigins     []string      `koanf:"cors_origins" json:"cors_origins"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout" json:"shutdown_timeout" validate:"min=1s,max=5m"`
}

// LoggingSettings configure log output. Rotation limits live in the
// retention policy so one knob governs the log domain.
type LoggingSettings struct {
	Level  string `koanf:"level" json:"level" validate:"oneof=trace debug info warn error fatal panic disabled"`
	Format string `koanf:"format" json:"format" validate:"oneof=json console"`
	File   string `koanf:"file" json:"file"`
}

// Metadata records configuration provenance.
type Metadata struct {
	ConfigVersion string    `koanf:"config_version" json:"config_version"`
	CreatedAt     time.Time `koanf:"created_at" json:"created_at"`
	UpdatedAt     time.Time `koanf:"updated_at" json:"updated_at"`
}

// Default returns the complete default configuration.
func Default() Config {
	now := time.Now().UTC()
	return Config{
		Retention: RetentionPolicy{
			MetricsRetentionDays:     90,
			SessionRetentionDays:     180,
			SecurityLogRetentionDays: 365,
			CleanupFrequencyPercent:  1,
			LogMaxSizeMB:             5,
			LogBackupCount:           10,
			ExportBackupCount:        20,
		},
		App: AppSettings{
			DefaultFeedType:  "all_hour",
			DefaultViewType:  "overview",
			CacheTTLSeconds:  300,
			AdminModeEnabled: true,
		},
		Analytics: AnalyticsFlags{
			VisitorTrackingEnabled:    true,
			PerformanceLoggingEnabled: true,
			ErrorReportingEnabled:     true,
		},
		Security: SecuritySettings{
			LocationWindow: time.Hour,
			RateWindow:     time.Minute,
			RateThreshold:  60,
			GeoProviderURL: "http://ip-api.com/json",
			GeoTimeout:     5 * time.Second,
			GeoCacheTTL:    time.Hour,
		},
		Server: ServerSettings{
			Host:            "0.0.0.0",
			Port:            8080,
			DataDir:         "data",
			StorageBackend:  "file",
			CORSOrigins:     []string{"*"},
			ShutdownTimeout: 15 * time.Second,
		},
		Logging: LoggingSettings{
			Level:  "info",
			Format: "json",
			File:   "",
		},
		Metadata: Metadata{
			ConfigVersion: ConfigVersion,
			CreatedAt:     now,
			UpdatedAt:     now,
		},
	}
}
