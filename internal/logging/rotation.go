// QuakeWatch - Earthquake Dashboard Visitor Analytics
// Copyright 2026 QuakeWatch contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/quakewatch/quakewatch

package logging

import (
	"io"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"
)

// RotationConfig bounds the application log domain by size and backup count.
// The limits come from the retention policy (log_max_size, log_backup_count)
// so log disk usage is governed the same way as the data domains.
type RotationConfig struct {
	// Path is the log file location. Empty disables file output.
	Path string

	// MaxSizeMB is the size at which the active file rotates.
	MaxSizeMB int

	// MaxBackups is the number of rotated files kept on disk.
	MaxBackups int

	// Compress gzips rotated files.
	Compress bool
}

// NewRotatingWriter returns a writer that appends to cfg.Path and rotates
// when the file exceeds MaxSizeMB, keeping at most MaxBackups old files.
// The parent directory is created if missing.
func NewRotatingWriter(cfg RotationConfig) (io.WriteCloser, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o750); err != nil {
		return nil, err
	}
	if cfg.MaxSizeMB <= 0 {
		cfg.MaxSizeMB = 5
	}
	if cfg.MaxBackups <= 0 {
		cfg.MaxBackups = 10
	}
	return &lumberjack.Logger{
		Filename:   cfg.Path,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		Compress:   cfg.Compress,
	}, nil
}

// InitWithRotation initializes the global logger writing to both stderr and
// a rotating log file. Returns the file writer so the caller can close it on
// shutdown. With an empty path it behaves exactly like Init.
func InitWithRotation(cfg Config, rot RotationConfig) (io.WriteCloser, error) {
	if rot.Path == "" {
		Init(cfg)
		return nil, nil
	}
	fw, err := NewRotatingWriter(rot)
	if err != nil {
		return nil, err
	}
	base := cfg.Output
	if base == nil {
		base = os.Stderr
	}
	cfg.Output = io.MultiWriter(base, fw)
	Init(cfg)
	return fw, nil
}
