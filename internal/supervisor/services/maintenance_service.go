// QuakeWatch - Earthquake Dashboard Visitor Analytics
// Copyright 2026 QuakeWatch contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/quakewatch/quakewatch

package services

import (
	"context"
	"time"

	"github.com/quakewatch/quakewatch/internal/logging"
	"github.com/quakewatch/quakewatch/internal/retention"
)

// Sweeper runs full retention sweeps. *retention.Engine satisfies it.
type Sweeper interface {
	SweepAll(ctx context.Context, now time.Time, trigger string) (map[retention.Domain]int, error)
}

// GeoPurger drops expired geolocation cache entries.
type GeoPurger interface {
	PurgeExpired() int
}

// MonitorPurger drops stale rate-tracking state.
type MonitorPurger interface {
	PurgeStale(now time.Time) int
}

// MaintenanceService is the background housekeeping loop: a retention sweep
// at startup and then daily, plus hourly purges of in-memory caches. The
// probabilistic sweeps on tracking traffic keep quiet deployments clean
// between runs; this loop guarantees a bound even with zero traffic.
type MaintenanceService struct {
	sweeper Sweeper
	geo     GeoPurger
	monitor MonitorPurger

	sweepInterval time.Duration
	purgeInterval time.Duration
}

// NewMaintenanceService wires the housekeeping loop.
func NewMaintenanceService(sweeper Sweeper, geo GeoPurger, monitor MonitorPurger) *MaintenanceService {
	return &MaintenanceService{
		sweeper:       sweeper,
		geo:           geo,
		monitor:       monitor,
		sweepInterval: 24 * time.Hour,
		purgeInterval: time.Hour,
	}
}

// String names the service in supervisor logs.
func (s *MaintenanceService) String() string { return "maintenance" }

// Serve implements suture.Service.
func (s *MaintenanceService) Serve(ctx context.Context) error {
	s.sweep(ctx, "scheduled")

	sweepTicker := time.NewTicker(s.sweepInterval)
	defer sweepTicker.Stop()
	purgeTicker := time.NewTicker(s.purgeInterval)
	defer purgeTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-sweepTicker.C:
			s.sweep(ctx, "scheduled")
		case <-purgeTicker.C:
			s.purge()
		}
	}
}

func (s *MaintenanceService) sweep(ctx context.Context, trigger string) {
	counts, err := s.sweeper.SweepAll(ctx, time.Now().UTC(), trigger)
	if err != nil {
		logging.Warn().Err(err).Msg("scheduled retention sweep failed")
		return
	}
	total := 0
	for _, n := range counts {
		total += n
	}
	logging.Info().Int("removed", total).Msg("scheduled retention sweep completed")
}

func (s *MaintenanceService) purge() {
	purged := 0
	if s.geo != nil {
		purged += s.geo.PurgeExpired()
	}
	if s.monitor != nil {
		purged += s.monitor.PurgeStale(time.Now().UTC())
	}
	if purged > 0 {
		logging.Debug().Int("purged", purged).Msg("expired cache entries purged")
	}
}
