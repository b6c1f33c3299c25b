// QuakeWatch - Earthquake Dashboard Visitor Analytics
// Copyright 2026 QuakeWatch contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/quakewatch/quakewatch

package services

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/quakewatch/quakewatch/internal/retention"
)

type fakeSweeper struct {
	calls atomic.Int32
}

func (f *fakeSweeper) SweepAll(context.Context, time.Time, string) (map[retention.Domain]int, error) {
	f.calls.Add(1)
	return map[retention.Domain]int{retention.DomainSessions: 1}, nil
}

type fakeGeoPurger struct{ calls atomic.Int32 }

func (f *fakeGeoPurger) PurgeExpired() int {
	f.calls.Add(1)
	return 0
}

type fakeMonitorPurger struct{ calls atomic.Int32 }

func (f *fakeMonitorPurger) PurgeStale(time.Time) int {
	f.calls.Add(1)
	return 0
}

func TestMaintenanceService_SweepsOnStartupAndTick(t *testing.T) {
	sweeper := &fakeSweeper{}
	geo := &fakeGeoPurger{}
	monitor := &fakeMonitorPurger{}

	svc := NewMaintenanceService(sweeper, geo, monitor)
	svc.sweepInterval = 20 * time.Millisecond
	svc.purgeInterval = 20 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_ = svc.Serve(ctx)

	if n := sweeper.calls.Load(); n < 2 {
		t.Errorf("sweeps = %d, want startup sweep plus at least one tick", n)
	}
	if geo.calls.Load() == 0 {
		t.Error("geo cache never purged")
	}
	if monitor.calls.Load() == 0 {
		t.Error("monitor state never purged")
	}
}

func TestMaintenanceService_NilPurgersTolerated(t *testing.T) {
	svc := NewMaintenanceService(&fakeSweeper{}, nil, nil)
	svc.sweepInterval = 10 * time.Millisecond
	svc.purgeInterval = 10 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_ = svc.Serve(ctx) // must not panic
}
