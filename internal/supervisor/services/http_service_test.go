// QuakeWatch - Earthquake Dashboard Visitor Analytics
// Copyright 2026 QuakeWatch contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/quakewatch/quakewatch

package services

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"testing"
	"time"
)

// fakeServer simulates *http.Server lifecycle behavior.
type fakeServer struct {
	listenErr  error
	closed     chan struct{}
	shutdowns  atomic.Int32
	shutdownOK bool
}

func newFakeServer(listenErr error) *fakeServer {
	return &fakeServer{listenErr: listenErr, closed: make(chan struct{}), shutdownOK: true}
}

func (f *fakeServer) ListenAndServe() error {
	if f.listenErr != nil {
		return f.listenErr
	}
	<-f.closed
	return http.ErrServerClosed
}

func (f *fakeServer) Shutdown(context.Context) error {
	f.shutdowns.Add(1)
	close(f.closed)
	if !f.shutdownOK {
		return errors.New("drain failed")
	}
	return nil
}

func TestHTTPService_GracefulShutdown(t *testing.T) {
	srv := newFakeServer(nil)
	svc := NewHTTPService(srv, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Serve = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
	if n := srv.shutdowns.Load(); n != 1 {
		t.Errorf("shutdowns = %d, want 1", n)
	}
}

func TestHTTPService_ListenFailure(t *testing.T) {
	boom := errors.New("bind: address already in use")
	svc := NewHTTPService(newFakeServer(boom), time.Second)

	err := svc.Serve(context.Background())
	if err == nil || !errors.Is(err, boom) {
		t.Errorf("Serve = %v, want wrapped listen error", err)
	}
}

func TestHTTPService_ShutdownFailureReported(t *testing.T) {
	srv := newFakeServer(nil)
	srv.shutdownOK = false
	svc := NewHTTPService(srv, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err == nil || errors.Is(err, context.Canceled) {
			t.Errorf("Serve = %v, want shutdown error", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return")
	}
}
