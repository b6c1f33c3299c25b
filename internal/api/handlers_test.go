// QuakeWatch - Earthquake Dashboard Visitor Analytics
// Copyright 2026 QuakeWatch contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/quakewatch/quakewatch

package api

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	json "github.com/goccy/go-json"

	"github.com/quakewatch/quakewatch/internal/analytics"
	"github.com/quakewatch/quakewatch/internal/config"
	"github.com/quakewatch/quakewatch/internal/geo"
	"github.com/quakewatch/quakewatch/internal/retention"
	"github.com/quakewatch/quakewatch/internal/security"
	"github.com/quakewatch/quakewatch/internal/session"
	"github.com/quakewatch/quakewatch/internal/storage"
	"github.com/quakewatch/quakewatch/internal/visitormetrics"
)

// capturingPublisher records emitted security events for assertions.
type capturingPublisher struct {
	mu     sync.Mutex
	events []security.Event
}

func (p *capturingPublisher) Publish(_ string, payload []byte) error {
	var ev security.Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return err
	}
	p.mu.Lock()
	p.events = append(p.events, ev)
	p.mu.Unlock()
	return nil
}

func (p *capturingPublisher) countByType(t security.EventType) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, ev := range p.events {
		if ev.Type == t {
			n++
		}
	}
	return n
}

type testServer struct {
	srv *httptest.Server
	cfg *config.Manager
	pub *capturingPublisher
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	fs, err := storage.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	t.Cleanup(func() { _ = fs.Close() })

	geoSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"status":"success","country":"Chile","regionName":"Valparaiso","city":"Valparaiso"}`)
	}))
	t.Cleanup(geoSrv.Close)

	cfg := config.NewManager(fs, config.Default())
	if err := cfg.Load(context.Background()); err != nil {
		t.Fatalf("config load: %v", err)
	}

	pub := &capturingPublisher{}
	monitor := security.NewMonitor(security.Config{RateThreshold: 100000}, pub)
	events := security.NewEventStore(fs)
	vm := visitormetrics.NewStore(fs)
	enricher := geo.New(geo.Config{ProviderURL: geoSrv.URL, RequestsPerSecond: 10000})
	sessions := session.NewStore(fs, enricher, monitor, vm)

	exportsDir := t.TempDir()
	agg := analytics.New(sessions, events, vm, exportsDir)
	engine := retention.NewEngine(cfg, sessions, events, vm, exportsDir)

	server := NewServer(cfg, sessions, agg, monitor, engine)
	srv := httptest.NewServer(server.Router())
	t.Cleanup(srv.Close)

	return &testServer{srv: srv, cfg: cfg, pub: pub}
}

func (ts *testServer) do(t *testing.T, method, path string, body interface{}, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rd = bytes.NewReader(data)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, ts.srv.URL+path, rd)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Mozilla/5.0 (X11; Linux x86_64)")
	// Loopback traffic skips geolocation; pretend to be a routable client.
	req.Header.Set("X-Real-IP", "203.0.113.10")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, buf.Bytes()
}

func trackSession(t *testing.T, ts *testServer) session.ResolveResult {
	t.Helper()
	resp, body := ts.do(t, http.MethodPost, "/api/v1/track/session", map[string]string{
		"screen_resolution": "1920x1080",
		"language":          "en-US",
	}, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("track session status = %d: %s", resp.StatusCode, body)
	}
	var res session.ResolveResult
	if err := json.Unmarshal(body, &res); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return res
}

func TestTrackSession(t *testing.T) {
	ts := newTestServer(t)

	res := trackSession(t, ts)
	if res.VisitorID == "" || res.SessionID == "" {
		t.Fatalf("missing ids: %+v", res)
	}
	if !res.NewVisitor {
		t.Error("first contact should be a new visitor")
	}
	if res.Location.City != "Valparaiso" {
		t.Errorf("location = %+v", res.Location)
	}
}

func TestTrackSession_TrackingDisabled(t *testing.T) {
	ts := newTestServer(t)
	if _, err := ts.cfg.Update(context.Background(), map[string]interface{}{
		"analytics": map[string]interface{}{"visitor_tracking_enabled": false},
	}); err != nil {
		t.Fatalf("disable tracking: %v", err)
	}

	resp, body := ts.do(t, http.MethodPost, "/api/v1/track/session", map[string]string{}, nil)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d: %s", resp.StatusCode, body)
	}
	var out struct {
		BestEffort bool `json:"best_effort"`
	}
	if err := json.Unmarshal(body, &out); err != nil || !out.BestEffort {
		t.Errorf("body = %s", body)
	}
}

func TestTrackActivity(t *testing.T) {
	ts := newTestServer(t)
	res := trackSession(t, ts)

	resp, body := ts.do(t, http.MethodPost, "/api/v1/track/activity", map[string]string{
		"session_id": res.SessionID,
		"action":     "select_feed",
		"target":     "all_day",
	}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d: %s", resp.StatusCode, body)
	}

	resp, _ = ts.do(t, http.MethodPost, "/api/v1/track/activity", map[string]string{
		"session_id": "no-such-session",
	}, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown session status = %d, want 404", resp.StatusCode)
	}

	resp, _ = ts.do(t, http.MethodPost, "/api/v1/track/activity", map[string]string{}, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("missing session_id status = %d, want 400", resp.StatusCode)
	}
}

func TestTrackEnd(t *testing.T) {
	ts := newTestServer(t)
	res := trackSession(t, ts)

	resp, body := ts.do(t, http.MethodPost, "/api/v1/track/end", map[string]string{
		"session_id": res.SessionID,
	}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d: %s", resp.StatusCode, body)
	}
}

func TestTrackEnd_TrackingDisabled(t *testing.T) {
	ts := newTestServer(t)
	res := trackSession(t, ts)

	if _, err := ts.cfg.Update(context.Background(), map[string]interface{}{
		"analytics": map[string]interface{}{"visitor_tracking_enabled": false},
	}); err != nil {
		t.Fatalf("disable tracking: %v", err)
	}

	resp, body := ts.do(t, http.MethodPost, "/api/v1/track/end", map[string]string{
		"session_id": res.SessionID,
	}, nil)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d: %s", resp.StatusCode, body)
	}
	var out struct {
		BestEffort bool `json:"best_effort"`
	}
	if err := json.Unmarshal(body, &out); err != nil || !out.BestEffort {
		t.Errorf("body = %s", body)
	}
}

func TestAnalyticsSummary(t *testing.T) {
	ts := newTestServer(t)
	trackSession(t, ts)
	trackSession(t, ts)

	resp, body := ts.do(t, http.MethodGet, "/api/v1/analytics/summary", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d: %s", resp.StatusCode, body)
	}
	var sum analytics.Summary
	if err := json.Unmarshal(body, &sum); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if sum.TotalSessions != 2 || sum.UniqueVisitors != 2 {
		t.Errorf("summary = %+v", sum)
	}
}

func TestAnalyticsDaily_BadRange(t *testing.T) {
	ts := newTestServer(t)

	resp, _ := ts.do(t, http.MethodGet, "/api/v1/analytics/daily?days=4000", nil, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestAnalyticsExport_EmitsAuditEvent(t *testing.T) {
	ts := newTestServer(t)
	trackSession(t, ts)

	resp, body := ts.do(t, http.MethodGet, "/api/v1/analytics/export?domain=security_events&format=json", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d: %s", resp.StatusCode, body)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		t.Errorf("content type = %q", ct)
	}
	if !json.Valid(body) {
		t.Error("export is not valid json")
	}
	if n := ts.pub.countByType(security.EventDataExport); n != 1 {
		t.Errorf("DATA_EXPORT events = %d, want 1", n)
	}

	resp, _ = ts.do(t, http.MethodGet, "/api/v1/analytics/export?domain=bogus", nil, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bogus domain status = %d, want 400", resp.StatusCode)
	}
}

func TestConfig_GetRedactsSecret(t *testing.T) {
	ts := newTestServer(t)
	if _, err := ts.cfg.Update(context.Background(), map[string]interface{}{
		"security": map[string]interface{}{"admin_jwt_secret": "s3cret"},
	}); err != nil {
		t.Fatalf("set secret: %v", err)
	}

	resp, body := ts.do(t, http.MethodGet, "/api/v1/config", nil, map[string]string{
		"Authorization": "Bearer " + signToken(t, "s3cret", "ops"),
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d: %s", resp.StatusCode, body)
	}
	if bytes.Contains(body, []byte("s3cret")) {
		t.Error("secret leaked in config response")
	}
}

func TestConfig_PatchValidatesAndAudits(t *testing.T) {
	ts := newTestServer(t)

	// Invalid value: rejected in full, nothing persisted.
	resp, body := ts.do(t, http.MethodPatch, "/api/v1/config", map[string]interface{}{
		"retention_policy": map[string]interface{}{"session_retention_days": -5},
	}, nil)
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("invalid patch status = %d: %s", resp.StatusCode, body)
	}
	if got := ts.cfg.Get().Retention.SessionRetentionDays; got != 180 {
		t.Errorf("retention days = %d after rejected patch, want 180", got)
	}

	resp, body = ts.do(t, http.MethodPatch, "/api/v1/config", map[string]interface{}{
		"retention_policy": map[string]interface{}{"session_retention_days": 30},
	}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("patch status = %d: %s", resp.StatusCode, body)
	}
	if got := ts.cfg.Get().Retention.SessionRetentionDays; got != 30 {
		t.Errorf("retention days = %d, want 30", got)
	}
	if n := ts.pub.countByType(security.EventConfigChange); n != 1 {
		t.Errorf("CONFIG_CHANGE events = %d, want 1", n)
	}
}

func TestConfig_Reset(t *testing.T) {
	ts := newTestServer(t)

	if _, err := ts.cfg.Update(context.Background(), map[string]interface{}{
		"retention_policy": map[string]interface{}{"session_retention_days": 30},
	}); err != nil {
		t.Fatalf("update: %v", err)
	}

	resp, body := ts.do(t, http.MethodPost, "/api/v1/config/reset", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d: %s", resp.StatusCode, body)
	}
	if got := ts.cfg.Get().Retention.SessionRetentionDays; got != 180 {
		t.Errorf("retention days = %d after reset, want 180", got)
	}
}

func TestVisitorSessions(t *testing.T) {
	ts := newTestServer(t)
	res := trackSession(t, ts)

	resp, body := ts.do(t, http.MethodGet, "/api/v1/visitors/"+res.VisitorID+"/sessions", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d: %s", resp.StatusCode, body)
	}
	var out struct {
		VisitorID string            `json:"visitor_id"`
		Sessions  []json.RawMessage `json:"sessions"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.VisitorID != res.VisitorID || len(out.Sessions) != 1 {
		t.Errorf("visitor=%s sessions=%d", out.VisitorID, len(out.Sessions))
	}

	resp, body = ts.do(t, http.MethodGet, "/api/v1/visitors/"+res.VisitorID+"/locations", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("locations status = %d: %s", resp.StatusCode, body)
	}
}

func TestConfig_ExportImportRoundTrip(t *testing.T) {
	ts := newTestServer(t)

	if _, err := ts.cfg.Update(context.Background(), map[string]interface{}{
		"retention_policy": map[string]interface{}{"session_retention_days": 45},
	}); err != nil {
		t.Fatalf("update: %v", err)
	}

	resp, exported := ts.do(t, http.MethodGet, "/api/v1/config/export", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("export status = %d: %s", resp.StatusCode, exported)
	}

	if _, err := ts.cfg.ResetToDefaults(context.Background()); err != nil {
		t.Fatalf("reset: %v", err)
	}

	req, err := http.NewRequest(http.MethodPost, ts.srv.URL+"/api/v1/config/import", bytes.NewReader(exported))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	importResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	importResp.Body.Close()
	if importResp.StatusCode != http.StatusOK {
		t.Fatalf("import status = %d", importResp.StatusCode)
	}
	if got := ts.cfg.Get().Retention.SessionRetentionDays; got != 45 {
		t.Errorf("retention days = %d after import, want 45", got)
	}

	// Garbage import is rejected in full.
	req, _ = http.NewRequest(http.MethodPost, ts.srv.URL+"/api/v1/config/import", bytes.NewReader([]byte("not json")))
	badResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("bad import: %v", err)
	}
	badResp.Body.Close()
	if badResp.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("bad import status = %d, want 422", badResp.StatusCode)
	}
}

func TestCleanup(t *testing.T) {
	ts := newTestServer(t)
	trackSession(t, ts)

	resp, body := ts.do(t, http.MethodPost, "/api/v1/cleanup", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d: %s", resp.StatusCode, body)
	}
	var out struct {
		Removed map[string]int `json:"removed"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, ok := out.Removed["sessions"]; !ok {
		t.Errorf("removed = %+v, missing sessions domain", out.Removed)
	}
}

func TestAdminAuth(t *testing.T) {
	ts := newTestServer(t)
	if _, err := ts.cfg.Update(context.Background(), map[string]interface{}{
		"security": map[string]interface{}{"admin_jwt_secret": "s3cret"},
	}); err != nil {
		t.Fatalf("set secret: %v", err)
	}

	// No token.
	resp, _ := ts.do(t, http.MethodGet, "/api/v1/analytics/summary", nil, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("no token status = %d, want 401", resp.StatusCode)
	}

	// Garbage token.
	resp, _ = ts.do(t, http.MethodGet, "/api/v1/analytics/summary", nil, map[string]string{
		"Authorization": "Bearer not-a-token",
	})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("bad token status = %d, want 401", resp.StatusCode)
	}

	// Wrong key.
	resp, _ = ts.do(t, http.MethodGet, "/api/v1/analytics/summary", nil, map[string]string{
		"Authorization": "Bearer " + signToken(t, "wrong-key", "ops"),
	})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("wrong key status = %d, want 401", resp.StatusCode)
	}

	// Valid token.
	resp, _ = ts.do(t, http.MethodGet, "/api/v1/analytics/summary", nil, map[string]string{
		"Authorization": "Bearer " + signToken(t, "s3cret", "ops"),
	})
	if resp.StatusCode != http.StatusOK {
		t.Errorf("valid token status = %d, want 200", resp.StatusCode)
	}

	// Tracking stays open.
	resp, _ = ts.do(t, http.MethodPost, "/api/v1/track/session", map[string]string{}, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Errorf("tracking status = %d, want 201", resp.StatusCode)
	}
}

func TestAdminAuth_AdminModeDisabled(t *testing.T) {
	ts := newTestServer(t)
	if _, err := ts.cfg.Update(context.Background(), map[string]interface{}{
		"app_settings": map[string]interface{}{"admin_mode_enabled": false},
	}); err != nil {
		t.Fatalf("disable admin mode: %v", err)
	}

	resp, _ := ts.do(t, http.MethodGet, "/api/v1/analytics/summary", nil, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("status = %d, want 403", resp.StatusCode)
	}
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	for _, path := range []string{"/healthz", "/api/v1/health"} {
		resp, _ := ts.do(t, http.MethodGet, path, nil, nil)
		if resp.StatusCode != http.StatusOK {
			t.Errorf("%s status = %d, want 200", path, resp.StatusCode)
		}
	}
}

func signToken(t *testing.T, secret, subject string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}
