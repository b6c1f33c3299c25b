// QuakeWatch - Earthquake Dashboard Visitor Analytics
// Copyright 2026 QuakeWatch contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/quakewatch/quakewatch

// Package geo resolves request IPs to geographic locations through an
// external provider (ip-api.com compatible JSON API). Lookups are strictly
// best-effort: a slow, broken or rate-limited provider degrades the result
// to the "Unknown" sentinel and never fails session tracking.
package geo

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"github.com/quakewatch/quakewatch/internal/logging"
	"github.com/quakewatch/quakewatch/internal/metrics"
	"github.com/quakewatch/quakewatch/internal/models"
)

// Result is the outcome of one enrichment. Unknown results still carry the
// sentinel Location so callers can persist them uniformly; Reason records
// why the lookup failed.
type Result struct {
	Location models.Location
	Unknown  bool
	Reason   string
}

// Config tunes the enricher. Zero values fall back to provider defaults.
type Config struct {
	// ProviderURL is the lookup endpoint; the IP is appended as a path
	// segment (ip-api.com JSON convention).
	ProviderURL string

	// Timeout bounds one provider round-trip.
	Timeout time.Duration

	// CacheTTL is how long a per-IP result is reused.
	CacheTTL time.Duration

	// RequestsPerSecond bounds outbound provider traffic. ip-api.com's free
	// tier allows 45 requests per minute.
	RequestsPerSecond float64
}

// providerResponse is the ip-api.com JSON shape.
type providerResponse struct {
	Status     string  `json:"status"`
	Message    string  `json:"message"`
	Country    string  `json:"country"`
	RegionName string  `json:"regionName"`
	Region     string  `json:"region"`
	City       string  `json:"city"`
	Timezone   string  `json:"timezone"`
	ISP        string  `json:"isp"`
	Lat        float64 `json:"lat"`
	Lon        float64 `json:"lon"`
}

type cacheEntry struct {
	result  Result
	expires time.Time
}

// Enricher performs cached, circuit-broken, rate-limited IP geolocation.
type Enricher struct {
	providerURL string
	client      *http.Client
	breaker     *gobreaker.CircuitBreaker[Result]
	limiter     *rate.Limiter
	cacheTTL    time.Duration

	mu    sync.Mutex
	cache map[string]cacheEntry
}

// New creates an enricher from cfg.
func New(cfg Config) *Enricher {
	if cfg.ProviderURL == "" {
		cfg.ProviderURL = "http://ip-api.com/json"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = time.Hour
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 0.75 // 45/min free tier
	}

	breaker := gobreaker.NewCircuitBreaker[Result](gobreaker.Settings{
		Name:        "geo-provider",
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("geolocation circuit breaker state change")
		},
	})

	return &Enricher{
		providerURL: strings.TrimRight(cfg.ProviderURL, "/"),
		client:      &http.Client{Timeout: cfg.Timeout},
		breaker:     breaker,
		limiter:     rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 5),
		cacheTTL:    cfg.CacheTTL,
		cache:       make(map[string]cacheEntry),
	}
}

// Enrich resolves ip to a location. Private and loopback addresses resolve
// to the "Local" sentinel without touching the provider. Every failure mode
// returns an Unknown result with a reason; Enrich itself never errors.
func (e *Enricher) Enrich(ctx context.Context, ip string) Result {
	if isLocalAddress(ip) {
		return Result{Location: models.LocalLocation()}
	}

	if r, ok := e.cached(ip); ok {
		metrics.GeoLookups.WithLabelValues("cache").Inc()
		return r
	}

	if !e.limiter.Allow() {
		metrics.GeoLookups.WithLabelValues("throttled").Inc()
		return e.unknown(ip, "outbound rate limit exceeded", 30*time.Second)
	}

	result, err := e.breaker.Execute(func() (Result, error) {
		return e.lookup(ctx, ip)
	})
	if err != nil {
		metrics.GeoLookups.WithLabelValues("error").Inc()
		logging.Debug().Str("ip", ip).Err(err).Msg("geolocation lookup failed")
		// Negative-cache briefly so a dead provider is not hammered.
		return e.unknown(ip, err.Error(), 30*time.Second)
	}

	if result.Unknown {
		metrics.GeoLookups.WithLabelValues("unresolved").Inc()
		e.store(ip, result, e.cacheTTL)
		return result
	}

	metrics.GeoLookups.WithLabelValues("ok").Inc()
	e.store(ip, result, e.cacheTTL)
	return result
}

// lookup performs one provider round-trip.
func (e *Enricher) lookup(ctx context.Context, ip string) (Result, error) {
	url := e.providerURL + "/" + ip
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Result{}, fmt.Errorf("build request: %w", err)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("provider request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Result{}, fmt.Errorf("provider status %d", resp.StatusCode)
	}

	var pr providerResponse
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
		return Result{}, fmt.Errorf("decode provider response: %w", err)
	}

	if pr.Status != "success" {
		reason := pr.Message
		if reason == "" {
			reason = "provider reported failure"
		}
		// A definitive "cannot resolve" is a valid answer, not a provider
		// fault: it must not trip the breaker.
		return Result{
			Location: models.UnknownLocation(),
			Unknown:  true,
			Reason:   reason,
		}, nil
	}

	return Result{
		Location: models.Location{
			Country:   pr.Country,
			Region:    pr.RegionName,
			StateCode: pr.Region,
			City:      pr.City,
			Timezone:  pr.Timezone,
			ISP:       pr.ISP,
			Latitude:  pr.Lat,
			Longitude: pr.Lon,
		},
	}, nil
}

func (e *Enricher) unknown(ip, reason string, ttl time.Duration) Result {
	r := Result{Location: models.UnknownLocation(), Unknown: true, Reason: reason}
	e.store(ip, r, ttl)
	return r
}

func (e *Enricher) cached(ip string) (Result, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	entry, ok := e.cache[ip]
	if !ok || time.Now().After(entry.expires) {
		delete(e.cache, ip)
		return Result{}, false
	}
	return entry.result, true
}

func (e *Enricher) store(ip string, r Result, ttl time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cache[ip] = cacheEntry{result: r, expires: time.Now().Add(ttl)}
}

// PurgeExpired drops expired cache entries and returns how many were removed.
func (e *Enricher) PurgeExpired() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := time.Now()
	removed := 0
	for ip, entry := range e.cache {
		if now.After(entry.expires) {
			delete(e.cache, ip)
			removed++
		}
	}
	return removed
}

// isLocalAddress reports whether ip is loopback, private or unspecified.
func isLocalAddress(ip string) bool {
	switch ip {
	case "", "localhost", "unknown":
		return true
	}
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}
	return parsed.IsLoopback() || parsed.IsPrivate() || parsed.IsUnspecified() || parsed.IsLinkLocalUnicast()
}
