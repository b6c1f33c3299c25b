// QuakeWatch - Earthquake Dashboard Visitor Analytics
// Copyright 2026 QuakeWatch contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/quakewatch/quakewatch

package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/quakewatch/quakewatch/internal/logging"
)

type actorKey struct{}

// Actor returns the authenticated admin subject, or "anonymous" when the
// admin surface runs unauthenticated.
func Actor(ctx context.Context) string {
	if actor, ok := ctx.Value(actorKey{}).(string); ok && actor != "" {
		return actor
	}
	return "anonymous"
}

// adminAuth guards the admin surface with HS256 bearer tokens. An empty
// secret disables verification for deployments behind a trusted proxy; a
// disabled admin mode rejects everything.
func (s *Server) adminAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cfg := s.cfg.Get()
		if !cfg.App.AdminModeEnabled {
			writeError(w, http.StatusForbidden, "admin mode disabled")
			return
		}

		secret := cfg.Security.AdminJWTSecret
		if secret == "" {
			next.ServeHTTP(w, r)
			return
		}

		raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if raw == "" || raw == r.Header.Get("Authorization") {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}

		claims := jwt.RegisteredClaims{}
		token, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return []byte(secret), nil
		})
		if err != nil || !token.Valid {
			logging.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("rejected admin token")
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}

		actor := claims.Subject
		if actor == "" {
			actor = "admin"
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), actorKey{}, actor)))
	})
}
