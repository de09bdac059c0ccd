// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/awnumar/memguard"
	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/DataSite/services/datasite/audit"
)

// operatorKey is the context key marking a request that passed the
// operator token check.
const operatorKey = "datasite_operator"

// TokenGuard verifies the operator token for decision and admin
// endpoints. The configured token is sealed in a memguard enclave the
// moment the guard is built, so it never sits in plain heap memory
// between requests; comparisons are constant time.
//
// A guard built from an empty token is open: every request passes, the
// local single-operator install needs no auth infrastructure. The
// constructor logs loudly when that happens.
//
// Thread Safety: Verify is safe for concurrent use.
type TokenGuard struct {
	enclave *memguard.Enclave
	logger  *slog.Logger
}

// NewTokenGuard seals the operator token. An empty token disables the
// guard.
func NewTokenGuard(token string, logger *slog.Logger) *TokenGuard {
	if logger == nil {
		logger = slog.Default()
	}
	g := &TokenGuard{logger: logger}
	if token == "" {
		logger.Warn("no operator token configured, decision and admin endpoints are unauthenticated")
		return g
	}
	// NewEnclave wipes the source slice; give it a private copy.
	g.enclave = memguard.NewEnclave([]byte(token))
	return g
}

// Open reports whether the guard accepts every request.
func (g *TokenGuard) Open() bool {
	return g.enclave == nil
}

// Verify checks a presented token against the sealed one.
func (g *TokenGuard) Verify(candidate string) bool {
	if g.enclave == nil {
		return true
	}
	if candidate == "" {
		return false
	}
	buf, err := g.enclave.Open()
	if err != nil {
		g.logger.Error("operator token enclave unavailable", "error", err)
		return false
	}
	defer buf.Destroy()
	return buf.EqualTo([]byte(candidate))
}

// OperatorAuth creates a middleware enforcing the operator token on a
// route. The token travels as a bearer credential:
//
//	Authorization: Bearer <token>
//
// Requests that pass are marked in the context; IsOperator reports the
// mark to handlers that render richer views for operators.
func OperatorAuth(guard *TokenGuard) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !guard.Verify(extractBearerToken(c)) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorResponse{
				Error: "operator token missing or invalid",
				Code:  "UNAUTHORIZED",
			})
			return
		}
		c.Set(operatorKey, true)
		c.Next()
	}
}

// IsOperator reports whether the request passed the operator token
// check.
func IsOperator(c *gin.Context) bool {
	return c.GetBool(operatorKey)
}

// extractBearerToken pulls the token out of the Authorization header.
// Returns empty string when the header is missing or malformed. The
// scheme is case-insensitive per RFC 7235.
func extractBearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// ClientContext creates a middleware carrying the client address into
// the request context, where the audit loggers pick it up. Store
// methods stay network-unaware; system-initiated events simply have no
// address to stamp.
func ClientContext() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := audit.WithRemoteAddr(c.Request.Context(), c.ClientIP())
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// SubmitLimit creates a middleware throttling submissions with a token
// bucket shared across all clients. The node is a single review queue;
// a global limiter is the point, not a compromise.
func SubmitLimit(rps float64, burst int) gin.HandlerFunc {
	if rps <= 0 {
		rps = 5
	}
	if burst <= 0 {
		burst = 10
	}
	limiter := rate.NewLimiter(rate.Limit(rps), burst)
	return func(c *gin.Context) {
		if !limiter.Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, ErrorResponse{
				Error: "submission rate limit exceeded, retry shortly",
				Code:  "RATE_LIMITED",
			})
			return
		}
		c.Next()
	}
}
