// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"log"
	"net"
	"net/http"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ============================================================================
// RATE LIMITING
// ============================================================================

// clientLimiterTTL is how long an idle client's limiter is kept before the
// cleanup pass drops it.
const clientLimiterTTL = 10 * time.Minute

// clientLimiter pairs a token bucket with its last-seen time.
type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// rateLimitMiddleware applies a per-client token bucket keyed by remote IP.
func rateLimitMiddleware(next http.Handler, perSecond float64, burst int) http.Handler {
	if burst <= 0 {
		burst = 1
	}

	var mu sync.Mutex
	clients := make(map[string]*clientLimiter)

	// Periodic cleanup keeps the map bounded under IP churn.
	go func() {
		for range time.Tick(clientLimiterTTL) {
			mu.Lock()
			for ip, c := range clients {
				if time.Since(c.lastSeen) > clientLimiterTTL {
					delete(clients, ip)
				}
			}
			mu.Unlock()
		}
	}()

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)

		mu.Lock()
		c, ok := clients[ip]
		if !ok {
			c = &clientLimiter{limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
			clients[ip] = c
		}
		c.lastSeen = time.Now()
		allowed := c.limiter.Allow()
		mu.Unlock()

		if !allowed {
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "rate_limited", "too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientIP extracts the remote IP, ignoring the port.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// ============================================================================
// LOGGING
// ============================================================================

// statusRecorder captures the response status for the access log.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// loggingMiddleware writes one access log line per request with timing.
func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		log.Printf("HTTP: %s %s %d %s", r.Method, r.URL.Path, rec.status,
			time.Since(start).Round(time.Millisecond))
	})
}

// ============================================================================
// RECOVERY
// ============================================================================

// recoveryMiddleware converts handler panics into 500s with a logged stack
// trace instead of tearing down the connection.
func recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				log.Printf("PANIC: %s %s: %v\n%s", r.Method, r.URL.Path, rec, debug.Stack())
				writeError(w, http.StatusInternalServerError, "internal", "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}
