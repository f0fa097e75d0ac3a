// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package webhook

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/seido/inbound/internal/logging"
)

// Path is where the provider delivers inbound email events.
const Path = "/webhooks/inbound-email"

// Pinger is a dependency checked by /health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Check names a Pinger for the health report.
type Check struct {
	Name   string
	Pinger Pinger
}

// Status is a dependency state shown by /health that does not decide the
// verdict, such as a circuit breaker.
type Status struct {
	Name  string
	State func() string
}

// RouterConfig configures NewRouter.
type RouterConfig struct {
	Handler         *Handler
	MaxBodyBytes    int64
	RateLimit       int
	RateLimitWindow time.Duration
	Checks          []Check
	Statuses        []Status

	// TrustProxyHeaders replaces the peer address with X-Forwarded-For or
	// X-Real-IP. Rate limiting and audit metadata use that address.
	TrustProxyHeaders bool
}

// NewRouter returns the service's HTTP routes.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(logging.Middleware)
	if cfg.TrustProxyHeaders {
		r.Use(chimiddleware.RealIP)
	}
	r.Use(requestLogger)
	r.Use(chimiddleware.Recoverer)

	r.Get("/health", health(cfg.Checks, cfg.Statuses))
	r.Handle("/metrics", promhttp.Handler())

	r.Get(Path, cfg.Handler.ServeStatus)
	r.With(rateLimit(cfg.RateLimit, cfg.RateLimitWindow), limitBody(cfg.MaxBodyBytes)).
		Post(Path, cfg.Handler.ServeInbound)

	return r
}

func rateLimit(requests int, window time.Duration) func(http.Handler) http.Handler {
	if requests <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	if window <= 0 {
		window = time.Minute
	}
	return httprate.LimitByIP(requests, window)
}

func limitBody(n int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if n <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Body = http.MaxBytesReader(w, r.Body, n)
			next.ServeHTTP(w, r)
		})
	}
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		if r.URL.Path == "/metrics" || r.URL.Path == "/health" {
			return
		}
		slog.InfoContext(r.Context(), "http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration_ms", time.Since(start).Milliseconds(),
			"remote_addr", r.RemoteAddr,
		)
	})
}

func health(checks []Check, statuses []Status) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()

		components := make(map[string]string, len(statuses))
		for _, st := range statuses {
			components[st.Name] = st.State()
		}

		failed := map[string]string{}
		for _, c := range checks {
			if err := c.Pinger.Ping(ctx); err != nil {
				failed[c.Name] = err.Error()
			}
		}
		if len(failed) > 0 {
			slog.WarnContext(ctx, "health check failed", "checks", failed)
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{
				"status":     "unhealthy",
				"checks":     failed,
				"components": components,
			})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"status":     "healthy",
			"components": components,
		})
	}
}
