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

// Package retention purges webhook audit rows once they age out.
package retention

import (
	"context"
	"log/slog"
	"time"

	"github.com/seido/inbound/internal/metrics"
)

// DefaultWindow is how long webhook_logs rows are kept.
const DefaultWindow = 90 * 24 * time.Hour

// Purger deletes audit rows created before cutoff.
type Purger interface {
	PurgeWebhookLogs(ctx context.Context, cutoff time.Time) (int64, error)
}

// Sweeper periodically deletes webhook_logs rows older than the window.
// It is a suture.Service.
type Sweeper struct {
	purger   Purger
	window   time.Duration
	interval time.Duration
	now      func() time.Time
}

// NewSweeper creates a sweeper that runs every interval.
func NewSweeper(purger Purger, window, interval time.Duration) *Sweeper {
	if window <= 0 {
		window = DefaultWindow
	}
	if interval <= 0 {
		interval = 6 * time.Hour
	}
	return &Sweeper{
		purger:   purger,
		window:   window,
		interval: interval,
		now:      time.Now,
	}
}

// Serve runs the sweep loop until ctx is cancelled.
func (s *Sweeper) Serve(ctx context.Context) error {
	slog.Info("retention sweeper starting",
		"window", s.window,
		"interval", s.interval,
	)

	s.Sweep(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("retention sweeper stopping")
			return ctx.Err()
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one purge and returns the number of rows removed.
func (s *Sweeper) Sweep(ctx context.Context) int64 {
	cutoff := s.now().UTC().Add(-s.window)
	n, err := s.purger.PurgeWebhookLogs(ctx, cutoff)
	if err != nil {
		if ctx.Err() == nil {
			slog.Error("failed to purge webhook logs", "cutoff", cutoff, "error", err)
		}
		return 0
	}
	if n > 0 {
		metrics.WebhookLogsPurged.Add(float64(n))
		slog.Info("purged webhook logs", "rows", n, "cutoff", cutoff.Format(time.RFC3339))
	}
	return n
}

// String implements fmt.Stringer for suture's logs.
func (s *Sweeper) String() string {
	return "retention-sweeper"
}
