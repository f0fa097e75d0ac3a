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

// Package dedup decides whether an inbound email was already processed.
// The emails.message_id unique constraint is authoritative; Redis is a fast
// path in front of the database lookup.
package dedup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// DefaultTTL is how long a processed message id is remembered in Redis.
	// Provider retries stop well within a week.
	DefaultTTL = 7 * 24 * time.Hour

	// keyPrefix namespaces dedup keys in Redis.
	keyPrefix = "inbound:processed:"
)

// Filter remembers processed message ids in Redis.
type Filter struct {
	rdb redis.Cmdable
	ttl time.Duration
}

// NewFilter creates a dedup filter backed by Redis.
func NewFilter(rdb redis.Cmdable) *Filter {
	return &Filter{
		rdb: rdb,
		ttl: DefaultTTL,
	}
}

func key(messageID string) string {
	return keyPrefix + messageID
}

// Seen reports whether messageID was marked processed.
func (f *Filter) Seen(ctx context.Context, messageID string) (bool, error) {
	n, err := f.rdb.Exists(ctx, key(messageID)).Result()
	if err != nil {
		return false, fmt.Errorf("dedup EXISTS: %w", err)
	}
	return n > 0, nil
}

// MarkProcessed remembers messageID for the filter's TTL.
func (f *Filter) MarkProcessed(ctx context.Context, messageID string) error {
	if err := f.rdb.Set(ctx, key(messageID), 1, f.ttl).Err(); err != nil {
		return fmt.Errorf("dedup SET: %w", err)
	}
	return nil
}

// MessageLookup is the authoritative existence check.
type MessageLookup interface {
	EmailExistsByMessageID(ctx context.Context, messageID string) (bool, error)
}

// Guard combines the Redis fast path with the database lookup.
type Guard struct {
	filter *Filter
	lookup MessageLookup
}

// NewGuard returns a guard. filter may be nil, in which case only the
// database is consulted.
func NewGuard(filter *Filter, lookup MessageLookup) *Guard {
	return &Guard{filter: filter, lookup: lookup}
}

// ErrLookupFailed wraps database errors from AlreadyProcessed.
var ErrLookupFailed = errors.New("idempotency lookup failed")

// AlreadyProcessed reports whether the email with messageID was already
// stored. A missing message id cannot be deduplicated and reports false.
// Redis failures are logged and ignored; database failures are returned.
func (g *Guard) AlreadyProcessed(ctx context.Context, messageID *string) (bool, error) {
	if messageID == nil || *messageID == "" {
		return false, nil
	}
	id := *messageID

	if g.filter != nil {
		seen, err := g.filter.Seen(ctx, id)
		if err != nil {
			slog.WarnContext(ctx, "dedup fast path unavailable", "error", err)
		} else if seen {
			return true, nil
		}
	}

	exists, err := g.lookup.EmailExistsByMessageID(ctx, id)
	if err != nil {
		return false, fmt.Errorf("%w: %w", ErrLookupFailed, err)
	}
	if exists {
		g.remember(ctx, id)
	}
	return exists, nil
}

// MarkProcessed records a successful insert in the fast path.
func (g *Guard) MarkProcessed(ctx context.Context, messageID *string) {
	if messageID == nil || *messageID == "" {
		return
	}
	g.remember(ctx, *messageID)
}

func (g *Guard) remember(ctx context.Context, id string) {
	if g.filter == nil {
		return
	}
	if err := g.filter.MarkProcessed(ctx, id); err != nil {
		slog.WarnContext(ctx, "failed to mark message processed", "error", err)
	}
}
