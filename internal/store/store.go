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

// Package store is the Postgres persistence layer of the inbound email
// pipeline. It owns the emails, email_links, email_attachments and
// webhook_logs tables and reads the interventions, users,
// intervention_assignments and notifications tables owned by the main
// application.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrDuplicateMessage is returned by InsertEmail when an email with the same
// provider message id already exists.
var ErrDuplicateMessage = errors.New("email with this message id already stored")

const uniqueViolation = "23505"

// Store wraps a pgx pool.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a store backed by pool and ensures the pipeline's own
// tables exist.
func NewStore(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	s := &Store{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure inbound email schema: %w", err)
	}
	slog.Info("inbound email store initialised")
	return s, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS emails (
			id                 UUID PRIMARY KEY,
			team_id            UUID NOT NULL,
			direction          TEXT NOT NULL,
			status             TEXT NOT NULL,
			from_address       TEXT NOT NULL,
			to_addresses       TEXT[] NOT NULL DEFAULT '{}',
			cc_addresses       TEXT[] NOT NULL DEFAULT '{}',
			subject            TEXT NOT NULL DEFAULT '',
			body_html          TEXT NOT NULL DEFAULT '',
			body_text          TEXT NOT NULL DEFAULT '',
			message_id         TEXT UNIQUE,
			provider_email_id  TEXT NOT NULL DEFAULT '',
			in_reply_to_header TEXT,
			received_at        TIMESTAMPTZ NOT NULL,
			created_at         TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_emails_team ON emails(team_id, received_at DESC);

		CREATE TABLE IF NOT EXISTS email_links (
			id          BIGSERIAL PRIMARY KEY,
			email_id    UUID NOT NULL REFERENCES emails(id) ON DELETE CASCADE,
			entity_type TEXT NOT NULL,
			entity_id   UUID NOT NULL,
			linked_by   UUID,
			notes       TEXT NOT NULL DEFAULT '',
			created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE(email_id, entity_type, entity_id)
		);
		CREATE INDEX IF NOT EXISTS idx_email_links_entity ON email_links(entity_type, entity_id);

		CREATE TABLE IF NOT EXISTS email_attachments (
			id           UUID PRIMARY KEY,
			email_id     UUID NOT NULL REFERENCES emails(id) ON DELETE CASCADE,
			filename     TEXT NOT NULL,
			mime_type    TEXT NOT NULL,
			storage_path TEXT NOT NULL,
			size         BIGINT NOT NULL,
			created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_email_attachments_email ON email_attachments(email_id);

		CREATE TABLE IF NOT EXISTS webhook_logs (
			id                 BIGSERIAL PRIMARY KEY,
			event_type         TEXT NOT NULL,
			provider_email_id  TEXT NOT NULL DEFAULT '',
			recipient_address  TEXT NOT NULL DEFAULT '',
			sender_address     TEXT NOT NULL DEFAULT '',
			subject            TEXT NOT NULL DEFAULT '',
			entity_id          TEXT,
			user_id            TEXT,
			status             TEXT NOT NULL,
			error_message      TEXT,
			processing_time_ms BIGINT NOT NULL DEFAULT 0,
			metadata           JSONB,
			created_at         TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_webhook_logs_created ON webhook_logs(created_at);
		CREATE INDEX IF NOT EXISTS idx_webhook_logs_status ON webhook_logs(status);
	`)
	return err
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return s.pool.Ping(ctx)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// noRows reports whether a single-row lookup matched nothing.
func noRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

func orEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
