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

package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/seido/inbound/internal/models"
)

// InsertEmail stores a received email in a single statement and fills in
// rec.ID and rec.CreatedAt. A message id that already exists yields
// ErrDuplicateMessage.
func (s *Store) InsertEmail(ctx context.Context, rec *models.EmailRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.ReceivedAt.IsZero() {
		rec.ReceivedAt = time.Now().UTC()
	}

	err := s.pool.QueryRow(ctx, `
		INSERT INTO emails
			(id, team_id, direction, status, from_address, to_addresses, cc_addresses,
			 subject, body_html, body_text, message_id, provider_email_id,
			 in_reply_to_header, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING created_at
	`, rec.ID, rec.TeamID, rec.Direction, rec.Status, rec.FromAddress,
		orEmpty(rec.ToAddresses), orEmpty(rec.CcAddresses),
		rec.Subject, rec.BodyHTML, rec.BodyText, rec.MessageID, rec.ProviderEmailID,
		rec.InReplyTo, rec.ReceivedAt,
	).Scan(&rec.CreatedAt)
	if isUniqueViolation(err) {
		return ErrDuplicateMessage
	}
	if err != nil {
		return fmt.Errorf("insert email: %w", err)
	}
	return nil
}

// EmailExistsByMessageID reports whether an email with messageID is stored.
func (s *Store) EmailExistsByMessageID(ctx context.Context, messageID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS(SELECT 1 FROM emails WHERE message_id = $1)
	`, messageID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("lookup message id: %w", err)
	}
	return exists, nil
}

// InsertEmailLink links an email to an entity. Linking twice is a no-op.
func (s *Store) InsertEmailLink(ctx context.Context, link models.EmailLink) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO email_links (email_id, entity_type, entity_id, linked_by, notes)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (email_id, entity_type, entity_id) DO NOTHING
	`, link.EmailID, link.EntityType, link.EntityID, link.LinkedBy, link.Notes)
	if err != nil {
		return fmt.Errorf("insert email link: %w", err)
	}
	return nil
}

// InsertAttachment stores attachment metadata and fills in att.ID.
func (s *Store) InsertAttachment(ctx context.Context, att *models.EmailAttachment) error {
	if att.ID == "" {
		att.ID = uuid.NewString()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO email_attachments (id, email_id, filename, mime_type, storage_path, size)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, att.ID, att.EmailID, att.Filename, att.MimeType, att.StoragePath, att.Size)
	if err != nil {
		return fmt.Errorf("insert email attachment: %w", err)
	}
	return nil
}

// ListAttachments returns the attachment rows of an email.
func (s *Store) ListAttachments(ctx context.Context, emailID string) ([]models.EmailAttachment, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id::text, email_id::text, filename, mime_type, storage_path, size
		FROM email_attachments
		WHERE email_id = $1
		ORDER BY created_at, filename
	`, emailID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.EmailAttachment
	for rows.Next() {
		var a models.EmailAttachment
		if err := rows.Scan(&a.ID, &a.EmailID, &a.Filename, &a.MimeType, &a.StoragePath, &a.Size); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

const emailColumns = `
	e.id::text, e.team_id::text, e.direction, e.status, e.from_address,
	e.to_addresses, e.cc_addresses, e.subject, e.body_html, e.body_text,
	e.message_id, e.provider_email_id, e.in_reply_to_header, e.received_at, e.created_at`

// GetEmail returns the email with id, or nil.
func (s *Store) GetEmail(ctx context.Context, id string) (*models.EmailRecord, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+emailColumns+` FROM emails e WHERE e.id = $1`, id)
	return scanEmail(row)
}

// ListUnlinkedEmails returns up to limit received emails that have no
// email_links row, ordered by (received_at, id) and strictly after cursor.
func (s *Store) ListUnlinkedEmails(ctx context.Context, after models.EmailCursor, limit int) ([]models.EmailRecord, error) {
	afterID := after.ID
	if afterID == "" {
		afterID = uuid.Nil.String()
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+emailColumns+`
		FROM emails e
		LEFT JOIN email_links l ON l.email_id = e.id
		WHERE l.id IS NULL AND e.direction = $1
		  AND (e.received_at, e.id) > ($2, $3::uuid)
		ORDER BY e.received_at, e.id
		LIMIT $4
	`, models.DirectionReceived, after.ReceivedAt, afterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEmails(rows)
}

// scanEmail scans a single row into an EmailRecord.
func scanEmail(row pgx.Row) (*models.EmailRecord, error) {
	var r models.EmailRecord
	err := row.Scan(
		&r.ID, &r.TeamID, &r.Direction, &r.Status, &r.FromAddress,
		&r.ToAddresses, &r.CcAddresses, &r.Subject, &r.BodyHTML, &r.BodyText,
		&r.MessageID, &r.ProviderEmailID, &r.InReplyTo, &r.ReceivedAt, &r.CreatedAt,
	)
	if noRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func collectEmails(rows pgx.Rows) ([]models.EmailRecord, error) {
	var records []models.EmailRecord
	for rows.Next() {
		r, err := scanEmail(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *r)
	}
	return records, rows.Err()
}
