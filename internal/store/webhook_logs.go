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

	"github.com/seido/inbound/internal/models"
)

// InsertWebhookLog appends an audit row.
func (s *Store) InsertWebhookLog(ctx context.Context, e *models.WebhookLogEntry) error {
	var metadata any
	if len(e.Metadata) > 0 {
		metadata = e.Metadata
	}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO webhook_logs
			(event_type, provider_email_id, recipient_address, sender_address, subject,
			 entity_id, user_id, status, error_message, processing_time_ms, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id, created_at
	`, e.EventType, e.ProviderEmailID, e.RecipientAddress, e.SenderAddress, e.Subject,
		e.EntityID, e.UserID, e.Status, e.ErrorMessage, e.ProcessingTimeMs, metadata,
	).Scan(&e.ID, &e.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert webhook log: %w", err)
	}
	return nil
}

// ListWebhookLogs returns the most recent audit rows for a provider email id.
func (s *Store) ListWebhookLogs(ctx context.Context, providerEmailID string) ([]models.WebhookLogEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, event_type, provider_email_id, recipient_address, sender_address,
		       subject, entity_id, user_id, status, error_message, processing_time_ms,
		       metadata, created_at
		FROM webhook_logs
		WHERE provider_email_id = $1
		ORDER BY id
	`, providerEmailID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.WebhookLogEntry
	for rows.Next() {
		var e models.WebhookLogEntry
		if err := rows.Scan(
			&e.ID, &e.EventType, &e.ProviderEmailID, &e.RecipientAddress, &e.SenderAddress,
			&e.Subject, &e.EntityID, &e.UserID, &e.Status, &e.ErrorMessage, &e.ProcessingTimeMs,
			&e.Metadata, &e.CreatedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// PurgeWebhookLogs deletes audit rows created before cutoff.
func (s *Store) PurgeWebhookLogs(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM webhook_logs WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge webhook logs: %w", err)
	}
	return tag.RowsAffected(), nil
}
