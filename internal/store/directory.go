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
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/seido/inbound/internal/models"
)

// GetIntervention returns the intervention with id, or nil when it does not
// exist or has been soft-deleted.
func (s *Store) GetIntervention(ctx context.Context, id string) (*models.Intervention, error) {
	var iv models.Intervention
	err := s.pool.QueryRow(ctx, `
		SELECT id::text, team_id::text, COALESCE(reference, ''), COALESCE(title, '')
		FROM interventions
		WHERE id = $1 AND deleted_at IS NULL
	`, id).Scan(&iv.ID, &iv.TeamID, &iv.Reference, &iv.Title)
	if noRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get intervention: %w", err)
	}
	return &iv, nil
}

// FindUserByEmail looks a user up by address, ignoring case. Unknown senders
// return nil.
func (s *Store) FindUserByEmail(ctx context.Context, email string) (*models.User, error) {
	var u models.User
	err := s.pool.QueryRow(ctx, `
		SELECT id::text, email, COALESCE(first_name, ''), COALESCE(last_name, ''), COALESCE(name, '')
		FROM users
		WHERE lower(email) = lower($1)
		ORDER BY id
		LIMIT 1
	`, email).Scan(&u.ID, &u.Email, &u.FirstName, &u.LastName, &u.Name)
	if noRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find user by email: %w", err)
	}
	return &u, nil
}

// ListAssignments returns the assignments of an intervention with role.
func (s *Store) ListAssignments(ctx context.Context, interventionID, role string) ([]models.Assignment, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT intervention_id::text, user_id::text, role
		FROM intervention_assignments
		WHERE intervention_id = $1 AND role = $2
		ORDER BY user_id
	`, interventionID, role)
	if err != nil {
		return nil, fmt.Errorf("list assignments: %w", err)
	}
	defer rows.Close()

	var out []models.Assignment
	for rows.Next() {
		var a models.Assignment
		if err := rows.Scan(&a.InterventionID, &a.UserID, &a.Role); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

var notificationColumns = []string{
	"id", "user_id", "team_id", "created_by", "type", "title", "message",
	"is_personal", "related_entity_type", "related_entity_id", "metadata", "created_at",
}

// InsertNotifications batch-inserts notifications with one COPY and fills
// in their ids. Either all rows are written or none.
func (s *Store) InsertNotifications(ctx context.Context, ns []models.Notification) (int64, error) {
	if len(ns) == 0 {
		return 0, nil
	}

	rows := make([][]any, 0, len(ns))
	for i := range ns {
		n := &ns[i]
		if n.ID == "" {
			n.ID = uuid.NewString()
		}
		if n.CreatedAt.IsZero() {
			n.CreatedAt = time.Now().UTC()
		}

		id, err := pgUUID(&n.ID)
		if err != nil {
			return 0, fmt.Errorf("notification id: %w", err)
		}
		userID, err := pgUUID(&n.UserID)
		if err != nil {
			return 0, fmt.Errorf("notification user id: %w", err)
		}
		teamID, err := pgUUID(&n.TeamID)
		if err != nil {
			return 0, fmt.Errorf("notification team id: %w", err)
		}
		createdBy, err := pgUUID(n.CreatedBy)
		if err != nil {
			return 0, fmt.Errorf("notification created_by: %w", err)
		}
		related, err := pgUUID(&n.RelatedEntityID)
		if err != nil {
			return 0, fmt.Errorf("notification related entity: %w", err)
		}

		rows = append(rows, []any{
			id, userID, teamID, createdBy, n.Type, n.Title, n.Message,
			n.IsPersonal, n.RelatedEntityType, related, n.Metadata, n.CreatedAt,
		})
	}

	count, err := s.pool.CopyFrom(ctx, pgx.Identifier{"notifications"}, notificationColumns, pgx.CopyFromRows(rows))
	if err != nil {
		return 0, fmt.Errorf("copy notifications: %w", err)
	}
	return count, nil
}

// pgUUID converts an optional string id for the binary COPY protocol.
func pgUUID(s *string) (pgtype.UUID, error) {
	if s == nil || *s == "" {
		return pgtype.UUID{}, nil
	}
	u, err := uuid.Parse(*s)
	if err != nil {
		return pgtype.UUID{}, err
	}
	return pgtype.UUID{Bytes: u, Valid: true}, nil
}
