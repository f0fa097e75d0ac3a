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
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seido/inbound/internal/models"
	"github.com/seido/inbound/internal/testutil"
)

type fixture struct {
	store          *Store
	pool           *pgxpool.Pool
	teamID         string
	interventionID string
	managerID      string
	tenantID       string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	pool := testutil.NewTestDB(t)
	ctx := context.Background()

	s, err := NewStore(ctx, pool)
	require.NoError(t, err)

	f := &fixture{
		store:          s,
		pool:           pool,
		teamID:         uuid.NewString(),
		interventionID: uuid.NewString(),
		managerID:      uuid.NewString(),
		tenantID:       uuid.NewString(),
	}

	_, err = pool.Exec(ctx, `INSERT INTO users (id, email, first_name, last_name, name) VALUES
		($1, 'manager@example.com', 'Marie', 'Martin', 'Marie M.'),
		($2, 'Tenant@Example.com', NULL, NULL, 'Locataire')`, f.managerID, f.tenantID)
	require.NoError(t, err)
	_, err = pool.Exec(ctx, `INSERT INTO interventions (id, team_id, reference, title) VALUES ($1, $2, 'INT-042', 'Fuite')`,
		f.interventionID, f.teamID)
	require.NoError(t, err)
	_, err = pool.Exec(ctx, `INSERT INTO intervention_assignments (intervention_id, user_id, role) VALUES
		($1, $2, 'gestionnaire'), ($1, $3, 'locataire')`, f.interventionID, f.managerID, f.tenantID)
	require.NoError(t, err)
	return f
}

func (f *fixture) email(messageID *string) *models.EmailRecord {
	return &models.EmailRecord{
		TeamID:          f.teamID,
		Direction:       models.DirectionReceived,
		Status:          models.StatusUnread,
		FromAddress:     "tenant@example.com",
		ToAddresses:     []string{"intervention+" + f.interventionID + "+0123456789abcdef@reply.example.com"},
		Subject:         "Re: Fuite",
		BodyHTML:        "<p>ok</p>",
		BodyText:        "ok",
		MessageID:       messageID,
		ProviderEmailID: "em_" + uuid.NewString(),
	}
}

func ptr(s string) *string { return &s }

func TestStoreEmails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rec := f.email(ptr("<m1@example.com>"))
	require.NoError(t, f.store.InsertEmail(ctx, rec))
	require.NotEmpty(t, rec.ID)
	assert.False(t, rec.CreatedAt.IsZero())

	exists, err := f.store.EmailExistsByMessageID(ctx, "<m1@example.com>")
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = f.store.EmailExistsByMessageID(ctx, "<other@example.com>")
	require.NoError(t, err)
	assert.False(t, exists)

	dup := f.email(ptr("<m1@example.com>"))
	err = f.store.InsertEmail(ctx, dup)
	assert.True(t, errors.Is(err, ErrDuplicateMessage), "got %v", err)

	// Emails without a message id never collide.
	require.NoError(t, f.store.InsertEmail(ctx, f.email(nil)))
	require.NoError(t, f.store.InsertEmail(ctx, f.email(nil)))

	got, err := f.store.GetEmail(ctx, rec.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, f.teamID, got.TeamID)
	assert.Equal(t, rec.ToAddresses, got.ToAddresses)
	assert.Empty(t, got.CcAddresses)

	missing, err := f.store.GetEmail(ctx, uuid.NewString())
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestStoreLinksAndUnlinked(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	linked := f.email(ptr("<linked@example.com>"))
	unlinked := f.email(ptr("<unlinked@example.com>"))
	require.NoError(t, f.store.InsertEmail(ctx, linked))
	require.NoError(t, f.store.InsertEmail(ctx, unlinked))

	link := models.EmailLink{EmailID: linked.ID, EntityType: models.EntityIntervention, EntityID: f.interventionID, Notes: "auto"}
	require.NoError(t, f.store.InsertEmailLink(ctx, link))
	require.NoError(t, f.store.InsertEmailLink(ctx, link), "second link is a no-op")

	list, err := f.store.ListUnlinkedEmails(ctx, models.EmailCursor{}, 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, unlinked.ID, list[0].ID)
}

func TestStoreUnlinkedPaging(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour).Truncate(time.Microsecond)
	var ids []string
	for i := 0; i < 5; i++ {
		rec := f.email(nil)
		// Two emails share a timestamp so the id breaks the tie.
		rec.ReceivedAt = base.Add(time.Duration(i/2) * time.Minute)
		require.NoError(t, f.store.InsertEmail(ctx, rec))
		ids = append(ids, rec.ID)
	}

	var seen []string
	var cursor models.EmailCursor
	for {
		page, err := f.store.ListUnlinkedEmails(ctx, cursor, 2)
		require.NoError(t, err)
		for _, e := range page {
			seen = append(seen, e.ID)
		}
		if len(page) < 2 {
			break
		}
		cursor = models.CursorAfter(&page[len(page)-1])
	}
	assert.ElementsMatch(t, ids, seen)
	assert.Len(t, seen, 5, "no email is returned twice")
}

func TestStoreAttachments(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rec := f.email(nil)
	require.NoError(t, f.store.InsertEmail(ctx, rec))

	att := &models.EmailAttachment{EmailID: rec.ID, Filename: "devis.pdf", MimeType: "application/pdf", StoragePath: "interventions/x/emails/y/1_devis.pdf", Size: 1234}
	require.NoError(t, f.store.InsertAttachment(ctx, att))
	require.NotEmpty(t, att.ID)

	list, err := f.store.ListAttachments(ctx, rec.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, *att, list[0])
}

func TestStoreDirectory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	iv, err := f.store.GetIntervention(ctx, f.interventionID)
	require.NoError(t, err)
	require.NotNil(t, iv)
	assert.Equal(t, f.teamID, iv.TeamID)
	assert.Equal(t, "INT-042", iv.Reference)

	_, err = f.pool.Exec(ctx, `UPDATE interventions SET deleted_at = NOW() WHERE id = $1`, f.interventionID)
	require.NoError(t, err)
	iv, err = f.store.GetIntervention(ctx, f.interventionID)
	require.NoError(t, err)
	assert.Nil(t, iv, "soft-deleted interventions are not resolved")

	u, err := f.store.FindUserByEmail(ctx, "tenant@EXAMPLE.com")
	require.NoError(t, err)
	require.NotNil(t, u)
	assert.Equal(t, f.tenantID, u.ID)
	assert.Equal(t, "Locataire", u.Name)

	u, err = f.store.FindUserByEmail(ctx, "stranger@example.com")
	require.NoError(t, err)
	assert.Nil(t, u)

	as, err := f.store.ListAssignments(ctx, f.interventionID, "gestionnaire")
	require.NoError(t, err)
	require.Len(t, as, 1)
	assert.Equal(t, f.managerID, as[0].UserID)
}

func TestStoreNotifications(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ns := []models.Notification{
		{UserID: f.managerID, TeamID: f.teamID, Type: "email_received", Title: "Nouvelle réponse", Message: "m",
			RelatedEntityType: models.EntityIntervention, RelatedEntityID: f.interventionID,
			Metadata: map[string]any{"email_id": "x"}},
		{UserID: f.tenantID, TeamID: f.teamID, CreatedBy: ptr(f.managerID), Type: "email_received", Title: "t", Message: "m",
			RelatedEntityType: models.EntityIntervention, RelatedEntityID: f.interventionID},
	}
	n, err := f.store.InsertNotifications(ctx, ns)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
	assert.NotEmpty(t, ns[0].ID)

	var count int
	require.NoError(t, f.pool.QueryRow(ctx, `SELECT count(*) FROM notifications WHERE related_entity_id = $1`, f.interventionID).Scan(&count))
	assert.Equal(t, 2, count)

	n, err = f.store.InsertNotifications(ctx, nil)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestStoreWebhookLogs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	entry := &models.WebhookLogEntry{
		EventType:       models.EventTypeEmailReceived,
		ProviderEmailID: "em_log",
		Status:          models.LogInvalidHash,
		EntityID:        ptr(f.interventionID),
		Metadata:        map[string]any{"remote_ip": "203.0.113.7"},
	}
	require.NoError(t, f.store.InsertWebhookLog(ctx, entry))
	assert.NotZero(t, entry.ID)

	old := &models.WebhookLogEntry{EventType: models.EventTypeEmailReceived, ProviderEmailID: "em_log", Status: models.LogProcessed}
	require.NoError(t, f.store.InsertWebhookLog(ctx, old))
	_, err := f.pool.Exec(ctx, `UPDATE webhook_logs SET created_at = NOW() - INTERVAL '120 days' WHERE id = $1`, old.ID)
	require.NoError(t, err)

	purged, err := f.store.PurgeWebhookLogs(ctx, time.Now().Add(-90*24*time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, purged)

	logs, err := f.store.ListWebhookLogs(ctx, "em_log")
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, models.LogInvalidHash, logs[0].Status)
	assert.Equal(t, "203.0.113.7", logs[0].Metadata["remote_ip"])
}
