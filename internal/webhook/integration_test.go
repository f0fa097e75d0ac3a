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
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seido/inbound/internal/attachments"
	"github.com/seido/inbound/internal/audit"
	"github.com/seido/inbound/internal/dedup"
	"github.com/seido/inbound/internal/models"
	"github.com/seido/inbound/internal/notify"
	"github.com/seido/inbound/internal/payload"
	"github.com/seido/inbound/internal/pipeline"
	"github.com/seido/inbound/internal/provider"
	"github.com/seido/inbound/internal/replyaddr"
	"github.com/seido/inbound/internal/signature"
	"github.com/seido/inbound/internal/store"
	"github.com/seido/inbound/internal/testutil"
)

type memoryBucket struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (b *memoryBucket) Upload(_ context.Context, path string, data []byte, _ string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.objects == nil {
		b.objects = map[string][]byte{}
	}
	b.objects[path] = data
	return nil
}

func (b *memoryBucket) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.objects)
}

type memoryQueue struct {
	mu     sync.Mutex
	events []models.Notification
}

func (q *memoryQueue) PublishNotification(_ context.Context, n *models.Notification) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.events = append(q.events, *n)
	return nil
}

func (q *memoryQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}

// TestInboundEmailEndToEnd drives a signed webhook through the handler, the
// dispatcher and the processor against a real Postgres, then redelivers it.
func TestInboundEmailEndToEnd(t *testing.T) {
	pool := testutil.NewTestDB(t)
	ctx := context.Background()
	st, err := store.NewStore(ctx, pool)
	require.NoError(t, err)

	teamID, interventionID := uuid.NewString(), uuid.NewString()
	managerID, senderID := uuid.NewString(), uuid.NewString()
	_, err = pool.Exec(ctx, `INSERT INTO users (id, email, first_name, last_name) VALUES
		($1, 'manager@example.com', 'Marie', 'Martin'),
		($2, 'locataire@example.com', 'Paul', 'Durand')`, managerID, senderID)
	require.NoError(t, err)
	_, err = pool.Exec(ctx, `INSERT INTO interventions (id, team_id, reference, title) VALUES ($1, $2, 'INT-042', 'Fuite')`,
		interventionID, teamID)
	require.NoError(t, err)
	_, err = pool.Exec(ctx, `INSERT INTO intervention_assignments (intervention_id, user_id, role) VALUES
		($1, $2, 'gestionnaire'), ($1, $3, 'locataire')`, interventionID, managerID, senderID)
	require.NoError(t, err)

	const ceiling = 16
	files := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/files/devis.pdf":
			w.Write(bytes.Repeat([]byte("p"), ceiling))
		case "/files/photo.png":
			w.Write(bytes.Repeat([]byte("i"), ceiling+1))
		default:
			http.NotFound(w, r)
		}
	}))
	defer files.Close()

	bucket, queue := &memoryBucket{}, &memoryQueue{}
	guard := dedup.NewGuard(nil, st)
	auditor := audit.New(st)
	client := provider.NewClient(ctx, files.URL, "", 5*time.Second)
	processor := pipeline.NewProcessor(pipeline.ProcessorConfig{
		Store:       st,
		Content:     client,
		Dedup:       guard,
		Attachments: attachments.New(client, bucket, st, ceiling, []string{"application/pdf", "image/png"}),
		Notifier:    notify.New(st, queue, notify.DefaultManagerRole),
		Audit:       auditor,
	})
	codec := replyaddr.NewCodec(replySecret, replyDomain)
	handler := NewHandler(HandlerConfig{
		Verifier: signature.NewVerifier(webhookSecret, 0),
		Payloads: payload.MustNewValidator(),
		Codec:    codec,
		Guard:    guard,
		Jobs:     pipeline.NewDispatcher(processor, pipeline.DispatcherConfig{}),
		Audit:    auditor,
	})
	router := NewRouter(RouterConfig{Handler: handler, MaxBodyBytes: 1 << 20})

	to, err := codec.Address(models.EntityIntervention, interventionID)
	require.NoError(t, err)
	body, err := json.Marshal(map[string]any{
		"type": models.EventTypeEmailReceived,
		"data": map[string]any{
			"email_id":   "em_e2e",
			"message_id": "<e2e@mail.example.com>",
			"from":       "Paul Durand <Locataire@Example.com>",
			"to":         []string{to},
			"subject":    "Re: Fuite",
			"html":       `<p>Voir devis</p><img src=x onerror=alert(1)>`,
			"text":       "Voir devis",
			"headers":    map[string]string{"In-Reply-To": "<orig@example.com>"},
			"attachments": []map[string]any{
				{"id": "a1", "filename": "devis.pdf", "content_type": "application/pdf", "download_url": files.URL + "/files/devis.pdf"},
				{"id": "a2", "filename": "photo.png", "content_type": "image/png", "download_url": files.URL + "/files/photo.png"},
				{"id": "a3", "filename": "run.exe", "content_type": "application/x-msdownload", "download_url": files.URL + "/files/run.exe"},
			},
		},
	})
	require.NoError(t, err)

	signer := signature.NewVerifier(webhookSecret, 0)
	deliver := func() map[string]any {
		req := httptest.NewRequest(http.MethodPost, Path, bytes.NewReader(body))
		ts, sig := signer.Sign("msg_e2e", time.Now(), body)
		req.Header.Set(signature.HeaderID, "msg_e2e")
		req.Header.Set(signature.HeaderTimestamp, ts)
		req.Header.Set(signature.HeaderSignature, sig)
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
		return decode(t, rr)
	}
	count := func(query string, args ...any) int {
		var n int
		require.NoError(t, pool.QueryRow(ctx, query, args...).Scan(&n))
		return n
	}

	first := deliver()
	assert.Equal(t, true, first["processing"])
	assert.Equal(t, interventionID, first["entityId"])

	require.Eventually(t, func() bool {
		logs, err := st.ListWebhookLogs(ctx, "em_e2e")
		return err == nil && len(logs) == 1 && logs[0].Status == models.LogProcessed
	}, 15*time.Second, 50*time.Millisecond)

	assert.Equal(t, 1, count(`SELECT count(*) FROM emails WHERE message_id = $1`, "<e2e@mail.example.com>"))
	assert.Equal(t, 1, count(`SELECT count(*) FROM email_links WHERE entity_id = $1`, interventionID))
	assert.Equal(t, 1, count(`SELECT count(*) FROM notifications WHERE user_id = $1`, managerID))
	assert.Equal(t, 0, count(`SELECT count(*) FROM notifications WHERE user_id = $1`, senderID))

	var emailID string
	require.NoError(t, pool.QueryRow(ctx, `SELECT id::text FROM emails WHERE message_id = $1`, "<e2e@mail.example.com>").Scan(&emailID))
	rec, err := st.GetEmail(ctx, emailID)
	require.NoError(t, err)
	assert.Equal(t, teamID, rec.TeamID)
	assert.NotContains(t, strings.ToLower(rec.BodyHTML), "onerror=")
	require.NotNil(t, rec.InReplyTo)
	assert.Equal(t, "<orig@example.com>", *rec.InReplyTo)

	atts, err := st.ListAttachments(ctx, emailID)
	require.NoError(t, err)
	require.Len(t, atts, 1)
	assert.Equal(t, "devis.pdf", atts[0].Filename)
	assert.EqualValues(t, ceiling, atts[0].Size)
	assert.True(t, strings.HasPrefix(atts[0].StoragePath, "interventions/"+interventionID+"/emails/"+emailID+"/"))
	assert.Equal(t, 1, bucket.len())
	assert.Equal(t, 1, queue.len())

	second := deliver()
	assert.Equal(t, true, second["ignored"])
	assert.Equal(t, ReasonAlreadyProcessed, second["reason"])
	assert.Equal(t, 1, count(`SELECT count(*) FROM emails WHERE message_id = $1`, "<e2e@mail.example.com>"))
	assert.Equal(t, 1, count(`SELECT count(*) FROM notifications WHERE user_id = $1`, managerID))

	logs, err := st.ListWebhookLogs(ctx, "em_e2e")
	require.NoError(t, err)
	statuses := make([]string, 0, len(logs))
	for _, l := range logs {
		statuses = append(statuses, l.Status)
	}
	assert.ElementsMatch(t, []string{models.LogProcessed, models.LogDuplicate}, statuses)
}
