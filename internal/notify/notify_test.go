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

package notify

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seido/inbound/internal/models"
)

type fakeStore struct {
	mu          sync.Mutex
	assignments []models.Assignment
	listErr     error
	insertErr   error
	inserted    [][]models.Notification
	role        string
}

func (f *fakeStore) ListAssignments(_ context.Context, _ string, role string) ([]models.Assignment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.role = role
	return f.assignments, f.listErr
}

func (f *fakeStore) InsertNotifications(_ context.Context, ns []models.Notification) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertErr != nil {
		return 0, f.insertErr
	}
	for i := range ns {
		ns[i].ID = "n-" + ns[i].UserID
	}
	f.inserted = append(f.inserted, ns)
	return int64(len(ns)), nil
}

type fakePublisher struct {
	mu        sync.Mutex
	published []string
	err       error
}

func (f *fakePublisher) PublishNotification(_ context.Context, n *models.Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.published = append(f.published, n.ID)
	return nil
}

var iv = &models.Intervention{ID: "iv1", TeamID: "team1", Reference: "INT-042", Title: "Fuite"}

func input() Input {
	return Input{Intervention: iv, EmailID: "email1", Subject: "Re: Fuite", SenderName: "Jean Dupont", SenderEmail: "jean@example.com"}
}

func TestNotifyDeduplicatesManagers(t *testing.T) {
	st := &fakeStore{assignments: []models.Assignment{
		{UserID: "m1", Role: "gestionnaire"},
		{UserID: "m2", Role: "gestionnaire"},
		{UserID: "m1", Role: "gestionnaire"},
	}}
	pub := &fakePublisher{}

	res := New(st, pub, "").Notify(context.Background(), input())

	assert.Equal(t, Result{Sent: 2}, res)
	assert.Equal(t, DefaultManagerRole, st.role)
	require.Len(t, st.inserted, 1, "one batch insert")
	batch := st.inserted[0]
	require.Len(t, batch, 2)
	assert.Equal(t, "team1", batch[0].TeamID)
	assert.Equal(t, models.EntityIntervention, batch[0].RelatedEntityType)
	assert.Equal(t, "iv1", batch[0].RelatedEntityID)
	assert.Equal(t, "email1", batch[0].Metadata["email_id"])
	assert.Contains(t, batch[0].Message, "Jean Dupont")
	assert.Contains(t, batch[0].Message, "INT-042")
	assert.Equal(t, []string{"n-m1", "n-m2"}, pub.published)
}

func TestNotifySkipsSender(t *testing.T) {
	st := &fakeStore{assignments: []models.Assignment{{UserID: "m1"}, {UserID: "m2"}}}
	in := input()
	self := "m1"
	in.SenderUserID = &self

	res := New(st, nil, "gestionnaire").Notify(context.Background(), in)
	assert.Equal(t, Result{Sent: 1}, res)
	assert.Equal(t, "m2", st.inserted[0][0].UserID)
	assert.Equal(t, &self, st.inserted[0][0].CreatedBy)
}

func TestNotifyNoManagers(t *testing.T) {
	st := &fakeStore{}
	res := New(st, &fakePublisher{}, "").Notify(context.Background(), input())
	assert.Equal(t, Result{}, res)
	assert.Empty(t, st.inserted)
}

func TestNotifyFailures(t *testing.T) {
	res := New(&fakeStore{listErr: errors.New("db down")}, nil, "").Notify(context.Background(), input())
	assert.Equal(t, Result{Failed: 1}, res)

	st := &fakeStore{assignments: []models.Assignment{{UserID: "m1"}, {UserID: "m2"}}, insertErr: errors.New("copy failed")}
	pub := &fakePublisher{}
	res = New(st, pub, "").Notify(context.Background(), input())
	assert.Equal(t, Result{Failed: 2}, res)
	assert.Empty(t, pub.published, "nothing is published when rows were not created")

	st = &fakeStore{assignments: []models.Assignment{{UserID: "m1"}}}
	res = New(st, &fakePublisher{err: errors.New("redis down")}, "").Notify(context.Background(), input())
	assert.Equal(t, Result{Sent: 1}, res, "publish failures do not undo created rows")
}
