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

// Package queue publishes notification events to a Redis list consumed by
// the notification delivery workers.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/seido/inbound/internal/models"
)

// EventNotificationCreated is the only event type published today.
const EventNotificationCreated = "notification.created"

// Publisher pushes events onto a Redis list.
type Publisher struct {
	rdb       redis.Cmdable
	queueName string
}

// NewPublisher creates a new Redis publisher targeting the specified queue.
func NewPublisher(rdb redis.Cmdable, queueName string) *Publisher {
	return &Publisher{
		rdb:       rdb,
		queueName: queueName,
	}
}

// Event is the JSON message delivery workers read with BRPOP.
type Event struct {
	ID                string         `json:"id"`
	Type              string         `json:"type"`
	NotificationID    string         `json:"notification_id"`
	UserID            string         `json:"user_id"`
	TeamID            string         `json:"team_id"`
	Title             string         `json:"title"`
	Message           string         `json:"message"`
	RelatedEntityType string         `json:"related_entity_type,omitempty"`
	RelatedEntityID   string         `json:"related_entity_id,omitempty"`
	Metadata          map[string]any `json:"metadata,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
}

// PublishNotification serialises n and pushes it onto the queue.
func (p *Publisher) PublishNotification(ctx context.Context, n *models.Notification) error {
	event := Event{
		ID:                uuid.NewString(),
		Type:              EventNotificationCreated,
		NotificationID:    n.ID,
		UserID:            n.UserID,
		TeamID:            n.TeamID,
		Title:             n.Title,
		Message:           n.Message,
		RelatedEntityType: n.RelatedEntityType,
		RelatedEntityID:   n.RelatedEntityID,
		Metadata:          n.Metadata,
		CreatedAt:         n.CreatedAt,
	}

	msg, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal notification event: %w", err)
	}

	if err := p.rdb.LPush(ctx, p.queueName, msg).Err(); err != nil {
		return fmt.Errorf("redis LPUSH: %w", err)
	}

	slog.DebugContext(ctx, "published notification event",
		"event_id", event.ID,
		"notification_id", n.ID,
		"user_id", n.UserID,
		"queue", p.queueName,
	)
	return nil
}

// Ping checks the Redis connection.
func (p *Publisher) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return p.rdb.Ping(ctx).Err()
}
