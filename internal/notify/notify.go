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

// Package notify tells the managers of an intervention that a reply arrived.
package notify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/seido/inbound/internal/metrics"
	"github.com/seido/inbound/internal/models"
)

// NotificationType is stored in notifications.type.
const NotificationType = "email_reply"

// DefaultManagerRole is the assignment role that receives notifications.
const DefaultManagerRole = "gestionnaire"

// Store reads assignments and writes notification rows.
type Store interface {
	ListAssignments(ctx context.Context, interventionID, role string) ([]models.Assignment, error)
	InsertNotifications(ctx context.Context, ns []models.Notification) (int64, error)
}

// Publisher announces created notifications to delivery workers.
type Publisher interface {
	PublishNotification(ctx context.Context, n *models.Notification) error
}

// Notifier creates one notification per distinct manager.
type Notifier struct {
	store     Store
	publisher Publisher
	role      string
}

// New returns a notifier. publisher may be nil.
func New(store Store, publisher Publisher, role string) *Notifier {
	if role == "" {
		role = DefaultManagerRole
	}
	return &Notifier{store: store, publisher: publisher, role: role}
}

// Input describes the reply being announced.
type Input struct {
	Intervention *models.Intervention
	EmailID      string
	Subject      string
	SenderName   string
	SenderEmail  string
	// SenderUserID is set when the sender is a known user; that user is not
	// notified about their own reply.
	SenderUserID *string
}

// Result counts notifications created and those that could not be.
type Result struct {
	Sent   int
	Failed int
}

// Notify never returns an error: failures are logged and counted.
func (n *Notifier) Notify(ctx context.Context, in Input) Result {
	iv := in.Intervention
	assignments, err := n.store.ListAssignments(ctx, iv.ID, n.role)
	if err != nil {
		slog.ErrorContext(ctx, "failed to load intervention managers",
			"intervention_id", iv.ID,
			"error", err,
		)
		metrics.Notifications.WithLabelValues("failed").Inc()
		return Result{Failed: 1}
	}

	recipients := distinctUsers(assignments, in.SenderUserID)
	if len(recipients) == 0 {
		slog.InfoContext(ctx, "no managers to notify", "intervention_id", iv.ID)
		return Result{}
	}

	ns := make([]models.Notification, 0, len(recipients))
	for _, userID := range recipients {
		ns = append(ns, build(in, userID))
	}

	created, err := n.store.InsertNotifications(ctx, ns)
	if err != nil {
		slog.ErrorContext(ctx, "failed to create notifications",
			"intervention_id", iv.ID,
			"count", len(ns),
			"error", err,
		)
		metrics.Notifications.WithLabelValues("failed").Add(float64(len(ns)))
		return Result{Failed: len(ns)}
	}
	metrics.Notifications.WithLabelValues("sent").Add(float64(created))

	if n.publisher != nil {
		for i := range ns {
			if err := n.publisher.PublishNotification(ctx, &ns[i]); err != nil {
				slog.WarnContext(ctx, "failed to publish notification event",
					"notification_id", ns[i].ID,
					"error", err,
				)
				metrics.Notifications.WithLabelValues("publish_failed").Inc()
			}
		}
	}

	return Result{Sent: int(created), Failed: len(ns) - int(created)}
}

func distinctUsers(assignments []models.Assignment, exclude *string) []string {
	seen := make(map[string]bool, len(assignments))
	var out []string
	for _, a := range assignments {
		if a.UserID == "" || seen[a.UserID] {
			continue
		}
		if exclude != nil && *exclude == a.UserID {
			continue
		}
		seen[a.UserID] = true
		out = append(out, a.UserID)
	}
	return out
}

func build(in Input, userID string) models.Notification {
	iv := in.Intervention
	ref := iv.Reference
	if ref == "" {
		ref = iv.Title
	}

	message := fmt.Sprintf("%s a répondu par email concernant l'intervention %s", in.SenderName, ref)
	if in.Subject != "" {
		message += " : « " + in.Subject + " »"
	}

	return models.Notification{
		UserID:            userID,
		TeamID:            iv.TeamID,
		CreatedBy:         in.SenderUserID,
		Type:              NotificationType,
		Title:             "Nouvelle réponse par email",
		Message:           message,
		IsPersonal:        true,
		RelatedEntityType: models.EntityIntervention,
		RelatedEntityID:   iv.ID,
		Metadata: map[string]any{
			"email_id":     in.EmailID,
			"sender_email": in.SenderEmail,
			"sender_name":  in.SenderName,
		},
	}
}
