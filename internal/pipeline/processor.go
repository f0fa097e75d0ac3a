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

// Package pipeline runs the asynchronous half of inbound email handling:
// everything that happens after the webhook has been acknowledged.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	"github.com/seido/inbound/internal/attachments"
	"github.com/seido/inbound/internal/audit"
	"github.com/seido/inbound/internal/metrics"
	"github.com/seido/inbound/internal/models"
	"github.com/seido/inbound/internal/notify"
	"github.com/seido/inbound/internal/provider"
	"github.com/seido/inbound/internal/sanitize"
	"github.com/seido/inbound/internal/sender"
	"github.com/seido/inbound/internal/store"
)

// Job is an acknowledged webhook whose reply address has been verified.
type Job struct {
	EventType string
	Email     *models.InboundEmail
	Token     *models.ReplyToken
	// Received is when the request arrived; audit rows measure from it.
	Received time.Time
}

// Store is the persistence the processor needs.
type Store interface {
	GetIntervention(ctx context.Context, id string) (*models.Intervention, error)
	FindUserByEmail(ctx context.Context, email string) (*models.User, error)
	InsertEmail(ctx context.Context, rec *models.EmailRecord) error
	InsertEmailLink(ctx context.Context, link models.EmailLink) error
}

// ContentSource completes emails whose webhook carried no body.
type ContentSource interface {
	Email(ctx context.Context, emailID string) (*provider.Email, error)
}

// Marker records processed message ids for the idempotency fast path.
type Marker interface {
	MarkProcessed(ctx context.Context, messageID *string)
}

// AttachmentProcessor stores an email's attachments.
type AttachmentProcessor interface {
	Process(ctx context.Context, job attachments.Job) attachments.Summary
}

// Notifier tells the entity's managers about the reply.
type Notifier interface {
	Notify(ctx context.Context, in notify.Input) notify.Result
}

// Auditor writes the webhook_logs row.
type Auditor interface {
	Record(ctx context.Context, e *models.WebhookLogEntry)
}

// ProcessorConfig wires a Processor. Content and Dedup are optional.
type ProcessorConfig struct {
	Store       Store
	Content     ContentSource
	Dedup       Marker
	Attachments AttachmentProcessor
	Notifier    Notifier
	Audit       Auditor
}

// Processor resolves, persists, links and announces one inbound reply.
type Processor struct {
	store       Store
	content     ContentSource
	dedup       Marker
	attachments AttachmentProcessor
	notifier    Notifier
	audit       Auditor
}

// NewProcessor creates a processor.
func NewProcessor(cfg ProcessorConfig) *Processor {
	return &Processor{
		store:       cfg.Store,
		content:     cfg.Content,
		dedup:       cfg.Dedup,
		attachments: cfg.Attachments,
		notifier:    cfg.Notifier,
		audit:       cfg.Audit,
	}
}

// outcome is what ends up in the audit row.
type outcome struct {
	status   string
	err      error
	entityID string
	userID   string
	metadata map[string]any
}

// Process handles job to completion. Failures, panics included, are
// recorded in webhook_logs and the application log; nothing is returned.
func (p *Processor) Process(ctx context.Context, job Job) {
	start := time.Now()
	var o outcome
	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(ctx, "panic while processing inbound email",
				"provider_email_id", job.Email.EmailID,
				"panic", r,
				"stack", string(debug.Stack()),
			)
			o = outcome{status: models.LogError, err: fmt.Errorf("panic: %v", r)}
			if job.Token != nil {
				o.entityID = job.Token.EntityID
			}
		}
		p.finish(ctx, job, o)
		metrics.ProcessingDuration.WithLabelValues(o.status).Observe(time.Since(start).Seconds())
	}()

	o = p.process(ctx, job)
}

func (p *Processor) process(ctx context.Context, job Job) outcome {
	email, tok := job.Email, job.Token
	log := slog.With("provider_email_id", email.EmailID, "entity_id", tok.EntityID)

	intervention, err := p.store.GetIntervention(ctx, tok.EntityID)
	if err != nil {
		return outcome{status: models.LogError, err: err, entityID: tok.EntityID}
	}
	if intervention == nil {
		log.WarnContext(ctx, "reply for unknown intervention")
		return outcome{status: models.LogUnknownEntity, entityID: tok.EntityID}
	}

	from := sender.Parse(email.From)
	user, err := p.store.FindUserByEmail(ctx, from.Email)
	if err != nil {
		log.WarnContext(ctx, "sender lookup failed, treating as external", "error", err)
		user = nil
	}
	var userID *string
	if user != nil {
		userID = &user.ID
	}

	bodyHTML, bodyText := p.body(ctx, email)

	rec := &models.EmailRecord{
		TeamID:          intervention.TeamID,
		Direction:       models.DirectionReceived,
		Status:          models.StatusUnread,
		FromAddress:     strings.TrimSpace(email.From),
		ToAddresses:     email.To,
		CcAddresses:     email.Cc,
		Subject:         email.Subject,
		BodyHTML:        sanitize.HTML(bodyHTML),
		BodyText:        bodyText,
		MessageID:       email.MessageID,
		ProviderEmailID: email.EmailID,
		InReplyTo:       audit.Ptr(email.Headers["in-reply-to"]),
	}
	if err := p.store.InsertEmail(ctx, rec); err != nil {
		if errors.Is(err, store.ErrDuplicateMessage) {
			log.InfoContext(ctx, "email already stored", "message_id", email.MessageIDValue())
			p.markProcessed(ctx, email.MessageID)
			return outcome{status: models.LogDuplicate, entityID: intervention.ID, userID: deref(userID)}
		}
		return outcome{status: models.LogError, err: err, entityID: intervention.ID, userID: deref(userID)}
	}

	linked := true
	if err := p.store.InsertEmailLink(ctx, models.EmailLink{
		EmailID:    rec.ID,
		EntityType: tok.EntityType,
		EntityID:   intervention.ID,
		Notes:      "Linked from reply address",
	}); err != nil {
		linked = false
		log.ErrorContext(ctx, "failed to link email, reconciliation will retry",
			"email_id", rec.ID,
			"error", err,
		)
	}

	p.markProcessed(ctx, email.MessageID)

	var summary attachments.Summary
	if len(email.Attachments) > 0 && p.attachments != nil {
		summary = p.attachments.Process(ctx, attachments.Job{
			ProviderEmailID: email.EmailID,
			EmailID:         rec.ID,
			EntityType:      tok.EntityType,
			EntityID:        intervention.ID,
			Attachments:     email.Attachments,
		})
	}

	var sent notify.Result
	if p.notifier != nil {
		sent = p.notifier.Notify(ctx, notify.Input{
			Intervention: intervention,
			EmailID:      rec.ID,
			Subject:      email.Subject,
			SenderName:   sender.DisplayName(user, from),
			SenderEmail:  from.Email,
			SenderUserID: userID,
		})
	}

	log.InfoContext(ctx, "inbound email processed",
		"email_id", rec.ID,
		"linked", linked,
		"attachments_accepted", summary.Accepted,
		"attachments_rejected", summary.Rejected,
		"attachments_failed", summary.Failed,
		"notifications_sent", sent.Sent,
	)

	return outcome{
		status:   models.LogProcessed,
		entityID: intervention.ID,
		userID:   deref(userID),
		metadata: map[string]any{
			"email_id":             rec.ID,
			"linked":               linked,
			"attachments_accepted": summary.Accepted,
			"attachments_rejected": summary.Rejected,
			"attachments_failed":   summary.Failed,
			"notifications_sent":   sent.Sent,
			"notifications_failed": sent.Failed,
		},
	}
}

// body returns the email's HTML and text, asking the provider for them
// when the webhook carried neither.
func (p *Processor) body(ctx context.Context, email *models.InboundEmail) (string, string) {
	if email.HTML != "" || email.Text != "" || p.content == nil {
		return email.HTML, email.Text
	}
	full, err := p.content.Email(ctx, email.EmailID)
	if err != nil {
		if !errors.Is(err, provider.ErrNotConfigured) {
			slog.WarnContext(ctx, "could not fetch email content",
				"provider_email_id", email.EmailID,
				"error", err,
			)
		}
		return "", ""
	}
	return full.HTML, sanitize.Text(full.Text)
}

func (p *Processor) markProcessed(ctx context.Context, messageID *string) {
	if p.dedup != nil {
		p.dedup.MarkProcessed(ctx, messageID)
	}
}

func (p *Processor) finish(ctx context.Context, job Job, o outcome) {
	entry := audit.Entry(job.EventType, job.Email, job.Received, o.status)
	entry.EntityID = audit.Ptr(o.entityID)
	entry.UserID = audit.Ptr(o.userID)
	entry.Metadata = o.metadata
	if o.err != nil {
		msg := o.err.Error()
		entry.ErrorMessage = &msg
		slog.ErrorContext(ctx, "inbound email processing failed",
			"provider_email_id", job.Email.EmailID,
			"error", o.err,
		)
	}
	if p.audit != nil {
		p.audit.Record(ctx, entry)
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
