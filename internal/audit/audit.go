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

// Package audit writes one webhook_logs row per handled webhook.
package audit

import (
	"context"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/seido/inbound/internal/models"
	"github.com/seido/inbound/internal/sender"
)

const (
	writeTimeout  = 5 * time.Second
	maxSubjectLen = 500
)

// Writer persists audit rows.
type Writer interface {
	InsertWebhookLog(ctx context.Context, e *models.WebhookLogEntry) error
}

// Logger records webhook outcomes. Audit failures are logged and swallowed.
type Logger struct {
	w Writer
}

// New returns a Logger writing to w.
func New(w Writer) *Logger {
	return &Logger{w: w}
}

// Entry starts an audit row for email, with the processing time measured
// from start.
func Entry(eventType string, email *models.InboundEmail, start time.Time, status string) *models.WebhookLogEntry {
	e := &models.WebhookLogEntry{
		EventType:        eventType,
		Status:           status,
		ProcessingTimeMs: time.Since(start).Milliseconds(),
	}
	if email != nil {
		e.ProviderEmailID = email.EmailID
		e.RecipientAddress = email.Recipient()
		e.SenderAddress = sender.Parse(email.From).Email
		e.Subject = truncate(email.Subject, maxSubjectLen)
	}
	return e
}

// Record writes e. It runs on a context detached from the caller's
// cancellation so rows are written even after the HTTP response went out.
func (l *Logger) Record(ctx context.Context, e *models.WebhookLogEntry) {
	if l == nil || l.w == nil {
		return
	}
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()

	if err := l.w.InsertWebhookLog(wctx, e); err != nil {
		slog.ErrorContext(ctx, "failed to write webhook log",
			"status", e.Status,
			"provider_email_id", e.ProviderEmailID,
			"error", err,
		)
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	s = s[:max]
	for !utf8.ValidString(s) && len(s) > 0 {
		s = s[:len(s)-1]
	}
	return s
}

// Ptr returns a pointer to s, or nil for "".
func Ptr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
