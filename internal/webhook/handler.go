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

// Package webhook handles inbound email webhooks from the provider. The
// handler authenticates and validates the request, checks the reply
// address, acknowledges quickly and hands the rest to the pipeline.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/goccy/go-json"

	"github.com/seido/inbound/internal/audit"
	"github.com/seido/inbound/internal/metrics"
	"github.com/seido/inbound/internal/models"
	"github.com/seido/inbound/internal/payload"
	"github.com/seido/inbound/internal/pipeline"
	"github.com/seido/inbound/internal/replyaddr"
	"github.com/seido/inbound/internal/signature"
)

// Reasons returned in ignored responses. Tampered addresses share the
// unrecognised-address reason so callers cannot tell them apart.
const (
	ReasonInvalidAddress   = "Invalid reply-to format"
	ReasonAlreadyProcessed = "Already processed"
	ReasonUnsupportedEvent = "Unsupported event type"
)

// Guard reports whether a message was already stored.
type Guard interface {
	AlreadyProcessed(ctx context.Context, messageID *string) (bool, error)
}

// Submitter starts the asynchronous phase.
type Submitter interface {
	Submit(ctx context.Context, job pipeline.Job)
}

// Auditor writes webhook_logs rows.
type Auditor interface {
	Record(ctx context.Context, e *models.WebhookLogEntry)
}

// HandlerConfig wires a Handler.
type HandlerConfig struct {
	Verifier *signature.Verifier
	Payloads *payload.Validator
	Codec    *replyaddr.Codec
	Guard    Guard
	Jobs     Submitter
	Audit    Auditor
}

// Handler serves the inbound email webhook.
type Handler struct {
	verifier *signature.Verifier
	payloads *payload.Validator
	codec    *replyaddr.Codec
	guard    Guard
	jobs     Submitter
	audit    Auditor
}

// NewHandler creates an inbound email handler.
func NewHandler(cfg HandlerConfig) *Handler {
	return &Handler{
		verifier: cfg.Verifier,
		payloads: cfg.Payloads,
		codec:    cfg.Codec,
		guard:    cfg.Guard,
		jobs:     cfg.Jobs,
		audit:    cfg.Audit,
	}
}

// ServeStatus answers GET requests on the webhook path.
func (h *Handler) ServeStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"endpoint": r.URL.Path,
		"methods":  []string{http.MethodGet, http.MethodPost},
	})
}

// ServeInbound handles a POSTed email.received event.
//
// The response only reflects the synchronous checks: signature, payload
// shape, reply address, integrity hash and idempotency. Everything else
// runs after the response in the dispatcher.
func (h *Handler) ServeInbound(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	defer func() {
		metrics.WebhookDuration.Observe(time.Since(start).Seconds())
	}()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			slog.WarnContext(ctx, "webhook body too large", "limit", tooLarge.Limit)
			outcome(w, "rejected_size", http.StatusRequestEntityTooLarge, errorBody("Payload Too Large", "Request body too large"))
			return
		}
		slog.ErrorContext(ctx, "failed to read webhook body", "error", err)
		outcome(w, "rejected_payload", http.StatusBadRequest, errorBody("Bad Request", "Could not read request body"))
		return
	}

	id, ts, sig := signature.Headers(r.Header)
	if err := h.verifier.Check(body, id, ts, sig); err != nil {
		slog.WarnContext(ctx, "webhook signature rejected",
			"reason", err.Error(),
			"remote_addr", r.RemoteAddr,
		)
		outcome(w, "rejected_signature", http.StatusUnauthorized, errorBody("Unauthorized", "Invalid webhook signature"))
		return
	}

	env, err := h.payloads.Parse(body)
	if err != nil {
		message := "Invalid payload"
		var perr *payload.Error
		if errors.As(err, &perr) {
			message = perr.Message
		}
		slog.ErrorContext(ctx, "invalid webhook payload", "error", err)
		outcome(w, "rejected_payload", http.StatusBadRequest, errorBody("Bad Request", message))
		return
	}

	if env.Type != models.EventTypeEmailReceived {
		slog.InfoContext(ctx, "ignoring webhook event", "event_type", env.Type)
		outcome(w, "ignored_event", http.StatusOK, ignoredBody(ReasonUnsupportedEvent))
		return
	}

	h.accept(w, r, env, start)
}

// accept runs the checks that need a validated payload. From here on every
// exit writes an audit row.
func (h *Handler) accept(w http.ResponseWriter, r *http.Request, env *models.WebhookEnvelope, start time.Time) {
	ctx := r.Context()
	email := &env.Data

	defer func() {
		if rec := recover(); rec != nil {
			slog.ErrorContext(ctx, "panic while accepting webhook",
				"provider_email_id", email.EmailID,
				"panic", rec,
				"stack", string(debug.Stack()),
			)
			h.record(ctx, env, start, models.LogError, func(e *models.WebhookLogEntry) {
				msg := fmt.Sprintf("panic: %v", rec)
				e.ErrorMessage = &msg
			})
			outcome(w, "error", http.StatusInternalServerError, failureBody("Internal server error"))
		}
	}()

	recipient := email.Recipient()
	tok, err := h.codec.Parse(recipient)
	if err != nil {
		if errors.Is(err, replyaddr.ErrInvalidEntityID) {
			slog.WarnContext(ctx, "reply address carries a malformed entity id",
				"recipient", recipient,
			)
		} else {
			slog.InfoContext(ctx, "recipient is not a reply address", "recipient", recipient)
		}
		h.record(ctx, env, start, models.LogInvalidAddress, func(e *models.WebhookLogEntry) {
			msg := err.Error()
			e.ErrorMessage = &msg
		})
		outcome(w, "ignored_address", http.StatusOK, ignoredBody(ReasonInvalidAddress))
		return
	}

	if !h.codec.Verify(tok) {
		slog.WarnContext(ctx, "reply address hash mismatch, possible tampering",
			"sender", email.From,
			"recipient", recipient,
			"entity_id", tok.EntityID,
			"remote_addr", r.RemoteAddr,
			"user_agent", r.UserAgent(),
		)
		h.record(ctx, env, start, models.LogInvalidHash, func(e *models.WebhookLogEntry) {
			e.EntityID = audit.Ptr(tok.EntityID)
			e.Metadata = map[string]any{
				"remote_addr": r.RemoteAddr,
				"user_agent":  r.UserAgent(),
			}
		})
		outcome(w, "ignored_tamper", http.StatusOK, ignoredBody(ReasonInvalidAddress))
		return
	}

	seen, err := h.guard.AlreadyProcessed(ctx, email.MessageID)
	if err != nil {
		slog.ErrorContext(ctx, "idempotency check failed",
			"provider_email_id", email.EmailID,
			"error", err,
		)
		h.record(ctx, env, start, models.LogError, func(e *models.WebhookLogEntry) {
			msg := err.Error()
			e.ErrorMessage = &msg
			e.EntityID = audit.Ptr(tok.EntityID)
		})
		outcome(w, "error", http.StatusInternalServerError, failureBody("Internal server error"))
		return
	}
	if seen {
		slog.InfoContext(ctx, "skipping already processed email",
			"message_id", email.MessageIDValue(),
		)
		h.record(ctx, env, start, models.LogDuplicate, func(e *models.WebhookLogEntry) {
			e.EntityID = audit.Ptr(tok.EntityID)
		})
		outcome(w, "ignored_duplicate", http.StatusOK, ignoredBody(ReasonAlreadyProcessed))
		return
	}

	h.jobs.Submit(ctx, pipeline.Job{
		EventType: env.Type,
		Email:     email,
		Token:     tok,
		Received:  start,
	})

	outcome(w, "accepted", http.StatusOK, map[string]any{
		"success":    true,
		"processing": true,
		"emailId":    email.EmailID,
		"entityId":   tok.EntityID,
		"duration":   fmt.Sprintf("%dms", time.Since(start).Milliseconds()),
	})
}

func (h *Handler) record(ctx context.Context, env *models.WebhookEnvelope, start time.Time, status string, fill func(*models.WebhookLogEntry)) {
	if h.audit == nil {
		return
	}
	e := audit.Entry(env.Type, &env.Data, start, status)
	if fill != nil {
		fill(e)
	}
	h.audit.Record(ctx, e)
}

func outcome(w http.ResponseWriter, label string, status int, body any) {
	metrics.WebhookRequests.WithLabelValues(label).Inc()
	writeJSON(w, status, body)
}

func errorBody(title, message string) map[string]any {
	return map[string]any{"error": title, "message": message}
}

func ignoredBody(reason string) map[string]any {
	return map[string]any{"success": true, "ignored": true, "reason": reason}
}

func failureBody(message string) map[string]any {
	return map[string]any{"success": false, "error": message}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("failed to write response", "error", err)
	}
}
