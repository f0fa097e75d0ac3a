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

// Package models defines the data structures shared across the inbound
// email service: the provider's webhook payload and the records the
// pipeline persists.
package models

import "time"

// EventTypeEmailReceived is the only provider event type the pipeline handles.
const EventTypeEmailReceived = "email.received"

// WebhookEnvelope is the outer JSON object the provider POSTs.
type WebhookEnvelope struct {
	Type      string       `json:"type"`
	CreatedAt string       `json:"created_at,omitempty"`
	Data      InboundEmail `json:"data"`
}

// AttachmentDescriptor describes an attachment the provider holds for us.
// The binary is not part of the webhook; it is fetched from a temporary URL.
type AttachmentDescriptor struct {
	ID          string `json:"id"`
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size,omitempty"`
	DownloadURL string `json:"download_url,omitempty"`
}

// InboundEmail is a single received email as reported by the provider.
//
// To[0] is the only recipient the pipeline trusts: it carries the signed
// reply token.
type InboundEmail struct {
	EmailID     string                 `json:"email_id"`
	MessageID   *string                `json:"message_id"`
	From        string                 `json:"from"`
	To          []string               `json:"to"`
	Cc          []string               `json:"cc,omitempty"`
	Subject     string                 `json:"subject"`
	HTML        string                 `json:"html,omitempty"`
	Text        string                 `json:"text,omitempty"`
	Headers     map[string]string      `json:"headers,omitempty"`
	Attachments []AttachmentDescriptor `json:"attachments,omitempty"`
}

// Recipient returns the first recipient or "" when there is none.
func (e *InboundEmail) Recipient() string {
	if len(e.To) == 0 {
		return ""
	}
	return e.To[0]
}

// MessageIDValue returns the provider message id, or "" when absent.
func (e *InboundEmail) MessageIDValue() string {
	if e.MessageID == nil {
		return ""
	}
	return *e.MessageID
}

// Entity types that can appear in a reply address.
const (
	EntityIntervention = "intervention"
)

// ReplyToken is the structured data recovered from a reply address.
type ReplyToken struct {
	EntityType string
	EntityID   string
	Hash       string
}

// Email directions and statuses as stored in the emails table.
const (
	DirectionReceived = "received"
	StatusUnread      = "unread"
)

// EmailRecord is a persisted email.
type EmailRecord struct {
	ID              string
	TeamID          string
	Direction       string
	Status          string
	FromAddress     string
	ToAddresses     []string
	CcAddresses     []string
	Subject         string
	BodyHTML        string
	BodyText        string
	MessageID       *string
	ProviderEmailID string
	InReplyTo       *string
	ReceivedAt      time.Time
	CreatedAt       time.Time
}

// EmailLink associates an email with the domain entity it replies to.
type EmailLink struct {
	EmailID    string
	EntityType string
	EntityID   string
	LinkedBy   *string
	Notes      string
}

// EmailAttachment is the metadata row for an uploaded attachment.
type EmailAttachment struct {
	ID          string
	EmailID     string
	Filename    string
	MimeType    string
	StoragePath string
	Size        int64
}

// EmailCursor is a position in (received_at, id) order, used to page
// through emails. The zero value starts at the beginning.
type EmailCursor struct {
	ReceivedAt time.Time
	ID         string
}

// CursorAfter returns the cursor positioned just after r.
func CursorAfter(r *EmailRecord) EmailCursor {
	return EmailCursor{ReceivedAt: r.ReceivedAt, ID: r.ID}
}
