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

package models

import "time"

// Webhook log statuses.
const (
	LogProcessed      = "processed"
	LogInvalidAddress = "invalid_address"
	LogInvalidHash    = "invalid_hash"
	LogUnknownEntity  = "unknown_entity"
	LogDuplicate      = "duplicate"
	LogError          = "error"
)

// WebhookLogEntry is one append-only audit row per inbound request.
type WebhookLogEntry struct {
	ID               int64
	EventType        string
	ProviderEmailID  string
	RecipientAddress string
	SenderAddress    string
	Subject          string
	EntityID         *string
	UserID           *string
	Status           string
	ErrorMessage     *string
	ProcessingTimeMs int64
	Metadata         map[string]any
	CreatedAt        time.Time
}

// Intervention is the domain entity replies are linked to. It is owned by
// the main application; the pipeline only reads it.
type Intervention struct {
	ID        string
	TeamID    string
	Reference string
	Title     string
}

// User is a known system user that may have sent a reply.
type User struct {
	ID        string
	Email     string
	FirstName string
	LastName  string
	Name      string
}

// Assignment links a user to an intervention with a role.
type Assignment struct {
	InterventionID string
	UserID         string
	Role           string
}

// Notification is a generic notification row consumed by the delivery
// subsystem.
type Notification struct {
	ID                string
	UserID            string
	TeamID            string
	CreatedBy         *string
	Type              string
	Title             string
	Message           string
	IsPersonal        bool
	RelatedEntityType string
	RelatedEntityID   string
	Metadata          map[string]any
	CreatedAt         time.Time
}
