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

// Package payload validates and decodes the provider's webhook body.
package payload

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"strings"

	"github.com/goccy/go-json"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/seido/inbound/internal/models"
	"github.com/seido/inbound/internal/sanitize"
)

//go:embed inbound_email.schema.json
var schemaJSON []byte

const schemaURL = "inbound_email.schema.json"

var (
	ErrMalformedJSON   = errors.New("malformed JSON")
	ErrSchemaViolation = errors.New("payload does not match schema")
)

// Error carries a client-facing message alongside one of the sentinel
// errors above.
type Error struct {
	Kind    error
	Message string
}

func (e *Error) Error() string { return e.Kind.Error() + ": " + e.Message }

func (e *Error) Unwrap() error { return e.Kind }

// Validator checks raw bodies against the compiled schema.
type Validator struct {
	schema *jsonschema.Schema
}

// NewValidator compiles the embedded schema.
func NewValidator() (*Validator, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaJSON))
	if err != nil {
		return nil, fmt.Errorf("decode embedded schema: %w", err)
	}

	c := jsonschema.NewCompiler()
	if err := c.AddResource(schemaURL, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	sch, err := c.Compile(schemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return &Validator{schema: sch}, nil
}

// MustNewValidator is NewValidator for package initialisation and tests.
func MustNewValidator() *Validator {
	v, err := NewValidator()
	if err != nil {
		panic(err)
	}
	return v
}

// Parse validates body and decodes it. Validation is all-or-nothing: a
// body that fails the schema is never partially decoded.
func (v *Validator) Parse(body []byte) (*models.WebhookEnvelope, error) {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return nil, &Error{Kind: ErrMalformedJSON, Message: "Request body is not valid JSON"}
	}
	if err := v.schema.Validate(inst); err != nil {
		return nil, &Error{Kind: ErrSchemaViolation, Message: describe(err)}
	}

	var raw struct {
		Type      string          `json:"type"`
		CreatedAt string          `json:"created_at"`
		Data      json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, &Error{Kind: ErrMalformedJSON, Message: "Request body could not be decoded"}
	}

	env := &models.WebhookEnvelope{Type: raw.Type, CreatedAt: raw.CreatedAt}
	if raw.Type != models.EventTypeEmailReceived {
		// Other event types are acknowledged without looking at data.
		return env, nil
	}
	if err := json.Unmarshal(raw.Data, &env.Data); err != nil {
		return nil, &Error{Kind: ErrMalformedJSON, Message: "Event data could not be decoded"}
	}
	normalize(&env.Data)
	return env, nil
}

// describe flattens the deepest schema failure into one line.
func describe(err error) string {
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return "Invalid payload"
	}
	for len(ve.Causes) > 0 {
		ve = ve.Causes[0]
	}
	loc := "/" + strings.Join(ve.InstanceLocation, "/")
	if ve.ErrorKind == nil {
		return "Invalid payload at " + loc
	}
	return fmt.Sprintf("Invalid payload at %s (%s)", loc, strings.Join(ve.ErrorKind.KeywordPath(), "/"))
}

// normalize lower-cases header names, trims addresses and drops NUL bytes
// from every string the pipeline stores.
func normalize(e *models.InboundEmail) {
	if len(e.Headers) > 0 {
		lowered := make(map[string]string, len(e.Headers))
		for k, val := range e.Headers {
			lowered[strings.ToLower(sanitize.Text(k))] = sanitize.Text(val)
		}
		e.Headers = lowered
	}
	e.EmailID = sanitize.Text(e.EmailID)
	e.From = sanitize.Text(e.From)
	e.Subject = sanitize.Text(e.Subject)
	e.HTML = sanitize.Text(e.HTML)
	e.Text = sanitize.Text(e.Text)
	for i := range e.To {
		e.To[i] = strings.TrimSpace(sanitize.Text(e.To[i]))
	}
	for i := range e.Cc {
		e.Cc[i] = strings.TrimSpace(sanitize.Text(e.Cc[i]))
	}
	for i := range e.Attachments {
		a := &e.Attachments[i]
		a.ID = sanitize.Text(a.ID)
		a.Filename = sanitize.Text(a.Filename)
		a.ContentType = sanitize.Text(a.ContentType)
		a.DownloadURL = sanitize.Text(a.DownloadURL)
	}
	if e.MessageID != nil {
		id := strings.TrimSpace(sanitize.Text(*e.MessageID))
		if id == "" {
			e.MessageID = nil
		} else {
			e.MessageID = &id
		}
	}
}
