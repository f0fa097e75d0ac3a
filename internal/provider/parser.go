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

package provider

import (
	"fmt"
	"io"
	"strings"

	"github.com/goccy/go-json"
)

// Attachment is the provider's view of one attachment.
type Attachment struct {
	ID          string `json:"id"`
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
	DownloadURL string `json:"download_url"`
	ExpiresAt   string `json:"expires_at"`
}

// Email is the content part of a received email.
type Email struct {
	ID        string            `json:"id"`
	MessageID string            `json:"message_id"`
	Subject   string            `json:"subject"`
	HTML      string            `json:"html"`
	Text      string            `json:"text"`
	Headers   map[string]string `json:"-"`
}

// apiEmail tolerates both header shapes the API has used: an object or a
// list of name/value pairs.
type apiEmail struct {
	Email
	RawHeaders json.RawMessage `json:"headers"`
}

type headerPair struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

func parseAttachment(body io.Reader) (*Attachment, error) {
	var a Attachment
	if err := json.NewDecoder(body).Decode(&a); err != nil {
		return nil, fmt.Errorf("decode attachment: %w", err)
	}
	return &a, nil
}

func parseEmail(body io.Reader) (*Email, error) {
	var raw apiEmail
	if err := json.NewDecoder(body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode email: %w", err)
	}

	e := raw.Email
	e.Headers = map[string]string{}
	if len(raw.RawHeaders) == 0 || string(raw.RawHeaders) == "null" {
		return &e, nil
	}

	var asMap map[string]string
	if err := json.Unmarshal(raw.RawHeaders, &asMap); err == nil {
		for k, v := range asMap {
			e.Headers[strings.ToLower(k)] = v
		}
		return &e, nil
	}
	var asList []headerPair
	if err := json.Unmarshal(raw.RawHeaders, &asList); err != nil {
		return nil, fmt.Errorf("decode email headers: %w", err)
	}
	for _, h := range asList {
		e.Headers[strings.ToLower(h.Name)] = h.Value
	}
	return &e, nil
}
