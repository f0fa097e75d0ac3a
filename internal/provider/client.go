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

// Package provider talks to the email provider's REST API: it resolves
// temporary attachment download URLs, fetches message content missing from
// a webhook and downloads attachment binaries.
package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

var (
	ErrNotFound      = errors.New("not found at provider")
	ErrTooLarge      = errors.New("download exceeds size limit")
	ErrNotConfigured = errors.New("provider API key not configured")
)

// Client calls the provider API with the account's API key and downloads
// presigned URLs with a separate client that carries no credentials.
type Client struct {
	api      *http.Client
	download *http.Client
	baseURL  string
}

// NewClient returns a client for baseURL. apiKey may be empty; API calls
// then fail with ErrNotConfigured while downloads still work.
func NewClient(ctx context.Context, baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	c := &Client{
		download: &http.Client{Timeout: timeout},
		baseURL:  strings.TrimRight(baseURL, "/"),
	}
	if apiKey != "" {
		api := oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{
			AccessToken: apiKey,
			TokenType:   "Bearer",
		}))
		api.Timeout = timeout
		c.api = api
	}
	return c
}

func (c *Client) get(ctx context.Context, path string) (*http.Response, error) {
	if c.api == nil {
		return nil, ErrNotConfigured
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.api.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusNotFound {
		resp.Body.Close()
		return nil, ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("provider API returned HTTP %d for %s", resp.StatusCode, path)
	}
	return resp, nil
}

// Attachment returns the provider's metadata for one attachment, including
// a short-lived download URL.
func (c *Client) Attachment(ctx context.Context, emailID, attachmentID string) (*Attachment, error) {
	path := fmt.Sprintf("/emails/receiving/%s/attachments/%s", url.PathEscape(emailID), url.PathEscape(attachmentID))
	resp, err := c.get(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("fetch attachment %s: %w", attachmentID, err)
	}
	defer resp.Body.Close()

	att, err := parseAttachment(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("parse attachment %s: %w", attachmentID, err)
	}
	if att.DownloadURL == "" {
		return nil, fmt.Errorf("attachment %s has no download url", attachmentID)
	}
	return att, nil
}

// Email fetches the full content of a received email. Webhooks that only
// carry metadata are completed from here.
func (c *Client) Email(ctx context.Context, emailID string) (*Email, error) {
	resp, err := c.get(ctx, "/emails/receiving/"+url.PathEscape(emailID))
	if err != nil {
		return nil, fmt.Errorf("fetch email %s: %w", emailID, err)
	}
	defer resp.Body.Close()

	e, err := parseEmail(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("parse email %s: %w", emailID, err)
	}
	return e, nil
}

// Download fetches rawURL and returns at most max bytes. Bodies longer than
// max yield ErrTooLarge; a body of exactly max bytes is accepted.
func (c *Client) Download(ctx context.Context, rawURL string, max int64) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build download request: %w", err)
	}

	resp, err := c.download.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download returned HTTP %d", resp.StatusCode)
	}
	if resp.ContentLength > max {
		return nil, fmt.Errorf("%w: content length %d", ErrTooLarge, resp.ContentLength)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, max+1))
	if err != nil {
		return nil, fmt.Errorf("read download: %w", err)
	}
	if int64(len(data)) > max {
		return nil, fmt.Errorf("%w: more than %d bytes", ErrTooLarge, max)
	}
	return data, nil
}
