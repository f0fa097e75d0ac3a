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

// Package attachments copies inbound email attachments from the provider to
// object storage. Each attachment is handled on its own: a rejected or
// failed attachment never affects its siblings or the email.
package attachments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/seido/inbound/internal/metrics"
	"github.com/seido/inbound/internal/models"
	"github.com/seido/inbound/internal/provider"
)

// DefaultMaxBytes is the per-attachment size ceiling.
const DefaultMaxBytes = 10 << 20

// Source resolves and downloads attachment binaries.
type Source interface {
	Attachment(ctx context.Context, emailID, attachmentID string) (*provider.Attachment, error)
	Download(ctx context.Context, url string, max int64) ([]byte, error)
}

// Uploader writes objects to storage.
type Uploader interface {
	Upload(ctx context.Context, path string, data []byte, contentType string) error
}

// MetadataStore records uploaded attachments.
type MetadataStore interface {
	InsertAttachment(ctx context.Context, att *models.EmailAttachment) error
}

// Outcome of one attachment.
type Outcome string

const (
	Accepted Outcome = "accepted"
	Rejected Outcome = "rejected"
	Failed   Outcome = "failed"
)

// Result describes what happened to one attachment.
type Result struct {
	AttachmentID string
	Filename     string
	Outcome      Outcome
	Reason       string
	StoragePath  string
}

// Summary counts outcomes across an email's attachments.
type Summary struct {
	Accepted int
	Rejected int
	Failed   int
	Results  []Result
}

func (s *Summary) add(r Result) {
	switch r.Outcome {
	case Accepted:
		s.Accepted++
	case Rejected:
		s.Rejected++
	default:
		s.Failed++
	}
	s.Results = append(s.Results, r)
	metrics.Attachments.WithLabelValues(string(r.Outcome)).Inc()
}

// Job identifies the email the attachments belong to.
type Job struct {
	ProviderEmailID string
	EmailID         string
	EntityType      string
	EntityID        string
	Attachments     []models.AttachmentDescriptor
}

// Pipeline processes attachments sequentially.
type Pipeline struct {
	source   Source
	uploader Uploader
	store    MetadataStore
	maxBytes int64
	allowed  map[string]bool
	now      func() time.Time
}

// New returns a pipeline. maxBytes <= 0 selects DefaultMaxBytes.
func New(source Source, uploader Uploader, store MetadataStore, maxBytes int64, allowedTypes []string) *Pipeline {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	allowed := make(map[string]bool, len(allowedTypes))
	for _, t := range allowedTypes {
		allowed[normalizeType(t)] = true
	}
	return &Pipeline{
		source:   source,
		uploader: uploader,
		store:    store,
		maxBytes: maxBytes,
		allowed:  allowed,
		now:      time.Now,
	}
}

// Process handles every attachment of job and never returns an error;
// per-item problems are logged and counted.
func (p *Pipeline) Process(ctx context.Context, job Job) Summary {
	var sum Summary
	for _, d := range job.Attachments {
		r := p.processOne(ctx, job, d)
		sum.add(r)

		attrs := []any{
			"email_id", job.EmailID,
			"attachment_id", d.ID,
			"filename", d.Filename,
			"outcome", r.Outcome,
		}
		switch r.Outcome {
		case Accepted:
			slog.InfoContext(ctx, "attachment stored", append(attrs, "path", r.StoragePath)...)
		case Rejected:
			slog.InfoContext(ctx, "attachment rejected", append(attrs, "reason", r.Reason)...)
		default:
			slog.WarnContext(ctx, "attachment failed", append(attrs, "error", r.Reason)...)
		}
	}
	return sum
}

func (p *Pipeline) processOne(ctx context.Context, job Job, d models.AttachmentDescriptor) Result {
	res := Result{AttachmentID: d.ID, Filename: d.Filename}
	reject := func(reason string) Result {
		res.Outcome, res.Reason = Rejected, reason
		return res
	}
	fail := func(err error) Result {
		res.Outcome, res.Reason = Failed, err.Error()
		return res
	}

	contentType := effectiveType(d.ContentType, d.Filename)
	if !p.allowed[contentType] {
		return reject(fmt.Sprintf("content type %q not allowed", contentType))
	}
	if d.Size > p.maxBytes {
		return reject(fmt.Sprintf("declared size %d exceeds %d", d.Size, p.maxBytes))
	}

	url := d.DownloadURL
	if url == "" {
		meta, err := p.source.Attachment(ctx, job.ProviderEmailID, d.ID)
		if err != nil {
			return fail(err)
		}
		if meta.Size > p.maxBytes {
			return reject(fmt.Sprintf("size %d exceeds %d", meta.Size, p.maxBytes))
		}
		url = meta.DownloadURL
	}

	data, err := p.source.Download(ctx, url, p.maxBytes)
	if errors.Is(err, provider.ErrTooLarge) {
		return reject(err.Error())
	}
	if err != nil {
		return fail(err)
	}

	key := StoragePath(job.EntityType, job.EntityID, job.EmailID, p.now(), d.Filename)
	if err := p.uploader.Upload(ctx, key, data, contentType); err != nil {
		return fail(err)
	}

	att := &models.EmailAttachment{
		EmailID:     job.EmailID,
		Filename:    d.Filename,
		MimeType:    contentType,
		StoragePath: key,
		Size:        int64(len(data)),
	}
	if err := p.store.InsertAttachment(ctx, att); err != nil {
		return fail(fmt.Errorf("object %s uploaded but metadata insert failed: %w", key, err))
	}

	res.Outcome, res.StoragePath = Accepted, key
	return res
}

// StoragePath builds the object key
// "<entityType>s/<entityID>/emails/<emailID>/<unixMillis>_<safeFilename>".
func StoragePath(entityType, entityID, emailID string, at time.Time, filename string) string {
	return fmt.Sprintf("%ss/%s/emails/%s/%d_%s", entityType, entityID, emailID, at.UnixMilli(), SafeFilename(filename))
}

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

const maxFilenameLen = 120

// SafeFilename reduces an attacker-supplied filename to a single path
// segment of letters, digits, dots, dashes and underscores.
func SafeFilename(name string) string {
	name = strings.ReplaceAll(name, `\`, "/")
	name = path.Base(strings.TrimSpace(name))
	name = unsafeChars.ReplaceAllString(name, "_")
	name = strings.TrimLeft(name, "._")
	if name == "" {
		return "attachment"
	}
	if len(name) > maxFilenameLen {
		ext := path.Ext(name)
		if len(ext) > 16 {
			ext = ""
		}
		name = name[:maxFilenameLen-len(ext)] + ext
	}
	return name
}

var typeAliases = map[string]string{
	"image/jpg":                   "image/jpeg",
	"image/pjpeg":                 "image/jpeg",
	"application/x-pdf":           "application/pdf",
	"text/comma-separated-values": "text/csv",
}

func normalizeType(ct string) string {
	ct = strings.ToLower(strings.TrimSpace(ct))
	if mt, _, err := mime.ParseMediaType(ct); err == nil {
		ct = mt
	}
	if alias, ok := typeAliases[ct]; ok {
		return alias
	}
	return ct
}

// effectiveType normalises the declared type and, when the provider only
// says octet-stream, infers it from the file extension.
func effectiveType(declared, filename string) string {
	ct := normalizeType(declared)
	if ct != "" && ct != "application/octet-stream" {
		return ct
	}
	if byExt := mime.TypeByExtension(strings.ToLower(path.Ext(filename))); byExt != "" {
		return normalizeType(byExt)
	}
	return ct
}
