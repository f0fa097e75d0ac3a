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

// Package signature verifies the provider's webhook signatures.
//
// The provider signs "<id>.<timestamp>.<raw body>" with HMAC-SHA256 keyed by
// the base64 secret that follows the "whsec_" prefix. The signature header
// holds one or more space separated "v1,<base64 digest>" entries so the
// provider can rotate secrets without downtime.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Header names. The svix-* aliases are accepted as well.
const (
	HeaderID        = "signature-id"
	HeaderTimestamp = "signature-timestamp"
	HeaderSignature = "signature-value"

	aliasID        = "svix-id"
	aliasTimestamp = "svix-timestamp"
	aliasSignature = "svix-signature"

	secretPrefix = "whsec_"
	version      = "v1"
)

// DefaultTolerance bounds the distance between the signed timestamp and now.
const DefaultTolerance = 5 * time.Minute

var (
	ErrSecretNotConfigured = errors.New("webhook secret not configured")
	ErrMissingHeaders      = errors.New("missing signature headers")
	ErrInvalidTimestamp    = errors.New("invalid signature timestamp")
	ErrTimestampOutOfRange = errors.New("signature timestamp outside tolerance")
	ErrNoMatchingSignature = errors.New("no matching signature")
)

// Verifier checks request signatures against one shared secret.
type Verifier struct {
	key       []byte
	tolerance time.Duration
	now       func() time.Time
}

// NewVerifier builds a verifier for secret. An empty secret yields a
// verifier that rejects everything. Secrets that are not valid base64 after
// the prefix is stripped are used as raw bytes.
func NewVerifier(secret string, tolerance time.Duration) *Verifier {
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	return &Verifier{
		key:       decodeSecret(secret),
		tolerance: tolerance,
		now:       time.Now,
	}
}

func decodeSecret(secret string) []byte {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil
	}
	trimmed := strings.TrimPrefix(secret, secretPrefix)
	if key, err := base64.StdEncoding.DecodeString(trimmed); err == nil && len(key) > 0 {
		return key
	}
	return []byte(trimmed)
}

// Headers extracts the id, timestamp and signature headers from h.
func Headers(h http.Header) (id, timestamp, sig string) {
	return firstHeader(h, HeaderID, aliasID),
		firstHeader(h, HeaderTimestamp, aliasTimestamp),
		firstHeader(h, HeaderSignature, aliasSignature)
}

func firstHeader(h http.Header, names ...string) string {
	for _, n := range names {
		if v := strings.TrimSpace(h.Get(n)); v != "" {
			return v
		}
	}
	return ""
}

// Verify reports whether sig is a valid signature of body.
func (v *Verifier) Verify(body []byte, id, timestamp, sig string) bool {
	return v.Check(body, id, timestamp, sig) == nil
}

// Check is Verify with the failure reason.
func (v *Verifier) Check(body []byte, id, timestamp, sig string) error {
	if v == nil || len(v.key) == 0 {
		return ErrSecretNotConfigured
	}
	if id == "" || timestamp == "" || sig == "" {
		return ErrMissingHeaders
	}

	secs, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return ErrInvalidTimestamp
	}
	delta := v.now().Sub(time.Unix(secs, 0))
	if delta < 0 {
		delta = -delta
	}
	if delta > v.tolerance {
		return ErrTimestampOutOfRange
	}

	expected := v.sign(id, timestamp, body)
	for _, entry := range strings.Fields(sig) {
		ver, encoded, ok := strings.Cut(entry, ",")
		if !ok || ver != version {
			continue
		}
		got, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			continue
		}
		if hmac.Equal(got, expected) {
			return nil
		}
	}
	return ErrNoMatchingSignature
}

func (v *Verifier) sign(id, timestamp string, body []byte) []byte {
	mac := hmac.New(sha256.New, v.key)
	_, _ = mac.Write([]byte(id))
	_, _ = mac.Write([]byte("."))
	_, _ = mac.Write([]byte(timestamp))
	_, _ = mac.Write([]byte("."))
	_, _ = mac.Write(body)
	return mac.Sum(nil)
}

// Sign returns a signature header value for body. It is what the provider
// does on its side and is used by tests and local tooling.
func (v *Verifier) Sign(id string, ts time.Time, body []byte) (timestamp, header string) {
	timestamp = strconv.FormatInt(ts.Unix(), 10)
	return timestamp, version + "," + base64.StdEncoding.EncodeToString(v.sign(id, timestamp, body))
}
