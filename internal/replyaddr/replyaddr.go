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

// Package replyaddr issues and resolves the signed reply addresses placed in
// the Reply-To of outbound notifications.
//
// An address looks like
//
//	intervention+<uuid>+<hash>@reply.example.com
//
// where hash is the first 16 hex characters of
// HMAC-SHA256(replySecret, entityType + entityID). The reply secret is
// distinct from the webhook signing secret.
package replyaddr

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/mail"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/seido/inbound/internal/models"
)

// HashLength is the number of hex characters kept from the digest.
const HashLength = 16

var (
	// ErrUnrecognizedAddress means the address is not one we issued.
	ErrUnrecognizedAddress = errors.New("unrecognized reply address")
	// ErrInvalidEntityID means the shape matched but the id is not a UUID.
	ErrInvalidEntityID = errors.New("invalid entity id in reply address")
)

var localPartRe = regexp.MustCompile(`^([a-z_]+)\+([^+@\s]+)\+([0-9a-f]{` + fmt.Sprint(HashLength) + `})$`)

var supportedTypes = map[string]bool{
	models.EntityIntervention: true,
}

// Codec derives and checks reply address hashes.
type Codec struct {
	secret []byte
	domain string
}

// NewCodec returns a codec keyed by secret. When domain is non-empty, only
// addresses at that domain are recognised and Address uses it.
func NewCodec(secret, domain string) *Codec {
	return &Codec{
		secret: []byte(secret),
		domain: strings.ToLower(strings.TrimSpace(domain)),
	}
}

// Parse extracts the reply token from a recipient such as
// "Support <intervention+...@reply.example.com>". The entity id is checked
// to be a canonical UUID before anything else looks at it.
func (c *Codec) Parse(recipient string) (*models.ReplyToken, error) {
	addr := bareAddress(recipient)
	local, domain, ok := strings.Cut(addr, "@")
	if !ok || local == "" || domain == "" || strings.Contains(domain, "@") {
		return nil, ErrUnrecognizedAddress
	}
	if c.domain != "" && !strings.EqualFold(domain, c.domain) {
		return nil, ErrUnrecognizedAddress
	}

	m := localPartRe.FindStringSubmatch(local)
	if m == nil {
		return nil, ErrUnrecognizedAddress
	}
	entityType, entityID, hash := m[1], m[2], m[3]
	if !supportedTypes[entityType] {
		return nil, ErrUnrecognizedAddress
	}
	if !isCanonicalUUID(entityID) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidEntityID, entityID)
	}

	return &models.ReplyToken{EntityType: entityType, EntityID: entityID, Hash: hash}, nil
}

// Verify reports whether tok carries the hash this codec would issue for
// its entity. A codec without a secret verifies nothing.
func (c *Codec) Verify(tok *models.ReplyToken) bool {
	if c == nil || len(c.secret) == 0 || tok == nil || len(tok.Hash) != HashLength {
		return false
	}
	return hmac.Equal([]byte(tok.Hash), []byte(c.Hash(tok.EntityType, tok.EntityID)))
}

// Hash returns the truncated hex digest for an entity.
func (c *Codec) Hash(entityType, entityID string) string {
	mac := hmac.New(sha256.New, c.secret)
	_, _ = mac.Write([]byte(entityType + entityID))
	return hex.EncodeToString(mac.Sum(nil))[:HashLength]
}

// Address builds the reply address for an entity.
func (c *Codec) Address(entityType, entityID string) (string, error) {
	if len(c.secret) == 0 {
		return "", errors.New("reply secret not configured")
	}
	if c.domain == "" {
		return "", errors.New("reply domain not configured")
	}
	if !supportedTypes[entityType] {
		return "", fmt.Errorf("unsupported entity type %q", entityType)
	}
	id := strings.ToLower(entityID)
	if !isCanonicalUUID(id) {
		return "", fmt.Errorf("%w: %q", ErrInvalidEntityID, entityID)
	}
	return fmt.Sprintf("%s+%s+%s@%s", entityType, id, c.Hash(entityType, id), c.domain), nil
}

// bareAddress strips any display name and lower-cases the result.
func bareAddress(recipient string) string {
	recipient = strings.TrimSpace(recipient)
	if a, err := mail.ParseAddress(recipient); err == nil {
		recipient = a.Address
	} else if i := strings.LastIndex(recipient, "<"); i >= 0 && strings.HasSuffix(recipient, ">") {
		recipient = recipient[i+1 : len(recipient)-1]
	}
	return strings.ToLower(strings.TrimSpace(recipient))
}

// isCanonicalUUID accepts only the 36 character hyphenated form; uuid.Parse
// alone also accepts braces and urn: prefixes.
func isCanonicalUUID(s string) bool {
	if len(s) != 36 {
		return false
	}
	_, err := uuid.Parse(s)
	return err == nil
}
