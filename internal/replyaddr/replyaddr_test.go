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

package replyaddr

import (
	"errors"
	"strings"
	"testing"

	"github.com/seido/inbound/internal/models"
)

const (
	testSecret = "reply-secret-for-tests"
	testDomain = "reply.example.com"
	entityID   = "5f0c1c9e-8d3b-4a61-9a53-2b0f5d3c7e11"
)

func TestAddressRoundTrip(t *testing.T) {
	c := NewCodec(testSecret, testDomain)

	addr, err := c.Address(models.EntityIntervention, strings.ToUpper(entityID))
	if err != nil {
		t.Fatalf("Address: %v", err)
	}
	want := "intervention+" + entityID + "+" + c.Hash(models.EntityIntervention, entityID) + "@" + testDomain
	if addr != want {
		t.Fatalf("Address = %q, want %q", addr, want)
	}

	for _, recipient := range []string{addr, `"Suivi" <` + addr + `>`, strings.ToUpper(addr), "  " + addr + " "} {
		tok, err := c.Parse(recipient)
		if err != nil {
			t.Fatalf("Parse(%q): %v", recipient, err)
		}
		if tok.EntityType != models.EntityIntervention || tok.EntityID != entityID {
			t.Errorf("Parse(%q) = %+v", recipient, tok)
		}
		if !c.Verify(tok) {
			t.Errorf("Verify(%q) = false", recipient)
		}
	}
}

func TestHashMatchesHMACPrefix(t *testing.T) {
	c := NewCodec(testSecret, "")
	h := c.Hash("intervention", entityID)
	if len(h) != HashLength {
		t.Fatalf("len = %d", len(h))
	}
	if h == NewCodec("other-secret", "").Hash("intervention", entityID) {
		t.Error("hash does not depend on the secret")
	}
	if h == c.Hash("intervention", "6f0c1c9e-8d3b-4a61-9a53-2b0f5d3c7e11") {
		t.Error("hash does not depend on the entity id")
	}
}

func TestParseRejects(t *testing.T) {
	c := NewCodec(testSecret, testDomain)
	hash := c.Hash("intervention", entityID)

	tests := []struct {
		name string
		in   string
		want error
	}{
		{"plain mailbox", "support@" + testDomain, ErrUnrecognizedAddress},
		{"empty", "", ErrUnrecognizedAddress},
		{"no domain", "intervention+" + entityID + "+" + hash, ErrUnrecognizedAddress},
		{"wrong domain", "intervention+" + entityID + "+" + hash + "@evil.example.com", ErrUnrecognizedAddress},
		{"unknown type", "ticket+" + entityID + "+" + hash + "@" + testDomain, ErrUnrecognizedAddress},
		{"short hash", "intervention+" + entityID + "+abc@" + testDomain, ErrUnrecognizedAddress},
		{"non hex hash", "intervention+" + entityID + "+zzzzzzzzzzzzzzzz@" + testDomain, ErrUnrecognizedAddress},
		{"missing part", "intervention+" + entityID + "@" + testDomain, ErrUnrecognizedAddress},
		{"not a uuid", "intervention+1;drop-table+" + hash + "@" + testDomain, ErrInvalidEntityID},
		{"braced uuid", "intervention+{" + entityID + "}+" + hash + "@" + testDomain, ErrInvalidEntityID},
		{"numeric id", "intervention+42+" + hash + "@" + testDomain, ErrInvalidEntityID},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tok, err := c.Parse(tt.in)
			if tok != nil {
				t.Errorf("Parse returned token %+v", tok)
			}
			if !errors.Is(err, tt.want) {
				t.Errorf("Parse(%q) err = %v, want %v", tt.in, err, tt.want)
			}
		})
	}
}

func TestParseAnyDomainWhenUnset(t *testing.T) {
	c := NewCodec(testSecret, "")
	addr := "intervention+" + entityID + "+" + c.Hash("intervention", entityID) + "@anything.example.org"
	if _, err := c.Parse(addr); err != nil {
		t.Fatalf("Parse: %v", err)
	}
}

func TestVerifyTamper(t *testing.T) {
	c := NewCodec(testSecret, testDomain)
	good := c.Hash("intervention", entityID)

	flipped := []byte(good)
	if flipped[0] == 'a' {
		flipped[0] = 'b'
	} else {
		flipped[0] = 'a'
	}

	cases := []*models.ReplyToken{
		{EntityType: "intervention", EntityID: entityID, Hash: string(flipped)},
		{EntityType: "intervention", EntityID: "6f0c1c9e-8d3b-4a61-9a53-2b0f5d3c7e11", Hash: good},
		{EntityType: "intervention", EntityID: entityID, Hash: good[:15]},
		nil,
	}
	for i, tok := range cases {
		if c.Verify(tok) {
			t.Errorf("case %d: tampered token verified", i)
		}
	}

	if NewCodec("", testDomain).Verify(&models.ReplyToken{EntityType: "intervention", EntityID: entityID, Hash: good}) {
		t.Error("codec without secret verified a token")
	}
}

func TestAddressErrors(t *testing.T) {
	if _, err := NewCodec("", testDomain).Address("intervention", entityID); err == nil {
		t.Error("expected error without secret")
	}
	if _, err := NewCodec(testSecret, "").Address("intervention", entityID); err == nil {
		t.Error("expected error without domain")
	}
	if _, err := NewCodec(testSecret, testDomain).Address("ticket", entityID); err == nil {
		t.Error("expected error for unsupported type")
	}
	if _, err := NewCodec(testSecret, testDomain).Address("intervention", "42"); !errors.Is(err, ErrInvalidEntityID) {
		t.Errorf("err = %v", err)
	}
}
