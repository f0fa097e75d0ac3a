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

// Package sender extracts the sender's address from a From header and
// chooses the name shown in notifications.
package sender

import (
	"net/mail"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/seido/inbound/internal/models"
)

// ExternalUser is shown when nothing better is known about the sender.
const ExternalUser = "External user"

var validate = validator.New()

// Address is a parsed From header.
type Address struct {
	// Email is the lower-cased inner address. Lookups use this only.
	Email string
	// Name is the display name from the header, possibly empty.
	Name string
	// Valid reports whether Email passed address validation.
	Valid bool
}

// Parse parses a From header such as `"Jean Dupont" <Jean@Example.com>`.
// Headers net/mail cannot parse fall back to the trimmed, lower-cased raw
// value with no display name.
func Parse(from string) Address {
	from = strings.TrimSpace(from)
	a, err := mail.ParseAddress(from)
	if err != nil {
		raw := strings.ToLower(from)
		return Address{Email: raw, Valid: validEmail(raw)}
	}

	email := strings.ToLower(strings.TrimSpace(a.Address))
	return Address{
		Email: email,
		Name:  strings.TrimSpace(a.Name),
		Valid: validEmail(email),
	}
}

func validEmail(s string) bool {
	return s != "" && validate.Var(s, "required,email") == nil
}

// DisplayName picks the name used in notification text: the known user's
// first and last name, then the user's display name, then ExternalUser.
// A From header display name is never shown on its own; it is rendered
// next to the inner address so a name like "victim@real.com" cannot pass
// for someone else.
func DisplayName(user *models.User, addr Address) string {
	if user != nil {
		first, last := strings.TrimSpace(user.FirstName), strings.TrimSpace(user.LastName)
		if first != "" && last != "" {
			return first + " " + last
		}
		if name := strings.TrimSpace(user.Name); name != "" {
			return name
		}
	}
	if addr.Name != "" && addr.Email != "" {
		return addr.Name + " <" + addr.Email + ">"
	}
	return ExternalUser
}
