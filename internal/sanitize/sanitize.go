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

// Package sanitize strips active content from inbound HTML before it is
// stored. It is not a display sanitiser; rendering applies its own policy.
package sanitize

import (
	"html"
	"regexp"
	"strings"
)

// maxPasses bounds the fixed-point loop. Inputs that still change after
// this many passes are dropped.
const maxPasses = 32

var (
	scriptBlockRe = regexp.MustCompile(`(?is)<\s*script[^>]*>.*?<\s*/\s*script[^>]*>`)
	scriptTagRe   = regexp.MustCompile(`(?i)<\s*/?\s*script[^>]*>?`)
	handlerAttrRe = regexp.MustCompile(`(?i)(?:\s+|(["'/]))on\w+\s*=\s*(?:"[^"]*"|'[^']*'|[^\s>]*)`)
	urlAttrRe     = regexp.MustCompile(`(?i)([\s/"'](?:href|src|xlink:href|action|formaction|background|poster)\s*=\s*)("[^"]*"|'[^']*'|[^\s>]*)`)
	jsSchemeRe    = regexp.MustCompile(`(?i)javascript\s*:`)
	handlerTextRe = regexp.MustCompile(`(?i)(on\w+)=`)
)

var blockedSchemes = []string{"javascript:", "vbscript:", "data:"}

// HTML removes script elements, inline event handlers and script or data
// URLs from s, along with NUL bytes. The result is a fixed point: HTML(HTML(s)) == HTML(s), and it
// contains no "<script", "on<name>=" or "javascript:" in any letter case.
func HTML(s string) string {
	for i := 0; i < maxPasses; i++ {
		next := pass(s)
		if next == s {
			return s
		}
		s = next
	}
	return ""
}

// Text removes NUL bytes, which Postgres text columns reject.
func Text(s string) string {
	if !strings.Contains(s, "\x00") {
		return s
	}
	return strings.ReplaceAll(s, "\x00", "")
}

func pass(s string) string {
	s = Text(s)
	s = scriptBlockRe.ReplaceAllString(s, "")
	s = scriptTagRe.ReplaceAllString(s, "")
	s = handlerAttrRe.ReplaceAllString(s, "$1")
	s = urlAttrRe.ReplaceAllStringFunc(s, neutraliseURL)
	s = jsSchemeRe.ReplaceAllString(s, "blocked:")
	s = handlerTextRe.ReplaceAllString(s, "$1&#61;")
	return s
}

func neutraliseURL(attr string) string {
	m := urlAttrRe.FindStringSubmatch(attr)
	if m == nil {
		return attr
	}
	if !blockedURL(m[2]) {
		return attr
	}
	return m[1] + `"#"`
}

// blockedURL decodes entities and drops whitespace and control characters
// before looking at the scheme, so "jav&#x09;ascript:" is caught too.
func blockedURL(raw string) bool {
	v := strings.Trim(raw, `"'`)
	// Entities may be nested ("&amp;#106;"), unescape until stable.
	for i := 0; i < 4; i++ {
		u := html.UnescapeString(v)
		if u == v {
			break
		}
		v = u
	}
	v = strings.Map(func(r rune) rune {
		if r <= ' ' || r == 0x7f {
			return -1
		}
		return r
	}, v)
	v = strings.ToLower(v)
	for _, scheme := range blockedSchemes {
		if strings.HasPrefix(v, scheme) {
			return true
		}
	}
	return false
}
