// Copyright 2025 Kadir Pekel
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

package sanitize

import (
	"context"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// UnicodeNormalizer applies NFC and strips control and invisible characters
// that are common obfuscation vehicles. Tab, newline and carriage return are
// preserved. Idempotent; always passes.
type UnicodeNormalizer struct{}

// NewUnicodeNormalizer creates the normalizer.
func NewUnicodeNormalizer() *UnicodeNormalizer {
	return &UnicodeNormalizer{}
}

func (*UnicodeNormalizer) Name() string {
	return "unicode_normalizer"
}

func (*UnicodeNormalizer) Sanitize(ctx context.Context, content string) (Result, error) {
	normalized := norm.NFC.String(content)

	removed := 0
	var b strings.Builder
	b.Grow(len(normalized))
	for _, r := range normalized {
		if isInvisible(r) {
			removed++
			continue
		}
		b.WriteRune(r)
	}

	res := Result{Content: b.String(), Passed: true}
	if removed > 0 || normalized != content {
		res.Metadata = map[string]any{"unicode_removed": removed, "unicode_normalized": true}
	}
	return res, nil
}

// isInvisible reports whether r is a control, format, or zero-width rune that
// should never survive sanitization.
func isInvisible(r rune) bool {
	switch r {
	case '\t', '\n', '\r':
		return false
	case '\u200b', '\u200c', '\u200d', '\u2060', '\ufeff': // zero-width family
		return true
	case '\u202a', '\u202b', '\u202c', '\u202d', '\u202e', // bidi embedding
		'\u2066', '\u2067', '\u2068', '\u2069': // bidi isolates
		return true
	}
	return unicode.Is(unicode.Cc, r) || unicode.Is(unicode.Cf, r)
}
