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
	"fmt"
	"regexp"
	"strings"
)

// piiDetector is one pre-compiled PII pattern. Order matters: longer, more
// specific patterns run first so an 18-digit national id is not half-eaten by
// the bank-card detector (RE2 has no lookaheads, so anti-merge is done by
// ordering plus word boundaries).
type piiDetector struct {
	name string
	re   *regexp.Regexp
}

var piiDetectors = []piiDetector{
	{"url", regexp.MustCompile(`https?://[^\s<>"']+`)},
	{"email", regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`)},
	{"national_id", regexp.MustCompile(`\b\d{17}[\dXx]\b`)},
	{"bank_card", regexp.MustCompile(`\b\d{13,16}\b`)},
	{"phone", regexp.MustCompile(`\b(?:\+?86[-\s]?)?1[3-9]\d{9}\b|\b\d{3}[-.]\d{3,4}[-.]\d{4}\b`)},
	{"ip", regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`)},
}

// PIIRedactor replaces detected PII with a partial-reveal mask (first three
// characters + mask + last four). Redaction is transformative: the content
// changes but the verdict stays pass.
type PIIRedactor struct {
	detectors []piiDetector
}

// NewPIIRedactor creates a redactor limited to the named patterns; an empty
// list enables all detectors.
func NewPIIRedactor(patterns []string) *PIIRedactor {
	if len(patterns) == 0 {
		return &PIIRedactor{detectors: piiDetectors}
	}
	enabled := make(map[string]bool, len(patterns))
	for _, p := range patterns {
		enabled[p] = true
	}
	var detectors []piiDetector
	for _, d := range piiDetectors {
		if enabled[d.name] {
			detectors = append(detectors, d)
		}
	}
	return &PIIRedactor{detectors: detectors}
}

func (*PIIRedactor) Name() string {
	return "pii_redactor"
}

func (r *PIIRedactor) Sanitize(ctx context.Context, content string) (Result, error) {
	redactions := 0
	kinds := make(map[string]int)

	out := content
	for _, d := range r.detectors {
		out = d.re.ReplaceAllStringFunc(out, func(match string) string {
			redactions++
			kinds[d.name]++
			return partialReveal(match)
		})
	}

	res := Result{Content: out, Passed: true}
	if redactions > 0 {
		res.Metadata = map[string]any{
			"pii_redactions": redactions,
			"pii_kinds":      kinds,
		}
		res.Warning = fmt.Sprintf("redacted %d PII match(es)", redactions)
	}
	return res, nil
}

// partialReveal keeps the first three and last four characters of a match.
// Short matches are fully masked.
func partialReveal(s string) string {
	runes := []rune(s)
	if len(runes) <= 7 {
		return strings.Repeat("*", len(runes))
	}
	masked := len(runes) - 7
	return string(runes[:3]) + strings.Repeat("*", masked) + string(runes[len(runes)-4:])
}
