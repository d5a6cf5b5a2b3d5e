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

// Package sanitize implements the zero-trust content sanitization chain.
//
// A chain is an ordered list of sanitizers, each a pure function over its
// input. Composition is sequential and short-circuits on the first sanitizer
// that rejects; later sanitizers are never invoked for that content.
package sanitize

import (
	"context"
	"fmt"

	"github.com/kadirpekel/weft/pkg/config"
	"github.com/kadirpekel/weft/pkg/llms"
)

// Result is the outcome of one sanitizer.
type Result struct {
	Content  string
	Passed   bool
	Warning  string
	Metadata map[string]any
}

// Sanitizer filters or transforms content. Implementations must be pure over
// their input and safe for concurrent use.
type Sanitizer interface {
	Name() string
	Sanitize(ctx context.Context, content string) (Result, error)
}

// ChainResult is the merged outcome of running a chain.
type ChainResult struct {
	Content  string
	Passed   bool
	FailedAt string
	Warnings []string
	Metadata map[string]any
}

// Warning concatenates all warnings into a single string.
func (r ChainResult) Warning() string {
	out := ""
	for i, w := range r.Warnings {
		if i > 0 {
			out += "; "
		}
		out += w
	}
	return out
}

// Chain is an ordered, short-circuiting sequence of sanitizers.
type Chain struct {
	sanitizers []Sanitizer
}

// NewChain creates a chain from the given sanitizers in order.
func NewChain(sanitizers ...Sanitizer) *Chain {
	return &Chain{sanitizers: sanitizers}
}

// FromConfig assembles the standard chain from policy:
// normalize -> length -> strip-markup -> redact-PII -> detect-injection.
// classifier is optional; when non-nil the injection detector consults it and
// degrades to the heuristic verdict on any failure.
func FromConfig(cfg config.SanitizeConfig, classifier llms.Generator) *Chain {
	var sanitizers []Sanitizer
	if config.Bool(cfg.UnicodeNormalize, true) {
		sanitizers = append(sanitizers, NewUnicodeNormalizer())
	}
	sanitizers = append(sanitizers, NewLengthGuard(LengthLimits{
		MaxChars:       cfg.MaxSegmentChars,
		MaxLines:       cfg.MaxLines,
		MaxLineChars:   cfg.MaxLineChars,
		MaxRepeatRatio: cfg.MaxRepeatRatio,
		Truncate:       cfg.TruncateOnLength,
	}))
	if config.Bool(cfg.StripHTML, true) {
		sanitizers = append(sanitizers, NewHTMLStripper(cfg.HTMLMode == "escape"))
	}
	if config.Bool(cfg.PIIRedaction, true) {
		sanitizers = append(sanitizers, NewPIIRedactor(cfg.PIIPatterns))
	}
	if config.Bool(cfg.InjectionDetection, true) {
		detector := NewInjectionDetector(Level(cfg.InjectionLevel))
		if classifier != nil {
			sanitizers = append(sanitizers, NewLLMInjectionDetector(detector, classifier, cfg.LLMTimeoutIsDetection))
		} else {
			sanitizers = append(sanitizers, detector)
		}
	}
	return NewChain(sanitizers...)
}

// Sanitizers returns the chain members in order.
func (c *Chain) Sanitizers() []Sanitizer {
	return c.sanitizers
}

// Run processes content through the chain. A failure inside a sanitizer is
// infrastructural and wraps as a single error naming the sanitizer; a
// rejection (Passed=false) is a verdict, not an error.
func (c *Chain) Run(ctx context.Context, content string) (ChainResult, error) {
	out := ChainResult{
		Content:  content,
		Passed:   true,
		Metadata: make(map[string]any),
	}
	for _, s := range c.sanitizers {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		res, err := s.Sanitize(ctx, out.Content)
		if err != nil {
			return out, fmt.Errorf("sanitizer %s: %w", s.Name(), err)
		}
		for k, v := range res.Metadata {
			out.Metadata[k] = v
		}
		if res.Warning != "" {
			out.Warnings = append(out.Warnings, res.Warning)
		}
		if !res.Passed {
			out.Passed = false
			out.FailedAt = s.Name()
			return out, nil
		}
		out.Content = res.Content
	}
	return out, nil
}
