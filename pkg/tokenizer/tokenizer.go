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

// Package tokenizer maps model identifiers to token counters.
//
// Resolution order: user-registered override for the exact model id, then
// longest-prefix match against the built-in encoding table, then a
// character-ratio estimator that never fails.
package tokenizer

import (
	"fmt"
	"math"
	"sync"
	"unicode"

	"github.com/pkoukk/tiktoken-go"
)

// Message is a role/content pair for message-level counting.
type Message struct {
	Role    string
	Content string
}

// Counter counts tokens for a single model family.
type Counter interface {
	// Count returns the token count for raw text.
	Count(text string) int

	// CountMessages counts tokens across messages including the constant
	// per-message role/delimiter overhead.
	CountMessages(messages []Message) int
}

// tokensPerMessage is the per-message framing overhead (<|start|>role ... <|end|>),
// per OpenAI's published counting recipe.
const tokensPerMessage = 3

// ErrUnknownModel is returned by Resolve when the model has no mapping and the
// estimator fallback is disabled.
type ErrUnknownModel struct {
	Model string
}

func (e *ErrUnknownModel) Error() string {
	return fmt.Sprintf("no tokenizer registered for model %q and fallback is disabled", e.Model)
}

// ============================================================================
// BPE counter (tiktoken)
// ============================================================================

// BPECounter counts tokens with a tiktoken encoding.
type BPECounter struct {
	encoding *tiktoken.Tiktoken
}

var (
	encodingCache   = make(map[string]*tiktoken.Tiktoken)
	encodingCacheMu sync.RWMutex
)

// NewBPECounter creates a counter for the named tiktoken encoding
// (e.g. "cl100k_base", "o200k_base"). Encodings are cached process-wide since
// initialization is expensive.
func NewBPECounter(encodingName string) (*BPECounter, error) {
	encodingCacheMu.RLock()
	cached, ok := encodingCache[encodingName]
	encodingCacheMu.RUnlock()
	if ok {
		return &BPECounter{encoding: cached}, nil
	}

	encoding, err := tiktoken.GetEncoding(encodingName)
	if err != nil {
		return nil, fmt.Errorf("failed to get encoding %q: %w", encodingName, err)
	}

	encodingCacheMu.Lock()
	encodingCache[encodingName] = encoding
	encodingCacheMu.Unlock()

	return &BPECounter{encoding: encoding}, nil
}

func (c *BPECounter) Count(text string) int {
	return len(c.encoding.Encode(text, nil, nil))
}

func (c *BPECounter) CountMessages(messages []Message) int {
	total := 0
	for _, msg := range messages {
		total += tokensPerMessage
		total += len(c.encoding.Encode(msg.Role, nil, nil))
		total += len(c.encoding.Encode(msg.Content, nil, nil))
	}
	// Reply is primed with <|start|>assistant<|message|>
	total += tokensPerMessage
	return total
}

// ============================================================================
// Character-ratio estimator
// ============================================================================

// Estimator approximates token counts from character counts with an adaptive
// chars-per-token ratio: ~4 for English text, ~1.5 for CJK, linearly
// interpolated by the fraction of CJK codepoints. It never fails.
type Estimator struct{}

const (
	charsPerTokenLatin = 4.0
	charsPerTokenCJK   = 1.5
)

func (Estimator) Count(text string) int {
	if text == "" {
		return 0
	}
	var total, cjk int
	for _, r := range text {
		total++
		if isCJK(r) {
			cjk++
		}
	}
	frac := float64(cjk) / float64(total)
	ratio := charsPerTokenLatin + (charsPerTokenCJK-charsPerTokenLatin)*frac
	return int(math.Ceil(float64(total) / ratio))
}

func (e Estimator) CountMessages(messages []Message) int {
	total := 0
	for _, msg := range messages {
		total += tokensPerMessage
		total += e.Count(msg.Role)
		total += e.Count(msg.Content)
	}
	total += tokensPerMessage
	return total
}

func isCJK(r rune) bool {
	return unicode.Is(unicode.Han, r) ||
		unicode.Is(unicode.Hiragana, r) ||
		unicode.Is(unicode.Katakana, r) ||
		unicode.Is(unicode.Hangul, r)
}

// ============================================================================
// Registry
// ============================================================================

// builtinEncodings maps model id prefixes to tiktoken encoding names.
// Longest prefix wins. Non-OpenAI families are approximated with cl100k_base;
// the estimator is only used for models with no prefix match at all.
var builtinEncodings = map[string]string{
	"gpt-4o":             "o200k_base",
	"gpt-4o-mini":        "o200k_base",
	"gpt-4":              "cl100k_base",
	"gpt-3.5-turbo":      "cl100k_base",
	"text-embedding-ada": "cl100k_base",
	"claude":             "cl100k_base",
	"gemini":             "cl100k_base",
}

// Registry resolves model identifiers to counters.
type Registry struct {
	mu            sync.RWMutex
	overrides     map[string]Counter
	allowFallback bool
}

// Option configures a Registry.
type Option func(*Registry)

// WithoutFallback disables the estimator fallback: resolving an unmapped model
// returns *ErrUnknownModel instead.
func WithoutFallback() Option {
	return func(r *Registry) {
		r.allowFallback = false
	}
}

// NewRegistry creates a registry with the built-in table and estimator
// fallback enabled.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		overrides:     make(map[string]Counter),
		allowFallback: true,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register installs a counter override for an exact model id. Overrides take
// precedence over the built-in table.
func (r *Registry) Register(model string, counter Counter) {
	r.mu.Lock()
	r.overrides[model] = counter
	r.mu.Unlock()
}

// Resolve returns the counter for a model id.
func (r *Registry) Resolve(model string) (Counter, error) {
	r.mu.RLock()
	counter, ok := r.overrides[model]
	r.mu.RUnlock()
	if ok {
		return counter, nil
	}

	if encoding := lookupEncoding(model); encoding != "" {
		counter, err := NewBPECounter(encoding)
		if err == nil {
			return counter, nil
		}
		// Encoding data unavailable (e.g. offline first run); fall through to
		// the estimator rather than failing the request.
	}

	if !r.allowFallback {
		return nil, &ErrUnknownModel{Model: model}
	}
	return Estimator{}, nil
}

// lookupEncoding finds the longest matching prefix in the built-in table.
func lookupEncoding(model string) string {
	best := ""
	encoding := ""
	for prefix, enc := range builtinEncodings {
		if len(model) >= len(prefix) && model[:len(prefix)] == prefix && len(prefix) > len(best) {
			best = prefix
			encoding = enc
		}
	}
	return encoding
}
