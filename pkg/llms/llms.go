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

// Package llms defines the narrow interface the engine needs from an LLM.
//
// Concrete providers live outside this module; the engine only ever issues
// single-shot generation calls (abstractive summarization, injection
// classification, routing classification) and must keep working when no
// provider is wired in.
package llms

import "context"

// Message is a role/content pair.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Generator issues a single completion. Implementations must honour the
// context deadline and return its error on timeout.
type Generator interface {
	Generate(ctx context.Context, prompt string, maxTokens int) (string, error)
}

// GeneratorFunc adapts a function to the Generator interface.
type GeneratorFunc func(ctx context.Context, prompt string, maxTokens int) (string, error)

func (f GeneratorFunc) Generate(ctx context.Context, prompt string, maxTokens int) (string, error) {
	return f(ctx, prompt, maxTokens)
}
