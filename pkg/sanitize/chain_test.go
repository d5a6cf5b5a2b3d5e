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
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/weft/pkg/config"
)

// recordingSanitizer tracks whether it ran, for short-circuit assertions.
type recordingSanitizer struct {
	name   string
	pass   bool
	called bool
	err    error
}

func (r *recordingSanitizer) Name() string { return r.name }

func (r *recordingSanitizer) Sanitize(ctx context.Context, content string) (Result, error) {
	r.called = true
	if r.err != nil {
		return Result{}, r.err
	}
	return Result{Content: content + "|" + r.name, Passed: r.pass}, nil
}

func TestChain_SequentialComposition(t *testing.T) {
	a := &recordingSanitizer{name: "a", pass: true}
	b := &recordingSanitizer{name: "b", pass: true}
	chain := NewChain(a, b)

	res, err := chain.Run(context.Background(), "x")
	require.NoError(t, err)
	assert.True(t, res.Passed)
	// Each sanitizer sees the previous one's output.
	assert.Equal(t, "x|a|b", res.Content)
}

func TestChain_ShortCircuitOnReject(t *testing.T) {
	a := &recordingSanitizer{name: "a", pass: false}
	b := &recordingSanitizer{name: "b", pass: true}
	chain := NewChain(a, b)

	res, err := chain.Run(context.Background(), "x")
	require.NoError(t, err)
	assert.False(t, res.Passed)
	assert.Equal(t, "a", res.FailedAt)
	assert.False(t, b.called, "later sanitizers never run after a rejection")
}

func TestChain_SanitizerErrorIsInfrastructural(t *testing.T) {
	boom := errors.New("boom")
	a := &recordingSanitizer{name: "a", err: boom}
	chain := NewChain(a, &recordingSanitizer{name: "b", pass: true})

	_, err := chain.Run(context.Background(), "x")
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "sanitizer a")
}

func TestChain_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	chain := NewChain(&recordingSanitizer{name: "a", pass: true})
	_, err := chain.Run(ctx, "x")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFromConfig_StandardOrder(t *testing.T) {
	chain := FromConfig(config.SanitizeConfig{InjectionLevel: "standard"}, nil)

	var names []string
	for _, s := range chain.Sanitizers() {
		names = append(names, s.Name())
	}
	assert.Equal(t, []string{
		"unicode_normalizer",
		"length_guard",
		"html_stripper",
		"pii_redactor",
		"injection_detector",
	}, names)
}

func TestChainResult_Warning(t *testing.T) {
	res := ChainResult{Warnings: []string{"one", "two"}}
	assert.Equal(t, "one; two", res.Warning())
	assert.Equal(t, "", ChainResult{}.Warning())
}
