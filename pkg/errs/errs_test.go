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

package errs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestError_Fields(t *testing.T) {
	err := New(KindBudgetExceeded, "rigid segments exceed the content budget").
		WithWhy("rigid tier needs %d tokens, budget is %d", 9000, 8000).
		WithHow("raise max_context_tokens or demote segments").
		WithMeta("required", 9000)

	assert.Equal(t, KindBudgetExceeded, err.Kind)
	assert.Equal(t, "rigid segments exceed the content budget", err.What)
	assert.Equal(t, "rigid tier needs 9000 tokens, budget is 8000", err.Why)
	assert.Equal(t, "raise max_context_tokens or demote segments", err.How)
	assert.Equal(t, 9000, err.Meta["required"])
	assert.Contains(t, err.Error(), "budget_exceeded")
	assert.Contains(t, err.Error(), "9000 tokens")
}

func TestWrap_Unwrap(t *testing.T) {
	cause := errors.New("disk full")
	err := Wrap(KindCache, "cache write failed", cause)

	require.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "disk full")
}

func TestKindOf(t *testing.T) {
	t.Run("direct", func(t *testing.T) {
		assert.Equal(t, KindSanitizeReject, KindOf(New(KindSanitizeReject, "nope")))
	})

	t.Run("through fmt wrapping", func(t *testing.T) {
		inner := New(KindCancelled, "request cancelled")
		wrapped := fmt.Errorf("stage failed: %w", inner)
		assert.Equal(t, KindCancelled, KindOf(wrapped))
		assert.True(t, IsKind(wrapped, KindCancelled))
	})

	t.Run("foreign error", func(t *testing.T) {
		assert.Equal(t, Kind(""), KindOf(errors.New("plain")))
		assert.False(t, IsKind(errors.New("plain"), KindConfig))
		assert.False(t, IsKind(nil, KindConfig))
	})
}
