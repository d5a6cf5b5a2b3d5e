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

package segment

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_Defaults(t *testing.T) {
	s := New(TypeUser, "user", "hello")

	require.NotEmpty(t, s.ID)
	assert.Equal(t, TypeUser, s.Type)
	assert.Equal(t, TokenCountUnset, s.TokenCount)
	assert.False(t, s.Counted())
	assert.Equal(t, PriorityMedium, s.Priority)
	assert.True(t, s.Flags.Compressible)
	assert.False(t, s.Metadata.Timestamp.IsZero())

	// Two segments never share an id.
	s2 := New(TypeUser, "user", "hello")
	assert.NotEqual(t, s.ID, s2.ID)
}

func TestDefaultPriority(t *testing.T) {
	assert.Equal(t, PriorityCritical, DefaultPriority(TypeSystem))
	assert.Equal(t, PriorityCritical, DefaultPriority(TypeSchema))
	assert.Equal(t, PriorityCritical, DefaultPriority(TypeToolDefinition))
	assert.Equal(t, PriorityMedium, DefaultPriority(TypeRAG))
	assert.Equal(t, PriorityMedium, DefaultPriority(TypeUser))
}

func TestNew_SystemNotCompressible(t *testing.T) {
	for _, typ := range []Type{TypeSystem, TypeSchema, TypeToolDefinition} {
		s := New(typ, "system", "rules")
		assert.False(t, s.Flags.Compressible, "type %s", typ)
	}
}

func TestPriority_Rank(t *testing.T) {
	assert.Equal(t, 3, PriorityCritical.Rank())
	assert.Equal(t, 2, PriorityHigh.Rank())
	assert.Equal(t, 1, PriorityMedium.Rank())
	assert.Equal(t, 0, PriorityLow.Rank())
	assert.Equal(t, 0, Priority("bogus").Rank())
}

func TestPriority_Valid(t *testing.T) {
	assert.True(t, PriorityHigh.Valid())
	assert.False(t, Priority("urgent").Valid())
	assert.False(t, Priority("").Valid())
}

func TestSegment_Rigid(t *testing.T) {
	rigid := map[Type]bool{TypeSchema: true}

	critical := New(TypeUser, "user", "x").WithPriority(PriorityCritical)
	assert.True(t, critical.Rigid(rigid))

	schema := New(TypeSchema, "system", "{}").WithPriority(PriorityLow)
	assert.True(t, schema.Rigid(rigid))

	user := New(TypeUser, "user", "x").WithPriority(PriorityHigh)
	assert.False(t, user.Rigid(rigid))
}

func TestSegment_WithContent_ResetsTokenCount(t *testing.T) {
	s := New(TypeUser, "user", "hello").WithTokenCount(5)
	require.True(t, s.Counted())

	edited := s.WithContent("hello world")
	assert.Equal(t, "hello world", edited.Content)
	assert.False(t, edited.Counted())

	// The receiver is untouched.
	assert.Equal(t, "hello", s.Content)
	assert.Equal(t, 5, s.TokenCount)
}

func TestSegment_WithProvenance_ClonesParents(t *testing.T) {
	parents := []string{"a", "b"}
	s := New(TypeSummary, "assistant", "sum").WithProvenance(Provenance{
		SourceType:       SourceCompression,
		ParentSegmentIDs: parents,
	})

	parents[0] = "mutated"
	assert.Equal(t, "a", s.Provenance.ParentSegmentIDs[0])
}

func TestSegment_WithCustom_CopyOnWrite(t *testing.T) {
	base := New(TypeUser, "user", "x").WithCustom("k", 1)
	derived := base.WithCustom("k", 2)

	assert.Equal(t, 1, base.Metadata.Custom["k"])
	assert.Equal(t, 2, derived.Metadata.Custom["k"])
}

func TestSegment_VisibleTo(t *testing.T) {
	t.Run("own namespace", func(t *testing.T) {
		s := New(TypeUser, "user", "x").WithNamespace("researcher")
		assert.True(t, s.VisibleTo("researcher"))
		assert.False(t, s.VisibleTo("writer"))
	})

	t.Run("default namespace is visible to everyone", func(t *testing.T) {
		s := New(TypeUser, "user", "x").WithNamespace(DefaultNamespace)
		assert.True(t, s.VisibleTo("writer"))
	})

	t.Run("empty namespace behaves as default", func(t *testing.T) {
		s := New(TypeUser, "user", "x")
		assert.True(t, s.VisibleTo("anyone"))
	})

	t.Run("explicit visibility grant", func(t *testing.T) {
		s := New(TypeUser, "user", "x").
			WithNamespace("researcher").
			WithFlags(ControlFlags{Visibility: []string{"writer"}})
		assert.True(t, s.VisibleTo("writer"))
		assert.False(t, s.VisibleTo("editor"))
	})
}

func TestSegment_Expired(t *testing.T) {
	now := time.Now().UTC()

	fresh := New(TypeState, "system", "x")
	fresh.Metadata.TTLSeconds = 60
	fresh.Metadata.Timestamp = now.Add(-30 * time.Second)
	assert.False(t, fresh.Expired(now))

	stale := fresh
	stale.Metadata.Timestamp = now.Add(-120 * time.Second)
	assert.True(t, stale.Expired(now))

	noTTL := New(TypeState, "system", "x")
	noTTL.Metadata.TTLSeconds = 0
	assert.False(t, noTTL.Expired(now.Add(time.Hour)))
}
