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

package snapshot

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/weft/pkg/segment"
)

func testPackage(requestID, model string, segments ...segment.Segment) *segment.ContextPackage {
	return &segment.ContextPackage{
		RequestID:  requestID,
		Model:      model,
		Segments:   segments,
		TokenUsage: segment.ComputeUsage(segments),
		CreatedAt:  time.Now().UTC(),
	}
}

func TestStore_SaveAndLoad(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	s := segment.New(segment.TypeUser, "user", "question").WithTokenCount(5)
	pkg := testPackage("req-1", "gpt-4o", s)

	id, err := store.Save(pkg)
	require.NoError(t, err)
	assert.Equal(t, "req-1", id)

	t.Run("load by id", func(t *testing.T) {
		loaded, err := store.Load("req-1")
		require.NoError(t, err)
		assert.Equal(t, pkg.RequestID, loaded.RequestID)
		assert.Equal(t, pkg.Model, loaded.Model)
		require.Len(t, loaded.Segments, 1)
		assert.Equal(t, s.ID, loaded.Segments[0].ID)
		assert.Equal(t, 5, loaded.Segments[0].TokenCount)
	})

	t.Run("load by path", func(t *testing.T) {
		loaded, err := store.Load(filepath.Join(store.Dir(), "req-1.json"))
		require.NoError(t, err)
		assert.Equal(t, "req-1", loaded.RequestID)
	})

	t.Run("unknown id errors", func(t *testing.T) {
		_, err := store.Load("nope")
		assert.Error(t, err)
	})
}

func TestStore_ListNewestFirst(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	old := testPackage("old", "gpt-4o")
	old.CreatedAt = time.Now().Add(-time.Hour)
	recent := testPackage("recent", "gpt-4o")

	_, err = store.Save(old)
	require.NoError(t, err)
	_, err = store.Save(recent)
	require.NoError(t, err)

	infos, err := store.List()
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.Equal(t, "recent", infos[0].ID)
	assert.Equal(t, "old", infos[1].ID)
	assert.NotEmpty(t, infos[0].Path)
}

func TestCompare(t *testing.T) {
	stable := segment.New(segment.TypeSystem, "system", "rules").WithTokenCount(100)
	dropped := segment.New(segment.TypeRAG, "user", "stale chunk").WithTokenCount(200)
	grown := segment.New(segment.TypeUser, "user", "question").WithTokenCount(50)

	from := testPackage("before", "gpt-4o", stable, dropped, grown)
	added := segment.New(segment.TypeRAG, "user", "fresh chunk").WithTokenCount(80)
	to := testPackage("after", "gpt-4o", stable, grown.WithTokenCount(70), added)

	d := Compare(from, to)
	assert.Equal(t, "before", d.FromID)
	assert.Equal(t, "after", d.ToID)
	assert.Equal(t, []string{added.ID}, d.Added)
	assert.Equal(t, []string{dropped.ID}, d.Removed)
	require.Len(t, d.Changed, 1)
	assert.Equal(t, grown.ID, d.Changed[0].ID)
	assert.Equal(t, 50, d.Changed[0].FromTokens)
	assert.Equal(t, 70, d.Changed[0].ToTokens)
	assert.False(t, d.Changed[0].Compressed)
	assert.Equal(t, -100, d.TokenDelta)
	assert.Empty(t, d.ModelChange)
}

func TestCompare_CompressionDescendantIsAChange(t *testing.T) {
	original := segment.New(segment.TypeRAG, "user", "long chunk").WithTokenCount(400)
	from := testPackage("before", "gpt-4o", original)

	compressed := segment.New(segment.TypeRAG, "user", "short chunk").
		WithTokenCount(100).
		WithProvenance(segment.Provenance{
			SourceType:       segment.SourceCompression,
			ParentSegmentIDs: []string{original.ID},
		})
	to := testPackage("after", "gpt-4o", compressed)

	d := Compare(from, to)
	assert.Empty(t, d.Added)
	assert.Empty(t, d.Removed)
	require.Len(t, d.Changed, 1)
	assert.Equal(t, original.ID, d.Changed[0].ID)
	assert.Equal(t, 400, d.Changed[0].FromTokens)
	assert.Equal(t, 100, d.Changed[0].ToTokens)
	assert.True(t, d.Changed[0].Compressed)
}

func TestCompare_ModelChange(t *testing.T) {
	from := testPackage("before", "gpt-4o-mini")
	to := testPackage("after", "o1")

	d := Compare(from, to)
	assert.Equal(t, "gpt-4o-mini -> o1", d.ModelChange)
}
