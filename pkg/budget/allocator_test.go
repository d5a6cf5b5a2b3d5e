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

package budget

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/weft/pkg/config"
	"github.com/kadirpekel/weft/pkg/errs"
	"github.com/kadirpekel/weft/pkg/segment"
)

func counted(typ segment.Type, p segment.Priority, tokens int) segment.Segment {
	return segment.New(typ, string(typ), "content").WithPriority(p).WithTokenCount(tokens)
}

func baseConfig() config.BudgetConfig {
	return config.BudgetConfig{
		MaxContextTokens: 1000,
		OutputReserved:   100,
		ThinkingReserved: 100,
		OverflowStrategy: config.OverflowTruncateLowest,
		BidAlpha:         1.0,
		BidBeta:          0.5,
		BidGamma:         0.3,
	}
}

func TestAllocator_ContentBudget(t *testing.T) {
	a := New(baseConfig())
	assert.Equal(t, 800, a.ContentBudget())
}

func TestAllocate_RigidAlwaysBooked(t *testing.T) {
	a := New(baseConfig())

	system := counted(segment.TypeSystem, segment.PriorityCritical, 200)
	user := counted(segment.TypeUser, segment.PriorityMedium, 100)

	res, err := a.Allocate(context.Background(), []segment.Segment{system, user})
	require.NoError(t, err)

	require.Len(t, res.Admissions, 2)
	assert.True(t, res.Admissions[0].Rigid)
	assert.False(t, res.Admissions[1].Rigid)
	assert.Equal(t, 200, res.Allocation.RigidUsed)
	assert.Equal(t, 300, res.Allocation.TotalUsed)
	assert.Empty(t, res.Drops)
	assert.InDelta(t, 300.0/800.0, res.Allocation.SaturationRate, 1e-9)
}

func TestAllocate_RigidTypeConfigOverridesPriority(t *testing.T) {
	cfg := baseConfig()
	cfg.RigidSegmentTypes = []string{"schema"}
	a := New(cfg)

	schema := counted(segment.TypeSchema, segment.PriorityLow, 50)
	res, err := a.Allocate(context.Background(), []segment.Segment{schema})
	require.NoError(t, err)
	require.Len(t, res.Admissions, 1)
	assert.True(t, res.Admissions[0].Rigid)
}

func TestAllocate_RigidOverflow(t *testing.T) {
	t.Run("error strategy", func(t *testing.T) {
		cfg := baseConfig()
		cfg.OverflowStrategy = config.OverflowError
		a := New(cfg)

		big := counted(segment.TypeSystem, segment.PriorityCritical, 900)
		_, err := a.Allocate(context.Background(), []segment.Segment{big})
		require.Error(t, err)
		require.True(t, errs.IsKind(err, errs.KindBudgetExceeded))

		var werr *errs.Error
		require.ErrorAs(t, err, &werr)
		assert.Equal(t, 900, werr.Meta["required_tokens"])
		assert.Equal(t, 800, werr.Meta["budget_tokens"])
		assert.Equal(t, []string{big.ID}, werr.Meta["segment_ids"])
	})

	t.Run("truncate strategy keeps rigid and warns", func(t *testing.T) {
		a := New(baseConfig())

		big := counted(segment.TypeSystem, segment.PriorityCritical, 900)
		user := counted(segment.TypeUser, segment.PriorityMedium, 50)

		res, err := a.Allocate(context.Background(), []segment.Segment{big, user})
		require.NoError(t, err)

		// Rigid is kept even over budget; elastic has nothing left.
		require.Len(t, res.Admissions, 1)
		assert.True(t, res.Admissions[0].Rigid)
		require.Len(t, res.Drops, 1)
		assert.Equal(t, user.ID, res.Drops[0].Segment.ID)
		require.NotEmpty(t, res.Warnings)
		assert.Contains(t, res.Warnings[0], "elastic budget exhausted")
	})
}

func TestAllocate_TokenAccounting(t *testing.T) {
	// Every input lands in exactly one of admissions or drops, and the used
	// total is the sum of admitted token counts.
	a := New(baseConfig())

	segs := []segment.Segment{
		counted(segment.TypeSystem, segment.PriorityCritical, 300),
		counted(segment.TypeUser, segment.PriorityHigh, 200),
		counted(segment.TypeRAG, segment.PriorityMedium, 250),
		counted(segment.TypeRAG, segment.PriorityLow, 400),
	}

	res, err := a.Allocate(context.Background(), segs)
	require.NoError(t, err)

	assert.Equal(t, len(segs), len(res.Admissions)+len(res.Drops))

	sum := 0
	for _, adm := range res.Admissions {
		sum += adm.Segment.TokenCount
	}
	assert.Equal(t, sum, res.Allocation.TotalUsed)
	assert.LessOrEqual(t, res.Allocation.TotalUsed, res.Allocation.ContentBudget)
	assert.Equal(t, len(res.Drops), res.Allocation.OverflowCount)
}

func TestAllocate_PhaseOneQuotas(t *testing.T) {
	cfg := baseConfig()
	cfg.MaxContextTokens = 1200 // content budget 1000
	cfg.ElasticRatios = map[string]float64{"rag": 0.5, "user": 0.2}
	a := New(cfg)

	rag1 := counted(segment.TypeRAG, segment.PriorityHigh, 300)
	rag2 := counted(segment.TypeRAG, segment.PriorityMedium, 300)
	user := counted(segment.TypeUser, segment.PriorityMedium, 150)

	res, err := a.Allocate(context.Background(), []segment.Segment{rag1, rag2, user})
	require.NoError(t, err)

	// rag quota is 500: rag1 fits in phase 1, rag2 overflows into the pool.
	// user quota is 200, user fits. Pool = 1000 - 750 = 250 < 300? No: phase-1
	// used is 300+150, pool is 1000-450=550, rag2 is recycled in.
	require.Len(t, res.Admissions, 3)
	assert.Equal(t, 600, res.Allocation.ElasticUsed[segment.TypeRAG])
	assert.Equal(t, 150, res.Allocation.ElasticUsed[segment.TypeUser])
}

func TestAllocate_PoolRecyclingPrefersHigherBid(t *testing.T) {
	cfg := baseConfig()
	cfg.MaxContextTokens = 700                         // content budget 500
	cfg.ElasticRatios = map[string]float64{"rag": 0.2} // rag quota 100
	a := New(cfg)

	// Neither fits the 100-token quota; the pool (500) takes them in bid
	// order and only one fits.
	highPri := counted(segment.TypeRAG, segment.PriorityHigh, 300)
	lowPri := counted(segment.TypeRAG, segment.PriorityLow, 300)

	res, err := a.Allocate(context.Background(), []segment.Segment{lowPri, highPri})
	require.NoError(t, err)

	require.Len(t, res.Admissions, 1)
	assert.Equal(t, highPri.ID, res.Admissions[0].Segment.ID)
	require.Len(t, res.Drops, 1)
	assert.Equal(t, lowPri.ID, res.Drops[0].Segment.ID)
	assert.Contains(t, res.Drops[0].Detail, "remain in pool")
}

func TestAllocate_TieBreakByInsertionIndex(t *testing.T) {
	cfg := baseConfig()
	cfg.MaxContextTokens = 500 // content budget 300: only one fits
	a := New(cfg)

	first := counted(segment.TypeUser, segment.PriorityMedium, 200)
	second := counted(segment.TypeUser, segment.PriorityMedium, 200)

	res, err := a.Allocate(context.Background(), []segment.Segment{first, second})
	require.NoError(t, err)
	require.Len(t, res.Admissions, 1)
	assert.Equal(t, first.ID, res.Admissions[0].Segment.ID, "equal bids resolve by insertion order")
}

func TestAllocate_AdmissionsPreserveInsertionOrder(t *testing.T) {
	a := New(baseConfig())

	s1 := counted(segment.TypeUser, segment.PriorityLow, 50)
	s2 := counted(segment.TypeSystem, segment.PriorityCritical, 50)
	s3 := counted(segment.TypeRAG, segment.PriorityHigh, 50)

	res, err := a.Allocate(context.Background(), []segment.Segment{s1, s2, s3})
	require.NoError(t, err)
	require.Len(t, res.Admissions, 3)
	assert.Equal(t, []string{s1.ID, s2.ID, s3.ID},
		[]string{res.Admissions[0].Segment.ID, res.Admissions[1].Segment.ID, res.Admissions[2].Segment.ID})
}

func TestAllocate_ScoreBreaksPriorityTie(t *testing.T) {
	cfg := baseConfig()
	cfg.MaxContextTokens = 500 // content budget 300
	a := New(cfg)

	weak := counted(segment.TypeRAG, segment.PriorityMedium, 250)
	weak.Metadata.RetrievalScore = 0.2
	strong := counted(segment.TypeRAG, segment.PriorityMedium, 250)
	strong.Metadata.RetrievalScore = 0.9

	res, err := a.Allocate(context.Background(), []segment.Segment{weak, strong})
	require.NoError(t, err)
	require.Len(t, res.Admissions, 1)
	assert.Equal(t, strong.ID, res.Admissions[0].Segment.ID)
}

func TestAllocate_MinElasticWarning(t *testing.T) {
	cfg := baseConfig()
	cfg.MinElasticTokens = 700
	a := New(cfg)

	rigid := counted(segment.TypeSystem, segment.PriorityCritical, 400)
	res, err := a.Allocate(context.Background(), []segment.Segment{rigid})
	require.NoError(t, err)
	require.NotEmpty(t, res.Warnings)
	assert.Contains(t, res.Warnings[0], "min_elastic_tokens")
}

func TestAllocate_Cancellation(t *testing.T) {
	a := New(baseConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := a.Allocate(ctx, []segment.Segment{counted(segment.TypeUser, segment.PriorityMedium, 10)})
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindCancelled))
}

func TestResult_Kept(t *testing.T) {
	a := New(baseConfig())
	s := counted(segment.TypeUser, segment.PriorityMedium, 10)

	res, err := a.Allocate(context.Background(), []segment.Segment{s})
	require.NoError(t, err)
	kept := res.Kept()
	require.Len(t, kept, 1)
	assert.Equal(t, s.ID, kept[0].ID)
}
