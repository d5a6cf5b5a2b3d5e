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

package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/kadirpekel/weft/pkg/audit"
	"github.com/kadirpekel/weft/pkg/budget"
	"github.com/kadirpekel/weft/pkg/cache"
	"github.com/kadirpekel/weft/pkg/compress"
	"github.com/kadirpekel/weft/pkg/config"
	"github.com/kadirpekel/weft/pkg/errs"
	"github.com/kadirpekel/weft/pkg/rerank"
	"github.com/kadirpekel/weft/pkg/sanitize"
	"github.com/kadirpekel/weft/pkg/segment"
)

// Canonical stage names, in pipeline order.
const (
	StageNormalize = "normalize"
	StageSanitize  = "sanitize"
	StageRerank    = "rerank"
	StageAllocate  = "allocate"
	StageCompress  = "compress"
	StageAssemble  = "assemble"
)

// ============================================================================
// Normalize
// ============================================================================

// NormalizeStage applies Unicode NFC plus control-character stripping,
// populates token counts and stamps the default namespace. Segments empty
// after normalization are dropped.
type NormalizeStage struct {
	normalizer *sanitize.UnicodeNormalizer
}

func NewNormalizeStage() *NormalizeStage {
	return &NormalizeStage{normalizer: sanitize.NewUnicodeNormalizer()}
}

func (*NormalizeStage) Name() string { return StageNormalize }

func (st *NormalizeStage) Process(ctx context.Context, segments []segment.Segment, pc *Context) ([]segment.Segment, error) {
	var out []segment.Segment
	for _, s := range segments {
		res, err := st.normalizer.Sanitize(ctx, s.Content)
		if err != nil {
			return nil, err
		}

		normalized := s
		if res.Content != s.Content {
			normalized = s.WithContent(res.Content)
			pc.Audit.Record(audit.Entry{
				SegmentID:     s.ID,
				Decision:      audit.DecisionSanitize,
				ReasonCode:    audit.ReasonSanitizeUnicodeNormalized,
				PipelineStage: StageNormalize,
				Metadata:      res.Metadata,
			})
		}
		if normalized.Content == "" {
			pc.Audit.Record(audit.Entry{
				SegmentID:     s.ID,
				Decision:      audit.DecisionDrop,
				ReasonCode:    audit.ReasonSelectLowRelevance,
				ReasonDetail:  "empty after normalization",
				PipelineStage: StageNormalize,
				TokenImpact:   -maxInt(normalized.TokenCount, 0),
			})
			continue
		}

		if !normalized.Counted() {
			normalized = normalized.WithTokenCount(pc.Counter.Count(normalized.Content))
		}
		if normalized.Metadata.Namespace == "" {
			normalized = normalized.WithNamespace(segment.DefaultNamespace)
		}
		if !normalized.Priority.Valid() {
			normalized = normalized.WithPriority(segment.DefaultPriority(normalized.Type))
		}
		out = append(out, normalized)
	}
	return out, nil
}

// ============================================================================
// Sanitize
// ============================================================================

// SanitizeStage runs the chain over each segment. A failed verdict follows
// the on_injection policy: drop with a warning (default), reject the whole
// request, or log and keep. Transformed content produces a replacement
// segment with a fresh token count. With a cache attached, prior verdicts
// for identical (content, model) pairs skip the chain entirely.
type SanitizeStage struct {
	chain *sanitize.Chain
	cfg   config.SanitizeConfig
	cache *cache.Manager
}

func NewSanitizeStage(chain *sanitize.Chain, cfg config.SanitizeConfig) *SanitizeStage {
	return &SanitizeStage{chain: chain, cfg: cfg}
}

// WithCache enables the segment verdict cache.
func (st *SanitizeStage) WithCache(m *cache.Manager) *SanitizeStage {
	st.cache = m
	return st
}

func (*SanitizeStage) Name() string { return StageSanitize }

func (st *SanitizeStage) Process(ctx context.Context, segments []segment.Segment, pc *Context) ([]segment.Segment, error) {
	var out []segment.Segment
	for _, s := range segments {
		res, err := st.run(ctx, s.Content, pc.Model)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, errs.Wrap(errs.KindCancelled, "sanitize cancelled", ctxErr)
			}
			// Infrastructure failure inside a sanitizer: the segment is not
			// provably safe, so it is dropped rather than passed through.
			pc.Audit.Record(audit.Entry{
				SegmentID:     s.ID,
				Decision:      audit.DecisionDrop,
				ReasonCode:    audit.ReasonSanitizeFailed,
				ReasonDetail:  err.Error(),
				PipelineStage: StageSanitize,
				TokenImpact:   -s.TokenCount,
			})
			pc.Warn(fmt.Sprintf("sanitizer failed on segment %s: %v", s.ID, err))
			continue
		}

		if !res.Passed {
			switch st.cfg.OnInjection {
			case config.OnInjectionError:
				return nil, errs.New(errs.KindSanitizeReject, "injection detected").
					WithWhy("sanitizer %s rejected segment %s: %s", res.FailedAt, s.ID, res.Warning()).
					WithHow("remove the flagged content, or set sanitize.on_injection to warn_and_remove").
					WithMeta("segment_id", s.ID).
					WithMeta("metadata", res.Metadata)
			case config.OnInjectionLogOnly:
				pc.Audit.Record(audit.Entry{
					SegmentID:     s.ID,
					Decision:      audit.DecisionSanitize,
					ReasonCode:    audit.ReasonSanitizeInjectionDetected,
					ReasonDetail:  res.Warning(),
					PipelineStage: StageSanitize,
					Metadata:      res.Metadata,
				})
				pc.Warn(res.Warning())
				out = append(out, s)
			default: // warn_and_remove
				pc.Audit.Record(audit.Entry{
					SegmentID:     s.ID,
					Decision:      audit.DecisionDrop,
					ReasonCode:    audit.ReasonSanitizeInjectionDetected,
					ReasonDetail:  res.Warning(),
					PipelineStage: StageSanitize,
					TokenImpact:   -s.TokenCount,
					Metadata:      res.Metadata,
				})
				pc.Warn(res.Warning())
			}
			continue
		}

		clean := s
		if res.Content != s.Content {
			clean = s.WithContent(res.Content).WithTokenCount(pc.Counter.Count(res.Content))
			st.recordTransforms(pc, s, res)
		}
		if res.Warning() != "" {
			pc.Warn(res.Warning())
		}
		out = append(out, clean)
	}
	return out, nil
}

// run sanitizes one content blob, consulting the verdict cache first.
func (st *SanitizeStage) run(ctx context.Context, content, model string) (sanitize.ChainResult, error) {
	if st.cache == nil {
		return st.chain.Run(ctx, content)
	}

	key := cache.SegmentKey(content, model)
	if data, hit, _ := st.cache.Get(ctx, key); hit {
		var cached sanitize.ChainResult
		if err := json.Unmarshal(data, &cached); err == nil {
			return cached, nil
		}
	}

	res, err := st.chain.Run(ctx, content)
	if err != nil {
		return res, err
	}
	if data, err := json.Marshal(res); err == nil {
		st.cache.Set(ctx, key, data)
	}
	return res, nil
}

// recordTransforms writes one audit entry per transforming sanitizer, judged
// by the merged metadata.
func (st *SanitizeStage) recordTransforms(pc *Context, s segment.Segment, res sanitize.ChainResult) {
	if _, ok := res.Metadata["html_stripped"]; ok {
		pc.Audit.Record(audit.Entry{
			SegmentID:     s.ID,
			Decision:      audit.DecisionSanitize,
			ReasonCode:    audit.ReasonSanitizeHTMLStripped,
			PipelineStage: StageSanitize,
		})
	}
	if n, ok := res.Metadata["pii_redactions"]; ok {
		pc.Audit.Record(audit.Entry{
			SegmentID:     s.ID,
			Decision:      audit.DecisionRedact,
			ReasonCode:    audit.ReasonSanitizePIIRedacted,
			ReasonDetail:  fmt.Sprintf("%v redaction(s)", n),
			PipelineStage: StageSanitize,
			Metadata:      res.Metadata,
		})
	}
	if _, ok := res.Metadata["unicode_removed"]; ok {
		pc.Audit.Record(audit.Entry{
			SegmentID:     s.ID,
			Decision:      audit.DecisionSanitize,
			ReasonCode:    audit.ReasonSanitizeUnicodeNormalized,
			PipelineStage: StageSanitize,
		})
	}
}

// ============================================================================
// Rerank
// ============================================================================

// RerankStage orders segments for the allocator and prunes duplicates.
type RerankStage struct {
	reranker *rerank.Reranker
}

func NewRerankStage(cfg config.RerankConfig) *RerankStage {
	return &RerankStage{reranker: rerank.New(cfg)}
}

func (*RerankStage) Name() string { return StageRerank }

func (st *RerankStage) Process(ctx context.Context, segments []segment.Segment, pc *Context) ([]segment.Segment, error) {
	kept, drops := st.reranker.Rerank(segments, time.Now())
	for _, d := range drops {
		entry := audit.Entry{
			SegmentID:     d.Segment.ID,
			Decision:      audit.DecisionDrop,
			ReasonCode:    d.Reason,
			ReasonDetail:  d.Detail,
			PipelineStage: StageRerank,
			TokenImpact:   -d.Segment.TokenCount,
		}
		if d.SurvivorID != "" {
			entry.Metadata = map[string]any{"survivor_id": d.SurvivorID}
		}
		pc.Audit.Record(entry)
	}
	return kept, nil
}

// ============================================================================
// Allocate
// ============================================================================

// AllocateStage runs the three-tier budget allocator and records one decision
// per segment.
type AllocateStage struct {
	allocator *budget.Allocator
}

func NewAllocateStage(cfg config.BudgetConfig) *AllocateStage {
	return &AllocateStage{allocator: budget.New(cfg)}
}

func (*AllocateStage) Name() string { return StageAllocate }

func (st *AllocateStage) Process(ctx context.Context, segments []segment.Segment, pc *Context) ([]segment.Segment, error) {
	res, err := st.allocator.Allocate(ctx, segments)
	if err != nil {
		return nil, err
	}

	for _, adm := range res.Admissions {
		reason := audit.ReasonElasticAllocated
		detail := fmt.Sprintf("bid %.3f", adm.Bid)
		if adm.Rigid {
			reason = audit.ReasonRigidGuaranteed
			detail = ""
		}
		pc.Audit.Record(audit.Entry{
			SegmentID:     adm.Segment.ID,
			Decision:      audit.DecisionKeep,
			ReasonCode:    reason,
			ReasonDetail:  detail,
			PipelineStage: StageAllocate,
			TokenImpact:   adm.Segment.TokenCount,
		})
	}
	for _, d := range res.Drops {
		pc.Audit.Record(audit.Entry{
			SegmentID:     d.Segment.ID,
			Decision:      audit.DecisionDrop,
			ReasonCode:    audit.ReasonBudgetExceeded,
			ReasonDetail:  d.Detail,
			PipelineStage: StageAllocate,
			TokenImpact:   -d.Segment.TokenCount,
		})
	}
	for _, w := range res.Warnings {
		pc.Warn(w)
	}
	alloc := res.Allocation
	pc.Allocation = &alloc
	return res.Kept(), nil
}

// ============================================================================
// Compress
// ============================================================================

// CompressStage reclaims budget when the kept set saturates past the trigger.
type CompressStage struct {
	engine  *compress.Engine
	cfg     config.CompressConfig
	trigger float64
}

func NewCompressStage(engine *compress.Engine, cfg config.CompressConfig, budgetCfg config.BudgetConfig) *CompressStage {
	trigger := cfg.SaturationTrigger
	if trigger == 0 {
		trigger = budgetCfg.SaturationThreshold
	}
	return &CompressStage{engine: engine, cfg: cfg, trigger: trigger}
}

func (*CompressStage) Name() string { return StageCompress }

func (st *CompressStage) Process(ctx context.Context, segments []segment.Segment, pc *Context) ([]segment.Segment, error) {
	if !config.Bool(st.cfg.Enabled, true) || pc.Allocation == nil {
		return segments, nil
	}
	if pc.Allocation.SaturationRate <= st.trigger {
		return segments, nil
	}

	// Shrink past the trigger line, not just under the hard budget, so a
	// saturated set comes out with headroom instead of sitting at the rim.
	target := int(st.trigger * float64(pc.Allocation.ContentBudget))
	if target <= 0 || target > pc.Allocation.ContentBudget {
		target = pc.Allocation.ContentBudget
	}

	res, err := st.engine.Compress(ctx, segments, target, pc.Allocation.ContentBudget, pc.Counter)
	if err != nil {
		return nil, err
	}

	for _, d := range res.Drops {
		pc.Audit.Record(audit.Entry{
			SegmentID:     d.Segment.ID,
			Decision:      audit.DecisionDrop,
			ReasonCode:    audit.ReasonSelectDeduplicated,
			ReasonDetail:  d.Detail,
			PipelineStage: StageCompress,
			TokenImpact:   -d.Segment.TokenCount,
			Metadata:      map[string]any{"survivor_id": d.SurvivorID},
		})
	}
	for _, a := range res.Actions {
		pc.Audit.Record(audit.Entry{
			SegmentID:     a.Original.ID,
			Decision:      audit.DecisionCompress,
			ReasonCode:    audit.ReasonCompressWindowSaturation,
			ReasonDetail:  fmt.Sprintf("%s saved %d tokens", a.Method, a.SavedTokens),
			PipelineStage: StageCompress,
			TokenImpact:   -a.SavedTokens,
			Metadata:      map[string]any{"replacement_id": a.Replacement.ID},
		})
	}
	for _, w := range res.Warnings {
		pc.Warn(w)
	}

	// Allocation reflects the final kept set.
	total := 0
	for _, s := range res.Segments {
		total += s.TokenCount
	}
	pc.Allocation.TotalUsed = total
	if pc.Allocation.ContentBudget > 0 {
		pc.Allocation.SaturationRate = float64(total) / float64(pc.Allocation.ContentBudget)
	}
	return res.Segments, nil
}

// ============================================================================
// Assemble
// ============================================================================

// AssembleStage fixes the final segment order by role-type rank, keeping the
// incoming order within a rank so dialogue turns and scored retrieval chunks
// each stay in their own preference order. Segments flagged lock_position are
// pinned at the index they arrived with.
type AssembleStage struct{}

func NewAssembleStage() *AssembleStage { return &AssembleStage{} }

func (*AssembleStage) Name() string { return StageAssemble }

// assembleRank orders types the way a prompt is laid out: instructions and
// declarations first, then state, then the dialogue, with retrieval
// fragments trailing the conversation they support.
func assembleRank(t segment.Type) int {
	switch t {
	case segment.TypeSystem, segment.TypeSchema:
		return 0
	case segment.TypeToolDefinition:
		return 1
	case segment.TypeFewShot:
		return 2
	case segment.TypeState:
		return 3
	case segment.TypeSummary:
		return 4
	case segment.TypeRAG:
		return 6
	default:
		return 5
	}
}

func (*AssembleStage) Process(ctx context.Context, segments []segment.Segment, pc *Context) ([]segment.Segment, error) {
	type pin struct {
		idx int
		seg segment.Segment
	}
	var pins []pin
	free := make([]segment.Segment, 0, len(segments))
	for i, s := range segments {
		if s.Flags.LockPosition {
			pins = append(pins, pin{i, s})
			continue
		}
		free = append(free, s)
	}

	sort.SliceStable(free, func(i, j int) bool {
		return assembleRank(free[i].Type) < assembleRank(free[j].Type)
	})
	if len(pins) == 0 {
		return free, nil
	}

	out := make([]segment.Segment, 0, len(segments))
	fi := 0
	for i := range segments {
		if len(pins) > 0 && pins[0].idx == i {
			out = append(out, pins[0].seg)
			pins = pins[1:]
			continue
		}
		out = append(out, free[fi])
		fi++
	}
	return out, nil
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
