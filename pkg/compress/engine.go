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

// Package compress reclaims budget from an already-allocated segment set.
// It runs only under saturation pressure and works tier by tier: dedup
// first, then low, medium and finally high priority segments, stopping as
// soon as the set fits the budget again.
package compress

import (
	"context"
	"fmt"

	"github.com/kadirpekel/weft/pkg/config"
	"github.com/kadirpekel/weft/pkg/errs"
	"github.com/kadirpekel/weft/pkg/rerank"
	"github.com/kadirpekel/weft/pkg/segment"
	"github.com/kadirpekel/weft/pkg/tokenizer"
)

// Action records one replacement made by the engine.
type Action struct {
	Original    segment.Segment
	Replacement segment.Segment
	Method      string
	SavedTokens int
}

// Drop records a segment removed entirely by the dedup pass.
type Drop struct {
	Segment    segment.Segment
	Detail     string
	SurvivorID string
}

// Result is the engine outcome over one segment set.
type Result struct {
	Segments []segment.Segment
	Actions  []Action
	Drops    []Drop
	Warnings []string
	Saved    int
}

// Engine applies the tiered compression strategy.
type Engine struct {
	cfg        config.CompressConfig
	compressor Compressor
	simThresh  float64
}

// NewEngine builds an engine around the configured default compressor. The
// generator may be nil; summary then degrades to truncation.
func NewEngine(cfg config.CompressConfig, rerankCfg config.RerankConfig, compressor Compressor) *Engine {
	if compressor == nil {
		compressor = NewTruncationCompressor(cfg.TruncationMode, cfg.HeadRatio)
	}
	return &Engine{
		cfg:        cfg,
		compressor: compressor,
		simThresh:  rerankCfg.SimilarityThreshold,
	}
}

// compressible reports whether the engine may touch a segment at all.
func (e *Engine) compressible(s segment.Segment) bool {
	if s.Priority == segment.PriorityCritical {
		return false
	}
	if config.Bool(e.cfg.PreserveMustKeep, true) && s.Flags.MustKeep {
		return false
	}
	if !s.Flags.Compressible {
		return false
	}
	return s.TokenCount >= e.cfg.MinSegmentTokens
}

// Compress shrinks the set toward targetBudget, which callers derive from
// the saturation trigger so a pass leaves headroom under hardBudget, the
// ceiling the set must actually fit. Tier order is dedup, then low, medium,
// high priority. Missing the target after every tier only warns; still
// overrunning hardBudget is a compression error.
func (e *Engine) Compress(ctx context.Context, segments []segment.Segment, targetBudget, hardBudget int, counter tokenizer.Counter) (*Result, error) {
	if hardBudget < targetBudget {
		hardBudget = targetBudget
	}
	res := &Result{Segments: append([]segment.Segment(nil), segments...)}

	over := func() int { return totalTokens(res.Segments) - targetBudget }
	if over() <= 0 {
		return res, nil
	}

	e.dedupPass(res)
	if over() <= 0 {
		return res, nil
	}

	tiers := []segment.Priority{segment.PriorityLow, segment.PriorityMedium, segment.PriorityHigh}
	for _, tier := range tiers {
		if err := ctx.Err(); err != nil {
			return nil, errs.Wrap(errs.KindCancelled, "compression cancelled", err)
		}
		if err := e.compressTier(ctx, res, tier, over(), counter); err != nil {
			return nil, err
		}
		if over() <= 0 {
			if tier == segment.PriorityHigh {
				res.Warnings = append(res.Warnings, "high priority segments were compressed to fit the budget")
			}
			return res, nil
		}
	}

	if gap := totalTokens(res.Segments) - hardBudget; gap > 0 {
		return nil, errs.New(errs.KindCompression, "compression exhausted all tiers").
			WithWhy("the segment set still exceeds the content budget by %d tokens after dedup and low/medium/high compression", gap).
			WithHow("raise max_context_tokens, lower min_segment_tokens, or drop low value inputs before assembly").
			WithMeta("gap_tokens", gap).
			WithMeta("budget_tokens", hardBudget)
	}
	res.Warnings = append(res.Warnings,
		fmt.Sprintf("compression stopped %d tokens above the saturation target", over()))
	return res, nil
}

// dedupPass removes near-duplicate compressible segments. The survivor is the
// higher priority, then higher score, segment of each pair.
func (e *Engine) dedupPass(res *Result) {
	if e.simThresh <= 0 || e.simThresh > 1 {
		return
	}
	shingles := make([]map[string]struct{}, len(res.Segments))
	for i, s := range res.Segments {
		if e.compressible(s) {
			shingles[i] = rerank.Shingles(s.Content)
		}
	}

	removed := make([]bool, len(res.Segments))
	for i := range res.Segments {
		if removed[i] || shingles[i] == nil {
			continue
		}
		for j := i + 1; j < len(res.Segments); j++ {
			if removed[j] || shingles[j] == nil {
				continue
			}
			sim := rerank.Jaccard(shingles[i], shingles[j])
			if sim < e.simThresh {
				continue
			}
			winner, loser := i, j
			if outranked(res.Segments[i], res.Segments[j]) {
				winner, loser = j, i
			}
			removed[loser] = true
			res.Saved += res.Segments[loser].TokenCount
			res.Drops = append(res.Drops, Drop{
				Segment:    res.Segments[loser],
				Detail:     fmt.Sprintf("jaccard %.2f with %s", sim, res.Segments[winner].ID),
				SurvivorID: res.Segments[winner].ID,
			})
			if removed[i] {
				break
			}
		}
	}

	var kept []segment.Segment
	for i, s := range res.Segments {
		if !removed[i] {
			kept = append(kept, s)
		}
	}
	res.Segments = kept
}

// outranked reports whether a loses the dedup survivor contest against b.
func outranked(a, b segment.Segment) bool {
	if ra, rb := a.Priority.Rank(), b.Priority.Rank(); ra != rb {
		return ra < rb
	}
	return scoreOf(a) < scoreOf(b)
}

func scoreOf(s segment.Segment) float64 {
	if s.Metadata.RetrievalScore != 0 {
		return s.Metadata.RetrievalScore
	}
	return s.Provenance.RetrievalScore
}

// compressTier squeezes one priority tier proportionally toward the gap.
// Every touched segment is replaced in place; the floor per segment is
// min_segment_tokens.
func (e *Engine) compressTier(ctx context.Context, res *Result, tier segment.Priority, gap int, counter tokenizer.Counter) error {
	if gap <= 0 {
		return nil
	}

	var indexes []int
	tierTokens := 0
	byID := make(map[string]segment.Segment, len(res.Segments))
	for i, s := range res.Segments {
		byID[s.ID] = s
		if s.Priority == tier && e.compressible(s) {
			indexes = append(indexes, i)
			tierTokens += s.TokenCount
		}
	}
	if tierTokens == 0 {
		return nil
	}

	floor := e.cfg.MinSegmentTokens
	for _, i := range indexes {
		if err := ctx.Err(); err != nil {
			return errs.Wrap(errs.KindCancelled, "compression cancelled", err)
		}
		orig := res.Segments[i]

		// A segment among its own transitive ancestors would make the
		// provenance graph cyclic; refuse to derive from it.
		if inAncestry(orig.ID, orig, byID) {
			return errs.New(errs.KindCompression, "cyclic provenance detected").
				WithWhy("segment %s appears in its own ancestor chain", orig.ID).
				WithHow("check the producer that built this segment's provenance").
				WithMeta("segment_id", orig.ID)
		}

		// Proportional share of the gap, clamped to the per-segment floor.
		cut := gap * orig.TokenCount / tierTokens
		if cut <= 0 {
			cut = 1
		}
		target := orig.TokenCount - cut
		if target < floor {
			target = floor
		}
		if target >= orig.TokenCount {
			continue
		}

		replacement, err := e.compressor.Compress(ctx, orig, target, counter)
		if err != nil {
			return errs.Wrap(errs.KindCompression, "compressor failed", err).
				WithWhy("the %s compressor failed on segment %s", e.compressor.Method(), orig.ID).
				WithHow("check the summarizer backend, or switch default_compressor to truncation")
		}
		if replacement.TokenCount >= orig.TokenCount {
			continue
		}
		res.Segments[i] = replacement
		saved := orig.TokenCount - replacement.TokenCount
		res.Saved += saved
		res.Actions = append(res.Actions, Action{
			Original:    orig,
			Replacement: replacement,
			Method:      replacement.Provenance.CompressionMethod,
			SavedTokens: saved,
		})
	}
	return nil
}

// inAncestry walks the parent chain of start through the working set and
// reports whether id is reachable. Diamond ancestry is fine; only a path
// back to id itself counts.
func inAncestry(id string, start segment.Segment, byID map[string]segment.Segment) bool {
	visited := make(map[string]bool)
	stack := append([]string(nil), start.Provenance.ParentSegmentIDs...)
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if n == id {
			return true
		}
		if visited[n] {
			continue
		}
		visited[n] = true
		if p, ok := byID[n]; ok {
			stack = append(stack, p.Provenance.ParentSegmentIDs...)
		}
	}
	return false
}

func totalTokens(segments []segment.Segment) int {
	total := 0
	for _, s := range segments {
		total += s.TokenCount
	}
	return total
}
