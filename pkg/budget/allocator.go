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

// Package budget implements the three-tier token allocator.
//
// Reserves are deducted first and are never spent on context. Rigid segments
// (critical priority or a configured rigid type) are booked unconditionally.
// The remaining elastic budget is distributed by weighted bidding: per-type
// quotas in phase one, recycled leftovers in phase two.
package budget

import (
	"context"
	"fmt"
	"sort"

	"github.com/kadirpekel/weft/pkg/config"
	"github.com/kadirpekel/weft/pkg/errs"
	"github.com/kadirpekel/weft/pkg/segment"
)

// Admission records a kept segment and the bid that won its slot.
type Admission struct {
	Segment segment.Segment
	Rigid   bool
	Bid     float64
}

// Drop records a rejected segment.
type Drop struct {
	Segment segment.Segment
	Detail  string
}

// Result is the allocation outcome. Admissions and Drops together cover every
// input segment exactly once.
type Result struct {
	Admissions []Admission
	Drops      []Drop
	Allocation segment.BudgetAllocation
	Warnings   []string
}

// Kept returns the admitted segments in insertion order.
func (r *Result) Kept() []segment.Segment {
	out := make([]segment.Segment, len(r.Admissions))
	for i, a := range r.Admissions {
		out[i] = a.Segment
	}
	return out
}

// Allocator performs the three-tier split for one policy.
type Allocator struct {
	cfg        config.BudgetConfig
	rigidTypes map[segment.Type]bool
}

// New creates an Allocator from policy.
func New(cfg config.BudgetConfig) *Allocator {
	rigid := make(map[segment.Type]bool, len(cfg.RigidSegmentTypes))
	for _, t := range cfg.RigidSegmentTypes {
		rigid[segment.Type(t)] = true
	}
	return &Allocator{cfg: cfg, rigidTypes: rigid}
}

// ContentBudget returns the budget available for context after reserves.
func (a *Allocator) ContentBudget() int {
	return a.cfg.MaxContextTokens - a.cfg.OutputReserved - a.cfg.ThinkingReserved
}

// candidate is one elastic segment under bidding.
type candidate struct {
	seg   segment.Segment
	index int
	score float64 // retrieval score normalised into [0,1]
}

// Allocate runs the three strategies over token-counted segments. Input order
// is insertion order; admissions preserve it.
func (a *Allocator) Allocate(ctx context.Context, segments []segment.Segment) (*Result, error) {
	contentBudget := a.ContentBudget()
	res := &Result{
		Allocation: segment.BudgetAllocation{
			TotalBudget:   a.cfg.MaxContextTokens,
			ContentBudget: contentBudget,
			ElasticUsed:   make(map[segment.Type]int),
		},
	}

	// (b) Rigid: book critical and rigid-typed segments first.
	var rigidIDs []string
	rigidUsed := 0
	elastic := make([]candidate, 0, len(segments))
	admitted := make(map[string]Admission, len(segments))
	for i, s := range segments {
		if s.Rigid(a.rigidTypes) {
			rigidUsed += s.TokenCount
			rigidIDs = append(rigidIDs, s.ID)
			admitted[s.ID] = Admission{Segment: s, Rigid: true}
			continue
		}
		elastic = append(elastic, candidate{seg: s, index: i})
	}
	res.Allocation.RigidUsed = rigidUsed

	elasticBudget := contentBudget - rigidUsed
	if elasticBudget < 0 {
		gap := rigidUsed - contentBudget
		if a.cfg.OverflowStrategy == config.OverflowError {
			return nil, errs.New(errs.KindBudgetExceeded, "rigid segments exceed content budget").
				WithWhy("rigid segments require %d tokens but the content budget is %d (gap %d)", rigidUsed, contentBudget, gap).
				WithHow("raise max_context_tokens, lower the reserves, or demote segments from critical priority").
				WithMeta("required_tokens", rigidUsed).
				WithMeta("budget_tokens", contentBudget).
				WithMeta("segment_ids", rigidIDs)
		}
		res.Warnings = append(res.Warnings,
			fmt.Sprintf("rigid segments use %d of %d content budget tokens; elastic budget exhausted", rigidUsed, contentBudget))
		elasticBudget = 0
	}
	if elasticBudget > 0 && a.cfg.MinElasticTokens > 0 && elasticBudget < a.cfg.MinElasticTokens {
		res.Warnings = append(res.Warnings,
			fmt.Sprintf("elastic budget %d is below min_elastic_tokens %d", elasticBudget, a.cfg.MinElasticTokens))
	}

	normalizeScores(elastic)

	// (c) Elastic phase 1: per-type quotas.
	quotaTotal := make(map[segment.Type]int)
	quotaLeft := make(map[segment.Type]int)
	for typ, ratio := range a.cfg.ElasticRatios {
		q := int(ratio * float64(elasticBudget))
		quotaTotal[segment.Type(typ)] = q
		quotaLeft[segment.Type(typ)] = q
	}

	elasticUsed := 0
	var unadmitted []candidate
	byType := groupByType(elastic)
	for _, typ := range sortedTypes(byType) {
		group := byType[typ]
		total := quotaTotal[typ]
		a.sortCandidates(group, quotaLeft[typ], total)
		for _, c := range group {
			if err := ctx.Err(); err != nil {
				return nil, errs.Wrap(errs.KindCancelled, "allocation cancelled", err)
			}
			if total > 0 && c.seg.TokenCount <= quotaLeft[typ] {
				bid := a.bid(c, quotaLeft[typ], total)
				quotaLeft[typ] -= c.seg.TokenCount
				elasticUsed += c.seg.TokenCount
				res.Allocation.ElasticUsed[typ] += c.seg.TokenCount
				admitted[c.seg.ID] = Admission{Segment: c.seg, Bid: bid}
			} else {
				unadmitted = append(unadmitted, c)
			}
		}
	}

	// Phase 2: recycle every unused token into a global pool.
	pool := elasticBudget - elasticUsed
	a.sortGlobal(unadmitted, quotaLeft, quotaTotal)
	for _, c := range unadmitted {
		if err := ctx.Err(); err != nil {
			return nil, errs.Wrap(errs.KindCancelled, "allocation cancelled", err)
		}
		if c.seg.TokenCount <= pool {
			bid := a.bid(c, quotaLeft[c.seg.Type], quotaTotal[c.seg.Type])
			pool -= c.seg.TokenCount
			elasticUsed += c.seg.TokenCount
			res.Allocation.ElasticUsed[c.seg.Type] += c.seg.TokenCount
			admitted[c.seg.ID] = Admission{Segment: c.seg, Bid: bid}
			continue
		}
		res.Drops = append(res.Drops, Drop{
			Segment: c.seg,
			Detail:  fmt.Sprintf("segment needs %d tokens, %d remain in pool", c.seg.TokenCount, pool),
		})
	}

	// Admissions in insertion order.
	for _, s := range segments {
		if adm, ok := admitted[s.ID]; ok {
			res.Admissions = append(res.Admissions, adm)
		}
	}

	res.Allocation.TotalUsed = rigidUsed + elasticUsed
	res.Allocation.OverflowCount = len(res.Drops)
	if contentBudget > 0 {
		res.Allocation.SaturationRate = float64(res.Allocation.TotalUsed) / float64(contentBudget)
	}
	return res, nil
}

// bid computes alpha*priority_rank + beta*score + gamma*quota_headroom.
func (a *Allocator) bid(c candidate, quotaLeft, quotaTotal int) float64 {
	headroom := 0.0
	if quotaTotal > 0 && quotaLeft > 0 {
		headroom = float64(quotaLeft) / float64(quotaTotal)
	}
	return a.cfg.BidAlpha*float64(c.seg.Priority.Rank()) +
		a.cfg.BidBeta*c.score +
		a.cfg.BidGamma*headroom
}

// sortCandidates orders a same-type group by descending bid with the stable
// tie-break (priority, score, insertion index). Within one type the headroom
// term is shared, so the ordering reduces to priority and score.
func (a *Allocator) sortCandidates(group []candidate, quotaLeft, quotaTotal int) {
	sort.SliceStable(group, func(i, j int) bool {
		bi := a.bid(group[i], quotaLeft, quotaTotal)
		bj := a.bid(group[j], quotaLeft, quotaTotal)
		if bi != bj {
			return bi > bj
		}
		return tieBreak(group[i], group[j])
	})
}

// sortGlobal orders phase-2 candidates by bids snapshotted at pool time.
func (a *Allocator) sortGlobal(cands []candidate, quotaLeft, quotaTotal map[segment.Type]int) {
	sort.SliceStable(cands, func(i, j int) bool {
		bi := a.bid(cands[i], quotaLeft[cands[i].seg.Type], quotaTotal[cands[i].seg.Type])
		bj := a.bid(cands[j], quotaLeft[cands[j].seg.Type], quotaTotal[cands[j].seg.Type])
		if bi != bj {
			return bi > bj
		}
		return tieBreak(cands[i], cands[j])
	})
}

// tieBreak: higher priority, then higher score, then lower insertion index.
func tieBreak(a, b candidate) bool {
	if ra, rb := a.seg.Priority.Rank(), b.seg.Priority.Rank(); ra != rb {
		return ra > rb
	}
	if a.score != b.score {
		return a.score > b.score
	}
	return a.index < b.index
}

// normalizeScores rescales retrieval scores into [0,1] across the elastic
// set; absent scores stay 0.
func normalizeScores(cands []candidate) {
	minScore, maxScore := 0.0, 0.0
	first := true
	for _, c := range cands {
		s := rawScore(c.seg)
		if s == 0 {
			continue
		}
		if first || s < minScore {
			minScore = s
		}
		if first || s > maxScore {
			maxScore = s
		}
		first = false
	}
	span := maxScore - minScore
	for i := range cands {
		s := rawScore(cands[i].seg)
		if s == 0 {
			continue
		}
		if span == 0 {
			cands[i].score = 1
			continue
		}
		cands[i].score = (s - minScore) / span
	}
}

func rawScore(s segment.Segment) float64 {
	if s.Metadata.RetrievalScore != 0 {
		return s.Metadata.RetrievalScore
	}
	return s.Provenance.RetrievalScore
}

func groupByType(cands []candidate) map[segment.Type][]candidate {
	out := make(map[segment.Type][]candidate)
	for _, c := range cands {
		out[c.seg.Type] = append(out[c.seg.Type], c)
	}
	return out
}

// sortedTypes returns group keys in a deterministic order.
func sortedTypes(groups map[segment.Type][]candidate) []segment.Type {
	types := make([]segment.Type, 0, len(groups))
	for t := range groups {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}
