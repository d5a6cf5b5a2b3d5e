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

// Package rerank orders segments so the allocator sees them in preference
// order and prunes near-duplicates before any token is spent on them.
package rerank

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/kadirpekel/weft/pkg/audit"
	"github.com/kadirpekel/weft/pkg/config"
	"github.com/kadirpekel/weft/pkg/segment"
)

// Drop records a segment pruned by reranking.
type Drop struct {
	Segment    segment.Segment
	Reason     audit.ReasonCode
	Detail     string
	SurvivorID string
}

// Reranker applies priority/score/index ordering, optional MMR diversity,
// Jaccard dedup, temporal decay and per-type caps.
type Reranker struct {
	cfg config.RerankConfig
}

// New creates a Reranker from policy.
func New(cfg config.RerankConfig) *Reranker {
	return &Reranker{cfg: cfg}
}

// ranked pairs a segment with its effective score and insertion index.
type ranked struct {
	seg      segment.Segment
	score    float64
	index    int
	shingles map[string]struct{}
}

// Rerank returns the ordered survivors and the pruned segments. Input order
// is the insertion order and acts as the stable tertiary key throughout.
func (r *Reranker) Rerank(segments []segment.Segment, now time.Time) ([]segment.Segment, []Drop) {
	items := make([]*ranked, len(segments))
	for i, s := range segments {
		items[i] = &ranked{
			seg:      s,
			score:    r.effectiveScore(s, now),
			index:    i,
			shingles: Shingles(s.Content),
		}
	}

	// Primary: priority. Secondary: score. Tertiary: insertion index.
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if ra, rb := a.seg.Priority.Rank(), b.seg.Priority.Rank(); ra != rb {
			return ra > rb
		}
		if a.score != b.score {
			return a.score > b.score
		}
		return a.index < b.index
	})

	if r.cfg.EnableMMR {
		items = r.applyMMR(items)
	}

	items, drops := r.dedup(items)

	items, capDrops := r.applyTypeCaps(items)
	drops = append(drops, capDrops...)

	out := make([]segment.Segment, len(items))
	for i, it := range items {
		out[i] = it.seg
	}
	return out, drops
}

// effectiveScore is the retrieval score with optional temporal decay applied.
func (r *Reranker) effectiveScore(s segment.Segment, now time.Time) float64 {
	score := s.Metadata.RetrievalScore
	if score == 0 {
		score = s.Provenance.RetrievalScore
	}
	if r.cfg.TemporalDecay && !s.Metadata.Timestamp.IsZero() {
		ageDays := now.Sub(s.Metadata.Timestamp).Hours() / 24
		if ageDays > 0 {
			weight := math.Exp(-r.cfg.DecayRate * ageDays)
			if weight < r.cfg.DecayMinWeight {
				weight = r.cfg.DecayMinWeight
			}
			score *= weight
		}
	}
	return score
}

// applyMMR greedily reorders each same-priority tier maximizing
// lambda*relevance - (1-lambda)*max_similarity_to_chosen.
func (r *Reranker) applyMMR(items []*ranked) []*ranked {
	out := make([]*ranked, 0, len(items))
	for start := 0; start < len(items); {
		end := start
		for end < len(items) && items[end].seg.Priority == items[start].seg.Priority {
			end++
		}
		out = append(out, r.mmrTier(items[start:end])...)
		start = end
	}
	return out
}

func (r *Reranker) mmrTier(tier []*ranked) []*ranked {
	if len(tier) <= 2 {
		return tier
	}
	lambda := r.cfg.MMRLambda
	remaining := append([]*ranked(nil), tier...)
	chosen := make([]*ranked, 0, len(tier))
	for len(remaining) > 0 {
		bestIdx := 0
		bestVal := math.Inf(-1)
		for i, cand := range remaining {
			maxSim := 0.0
			for _, c := range chosen {
				if sim := Jaccard(cand.shingles, c.shingles); sim > maxSim {
					maxSim = sim
				}
			}
			val := lambda*cand.score - (1-lambda)*maxSim
			if val > bestVal {
				bestVal = val
				bestIdx = i
			}
		}
		chosen = append(chosen, remaining[bestIdx])
		remaining = append(remaining[:bestIdx], remaining[bestIdx+1:]...)
	}
	return chosen
}

// dedup collapses pairs whose Jaccard similarity reaches the threshold. The
// survivor is chosen by higher priority, then higher score, then earlier
// insertion index, so the outcome is a deterministic function of the pair.
func (r *Reranker) dedup(items []*ranked) ([]*ranked, []Drop) {
	threshold := r.cfg.SimilarityThreshold
	if threshold <= 0 || threshold > 1 {
		return items, nil
	}

	removed := make([]bool, len(items))
	var drops []Drop
	for i := 0; i < len(items); i++ {
		if removed[i] {
			continue
		}
		for j := i + 1; j < len(items); j++ {
			if removed[j] {
				continue
			}
			sim := Jaccard(items[i].shingles, items[j].shingles)
			if sim < threshold {
				continue
			}
			winner, loser := i, j
			if loses(items[i], items[j]) {
				winner, loser = j, i
			}
			removed[loser] = true
			drops = append(drops, Drop{
				Segment:    items[loser].seg,
				Reason:     audit.ReasonSelectDeduplicated,
				Detail:     fmt.Sprintf("jaccard %.2f with %s", sim, items[winner].seg.ID),
				SurvivorID: items[winner].seg.ID,
			})
			if removed[i] {
				break
			}
		}
	}

	var out []*ranked
	for i, it := range items {
		if !removed[i] {
			out = append(out, it)
		}
	}
	return out, drops
}

// loses reports whether a loses the survivor contest against b.
func loses(a, b *ranked) bool {
	if ra, rb := a.seg.Priority.Rank(), b.seg.Priority.Rank(); ra != rb {
		return ra < rb
	}
	if a.score != b.score {
		return a.score < b.score
	}
	return a.index > b.index
}

// applyTypeCaps discards per-type overflow past the configured maximum.
func (r *Reranker) applyTypeCaps(items []*ranked) ([]*ranked, []Drop) {
	if len(r.cfg.MaxPerType) == 0 {
		return items, nil
	}
	counts := make(map[segment.Type]int)
	var out []*ranked
	var drops []Drop
	for _, it := range items {
		max, capped := r.cfg.MaxPerType[string(it.seg.Type)]
		if capped && max > 0 && counts[it.seg.Type] >= max {
			drops = append(drops, Drop{
				Segment: it.seg,
				Reason:  audit.ReasonSelectLowRelevance,
				Detail:  fmt.Sprintf("type %s capped at %d segments", it.seg.Type, max),
			})
			continue
		}
		counts[it.seg.Type]++
		out = append(out, it)
	}
	return out, drops
}
