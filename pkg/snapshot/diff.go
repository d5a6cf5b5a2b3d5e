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
	"github.com/kadirpekel/weft/pkg/segment"
)

// SegmentChange describes one segment present in both packages whose
// budget-relevant fields differ.
type SegmentChange struct {
	ID         string `json:"id"`
	FromTokens int    `json:"from_tokens"`
	ToTokens   int    `json:"to_tokens"`
	Compressed bool   `json:"compressed"`
}

// Diff is the structural comparison of two packages.
type Diff struct {
	FromID      string          `json:"from_id"`
	ToID        string          `json:"to_id"`
	Added       []string        `json:"added,omitempty"`
	Removed     []string        `json:"removed,omitempty"`
	Changed     []SegmentChange `json:"changed,omitempty"`
	TokenDelta  int             `json:"token_delta"`
	ModelChange string          `json:"model_change,omitempty"`
}

// Compare diffs two packages by segment id. Segments derived by compression
// are matched to their ancestors through parent_segment_ids.
func Compare(from, to *segment.ContextPackage) *Diff {
	d := &Diff{
		FromID:     from.RequestID,
		ToID:       to.RequestID,
		TokenDelta: to.TokenUsage.TotalTokens - from.TokenUsage.TotalTokens,
	}
	if from.Model != to.Model {
		d.ModelChange = from.Model + " -> " + to.Model
	}

	fromByID := make(map[string]segment.Segment, len(from.Segments))
	for _, s := range from.Segments {
		fromByID[s.ID] = s
	}
	seen := make(map[string]bool, len(to.Segments))

	for _, s := range to.Segments {
		if orig, ok := fromByID[s.ID]; ok {
			seen[s.ID] = true
			if orig.TokenCount != s.TokenCount {
				d.Changed = append(d.Changed, SegmentChange{
					ID:         s.ID,
					FromTokens: orig.TokenCount,
					ToTokens:   s.TokenCount,
				})
			}
			continue
		}
		// A compressed descendant of a from-side segment counts as changed,
		// not as an add.
		matched := false
		for _, parent := range s.Provenance.ParentSegmentIDs {
			if orig, ok := fromByID[parent]; ok {
				seen[parent] = true
				d.Changed = append(d.Changed, SegmentChange{
					ID:         parent,
					FromTokens: orig.TokenCount,
					ToTokens:   s.TokenCount,
					Compressed: true,
				})
				matched = true
				break
			}
		}
		if !matched {
			d.Added = append(d.Added, s.ID)
		}
	}

	for _, s := range from.Segments {
		if !seen[s.ID] {
			d.Removed = append(d.Removed, s.ID)
		}
	}
	return d
}
