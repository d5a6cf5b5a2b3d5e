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
	"time"

	"github.com/kadirpekel/weft/pkg/audit"
)

// TokenUsage summarises the token footprint of a built package.
type TokenUsage struct {
	TotalTokens  int            `json:"total_tokens"`
	ByRole       map[string]int `json:"by_role"`
	ByType       map[Type]int   `json:"by_type"`
	SegmentCount int            `json:"segment_count"`
}

// BudgetAllocation is the per-request outcome of the three-tier allocator.
type BudgetAllocation struct {
	TotalBudget    int          `json:"total_budget"`
	ContentBudget  int          `json:"content_budget"`
	RigidUsed      int          `json:"rigid_used"`
	ElasticUsed    map[Type]int `json:"elastic_used"`
	TotalUsed      int          `json:"total_used"`
	OverflowCount  int          `json:"overflow_count"`
	SaturationRate float64      `json:"saturation_rate"`
}

// ContextPackage is the deterministic output of a Build: the ordered kept
// segments plus everything needed to audit how they got there. It is created
// once per build and never mutated after return.
type ContextPackage struct {
	RequestID          string           `json:"request_id"`
	Model              string           `json:"model"`
	PolicyVersion      string           `json:"policy_version"`
	Segments           []Segment        `json:"segments"`
	TokenUsage         TokenUsage       `json:"token_usage"`
	BudgetAllocation   BudgetAllocation `json:"budget_allocation"`
	AuditLog           []audit.Entry    `json:"audit_log"`
	Warnings           []string         `json:"warnings"`
	Metadata           map[string]any   `json:"metadata,omitempty"`
	AssemblyDurationMS float64          `json:"assembly_duration_ms"`
	CreatedAt          time.Time        `json:"created_at"`
}

// ComputeUsage tallies token usage across the given segments.
func ComputeUsage(segments []Segment) TokenUsage {
	usage := TokenUsage{
		ByRole:       make(map[string]int),
		ByType:       make(map[Type]int),
		SegmentCount: len(segments),
	}
	for _, s := range segments {
		if !s.Counted() {
			continue
		}
		usage.TotalTokens += s.TokenCount
		usage.ByRole[s.Role] += s.TokenCount
		usage.ByType[s.Type] += s.TokenCount
	}
	return usage
}
