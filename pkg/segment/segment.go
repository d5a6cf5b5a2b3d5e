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

// Package segment defines the immutable unit of content the pipeline operates on.
//
// Segments are value types. Every mutation helper returns a new Segment and
// leaves the receiver untouched; the content string is shared, slices and maps
// are cloned on write.
package segment

import (
	"time"

	"github.com/google/uuid"
)

// Type classifies a segment's origin and role in the assembled context.
type Type string

const (
	TypeSystem         Type = "system"
	TypeUser           Type = "user"
	TypeAssistant      Type = "assistant"
	TypeSchema         Type = "schema"
	TypeToolDefinition Type = "tool_definition"
	TypeToolCall       Type = "tool_call"
	TypeToolResult     Type = "tool_result"
	TypeRAG            Type = "rag"
	TypeFewShot        Type = "few_shot"
	TypeState          Type = "state"
	TypeSummary        Type = "summary"
)

// Priority orders segments for budgeting. Critical segments are rigid and are
// never compressed or dropped by the elastic allocator.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

// Rank maps a priority to its numeric bidding rank (critical=3 .. low=0).
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 3
	case PriorityHigh:
		return 2
	case PriorityMedium:
		return 1
	default:
		return 0
	}
}

// Valid reports whether p is one of the known priorities.
func (p Priority) Valid() bool {
	switch p {
	case PriorityCritical, PriorityHigh, PriorityMedium, PriorityLow:
		return true
	}
	return false
}

// SourceType records where a segment's content originally came from.
type SourceType string

const (
	SourceUserInput   SourceType = "user_input"
	SourceRetrieval   SourceType = "retrieval"
	SourceToolOutput  SourceType = "tool_output"
	SourceLLMOutput   SourceType = "llm_output"
	SourceCompression SourceType = "compression"
	SourceSystem      SourceType = "system"
)

// Provenance is the ancestry record of a segment. ParentSegmentIDs forms a DAG
// across compression and dedup; cycle detection happens before provenance is
// written (see pkg/compress).
type Provenance struct {
	SourceID          string     `json:"source_id,omitempty"`
	SourceType        SourceType `json:"source_type,omitempty"`
	ParentSegmentIDs  []string   `json:"parent_segment_ids,omitempty"`
	CompressionMethod string     `json:"compression_method,omitempty"`
	RetrievalScore    float64    `json:"retrieval_score,omitempty"`
}

// ControlFlags carry per-segment pipeline directives.
type ControlFlags struct {
	MustKeep     bool     `json:"must_keep,omitempty"`
	Compressible bool     `json:"compressible,omitempty"`
	LockPosition bool     `json:"lock_position,omitempty"`
	Visibility   []string `json:"visibility,omitempty"`
}

// Metadata holds auxiliary segment attributes.
type Metadata struct {
	Timestamp      time.Time      `json:"timestamp,omitempty"`
	TTLSeconds     int            `json:"ttl_seconds,omitempty"`
	RetrievalScore float64        `json:"retrieval_score,omitempty"`
	Namespace      string         `json:"namespace,omitempty"`
	Custom         map[string]any `json:"custom,omitempty"`
}

// TokenCountUnset marks a segment whose token count has not been populated yet.
// The normalize stage replaces it with a real count before any budget decision.
const TokenCountUnset = -1

// Segment is the atomic unit of every pipeline decision.
type Segment struct {
	ID         string       `json:"id"`
	Type       Type         `json:"type"`
	Role       string       `json:"role"`
	Content    string       `json:"content"`
	TokenCount int          `json:"token_count"`
	Priority   Priority     `json:"priority"`
	Flags      ControlFlags `json:"control_flags"`
	Metadata   Metadata     `json:"metadata"`
	Provenance Provenance   `json:"provenance"`
}

// New creates a segment with a fresh id, an unset token count, and the default
// priority for its type (system, schema and tool_definition default to
// critical; everything else to medium).
func New(typ Type, role, content string) Segment {
	return Segment{
		ID:         uuid.NewString(),
		Type:       typ,
		Role:       role,
		Content:    content,
		TokenCount: TokenCountUnset,
		Priority:   DefaultPriority(typ),
		Flags: ControlFlags{
			Compressible: typ != TypeSystem && typ != TypeSchema && typ != TypeToolDefinition,
		},
		Metadata: Metadata{Timestamp: time.Now().UTC()},
	}
}

// DefaultPriority returns the priority a segment of the given type receives
// when none was set explicitly.
func DefaultPriority(typ Type) Priority {
	switch typ {
	case TypeSystem, TypeSchema, TypeToolDefinition:
		return PriorityCritical
	default:
		return PriorityMedium
	}
}

// Counted reports whether the token count has been populated.
func (s Segment) Counted() bool {
	return s.TokenCount >= 0
}

// Rigid reports whether the segment belongs to the rigid budget tier under the
// given set of rigid types.
func (s Segment) Rigid(rigidTypes map[Type]bool) bool {
	return s.Priority == PriorityCritical || rigidTypes[s.Type]
}

// WithContent returns a copy with new content and the token count reset.
func (s Segment) WithContent(content string) Segment {
	s.Content = content
	s.TokenCount = TokenCountUnset
	return s
}

// WithTokenCount returns a copy with the token count populated.
func (s Segment) WithTokenCount(n int) Segment {
	s.TokenCount = n
	return s
}

// WithPriority returns a copy with the given priority.
func (s Segment) WithPriority(p Priority) Segment {
	s.Priority = p
	return s
}

// WithNamespace returns a copy whose metadata namespace is set.
func (s Segment) WithNamespace(ns string) Segment {
	s.Metadata.Custom = cloneCustom(s.Metadata.Custom)
	s.Metadata.Namespace = ns
	return s
}

// WithProvenance returns a copy with the given provenance. The parent id slice
// is cloned so the caller's slice stays independent.
func (s Segment) WithProvenance(p Provenance) Segment {
	if p.ParentSegmentIDs != nil {
		p.ParentSegmentIDs = append([]string(nil), p.ParentSegmentIDs...)
	}
	s.Provenance = p
	return s
}

// WithFlags returns a copy with the given control flags. The visibility slice
// is cloned.
func (s Segment) WithFlags(f ControlFlags) Segment {
	if f.Visibility != nil {
		f.Visibility = append([]string(nil), f.Visibility...)
	}
	s.Flags = f
	return s
}

// WithCustom returns a copy with a custom metadata key set.
func (s Segment) WithCustom(key string, value any) Segment {
	custom := cloneCustom(s.Metadata.Custom)
	if custom == nil {
		custom = make(map[string]any, 1)
	}
	custom[key] = value
	s.Metadata.Custom = custom
	return s
}

// VisibleTo reports whether the segment may be read from the given namespace:
// its own namespace, the default namespace, or an explicit visibility grant.
func (s Segment) VisibleTo(namespace string) bool {
	if s.Metadata.Namespace == namespace || s.Metadata.Namespace == DefaultNamespace || s.Metadata.Namespace == "" {
		return true
	}
	for _, ns := range s.Flags.Visibility {
		if ns == namespace {
			return true
		}
	}
	return false
}

// DefaultNamespace is the namespace visible to every agent.
const DefaultNamespace = "default"

// Expired reports whether the segment's TTL has elapsed relative to now.
// Segments without a TTL never expire.
func (s Segment) Expired(now time.Time) bool {
	if s.Metadata.TTLSeconds <= 0 || s.Metadata.Timestamp.IsZero() {
		return false
	}
	return now.After(s.Metadata.Timestamp.Add(time.Duration(s.Metadata.TTLSeconds) * time.Second))
}

func cloneCustom(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
