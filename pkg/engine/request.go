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

package engine

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/kadirpekel/weft/pkg/segment"
)

// Message is one conversational turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// RAGChunk is one retrieved passage.
type RAGChunk struct {
	Content  string  `json:"content"`
	Score    float64 `json:"score,omitempty"`
	SourceID string  `json:"source_id,omitempty"`
}

// Tool is one callable tool definition.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// Request is the canonical Build input.
type Request struct {
	SystemPrompt    string            `json:"system_prompt,omitempty"`
	Messages        []Message         `json:"messages,omitempty"`
	RAGChunks       []RAGChunk        `json:"rag_chunks,omitempty"`
	Tools           []Tool            `json:"tools,omitempty"`
	FewShotExamples []Message         `json:"few_shot_examples,omitempty"`
	State           map[string]string `json:"state,omitempty"`
	CurrentTurn     int               `json:"current_turn,omitempty"`
	TargetNamespace string            `json:"target_namespace,omitempty"`

	// Model overrides the routed/default model when set.
	Model string `json:"model,omitempty"`

	// Segments are pre-built inputs, typically composed from the bus. They
	// are appended after the canonical fields.
	Segments []segment.Segment `json:"segments,omitempty"`
}

// Query returns the text routing should classify: the last user message.
func (r *Request) Query() string {
	for i := len(r.Messages) - 1; i >= 0; i-- {
		if r.Messages[i].Role == "user" {
			return r.Messages[i].Content
		}
	}
	if len(r.Messages) > 0 {
		return r.Messages[len(r.Messages)-1].Content
	}
	return ""
}

// ContentText concatenates every content field, without envelope syntax, for
// pre-routing token estimation.
func (r *Request) ContentText() string {
	var b strings.Builder
	b.WriteString(r.SystemPrompt)
	for _, m := range r.Messages {
		b.WriteByte('\n')
		b.WriteString(m.Content)
	}
	for _, c := range r.RAGChunks {
		b.WriteByte('\n')
		b.WriteString(c.Content)
	}
	for _, t := range r.Tools {
		b.WriteByte('\n')
		b.WriteString(t.Description)
	}
	for _, ex := range r.FewShotExamples {
		b.WriteByte('\n')
		b.WriteString(ex.Content)
	}
	for _, v := range r.State {
		b.WriteByte('\n')
		b.WriteString(v)
	}
	for _, s := range r.Segments {
		b.WriteByte('\n')
		b.WriteString(s.Content)
	}
	return b.String()
}

// Fingerprint serializes the request deterministically for cache keying.
func (r *Request) Fingerprint() []byte {
	data, err := json.Marshal(r)
	if err != nil {
		return []byte(fmt.Sprintf("%+v", r))
	}
	return data
}

// toSegments normalizes the request into the provisional segment list, in
// canonical order: system, tools, few-shot, state, messages, rag, extras.
func (r *Request) toSegments() []segment.Segment {
	var out []segment.Segment

	if r.SystemPrompt != "" {
		s := segment.New(segment.TypeSystem, "system", r.SystemPrompt)
		s.Provenance.SourceType = segment.SourceSystem
		out = append(out, s)
	}

	for _, t := range r.Tools {
		content := t.Name
		if t.Description != "" {
			content += ": " + t.Description
		}
		if len(t.Parameters) > 0 {
			if params, err := json.Marshal(t.Parameters); err == nil {
				content += "\n" + string(params)
			}
		}
		s := segment.New(segment.TypeToolDefinition, "system", content)
		s.Provenance.SourceType = segment.SourceSystem
		s.Provenance.SourceID = t.Name
		out = append(out, s)
	}

	for _, ex := range r.FewShotExamples {
		s := segment.New(segment.TypeFewShot, ex.Role, ex.Content)
		s.Provenance.SourceType = segment.SourceSystem
		out = append(out, s)
	}

	if len(r.State) > 0 {
		keys := make([]string, 0, len(r.State))
		for k := range r.State {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		content := ""
		for _, k := range keys {
			content += k + ": " + r.State[k] + "\n"
		}
		s := segment.New(segment.TypeState, "system", content)
		s.Priority = segment.PriorityHigh
		out = append(out, s)
	}

	for _, m := range r.Messages {
		typ := segment.TypeUser
		if m.Role == "assistant" {
			typ = segment.TypeAssistant
		}
		s := segment.New(typ, m.Role, m.Content)
		s.Provenance.SourceType = segment.SourceUserInput
		if m.Role == "assistant" {
			s.Provenance.SourceType = segment.SourceLLMOutput
		}
		out = append(out, s)
	}

	for _, c := range r.RAGChunks {
		s := segment.New(segment.TypeRAG, "user", c.Content)
		s.Provenance.SourceType = segment.SourceRetrieval
		s.Provenance.SourceID = c.SourceID
		s.Provenance.RetrievalScore = c.Score
		s.Metadata.RetrievalScore = c.Score
		out = append(out, s)
	}

	out = append(out, r.Segments...)

	if r.TargetNamespace != "" {
		for i, s := range out {
			if s.Metadata.Namespace == "" {
				out[i] = s.WithNamespace(r.TargetNamespace)
			}
		}
	}
	return out
}
