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

// Package audit records every keep/drop/compress/sanitize decision the
// pipeline makes. The log is request-scoped and append-only: entries are never
// rewritten, and the log is the source of truth for why a segment did or did
// not make it into the final package.
package audit

import (
	"sync"
	"time"
)

// Decision is the action taken on a segment.
type Decision string

const (
	DecisionKeep     Decision = "keep"
	DecisionDrop     Decision = "drop"
	DecisionCompress Decision = "compress"
	DecisionSanitize Decision = "sanitize"
	DecisionRedact   Decision = "redact"
)

// ReasonCode is the closed vocabulary of decision reasons.
type ReasonCode string

const (
	ReasonBudgetExceeded            ReasonCode = "budget_exceeded"
	ReasonRigidGuaranteed           ReasonCode = "rigid_guaranteed"
	ReasonElasticAllocated          ReasonCode = "elastic_allocated"
	ReasonCompressWindowSaturation  ReasonCode = "compress_window_saturation"
	ReasonSanitizeInjectionDetected ReasonCode = "sanitize_injection_detected"
	ReasonSanitizeHTMLStripped      ReasonCode = "sanitize_html_stripped"
	ReasonSanitizeUnicodeNormalized ReasonCode = "sanitize_unicode_normalized"
	ReasonSanitizePIIRedacted       ReasonCode = "sanitize_pii_redacted"
	ReasonSanitizeFailed            ReasonCode = "sanitize_failed"
	ReasonSelectLowRelevance        ReasonCode = "select_low_relevance"
	ReasonSelectDeduplicated        ReasonCode = "select_deduplicated"
)

// Entry is one immutable audit record.
type Entry struct {
	SegmentID     string         `json:"segment_id"`
	Decision      Decision       `json:"decision"`
	ReasonCode    ReasonCode     `json:"reason_code"`
	ReasonDetail  string         `json:"reason_detail,omitempty"`
	PipelineStage string         `json:"pipeline_stage"`
	TokenImpact   int            `json:"token_impact"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
}

// Log is an append-only sequence of entries. It is safe for concurrent use;
// within a request stages run sequentially, so entry order is decision order.
type Log struct {
	mu      sync.Mutex
	entries []Entry
}

// NewLog returns an empty log.
func NewLog() *Log {
	return &Log{}
}

// Record appends an entry, stamping it with the current time when unset.
func (l *Log) Record(e Entry) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	l.mu.Lock()
	l.entries = append(l.entries, e)
	l.mu.Unlock()
}

// Entries returns a copy of all entries in append order.
func (l *Log) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Len returns the number of entries.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// For returns all entries for a segment in append order.
func (l *Log) For(segmentID string) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Entry
	for _, e := range l.entries {
		if e.SegmentID == segmentID {
			out = append(out, e)
		}
	}
	return out
}

// Terminal returns the last entry recorded for a segment, if any.
func (l *Log) Terminal(segmentID string) (Entry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := len(l.entries) - 1; i >= 0; i-- {
		if l.entries[i].SegmentID == segmentID {
			return l.entries[i], true
		}
	}
	return Entry{}, false
}
