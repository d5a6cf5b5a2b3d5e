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

// Package antipattern inspects a finished package for structural smells:
// broken invariants are critical, wasteful shapes are warnings, and
// no-op machinery is informational. Rules are stateless and isolated; one
// failing rule never aborts the batch.
package antipattern

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/kadirpekel/weft/pkg/audit"
	"github.com/kadirpekel/weft/pkg/config"
	"github.com/kadirpekel/weft/pkg/segment"
)

// Severity grades a finding.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Finding is one rule hit.
type Finding struct {
	RuleName   string         `json:"rule_name"`
	Severity   Severity       `json:"severity"`
	Title      string         `json:"title"`
	What       string         `json:"what"`
	Why        string         `json:"why"`
	How        string         `json:"how"`
	SegmentIDs []string       `json:"segment_ids,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Input is everything a rule may look at.
type Input struct {
	Package         *segment.ContextPackage
	TargetNamespace string
	DefaultModel    string
	RoutedModel     string
	MatchedRule     string
	Now             time.Time
}

// rule is one stateless check.
type rule struct {
	name     string
	severity Severity
	check    func(in Input, threshold float64) []Finding
}

// Detector applies the rule bank with per-rule config.
type Detector struct {
	cfg    config.AntipatternConfig
	rules  []rule
	logger *slog.Logger
}

// New creates a detector. logger may be nil.
func New(cfg config.AntipatternConfig, logger *slog.Logger) *Detector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Detector{cfg: cfg, rules: ruleBank, logger: logger}
}

// Detect runs every enabled rule. A panicking rule is logged and skipped.
func (d *Detector) Detect(in Input) []Finding {
	if in.Now.IsZero() {
		in.Now = time.Now()
	}
	var findings []Finding
	for _, r := range d.rules {
		rc := d.cfg.Rules[r.name]
		if !config.Bool(rc.Enabled, true) {
			continue
		}
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					d.logger.Warn("antipattern rule panicked", "rule", r.name, "panic", rec)
				}
			}()
			findings = append(findings, r.check(in, rc.Threshold)...)
		}()
	}
	return findings
}

// HasCritical reports whether any finding is critical.
func HasCritical(findings []Finding) bool {
	for _, f := range findings {
		if f.Severity == SeverityCritical {
			return true
		}
	}
	return false
}

// ============================================================================
// Rule bank
// ============================================================================

var ruleBank = []rule{
	{"missing_token_counts", SeverityCritical, checkMissingTokenCounts},
	{"namespace_visibility", SeverityCritical, checkNamespaceVisibility},
	{"circular_provenance", SeverityCritical, checkCircularProvenance},
	{"critical_token_share", SeverityWarning, checkCriticalTokenShare},
	{"rigid_share", SeverityWarning, checkRigidShare},
	{"expired_ttl", SeverityWarning, checkExpiredTTL},
	{"over_compression", SeverityWarning, checkOverCompression},
	{"routing_no_effect", SeverityInfo, checkRoutingNoEffect},
	{"idle_sanitizers", SeverityInfo, checkIdleSanitizers},
}

func checkMissingTokenCounts(in Input, _ float64) []Finding {
	var ids []string
	for _, s := range in.Package.Segments {
		if !s.Counted() {
			ids = append(ids, s.ID)
		}
	}
	if len(ids) == 0 {
		return nil
	}
	return []Finding{{
		RuleName:   "missing_token_counts",
		Severity:   SeverityCritical,
		Title:      "kept segments without token counts",
		What:       fmt.Sprintf("%d kept segment(s) have no token count", len(ids)),
		Why:        "budget math over uncounted segments is meaningless; the allocation cannot be trusted",
		How:        "ensure the normalize stage ran and the tokenizer resolved for this model",
		SegmentIDs: ids,
	}}
}

func checkNamespaceVisibility(in Input, _ float64) []Finding {
	target := in.TargetNamespace
	if target == "" {
		target = segment.DefaultNamespace
	}
	var ids []string
	for _, s := range in.Package.Segments {
		if !s.VisibleTo(target) {
			ids = append(ids, s.ID)
		}
	}
	if len(ids) == 0 {
		return nil
	}
	return []Finding{{
		RuleName:   "namespace_visibility",
		Severity:   SeverityCritical,
		Title:      "segments leaked across namespaces",
		What:       fmt.Sprintf("%d segment(s) are not visible to namespace %q", len(ids), target),
		Why:        "a package must only contain segments the target agent may see",
		How:        "check the bus handoff path and the visibility sets on these segments",
		SegmentIDs: ids,
	}}
}

func checkCircularProvenance(in Input, _ float64) []Finding {
	byID := make(map[string]segment.Segment, len(in.Package.Segments))
	for _, s := range in.Package.Segments {
		byID[s.ID] = s
	}

	var ids []string
	for _, s := range in.Package.Segments {
		seen := map[string]bool{s.ID: true}
		frontier := s.Provenance.ParentSegmentIDs
		for len(frontier) > 0 {
			next := frontier[0]
			frontier = frontier[1:]
			if seen[next] {
				ids = append(ids, s.ID)
				frontier = nil
				break
			}
			seen[next] = true
			if parent, ok := byID[next]; ok {
				frontier = append(frontier, parent.Provenance.ParentSegmentIDs...)
			}
		}
	}
	if len(ids) == 0 {
		return nil
	}
	return []Finding{{
		RuleName:   "circular_provenance",
		Severity:   SeverityCritical,
		Title:      "provenance graph contains a cycle",
		What:       fmt.Sprintf("%d segment(s) reach themselves through parent_segment_ids", len(ids)),
		Why:        "provenance must be a DAG; a cycle means a compressor or dedup pass wrote bad ancestry",
		How:        "inspect the compression path that produced these segments",
		SegmentIDs: ids,
	}}
}

func checkCriticalTokenShare(in Input, threshold float64) []Finding {
	if threshold == 0 {
		threshold = 0.5
	}
	total, critical := 0, 0
	for _, s := range in.Package.Segments {
		total += s.TokenCount
		if s.Priority == segment.PriorityCritical {
			critical += s.TokenCount
		}
	}
	if total == 0 {
		return nil
	}
	share := float64(critical) / float64(total)
	if share <= threshold {
		return nil
	}
	return []Finding{{
		RuleName: "critical_token_share",
		Severity: SeverityWarning,
		Title:    "critical priority dominates the package",
		What:     fmt.Sprintf("%.0f%% of kept tokens are critical priority", share*100),
		Why:      "when most content is critical, the allocator has no room to arbitrate and priorities stop meaning anything",
		How:      "demote content that does not genuinely need a guarantee",
		Metadata: map[string]any{"share": share, "threshold": threshold},
	}}
}

func checkRigidShare(in Input, threshold float64) []Finding {
	if threshold == 0 {
		threshold = 0.7
	}
	alloc := in.Package.BudgetAllocation
	if alloc.ContentBudget == 0 {
		return nil
	}
	share := float64(alloc.RigidUsed) / float64(alloc.ContentBudget)
	if share <= threshold {
		return nil
	}
	return []Finding{{
		RuleName: "rigid_share",
		Severity: SeverityWarning,
		Title:    "rigid tier crowds out elastic content",
		What:     fmt.Sprintf("rigid segments use %.0f%% of the content budget", share*100),
		Why:      "little budget remains for retrieval and history, so bidding degenerates",
		How:      "shrink the system prompt and tool definitions, or raise max_context_tokens",
		Metadata: map[string]any{"share": share, "threshold": threshold},
	}}
}

func checkExpiredTTL(in Input, _ float64) []Finding {
	var ids []string
	for _, s := range in.Package.Segments {
		if s.Expired(in.Now) {
			ids = append(ids, s.ID)
		}
	}
	if len(ids) == 0 {
		return nil
	}
	return []Finding{{
		RuleName:   "expired_ttl",
		Severity:   SeverityWarning,
		Title:      "expired segments in the package",
		What:       fmt.Sprintf("%d kept segment(s) have passed their ttl", len(ids)),
		Why:        "stale state or tool output may contradict current reality",
		How:        "refresh these sources or drop expired segments before assembly",
		SegmentIDs: ids,
	}}
}

func checkOverCompression(in Input, threshold float64) []Finding {
	if threshold == 0 {
		threshold = 0.2
	}
	var ids []string
	for _, e := range in.Package.AuditLog {
		if e.Decision != audit.DecisionCompress {
			continue
		}
		// TokenImpact is the negative savings; original size is savings plus
		// what remains, which we approximate from the replacement when kept.
		saved := -e.TokenImpact
		if saved <= 0 {
			continue
		}
		for _, s := range in.Package.Segments {
			if hasParent(s, e.SegmentID) {
				original := s.TokenCount + saved
				if original > 0 && float64(s.TokenCount)/float64(original) < threshold {
					ids = append(ids, s.ID)
				}
			}
		}
	}
	if len(ids) == 0 {
		return nil
	}
	return []Finding{{
		RuleName:   "over_compression",
		Severity:   SeverityWarning,
		Title:      "segments compressed below the retention floor",
		What:       fmt.Sprintf("%d segment(s) retain less than %.0f%% of their original tokens", len(ids), threshold*100),
		Why:        "that little residue rarely preserves the meaning the segment was kept for",
		How:        "raise the budget, or drop these segments instead of compressing them this hard",
		SegmentIDs: ids,
		Metadata:   map[string]any{"threshold": threshold},
	}}
}

func hasParent(s segment.Segment, parentID string) bool {
	for _, p := range s.Provenance.ParentSegmentIDs {
		if p == parentID {
			return true
		}
	}
	return false
}

func checkRoutingNoEffect(in Input, _ float64) []Finding {
	if in.RoutedModel == "" || in.MatchedRule == "" {
		return nil
	}
	if in.RoutedModel != in.DefaultModel {
		return nil
	}
	return []Finding{{
		RuleName: "routing_no_effect",
		Severity: SeverityInfo,
		Title:    "routing rule selected the default model",
		What:     fmt.Sprintf("rule %q matched but chose the default model %q", in.MatchedRule, in.DefaultModel),
		Why:      "the rule costs evaluation time without changing the outcome",
		How:      "remove the rule or point it at a different model",
		Metadata: map[string]any{"rule": in.MatchedRule, "model": in.RoutedModel},
	}}
}

func checkIdleSanitizers(in Input, _ float64) []Finding {
	for _, e := range in.Package.AuditLog {
		if e.Decision == audit.DecisionSanitize || e.Decision == audit.DecisionRedact {
			return nil
		}
		if e.Decision == audit.DecisionDrop &&
			(e.ReasonCode == audit.ReasonSanitizeInjectionDetected || e.ReasonCode == audit.ReasonSanitizeFailed) {
			return nil
		}
	}
	return []Finding{{
		RuleName: "idle_sanitizers",
		Severity: SeverityInfo,
		Title:    "sanitize chain made no change",
		What:     "no sanitizer transformed or rejected anything on this request",
		Why:      "expected for clean traffic; on trusted-only inputs the chain is pure overhead",
		How:      "no action needed; consider disabling sanitizers for fully trusted sources",
	}}
}
