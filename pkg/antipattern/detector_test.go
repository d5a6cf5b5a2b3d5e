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

package antipattern

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/weft/pkg/audit"
	"github.com/kadirpekel/weft/pkg/config"
	"github.com/kadirpekel/weft/pkg/segment"
)

func counted(typ segment.Type, role string, tokens int) segment.Segment {
	return segment.New(typ, role, "content").WithTokenCount(tokens)
}

// cleanInput builds an input no critical or warning rule fires on.
func cleanInput() Input {
	return Input{
		Package: &segment.ContextPackage{
			Segments: []segment.Segment{
				counted(segment.TypeSystem, "system", 100),
				counted(segment.TypeUser, "user", 200),
			},
			BudgetAllocation: segment.BudgetAllocation{
				ContentBudget: 1000,
				RigidUsed:     100,
				TotalUsed:     300,
			},
		},
		Now: time.Now(),
	}
}

func findByRule(findings []Finding, name string) (Finding, bool) {
	for _, f := range findings {
		if f.RuleName == name {
			return f, true
		}
	}
	return Finding{}, false
}

func TestDetector_CleanPackage(t *testing.T) {
	d := New(config.AntipatternConfig{}, nil)
	findings := d.Detect(cleanInput())

	assert.False(t, HasCritical(findings))
	// The only expected finding on clean traffic is the informational
	// idle-sanitizers note.
	for _, f := range findings {
		assert.Equal(t, SeverityInfo, f.Severity)
	}
}

func TestRule_MissingTokenCounts(t *testing.T) {
	d := New(config.AntipatternConfig{}, nil)
	in := cleanInput()
	uncounted := segment.New(segment.TypeRAG, "user", "never counted")
	in.Package.Segments = append(in.Package.Segments, uncounted)

	findings := d.Detect(in)
	f, ok := findByRule(findings, "missing_token_counts")
	require.True(t, ok)
	assert.Equal(t, SeverityCritical, f.Severity)
	assert.Equal(t, []string{uncounted.ID}, f.SegmentIDs)
	assert.True(t, HasCritical(findings))
}

func TestRule_NamespaceVisibility(t *testing.T) {
	d := New(config.AntipatternConfig{}, nil)
	in := cleanInput()
	leaked := counted(segment.TypeRAG, "user", 50).WithNamespace("research")
	in.Package.Segments = append(in.Package.Segments, leaked)
	in.TargetNamespace = "writing"

	findings := d.Detect(in)
	f, ok := findByRule(findings, "namespace_visibility")
	require.True(t, ok)
	assert.Equal(t, SeverityCritical, f.Severity)
	assert.Contains(t, f.SegmentIDs, leaked.ID)

	t.Run("visibility grant clears the finding", func(t *testing.T) {
		in := cleanInput()
		granted := counted(segment.TypeRAG, "user", 50).
			WithNamespace("research").
			WithFlags(segment.ControlFlags{Visibility: []string{"writing"}})
		in.Package.Segments = append(in.Package.Segments, granted)
		in.TargetNamespace = "writing"

		_, ok := findByRule(d.Detect(in), "namespace_visibility")
		assert.False(t, ok)
	})
}

func TestRule_CircularProvenance(t *testing.T) {
	d := New(config.AntipatternConfig{}, nil)

	t.Run("self cycle", func(t *testing.T) {
		in := cleanInput()
		cyclic := counted(segment.TypeSummary, "user", 40)
		cyclic = cyclic.WithProvenance(segment.Provenance{ParentSegmentIDs: []string{cyclic.ID}})
		in.Package.Segments = append(in.Package.Segments, cyclic)

		f, ok := findByRule(d.Detect(in), "circular_provenance")
		require.True(t, ok)
		assert.Contains(t, f.SegmentIDs, cyclic.ID)
	})

	t.Run("two hop cycle", func(t *testing.T) {
		in := cleanInput()
		a := counted(segment.TypeSummary, "user", 40)
		b := counted(segment.TypeSummary, "user", 40)
		a = a.WithProvenance(segment.Provenance{ParentSegmentIDs: []string{b.ID}})
		b = b.WithProvenance(segment.Provenance{ParentSegmentIDs: []string{a.ID}})
		in.Package.Segments = append(in.Package.Segments, a, b)

		_, ok := findByRule(d.Detect(in), "circular_provenance")
		assert.True(t, ok)
	})

	t.Run("linear chain is fine", func(t *testing.T) {
		in := cleanInput()
		parent := counted(segment.TypeRAG, "user", 40)
		child := counted(segment.TypeSummary, "user", 20).
			WithProvenance(segment.Provenance{ParentSegmentIDs: []string{parent.ID}})
		in.Package.Segments = append(in.Package.Segments, parent, child)

		_, ok := findByRule(d.Detect(in), "circular_provenance")
		assert.False(t, ok)
	})
}

func TestRule_CriticalTokenShare(t *testing.T) {
	d := New(config.AntipatternConfig{}, nil)
	in := cleanInput()
	// 100 critical (system) vs 200 medium: share 1/3, under the 0.5 default.
	_, ok := findByRule(d.Detect(in), "critical_token_share")
	assert.False(t, ok)

	in.Package.Segments = []segment.Segment{
		counted(segment.TypeSystem, "system", 600),
		counted(segment.TypeUser, "user", 200),
	}
	f, ok := findByRule(d.Detect(in), "critical_token_share")
	require.True(t, ok)
	assert.Equal(t, SeverityWarning, f.Severity)
	assert.InDelta(t, 0.75, f.Metadata["share"], 0.001)
}

func TestRule_RigidShare(t *testing.T) {
	d := New(config.AntipatternConfig{}, nil)
	in := cleanInput()
	in.Package.BudgetAllocation.RigidUsed = 800

	f, ok := findByRule(d.Detect(in), "rigid_share")
	require.True(t, ok)
	assert.Equal(t, SeverityWarning, f.Severity)
	assert.InDelta(t, 0.8, f.Metadata["share"], 0.001)

	t.Run("custom threshold", func(t *testing.T) {
		d := New(config.AntipatternConfig{
			Rules: map[string]config.AntipatternRuleConfig{
				"rigid_share": {Threshold: 0.9},
			},
		}, nil)
		_, ok := findByRule(d.Detect(in), "rigid_share")
		assert.False(t, ok, "0.8 share is under the raised threshold")
	})
}

func TestRule_ExpiredTTL(t *testing.T) {
	d := New(config.AntipatternConfig{}, nil)
	in := cleanInput()

	stale := counted(segment.TypeState, "system", 30)
	stale.Metadata.Timestamp = time.Now().Add(-10 * time.Minute)
	stale.Metadata.TTLSeconds = 60
	in.Package.Segments = append(in.Package.Segments, stale)

	f, ok := findByRule(d.Detect(in), "expired_ttl")
	require.True(t, ok)
	assert.Equal(t, []string{stale.ID}, f.SegmentIDs)
}

func TestRule_OverCompression(t *testing.T) {
	d := New(config.AntipatternConfig{}, nil)
	in := cleanInput()

	original := counted(segment.TypeRAG, "user", 1000)
	// 1000 tokens squeezed to 100: 10% retention, under the 0.2 floor.
	replacement := counted(segment.TypeRAG, "user", 100).
		WithProvenance(segment.Provenance{ParentSegmentIDs: []string{original.ID}})
	in.Package.Segments = append(in.Package.Segments, replacement)
	in.Package.AuditLog = []audit.Entry{{
		SegmentID:   original.ID,
		Decision:    audit.DecisionCompress,
		ReasonCode:  audit.ReasonCompressWindowSaturation,
		TokenImpact: -900,
	}}

	f, ok := findByRule(d.Detect(in), "over_compression")
	require.True(t, ok)
	assert.Equal(t, []string{replacement.ID}, f.SegmentIDs)

	t.Run("moderate compression passes", func(t *testing.T) {
		in.Package.AuditLog[0].TokenImpact = -200
		in.Package.Segments[len(in.Package.Segments)-1] = replacement.WithTokenCount(800)
		_, ok := findByRule(d.Detect(in), "over_compression")
		assert.False(t, ok)
	})
}

func TestRule_RoutingNoEffect(t *testing.T) {
	d := New(config.AntipatternConfig{}, nil)
	in := cleanInput()
	in.DefaultModel = "gpt-4o-mini"
	in.RoutedModel = "gpt-4o-mini"
	in.MatchedRule = "pointless"

	f, ok := findByRule(d.Detect(in), "routing_no_effect")
	require.True(t, ok)
	assert.Equal(t, SeverityInfo, f.Severity)
	assert.Equal(t, "pointless", f.Metadata["rule"])

	t.Run("rule that switches models is fine", func(t *testing.T) {
		in.RoutedModel = "gpt-4o"
		_, ok := findByRule(d.Detect(in), "routing_no_effect")
		assert.False(t, ok)
	})

	t.Run("no matched rule is fine", func(t *testing.T) {
		in.RoutedModel = in.DefaultModel
		in.MatchedRule = ""
		_, ok := findByRule(d.Detect(in), "routing_no_effect")
		assert.False(t, ok)
	})
}

func TestRule_IdleSanitizers(t *testing.T) {
	d := New(config.AntipatternConfig{}, nil)

	in := cleanInput()
	_, ok := findByRule(d.Detect(in), "idle_sanitizers")
	assert.True(t, ok, "no sanitize activity in the audit log")

	in.Package.AuditLog = []audit.Entry{{
		SegmentID:  "s1",
		Decision:   audit.DecisionRedact,
		ReasonCode: audit.ReasonSanitizePIIRedacted,
	}}
	_, ok = findByRule(d.Detect(in), "idle_sanitizers")
	assert.False(t, ok)
}

func TestDetector_DisabledRuleIsSkipped(t *testing.T) {
	no := false
	d := New(config.AntipatternConfig{
		Rules: map[string]config.AntipatternRuleConfig{
			"missing_token_counts": {Enabled: &no},
		},
	}, nil)

	in := cleanInput()
	in.Package.Segments = append(in.Package.Segments, segment.New(segment.TypeRAG, "user", "uncounted"))

	_, ok := findByRule(d.Detect(in), "missing_token_counts")
	assert.False(t, ok)
}

func TestDetector_PanickingRuleIsIsolated(t *testing.T) {
	d := New(config.AntipatternConfig{}, nil)
	d.rules = append([]rule{{
		name:     "explosive",
		severity: SeverityInfo,
		check: func(Input, float64) []Finding {
			panic("boom")
		},
	}}, d.rules...)

	in := cleanInput()
	in.Package.Segments = append(in.Package.Segments, segment.New(segment.TypeRAG, "user", "uncounted"))

	findings := d.Detect(in)
	_, ok := findByRule(findings, "missing_token_counts")
	assert.True(t, ok, "rules after the panicking one still run")
}
