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

// Package config defines the declarative assembly policy and its loader.
//
// A Policy is a value, not code: after validation the engine receives a frozen
// struct and branches on field values only. Unknown fields are an error so a
// misspelled key cannot silently disable a sanitizer.
package config

import (
	"fmt"
	"sort"
)

// Policy is the root configuration document.
type Policy struct {
	Version string `yaml:"version" json:"version" jsonschema:"title=Version,description=Policy version string used in cache keys"`
	Name    string `yaml:"name,omitempty" json:"name,omitempty" jsonschema:"title=Name"`

	Budget        BudgetConfig        `yaml:"budget" json:"budget"`
	Sanitize      SanitizeConfig      `yaml:"sanitize,omitempty" json:"sanitize,omitempty"`
	Rerank        RerankConfig        `yaml:"rerank,omitempty" json:"rerank,omitempty"`
	Compress      CompressConfig      `yaml:"compress,omitempty" json:"compress,omitempty"`
	Cache         CacheConfig         `yaml:"cache,omitempty" json:"cache,omitempty"`
	Routing       RoutingConfig       `yaml:"routing,omitempty" json:"routing,omitempty"`
	Observability ObservabilityConfig `yaml:"observability,omitempty" json:"observability,omitempty"`
	Antipattern   AntipatternConfig   `yaml:"antipattern,omitempty" json:"antipattern,omitempty"`
	Server        ServerConfig        `yaml:"server,omitempty" json:"server,omitempty"`
}

// BudgetConfig controls the three-tier token budget.
type BudgetConfig struct {
	MaxContextTokens    int     `yaml:"max_context_tokens" json:"max_context_tokens" jsonschema:"minimum=1"`
	OutputReserved      int     `yaml:"output_reserved_tokens" json:"output_reserved_tokens" jsonschema:"minimum=0"`
	ThinkingReserved    int     `yaml:"thinking_reserved_tokens,omitempty" json:"thinking_reserved_tokens,omitempty" jsonschema:"minimum=0"`
	SaturationThreshold float64 `yaml:"saturation_threshold,omitempty" json:"saturation_threshold,omitempty" jsonschema:"minimum=0,maximum=1"`

	// OverflowStrategy: truncate_lowest_priority (default) or error.
	OverflowStrategy string `yaml:"overflow_strategy,omitempty" json:"overflow_strategy,omitempty" jsonschema:"enum=truncate_lowest_priority,enum=error"`

	// ElasticRatios maps segment types to their share of the elastic budget.
	// The sum must not exceed 1.0.
	ElasticRatios map[string]float64 `yaml:"elastic_ratios,omitempty" json:"elastic_ratios,omitempty"`

	// RigidSegmentTypes are always booked before elastic bidding, regardless
	// of priority.
	RigidSegmentTypes []string `yaml:"rigid_segment_types,omitempty" json:"rigid_segment_types,omitempty"`

	MinElasticTokens int `yaml:"min_elastic_tokens,omitempty" json:"min_elastic_tokens,omitempty" jsonschema:"minimum=0"`

	// Bid weights: bid = alpha*priority_rank + beta*score + gamma*quota_headroom.
	BidAlpha float64 `yaml:"bid_alpha,omitempty" json:"bid_alpha,omitempty"`
	BidBeta  float64 `yaml:"bid_beta,omitempty" json:"bid_beta,omitempty"`
	BidGamma float64 `yaml:"bid_gamma,omitempty" json:"bid_gamma,omitempty"`
}

const (
	OverflowTruncateLowest = "truncate_lowest_priority"
	OverflowError          = "error"
)

// SanitizeConfig controls the zero-trust sanitization chain.
type SanitizeConfig struct {
	UnicodeNormalize   *bool `yaml:"unicode_normalize,omitempty" json:"unicode_normalize,omitempty"`
	StripHTML          *bool `yaml:"strip_html,omitempty" json:"strip_html,omitempty"`
	PIIRedaction       *bool `yaml:"pii_redaction,omitempty" json:"pii_redaction,omitempty"`
	InjectionDetection *bool `yaml:"injection_detection,omitempty" json:"injection_detection,omitempty"`

	// InjectionLevel selects the pattern bank tier: basic, standard, strict.
	InjectionLevel string `yaml:"injection_level,omitempty" json:"injection_level,omitempty" jsonschema:"enum=basic,enum=standard,enum=strict"`

	// OnInjection: warn_and_remove (default), error, log_only.
	OnInjection string `yaml:"on_injection,omitempty" json:"on_injection,omitempty" jsonschema:"enum=warn_and_remove,enum=error,enum=log_only"`

	// PIIPatterns limits redaction to the named detectors (phone, email,
	// national_id, bank_card, ip, url). Empty means all.
	PIIPatterns []string `yaml:"pii_patterns,omitempty" json:"pii_patterns,omitempty"`

	// HTMLMode: strip (default) or escape.
	HTMLMode string `yaml:"html_mode,omitempty" json:"html_mode,omitempty" jsonschema:"enum=strip,enum=escape"`

	MaxSegmentChars  int     `yaml:"max_segment_chars,omitempty" json:"max_segment_chars,omitempty" jsonschema:"minimum=0"`
	MaxLines         int     `yaml:"max_lines,omitempty" json:"max_lines,omitempty" jsonschema:"minimum=0"`
	MaxLineChars     int     `yaml:"max_line_chars,omitempty" json:"max_line_chars,omitempty" jsonschema:"minimum=0"`
	MaxRepeatRatio   float64 `yaml:"max_repeat_ratio,omitempty" json:"max_repeat_ratio,omitempty" jsonschema:"minimum=0,maximum=1"`
	TruncateOnLength bool    `yaml:"truncate_on_length,omitempty" json:"truncate_on_length,omitempty"`

	// LLMTimeoutIsDetection counts an LLM classifier timeout as a detection
	// instead of degrading to the heuristic result.
	LLMTimeoutIsDetection bool `yaml:"llm_timeout_is_detection,omitempty" json:"llm_timeout_is_detection,omitempty"`
}

const (
	OnInjectionWarnAndRemove = "warn_and_remove"
	OnInjectionError         = "error"
	OnInjectionLogOnly       = "log_only"
)

// RerankConfig controls ordering, diversity and dedup.
type RerankConfig struct {
	EnableMMR           bool    `yaml:"enable_mmr,omitempty" json:"enable_mmr,omitempty"`
	MMRLambda           float64 `yaml:"mmr_lambda,omitempty" json:"mmr_lambda,omitempty" jsonschema:"minimum=0,maximum=1"`
	SimilarityThreshold float64 `yaml:"similarity_threshold,omitempty" json:"similarity_threshold,omitempty" jsonschema:"minimum=0,maximum=1"`

	// MaxPerType caps the number of segments admitted per type (0 = no cap).
	MaxPerType map[string]int `yaml:"max_per_type,omitempty" json:"max_per_type,omitempty"`

	TemporalDecay  bool    `yaml:"temporal_decay,omitempty" json:"temporal_decay,omitempty"`
	DecayRate      float64 `yaml:"decay_rate,omitempty" json:"decay_rate,omitempty" jsonschema:"minimum=0"`
	DecayMinWeight float64 `yaml:"decay_min_weight,omitempty" json:"decay_min_weight,omitempty" jsonschema:"minimum=0,maximum=1"`
}

// CompressConfig controls the saturation-triggered compression engine.
type CompressConfig struct {
	Enabled *bool `yaml:"enabled,omitempty" json:"enabled,omitempty"`

	// DefaultCompressor: truncation (default), dedup, summary.
	DefaultCompressor string `yaml:"default_compressor,omitempty" json:"default_compressor,omitempty" jsonschema:"enum=truncation,enum=dedup,enum=summary"`

	// SaturationTrigger overrides budget.saturation_threshold when set.
	SaturationTrigger float64 `yaml:"saturation_trigger,omitempty" json:"saturation_trigger,omitempty" jsonschema:"minimum=0,maximum=1"`

	PreserveMustKeep *bool `yaml:"preserve_must_keep,omitempty" json:"preserve_must_keep,omitempty"`
	MinSegmentTokens int   `yaml:"min_segment_tokens,omitempty" json:"min_segment_tokens,omitempty" jsonschema:"minimum=0"`

	// TruncationMode: tail (default), head, middle.
	TruncationMode string `yaml:"truncation_mode,omitempty" json:"truncation_mode,omitempty" jsonschema:"enum=tail,enum=head,enum=middle"`

	// HeadRatio is the front share retained in middle mode.
	HeadRatio float64 `yaml:"head_ratio,omitempty" json:"head_ratio,omitempty" jsonschema:"minimum=0,maximum=1"`

	// SummaryFallback disables falling back to truncation when the abstractive
	// compressor fails. Default true (fallback enabled).
	SummaryFallback *bool `yaml:"summary_fallback,omitempty" json:"summary_fallback,omitempty"`
}

// CacheConfig controls the multi-tier cache.
type CacheConfig struct {
	Enabled *bool `yaml:"enabled,omitempty" json:"enabled,omitempty"`

	// Backend: memory (default) or sql.
	Backend string `yaml:"backend,omitempty" json:"backend,omitempty" jsonschema:"enum=memory,enum=sql"`

	TTLSeconds   int   `yaml:"ttl_seconds,omitempty" json:"ttl_seconds,omitempty" jsonschema:"minimum=0"`
	MaxEntries   int   `yaml:"max_entries,omitempty" json:"max_entries,omitempty" jsonschema:"minimum=0"`
	PrefixCache  *bool `yaml:"prefix_cache,omitempty" json:"prefix_cache,omitempty"`
	PackageCache *bool `yaml:"package_cache,omitempty" json:"package_cache,omitempty"`

	// Database configures the SQL L2 backend.
	Database *DatabaseConfig `yaml:"database,omitempty" json:"database,omitempty"`
}

// RoutingRule matches a request to a target model.
type RoutingRule struct {
	Name     string `yaml:"name" json:"name"`
	Priority int    `yaml:"priority,omitempty" json:"priority,omitempty"`

	// Condition type: complexity, keyword, token_count, segment_type_present.
	Condition string `yaml:"condition" json:"condition" jsonschema:"enum=complexity,enum=keyword,enum=token_count,enum=segment_type_present"`

	// Value is interpreted per condition: a complexity name, a regex, a range
	// expression (">N", "<N", "N-M", "N"), or a segment type.
	Value       string `yaml:"value" json:"value"`
	TargetModel string `yaml:"target_model" json:"target_model"`
}

// RoutingModel describes a routable model.
type RoutingModel struct {
	ID           string  `yaml:"id" json:"id"`
	CostPerToken float64 `yaml:"cost_per_token,omitempty" json:"cost_per_token,omitempty"`
	MaxContext   int     `yaml:"max_context,omitempty" json:"max_context,omitempty"`
	Available    *bool   `yaml:"available,omitempty" json:"available,omitempty"`
}

// RoutingConfig controls request routing.
type RoutingConfig struct {
	Enabled       bool           `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	DefaultModel  string         `yaml:"default_model,omitempty" json:"default_model,omitempty"`
	FallbackModel string         `yaml:"fallback_model,omitempty" json:"fallback_model,omitempty"`
	Models        []RoutingModel `yaml:"models,omitempty" json:"models,omitempty"`
	Rules         []RoutingRule  `yaml:"rules,omitempty" json:"rules,omitempty"`

	// UseLLM enables the LLM-backed classifier with rule fallback.
	UseLLM bool `yaml:"use_llm,omitempty" json:"use_llm,omitempty"`
}

// ObservabilityConfig controls snapshots, tracing and metrics.
type ObservabilityConfig struct {
	SnapshotEnabled bool   `yaml:"snapshot_enabled,omitempty" json:"snapshot_enabled,omitempty"`
	SnapshotDir     string `yaml:"snapshot_dir,omitempty" json:"snapshot_dir,omitempty"`
	TracingEnabled  bool   `yaml:"tracing_enabled,omitempty" json:"tracing_enabled,omitempty"`
	MetricsEnabled  bool   `yaml:"metrics_enabled,omitempty" json:"metrics_enabled,omitempty"`
}

// AntipatternRuleConfig tunes a single detector rule. Enabled is orthogonal to
// severity: disabling a rule never downgrades it, it just skips it.
type AntipatternRuleConfig struct {
	Enabled   *bool   `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	Threshold float64 `yaml:"threshold,omitempty" json:"threshold,omitempty"`
}

// AntipatternConfig controls the post-assembly detector.
type AntipatternConfig struct {
	Enabled        bool                             `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	FailOnCritical bool                             `yaml:"fail_on_critical,omitempty" json:"fail_on_critical,omitempty"`
	Rules          map[string]AntipatternRuleConfig `yaml:"rules,omitempty" json:"rules,omitempty"`
}

// ServerConfig controls the HTTP server.
type ServerConfig struct {
	Host string `yaml:"host,omitempty" json:"host,omitempty"`
	Port int    `yaml:"port,omitempty" json:"port,omitempty" jsonschema:"minimum=0,maximum=65535"`
}

// ============================================================================
// Defaults
// ============================================================================

// SetDefaults fills unset fields with working defaults.
func (p *Policy) SetDefaults() {
	if p.Version == "" {
		p.Version = "1"
	}

	if p.Budget.MaxContextTokens == 0 {
		p.Budget.MaxContextTokens = 128000
	}
	if p.Budget.OutputReserved == 0 {
		p.Budget.OutputReserved = 4096
	}
	if p.Budget.SaturationThreshold == 0 {
		p.Budget.SaturationThreshold = 0.85
	}
	if p.Budget.OverflowStrategy == "" {
		p.Budget.OverflowStrategy = OverflowTruncateLowest
	}
	if p.Budget.BidAlpha == 0 {
		p.Budget.BidAlpha = 1.0
	}
	if p.Budget.BidBeta == 0 {
		p.Budget.BidBeta = 0.5
	}
	if p.Budget.BidGamma == 0 {
		p.Budget.BidGamma = 0.3
	}

	setBoolDefault(&p.Sanitize.UnicodeNormalize, true)
	setBoolDefault(&p.Sanitize.StripHTML, true)
	setBoolDefault(&p.Sanitize.PIIRedaction, true)
	setBoolDefault(&p.Sanitize.InjectionDetection, true)
	if p.Sanitize.InjectionLevel == "" {
		p.Sanitize.InjectionLevel = "standard"
	}
	if p.Sanitize.OnInjection == "" {
		p.Sanitize.OnInjection = OnInjectionWarnAndRemove
	}
	if p.Sanitize.HTMLMode == "" {
		p.Sanitize.HTMLMode = "strip"
	}
	if p.Sanitize.MaxSegmentChars == 0 {
		p.Sanitize.MaxSegmentChars = 100000
	}
	if p.Sanitize.MaxLines == 0 {
		p.Sanitize.MaxLines = 5000
	}
	if p.Sanitize.MaxLineChars == 0 {
		p.Sanitize.MaxLineChars = 20000
	}
	if p.Sanitize.MaxRepeatRatio == 0 {
		p.Sanitize.MaxRepeatRatio = 0.9
	}

	if p.Rerank.MMRLambda == 0 {
		p.Rerank.MMRLambda = 0.7
	}
	if p.Rerank.SimilarityThreshold == 0 {
		p.Rerank.SimilarityThreshold = 0.85
	}
	if p.Rerank.DecayRate == 0 {
		p.Rerank.DecayRate = 0.1
	}
	if p.Rerank.DecayMinWeight == 0 {
		p.Rerank.DecayMinWeight = 0.1
	}

	setBoolDefault(&p.Compress.Enabled, true)
	setBoolDefault(&p.Compress.PreserveMustKeep, true)
	setBoolDefault(&p.Compress.SummaryFallback, true)
	if p.Compress.DefaultCompressor == "" {
		p.Compress.DefaultCompressor = "truncation"
	}
	if p.Compress.SaturationTrigger == 0 {
		p.Compress.SaturationTrigger = p.Budget.SaturationThreshold
	}
	if p.Compress.MinSegmentTokens == 0 {
		p.Compress.MinSegmentTokens = 50
	}
	if p.Compress.TruncationMode == "" {
		p.Compress.TruncationMode = "tail"
	}
	if p.Compress.HeadRatio == 0 {
		p.Compress.HeadRatio = 0.5
	}

	setBoolDefault(&p.Cache.Enabled, true)
	setBoolDefault(&p.Cache.PrefixCache, true)
	setBoolDefault(&p.Cache.PackageCache, true)
	if p.Cache.Backend == "" {
		p.Cache.Backend = "memory"
	}
	if p.Cache.TTLSeconds == 0 {
		p.Cache.TTLSeconds = 300
	}
	if p.Cache.MaxEntries == 0 {
		p.Cache.MaxEntries = 1024
	}
	if p.Cache.Database != nil {
		p.Cache.Database.SetDefaults()
	}

	if p.Observability.SnapshotDir == "" {
		p.Observability.SnapshotDir = ".weft/snapshots"
	}

	if p.Server.Host == "" {
		p.Server.Host = "127.0.0.1"
	}
	if p.Server.Port == 0 {
		p.Server.Port = 8080
	}
}

func setBoolDefault(field **bool, def bool) {
	if *field == nil {
		v := def
		*field = &v
	}
}

// Bool dereferences an optional boolean with a default.
func Bool(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}

// ============================================================================
// Validation
// ============================================================================

// Validate checks cross-field constraints. Call after SetDefaults.
func (p *Policy) Validate() error {
	b := p.Budget
	if b.MaxContextTokens <= 0 {
		return fieldErr("budget.max_context_tokens", "must be positive, got %d", b.MaxContextTokens)
	}
	if b.OutputReserved < 0 || b.ThinkingReserved < 0 {
		return fieldErr("budget", "reserves must be non-negative")
	}
	if b.OutputReserved+b.ThinkingReserved >= b.MaxContextTokens {
		return fieldErr("budget.output_reserved_tokens",
			"output_reserved (%d) + thinking_reserved (%d) must be < max_context_tokens (%d); lower the reserves or raise the window",
			b.OutputReserved, b.ThinkingReserved, b.MaxContextTokens)
	}
	if b.SaturationThreshold < 0 || b.SaturationThreshold > 1 {
		return fieldErr("budget.saturation_threshold", "must be in [0,1], got %g", b.SaturationThreshold)
	}
	if b.OverflowStrategy != OverflowTruncateLowest && b.OverflowStrategy != OverflowError {
		return fieldErr("budget.overflow_strategy", "must be %q or %q, got %q",
			OverflowTruncateLowest, OverflowError, b.OverflowStrategy)
	}

	var ratioSum float64
	for typ, ratio := range b.ElasticRatios {
		if ratio < 0 || ratio > 1 {
			return fieldErr("budget.elastic_ratios."+typ, "must be in [0,1], got %g", ratio)
		}
		ratioSum += ratio
	}
	if ratioSum > 1.0+1e-9 {
		keys := make([]string, 0, len(b.ElasticRatios))
		for k := range b.ElasticRatios {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		return fieldErr("budget.elastic_ratios", "ratios for %v sum to %.3f, must be <= 1.0", keys, ratioSum)
	}

	switch p.Sanitize.InjectionLevel {
	case "basic", "standard", "strict":
	default:
		return fieldErr("sanitize.injection_level", "must be basic, standard or strict, got %q", p.Sanitize.InjectionLevel)
	}
	switch p.Sanitize.OnInjection {
	case OnInjectionWarnAndRemove, OnInjectionError, OnInjectionLogOnly:
	default:
		return fieldErr("sanitize.on_injection", "must be warn_and_remove, error or log_only, got %q", p.Sanitize.OnInjection)
	}
	if p.Sanitize.MaxRepeatRatio < 0 || p.Sanitize.MaxRepeatRatio > 1 {
		return fieldErr("sanitize.max_repeat_ratio", "must be in [0,1], got %g", p.Sanitize.MaxRepeatRatio)
	}

	if p.Rerank.MMRLambda < 0 || p.Rerank.MMRLambda > 1 {
		return fieldErr("rerank.mmr_lambda", "must be in [0,1], got %g", p.Rerank.MMRLambda)
	}
	if p.Rerank.SimilarityThreshold < 0 || p.Rerank.SimilarityThreshold > 1 {
		return fieldErr("rerank.similarity_threshold", "must be in [0,1], got %g", p.Rerank.SimilarityThreshold)
	}

	switch p.Compress.DefaultCompressor {
	case "truncation", "dedup", "summary":
	default:
		return fieldErr("compress.default_compressor", "must be truncation, dedup or summary, got %q", p.Compress.DefaultCompressor)
	}
	if p.Compress.SaturationTrigger < 0 || p.Compress.SaturationTrigger > 1 {
		return fieldErr("compress.saturation_trigger", "must be in [0,1], got %g", p.Compress.SaturationTrigger)
	}
	switch p.Compress.TruncationMode {
	case "tail", "head", "middle":
	default:
		return fieldErr("compress.truncation_mode", "must be tail, head or middle, got %q", p.Compress.TruncationMode)
	}

	switch p.Cache.Backend {
	case "memory":
	case "sql":
		if p.Cache.Database == nil {
			return fieldErr("cache.database", "required when cache.backend is sql")
		}
		if err := p.Cache.Database.Validate(); err != nil {
			return fieldErr("cache.database", "%v", err)
		}
	default:
		return fieldErr("cache.backend", "must be memory or sql, got %q", p.Cache.Backend)
	}

	if p.Routing.Enabled {
		if p.Routing.DefaultModel == "" {
			return fieldErr("routing.default_model", "required when routing is enabled")
		}
		seen := make(map[string]bool, len(p.Routing.Rules))
		for i, rule := range p.Routing.Rules {
			if rule.Name == "" {
				return fieldErr(fmt.Sprintf("routing.rules[%d].name", i), "required")
			}
			if seen[rule.Name] {
				return fieldErr(fmt.Sprintf("routing.rules[%d].name", i), "duplicate rule name %q", rule.Name)
			}
			seen[rule.Name] = true
			switch rule.Condition {
			case "complexity", "keyword", "token_count", "segment_type_present":
			default:
				return fieldErr(fmt.Sprintf("routing.rules[%d].condition", i),
					"must be complexity, keyword, token_count or segment_type_present, got %q", rule.Condition)
			}
			if rule.TargetModel == "" {
				return fieldErr(fmt.Sprintf("routing.rules[%d].target_model", i), "required")
			}
		}
	}

	return nil
}

// fieldErr formats a validation error carrying the offending field path.
func fieldErr(path, format string, args ...any) error {
	return fmt.Errorf("%s: %s", path, fmt.Sprintf(format, args...))
}
