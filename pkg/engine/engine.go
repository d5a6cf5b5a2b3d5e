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

// Package engine is the Build facade: it turns a request plus a policy into
// a deterministic ContextPackage by running the stage pipeline, consulting
// the cache and the router, and applying post-assembly checks.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kadirpekel/weft/pkg/antipattern"
	"github.com/kadirpekel/weft/pkg/audit"
	"github.com/kadirpekel/weft/pkg/cache"
	"github.com/kadirpekel/weft/pkg/compress"
	"github.com/kadirpekel/weft/pkg/config"
	"github.com/kadirpekel/weft/pkg/errs"
	"github.com/kadirpekel/weft/pkg/llms"
	"github.com/kadirpekel/weft/pkg/observability"
	"github.com/kadirpekel/weft/pkg/pipeline"
	"github.com/kadirpekel/weft/pkg/router"
	"github.com/kadirpekel/weft/pkg/sanitize"
	"github.com/kadirpekel/weft/pkg/segment"
	"github.com/kadirpekel/weft/pkg/snapshot"
	"github.com/kadirpekel/weft/pkg/tokenizer"
)

// Engine holds the per-policy machinery shared across concurrent builds.
// Segments are immutable and every build gets its own pipeline context, so
// the only cross-request mutable state is the cache.
type Engine struct {
	policy    *config.Policy
	registry  *tokenizer.Registry
	runtime   *pipeline.Runtime
	cache     *cache.Manager
	router    *router.Router
	llmRouter *router.LLMRouter
	detector  *antipattern.Detector
	snapshots *snapshot.Store
	metrics   observability.Metrics
	logger    *slog.Logger
}

// Option configures an Engine.
type Option func(*options)

type options struct {
	classifier llms.Generator
	summarizer llms.Generator
	routerLLM  llms.Generator
	l2         cache.Store
	metrics    observability.Metrics
	logger     *slog.Logger
	registry   *tokenizer.Registry
	skipStages []string
	replace    []pipeline.Stage
}

// WithClassifier sets the LLM used by the injection detector.
func WithClassifier(g llms.Generator) Option { return func(o *options) { o.classifier = g } }

// WithSummarizer sets the LLM used by the abstractive compressor.
func WithSummarizer(g llms.Generator) Option { return func(o *options) { o.summarizer = g } }

// WithRouterLLM sets the LLM used by the routing classifier.
func WithRouterLLM(g llms.Generator) Option { return func(o *options) { o.routerLLM = g } }

// WithL2 attaches an external cache store behind L1.
func WithL2(store cache.Store) Option { return func(o *options) { o.l2 = store } }

// WithMetrics sets the metrics recorder.
func WithMetrics(m observability.Metrics) Option { return func(o *options) { o.metrics = m } }

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option { return func(o *options) { o.logger = l } }

// WithRegistry replaces the default tokenizer registry.
func WithRegistry(r *tokenizer.Registry) Option { return func(o *options) { o.registry = r } }

// WithSkipStages bypasses the named pipeline stages.
func WithSkipStages(names ...string) Option { return func(o *options) { o.skipStages = names } }

// WithStage replaces a pipeline stage by name.
func WithStage(s pipeline.Stage) Option { return func(o *options) { o.replace = append(o.replace, s) } }

// New builds an engine for a validated policy.
func New(policy *config.Policy, opts ...Option) (*Engine, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.metrics == nil {
		o.metrics = observability.NoopMetrics{}
	}
	if o.registry == nil {
		o.registry = tokenizer.NewRegistry()
	}

	l2 := o.l2
	if l2 == nil && policy.Cache.Backend == "sql" && policy.Cache.Database != nil {
		store, err := cache.NewSQLStore(config.NewDBPool(), policy.Cache.Database)
		if err != nil {
			return nil, errs.Wrap(errs.KindConfig, "sql cache backend unavailable", err).
				WithHow("check cache.database settings, or switch cache.backend to memory")
		}
		l2 = store
	}
	cacheManager := cache.NewManager(policy.Cache, l2, o.logger)

	chain := sanitize.FromConfig(policy.Sanitize, o.classifier)

	compressor, err := buildCompressor(policy.Compress, o.summarizer)
	if err != nil {
		return nil, err
	}
	compressEngine := compress.NewEngine(policy.Compress, policy.Rerank, compressor)

	sanitizeStage := pipeline.NewSanitizeStage(chain, policy.Sanitize)
	if config.Bool(policy.Cache.Enabled, true) {
		sanitizeStage.WithCache(cacheManager)
	}

	stages := []pipeline.Stage{
		pipeline.NewNormalizeStage(),
		sanitizeStage,
		pipeline.NewRerankStage(policy.Rerank),
		pipeline.NewAllocateStage(policy.Budget),
		pipeline.NewCompressStage(compressEngine, policy.Compress, policy.Budget),
		pipeline.NewAssembleStage(),
	}
	var runtimeOpts []pipeline.Option
	if len(o.skipStages) > 0 {
		runtimeOpts = append(runtimeOpts, pipeline.WithSkip(o.skipStages...))
	}
	for _, s := range o.replace {
		runtimeOpts = append(runtimeOpts, pipeline.WithReplacement(s))
	}

	e := &Engine{
		policy:   policy,
		registry: o.registry,
		runtime:  pipeline.NewRuntime(stages, runtimeOpts...),
		cache:    cacheManager,
		detector: antipattern.New(policy.Antipattern, o.logger),
		metrics:  o.metrics,
		logger:   o.logger,
	}

	if policy.Routing.Enabled {
		r, err := router.New(policy.Routing)
		if err != nil {
			return nil, errs.Wrap(errs.KindConfig, "invalid routing rules", err)
		}
		e.router = r
		if policy.Routing.UseLLM && o.routerLLM != nil {
			e.llmRouter = router.NewLLMRouter(r, o.routerLLM)
		}
	}

	if policy.Observability.SnapshotEnabled {
		store, err := snapshot.NewStore(policy.Observability.SnapshotDir)
		if err != nil {
			return nil, errs.Wrap(errs.KindConfig, "snapshot store unavailable", err)
		}
		e.snapshots = store
	}

	return e, nil
}

func buildCompressor(cfg config.CompressConfig, summarizer llms.Generator) (compress.Compressor, error) {
	truncation := compress.NewTruncationCompressor(cfg.TruncationMode, cfg.HeadRatio)
	switch cfg.DefaultCompressor {
	case "summary":
		if summarizer == nil {
			// No backend: truncation carries the tier passes.
			return truncation, nil
		}
		fallback := truncation
		if !config.Bool(cfg.SummaryFallback, true) {
			fallback = nil
		}
		return compress.NewAbstractiveCompressor(summarizer, fallback), nil
	case "dedup", "truncation", "":
		// The dedup pass always runs inside the engine; tier compression
		// stays truncation-based.
		return truncation, nil
	default:
		return nil, errs.New(errs.KindConfig, "unknown compressor").
			WithWhy("compress.default_compressor is %q", cfg.DefaultCompressor).
			WithHow("use truncation, dedup or summary")
	}
}

// Snapshots returns the snapshot store, or nil when snapshots are disabled.
func (e *Engine) Snapshots() *snapshot.Store { return e.snapshots }

// Policy returns the engine's frozen policy.
func (e *Engine) Policy() *config.Policy { return e.policy }

// Build assembles a ContextPackage for the request. It is safe to call
// concurrently; cancellation yields a structured error, never a partial
// package.
func (e *Engine) Build(ctx context.Context, req *Request) (*segment.ContextPackage, error) {
	start := time.Now()

	pkg, err := e.build(ctx, req, start)
	if err != nil {
		e.metrics.RecordBuildError(ctx, string(errs.KindOf(err)))
		return nil, err
	}

	e.metrics.RecordBuild(ctx, pkg.Model, time.Since(start).Seconds(),
		pkg.TokenUsage.TotalTokens, pkg.BudgetAllocation.SaturationRate)
	return pkg, nil
}

func (e *Engine) build(ctx context.Context, req *Request, start time.Time) (*segment.ContextPackage, error) {
	// Routing happens before cache keying so a routed model gets its own
	// package entries.
	model, decision := e.route(ctx, req)

	usePackageCache := config.Bool(e.policy.Cache.Enabled, true) && config.Bool(e.policy.Cache.PackageCache, true)
	var key string
	if usePackageCache {
		key = cache.PackageKey(req.Fingerprint(), model, e.policy.Version)
		if data, hit, _ := e.cache.Get(ctx, key); hit {
			var cached segment.ContextPackage
			if err := json.Unmarshal(data, &cached); err == nil {
				e.metrics.RecordCacheHit(ctx, "package")
				if cached.Metadata == nil {
					cached.Metadata = make(map[string]any)
				}
				cached.Metadata["cache_hit"] = true
				return &cached, nil
			}
			// Unreadable entry: treat as a miss and overwrite below.
		}
		e.metrics.RecordCacheMiss(ctx, "package")
	}

	counter, err := e.registry.Resolve(model)
	if err != nil {
		return nil, errs.Wrap(errs.KindModelUnknown, "no tokenizer for model", err).
			WithWhy("model %q has no tokenizer mapping and fallback is disabled", model).
			WithHow("register a tokenizer for this model or enable the estimator fallback").
			WithMeta("model", model)
	}

	pc := &pipeline.Context{
		RequestID: uuid.NewString(),
		Model:     model,
		Policy:    e.policy,
		Counter:   counter,
		Audit:     audit.NewLog(),
		Logger:    e.logger,
		Metadata:  make(map[string]any),
	}
	if decision != nil {
		pc.Metadata["routing"] = decision
	}

	segments, err := e.runtime.Run(ctx, req.toSegments(), pc)
	if err != nil {
		return nil, err
	}

	pkg := e.assemble(req, segments, pc, start)

	if config.Bool(e.policy.Cache.Enabled, true) && config.Bool(e.policy.Cache.PrefixCache, true) {
		e.touchPrefixCache(ctx, pkg)
	}

	if e.policy.Antipattern.Enabled {
		if err := e.inspect(pkg, req, decision); err != nil {
			return nil, err
		}
	}

	if usePackageCache {
		if data, err := json.Marshal(pkg); err == nil {
			if warning := e.cache.Set(ctx, key, data); warning != "" {
				pkg.Warnings = append(pkg.Warnings, warning)
			}
		}
	}

	if e.snapshots != nil {
		if _, err := e.snapshots.Save(pkg); err != nil {
			e.logger.Warn("snapshot write failed", "request_id", pkg.RequestID, "error", err)
			pkg.Warnings = append(pkg.Warnings, "snapshot write failed: "+err.Error())
		}
	}

	return pkg, nil
}

// route picks the model: explicit override, then router, then routing
// default, then policy name fallback.
func (e *Engine) route(ctx context.Context, req *Request) (string, *router.Decision) {
	if req.Model != "" {
		return req.Model, nil
	}
	if e.router == nil {
		if e.policy.Routing.DefaultModel != "" {
			return e.policy.Routing.DefaultModel, nil
		}
		return "gpt-4o", nil
	}

	rreq := router.Request{
		Query:        req.Query(),
		TokenCount:   tokenizer.Estimator{}.Count(req.ContentText()),
		SegmentTypes: segmentTypes(req),
	}
	var d router.Decision
	if e.llmRouter != nil {
		d = e.llmRouter.Route(ctx, rreq)
	} else {
		d = e.router.Route(rreq)
	}
	return d.Model, &d
}

func segmentTypes(req *Request) map[segment.Type]bool {
	types := make(map[segment.Type]bool)
	if req.SystemPrompt != "" {
		types[segment.TypeSystem] = true
	}
	if len(req.Messages) > 0 {
		types[segment.TypeUser] = true
	}
	if len(req.RAGChunks) > 0 {
		types[segment.TypeRAG] = true
	}
	if len(req.Tools) > 0 {
		types[segment.TypeToolDefinition] = true
	}
	if len(req.FewShotExamples) > 0 {
		types[segment.TypeFewShot] = true
	}
	if len(req.State) > 0 {
		types[segment.TypeState] = true
	}
	for _, s := range req.Segments {
		types[s.Type] = true
	}
	return types
}

func (e *Engine) assemble(req *Request, segments []segment.Segment, pc *pipeline.Context, start time.Time) *segment.ContextPackage {
	pkg := &segment.ContextPackage{
		RequestID:          pc.RequestID,
		Model:              pc.Model,
		PolicyVersion:      e.policy.Version,
		Segments:           segments,
		TokenUsage:         segment.ComputeUsage(segments),
		AuditLog:           pc.Audit.Entries(),
		Warnings:           pc.Warnings,
		Metadata:           pc.Metadata,
		AssemblyDurationMS: float64(time.Since(start).Microseconds()) / 1000,
		CreatedAt:          time.Now().UTC(),
	}
	if pkg.Warnings == nil {
		pkg.Warnings = []string{}
	}
	if pc.Allocation != nil {
		pkg.BudgetAllocation = *pc.Allocation
	}

	timings := make(map[string]float64, len(pc.Timings))
	for _, t := range pc.Timings {
		timings[t.Stage] = float64(t.Duration.Microseconds()) / 1000
	}
	pkg.Metadata["stage_timings_ms"] = timings
	return pkg
}

// touchPrefixCache tracks reuse of the static head (system, schema and tool
// segments) across builds. A hit means the head's token counts were already
// paid for by an earlier request with the same policy and model.
func (e *Engine) touchPrefixCache(ctx context.Context, pkg *segment.ContextPackage) {
	var members []string
	headTokens := 0
	for _, s := range pkg.Segments {
		if s.Type != segment.TypeSystem && s.Type != segment.TypeSchema && s.Type != segment.TypeToolDefinition {
			break
		}
		members = append(members, s.Content)
		headTokens += s.TokenCount
	}
	if len(members) == 0 {
		return
	}

	key := cache.PrefixKey(members, pkg.Model, e.policy.Version)
	if _, hit, _ := e.cache.Get(ctx, key); hit {
		e.metrics.RecordCacheHit(ctx, "prefix")
		pkg.Metadata["prefix_cache_hit"] = true
		return
	}
	e.metrics.RecordCacheMiss(ctx, "prefix")
	if data, err := json.Marshal(map[string]int{"head_tokens": headTokens}); err == nil {
		e.cache.Set(ctx, key, data)
	}
}

// inspect runs the anti-pattern detector and attaches findings; critical
// findings fail the build when the policy says so.
func (e *Engine) inspect(pkg *segment.ContextPackage, req *Request, decision *router.Decision) error {
	in := antipattern.Input{
		Package:         pkg,
		TargetNamespace: req.TargetNamespace,
		DefaultModel:    e.policy.Routing.DefaultModel,
	}
	if decision != nil {
		in.RoutedModel = decision.Model
		in.MatchedRule = decision.MatchedRule
	}

	findings := e.detector.Detect(in)
	if len(findings) == 0 {
		return nil
	}
	pkg.Metadata["antipattern_findings"] = findings
	for _, f := range findings {
		if f.Severity != antipattern.SeverityInfo {
			pkg.Warnings = append(pkg.Warnings, fmt.Sprintf("%s: %s", f.RuleName, f.What))
		}
	}

	if e.policy.Antipattern.FailOnCritical && antipattern.HasCritical(findings) {
		return errs.New(errs.KindAntipatternCritical, "critical anti-pattern detected").
			WithWhy("the assembled package violates a structural invariant; see findings").
			WithHow("fix the flagged segments, or disable antipattern.fail_on_critical").
			WithMeta("findings", findings)
	}
	return nil
}
