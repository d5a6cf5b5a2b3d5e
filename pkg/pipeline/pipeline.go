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

// Package pipeline runs the ordered stage list over a segment set. Stages
// are strict data dependencies and run sequentially for one request;
// concurrency lives across requests, each with its own Context.
package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/kadirpekel/weft/pkg/audit"
	"github.com/kadirpekel/weft/pkg/config"
	"github.com/kadirpekel/weft/pkg/errs"
	"github.com/kadirpekel/weft/pkg/segment"
	"github.com/kadirpekel/weft/pkg/tokenizer"
)

// StageTiming records one stage's wall clock.
type StageTiming struct {
	Stage    string        `json:"stage"`
	Duration time.Duration `json:"duration"`
}

// Context is the shared mutable state one request's stages pass along.
type Context struct {
	RequestID string
	Model     string
	Policy    *config.Policy
	Counter   tokenizer.Counter
	Audit     *audit.Log
	Logger    *slog.Logger
	Debug     bool

	Warnings []string
	Metadata map[string]any

	// Allocation is populated by the allocate stage.
	Allocation *segment.BudgetAllocation

	Timings []StageTiming
}

// Warn appends a warning to the request.
func (c *Context) Warn(msg string) {
	c.Warnings = append(c.Warnings, msg)
}

// Stage transforms a segment set. Stages must not mutate input segments;
// a changed segment is a new value.
type Stage interface {
	Name() string
	Process(ctx context.Context, segments []segment.Segment, pc *Context) ([]segment.Segment, error)
}

// Runtime iterates stages in order, skipping and replacing by name.
type Runtime struct {
	stages []Stage
	skip   map[string]bool
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithSkip bypasses the named stages.
func WithSkip(names ...string) Option {
	return func(r *Runtime) {
		for _, n := range names {
			r.skip[n] = true
		}
	}
}

// WithReplacement swaps out the stage with the same name.
func WithReplacement(stage Stage) Option {
	return func(r *Runtime) {
		for i, s := range r.stages {
			if s.Name() == stage.Name() {
				r.stages[i] = stage
				return
			}
		}
		r.stages = append(r.stages, stage)
	}
}

// NewRuntime builds a runtime over the given stage order.
func NewRuntime(stages []Stage, opts ...Option) *Runtime {
	r := &Runtime{
		stages: append([]Stage(nil), stages...),
		skip:   make(map[string]bool),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Stages returns the effective stage names in order, including skipped ones.
func (r *Runtime) Stages() []string {
	names := make([]string, len(r.stages))
	for i, s := range r.stages {
		names[i] = s.Name()
	}
	return names
}

// Run executes the stages. Cancellation is checked between stages; any stage
// failure wraps as a stage error naming the stage and aborts the request.
func (r *Runtime) Run(ctx context.Context, segments []segment.Segment, pc *Context) ([]segment.Segment, error) {
	for _, stage := range r.stages {
		if err := ctx.Err(); err != nil {
			return nil, errs.Wrap(errs.KindCancelled, "pipeline cancelled", err).
				WithWhy("the request was cancelled before stage %s", stage.Name())
		}
		if r.skip[stage.Name()] {
			continue
		}

		start := time.Now()
		out, err := stage.Process(ctx, segments, pc)
		elapsed := time.Since(start)
		pc.Timings = append(pc.Timings, StageTiming{Stage: stage.Name(), Duration: elapsed})
		if pc.Logger != nil && pc.Debug {
			pc.Logger.Debug("stage complete",
				"stage", stage.Name(), "in", len(segments), "out", len(out), "duration", elapsed)
		}
		if err != nil {
			if errs.IsKind(err, errs.KindBudgetExceeded) ||
				errs.IsKind(err, errs.KindCompression) ||
				errs.IsKind(err, errs.KindSanitizeReject) ||
				errs.IsKind(err, errs.KindCancelled) {
				return nil, err
			}
			return nil, errs.Wrap(errs.KindStage, "stage failed", err).
				WithWhy("stage %s returned an error", stage.Name()).
				WithHow("inspect the wrapped cause; skip the stage only if its output is optional").
				WithMeta("stage", stage.Name())
		}
		segments = out
	}
	return segments, nil
}
