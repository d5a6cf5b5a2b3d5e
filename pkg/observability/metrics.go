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

// Package observability exposes build metrics through an OpenTelemetry meter
// backed by the Prometheus exporter.
package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics is the recording surface the engine and server use. The noop
// implementation keeps call sites unconditional.
type Metrics interface {
	RecordBuild(ctx context.Context, model string, durationSeconds float64, tokens int, saturation float64)
	RecordBuildError(ctx context.Context, kind string)
	RecordDrop(ctx context.Context, reason string, count int)
	RecordCompression(ctx context.Context, savedTokens int)
	RecordCacheHit(ctx context.Context, tier string)
	RecordCacheMiss(ctx context.Context, tier string)
}

// PrometheusMetrics implements Metrics over OTel instruments.
type PrometheusMetrics struct {
	builds        metric.Int64Counter
	buildErrors   metric.Int64Counter
	buildDuration metric.Float64Histogram
	tokensKept    metric.Int64Counter
	saturation    metric.Float64Histogram
	drops         metric.Int64Counter
	compressions  metric.Int64Counter
	tokensSaved   metric.Int64Counter
	cacheHits     metric.Int64Counter
	cacheMisses   metric.Int64Counter
}

// InitMetrics wires the Prometheus exporter into a meter provider and creates
// the instrument set. When disabled it returns an inert recorder.
func InitMetrics(ctx context.Context, enabled bool) (Metrics, error) {
	if !enabled {
		return NoopMetrics{}, nil
	}

	promExporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}
	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(promExporter),
	)
	meter := meterProvider.Meter("weft")

	m := &PrometheusMetrics{}

	if m.builds, err = meter.Int64Counter("weft_builds_total",
		metric.WithDescription("Total build requests")); err != nil {
		return nil, fmt.Errorf("failed to create builds counter: %w", err)
	}
	if m.buildErrors, err = meter.Int64Counter("weft_build_errors_total",
		metric.WithDescription("Total failed builds by error kind")); err != nil {
		return nil, fmt.Errorf("failed to create build errors counter: %w", err)
	}
	if m.buildDuration, err = meter.Float64Histogram("weft_build_duration_seconds",
		metric.WithDescription("Build wall clock in seconds")); err != nil {
		return nil, fmt.Errorf("failed to create build duration histogram: %w", err)
	}
	if m.tokensKept, err = meter.Int64Counter("weft_tokens_kept_total",
		metric.WithDescription("Total tokens admitted into packages")); err != nil {
		return nil, fmt.Errorf("failed to create tokens counter: %w", err)
	}
	if m.saturation, err = meter.Float64Histogram("weft_saturation_rate",
		metric.WithDescription("Per-build saturation rate")); err != nil {
		return nil, fmt.Errorf("failed to create saturation histogram: %w", err)
	}
	if m.drops, err = meter.Int64Counter("weft_segments_dropped_total",
		metric.WithDescription("Segments dropped by reason")); err != nil {
		return nil, fmt.Errorf("failed to create drops counter: %w", err)
	}
	if m.compressions, err = meter.Int64Counter("weft_compressions_total",
		metric.WithDescription("Total segment compressions")); err != nil {
		return nil, fmt.Errorf("failed to create compressions counter: %w", err)
	}
	if m.tokensSaved, err = meter.Int64Counter("weft_tokens_saved_total",
		metric.WithDescription("Tokens reclaimed by compression")); err != nil {
		return nil, fmt.Errorf("failed to create tokens saved counter: %w", err)
	}
	if m.cacheHits, err = meter.Int64Counter("weft_cache_hits_total",
		metric.WithDescription("Cache hits by tier")); err != nil {
		return nil, fmt.Errorf("failed to create cache hits counter: %w", err)
	}
	if m.cacheMisses, err = meter.Int64Counter("weft_cache_misses_total",
		metric.WithDescription("Cache misses by tier")); err != nil {
		return nil, fmt.Errorf("failed to create cache misses counter: %w", err)
	}

	return m, nil
}

func (m *PrometheusMetrics) RecordBuild(ctx context.Context, model string, durationSeconds float64, tokens int, saturation float64) {
	attrs := metric.WithAttributes(attribute.String("model", model))
	m.builds.Add(ctx, 1, attrs)
	m.buildDuration.Record(ctx, durationSeconds, attrs)
	m.tokensKept.Add(ctx, int64(tokens), attrs)
	m.saturation.Record(ctx, saturation, attrs)
}

func (m *PrometheusMetrics) RecordBuildError(ctx context.Context, kind string) {
	m.buildErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

func (m *PrometheusMetrics) RecordDrop(ctx context.Context, reason string, count int) {
	m.drops.Add(ctx, int64(count), metric.WithAttributes(attribute.String("reason", reason)))
}

func (m *PrometheusMetrics) RecordCompression(ctx context.Context, savedTokens int) {
	m.compressions.Add(ctx, 1)
	m.tokensSaved.Add(ctx, int64(savedTokens))
}

func (m *PrometheusMetrics) RecordCacheHit(ctx context.Context, tier string) {
	m.cacheHits.Add(ctx, 1, metric.WithAttributes(attribute.String("tier", tier)))
}

func (m *PrometheusMetrics) RecordCacheMiss(ctx context.Context, tier string) {
	m.cacheMisses.Add(ctx, 1, metric.WithAttributes(attribute.String("tier", tier)))
}

// NoopMetrics discards every record.
type NoopMetrics struct{}

func (NoopMetrics) RecordBuild(context.Context, string, float64, int, float64) {}
func (NoopMetrics) RecordBuildError(context.Context, string)                   {}
func (NoopMetrics) RecordDrop(context.Context, string, int)                    {}
func (NoopMetrics) RecordCompression(context.Context, int)                     {}
func (NoopMetrics) RecordCacheHit(context.Context, string)                     {}
func (NoopMetrics) RecordCacheMiss(context.Context, string)                    {}
