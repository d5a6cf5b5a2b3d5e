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

// Package cache is the content-addressed three-tier cache: segment, prefix
// and package entries share one L1 LRU with an optional SQL L2 behind it.
// L2 failures are never fatal; the request proceeds as a miss and the error
// surfaces as a warning.
package cache

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/kadirpekel/weft/pkg/config"
)

// Manager front-ends L1 and the optional L2 with read-through and
// write-through semantics.
type Manager struct {
	l1     *LRU
	l2     Store // nil when backend=memory
	ttl    time.Duration
	flight singleflight.Group
	logger *slog.Logger
}

// NewManager builds a manager from policy. l2 may be nil.
func NewManager(cfg config.CacheConfig, l2 Store, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	ttl := time.Duration(cfg.TTLSeconds) * time.Second
	return &Manager{
		l1:     NewLRU(cfg.MaxEntries, ttl),
		l2:     l2,
		ttl:    ttl,
		logger: logger,
	}
}

// Get consults L1 then L2. An L2 hit is back-filled into L1. The returned
// warning is non-empty when L2 failed; the miss path is still valid.
func (m *Manager) Get(ctx context.Context, key string) (value []byte, ok bool, warning string) {
	if entry, hit := m.l1.Get(key); hit {
		return entry.Value, true, ""
	}
	if m.l2 == nil {
		return nil, false, ""
	}

	entry, hit, err := m.l2.Get(ctx, key)
	if err != nil {
		m.logger.Warn("l2 cache read failed", "key", key, "error", err)
		return nil, false, "cache read failed: " + err.Error()
	}
	if !hit {
		return nil, false, ""
	}
	m.l1.Set(key, entry.Value, time.Until(entry.ExpiresAt))
	return entry.Value, true, ""
}

// Set writes through to both layers. L2 failures degrade to a warning.
func (m *Manager) Set(ctx context.Context, key string, value []byte) (warning string) {
	m.l1.Set(key, value, 0)
	if m.l2 == nil {
		return ""
	}
	if err := m.l2.Set(ctx, key, value, m.ttl); err != nil {
		m.logger.Warn("l2 cache write failed", "key", key, "error", err)
		return "cache write failed: " + err.Error()
	}
	return ""
}

// Delete removes the key from both layers.
func (m *Manager) Delete(ctx context.Context, key string) {
	m.l1.Delete(key)
	if m.l2 != nil {
		if err := m.l2.Delete(ctx, key); err != nil {
			m.logger.Warn("l2 cache delete failed", "key", key, "error", err)
		}
	}
}

// Clear empties both layers.
func (m *Manager) Clear(ctx context.Context) {
	m.l1.Clear()
	if m.l2 != nil {
		if err := m.l2.Clear(ctx); err != nil {
			m.logger.Warn("l2 cache clear failed", "error", err)
		}
	}
}

// GetOrCompute returns the cached value for key or runs compute exactly once
// per key across concurrent callers, writing the result through on success.
// compute errors are returned verbatim and nothing is cached.
func (m *Manager) GetOrCompute(ctx context.Context, key string, compute func(context.Context) ([]byte, error)) ([]byte, bool, error) {
	if value, ok, _ := m.Get(ctx, key); ok {
		return value, true, nil
	}

	v, err, _ := m.flight.Do(key, func() (any, error) {
		// Re-check under the flight: a concurrent caller may have filled it.
		if value, ok, _ := m.Get(ctx, key); ok {
			return value, nil
		}
		value, err := compute(ctx)
		if err != nil {
			return nil, err
		}
		m.Set(ctx, key, value)
		return value, nil
	})
	if err != nil {
		return nil, false, err
	}
	return v.([]byte), false, nil
}

// L1Stats exposes hit/miss counters for metrics.
func (m *Manager) L1Stats() (hits, misses int64) {
	return m.l1.Stats()
}

// L1Len returns the current L1 entry count.
func (m *Manager) L1Len() int {
	return m.l1.Len()
}
