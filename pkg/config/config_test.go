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

package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/weft/pkg/errs"
)

func TestSetDefaults(t *testing.T) {
	p := &Policy{}
	p.SetDefaults()

	assert.Equal(t, "1", p.Version)
	assert.Equal(t, 128000, p.Budget.MaxContextTokens)
	assert.Equal(t, 4096, p.Budget.OutputReserved)
	assert.Equal(t, 0.85, p.Budget.SaturationThreshold)
	assert.Equal(t, OverflowTruncateLowest, p.Budget.OverflowStrategy)
	assert.Equal(t, 1.0, p.Budget.BidAlpha)
	assert.Equal(t, 0.5, p.Budget.BidBeta)
	assert.Equal(t, 0.3, p.Budget.BidGamma)

	assert.True(t, Bool(p.Sanitize.UnicodeNormalize, false))
	assert.Equal(t, "standard", p.Sanitize.InjectionLevel)
	assert.Equal(t, OnInjectionWarnAndRemove, p.Sanitize.OnInjection)

	assert.Equal(t, 0.85, p.Rerank.SimilarityThreshold)
	assert.True(t, Bool(p.Compress.Enabled, false))
	assert.Equal(t, "truncation", p.Compress.DefaultCompressor)
	assert.Equal(t, p.Budget.SaturationThreshold, p.Compress.SaturationTrigger)
	assert.Equal(t, 50, p.Compress.MinSegmentTokens)
	assert.Equal(t, "tail", p.Compress.TruncationMode)

	assert.Equal(t, "memory", p.Cache.Backend)
	assert.Equal(t, 300, p.Cache.TTLSeconds)
	assert.Equal(t, 1024, p.Cache.MaxEntries)

	assert.Equal(t, "127.0.0.1", p.Server.Host)
	assert.Equal(t, 8080, p.Server.Port)
}

func TestSetDefaults_KeepsExplicitValues(t *testing.T) {
	no := false
	p := &Policy{
		Budget:   BudgetConfig{MaxContextTokens: 8000, OutputReserved: 500},
		Compress: CompressConfig{Enabled: &no},
	}
	p.SetDefaults()

	assert.Equal(t, 8000, p.Budget.MaxContextTokens)
	assert.Equal(t, 500, p.Budget.OutputReserved)
	assert.False(t, Bool(p.Compress.Enabled, true))
}

func TestValidate(t *testing.T) {
	valid := func() *Policy {
		p := &Policy{}
		p.SetDefaults()
		return p
	}

	t.Run("defaults validate", func(t *testing.T) {
		require.NoError(t, valid().Validate())
	})

	t.Run("reserves at or above the window", func(t *testing.T) {
		p := valid()
		p.Budget.MaxContextTokens = 1000
		p.Budget.OutputReserved = 800
		p.Budget.ThinkingReserved = 200
		err := p.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "output_reserved")
	})

	t.Run("elastic ratios over one", func(t *testing.T) {
		p := valid()
		p.Budget.ElasticRatios = map[string]float64{"rag": 0.7, "user": 0.5}
		err := p.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "elastic_ratios")
	})

	t.Run("negative ratio", func(t *testing.T) {
		p := valid()
		p.Budget.ElasticRatios = map[string]float64{"rag": -0.1}
		assert.Error(t, p.Validate())
	})

	t.Run("bad overflow strategy", func(t *testing.T) {
		p := valid()
		p.Budget.OverflowStrategy = "panic"
		assert.Error(t, p.Validate())
	})

	t.Run("bad injection level", func(t *testing.T) {
		p := valid()
		p.Sanitize.InjectionLevel = "paranoid"
		assert.Error(t, p.Validate())
	})

	t.Run("bad truncation mode", func(t *testing.T) {
		p := valid()
		p.Compress.TruncationMode = "sideways"
		assert.Error(t, p.Validate())
	})

	t.Run("sql backend requires database", func(t *testing.T) {
		p := valid()
		p.Cache.Backend = "sql"
		err := p.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "cache.database")
	})

	t.Run("routing enabled requires default model", func(t *testing.T) {
		p := valid()
		p.Routing.Enabled = true
		assert.Error(t, p.Validate())
	})

	t.Run("duplicate rule names", func(t *testing.T) {
		p := valid()
		p.Routing = RoutingConfig{
			Enabled:      true,
			DefaultModel: "gpt-4o",
			Rules: []RoutingRule{
				{Name: "r", Condition: "keyword", Value: "x", TargetModel: "a"},
				{Name: "r", Condition: "keyword", Value: "y", TargetModel: "b"},
			},
		}
		err := p.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "duplicate")
	})
}

const samplePolicy = `
version: "2"
budget:
  max_context_tokens: 16000
  output_reserved_tokens: 2000
  elastic_ratios:
    rag: 0.5
    user: 0.2
sanitize:
  injection_level: strict
  on_injection: error
routing:
  enabled: true
  default_model: gpt-4o-mini
  rules:
    - name: expert
      condition: complexity
      value: expert
      target_model: o1
`

func TestParse(t *testing.T) {
	p, err := Parse([]byte(samplePolicy))
	require.NoError(t, err)

	assert.Equal(t, "2", p.Version)
	assert.Equal(t, 16000, p.Budget.MaxContextTokens)
	assert.Equal(t, 0.5, p.Budget.ElasticRatios["rag"])
	assert.Equal(t, "strict", p.Sanitize.InjectionLevel)
	assert.Equal(t, OnInjectionError, p.Sanitize.OnInjection)
	require.Len(t, p.Routing.Rules, 1)
	assert.Equal(t, "o1", p.Routing.Rules[0].TargetModel)
	// Defaults fill the rest.
	assert.Equal(t, 0.85, p.Budget.SaturationThreshold)
}

func TestParse_UnknownFieldFails(t *testing.T) {
	_, err := Parse([]byte("version: \"1\"\nbudjet:\n  max_context_tokens: 100\n"))
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindConfig))
	assert.Contains(t, err.Error(), "budjet")
}

func TestParse_InvalidPolicyFails(t *testing.T) {
	_, err := Parse([]byte("budget:\n  max_context_tokens: 1000\n  output_reserved_tokens: 5000\n"))
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindConfig))
}

func TestParse_EnvExpansion(t *testing.T) {
	t.Setenv("WEFT_TEST_MODEL", "gpt-4o")
	t.Setenv("WEFT_TEST_UNSET", "")

	p, err := Parse([]byte(`
routing:
  enabled: true
  default_model: ${WEFT_TEST_MODEL}
  fallback_model: ${WEFT_TEST_UNSET:-gpt-4o-mini}
`))
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o", p.Routing.DefaultModel)
	assert.Equal(t, "gpt-4o-mini", p.Routing.FallbackModel, "unset var falls back to the default")
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(samplePolicy), 0o644))

	p, loader, err := LoadFile(context.Background(), path)
	require.NoError(t, err)
	defer loader.Close()

	assert.Equal(t, "2", p.Version)

	t.Run("missing file", func(t *testing.T) {
		_, _, err := LoadFile(context.Background(), filepath.Join(dir, "missing.yaml"))
		assert.Error(t, err)
	})
}
