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
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"

	"github.com/kadirpekel/weft/pkg/config/provider"
	"github.com/kadirpekel/weft/pkg/errs"
)

// Loader loads and watches a Policy from a Provider.
type Loader struct {
	provider provider.Provider
	onChange func(*Policy)
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithOnChange sets a callback invoked when the policy changes on disk.
func WithOnChange(fn func(*Policy)) LoaderOption {
	return func(l *Loader) {
		l.onChange = fn
	}
}

// NewLoader creates a Loader with the given provider.
func NewLoader(p provider.Provider, opts ...LoaderOption) *Loader {
	l := &Loader{provider: p}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load reads, parses, strictly decodes and validates the policy.
func (l *Loader) Load(ctx context.Context) (*Policy, error) {
	data, err := l.provider.Load(ctx)
	if err != nil {
		return nil, errs.Wrap(errs.KindConfig, "failed to load policy", err).
			WithHow("check that the policy path exists and is readable")
	}
	return Parse(data)
}

// Parse decodes raw YAML/JSON policy bytes.
func Parse(data []byte) (*Policy, error) {
	rawMap, err := parseBytes(data)
	if err != nil {
		return nil, errs.Wrap(errs.KindConfig, "failed to parse policy", err).
			WithHow("the policy must be a YAML or JSON document")
	}

	expanded := expandEnvVars(rawMap)

	policy := &Policy{}
	if err := decodeStrict(expanded, policy); err != nil {
		return nil, err
	}

	policy.SetDefaults()
	if err := policy.Validate(); err != nil {
		return nil, errs.Wrap(errs.KindConfig, "policy validation failed", err).
			WithHow("fix the named field and reload")
	}
	return policy, nil
}

// Watch blocks watching for policy changes until ctx is cancelled. Each valid
// reload invokes the onChange callback; invalid reloads are logged and skipped.
func (l *Loader) Watch(ctx context.Context) error {
	changes, err := l.provider.Watch(ctx)
	if err != nil {
		return fmt.Errorf("failed to start watching: %w", err)
	}
	if changes == nil {
		slog.Info("Policy watching not supported by provider", "type", l.provider.Type())
		<-ctx.Done()
		return ctx.Err()
	}

	slog.Info("Watching policy for changes", "type", l.provider.Type())
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, ok := <-changes:
			if !ok {
				return nil
			}
			policy, err := l.Load(ctx)
			if err != nil {
				slog.Error("Failed to reload policy", "error", err)
				continue
			}
			slog.Info("Policy reloaded", "version", policy.Version)
			if l.onChange != nil {
				l.onChange(policy)
			}
		}
	}
}

// Close releases provider resources.
func (l *Loader) Close() error {
	return l.provider.Close()
}

// LoadFile is a convenience for loading a policy from a local file.
func LoadFile(ctx context.Context, path string) (*Policy, *Loader, error) {
	p, err := provider.NewFileProvider(path)
	if err != nil {
		return nil, nil, err
	}
	loader := NewLoader(p)
	policy, err := loader.Load(ctx)
	if err != nil {
		p.Close()
		return nil, nil, err
	}
	return policy, loader, nil
}

// parseBytes parses raw bytes into a map. YAML first (superset of JSON),
// JSON as fallback for better error messages on JSON input.
func parseBytes(data []byte) (map[string]any, error) {
	var result map[string]any
	if err := yaml.Unmarshal(data, &result); err == nil {
		return result, nil
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("not valid YAML or JSON: %w", err)
	}
	return result, nil
}

// decodeStrict decodes a map into a Policy, rejecting unknown fields so a
// misspelled key fails loudly instead of silently disabling a feature.
func decodeStrict(input map[string]any, output *Policy) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:      output,
		ErrorUnused: true,
		TagName:     "yaml",
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	})
	if err != nil {
		return fmt.Errorf("failed to create decoder: %w", err)
	}

	if err := decoder.Decode(input); err != nil {
		if unknown := extractUnknownFields(err.Error()); len(unknown) > 0 {
			return errs.New(errs.KindConfig, "unknown policy fields").
				WithWhy("unrecognized keys: %s", strings.Join(unknown, ", ")).
				WithHow("check field names against the policy schema (weft schema)").
				WithMeta("unknown_fields", unknown)
		}
		return errs.Wrap(errs.KindConfig, "failed to decode policy", err).
			WithHow("check field types against the policy schema (weft schema)")
	}
	return nil
}

// extractUnknownFields parses mapstructure error text of the form
// "... has invalid keys: a, b, c".
func extractUnknownFields(errMsg string) []string {
	idx := strings.Index(errMsg, "has invalid keys:")
	if idx == -1 {
		return nil
	}
	var fields []string
	for _, key := range strings.Split(errMsg[idx+len("has invalid keys:"):], ",") {
		if key = strings.TrimSpace(key); key != "" {
			fields = append(fields, key)
		}
	}
	return fields
}

// envVarPattern matches ${VAR}, ${VAR:-default}, and $VAR.
var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars recursively expands environment references in a raw map.
func expandEnvVars(input map[string]any) map[string]any {
	result := make(map[string]any, len(input))
	for k, v := range input {
		result[k] = expandValue(v)
	}
	return result
}

func expandValue(v any) any {
	switch val := v.(type) {
	case string:
		return expandEnvString(val)
	case map[string]any:
		return expandEnvVars(val)
	case []any:
		result := make([]any, len(val))
		for i, item := range val {
			result[i] = expandValue(item)
		}
		return result
	default:
		return v
	}
}

func expandEnvString(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		if strings.HasPrefix(match, "${") {
			inner := match[2 : len(match)-1]
			if idx := strings.Index(inner, ":-"); idx != -1 {
				if val := os.Getenv(inner[:idx]); val != "" {
					return val
				}
				return inner[idx+2:]
			}
			return os.Getenv(inner)
		}
		return os.Getenv(match[1:])
	})
}
