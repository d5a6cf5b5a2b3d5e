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

// Package router picks a target model for each request: a heuristic
// complexity estimate feeds a priority-ordered rule table, optionally
// fronted by an LLM classifier that degrades to the rules on any failure.
package router

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/kadirpekel/weft/pkg/config"
	"github.com/kadirpekel/weft/pkg/llms"
	"github.com/kadirpekel/weft/pkg/segment"
)

// Decision is the routing outcome for one request.
type Decision struct {
	Model       string     `json:"model"`
	MatchedRule string     `json:"matched_rule,omitempty"`
	Complexity  Complexity `json:"complexity"`
	Confidence  float64    `json:"confidence"`
	Reasoning   string     `json:"reasoning"`
	FellBack    bool       `json:"fell_back,omitempty"`
}

// Request carries the routing inputs.
type Request struct {
	Query        string
	TokenCount   int
	SegmentTypes map[segment.Type]bool
}

// compiledRule is a config rule with its regex pre-compiled and its range
// parsed.
type compiledRule struct {
	cfg     config.RoutingRule
	keyword *regexp.Regexp
	rng     *tokenRange
}

type tokenRange struct {
	min, max int // inclusive; -1 = unbounded
}

func (r *tokenRange) contains(n int) bool {
	if r.min >= 0 && n < r.min {
		return false
	}
	if r.max >= 0 && n > r.max {
		return false
	}
	return true
}

// parseTokenRange accepts ">N", "<N", "N-M" and "N".
func parseTokenRange(expr string) (*tokenRange, error) {
	expr = strings.TrimSpace(expr)
	switch {
	case strings.HasPrefix(expr, ">"):
		n, err := strconv.Atoi(strings.TrimSpace(expr[1:]))
		if err != nil {
			return nil, fmt.Errorf("invalid range %q: %w", expr, err)
		}
		return &tokenRange{min: n + 1, max: -1}, nil
	case strings.HasPrefix(expr, "<"):
		n, err := strconv.Atoi(strings.TrimSpace(expr[1:]))
		if err != nil {
			return nil, fmt.Errorf("invalid range %q: %w", expr, err)
		}
		return &tokenRange{min: -1, max: n - 1}, nil
	case strings.Contains(expr, "-"):
		parts := strings.SplitN(expr, "-", 2)
		lo, err := strconv.Atoi(strings.TrimSpace(parts[0]))
		if err != nil {
			return nil, fmt.Errorf("invalid range %q: %w", expr, err)
		}
		hi, err := strconv.Atoi(strings.TrimSpace(parts[1]))
		if err != nil {
			return nil, fmt.Errorf("invalid range %q: %w", expr, err)
		}
		return &tokenRange{min: lo, max: hi}, nil
	default:
		n, err := strconv.Atoi(expr)
		if err != nil {
			return nil, fmt.Errorf("invalid range %q: %w", expr, err)
		}
		return &tokenRange{min: n, max: n}, nil
	}
}

// Router is the rule-based model picker.
type Router struct {
	cfg       config.RoutingConfig
	rules     []compiledRule
	available map[string]bool
}

// New compiles the rule table, sorted by descending priority with config
// order as the tie-break.
func New(cfg config.RoutingConfig) (*Router, error) {
	rules := make([]compiledRule, 0, len(cfg.Rules))
	for _, rc := range cfg.Rules {
		cr := compiledRule{cfg: rc}
		switch rc.Condition {
		case "keyword":
			re, err := regexp.Compile("(?i)" + rc.Value)
			if err != nil {
				return nil, fmt.Errorf("rule %s: invalid keyword regex: %w", rc.Name, err)
			}
			cr.keyword = re
		case "token_count":
			rng, err := parseTokenRange(rc.Value)
			if err != nil {
				return nil, fmt.Errorf("rule %s: %w", rc.Name, err)
			}
			cr.rng = rng
		}
		rules = append(rules, cr)
	}
	sort.SliceStable(rules, func(i, j int) bool {
		return rules[i].cfg.Priority > rules[j].cfg.Priority
	})

	available := make(map[string]bool, len(cfg.Models))
	for _, m := range cfg.Models {
		available[m.ID] = config.Bool(m.Available, true)
	}
	return &Router{cfg: cfg, rules: rules, available: available}, nil
}

// Route returns the first matching rule's target, the fallback when that
// target is unavailable, or the default model when nothing matches.
func (r *Router) Route(req Request) Decision {
	est := EstimateComplexity(req.Query)
	for _, rule := range r.rules {
		if !r.matches(rule, req, est.Level) {
			continue
		}
		target := rule.cfg.TargetModel
		if r.unavailable(target) {
			if r.cfg.FallbackModel != "" {
				return Decision{
					Model:       r.cfg.FallbackModel,
					MatchedRule: rule.cfg.Name,
					Complexity:  est.Level,
					Confidence:  est.Confidence,
					FellBack:    true,
					Reasoning:   fmt.Sprintf("rule %s matched but %s is unavailable; using fallback", rule.cfg.Name, target),
				}
			}
			break
		}
		return Decision{
			Model:       target,
			MatchedRule: rule.cfg.Name,
			Complexity:  est.Level,
			Confidence:  est.Confidence,
			Reasoning:   fmt.Sprintf("rule %s matched (%s=%s)", rule.cfg.Name, rule.cfg.Condition, rule.cfg.Value),
		}
	}
	return Decision{
		Model:      r.cfg.DefaultModel,
		Complexity: est.Level,
		Confidence: est.Confidence,
		Reasoning:  "no rule matched; using default model",
	}
}

// unavailable is true only for models declared and marked unavailable.
func (r *Router) unavailable(model string) bool {
	avail, declared := r.available[model]
	return declared && !avail
}

func (r *Router) matches(rule compiledRule, req Request, level Complexity) bool {
	switch rule.cfg.Condition {
	case "complexity":
		return string(level) == rule.cfg.Value
	case "keyword":
		return rule.keyword.MatchString(req.Query)
	case "token_count":
		return rule.rng.contains(req.TokenCount)
	case "segment_type_present":
		return req.SegmentTypes[segment.Type(rule.cfg.Value)]
	default:
		return false
	}
}

const routePrompt = `Classify the complexity of this request as one of: simple, moderate, complex, expert. Answer with a single word.

Request:
%s`

// LLMRouter consults a classifier before the rule table and caches verdicts
// by query hash. Any classifier failure degrades to the rule-based decision.
type LLMRouter struct {
	rules      *Router
	classifier llms.Generator

	mu    sync.Mutex
	cache map[string]Complexity
}

// NewLLMRouter wraps a rule router with an LLM classifier.
func NewLLMRouter(rules *Router, classifier llms.Generator) *LLMRouter {
	return &LLMRouter{rules: rules, classifier: classifier, cache: make(map[string]Complexity)}
}

// Route asks the classifier for the complexity level and re-runs the rule
// table with it. The query-hash cache avoids repeated calls for hot queries.
func (r *LLMRouter) Route(ctx context.Context, req Request) Decision {
	level, ok := r.cached(req.Query)
	if !ok {
		verdict, err := r.classifier.Generate(ctx, fmt.Sprintf(routePrompt, req.Query), 4)
		if err != nil {
			d := r.rules.Route(req)
			d.Reasoning = "llm classifier failed; " + d.Reasoning
			return d
		}
		level = parseComplexity(verdict)
		if level == "" {
			d := r.rules.Route(req)
			d.Reasoning = "llm classifier returned no level; " + d.Reasoning
			return d
		}
		r.store(req.Query, level)
	}

	d := r.rules.routeWithLevel(req, level)
	d.Reasoning = "llm classifier: " + d.Reasoning
	return d
}

// routeWithLevel is Route with the complexity estimate pinned.
func (r *Router) routeWithLevel(req Request, level Complexity) Decision {
	d := r.Route(req)
	if d.Complexity == level {
		return d
	}
	// Re-evaluate complexity rules against the pinned level.
	for _, rule := range r.rules {
		if !r.matches(rule, req, level) {
			continue
		}
		if r.unavailable(rule.cfg.TargetModel) {
			continue
		}
		return Decision{
			Model:       rule.cfg.TargetModel,
			MatchedRule: rule.cfg.Name,
			Complexity:  level,
			Confidence:  0.9,
			Reasoning:   fmt.Sprintf("rule %s matched (%s=%s)", rule.cfg.Name, rule.cfg.Condition, rule.cfg.Value),
		}
	}
	return Decision{
		Model:      r.cfg.DefaultModel,
		Complexity: level,
		Confidence: 0.9,
		Reasoning:  "no rule matched; using default model",
	}
}

func parseComplexity(verdict string) Complexity {
	v := strings.ToLower(strings.TrimSpace(verdict))
	for _, c := range []Complexity{ComplexitySimple, ComplexityModerate, ComplexityComplex, ComplexityExpert} {
		if strings.Contains(v, string(c)) {
			return c
		}
	}
	return ""
}

func (r *LLMRouter) cached(query string) (Complexity, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.cache[queryHash(query)]
	return c, ok
}

func (r *LLMRouter) store(query string, level Complexity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache[queryHash(query)] = level
}
