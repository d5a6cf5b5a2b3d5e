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

package router

import (
	"strings"
	"unicode"
)

// Complexity buckets a query for rule matching.
type Complexity string

const (
	ComplexitySimple   Complexity = "simple"
	ComplexityModerate Complexity = "moderate"
	ComplexityComplex  Complexity = "complex"
	ComplexityExpert   Complexity = "expert"
)

// Keyword banks for the heuristic estimator. English and Chinese variants
// score identically.
var (
	comparisonKeywords = []string{
		"compare", "versus", "vs", "difference between", "pros and cons",
		"tradeoff", "trade-off", "better than",
		"对比", "比较", "区别", "优缺点",
	}
	reasoningKeywords = []string{
		"why", "explain", "how does", "reason", "prove", "derive",
		"step by step", "walk me through",
		"为什么", "解释", "原因", "推导", "证明",
	}
	complexTaskKeywords = []string{
		"design", "architect", "implement", "optimize", "refactor",
		"migrate", "debug", "benchmark", "analyze",
		"设计", "实现", "优化", "重构", "分析", "排查",
	}
)

// Estimate is one complexity verdict with its confidence and raw score.
type Estimate struct {
	Level      Complexity
	Score      float64
	Confidence float64
}

// EstimateComplexity scores a query by a weighted sum of surface signals and
// maps the score onto the four buckets. Deterministic for a given input.
func EstimateComplexity(query string) Estimate {
	lower := strings.ToLower(query)
	words := strings.Fields(query)

	score := 0.0

	// Length signals.
	runes := len([]rune(query))
	switch {
	case runes > 2000:
		score += 3
	case runes > 500:
		score += 2
	case runes > 150:
		score += 1
	}
	switch {
	case len(words) > 300:
		score += 2
	case len(words) > 80:
		score += 1
	}

	// Structural signals.
	score += 0.5 * float64(strings.Count(query, "?")+strings.Count(query, "？"))
	score += 2 * float64(strings.Count(query, "```")/2)
	score += 0.2 * float64(countMathSymbols(query))

	// Keyword banks.
	if containsAny(lower, comparisonKeywords) {
		score += 1.5
	}
	if containsAny(lower, reasoningKeywords) {
		score += 1.5
	}
	if containsAny(lower, complexTaskKeywords) {
		score += 2
	}

	level := bucket(score)
	return Estimate{Level: level, Score: score, Confidence: confidence(score)}
}

func bucket(score float64) Complexity {
	switch {
	case score >= 7:
		return ComplexityExpert
	case score >= 4:
		return ComplexityComplex
	case score >= 1.5:
		return ComplexityModerate
	default:
		return ComplexitySimple
	}
}

// confidence grows with distance from the nearest bucket boundary.
func confidence(score float64) float64 {
	boundaries := []float64{1.5, 4, 7}
	minDist := -1.0
	for _, b := range boundaries {
		d := score - b
		if d < 0 {
			d = -d
		}
		if minDist < 0 || d < minDist {
			minDist = d
		}
	}
	conf := 0.5 + minDist/5
	if conf > 0.95 {
		conf = 0.95
	}
	return conf
}

func containsAny(s string, keywords []string) bool {
	for _, k := range keywords {
		if strings.Contains(s, k) {
			return true
		}
	}
	return false
}

func countMathSymbols(s string) int {
	n := 0
	for _, r := range s {
		if unicode.Is(unicode.Sm, r) || r == '^' || r == '∑' || r == '∫' {
			n++
		}
	}
	return n
}
