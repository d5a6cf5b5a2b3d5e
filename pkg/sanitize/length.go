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

package sanitize

import (
	"context"
	"fmt"
	"strings"
)

// LengthLimits are the multi-dimensional guard limits. Zero disables a limit.
type LengthLimits struct {
	MaxChars       int
	MaxLines       int
	MaxLineChars   int
	MaxRepeatRatio float64
	// Truncate trims by line on overflow instead of rejecting.
	Truncate bool
}

// repeatWindow is the sliding window width for the repetition-ratio check.
const repeatWindow = 50

// LengthGuard protects the regex engine and everything downstream from
// amplification payloads: oversized segments, absurd line counts, minified
// one-liners and character flooding.
type LengthGuard struct {
	limits LengthLimits
}

// NewLengthGuard creates the guard.
func NewLengthGuard(limits LengthLimits) *LengthGuard {
	return &LengthGuard{limits: limits}
}

func (*LengthGuard) Name() string {
	return "length_guard"
}

func (g *LengthGuard) Sanitize(ctx context.Context, content string) (Result, error) {
	lim := g.limits

	if lim.MaxLineChars > 0 {
		if longest := longestLine(content); longest > lim.MaxLineChars {
			return g.reject(content, fmt.Sprintf("line of %d chars exceeds limit %d", longest, lim.MaxLineChars))
		}
	}
	if lim.MaxRepeatRatio > 0 {
		if ratio := maxRepeatRatio(content); ratio > lim.MaxRepeatRatio {
			// Flooding is never truncated away: the payload is the repetition.
			return Result{
				Content: content,
				Passed:  false,
				Warning: fmt.Sprintf("repetition ratio %.2f exceeds limit %.2f", ratio, lim.MaxRepeatRatio),
				Metadata: map[string]any{
					"length_repeat_ratio": ratio,
				},
			}, nil
		}
	}
	if lim.MaxLines > 0 {
		if lines := strings.Count(content, "\n") + 1; lines > lim.MaxLines {
			return g.reject(content, fmt.Sprintf("%d lines exceed limit %d", lines, lim.MaxLines))
		}
	}
	if lim.MaxChars > 0 && len([]rune(content)) > lim.MaxChars {
		return g.reject(content, fmt.Sprintf("%d chars exceed limit %d", len([]rune(content)), lim.MaxChars))
	}

	return Result{Content: content, Passed: true}, nil
}

// reject either rejects outright or truncates by line when configured.
func (g *LengthGuard) reject(content, reason string) (Result, error) {
	if !g.limits.Truncate {
		return Result{Content: content, Passed: false, Warning: reason}, nil
	}

	truncated := truncateByLine(content, g.limits.MaxChars, g.limits.MaxLines, g.limits.MaxLineChars)
	return Result{
		Content: truncated,
		Passed:  true,
		Warning: reason + " (truncated)",
		Metadata: map[string]any{
			"length_truncated": true,
		},
	}, nil
}

// truncateByLine keeps whole leading lines while all limits hold.
func truncateByLine(content string, maxChars, maxLines, maxLineChars int) string {
	lines := strings.Split(content, "\n")
	var kept []string
	chars := 0
	for _, line := range lines {
		runes := []rune(line)
		if maxLineChars > 0 && len(runes) > maxLineChars {
			runes = runes[:maxLineChars]
			line = string(runes)
		}
		if maxLines > 0 && len(kept) >= maxLines {
			break
		}
		if maxChars > 0 && chars+len(runes)+1 > maxChars {
			break
		}
		kept = append(kept, line)
		chars += len(runes) + 1
	}
	return strings.Join(kept, "\n")
}

func longestLine(content string) int {
	longest := 0
	for _, line := range strings.Split(content, "\n") {
		if n := len([]rune(line)); n > longest {
			longest = n
		}
	}
	return longest
}

// maxRepeatRatio returns the highest fraction any single rune occupies within
// a sliding window over the content. Short content is measured as one window.
func maxRepeatRatio(content string) float64 {
	runes := []rune(content)
	if len(runes) == 0 {
		return 0
	}

	window := repeatWindow
	if len(runes) < window {
		window = len(runes)
	}

	counts := make(map[rune]int, window)
	peak, best := 0, 0
	for i, r := range runes {
		counts[r]++
		if counts[r] > peak {
			peak = counts[r]
		}
		if peak > best {
			best = peak
		}
		if i >= window-1 {
			old := runes[i-window+1]
			counts[old]--
			// peak may be stale after the decrement; recompute only when the
			// evicted rune held the peak.
			if counts[old]+1 == peak {
				peak = 0
				for _, n := range counts {
					if n > peak {
						peak = n
					}
				}
			}
		}
	}
	return float64(best) / float64(window)
}
