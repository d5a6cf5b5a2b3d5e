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

package compress

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/kadirpekel/weft/pkg/llms"
	"github.com/kadirpekel/weft/pkg/segment"
	"github.com/kadirpekel/weft/pkg/tokenizer"
)

// Compressor shrinks one segment toward a token target. The returned segment
// is a new value with provenance linking back to the original.
type Compressor interface {
	Method() string
	Compress(ctx context.Context, seg segment.Segment, targetTokens int, counter tokenizer.Counter) (segment.Segment, error)
}

// Truncation mode names.
const (
	ModeTail   = "tail"
	ModeHead   = "head"
	ModeMiddle = "middle"
)

// TruncationCompressor cuts content character-proportionally to the token
// target. Tail keeps the front, head keeps the back, middle keeps a
// head-ratio share of the front and the remainder from the back.
type TruncationCompressor struct {
	mode      string
	headRatio float64
}

// NewTruncationCompressor creates a truncation compressor; an unknown mode
// falls back to tail.
func NewTruncationCompressor(mode string, headRatio float64) *TruncationCompressor {
	switch mode {
	case ModeTail, ModeHead, ModeMiddle:
	default:
		mode = ModeTail
	}
	if headRatio <= 0 || headRatio >= 1 {
		headRatio = 0.5
	}
	return &TruncationCompressor{mode: mode, headRatio: headRatio}
}

func (c *TruncationCompressor) Method() string {
	return "truncation_" + c.mode
}

func (c *TruncationCompressor) Compress(ctx context.Context, seg segment.Segment, targetTokens int, counter tokenizer.Counter) (segment.Segment, error) {
	if err := ctx.Err(); err != nil {
		return segment.Segment{}, err
	}
	if targetTokens <= 0 || seg.TokenCount <= targetTokens {
		return seg, nil
	}

	runes := []rune(seg.Content)
	keep := len(runes) * targetTokens / seg.TokenCount
	// The ellipsis marker costs characters too; charge it against the keep
	// budget so the recount lands at or under the target.
	if c.mode == ModeMiddle {
		keep -= 5
	} else {
		keep -= 3
	}
	if keep < 1 {
		keep = 1
	}

	var truncated string
	switch c.mode {
	case ModeHead:
		truncated = "..." + string(runes[len(runes)-keep:])
	case ModeMiddle:
		front := int(float64(keep) * c.headRatio)
		back := keep - front
		truncated = string(runes[:front]) + "\n...\n" + string(runes[len(runes)-back:])
	default:
		truncated = string(runes[:keep]) + "..."
	}

	return derive(seg, truncated, counter.Count(truncated), c.Method()), nil
}

const summaryPrompt = `Summarize the following text in at most %d tokens, preserving concrete facts, names and numbers. Output only the summary.

Text:
%s`

// AbstractiveCompressor rewrites content through an external summarizer. On
// any generation failure it falls back to truncation, unless the fallback was
// disabled at construction.
type AbstractiveCompressor struct {
	generator llms.Generator
	fallback  *TruncationCompressor
}

// NewAbstractiveCompressor creates a summarizing compressor. Pass a nil
// fallback to make summarizer failures fatal.
func NewAbstractiveCompressor(generator llms.Generator, fallback *TruncationCompressor) *AbstractiveCompressor {
	return &AbstractiveCompressor{generator: generator, fallback: fallback}
}

func (*AbstractiveCompressor) Method() string {
	return "summary"
}

func (c *AbstractiveCompressor) Compress(ctx context.Context, seg segment.Segment, targetTokens int, counter tokenizer.Counter) (segment.Segment, error) {
	if targetTokens <= 0 || seg.TokenCount <= targetTokens {
		return seg, nil
	}

	summary, err := c.generator.Generate(ctx, fmt.Sprintf(summaryPrompt, targetTokens, seg.Content), targetTokens)
	if err != nil {
		if c.fallback != nil {
			return c.fallback.Compress(ctx, seg, targetTokens, counter)
		}
		return segment.Segment{}, fmt.Errorf("summarizer: %w", err)
	}

	summary = strings.TrimSpace(summary)
	count := counter.Count(summary)
	if count >= seg.TokenCount {
		// A summary longer than the source saves nothing.
		if c.fallback != nil {
			return c.fallback.Compress(ctx, seg, targetTokens, counter)
		}
		return seg, nil
	}
	return derive(seg, summary, count, "summary"), nil
}

// derive builds the compressed replacement segment under a fresh id, carrying
// the parent link in provenance.
func derive(parent segment.Segment, content string, tokenCount int, method string) segment.Segment {
	out := parent.WithContent(content).WithTokenCount(tokenCount)
	out.ID = uuid.NewString()
	out.Provenance.SourceType = segment.SourceCompression
	out.Provenance.ParentSegmentIDs = append(append([]string(nil), parent.Provenance.ParentSegmentIDs...), parent.ID)
	out.Provenance.CompressionMethod = method
	return out
}
