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
	"html"
	"regexp"
	"strings"
)

var (
	scriptRe     = regexp.MustCompile(`(?is)<script\b[^>]*>.*?</script>`)
	styleRe      = regexp.MustCompile(`(?is)<style\b[^>]*>.*?</style>`)
	commentRe    = regexp.MustCompile(`(?s)<!--.*?-->`)
	tagRe        = regexp.MustCompile(`(?s)<[^>]+>`)
	spaceRunRe   = regexp.MustCompile(`[ \t]+`)
	blankLinesRe = regexp.MustCompile(`\n{3,}`)
)

// HTMLStripper removes script/style elements with their bodies, comments, and
// all remaining tags, then decodes entities and collapses whitespace. In
// escape mode tags are escaped instead of removed. Always passes.
type HTMLStripper struct {
	escape bool
}

// NewHTMLStripper creates the stripper; escape selects escape mode.
func NewHTMLStripper(escape bool) *HTMLStripper {
	return &HTMLStripper{escape: escape}
}

func (*HTMLStripper) Name() string {
	return "html_stripper"
}

func (s *HTMLStripper) Sanitize(ctx context.Context, content string) (Result, error) {
	if !strings.ContainsRune(content, '<') && !strings.ContainsRune(content, '&') {
		return Result{Content: content, Passed: true}, nil
	}

	if s.escape {
		escaped := html.EscapeString(content)
		res := Result{Content: escaped, Passed: true}
		if escaped != content {
			res.Metadata = map[string]any{"html_escaped": true}
		}
		return res, nil
	}

	stripped := scriptRe.ReplaceAllString(content, " ")
	stripped = styleRe.ReplaceAllString(stripped, " ")
	stripped = commentRe.ReplaceAllString(stripped, " ")
	stripped = tagRe.ReplaceAllString(stripped, " ")
	stripped = html.UnescapeString(stripped)
	stripped = spaceRunRe.ReplaceAllString(stripped, " ")
	stripped = blankLinesRe.ReplaceAllString(stripped, "\n\n")
	stripped = strings.TrimSpace(stripped)

	res := Result{Content: stripped, Passed: true}
	if stripped != content {
		res.Metadata = map[string]any{"html_stripped": true}
	}
	return res, nil
}
