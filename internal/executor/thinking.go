package executor

import (
	"regexp"
	"strings"
)

// Models that interleave chain-of-thought with their answer mark it in a
// handful of loose conventions. ExtractThinking peels the reasoning off the
// response when one of them matches. The result is advisory: heuristics,
// not a protocol.

var (
	reasoningTagPattern = regexp.MustCompile(`(?is)<(reasoning|thinking|think)>(.*?)</\s*(?:reasoning|thinking|think)\s*>`)
	separatorPattern    = regexp.MustCompile(`(?m)^(?:-{3,}|={3,})\s*$`)
	prefixPattern       = regexp.MustCompile(`(?is)^\s*(thinking|reasoning)\s*:\s*`)
)

// reasoningMarkers hint that a block of text is deliberation rather than
// an answer.
var reasoningMarkers = []string{
	"let me",
	"let's think",
	"i need to",
	"i should",
	"first,",
	"step 1",
	"step one",
	"thinking about",
	"reasoning",
	"to answer this",
	"the user wants",
	"the user is asking",
}

// ExtractThinking splits model output into the answer and any embedded
// reasoning. When nothing matches, the content comes back untouched with
// empty thinking.
func ExtractThinking(content string) (response, thinking string) {
	// Explicit tags win.
	if m := reasoningTagPattern.FindStringSubmatchIndex(content); m != nil {
		thinking = strings.TrimSpace(content[m[4]:m[5]])
		response = strings.TrimSpace(content[:m[0]] + content[m[1]:])
		return response, thinking
	}

	// A --- or === rule with reasoning-looking text above it.
	if loc := separatorPattern.FindStringIndex(content); loc != nil {
		head := strings.TrimSpace(content[:loc[0]])
		tail := strings.TrimSpace(content[loc[1]:])
		if head != "" && tail != "" && looksLikeReasoning(head) {
			return tail, head
		}
	}

	// A leading "thinking:" / "reasoning:" prefix claims the first
	// paragraph.
	if m := prefixPattern.FindStringIndex(content); m != nil {
		rest := content[m[1]:]
		if idx := strings.Index(rest, "\n\n"); idx >= 0 {
			return strings.TrimSpace(rest[idx+2:]), strings.TrimSpace(rest[:idx])
		}
		return "", strings.TrimSpace(rest)
	}

	return content, ""
}

func looksLikeReasoning(text string) bool {
	lower := strings.ToLower(text)
	for _, marker := range reasoningMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}
