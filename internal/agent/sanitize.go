package agent

import (
	"regexp"
	"strings"
)

// sanitizeReply cleans assistant text before it is saved and sent. Some
// models leak reasoning tags, echoed system blocks or repeated paragraphs
// into their final answer.
func sanitizeReply(content string) string {
	if content == "" {
		return content
	}
	content = stripThinkingTags(content)
	content = stripEchoedSystemBlocks(content)
	content = collapseDuplicateBlocks(content)
	return strings.TrimSpace(content)
}

// Go regexp has no backreferences, so each tag gets its own pattern.
var thinkingTagPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?is)<think>.*?</think>`),
	regexp.MustCompile(`(?is)<thinking>.*?</thinking>`),
	regexp.MustCompile(`(?is)<thought>.*?</thought>`),
}

func stripThinkingTags(content string) string {
	if !strings.Contains(strings.ToLower(content), "<think") &&
		!strings.Contains(strings.ToLower(content), "<thought") {
		return content
	}
	for _, pat := range thinkingTagPatterns {
		content = pat.ReplaceAllString(content, "")
	}
	return strings.TrimSpace(content)
}

// stripEchoedSystemBlocks drops hallucinated "[System note] ..." blocks a
// model sometimes echoes back from its prompt. A block runs until the next
// blank line.
func stripEchoedSystemBlocks(content string) string {
	if !strings.Contains(content, "[System note") {
		return content
	}
	lines := strings.Split(content, "\n")
	kept := lines[:0]
	skipping := false
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "[System note") {
			skipping = true
			continue
		}
		if skipping {
			if trimmed == "" {
				skipping = false
			}
			continue
		}
		kept = append(kept, line)
	}
	return strings.TrimSpace(strings.Join(kept, "\n"))
}

// collapseDuplicateBlocks removes a paragraph repeated immediately after
// itself, a common artifact of retried streaming responses.
func collapseDuplicateBlocks(content string) string {
	blocks := strings.Split(content, "\n\n")
	if len(blocks) <= 1 {
		return content
	}
	var result []string
	for _, block := range blocks {
		trimmed := strings.TrimSpace(block)
		if trimmed == "" {
			continue
		}
		if len(result) > 0 && trimmed == strings.TrimSpace(result[len(result)-1]) {
			continue
		}
		result = append(result, block)
	}
	return strings.Join(result, "\n\n")
}
