package agent

import (
	"regexp"
	"strings"
)

// SanitizeText cleans one assistant text block before it reaches a user:
// leaked reasoning tags, tool-call artifacts some models emit as plain text,
// and repeated paragraphs are removed. Returns "" when nothing user-facing
// remains.
func SanitizeText(content string) string {
	if content == "" {
		return ""
	}
	content = stripToolCallArtifacts(content)
	content = stripThinkingTags(content)
	content = stripFinalTags(content)
	content = collapseDuplicateBlocks(content)
	return strings.TrimSpace(content)
}

// Some models downgrade structured tool calls into XML-ish text. If the block
// is dominated by those markers the whole block is dropped; a reply assembled
// around garbled XML is not worth salvaging.
var toolXMLPattern = regexp.MustCompile(
	`(?s)</?(?:function_calls?|invoke|tool_call|tool_use|parameter)[^>]*>`,
)

var toolXMLIndicators = []string{
	"<parameter name=",
	"</parameter",
	"<function_call",
	"<tool_call",
	"<tool_use",
	"[Tool Call:",
	"[Tool Result",
}

func stripToolCallArtifacts(content string) string {
	lower := strings.ToLower(content)
	found := false
	for _, ind := range toolXMLIndicators {
		if strings.Contains(lower, strings.ToLower(ind)) {
			found = true
			break
		}
	}
	if !found {
		return content
	}

	lines := strings.Split(content, "\n")
	var kept []string
	skipping := false
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "[Tool Call:") || strings.HasPrefix(trimmed, "[Tool Result") {
			skipping = true
			continue
		}
		if skipping {
			// Argument JSON and tool output under the marker.
			if trimmed == "" || strings.HasPrefix(trimmed, "Arguments:") ||
				strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "}") {
				continue
			}
			skipping = false
		}
		kept = append(kept, line)
	}
	content = strings.Join(kept, "\n")
	return strings.TrimSpace(toolXMLPattern.ReplaceAllString(content, ""))
}

// Go regexp has no backreferences; one pattern per tag pair.
var thinkingTagPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?is)<think>.*?</think>`),
	regexp.MustCompile(`(?is)<thinking>.*?</thinking>`),
	regexp.MustCompile(`(?is)<thought>.*?</thought>`),
}

func stripThinkingTags(content string) string {
	lower := strings.ToLower(content)
	if !strings.Contains(lower, "<think") && !strings.Contains(lower, "<thought") {
		return content
	}
	for _, pat := range thinkingTagPatterns {
		content = pat.ReplaceAllString(content, "")
	}
	return strings.TrimSpace(content)
}

// <final> wrappers are removed, their content kept.
var finalTagPattern = regexp.MustCompile(`(?i)<\s*/?\s*final\s*>`)

func stripFinalTags(content string) string {
	if !strings.Contains(strings.ToLower(content), "final") {
		return content
	}
	return finalTagPattern.ReplaceAllString(content, "")
}

// collapseDuplicateBlocks drops a paragraph that repeats the previous one
// verbatim, a common decoding stutter.
func collapseDuplicateBlocks(content string) string {
	blocks := strings.Split(content, "\n\n")
	if len(blocks) <= 1 {
		return content
	}
	var kept []string
	for _, block := range blocks {
		trimmed := strings.TrimSpace(block)
		if trimmed == "" {
			continue
		}
		if len(kept) > 0 && trimmed == strings.TrimSpace(kept[len(kept)-1]) {
			continue
		}
		kept = append(kept, block)
	}
	return strings.Join(kept, "\n\n")
}

// IsSilentReply reports whether the text is a NO_REPLY token: the pipeline's
// way of saying a message needs no answer. The token counts at the start or
// end of the text when set off by a non-word character.
func IsSilentReply(text string) bool {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return false
	}
	const token = "NO_REPLY"
	if trimmed == token {
		return true
	}
	if rest, ok := strings.CutPrefix(trimmed, token); ok {
		if rest == "" || !isWordChar(rune(rest[0])) {
			return true
		}
	}
	if before, ok := strings.CutSuffix(trimmed, token); ok {
		if before == "" || !isWordChar(rune(before[len(before)-1])) {
			return true
		}
	}
	return false
}

func isWordChar(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_'
}
