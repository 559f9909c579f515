package dingtalk

import (
	"regexp"
	"strings"
)

// DingTalk's markdown renderer is stricter than most: numbered lists glued to
// the previous paragraph stop parsing, and indented code fences render as
// plain text. These normalizers rewrite outbound markdown into a shape it
// accepts.

var numberedItemRe = regexp.MustCompile(`^\d+\.\s`)

// EnsureListSpacing inserts a blank line before a numbered list item that
// directly follows a non-list, non-empty line.
func EnsureListSpacing(text string) string {
	lines := strings.Split(text, "\n")
	out := make([]string, 0, len(lines))

	for i, line := range lines {
		if numberedItemRe.MatchString(strings.TrimSpace(line)) && i > 0 {
			prev := strings.TrimSpace(lines[i-1])
			if prev != "" && !numberedItemRe.MatchString(prev) {
				out = append(out, "")
			}
		}
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}

// DedentCodeBlocks strips the opening fence's indentation from every line of
// the block (fences included), preserving relative indentation inside.
func DedentCodeBlocks(text string) string {
	lines := strings.Split(text, "\n")
	for i := 0; i < len(lines); i++ {
		trimmed := strings.TrimLeft(lines[i], " \t")
		if !strings.HasPrefix(trimmed, "```") {
			continue
		}
		indent := lines[i][:len(lines[i])-len(trimmed)]
		end := -1
		for j := i + 1; j < len(lines); j++ {
			if strings.HasPrefix(strings.TrimLeft(lines[j], " \t"), "```") {
				end = j
				break
			}
		}
		if end == -1 {
			break
		}
		if indent != "" {
			for k := i; k <= end; k++ {
				lines[k] = strings.TrimPrefix(lines[k], indent)
			}
		}
		i = end
	}
	return strings.Join(lines, "\n")
}

var fencedBlockRe = regexp.MustCompile("(?s)```([^\n]*)\n(.*?)\n```")

// FormatCodeBlocks prefixes each non-empty line inside fenced code blocks
// with a marker, a workaround for content DingTalk's parser mangles.
func FormatCodeBlocks(text, prefix string) string {
	return fencedBlockRe.ReplaceAllStringFunc(text, func(m string) string {
		sub := fencedBlockRe.FindStringSubmatch(m)
		lang := strings.TrimSpace(sub[1])
		code := sub[2]

		lines := strings.Split(code, "\n")
		for i, ln := range lines {
			if strings.TrimSpace(ln) != "" {
				lines[i] = prefix + ln
			}
		}
		return "```" + lang + "\n" + strings.Join(lines, "\n") + "\n```"
	})
}

// NormalizeMarkdown applies the full normalization chain. codePrefix == ""
// leaves code lines unprefixed.
func NormalizeMarkdown(text, codePrefix string) string {
	text = EnsureListSpacing(text)
	text = DedentCodeBlocks(text)
	if codePrefix != "" {
		text = FormatCodeBlocks(text, codePrefix)
	}
	return text
}
