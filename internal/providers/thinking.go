package providers

import (
	"regexp"
	"strings"
)

var thinkTagRe = regexp.MustCompile(`(?s)<think>(.*?)</think>`)

// ExtractThinking pulls inline <think>…</think> reasoning out of model
// content. Returns the cleaned content and the captured reasoning text.
// Content without tags passes through untouched.
func ExtractThinking(content string) (clean, thinking string) {
	matches := thinkTagRe.FindAllStringSubmatch(content, -1)
	if len(matches) == 0 {
		return content, ""
	}
	var parts []string
	for _, m := range matches {
		if t := strings.TrimSpace(m[1]); t != "" {
			parts = append(parts, t)
		}
	}
	clean = strings.TrimSpace(thinkTagRe.ReplaceAllString(content, ""))
	return clean, strings.Join(parts, "\n\n")
}
