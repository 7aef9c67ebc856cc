package answer

import (
	"regexp"
	"strings"
)

var (
	citationPattern  = regexp.MustCompile(`\[\d+\]`)
	inlineURLPattern = regexp.MustCompile(`\(https?://[^)]+\)`)
	blankRunPattern  = regexp.MustCompile(`\n{3,}`)
	urlLinePattern   = regexp.MustCompile(`^(?:\[\d+\]\()?https?://`)
	parenURLPattern  = regexp.MustCompile(`^\(https?://`)
)

// Clean strips citation markers and source links from raw answer text so the
// caller gets prose only. With keepSources true the text passes through
// untouched.
func Clean(text string, keepSources bool) string {
	if keepSources {
		return text
	}

	text = citationPattern.ReplaceAllString(text, "")
	text = dropSourceLines(text)
	text = inlineURLPattern.ReplaceAllString(text, "")
	text = blankRunPattern.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}

// dropSourceLines removes lines that are citation or source references, plus
// the blank lines between them. A run of source lines ends at the first line
// of ordinary prose.
func dropSourceLines(text string) string {
	lines := strings.Split(text, "\n")
	kept := make([]string, 0, len(lines))
	inSources := false

	for _, line := range lines {
		stripped := strings.TrimSpace(line)
		if isSourceLine(stripped) {
			inSources = true
			continue
		}
		if inSources && stripped == "" {
			continue
		}
		inSources = false
		kept = append(kept, line)
	}
	return strings.TrimSpace(strings.Join(kept, "\n"))
}

// isSourceLine reports whether a trimmed line is a citation or source
// reference rather than prose: a bare URL, a parenthesized URL, a numbered
// citation link, or a markdown link occupying the whole line.
func isSourceLine(stripped string) bool {
	if stripped == "" {
		return false
	}
	if urlLinePattern.MatchString(stripped) || parenURLPattern.MatchString(stripped) {
		return true
	}
	if strings.HasPrefix(stripped, "[") && strings.Contains(stripped, "](http") {
		return true
	}
	if strings.HasPrefix(stripped, "(") && strings.Contains(stripped, "http") && strings.HasSuffix(stripped, ")") {
		return true
	}
	return false
}
