package usecase

import (
	"regexp"
	"strings"
)

// Markdown link [text](url) → text. Runs after character-level stripping so
// it cannot be re-created by a later step.
var linkRe = regexp.MustCompile(`\[([^\[\]]*)\]\(([^()]*)\)`)

// Line-level markers. Start-of-string counts as start-of-line, which keeps
// the transform consistent when a delta begins right after a newline.
var (
	headerRe   = regexp.MustCompile(`^(?:#{1,6}[ \t]+)+`)
	bulletRe   = regexp.MustCompile(`^(?:[ \t]*-[ \t]+)+`)
	hruleRe    = regexp.MustCompile(`^[ \t]{0,3}(?:-{3,}|_{3,})[ \t]*$`)
	tableRowRe = regexp.MustCompile(`^[ \t]*\|`)
)

// Sanitize strips markdown formatting from model output for plain-text
// delivery: emphasis markers, inline/fenced code delimiters, headers,
// horizontal rules, table rows, leading bullet dashes, and links (kept as
// their text). It is stateless and idempotent, and sanitizing each delta of
// a split that does not divide a marker token (or an emphasis/link pair)
// equals sanitizing the concatenation, so it can be applied independently
// to every stream delta.
func Sanitize(text string) string {
	if text == "" {
		return ""
	}

	// Line-level markers first, while rule and marker runs are intact.
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		if tableRowRe.MatchString(line) || hruleRe.MatchString(line) {
			lines[i] = ""
			continue
		}
		line = headerRe.ReplaceAllString(line, "")
		line = bulletRe.ReplaceAllString(line, "")
		lines[i] = line
	}
	text = strings.Join(lines, "\n")

	// Character-level markers: removal is safe on any delta boundary.
	text = strings.ReplaceAll(text, "`", "")
	text = strings.ReplaceAll(text, "*", "")
	text = strings.ReplaceAll(text, "__", "")
	text = stripUnderscoreEmphasis(text)

	return linkRe.ReplaceAllString(text, "$1")
}

// Candidate _emphasis_ spans on one line, no underscores or edge spaces inside.
var underscoreEmphasisRe = regexp.MustCompile(`_[^_\s](?:[^_\n]*[^_\s])?_`)

// stripUnderscoreEmphasis removes paired single-underscore emphasis markers
// while leaving intra-word underscores (snake_case identifiers) alone.
func stripUnderscoreEmphasis(text string) string {
	matches := underscoreEmphasisRe.FindAllStringIndex(text, -1)
	if matches == nil {
		return text
	}
	var b strings.Builder
	last := 0
	for _, m := range matches {
		start, end := m[0], m[1]
		if (start > 0 && isWordByte(text[start-1])) || (end < len(text) && isWordByte(text[end])) {
			continue
		}
		b.WriteString(text[last:start])
		b.WriteString(text[start+1 : end-1])
		last = end
	}
	b.WriteString(text[last:])
	return b.String()
}

func isWordByte(c byte) bool {
	return c == '_' || ('0' <= c && c <= '9') || ('a' <= c && c <= 'z') || ('A' <= c && c <= 'Z')
}
