package chunk

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// span is a half-open rune range of page text.
type span struct {
	start, end int
	heading    bool
}

func tokensIn(start, end int) int {
	return (end - start + 3) / 4
}

// trimmed shrinks [start, end) to exclude surrounding whitespace.
func trimmed(r []rune, start, end int) (int, int) {
	for start < end && unicode.IsSpace(r[start]) {
		start++
	}
	for end > start && unicode.IsSpace(r[end-1]) {
		end--
	}
	return start, end
}

func appendTrimmed(out []span, r []rune, start, end int, heading bool) []span {
	s, e := trimmed(r, start, end)
	if s < e {
		out = append(out, span{start: s, end: e, heading: heading})
	}
	return out
}

// segment cuts page text into units: heading lines, and sentences within
// paragraphs. Blank lines end paragraphs.
func segment(r []rune) []span {
	var out []span
	paraStart, paraEnd := -1, -1
	flush := func() {
		if paraStart >= 0 {
			out = sentences(out, r, paraStart, paraEnd)
			paraStart = -1
		}
	}
	for lineStart := 0; lineStart < len(r); {
		lineEnd := lineStart
		for lineEnd < len(r) && r[lineEnd] != '\n' {
			lineEnd++
		}
		line := r[lineStart:lineEnd]
		switch {
		case isBlank(line):
			flush()
		case isHeading(line):
			flush()
			out = appendTrimmed(out, r, lineStart, lineEnd, true)
		default:
			if paraStart < 0 {
				paraStart = lineStart
			}
			paraEnd = lineEnd
		}
		lineStart = lineEnd + 1
	}
	flush()
	return out
}

func sentences(out []span, r []rune, start, end int) []span {
	s := start
	for i := start; i < end; i++ {
		if isSentenceEnd(r, i, end) {
			out = appendTrimmed(out, r, s, i+1, false)
			s = i + 1
		}
	}
	return appendTrimmed(out, r, s, end, false)
}

func isSentenceEnd(r []rune, i, end int) bool {
	switch r[i] {
	case '.', '!', '?', '。', '！', '？':
		return i+1 == end || unicode.IsSpace(r[i+1])
	}
	return false
}

func isBlank(line []rune) bool {
	for _, c := range line {
		if !unicode.IsSpace(c) {
			return false
		}
	}
	return true
}

var markdownHeading = regexp.MustCompile(`^#{1,6}[ \t]+(.+?)[ \t#]*$`)

// headingText returns the title of a markdown heading or an all-caps line
// of 3 to 80 runes.
func headingText(line string) (string, bool) {
	s := strings.TrimSpace(line)
	if m := markdownHeading.FindStringSubmatch(s); m != nil {
		return strings.TrimSpace(m[1]), true
	}
	n := utf8.RuneCountInString(s)
	if n < 3 || n > 80 {
		return "", false
	}
	if strings.ContainsAny(s[len(s)-1:], ".!?,;") {
		return "", false
	}
	letters := 0
	for _, c := range s {
		if unicode.IsLetter(c) {
			if !unicode.IsUpper(c) {
				return "", false
			}
			letters++
		}
	}
	return s, letters >= 2
}

func isHeading(line []rune) bool {
	_, ok := headingText(string(line))
	return ok
}

// sectionHeader finds a heading that is the chunk's first line or the last
// non-blank line before it. Only whole lines count.
func sectionHeader(r []rune, start int) string {
	i := start - 1
	newline := false
	for i >= 0 && unicode.IsSpace(r[i]) {
		newline = newline || r[i] == '\n'
		i--
	}
	if i >= 0 && !newline {
		return ""
	}

	lineEnd := start
	for lineEnd < len(r) && r[lineEnd] != '\n' {
		lineEnd++
	}
	if h, ok := headingText(string(r[start:lineEnd])); ok {
		return h
	}
	if i < 0 {
		return ""
	}
	end := i + 1
	for i >= 0 && r[i] != '\n' {
		i--
	}
	if h, ok := headingText(string(r[i+1 : end])); ok {
		return h
	}
	return ""
}
