package docpipe

import (
	"regexp"
	"strings"
	"unicode"
)

// Page split strategy names, in the order they are tried.
const (
	SplitFormFeed   = "form_feed"
	SplitPageNumber = "page_number"
	SplitEven       = "even"
)

// SplitStrategy segments a text blob into pageCount pages, or reports that
// it does not apply.
type SplitStrategy func(text string, pageCount int) ([]string, bool)

type namedStrategy struct {
	name string
	fn   SplitStrategy
}

var splitChain = []namedStrategy{
	{SplitFormFeed, splitFormFeed},
	{SplitPageNumber, splitPageNumbers},
	{SplitEven, splitEven},
}

// SplitPages segments a document-wide text blob into pages. It tries form
// feeds, then page-number lines, then an even split snapped to sentence
// ends, and returns the pages with the name of the strategy that applied.
// The even split always applies, so the result has exactly pageCount pages
// (at least one).
func SplitPages(text string, pageCount int) ([]string, string) {
	if pageCount < 1 {
		pageCount = 1
	}
	for _, s := range splitChain {
		if pages, ok := s.fn(text, pageCount); ok {
			return pages, s.name
		}
	}
	// Unreachable: splitEven always applies.
	return []string{strings.TrimSpace(text)}, SplitEven
}

func splitFormFeed(text string, pageCount int) ([]string, bool) {
	if !strings.Contains(text, "\f") {
		return nil, false
	}
	parts := strings.Split(strings.TrimRight(text, "\f \n\r\t"), "\f")
	if len(parts) != pageCount {
		return nil, false
	}
	return trimAll(parts), true
}

// A line holding only a page marker: "3", "- 3 -", "Page 3", "Page 3 of 10", "3/10".
var pageNumberLine = regexp.MustCompile(`(?im)^[ \t]*(?:-[ \t]*)?(?:page|pg\.?|p\.|seite|página|pagina)?[ \t]*\d{1,5}(?:[ \t]*(?:/|of|sur|von|de)[ \t]*\d{1,5})?[ \t]*(?:-[ \t]*)?\r?$`)

func splitPageNumbers(text string, pageCount int) ([]string, bool) {
	locs := pageNumberLine.FindAllStringIndex(text, -1)
	if len(locs) == 0 {
		return nil, false
	}
	var segs []string
	prev := 0
	for _, loc := range locs {
		if seg := strings.TrimSpace(text[prev:loc[0]]); seg != "" {
			segs = append(segs, seg)
		}
		prev = loc[1]
	}
	if tail := strings.TrimSpace(text[prev:]); tail != "" {
		segs = append(segs, tail)
	}
	if len(segs) < pageCount {
		return nil, false
	}
	if len(segs) > pageCount {
		last := strings.Join(segs[pageCount-1:], "\n\n")
		segs = append(segs[:pageCount-1], last)
	}
	return segs, true
}

// splitEven divides text into pageCount runs of roughly equal length. Each
// cut moves back to the nearest sentence end found past the middle of the
// run; without one the cut is made at the nominal length.
func splitEven(text string, pageCount int) ([]string, bool) {
	runes := []rune(text)
	if pageCount <= 1 || len(runes) == 0 {
		pages := make([]string, pageCount)
		pages[0] = strings.TrimSpace(text)
		return pages, true
	}
	size := len(runes) / pageCount
	pages := make([]string, 0, pageCount)
	start := 0
	for i := 0; i < pageCount-1; i++ {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}
		floor := start + size/2
		for j := end - 1; j >= floor && j > start; j-- {
			if isSentenceEnd(runes, j) {
				end = j + 1
				break
			}
		}
		pages = append(pages, strings.TrimSpace(string(runes[start:end])))
		start = end
	}
	pages = append(pages, strings.TrimSpace(string(runes[start:])))
	return pages, true
}

// isSentenceEnd reports whether runes[i] closes a sentence: terminal
// punctuation followed by whitespace (or end of text), or a newline.
func isSentenceEnd(runes []rune, i int) bool {
	switch runes[i] {
	case '\n':
		return true
	case '.', '!', '?', '。', '！', '？':
		return i+1 == len(runes) || unicode.IsSpace(runes[i+1])
	}
	return false
}

func trimAll(parts []string) []string {
	out := make([]string, len(parts))
	for i, p := range parts {
		out[i] = strings.TrimSpace(p)
	}
	return out
}
