package docpipe

import (
	"strings"
	"unicode"
)

// Quality measures a PDF text layer.
type Quality struct {
	PageCount       int     `json:"page_count"`
	CharsPerPage    float64 `json:"chars_per_page"`
	PrintableRatio  float64 `json:"printable_ratio"`
	WordlikeRatio   float64 `json:"wordlike_ratio"`
	HasImageStreams bool    `json:"has_image_streams"`
}

func measure(pages []string, hasImages bool) *Quality {
	q := &Quality{PageCount: len(pages), HasImageStreams: hasImages}
	full := strings.Join(pages, "\n")
	chars := 0
	for _, r := range full {
		if !unicode.IsSpace(r) {
			chars++
		}
	}
	if len(pages) > 0 {
		q.CharsPerPage = float64(chars) / float64(len(pages))
	}
	q.PrintableRatio = printableRatio(full)
	q.WordlikeRatio = wordlikeRatio(full)
	return q
}

// Scanned reports a text layer too thin to be the real content.
func (q *Quality) Scanned(minDensity int) bool {
	return q.CharsPerPage < float64(minDensity)
}

// Garbled reports text decoded through a broken font mapping.
func (q *Quality) Garbled(minPrintable float64) bool {
	return q.PrintableRatio < minPrintable
}

// printableRatio is the share of printable runes. Private-use code points,
// U+FFFD and control characters other than whitespace count as garbage.
func printableRatio(text string) float64 {
	total, printable := 0, 0
	for _, r := range text {
		total++
		if isGarbageRune(r) {
			continue
		}
		if unicode.IsPrint(r) || r == '\n' || r == '\r' || r == '\t' {
			printable++
		}
	}
	if total == 0 {
		return 1.0
	}
	return float64(printable) / float64(total)
}

func isGarbageRune(r rune) bool {
	switch {
	case r >= 0xE000 && r <= 0xF8FF:
		return true
	case r == unicode.ReplacementChar:
		return true
	case r < 0x20 && r != '\n' && r != '\r' && r != '\t':
		return true
	}
	return false
}

// wordlikeRatio is the share of tokens 2 to 15 runes long.
func wordlikeRatio(text string) float64 {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return 0
	}
	n := 0
	for _, f := range fields {
		if l := len([]rune(f)); l >= 2 && l <= 15 {
			n++
		}
	}
	return float64(n) / float64(len(fields))
}

func wordCount(text string) int {
	return len(strings.Fields(text))
}
