package docpipe

import (
	"bytes"
	"strconv"
	"strings"
	"time"
	"unicode"

	"code.sajari.com/docconv"

	"github.com/hazyhaar/docingest/filegate"
)

// SplitWordCount marks container pages estimated from the word stream.
const SplitWordCount = "word_count"

// extractContainer reads DOCX or ODT text. The formats carry no page
// boundaries, so pages are estimated at WordsPerPage words each.
func (p *Pipeline) extractContainer(buf []byte, ct string) (*extraction, error) {
	var (
		text string
		meta map[string]string
		err  error
	)
	switch ct {
	case filegate.TypeODT:
		text, meta, err = docconv.ConvertODT(bytes.NewReader(buf))
	default:
		text, meta, err = docconv.ConvertDocx(bytes.NewReader(buf))
	}
	if err != nil {
		return nil, newError(KindFormatError, err, "unreadable %s container", ct)
	}

	ex := &extraction{method: MethodContainer, confidence: 95, splitUsed: SplitWordCount}
	ex.title = firstMeta(meta, "title", "Title")
	ex.author = firstMeta(meta, "creator", "initial-creator", "Author")
	ex.creationDate = containerDate(meta)

	text = strings.TrimSpace(text)
	if text == "" {
		ex.pages = []page{{}}
		ex.warnings = append(ex.warnings, "document contains no text")
		return ex, nil
	}
	for _, t := range splitByWords(text, p.cfg.WordsPerPage) {
		ex.pages = append(ex.pages, page{text: t})
	}
	return ex, nil
}

// splitByWords cuts text into ceil(words/perPage) pages of equal word
// counts. Cuts fall at word starts, so the original spacing survives.
func splitByWords(text string, perPage int) []string {
	var starts []int
	prevSpace := true
	for i, r := range text {
		space := unicode.IsSpace(r)
		if !space && prevSpace {
			starts = append(starts, i)
		}
		prevSpace = space
	}
	words := len(starts)
	pages := (words + perPage - 1) / perPage
	if pages <= 1 {
		return []string{text}
	}
	per := (words + pages - 1) / pages
	out := make([]string, 0, pages)
	for i := 0; i < words; i += per {
		end := len(text)
		if i+per < words {
			end = starts[i+per]
		}
		out = append(out, strings.TrimSpace(text[starts[i]:end]))
	}
	return out
}

func firstMeta(meta map[string]string, keys ...string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(meta[k]); v != "" {
			return v
		}
	}
	return ""
}

// containerDate reads the creation date docconv reports, as unix seconds
// or an ISO timestamp.
func containerDate(meta map[string]string) *time.Time {
	if v := meta["CreatedDate"]; v != "" {
		if sec, err := strconv.ParseInt(v, 10, 64); err == nil && sec > 0 {
			t := time.Unix(sec, 0).UTC()
			return &t
		}
	}
	raw := firstMeta(meta, "created", "creation-date")
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return &t
		}
	}
	return nil
}
