package docpipe

import (
	"bytes"
	"strings"
	"unicode/utf8"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// extractPlainText decodes buf as UTF-8 verbatim into a single page.
func extractPlainText(buf []byte) (*extraction, error) {
	ex := &extraction{method: MethodPlainText, confidence: 100}
	buf = bytes.TrimPrefix(buf, utf8BOM)
	text := string(buf)
	if !utf8.Valid(buf) {
		text = strings.ToValidUTF8(text, "\ufffd")
		ex.warnings = append(ex.warnings, "invalid UTF-8 sequences replaced")
	}
	ex.pages = []page{{text: text}}
	return ex, nil
}
