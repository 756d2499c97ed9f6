package docpipe

import (
	"bytes"
	"compress/zlib"
	"io"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"
	"unicode/utf16"
)

type tokKind int

const (
	tokOperator tokKind = iota
	tokString
	tokNumber
	tokName
	tokArray
)

type token struct {
	kind  tokKind
	str   string // decoded text for strings, operator or name otherwise
	num   float64
	items []token
}

// contentLexer tokenizes a PDF content stream.
type contentLexer struct {
	data []byte
	pos  int
}

func isPDFSpace(b byte) bool {
	return b == ' ' || b == '\n' || b == '\r' || b == '\t' || b == '\f' || b == 0
}

func isPDFDelim(b byte) bool {
	return strings.IndexByte("()<>[]{}/%", b) >= 0
}

func (l *contentLexer) next() (token, bool) {
	for l.pos < len(l.data) {
		c := l.data[l.pos]
		switch {
		case isPDFSpace(c):
			l.pos++
		case c == '%':
			for l.pos < len(l.data) && l.data[l.pos] != '\n' && l.data[l.pos] != '\r' {
				l.pos++
			}
		case c == '(':
			return token{kind: tokString, str: pdfBytesToText(l.literal())}, true
		case c == '<' && l.pos+1 < len(l.data) && l.data[l.pos+1] == '<':
			l.pos += 2
		case c == '>' && l.pos+1 < len(l.data) && l.data[l.pos+1] == '>':
			l.pos += 2
		case c == '<':
			return token{kind: tokString, str: pdfBytesToText(l.hexString())}, true
		case c == '[':
			l.pos++
			arr := token{kind: tokArray}
			for {
				t, ok := l.next()
				if !ok || (t.kind == tokOperator && t.str == "]") {
					break
				}
				arr.items = append(arr.items, t)
			}
			return arr, true
		case c == ']':
			l.pos++
			return token{kind: tokOperator, str: "]"}, true
		case c == '/':
			l.pos++
			return token{kind: tokName, str: l.word()}, true
		case c == '{' || c == '}' || c == ')' || c == '>':
			l.pos++
		default:
			w := l.word()
			if w == "" {
				l.pos++
				continue
			}
			if f, err := strconv.ParseFloat(w, 64); err == nil {
				return token{kind: tokNumber, num: f}, true
			}
			if w == "ID" {
				l.skipInlineImage()
			}
			return token{kind: tokOperator, str: w}, true
		}
	}
	return token{}, false
}

func (l *contentLexer) word() string {
	start := l.pos
	for l.pos < len(l.data) && !isPDFSpace(l.data[l.pos]) && !isPDFDelim(l.data[l.pos]) {
		l.pos++
	}
	return string(l.data[start:l.pos])
}

// literal reads a (...) string with nesting and escapes.
func (l *contentLexer) literal() []byte {
	l.pos++ // (
	depth := 1
	var out []byte
	for l.pos < len(l.data) {
		c := l.data[l.pos]
		l.pos++
		switch c {
		case '\\':
			if l.pos >= len(l.data) {
				return out
			}
			e := l.data[l.pos]
			l.pos++
			switch e {
			case 'n':
				out = append(out, '\n')
			case 'r':
				out = append(out, '\r')
			case 't':
				out = append(out, '\t')
			case 'b':
				out = append(out, '\b')
			case 'f':
				out = append(out, '\f')
			case '\r', '\n':
				// Line continuation.
				if e == '\r' && l.pos < len(l.data) && l.data[l.pos] == '\n' {
					l.pos++
				}
			default:
				if e >= '0' && e <= '7' {
					v := int(e - '0')
					for i := 0; i < 2 && l.pos < len(l.data) && l.data[l.pos] >= '0' && l.data[l.pos] <= '7'; i++ {
						v = v*8 + int(l.data[l.pos]-'0')
						l.pos++
					}
					out = append(out, byte(v))
				} else {
					out = append(out, e)
				}
			}
		case '(':
			depth++
			out = append(out, c)
		case ')':
			depth--
			if depth == 0 {
				return out
			}
			out = append(out, c)
		default:
			out = append(out, c)
		}
	}
	return out
}

func (l *contentLexer) hexString() []byte {
	l.pos++ // <
	var digits []byte
	for l.pos < len(l.data) && l.data[l.pos] != '>' {
		c := l.data[l.pos]
		if (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F') {
			digits = append(digits, c)
		}
		l.pos++
	}
	l.pos++ // >
	if len(digits)%2 == 1 {
		digits = append(digits, '0')
	}
	out := make([]byte, len(digits)/2)
	for i := range out {
		v, _ := strconv.ParseUint(string(digits[2*i:2*i+2]), 16, 8)
		out[i] = byte(v)
	}
	return out
}

// skipInlineImage jumps past binary inline image data up to EI.
func (l *contentLexer) skipInlineImage() {
	idx := bytes.Index(l.data[l.pos:], []byte("EI"))
	for idx >= 0 {
		end := l.pos + idx + 2
		if (l.pos+idx == 0 || isPDFSpace(l.data[l.pos+idx-1])) && (end >= len(l.data) || isPDFSpace(l.data[end])) {
			l.pos = end
			return
		}
		next := bytes.Index(l.data[end:], []byte("EI"))
		if next < 0 {
			break
		}
		idx = end - l.pos + next
	}
	l.pos = len(l.data)
}

// pdfBytesToText decodes a PDF text string: UTF-16BE with BOM, otherwise
// treated as Latin-1.
func pdfBytesToText(b []byte) string {
	if len(b) >= 2 && b[0] == 0xFE && b[1] == 0xFF {
		u := make([]uint16, 0, (len(b)-2)/2)
		for i := 2; i+1 < len(b); i += 2 {
			u = append(u, uint16(b[i])<<8|uint16(b[i+1]))
		}
		return string(utf16.Decode(u))
	}
	r := make([]rune, len(b))
	for i, c := range b {
		r[i] = rune(c)
	}
	return string(r)
}

// textFromContentStream interprets the text-showing operators of a page
// content stream (Tj, TJ, ', ") and turns positioning operators into
// spaces or line breaks.
func textFromContentStream(data []byte) string {
	var sb strings.Builder
	var operands []token
	lex := &contentLexer{data: data}
	for {
		tok, ok := lex.next()
		if !ok {
			break
		}
		if tok.kind != tokOperator {
			operands = append(operands, tok)
			continue
		}
		switch tok.str {
		case "Tj":
			writeStrings(&sb, operands)
		case "'", `"`:
			sb.WriteByte('\n')
			writeStrings(&sb, operands)
		case "TJ":
			for _, op := range operands {
				if op.kind != tokArray {
					continue
				}
				for _, it := range op.items {
					switch {
					case it.kind == tokString:
						sb.WriteString(it.str)
					case it.kind == tokNumber && it.num < -200:
						sb.WriteByte(' ')
					}
				}
			}
		case "Td", "TD":
			if len(operands) >= 2 && operands[len(operands)-1].kind == tokNumber && operands[len(operands)-1].num != 0 {
				sb.WriteByte('\n')
			} else {
				sb.WriteByte(' ')
			}
		case "T*", "ET":
			sb.WriteByte('\n')
		case "Tm":
			sb.WriteByte(' ')
		}
		operands = operands[:0]
	}
	return cleanText(sb.String())
}

func writeStrings(sb *strings.Builder, operands []token) {
	for _, op := range operands {
		if op.kind == tokString {
			sb.WriteString(op.str)
		}
	}
}

var manyNewlines = regexp.MustCompile(`\n{3,}`)

// cleanText collapses horizontal whitespace, trims each line and keeps at
// most one blank line between paragraphs.
func cleanText(text string) string {
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		var sb strings.Builder
		prevSpace := false
		for _, r := range line {
			switch {
			case unicode.IsSpace(r):
				if !prevSpace {
					sb.WriteByte(' ')
					prevSpace = true
				}
			case unicode.IsPrint(r) || isGarbageRune(r):
				// Garbage runes are kept so quality scoring can see them.
				sb.WriteRune(r)
				prevSpace = false
			}
		}
		lines[i] = strings.TrimSpace(sb.String())
	}
	return strings.TrimSpace(manyNewlines.ReplaceAllString(strings.Join(lines, "\n"), "\n\n"))
}

// maxInflate bounds each decompressed stream in the raw fallback.
const maxInflate = 16 << 20

// rawTextBlob recovers text from every content stream in buf without
// parsing the object graph. Page boundaries are lost.
func rawTextBlob(buf []byte) string {
	var parts []string
	pos := 0
	for {
		i := bytes.Index(buf[pos:], []byte("stream"))
		if i < 0 {
			break
		}
		start := pos + i + len("stream")
		// Skip "endstream" matches.
		if pos+i >= 3 && bytes.Equal(buf[pos+i-3:pos+i], []byte("end")) {
			pos = start
			continue
		}
		if start < len(buf) && buf[start] == '\r' {
			start++
		}
		if start < len(buf) && buf[start] == '\n' {
			start++
		}
		j := bytes.Index(buf[start:], []byte("endstream"))
		if j < 0 {
			break
		}
		data := buf[start : start+j]
		pos = start + j + len("endstream")

		if zr, err := zlib.NewReader(bytes.NewReader(data)); err == nil {
			if inflated, err := io.ReadAll(io.LimitReader(zr, maxInflate)); err == nil || len(inflated) > 0 {
				data = inflated
			}
			zr.Close()
		}
		if !bytes.Contains(data, []byte("BT")) {
			continue
		}
		if t := textFromContentStream(data); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, "\n\n")
}

var rawPageRe = regexp.MustCompile(`/Type\s*/Page\b`)

func rawPageCount(buf []byte) int {
	return len(rawPageRe.FindAllIndex(buf, -1))
}

var (
	rawTitleRe   = regexp.MustCompile(`/Title\s*\(((?:\\.|[^\\)])*)\)`)
	rawAuthorRe  = regexp.MustCompile(`/Author\s*\(((?:\\.|[^\\)])*)\)`)
	rawCreatedRe = regexp.MustCompile(`/CreationDate\s*\((D:[^)]*)\)`)
)

// rawInfo reads the document information strings with regular expressions.
func rawInfo(buf []byte) (title, author string, created *time.Time) {
	field := func(re *regexp.Regexp) string {
		m := re.FindSubmatch(buf)
		if m == nil {
			return ""
		}
		lex := &contentLexer{data: append(append([]byte{'('}, m[1]...), ')')}
		return strings.TrimSpace(pdfBytesToText(lex.literal()))
	}
	title, author = field(rawTitleRe), field(rawAuthorRe)
	if m := rawCreatedRe.FindSubmatch(buf); m != nil {
		if t, ok := ParsePDFDate(string(m[1])); ok {
			created = &t
		}
	}
	return title, author, created
}

// ParsePDFDate parses D:YYYYMMDDHHmmSSOHH'mm'. Everything after the year is
// optional: month and day default to 1, time fields to 0, the zone to UTC.
func ParsePDFDate(s string) (time.Time, bool) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "D:")
	n := 0
	for n < len(s) && s[n] >= '0' && s[n] <= '9' {
		n++
	}
	digits, rest := s[:n], s[n:]
	if len(digits) < 4 {
		return time.Time{}, false
	}
	field := func(from, def int) int {
		if len(digits) >= from+2 {
			v, _ := strconv.Atoi(digits[from : from+2])
			return v
		}
		return def
	}
	year, _ := strconv.Atoi(digits[:4])
	month, day := field(4, 1), field(6, 1)
	hour, minute, sec := field(8, 0), field(10, 0), field(12, 0)
	if month < 1 || month > 12 || day < 1 || day > 31 || hour > 23 || minute > 59 || sec > 59 {
		return time.Time{}, false
	}

	loc := time.UTC
	if len(rest) > 0 && (rest[0] == '+' || rest[0] == '-') {
		sign := 1
		if rest[0] == '-' {
			sign = -1
		}
		tz := strings.NewReplacer("'", "", " ", "").Replace(rest[1:])
		var oh, om int
		if len(tz) >= 2 {
			oh, _ = strconv.Atoi(tz[:2])
		}
		if len(tz) >= 4 {
			om, _ = strconv.Atoi(tz[2:4])
		}
		if off := sign * (oh*3600 + om*60); off != 0 {
			loc = time.FixedZone("", off)
		}
	}
	return time.Date(year, time.Month(month), day, hour, minute, sec, 0, loc), true
}
