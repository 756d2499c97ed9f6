package filegate

import (
	"net/url"
	"path/filepath"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// MaxFilenameBytes is the longest sanitized filename, extension included.
const MaxFilenameBytes = 255

var (
	dotRun      = regexp.MustCompile(`\.{2,}`)
	driveLetter = regexp.MustCompile(`^[A-Za-z]:`)
)

// DetectPathTraversal reports whether the caller-supplied filename tries to
// leave its directory: a ".." segment, an absolute or UNC prefix, or a drive
// letter. The name is also checked after one and two rounds of URL decoding.
func DetectPathTraversal(name string) bool {
	candidates := []string{name}
	cur := name
	for i := 0; i < 2; i++ {
		dec, err := url.PathUnescape(cur)
		if err != nil || dec == cur {
			break
		}
		candidates = append(candidates, dec)
		cur = dec
	}
	for _, c := range candidates {
		if hasTraversal(c) {
			return true
		}
	}
	return false
}

func hasTraversal(name string) bool {
	if name == "" {
		return false
	}
	if strings.HasPrefix(name, "/") || strings.HasPrefix(name, `\`) {
		return true
	}
	if driveLetter.MatchString(name) {
		return true
	}
	for _, seg := range strings.FieldsFunc(name, func(r rune) bool { return r == '/' || r == '\\' }) {
		if strings.TrimSpace(strings.ReplaceAll(seg, "\x00", "")) == ".." {
			return true
		}
	}
	return false
}

// SanitizeFilename reduces name to a safe basename. It returns "" when
// nothing usable is left; the caller substitutes a placeholder.
func SanitizeFilename(name string) string {
	s := norm.NFC.String(name)
	s = strings.ReplaceAll(s, "\x00", "")
	s = strings.ReplaceAll(s, `\`, "/")
	if i := strings.LastIndexByte(s, '/'); i >= 0 {
		s = s[i+1:]
	}
	s = dotRun.ReplaceAllString(s, ".")
	s = strings.Map(func(r rune) rune {
		if safeRune(r) {
			return r
		}
		return '_'
	}, s)
	s = strings.TrimFunc(s, func(r rune) bool { return r == '.' || unicode.IsSpace(r) })
	return truncateName(s, MaxFilenameBytes)
}

func safeRune(r rune) bool {
	if unicode.IsLetter(r) || unicode.IsDigit(r) {
		return true
	}
	switch r {
	case '.', '_', '-', ' ', '(', ')':
		return true
	}
	return false
}

// truncateName caps s at max bytes, keeping a short extension intact and
// never cutting a rune in half.
func truncateName(s string, max int) string {
	if len(s) <= max {
		return s
	}
	ext := filepath.Ext(s)
	if len(ext) > 16 || len(ext) >= max {
		ext = ""
	}
	base := strings.TrimSuffix(s, ext)
	limit := max - len(ext)
	for limit > 0 && !utf8.RuneStart(base[limit]) {
		limit--
	}
	return strings.TrimRightFunc(base[:limit], func(r rune) bool { return r == '.' || unicode.IsSpace(r) }) + ext
}
