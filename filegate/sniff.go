package filegate

import (
	"bytes"
	"strings"
	"unicode/utf8"
)

// Detected and accepted content types.
const (
	TypePDF  = "application/pdf"
	TypeDOCX = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	TypeODT  = "application/vnd.oasis.opendocument.text"
	TypeZIP  = "application/zip"
	TypeJPEG = "image/jpeg"
	TypePNG  = "image/png"
	TypeTIFF = "image/tiff"
	TypeText = "text/plain"
)

type signature struct {
	magic []byte
	ctype string
}

// Matched at offset 0, in order.
var signatures = []signature{
	{[]byte("%PDF"), TypePDF},
	{[]byte("PK\x03\x04"), TypeZIP},
	{[]byte{0xFF, 0xD8, 0xFF}, TypeJPEG},
	{[]byte{0x89, 0x50, 0x4E, 0x47}, TypePNG},
	{[]byte{0x49, 0x49, 0x2A, 0x00}, TypeTIFF},
}

var odtMimetype = []byte("mimetype" + TypeODT)

// DetectContentType classifies buf from its bytes only. ZIP containers are
// refined to DOCX or ODT when their entry names say so. The empty string
// means no supported type was recognised.
func DetectContentType(buf []byte, window int, allowUTF8 bool) string {
	for _, s := range signatures {
		if bytes.HasPrefix(buf, s.magic) {
			if s.ctype == TypeZIP {
				return refineZip(buf, window)
			}
			return s.ctype
		}
	}
	if isPlainText(prefix(buf, window), allowUTF8) {
		return TypeText
	}
	return ""
}

func refineZip(buf []byte, window int) string {
	// ODT stores its mimetype entry first and uncompressed.
	if bytes.Contains(prefix(buf, window), odtMimetype) {
		return TypeODT
	}
	if bytes.Contains(buf, []byte("word/document.xml")) {
		return TypeDOCX
	}
	return TypeZIP
}

func isPlainText(p []byte, allowUTF8 bool) bool {
	if len(p) == 0 {
		return false
	}
	ascii := true
	for _, b := range p {
		switch {
		case b >= 0x20 && b <= 0x7E:
		case b == '\t', b == '\n', b == '\r', b == '\f':
		case b >= 0x80 && allowUTF8:
			ascii = false
		default:
			return false
		}
	}
	if ascii {
		return true
	}
	// The window may cut a multi-byte rune in half.
	for i := 0; i < utf8.UTFMax && len(p) > 0; i++ {
		if utf8.Valid(p) {
			return true
		}
		p = p[:len(p)-1]
	}
	return false
}

func prefix(buf []byte, n int) []byte {
	if len(buf) > n {
		return buf[:n]
	}
	return buf
}

// NormalizeContentType lowercases a declared type, drops parameters and maps
// common aliases. Generic binary declarations normalise to "" (undeclared).
func NormalizeContentType(declared string) string {
	ct := strings.ToLower(strings.TrimSpace(declared))
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	switch ct {
	case "application/octet-stream", "binary/octet-stream", "application/unknown":
		return ""
	case "image/jpg", "image/pjpeg":
		return TypeJPEG
	case "image/tif":
		return TypeTIFF
	case "application/x-pdf":
		return TypePDF
	case "application/x-zip-compressed":
		return TypeZIP
	}
	return ct
}

// IsOfficeContainer reports whether ct is a ZIP-based office document type.
func IsOfficeContainer(ct string) bool {
	return ct == TypeDOCX || ct == TypeODT
}

// IsImage reports whether ct is one of the OCR-only image types.
func IsImage(ct string) bool {
	return ct == TypeJPEG || ct == TypePNG || ct == TypeTIFF
}

// ExtensionFor returns a canonical file extension for ct, or "".
func ExtensionFor(ct string) string {
	switch ct {
	case TypePDF:
		return ".pdf"
	case TypeDOCX:
		return ".docx"
	case TypeODT:
		return ".odt"
	case TypeZIP:
		return ".zip"
	case TypeJPEG:
		return ".jpg"
	case TypePNG:
		return ".png"
	case TypeTIFF:
		return ".tiff"
	case TypeText:
		return ".txt"
	}
	return ""
}
