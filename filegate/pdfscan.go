package filegate

import (
	"bytes"
	"encoding/hex"
	"regexp"
	"strconv"
)

// PDF security flags.
const (
	FlagPDFInvalidHeader     = "PDF_INVALID_HEADER"
	FlagPDFUnsupportedVer    = "PDF_VERSION_UNSUPPORTED"
	FlagPDFJavaScript        = "PDF_CONTAINS_JAVASCRIPT"
	FlagPDFLaunchAction      = "PDF_HAS_LAUNCH_ACTION"
	FlagPDFOpenAction        = "PDF_HAS_OPEN_ACTION"
	FlagPDFAdditionalActions = "PDF_HAS_ADDITIONAL_ACTIONS"
	FlagPDFEmbeddedFiles     = "PDF_HAS_EMBEDDED_FILES"
	FlagPDFRemoteGoTo        = "PDF_HAS_REMOTE_GOTO"
	FlagPDFEmbeddedGoTo      = "PDF_HAS_EMBEDDED_GOTO"
	FlagPDFURIAction         = "PDF_HAS_URI_ACTION"
	FlagPDFSubmitForm        = "PDF_HAS_SUBMIT_FORM"
	FlagPDFImportData        = "PDF_HAS_IMPORT_DATA"
	FlagPDFRichMedia         = "PDF_HAS_RICH_MEDIA"
	FlagPDFEncrypted         = "PDF_ENCRYPTED"
)

type pdfMarker struct {
	re   *regexp.Regexp
	flag string
}

var pdfMarkers = []pdfMarker{
	{regexp.MustCompile(`/JavaScript\b`), FlagPDFJavaScript},
	{regexp.MustCompile(`/JS\b`), FlagPDFJavaScript},
	{regexp.MustCompile(`/Launch\b`), FlagPDFLaunchAction},
	{regexp.MustCompile(`/OpenAction\b`), FlagPDFOpenAction},
	{regexp.MustCompile(`/AA\b`), FlagPDFAdditionalActions},
	{regexp.MustCompile(`/EmbeddedFiles?\b`), FlagPDFEmbeddedFiles},
	{regexp.MustCompile(`/GoToR\b`), FlagPDFRemoteGoTo},
	{regexp.MustCompile(`/GoToE\b`), FlagPDFEmbeddedGoTo},
	{regexp.MustCompile(`/URI\b`), FlagPDFURIAction},
	{regexp.MustCompile(`/SubmitForm\b`), FlagPDFSubmitForm},
	{regexp.MustCompile(`/ImportData\b`), FlagPDFImportData},
	{regexp.MustCompile(`/RichMedia\b`), FlagPDFRichMedia},
	{regexp.MustCompile(`/Encrypt\b`), FlagPDFEncrypted},
}

var (
	pdfName    = regexp.MustCompile(`/[A-Za-z0-9#._+-]*#[0-9A-Fa-f]{2}[A-Za-z0-9#._+-]*`)
	pdfEscape  = regexp.MustCompile(`#[0-9A-Fa-f]{2}`)
	pdfVersion = regexp.MustCompile(`^%PDF-(\d+\.\d+)`)
)

// PDFReport is the result of a raw-byte PDF scan.
type PDFReport struct {
	Version string
	Flags   []string
	// Fatal is set when the document must be rejected.
	Fatal bool
}

// ScanPDF inspects raw PDF bytes for a valid header and high-risk
// dictionary keys. It does not parse the object graph. Names written with
// #xx escapes (e.g. /J#61vaScript) are decoded before matching.
func ScanPDF(buf []byte) PDFReport {
	var r PDFReport
	switch m := pdfVersion.FindSubmatch(buf); {
	case !bytes.HasPrefix(buf, []byte("%PDF-")):
		r.Flags = append(r.Flags, FlagPDFInvalidHeader)
		r.Fatal = true
	case m == nil:
		r.Flags = append(r.Flags, FlagPDFUnsupportedVer)
	default:
		r.Version = string(m[1])
		v, err := strconv.ParseFloat(r.Version, 64)
		if err != nil || v < 1.0 || v > 2.0 {
			r.Flags = append(r.Flags, FlagPDFUnsupportedVer)
		}
	}

	body := decodeNames(buf)
	seen := make(map[string]bool)
	for _, mk := range pdfMarkers {
		if seen[mk.flag] || !mk.re.Match(body) {
			continue
		}
		seen[mk.flag] = true
		r.Flags = append(r.Flags, mk.flag)
		if mk.flag == FlagPDFJavaScript {
			r.Fatal = true
		}
	}
	return r
}

func decodeNames(buf []byte) []byte {
	if !bytes.Contains(buf, []byte("#")) {
		return buf
	}
	return pdfName.ReplaceAllFunc(buf, func(name []byte) []byte {
		return pdfEscape.ReplaceAllFunc(name, func(esc []byte) []byte {
			b, err := hex.DecodeString(string(esc[1:]))
			if err != nil {
				return esc
			}
			return b
		})
	})
}
