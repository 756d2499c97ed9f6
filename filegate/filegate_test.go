package filegate

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/hazyhaar/docingest/idgen"
	"github.com/hazyhaar/docingest/observability"
)

const minimalPDF = "%PDF-1.4\n1 0 obj\n<< /Type /Catalog /Pages 2 0 R >>\nendobj\ntrailer\n<< /Root 1 0 R >>\n%%EOF\n"

func newTestGate(t *testing.T, mut func(*Config)) (*Gate, *observability.Recorder) {
	t.Helper()
	rec := observability.NewRecorder(16)
	cfg := Config{NewID: idgen.Sequence("upload_"), Emitter: rec}
	if mut != nil {
		mut(&cfg)
	}
	return New(cfg), rec
}

func validate(t *testing.T, g *Gate, buf []byte, name, ct string) *Outcome {
	t.Helper()
	out, err := g.Validate(context.Background(), buf, name, ct)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	return out
}

func buildZip(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, body := range files {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := w.Write([]byte(body)); err != nil {
			t.Fatal(err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestValidate_PlainPDF(t *testing.T) {
	g, rec := newTestGate(t, nil)
	out := validate(t, g, []byte(minimalPDF), "report.pdf", "application/pdf")
	if !out.Valid {
		t.Fatalf("expected valid, errors: %v", out.Errors)
	}
	if out.DetectedContentType != TypePDF {
		t.Errorf("detected = %q", out.DetectedContentType)
	}
	if out.PDFVersion != "1.4" {
		t.Errorf("version = %q", out.PDFVersion)
	}
	if len(out.SecurityFlags) != 0 {
		t.Errorf("unexpected flags %v", out.SecurityFlags)
	}
	events := rec.Drain()
	if len(events) != 1 || events[0].Name != "passed" || events[0].Stage != observability.StageValidation {
		t.Errorf("events = %+v", events)
	}
}

func TestValidate_PathTraversalAlwaysFails(t *testing.T) {
	g, _ := newTestGate(t, nil)
	for _, name := range []string{
		"../../etc/passwd",
		"..%2F..%2Fetc%2Fpasswd",
		"%252e%252e%252fsecret.pdf",
		"/etc/passwd",
		`C:\Windows\win.ini`,
		`\\server\share\doc.pdf`,
	} {
		t.Run(name, func(t *testing.T) {
			out := validate(t, g, []byte(minimalPDF), name, "application/pdf")
			if out.Valid {
				t.Fatal("expected invalid")
			}
			if !out.HasFlag(FlagPathTraversal) {
				t.Fatalf("flags = %v", out.SecurityFlags)
			}
		})
	}
}

func TestValidate_MagicBeatsDeclaredType(t *testing.T) {
	g, _ := newTestGate(t, nil)
	out := validate(t, g, []byte(minimalPDF), "photo.jpg", "image/jpeg")
	if out.DetectedContentType != TypePDF {
		t.Fatalf("detected = %q, want pdf", out.DetectedContentType)
	}
	if !out.HasFlag(FlagMIMEMismatch) {
		t.Fatalf("flags = %v", out.SecurityFlags)
	}
	if !out.Valid {
		t.Fatalf("mismatch alone must not be fatal: %v", out.Errors)
	}
}

func TestValidate_PDFJavaScriptFatal(t *testing.T) {
	g, _ := newTestGate(t, nil)
	cases := map[string]string{
		"plain":   "<< /S /JavaScript /JS (app.alert(1)) >>",
		"escaped": "<< /S /J#61vaScript >>",
		"short":   "<< /JS 5 0 R >>",
	}
	for name, obj := range cases {
		t.Run(name, func(t *testing.T) {
			buf := []byte("%PDF-1.7\n" + obj + "\n%%EOF")
			out := validate(t, g, buf, "x.pdf", "")
			if out.Valid || !out.HasFlag(FlagPDFJavaScript) {
				t.Fatalf("valid=%v flags=%v", out.Valid, out.SecurityFlags)
			}
		})
	}
}

func TestValidate_PDFSoftFlags(t *testing.T) {
	g, _ := newTestGate(t, nil)
	buf := []byte("%PDF-2.0\n<< /OpenAction 3 0 R /Encrypt 9 0 R /Names << /EmbeddedFiles 4 0 R >> /URI (http://x) /JSONData 1 >>\n%%EOF")
	out := validate(t, g, buf, "x.pdf", "application/pdf")
	if !out.Valid {
		t.Fatalf("soft flags must not reject: %v", out.Errors)
	}
	for _, f := range []string{FlagPDFOpenAction, FlagPDFEncrypted, FlagPDFEmbeddedFiles, FlagPDFURIAction} {
		if !out.HasFlag(f) {
			t.Errorf("missing flag %s in %v", f, out.SecurityFlags)
		}
	}
	if out.HasFlag(FlagPDFJavaScript) {
		t.Error("/JSON-like keys must not trip JavaScript")
	}
}

func TestValidate_PDFHeaderAndVersion(t *testing.T) {
	g, _ := newTestGate(t, nil)

	out := validate(t, g, []byte("%PDFX garbage garbage"), "x.pdf", "")
	if out.Valid || !out.HasFlag(FlagPDFInvalidHeader) {
		t.Fatalf("invalid header: valid=%v flags=%v", out.Valid, out.SecurityFlags)
	}

	out = validate(t, g, []byte("%PDF-3.1\nsome body\n%%EOF"), "x.pdf", "")
	if !out.Valid || !out.HasFlag(FlagPDFUnsupportedVer) {
		t.Fatalf("version: valid=%v flags=%v", out.Valid, out.SecurityFlags)
	}
}

func TestValidate_Size(t *testing.T) {
	g, _ := newTestGate(t, func(c *Config) { c.MaxFileSize = 64 })

	out := validate(t, g, []byte("hi"), "a.txt", "text/plain")
	if out.Valid || !out.HasFlag(FlagFileTooSmall) {
		t.Fatalf("small: %+v", out)
	}

	out = validate(t, g, bytes.Repeat([]byte("a"), 65), "a.txt", "text/plain")
	if out.Valid || !out.HasFlag(FlagFileTooLarge) {
		t.Fatalf("large: %+v", out)
	}
	if !strings.Contains(out.Errors[0], "64 B") {
		t.Errorf("error should carry human size: %q", out.Errors[0])
	}
}

func TestValidate_TextAndUnknown(t *testing.T) {
	g, _ := newTestGate(t, nil)

	out := validate(t, g, []byte("Hello world.\r\n\tIndented line.\f"), "notes.txt", "text/plain; charset=utf-8")
	if !out.Valid || out.DetectedContentType != TypeText || out.HasFlag(FlagMIMEMismatch) {
		t.Fatalf("text: %+v", out)
	}

	out = validate(t, g, []byte("caf\xc3\xa9 au lait"), "notes.txt", "")
	if out.Valid || out.DetectedContentType != "" || !out.HasFlag(FlagUnknownContentType) {
		t.Fatalf("non-ascii must be unknown by default: %+v", out)
	}

	g2, _ := newTestGate(t, func(c *Config) { c.AllowUTF8Text = true })
	out = validate(t, g2, []byte("caf\xc3\xa9 au lait"), "notes.txt", "")
	if !out.Valid || out.DetectedContentType != TypeText {
		t.Fatalf("utf8 allowed: %+v", out)
	}

	out = validate(t, g, []byte{0x7f, 'E', 'L', 'F', 2, 1, 1, 0, 0, 0}, "a.bin", "")
	if out.Valid || out.DetectedContentType != "" {
		t.Fatalf("elf: %+v", out)
	}
}

func TestValidate_Images(t *testing.T) {
	g, _ := newTestGate(t, nil)
	cases := map[string][]byte{
		TypeJPEG: append([]byte{0xFF, 0xD8, 0xFF, 0xE0}, make([]byte, 32)...),
		TypePNG:  append([]byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A}, make([]byte, 32)...),
		TypeTIFF: append([]byte{0x49, 0x49, 0x2A, 0x00}, make([]byte, 32)...),
	}
	for ct, buf := range cases {
		out := validate(t, g, buf, "scan", "")
		if !out.Valid || out.DetectedContentType != ct {
			t.Errorf("%s: %+v", ct, out)
		}
	}
}

func TestValidate_OfficeContainers(t *testing.T) {
	g, _ := newTestGate(t, nil)

	docx := buildZip(t, map[string]string{
		"[Content_Types].xml": "<Types/>",
		"word/document.xml":   "<w:document><w:body><w:p><w:r><w:t>Hello</w:t></w:r></w:p></w:body></w:document>",
	})
	out := validate(t, g, docx, "letter.docx", TypeDOCX)
	if !out.Valid || out.DetectedContentType != TypeDOCX || out.HasFlag(FlagMIMEMismatch) {
		t.Fatalf("docx: %+v", out)
	}

	generic := buildZip(t, map[string]string{"content.xml": "<x/>"})
	out = validate(t, g, generic, "letter.docx", TypeDOCX)
	if !out.Valid || out.HasFlag(FlagMIMEMismatch) {
		t.Fatalf("office declared over generic zip is an equivalence: %+v", out)
	}

	out = validate(t, g, generic, "archive.zip", "application/zip")
	if out.Valid || !out.HasFlag(FlagTypeNotAllowed) {
		t.Fatalf("generic zip must be rejected: %+v", out)
	}

	macro := buildZip(t, map[string]string{
		"word/document.xml":   "<w:document/>",
		"word/vbaProject.bin": "vba",
	})
	out = validate(t, g, macro, "invoice.docm", "")
	if !out.HasFlag(FlagMacroExtension) || !out.HasFlag(FlagMacroDetected) {
		t.Fatalf("macro flags: %v", out.SecurityFlags)
	}
}

func TestValidate_ZipBomb(t *testing.T) {
	g, _ := newTestGate(t, func(c *Config) { c.ZipHeaderLimit = 5 })
	files := map[string]string{"word/document.xml": "<w:document/>"}
	for i := 0; i < 12; i++ {
		files[strings.Repeat("f", i+1)] = "x"
	}
	out := validate(t, g, buildZip(t, files), "a.docx", "")
	if out.Valid || !out.HasFlag(FlagZipBomb) {
		t.Fatalf("zip bomb: %+v", out)
	}
}

func TestValidate_ZipBombDefaultSparesSmallDocx(t *testing.T) {
	// WHAT: With the default limit, a compact DOCX with a dozen parts passes and
	// seventy tiny parts in a small file are rejected.
	// WHY: Word writes 11-12 parts that all fit in the sniff window; a limit of
	// 10 would reject ordinary documents.
	g, _ := newTestGate(t, nil)
	if got := g.Config().ZipHeaderLimit; got != 64 {
		t.Fatalf("default ZipHeaderLimit = %d", got)
	}

	docx := map[string]string{"[Content_Types].xml": "<Types/>", "word/document.xml": "<w:document/>"}
	for _, part := range []string{"_rels/.rels", "word/_rels/document.xml.rels", "word/theme/theme1.xml",
		"word/settings.xml", "word/styles.xml", "word/webSettings.xml", "word/fontTable.xml",
		"docProps/core.xml", "docProps/app.xml", "customXml/item1.xml"} {
		docx[part] = "<x/>"
	}
	if out := validate(t, g, buildZip(t, docx), "letter.docx", ""); !out.Valid || out.HasFlag(FlagZipBomb) {
		t.Fatalf("12-part docx: %+v", out)
	}

	bomb := map[string]string{"word/document.xml": "<w:document/>"}
	for i := 0; i < 70; i++ {
		bomb[fmt.Sprintf("p%d", i)] = "x"
	}
	if out := validate(t, g, buildZip(t, bomb), "a.docx", ""); out.Valid || !out.HasFlag(FlagZipBomb) {
		t.Fatalf("70 parts: %+v", out)
	}
}

func TestValidate_Polyglot(t *testing.T) {
	g, _ := newTestGate(t, nil)
	buf := append([]byte{0xFF, 0xD8, 0xFF, 0xE0}, []byte("........%PDF-1.4 hidden")...)
	out := validate(t, g, buf, "pic.jpg", "image/jpeg")
	if !out.HasFlag(FlagPolyglot) {
		t.Fatalf("flags = %v", out.SecurityFlags)
	}
}

func TestValidate_PlaceholderName(t *testing.T) {
	g, _ := newTestGate(t, nil)
	out := validate(t, g, []byte(minimalPDF), "...", "")
	if out.SanitizedFilename != "upload_1.pdf" {
		t.Fatalf("placeholder = %q", out.SanitizedFilename)
	}
	if !out.HasFlag(FlagFilenameSanitized) {
		t.Error("placeholder substitution must flag sanitization")
	}
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("disk gone") }

func TestValidateReader_IOErrorIsValidationError(t *testing.T) {
	g, _ := newTestGate(t, nil)
	_, _, err := g.ValidateReader(context.Background(), failingReader{}, "a.pdf", "")
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("err = %v, want *ValidationError", err)
	}
}

func TestValidateReader_OK(t *testing.T) {
	g, _ := newTestGate(t, nil)
	out, buf, err := g.ValidateReader(context.Background(), strings.NewReader(minimalPDF), "a.pdf", "")
	if err != nil || !out.Valid || len(buf) != len(minimalPDF) {
		t.Fatalf("out=%+v err=%v", out, err)
	}
}
