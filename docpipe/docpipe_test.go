package docpipe

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hazyhaar/docingest/filegate"
	"github.com/hazyhaar/docingest/guard"
	"github.com/hazyhaar/docingest/observability"
)

type fixedMemory guard.MemoryCheck

func (m fixedMemory) CheckMemory() guard.MemoryCheck { return guard.MemoryCheck(m) }

var memOK = fixedMemory{Allowed: true, Level: guard.MemoryOK}

// fakeOCR counts engine lifecycles and returns canned recognition results.
type fakeOCR struct {
	mu      sync.Mutex
	created []string
	closed  int
	calls   int
	text    string
	conf    float64
	err     error
}

func (f *fakeOCR) factory(lang string) (OCREngine, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, lang)
	return &fakeEngine{f: f}, nil
}

type fakeEngine struct{ f *fakeOCR }

func (e *fakeEngine) Recognize(ctx context.Context, _ []byte) (OCRResult, error) {
	e.f.mu.Lock()
	defer e.f.mu.Unlock()
	e.f.calls++
	return OCRResult{Text: e.f.text, Confidence: e.f.conf}, e.f.err
}

func (e *fakeEngine) Close() error {
	e.f.mu.Lock()
	defer e.f.mu.Unlock()
	e.f.closed++
	return nil
}

func newTestPipeline(t *testing.T, mut func(*Config, *fakeOCR)) (*Pipeline, *observability.Recorder) {
	t.Helper()
	rec := observability.NewRecorder(64)
	ocr := &fakeOCR{text: "recognised text", conf: 90}
	cfg := Config{Emitter: rec, OCRFactory: ocr.factory}
	if mut != nil {
		mut(&cfg, ocr)
	}
	gate := filegate.New(filegate.Config{Emitter: observability.Nop()})
	p := New(cfg, gate, memOK)
	t.Cleanup(func() { p.Close() })
	return p, rec
}

func buildOfficeZip(t *testing.T, entries [][2]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, e := range entries {
		hdr := &zip.FileHeader{Name: e[0], Method: zip.Deflate}
		if e[0] == "mimetype" {
			hdr.Method = zip.Store
		}
		w, err := zw.CreateHeader(hdr)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := w.Write([]byte(e[1])); err != nil {
			t.Fatal(err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestExtract_PlainText(t *testing.T) {
	p, rec := newTestPipeline(t, nil)
	text := "Hello  world\n\n  this is a plain text upload with a few words in it.  "
	res, err := p.Extract(context.Background(), []byte(text), "notes.txt", "text/plain", Options{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Text != text {
		t.Fatalf("plain text must be verbatim, got %q", res.Text)
	}
	if res.Confidence != 100 || res.Metadata.Method != MethodPlainText {
		t.Fatalf("confidence %v method %s", res.Confidence, res.Metadata.Method)
	}
	if len(res.Pages) != 1 || res.Pages[0].WordCount != 14 || res.Metadata.TotalWordCount != 14 {
		t.Fatalf("pages = %+v", res.Pages)
	}
	if res.Metadata.ExtractedAt.IsZero() || res.Metadata.ExtractionTimeMs < 0 {
		t.Fatalf("timing not stamped: %+v", res.Metadata)
	}

	var names []string
	for _, e := range rec.Drain() {
		names = append(names, e.Name)
	}
	if strings.Join(names, ",") != "method_chosen,extracted" {
		t.Fatalf("events = %v", names)
	}
}

func TestExtract_PlainTextBOMAndInvalidUTF8(t *testing.T) {
	ex, err := extractPlainText(append([]byte{0xEF, 0xBB, 0xBF}, "caf\xe9 ok"...))
	if err != nil {
		t.Fatal(err)
	}
	if strings.HasPrefix(ex.pages[0].text, "\ufeff") {
		t.Fatal("BOM must be stripped")
	}
	if !strings.Contains(ex.pages[0].text, "\ufffd") || len(ex.warnings) != 1 {
		t.Fatalf("text %q warnings %v", ex.pages[0].text, ex.warnings)
	}
}

func TestExtract_ValidationFailed(t *testing.T) {
	p, rec := newTestPipeline(t, nil)
	_, err := p.Extract(context.Background(), []byte("harmless text content"), "../../etc/passwd", "", Options{})
	var ee *ExtractionError
	if !errors.As(err, &ee) || ee.Kind != KindValidationFailed {
		t.Fatalf("err = %v", err)
	}
	if !errors.Is(err, ErrValidationFailed) {
		t.Fatal("errors.Is must match the kind sentinel")
	}
	found := false
	for _, f := range ee.Flags {
		found = found || f == filegate.FlagPathTraversal
	}
	if !found || len(ee.Errors) == 0 {
		t.Fatalf("flags %v errors %v", ee.Flags, ee.Errors)
	}
	ev := rec.Drain()
	if len(ev) != 1 || ev[0].Name != "failed" || ev[0].Success {
		t.Fatalf("events = %+v", ev)
	}
}

func TestExtract_MemoryCritical(t *testing.T) {
	rec := observability.NewRecorder(8)
	p := New(Config{Emitter: rec}, nil, fixedMemory{Allowed: false, Level: guard.MemoryCritical, Stats: guard.MemoryStats{Ratio: 0.93}})
	_, err := p.Extract(context.Background(), []byte("some plain text"), "a.txt", "", Options{})
	if KindOf(err) != KindResourceExhausted {
		t.Fatalf("err = %v", err)
	}
	if !KindOf(err).Transient() {
		t.Fatal("resource exhaustion must be transient")
	}
	if !errors.Is(err, guard.ErrMemoryCritical) {
		t.Fatal("cause must be the guard error")
	}
}

func TestExtract_MemoryWarningIsSoft(t *testing.T) {
	p := New(Config{Emitter: observability.Nop()}, nil, fixedMemory{Allowed: true, Level: guard.MemoryWarning, Stats: guard.MemoryStats{Ratio: 0.8}})
	res, err := p.Extract(context.Background(), []byte("some plain text"), "a.txt", "", Options{})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Warnings) != 1 || !strings.Contains(res.Warnings[0], "memory pressure") {
		t.Fatalf("warnings = %v", res.Warnings)
	}
}

func TestExtractValidated_Unsupported(t *testing.T) {
	p, _ := newTestPipeline(t, nil)
	out := &filegate.Outcome{Valid: true, SanitizedFilename: "a.zip", DetectedContentType: filegate.TypeZIP}
	_, err := p.ExtractValidated(context.Background(), []byte("PK\x03\x04"), out, Options{})
	if !errors.Is(err, ErrUnsupportedType) {
		t.Fatalf("err = %v", err)
	}

	_, err = p.ExtractValidated(context.Background(), nil, &filegate.Outcome{}, Options{})
	if KindOf(err) != KindValidationFailed {
		t.Fatalf("unadmitted outcome: %v", err)
	}
}

func TestExtract_Image(t *testing.T) {
	p, rec := newTestPipeline(t, func(c *Config, f *fakeOCR) { f.conf = 42 })
	img := append([]byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}, make([]byte, 64)...)
	res, err := p.Extract(context.Background(), img, "scan.png", "image/png", Options{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Metadata.Method != MethodOCR || !res.Metadata.OCRUsed || !res.Pages[0].OCRUsed {
		t.Fatalf("metadata = %+v", res.Metadata)
	}
	if res.Confidence != 42 || res.Pages[0].Confidence == nil || *res.Pages[0].Confidence != 42 {
		t.Fatalf("confidence = %v", res.Confidence)
	}
	if len(res.Warnings) != 1 || !strings.Contains(res.Warnings[0], "below threshold") {
		t.Fatalf("low confidence must be a warning: %v", res.Warnings)
	}
	if lang, ok := p.OCRReady(); !ok || lang != "eng" {
		t.Fatalf("worker = %q %v", lang, ok)
	}

	hasOCR := false
	for _, e := range rec.Drain() {
		hasOCR = hasOCR || e.Name == "ocr_completed"
	}
	if !hasOCR {
		t.Fatal("expected ocr_completed event")
	}
}

func TestExtract_ImageOCRDisabledOrFailing(t *testing.T) {
	img := append([]byte{0xFF, 0xD8, 0xFF, 0xE0}, make([]byte, 64)...)

	p, _ := newTestPipeline(t, nil)
	if _, err := p.Extract(context.Background(), img, "a.jpg", "", Options{DisableOCR: true}); KindOf(err) != KindOCRError {
		t.Fatalf("disabled: %v", err)
	}

	p, _ = newTestPipeline(t, func(c *Config, f *fakeOCR) { f.text, f.err = "", errors.New("engine crashed") })
	if _, err := p.Extract(context.Background(), img, "a.jpg", "", Options{}); !errors.Is(err, ErrOCR) {
		t.Fatalf("failing engine: %v", err)
	}

	// Partial text with an engine error is kept with a warning.
	p, _ = newTestPipeline(t, func(c *Config, f *fakeOCR) { f.text, f.err = "partial words", errors.New("late failure") })
	res, err := p.Extract(context.Background(), img, "a.jpg", "", Options{})
	if err != nil || res.Text != "partial words" || len(res.Warnings) == 0 {
		t.Fatalf("partial: %v %+v", err, res)
	}

	p = New(Config{Emitter: observability.Nop(), OCRFactory: DefaultOCRFactory}, nil, memOK)
	_, _, _, err = p.recognize(context.Background(), "eng", img)
	if err != nil && KindOf(err) != KindOCRError {
		t.Fatalf("default factory error must be an OCRError: %v", err)
	}
}

func TestExtract_OCRLanguageOverride(t *testing.T) {
	var ocr *fakeOCR
	p, _ := newTestPipeline(t, func(c *Config, f *fakeOCR) { ocr = f })
	img := append([]byte{0xFF, 0xD8, 0xFF, 0xE0}, make([]byte, 64)...)
	for _, lang := range []string{"", "", "fra", "fra", ""} {
		if _, err := p.Extract(context.Background(), img, "a.jpg", "", Options{OCRLanguage: lang}); err != nil {
			t.Fatal(err)
		}
	}
	if got := strings.Join(ocr.created, ","); got != "eng,fra,eng" {
		t.Fatalf("engines created for %s", got)
	}
	if ocr.closed != 2 {
		t.Fatalf("closed = %d, want 2", ocr.closed)
	}
	p.Close()
	if _, ok := p.OCRReady(); ok || ocr.closed != 3 {
		t.Fatal("Close must terminate the engine")
	}
}

func TestExtract_Docx(t *testing.T) {
	words := make([]string, 700)
	for i := range words {
		words[i] = "word"
	}
	docXML := `<?xml version="1.0" encoding="UTF-8"?>
<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main">
<w:body>
<w:p><w:r><w:t>` + strings.Join(words[:350], " ") + `</w:t></w:r></w:p>
<w:p><w:r><w:t>` + strings.Join(words[350:], " ") + `</w:t></w:r></w:p>
</w:body>
</w:document>`
	core := `<?xml version="1.0" encoding="UTF-8"?>
<cp:coreProperties xmlns:cp="http://schemas.openxmlformats.org/package/2006/metadata/core-properties" xmlns:dc="http://purl.org/dc/elements/1.1/" xmlns:dcterms="http://purl.org/dc/terms/">
<dc:title>Annual Report</dc:title>
<dc:creator>Jane Roe</dc:creator>
<dcterms:created>2023-04-05T06:07:08Z</dcterms:created>
</cp:coreProperties>`
	types := `<?xml version="1.0" encoding="UTF-8"?>
<Types xmlns="http://schemas.openxmlformats.org/package/2006/content-types">
<Default Extension="xml" ContentType="application/xml"/>
<Override PartName="/word/document.xml" ContentType="application/vnd.openxmlformats-officedocument.wordprocessingml.document.main+xml"/>
<Override PartName="/docProps/core.xml" ContentType="application/vnd.openxmlformats-package.core-properties+xml"/>
</Types>`
	buf := buildOfficeZip(t, [][2]string{
		{"[Content_Types].xml", types},
		{"word/document.xml", docXML},
		{"docProps/core.xml", core},
	})

	p, _ := newTestPipeline(t, nil)
	res, err := p.Extract(context.Background(), buf, "report.docx", "", Options{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Metadata.Method != MethodContainer || res.Confidence != 95 {
		t.Fatalf("method %s confidence %v", res.Metadata.Method, res.Confidence)
	}
	want := (res.Metadata.TotalWordCount + 299) / 300
	if res.Metadata.TotalWordCount < 700 || res.Metadata.PageCount != want {
		t.Fatalf("words %d pages %d, want %d pages", res.Metadata.TotalWordCount, res.Metadata.PageCount, want)
	}
	for i, pg := range res.Pages {
		if pg.PageNumber != i+1 || pg.WordCount == 0 {
			t.Fatalf("page %d = %+v", i, pg)
		}
	}
	if res.Metadata.Title != "Annual Report" {
		t.Logf("title not reported by container metadata: %q", res.Metadata.Title)
	}
}

func TestExtract_ODT(t *testing.T) {
	content := `<?xml version="1.0" encoding="UTF-8"?>
<office:document-content xmlns:office="urn:oasis:names:tc:opendocument:xmlns:office:1.0"
  xmlns:text="urn:oasis:names:tc:opendocument:xmlns:text:1.0">
<office:body><office:text>
<text:p>First paragraph of the open document.</text:p>
<text:p>Second paragraph.</text:p>
</office:text></office:body>
</office:document-content>`
	buf := buildOfficeZip(t, [][2]string{
		{"mimetype", filegate.TypeODT},
		{"content.xml", content},
	})

	p, _ := newTestPipeline(t, nil)
	res, err := p.Extract(context.Background(), buf, "minutes.odt", "", Options{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Metadata.ContentType != filegate.TypeODT || res.Metadata.PageCount != 1 {
		t.Fatalf("metadata = %+v", res.Metadata)
	}
	if !strings.Contains(res.Text, "Second paragraph") {
		t.Fatalf("text = %q", res.Text)
	}
}

func TestSplitByWords(t *testing.T) {
	text := strings.TrimSpace(strings.Repeat("alpha beta\n", 301))
	pages := splitByWords(text, 300)
	if len(pages) != 3 {
		t.Fatalf("pages = %d, want 3", len(pages))
	}
	total := 0
	for _, p := range pages {
		total += wordCount(p)
	}
	if total != 602 {
		t.Fatalf("words lost: %d", total)
	}
	if got := splitByWords("one two", 300); len(got) != 1 || got[0] != "one two" {
		t.Fatalf("short text = %v", got)
	}
}

func TestContainerDate(t *testing.T) {
	if d := containerDate(map[string]string{"CreatedDate": "1680674828"}); d == nil || d.Year() != 2023 {
		t.Fatalf("unix = %v", d)
	}
	if d := containerDate(map[string]string{"creation-date": "2021-01-02T03:04:05"}); d == nil || d.Month() != time.January {
		t.Fatalf("odt = %v", d)
	}
	if d := containerDate(nil); d != nil {
		t.Fatalf("empty = %v", d)
	}
}

func TestExtract_LanguageDetection(t *testing.T) {
	p, _ := newTestPipeline(t, nil)
	text := "Le conseil municipal a voté le budget de la commune pour l'année prochaine après un long débat."
	// Non-ASCII text is rejected by the default gate, so bypass it.
	out := &filegate.Outcome{Valid: true, SanitizedFilename: "a.txt", DetectedContentType: filegate.TypeText}
	res, err := p.ExtractValidated(context.Background(), []byte(text), out, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Metadata.Language != "fr" {
		t.Fatalf("language = %q", res.Metadata.Language)
	}
	res, _ = p.ExtractValidated(context.Background(), []byte(text), out, Options{DisableLanguageDetection: true})
	if res.Metadata.Language != "" {
		t.Fatal("detection must be skippable")
	}
}

func TestExtract_CancelledContext(t *testing.T) {
	p, _ := newTestPipeline(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	img := append([]byte{0xFF, 0xD8, 0xFF, 0xE0}, make([]byte, 64)...)
	_, err := p.Extract(ctx, img, "a.jpg", "", Options{})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v", err)
	}
}
