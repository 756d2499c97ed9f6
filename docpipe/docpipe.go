// Package docpipe extracts page-segmented text from validated uploads.
//
// Supported content types:
//   - PDF: text layer read page by page with pdfcpu, OCR of page images
//     when the layer is missing or garbled
//   - DOCX, ODT: container text via docconv, paged at ~300 words
//   - plain text: UTF-8 verbatim, one page
//   - JPEG, PNG, TIFF: always OCR
//
// Every call runs the validation gate and the memory check before any
// parsing. OCR goes through one lazily created engine per Pipeline, which
// the owner releases with Close.
//
// Usage:
//
//	pipe := docpipe.New(docpipe.Config{}, nil, nil)
//	defer pipe.Close()
//	res, err := pipe.Extract(ctx, buf, "report.pdf", "application/pdf", docpipe.Options{})
package docpipe

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/hazyhaar/docingest/filegate"
	"github.com/hazyhaar/docingest/guard"
	"github.com/hazyhaar/docingest/observability"
)

// Validator is the validation gate as seen by the pipeline.
type Validator interface {
	Validate(ctx context.Context, buf []byte, filename, declaredType string) (*filegate.Outcome, error)
}

// MemoryChecker is the memory half of the resource guard.
type MemoryChecker interface {
	CheckMemory() guard.MemoryCheck
}

// Pipeline is the extraction engine.
type Pipeline struct {
	cfg  Config
	gate Validator
	mem  MemoryChecker
	ocr  *ocrWorker

	langOnce sync.Once
	lang     *languageDetector
}

// New creates a Pipeline. A nil gate or memory checker gets a default
// filegate.Gate or guard.Guard.
func New(cfg Config, gate Validator, mem MemoryChecker) *Pipeline {
	cfg.defaults()
	if gate == nil {
		gate = filegate.New(filegate.Config{Logger: cfg.Logger, Emitter: cfg.Emitter})
	}
	if mem == nil {
		mem = guard.New(guard.Config{Logger: cfg.Logger, Emitter: cfg.Emitter})
	}
	return &Pipeline{
		cfg:  cfg,
		gate: gate,
		mem:  mem,
		ocr:  newOCRWorker(cfg.OCRFactory),
	}
}

// Config returns the effective configuration.
func (p *Pipeline) Config() Config { return p.cfg }

// Extract validates buf and extracts it.
func (p *Pipeline) Extract(ctx context.Context, buf []byte, filename, contentType string, opts Options) (*ExtractionResult, error) {
	out, err := p.gate.Validate(ctx, buf, filename, contentType)
	if err != nil {
		return nil, p.fail(ctx, filename, &ExtractionError{Kind: KindValidationFailed, Detail: "validation fault", Cause: err})
	}
	if !out.Valid {
		return nil, p.fail(ctx, out.SanitizedFilename, &ExtractionError{
			Kind:   KindValidationFailed,
			Flags:  out.SecurityFlags,
			Errors: out.Errors,
		})
	}
	return p.ExtractValidated(ctx, buf, out, opts)
}

// ExtractValidated extracts a buffer that already passed the gate. Callers
// holding an Outcome use it to avoid validating twice.
func (p *Pipeline) ExtractValidated(ctx context.Context, buf []byte, out *filegate.Outcome, opts Options) (*ExtractionResult, error) {
	if out == nil || !out.Valid {
		return nil, &ExtractionError{Kind: KindValidationFailed, Detail: "upload was not admitted by the gate"}
	}
	start := time.Now()
	name := out.SanitizedFilename

	var warnings []string
	mc := p.mem.CheckMemory()
	if !mc.Allowed {
		return nil, p.fail(ctx, name, newError(KindResourceExhausted, guard.ErrMemoryCritical,
			"heap at %.0f%% of limit", mc.Stats.Ratio*100))
	}
	if mc.Level == guard.MemoryWarning {
		warnings = append(warnings, fmt.Sprintf("memory pressure: heap at %.0f%% of limit", mc.Stats.Ratio*100))
	}

	ct := out.DetectedContentType
	p.cfg.Logger.Debug("extracting document", "filename", name, "content_type", ct, "size", len(buf))

	ex, err := p.dispatch(ctx, buf, ct, opts, out.SecurityFlags)
	if err == nil && ctx.Err() != nil {
		err = newError(KindTimeout, ctx.Err(), "extraction deadline exceeded")
	}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			if KindOf(err) == "" {
				err = newError(KindTimeout, err, "extraction interrupted")
			}
		}
		return nil, p.fail(ctx, name, err)
	}
	p.emit(ctx, "method_chosen", true, map[string]any{
		"filename": name, "content_type": ct, "method": string(ex.method), "split": ex.splitUsed,
	})

	res := p.assemble(ex, out, opts)
	res.Warnings = append(warnings, res.Warnings...)
	elapsed := time.Since(start)
	res.Metadata.ExtractionTimeMs = elapsed.Milliseconds()
	res.Metadata.ExtractedAt = start.UTC()

	if res.Metadata.OCRUsed {
		p.emit(ctx, "ocr_completed", true, map[string]any{
			"filename": name, "confidence": res.Confidence, "pages": res.Metadata.PageCount,
		})
	}
	p.emit(ctx, "extracted", true, map[string]any{
		"filename":   name,
		"method":     string(res.Metadata.Method),
		"pages":      res.Metadata.PageCount,
		"words":      res.Metadata.TotalWordCount,
		"confidence": res.Confidence,
		"warnings":   len(res.Warnings),
		"elapsed_ms": res.Metadata.ExtractionTimeMs,
	})
	p.cfg.Logger.Info("document extracted",
		"filename", name, "method", res.Metadata.Method,
		"pages", res.Metadata.PageCount, "words", res.Metadata.TotalWordCount,
		"elapsed", elapsed)
	return res, nil
}

// dispatch runs the extractor for ct. Parser libraries may panic on
// malformed input; that is reported as a FormatError.
func (p *Pipeline) dispatch(ctx context.Context, buf []byte, ct string, opts Options, flags []string) (ex *extraction, err error) {
	defer func() {
		if r := recover(); r != nil {
			p.cfg.Logger.Error("docpipe: extractor panic", "content_type", ct, "panic", r)
			ex, err = nil, newError(KindFormatError, fmt.Errorf("panic: %v", r), "malformed %s", ct)
		}
	}()
	switch {
	case ct == filegate.TypePDF:
		return p.extractPDF(ctx, buf, opts, flags)
	case filegate.IsOfficeContainer(ct):
		return p.extractContainer(buf, ct)
	case ct == filegate.TypeText:
		return extractPlainText(buf)
	case filegate.IsImage(ct):
		return p.extractImage(ctx, buf, opts)
	}
	return nil, newError(KindUnsupportedType, nil, "no extractor for %q", ct)
}

// assemble turns a format extractor's output into the public result.
func (p *Pipeline) assemble(ex *extraction, out *filegate.Outcome, opts Options) *ExtractionResult {
	res := &ExtractionResult{
		Pages:      make([]PageContent, len(ex.pages)),
		Confidence: ex.confidence,
		Warnings:   ex.warnings,
		Quality:    ex.quality,
	}
	texts := make([]string, len(ex.pages))
	total := 0
	ocrUsed := false
	for i, pg := range ex.pages {
		wc := wordCount(pg.text)
		res.Pages[i] = PageContent{
			PageNumber: i + 1,
			Text:       pg.text,
			WordCount:  wc,
			OCRUsed:    pg.ocr,
			Confidence: pg.confidence,
		}
		texts[i] = pg.text
		total += wc
		ocrUsed = ocrUsed || pg.ocr
	}
	res.Text = strings.Join(texts, "\n\n")
	if res.Warnings == nil {
		res.Warnings = []string{}
	}
	res.Metadata = Metadata{
		Filename:          out.SanitizedFilename,
		ContentType:       out.DetectedContentType,
		PageCount:         len(res.Pages),
		TotalWordCount:    total,
		OCRUsed:           ocrUsed,
		Title:             ex.title,
		Author:            ex.author,
		CreationDate:      ex.creationDate,
		Method:            ex.method,
		PageSplitStrategy: ex.splitUsed,
		SecurityFlags:     out.SecurityFlags,
	}
	if !opts.DisableLanguageDetection {
		res.Metadata.Language = p.detectLanguage(res.Text)
	}
	return res
}

// extractImage always runs OCR; the whole image is one page.
func (p *Pipeline) extractImage(ctx context.Context, buf []byte, opts Options) (*extraction, error) {
	if opts.DisableOCR {
		return nil, newError(KindOCRError, nil, "image uploads require OCR, which is disabled")
	}
	text, conf, warn, err := p.recognize(ctx, p.ocrLanguage(opts), buf)
	if err != nil {
		return nil, err
	}
	ex := &extraction{
		pages:      []page{{text: text, ocr: true, confidence: floatPtr(conf)}},
		method:     MethodOCR,
		confidence: conf,
	}
	if warn != "" {
		ex.warnings = append(ex.warnings, warn)
	}
	return ex, nil
}

// recognize runs one image through the OCR worker. Low confidence and
// partial text are downgraded to a warning.
func (p *Pipeline) recognize(ctx context.Context, lang string, img []byte) (string, float64, string, error) {
	res, err := p.ocr.recognize(ctx, lang, img)
	if err != nil {
		if ctx.Err() != nil {
			return "", 0, "", newError(KindTimeout, ctx.Err(), "OCR interrupted")
		}
		if strings.TrimSpace(res.Text) != "" && !errors.Is(err, ErrOCRUnavailable) {
			return strings.TrimSpace(res.Text), res.Confidence,
				fmt.Sprintf("OCR partially failed, low-confidence text kept: %v", err), nil
		}
		return "", 0, "", newError(KindOCRError, err, "recognition failed")
	}
	text := strings.TrimSpace(res.Text)
	var warn string
	if res.Confidence < p.cfg.OCRConfidenceThreshold {
		warn = fmt.Sprintf("OCR confidence %.1f below threshold %.0f", res.Confidence, p.cfg.OCRConfidenceThreshold)
	}
	return text, res.Confidence, warn, nil
}

func (p *Pipeline) ocrLanguage(opts Options) string {
	if opts.OCRLanguage != "" {
		return opts.OCRLanguage
	}
	return p.cfg.OCRLanguage
}

// OCRReady reports the language of the live OCR engine, if one exists.
func (p *Pipeline) OCRReady() (string, bool) { return p.ocr.ready() }

// Close terminates the OCR engine. The Pipeline stays usable; the next OCR
// call creates a fresh engine.
func (p *Pipeline) Close() error { return p.ocr.close() }

func (p *Pipeline) fail(ctx context.Context, filename string, err error) error {
	attrs := map[string]any{"filename": filename, "kind": string(KindOf(err))}
	var ee *ExtractionError
	if errors.As(err, &ee) && len(ee.Flags) > 0 {
		attrs["flags"] = strings.Join(ee.Flags, ",")
	}
	p.emit(ctx, "failed", false, attrs)
	p.cfg.Logger.Warn("extraction failed", "filename", filename, "error", err)
	return err
}

func (p *Pipeline) emit(ctx context.Context, name string, success bool, attrs map[string]any) {
	p.cfg.Emitter.Emit(ctx, observability.NewEvent(observability.StageExtraction, name, success, attrs))
}
