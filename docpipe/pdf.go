package docpipe

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/types"

	"github.com/hazyhaar/docingest/filegate"
)

// SplitNative marks pages read one by one from the page tree.
const SplitNative = "native"

// extractPDF reads the text layer page by page with pdfcpu. When pdfcpu
// cannot parse the file, text is recovered from raw content streams and
// segmented with SplitPages. Thin or garbled text layers go to OCR.
func (p *Pipeline) extractPDF(ctx context.Context, buf []byte, opts Options, flags []string) (*extraction, error) {
	ex := &extraction{method: MethodTextLayer, confidence: 95}

	var (
		texts     []string
		hasImages bool
	)
	pdfCtx, err := openPDF(buf)
	if err == nil {
		texts, ex.warnings, err = nativePageTexts(pdfCtx)
		if err == nil {
			hasImages, err = detectImageStreams(pdfCtx)
		}
		if err != nil {
			pdfCtx = nil
			ex.warnings = nil
		}
	}
	if err == nil {
		ex.splitUsed = SplitNative
		ex.title, ex.author, ex.creationDate = pdfInfo(pdfCtx)
		if pdfCtx.Encrypt != nil {
			ex.warnings = append(ex.warnings, "PDF is encrypted; extracted text may be incomplete")
		}
	} else {
		p.cfg.Logger.Warn("docpipe: pdfcpu parse failed, scanning raw streams", "error", err)
		blob := rawTextBlob(buf)
		n := rawPageCount(buf)
		if strings.TrimSpace(blob) == "" && n == 0 {
			return nil, newError(KindFormatError, err, "unreadable PDF structure")
		}
		texts, ex.splitUsed = SplitPages(blob, n)
		ex.warnings = append(ex.warnings, fmt.Sprintf("page structure unreadable; page boundaries estimated by %s split", ex.splitUsed))
		hasImages = bytes.Contains(buf, []byte("/Image"))
		ex.title, ex.author, ex.creationDate = rawInfo(buf)
	}
	if slices.Contains(flags, filegate.FlagPDFEncrypted) && pdfCtx == nil {
		ex.warnings = append(ex.warnings, "PDF declares encryption; extracted text may be incomplete")
	}

	q := measure(texts, hasImages)
	ex.quality = q
	scanned := q.Scanned(p.cfg.MinTextDensity)
	garbled := !scanned && q.Garbled(p.cfg.MinPrintableRatio)

	if !scanned && !garbled {
		ex.pages = textPages(texts)
		return ex, nil
	}

	reason := fmt.Sprintf("text layer below %d characters per page", p.cfg.MinTextDensity)
	if garbled {
		reason = fmt.Sprintf("text layer garbled (printable ratio %.2f)", q.PrintableRatio)
	}
	if opts.DisableOCR || pdfCtx == nil {
		why := "OCR disabled"
		if pdfCtx == nil {
			why = "page images unavailable"
		}
		if garbled {
			ex.pages = textPages(texts)
			ex.warnings = append(ex.warnings, reason+"; "+why)
			return ex, nil
		}
		return nil, newError(KindFormatError, nil, "%s; %s", reason, why)
	}

	p.cfg.Logger.Info("docpipe: PDF routed to OCR", "reason", reason, "pages", pdfCtx.PageCount)
	pages, conf, warns, err := p.ocrPDF(ctx, pdfCtx, p.ocrLanguage(opts))
	if err != nil {
		return nil, err
	}
	ex.pages = pages
	ex.method = MethodOCR
	ex.confidence = conf
	ex.warnings = append(ex.warnings, reason+"; OCR used")
	ex.warnings = append(ex.warnings, warns...)
	return ex, nil
}

// recoverPDF turns a pdfcpu panic on malformed input into *err.
func recoverPDF(op string, err *error) {
	if r := recover(); r != nil {
		*err = fmt.Errorf("pdfcpu %s: panic: %v", op, r)
	}
}

func openPDF(buf []byte) (_ *model.Context, err error) {
	defer recoverPDF("read", &err)
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	ctx, err := api.ReadValidateAndOptimize(bytes.NewReader(buf), conf)
	if err != nil {
		return nil, fmt.Errorf("pdfcpu read: %w", err)
	}
	return ctx, nil
}

// nativePageTexts returns one text per page of the page tree. A page whose
// content cannot be read yields "" and a warning.
func nativePageTexts(ctx *model.Context) (texts, warns []string, err error) {
	defer recoverPDF("page content", &err)
	texts = make([]string, ctx.PageCount)
	for nr := 1; nr <= ctx.PageCount; nr++ {
		r, err := pdfcpu.ExtractPageContent(ctx, nr)
		if err != nil {
			warns = append(warns, fmt.Sprintf("page %d: content unreadable: %v", nr, err))
			continue
		}
		if r == nil {
			continue
		}
		data, err := io.ReadAll(r)
		if err != nil {
			warns = append(warns, fmt.Sprintf("page %d: content unreadable: %v", nr, err))
			continue
		}
		texts[nr-1] = textFromContentStream(data)
	}
	return texts, warns, nil
}

// detectImageStreams checks if the PDF contains image XObjects.
func detectImageStreams(ctx *model.Context) (found bool, err error) {
	defer recoverPDF("image scan", &err)
	if ctx.Optimize != nil {
		for nr := 1; nr <= ctx.PageCount; nr++ {
			if len(pdfcpu.ImageObjNrs(ctx, nr)) > 0 {
				return true, nil
			}
		}
	}
	for _, entry := range ctx.Table {
		if entry == nil || entry.Free || entry.Compressed {
			continue
		}
		sd, ok := entry.Object.(types.StreamDict)
		if !ok {
			continue
		}
		if subtype, found := sd.Find("Subtype"); found {
			if name, isName := subtype.(types.Name); isName && name == "Image" {
				return true, nil
			}
		}
	}
	return false, nil
}

func pdfInfo(ctx *model.Context) (title, author string, created *time.Time) {
	title = strings.TrimSpace(ctx.Title)
	author = strings.TrimSpace(ctx.Author)
	if t, ok := ParsePDFDate(ctx.XRefTable.CreationDate); ok {
		created = &t
	}
	return title, author, created
}

// ocrPDF recognises the images embedded in each page.
func (p *Pipeline) ocrPDF(ctx context.Context, pdfCtx *model.Context, lang string) (_ []page, _ float64, _ []string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = newError(KindFormatError, fmt.Errorf("panic: %v", r), "page images unreadable")
		}
	}()
	var (
		pages     []page
		warns     []string
		confSum   float64
		confN     int
		attempted int
		failed    int
		lastErr   error
	)
	for nr := 1; nr <= pdfCtx.PageCount; nr++ {
		if err := ctx.Err(); err != nil {
			return nil, 0, nil, newError(KindTimeout, err, "OCR interrupted at page %d", nr)
		}
		imgs, err := pdfcpu.ExtractPageImages(pdfCtx, nr, false)
		if err != nil {
			warns = append(warns, fmt.Sprintf("page %d: images unreadable: %v", nr, err))
			pages = append(pages, page{ocr: true})
			continue
		}
		keys := make([]int, 0, len(imgs))
		for k := range imgs {
			keys = append(keys, k)
		}
		sort.Ints(keys)

		var parts []string
		var pageConf []float64
		for _, k := range keys {
			data, err := io.ReadAll(imgs[k])
			if err != nil || len(data) == 0 {
				continue
			}
			attempted++
			text, conf, warn, err := p.recognize(ctx, lang, data)
			if err != nil {
				if kind := KindOf(err); kind != "" && kind != KindOCRError {
					return nil, 0, nil, err
				}
				failed++
				lastErr = err
				continue
			}
			if warn != "" {
				warns = append(warns, fmt.Sprintf("page %d: %s", nr, warn))
			}
			parts = append(parts, text)
			pageConf = append(pageConf, conf)
		}
		pg := page{text: strings.Join(parts, "\n\n"), ocr: true}
		if len(pageConf) > 0 {
			c := mean(pageConf)
			pg.confidence = floatPtr(c)
			confSum += c
			confN++
		}
		pages = append(pages, pg)
	}
	switch {
	case attempted == 0:
		return nil, 0, nil, newError(KindFormatError, nil, "no usable text layer and no embedded page images")
	case failed == attempted:
		return nil, 0, nil, newError(KindOCRError, lastErr, "every page image failed recognition")
	}
	if failed > 0 {
		warns = append(warns, fmt.Sprintf("%d of %d page images failed OCR", failed, attempted))
	}
	conf := 0.0
	if confN > 0 {
		conf = confSum / float64(confN)
	}
	return pages, conf, warns, nil
}

func textPages(texts []string) []page {
	pages := make([]page, len(texts))
	for i, t := range texts {
		pages[i] = page{text: t}
	}
	if len(pages) == 0 {
		pages = []page{{}}
	}
	return pages
}

func mean(v []float64) float64 {
	var s float64
	for _, x := range v {
		s += x
	}
	return s / float64(len(v))
}
