package docpipe

import (
	"context"
	"fmt"
	"sync"
)

// OCRResult is the recognised text of one image. Confidence is 0..100.
type OCRResult struct {
	Text       string
	Confidence float64
}

// OCREngine recognises text in encoded images (PNG, JPEG, TIFF).
// Recognize may return partial text together with an error.
type OCREngine interface {
	Recognize(ctx context.Context, image []byte) (OCRResult, error)
	Close() error
}

// OCRFactory creates an engine for a language. Creation is expensive.
type OCRFactory func(lang string) (OCREngine, error)

// ocrWorker is the pipeline's single OCR engine handle. It is either
// uninitialized (engine == nil) or ready for one language. Recognition is
// serialized.
type ocrWorker struct {
	factory OCRFactory

	mu     sync.Mutex
	engine OCREngine
	lang   string
}

func newOCRWorker(f OCRFactory) *ocrWorker {
	return &ocrWorker{factory: f}
}

// acquire returns the ready engine for lang, creating it (and closing an
// engine for another language) when needed. Must be called with mu held.
func (w *ocrWorker) acquire(lang string) (OCREngine, error) {
	if w.engine != nil && w.lang == lang {
		return w.engine, nil
	}
	if w.engine != nil {
		w.engine.Close()
		w.engine, w.lang = nil, ""
	}
	eng, err := w.factory(lang)
	if err != nil {
		return nil, fmt.Errorf("init OCR engine (%s): %w", lang, err)
	}
	w.engine, w.lang = eng, lang
	return eng, nil
}

func (w *ocrWorker) recognize(ctx context.Context, lang string, image []byte) (OCRResult, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return OCRResult{}, err
	}
	eng, err := w.acquire(lang)
	if err != nil {
		return OCRResult{}, err
	}
	return eng.Recognize(ctx, image)
}

// ready reports the language of the live engine, if any.
func (w *ocrWorker) ready() (string, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lang, w.engine != nil
}

// close terminates the engine and returns the worker to uninitialized.
func (w *ocrWorker) close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.engine == nil {
		return nil
	}
	err := w.engine.Close()
	w.engine, w.lang = nil, ""
	return err
}
