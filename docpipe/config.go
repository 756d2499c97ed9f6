package docpipe

import (
	"log/slog"
	"time"

	"github.com/hazyhaar/docingest/observability"
)

// Config configures the extraction engine.
type Config struct {
	// MinTextDensity is the characters per page below which a PDF text
	// layer is treated as a scan (default: 50).
	MinTextDensity int `json:"min_text_density" yaml:"min_text_density"`

	// MinPrintableRatio marks a text layer as garbled (default: 0.85).
	MinPrintableRatio float64 `json:"min_printable_ratio" yaml:"min_printable_ratio"`

	// WordsPerPage estimates pages for containers without page breaks
	// (default: 300).
	WordsPerPage int `json:"words_per_page" yaml:"words_per_page"`

	// OCRLanguage is the default tesseract language (default: "eng").
	OCRLanguage string `json:"ocr_language" yaml:"ocr_language"`

	// OCRConfidenceThreshold turns lower OCR confidence into a warning
	// (default: 60).
	OCRConfidenceThreshold float64 `json:"ocr_confidence_threshold" yaml:"ocr_confidence_threshold"`

	// DefaultTimeout fills Options.Timeout when unset (default: 30s).
	DefaultTimeout time.Duration `json:"extraction_timeout" yaml:"extraction_timeout"`

	// MaxTimeout caps a caller-supplied Options.Timeout (default:
	// DefaultTimeout).
	MaxTimeout time.Duration `json:"max_extraction_timeout" yaml:"max_extraction_timeout"`

	// Languages restricts metadata.language detection, as ISO 639-1 codes
	// (default: en fr de es it pt nl).
	Languages []string `json:"languages" yaml:"languages"`

	// OCRFactory creates OCR engines. Defaults to tesseract when built with
	// -tags ocr, otherwise every OCR attempt fails with ErrOCRUnavailable.
	OCRFactory OCRFactory `json:"-" yaml:"-"`

	Logger  *slog.Logger          `json:"-" yaml:"-"`
	Emitter observability.Emitter `json:"-" yaml:"-"`
}

func (c *Config) defaults() {
	if c.MinTextDensity <= 0 {
		c.MinTextDensity = 50
	}
	if c.MinPrintableRatio <= 0 {
		c.MinPrintableRatio = 0.85
	}
	if c.WordsPerPage <= 0 {
		c.WordsPerPage = 300
	}
	if c.OCRLanguage == "" {
		c.OCRLanguage = "eng"
	}
	if c.OCRConfidenceThreshold <= 0 {
		c.OCRConfidenceThreshold = 60
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 30 * time.Second
	}
	if c.MaxTimeout <= 0 {
		c.MaxTimeout = c.DefaultTimeout
	}
	if len(c.Languages) == 0 {
		c.Languages = []string{"en", "fr", "de", "es", "it", "pt", "nl"}
	}
	if c.OCRFactory == nil {
		c.OCRFactory = DefaultOCRFactory
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Emitter == nil {
		c.Emitter = observability.NewSlogEmitter(c.Logger)
	}
}
