package docpipe

import "time"

// Method names the extraction path taken for a document.
type Method string

const (
	MethodTextLayer Method = "text_layer"
	MethodContainer Method = "container"
	MethodPlainText Method = "plain_text"
	MethodOCR       Method = "ocr"
)

// PageContent is one logical page of extracted text.
type PageContent struct {
	PageNumber int      `json:"page_number"`
	Text       string   `json:"text"`
	WordCount  int      `json:"word_count"`
	OCRUsed    bool     `json:"ocr_used"`
	Confidence *float64 `json:"confidence,omitempty"`
}

// Metadata describes the extracted document.
type Metadata struct {
	Filename          string     `json:"filename"`
	ContentType       string     `json:"content_type"`
	PageCount         int        `json:"page_count"`
	TotalWordCount    int        `json:"total_word_count"`
	ExtractedAt       time.Time  `json:"extracted_at"`
	OCRUsed           bool       `json:"ocr_used"`
	Language          string     `json:"language,omitempty"`
	Title             string     `json:"title,omitempty"`
	Author            string     `json:"author,omitempty"`
	CreationDate      *time.Time `json:"creation_date,omitempty"`
	ExtractionTimeMs  int64      `json:"extraction_time_ms"`
	Method            Method     `json:"method"`
	PageSplitStrategy string     `json:"page_split_strategy,omitempty"`
	SecurityFlags     []string   `json:"security_flags,omitempty"`
}

// ExtractionResult is the output of Extract. It is not mutated after being
// returned.
type ExtractionResult struct {
	Text       string        `json:"text"`
	Pages      []PageContent `json:"pages"`
	Metadata   Metadata      `json:"metadata"`
	Confidence float64       `json:"confidence"`
	Warnings   []string      `json:"warnings"`
	Quality    *Quality      `json:"quality,omitempty"`
}

// Options tune a single extraction.
type Options struct {
	// DisableOCR turns scanned PDFs into format errors and images into OCR
	// errors instead of running recognition.
	DisableOCR bool `json:"disable_ocr,omitempty"`

	// OCRLanguage overrides Config.OCRLanguage (tesseract codes, e.g. "eng").
	OCRLanguage string `json:"ocr_language,omitempty"`

	// Timeout is the budget the calling harness enforces (default 30s),
	// capped by Config.MaxTimeout.
	Timeout time.Duration `json:"timeout,omitempty"`

	// DisableLanguageDetection skips metadata.language.
	DisableLanguageDetection bool `json:"disable_language_detection,omitempty"`
}

// page is a format extractor's raw per-page output.
type page struct {
	text       string
	ocr        bool
	confidence *float64
}

// extraction is what a format extractor hands back to the pipeline.
type extraction struct {
	pages        []page
	method       Method
	confidence   float64
	warnings     []string
	title        string
	author       string
	creationDate *time.Time
	splitUsed    string
	quality      *Quality
}

func floatPtr(f float64) *float64 { return &f }
