package filegate

import (
	"log/slog"

	"github.com/hazyhaar/docingest/idgen"
	"github.com/hazyhaar/docingest/observability"
)

// Size limits applied to a zero Config.
const (
	DefaultMinFileSize = 8
	DefaultMaxFileSize = 50 * 1024 * 1024
)

// Config configures the validation gate.
type Config struct {
	// MinFileSize rejects trivially empty or truncated uploads (default: 8 bytes).
	MinFileSize int64 `json:"min_file_size" yaml:"min_file_size"`

	// MaxFileSize is the largest accepted upload (default: 50 MB).
	MaxFileSize int64 `json:"max_file_size" yaml:"max_file_size"`

	// SniffWindow is the prefix inspected for magic numbers and the
	// plain-text classification (default: 8 KiB).
	SniffWindow int `json:"sniff_window" yaml:"sniff_window"`

	// AllowedTypes lists accepted detected content types
	// (default: pdf, docx, odt, jpeg, png, tiff, text/plain).
	AllowedTypes []string `json:"allowed_types" yaml:"allowed_types"`

	// AllowUTF8Text also classifies valid UTF-8 prefixes as plain text.
	// Off by default: only printable ASCII and whitespace qualify.
	AllowUTF8Text bool `json:"allow_utf8_text" yaml:"allow_utf8_text"`

	// ZipHeaderLimit is the number of ZIP local headers within SniffWindow
	// above which a small container is treated as a zip bomb (default: 64).
	ZipHeaderLimit int `json:"zip_header_limit" yaml:"zip_header_limit"`

	// MaxUncompressedSize caps the declared total size of ZIP entries
	// (default: 512 MB).
	MaxUncompressedSize int64 `json:"max_uncompressed_size" yaml:"max_uncompressed_size"`

	// MaxCompressionRatio caps uncompressed/compressed for ZIP containers
	// (default: 100).
	MaxCompressionRatio float64 `json:"max_compression_ratio" yaml:"max_compression_ratio"`

	// NewID mints placeholder names for uploads whose filename sanitizes
	// to nothing (default: "upload_" + 12-char NanoID).
	NewID idgen.Generator `json:"-" yaml:"-"`

	Logger  *slog.Logger          `json:"-" yaml:"-"`
	Emitter observability.Emitter `json:"-" yaml:"-"`
}

func (c *Config) defaults() {
	if c.MinFileSize <= 0 {
		c.MinFileSize = DefaultMinFileSize
	}
	if c.MaxFileSize <= 0 {
		c.MaxFileSize = DefaultMaxFileSize
	}
	if c.SniffWindow <= 0 {
		c.SniffWindow = 8 * 1024
	}
	if len(c.AllowedTypes) == 0 {
		c.AllowedTypes = []string{TypePDF, TypeDOCX, TypeODT, TypeJPEG, TypePNG, TypeTIFF, TypeText}
	}
	if c.ZipHeaderLimit <= 0 {
		c.ZipHeaderLimit = 64
	}
	if c.MaxUncompressedSize <= 0 {
		c.MaxUncompressedSize = 512 * 1024 * 1024
	}
	if c.MaxCompressionRatio <= 0 {
		c.MaxCompressionRatio = 100
	}
	if c.NewID == nil {
		c.NewID = idgen.Prefixed("upload_", idgen.NanoID(12))
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Emitter == nil {
		c.Emitter = observability.NewSlogEmitter(c.Logger)
	}
}
