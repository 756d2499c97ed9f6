// Package filegate is the first stage of ingestion: it decides whether an
// untrusted upload may be processed at all.
//
// All checks are cheap and byte-level. The gate sniffs the real content type
// from magic numbers, sanitizes the declared filename, rejects path
// traversal attempts and screens PDF payloads for active content. Rejection
// is reported through Outcome, never as an error; an error means the gate
// itself failed.
package filegate

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"

	"github.com/dustin/go-humanize"

	"github.com/hazyhaar/docingest/observability"
)

// General security flags. PDF and structural flags live next to their
// checks.
const (
	FlagFilenameSanitized  = "FILENAME_SANITIZED"
	FlagPathTraversal      = "PATH_TRAVERSAL_ATTEMPT"
	FlagMIMEMismatch       = "MIME_TYPE_MISMATCH"
	FlagFileTooSmall       = "FILE_TOO_SMALL"
	FlagFileTooLarge       = "FILE_TOO_LARGE"
	FlagUnknownContentType = "UNKNOWN_CONTENT_TYPE"
	FlagTypeNotAllowed     = "CONTENT_TYPE_NOT_ALLOWED"
)

// Outcome is the accumulated verdict for one upload.
type Outcome struct {
	Valid               bool     `json:"is_valid"`
	SanitizedFilename   string   `json:"sanitized_filename"`
	DetectedContentType string   `json:"detected_content_type,omitempty"`
	SecurityFlags       []string `json:"security_flags"`
	Errors              []string `json:"errors"`
	PDFVersion          string   `json:"pdf_version,omitempty"`
}

// HasFlag reports whether flag was raised.
func (o *Outcome) HasFlag(flag string) bool {
	return slices.Contains(o.SecurityFlags, flag)
}

func (o *Outcome) flag(f string) {
	if !o.HasFlag(f) {
		o.SecurityFlags = append(o.SecurityFlags, f)
	}
}

func (o *Outcome) fail(flag, format string, args ...any) {
	if flag != "" {
		o.flag(flag)
	}
	o.Errors = append(o.Errors, fmt.Sprintf(format, args...))
}

// ValidationError reports a fault inside the gate, as opposed to a rejected
// upload.
type ValidationError struct {
	Op  string
	Err error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("filegate %s: %v", e.Op, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// Gate validates uploads. Safe for concurrent use.
type Gate struct {
	cfg     Config
	allowed map[string]bool
}

// New creates a Gate.
func New(cfg Config) *Gate {
	cfg.defaults()
	allowed := make(map[string]bool, len(cfg.AllowedTypes))
	for _, t := range cfg.AllowedTypes {
		allowed[NormalizeContentType(t)] = true
	}
	return &Gate{cfg: cfg, allowed: allowed}
}

// Config returns the effective configuration.
func (g *Gate) Config() Config { return g.cfg }

// Validate runs every check against buf and returns the accumulated outcome.
// declaredType may be empty.
func (g *Gate) Validate(ctx context.Context, buf []byte, filename, declaredType string) (out *Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			out, err = nil, &ValidationError{Op: "validate", Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	out = &Outcome{SecurityFlags: []string{}, Errors: []string{}}
	size := int64(len(buf))
	header := prefix(buf, g.cfg.SniffWindow)

	if DetectPathTraversal(filename) {
		out.fail(FlagPathTraversal, "filename %q attempts path traversal", filename)
	}

	detected := DetectContentType(buf, g.cfg.SniffWindow, g.cfg.AllowUTF8Text)
	declared := NormalizeContentType(declaredType)
	if detected == TypeZIP && IsOfficeContainer(declared) {
		detected = declared
	}

	sanitized := SanitizeFilename(filename)
	if sanitized == "" {
		sanitized = g.cfg.NewID() + ExtensionFor(detected)
	}
	out.SanitizedFilename = sanitized
	if sanitized != filename {
		out.flag(FlagFilenameSanitized)
	}

	tooLarge := false
	switch {
	case size < g.cfg.MinFileSize:
		out.fail(FlagFileTooSmall, "file too small: %s (minimum %s)",
			humanize.IBytes(uint64(size)), humanize.IBytes(uint64(g.cfg.MinFileSize)))
	case size > g.cfg.MaxFileSize:
		tooLarge = true
		out.fail(FlagFileTooLarge, "file too large: %s (maximum %s)",
			humanize.IBytes(uint64(size)), humanize.IBytes(uint64(g.cfg.MaxFileSize)))
	}

	out.DetectedContentType = detected
	switch {
	case detected == "":
		out.fail(FlagUnknownContentType, "content type not recognised from file bytes")
	case !g.allowed[detected]:
		out.fail(FlagTypeNotAllowed, "content type %s is not allowed", detected)
	}
	if declared != "" && detected != "" && declared != detected {
		out.flag(FlagMIMEMismatch)
	}

	if poly := checkPolyglot(header); poly != nil {
		out.flag(FlagPolyglot)
	}
	if m := checkMacro(header, sanitized); m != "" {
		out.flag(m)
	}

	if !tooLarge {
		switch {
		case detected == TypePDF:
			rep := ScanPDF(buf)
			out.PDFVersion = rep.Version
			for _, f := range rep.Flags {
				switch f {
				case FlagPDFInvalidHeader:
					out.fail(f, "missing %%PDF- header")
				case FlagPDFJavaScript:
					out.fail(f, "PDF contains JavaScript")
				default:
					out.flag(f)
				}
			}
		case detected == TypeZIP || IsOfficeContainer(detected):
			zr := inspectZip(buf, header)
			if zr.invalid {
				out.flag(FlagZipInvalid)
			}
			if zr.hasVBA {
				out.flag(FlagMacroDetected)
			}
			if zr.bomb(size, &g.cfg) {
				out.fail(FlagZipBomb, "ZIP container expands to %s from %s",
					humanize.IBytes(zr.uncompressed), humanize.IBytes(uint64(size)))
			}
		}
	}

	out.Valid = len(out.Errors) == 0
	g.report(ctx, out, filename, size)
	return out, nil
}

// ValidateReader reads at most MaxFileSize+1 bytes from r and validates
// them. Read failures are returned as *ValidationError.
func (g *Gate) ValidateReader(ctx context.Context, r io.Reader, filename, declaredType string) (*Outcome, []byte, error) {
	buf, err := io.ReadAll(io.LimitReader(r, g.cfg.MaxFileSize+1))
	if err != nil {
		return nil, nil, &ValidationError{Op: "read", Err: err}
	}
	out, err := g.Validate(ctx, buf, filename, declaredType)
	return out, buf, err
}

func (g *Gate) report(ctx context.Context, out *Outcome, filename string, size int64) {
	level := slog.LevelDebug
	if !out.Valid {
		level = slog.LevelWarn
	}
	g.cfg.Logger.Log(ctx, level, "filegate: validated upload",
		"filename", out.SanitizedFilename,
		"size", size,
		"detected", out.DetectedContentType,
		"valid", out.Valid,
		"flags", out.SecurityFlags)

	name := "passed"
	if !out.Valid {
		name = "rejected"
	}
	g.cfg.Emitter.Emit(ctx, observability.NewEvent(observability.StageValidation, name, out.Valid, map[string]any{
		"filename": out.SanitizedFilename,
		"original": filename,
		"detected": out.DetectedContentType,
		"flags":    slices.Clone(out.SecurityFlags),
		"errors":   len(out.Errors),
	}))
}
