package docpipe

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies extraction failures.
type Kind string

const (
	KindValidationFailed  Kind = "ValidationFailed"
	KindResourceExhausted Kind = "ResourceExhausted"
	KindUnsupportedType   Kind = "UnsupportedType"
	KindFormatError       Kind = "FormatError"
	KindOCRError          Kind = "OCRError"
	KindTimeout           Kind = "Timeout"
	KindInternal          Kind = "Internal"
)

// Transient reports whether a retry later may succeed.
func (k Kind) Transient() bool {
	return k == KindResourceExhausted || k == KindTimeout
}

// ExtractionError is returned by Extract for every failure.
type ExtractionError struct {
	Kind   Kind
	Detail string
	// Flags and Errors carry the validation outcome for ValidationFailed.
	Flags  []string
	Errors []string
	Cause  error
}

func (e *ExtractionError) Error() string {
	var b strings.Builder
	b.WriteString("docpipe: ")
	b.WriteString(string(e.Kind))
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	if len(e.Errors) > 0 {
		b.WriteString(": ")
		b.WriteString(strings.Join(e.Errors, "; "))
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

func (e *ExtractionError) Unwrap() error { return e.Cause }

// Is matches the kind sentinels below, so errors.Is(err, ErrFormat) works
// for any FormatError.
func (e *ExtractionError) Is(target error) bool {
	t, ok := target.(*ExtractionError)
	return ok && t.Detail == "" && t.Cause == nil && t.Kind == e.Kind
}

// Kind sentinels for errors.Is.
var (
	ErrValidationFailed  = &ExtractionError{Kind: KindValidationFailed}
	ErrResourceExhausted = &ExtractionError{Kind: KindResourceExhausted}
	ErrUnsupportedType   = &ExtractionError{Kind: KindUnsupportedType}
	ErrFormat            = &ExtractionError{Kind: KindFormatError}
	ErrOCR               = &ExtractionError{Kind: KindOCRError}
	ErrTimeout           = &ExtractionError{Kind: KindTimeout}
	ErrInternal          = &ExtractionError{Kind: KindInternal}
)

// ErrOCRUnavailable is returned by the default OCR factory when the binary
// was built without tesseract support.
var ErrOCRUnavailable = errors.New("docpipe: OCR engine not available (build with -tags ocr)")

// KindOf returns the kind of err, or "" if err is not an *ExtractionError.
func KindOf(err error) Kind {
	var ee *ExtractionError
	if errors.As(err, &ee) {
		return ee.Kind
	}
	return ""
}

func newError(kind Kind, cause error, format string, args ...any) *ExtractionError {
	return &ExtractionError{Kind: kind, Detail: fmt.Sprintf(format, args...), Cause: cause}
}
