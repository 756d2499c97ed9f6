package ingest

import (
	"errors"
	"net/http"
	"time"

	"github.com/hazyhaar/docingest/docpipe"
	"github.com/hazyhaar/docingest/filegate"
	"github.com/hazyhaar/docingest/guard"
)

// Retryable reports whether err is transient: memory pressure, a saturated
// pool, an open circuit or a timeout. A shut-down guard is not retryable.
func Retryable(err error) bool {
	if err == nil || errors.Is(err, guard.ErrClosed) {
		return false
	}
	var open *guard.ErrCircuitOpen
	if errors.As(err, &open) || errors.Is(err, guard.ErrNoSlot) {
		return true
	}
	return docpipe.KindOf(err).Transient()
}

// RetryAfter returns the breaker's suggested wait for circuit-open errors,
// or zero.
func RetryAfter(err error) time.Duration {
	var open *guard.ErrCircuitOpen
	if errors.As(err, &open) {
		return open.RetryAfter
	}
	return 0
}

// HTTPStatus maps an ingest error to a response status.
func HTTPStatus(err error) int {
	if errors.Is(err, guard.ErrClosed) {
		return http.StatusServiceUnavailable
	}
	switch docpipe.KindOf(err) {
	case docpipe.KindValidationFailed:
		return http.StatusUnprocessableEntity
	case docpipe.KindResourceExhausted:
		return http.StatusServiceUnavailable
	case docpipe.KindUnsupportedType:
		return http.StatusUnsupportedMediaType
	case docpipe.KindFormatError, docpipe.KindOCRError:
		return http.StatusUnprocessableEntity
	case docpipe.KindTimeout:
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func admissionError(err error) error {
	return &docpipe.ExtractionError{Kind: docpipe.KindResourceExhausted, Detail: "admission refused", Cause: err}
}

func validationError(out *filegate.Outcome) error {
	return &docpipe.ExtractionError{
		Kind:   docpipe.KindValidationFailed,
		Detail: "upload rejected",
		Flags:  out.SecurityFlags,
		Errors: out.Errors,
	}
}
