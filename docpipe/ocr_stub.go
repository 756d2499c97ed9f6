//go:build !ocr

package docpipe

// DefaultOCRFactory reports that OCR was not compiled in.
func DefaultOCRFactory(string) (OCREngine, error) {
	return nil, ErrOCRUnavailable
}
