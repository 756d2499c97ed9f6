//go:build ocr

package docpipe

import (
	"context"
	"fmt"

	"github.com/otiai10/gosseract/v2"
)

// DefaultOCRFactory creates tesseract engines.
func DefaultOCRFactory(lang string) (OCREngine, error) {
	client := gosseract.NewClient()
	if err := client.SetLanguage(lang); err != nil {
		client.Close()
		return nil, err
	}
	return &tesseractEngine{client: client}, nil
}

type tesseractEngine struct {
	client *gosseract.Client
}

func (t *tesseractEngine) Recognize(ctx context.Context, image []byte) (OCRResult, error) {
	if err := t.client.SetImageFromBytes(image); err != nil {
		return OCRResult{}, fmt.Errorf("tesseract set image: %w", err)
	}
	text, err := t.client.Text()
	if err != nil {
		return OCRResult{Text: text}, fmt.Errorf("tesseract text: %w", err)
	}
	if ctx.Err() != nil {
		return OCRResult{Text: text}, ctx.Err()
	}

	// Mean word confidence; tesseract reports 0..100 per word.
	boxes, err := t.client.GetBoundingBoxes(gosseract.RIL_WORD)
	if err != nil {
		return OCRResult{Text: text}, fmt.Errorf("tesseract confidence: %w", err)
	}
	var sum float64
	var n int
	for _, b := range boxes {
		if b.Word == "" {
			continue
		}
		sum += b.Confidence
		n++
	}
	res := OCRResult{Text: text}
	if n > 0 {
		res.Confidence = sum / float64(n)
	}
	return res, nil
}

func (t *tesseractEngine) Close() error {
	return t.client.Close()
}
