package ocr

import (
	"context"
	"fmt"
	"log"

	"github.com/otiai10/gosseract/v2"
)

// TesseractEngine runs gosseract over a preprocessed copy of the image.
// A fresh client is created per call; gosseract clients are not safe for
// concurrent use.
type TesseractEngine struct {
	Languages string // e.g. "pol+eng"
	Tessdata  string // optional TESSDATA_PREFIX override
}

func NewTesseractEngine(languages string) *TesseractEngine {
	if languages == "" {
		languages = "pol+eng"
	}
	return &TesseractEngine{Languages: languages}
}

func (t *TesseractEngine) Name() string { return "tesseract" }

// Recognize OCRs an image that has already been through Preprocess.
// Tesseract runs in a goroutine so the call can be abandoned on ctx timeout;
// the stray run finishes and is discarded.
func (t *TesseractEngine) Recognize(ctx context.Context, img []byte) (*Recognition, error) {
	type outcome struct {
		rec *Recognition
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		rec, err := t.recognizeBytes(img)
		done <- outcome{rec, err}
	}()
	select {
	case <-ctx.Done():
		return nil, Transient(ctx.Err())
	case o := <-done:
		return o.rec, o.err
	}
}

func (t *TesseractEngine) recognizeBytes(png []byte) (*Recognition, error) {
	client := gosseract.NewClient()
	defer client.Close()
	if t.Tessdata != "" {
		_ = client.SetTessdataPrefix(t.Tessdata)
	}
	if err := client.SetLanguage(t.Languages); err != nil {
		// language data missing is an installation problem, not a bad document
		return nil, Transient(fmt.Errorf("set language %q: %w", t.Languages, err))
	}
	if err := client.SetImageFromBytes(png); err != nil {
		return nil, Transient(fmt.Errorf("set image: %w", err))
	}
	text, err := client.Text()
	if err != nil {
		return nil, Transient(fmt.Errorf("tesseract text: %w", err))
	}
	boxes, err := client.GetBoundingBoxes(gosseract.RIL_WORD)
	if err != nil {
		return nil, Transient(fmt.Errorf("tesseract boxes: %w", err))
	}
	tokens := make([]Token, 0, len(boxes))
	for _, b := range boxes {
		w := normalizeText(b.Word)
		if w == "" {
			continue
		}
		conf := int(b.Confidence)
		if conf < 0 {
			conf = 0
		}
		if conf > 100 {
			conf = 100
		}
		tokens = append(tokens, Token{Text: w, Conf: conf, Box: b.Box})
	}
	log.Printf("OCR tesseract: %d tokens, text snippet=%q", len(tokens), snippet(normalizeText(text), 160))
	return &Recognition{Engine: "tesseract", Text: text, Tokens: tokens}, nil
}
