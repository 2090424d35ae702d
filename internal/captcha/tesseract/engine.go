/**
 * Tesseract OCR engine for captcha recognition
 *
 * Offline recognition through gosseract. One client per call keeps engine
 * state from leaking between captchas.
 */

package tesseract

import (
	"context"
	"fmt"

	"github.com/otiai10/gosseract/v2"

	"github.com/adverant/nexus/vigencia-worker/internal/captcha"
	apperrors "github.com/adverant/nexus/vigencia-worker/internal/errors"
)

// Engine recognizes captcha text using Tesseract
type Engine struct {
	clientFactory func() *gosseract.Client
}

// NewEngine creates a new Tesseract engine
func NewEngine() *Engine {
	return &Engine{clientFactory: gosseract.NewClient}
}

// Name identifies the engine in logs and errors
func (e *Engine) Name() string { return "tesseract" }

// Version reports the linked Tesseract library version
func Version() string {
	return gosseract.Version()
}

// Recognize performs OCR on a PNG-encoded captcha
func (e *Engine) Recognize(ctx context.Context, png []byte, cfg captcha.EngineConfig) (captcha.EngineResult, error) {
	if err := ctx.Err(); err != nil {
		return captcha.EngineResult{}, err
	}

	client := e.clientFactory()
	defer client.Close()

	if err := configure(client, cfg); err != nil {
		return captcha.EngineResult{}, apperrors.NewRecognitionUnavailableError(e.Name(), err)
	}

	if err := client.SetImageFromBytes(png); err != nil {
		return captcha.EngineResult{}, fmt.Errorf("failed to set image: %w", err)
	}

	text, err := client.Text()
	if err != nil {
		return captcha.EngineResult{}, apperrors.NewRecognitionUnavailableError(e.Name(), err)
	}

	result := captcha.EngineResult{Text: text}
	if conf, ok := meanWordConfidence(client); ok {
		result.Confidence = conf
		result.HasConfidence = true
	}

	return result, nil
}

func configure(client *gosseract.Client, cfg captcha.EngineConfig) error {
	if cfg.TessdataPrefix != "" {
		if err := client.SetTessdataPrefix(cfg.TessdataPrefix); err != nil {
			return fmt.Errorf("set tessdata prefix: %w", err)
		}
	}
	if len(cfg.Languages) > 0 {
		if err := client.SetLanguage(cfg.Languages...); err != nil {
			return fmt.Errorf("set languages: %w", err)
		}
	}
	// OEM stays at the engine default, which selects the best available model.
	if err := client.SetPageSegMode(gosseract.PageSegMode(cfg.PageSegMode)); err != nil {
		return fmt.Errorf("set page segmentation mode: %w", err)
	}
	if cfg.Whitelist != "" {
		if err := client.SetWhitelist(cfg.Whitelist); err != nil {
			return fmt.Errorf("set whitelist: %w", err)
		}
	}
	return nil
}

// meanWordConfidence averages word confidences (0..100) from the last run.
func meanWordConfidence(client *gosseract.Client) (float64, bool) {
	boxes, err := client.GetBoundingBoxes(gosseract.RIL_WORD)
	if err != nil || len(boxes) == 0 {
		return 0, false
	}
	var sum float64
	for _, b := range boxes {
		sum += b.Confidence
	}
	return sum / float64(len(boxes)), true
}
