package captcha

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"strings"
	"time"

	apperrors "github.com/adverant/nexus/vigencia-worker/internal/errors"
	"github.com/adverant/nexus/vigencia-worker/internal/logging"
)

// Whitelist is the captcha alphabet.
const Whitelist = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// Page segmentation modes relevant to captchas. Values follow Tesseract.
const (
	PageSegSingleLine = 7
	PageSegSingleWord = 8
)

// EngineConfig is passed to the engine on every call.
type EngineConfig struct {
	PageSegMode    int
	Whitelist      string
	Languages      []string
	TessdataPrefix string
}

// EngineResult is the raw engine answer. Confidence is on a 0..100 scale and
// only meaningful when HasConfidence is set.
type EngineResult struct {
	Text          string
	Confidence    float64
	HasConfidence bool
}

// Engine is an external character-recognition backend.
type Engine interface {
	Name() string
	Recognize(ctx context.Context, png []byte, cfg EngineConfig) (EngineResult, error)
}

// Token is one recognition answer.
type Token struct {
	Text          string
	Confidence    float64
	HasConfidence bool
	// LowConfidence is set when the engine scored the answer below the
	// recognizer's threshold. The text is still returned.
	LowConfidence bool
	Duration      time.Duration
}

// Empty reports whether nothing legible was recognized.
func (t Token) Empty() bool {
	return t.Text == ""
}

// RecognizerConfig configures a Recognizer.
type RecognizerConfig struct {
	Engine EngineConfig
	// MinConfidence flags tokens scored below it; 0 disables the check.
	MinConfidence float64
}

// DefaultRecognizerConfig assumes a single word restricted to Whitelist.
func DefaultRecognizerConfig() RecognizerConfig {
	return RecognizerConfig{
		Engine: EngineConfig{
			PageSegMode: PageSegSingleWord,
			Whitelist:   Whitelist,
			Languages:   []string{"eng"},
		},
	}
}

// Recognizer runs one engine pass over a processed captcha. It never retries.
type Recognizer struct {
	engine Engine
	cfg    RecognizerConfig
	logger *logging.Logger
}

// NewRecognizer wires engine with cfg. An empty whitelist falls back to Whitelist.
func NewRecognizer(engine Engine, cfg RecognizerConfig, logger *logging.Logger) (*Recognizer, error) {
	if engine == nil {
		return nil, fmt.Errorf("recognition engine is required")
	}
	if cfg.Engine.Whitelist == "" {
		cfg.Engine.Whitelist = Whitelist
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Recognizer{engine: engine, cfg: cfg, logger: logger}, nil
}

// Recognize returns the engine's answer filtered to the whitelist. No legible
// glyphs yield an empty token and a nil error; engine failures are reported
// as RecognitionUnavailable.
func (r *Recognizer) Recognize(ctx context.Context, img *image.Gray) (Token, error) {
	if img == nil || img.Rect.Empty() {
		return Token{}, apperrors.NewInvalidImageError("empty processed image", nil)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		e := apperrors.NewInvalidImageError("processed image could not be encoded", nil)
		e.Cause = err
		return Token{}, e
	}

	start := time.Now()
	res, err := r.engine.Recognize(ctx, buf.Bytes(), r.cfg.Engine)
	if err != nil {
		if apperrors.CodeOf(err) == apperrors.ErrorRecognitionUnavailable {
			return Token{}, err
		}
		return Token{}, apperrors.NewRecognitionUnavailableError(r.engine.Name(), err)
	}

	tok := Token{
		Text:          filterAlphabet(res.Text, r.cfg.Engine.Whitelist),
		Confidence:    res.Confidence,
		HasConfidence: res.HasConfidence,
		Duration:      time.Since(start),
	}
	if tok.HasConfidence && r.cfg.MinConfidence > 0 && tok.Confidence < r.cfg.MinConfidence {
		tok.LowConfidence = true
	}

	r.logger.Debug("Captcha recognized",
		"engine", r.engine.Name(),
		"token", tok.Text,
		"confidence", tok.Confidence,
		"low_confidence", tok.LowConfidence,
		"duration", tok.Duration)

	return tok, nil
}

// filterAlphabet keeps the runes of s found in alphabet. Runes outside
// Whitelist are always dropped, whatever alphabet allows.
func filterAlphabet(s, alphabet string) string {
	var b strings.Builder
	for _, c := range s {
		if strings.ContainsRune(alphabet, c) && strings.ContainsRune(Whitelist, c) {
			b.WriteRune(c)
		}
	}
	return b.String()
}
