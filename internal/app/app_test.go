package app

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adverant/nexus/vigencia-worker/internal/captcha"
	"github.com/adverant/nexus/vigencia-worker/internal/config"
	"github.com/adverant/nexus/vigencia-worker/internal/logging"
)

type fakeEngine struct {
	lastCfg captcha.EngineConfig
}

func (f *fakeEngine) Name() string { return "fake" }

func (f *fakeEngine) Recognize(_ context.Context, _ []byte, cfg captcha.EngineConfig) (captcha.EngineResult, error) {
	f.lastCfg = cfg
	return captcha.EngineResult{Text: "X7Q2", Confidence: 40, HasConfidence: true}, nil
}

func testConfig() *config.Config {
	return &config.Config{
		RegistryURL:          "http://127.0.0.1:1/Datos.aspx",
		CaptchaElementID:     "captcha",
		RequestsPerSecond:    1,
		MaxCaptchaAttempts:   3,
		TesseractLanguages:   "eng+spa",
		PageSegMode:          captcha.PageSegSingleLine,
		MinCaptchaConfidence: 60,
		DateMatchMode:        "lenient",
	}
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, 60, 20))
	for i := range img.Pix {
		img.Pix[i] = 240
	}
	for x := 10; x < 50; x++ {
		img.SetGray(x, 10, color.Gray{Y: 10})
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestSplitLanguages(t *testing.T) {
	assert.Equal(t, []string{"eng", "spa"}, SplitLanguages("eng+spa"))
	assert.Equal(t, []string{"eng", "spa"}, SplitLanguages("eng, spa"))
	assert.Equal(t, []string{"eng"}, SplitLanguages(""))
}

func TestNewSolverAppliesConfig(t *testing.T) {
	cfg := testConfig()
	cfg.DiagnosticsDir = filepath.Join(t.TempDir(), "stages")
	engine := &fakeEngine{}

	solver, err := NewSolver(cfg, engine, logging.Discard())
	require.NoError(t, err)

	tok, err := solver.Solve(context.Background(), pngBytes(t))
	require.NoError(t, err)
	assert.Equal(t, "X7Q2", tok.Text)
	assert.True(t, tok.LowConfidence)

	assert.Equal(t, captcha.PageSegSingleLine, engine.lastCfg.PageSegMode)
	assert.Equal(t, []string{"eng", "spa"}, engine.lastCfg.Languages)

	entries, err := os.ReadDir(cfg.DiagnosticsDir)
	require.NoError(t, err)
	assert.NotEmpty(t, entries)
}

func TestNewArtifactClientDisabled(t *testing.T) {
	assert.Nil(t, NewArtifactClient(testConfig(), logging.Discard()))
}

func TestNewProcessor(t *testing.T) {
	proc, err := NewProcessor(testConfig(), nil, &fakeEngine{}, logging.Discard())
	require.NoError(t, err)
	assert.NotNil(t, proc)

	cfg := testConfig()
	cfg.DateMatchMode = "fuzzy"
	_, err = NewProcessor(cfg, nil, &fakeEngine{}, logging.Discard())
	assert.Error(t, err)

	cfg = testConfig()
	cfg.RegistryURL = "not a url"
	_, err = NewProcessor(cfg, nil, &fakeEngine{}, logging.Discard())
	assert.Error(t, err)
}
