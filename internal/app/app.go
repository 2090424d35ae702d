// Package app assembles the lookup pipeline from configuration. The worker
// and the CLI share it.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/adverant/nexus/vigencia-worker/internal/captcha"
	"github.com/adverant/nexus/vigencia-worker/internal/captcha/tesseract"
	"github.com/adverant/nexus/vigencia-worker/internal/clients"
	"github.com/adverant/nexus/vigencia-worker/internal/config"
	"github.com/adverant/nexus/vigencia-worker/internal/fields"
	"github.com/adverant/nexus/vigencia-worker/internal/logging"
	"github.com/adverant/nexus/vigencia-worker/internal/processor"
	"github.com/adverant/nexus/vigencia-worker/internal/registry"
)

// NewSolver builds the captcha preprocessor and recognizer. engine may be nil
// to use Tesseract.
func NewSolver(cfg *config.Config, engine captcha.Engine, logger *logging.Logger) (*captcha.Solver, error) {
	var sink captcha.StageSink
	if cfg.DiagnosticsDir != "" {
		dirSink, err := captcha.NewDirSink(cfg.DiagnosticsDir)
		if err != nil {
			return nil, fmt.Errorf("failed to create diagnostics sink: %w", err)
		}
		sink = dirSink
	}

	return NewSolverWithSink(cfg, engine, sink, logger)
}

// NewSolverWithSink is NewSolver with an explicit stage sink (nil for none).
func NewSolverWithSink(cfg *config.Config, engine captcha.Engine, sink captcha.StageSink, logger *logging.Logger) (*captcha.Solver, error) {
	pre, err := captcha.NewPreprocessor(captcha.DefaultOptions(), sink, logger.With("Preprocess"))
	if err != nil {
		return nil, err
	}

	if engine == nil {
		engine = tesseract.NewEngine()
	}
	rc := captcha.DefaultRecognizerConfig()
	rc.Engine.PageSegMode = cfg.PageSegMode
	rc.Engine.TessdataPrefix = cfg.TessdataPrefix
	rc.Engine.Languages = SplitLanguages(cfg.TesseractLanguages)
	rc.MinConfidence = cfg.MinCaptchaConfidence

	rec, err := captcha.NewRecognizer(engine, rc, logger.With("Recognize"))
	if err != nil {
		return nil, err
	}
	return &captcha.Solver{Preprocessor: pre, Recognizer: rec}, nil
}

// SplitLanguages accepts "eng+spa" or "eng,spa".
func SplitLanguages(s string) []string {
	parts := strings.FieldsFunc(s, func(r rune) bool { return r == '+' || r == ',' || r == ' ' })
	if len(parts) == 0 {
		return []string{"eng"}
	}
	return parts
}

// NewRegistryClient builds the site client.
func NewRegistryClient(cfg *config.Config, logger *logging.Logger) (*registry.Client, error) {
	return registry.NewClient(registry.Config{
		FormURL:           cfg.RegistryURL,
		CaptchaElementID:  cfg.CaptchaElementID,
		UserAgent:         cfg.UserAgent,
		Timeout:           cfg.HTTPTimeout,
		RequestsPerSecond: cfg.RequestsPerSecond,
	}, logger.With("Registry"))
}

// NewArtifactClient returns nil when archival is not configured. An
// unreachable archive is logged and still returned; uploads fail softly.
func NewArtifactClient(cfg *config.Config, logger *logging.Logger) *clients.ArtifactClient {
	if cfg.ArchiveURL == "" {
		return nil
	}
	c := clients.NewArtifactClient(cfg.ArchiveURL)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.HealthCheck(ctx); err != nil {
		logger.Warn("Artifact storage health check failed", "url", cfg.ArchiveURL, "error", err)
	} else {
		logger.Info("Artifact storage connection verified", "url", cfg.ArchiveURL)
	}
	return c
}

// NewProcessor wires the whole lookup pipeline. store may be nil.
func NewProcessor(cfg *config.Config, store processor.CertificateStore, engine captcha.Engine, logger *logging.Logger) (*processor.LookupProcessor, error) {
	site, err := NewRegistryClient(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create registry client: %w", err)
	}
	solver, err := NewSolver(cfg, engine, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create captcha solver: %w", err)
	}
	mode, err := fields.ParseDateMode(cfg.DateMatchMode)
	if err != nil {
		return nil, err
	}

	pc := &processor.ProcessorConfig{
		Site:        site,
		Solver:      solver,
		Storage:     store,
		Artifacts:   NewArtifactClient(cfg, logger),
		Extractor:   fields.NewExtractor(mode),
		MaxAttempts: cfg.MaxCaptchaAttempts,
		OutputDir:   cfg.OutputDir,
		Logger:      logger.With("Processor"),
	}
	return processor.NewLookupProcessor(pc)
}
