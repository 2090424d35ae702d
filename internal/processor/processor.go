/**
 * Lookup Processor for the certificate validity worker
 *
 * Orchestrates one certificate lookup end to end:
 * - Fresh site session per attempt (form page, captcha, submission)
 * - Captcha preprocessing and recognition
 * - Certificate PDF inspection and text extraction
 * - Field extraction merged with lookup metadata
 * - Persistence of the certificate record and optional archival of the PDF
 */

package processor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/adverant/nexus/vigencia-worker/internal/captcha"
	"github.com/adverant/nexus/vigencia-worker/internal/clients"
	"github.com/adverant/nexus/vigencia-worker/internal/document"
	apperrors "github.com/adverant/nexus/vigencia-worker/internal/errors"
	"github.com/adverant/nexus/vigencia-worker/internal/fields"
	"github.com/adverant/nexus/vigencia-worker/internal/logging"
	"github.com/adverant/nexus/vigencia-worker/internal/registry"
	"github.com/adverant/nexus/vigencia-worker/internal/storage"
)

const (
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"

	sourceService = "vigencia-worker"
)

// LookupProcessorInterface defines the interface for certificate lookups
type LookupProcessorInterface interface {
	ProcessLookup(ctx context.Context, req *LookupRequest) (*LookupResult, error)
	UpdateJobStatus(ctx context.Context, jobID string, status string, progress int, metadata map[string]interface{}) error
}

// CaptchaSolver turns a downloaded captcha image into an answer.
type CaptchaSolver interface {
	Solve(ctx context.Context, data []byte) (captcha.Token, error)
}

// CertificateStore persists jobs and certificates.
type CertificateStore interface {
	SaveCertificate(ctx context.Context, rec *storage.CertificateRecord) (string, error)
	UpdateJobStatus(ctx context.Context, update *storage.JobUpdate) error
}

// ProcessorConfig holds processor configuration
type ProcessorConfig struct {
	Site      *registry.Client
	Solver    CaptchaSolver
	Storage   CertificateStore        // optional
	Artifacts *clients.ArtifactClient // optional
	Extractor *fields.Extractor

	MaxAttempts int
	OutputDir   string // empty skips writing PDF and JSON files
	Logger      *logging.Logger
}

// LookupRequest represents one certificate lookup
type LookupRequest struct {
	JobID      string
	Cedula     string
	IssueDay   int
	IssueMonth int
	IssueYear  int
	Metadata   map[string]interface{}
}

func (r *LookupRequest) query() registry.Query {
	return registry.Query{Cedula: r.Cedula, Day: r.IssueDay, Month: r.IssueMonth, Year: r.IssueYear}
}

// Validate checks the request's lookup query
func (r *LookupRequest) Validate() error {
	return r.query().Validate()
}

// LookupResult represents the lookup result
type LookupResult struct {
	CertificateID     string            `json:"certificateId,omitempty"`
	Fields            map[string]string `json:"fields"`
	Meta              map[string]string `json:"_meta"`
	Attempts          int               `json:"attempts"`
	CaptchaTokens     []string          `json:"captchaTokens"`
	CaptchaConfidence float64           `json:"captchaConfidence"` // 0..1
	PDFPath           string            `json:"pdfPath,omitempty"`
	JSONPath          string            `json:"jsonPath,omitempty"`
	PDFSHA256         string            `json:"pdfSha256"`
	Pages             int               `json:"pages"`
	ArchiveID         string            `json:"archiveId,omitempty"`
	ProcessingTimeMs  int64             `json:"processingTimeMs"`
}

// LookupProcessor runs certificate lookups
type LookupProcessor struct {
	config    *ProcessorConfig
	site      *registry.Client
	solver    CaptchaSolver
	storage   CertificateStore
	artifacts *clients.ArtifactClient
	extractor *fields.Extractor
	logger    *logging.Logger
}

// NewLookupProcessor creates a new lookup processor
func NewLookupProcessor(cfg *ProcessorConfig) (*LookupProcessor, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if cfg.Site == nil {
		return nil, fmt.Errorf("registry client is required")
	}
	if cfg.Solver == nil {
		return nil, fmt.Errorf("captcha solver is required")
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}

	extractor := cfg.Extractor
	if extractor == nil {
		extractor = fields.NewExtractor(fields.DateLenient)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewLogger("Processor")
	}

	if cfg.Storage == nil {
		logger.Warn("Storage not configured. Certificates will not be persisted.")
	}
	if cfg.Artifacts == nil {
		logger.Info("Artifact archive not configured. Certificate PDFs stay local.")
	}

	return &LookupProcessor{
		config:    cfg,
		site:      cfg.Site,
		solver:    cfg.Solver,
		storage:   cfg.Storage,
		artifacts: cfg.Artifacts,
		extractor: extractor,
		logger:    logger,
	}, nil
}

// attemptOutcome is what one whole attempt produced.
type attemptOutcome struct {
	token captcha.Token
	pdf   []byte
}

// ProcessLookup runs up to MaxAttempts attempts and then processes the
// certificate from the first accepted submission.
func (p *LookupProcessor) ProcessLookup(ctx context.Context, req *LookupRequest) (*LookupResult, error) {
	start := time.Now()
	if req == nil {
		return nil, fmt.Errorf("lookup request is required")
	}
	if err := req.query().Validate(); err != nil {
		return nil, fmt.Errorf("invalid lookup request: %w", err)
	}
	log := p.logger.With("Job " + req.JobID)
	log.Info("Starting certificate lookup", "cedula", req.Cedula, "max_attempts", p.config.MaxAttempts)

	// Step 1: Solve the captcha and submit until the site answers with a PDF
	var (
		outcome *attemptOutcome
		tokens  []string
		lastErr error
		attempt int
	)
	for attempt = 1; attempt <= p.config.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if err := p.UpdateJobStatus(ctx, req.JobID, StatusProcessing, progressFor(attempt, p.config.MaxAttempts), map[string]interface{}{
			"attempts": attempt,
			"cedula":   req.Cedula,
		}); err != nil {
			log.Warn("Failed to record attempt", "attempt", attempt, "error", err)
		}

		out, err := p.attempt(ctx, req)
		if out != nil && out.token.Text != "" {
			tokens = append(tokens, out.token.Text)
		}
		if err == nil {
			outcome = out
			break
		}
		if !retryable(err) {
			log.Error("Attempt failed permanently", "attempt", attempt, "error", err)
			return nil, err
		}
		lastErr = err
		log.Warn("Attempt rejected, retrying with a new session",
			"attempt", attempt,
			"code", apperrors.CodeOf(err),
			"error", err)
	}
	if outcome == nil {
		return nil, apperrors.NewAttemptsExhaustedError(req.JobID, p.config.MaxAttempts, lastErr)
	}
	log.Info("Certificate accepted", "attempt", attempt, "token", outcome.token.Text, "bytes", len(outcome.pdf))

	result := &LookupResult{
		Attempts:          attempt,
		CaptchaTokens:     tokens,
		CaptchaConfidence: outcome.token.Confidence / 100,
	}
	sum := sha256.Sum256(outcome.pdf)
	result.PDFSHA256 = hex.EncodeToString(sum[:])

	// Step 2: Keep a local copy of the certificate
	if p.config.OutputDir != "" {
		path, err := p.writeFile(certificateFilename(req, ".pdf"), outcome.pdf)
		if err != nil {
			return nil, apperrors.NewStorageFailedError(req.JobID, err)
		}
		result.PDFPath = path
		log.Info("Certificate saved", "path", path)
	}

	// Step 3: Inspect and read the PDF
	info, err := document.Inspect(outcome.pdf)
	if err != nil {
		log.Warn("PDF inspection failed, continuing with text extraction", "error", err)
	} else {
		result.Pages = info.Pages
	}
	text, err := document.ExtractText(outcome.pdf)
	if err != nil {
		var pe *apperrors.ProcessingError
		if errors.As(err, &pe) {
			return nil, pe.WithJob(req.JobID)
		}
		return nil, apperrors.NewDocumentUnreadableError(req.JobID, err)
	}
	log.Debug("Certificate text extracted", "chars", len(text), "pages", result.Pages)

	// Step 4: Extract fields
	extracted := p.extractor.Extract(text)
	result.Fields = map[string]string(extracted)
	result.Meta = requestMeta(req.Metadata)
	result.Meta["cedula_consulta"] = req.Cedula
	result.Meta["pdf_path"] = result.PDFPath
	log.Info("Fields extracted",
		"numero_documento", extracted[fields.KeyDocumentNumber],
		"fecha_expedicion", extracted[fields.KeyIssueDate],
		"estado_vigencia", extracted[fields.KeyStatus])

	if p.config.OutputDir != "" {
		data, err := json.MarshalIndent(certificateDocument(result), "", "  ")
		if err != nil {
			return nil, fmt.Errorf("failed to encode certificate json: %w", err)
		}
		path, err := p.writeFile(certificateFilename(req, ".json"), data)
		if err != nil {
			return nil, apperrors.NewStorageFailedError(req.JobID, err)
		}
		result.JSONPath = path
	}

	// Step 5: Archive the PDF
	if p.artifacts != nil {
		resp, err := p.artifacts.UploadArtifact(ctx, &clients.ArtifactUploadRequest{
			FileBuffer:    outcome.pdf,
			Filename:      certificateFilename(req, ".pdf"),
			MimeType:      "application/pdf",
			SourceService: sourceService,
			SourceID:      req.JobID,
			Metadata: map[string]interface{}{
				"cedula":          req.Cedula,
				"estado_vigencia": extracted[fields.KeyStatus],
				"sha256":          result.PDFSHA256,
			},
		})
		if err != nil {
			// Non-fatal: the certificate is still stored locally
			log.Warn("Failed to archive certificate", "error", err)
		} else {
			result.ArchiveID = resp.Artifact.ID
			log.Info("Certificate archived", "artifact_id", resp.Artifact.ID, "storage", resp.Artifact.StorageBackend)
		}
	}

	// Step 6: Persist the certificate record
	if p.storage != nil {
		id, err := p.storage.SaveCertificate(ctx, &storage.CertificateRecord{
			JobID:         req.JobID,
			Cedula:        req.Cedula,
			Fields:        map[string]string(extracted.Merge(result.Meta)),
			CaptchaTokens: tokens,
			PDFSHA256:     result.PDFSHA256,
			PDFPath:       result.PDFPath,
			ArchiveID:     result.ArchiveID,
			Pages:         result.Pages,
		})
		if err != nil {
			return nil, apperrors.NewStorageFailedError(req.JobID, err)
		}
		result.CertificateID = id
	}

	result.ProcessingTimeMs = time.Since(start).Milliseconds()
	log.Info("Lookup complete",
		"certificate_id", result.CertificateID,
		"attempts", result.Attempts,
		"duration", time.Since(start))
	return result, nil
}

// attempt runs one session: form, captcha, recognition and submission.
func (p *LookupProcessor) attempt(ctx context.Context, req *LookupRequest) (*attemptOutcome, error) {
	sess, err := p.site.NewSession()
	if err != nil {
		return nil, err
	}
	form, err := sess.FetchForm(ctx)
	if err != nil {
		return nil, err
	}
	img, err := sess.FetchCaptcha(ctx, form)
	if err != nil {
		return nil, err
	}

	tok, err := p.solver.Solve(ctx, img)
	if err != nil {
		return nil, err
	}
	out := &attemptOutcome{token: tok}
	if tok.Empty() || tok.LowConfidence {
		return out, apperrors.NewLowConfidenceError(tok.Text, tok.Confidence, 0)
	}

	pdf, err := sess.Submit(ctx, form, req.query(), tok.Text)
	if err != nil {
		if apperrors.CodeOf(err) == "" && ctx.Err() == nil {
			err = apperrors.NewFormUnavailableError(form.ActionURL, err)
		}
		return out, err
	}
	out.pdf = pdf
	return out, nil
}

// retryable reports whether a fresh attempt may succeed after err.
func retryable(err error) bool {
	switch apperrors.CodeOf(err) {
	case apperrors.ErrorLowConfidence, apperrors.ErrorSubmissionRejected, apperrors.ErrorFormUnavailable:
		return true
	}
	return false
}

func progressFor(attempt, max int) int {
	return attempt * 80 / (max + 1)
}

// UpdateJobStatus updates job status in the store
func (p *LookupProcessor) UpdateJobStatus(ctx context.Context, jobID string, status string, progress int, metadata map[string]interface{}) error {
	if p.storage == nil || jobID == "" {
		return nil
	}
	update := &storage.JobUpdate{
		JobID:    jobID,
		Status:   status,
		Metadata: metadata,
	}

	// Extract specific fields from metadata if present
	if metadata != nil {
		if cedula, ok := metadata["cedula"].(string); ok {
			update.Cedula = cedula
		}
		if attempts, ok := metadata["attempts"].(int); ok {
			update.Attempts = attempts
		}
		if confidence, ok := metadata["captchaConfidence"].(float64); ok {
			update.CaptchaConfidence = confidence
		}
		if processingTime, ok := metadata["processingTime"].(int64); ok {
			update.ProcessingTimeMs = processingTime
		}
		if certificateID, ok := metadata["certificateId"].(string); ok {
			update.CertificateID = certificateID
		}
		if code, ok := metadata["error_code"].(string); ok {
			update.ErrorCode = code
		}
		if errorMsg, ok := metadata["error"].(string); ok {
			if update.ErrorCode == "" {
				update.ErrorCode = "PROCESSING_ERROR"
			}
			update.ErrorMessage = errorMsg
		} else if msg, ok := metadata["message"].(string); ok && update.ErrorCode != "" {
			update.ErrorMessage = msg
		}
	}

	return p.storage.UpdateJobStatus(ctx, update)
}

func (p *LookupProcessor) writeFile(name string, data []byte) (string, error) {
	if err := os.MkdirAll(p.config.OutputDir, 0o755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}
	path := filepath.Join(p.config.OutputDir, name)
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	return path, nil
}

func certificateFilename(req *LookupRequest, ext string) string {
	if req.JobID == "" {
		return safeFilename(req.Cedula) + ext
	}
	return safeFilename(req.Cedula + "_" + req.JobID) + ext
}

// safeFilename keeps letters, digits, '-' and '_'; anything else becomes '_'.
func safeFilename(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, name)
}

// requestMeta stringifies caller metadata for the certificate record. Maps and
// slices are stored as JSON.
func requestMeta(md map[string]interface{}) map[string]string {
	out := make(map[string]string, len(md)+2)
	for k, v := range md {
		switch val := v.(type) {
		case nil:
			continue
		case string:
			out[k] = val
		case map[string]interface{}, []interface{}:
			data, err := json.Marshal(val)
			if err != nil {
				continue
			}
			out[k] = string(data)
		default:
			out[k] = fmt.Sprint(val)
		}
	}
	return out
}

// certificateDocument is the JSON written next to the PDF: extracted fields
// plus a nested _meta object.
func certificateDocument(r *LookupResult) map[string]interface{} {
	doc := make(map[string]interface{}, len(r.Fields)+1)
	for k, v := range r.Fields {
		doc[k] = v
	}
	doc["_meta"] = r.Meta
	return doc
}
