package processor

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adverant/nexus/vigencia-worker/internal/captcha"
	"github.com/adverant/nexus/vigencia-worker/internal/clients"
	"github.com/adverant/nexus/vigencia-worker/internal/document/pdftest"
	apperrors "github.com/adverant/nexus/vigencia-worker/internal/errors"
	"github.com/adverant/nexus/vigencia-worker/internal/fields"
	"github.com/adverant/nexus/vigencia-worker/internal/logging"
	"github.com/adverant/nexus/vigencia-worker/internal/registry"
	"github.com/adverant/nexus/vigencia-worker/internal/storage"
)

const captchaID = "datos_contentplaceholder1_captcha1_CaptchaImage"

const lookupPage = `<html><body>
<form method="post" action="./Datos.aspx">
<input type="hidden" name="__VIEWSTATE" id="__VIEWSTATE" value="vs" />
<input type="hidden" name="__EVENTVALIDATION" id="__EVENTVALIDATION" value="ev" />
<input name="ctl00$ContentPlaceHolder1$TextBox1" type="text" id="ContentPlaceHolder1_TextBox1" />
<img id="datos_contentplaceholder1_captcha1_CaptchaImage" src="/CaptchaImage.axd" />
<input name="ctl00$ContentPlaceHolder1$TextBox2" type="text" id="ContentPlaceHolder1_TextBox2" />
</form></body></html>`

var certificateLines = []string{
	"REGISTRADURIA NACIONAL DEL ESTADO CIVIL",
	"Cedula de Ciudadania 1020304050",
	"Fecha de expedicion: 05/03/2011",
	"Estado: Vigente",
}

type fakeSite struct {
	server    *httptest.Server
	answer    string
	forms     int64
	submitted int64
}

func newFakeSite(t *testing.T, answer string) *fakeSite {
	t.Helper()
	site := &fakeSite{answer: answer}
	mux := http.NewServeMux()
	mux.HandleFunc("/Datos.aspx", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			atomic.AddInt64(&site.forms, 1)
			fmt.Fprint(w, lookupPage)
			return
		}
		atomic.AddInt64(&site.submitted, 1)
		_ = r.ParseForm()
		if r.PostForm.Get("ctl00$ContentPlaceHolder1$TextBox2") != site.answer {
			w.Header().Set("Content-Type", "text/html")
			fmt.Fprint(w, lookupPage)
			return
		}
		w.Header().Set("Content-Type", "application/pdf")
		_, _ = w.Write(pdftest.Build(certificateLines))
	})
	mux.HandleFunc("/CaptchaImage.axd", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("captcha-bytes"))
	})
	site.server = httptest.NewServer(mux)
	t.Cleanup(site.server.Close)
	return site
}

type scriptedSolver struct {
	mu     sync.Mutex
	tokens []captcha.Token
	errs   []error
	calls  int
}

func (s *scriptedSolver) Solve(ctx context.Context, data []byte) (captcha.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.calls
	s.calls++
	if i < len(s.errs) && s.errs[i] != nil {
		return captcha.Token{}, s.errs[i]
	}
	if i >= len(s.tokens) {
		i = len(s.tokens) - 1
	}
	return s.tokens[i], nil
}

type recordingStore struct {
	mu      sync.Mutex
	updates []*storage.JobUpdate
	saved   []*storage.CertificateRecord
}

func (s *recordingStore) SaveCertificate(ctx context.Context, rec *storage.CertificateRecord) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved = append(s.saved, rec)
	return fmt.Sprintf("cert-%d", len(s.saved)), nil
}

func (s *recordingStore) UpdateJobStatus(ctx context.Context, update *storage.JobUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates = append(s.updates, update)
	return nil
}

func tok(text string, conf float64) captcha.Token {
	return captcha.Token{Text: text, Confidence: conf, HasConfidence: true}
}

func newProcessor(t *testing.T, site *fakeSite, solver CaptchaSolver, mutate func(*ProcessorConfig)) *LookupProcessor {
	t.Helper()
	client, err := registry.NewClient(registry.Config{
		FormURL:          site.server.URL + "/Datos.aspx",
		CaptchaElementID: captchaID,
		Timeout:          5 * time.Second,
	}, nil)
	require.NoError(t, err)

	cfg := &ProcessorConfig{
		Site:        client,
		Solver:      solver,
		MaxAttempts: 5,
		Logger:      logging.Discard(),
	}
	if mutate != nil {
		mutate(cfg)
	}
	p, err := NewLookupProcessor(cfg)
	require.NoError(t, err)
	return p
}

func lookupRequest() *LookupRequest {
	return &LookupRequest{JobID: "job-1", Cedula: "1020304050", IssueDay: 5, IssueMonth: 3, IssueYear: 2011}
}

func TestProcessLookupRetriesUntilAccepted(t *testing.T) {
	site := newFakeSite(t, "AB12")
	solver := &scriptedSolver{tokens: []captcha.Token{tok("", 0), tok("WRONG", 40), tok("AB12", 88)}}

	sm, err := storage.NewStorageManager(":memory:")
	require.NoError(t, err)
	defer sm.Close()
	outDir := t.TempDir()

	p := newProcessor(t, site, solver, func(c *ProcessorConfig) {
		c.Storage = sm
		c.OutputDir = outDir
	})

	res, err := p.ProcessLookup(context.Background(), lookupRequest())
	require.NoError(t, err)

	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, []string{"WRONG", "AB12"}, res.CaptchaTokens)
	assert.InDelta(t, 0.88, res.CaptchaConfidence, 1e-9)
	assert.EqualValues(t, 3, atomic.LoadInt64(&site.forms))
	assert.EqualValues(t, 2, atomic.LoadInt64(&site.submitted))

	assert.Equal(t, "1020304050", res.Fields[fields.KeyDocumentNumber])
	assert.Equal(t, "05/03/2011", res.Fields[fields.KeyIssueDate])
	assert.Equal(t, "Vigente", res.Fields[fields.KeyStatus])
	assert.Equal(t, "1020304050", res.Meta["cedula_consulta"])
	assert.Equal(t, res.PDFPath, res.Meta["pdf_path"])
	assert.Equal(t, 1, res.Pages)
	assert.Len(t, res.PDFSHA256, 64)

	pdf, err := os.ReadFile(res.PDFPath)
	require.NoError(t, err)
	assert.Equal(t, "%PDF", string(pdf[:4]))

	raw, err := os.ReadFile(res.JSONPath)
	require.NoError(t, err)
	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &doc))
	assert.Equal(t, "Vigente", doc[fields.KeyStatus])
	meta, ok := doc["_meta"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "1020304050", meta["cedula_consulta"])

	rec, err := sm.GetCertificate(context.Background(), res.CertificateID)
	require.NoError(t, err)
	assert.Equal(t, "Vigente", rec.Fields[fields.KeyStatus])
	assert.Equal(t, "1020304050", rec.Fields["_meta.cedula_consulta"])
	assert.Equal(t, res.CaptchaTokens, rec.CaptchaTokens)

	job, err := sm.GetJobByID(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, job.Status)
	assert.Equal(t, 3, job.Attempts)
	assert.Equal(t, "1020304050", job.Cedula)
}

func TestProcessLookupMergesRequestMetadata(t *testing.T) {
	site := newFakeSite(t, "AB12")
	store := &recordingStore{}
	outDir := t.TempDir()
	p := newProcessor(t, site, &scriptedSolver{tokens: []captcha.Token{tok("AB12", 90)}}, func(c *ProcessorConfig) {
		c.Storage = store
		c.OutputDir = outDir
	})

	req := lookupRequest()
	req.Metadata = map[string]interface{}{
		"requested_by":    "audit-team",
		"priority":        2,
		"tags":            []interface{}{"kyc"},
		"cedula_consulta": "spoofed",
	}
	res, err := p.ProcessLookup(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, "audit-team", res.Meta["requested_by"])
	assert.Equal(t, "2", res.Meta["priority"])
	assert.Equal(t, `["kyc"]`, res.Meta["tags"])
	assert.Equal(t, "1020304050", res.Meta["cedula_consulta"])

	require.Len(t, store.saved, 1)
	saved := store.saved[0].Fields
	assert.Equal(t, "audit-team", saved["_meta.requested_by"])
	assert.Equal(t, "2", saved["_meta.priority"])
	assert.Equal(t, "1020304050", saved["_meta.cedula_consulta"])
	assert.Equal(t, res.PDFPath, saved["_meta.pdf_path"])

	raw, err := os.ReadFile(res.JSONPath)
	require.NoError(t, err)
	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &doc))
	meta, ok := doc["_meta"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "audit-team", meta["requested_by"])
}

func TestProcessLookupKeepsFilesInOutputDir(t *testing.T) {
	site := newFakeSite(t, "AB12")
	root := t.TempDir()
	outDir := filepath.Join(root, "out")
	p := newProcessor(t, site, &scriptedSolver{tokens: []captcha.Token{tok("AB12", 90)}}, func(c *ProcessorConfig) {
		c.OutputDir = outDir
	})

	req := lookupRequest()
	req.JobID = "x/../../escaped"
	res, err := p.ProcessLookup(context.Background(), req)
	require.NoError(t, err)

	absOut, err := filepath.Abs(outDir)
	require.NoError(t, err)
	for _, path := range []string{res.PDFPath, res.JSONPath} {
		assert.Equal(t, absOut, filepath.Dir(path))
		_, err := os.Stat(path)
		assert.NoError(t, err)
	}
	_, err = os.Stat(filepath.Join(root, "escaped.pdf"))
	assert.True(t, os.IsNotExist(err))
}

func TestCertificateFilename(t *testing.T) {
	req := &LookupRequest{Cedula: "1020304050", JobID: "job-7"}
	assert.Equal(t, "1020304050_job-7.pdf", certificateFilename(req, ".pdf"))

	req.JobID = `..\..\win/../x`
	name := certificateFilename(req, ".json")
	assert.False(t, strings.ContainsAny(name, `/\`))
	assert.NotContains(t, name, "..")
	assert.True(t, strings.HasSuffix(name, ".json"))

	assert.Equal(t, "1020304050.pdf", certificateFilename(&LookupRequest{Cedula: "1020304050"}, ".pdf"))
}

func TestProcessLookupExhaustsAttempts(t *testing.T) {
	site := newFakeSite(t, "AB12")
	solver := &scriptedSolver{tokens: []captcha.Token{tok("ZZZZ", 90)}}
	p := newProcessor(t, site, solver, func(c *ProcessorConfig) { c.MaxAttempts = 3 })

	_, err := p.ProcessLookup(context.Background(), lookupRequest())
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.AttemptsExhausted)
	assert.ErrorIs(t, err, apperrors.SubmissionRejected)
	assert.Equal(t, 3, solver.calls)
	assert.EqualValues(t, 3, atomic.LoadInt64(&site.submitted))
}

func TestProcessLookupLowConfidenceIsNotSubmitted(t *testing.T) {
	site := newFakeSite(t, "AB12")
	low := tok("AB12", 10)
	low.LowConfidence = true
	solver := &scriptedSolver{tokens: []captcha.Token{low}}
	p := newProcessor(t, site, solver, func(c *ProcessorConfig) { c.MaxAttempts = 2 })

	_, err := p.ProcessLookup(context.Background(), lookupRequest())
	assert.ErrorIs(t, err, apperrors.LowConfidence)
	assert.EqualValues(t, 0, atomic.LoadInt64(&site.submitted))
}

func TestProcessLookupFatalErrorsStopImmediately(t *testing.T) {
	fatal := []error{
		apperrors.NewInvalidImageError("not an image", nil),
		apperrors.NewRecognitionUnavailableError("tesseract", fmt.Errorf("missing tessdata")),
	}
	for _, fe := range fatal {
		site := newFakeSite(t, "AB12")
		solver := &scriptedSolver{tokens: []captcha.Token{tok("AB12", 90)}, errs: []error{fe}}
		p := newProcessor(t, site, solver, nil)

		_, err := p.ProcessLookup(context.Background(), lookupRequest())
		require.Error(t, err)
		assert.Equal(t, apperrors.CodeOf(fe), apperrors.CodeOf(err))
		assert.Equal(t, 1, solver.calls)
		assert.EqualValues(t, 0, atomic.LoadInt64(&site.submitted))
	}
}

func TestProcessLookupRejectsInvalidRequest(t *testing.T) {
	site := newFakeSite(t, "AB12")
	p := newProcessor(t, site, &scriptedSolver{tokens: []captcha.Token{tok("AB12", 90)}}, nil)

	req := lookupRequest()
	req.Cedula = "10-20"
	_, err := p.ProcessLookup(context.Background(), req)
	assert.Error(t, err)
	assert.EqualValues(t, 0, atomic.LoadInt64(&site.forms))
}

func TestProcessLookupHonoursCancelledContext(t *testing.T) {
	site := newFakeSite(t, "AB12")
	p := newProcessor(t, site, &scriptedSolver{tokens: []captcha.Token{tok("AB12", 90)}}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := p.ProcessLookup(ctx, lookupRequest())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestProcessLookupArchivesCertificate(t *testing.T) {
	var uploaded int64
	archive := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&uploaded, 1)
		if err := r.ParseMultipartForm(1 << 20); err != nil || r.FormValue("source_service") != sourceService {
			http.Error(w, "bad upload", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"success":true,"artifact":{"id":"art-9","storage_backend":"postgres_buffer"}}`)
	}))
	defer archive.Close()

	site := newFakeSite(t, "AB12")
	store := &recordingStore{}
	p := newProcessor(t, site, &scriptedSolver{tokens: []captcha.Token{tok("AB12", 90)}}, func(c *ProcessorConfig) {
		c.Storage = store
		c.Artifacts = clients.NewArtifactClient(archive.URL)
	})

	res, err := p.ProcessLookup(context.Background(), lookupRequest())
	require.NoError(t, err)
	assert.Equal(t, "art-9", res.ArchiveID)
	assert.Equal(t, "cert-1", res.CertificateID)
	assert.EqualValues(t, 1, atomic.LoadInt64(&uploaded))
	require.Len(t, store.saved, 1)
	assert.Equal(t, "art-9", store.saved[0].ArchiveID)
	assert.Empty(t, res.PDFPath)
}

func TestProcessLookupArchiveFailureIsNotFatal(t *testing.T) {
	archive := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer archive.Close()

	site := newFakeSite(t, "AB12")
	p := newProcessor(t, site, &scriptedSolver{tokens: []captcha.Token{tok("AB12", 90)}}, func(c *ProcessorConfig) {
		c.Artifacts = clients.NewArtifactClient(archive.URL)
	})

	res, err := p.ProcessLookup(context.Background(), lookupRequest())
	require.NoError(t, err)
	assert.Empty(t, res.ArchiveID)
	assert.Equal(t, "Vigente", res.Fields[fields.KeyStatus])
}

func TestUpdateJobStatusMapsMetadata(t *testing.T) {
	site := newFakeSite(t, "AB12")
	store := &recordingStore{}
	p := newProcessor(t, site, &scriptedSolver{tokens: []captcha.Token{tok("AB12", 90)}}, func(c *ProcessorConfig) {
		c.Storage = store
	})
	ctx := context.Background()

	require.NoError(t, p.UpdateJobStatus(ctx, "job-5", StatusCompleted, 100, map[string]interface{}{
		"captchaConfidence": 0.9,
		"processingTime":    int64(1234),
		"certificateId":     "cert-x",
		"attempts":          2,
	}))
	timeout := apperrors.NewProcessingTimeoutError("job-5", time.Minute, context.DeadlineExceeded)
	require.NoError(t, p.UpdateJobStatus(ctx, "job-5", StatusFailed, 100, timeout.ToMap()))
	require.NoError(t, p.UpdateJobStatus(ctx, "job-5", StatusFailed, 100, map[string]interface{}{"error": "boom"}))

	require.Len(t, store.updates, 3)
	done := store.updates[0]
	assert.Equal(t, 0.9, done.CaptchaConfidence)
	assert.Equal(t, int64(1234), done.ProcessingTimeMs)
	assert.Equal(t, "cert-x", done.CertificateID)
	assert.Equal(t, 2, done.Attempts)

	assert.Equal(t, "PROCESSING_TIMEOUT", store.updates[1].ErrorCode)
	assert.NotEmpty(t, store.updates[1].ErrorMessage)
	assert.Equal(t, "PROCESSING_ERROR", store.updates[2].ErrorCode)
	assert.Equal(t, "boom", store.updates[2].ErrorMessage)
}

func TestNewLookupProcessorValidation(t *testing.T) {
	_, err := NewLookupProcessor(nil)
	assert.Error(t, err)
	_, err = NewLookupProcessor(&ProcessorConfig{Solver: &scriptedSolver{}})
	assert.Error(t, err)
}
