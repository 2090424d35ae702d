package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/adverant/nexus/vigencia-worker/internal/errors"
	"github.com/adverant/nexus/vigencia-worker/internal/logging"
	"github.com/adverant/nexus/vigencia-worker/internal/processor"
)

// Default processing timeout: 3 minutes
const defaultProcessingTimeout = 180000

// LookupJob is the queued request for one certificate lookup.
type LookupJob struct {
	JobID    string                 `json:"jobId"`
	Cedula   string                 `json:"cedula"`
	Day      int                    `json:"day"`
	Month    int                    `json:"month"`
	Year     int                    `json:"year"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// UnmarshalJSON accepts the issue date either as day/month/year numbers
// (numbers or numeric strings) or as a single "issueDate" in DD/MM/YYYY.
func (j *LookupJob) UnmarshalJSON(data []byte) error {
	var aux struct {
		JobID     string                 `json:"jobId"`
		Cedula    json.RawMessage        `json:"cedula"`
		Day       json.RawMessage        `json:"day"`
		Month     json.RawMessage        `json:"month"`
		Year      json.RawMessage        `json:"year"`
		IssueDate string                 `json:"issueDate"`
		Metadata  map[string]interface{} `json:"metadata"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return fmt.Errorf("failed to unmarshal lookup job: %w", err)
	}

	j.JobID = aux.JobID
	j.Metadata = aux.Metadata

	cedula, err := looseString(aux.Cedula)
	if err != nil {
		return fmt.Errorf("cedula: %w", err)
	}
	j.Cedula = cedula

	if aux.IssueDate != "" {
		d, m, y, err := ParseIssueDate(aux.IssueDate)
		if err != nil {
			return err
		}
		j.Day, j.Month, j.Year = d, m, y
		return nil
	}

	for _, f := range []struct {
		name string
		raw  json.RawMessage
		dst  *int
	}{
		{"day", aux.Day, &j.Day},
		{"month", aux.Month, &j.Month},
		{"year", aux.Year, &j.Year},
	} {
		s, err := looseString(f.raw)
		if err != nil {
			return fmt.Errorf("%s: %w", f.name, err)
		}
		if s == "" {
			continue
		}
		n, err := strconv.Atoi(s)
		if err != nil {
			return fmt.Errorf("%s must be numeric, got %q", f.name, s)
		}
		*f.dst = n
	}
	return nil
}

// looseString reads a JSON string or number as text.
func looseString(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s), nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", fmt.Errorf("expected string or number, got %s", string(raw))
	}
	return n.String(), nil
}

// ParseIssueDate reads a D/M/YYYY issue date.
func ParseIssueDate(s string) (day, month, year int, err error) {
	t, err := time.Parse("2/1/2006", strings.TrimSpace(s))
	if err != nil {
		return 0, 0, 0, fmt.Errorf("issueDate must be DD/MM/YYYY, got %q", s)
	}
	return t.Day(), int(t.Month()), t.Year(), nil
}

// Normalize assigns a job ID when missing and validates the request.
func (j *LookupJob) Normalize() error {
	if j.JobID == "" {
		j.JobID = uuid.New().String()
	}
	if strings.ContainsAny(j.JobID, `/\`) || strings.Contains(j.JobID, "..") {
		return fmt.Errorf("invalid job ID %q", j.JobID)
	}
	return j.request().Validate()
}

func (j *LookupJob) request() *processor.LookupRequest {
	return &processor.LookupRequest{
		JobID:      j.JobID,
		Cedula:     j.Cedula,
		IssueDay:   j.Day,
		IssueMonth: j.Month,
		IssueYear:  j.Year,
		Metadata:   j.Metadata,
	}
}

// jobRunner runs one job against the processor under a timeout and records
// the terminal status. Both consumers share it.
type jobRunner struct {
	processor processor.LookupProcessorInterface
	timeout   time.Duration
	logger    *logging.Logger
}

func newJobRunner(p processor.LookupProcessorInterface, timeoutMs int64, logger *logging.Logger) *jobRunner {
	timeout := time.Duration(defaultProcessingTimeout) * time.Millisecond
	if timeoutMs > 0 {
		timeout = time.Duration(timeoutMs) * time.Millisecond
	}
	return &jobRunner{processor: p, timeout: timeout, logger: logger}
}

// run processes job. ctx bounds the whole call; status writes use statusCtx
// so a timed-out job still records its failure.
func (r *jobRunner) run(ctx, statusCtx context.Context, job *LookupJob) (*processor.LookupResult, error) {
	startTime := time.Now()
	log := r.logger.With("Job " + job.JobID)

	if err := r.processor.UpdateJobStatus(statusCtx, job.JobID, processor.StatusProcessing, 0, map[string]interface{}{
		"cedula": job.Cedula,
	}); err != nil {
		log.Warn("Failed to update status to processing", "error", err)
	}

	log.Info("Processing lookup", "cedula", job.Cedula, "timeout", r.timeout)

	processCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	result, err := r.processor.ProcessLookup(processCtx, job.request())
	duration := time.Since(startTime)

	if err != nil {
		if processCtx.Err() == context.DeadlineExceeded {
			log.Error("Processing timed out", "duration", duration, "timeout", r.timeout)

			timeoutErr := apperrors.NewProcessingTimeoutError(job.JobID, r.timeout, err)
			if updateErr := r.processor.UpdateJobStatus(statusCtx, job.JobID, processor.StatusFailed, 100, timeoutErr.ToMap()); updateErr != nil {
				log.Warn("Failed to update status to failed", "error", updateErr)
			}
			return nil, fmt.Errorf("processing timeout: %w", timeoutErr)
		}

		log.Error("Processing failed", "duration", duration, "error", err)
		failure := map[string]interface{}{
			"error":          err.Error(),
			"processingTime": duration.Milliseconds(),
		}
		if code := apperrors.CodeOf(err); code != "" {
			failure["error_code"] = string(code)
		}
		if updateErr := r.processor.UpdateJobStatus(statusCtx, job.JobID, processor.StatusFailed, 100, failure); updateErr != nil {
			log.Warn("Failed to update status to failed", "error", updateErr)
		}
		return nil, fmt.Errorf("lookup failed: %w", err)
	}

	log.Info("Processing completed",
		"duration", duration,
		"attempts", result.Attempts,
		"estado_vigencia", result.Fields["estado_vigencia"],
		"certificate_id", result.CertificateID)

	if err := r.processor.UpdateJobStatus(statusCtx, job.JobID, processor.StatusCompleted, 100, map[string]interface{}{
		"attempts":          result.Attempts,
		"captchaConfidence": result.CaptchaConfidence,
		"processingTime":    duration.Milliseconds(),
		"certificateId":     result.CertificateID,
	}); err != nil {
		log.Warn("Failed to update status to completed", "error", err)
	}

	return result, nil
}
