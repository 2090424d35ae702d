package errors

import (
	stderrors "errors"
	"fmt"
	"time"
)

/**
 * Custom error types for the certificate lookup worker
 *
 * Every failure that leaves a pipeline stage is a ProcessingError carrying a
 * stable code.
 */

// ErrorCode enum for structured error handling
type ErrorCode string

const (
	// Captcha pipeline errors
	ErrorInvalidImage           ErrorCode = "INVALID_IMAGE"
	ErrorRecognitionUnavailable ErrorCode = "RECOGNITION_UNAVAILABLE"
	ErrorLowConfidence          ErrorCode = "LOW_CONFIDENCE"

	// Registry site errors
	ErrorFormUnavailable    ErrorCode = "FORM_UNAVAILABLE"
	ErrorSubmissionRejected ErrorCode = "SUBMISSION_REJECTED"

	// Processing errors
	ErrorProcessingTimeout  ErrorCode = "PROCESSING_TIMEOUT"
	ErrorDocumentUnreadable ErrorCode = "DOCUMENT_UNREADABLE"
	ErrorAttemptsExhausted  ErrorCode = "ATTEMPTS_EXHAUSTED"

	// Storage errors
	ErrorStorageFailed ErrorCode = "STORAGE_FAILED"
)

// ProcessingError represents a structured processing error
type ProcessingError struct {
	Code      ErrorCode
	Message   string
	JobID     string
	Timestamp time.Time
	Details   map[string]interface{}
	Cause     error
}

func (e *ProcessingError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *ProcessingError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is a ProcessingError with the same code.
// A target without a code never matches.
func (e *ProcessingError) Is(target error) bool {
	t, ok := target.(*ProcessingError)
	if !ok || t.Code == "" {
		return false
	}
	return e.Code == t.Code
}

// Sentinel values for errors.Is comparisons.
var (
	InvalidImage           = &ProcessingError{Code: ErrorInvalidImage}
	RecognitionUnavailable = &ProcessingError{Code: ErrorRecognitionUnavailable}
	LowConfidence          = &ProcessingError{Code: ErrorLowConfidence}
	FormUnavailable        = &ProcessingError{Code: ErrorFormUnavailable}
	SubmissionRejected     = &ProcessingError{Code: ErrorSubmissionRejected}
	DocumentUnreadable     = &ProcessingError{Code: ErrorDocumentUnreadable}
	AttemptsExhausted      = &ProcessingError{Code: ErrorAttemptsExhausted}
	StorageFailed          = &ProcessingError{Code: ErrorStorageFailed}
)

// CodeOf returns the code of the first ProcessingError in err's chain, or "".
func CodeOf(err error) ErrorCode {
	var pe *ProcessingError
	if stderrors.As(err, &pe) {
		return pe.Code
	}
	return ""
}

// Factory functions for common errors

func NewInvalidImageError(reason string, details map[string]interface{}) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorInvalidImage,
		Message:   fmt.Sprintf("Invalid image: %s", reason),
		Timestamp: time.Now(),
		Details:   details,
	}
}

func NewRecognitionUnavailableError(engine string, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorRecognitionUnavailable,
		Message:   fmt.Sprintf("Recognition engine unavailable: %s", engine),
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"engine": engine,
		},
		Cause: cause,
	}
}

func NewLowConfidenceError(token string, confidence, threshold float64) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorLowConfidence,
		Message:   fmt.Sprintf("Recognized token confidence %.1f below %.1f", confidence, threshold),
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"token":      token,
			"confidence": confidence,
			"threshold":  threshold,
		},
	}
}

func NewFormUnavailableError(url string, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorFormUnavailable,
		Message:   fmt.Sprintf("Form page not usable: %s", url),
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"url": url,
		},
		Cause: cause,
	}
}

func NewSubmissionRejectedError(contentType string, status int) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorSubmissionRejected,
		Message:   "Submission did not return a certificate document",
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"content_type": contentType,
			"http_status":  status,
		},
	}
}

func NewProcessingTimeoutError(jobID string, duration time.Duration, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorProcessingTimeout,
		Message:   fmt.Sprintf("Processing timed out after %v", duration),
		JobID:     jobID,
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"timeout_duration": duration.String(),
		},
		Cause: cause,
	}
}

func NewDocumentUnreadableError(jobID string, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorDocumentUnreadable,
		Message:   "Certificate document could not be read",
		JobID:     jobID,
		Timestamp: time.Now(),
		Cause:     cause,
	}
}

func NewAttemptsExhaustedError(jobID string, attempts int, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorAttemptsExhausted,
		Message:   fmt.Sprintf("No certificate after %d attempts", attempts),
		JobID:     jobID,
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"attempts": attempts,
		},
		Cause: cause,
	}
}

func NewStorageFailedError(jobID string, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorStorageFailed,
		Message:   "Failed to store lookup results",
		JobID:     jobID,
		Timestamp: time.Now(),
		Cause:     cause,
	}
}

// WithJob returns a copy of e tagged with jobID.
func (e *ProcessingError) WithJob(jobID string) *ProcessingError {
	cp := *e
	cp.JobID = jobID
	return &cp
}

// ToMap converts error to map for database storage
func (e *ProcessingError) ToMap() map[string]interface{} {
	result := map[string]interface{}{
		"error_code": string(e.Code),
		"message":    e.Message,
		"timestamp":  e.Timestamp,
	}

	if e.JobID != "" {
		result["job_id"] = e.JobID
	}

	for k, v := range e.Details {
		result[k] = v
	}

	if e.Cause != nil {
		result["cause"] = e.Cause.Error()
	}

	return result
}
