package errors

import (
	stderrors "errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsMatchesOnCode(t *testing.T) {
	err := fmt.Errorf("attempt 2: %w", NewSubmissionRejectedError("text/html", 200))

	assert.True(t, stderrors.Is(err, SubmissionRejected))
	assert.False(t, stderrors.Is(err, RecognitionUnavailable))
	assert.Equal(t, ErrorSubmissionRejected, CodeOf(err))
}

func TestCodeOfPlainError(t *testing.T) {
	assert.Equal(t, ErrorCode(""), CodeOf(stderrors.New("boom")))
	assert.Equal(t, ErrorCode(""), CodeOf(nil))
}

func TestUnwrapKeepsCause(t *testing.T) {
	cause := stderrors.New("tesseract: no such file")
	err := NewRecognitionUnavailableError("tesseract", cause)

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "RECOGNITION_UNAVAILABLE")
	assert.Contains(t, err.Error(), "caused by")
}

func TestToMap(t *testing.T) {
	err := NewProcessingTimeoutError("job-1", 30*time.Second, stderrors.New("deadline"))
	m := err.ToMap()

	require.Equal(t, "PROCESSING_TIMEOUT", m["error_code"])
	assert.Equal(t, "job-1", m["job_id"])
	assert.Equal(t, "30s", m["timeout_duration"])
	assert.Equal(t, "deadline", m["cause"])
}

func TestWithJobCopies(t *testing.T) {
	base := NewLowConfidenceError("AB12", 41.5, 60)
	tagged := base.WithJob("job-9")

	assert.Equal(t, "", base.JobID)
	assert.Equal(t, "job-9", tagged.JobID)
	assert.True(t, stderrors.Is(tagged, LowConfidence))
}
