package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMemoryStorage(t *testing.T) *StorageManager {
	t.Helper()
	sm, err := NewStorageManager(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sm.Close() })
	return sm
}

func TestParseDatabaseURL(t *testing.T) {
	tests := []struct {
		in     string
		driver string
		dsn    string
	}{
		{"postgres://u:p@localhost/db", DriverPostgres, "postgres://u:p@localhost/db"},
		{"postgresql://localhost/db?sslmode=disable", DriverPostgres, "postgresql://localhost/db?sslmode=disable"},
		{"sqlite://vigencia.db", DriverSQLite, "vigencia.db"},
		{"sqlite:///var/lib/vigencia.db", DriverSQLite, "/var/lib/vigencia.db"},
		{":memory:", DriverSQLite, ":memory:"},
		{"data/jobs.db", DriverSQLite, "data/jobs.db"},
		{"file:jobs.sqlite", DriverSQLite, "file:jobs.sqlite"},
	}
	for _, tt := range tests {
		driver, dsn, err := ParseDatabaseURL(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.driver, driver, tt.in)
		assert.Equal(t, tt.dsn, dsn, tt.in)
	}

	_, _, err := ParseDatabaseURL("")
	assert.Error(t, err)
	_, _, err = ParseDatabaseURL("mysql://localhost/db")
	assert.Error(t, err)
}

func TestSanitizeConfidence(t *testing.T) {
	assert.Equal(t, 0.0, sanitizeConfidence(-0.5))
	assert.Equal(t, 1.0, sanitizeConfidence(1.7))
	assert.Equal(t, 0.8123, sanitizeConfidence(0.81234))
	assert.Equal(t, 0.8124, sanitizeConfidence(0.81236))
}

func TestSanitizeJSONForPostgres(t *testing.T) {
	in := []byte(`{"a":"x\u0000y","b":"c\u0007d"}`)
	assert.Equal(t, `{"a":"xy","b":"c d"}`, string(sanitizeJSONForPostgres(in)))
}

func TestMarshalJSONNil(t *testing.T) {
	data, err := marshalJSON(nil)
	require.NoError(t, err)
	assert.Equal(t, "{}", string(data))
}

func TestCertificateRoundTripSQLite(t *testing.T) {
	sm := newMemoryStorage(t)
	ctx := context.Background()
	assert.Equal(t, DriverSQLite, sm.Driver())

	rec := &CertificateRecord{
		JobID:  "job-1",
		Cedula: "1020304050",
		Fields: map[string]string{
			"estado_vigencia":       "Vigente",
			"_meta.cedula_consulta": "1020304050",
		},
		CaptchaTokens: []string{"X7K2P", "AB12Q"},
		PDFSHA256:     "deadbeef",
		PDFPath:       "salida/1020304050.pdf",
		Pages:         1,
	}
	id, err := sm.SaveCertificate(ctx, rec)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	got, err := sm.GetCertificate(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, rec.Fields, got.Fields)
	assert.Equal(t, rec.CaptchaTokens, got.CaptchaTokens)
	assert.Equal(t, "deadbeef", got.PDFSHA256)
	assert.Equal(t, "", got.ArchiveID)
	assert.Equal(t, 1, got.Pages)
	assert.WithinDuration(t, rec.CreatedAt, got.CreatedAt, time.Millisecond)
}

func TestLatestCertificate(t *testing.T) {
	sm := newMemoryStorage(t)
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	for i, estado := range []string{"Vigente", "Cancelada por Muerte"} {
		_, err := sm.SaveCertificate(ctx, &CertificateRecord{
			JobID:     "job",
			Cedula:    "555",
			Fields:    map[string]string{"estado_vigencia": estado},
			CreatedAt: base.Add(time.Duration(i) * time.Hour),
		})
		require.NoError(t, err)
	}

	got, err := sm.LatestCertificate(ctx, "555")
	require.NoError(t, err)
	assert.Equal(t, "Cancelada por Muerte", got.Fields["estado_vigencia"])

	_, err = sm.LatestCertificate(ctx, "999")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSaveCertificateValidation(t *testing.T) {
	sm := newMemoryStorage(t)
	ctx := context.Background()

	_, err := sm.SaveCertificate(ctx, nil)
	assert.Error(t, err)
	_, err = sm.SaveCertificate(ctx, &CertificateRecord{Cedula: "1"})
	assert.Error(t, err)
	_, err = sm.SaveCertificate(ctx, &CertificateRecord{JobID: "j"})
	assert.Error(t, err)
}

func TestJobStatusUpsert(t *testing.T) {
	sm := newMemoryStorage(t)
	ctx := context.Background()

	require.NoError(t, sm.UpdateJobStatus(ctx, &JobUpdate{
		JobID:    "job-42",
		Cedula:   "1020304050",
		Status:   "processing",
		Attempts: 1,
		Metadata: map[string]interface{}{"source": "cli"},
	}))
	require.NoError(t, sm.UpdateJobStatus(ctx, &JobUpdate{
		JobID:             "job-42",
		Status:            "completed",
		Attempts:          3,
		CaptchaConfidence: 0.91237,
		ProcessingTimeMs:  4200,
		CertificateID:     "cert-1",
		Metadata:          map[string]interface{}{"pages": 1},
	}))

	job, err := sm.GetJobByID(ctx, "job-42")
	require.NoError(t, err)
	assert.Equal(t, "completed", job.Status)
	assert.Equal(t, "1020304050", job.Cedula)
	assert.Equal(t, 3, job.Attempts)
	assert.InDelta(t, 0.9124, job.CaptchaConfidence, 1e-9)
	assert.Equal(t, int64(4200), job.ProcessingTimeMs)
	assert.Equal(t, "cert-1", job.CertificateID)
	assert.Equal(t, "cli", job.Metadata["source"])
	assert.EqualValues(t, 1, job.Metadata["pages"])
	assert.False(t, job.CreatedAt.IsZero())
	assert.Empty(t, job.ErrorCode)
}

func TestJobStatusFailureReplacesError(t *testing.T) {
	sm := newMemoryStorage(t)
	ctx := context.Background()

	require.NoError(t, sm.UpdateJobStatus(ctx, &JobUpdate{
		JobID: "job-7", Status: "failed", Attempts: 5,
		ErrorCode: "ATTEMPTS_EXHAUSTED", ErrorMessage: "no certificate after 5 attempts",
	}))
	job, err := sm.GetJobByID(ctx, "job-7")
	require.NoError(t, err)
	assert.Equal(t, "ATTEMPTS_EXHAUSTED", job.ErrorCode)

	require.NoError(t, sm.UpdateJobStatus(ctx, &JobUpdate{JobID: "job-7", Status: "processing"}))
	job, err = sm.GetJobByID(ctx, "job-7")
	require.NoError(t, err)
	assert.Equal(t, "processing", job.Status)
	assert.Empty(t, job.ErrorCode)
	assert.Equal(t, 5, job.Attempts)
}

func TestGetJobNotFound(t *testing.T) {
	sm := newMemoryStorage(t)
	_, err := sm.GetJobByID(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.Error(t, sm.UpdateJobStatus(context.Background(), &JobUpdate{JobID: "x"}))
}

func TestSQLiteFileCreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "vigencia.db")
	sm, err := NewStorageManager("sqlite://" + path)
	require.NoError(t, err)
	defer sm.Close()

	require.NoError(t, sm.Ping(context.Background()))
	_, err = os.Stat(path)
	assert.NoError(t, err)
	assert.Equal(t, DriverSQLite, sm.GetStats()["driver"])
}

func TestPostgresRoundTrip(t *testing.T) {
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	sm, err := NewStorageManager(dsn)
	require.NoError(t, err)
	defer sm.Close()
	ctx := context.Background()

	id, err := sm.SaveCertificate(ctx, &CertificateRecord{
		JobID:         "pg-job",
		Cedula:        "1020304050",
		Fields:        map[string]string{"estado_vigencia": "Vigente"},
		CaptchaTokens: []string{"AB12"},
	})
	require.NoError(t, err)

	got, err := sm.GetCertificate(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []string{"AB12"}, got.CaptchaTokens)
	assert.Equal(t, "Vigente", got.Fields["estado_vigencia"])
}
