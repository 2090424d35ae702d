/**
 * Storage Manager for the certificate lookup worker
 *
 * Picks the relational backend from the database URL (PostgreSQL for the
 * deployed worker, SQLite for local runs) and owns ID assignment and JSON
 * sanitation so both backends store identical records.
 */

package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a job or certificate does not exist.
var ErrNotFound = errors.New("not found")

// Drivers understood by NewStorageManager.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// JobUpdate represents a job status update
type JobUpdate struct {
	JobID             string
	Cedula            string
	Status            string
	Attempts          int
	CaptchaConfidence float64 // 0..1
	ProcessingTimeMs  int64
	CertificateID     string
	ErrorCode         string
	ErrorMessage      string
	Metadata          map[string]interface{}
}

// Job is the stored state of a lookup job.
type Job struct {
	ID                string                 `json:"id"`
	Cedula            string                 `json:"cedula,omitempty"`
	Status            string                 `json:"status"`
	Attempts          int                    `json:"attempts"`
	CaptchaConfidence float64                `json:"captchaConfidence,omitempty"`
	ProcessingTimeMs  int64                  `json:"processingTimeMs,omitempty"`
	CertificateID     string                 `json:"certificateId,omitempty"`
	ErrorCode         string                 `json:"errorCode,omitempty"`
	ErrorMessage      string                 `json:"errorMessage,omitempty"`
	Metadata          map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt         time.Time              `json:"createdAt"`
	UpdatedAt         time.Time              `json:"updatedAt"`
}

// CertificateRecord is one extracted certificate.
type CertificateRecord struct {
	ID            string            `json:"id"`
	JobID         string            `json:"jobId"`
	Cedula        string            `json:"cedula"`
	Fields        map[string]string `json:"fields"`
	CaptchaTokens []string          `json:"captchaTokens"`
	PDFSHA256     string            `json:"pdfSha256,omitempty"`
	PDFPath       string            `json:"pdfPath,omitempty"`
	ArchiveID     string            `json:"archiveId,omitempty"`
	Pages         int               `json:"pages,omitempty"`
	CreatedAt     time.Time         `json:"createdAt"`
}

// backend is implemented by PostgresClient and SQLiteClient.
type backend interface {
	UpdateJobStatus(ctx context.Context, update *JobUpdate) error
	GetJobByID(ctx context.Context, jobID string) (*Job, error)
	InsertCertificate(ctx context.Context, rec *CertificateRecord, fieldsJSON []byte) error
	GetCertificate(ctx context.Context, id string) (*CertificateRecord, error)
	LatestCertificate(ctx context.Context, cedula string) (*CertificateRecord, error)
	Ping(ctx context.Context) error
	Close() error
	GetStats() sql.DBStats
}

// StorageManager fronts the configured backend
type StorageManager struct {
	backend backend
	driver  string
}

// NewStorageManager opens the backend named by databaseURL:
// postgres:// or postgresql:// for PostgreSQL; sqlite://path, file:path,
// :memory: or a *.db path for SQLite.
func NewStorageManager(databaseURL string) (*StorageManager, error) {
	driver, dsn, err := ParseDatabaseURL(databaseURL)
	if err != nil {
		return nil, err
	}

	var b backend
	switch driver {
	case DriverPostgres:
		b, err = NewPostgresClient(dsn)
	case DriverSQLite:
		b, err = NewSQLiteClient(dsn)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to initialize %s storage: %w", driver, err)
	}

	return &StorageManager{backend: b, driver: driver}, nil
}

// ParseDatabaseURL splits a database URL into driver name and DSN.
func ParseDatabaseURL(databaseURL string) (driver, dsn string, err error) {
	u := strings.TrimSpace(databaseURL)
	switch {
	case u == "":
		return "", "", fmt.Errorf("database URL is required")
	case strings.HasPrefix(u, "postgres://"), strings.HasPrefix(u, "postgresql://"):
		return DriverPostgres, u, nil
	case strings.HasPrefix(u, "sqlite://"):
		return DriverSQLite, strings.TrimPrefix(u, "sqlite://"), nil
	case strings.HasPrefix(u, "file:"), u == ":memory:", strings.HasSuffix(u, ".db"), strings.HasSuffix(u, ".sqlite"):
		return DriverSQLite, u, nil
	default:
		return "", "", fmt.Errorf("unsupported database URL %q", databaseURL)
	}
}

// Driver reports the active backend.
func (sm *StorageManager) Driver() string {
	return sm.driver
}

// SaveCertificate assigns an ID and stores rec.
func (sm *StorageManager) SaveCertificate(ctx context.Context, rec *CertificateRecord) (string, error) {
	if rec == nil {
		return "", fmt.Errorf("certificate record is required")
	}
	if rec.JobID == "" {
		return "", fmt.Errorf("job ID is required")
	}
	if rec.Cedula == "" {
		return "", fmt.Errorf("cedula is required")
	}

	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if rec.CaptchaTokens == nil {
		rec.CaptchaTokens = []string{}
	}
	if rec.Fields == nil {
		rec.Fields = map[string]string{}
	}

	fieldsJSON, err := marshalJSON(rec.Fields)
	if err != nil {
		return "", fmt.Errorf("failed to marshal fields: %w", err)
	}

	if err := sm.backend.InsertCertificate(ctx, rec, fieldsJSON); err != nil {
		return "", fmt.Errorf("failed to store certificate: %w", err)
	}
	return rec.ID, nil
}

// GetCertificate loads a certificate by ID.
func (sm *StorageManager) GetCertificate(ctx context.Context, id string) (*CertificateRecord, error) {
	if id == "" {
		return nil, fmt.Errorf("certificate ID is required")
	}
	return sm.backend.GetCertificate(ctx, id)
}

// LatestCertificate returns the newest certificate stored for cedula.
func (sm *StorageManager) LatestCertificate(ctx context.Context, cedula string) (*CertificateRecord, error) {
	if cedula == "" {
		return nil, fmt.Errorf("cedula is required")
	}
	return sm.backend.LatestCertificate(ctx, cedula)
}

// UpdateJobStatus upserts job state
func (sm *StorageManager) UpdateJobStatus(ctx context.Context, update *JobUpdate) error {
	if update == nil || update.JobID == "" {
		return fmt.Errorf("job ID is required")
	}
	if update.Status == "" {
		return fmt.Errorf("status is required")
	}
	return sm.backend.UpdateJobStatus(ctx, update)
}

// GetJobByID retrieves job by ID
func (sm *StorageManager) GetJobByID(ctx context.Context, jobID string) (*Job, error) {
	if jobID == "" {
		return nil, fmt.Errorf("job ID is required")
	}
	return sm.backend.GetJobByID(ctx, jobID)
}

// Ping checks database connectivity
func (sm *StorageManager) Ping(ctx context.Context) error {
	return sm.backend.Ping(ctx)
}

// GetStats returns connection pool statistics
func (sm *StorageManager) GetStats() map[string]interface{} {
	st := sm.backend.GetStats()
	return map[string]interface{}{
		"driver":               sm.driver,
		"max_open_connections": st.MaxOpenConnections,
		"open_connections":     st.OpenConnections,
		"in_use":               st.InUse,
		"idle":                 st.Idle,
		"wait_count":           st.WaitCount,
		"wait_duration":        st.WaitDuration.String(),
	}
}

// Close closes the backend
func (sm *StorageManager) Close() error {
	if sm.backend == nil {
		return nil
	}
	return sm.backend.Close()
}

// sanitizeConfidence clamps confidence to [0, 1] and rounds it to 4 decimals
// so it fits NUMERIC(5,4).
func sanitizeConfidence(confidence float64) float64 {
	if confidence < 0.0 {
		return 0.0
	}
	if confidence > 1.0 {
		return 1.0
	}
	return float64(int(confidence*10000+0.5)) / 10000
}

var (
	nullEscape    = regexp.MustCompile(`\\u0000`)
	controlEscape = regexp.MustCompile(`\\u00[01][0-9a-fA-F]`)
)

// sanitizeJSONForPostgres strips \u0000 escapes, which JSONB rejects, and
// blanks other control-character escapes. PDF text extraction produces both.
func sanitizeJSONForPostgres(jsonBytes []byte) []byte {
	result := nullEscape.ReplaceAll(jsonBytes, []byte{})
	return controlEscape.ReplaceAll(result, []byte(" "))
}

// marshalJSON encodes v for a JSON column.
func marshalJSON(v interface{}) ([]byte, error) {
	if v == nil {
		return []byte("{}"), nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return sanitizeJSONForPostgres(data), nil
}
