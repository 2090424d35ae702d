package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

// Fixed-width UTC layout so timestamps sort lexically.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z"

const sqliteSchema = `
	CREATE TABLE IF NOT EXISTS lookup_jobs (
		id                 TEXT PRIMARY KEY,
		cedula             TEXT,
		status             TEXT NOT NULL,
		attempts           INTEGER NOT NULL DEFAULT 0,
		captcha_confidence REAL,
		processing_time_ms INTEGER,
		certificate_id     TEXT,
		error_code         TEXT,
		error_message      TEXT,
		metadata           TEXT NOT NULL DEFAULT '{}',
		created_at         TEXT NOT NULL,
		updated_at         TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS certificates (
		id             TEXT PRIMARY KEY,
		job_id         TEXT NOT NULL,
		cedula         TEXT NOT NULL,
		fields         TEXT NOT NULL,
		captcha_tokens TEXT NOT NULL DEFAULT '[]',
		pdf_sha256     TEXT,
		pdf_path       TEXT,
		archive_id     TEXT,
		pages          INTEGER,
		created_at     TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS certificates_cedula_created_idx
		ON certificates (cedula, created_at DESC);
`

// SQLiteClient stores jobs and certificates in a local SQLite file.
type SQLiteClient struct {
	db   *sql.DB
	path string
}

// NewSQLiteClient opens (creating if needed) the database at path.
// ":memory:" gives a private in-memory database.
func NewSQLiteClient(path string) (*SQLiteClient, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	dsn := path
	inMemory := path == ":memory:" || strings.Contains(path, "mode=memory")
	if !inMemory {
		if dir := filepath.Dir(strings.TrimPrefix(path, "file:")); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("creating data directory: %w", err)
			}
		}
		sep := "?"
		if strings.Contains(path, "?") {
			sep = "&"
		}
		// WAL mode for concurrent readers
		dsn = path + sep + "_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// One writer; also keeps an in-memory database on a single connection.
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	return &SQLiteClient{db: db, path: path}, nil
}

// Path returns the database path.
func (s *SQLiteClient) Path() string {
	return s.path
}

// UpdateJobStatus upserts job status with the same merge rules as the
// PostgreSQL backend.
func (s *SQLiteClient) UpdateJobStatus(ctx context.Context, update *JobUpdate) error {
	metadataJSON, err := marshalJSON(update.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	now := formatSQLiteTime(time.Now())

	query := `
		INSERT INTO lookup_jobs (
			id, cedula, status, attempts, captcha_confidence, processing_time_ms,
			certificate_id, error_code, error_message, metadata, created_at, updated_at
		) VALUES (
			?, NULLIF(?, ''), ?, ?, NULLIF(?, 0), NULLIF(?, 0),
			NULLIF(?, ''), NULLIF(?, ''), NULLIF(?, ''), ?, ?, ?
		)
		ON CONFLICT (id) DO UPDATE SET
			cedula = COALESCE(excluded.cedula, lookup_jobs.cedula),
			status = excluded.status,
			attempts = MAX(excluded.attempts, lookup_jobs.attempts),
			captcha_confidence = COALESCE(excluded.captcha_confidence, lookup_jobs.captcha_confidence),
			processing_time_ms = COALESCE(excluded.processing_time_ms, lookup_jobs.processing_time_ms),
			certificate_id = COALESCE(excluded.certificate_id, lookup_jobs.certificate_id),
			error_code = excluded.error_code,
			error_message = excluded.error_message,
			metadata = json_patch(lookup_jobs.metadata, excluded.metadata),
			updated_at = excluded.updated_at
	`

	_, err = s.db.ExecContext(ctx, query,
		update.JobID,
		update.Cedula,
		update.Status,
		update.Attempts,
		sanitizeConfidence(update.CaptchaConfidence),
		update.ProcessingTimeMs,
		update.CertificateID,
		update.ErrorCode,
		update.ErrorMessage,
		string(metadataJSON),
		now,
		now,
	)
	if err != nil {
		return fmt.Errorf("failed to update job status (job=%s, status=%s): %w",
			update.JobID, update.Status, err)
	}
	return nil
}

// GetJobByID retrieves a job by ID
func (s *SQLiteClient) GetJobByID(ctx context.Context, jobID string) (*Job, error) {
	query := `
		SELECT id, cedula, status, attempts, captcha_confidence, processing_time_ms,
			certificate_id, error_code, error_message, metadata, created_at, updated_at
		FROM lookup_jobs
		WHERE id = ?
	`

	var (
		job                     Job
		cedula, certificateID   sql.NullString
		errorCode, errorMessage sql.NullString
		confidence              sql.NullFloat64
		processingTimeMs        sql.NullInt64
		metadataJSON            string
		createdAt, updatedAt    string
	)

	err := s.db.QueryRowContext(ctx, query, jobID).Scan(
		&job.ID, &cedula, &job.Status, &job.Attempts, &confidence, &processingTimeMs,
		&certificateID, &errorCode, &errorMessage, &metadataJSON, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job %s: %w", jobID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	job.Cedula = cedula.String
	job.CertificateID = certificateID.String
	job.ErrorCode = errorCode.String
	job.ErrorMessage = errorMessage.String
	job.CaptchaConfidence = confidence.Float64
	job.ProcessingTimeMs = processingTimeMs.Int64
	job.CreatedAt = parseSQLiteTime(createdAt)
	job.UpdatedAt = parseSQLiteTime(updatedAt)

	if metadataJSON != "" {
		if err := json.Unmarshal([]byte(metadataJSON), &job.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}
	return &job, nil
}

// InsertCertificate stores a certificate row
func (s *SQLiteClient) InsertCertificate(ctx context.Context, rec *CertificateRecord, fieldsJSON []byte) error {
	tokensJSON, err := json.Marshal(rec.CaptchaTokens)
	if err != nil {
		return fmt.Errorf("failed to marshal captcha tokens: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO certificates (
			id, job_id, cedula, fields, captcha_tokens,
			pdf_sha256, pdf_path, archive_id, pages, created_at
		) VALUES (?, ?, ?, ?, ?, NULLIF(?, ''), NULLIF(?, ''), NULLIF(?, ''), NULLIF(?, 0), ?)
	`,
		rec.ID,
		rec.JobID,
		rec.Cedula,
		string(fieldsJSON),
		string(tokensJSON),
		rec.PDFSHA256,
		rec.PDFPath,
		rec.ArchiveID,
		rec.Pages,
		formatSQLiteTime(rec.CreatedAt),
	)
	return err
}

const sqliteCertificateColumns = `
	id, job_id, cedula, fields, captcha_tokens,
	COALESCE(pdf_sha256, ''), COALESCE(pdf_path, ''), COALESCE(archive_id, ''),
	COALESCE(pages, 0), created_at
`

// GetCertificate retrieves a certificate by ID
func (s *SQLiteClient) GetCertificate(ctx context.Context, id string) (*CertificateRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteCertificateColumns+` FROM certificates WHERE id = ?`, id)
	return scanSQLiteCertificate(row, id)
}

// LatestCertificate retrieves the newest certificate for a cedula
func (s *SQLiteClient) LatestCertificate(ctx context.Context, cedula string) (*CertificateRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteCertificateColumns+` FROM certificates WHERE cedula = ? ORDER BY created_at DESC, rowid DESC LIMIT 1`, cedula)
	return scanSQLiteCertificate(row, cedula)
}

func scanSQLiteCertificate(row *sql.Row, key string) (*CertificateRecord, error) {
	var (
		rec                    CertificateRecord
		fieldsJSON, tokensJSON string
		createdAt              string
	)
	err := row.Scan(&rec.ID, &rec.JobID, &rec.Cedula, &fieldsJSON, &tokensJSON,
		&rec.PDFSHA256, &rec.PDFPath, &rec.ArchiveID, &rec.Pages, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("certificate %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get certificate: %w", err)
	}
	if err := json.Unmarshal([]byte(fieldsJSON), &rec.Fields); err != nil {
		return nil, fmt.Errorf("failed to unmarshal fields: %w", err)
	}
	if err := json.Unmarshal([]byte(tokensJSON), &rec.CaptchaTokens); err != nil {
		return nil, fmt.Errorf("failed to unmarshal captcha tokens: %w", err)
	}
	rec.CreatedAt = parseSQLiteTime(createdAt)
	return &rec, nil
}

// Ping checks database connectivity
func (s *SQLiteClient) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteClient) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// GetStats returns connection pool statistics
func (s *SQLiteClient) GetStats() sql.DBStats {
	return s.db.Stats()
}

func formatSQLiteTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeLayout)
}

func parseSQLiteTime(s string) time.Time {
	t, err := time.Parse(sqliteTimeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
