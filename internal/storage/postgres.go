/**
 * PostgreSQL Client for the certificate lookup worker
 *
 * Handles job persistence and certificate storage.
 */

package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

const postgresSchema = `
	CREATE SCHEMA IF NOT EXISTS vigencia;

	CREATE TABLE IF NOT EXISTS vigencia.lookup_jobs (
		id                 TEXT PRIMARY KEY,
		cedula             TEXT,
		status             TEXT NOT NULL,
		attempts           INTEGER NOT NULL DEFAULT 0,
		captcha_confidence NUMERIC(5,4),
		processing_time_ms BIGINT,
		certificate_id     UUID,
		error_code         TEXT,
		error_message      TEXT,
		metadata           JSONB NOT NULL DEFAULT '{}'::jsonb,
		created_at         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at         TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS vigencia.certificates (
		id             UUID PRIMARY KEY,
		job_id         TEXT NOT NULL,
		cedula         TEXT NOT NULL,
		fields         JSONB NOT NULL,
		captcha_tokens TEXT[] NOT NULL DEFAULT '{}',
		pdf_sha256     TEXT,
		pdf_path       TEXT,
		archive_id     TEXT,
		pages          INTEGER,
		created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS certificates_cedula_created_idx
		ON vigencia.certificates (cedula, created_at DESC);
`

// PostgresClient handles database operations
type PostgresClient struct {
	db *sql.DB
}

// NewPostgresClient creates a new PostgreSQL client and ensures the schema
func NewPostgresClient(databaseURL string) (*PostgresClient, error) {
	if databaseURL == "" {
		return nil, fmt.Errorf("database URL is required")
	}

	// Connect to database
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(2 * time.Minute)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.ExecContext(ctx, postgresSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ensure schema: %w", err)
	}

	return &PostgresClient{db: db}, nil
}

// UpdateJobStatus upserts job status. Zero values in update keep the stored
// value, except error fields which are always replaced.
func (p *PostgresClient) UpdateJobStatus(ctx context.Context, update *JobUpdate) error {
	metadataJSON, err := marshalJSON(update.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	confidence := sanitizeConfidence(update.CaptchaConfidence)

	query := `
		INSERT INTO vigencia.lookup_jobs (
			id, cedula, status, attempts, captcha_confidence, processing_time_ms,
			certificate_id, error_code, error_message, metadata, created_at, updated_at
		) VALUES (
			$1, NULLIF($2, ''), $3, $4, NULLIF($5::NUMERIC(5,4), 0), NULLIF($6, 0),
			CASE WHEN $7 = '' THEN NULL ELSE $7::uuid END,
			NULLIF($8, ''), NULLIF($9, ''), COALESCE($10::jsonb, '{}'::jsonb),
			NOW(), NOW()
		)
		ON CONFLICT (id) DO UPDATE SET
			cedula = COALESCE(EXCLUDED.cedula, vigencia.lookup_jobs.cedula),
			status = EXCLUDED.status,
			attempts = GREATEST(EXCLUDED.attempts, vigencia.lookup_jobs.attempts),
			captcha_confidence = COALESCE(EXCLUDED.captcha_confidence, vigencia.lookup_jobs.captcha_confidence),
			processing_time_ms = COALESCE(EXCLUDED.processing_time_ms, vigencia.lookup_jobs.processing_time_ms),
			certificate_id = COALESCE(EXCLUDED.certificate_id, vigencia.lookup_jobs.certificate_id),
			error_code = EXCLUDED.error_code,
			error_message = EXCLUDED.error_message,
			metadata = vigencia.lookup_jobs.metadata || EXCLUDED.metadata,
			updated_at = NOW()
		RETURNING id
	`

	var returnedID string
	err = p.db.QueryRowContext(
		ctx,
		query,
		update.JobID,            // $1
		update.Cedula,           // $2
		update.Status,           // $3
		update.Attempts,         // $4
		confidence,              // $5
		update.ProcessingTimeMs, // $6
		update.CertificateID,    // $7
		update.ErrorCode,        // $8
		update.ErrorMessage,     // $9
		string(metadataJSON),    // $10
	).Scan(&returnedID)

	if err != nil {
		return fmt.Errorf("failed to update job status (job=%s, status=%s): %w",
			update.JobID, update.Status, err)
	}

	return nil
}

// GetJobByID retrieves a job by ID
func (p *PostgresClient) GetJobByID(ctx context.Context, jobID string) (*Job, error) {
	query := `
		SELECT id, cedula, status, attempts, captcha_confidence, processing_time_ms,
			certificate_id, error_code, error_message, metadata, created_at, updated_at
		FROM vigencia.lookup_jobs
		WHERE id = $1
	`

	var (
		job                                    Job
		cedula, certificateID                  sql.NullString
		errorCode, errorMessage                sql.NullString
		confidence                             sql.NullFloat64
		processingTimeMs                       sql.NullInt64
		metadataJSON                           []byte
	)

	err := p.db.QueryRowContext(ctx, query, jobID).Scan(
		&job.ID, &cedula, &job.Status, &job.Attempts, &confidence, &processingTimeMs,
		&certificateID, &errorCode, &errorMessage, &metadataJSON, &job.CreatedAt, &job.UpdatedAt,
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

	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &job.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}

	return &job, nil
}

// InsertCertificate stores a certificate row
func (p *PostgresClient) InsertCertificate(ctx context.Context, rec *CertificateRecord, fieldsJSON []byte) error {
	query := `
		INSERT INTO vigencia.certificates (
			id, job_id, cedula, fields, captcha_tokens,
			pdf_sha256, pdf_path, archive_id, pages, created_at
		) VALUES ($1::uuid, $2, $3, $4::jsonb, $5, NULLIF($6, ''), NULLIF($7, ''), NULLIF($8, ''), NULLIF($9, 0), $10)
	`

	_, err := p.db.ExecContext(ctx, query,
		rec.ID,
		rec.JobID,
		rec.Cedula,
		string(fieldsJSON),
		pq.Array(rec.CaptchaTokens),
		rec.PDFSHA256,
		rec.PDFPath,
		rec.ArchiveID,
		rec.Pages,
		rec.CreatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return fmt.Errorf("certificate %s already stored: %w", rec.ID, err)
		}
		return err
	}
	return nil
}

const certificateColumns = `
	id, job_id, cedula, fields, captcha_tokens,
	COALESCE(pdf_sha256, ''), COALESCE(pdf_path, ''), COALESCE(archive_id, ''),
	COALESCE(pages, 0), created_at
`

// GetCertificate retrieves a certificate by ID
func (p *PostgresClient) GetCertificate(ctx context.Context, id string) (*CertificateRecord, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+certificateColumns+` FROM vigencia.certificates WHERE id = $1::uuid`, id)
	return scanPostgresCertificate(row, id)
}

// LatestCertificate retrieves the newest certificate for a cedula
func (p *PostgresClient) LatestCertificate(ctx context.Context, cedula string) (*CertificateRecord, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+certificateColumns+` FROM vigencia.certificates WHERE cedula = $1 ORDER BY created_at DESC LIMIT 1`, cedula)
	return scanPostgresCertificate(row, cedula)
}

func scanPostgresCertificate(row *sql.Row, key string) (*CertificateRecord, error) {
	var (
		rec        CertificateRecord
		fieldsJSON []byte
		tokens     pq.StringArray
	)
	err := row.Scan(&rec.ID, &rec.JobID, &rec.Cedula, &fieldsJSON, &tokens,
		&rec.PDFSHA256, &rec.PDFPath, &rec.ArchiveID, &rec.Pages, &rec.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("certificate %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get certificate: %w", err)
	}
	if err := json.Unmarshal(fieldsJSON, &rec.Fields); err != nil {
		return nil, fmt.Errorf("failed to unmarshal fields: %w", err)
	}
	rec.CaptchaTokens = []string(tokens)
	return &rec, nil
}

// Ping checks database connectivity
func (p *PostgresClient) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// Close closes the database connection
func (p *PostgresClient) Close() error {
	if p.db != nil {
		return p.db.Close()
	}
	return nil
}

// GetStats returns connection pool statistics
func (p *PostgresClient) GetStats() sql.DBStats {
	return p.db.Stats()
}
