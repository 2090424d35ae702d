/**
 * Artifact Client for the certificate lookup worker
 *
 * Archives downloaded certificate PDFs through the FileProcess artifact API.
 * The API picks the storage backend by size and returns an artifact ID that
 * is kept on the certificate record.
 */

package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/adverant/nexus/vigencia-worker/internal/logging"
)

// Certificates are kept for ten years unless the request says otherwise.
const defaultTTLDays = 3650

// ArtifactClient handles communication with the FileProcess API for artifact storage
type ArtifactClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *logging.Logger
}

// ArtifactUploadRequest represents a file upload request
type ArtifactUploadRequest struct {
	FileBuffer    []byte                 // File content
	Filename      string                 // Stored filename
	MimeType      string                 // MIME type (application/pdf)
	SourceService string                 // Service creating the artifact
	SourceID      string                 // Lookup job ID
	TTLDays       int                    // Time-to-live in days (0 = defaultTTLDays)
	Metadata      map[string]interface{} // cedula, status, checksum
}

// Artifact describes a stored file.
type Artifact struct {
	ID             string `json:"id"`
	Filename       string `json:"filename"`
	FileSize       int64  `json:"file_size"`
	MimeType       string `json:"mime_type"`
	StorageBackend string `json:"storage_backend"` // postgres_buffer, minio, google_drive
	DownloadURL    string `json:"download_url"`
	CreatedAt      string `json:"created_at"`
	ExpiresAt      string `json:"expires_at,omitempty"`
}

// ArtifactUploadResponse represents the response from uploading an artifact
type ArtifactUploadResponse struct {
	Success  bool     `json:"success"`
	Artifact Artifact `json:"artifact,omitempty"`
	Error    string   `json:"error,omitempty"`
	Message  string   `json:"message,omitempty"`
}

// NewArtifactClient creates a new artifact client
func NewArtifactClient(baseURL string) *ArtifactClient {
	return &ArtifactClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
		logger: logging.NewLogger("ArtifactClient"),
	}
}

// HealthCheck verifies the FileProcess API is available
func (c *ArtifactClient) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("artifact service health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("artifact service health check returned status %d: %s", resp.StatusCode, string(body))
	}

	return nil
}

// UploadArtifact uploads a certificate to the archive and returns its artifact.
func (c *ArtifactClient) UploadArtifact(ctx context.Context, req *ArtifactUploadRequest) (*ArtifactUploadResponse, error) {
	if len(req.FileBuffer) == 0 {
		return nil, fmt.Errorf("file buffer is required: received empty buffer")
	}
	if req.Filename == "" {
		return nil, fmt.Errorf("filename is required: received empty string")
	}
	if req.SourceService == "" {
		return nil, fmt.Errorf("source_service is required")
	}
	if req.SourceID == "" {
		return nil, fmt.Errorf("source_id is required")
	}

	c.logger.Info("Uploading artifact",
		"filename", req.Filename,
		"size", len(req.FileBuffer),
		"mime_type", req.MimeType,
		"source_id", req.SourceID)

	body, contentType, err := encodeUpload(req)
	if err != nil {
		return nil, err
	}

	// FileProcess API mounts routes at /fileprocess/api/*
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/fileprocess/api/files/upload", body)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", contentType)

	startTime := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("HTTP request to artifact storage failed after %v: %w", time.Since(startTime), err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("artifact upload failed with HTTP %d: %s", resp.StatusCode, string(respBody))
	}

	var result ArtifactUploadResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("failed to parse artifact upload response: %w (raw response: %s)", err, string(respBody))
	}
	if !result.Success {
		return nil, fmt.Errorf("artifact upload returned success=false: %s", result.Error)
	}
	if result.Artifact.ID == "" {
		return nil, fmt.Errorf("artifact upload succeeded but returned empty artifact ID")
	}

	c.logger.Info("Artifact uploaded",
		"id", result.Artifact.ID,
		"storage", result.Artifact.StorageBackend,
		"duration", time.Since(startTime))

	return &result, nil
}

func encodeUpload(req *ArtifactUploadRequest) (*bytes.Buffer, string, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	part, err := writer.CreateFormFile("file", req.Filename)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create form file part: %w", err)
	}
	if _, err := part.Write(req.FileBuffer); err != nil {
		return nil, "", fmt.Errorf("failed to write file data to form: %w", err)
	}

	ttlDays := req.TTLDays
	if ttlDays <= 0 {
		ttlDays = defaultTTLDays
	}
	formFields := [][2]string{
		{"source_service", req.SourceService},
		{"source_id", req.SourceID},
		{"ttl_days", strconv.Itoa(ttlDays)},
	}
	if req.MimeType != "" {
		formFields = append(formFields, [2]string{"mime_type", req.MimeType})
	}
	if len(req.Metadata) > 0 {
		metadataJSON, err := json.Marshal(req.Metadata)
		if err != nil {
			return nil, "", fmt.Errorf("failed to marshal metadata to JSON: %w", err)
		}
		formFields = append(formFields, [2]string{"metadata", string(metadataJSON)})
	}
	for _, f := range formFields {
		if err := writer.WriteField(f[0], f[1]); err != nil {
			return nil, "", fmt.Errorf("failed to write %s field: %w", f[0], err)
		}
	}

	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to close multipart writer: %w", err)
	}
	return &body, writer.FormDataContentType(), nil
}

// GetArtifactByID retrieves artifact metadata by ID
func (c *ArtifactClient) GetArtifactByID(ctx context.Context, artifactID string) (*ArtifactUploadResponse, error) {
	if artifactID == "" {
		return nil, fmt.Errorf("artifact ID is required")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/fileprocess/api/files/"+url.PathEscape(artifactID), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create get artifact request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to get artifact: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("artifact not found: %s", artifactID)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("get artifact returned HTTP %d: %s", resp.StatusCode, string(body))
	}

	var result ArtifactUploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to parse artifact response: %w", err)
	}
	return &result, nil
}
