/**
 * Configuration for the certificate lookup worker
 *
 * Loads configuration from environment variables (optionally seeded from
 * .env.vigencia by the entry points).
 */

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Queue backends understood by the worker.
const (
	QueueBackendRedis = "redis"
	QueueBackendAsynq = "asynq"
)

// DefaultRegistryURL is the public certificate form.
const DefaultRegistryURL = "https://certvigenciacedula.registraduria.gov.co/Datos.aspx"

// Config holds worker configuration
type Config struct {
	// Redis configuration
	RedisURL     string
	QueueBackend string
	QueueName    string

	// Result store: postgres://... or sqlite://path
	DatabaseURL string

	// Registry site
	RegistryURL        string
	CaptchaElementID   string
	HTTPTimeout        time.Duration
	RequestsPerSecond  float64
	UserAgent          string
	MaxCaptchaAttempts int

	// Captcha recognition
	TessdataPrefix       string
	TesseractLanguages   string
	PageSegMode          int
	MinCaptchaConfidence float64
	DiagnosticsDir       string

	// Field extraction: "lenient" or "strict"
	DateMatchMode string

	// FileProcess API for certificate archival; empty disables it
	ArchiveURL string

	// Worker configuration
	WorkerConcurrency int
	ProcessingTimeout int // milliseconds

	// Directory for downloaded certificates
	OutputDir string

	LogLevel string
}

// LoadConfig loads configuration from environment variables and validates it.
func LoadConfig() (*Config, error) {
	cfg := Load()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// Load reads configuration from environment variables without validating it,
// so callers can apply overrides first.
func Load() *Config {
	cfg := &Config{
		RedisURL:             getEnvOrDefault("REDIS_URL", "redis://localhost:6379"),
		QueueBackend:         strings.ToLower(getEnvOrDefault("QUEUE_BACKEND", QueueBackendRedis)),
		QueueName:            getEnvOrDefault("QUEUE_NAME", "vigencia:jobs"),
		DatabaseURL:          getEnvOrDefault("DATABASE_URL", "sqlite://vigencia.db"),
		RegistryURL:          getEnvOrDefault("REGISTRY_URL", DefaultRegistryURL),
		CaptchaElementID:     getEnvOrDefault("CAPTCHA_ELEMENT_ID", "datos_contentplaceholder1_captcha1_CaptchaImage"),
		HTTPTimeout:          getEnvAsDurationOrDefault("HTTP_TIMEOUT", 30*time.Second),
		RequestsPerSecond:    getEnvAsFloatOrDefault("REQUESTS_PER_SECOND", 1),
		UserAgent:            getEnvOrDefault("USER_AGENT", "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Safari/537.36"),
		MaxCaptchaAttempts:   getEnvAsIntOrDefault("MAX_CAPTCHA_ATTEMPTS", 5),
		TessdataPrefix:       getEnvOrDefault("TESSDATA_PREFIX", ""),
		TesseractLanguages:   getEnvOrDefault("TESSERACT_LANGUAGES", "eng"),
		PageSegMode:          getEnvAsIntOrDefault("TESSERACT_PSM", 8),
		MinCaptchaConfidence: getEnvAsFloatOrDefault("MIN_CAPTCHA_CONFIDENCE", 0),
		DiagnosticsDir:       getEnvOrDefault("DIAGNOSTICS_DIR", ""),
		DateMatchMode:        strings.ToLower(getEnvOrDefault("DATE_MATCH_MODE", "lenient")),
		ArchiveURL:           getEnvOrDefault("FILEPROCESS_API_URL", ""),
		WorkerConcurrency:    getEnvAsIntOrDefault("WORKER_CONCURRENCY", 2),
		ProcessingTimeout:    getEnvAsIntOrDefault("PROCESSING_TIMEOUT", 180000), // 3 minutes
		OutputDir:            getEnvOrDefault("OUTPUT_DIR", "./salida_registraduria"),
		LogLevel:             getEnvOrDefault("LOG_LEVEL", "info"),
	}
	return cfg
}

// Validate checks if configuration is valid
func (c *Config) Validate() error {
	if c.RedisURL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.RegistryURL == "" {
		return fmt.Errorf("REGISTRY_URL is required")
	}

	if c.QueueBackend != QueueBackendRedis && c.QueueBackend != QueueBackendAsynq {
		return fmt.Errorf("QUEUE_BACKEND must be %q or %q, got %q", QueueBackendRedis, QueueBackendAsynq, c.QueueBackend)
	}

	if c.DateMatchMode != "lenient" && c.DateMatchMode != "strict" {
		return fmt.Errorf("DATE_MATCH_MODE must be lenient or strict, got %q", c.DateMatchMode)
	}

	if c.WorkerConcurrency < 1 || c.WorkerConcurrency > 100 {
		return fmt.Errorf("WORKER_CONCURRENCY must be between 1 and 100, got %d", c.WorkerConcurrency)
	}

	if c.MaxCaptchaAttempts < 1 || c.MaxCaptchaAttempts > 50 {
		return fmt.Errorf("MAX_CAPTCHA_ATTEMPTS must be between 1 and 50, got %d", c.MaxCaptchaAttempts)
	}

	if c.PageSegMode < 0 || c.PageSegMode > 13 {
		return fmt.Errorf("TESSERACT_PSM must be between 0 and 13, got %d", c.PageSegMode)
	}

	if c.MinCaptchaConfidence < 0 || c.MinCaptchaConfidence > 100 {
		return fmt.Errorf("MIN_CAPTCHA_CONFIDENCE must be between 0 and 100, got %v", c.MinCaptchaConfidence)
	}

	if c.RequestsPerSecond <= 0 {
		return fmt.Errorf("REQUESTS_PER_SECOND must be positive, got %v", c.RequestsPerSecond)
	}

	if c.ProcessingTimeout < 1000 {
		return fmt.Errorf("PROCESSING_TIMEOUT must be at least 1000ms, got %d", c.ProcessingTimeout)
	}

	return nil
}

// Timeout returns ProcessingTimeout as a duration.
func (c *Config) Timeout() time.Duration {
	return time.Duration(c.ProcessingTimeout) * time.Millisecond
}

// getEnvOrDefault gets environment variable or returns default
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsIntOrDefault gets environment variable as int or returns default
func getEnvAsIntOrDefault(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}

// getEnvAsFloatOrDefault gets environment variable as float64 or returns default
func getEnvAsFloatOrDefault(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}

	return value
}

// getEnvAsDurationOrDefault accepts Go durations ("45s") or bare seconds.
func getEnvAsDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	if d, err := time.ParseDuration(valueStr); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(valueStr); err == nil {
		return time.Duration(secs) * time.Second
	}

	return defaultValue
}
