/**
 * Registry site client
 *
 * Drives the public certificate form: page fetch, captcha download and
 * submission. Every lookup attempt runs in its own Session so cookies and
 * form state never cross between attempts or jobs.
 */

package registry

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/adverant/nexus/vigencia-worker/internal/document"
	apperrors "github.com/adverant/nexus/vigencia-worker/internal/errors"
	"github.com/adverant/nexus/vigencia-worker/internal/logging"
)

const defaultMaxBodyBytes = 20 << 20 // 20MB

// ErrResponseTooLarge is returned when a response body exceeds MaxBodyBytes.
var ErrResponseTooLarge = errors.New("response too large")

// Config holds site client configuration
type Config struct {
	FormURL           string
	CaptchaElementID  string
	UserAgent         string
	Timeout           time.Duration
	RequestsPerSecond float64
	MaxBodyBytes      int64
	Transport         http.RoundTripper
}

// Query identifies the document being checked.
type Query struct {
	Cedula string `json:"cedula"`
	Day    int    `json:"day"`
	Month  int    `json:"month"`
	Year   int    `json:"year"`
}

// Validate checks the identifier is numeric and the issue date is plausible.
func (q Query) Validate() error {
	if q.Cedula == "" {
		return fmt.Errorf("cedula is required")
	}
	for _, r := range q.Cedula {
		if r < '0' || r > '9' {
			return fmt.Errorf("cedula must contain only digits, got %q", q.Cedula)
		}
	}
	if q.Day < 1 || q.Day > 31 {
		return fmt.Errorf("issue day must be between 1 and 31, got %d", q.Day)
	}
	if q.Month < 1 || q.Month > 12 {
		return fmt.Errorf("issue month must be between 1 and 12, got %d", q.Month)
	}
	if q.Year < 1900 || q.Year > time.Now().Year() {
		return fmt.Errorf("issue year out of range, got %d", q.Year)
	}
	return nil
}

func (q Query) dayValue() string   { return strconv.Itoa(q.Day) }
func (q Query) monthValue() string { return strconv.Itoa(q.Month) }
func (q Query) yearValue() string  { return strconv.Itoa(q.Year) }

// Client creates sessions against the registry site. It is safe for
// concurrent use; all sessions share one request-rate budget.
type Client struct {
	cfg     Config
	formURL *url.URL
	limiter *rate.Limiter
	logger  *logging.Logger
}

// NewClient validates cfg and builds a client.
func NewClient(cfg Config, logger *logging.Logger) (*Client, error) {
	u, err := url.Parse(cfg.FormURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid form URL %q", cfg.FormURL)
	}
	if cfg.CaptchaElementID == "" {
		return nil, fmt.Errorf("captcha element id is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Client{
		cfg:     cfg,
		formURL: u,
		limiter: rate.NewLimiter(limit, 1),
		logger:  logger,
	}, nil
}

// Session is one cookie-bound conversation with the site.
type Session struct {
	client *Client
	http   *http.Client
}

// NewSession starts a fresh cookie jar.
func (c *Client) NewSession() (*Session, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}
	return &Session{
		client: c,
		http: &http.Client{
			Jar:       jar,
			Timeout:   c.cfg.Timeout,
			Transport: c.cfg.Transport,
		},
	}, nil
}

// FetchForm loads the lookup page and extracts state tokens and the captcha URL.
func (s *Session) FetchForm(ctx context.Context) (*Form, error) {
	pageURL := s.client.formURL.String()
	resp, body, err := s.do(ctx, http.MethodGet, pageURL, nil, "")
	if err != nil {
		return nil, apperrors.NewFormUnavailableError(pageURL, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, apperrors.NewFormUnavailableError(pageURL, fmt.Errorf("HTTP %d", resp.StatusCode))
	}

	page, err := parsePage(bytes.NewReader(body), s.client.cfg.CaptchaElementID)
	if err != nil {
		return nil, apperrors.NewFormUnavailableError(pageURL, err)
	}
	form, err := buildForm(resp.Request.URL, page)
	if err != nil {
		return nil, apperrors.NewFormUnavailableError(pageURL, err)
	}
	if form.CaptchaURL == "" {
		return nil, apperrors.NewFormUnavailableError(pageURL, fmt.Errorf("captcha element %q not found", s.client.cfg.CaptchaElementID))
	}

	s.client.logger.Debug("Form fetched",
		"title", page.title,
		"captcha_url", form.CaptchaURL,
		"viewstate_len", len(form.Tokens["__VIEWSTATE"]))
	return form, nil
}

// FetchCaptcha downloads the captcha image for form within this session.
func (s *Session) FetchCaptcha(ctx context.Context, form *Form) ([]byte, error) {
	resp, body, err := s.do(ctx, http.MethodGet, form.CaptchaURL, nil, form.PageURL)
	if err != nil {
		return nil, apperrors.NewFormUnavailableError(form.CaptchaURL, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, apperrors.NewFormUnavailableError(form.CaptchaURL, fmt.Errorf("HTTP %d", resp.StatusCode))
	}
	if len(body) == 0 {
		return nil, apperrors.NewFormUnavailableError(form.CaptchaURL, fmt.Errorf("empty captcha image"))
	}
	return body, nil
}

// Submit posts the query with the captcha answer and returns the certificate
// PDF. Any non-PDF answer, typically the form again after a wrong captcha, is
// SubmissionRejected.
func (s *Session) Submit(ctx context.Context, form *Form, q Query, answer string) ([]byte, error) {
	body := form.values(q, answer).Encode()
	resp, data, err := s.do(ctx, http.MethodPost, form.ActionURL, strings.NewReader(body), form.PageURL)
	if err != nil {
		return nil, err
	}

	contentType := resp.Header.Get("Content-Type")
	if !document.IsPDF(contentType, data) {
		return nil, apperrors.NewSubmissionRejectedError(contentType, resp.StatusCode)
	}
	return data, nil
}

func (s *Session) do(ctx context.Context, method, target string, body io.Reader, referer string) (*http.Response, []byte, error) {
	if err := s.client.limiter.Wait(ctx); err != nil {
		return nil, nil, err
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create request: %w", err)
	}
	if s.client.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", s.client.cfg.UserAgent)
	}
	if referer != "" {
		req.Header.Set("Referer", referer)
	}
	if method == http.MethodPost {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	start := time.Now()
	resp, err := s.http.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("%s %s: %w", method, target, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, s.client.cfg.MaxBodyBytes+1))
	if err != nil {
		return nil, nil, fmt.Errorf("read %s response: %w", target, err)
	}
	if int64(len(data)) > s.client.cfg.MaxBodyBytes {
		return nil, nil, fmt.Errorf("%s %s: %w (limit %d bytes)", method, target, ErrResponseTooLarge, s.client.cfg.MaxBodyBytes)
	}

	s.client.logger.Debug("HTTP exchange",
		"method", method,
		"url", target,
		"status", resp.StatusCode,
		"bytes", len(data),
		"duration", time.Since(start))
	return resp, data, nil
}
