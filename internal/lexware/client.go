// Package lexware is the HTTP client for the Lexware Office public API.
//
// Every request passes the process-wide rate limiter first. Throttled
// requests (HTTP 429) are retried with exponential backoff; every other
// failure is returned to the caller unchanged.
package lexware

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"lexsync/internal/logger"
	"lexsync/internal/ratelimit"
)

const (
	// DefaultBaseURL is the versioned API root.
	DefaultBaseURL = "https://api.lexware.io/v1"

	// DefaultTimeout bounds a single HTTP round trip.
	DefaultTimeout = 30 * time.Second

	// MaxRetries is the number of retries after a 429 response.
	MaxRetries = 3

	// DefaultMaxResponseSize caps the bytes read from one response body.
	DefaultMaxResponseSize = 20 * 1024 * 1024
)

const (
	acceptJSON = "application/json"
	acceptPDF  = "application/pdf"
)

// Config holds the client settings.
type Config struct {
	APIKey      string
	BaseURL     string
	Timeout     time.Duration
	LogRequests bool
}

// Acquirer blocks until a request may be issued.
type Acquirer interface {
	Acquire(ctx context.Context) error
}

// ErrorHook observes every error the client records.
type ErrorHook func(ctx context.Context, err error)

// Client performs authenticated requests against the accounting API.
type Client struct {
	cfg        Config
	httpClient *http.Client
	limiter    Acquirer
	clock      ratelimit.Clock
	activity   *ActivityLog
	onError    ErrorHook
	maxBody    int64
	log        zerolog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithLimiter sets the rate limiter shared by all requests.
func WithLimiter(limiter Acquirer) Option {
	return func(c *Client) {
		c.limiter = limiter
	}
}

// WithClock replaces the clock used for backoff sleeps and durations.
func WithClock(clock ratelimit.Clock) Option {
	return func(c *Client) {
		c.clock = clock
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithErrorHook registers a callback for recorded errors.
func WithErrorHook(hook ErrorHook) Option {
	return func(c *Client) {
		c.onError = hook
	}
}

// WithMaxResponseSize overrides DefaultMaxResponseSize.
func WithMaxResponseSize(n int64) Option {
	return func(c *Client) {
		c.maxBody = n
	}
}

// WithActivityLog shares an existing rolling log.
func WithActivityLog(activity *ActivityLog) Option {
	return func(c *Client) {
		c.activity = activity
	}
}

// NewClient creates a client. Without WithLimiter it allows 2 requests per second.
func NewClient(cfg Config, opts ...Option) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	c := &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		clock:      ratelimit.SystemClock{},
		activity:   NewActivityLog(),
		maxBody:    DefaultMaxResponseSize,
		log:        logger.WithComponent("lexware-client"),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.maxBody <= 0 {
		c.maxBody = DefaultMaxResponseSize
	}
	if c.limiter == nil {
		c.limiter = ratelimit.New(2, time.Second, ratelimit.WithClock(c.clock))
	}
	return c
}

// Activity returns the rolling request and error log.
func (c *Client) Activity() *ActivityLog {
	return c.activity
}

// Do sends a JSON request and decodes the JSON response into out (if non-nil).
func (c *Client) Do(ctx context.Context, method, endpoint string, body, out any) error {
	data, err := c.send(ctx, method, endpoint, body, acceptJSON)
	if err != nil {
		return err
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("lexware: decode %s %s response: %w", method, endpoint, err)
	}
	return nil
}

// Request sends a JSON request and returns the raw response document.
func (c *Client) Request(ctx context.Context, method, endpoint string, body any) (json.RawMessage, error) {
	data, err := c.send(ctx, method, endpoint, body, acceptJSON)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(data), nil
}

// Download fetches binary document content verbatim.
func (c *Client) Download(ctx context.Context, endpoint string) ([]byte, error) {
	return c.send(ctx, http.MethodGet, endpoint, nil, acceptPDF)
}

func (c *Client) send(ctx context.Context, method, endpoint string, body any, accept string) ([]byte, error) {
	const op = "lexware.send"

	if strings.TrimSpace(c.cfg.APIKey) == "" {
		err := fmt.Errorf("%s: %w", op, ErrConfiguration)
		c.recordError(ctx, LogEntry{Method: method, Endpoint: endpoint}, err)
		return nil, err
	}

	var payload []byte
	if body != nil && (method == http.MethodPost || method == http.MethodPut) {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("%s: marshal request body: %w", op, err)
		}
	}

	for attempt := 0; ; attempt++ {
		if err := c.limiter.Acquire(ctx); err != nil {
			return nil, fmt.Errorf("%s: wait for rate limiter: %w", op, err)
		}

		entry := LogEntry{
			ID:       uuid.NewString(),
			Time:     c.clock.Now(),
			Method:   method,
			Endpoint: endpoint,
			Attempt:  attempt + 1,
		}

		status, data, err := c.roundTrip(ctx, entry.ID, method, endpoint, payload, accept)
		entry.Duration = c.clock.Now().Sub(entry.Time)
		entry.Status = status
		if c.cfg.LogRequests {
			c.activity.addRequest(entry)
		}

		if err != nil {
			err = fmt.Errorf("%s: %s %s: %w: %w", op, method, endpoint, ErrTransport, err)
			c.recordError(ctx, entry, err)
			return nil, err
		}

		if status == http.StatusTooManyRequests {
			if attempt < MaxRetries {
				delay := time.Duration(1<<attempt) * time.Second
				c.log.Warn().
					Str("method", method).
					Str("endpoint", endpoint).
					Int("attempt", attempt+1).
					Dur("backoff", delay).
					Msg("Rate limited by accounting API, backing off")
				if err := c.clock.Sleep(ctx, delay); err != nil {
					return nil, fmt.Errorf("%s: backoff: %w", op, err)
				}
				continue
			}
			err := fmt.Errorf("%s: %s %s after %d attempts: %w", op, method, endpoint, attempt+1, ErrRateLimitExceeded)
			c.recordError(ctx, entry, err)
			return nil, err
		}

		if status < 200 || status >= 300 {
			err := &APIError{
				Method:   method,
				Endpoint: endpoint,
				Status:   status,
				Message:  parseErrorMessage(data),
			}
			c.recordError(ctx, entry, err)
			return nil, err
		}

		c.log.Debug().
			Str("method", method).
			Str("endpoint", endpoint).
			Int("status", status).
			Dur("duration", entry.Duration).
			Msg("Accounting API request succeeded")

		return data, nil
	}
}

func (c *Client) roundTrip(ctx context.Context, requestID, method, endpoint string, payload []byte, accept string) (int, []byte, error) {
	url := c.cfg.BaseURL + "/" + strings.TrimLeft(endpoint, "/")

	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Accept", accept)
	req.Header.Set("X-Request-ID", requestID)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBody+1))
	if err != nil {
		return resp.StatusCode, nil, err
	}
	if int64(len(data)) > c.maxBody {
		return resp.StatusCode, nil, fmt.Errorf("%w: more than %d bytes", ErrResponseTooLarge, c.maxBody)
	}
	return resp.StatusCode, data, nil
}

func (c *Client) recordError(ctx context.Context, entry LogEntry, err error) {
	if entry.Time.IsZero() {
		entry.Time = c.clock.Now()
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	entry.Error = err.Error()
	c.activity.addError(entry)

	c.log.Error().
		Err(err).
		Str("method", entry.Method).
		Str("endpoint", entry.Endpoint).
		Int("status", entry.Status).
		Msg("Accounting API request failed")

	if c.onError != nil {
		c.onError(ctx, err)
	}
}

func parseErrorMessage(data []byte) string {
	var body errorBody
	if err := json.Unmarshal(data, &body); err != nil {
		return strings.TrimSpace(string(data))
	}
	if body.Message != "" {
		return body.Message
	}
	if body.Error != "" {
		return body.Error
	}
	issues := make([]string, 0, len(body.IssueList))
	for _, issue := range body.IssueList {
		switch {
		case issue.Source != "" && issue.I18nKey != "":
			issues = append(issues, issue.Source+": "+issue.I18nKey)
		case issue.I18nKey != "":
			issues = append(issues, issue.I18nKey)
		}
	}
	return strings.Join(issues, "; ")
}
