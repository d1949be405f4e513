// Package crm is the outbound client for the remote CRM: the staging
// collection, the gift ledger, and the recurring agreement collaborator all
// sit behind it. Every remote call in the pipeline goes through Request,
// so its retry policy defines the failure characteristics of the whole
// promotion path.
package crm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"giftflow/internal/config"
)

const (
	defaultTimeout     = 10 * time.Second
	defaultMaxAttempts = 3
)

// defaultDelays is the fixed backoff schedule between attempts. The last
// delay is reused if the attempt budget ever exceeds the schedule.
var defaultDelays = []time.Duration{250 * time.Millisecond, 500 * time.Millisecond}

// RemoteError is the failure type for remote calls. Status is zero for
// network-level failures where no HTTP status was observed.
type RemoteError struct {
	Status  int
	Message string
}

func (e *RemoteError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("remote call failed: status=%d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("remote call failed: %s", e.Message)
}

// Client executes JSON calls against the remote CRM with bounded
// retry/backoff. The zero value is not usable; construct with New.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
	Limiter    *rate.Limiter
	Logger     *slog.Logger

	// Sleep is swapped out by tests to observe waits without real delay.
	Sleep func(time.Duration)

	MaxAttempts int
	RetryDelays []time.Duration
}

// New builds a client from the CRM config slice.
func New(cfg config.CRM, logger *slog.Logger) *Client {
	timeout := defaultTimeout
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	var limiter *rate.Limiter
	if cfg.RateLimitPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitPerSecond), 1)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		BaseURL:    cfg.BaseURL,
		APIKey:     cfg.APIKey,
		HTTPClient: &http.Client{Timeout: timeout},
		Limiter:    limiter,
		Logger:     logger,
		Sleep:      time.Sleep,
	}
}

// Request executes one logical remote call. It retries on 429/5xx and
// network failures within a fixed budget; a Retry-After header (seconds)
// overrides the scheduled wait for that gap. Non-retryable 4xx statuses and
// body-parse failures on a success response fail immediately. A 204 or empty
// success body yields a nil map.
func (c *Client) Request(ctx context.Context, method, path string, body any) (map[string]any, error) {
	attempts := c.MaxAttempts
	if attempts <= 0 {
		attempts = defaultMaxAttempts
	}
	delays := c.RetryDelays
	if len(delays) == 0 {
		delays = defaultDelays
	}
	sleep := c.Sleep
	if sleep == nil {
		sleep = time.Sleep
	}

	var lastErr *RemoteError
	for attempt := 1; attempt <= attempts; attempt++ {
		if c.Limiter != nil {
			if err := c.Limiter.Wait(ctx); err != nil {
				return nil, &RemoteError{Message: err.Error()}
			}
		}
		parsed, remoteErr, retryable, retryAfter := c.do(ctx, method, path, body)
		c.logAttempt(method, path, attempt, remoteErr)
		if remoteErr == nil {
			return parsed, nil
		}
		if !retryable {
			return nil, remoteErr
		}
		lastErr = remoteErr
		if attempt == attempts {
			break
		}
		wait := delays[len(delays)-1]
		if idx := attempt - 1; idx < len(delays) {
			wait = delays[idx]
		}
		if retryAfter > 0 {
			wait = retryAfter
		}
		sleep(wait)
	}
	return nil, lastErr
}

func (c *Client) do(ctx context.Context, method, path string, body any) (map[string]any, *RemoteError, bool, time.Duration) {
	url := strings.TrimRight(c.BaseURL, "/") + "/" + strings.TrimLeft(path, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return nil, &RemoteError{Message: fmt.Sprintf("encode request body: %v", err)}, false, 0
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return nil, &RemoteError{Message: err.Error()}, false, 0
	}
	req.Header.Set("Content-Type", "application/json")
	if c.APIKey != "" {
		req.Header.Set("X-Api-Key", c.APIKey)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		// Network-level failure: retried with the same budget, unless the
		// caller's context is gone.
		if ctx.Err() != nil {
			return nil, &RemoteError{Message: err.Error()}, false, 0
		}
		return nil, &RemoteError{Message: err.Error()}, true, 0
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if len(bytes.TrimSpace(raw)) == 0 || resp.StatusCode == http.StatusNoContent {
			return nil, nil, false, 0
		}
		var parsed map[string]any
		if err := json.Unmarshal(raw, &parsed); err != nil {
			// A malformed success body is fatal; retrying cannot fix it.
			return nil, &RemoteError{Status: resp.StatusCode, Message: fmt.Sprintf("parse response body: %v", err)}, false, 0
		}
		return parsed, nil, false, 0
	}

	msg := strings.TrimSpace(string(raw))
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	remoteErr := &RemoteError{Status: resp.StatusCode, Message: msg}
	if !retryableStatus(resp.StatusCode) {
		return nil, remoteErr, false, 0
	}
	return nil, remoteErr, true, retryAfterHint(resp)
}

func retryableStatus(status int) bool {
	switch status {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

// retryAfterHint reads a Retry-After header in seconds form. Zero means no
// usable hint.
func retryAfterHint(resp *http.Response) time.Duration {
	v := strings.TrimSpace(resp.Header.Get("Retry-After"))
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

func (c *Client) logAttempt(method, path string, attempt int, remoteErr *RemoteError) {
	logger := c.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if remoteErr == nil {
		logger.Debug("crm request", "method", method, "path", path, "attempt", attempt)
		return
	}
	logger.Warn("crm request failed", "method", method, "path", path, "attempt", attempt, "status", remoteErr.Status, "error", remoteErr.Message)
}

// IsNotFound reports whether err is a remote 404.
func IsNotFound(err error) bool {
	var re *RemoteError
	return errors.As(err, &re) && re.Status == http.StatusNotFound
}
