package providers

import (
	"bytes"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// RetryConfig defines retry behavior for agent calls
type RetryConfig struct {
	MaxRetries      int
	InitialDelay    time.Duration
	MaxDelay        time.Duration
	BackoffFactor   float64
	RetryableErrors []int // HTTP status codes that should be retried
}

// DefaultRetryConfig returns sensible retry defaults
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:      3,
		InitialDelay:    1 * time.Second,
		MaxDelay:        30 * time.Second,
		BackoffFactor:   2.0,
		RetryableErrors: []int{429, 502, 503, 504},
	}
}

// RateLimiter spaces out calls made from many goroutines.
type RateLimiter struct {
	mu       sync.Mutex
	next     time.Time
	interval time.Duration
}

// NewRateLimiter creates a rate limiter with minimum interval between calls.
// A non-positive rate disables limiting.
func NewRateLimiter(requestsPerSecond float64) *RateLimiter {
	rl := &RateLimiter{}
	if requestsPerSecond > 0 {
		rl.interval = time.Duration(float64(time.Second) / requestsPerSecond)
	}
	return rl
}

// Wait blocks until the caller's slot comes up.
func (rl *RateLimiter) Wait() {
	if rl.interval == 0 {
		return
	}
	rl.mu.Lock()
	now := time.Now()
	slot := rl.next
	if slot.Before(now) {
		slot = now
	}
	rl.next = slot.Add(rl.interval)
	rl.mu.Unlock()

	if d := time.Until(slot); d > 0 {
		log.Debug().Dur("sleep", d).Msg("Rate limiting agent call")
		time.Sleep(d)
	}
}

// RetryableHTTPClient wraps HTTP client with retries and rate limiting
type RetryableHTTPClient struct {
	client      *http.Client
	retryConfig RetryConfig
	rateLimiter *RateLimiter
}

// NewRetryableHTTPClient creates a new HTTP client with retry logic
func NewRetryableHTTPClient(client *http.Client, retries int, requestsPerSecond float64) *RetryableHTTPClient {
	if client == nil {
		client = &http.Client{}
	}
	cfg := DefaultRetryConfig()
	if retries >= 0 {
		cfg.MaxRetries = retries
	}
	return &RetryableHTTPClient{
		client:      client,
		retryConfig: cfg,
		rateLimiter: NewRateLimiter(requestsPerSecond),
	}
}

// WithRetryConfig replaces the retry policy.
func (c *RetryableHTTPClient) WithRetryConfig(cfg RetryConfig) *RetryableHTTPClient {
	c.retryConfig = cfg
	return c
}

// Do executes HTTP request with retry logic and rate limiting. The request
// body is buffered so it can be replayed.
func (c *RetryableHTTPClient) Do(req *http.Request) (*http.Response, error) {
	var body []byte
	if req.Body != nil {
		b, err := io.ReadAll(req.Body)
		_ = req.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("buffer request body: %w", err)
		}
		body = b
	}

	var lastErr error
	for attempt := 0; attempt <= c.retryConfig.MaxRetries; attempt++ {
		c.rateLimiter.Wait()

		reqClone := req.Clone(req.Context())
		if body != nil {
			reqClone.Body = io.NopCloser(bytes.NewReader(body))
			reqClone.ContentLength = int64(len(body))
		}

		resp, err := c.client.Do(reqClone)
		if err != nil {
			lastErr = err
			if req.Context().Err() != nil {
				return nil, err
			}
			if attempt < c.retryConfig.MaxRetries {
				delay := c.calculateDelay(attempt)
				log.Warn().
					Err(err).
					Int("attempt", attempt+1).
					Int("max_retries", c.retryConfig.MaxRetries).
					Dur("delay", delay).
					Str("url", req.URL.String()).
					Msg("Agent request failed, retrying")
				if !sleepCtx(req, delay) {
					return nil, req.Context().Err()
				}
				continue
			}
			return nil, lastErr
		}

		if c.shouldRetry(resp.StatusCode) && attempt < c.retryConfig.MaxRetries {
			resp.Body.Close()
			delay := c.calculateDelay(attempt)
			log.Warn().
				Int("status", resp.StatusCode).
				Int("attempt", attempt+1).
				Int("max_retries", c.retryConfig.MaxRetries).
				Dur("delay", delay).
				Str("url", req.URL.String()).
				Msg("Agent returned retryable status, retrying")
			if !sleepCtx(req, delay) {
				return nil, req.Context().Err()
			}
			continue
		}

		return resp, nil
	}

	return nil, lastErr
}

func sleepCtx(req *http.Request, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-req.Context().Done():
		return false
	case <-t.C:
		return true
	}
}

// shouldRetry determines if a status code should trigger a retry
func (c *RetryableHTTPClient) shouldRetry(statusCode int) bool {
	for _, code := range c.retryConfig.RetryableErrors {
		if statusCode == code {
			return true
		}
	}
	return false
}

// calculateDelay calculates exponential backoff delay with jitter
func (c *RetryableHTTPClient) calculateDelay(attempt int) time.Duration {
	delay := float64(c.retryConfig.InitialDelay) * math.Pow(c.retryConfig.BackoffFactor, float64(attempt))

	// Apply jitter (+/-25%)
	jitter := delay * 0.25 * (2*rand.Float64() - 1)
	delay += jitter

	if delay > float64(c.retryConfig.MaxDelay) {
		delay = float64(c.retryConfig.MaxDelay)
	}

	return time.Duration(delay)
}

// ValidationError represents an invalid inventory entry
type ValidationError struct {
	Field   string
	Value   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s=%s: %s", e.Field, e.Value, e.Message)
}

// ValidateHosts checks a static inventory: names are required, host names
// are unique and a server name is unique within its host.
func ValidateHosts(hosts []HostConfig) error {
	seen := make(map[string]bool)
	for _, h := range hosts {
		if h.Name == "" {
			return ValidationError{Field: "host.name", Value: "", Message: "host name is required"}
		}
		if seen[h.Name] {
			return ValidationError{Field: "host.name", Value: h.Name, Message: "duplicate host"}
		}
		seen[h.Name] = true
		servers := make(map[string]bool)
		for _, s := range h.Servers {
			if s.Name == "" {
				return ValidationError{Field: "server.name", Value: "", Message: fmt.Sprintf("server on host %s has no name", h.Name)}
			}
			if servers[s.Name] {
				return ValidationError{Field: "server.name", Value: s.Name, Message: fmt.Sprintf("duplicate server on host %s", h.Name)}
			}
			servers[s.Name] = true
		}
	}
	return nil
}
