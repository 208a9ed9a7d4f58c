package magiceden

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/alejandrodnm/ordbot/internal/domain"
)

const (
	defaultBaseURL = "https://api-mainnet.magiceden.dev/v2/ord"

	// Transport-level politeness limits, below the documented API caps. Bid
	// admission (how many offers we submit per window) lives in the engine's
	// pacer, not here.
	readRatePerSec  = 10
	writeRatePerSec = 2

	maxRetries    = 3
	baseRetryWait = 500 * time.Millisecond
)

// Client is the marketplace HTTP client with rate limiting and retries.
// Plain transport failures and 5xx are retried with exponential backoff;
// 429 is NEVER retried here — it surfaces as domain.ErrRateLimited so the
// pacer and identity pool own the cool-down reaction.
type Client struct {
	http         *http.Client
	baseURL      string
	apiKey       string
	readLimiter  *rate.Limiter
	writeLimiter *rate.Limiter
}

// NewClient creates a Client for the given base URL. An empty baseURL uses
// production.
func NewClient(baseURL, apiKey string) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Client{
		http:         &http.Client{Timeout: 10 * time.Second},
		baseURL:      strings.TrimRight(baseURL, "/"),
		apiKey:       apiKey,
		readLimiter:  rate.NewLimiter(readRatePerSec, 5),
		writeLimiter: rate.NewLimiter(writeRatePerSec, 1),
	}
}

// get runs a rate-limited GET with retries.
func (c *Client) get(ctx context.Context, path string, out any) error {
	return c.doWithRetry(ctx, c.readLimiter, func() (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
		if err != nil {
			return nil, err
		}
		c.setHeaders(req)
		return c.http.Do(req)
	}, out)
}

// post runs a rate-limited JSON POST with retries.
func (c *Client) post(ctx context.Context, path string, body, out any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal body: %w", err)
	}
	return c.doWithRetry(ctx, c.writeLimiter, func() (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(b))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		c.setHeaders(req)
		return c.http.Do(req)
	}, out)
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

// doWithRetry runs the request with exponential backoff. 4xx responses are
// terminal: 429 maps to the typed rate-limit condition and known error
// bodies are parsed into typed conditions the engine can react to.
func (c *Client) doWithRetry(ctx context.Context, limiter *rate.Limiter, fn func() (*http.Response, error), out any) error {
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if err := limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limiter: %w", err)
		}

		resp, err := fn()
		if err != nil {
			if attempt == maxRetries {
				return fmt.Errorf("request failed after %d retries: %w", maxRetries, err)
			}
			c.sleep(ctx, attempt)
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			resp.Body.Close()
			return domain.ErrRateLimited
		}

		if resp.StatusCode >= 500 {
			resp.Body.Close()
			if attempt == maxRetries {
				return fmt.Errorf("server error %d after %d retries", resp.StatusCode, maxRetries)
			}
			c.sleep(ctx, attempt)
			continue
		}

		if resp.StatusCode >= 400 {
			body, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			if typed := parseAPIError(body); typed != nil {
				return typed
			}
			return fmt.Errorf("client error %d: %s", resp.StatusCode, string(body))
		}

		defer resp.Body.Close()
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		return nil
	}
	return fmt.Errorf("exhausted %d retries", maxRetries)
}

// sleep waits with exponential backoff, respecting the context.
func (c *Client) sleep(ctx context.Context, attempt int) {
	wait := time.Duration(math.Pow(2, float64(attempt))) * baseRetryWait
	select {
	case <-time.After(wait):
	case <-ctx.Done():
	}
}

// apiErrorBody is the marketplace's structured error envelope.
type apiErrorBody struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	Required  int64  `json:"required"`
	Available int64  `json:"available"`
}

// parseAPIError maps well-known error bodies to typed conditions. Anything
// unrecognized returns nil so the caller falls back to a generic error.
func parseAPIError(body []byte) error {
	var eb apiErrorBody
	if err := json.Unmarshal(body, &eb); err != nil {
		return nil
	}
	msg := eb.Error
	if msg == "" {
		msg = eb.Message
	}
	if strings.Contains(strings.ToLower(msg), "insufficient funds") {
		return &domain.InsufficientFundsError{Required: eb.Required, Available: eb.Available}
	}
	return nil
}
