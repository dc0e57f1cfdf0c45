package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"
)

// HTTPConfig holds settings for a remote feature-extraction service.
type HTTPConfig struct {
	Endpoint    string // full URL, e.g. http://localhost:8125/features
	Model       string // forwarded to the service, may be empty
	APIKey      string
	MaxRetries  int // default: 3
	TimeoutSecs int // per-request timeout (default: 60)
}

// DefaultHTTPConfig returns retry and timeout defaults, with endpoint and key
// taken from STITCH_GENERATOR_ENDPOINT and STITCH_GENERATOR_API_KEY.
func DefaultHTTPConfig() HTTPConfig {
	return HTTPConfig{
		Endpoint:    os.Getenv("STITCH_GENERATOR_ENDPOINT"),
		APIKey:      os.Getenv("STITCH_GENERATOR_API_KEY"),
		MaxRetries:  3,
		TimeoutSecs: 60,
	}
}

// Validate checks that the configuration is usable.
func (c *HTTPConfig) Validate() error {
	if strings.TrimSpace(c.Endpoint) == "" {
		return fmt.Errorf("endpoint is required")
	}
	if !strings.HasPrefix(c.Endpoint, "http://") && !strings.HasPrefix(c.Endpoint, "https://") {
		return fmt.Errorf("endpoint must be an http(s) URL, got %q", c.Endpoint)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max retries cannot be negative")
	}
	if c.TimeoutSecs <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	return nil
}

// FeatureRequest is the body posted for one window.
type FeatureRequest struct {
	Model  string   `json:"model,omitempty"`
	Tokens []string `json:"tokens"`
}

// HTTPError represents an HTTP error with additional context.
type HTTPError struct {
	StatusCode int
	Message    string
	RetryAfter time.Duration
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

// HTTPGenerator posts each window to a feature-extraction service and parses
// the response as one generator record.
type HTTPGenerator struct {
	config HTTPConfig
	http   *http.Client
}

// NewHTTPGenerator creates a generator with the given configuration.
func NewHTTPGenerator(config *HTTPConfig) (*HTTPGenerator, error) {
	if config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &HTTPGenerator{
		config: *config,
		http: &http.Client{
			Timeout: time.Duration(config.TimeoutSecs) * time.Second,
		},
	}, nil
}

// Generate embeds one window. Transient failures are retried with
// exponential backoff; a 429 honors Retry-After.
func (g *HTTPGenerator) Generate(ctx context.Context, tokens []string) (*WindowEmbedding, error) {
	if len(tokens) == 0 {
		return &WindowEmbedding{}, nil
	}

	var lastErr error
	for attempt := 0; attempt <= g.config.MaxRetries; attempt++ {
		rec, err := g.attempt(ctx, tokens)
		if err == nil {
			if len(rec.Tokens) != len(tokens) {
				return nil, fmt.Errorf("expected %d token entries, got %d", len(tokens), len(rec.Tokens))
			}
			return rec, nil
		}
		lastErr = err

		if !retryable(err) || attempt == g.config.MaxRetries {
			break
		}

		// Exponential backoff: 1s, 2s, 4s
		backoff := time.Duration(1<<attempt) * time.Second
		if httpErr, ok := err.(*HTTPError); ok && httpErr.StatusCode == http.StatusTooManyRequests {
			if httpErr.RetryAfter > 0 {
				backoff = httpErr.RetryAfter
			}
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
	}
	return nil, fmt.Errorf("feature extraction failed after %d attempts: %w", g.config.MaxRetries+1, lastErr)
}

// Close releases idle connections.
func (g *HTTPGenerator) Close() error {
	g.http.CloseIdleConnections()
	return nil
}

func retryable(err error) bool {
	httpErr, ok := err.(*HTTPError)
	if !ok {
		return true
	}
	return httpErr.StatusCode == http.StatusTooManyRequests || httpErr.StatusCode >= 500
}

func (g *HTTPGenerator) attempt(ctx context.Context, tokens []string) (*WindowEmbedding, error) {
	body, err := json.Marshal(FeatureRequest{Model: g.config.Model, Tokens: tokens})
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.config.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if g.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.config.APIKey)
	}

	resp, err := g.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var retryAfter time.Duration
		if h := resp.Header.Get("Retry-After"); h != "" {
			if seconds, err := strconv.Atoi(h); err == nil {
				retryAfter = time.Duration(seconds) * time.Second
			}
		}
		return nil, &HTTPError{
			StatusCode: resp.StatusCode,
			Message:    string(data),
			RetryAfter: retryAfter,
		}
	}

	rec, err := ParseRecord(data)
	if err != nil {
		return nil, &HTTPError{StatusCode: resp.StatusCode, Message: fmt.Sprintf("parsing response: %v", err)}
	}
	return rec, nil
}
