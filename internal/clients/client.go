// Package clients holds the outbound JSON clients for the notification,
// scan-validation and payment gateways. All three share one transport
// policy: API-key auth, bounded retries on transient failures and a circuit
// breaker per dependency.
package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/karimbenali/billetcore/internal/apperrors"
	"github.com/karimbenali/billetcore/internal/circuitbreaker"
)

const (
	maxRetries = 2
	retryBase  = 500 * time.Millisecond
	userAgent  = "billetcore/1.0"
)

// Config configures one outbound gateway client.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// Client is the shared JSON transport under the three gateway clients.
type Client struct {
	name    string
	baseURL string
	apiKey  string
	http    *http.Client
	breaker *circuitbreaker.CircuitBreaker
	logger  *zap.Logger
}

// NewClient builds a gateway client with its own circuit breaker.
func NewClient(name string, cfg Config, logger *zap.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &Client{
		name:    name,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		http:    &http.Client{Timeout: timeout},
		breaker: circuitbreaker.New(circuitbreaker.DefaultConfig(name), logger),
		logger:  logger.With(zap.String("client", name)),
	}
}

// Breaker exposes the circuit breaker for the health surface.
func (c *Client) Breaker() *circuitbreaker.CircuitBreaker { return c.breaker }

// do sends one JSON request and decodes the response into out (when out is
// non-nil). Network errors and 5xx responses are retried with exponential
// backoff; 4xx responses never are.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	if !c.breaker.Allow() {
		return apperrors.Wrap(apperrors.CodeDependency, circuitbreaker.ErrCircuitOpen,
			fmt.Sprintf("le service %s est indisponible", c.name))
	}

	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal %s request: %w", c.name, err)
		}
	}

	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			delay := retryBase << (attempt - 1)
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				c.breaker.RecordFailure()
				return apperrors.Wrap(apperrors.CodeDeadline, ctx.Err(),
					fmt.Sprintf("appel %s interrompu", c.name))
			case <-timer.C:
			}
		}

		status, respBody, err := c.send(ctx, method, endpoint, payload)
		if err != nil {
			lastErr = err
			c.logger.Warn("outbound request failed",
				zap.String("method", method),
				zap.String("path", path),
				zap.Int("attempt", attempt+1),
				zap.Error(err),
			)
			continue
		}

		if status >= 500 {
			lastErr = fmt.Errorf("%s returned status %d: %s", c.name, status, preview(respBody))
			c.logger.Warn("outbound request got server error",
				zap.String("method", method),
				zap.String("path", path),
				zap.Int("status", status),
				zap.Int("attempt", attempt+1),
			)
			continue
		}

		if status >= 400 {
			c.breaker.RecordSuccess() // the dependency answered; the request was wrong
			return c.clientError(status, respBody)
		}

		c.breaker.RecordSuccess()
		if out != nil && len(respBody) > 0 {
			if err := json.Unmarshal(respBody, out); err != nil {
				return fmt.Errorf("decode %s response: %w", c.name, err)
			}
		}
		return nil
	}

	c.breaker.RecordFailure()
	return apperrors.Wrap(apperrors.CodeDependency, lastErr,
		fmt.Sprintf("le service %s ne répond pas", c.name))
}

func (c *Client) send(ctx context.Context, method, endpoint string, payload []byte) (int, []byte, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return 0, nil, fmt.Errorf("build %s request: %w", c.name, err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("%s request: %w", c.name, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, nil, fmt.Errorf("read %s response: %w", c.name, err)
	}

	c.logger.Debug("outbound request done",
		zap.String("method", method),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(start)),
	)
	return resp.StatusCode, body, nil
}

// clientError maps a downstream 4xx into the shared taxonomy.
func (c *Client) clientError(status int, body []byte) error {
	var parsed struct {
		Message string `json:"message"`
	}
	_ = json.Unmarshal(body, &parsed)
	detail := parsed.Message
	if detail == "" {
		detail = preview(body)
	}

	switch status {
	case http.StatusNotFound:
		return apperrors.New(apperrors.CodeNotFound,
			fmt.Sprintf("%s: %s", c.name, detail))
	case http.StatusConflict:
		return apperrors.New(apperrors.CodeConflict,
			fmt.Sprintf("%s: %s", c.name, detail))
	default:
		return apperrors.New(apperrors.CodeValidation,
			fmt.Sprintf("%s a rejeté la requête: %s", c.name, detail))
	}
}

func preview(body []byte) string {
	const limit = 256
	s := string(body)
	if len(s) > limit {
		return s[:limit]
	}
	return s
}
