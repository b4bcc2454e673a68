package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"setu/internal/platform/metrics"
)

// Client performs outbound peer calls with a bounded per-call timeout. There
// is no retry, backoff, or dead-letter queue; failures are logged and the
// correlation entry stays pending.
type Client struct {
	http    *http.Client
	timeout time.Duration
	logger  *slog.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer
}

// NewClient constructs a peer client.
func NewClient(timeout time.Duration, logger *slog.Logger, m *metrics.Metrics) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		http:    &http.Client{Timeout: timeout},
		timeout: timeout,
		logger:  logger,
		metrics: m,
		tracer:  otel.Tracer("setu/gateway"),
	}
}

// StatusError is a non-2xx peer response.
type StatusError struct {
	Destination string
	StatusCode  int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("call %s: unexpected status %d", e.Destination, e.StatusCode)
}

// IsUnauthorized reports whether err is a 401 peer response.
func IsUnauthorized(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == http.StatusUnauthorized
}

// Post sends a JSON payload to the given URL. The destination label is used
// for metrics and tracing only.
func (c *Client) Post(ctx context.Context, destination, url string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	return c.PostRaw(ctx, destination, url, body)
}

// PostRaw sends pre-encoded JSON to the given URL.
func (c *Client) PostRaw(ctx context.Context, destination, url string, body []byte) error {
	return c.do(ctx, destination, url, body, "", nil)
}

// PostRawBearer sends pre-encoded JSON with a bearer session token attached.
func (c *Client) PostRawBearer(ctx context.Context, destination, url string, body []byte, token string) error {
	return c.do(ctx, destination, url, body, token, nil)
}

// PostForResult sends a JSON payload and decodes the JSON response into out.
func (c *Client) PostForResult(ctx context.Context, destination, url string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	return c.do(ctx, destination, url, body, "", out)
}

func (c *Client) do(ctx context.Context, destination, url string, body []byte, token string, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	ctx, span := c.tracer.Start(ctx, "peer.post",
		trace.WithAttributes(
			attribute.String("peer.destination", destination),
			attribute.String("peer.url", url),
		),
	)
	defer span.End()

	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("build peer request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if c.metrics != nil {
		c.metrics.ObservePeerCallLatency(destination, time.Since(start).Seconds())
	}
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("call %s: %w", destination, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		span.SetStatus(codes.Error, resp.Status)
		return &StatusError{Destination: destination, StatusCode: resp.StatusCode}
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			span.SetStatus(codes.Error, err.Error())
			return fmt.Errorf("decode %s response: %w", destination, err)
		}
	}
	return nil
}
