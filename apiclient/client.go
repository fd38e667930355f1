// Package apiclient is the typed REST client for the appliance backend.
//
// Every request carries an X-Request-ID, waits on a client-side rate
// limiter and is bounded by the configured timeout. Non-2xx responses are
// returned as *core.UpstreamError carrying the server's structured error
// code when it sends one; transport failures are wrapped as
// core.ErrCodeUpstreamUnavailable.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"opsconsole/core"
	"opsconsole/telemetry"
)

// RequestIDHeader is set on every request.
const RequestIDHeader = "X-Request-ID"

// maxErrorBody bounds how much of an error response is read.
const maxErrorBody = 64 << 10

// ErrEmptyBaseURL is returned by New when no backend URL is configured.
var ErrEmptyBaseURL = errors.New("apiclient: base URL is required")

// Config holds the client configuration.
type Config struct {
	// BaseURL is the backend root, e.g. http://localhost:8084.
	BaseURL string
	// Token is sent as a bearer token when set.
	Token string
	// Timeout bounds each request. 0 means no client-side timeout.
	Timeout time.Duration
	// Rate is the steady request rate per second. 0 disables limiting.
	Rate  float64
	Burst int

	HTTPClient *http.Client
	Logger     *zap.Logger
	Metrics    *telemetry.Metrics
}

// ConfigFromCore maps the console configuration onto a client Config.
func ConfigFromCore(c *core.Config) Config {
	return Config{
		BaseURL: c.BackendURL,
		Token:   c.APIToken,
		Timeout: c.RequestTimeout,
		Rate:    c.RequestRate,
		Burst:   c.RequestBurst,
	}
}

// Client talks to the backend REST API. It is safe for concurrent use.
type Client struct {
	base    *url.URL
	token   string
	http    *http.Client
	limiter *rate.Limiter
	logger  *zap.Logger
	metrics *telemetry.Metrics
}

// New creates a client.
func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, ErrEmptyBaseURL
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("apiclient: parse base URL: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("apiclient: base URL %q must use http or https", cfg.BaseURL)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.Rate > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.Rate), burst)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Client{
		base:    base,
		token:   cfg.Token,
		http:    httpClient,
		limiter: limiter,
		logger:  logger.Named("apiclient"),
		metrics: cfg.Metrics,
	}, nil
}

// BaseURL returns the backend root.
func (c *Client) BaseURL() string {
	return c.base.String()
}

// do sends one request and decodes a JSON response into out when out is
// non-nil. op labels logs and metrics.
func (c *Client) do(ctx context.Context, op, method, path string, body, out any) error {
	raw, err := c.send(ctx, op, method, path, body)
	if err != nil {
		return err
	}
	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		c.metrics.APIRequest(op, "decode_error")
		return fmt.Errorf("%s: decode response: %w", op, err)
	}
	return nil
}

// send returns the raw response body of a 2xx response.
func (c *Client) send(ctx context.Context, op, method, path string, body any) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		c.metrics.APIRequest(op, "rate_limited")
		return nil, fmt.Errorf("%s: rate limiter: %w", op, err)
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("%s: encode request: %w", op, err)
		}
		reader = bytes.NewReader(data)
	}

	target := c.base.String() + path
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, fmt.Errorf("%s: build request: %w", op, err)
	}
	requestID := uuid.NewString()
	req.Header.Set(RequestIDHeader, requestID)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	log := c.logger.With(
		zap.String("op", op),
		zap.String("method", method),
		zap.String("path", path),
		zap.String("request_id", requestID),
	)

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.metrics.APIRequest(op, "transport_error")
		log.Warn("Backend request failed", zap.Error(err))
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%s: %w", op, ctx.Err())
		}
		return nil, core.ErrUpstreamUnavailable(c.base.Host, fmt.Errorf("%s: %w", op, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.metrics.APIRequest(op, "http_error")
		uerr := parseUpstreamError(resp, path)
		log.Warn("Backend returned error",
			zap.Int("status", resp.StatusCode),
			zap.String("code", uerr.Code),
			zap.String("message", uerr.Message),
		)
		return nil, uerr
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		c.metrics.APIRequest(op, "transport_error")
		return nil, fmt.Errorf("%s: read response: %w", op, err)
	}
	c.metrics.APIRequest(op, "ok")
	log.Debug("Backend request completed",
		zap.Int("status", resp.StatusCode),
		zap.Duration("duration", time.Since(start)),
	)
	return data, nil
}

// parseUpstreamError reads {"error"|"detail"|"message", "code"} bodies.
// Anything else becomes the message verbatim.
func parseUpstreamError(resp *http.Response, path string) *core.UpstreamError {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	uerr := &core.UpstreamError{StatusCode: resp.StatusCode, Path: path}

	var body struct {
		Error   json.RawMessage `json:"error"`
		Detail  json.RawMessage `json:"detail"`
		Message string          `json:"message"`
		Code    string          `json:"code"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		uerr.Message = strings.TrimSpace(string(data))
		if uerr.Message == "" {
			uerr.Message = http.StatusText(resp.StatusCode)
		}
		return uerr
	}

	uerr.Code = body.Code
	for _, candidate := range []json.RawMessage{body.Error, body.Detail} {
		if msg := textOf(candidate); msg != "" {
			uerr.Message = msg
			break
		}
	}
	if uerr.Message == "" {
		uerr.Message = body.Message
	}
	if uerr.Message == "" {
		uerr.Message = http.StatusText(resp.StatusCode)
	}
	return uerr
}

// textOf returns a JSON string's value, or the raw JSON for other values.
func textOf(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

// decodeList accepts either a bare JSON array or an object holding the
// array under key.
func decodeList[T any](raw []byte, key string) ([]T, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || isNull(raw) {
		return nil, nil
	}
	if raw[0] == '[' {
		var out []T
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, err
		}
		return out, nil
	}
	var wrapped map[string]json.RawMessage
	if err := json.Unmarshal(raw, &wrapped); err != nil {
		return nil, err
	}
	inner, ok := wrapped[key]
	if !ok {
		return nil, fmt.Errorf("response has no %q field", key)
	}
	if isNull(bytes.TrimSpace(inner)) {
		return nil, nil
	}
	var out []T
	if err := json.Unmarshal(inner, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func isNull(raw []byte) bool {
	return string(raw) == "null"
}
