package validation

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"opsconsole/core"
)

// ConnectivityResult represents the result of a connectivity check.
type ConnectivityResult struct {
	Reachable  bool
	StatusCode int
	Message    string
	Latency    time.Duration
	Error      error
}

// ConnectivityChecker verifies that the backend's REST API and push
// channel answer.
type ConnectivityChecker struct {
	timeout time.Duration
	client  *http.Client
	dialer  *websocket.Dialer
	token   string
}

// NewConnectivityChecker creates a checker with a 10 second timeout.
func NewConnectivityChecker() *ConnectivityChecker {
	return &ConnectivityChecker{
		timeout: 10 * time.Second,
		client:  http.DefaultClient,
		dialer:  websocket.DefaultDialer,
	}
}

// WithTimeout sets the timeout for each check.
func (c *ConnectivityChecker) WithTimeout(timeout time.Duration) *ConnectivityChecker {
	c.timeout = timeout
	return c
}

// WithHTTPClient replaces the HTTP client, e.g. for custom TLS.
func (c *ConnectivityChecker) WithHTTPClient(client *http.Client) *ConnectivityChecker {
	c.client = client
	return c
}

// WithToken sends a bearer token with the push channel handshake.
func (c *ConnectivityChecker) WithToken(token string) *ConnectivityChecker {
	c.token = token
	return c
}

// CheckBackend sends a HEAD request to baseURL. Any HTTP response counts as
// reachable; only transport failures fail the check.
func (c *ConnectivityChecker) CheckBackend(ctx context.Context, baseURL string) ConnectivityResult {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, baseURL, nil)
	if err != nil {
		return ConnectivityResult{
			Message: "Invalid backend URL",
			Error:   core.ErrInvalidConfig("OPSCONSOLE_BACKEND_URL", baseURL, err.Error()),
		}
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	latency := time.Since(start)
	if err != nil {
		msg := "Connection failed"
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			msg = fmt.Sprintf("Connection timed out after %v", c.timeout)
		}
		return ConnectivityResult{
			Message: msg,
			Latency: latency,
			Error:   core.ErrUpstreamUnavailable(req.URL.Host, err),
		}
	}
	resp.Body.Close()

	return ConnectivityResult{
		Reachable:  true,
		StatusCode: resp.StatusCode,
		Message:    fmt.Sprintf("Backend reachable (status: %d)", resp.StatusCode),
		Latency:    latency,
	}
}

// CheckPushChannel completes a WebSocket handshake with wsURL and closes
// the connection again.
func (c *ConnectivityChecker) CheckPushChannel(ctx context.Context, wsURL string) ConnectivityResult {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	conn, resp, err := c.dialer.DialContext(ctx, wsURL, header)
	latency := time.Since(start)
	if err != nil {
		result := ConnectivityResult{Message: "Handshake failed", Latency: latency}
		if resp != nil {
			result.StatusCode = resp.StatusCode
			result.Message = fmt.Sprintf("Handshake rejected (status: %d)", resp.StatusCode)
		}
		result.Error = core.ErrUpstreamUnavailable(wsURL, err)
		return result
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "preflight"),
		time.Now().Add(time.Second))
	conn.Close()

	return ConnectivityResult{
		Reachable:  true,
		StatusCode: http.StatusSwitchingProtocols,
		Message:    "Push channel accepted the handshake",
		Latency:    latency,
	}
}
