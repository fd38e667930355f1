package validation

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"opsconsole/core"
)

// authProbePath is a cheap authenticated endpoint.
const authProbePath = "/api/v1/system/status"

// AuthResult represents the result of an authentication check.
type AuthResult struct {
	Authenticated bool
	Message       string
	Error         error
}

// AuthChecker verifies that the backend accepts the configured API token.
type AuthChecker struct {
	timeout time.Duration
	client  *http.Client
}

// NewAuthChecker creates a checker with a 10 second timeout.
func NewAuthChecker() *AuthChecker {
	return &AuthChecker{timeout: 10 * time.Second, client: http.DefaultClient}
}

// WithTimeout sets the timeout for the check.
func (c *AuthChecker) WithTimeout(timeout time.Duration) *AuthChecker {
	c.timeout = timeout
	return c
}

// WithHTTPClient replaces the HTTP client.
func (c *AuthChecker) WithHTTPClient(client *http.Client) *AuthChecker {
	c.client = client
	return c
}

// CheckToken calls an authenticated endpoint with token. An empty token
// passes as long as the backend does not demand one.
func (c *AuthChecker) CheckToken(ctx context.Context, baseURL, token string) AuthResult {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	target := strings.TrimRight(baseURL, "/") + authProbePath
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return AuthResult{Message: "Invalid backend URL", Error: err}
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return AuthResult{
			Message: "Connection failed",
			Error:   core.ErrUpstreamUnavailable(req.URL.Host, err),
		}
	}
	resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized && token == "":
		return AuthResult{
			Message: "Backend requires an API token",
			Error:   core.ErrMissingConfig("OPSCONSOLE_API_TOKEN"),
		}
	case resp.StatusCode == http.StatusUnauthorized:
		return AuthResult{
			Message: "Authentication failed: invalid token",
			Error:   core.ErrAuthFailed("invalid or expired token"),
		}
	case resp.StatusCode == http.StatusForbidden:
		return AuthResult{
			Message: "Authentication failed: access denied",
			Error:   core.ErrAuthFailed("access denied, check the token's permissions"),
		}
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if token == "" {
			return AuthResult{Authenticated: true, Message: "No token configured; backend allows anonymous access"}
		}
		return AuthResult{Authenticated: true, Message: "Token accepted"}
	default:
		return AuthResult{
			Message: fmt.Sprintf("Unexpected status %d from %s", resp.StatusCode, authProbePath),
			Error:   &core.UpstreamError{StatusCode: resp.StatusCode, Path: authProbePath, Message: http.StatusText(resp.StatusCode)},
		}
	}
}
