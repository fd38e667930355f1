package app

import (
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
)

// Option customizes New.
type Option func(*options)

type options struct {
	registry   *prometheus.Registry
	httpClient *http.Client
	dialer     *websocket.Dialer
	noDatabase bool
}

// WithRegistry registers the console metrics on reg instead of a fresh
// private registry.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(o *options) {
		o.registry = reg
	}
}

// WithHTTPClient replaces the REST client's transport.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) {
		o.httpClient = c
	}
}

// WithDialer replaces the WebSocket dialer for the push and log channels.
func WithDialer(d *websocket.Dialer) Option {
	return func(o *options) {
		o.dialer = d
	}
}

// WithoutDatabase skips SQLite entirely. Preferences are not loaded or
// saved and finished downloads are not recorded. One-shot commands use it.
func WithoutDatabase() Option {
	return func(o *options) {
		o.noDatabase = true
	}
}
