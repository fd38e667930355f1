package channel

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"opsconsole/telemetry"
)

// Config holds the channel configuration.
type Config struct {
	// Name labels log lines and metrics, e.g. "push" or "logs:vllm".
	Name string
	// URL is the ws:// or wss:// endpoint.
	URL string
	// Header is sent with every handshake (auth token, request id).
	Header http.Header
	// Dialer overrides websocket.DefaultDialer.
	Dialer *websocket.Dialer

	// Reconnect backoff. Delays grow from InitialBackoff by Multiplier up to
	// MaxBackoff, each randomized by +/- Jitter (0..1).
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
	Jitter         float64
	// MaxAttempts is the number of consecutive failed dials after which the
	// channel gives up. 0 retries forever.
	MaxAttempts int

	// BreakerThreshold is the number of consecutive dial failures that opens
	// the circuit breaker. 0 disables the breaker.
	BreakerThreshold uint32
	// BreakerCooldown is how long the breaker stays open before a trial dial.
	BreakerCooldown time.Duration

	HandshakeTimeout time.Duration
	PingInterval     time.Duration // 0 disables client pings
	PongWait         time.Duration // 0 disables the read deadline
	WriteWait        time.Duration
	ReadLimit        int64

	Logger  *zap.Logger
	Metrics *telemetry.Metrics
}

// DefaultConfig returns a Config for url with exponential backoff from 1s
// to 30s, 20% jitter, unlimited retries and a breaker that opens after 5
// consecutive failures.
func DefaultConfig(url string) Config {
	return Config{
		Name:             "push",
		URL:              url,
		InitialBackoff:   time.Second,
		MaxBackoff:       30 * time.Second,
		Multiplier:       2,
		Jitter:           0.2,
		MaxAttempts:      0,
		BreakerThreshold: 5,
		BreakerCooldown:  30 * time.Second,
		HandshakeTimeout: 10 * time.Second,
		PingInterval:     30 * time.Second,
		PongWait:         60 * time.Second,
		WriteWait:        10 * time.Second,
		ReadLimit:        1 << 20,
	}
}

// WithFixedDelay returns a copy of c that waits exactly d between attempts.
func (c Config) WithFixedDelay(d time.Duration) Config {
	c.InitialBackoff = d
	c.MaxBackoff = d
	c.Multiplier = 1
	c.Jitter = 0
	return c
}

// withDefaults fills zero durations and multipliers from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig(c.URL)
	if c.Name == "" {
		c.Name = d.Name
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = d.InitialBackoff
	}
	if c.MaxBackoff < c.InitialBackoff {
		c.MaxBackoff = c.InitialBackoff
	}
	if c.Multiplier < 1 {
		c.Multiplier = d.Multiplier
	}
	if c.Jitter < 0 || c.Jitter >= 1 {
		c.Jitter = d.Jitter
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = d.BreakerCooldown
	}
	if c.WriteWait <= 0 {
		c.WriteWait = d.WriteWait
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}
