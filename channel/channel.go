// Package channel maintains a single resilient WebSocket connection to the
// appliance backend and fans parsed JSON frames out to subscribers.
//
// A Channel owns its connection state and the physical connection. On any
// transport failure it moves to StateReconnecting and dials again after a
// bounded exponential backoff. Dial failures never surface to the caller of
// Open; they are observable through OnStateChange, OnGiveUp and LastError.
package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// State is the connection lifecycle state.
type State int

const (
	StateConnecting State = iota
	StateOpen
	StateClosed
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	case StateReconnecting:
		return "reconnecting"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var (
	// ErrAlreadyOpen is returned by Open while the channel is running.
	ErrAlreadyOpen = errors.New("channel: already open")
	// ErrNotConnected is returned by Send when no connection is established.
	ErrNotConnected = errors.New("channel: not connected")
	// ErrGaveUp is passed to OnGiveUp subscribers when MaxAttempts is exhausted.
	ErrGaveUp = errors.New("channel: giving up after maximum reconnect attempts")
)

type messageSub struct {
	id int
	fn func(json.RawMessage)
}

// Channel is a reconnecting WebSocket client. Create one with New.
type Channel struct {
	cfg     Config
	logger  *zap.Logger
	dialer  *websocket.Dialer
	breaker *gobreaker.CircuitBreaker

	mu      sync.Mutex
	state   State
	conn    *websocket.Conn
	running bool
	gaveUp  bool
	lastErr error
	cancel  context.CancelFunc
	done    chan struct{}

	subMu      sync.RWMutex
	nextSubID  int
	msgSubs    []messageSub
	stateSubs  []func(State)
	connSubs   []func(bool)
	giveUpSubs []func(error)

	writeMu sync.Mutex
}

// New creates a closed channel. Call Open to start connecting.
func New(cfg Config) *Channel {
	cfg = cfg.withDefaults()

	dialer := websocket.DefaultDialer
	if cfg.Dialer != nil {
		dialer = cfg.Dialer
	}
	d := *dialer
	if cfg.HandshakeTimeout > 0 {
		d.HandshakeTimeout = cfg.HandshakeTimeout
	}

	c := &Channel{
		cfg:    cfg,
		logger: cfg.Logger.With(zap.String("channel", cfg.Name)),
		dialer: &d,
		state:  StateClosed,
	}

	if cfg.BreakerThreshold > 0 {
		threshold := cfg.BreakerThreshold
		c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        cfg.Name,
			MaxRequests: 1,
			Timeout:     cfg.BreakerCooldown,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= threshold
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				c.logger.Info("Circuit breaker state changed",
					zap.String("from", from.String()),
					zap.String("to", to.String()),
				)
			},
		})
	}
	return c
}

// OnMessage registers fn for every well-formed JSON frame. Callbacks run on
// the reader goroutine in arrival order and must not call Close.
// The returned func removes the subscription.
func (c *Channel) OnMessage(fn func(json.RawMessage)) (unsubscribe func()) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	c.nextSubID++
	id := c.nextSubID
	c.msgSubs = append(c.msgSubs, messageSub{id: id, fn: fn})

	return func() {
		c.subMu.Lock()
		defer c.subMu.Unlock()
		for i, s := range c.msgSubs {
			if s.id == id {
				c.msgSubs = append(c.msgSubs[:i:i], c.msgSubs[i+1:]...)
				return
			}
		}
	}
}

// OnStateChange registers fn for every state transition.
func (c *Channel) OnStateChange(fn func(State)) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	c.stateSubs = append(c.stateSubs, fn)
}

// OnConnectedChange registers fn for the boolean connected signal. It fires
// only when the channel enters or leaves StateOpen.
func (c *Channel) OnConnectedChange(fn func(bool)) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	c.connSubs = append(c.connSubs, fn)
}

// OnGiveUp registers fn for the moment the retry budget is exhausted.
// The error wraps ErrGaveUp and the last dial failure.
func (c *Channel) OnGiveUp(fn func(error)) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	c.giveUpSubs = append(c.giveUpSubs, fn)
}

// Open starts the connection loop in the background and returns
// immediately. The loop stops when ctx is cancelled or Close is called.
func (c *Channel) Open(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return ErrAlreadyOpen
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.running = true
	c.gaveUp = false
	c.lastErr = nil
	c.cancel = cancel
	c.done = make(chan struct{})
	done := c.done
	c.mu.Unlock()

	c.logger.Info("Opening channel", zap.String("url", c.cfg.URL))
	go c.run(runCtx, done)
	return nil
}

// Close stops the connection loop, closes the connection and waits for the
// reader goroutine to exit. After Close returns no subscriber is invoked.
// Close on a closed channel is a no-op.
func (c *Channel) Close() error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	cancel, done, conn := c.cancel, c.done, c.conn
	c.mu.Unlock()

	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
	}
	cancel()
	<-done
	return nil
}

// Send writes v as a JSON text frame on the current connection.
func (c *Channel) Send(v any) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait)); err != nil {
		return err
	}
	return conn.WriteJSON(v)
}

// State returns the current connection state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connected reports whether the channel is in StateOpen.
func (c *Channel) Connected() bool {
	return c.State() == StateOpen
}

// GaveUp reports whether the last run ended because MaxAttempts was reached.
func (c *Channel) GaveUp() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gaveUp
}

// LastError returns the most recent dial or read failure, if any.
func (c *Channel) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// BreakerState returns "closed", "half-open", "open" or "disabled".
func (c *Channel) BreakerState() string {
	if c.breaker == nil {
		return "disabled"
	}
	return c.breaker.State().String()
}

// Name returns the configured channel name.
func (c *Channel) Name() string {
	return c.cfg.Name
}

func (c *Channel) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer c.finish()

	b := c.newBackoff()
	failures := 0

	c.setState(StateConnecting)
	for {
		conn, err := c.dial(ctx)
		if err == nil {
			failures = 0
			b.Reset()
			c.attach(conn)
			err = c.readLoop(ctx, conn)
			c.detach(conn)
			if ctx.Err() != nil {
				return
			}
			c.recordError(err)
			c.logger.Warn("Stream error, reconnecting", zap.Error(err))
		} else {
			if ctx.Err() != nil {
				return
			}
			failures++
			c.recordError(err)
			if c.cfg.MaxAttempts > 0 && failures >= c.cfg.MaxAttempts {
				c.giveUp(err, failures)
				return
			}
			c.logger.Warn("Connection failed",
				zap.Error(err),
				zap.Int("attempt", failures),
				zap.String("breaker", c.BreakerState()),
			)
		}

		c.setState(StateReconnecting)
		delay := b.NextBackOff()
		c.logger.Debug("Waiting before reconnect", zap.Duration("delay", delay))
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		c.cfg.Metrics.ChannelReconnect(c.cfg.Name)
	}
}

func (c *Channel) newBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.InitialBackoff
	b.MaxInterval = c.cfg.MaxBackoff
	b.Multiplier = c.cfg.Multiplier
	b.RandomizationFactor = c.cfg.Jitter
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func (c *Channel) dial(ctx context.Context) (*websocket.Conn, error) {
	dialOnce := func() (interface{}, error) {
		conn, resp, err := c.dialer.DialContext(ctx, c.cfg.URL, c.cfg.Header)
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		if err != nil {
			if resp != nil {
				return nil, fmt.Errorf("dial %s: %w (HTTP %d)", c.cfg.URL, err, resp.StatusCode)
			}
			return nil, fmt.Errorf("dial %s: %w", c.cfg.URL, err)
		}
		return conn, nil
	}

	if c.breaker == nil {
		v, err := dialOnce()
		if err != nil {
			return nil, err
		}
		return v.(*websocket.Conn), nil
	}

	v, err := c.breaker.Execute(dialOnce)
	if err != nil {
		return nil, err
	}
	return v.(*websocket.Conn), nil
}

// readLoop delivers frames until the connection fails or ctx is cancelled.
func (c *Channel) readLoop(ctx context.Context, conn *websocket.Conn) error {
	if c.cfg.ReadLimit > 0 {
		conn.SetReadLimit(c.cfg.ReadLimit)
	}
	if c.cfg.PongWait > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
		})
	}

	stopPing := make(chan struct{})
	defer close(stopPing)
	if c.cfg.PingInterval > 0 {
		go c.pingLoop(conn, stopPing)
	}

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if c.cfg.PongWait > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
		}

		data = bytes.TrimSpace(data)
		if !json.Valid(data) {
			c.logger.Warn("Dropping malformed frame", zap.Int("bytes", len(data)))
			c.cfg.Metrics.FrameDropped(c.cfg.Name, "malformed")
			continue
		}
		c.emit(json.RawMessage(data))
	}
}

func (c *Channel) pingLoop(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.WriteWait)); err != nil {
				return
			}
		}
	}
}

func (c *Channel) emit(msg json.RawMessage) {
	c.subMu.RLock()
	subs := make([]messageSub, len(c.msgSubs))
	copy(subs, c.msgSubs)
	c.subMu.RUnlock()

	for _, s := range subs {
		s.fn(msg)
	}
}

func (c *Channel) attach(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.lastErr = nil
	c.mu.Unlock()
	c.logger.Info("Channel connected")
	c.setState(StateOpen)
}

func (c *Channel) detach(conn *websocket.Conn) {
	conn.Close()
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
}

func (c *Channel) recordError(err error) {
	c.mu.Lock()
	c.lastErr = err
	c.mu.Unlock()
}

func (c *Channel) giveUp(err error, attempts int) {
	wrapped := fmt.Errorf("%w (%d attempts): %w", ErrGaveUp, attempts, err)
	c.mu.Lock()
	c.gaveUp = true
	c.lastErr = wrapped
	c.mu.Unlock()

	c.logger.Error("Giving up on channel", zap.Int("attempts", attempts), zap.Error(err))

	c.subMu.RLock()
	subs := append([]func(error){}, c.giveUpSubs...)
	c.subMu.RUnlock()
	for _, fn := range subs {
		fn(wrapped)
	}
}

// finish runs on the reader goroutine as it exits.
func (c *Channel) finish() {
	c.setState(StateClosed)
	c.mu.Lock()
	c.running = false
	c.conn = nil
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (c *Channel) setState(s State) {
	c.mu.Lock()
	prev := c.state
	if prev == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	c.mu.Unlock()

	c.cfg.Metrics.ChannelState(c.cfg.Name, int(s))
	c.logger.Debug("Channel state changed",
		zap.Stringer("from", prev),
		zap.Stringer("to", s),
	)

	c.subMu.RLock()
	stateSubs := append([]func(State){}, c.stateSubs...)
	connSubs := append([]func(bool){}, c.connSubs...)
	c.subMu.RUnlock()

	for _, fn := range stateSubs {
		fn(s)
	}
	if (prev == StateOpen) != (s == StateOpen) {
		for _, fn := range connSubs {
			fn(s == StateOpen)
		}
	}
}
