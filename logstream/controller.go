// Package logstream tails one log source over its own reconnecting
// channel into a bounded buffer.
//
// A Controller is bound to at most one (source, filters) subscription at a
// time. Switching subscriptions is atomic: once Start returns, no entry from
// the previous subscription is delivered. Reconnects are handled by the
// underlying channel and never clear the buffer.
package logstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"opsconsole/channel"
	"opsconsole/core"
	"opsconsole/ringbuf"
	"opsconsole/telemetry"
)

// DefaultMaxLines is the buffer capacity when Config.MaxLines is unset.
const DefaultMaxLines = 1000

// Status is the controller's streaming state.
type Status int

const (
	StatusIdle Status = iota
	StatusConnecting
	StatusStreaming
	StatusReconnecting
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusConnecting:
		return "connecting"
	case StatusStreaming:
		return "streaming"
	case StatusReconnecting:
		return "reconnecting"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Config configures a Controller.
type Config struct {
	// BaseURL is the log stream endpoint, e.g. ws://host:8084/ws/logs.
	BaseURL string
	// MaxLines bounds the buffer. Defaults to DefaultMaxLines.
	MaxLines int
	// Channel is the template for each subscription's channel. URL and Name
	// are set per subscription.
	Channel channel.Config

	Logger  *zap.Logger
	Metrics *telemetry.Metrics
}

// Controller streams one log source at a time. Create one with New.
type Controller struct {
	cfg    Config
	logger *zap.Logger
	buf    *ringbuf.Ring[core.LogEntry]

	opMu sync.Mutex // serializes Start and Stop

	mu      sync.Mutex
	gen     uint64
	ch      *channel.Channel
	active  bool
	source  string
	filters Filters
	status  Status
	lastErr error

	subMu      sync.RWMutex
	entrySubs  []func(core.LogEntry)
	statusSubs []func(Status)
}

// New creates an idle controller.
func New(cfg Config) *Controller {
	if cfg.MaxLines < 1 {
		cfg.MaxLines = DefaultMaxLines
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Controller{
		cfg:    cfg,
		logger: cfg.Logger.Named("logstream"),
		buf:    ringbuf.New[core.LogEntry](cfg.MaxLines),
	}
}

// OnEntry registers fn for every live entry, in arrival order. Callbacks run
// on the stream's reader goroutine and must not call Start or Stop.
func (c *Controller) OnEntry(fn func(core.LogEntry)) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	c.entrySubs = append(c.entrySubs, fn)
}

// OnStatus registers fn for status transitions.
func (c *Controller) OnStatus(fn func(Status)) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	c.statusSubs = append(c.statusSubs, fn)
}

// Start subscribes to source with filters. It is a no-op when already
// subscribed to the same source and filters. Otherwise the current
// subscription is closed first and its reader has exited before the new
// one is opened. The stream runs until Stop or until ctx is cancelled.
func (c *Controller) Start(ctx context.Context, source string, filters Filters) error {
	target, err := StreamURL(c.cfg.BaseURL, source, filters)
	if err != nil {
		return err
	}
	filters = filters.normalized()

	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	if c.active && c.source == source && c.filters.Equal(filters) {
		c.mu.Unlock()
		return nil
	}
	c.gen++
	gen := c.gen
	old := c.ch
	c.ch = nil
	c.active = false
	c.source = source
	c.filters = filters
	c.lastErr = nil
	c.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}

	chCfg := c.cfg.Channel
	chCfg.URL = target
	chCfg.Name = "logs:" + source
	if chCfg.Logger == nil {
		chCfg.Logger = c.cfg.Logger
	}
	if chCfg.Metrics == nil {
		chCfg.Metrics = c.cfg.Metrics
	}
	ch := channel.New(chCfg)
	ch.OnMessage(func(raw json.RawMessage) { c.handleEntry(gen, raw) })
	ch.OnStateChange(func(s channel.State) { c.handleState(gen, s) })
	ch.OnGiveUp(func(err error) { c.handleGiveUp(gen, err) })

	c.mu.Lock()
	c.ch = ch
	c.active = true
	c.mu.Unlock()

	c.logger.Info("Starting log stream",
		zap.String("source", source),
		zap.Any("levels", filters.Levels),
		zap.String("search", filters.Search),
	)
	c.setStatus(gen, StatusConnecting)
	return ch.Open(ctx)
}

// Stop closes the subscription. The buffer is kept.
func (c *Controller) Stop() {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	c.gen++
	gen := c.gen
	old := c.ch
	c.ch = nil
	c.active = false
	c.mu.Unlock()

	if old != nil {
		_ = old.Close()
		c.logger.Info("Stopped log stream", zap.String("source", c.Source()))
	}
	c.setStatus(gen, StatusIdle)
}

// Close stops streaming. It satisfies the shutdown registry's signature.
func (c *Controller) Close(ctx context.Context) error {
	c.Stop()
	return nil
}

// Status returns the current streaming state.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Streaming reports whether entries are currently arriving.
func (c *Controller) Streaming() bool {
	return c.Status() == StatusStreaming
}

// Source returns the current or last subscribed source.
func (c *Controller) Source() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.source
}

// Filters returns the current or last subscription filters.
func (c *Controller) Filters() Filters {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.filters
}

// LastError returns why the stream is not streaming, if known. The error
// carries core.ErrCodeStreamFailed; pass it to core.Remediation for text.
func (c *Controller) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Entries returns the buffer, oldest first.
func (c *Controller) Entries() []core.LogEntry {
	return c.buf.ToSlice()
}

// MaxLines returns the buffer capacity.
func (c *Controller) MaxLines() int {
	return c.buf.Cap()
}

// SetMaxLines resizes the buffer, dropping the oldest entries if it shrinks.
func (c *Controller) SetMaxLines(n int) error {
	if n < 1 {
		return fmt.Errorf("max lines must be at least 1, got %d", n)
	}
	c.buf.Resize(n)
	return nil
}

// Clear empties the buffer.
func (c *Controller) Clear() {
	c.buf.Clear()
}

// LoadHistory replaces the buffer with a batch from a history query,
// keeping the newest entries that fit.
func (c *Controller) LoadHistory(entries []core.LogEntry) {
	c.buf.Reset(entries)
}

func (c *Controller) handleEntry(gen uint64, raw json.RawMessage) {
	var entry core.LogEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		c.logger.Debug("Dropping undecodable log entry", zap.Error(err))
		return
	}

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.buf.Push(entry)
	c.mu.Unlock()

	c.cfg.Metrics.LogEntry()

	c.subMu.RLock()
	subs := append([]func(core.LogEntry){}, c.entrySubs...)
	c.subMu.RUnlock()
	for _, fn := range subs {
		fn(entry)
	}
}

func (c *Controller) handleState(gen uint64, s channel.State) {
	switch s {
	case channel.StateConnecting:
		c.setStatus(gen, StatusConnecting)
	case channel.StateOpen:
		c.mu.Lock()
		if gen == c.gen {
			c.lastErr = nil
		}
		c.mu.Unlock()
		c.setStatus(gen, StatusStreaming)
	case channel.StateReconnecting:
		c.mu.Lock()
		if gen == c.gen && c.ch != nil {
			if err := c.ch.LastError(); err != nil {
				c.lastErr = core.ErrStreamFailed(c.source, err)
			}
		}
		c.mu.Unlock()
		c.setStatus(gen, StatusReconnecting)
	case channel.StateClosed:
		// The channel also closes when the Start context ends, so the
		// subscription is no longer active even though Stop was not called.
		c.mu.Lock()
		if gen == c.gen {
			c.active = false
		}
		c.mu.Unlock()
		c.setStatus(gen, StatusIdle)
	}
}

func (c *Controller) handleGiveUp(gen uint64, err error) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.active = false
	c.lastErr = core.ErrStreamFailed(c.source, err)
	source := c.source
	c.mu.Unlock()

	c.logger.Warn("Log stream gave up", zap.String("source", source), zap.Error(err))
}

// setStatus applies s only if gen is still the current subscription.
func (c *Controller) setStatus(gen uint64, s Status) {
	c.mu.Lock()
	if gen != c.gen || c.status == s {
		c.mu.Unlock()
		return
	}
	c.status = s
	c.mu.Unlock()

	c.subMu.RLock()
	subs := append([]func(Status){}, c.statusSubs...)
	c.subMu.RUnlock()
	for _, fn := range subs {
		fn(s)
	}
}

// IsStreamFailure reports whether err came from a stream that could not be
// kept open.
func IsStreamFailure(err error) bool {
	var ce *core.ConsoleError
	return errors.As(err, &ce) && ce.Code == core.ErrCodeStreamFailed
}
