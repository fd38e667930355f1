// Package router dispatches push-channel messages to typed state reducers.
//
// A Router holds one Reducer per message type. Dispatch is synchronous, so
// messages fed from a single channel reader are applied in arrival order.
// Unknown types and reducer failures are logged and dropped; neither stops
// the stream.
package router

import (
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"opsconsole/telemetry"
)

// Reducer applies one message to application state.
type Reducer func(msg WireMessage) error

// Router maps message types to reducers.
type Router struct {
	logger  *zap.Logger
	metrics *telemetry.Metrics

	mu       sync.RWMutex
	reducers map[string]Reducer
}

// New creates a router with no reducers. logger and metrics may be nil.
func New(logger *zap.Logger, metrics *telemetry.Metrics) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		logger:   logger.Named("router"),
		metrics:  metrics,
		reducers: make(map[string]Reducer),
	}
}

// Handle registers fn for msgType, replacing any previous reducer.
func (r *Router) Handle(msgType string, fn Reducer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reducers[msgType] = fn
}

// Types returns the registered message types.
func (r *Router) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.reducers))
	for t := range r.reducers {
		out = append(out, t)
	}
	return out
}

// Dispatch invokes the reducer for msg.Type. It reports whether the message
// was applied.
func (r *Router) Dispatch(msg WireMessage) bool {
	r.mu.RLock()
	fn, ok := r.reducers[msg.Type]
	r.mu.RUnlock()

	if !ok {
		r.logger.Debug("Ignoring unknown message type", zap.String("type", msg.Type))
		r.metrics.RouterMessage(msg.Type, "unknown")
		return false
	}

	if err := fn(msg); err != nil {
		r.logger.Warn("Dropping message",
			zap.String("type", msg.Type),
			zap.Error(err),
		)
		r.metrics.RouterMessage(msg.Type, "error")
		return false
	}

	r.metrics.RouterMessage(msg.Type, "ok")
	return true
}

// DispatchRaw decodes a frame and dispatches it. It has the signature of a
// channel.Channel message subscriber.
func (r *Router) DispatchRaw(raw json.RawMessage) {
	msg, err := ParseWireMessage(raw)
	if err != nil {
		r.logger.Warn("Dropping malformed message", zap.Error(err))
		r.metrics.RouterMessage("", "malformed")
		return
	}
	r.Dispatch(msg)
}
