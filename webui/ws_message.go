package webui

import (
	"time"

	"opsconsole/app"
	"opsconsole/core"
	"opsconsole/health"
	"opsconsole/store"
)

// Message types sent to UI clients.
const (
	// MessageTypeState carries a full app.State. It is the first message on
	// every connection.
	MessageTypeState = "state"

	MessageTypeSystem     = "system_update"
	MessageTypeService    = "service_update"
	MessageTypeModel      = "model_update"
	MessageTypeDownload   = "download_update"
	MessageTypeActivity   = "activity"
	MessageTypeConnection = "connection"
	MessageTypeLogLine    = "log_line"

	// MessageTypeResync tells the client to refetch /api/state. It follows a
	// whole-store replacement, where per-item deltas would be incomplete.
	MessageTypeResync = "resync"
)

// WSMessage is the envelope for every message to UI clients.
type WSMessage struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Key       string    `json:"key,omitempty"`
	Data      any       `json:"data,omitempty"`
}

// NewWSMessage stamps a message with the current time.
func NewWSMessage(msgType string, data any) WSMessage {
	return WSMessage{
		Type:      msgType,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// SystemData pairs the latest metrics with the health they produce.
type SystemData struct {
	Metrics core.SystemMetrics `json:"metrics"`
	Health  health.Report      `json:"health"`
}

// RemovedData marks a keyed entry that no longer exists.
type RemovedData struct {
	Removed bool `json:"removed"`
}

// NewStateMessage wraps a full snapshot.
func NewStateMessage(s app.State) WSMessage {
	return NewWSMessage(MessageTypeState, s)
}

// NewConnectionMessage wraps the push channel status.
func NewConnectionMessage(cs app.ConnectionState) WSMessage {
	return NewWSMessage(MessageTypeConnection, cs)
}

// NewLogLineMessage wraps one live log entry.
func NewLogLineMessage(e core.LogEntry) WSMessage {
	return NewWSMessage(MessageTypeLogLine, e)
}

// changeMessage turns a store change into the delta a client applies.
// Keyed changes carry the current item, or RemovedData when it is gone.
func changeMessage(c *app.Console, ch store.Change) WSMessage {
	stores := c.Stores()
	var msg WSMessage
	switch ch.Kind {
	case store.KindSystem:
		m, _, _ := stores.Metrics.Latest()
		msg = NewWSMessage(MessageTypeSystem, SystemData{Metrics: m, Health: c.Health()})
	case store.KindActivity:
		entries := stores.Activity.Entries()
		if len(entries) == 0 {
			return NewWSMessage(MessageTypeResync, nil)
		}
		msg = NewWSMessage(MessageTypeActivity, entries[len(entries)-1])
	case store.KindService:
		if ch.Key == "" {
			return NewWSMessage(MessageTypeResync, nil)
		}
		msg = keyed(MessageTypeService, ch.Key, stores.Services.Get)
	case store.KindModel:
		if ch.Key == "" {
			return NewWSMessage(MessageTypeResync, nil)
		}
		msg = keyed(MessageTypeModel, ch.Key, stores.Models.Get)
	case store.KindDownload:
		if ch.Key == "" {
			return NewWSMessage(MessageTypeResync, nil)
		}
		msg = keyed(MessageTypeDownload, ch.Key, stores.Downloads.Get)
	default:
		return NewWSMessage(MessageTypeResync, nil)
	}
	msg.Key = ch.Key
	return msg
}

func keyed[T any](msgType, key string, get func(string) (T, bool)) WSMessage {
	v, ok := get(key)
	if !ok {
		return NewWSMessage(msgType, RemovedData{Removed: true})
	}
	return NewWSMessage(msgType, v)
}
