package router

import (
	"encoding/json"
	"fmt"
)

// Message type constants for the push channel.
const (
	// TypeSystemUpdate carries a full SystemMetrics snapshot.
	TypeSystemUpdate = "system_update"

	// TypeServiceUpdate carries one (possibly partial) ServiceSnapshot.
	TypeServiceUpdate = "service_update"

	// TypeModelUpdate carries one (possibly partial) ModelSnapshot.
	TypeModelUpdate = "model_update"

	// TypeLogEntry carries a single LogEntry for the activity feed.
	TypeLogEntry = "log_entry"

	// TypeDownloadProgress carries a DownloadUpdate.
	TypeDownloadProgress = "download_progress"
)

// WireMessage is the tagged-union envelope sent by the backend.
// The payload normally travels in "data"; "payload" is accepted too.
type WireMessage struct {
	// Type selects the reducer (use the Type* constants)
	Type string `json:"type"`

	// Data is the type-specific payload, left undecoded
	Data json.RawMessage `json:"data,omitempty"`

	// Payload is the alternate envelope field
	Payload json.RawMessage `json:"payload,omitempty"`

	// ModelID is set on download_progress envelopes
	ModelID string `json:"model_id,omitempty"`
}

// Body returns the payload from whichever envelope field is populated.
func (m WireMessage) Body() json.RawMessage {
	if len(m.Data) > 0 {
		return m.Data
	}
	return m.Payload
}

// ParseWireMessage decodes one frame. A frame without a type is rejected.
func ParseWireMessage(raw []byte) (WireMessage, error) {
	var m WireMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return m, fmt.Errorf("decode wire message: %w", err)
	}
	if m.Type == "" {
		return m, fmt.Errorf("decode wire message: missing type")
	}
	return m, nil
}
