package core

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// LogLevel is the severity of a streamed log line.
type LogLevel string

const (
	LevelError   LogLevel = "ERROR"
	LevelWarn    LogLevel = "WARN"
	LevelInfo    LogLevel = "INFO"
	LevelDebug   LogLevel = "DEBUG"
	LevelSuccess LogLevel = "SUCCESS"
)

// ParseLogLevel normalizes the spellings the backend emits.
// Unknown values map to INFO.
func ParseLogLevel(s string) LogLevel {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "ERROR", "ERR", "CRITICAL", "FATAL":
		return LevelError
	case "WARN", "WARNING":
		return LevelWarn
	case "DEBUG", "TRACE":
		return LevelDebug
	case "SUCCESS":
		return LevelSuccess
	default:
		return LevelInfo
	}
}

// LogEntry is a single log line, live or from a history query.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     LogLevel  `json:"level"`
	Source    string    `json:"source"`
	Message   string    `json:"message"`
	Container string    `json:"container,omitempty"`
}

// timestamp layouts seen from the backend, most specific first
var logTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
}

// ParseLogTime accepts RFC3339 and the zone-less forms the backend produces.
// Zone-less values are read as UTC.
func ParseLogTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range logTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

// UnmarshalJSON tolerates loose timestamps and level spellings.
func (e *LogEntry) UnmarshalJSON(data []byte) error {
	var raw struct {
		Timestamp string `json:"timestamp"`
		Level     string `json:"level"`
		Source    string `json:"source"`
		Message   string `json:"message"`
		Container string `json:"container"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw.Message == "" && raw.Timestamp == "" && raw.Level == "" {
		return fmt.Errorf("log entry has no message, level or timestamp")
	}

	*e = LogEntry{
		Level:     ParseLogLevel(raw.Level),
		Source:    raw.Source,
		Message:   raw.Message,
		Container: raw.Container,
	}
	if raw.Timestamp != "" {
		ts, err := ParseLogTime(raw.Timestamp)
		if err != nil {
			return err
		}
		e.Timestamp = ts
	}
	return nil
}
