package core

import (
	"encoding/json"
	"testing"
	"time"
)

func TestNormalizeDownloadStatus(t *testing.T) {
	tests := map[string]DownloadStatus{
		"":             DownloadPending,
		"initializing": DownloadPending,
		"downloading":  DownloadDownloading,
		"extracting":   DownloadDownloading,
		"completed":    DownloadCompleted,
		"failed":       DownloadFailed,
		"canceled":     DownloadCancelled,
	}
	for in, want := range tests {
		if got := NormalizeDownloadStatus(in); got != want {
			t.Errorf("NormalizeDownloadStatus(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestDownloadTask_Merge(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	task := DownloadTask{TaskID: "t1", ModelID: "m1", Backend: "vllm", Progress: 40, Status: DownloadDownloading}

	var u DownloadUpdate
	if err := json.Unmarshal([]byte(`{"status":"failed","error":"disk full"}`), &u); err != nil {
		t.Fatal(err)
	}
	got := task.Merge(u, now)

	if got.Progress != 40 {
		t.Errorf("Progress = %v, want unreported field kept at 40", got.Progress)
	}
	if got.Status != DownloadFailed || got.Error != "disk full" {
		t.Errorf("Status/Error = %q/%q, want failed/disk full", got.Status, got.Error)
	}
	if !got.UpdatedAt.Equal(now) {
		t.Errorf("UpdatedAt = %v, want %v", got.UpdatedAt, now)
	}
}

func TestSystemMetrics_PeakGPUUtilization(t *testing.T) {
	m := SystemMetrics{GPU: []GPUMetrics{{Utilization: 30}, {Utilization: 77}}}
	if got := m.PeakGPUUtilization(); got != 77 {
		t.Errorf("PeakGPUUtilization() = %v, want 77", got)
	}
	if got := (SystemMetrics{}).PeakGPUUtilization(); got != 0 {
		t.Errorf("PeakGPUUtilization() with no GPU = %v, want 0", got)
	}
}

func TestLogEntry_UnmarshalJSON(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		wantLevel LogLevel
		wantTime  time.Time
		wantErr   bool
	}{
		{
			name:      "rfc3339",
			input:     `{"timestamp":"2026-03-01T10:00:00Z","level":"INFO","source":"vllm","message":"ready"}`,
			wantLevel: LevelInfo,
			wantTime:  time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		},
		{
			name:      "zone-less with micros and WARNING",
			input:     `{"timestamp":"2026-03-01T10:00:00.123456","level":"WARNING","source":"api","message":"slow"}`,
			wantLevel: LevelWarn,
			wantTime:  time.Date(2026, 3, 1, 10, 0, 0, 123456000, time.UTC),
		},
		{
			name:      "space separated",
			input:     `{"timestamp":"2026-03-01 10:00:00","level":"critical","message":"oom"}`,
			wantLevel: LevelError,
			wantTime:  time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		},
		{name: "empty object", input: `{}`, wantErr: true},
		{name: "bad timestamp", input: `{"timestamp":"yesterday","message":"x"}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var e LogEntry
			err := json.Unmarshal([]byte(tt.input), &e)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Unmarshal() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if e.Level != tt.wantLevel {
				t.Errorf("Level = %q, want %q", e.Level, tt.wantLevel)
			}
			if !e.Timestamp.Equal(tt.wantTime) {
				t.Errorf("Timestamp = %v, want %v", e.Timestamp, tt.wantTime)
			}
		})
	}
}

func TestLogEntry_RoundTripKeepsTimestamp(t *testing.T) {
	in := LogEntry{Timestamp: time.Date(2026, 3, 1, 10, 0, 0, 5, time.UTC), Level: LevelSuccess, Source: "s", Message: "m"}
	data, err := json.Marshal(in)
	if err != nil {
		t.Fatal(err)
	}
	var out LogEntry
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatal(err)
	}
	if !out.Timestamp.Equal(in.Timestamp) || out.Level != LevelSuccess {
		t.Errorf("round trip = %+v, want %+v", out, in)
	}
}
