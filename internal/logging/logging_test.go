package logging

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestNewWithWriter(t *testing.T) {
	t.Parallel()

	tests := []struct {
		level     string
		debugSeen bool
	}{
		{level: "debug", debugSeen: true},
		{level: "INFO", debugSeen: false},
		{level: "bogus", debugSeen: false},
		{level: "", debugSeen: false},
	}
	for _, tt := range tests {
		var buf bytes.Buffer
		logger := NewWithWriter(&buf, tt.level, "memestream")
		logger.Debug().Msg("debug line")
		if got := buf.Len() > 0; got != tt.debugSeen {
			t.Errorf("level %q: debug logged = %v, want %v", tt.level, got, tt.debugSeen)
		}
	}

	var buf bytes.Buffer
	infoLogger := NewWithWriter(&buf, "info", "memestream")
	infoLogger.Info().Str("object_id", "abc").Msg("ingest committed")
	var event map[string]any
	if err := json.Unmarshal(buf.Bytes(), &event); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	if event["service"] != "memestream" || event["object_id"] != "abc" || event["time"] == nil {
		t.Fatalf("unexpected event %v", event)
	}
}
