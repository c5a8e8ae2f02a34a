package core

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestStructuredLoggerJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewStructuredLogger("info", "json", &buf)
	logger.Info("decision made", map[string]interface{}{"adapter": "prefect"})

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("expected valid JSON line, got %q: %v", buf.String(), err)
	}
	if entry["message"] != "decision made" {
		t.Errorf("message = %v", entry["message"])
	}
	if entry["adapter"] != "prefect" {
		t.Errorf("adapter field = %v", entry["adapter"])
	}
}

func TestStructuredLoggerDebugGatedByLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewStructuredLogger("info", "json", &buf)
	logger.Debug("should not appear", nil)
	if buf.Len() != 0 {
		t.Errorf("expected no output at info level, got %q", buf.String())
	}

	logger = NewStructuredLogger("debug", "json", &buf)
	logger.Debug("should appear", nil)
	if buf.Len() == 0 {
		t.Error("expected output at debug level")
	}
}

func TestStructuredLoggerWithComponent(t *testing.T) {
	var buf bytes.Buffer
	base := NewStructuredLogger("info", "text", &buf)
	tagged := base.WithComponent("routing/cost")
	tagged.Info("budget checked", nil)

	if !strings.Contains(buf.String(), "routing/cost") {
		t.Errorf("expected component tag in log line, got %q", buf.String())
	}
}
