package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"go.uber.org/zap"
)

func TestNewWithOutput_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewWithOutput(LevelInfo, FormatJSON, &buf)
	if err != nil {
		t.Fatal(err)
	}

	logger.Info("entry appended", zap.String("scope", "global"), zap.Int64("position", 3))
	_ = logger.Sync()

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not JSON: %v: %s", err, buf.String())
	}
	if entry["level"] != "info" {
		t.Errorf("expected info level, got %v", entry["level"])
	}
	if entry["message"] != "entry appended" {
		t.Errorf("expected message, got %v", entry["message"])
	}
	if entry["scope"] != "global" {
		t.Errorf("expected scope field, got %v", entry["scope"])
	}
	if _, ok := entry["timestamp"]; !ok {
		t.Error("expected timestamp key")
	}
}

func TestNewWithOutput_DebugFiltered(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewWithOutput(LevelInfo, FormatJSON, &buf)
	if err != nil {
		t.Fatal(err)
	}
	logger.Debug("noise")
	_ = logger.Sync()

	if buf.Len() > 0 {
		t.Errorf("expected no output for debug when level is info, got: %s", buf.String())
	}
}

func TestNewWithOutput_Text(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewWithOutput(LevelDebug, FormatText, &buf)
	if err != nil {
		t.Fatal(err)
	}
	logger.Warn("sweep slow")
	_ = logger.Sync()

	out := buf.String()
	if !strings.Contains(out, "WARN") || !strings.Contains(out, "sweep slow") {
		t.Errorf("unexpected console output: %s", out)
	}
}

func TestNewWithOutput_Invalid(t *testing.T) {
	if _, err := NewWithOutput("loud", FormatJSON, &bytes.Buffer{}); err == nil {
		t.Error("expected error for unknown level")
	}
	if _, err := NewWithOutput(LevelInfo, "xml", &bytes.Buffer{}); err == nil {
		t.Error("expected error for unknown format")
	}
}

func TestSetGlobal(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewWithOutput(LevelInfo, FormatJSON, &buf)
	if err != nil {
		t.Fatal(err)
	}
	restore := SetGlobal(logger)
	defer restore()

	L().Info("global")
	_ = L().Sync()
	if !strings.Contains(buf.String(), `"message":"global"`) {
		t.Errorf("expected global logger output, got: %s", buf.String())
	}
}

func TestOrNop(t *testing.T) {
	if OrNop(nil) == nil {
		t.Error("expected no-op logger")
	}
	l := zap.NewExample()
	if OrNop(l) != l {
		t.Error("expected same logger")
	}
}
