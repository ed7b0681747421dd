package zerolog

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"

	"github.com/embedhq/embedgate/pkg/embedgate"
)

func TestZerologLogger_NewLogger(t *testing.T) {
	output := bytes.Buffer{}
	logger := NewLogger(zerolog.New(&output))

	if logger == nil {
		t.Fatal("NewLogger returned nil")
	}
}

func TestZerologLogger_Levels(t *testing.T) {
	output := bytes.Buffer{}
	logger := NewLogger(zerolog.New(&output))

	logger.Debug("debug message", embedgate.Field{Key: "key", Value: "value"})
	logger.Info("info message", embedgate.Field{Key: "key", Value: "value"})
	logger.Warn("warn message", embedgate.Field{Key: "key", Value: "value"})
	logger.Error("error message", embedgate.Field{Key: "key", Value: "value"})

	if output.Len() == 0 {
		t.Error("Expected log output to be written")
	}
}

func TestZerologLogger_LogLevelFiltering(t *testing.T) {
	output := bytes.Buffer{}
	logger := NewLogger(zerolog.New(&output).Level(zerolog.WarnLevel))

	// Debug and Info should be filtered out
	logger.Debug("debug message")
	logger.Info("info message")

	if output.Len() != 0 {
		t.Error("Expected debug and info to be filtered out")
	}

	logger.Warn("warn message")
	logger.Error("error message")

	if output.Len() == 0 {
		t.Error("Expected warn and error to be logged")
	}
}

func TestZerologLogger_Fields(t *testing.T) {
	output := bytes.Buffer{}
	logger := NewLogger(zerolog.New(&output))

	logger.Info("usage recorded",
		embedgate.Field{Key: "appId", Value: "app1"},
		embedgate.Field{Key: "used", Value: 3},
	)

	var entry map[string]interface{}
	if err := json.Unmarshal(output.Bytes(), &entry); err != nil {
		t.Fatalf("Log output is not JSON: %v", err)
	}
	if entry["appId"] != "app1" {
		t.Errorf("Expected appId field, got %v", entry["appId"])
	}
	if entry["used"] != float64(3) {
		t.Errorf("Expected used field, got %v", entry["used"])
	}
	if entry["message"] != "usage recorded" {
		t.Errorf("Expected message, got %v", entry["message"])
	}
}
