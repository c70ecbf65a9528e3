package genai

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestDebugLogging(t *testing.T) {
	stateDir := t.TempDir()
	client := &Client{
		chat:        &mockChatService{resp: completion("Test response")},
		model:       "test-model",
		temperature: 0.7,
		maxTokens:   100,
		debugMode:   true,
		stateDir:    stateDir,
	}

	if _, err := client.Complete(context.Background(), "System prompt", "User prompt"); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}

	files, err := os.ReadDir(filepath.Join(stateDir, "debug"))
	if err != nil {
		t.Fatalf("Failed to read debug directory: %v", err)
	}
	if len(files) != 1 {
		t.Fatalf("expected one debug file, got %d", len(files))
	}

	content, err := os.ReadFile(filepath.Join(stateDir, "debug", files[0].Name()))
	if err != nil {
		t.Fatalf("Failed to read debug file: %v", err)
	}
	var logEntry map[string]interface{}
	if err := json.Unmarshal(content, &logEntry); err != nil {
		t.Fatalf("Failed to unmarshal debug log: %v", err)
	}
	for _, field := range []string{"timestamp", "method", "model", "params", "response"} {
		if _, exists := logEntry[field]; !exists {
			t.Errorf("Required field '%s' missing from debug log", field)
		}
	}
	if logEntry["method"] != "Complete" || logEntry["model"] != "test-model" {
		t.Errorf("unexpected method/model: %v / %v", logEntry["method"], logEntry["model"])
	}
}

func TestDebugLoggingRecordsErrors(t *testing.T) {
	stateDir := t.TempDir()
	client := &Client{
		chat:      &mockChatService{err: errors.New("connection reset")},
		model:     "test-model",
		debugMode: true,
		stateDir:  stateDir,
	}
	if _, err := client.Complete(context.Background(), "s", "u"); err == nil {
		t.Fatal("expected error")
	}
	files, _ := os.ReadDir(filepath.Join(stateDir, "debug"))
	if len(files) != 1 {
		t.Fatalf("expected one debug file, got %d", len(files))
	}
	content, _ := os.ReadFile(filepath.Join(stateDir, "debug", files[0].Name()))
	var logEntry map[string]interface{}
	json.Unmarshal(content, &logEntry)
	if logEntry["error"] != "connection reset" {
		t.Errorf("error not recorded: %v", logEntry["error"])
	}
}

func TestDebugLoggingDisabled(t *testing.T) {
	stateDir := t.TempDir()
	client := &Client{
		chat:      &mockChatService{resp: completion("Test response")},
		model:     "test-model",
		debugMode: false,
		stateDir:  stateDir,
	}
	if _, err := client.Complete(context.Background(), "System prompt", "User prompt"); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(stateDir, "debug")); !os.IsNotExist(err) {
		t.Errorf("Debug directory should not be created when debug mode is disabled")
	}
}
