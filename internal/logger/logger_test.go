package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestNewWritesStructuredFields(t *testing.T) {
	buf := &bytes.Buffer{}
	log := New(buf, "debug")

	log.Info("Request captured",
		"source", "transport",
		"total", 3,
		"token_updated", true,
		"delay", 1500*time.Millisecond,
		"error", errors.New("boom"),
	)

	var decoded map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("invalid json %q: %v", buf.String(), err)
	}
	if decoded["message"] != "Request captured" {
		t.Errorf("unexpected message: %v", decoded["message"])
	}
	if decoded["source"] != "transport" {
		t.Errorf("unexpected source: %v", decoded["source"])
	}
	if decoded["total"] != float64(3) {
		t.Errorf("unexpected total: %v", decoded["total"])
	}
	if decoded["token_updated"] != true {
		t.Errorf("unexpected token_updated: %v", decoded["token_updated"])
	}
	if decoded["error"] != "boom" {
		t.Errorf("unexpected error field: %v", decoded["error"])
	}
	if _, ok := decoded["time"]; !ok {
		t.Error("expected timestamp field")
	}
}

func TestNewRespectsLevel(t *testing.T) {
	buf := &bytes.Buffer{}
	log := New(buf, "warn")

	log.Debug("hidden")
	log.Info("hidden")
	log.Warn("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("expected debug/info to be filtered, got %s", out)
	}
	if !strings.Contains(out, "shown") {
		t.Fatalf("expected warn line, got %s", out)
	}
}

func TestNewIgnoresOddFields(t *testing.T) {
	buf := &bytes.Buffer{}
	log := New(buf, "")

	log.Info("odd", "dangling", 42, "only-key")

	if !strings.Contains(buf.String(), `"dangling":42`) {
		t.Fatalf("expected paired field to be kept, got %s", buf.String())
	}
	if strings.Contains(buf.String(), "only-key") {
		t.Fatalf("expected trailing key to be ignored, got %s", buf.String())
	}
}
