package logging

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestNewTagsServiceAndTimestamp(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New("ordersaga", "debug", &buf)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}

	logger.Debug().Str("order_id", "o-1").Msg("transition")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if entry["service"] != "ordersaga" || entry["order_id"] != "o-1" || entry["level"] != "debug" {
		t.Fatalf("unexpected entry: %+v", entry)
	}
	if _, ok := entry["timestamp"]; !ok {
		t.Fatalf("expected timestamp field: %+v", entry)
	}
}

func TestNewFiltersBelowLevel(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New("ordersaga", "", &buf)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}

	logger.Debug().Msg("hidden")
	if buf.Len() != 0 {
		t.Fatalf("expected debug to be filtered at info level, got %s", buf.String())
	}
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	if _, err := New("ordersaga", "loud", nil); err == nil {
		t.Fatalf("expected error for unknown level")
	}
}

func TestPrintf(t *testing.T) {
	var buf bytes.Buffer
	logger, _ := New("ordersaga", "info", &buf)

	Printf(logger)("postgres %s", "enabled")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if entry["message"] != "postgres enabled" {
		t.Fatalf("unexpected message: %+v", entry)
	}
}

func TestPrintfFuncSatisfiesPrintfLoggers(t *testing.T) {
	var buf bytes.Buffer
	logger, _ := New("ordersaga", "info", &buf)

	var p interface{ Printf(string, ...any) } = Printf(logger)
	p.Printf("skip %d", 1)
	if !bytes.Contains(buf.Bytes(), []byte(`"message":"skip 1"`)) {
		t.Fatalf("unexpected output: %s", buf.String())
	}
}
