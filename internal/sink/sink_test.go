package sink

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap/zapcore"

	"github.com/markdingo/dnsfallback/internal/pipeline"
)

func TestJSONSinkWritesOneLinePerEvent(t *testing.T) {
	var buf bytes.Buffer
	s := NewJSON(&buf, zapcore.InfoLevel)

	s.Emit(pipeline.Event{Time: time.Now(), QName: "example.com", QType: 1, Kind: "attempt", ResolverTag: "primary", Success: true})
	s.Stop()

	var obj map[string]interface{}
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &obj); err != nil {
		t.Fatalf("Unmarshal: %v (body %q)", err, buf.String())
	}
	if obj["qname"] != "example.com" {
		t.Errorf("qname = %v", obj["qname"])
	}
	if obj["msg"] != "attempt" {
		t.Errorf("msg = %v", obj["msg"])
	}
}

func TestTextSinkFormat(t *testing.T) {
	var buf bytes.Buffer
	s := NewText(&buf)

	s.Emit(pipeline.Event{Time: time.Now(), QName: "example.com", QType: 1, Kind: "servfail", ResolverTag: "servfail"})
	s.Stop()

	line := buf.String()
	if !strings.Contains(line, "[WARN]") {
		t.Errorf("expected WARN level for servfail event, got %q", line)
	}
	if !strings.Contains(line, "qname=example.com") {
		t.Errorf("expected qname field, got %q", line)
	}
}

func TestJSONSinkRendersStateChangeEvent(t *testing.T) {
	var buf bytes.Buffer
	s := NewJSON(&buf, zapcore.InfoLevel)

	s.Emit(StateChangeEvent("PRIMARY_DOWN"))
	s.Stop()

	var obj map[string]interface{}
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &obj); err != nil {
		t.Fatalf("Unmarshal: %v (body %q)", err, buf.String())
	}
	if obj["message"] != "PRIMARY_DOWN" {
		t.Errorf("message = %v, want PRIMARY_DOWN", obj["message"])
	}
	if obj["level"] != "warn" {
		t.Errorf("level = %v, want warn", obj["level"])
	}
	if _, ok := obj["qname"]; ok {
		t.Errorf("state-change event should not carry a qname field: %v", obj)
	}
}

func TestTextSinkRendersStateChangeEvent(t *testing.T) {
	var buf bytes.Buffer
	s := NewText(&buf)

	s.Emit(StateChangeEvent("SWITCHING_TO fallback-0"))
	s.Stop()

	line := buf.String()
	if !strings.Contains(line, "[INFO]") {
		t.Errorf("expected INFO level for SWITCHING_TO, got %q", line)
	}
	if !strings.Contains(line, "SWITCHING_TO fallback-0") {
		t.Errorf("expected message text, got %q", line)
	}
	if strings.Contains(line, "qname=") {
		t.Errorf("state-change line should omit per-query fields, got %q", line)
	}
}

func TestTextSinkRendersAllDownAtWarn(t *testing.T) {
	var buf bytes.Buffer
	s := NewText(&buf)

	s.Emit(StateChangeEvent("ALL_DOWN"))
	s.Stop()

	if !strings.Contains(buf.String(), "[WARN]") {
		t.Errorf("expected WARN level for ALL_DOWN, got %q", buf.String())
	}
}

func TestEmitDropsWhenQueueFull(t *testing.T) {
	var buf bytes.Buffer
	s := NewText(&buf)
	close(s.events) // stop the drain goroutine
	s.events = make(chan pipeline.Event) // unbuffered and never drained, so every Emit falls to default

	s.Emit(pipeline.Event{Kind: "attempt"})
	if s.Dropped() != 1 {
		t.Errorf("Dropped() = %d, want 1", s.Dropped())
	}
}
