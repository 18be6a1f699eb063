package metrics

import (
	"bytes"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestRecorder_FlushOutput(t *testing.T) {
	var buf bytes.Buffer
	e := NewEmitter(&buf, true)
	e.now = func() time.Time { return time.UnixMilli(1700000000000) }

	e.Record("upload").
		Dimension("Subject", "math").
		Metric("LatencyMs", 1234.5, UnitMilliseconds).
		Count("Submitted", 3).
		Property("batchId", "batch-1").
		Flush()

	var doc map[string]any
	if err := json.Unmarshal(buf.Bytes(), &doc); err != nil {
		t.Fatalf("failed to parse EMF output as JSON: %v\nOutput: %s", err, buf.String())
	}

	awsMap, ok := doc["_aws"].(map[string]any)
	if !ok {
		t.Fatal("missing _aws directive in EMF output")
	}
	if awsMap["Timestamp"] != float64(1700000000000) {
		t.Errorf("unexpected timestamp %v", awsMap["Timestamp"])
	}
	cwArr, ok := awsMap["CloudWatchMetrics"].([]any)
	if !ok || len(cwArr) == 0 {
		t.Fatal("CloudWatchMetrics should be a non-empty array")
	}
	cw := cwArr[0].(map[string]any)
	if cw["Namespace"] != Namespace {
		t.Errorf("expected namespace %s, got %v", Namespace, cw["Namespace"])
	}

	if doc["Operation"] != "upload" || doc["Subject"] != "math" {
		t.Errorf("unexpected dimensions in %v", doc)
	}
	if doc["LatencyMs"] != 1234.5 {
		t.Errorf("expected LatencyMs=1234.5, got %v", doc["LatencyMs"])
	}
	if doc["Submitted"] != float64(3) {
		t.Errorf("expected Submitted=3, got %v", doc["Submitted"])
	}
	if doc["batchId"] != "batch-1" {
		t.Errorf("expected batchId=batch-1, got %v", doc["batchId"])
	}
}

func TestRecorder_FlushEmpty(t *testing.T) {
	var buf bytes.Buffer
	NewEmitter(&buf, true).Record("poll").Flush()
	if buf.Len() != 0 {
		t.Errorf("expected no output for empty recorder, got: %s", buf.String())
	}
}

func TestDisabledEmitterDiscards(t *testing.T) {
	var buf bytes.Buffer
	e := NewEmitter(&buf, false)
	if e != nil {
		t.Fatal("expected nil emitter when disabled")
	}
	e.Record("confirm").Count("Confirmed", 1).Flush()
	if buf.Len() != 0 {
		t.Errorf("expected no output, got %s", buf.String())
	}
}

func TestEmitterConcurrentFlushes(t *testing.T) {
	var buf bytes.Buffer
	e := NewEmitter(&buf, true)

	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.Record("poll").Count("Polls", 1).Flush()
		}()
	}
	wg.Wait()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 20 {
		t.Fatalf("expected 20 lines, got %d", len(lines))
	}
	for _, l := range lines {
		if !json.Valid([]byte(l)) {
			t.Errorf("interleaved output: %s", l)
		}
	}
}

func TestRecorder_Chaining(t *testing.T) {
	rec := NewEmitter(nil, true).Record("test").
		Dimension("Op", "test").
		Metric("Duration", 100, UnitMilliseconds).
		Count("Calls", 2).
		Property("id", "xyz")

	if rec.dimensions["Op"] != "test" {
		t.Error("chaining Dimension failed")
	}
	if rec.values["Duration"] != float64(100) {
		t.Error("chaining Metric failed")
	}
	if rec.values["Calls"] != float64(2) {
		t.Error("chaining Count failed")
	}
	if rec.properties["id"] != "xyz" {
		t.Error("chaining Property failed")
	}
}
