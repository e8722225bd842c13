package metrics

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestRecorder_FlushOutput(t *testing.T) {
	var buf bytes.Buffer
	sink := NewSink(&buf, Namespace)

	rec := sink.Recorder()
	rec.Dimension("Outcome", "completed")
	rec.Metric(UploadDuration, 1234.5, UnitMilliseconds)
	rec.Metric(PartsUploaded, 5, UnitCount)
	rec.Property("fileKey", "projects/p1/user-uploads/DJI_0001.JPG")
	rec.Flush()

	output := buf.String()
	if !strings.HasSuffix(output, "\n") || strings.Count(output, "\n") != 1 {
		t.Fatalf("expected exactly one line, got %q", output)
	}

	var doc map[string]interface{}
	if err := json.Unmarshal([]byte(output), &doc); err != nil {
		t.Fatalf("failed to parse EMF output as JSON: %v\nOutput: %s", err, output)
	}

	awsMap, ok := doc["_aws"].(map[string]interface{})
	if !ok {
		t.Fatal("missing _aws directive in EMF output")
	}
	if _, ok := awsMap["Timestamp"]; !ok {
		t.Error("missing Timestamp in _aws directive")
	}
	cwArr, ok := awsMap["CloudWatchMetrics"].([]interface{})
	if !ok || len(cwArr) == 0 {
		t.Fatal("CloudWatchMetrics should be a non-empty array")
	}
	cw := cwArr[0].(map[string]interface{})
	if cw["Namespace"] != Namespace {
		t.Errorf("expected namespace %s, got %v", Namespace, cw["Namespace"])
	}

	if doc["Outcome"] != "completed" {
		t.Errorf("expected Outcome=completed, got %v", doc["Outcome"])
	}
	if doc[UploadDuration] != 1234.5 {
		t.Errorf("expected UploadDuration=1234.5, got %v", doc[UploadDuration])
	}
	if doc[PartsUploaded] != float64(5) {
		t.Errorf("expected PartsUploaded=5, got %v", doc[PartsUploaded])
	}
	if doc["fileKey"] != "projects/p1/user-uploads/DJI_0001.JPG" {
		t.Errorf("expected fileKey property, got %v", doc["fileKey"])
	}
}

func TestRecorder_FlushEmpty(t *testing.T) {
	var buf bytes.Buffer
	NewSink(&buf, "Test").Recorder().Flush()
	if buf.Len() != 0 {
		t.Errorf("expected no output for empty recorder, got: %s", buf.String())
	}
}

func TestRecorder_NilSinkDiscards(t *testing.T) {
	var sink *Sink
	rec := sink.Recorder().Count(PartRetries)
	rec.Flush() // must not panic
	if rec.values[PartRetries] != float64(1) {
		t.Error("nil-sink recorder should still accumulate values")
	}
}

func TestRecorder_Chaining(t *testing.T) {
	rec := NewSink(&bytes.Buffer{}, "Test").Recorder().
		Dimension("Outcome", "failed").
		Metric(BytesUploaded, 100, UnitBytes).
		Count(PartRetries).
		Property("uploadId", "xyz")

	if rec.dimensions["Outcome"] != "failed" {
		t.Error("chaining Dimension failed")
	}
	if rec.values[BytesUploaded] != float64(100) {
		t.Error("chaining Metric failed")
	}
	if m := rec.metrics[PartRetries]; rec.values[PartRetries] != float64(1) || m.Unit != UnitCount {
		t.Error("chaining Count failed")
	}
	if rec.properties["uploadId"] != "xyz" {
		t.Error("chaining Property failed")
	}
}

func TestSink_SerializesConcurrentFlushes(t *testing.T) {
	var buf bytes.Buffer
	sink := NewSink(&buf, "Test")
	done := make(chan struct{})
	for i := 0; i < 8; i++ {
		go func() {
			defer func() { done <- struct{}{} }()
			sink.Recorder().Count(PartsUploaded).Flush()
		}()
	}
	for i := 0; i < 8; i++ {
		<-done
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 8 {
		t.Fatalf("expected 8 lines, got %d", len(lines))
	}
	for _, l := range lines {
		if !json.Valid([]byte(l)) {
			t.Errorf("interleaved line: %q", l)
		}
	}
}

func TestRecorder_FlushIsDeterministic(t *testing.T) {
	render := func() string {
		var buf bytes.Buffer
		sink := NewSink(&buf, Namespace)
		sink.now = func() time.Time { return time.UnixMilli(1700000000000) }
		sink.Recorder().
			Dimension("Outcome", "completed").
			Dimension("Endpoint", "/projects/sign-part-upload/").
			Metric(UploadDuration, 10, UnitMilliseconds).
			Metric(BytesUploaded, 2048, UnitBytes).
			Count(PartsUploaded).
			Flush()
		return buf.String()
	}

	first := render()
	for i := 0; i < 5; i++ {
		if got := render(); got != first {
			t.Fatalf("output differs between flushes:\n%s\n%s", first, got)
		}
	}
	if !strings.Contains(first, `"Dimensions":[["Endpoint","Outcome"]]`) {
		t.Errorf("dimension keys should be sorted: %s", first)
	}
}

func TestRecorder_NoDimensions(t *testing.T) {
	var buf bytes.Buffer
	NewSink(&buf, Namespace).Recorder().Count(PartRetries).Flush()
	if !strings.Contains(buf.String(), `"Dimensions":[[]]`) {
		t.Errorf("expected an empty dimension set, got %s", buf.String())
	}
}
