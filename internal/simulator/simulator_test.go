package simulator

import (
	"bytes"
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"thermal-panel-go/internal/ingest"
	"thermal-panel-go/internal/processing"
)

func TestSceneFramesHaveHotSpot(t *testing.T) {
	scene := NewScene(1)
	grid := scene.Next()
	stats := processing.Stats(grid)
	if stats.Max-stats.Min < 5 {
		t.Fatalf("expected visible contrast, got min %v max %v", stats.Min, stats.Max)
	}
	if len(grid.Bytes()) != processing.PayloadSize {
		t.Fatalf("unexpected payload size %d", len(grid.Bytes()))
	}
}

func TestWritePartFraming(t *testing.T) {
	var buf bytes.Buffer
	ts := time.Unix(1700000000, 250000*1000)
	if err := WritePart(&buf, "B", []byte{1, 2, 3}, ts); err != nil {
		t.Fatalf("WritePart error: %v", err)
	}
	out := buf.String()
	if !strings.HasPrefix(out, "\r\n--B\r\n") {
		t.Fatalf("missing marker: %q", out)
	}
	if !strings.Contains(out, "Content-Length: 3\r\n") {
		t.Fatalf("missing content length: %q", out)
	}
	if !strings.Contains(out, "X-Timestamp: 1700000000.250000\r\n\r\n") {
		t.Fatalf("missing timestamp: %q", out)
	}
	if !strings.HasSuffix(out, "\r\n\r\n\x01\x02\x03") {
		t.Fatalf("unexpected body framing: %q", out)
	}
}

func TestHandlerServesDecodableStream(t *testing.T) {
	srv := httptest.NewServer(&Handler{Rate: 200, Frames: 3, Seed: 7})
	defer srv.Close()

	stream, err := ingest.Open(context.Background(), srv.URL, ingest.Options{})
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	count := 0
	for frame := range stream.Frames() {
		if _, err := processing.DecodeGrid(frame.Payload); err != nil {
			t.Fatalf("frame %d: %v", frame.Seq, err)
		}
		if frame.DeviceTime == 0 {
			t.Fatalf("frame %d has no device timestamp", frame.Seq)
		}
		count++
	}
	if err := stream.Err(); err != nil {
		t.Fatalf("stream error: %v", err)
	}
	if count != 3 {
		t.Fatalf("got %d frames, want 3", count)
	}
}

func TestCaptureHandlerServesOneFrame(t *testing.T) {
	srv := httptest.NewServer(CaptureHandler(3))
	defer srv.Close()

	body, err := ingest.Fetch(context.Background(), nil, srv.URL)
	if err != nil {
		t.Fatalf("Fetch error: %v", err)
	}
	if len(body) != processing.PayloadSize {
		t.Fatalf("unexpected body size %d", len(body))
	}
}
