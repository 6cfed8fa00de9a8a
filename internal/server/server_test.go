package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"thermal-panel-go/internal/config"
	"thermal-panel-go/internal/output"
	"thermal-panel-go/internal/processing"
	"thermal-panel-go/internal/types"
)

func renderedGrid(t *testing.T) *processing.Renderer {
	t.Helper()
	grid := new(processing.Grid)
	for i := range grid {
		grid[i] = 20
	}
	grid[2*processing.GridWidth+5] = 37.5
	r := processing.NewRenderer()
	if _, err := r.RenderGrid(grid); err != nil {
		t.Fatalf("RenderGrid error: %v", err)
	}
	return r
}

func serve(t *testing.T, srv *Server, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	handler, err := srv.Routes()
	if err != nil {
		t.Fatalf("Routes error: %v", err)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	return rec
}

func TestHandleConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Port = 9999
	srv := New(cfg, nil, Hooks{})

	rec := serve(t, srv, "GET", "/config")
	if rec.Code != 200 {
		t.Fatalf("unexpected status: %d", rec.Code)
	}

	var payload map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}

	if payload["grid_width"].(float64) != 32 {
		t.Fatalf("unexpected grid_width: %v", payload["grid_width"])
	}
	if payload["grid_height"].(float64) != 24 {
		t.Fatalf("unexpected grid_height: %v", payload["grid_height"])
	}
	if payload["port"].(float64) != 9999 {
		t.Fatalf("unexpected port: %v", payload["port"])
	}
	if payload["visual_stream_url"] != "http://192.168.4.1:81/stream" {
		t.Fatalf("unexpected visual_stream_url: %v", payload["visual_stream_url"])
	}
}

func TestFrameEndpointsBeforeFirstFrame(t *testing.T) {
	srv := New(config.Default(), processing.NewRenderer(), Hooks{})
	for _, target := range []string{"/frame.bmp", "/grid", "/grid.txt"} {
		if rec := serve(t, srv, "GET", target); rec.Code != http.StatusServiceUnavailable {
			t.Fatalf("%s: unexpected status %d", target, rec.Code)
		}
	}

	rec := serve(t, srv, "GET", "/temperature?x=1&y=1")
	var msg types.TemperatureMessage
	if err := json.Unmarshal(rec.Body.Bytes(), &msg); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if msg.Valid {
		t.Fatalf("lookup before first frame reported a value: %+v", msg)
	}
}

func TestFrameBMP(t *testing.T) {
	r := renderedGrid(t)
	srv := New(config.Default(), r, Hooks{})
	rec := serve(t, srv, "GET", "/frame.bmp")
	if rec.Code != 200 || rec.Header().Get("Content-Type") != "image/bmp" {
		t.Fatalf("unexpected response %d %q", rec.Code, rec.Header().Get("Content-Type"))
	}
	last, _ := r.Latest()
	if !bytes.Equal(rec.Body.Bytes(), last.Image.Data) {
		t.Fatalf("served bitmap differs from rendered one")
	}
}

func TestTemperature(t *testing.T) {
	srv := New(config.Default(), renderedGrid(t), Hooks{})

	tests := []struct {
		target string
		x, y   int
		value  float32
		valid  bool
	}{
		{"/temperature?x=5&y=2", 5, 2, 37.5, true},
		{"/temperature?x=0&y=0", 0, 0, 20, true},
		{"/temperature?x=32&y=0", 32, 0, 0, false},
		// display column 26 of 32 is mirrored grid column 5, row 21 from the top is grid row 2
		{"/temperature?fx=0.82&fy=0.9", 5, 2, 37.5, true},
		{"/temperature?fx=1.5&fy=0.5", -17, 11, 0, false},
	}
	for _, tt := range tests {
		rec := serve(t, srv, "GET", tt.target)
		if rec.Code != 200 {
			t.Fatalf("%s: unexpected status %d", tt.target, rec.Code)
		}
		var msg types.TemperatureMessage
		if err := json.Unmarshal(rec.Body.Bytes(), &msg); err != nil {
			t.Fatalf("%s: decode response: %v", tt.target, err)
		}
		if msg.X != tt.x || msg.Y != tt.y || msg.Valid != tt.valid || msg.Value != tt.value {
			t.Fatalf("%s: got %+v", tt.target, msg)
		}
	}

	for _, target := range []string{"/temperature", "/temperature?x=a&y=1", "/temperature?fx=0.5"} {
		if rec := serve(t, srv, "GET", target); rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: unexpected status %d", target, rec.Code)
		}
	}
}

func TestGridFormats(t *testing.T) {
	srv := New(config.Default(), renderedGrid(t), Hooks{
		Settings: func() output.Settings { return output.Settings{Emissivity: 0.9, AmbientReflection: 21} },
	})

	rec := serve(t, srv, "GET", "/grid")
	var payload gridPayload
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode grid: %v", err)
	}
	if len(payload.Values) != processing.GridSize || payload.Stats.Max != 37.5 || payload.Stats.MaxX != 5 {
		t.Fatalf("unexpected grid payload: %d values, stats %+v", len(payload.Values), payload.Stats)
	}

	rec = serve(t, srv, "GET", "/grid?format=cbor")
	if rec.Header().Get("Content-Type") != "application/cbor" {
		t.Fatalf("unexpected content type %q", rec.Header().Get("Content-Type"))
	}
	grid, err := output.DecodeGridCBOR(rec.Body.Bytes())
	if err != nil {
		t.Fatalf("DecodeGridCBOR error: %v", err)
	}
	if grid.At(5, 2) != 37.5 {
		t.Fatalf("unexpected cbor grid value %v", grid.At(5, 2))
	}

	rec = serve(t, srv, "GET", "/grid.txt")
	if !strings.HasPrefix(rec.Body.String(), "\"Emissivity\": 0.90\n\"AmbientReflection\": 21.00\n") {
		t.Fatalf("unexpected text header %q", rec.Body.String()[:40])
	}
	if !strings.Contains(rec.Header().Get("Content-Disposition"), "_values.txt") {
		t.Fatalf("missing attachment name")
	}
}

func TestStreamControls(t *testing.T) {
	started, stopped := 0, 0
	srv := New(config.Default(), nil, Hooks{
		StartStream: func() error { started++; return nil },
		StopStream:  func() { stopped++ },
	})
	if rec := serve(t, srv, "GET", "/stream/start"); rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET start: unexpected status %d", rec.Code)
	}
	if rec := serve(t, srv, "POST", "/stream/start"); rec.Code != http.StatusNoContent {
		t.Fatalf("POST start: unexpected status %d", rec.Code)
	}
	if rec := serve(t, srv, "POST", "/stream/stop"); rec.Code != http.StatusNoContent {
		t.Fatalf("POST stop: unexpected status %d", rec.Code)
	}
	if started != 1 || stopped != 1 {
		t.Fatalf("hooks called %d/%d times", started, stopped)
	}

	failing := New(config.Default(), nil, Hooks{StartStream: func() error { return errors.New("camera offline") }})
	if rec := serve(t, failing, "POST", "/stream/start"); rec.Code != http.StatusBadGateway {
		t.Fatalf("failing start: unexpected status %d", rec.Code)
	}
	if rec := serve(t, New(config.Default(), nil, Hooks{}), "POST", "/stream/stop"); rec.Code != http.StatusNotImplemented {
		t.Fatalf("missing hook: unexpected status %d", rec.Code)
	}
}

func TestCapture(t *testing.T) {
	r := renderedGrid(t)
	last, _ := r.Latest()
	srv := New(config.Default(), r, Hooks{
		Capture: func(context.Context) (*processing.Rendered, error) { return last, nil },
	})
	rec := serve(t, srv, "POST", "/capture")
	if rec.Code != 200 || !bytes.Equal(rec.Body.Bytes(), last.Image.Data) {
		t.Fatalf("unexpected capture response %d", rec.Code)
	}
}

func TestStatusIncludesClientsAndStats(t *testing.T) {
	srv := New(config.Default(), renderedGrid(t), Hooks{
		Status: func() map[string]any {
			return map[string]any{"metrics": map[string]any{"frames": 3}}
		},
	})
	rec := serve(t, srv, "GET", "/status")
	var payload map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	metrics := payload["metrics"].(map[string]any)
	if metrics["ws_clients"].(float64) != 0 || metrics["frames"].(float64) != 3 {
		t.Fatalf("unexpected metrics %v", metrics)
	}
	if _, ok := payload["stats"]; !ok {
		t.Fatalf("missing stats")
	}
}

func TestGridWithNonFiniteValues(t *testing.T) {
	grid := new(processing.Grid)
	for i := range grid {
		grid[i] = 20
	}
	grid[2*processing.GridWidth+5] = float32(math.NaN())
	grid[3] = float32(math.Inf(-1))
	r := processing.NewRenderer()
	if _, err := r.RenderGrid(grid); err != nil {
		t.Fatalf("RenderGrid error: %v", err)
	}
	srv := New(config.Default(), r, Hooks{})

	rec := serve(t, srv, "GET", "/grid")
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", rec.Code, rec.Body.String())
	}
	var payload struct {
		Values []any            `json:"values"`
		Stats  types.FrameStats `json:"stats"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode grid: %v", err)
	}
	if payload.Values[2*processing.GridWidth+5] != nil || payload.Values[3] != nil {
		t.Fatalf("non-finite samples not encoded as null")
	}
	if payload.Values[0] != 20.0 || payload.Stats.Mean != 20 {
		t.Fatalf("unexpected values %v, stats %+v", payload.Values[0], payload.Stats)
	}

	rec = serve(t, srv, "GET", "/temperature?x=5&y=2")
	var msg types.TemperatureMessage
	if err := json.Unmarshal(rec.Body.Bytes(), &msg); err != nil {
		t.Fatalf("decode temperature: %v", err)
	}
	if rec.Code != http.StatusOK || msg.Valid {
		t.Fatalf("NaN cell reported as reading: %d %+v", rec.Code, msg)
	}
}

func TestWriteJSONResponseEncodeFailure(t *testing.T) {
	rec := httptest.NewRecorder()
	writeJSONResponse(rec, http.StatusOK, map[string]float64{"value": math.Inf(1)})
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	if rec.Header().Get("Content-Type") == "application/json" {
		t.Fatalf("error answered as json")
	}
}

func dialWS(t *testing.T, srv *Server) *websocket.Conn {
	t.Helper()
	handler, err := srv.Routes()
	if err != nil {
		t.Fatalf("Routes error: %v", err)
	}
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var hello map[string]any
	if err := conn.ReadJSON(&hello); err != nil {
		t.Fatalf("read config message: %v", err)
	}
	if hello["type"] != "config" {
		t.Fatalf("unexpected first message %v", hello)
	}
	return conn
}

func TestWebsocketLookup(t *testing.T) {
	conn := dialWS(t, New(config.Default(), renderedGrid(t), Hooks{}))

	if err := conn.WriteJSON(map[string]any{"type": "lookup", "x": 5, "y": 2}); err != nil {
		t.Fatalf("write lookup: %v", err)
	}
	var msg types.TemperatureMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if msg.Type != "temperature" || !msg.Valid || msg.Value != 37.5 {
		t.Fatalf("unexpected reply %+v", msg)
	}

	if err := conn.WriteJSON(map[string]any{"type": "lookup", "fx": 0.0, "fy": 0.0}); err != nil {
		t.Fatalf("write lookup: %v", err)
	}
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if msg.X != 31 || msg.Y != 23 || !msg.Valid || msg.Value != 20 {
		t.Fatalf("unexpected view reply %+v", msg)
	}
}

func TestBroadcastReachesClients(t *testing.T) {
	srv := New(config.Default(), nil, Hooks{})
	conn := dialWS(t, srv)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	messages := make(chan any, 1)
	go srv.Broadcast(ctx, messages)

	deadline := time.Now().Add(5 * time.Second)
	for srv.clientCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	messages <- types.FrameMessage{Type: "frame", Seq: 9, Image: "data:image/bmp;base64,AA=="}

	var msg types.FrameMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if msg.Type != "frame" || msg.Seq != 9 {
		t.Fatalf("unexpected frame message %+v", msg)
	}
}
