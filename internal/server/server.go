package server

import (
	"bytes"
	"context"
	"embed"
	"encoding/json"
	"errors"
	"io/fs"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"thermal-panel-go/internal/config"
	"thermal-panel-go/internal/output"
	"thermal-panel-go/internal/processing"
	"thermal-panel-go/internal/types"
)

//go:embed web/*
var webFS embed.FS

// Frames is the read side of the renderer the panel serves from.
type Frames interface {
	Latest() (*processing.Rendered, bool)
	Lookup(x, y int) (float32, bool)
}

// Hooks connect the server to the rest of the application. Every hook is
// optional; endpoints whose hook is missing answer 501.
type Hooks struct {
	Status      func() map[string]any
	Snapshot    func() any
	Config      func() map[string]any
	Settings    func() output.Settings
	StartStream func() error
	StopStream  func()
	Capture     func(ctx context.Context) (*processing.Rendered, error)
	Device      Device
	// ThermalChanged is called after the camera accepted a sensor setting.
	ThermalChanged func(variable string, value float64)
}

type Server struct {
	upgrader websocket.Upgrader
	clients  map[*websocket.Conn]*sync.Mutex
	mu       sync.Mutex
	cfg      config.AppConfig
	frames   Frames
	hooks    Hooks
}

const (
	writeWait = 10 * time.Second
	pongWait  = 60 * time.Second
	pingEvery = (pongWait * 9) / 10
)

func New(cfg config.AppConfig, frames Frames, hooks Hooks) *Server {
	return &Server{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[*websocket.Conn]*sync.Mutex),
		cfg:     cfg,
		frames:  frames,
		hooks:   hooks,
	}
}

// Routes returns the panel's HTTP handler.
func (s *Server) Routes() (http.Handler, error) {
	sub, err := fs.Sub(webFS, "web")
	if err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	mux.Handle("/", http.FileServer(http.FS(sub)))
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/config", s.handleConfig)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/frame.bmp", s.handleFrameBMP)
	mux.HandleFunc("/grid", s.handleGrid)
	mux.HandleFunc("/grid.txt", s.handleGridText)
	mux.HandleFunc("/temperature", s.handleTemperature)
	mux.HandleFunc("/stream/start", s.handleStreamStart)
	mux.HandleFunc("/stream/stop", s.handleStreamStop)
	mux.HandleFunc("/capture", s.handleCapture)
	s.deviceRoutes(mux)
	return mux, nil
}

// Run serves the panel on cfg.Port and broadcasts every message to all
// websocket clients until ctx is done.
func (s *Server) Run(ctx context.Context, messages <-chan any) error {
	handler, err := s.Routes()
	if err != nil {
		return err
	}
	httpServer := &http.Server{
		Addr:              ":" + strconv.Itoa(s.cfg.Port),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	go s.Broadcast(ctx, messages)

	err = httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

type wsRequest struct {
	Type string   `json:"type"`
	X    *int     `json:"x"`
	Y    *int     `json:"y"`
	FX   *float64 `json:"fx"`
	FY   *float64 `json:"fy"`
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	conn.SetReadLimit(1 << 16)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	s.mu.Lock()
	writeMu := &sync.Mutex{}
	s.clients[conn] = writeMu
	s.mu.Unlock()

	_ = s.writeJSON(conn, writeMu, s.configPayload("config"))

	go func() {
		done := make(chan struct{})
		go func() {
			ticker := time.NewTicker(pingEvery)
			defer ticker.Stop()
			for {
				select {
				case <-done:
					return
				case <-ticker.C:
					if err := s.writeMessage(conn, writeMu, websocket.PingMessage, nil); err != nil {
						_ = conn.Close()
						return
					}
				}
			}
		}()
		defer close(done)
		defer s.removeClient(conn)
		for {
			messageType, payload, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if messageType != websocket.TextMessage {
				continue
			}
			var request wsRequest
			if err := json.Unmarshal(payload, &request); err != nil {
				continue
			}
			switch request.Type {
			case "snapshot_request":
				if s.hooks.Snapshot == nil {
					continue
				}
				snapshot := s.hooks.Snapshot()
				if snapshot == nil {
					continue
				}
				_ = s.writeJSON(conn, writeMu, snapshot)
			case "lookup":
				var reply types.TemperatureMessage
				switch {
				case request.FX != nil && request.FY != nil:
					reply = s.lookupView(*request.FX, *request.FY)
				case request.X != nil && request.Y != nil:
					reply = s.lookup(*request.X, *request.Y)
				default:
					continue
				}
				_ = s.writeJSON(conn, writeMu, reply)
			}
		}
	}()
}

func (s *Server) lookup(x, y int) types.TemperatureMessage {
	reply := types.TemperatureMessage{Type: "temperature", X: x, Y: y}
	if s.frames == nil {
		return reply
	}
	if v, ok := s.frames.Lookup(x, y); ok && finite(v) {
		reply.Value, reply.Valid = v, true
	}
	return reply
}

func (s *Server) lookupView(fx, fy float64) types.TemperatureMessage {
	if math.IsNaN(fx) || math.IsNaN(fy) {
		return types.TemperatureMessage{Type: "temperature", X: -1, Y: -1}
	}
	x, y := processing.ViewToGrid(fx, fy)
	return s.lookup(x, y)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) configPayload(kind string) map[string]any {
	if s.hooks.Config != nil {
		if cfg := s.hooks.Config(); cfg != nil {
			return cfg
		}
	}
	payload := map[string]any{
		"grid_width":        processing.GridWidth,
		"grid_height":       processing.GridHeight,
		"port":              s.cfg.Port,
		"device_host":       s.cfg.DeviceHost,
		"visual_stream_url": s.cfg.VisualStreamURL(),
		"debug":             s.cfg.Debug,
		"emissivity":        s.cfg.Emissivity,
		"ambient_reflected": s.cfg.AmbientReflected,
	}
	if kind != "" {
		payload["type"] = kind
	}
	return payload
}

func (s *Server) handleConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSONResponse(w, http.StatusOK, s.configPayload(""))
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	payload := map[string]any{}
	if s.hooks.Status != nil {
		payload = s.hooks.Status()
	}
	if metrics, ok := payload["metrics"].(map[string]any); ok {
		metrics["ws_clients"] = s.clientCount()
	} else {
		payload["ws_clients"] = s.clientCount()
	}
	if last, ok := s.latest(); ok {
		payload["stats"] = processing.Stats(last.Grid)
	}
	writeJSONResponse(w, http.StatusOK, payload)
}

func (s *Server) latest() (*processing.Rendered, bool) {
	if s.frames == nil {
		return nil, false
	}
	return s.frames.Latest()
}

func (s *Server) handleFrameBMP(w http.ResponseWriter, _ *http.Request) {
	last, ok := s.latest()
	if !ok {
		http.Error(w, "no frame yet", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "image/bmp")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write(last.Image.Data)
}

type gridPayload struct {
	Width      int              `json:"width"`
	Height     int              `json:"height"`
	Values     []reading        `json:"values"`
	Stats      types.FrameStats `json:"stats"`
	RenderedAt float64          `json:"rendered_at"`
}

// reading encodes a non-finite sample as null.
type reading float32

func (r reading) MarshalJSON() ([]byte, error) {
	if !finite(float32(r)) {
		return []byte("null"), nil
	}
	return strconv.AppendFloat(nil, float64(r), 'g', -1, 32), nil
}

func finite(v float32) bool {
	f := float64(v)
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

func readings(grid *processing.Grid) []reading {
	values := make([]reading, len(grid))
	for i, v := range grid {
		values[i] = reading(v)
	}
	return values
}

func (s *Server) handleGrid(w http.ResponseWriter, r *http.Request) {
	last, ok := s.latest()
	if !ok {
		http.Error(w, "no frame yet", http.StatusServiceUnavailable)
		return
	}
	if r.URL.Query().Get("format") == "cbor" {
		data, err := output.EncodeGridCBOR(last.Grid)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/cbor")
		_, _ = w.Write(data)
		return
	}
	writeJSONResponse(w, http.StatusOK, gridPayload{
		Width:      processing.GridWidth,
		Height:     processing.GridHeight,
		Values:     readings(last.Grid),
		Stats:      processing.Stats(last.Grid),
		RenderedAt: float64(last.RenderedAt.UnixNano()) / 1e9,
	})
}

func (s *Server) handleGridText(w http.ResponseWriter, _ *http.Request) {
	last, ok := s.latest()
	if !ok {
		http.Error(w, "no frame yet", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Content-Disposition", "attachment; filename=\""+output.SnapshotName(last.RenderedAt)+"_values.txt\"")
	_ = output.WriteGridText(w, last.Grid, s.settings())
}

func (s *Server) settings() output.Settings {
	if s.hooks.Settings != nil {
		return s.hooks.Settings()
	}
	return output.Settings{Emissivity: s.cfg.Emissivity, AmbientReflection: s.cfg.AmbientReflected}
}

func (s *Server) handleTemperature(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Has("fx") || q.Has("fy") {
		fx, errX := strconv.ParseFloat(q.Get("fx"), 64)
		fy, errY := strconv.ParseFloat(q.Get("fy"), 64)
		if errX != nil || errY != nil {
			http.Error(w, "fx and fy must be numbers", http.StatusBadRequest)
			return
		}
		writeJSONResponse(w, http.StatusOK, s.lookupView(fx, fy))
		return
	}
	x, errX := strconv.Atoi(q.Get("x"))
	y, errY := strconv.Atoi(q.Get("y"))
	if errX != nil || errY != nil {
		http.Error(w, "x and y must be integers", http.StatusBadRequest)
		return
	}
	writeJSONResponse(w, http.StatusOK, s.lookup(x, y))
}

func (s *Server) handleStreamStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.hooks.StartStream == nil {
		http.Error(w, "streaming not available", http.StatusNotImplemented)
		return
	}
	if err := s.hooks.StartStream(); err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStreamStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.hooks.StopStream == nil {
		http.Error(w, "streaming not available", http.StatusNotImplemented)
		return
	}
	s.hooks.StopStream()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCapture(w http.ResponseWriter, r *http.Request) {
	if s.hooks.Capture == nil {
		http.Error(w, "capture not available", http.StatusNotImplemented)
		return
	}
	frame, err := s.hooks.Capture(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	w.Header().Set("Content-Type", "image/bmp")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write(frame.Image.Data)
}

// Broadcast sends every message as JSON to all websocket clients.
func (s *Server) Broadcast(ctx context.Context, messages <-chan any) {
	for {
		select {
		case <-ctx.Done():
			return
		case message, ok := <-messages:
			if !ok {
				return
			}
			payload, err := json.Marshal(message)
			if err != nil {
				continue
			}
			s.broadcast(payload)
		}
	}
}

func (s *Server) broadcast(payload []byte) {
	var stale []*websocket.Conn
	s.mu.Lock()
	for conn, writeMu := range s.clients {
		if err := s.writeMessage(conn, writeMu, websocket.TextMessage, payload); err != nil {
			stale = append(stale, conn)
		}
	}
	s.mu.Unlock()
	for _, conn := range stale {
		s.removeClient(conn)
	}
}

func (s *Server) removeClient(conn *websocket.Conn) {
	s.mu.Lock()
	delete(s.clients, conn)
	s.mu.Unlock()
	conn.Close()
}

func (s *Server) clientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

func (s *Server) writeJSON(conn *websocket.Conn, writeMu *sync.Mutex, payload any) error {
	writeMu.Lock()
	defer writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(payload)
}

func (s *Server) writeMessage(conn *websocket.Conn, writeMu *sync.Mutex, messageType int, payload []byte) error {
	writeMu.Lock()
	defer writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(messageType, payload)
}

// writeJSONResponse answers 500 when payload cannot be encoded, before any
// header is written.
func writeJSONResponse(w http.ResponseWriter, status int, payload any) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(payload); err != nil {
		http.Error(w, "encode response: "+err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(buf.Bytes())
}
