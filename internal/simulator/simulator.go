package simulator

import (
	"context"
	"fmt"
	"io"
	"log"
	"math"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"thermal-panel-go/internal/processing"
)

// Boundary is the multipart boundary token the camera firmware uses.
const Boundary = "123456789000000000000987654321"

// Scene produces synthetic frames: a warm background with a hot spot that
// circles the field of view, plus sensor-like noise.
type Scene struct {
	Ambient float64
	Peak    float64
	rng     *rand.Rand
	step    int
}

func NewScene(seed int64) *Scene {
	return &Scene{
		Ambient: 22,
		Peak:    14,
		rng:     rand.New(rand.NewSource(seed)),
	}
}

// Next returns the next frame grid.
func (s *Scene) Next() *processing.Grid {
	angle := float64(s.step) * 2 * math.Pi / 120
	centerX := float64(processing.GridWidth)/2 + 9*math.Cos(angle)
	centerY := float64(processing.GridHeight)/2 + 6*math.Sin(angle)
	spread := float64(processing.GridSize) / 60

	grid := new(processing.Grid)
	for i := range grid {
		dx := float64(i%processing.GridWidth) - centerX
		dy := float64(i/processing.GridWidth) - centerY
		base := s.Ambient + s.Peak*math.Exp(-(dx*dx+dy*dy)/spread)
		grid[i] = float32(base + s.rng.NormFloat64()*0.15)
	}
	s.step++
	return grid
}

// Stream emits encoded frame payloads at acqRate frames per second.
func Stream(ctx context.Context, acqRate float64, seed int64) <-chan []byte {
	out := make(chan []byte)
	go func() {
		defer close(out)
		scene := NewScene(seed)
		ticker := time.NewTicker(frameInterval(acqRate))
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				select {
				case <-ctx.Done():
					return
				case out <- scene.Next().Bytes():
				}
			}
		}
	}()
	return out
}

// WritePart writes one part in the camera's framing: a line break and
// boundary marker, the part headers, a blank line and the body.
func WritePart(w io.Writer, boundary string, payload []byte, ts time.Time) error {
	header := fmt.Sprintf(
		"\r\n--%s\r\nContent-Type: application/octet-stream\r\nContent-Length: %d\r\nX-Timestamp: %d.%06d\r\n\r\n",
		boundary, len(payload), ts.Unix(), ts.Nanosecond()/1000,
	)
	if _, err := io.WriteString(w, header); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// Handler serves an endless multipart/x-mixed-replace thermal stream like
// the camera's stream port. Frames limits the stream length when non-zero.
type Handler struct {
	Rate   float64
	Frames int
	Seed   int64
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "multipart/x-mixed-replace;boundary="+Boundary)
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)

	sent := 0
	for payload := range Stream(r.Context(), h.Rate, h.Seed) {
		if err := WritePart(w, Boundary, payload, time.Now()); err != nil {
			log.Printf("simulator write failed: %v", err)
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
		sent++
		if h.Frames > 0 && sent >= h.Frames {
			// close the last part so a client sees every frame
			_, _ = io.WriteString(w, "\r\n--"+Boundary+"\r\n")
			return
		}
	}
}

// CaptureHandler serves one raw frame, like the single-shot endpoint.
func CaptureHandler(seed int64) http.Handler {
	scene := NewScene(seed)
	var mu sync.Mutex
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		payload := scene.Next().Bytes()
		mu.Unlock()
		now := time.Now()
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("X-Timestamp", fmt.Sprintf("%d.%06d", now.Unix(), now.Nanosecond()/1000))
		_, _ = w.Write(payload)
	})
}

func frameInterval(rate float64) time.Duration {
	if rate <= 0 {
		rate = 8
	}
	return time.Duration(float64(time.Second) / rate)
}
