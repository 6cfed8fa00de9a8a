package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"thermal-panel-go/internal/config"
	"thermal-panel-go/internal/device"
	"thermal-panel-go/internal/ingest"
	"thermal-panel-go/internal/output"
	"thermal-panel-go/internal/processing"
	"thermal-panel-go/internal/publish"
	"thermal-panel-go/internal/server"
	"thermal-panel-go/internal/simulator"
	"thermal-panel-go/internal/types"
)

type metrics struct {
	framesReceived  atomic.Uint64
	framesRendered  atomic.Uint64
	framesBroadcast atomic.Uint64
	renderErrors    atomic.Uint64
	streamErrors    atomic.Uint64
	publishErrors   atomic.Uint64
	renderCount     atomic.Uint64
	renderNanos     atomic.Uint64
}

func (m *metrics) snapshot() map[string]any {
	return map[string]any{
		"frames_received_total":  m.framesReceived.Load(),
		"frames_rendered_total":  m.framesRendered.Load(),
		"frames_broadcast_total": m.framesBroadcast.Load(),
		"render_err_total":       m.renderErrors.Load(),
		"stream_err_total":       m.streamErrors.Load(),
		"publish_err_total":      m.publishErrors.Load(),
		"render_total":           m.renderCount.Load(),
		"render_nanos_total":     m.renderNanos.Load(),
	}
}

func main() {
	cfg := config.Default()
	configPath := flag.String("config", "", "YAML configuration file; explicit flags override it")
	flag.IntVar(&cfg.Port, "port", cfg.Port, "HTTP port for the web UI")
	flag.StringVar(&cfg.DeviceHost, "device-host", cfg.DeviceHost, "Camera host name or IP")
	flag.IntVar(&cfg.ControlPort, "control-port", cfg.ControlPort, "Camera control port")
	flag.IntVar(&cfg.VisualPort, "visual-port", cfg.VisualPort, "Camera visual stream port")
	flag.IntVar(&cfg.ThermalPort, "thermal-port", cfg.ThermalPort, "Camera thermal stream port")
	flag.StringVar(&cfg.StreamPath, "stream-path", cfg.StreamPath, "Thermal stream path")
	flag.BoolVar(&cfg.AutoStart, "auto-start", cfg.AutoStart, "Start the thermal stream at launch")
	flag.BoolVar(&cfg.Debug, "debug", cfg.Debug, "Run against the built-in camera simulator")
	flag.Float64Var(&cfg.DebugAcqRate, "debug-acq-rate", cfg.DebugAcqRate, "Simulated frame rate (frames/sec)")
	flag.StringVar(&cfg.DebugAddr, "debug-addr", cfg.DebugAddr, "Listen address of the simulator")
	flag.BoolVar(&cfg.RawLog, "raw-log", cfg.RawLog, "Record every received frame to disk")
	flag.StringVar(&cfg.RawLogDir, "raw-log-dir", cfg.RawLogDir, "Directory for raw frame logs")
	flag.StringVar(&cfg.OutputDir, "output-dir", cfg.OutputDir, "Directory for saved snapshots")
	flag.StringVar(&cfg.PublishEndpoint, "publish", cfg.PublishEndpoint, "ZMQ PUB endpoint for decoded frames, e.g. tcp://*:5556")
	flag.DurationVar(&cfg.StatusInterval, "status-interval", cfg.StatusInterval, "Polling interval for camera status")
	flag.DurationVar(&cfg.ReconnectDelay, "reconnect-delay", cfg.ReconnectDelay, "Delay before reopening a failed stream")
	flag.IntVar(&cfg.IngestLogEvery, "ingest-log-every", cfg.IngestLogEvery, "Log every Nth dropped part")
	flag.Float64Var(&cfg.Emissivity, "emissivity", cfg.Emissivity, "Emissivity written with saved data")
	flag.Float64Var(&cfg.AmbientReflected, "ambient-reflected", cfg.AmbientReflected, "Ambient reflected temperature written with saved data")
	flag.Parse()

	if *configPath != "" {
		if err := config.Load(*configPath, &cfg); err != nil {
			log.Fatalf("%v", err)
		}
		// apply the command line again so explicit flags win over the file
		if err := flag.CommandLine.Parse(os.Args[1:]); err != nil {
			log.Fatalf("%v", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	streamURL := cfg.ThermalStreamURL()
	controlURL := cfg.ControlURL()
	if cfg.Debug {
		addr, err := startSimulator(ctx, cfg)
		if err != nil {
			log.Fatalf("failed to start simulator: %v", err)
		}
		streamURL = "http://" + addr + "/stream"
		controlURL = "http://" + addr
	}
	client := device.NewClient(controlURL)

	var settingsMu sync.Mutex
	current := settings(cfg)
	currentSettings := func() output.Settings {
		settingsMu.Lock()
		defer settingsMu.Unlock()
		return current
	}
	thermalChanged := func(variable string, value float64) {
		settingsMu.Lock()
		defer settingsMu.Unlock()
		switch variable {
		case device.ThermalEmissivity:
			current.Emissivity = value
		case device.ThermalAmbientReflected:
			current.AmbientReflection = value
		}
	}

	var recorder ingest.Recorder
	if cfg.RawLog {
		writer, err := output.NewRawLogWriter(cfg.RawLogDir, "thermal")
		if err != nil {
			log.Fatalf("failed to start raw log: %v", err)
		}
		log.Printf("recording frames to %s", writer.Path())
		recorder = writer
		defer func() {
			if err := writer.Close(); err != nil {
				log.Printf("raw log close failed: %v", err)
			}
		}()
	}

	var publisher *publish.Publisher
	if cfg.PublishEndpoint != "" {
		p, err := publish.NewPublisher(cfg.PublishEndpoint, 16)
		if err != nil {
			log.Fatalf("failed to start publisher: %v", err)
		}
		publisher = p
		defer publisher.Close()
	}

	renderer := processing.NewRenderer()
	rate := processing.NewRateMeter(16)
	uiMessages := make(chan any, 16)
	var metrics metrics
	var statusMu sync.Mutex
	status := map[string]any{
		"device":      "unknown",
		"stream":      "idle",
		"stream_url":  streamURL,
		"last_frame":  "",
		"last_error":  "",
		"fps":         0.0,
		"device_info": nil,
	}
	if cfg.Debug {
		status["device"] = "simulator"
	}
	var latestMu sync.Mutex
	var latest *types.FrameMessage

	publishFrame := func(msg types.FrameMessage) {
		latestMu.Lock()
		latest = &msg
		latestMu.Unlock()
		select {
		case uiMessages <- msg:
			metrics.framesBroadcast.Add(1)
		default:
		}
	}

	handle := func(frame types.Frame) {
		metrics.framesReceived.Add(1)
		start := time.Now()
		out, err := renderer.Render(frame.Payload)
		metrics.renderCount.Add(1)
		metrics.renderNanos.Add(uint64(time.Since(start).Nanoseconds()))
		if err != nil {
			metrics.renderErrors.Add(1)
			log.Printf("render frame %d failed: %v", frame.Seq, err)
			return
		}
		metrics.framesRendered.Add(1)
		stats := processing.Stats(out.Grid)
		fps := rate.Mark(out.RenderedAt)

		statusMu.Lock()
		status["stream"] = "receiving"
		status["last_frame"] = out.RenderedAt.Format(time.RFC3339)
		status["fps"] = fps
		statusMu.Unlock()

		if publisher != nil {
			if err := publisher.Publish(frame, &stats); err != nil {
				metrics.publishErrors.Add(1)
			}
		}
		publishFrame(types.FrameMessage{
			Type:       "frame",
			Seq:        frame.Seq,
			StreamID:   frame.StreamID,
			DeviceTime: frame.DeviceTime,
			Image:      out.Image.DataURI(),
			Stats:      stats,
		})
	}

	onError := func(err error) {
		metrics.streamErrors.Add(1)
		statusMu.Lock()
		status["stream"] = "reconnecting"
		status["last_error"] = err.Error()
		statusMu.Unlock()
	}

	opts := ingest.Options{LogEvery: cfg.IngestLogEvery, Recorder: recorder}
	var session ingest.Session
	defer session.Stop()
	startStream := func() error {
		log.Printf("starting thermal stream %s", streamURL)
		session.Start(ctx, func(streamCtx context.Context) {
			ingest.Follow(streamCtx, streamURL, opts, cfg.ReconnectDelay, handle, onError)
		})
		statusMu.Lock()
		status["stream"] = "connecting"
		statusMu.Unlock()
		return nil
	}
	stopStream := func() {
		session.Stop()
		statusMu.Lock()
		status["stream"] = "idle"
		statusMu.Unlock()
		log.Printf("thermal stream stopped")
	}
	if cfg.AutoStart {
		_ = startStream()
	}

	capture := func(reqCtx context.Context) (*processing.Rendered, error) {
		grid, err := client.CaptureThermal(reqCtx)
		if err != nil {
			return nil, err
		}
		out, err := renderer.RenderGrid(grid)
		if err != nil {
			return nil, err
		}
		imagePath, valuesPath, err := output.WriteSnapshot(cfg.OutputDir, out, currentSettings())
		if err != nil {
			log.Printf("snapshot write failed: %v", err)
		} else {
			log.Printf("captured still to %s and %s", imagePath, valuesPath)
		}
		publishFrame(types.FrameMessage{
			Type:  "frame",
			Image: out.Image.DataURI(),
			Stats: processing.Stats(grid),
		})
		return out, nil
	}

	if !cfg.Debug {
		go device.Poll(ctx, client, cfg.StatusInterval, func(h device.Health) {
			statusMu.Lock()
			status["device"] = h.State
			status["device_info"] = h
			statusMu.Unlock()
		})
	}

	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				snapshot := metrics.snapshot()
				log.Printf("ingest stats: received=%v rendered=%v dropped=%v bad_trailers=%v",
					snapshot["frames_received_total"],
					snapshot["frames_rendered_total"],
					ingest.DecodeFailures(),
					ingest.BadTrailers(),
				)
			}
		}
	}()

	statusFn := func() map[string]any {
		statusMu.Lock()
		defer statusMu.Unlock()
		copy := map[string]any{}
		for k, v := range status {
			copy[k] = v
		}
		copy["streaming"] = session.Active()
		metricsPayload := metrics.snapshot()
		metricsPayload["ingest_decode_failures_total"] = ingest.DecodeFailures()
		metricsPayload["ingest_bad_trailers_total"] = ingest.BadTrailers()
		decodeCount, decodeNanos := ingest.DecodeTiming()
		metricsPayload["ingest_decode_total"] = decodeCount
		metricsPayload["ingest_decode_nanos_total"] = decodeNanos
		metricsPayload["renderer_frames_total"] = renderer.Frames()
		if publisher != nil {
			metricsPayload["publish_sent_total"] = publisher.Sent()
			metricsPayload["publish_dropped_total"] = publisher.Dropped()
		}
		copy["metrics"] = metricsPayload
		return copy
	}

	snapshotFn := func() any {
		latestMu.Lock()
		defer latestMu.Unlock()
		if latest == nil {
			return nil
		}
		return *latest
	}

	log.Printf("Starting web UI at http://localhost:%d\n", cfg.Port)
	srv := server.New(cfg, renderer, server.Hooks{
		Status:      statusFn,
		Snapshot:    snapshotFn,
		Settings:    currentSettings,
		StartStream: startStream,
		StopStream:  stopStream,
		Capture:     capture,
		Device:      client,

		ThermalChanged: thermalChanged,
	})
	if err := srv.Run(ctx, uiMessages); err != nil {
		log.Printf("server stopped: %v", err)
	}
}

func settings(cfg config.AppConfig) output.Settings {
	return output.Settings{Emissivity: cfg.Emissivity, AmbientReflection: cfg.AmbientReflected}
}

// startSimulator serves a simulated camera on cfg.DebugAddr: the thermal
// stream on /stream and the single-shot capture on /capture90640.
func startSimulator(ctx context.Context, cfg config.AppConfig) (string, error) {
	mux := http.NewServeMux()
	mux.Handle("/stream", &simulator.Handler{Rate: cfg.DebugAcqRate, Seed: time.Now().UnixNano()})
	mux.Handle("/capture90640", simulator.CaptureHandler(time.Now().UnixNano()))
	httpServer := &http.Server{
		Addr:              cfg.DebugAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()
	select {
	case err := <-errCh:
		return "", fmt.Errorf("simulator listen %s: %w", cfg.DebugAddr, err)
	case <-time.After(100 * time.Millisecond):
	}
	log.Printf("simulator serving on http://%s", cfg.DebugAddr)
	return cfg.DebugAddr, nil
}
