package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"thermal-panel-go/internal/device"
	"thermal-panel-go/internal/ingest"
	"thermal-panel-go/internal/output"
	"thermal-panel-go/internal/processing"
	"thermal-panel-go/internal/publish"
)

func main() {
	var (
		deviceURL  = flag.String("device", "", "Camera control URL for a single-shot capture, e.g. http://192.168.4.1")
		streamURL  = flag.String("stream", "", "Thermal stream URL; the first complete frame is used")
		zmqURL     = flag.String("zmq", "", "ZeroMQ endpoint of a running panel's frame publisher, e.g. tcp://127.0.0.1:5556")
		file       = flag.String("file", "", "Raw frame (.bin) or saved values (.txt) to render")
		outDir     = flag.String("out", "output", "Directory for the bitmap and values file")
		emissivity = flag.Float64("emissivity", 0.95, "Emissivity written with the values")
		ambient    = flag.Float64("ambient-reflected", 20, "Ambient reflected temperature written with the values")
		timeout    = flag.Duration("timeout", 10*time.Second, "Overall timeout")
	)
	flag.Parse()

	sources := 0
	for _, s := range []string{*deviceURL, *streamURL, *zmqURL, *file} {
		if s != "" {
			sources++
		}
	}
	if sources != 1 {
		log.Fatal("exactly one of -device, -stream, -zmq or -file is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	settings := output.Settings{Emissivity: *emissivity, AmbientReflection: *ambient}
	var (
		grid *processing.Grid
		err  error
	)
	switch {
	case *deviceURL != "":
		grid, err = device.NewClient(*deviceURL).CaptureThermal(ctx)
	case *streamURL != "":
		grid, err = firstFrame(ctx, *streamURL)
	case *zmqURL != "":
		grid, err = firstPublished(ctx, *zmqURL)
	default:
		grid, settings, err = readFile(*file, settings)
	}
	if err != nil {
		log.Fatalf("capture failed: %v", err)
	}

	out, err := processing.NewRenderer().RenderGrid(grid)
	if err != nil {
		log.Fatalf("render failed: %v", err)
	}
	imagePath, valuesPath, err := output.WriteSnapshot(*outDir, out, settings)
	if err != nil {
		log.Fatalf("write failed: %v", err)
	}

	stats := processing.Stats(grid)
	fmt.Printf("image:  %s\n", imagePath)
	fmt.Printf("values: %s\n", valuesPath)
	fmt.Printf("min %.2f at (%d,%d)  max %.2f at (%d,%d)  mean %.2f\n",
		stats.Min, stats.MinX, stats.MinY, stats.Max, stats.MaxX, stats.MaxY, stats.Mean)
}

func firstFrame(ctx context.Context, url string) (*processing.Grid, error) {
	stream, err := ingest.Open(ctx, url, ingest.Options{})
	if err != nil {
		return nil, err
	}
	defer stream.Close()
	frame, ok := <-stream.Frames()
	if !ok {
		if err := stream.Err(); err != nil {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("stream %s ended without a frame", url)
	}
	return processing.DecodeGrid(frame.Payload)
}

func firstPublished(ctx context.Context, endpoint string) (*processing.Grid, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	frames, err := publish.Subscribe(ctx, endpoint)
	if err != nil {
		return nil, err
	}
	frame, ok := <-frames
	if !ok {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("subscriber %s closed without a frame", endpoint)
	}
	return processing.DecodeGrid(frame.Payload)
}

func readFile(path string, settings output.Settings) (*processing.Grid, output.Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, settings, err
	}
	if strings.EqualFold(filepath.Ext(path), ".txt") {
		grid, parsed, err := output.ParseGridText(bytes.NewReader(data))
		if err != nil {
			return nil, settings, err
		}
		if parsed.Emissivity != 0 {
			settings = parsed
		}
		return grid, settings, nil
	}
	grid, err := processing.DecodeGrid(data)
	return grid, settings, err
}
