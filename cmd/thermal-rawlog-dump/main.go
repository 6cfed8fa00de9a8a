package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"

	"thermal-panel-go/internal/output"
	"thermal-panel-go/internal/processing"
)

type recordSummary struct {
	Record     int     `json:"record"`
	WrittenAt  string  `json:"written_at"`
	Seq        uint64  `json:"seq"`
	StreamID   string  `json:"stream_id"`
	DeviceTime float64 `json:"device_time"`
	ReceivedAt float64 `json:"received_at"`
	Min        float32 `json:"min"`
	Max        float32 `json:"max"`
	Mean       float32 `json:"mean"`
}

func main() {
	var (
		path   = flag.String("path", "", "Path to rawlog .bin file")
		limit  = flag.Int("limit", 1, "Number of records to dump, 0 for all")
		outDir = flag.String("out", "", "Also write each frame as bitmap and values file into this directory")
	)
	flag.Parse()

	if *path == "" {
		log.Fatal("path is required")
	}

	f, err := os.Open(*path)
	if err != nil {
		log.Fatalf("open rawlog: %v", err)
	}
	defer f.Close()

	reader, err := output.NewRawLogReader(f)
	if err != nil {
		log.Fatalf("%v", err)
	}
	if *outDir != "" {
		if err := os.MkdirAll(*outDir, 0o755); err != nil {
			log.Fatalf("create output dir: %v", err)
		}
	}

	count := 0
	for {
		if *limit > 0 && count >= *limit {
			return
		}
		rec, err := reader.Next()
		if err == io.EOF {
			return
		}
		if err != nil {
			log.Fatalf("record %d: %v", count, err)
		}

		grid, err := processing.DecodeGrid(rec.Frame.Payload)
		if err != nil {
			log.Printf("record %d: %v", count, err)
			count++
			continue
		}
		stats := processing.Stats(grid)
		pretty, err := json.MarshalIndent(recordSummary{
			Record:     count,
			WrittenAt:  rec.WrittenAt.Format(time.RFC3339Nano),
			Seq:        rec.Frame.Seq,
			StreamID:   rec.Frame.StreamID,
			DeviceTime: rec.Frame.DeviceTime,
			ReceivedAt: rec.Frame.ReceivedAt,
			Min:        stats.Min,
			Max:        stats.Max,
			Mean:       stats.Mean,
		}, "", "  ")
		if err != nil {
			log.Printf("record %d: JSON encode error: %v", count, err)
			count++
			continue
		}
		fmt.Println(string(pretty))

		if *outDir != "" {
			if err := writeFrame(*outDir, count, grid); err != nil {
				log.Fatalf("record %d: %v", count, err)
			}
		}
		count++
	}
}

func writeFrame(dir string, index int, grid *processing.Grid) error {
	img, err := processing.RenderImage(grid)
	if err != nil {
		return err
	}
	stem := filepath.Join(dir, fmt.Sprintf("frame_%06d", index))
	if err := os.WriteFile(stem+".bmp", img.Data, 0o644); err != nil {
		return err
	}
	values, err := os.Create(stem + "_values.txt")
	if err != nil {
		return err
	}
	if err := output.WriteGridText(values, grid, output.Settings{}); err != nil {
		_ = values.Close()
		return err
	}
	return values.Close()
}
