package processing

import (
	"math"
	"time"

	"thermal-panel-go/internal/types"
)

// Stats returns min, max (with their positions) and mean of grid. NaN and
// infinite samples are skipped; a grid without finite samples yields zero
// stats.
func Stats(grid *Grid) types.FrameStats {
	var stats types.FrameStats
	var sum float64
	count, minIdx, maxIdx := 0, 0, 0
	for i, v := range grid {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			continue
		}
		if count == 0 || v < stats.Min {
			stats.Min = v
			minIdx = i
		}
		if count == 0 || v > stats.Max {
			stats.Max = v
			maxIdx = i
		}
		sum += f
		count++
	}
	if count > 0 {
		stats.Mean = float32(sum / float64(count))
	}
	stats.MinX, stats.MinY = minIdx%GridWidth, minIdx/GridWidth
	stats.MaxX, stats.MaxY = maxIdx%GridWidth, maxIdx/GridWidth
	return stats
}

// RateMeter tracks the frame rate over a sliding window of arrivals.
type RateMeter struct {
	window []time.Time
	size   int
}

func NewRateMeter(size int) *RateMeter {
	if size < 2 {
		size = 2
	}
	return &RateMeter{size: size}
}

// Mark records one frame arrival and returns the current rate in frames
// per second, or zero until two frames have arrived.
func (m *RateMeter) Mark(at time.Time) float64 {
	m.window = append(m.window, at)
	if len(m.window) > m.size {
		m.window = m.window[1:]
	}
	if len(m.window) < 2 {
		return 0
	}
	span := m.window[len(m.window)-1].Sub(m.window[0])
	if span <= 0 {
		return 0
	}
	return float64(len(m.window)-1) / span.Seconds()
}

func Timestamp() string {
	return time.Now().Format("20060102_150405")
}
