package processing

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

const (
	GridWidth  = 32
	GridHeight = 24
	GridSize   = GridWidth * GridHeight
	// PayloadSize is the byte length of one thermal frame on the wire.
	PayloadSize = GridSize * 4
)

// ErrPayloadSize matches every PreconditionError via errors.Is.
var ErrPayloadSize = errors.New("thermal payload has wrong size")

// PreconditionError reports a payload that is not exactly one grid.
type PreconditionError struct {
	Got  int
	Want int
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("thermal payload has %d bytes, want %d", e.Got, e.Want)
}

func (e *PreconditionError) Is(target error) bool {
	return target == ErrPayloadSize
}

// Grid is one row-major 32x24 frame of temperatures in degrees Celsius.
type Grid [GridSize]float32

// DecodeGrid interprets payload as 768 little-endian float32 samples, the
// layout the sensor firmware writes.
func DecodeGrid(payload []byte) (*Grid, error) {
	if len(payload) != PayloadSize {
		return nil, &PreconditionError{Got: len(payload), Want: PayloadSize}
	}
	g := new(Grid)
	for i := range g {
		g[i] = math.Float32frombits(binary.LittleEndian.Uint32(payload[i*4 : i*4+4]))
	}
	return g, nil
}

// Bytes encodes the grid back into the wire layout.
func (g *Grid) Bytes() []byte {
	out := make([]byte, PayloadSize)
	for i, v := range g {
		binary.LittleEndian.PutUint32(out[i*4:i*4+4], math.Float32bits(v))
	}
	return out
}

// At returns the value at column x, row y.
func (g *Grid) At(x, y int) float32 {
	return g[y*GridWidth+x]
}

// Bounds returns the smallest and largest sample.
func (g *Grid) Bounds() (float32, float32) {
	fMin := float32(math.Inf(1))
	fMax := float32(math.Inf(-1))
	for _, v := range g {
		if v < fMin {
			fMin = v
		}
		if v > fMax {
			fMax = v
		}
	}
	return fMin, fMax
}
