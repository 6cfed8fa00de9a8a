package processing

import (
	"math"
	"sync/atomic"
	"time"
)

// Rendered is the result of one successful render.
type Rendered struct {
	Grid       *Grid
	Image      Image
	RenderedAt time.Time
}

// Renderer turns thermal payloads into false-color bitmaps and keeps the
// most recent grid for point lookups. All methods are safe for concurrent
// use: every frame swaps in a fresh grid instead of mutating the cached
// one, and the last stored render wins.
type Renderer struct {
	latest atomic.Pointer[Rendered]
	frames atomic.Uint64
}

func NewRenderer() *Renderer {
	return &Renderer{}
}

// Render decodes payload, renders it and replaces the cached grid. A
// payload of the wrong size returns a PreconditionError and leaves the
// cache untouched.
func (r *Renderer) Render(payload []byte) (*Rendered, error) {
	grid, err := DecodeGrid(payload)
	if err != nil {
		return nil, err
	}
	return r.RenderGrid(grid)
}

// RenderGrid renders grid and caches it. The grid must not be modified
// afterwards.
func (r *Renderer) RenderGrid(grid *Grid) (*Rendered, error) {
	img, err := RenderImage(grid)
	if err != nil {
		return nil, err
	}
	out := &Rendered{
		Grid:       grid,
		Image:      img,
		RenderedAt: time.Now(),
	}
	r.latest.Store(out)
	r.frames.Add(1)
	return out, nil
}

// Latest returns the last rendered frame, or false before the first one.
func (r *Renderer) Latest() (*Rendered, bool) {
	last := r.latest.Load()
	return last, last != nil
}

// Frames is the number of frames rendered so far.
func (r *Renderer) Frames() uint64 {
	return r.frames.Load()
}

// NoReading is returned by lookups that have no value to report.
var NoReading = float32(math.NaN())

// Lookup returns the cached temperature at grid column x, row y. It
// reports NoReading and false before the first frame or out of bounds.
func (r *Renderer) Lookup(x, y int) (float32, bool) {
	last := r.latest.Load()
	if last == nil || x < 0 || x >= GridWidth || y < 0 || y >= GridHeight {
		return NoReading, false
	}
	return last.Grid.At(x, y), true
}

// ViewToGrid maps fractional coordinates on the displayed bitmap (0,0 is
// top-left) to grid coordinates. The bitmap is mirrored horizontally and
// stored bottom-up, so both axes flip.
func ViewToGrid(fx, fy float64) (int, int) {
	x := GridWidth - 1 - int(math.Floor(fx*GridWidth))
	y := GridHeight - 1 - int(math.Floor(fy*GridHeight))
	return x, y
}

// LookupView is Lookup addressed by display fractions.
func (r *Renderer) LookupView(fx, fy float64) (float32, bool) {
	if math.IsNaN(fx) || math.IsNaN(fy) {
		return NoReading, false
	}
	x, y := ViewToGrid(fx, fy)
	return r.Lookup(x, y)
}

// RenderImage maps grid through the ironbow palette, mirrors every row and
// encodes the result as a bitmap. It has no side effects.
func RenderImage(grid *Grid) (Image, error) {
	fMin, fMax := grid.Bounds()
	pixels := make([]RGB, GridSize)
	i := 0
	for y := 0; y < GridHeight; y++ {
		for x := 0; x < GridWidth; x++ {
			v := grid[y*GridWidth+(GridWidth-1-x)]
			pixels[i] = Ironbow(Normalize(v, fMin, fMax))
			i++
		}
	}
	data, err := EncodeBMP(GridWidth, GridHeight, pixels)
	if err != nil {
		return Image{}, err
	}
	return Image{Width: GridWidth, Height: GridHeight, Data: data}, nil
}
