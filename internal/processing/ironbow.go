package processing

import "math"

// RGB is one false-color sample.
type RGB struct {
	R uint8
	G uint8
	B uint8
}

// Normalize maps v into the colormap domain. Near-uniform frames (range
// of one degree or less) are offset only, never divided.
func Normalize(v, fMin, fMax float32) float64 {
	if fMax-fMin > 1 {
		return float64(v-fMin) / float64(fMax-fMin)
	}
	return float64(v - fMin)
}

// Ironbow maps t in [0,1] to the four segment blue, purple, red, orange,
// yellow palette.
func Ironbow(t float64) RGB {
	var r, g, b float64
	switch {
	case t < 0.25:
		r = 128 * (t / 0.25)
		b = 255
	case t < 0.5:
		s := (t - 0.25) / 0.25
		r = 128 + 127*s
		b = 255 - 255*s
	case t < 0.75:
		r = 255
		g = 128 * ((t - 0.5) / 0.25)
	default:
		s := (t - 0.75) / 0.25
		r = 255
		g = 128 + 127*s
		b = 127 * s
	}
	return RGB{R: channel(r), G: channel(g), B: channel(b)}
}

func channel(v float64) uint8 {
	if math.IsNaN(v) {
		return 0
	}
	v = math.Round(v)
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return uint8(v)
}
