package processing

import (
	"math"
	"testing"
)

func TestIronbowSegmentEdges(t *testing.T) {
	cases := []struct {
		t    float64
		want RGB
	}{
		{0, RGB{0, 0, 255}},
		{0.25, RGB{128, 0, 255}},
		{0.5, RGB{255, 0, 0}},
		{0.75, RGB{255, 128, 0}},
		{1, RGB{255, 255, 127}},
	}
	for _, tc := range cases {
		if got := Ironbow(tc.t); got != tc.want {
			t.Fatalf("Ironbow(%v) = %+v, want %+v", tc.t, got, tc.want)
		}
	}
}

func TestIronbowClampsOutOfRange(t *testing.T) {
	if got := Ironbow(-1); got != (RGB{0, 0, 255}) {
		t.Fatalf("Ironbow(-1) = %+v", got)
	}
	if got := Ironbow(2); got != (RGB{255, 255, 255}) {
		t.Fatalf("Ironbow(2) = %+v", got)
	}
	if got := Ironbow(math.NaN()); got != (RGB{0, 0, 0}) {
		t.Fatalf("Ironbow(NaN) = %+v", got)
	}
}

func TestNormalizeFlatFrame(t *testing.T) {
	if got := Normalize(21.5, 21.5, 21.5); got != 0 {
		t.Fatalf("flat frame normalized to %v", got)
	}
	if got := Normalize(21.5, 21, 21.75); got != 0.5 {
		t.Fatalf("low-contrast frame normalized to %v", got)
	}
	if got := Normalize(30, 20, 40); got != 0.5 {
		t.Fatalf("normal frame normalized to %v", got)
	}
}
