package output

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
	"unicode"

	"thermal-panel-go/internal/processing"
)

// Settings are the thermal parameters saved next to a grid.
type Settings struct {
	Emissivity        float64 `json:"emissivity" yaml:"emissivity"`
	AmbientReflection float64 `json:"ambient_reflection" yaml:"ambient_reflection"`
}

// WriteGridText writes the settings lines followed by one row per grid
// row, every value with two decimals and a trailing tab.
func WriteGridText(w io.Writer, grid *processing.Grid, settings Settings) error {
	bw := bufio.NewWriter(w)
	_, _ = fmt.Fprintf(bw, "\"Emissivity\": %.2f\n", settings.Emissivity)
	_, _ = fmt.Fprintf(bw, "\"AmbientReflection\": %.2f\n", settings.AmbientReflection)
	for y := 0; y < processing.GridHeight; y++ {
		for x := 0; x < processing.GridWidth; x++ {
			_, _ = fmt.Fprintf(bw, "%.2f\t", grid.At(x, y))
		}
		_ = bw.WriteByte('\n')
	}
	return bw.Flush()
}

// ParseGridText reads the WriteGridText format. The settings lines are
// optional; exactly GridSize values separated by whitespace or commas must
// follow.
func ParseGridText(r io.Reader) (*processing.Grid, Settings, error) {
	var settings Settings
	grid := new(processing.Grid)
	n := 0

	scanner := bufio.NewScanner(r)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		if strings.HasPrefix(text, "\"") {
			key, value, ok := strings.Cut(text, ":")
			if !ok {
				return nil, settings, fmt.Errorf("line %d: malformed setting", line)
			}
			v, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
			if err != nil {
				return nil, settings, fmt.Errorf("line %d: %w", line, err)
			}
			switch strings.Trim(key, "\" ") {
			case "Emissivity":
				settings.Emissivity = v
			case "AmbientReflection":
				settings.AmbientReflection = v
			}
			continue
		}
		fields := strings.FieldsFunc(text, func(r rune) bool {
			return r == ',' || r == ';' || unicode.IsSpace(r)
		})
		for _, field := range fields {
			if n >= processing.GridSize {
				return nil, settings, fmt.Errorf("line %d: more than %d values", line, processing.GridSize)
			}
			v, err := strconv.ParseFloat(field, 32)
			if err != nil {
				return nil, settings, fmt.Errorf("line %d: %w", line, err)
			}
			grid[n] = float32(v)
			n++
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, settings, err
	}
	if n != processing.GridSize {
		return nil, settings, fmt.Errorf("got %d values, want %d", n, processing.GridSize)
	}
	return grid, settings, nil
}

// SnapshotName builds the file name stem used for saved frames.
func SnapshotName(t time.Time) string {
	return t.Format("2006-01-02_15h04m05s")
}

// WriteSnapshot stores the rendered image and the grid values of one
// frame in outputDir and returns both paths.
func WriteSnapshot(outputDir string, frame *processing.Rendered, settings Settings) (string, string, error) {
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return "", "", err
	}
	stem := SnapshotName(frame.RenderedAt)
	imagePath := filepath.Join(outputDir, stem+"_thermal.bmp")
	if err := os.WriteFile(imagePath, frame.Image.Data, 0o644); err != nil {
		return "", "", err
	}
	valuesPath := filepath.Join(outputDir, stem+"_values.txt")
	f, err := os.Create(valuesPath)
	if err != nil {
		return "", "", err
	}
	if err := WriteGridText(f, frame.Grid, settings); err != nil {
		_ = f.Close()
		return "", "", err
	}
	if err := f.Close(); err != nil {
		return "", "", err
	}
	return imagePath, valuesPath, nil
}
