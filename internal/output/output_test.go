package output

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fxamacker/cbor/v2"

	"thermal-panel-go/internal/processing"
	"thermal-panel-go/internal/types"
)

func testGrid() *processing.Grid {
	grid := new(processing.Grid)
	for i := range grid {
		grid[i] = float32(i%97) / 4
	}
	return grid
}

func TestFrameCBORKeepsGridAndMetadata(t *testing.T) {
	grid := testGrid()
	frame := types.Frame{Seq: 7, StreamID: "abc", DeviceTime: 12.5, ReceivedAt: 13.25, Payload: grid.Bytes()}
	data, err := EncodeFrameCBOR(frame, nil)
	if err != nil {
		t.Fatalf("EncodeFrameCBOR error: %v", err)
	}
	got, err := DecodeFrameCBOR(data)
	if err != nil {
		t.Fatalf("DecodeFrameCBOR error: %v", err)
	}
	if got.Seq != 7 || got.StreamID != "abc" || got.DeviceTime != 12.5 || got.ReceivedAt != 13.25 {
		t.Fatalf("metadata mismatch: %+v", got)
	}
	if !bytes.Equal(got.Payload, frame.Payload) {
		t.Fatalf("payload mismatch")
	}
}

func TestGridCBORUsesTypedArrayTags(t *testing.T) {
	data, err := EncodeGridCBOR(testGrid())
	if err != nil {
		t.Fatalf("EncodeGridCBOR error: %v", err)
	}
	var decoded any
	if err := cbor.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal error: %v", err)
	}
	value, ok := decoded.(cbor.Tag)
	if !ok {
		t.Fatalf("expected tag, got %T", decoded)
	}
	if value.Number != tagMultiDimArray {
		t.Fatalf("outer tag %d, want %d", value.Number, tagMultiDimArray)
	}
	items := value.Content.([]any)
	if inner := items[1].(cbor.Tag); inner.Number != tagFloat32LE {
		t.Fatalf("inner tag %d, want %d", inner.Number, tagFloat32LE)
	}
}

func TestDecodeGridCBORRejectsOtherShapes(t *testing.T) {
	data, err := cbor.Marshal(cbor.Tag{
		Number: tagMultiDimArray,
		Content: []any{
			[]any{2, 2},
			cbor.Tag{Number: tagFloat32LE, Content: make([]byte, 16)},
		},
	})
	if err != nil {
		t.Fatalf("Marshal error: %v", err)
	}
	if _, err := DecodeGridCBOR(data); err == nil {
		t.Fatalf("expected dimension error")
	}
}

func TestRawLogRoundTrip(t *testing.T) {
	dir := t.TempDir()
	w, err := NewRawLogWriter(dir, "thermal")
	if err != nil {
		t.Fatalf("NewRawLogWriter error: %v", err)
	}
	grid := testGrid()
	for seq := uint64(1); seq <= 3; seq++ {
		if err := w.Record(types.Frame{Seq: seq, StreamID: "s", Payload: grid.Bytes()}); err != nil {
			t.Fatalf("Record error: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close error: %v", err)
	}
	if err := w.Record(types.Frame{Payload: grid.Bytes()}); err == nil {
		t.Fatalf("expected error after Close")
	}

	f, err := os.Open(w.Path())
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	defer f.Close()
	r, err := NewRawLogReader(f)
	if err != nil {
		t.Fatalf("NewRawLogReader error: %v", err)
	}
	var seqs []uint64
	for {
		rec, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Next error: %v", err)
		}
		if !bytes.Equal(rec.Frame.Payload, grid.Bytes()) {
			t.Fatalf("record %d payload mismatch", rec.Frame.Seq)
		}
		seqs = append(seqs, rec.Frame.Seq)
	}
	if len(seqs) != 3 || seqs[0] != 1 || seqs[2] != 3 {
		t.Fatalf("unexpected sequence %v", seqs)
	}
}

func TestRawLogReaderTruncatedRecord(t *testing.T) {
	dir := t.TempDir()
	w, err := NewRawLogWriter(dir, "thermal")
	if err != nil {
		t.Fatalf("NewRawLogWriter error: %v", err)
	}
	if err := w.Record(types.Frame{Seq: 1, Payload: testGrid().Bytes()}); err != nil {
		t.Fatalf("Record error: %v", err)
	}
	_ = w.Close()
	data, err := os.ReadFile(w.Path())
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	r, err := NewRawLogReader(bytes.NewReader(data[:len(data)-10]))
	if err != nil {
		t.Fatalf("NewRawLogReader error: %v", err)
	}
	if _, err := r.Next(); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("expected ErrUnexpectedEOF, got %v", err)
	}
}

func TestRawLogReaderRejectsMagic(t *testing.T) {
	if _, err := NewRawLogReader(strings.NewReader("STXMRAW1")); err == nil {
		t.Fatalf("expected magic error")
	}
}

func TestGridTextRoundTrip(t *testing.T) {
	grid := testGrid()
	var buf bytes.Buffer
	if err := WriteGridText(&buf, grid, Settings{Emissivity: 0.95, AmbientReflection: 23.15}); err != nil {
		t.Fatalf("WriteGridText error: %v", err)
	}
	lines := strings.Split(buf.String(), "\n")
	if lines[0] != `"Emissivity": 0.95` || lines[1] != `"AmbientReflection": 23.15` {
		t.Fatalf("unexpected header %q %q", lines[0], lines[1])
	}
	if !strings.HasPrefix(lines[2], "0.00\t0.25\t") || !strings.HasSuffix(lines[2], "\t") {
		t.Fatalf("unexpected first row %q", lines[2])
	}

	got, settings, err := ParseGridText(&buf)
	if err != nil {
		t.Fatalf("ParseGridText error: %v", err)
	}
	if settings.Emissivity != 0.95 || settings.AmbientReflection != 23.15 {
		t.Fatalf("unexpected settings %+v", settings)
	}
	if *got != *grid {
		t.Fatalf("grid mismatch")
	}
}

func TestParseGridTextCountsValues(t *testing.T) {
	short := strings.Repeat("1.00\t", processing.GridSize-1)
	if _, _, err := ParseGridText(strings.NewReader(short)); err == nil {
		t.Fatalf("expected error for %d values", processing.GridSize-1)
	}
	long := strings.Repeat("1.00\t", processing.GridSize+1)
	if _, _, err := ParseGridText(strings.NewReader(long)); err == nil {
		t.Fatalf("expected error for %d values", processing.GridSize+1)
	}
	if _, _, err := ParseGridText(strings.NewReader(strings.Repeat("x\t", processing.GridSize))); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestWriteSnapshot(t *testing.T) {
	r := processing.NewRenderer()
	frame, err := r.RenderGrid(testGrid())
	if err != nil {
		t.Fatalf("RenderGrid error: %v", err)
	}
	dir := filepath.Join(t.TempDir(), "snapshots")
	imagePath, valuesPath, err := WriteSnapshot(dir, frame, Settings{Emissivity: 0.95})
	if err != nil {
		t.Fatalf("WriteSnapshot error: %v", err)
	}
	img, err := os.ReadFile(imagePath)
	if err != nil {
		t.Fatalf("read image: %v", err)
	}
	if !bytes.Equal(img, frame.Image.Data) {
		t.Fatalf("image file differs from rendered bitmap")
	}
	f, err := os.Open(valuesPath)
	if err != nil {
		t.Fatalf("open values: %v", err)
	}
	defer f.Close()
	if _, _, err := ParseGridText(f); err != nil {
		t.Fatalf("values file does not parse: %v", err)
	}
}
