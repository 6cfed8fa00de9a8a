package output

import (
	"errors"
	"fmt"
	"math"

	"github.com/fxamacker/cbor/v2"

	"thermal-panel-go/internal/processing"
	"thermal-panel-go/internal/types"
)

// RFC 8746 tags.
const (
	tagMultiDimArray = 40
	tagFloat32LE     = 85
)

// frameRecord is the CBOR form of a frame: metadata plus the grid as a
// row-major [rows, cols] multi-dimensional float32 array.
type frameRecord struct {
	Seq        uint64            `cbor:"seq"`
	StreamID   string            `cbor:"stream_id"`
	DeviceTime float64           `cbor:"device_time"`
	ReceivedAt float64           `cbor:"received_at"`
	Grid       cbor.RawMessage   `cbor:"grid"`
	Stats      *types.FrameStats `cbor:"stats,omitempty"`
}

// GridTag wraps a grid in a tag 40 array with a tag 85 typed array body.
func GridTag(grid *processing.Grid) cbor.Tag {
	return cbor.Tag{
		Number: tagMultiDimArray,
		Content: []any{
			[]any{processing.GridHeight, processing.GridWidth},
			cbor.Tag{Number: tagFloat32LE, Content: grid.Bytes()},
		},
	}
}

// EncodeGridCBOR returns the tagged array form of grid.
func EncodeGridCBOR(grid *processing.Grid) ([]byte, error) {
	return cbor.Marshal(GridTag(grid))
}

// DecodeGridCBOR parses a tag 40 array of 24x32 float32 values.
func DecodeGridCBOR(data []byte) (*processing.Grid, error) {
	var value any
	if err := cbor.Unmarshal(data, &value); err != nil {
		return nil, err
	}
	return decodeGridTag(value)
}

// EncodeFrameCBOR encodes a frame whose payload is a complete grid.
// stats is optional.
func EncodeFrameCBOR(frame types.Frame, stats *types.FrameStats) ([]byte, error) {
	grid, err := processing.DecodeGrid(frame.Payload)
	if err != nil {
		return nil, err
	}
	gridBytes, err := EncodeGridCBOR(grid)
	if err != nil {
		return nil, err
	}
	return cbor.Marshal(frameRecord{
		Seq:        frame.Seq,
		StreamID:   frame.StreamID,
		DeviceTime: frame.DeviceTime,
		ReceivedAt: frame.ReceivedAt,
		Grid:       gridBytes,
		Stats:      stats,
	})
}

// DecodeFrameCBOR reverses EncodeFrameCBOR. The returned payload is the
// little-endian sample bytes of the grid.
func DecodeFrameCBOR(data []byte) (types.Frame, error) {
	var rec frameRecord
	if err := cbor.Unmarshal(data, &rec); err != nil {
		return types.Frame{}, err
	}
	if len(rec.Grid) == 0 {
		return types.Frame{}, errors.New("frame record without grid")
	}
	grid, err := DecodeGridCBOR(rec.Grid)
	if err != nil {
		return types.Frame{}, err
	}
	return types.Frame{
		Seq:        rec.Seq,
		StreamID:   rec.StreamID,
		DeviceTime: rec.DeviceTime,
		ReceivedAt: rec.ReceivedAt,
		Payload:    grid.Bytes(),
	}, nil
}

func decodeGridTag(value any) (*processing.Grid, error) {
	tag, ok := value.(cbor.Tag)
	if !ok || tag.Number != tagMultiDimArray {
		return nil, fmt.Errorf("expected multidim tag 40")
	}
	items, ok := tag.Content.([]any)
	if !ok || len(items) != 2 {
		return nil, fmt.Errorf("invalid multidim array content")
	}
	dims, ok := items[0].([]any)
	if !ok || len(dims) != 2 {
		return nil, fmt.Errorf("invalid multidim dimensions")
	}
	rows, err := toInt(dims[0])
	if err != nil {
		return nil, err
	}
	cols, err := toInt(dims[1])
	if err != nil {
		return nil, err
	}
	if rows != processing.GridHeight || cols != processing.GridWidth {
		return nil, fmt.Errorf("unexpected grid dimensions %dx%d", rows, cols)
	}

	inner, ok := items[1].(cbor.Tag)
	if !ok {
		return nil, fmt.Errorf("expected typed array tag")
	}
	if inner.Number != tagFloat32LE {
		return nil, fmt.Errorf("unsupported typed array tag %d", inner.Number)
	}
	data, ok := inner.Content.([]byte)
	if !ok {
		return nil, fmt.Errorf("unsupported typed array content %T", inner.Content)
	}
	return processing.DecodeGrid(data)
}

func toInt(value any) (int, error) {
	switch v := value.(type) {
	case uint64:
		if v > math.MaxInt32 {
			return 0, fmt.Errorf("dimension %d out of range", v)
		}
		return int(v), nil
	case int64:
		if v < 0 || v > math.MaxInt32 {
			return 0, fmt.Errorf("dimension %d out of range", v)
		}
		return int(v), nil
	case int:
		return v, nil
	default:
		return 0, fmt.Errorf("unexpected dimension type %T", value)
	}
}
