package types

// Frame is one thermal frame payload as cut out of the device stream.
// Payload holds the raw little-endian float32 samples and must not be
// modified once the frame has been handed downstream.
type Frame struct {
	Seq        uint64  `json:"seq" cbor:"seq"`
	StreamID   string  `json:"stream_id" cbor:"stream_id"`
	DeviceTime float64 `json:"device_time" cbor:"device_time"`
	ReceivedAt float64 `json:"received_at" cbor:"received_at"`
	Payload    []byte  `json:"-" cbor:"payload"`
}

// FrameStats summarises one grid. Positions are grid coordinates.
type FrameStats struct {
	Min  float32 `json:"min" cbor:"min"`
	Max  float32 `json:"max" cbor:"max"`
	Mean float32 `json:"mean" cbor:"mean"`
	MinX int     `json:"min_x" cbor:"min_x"`
	MinY int     `json:"min_y" cbor:"min_y"`
	MaxX int     `json:"max_x" cbor:"max_x"`
	MaxY int     `json:"max_y" cbor:"max_y"`
}
