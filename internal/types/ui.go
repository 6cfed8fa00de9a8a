package types

type FrameMessage struct {
	Type       string     `json:"type"`
	Seq        uint64     `json:"seq"`
	StreamID   string     `json:"stream_id"`
	DeviceTime float64    `json:"device_time"`
	Image      string     `json:"image"`
	Stats      FrameStats `json:"stats"`
}

type TemperatureMessage struct {
	Type  string  `json:"type"`
	X     int     `json:"x"`
	Y     int     `json:"y"`
	Value float32 `json:"value"`
	Valid bool    `json:"valid"`
}
