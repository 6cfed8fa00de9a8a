package device

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Health is the periodic summary of the camera the panel shows.
type Health struct {
	State       string  `json:"state"`
	Voltage     float64 `json:"voltage"`
	Temperature float64 `json:"temperature"`
	Sensor      Status  `json:"sensor,omitempty"`
	CheckedAt   float64 `json:"checked_at"`
}

// Poll queries the camera every interval until ctx is done and passes
// each result to update. The first check runs immediately.
func Poll(ctx context.Context, client *Client, interval time.Duration, update func(Health)) {
	if client == nil || client.BaseURL == "" || update == nil {
		return
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		update(Check(ctx, client))

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Check reads the sensor status and the thermal sensor supply readings.
// State is "ok", "http_<code>" for a device error or "error" otherwise.
func Check(ctx context.Context, client *Client) Health {
	h := Health{CheckedAt: float64(time.Now().UnixNano()) / 1e9}
	status, err := client.Status(ctx)
	if err != nil {
		h.State = stateOf(err)
		return h
	}
	h.Sensor = status
	h.State = "ok"
	if v, err := client.ReadThermal(ctx, ThermalDeviceVoltage); err == nil {
		h.Voltage = v
	}
	if v, err := client.ReadThermal(ctx, ThermalDeviceTemperature); err == nil {
		h.Temperature = v
	}
	return h
}

func stateOf(err error) string {
	var se *StatusError
	if errors.As(err, &se) {
		return fmt.Sprintf("http_%d", se.StatusCode)
	}
	return "error"
}
