package device

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"thermal-panel-go/internal/ingest"
	"thermal-panel-go/internal/processing"
)

// ClientDateLayout is the X-Client-Date format the firmware accepts for
// requests that persist data on the device.
const ClientDateLayout = "Mon Jan 02 2006 15:04:05"

var (
	ErrMissingBaseURL   = &deviceError{"missing base url"}
	ErrMissingParameter = &deviceError{"missing parameter"}
)

type deviceError struct {
	msg string
}

func (e *deviceError) Error() string {
	return e.msg
}

// StatusError is returned when the camera answers with a non-success
// status. Body is the trimmed response text.
type StatusError struct {
	Path       string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("device %s: http %d", e.Path, e.StatusCode)
	}
	return fmt.Sprintf("device %s: http %d: %s", e.Path, e.StatusCode, e.Body)
}

// Client talks to the camera's control port.
type Client struct {
	BaseURL string
	HTTP    *http.Client
	// Now stamps X-Client-Date; time.Now if nil.
	Now func() time.Time
}

func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    &http.Client{Timeout: 5 * time.Second},
	}
}

// Status is the sensor register summary served by /status.
type Status map[string]int

// Window describes the visual sensor output window (/resolution).
type Window struct {
	StartX  int
	OffsetX int
	OffsetY int
	TotalX  int
	TotalY  int
	OutputX int
	OutputY int
}

// PLL holds the visual sensor clock settings (/pll).
type PLL struct {
	Bypass int
	Mul    int
	Sys    int
	Root   int
	Pre    int
	SelD5  int
	PCLKEn int
	PCLK   int
}

// SetControl changes one visual sensor control (/control).
func (c *Client) SetControl(ctx context.Context, variable string, value int) error {
	if variable == "" {
		return ErrMissingParameter
	}
	_, err := c.get(ctx, "/control", url.Values{"var": {variable}, "val": {strconv.Itoa(value)}})
	return err
}

func (c *Client) Status(ctx context.Context) (Status, error) {
	body, err := c.get(ctx, "/status", nil)
	if err != nil {
		return nil, err
	}
	var status Status
	if err := json.Unmarshal(body, &status); err != nil {
		return nil, fmt.Errorf("decode status: %w", err)
	}
	return status, nil
}

// SetRegister writes value into the masked bits of a sensor register.
func (c *Client) SetRegister(ctx context.Context, reg, mask, value int) error {
	_, err := c.get(ctx, "/reg", url.Values{
		"reg":  {strconv.Itoa(reg)},
		"mask": {strconv.Itoa(mask)},
		"val":  {strconv.Itoa(value)},
	})
	return err
}

// GetRegister reads the masked bits of a sensor register.
func (c *Client) GetRegister(ctx context.Context, reg, mask int) (int, error) {
	body, err := c.get(ctx, "/greg", url.Values{
		"reg":  {strconv.Itoa(reg)},
		"mask": {strconv.Itoa(mask)},
	})
	if err != nil {
		return 0, err
	}
	v, err := strconv.Atoi(strings.TrimSpace(string(body)))
	if err != nil {
		return 0, fmt.Errorf("register %d: %w", reg, err)
	}
	return v, nil
}

// SetXCLK sets the visual sensor clock in MHz.
func (c *Client) SetXCLK(ctx context.Context, mhz int) error {
	_, err := c.get(ctx, "/xclk", url.Values{"xclk": {strconv.Itoa(mhz)}})
	return err
}

func (c *Client) SetPLL(ctx context.Context, p PLL) error {
	_, err := c.get(ctx, "/pll", url.Values{
		"bypass": {strconv.Itoa(p.Bypass)},
		"mul":    {strconv.Itoa(p.Mul)},
		"sys":    {strconv.Itoa(p.Sys)},
		"root":   {strconv.Itoa(p.Root)},
		"pre":    {strconv.Itoa(p.Pre)},
		"seld5":  {strconv.Itoa(p.SelD5)},
		"pclken": {strconv.Itoa(p.PCLKEn)},
		"pclk":   {strconv.Itoa(p.PCLK)},
	})
	return err
}

func (c *Client) SetWindow(ctx context.Context, w Window) error {
	_, err := c.get(ctx, "/resolution", url.Values{
		"sx":   {strconv.Itoa(w.StartX)},
		"offx": {strconv.Itoa(w.OffsetX)},
		"offy": {strconv.Itoa(w.OffsetY)},
		"tx":   {strconv.Itoa(w.TotalX)},
		"ty":   {strconv.Itoa(w.TotalY)},
		"ox":   {strconv.Itoa(w.OutputX)},
		"oy":   {strconv.Itoa(w.OutputY)},
	})
	return err
}

// Thermal parameters accepted by SetThermal.
const (
	ThermalAmbientReflected = "ambReflected"
	ThermalEmissivity       = "emissivity"
)

// Thermal readings served by ReadThermal.
const (
	ThermalDeviceVoltage     = "device_voltage"
	ThermalDeviceTemperature = "device_temperature"
)

// SetThermal changes a thermal sensor parameter (/mlx).
func (c *Client) SetThermal(ctx context.Context, variable string, value float64) error {
	if variable == "" {
		return ErrMissingParameter
	}
	_, err := c.get(ctx, "/mlx", url.Values{
		"var": {variable},
		"val": {strconv.FormatFloat(value, 'f', -1, 64)},
	})
	return err
}

// ReadThermal returns a numeric sensor reading such as the supply voltage.
func (c *Client) ReadThermal(ctx context.Context, variable string) (float64, error) {
	if variable == "" {
		return 0, ErrMissingParameter
	}
	body, err := c.get(ctx, "/mlx", url.Values{"var": {variable}, "val": {"0"}})
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(string(body)), 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", variable, err)
	}
	return v, nil
}

// Calibrate starts an offset calibration against the ambient reflected
// temperature. The device streams one progress byte per step; progress
// is called for each of them. The request is not bound by the client
// timeout, only by ctx.
func (c *Client) Calibrate(ctx context.Context, ambient float64, progress func(percent int)) error {
	path := "/mlx?" + url.Values{
		"var": {"calibrate"},
		"val": {strconv.FormatFloat(ambient, 'f', -1, 64)},
	}.Encode()
	resp, err := c.do(ctx, http.MethodGet, path, nil, &http.Client{Transport: c.transport()})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	r := bufio.NewReader(resp.Body)
	for {
		b, err := r.ReadByte()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if progress != nil {
			progress(int(b))
		}
	}
}

// CaptureThermal fetches a single raw frame.
func (c *Client) CaptureThermal(ctx context.Context) (*processing.Grid, error) {
	if c.BaseURL == "" {
		return nil, ErrMissingBaseURL
	}
	body, err := ingest.Fetch(ctx, c.HTTP, c.BaseURL+"/capture90640")
	if err != nil {
		return nil, err
	}
	return processing.DecodeGrid(body)
}

// Offsets downloads the per-pixel calibration offsets.
func (c *Client) Offsets(ctx context.Context) (*processing.Grid, error) {
	body, err := c.get(ctx, "/get_offsets90640", nil)
	if err != nil {
		return nil, err
	}
	if len(body) != processing.PayloadSize {
		return nil, fmt.Errorf("got %d offset bytes, want %d", len(body), processing.PayloadSize)
	}
	return processing.DecodeGrid(body)
}

// UploadOffsets replaces the calibration offsets on the device.
func (c *Client) UploadOffsets(ctx context.Context, offsets *processing.Grid) (string, error) {
	return c.upload(ctx, "/set_offsets90640", offsets.Bytes())
}

// UploadFirmware sends a firmware image. The device reboots into it after
// a later Reboot.
func (c *Client) UploadFirmware(ctx context.Context, image []byte) (string, error) {
	if len(image) == 0 {
		return "", ErrMissingParameter
	}
	return c.upload(ctx, "/uploadserver", image)
}

func (c *Client) Reboot(ctx context.Context) error {
	_, err := c.get(ctx, "/reboot", nil)
	return err
}

func (c *Client) upload(ctx context.Context, path string, payload []byte) (string, error) {
	resp, err := c.do(ctx, http.MethodPost, path, payload, c.HTTP)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(body)), nil
}

func (c *Client) get(ctx context.Context, path string, query url.Values) ([]byte, error) {
	if len(query) > 0 {
		path += "?" + query.Encode()
	}
	resp, err := c.do(ctx, http.MethodGet, path, nil, c.HTTP)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return io.ReadAll(io.LimitReader(resp.Body, 1<<20))
}

// do sends the request and returns the response for any 2xx status.
func (c *Client) do(ctx context.Context, method, path string, payload []byte, client *http.Client) (*http.Response, error) {
	if c.BaseURL == "" {
		return nil, ErrMissingBaseURL
	}
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return nil, err
	}
	if method == http.MethodPost || strings.Contains(path, "var=calibrate") {
		req.Header.Set("X-Client-Date", c.now().Format(ClientDateLayout))
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/octet-stream")
	}
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		text, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
		_ = resp.Body.Close()
		return nil, &StatusError{
			Path:       strings.SplitN(path, "?", 2)[0],
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(text)),
		}
	}
	return resp, nil
}

func (c *Client) transport() http.RoundTripper {
	if c.HTTP != nil && c.HTTP.Transport != nil {
		return c.HTTP.Transport
	}
	return http.DefaultTransport
}

func (c *Client) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}
