package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"thermal-panel-go/internal/device"
	"thermal-panel-go/internal/output"
	"thermal-panel-go/internal/processing"
)

// Device is the camera control surface proxied under /device/.
// *device.Client implements it.
type Device interface {
	SetControl(ctx context.Context, variable string, value int) error
	SetRegister(ctx context.Context, reg, mask, value int) error
	GetRegister(ctx context.Context, reg, mask int) (int, error)
	SetXCLK(ctx context.Context, mhz int) error
	SetPLL(ctx context.Context, p device.PLL) error
	SetWindow(ctx context.Context, w device.Window) error
	SetThermal(ctx context.Context, variable string, value float64) error
	ReadThermal(ctx context.Context, variable string) (float64, error)
	Calibrate(ctx context.Context, ambient float64, progress func(percent int)) error
	Offsets(ctx context.Context) (*processing.Grid, error)
	UploadOffsets(ctx context.Context, offsets *processing.Grid) (string, error)
	UploadFirmware(ctx context.Context, image []byte) (string, error)
	Reboot(ctx context.Context) error
}

const (
	maxOffsetsBody  = 1 << 20
	maxFirmwareBody = 8 << 20
)

// CalibrationMessage reports calibration progress to websocket clients.
type CalibrationMessage struct {
	Type  string `json:"type"`
	Value int    `json:"value"`
}

type registerReply struct {
	Value int `json:"value"`
}

type thermalReply struct {
	Variable string  `json:"var"`
	Value    float64 `json:"value"`
}

type uploadReply struct {
	Message string `json:"message"`
}

func (s *Server) deviceRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/device/control", s.deviceHandler(http.MethodPost, s.handleDeviceControl))
	mux.HandleFunc("/device/reg", s.deviceHandler("", s.handleDeviceRegister))
	mux.HandleFunc("/device/xclk", s.deviceHandler(http.MethodPost, s.handleDeviceXCLK))
	mux.HandleFunc("/device/pll", s.deviceHandler(http.MethodPost, s.handleDevicePLL))
	mux.HandleFunc("/device/window", s.deviceHandler(http.MethodPost, s.handleDeviceWindow))
	mux.HandleFunc("/device/thermal", s.deviceHandler("", s.handleDeviceThermal))
	mux.HandleFunc("/device/calibrate", s.deviceHandler(http.MethodPost, s.handleDeviceCalibrate))
	mux.HandleFunc("/device/offsets", s.deviceHandler("", s.handleDeviceOffsets))
	mux.HandleFunc("/device/firmware", s.deviceHandler(http.MethodPost, s.handleDeviceFirmware))
	mux.HandleFunc("/device/reboot", s.deviceHandler(http.MethodPost, s.handleDeviceReboot))
}

// deviceHandler answers 501 without a device and 405 for any method other
// than method, or other than GET and POST when method is empty. A handler
// error is mapped by deviceStatus.
func (s *Server) deviceHandler(method string, h func(http.ResponseWriter, *http.Request) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		allowed := r.Method == method
		if method == "" {
			allowed = r.Method == http.MethodGet || r.Method == http.MethodPost
		}
		if !allowed {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if s.hooks.Device == nil {
			http.Error(w, "device control not available", http.StatusNotImplemented)
			return
		}
		if err := h(w, r); err != nil {
			http.Error(w, err.Error(), deviceStatus(err))
		}
	}
}

type badRequest struct{ err error }

func (e badRequest) Error() string { return e.err.Error() }

func deviceStatus(err error) int {
	var br badRequest
	if errors.As(err, &br) {
		return http.StatusBadRequest
	}
	return http.StatusBadGateway
}

func intParams(q url.Values, names ...string) ([]int, error) {
	values := make([]int, len(names))
	for i, name := range names {
		v, err := strconv.Atoi(q.Get(name))
		if err != nil {
			return nil, badRequest{fmt.Errorf("%s must be an integer", name)}
		}
		values[i] = v
	}
	return values, nil
}

func floatParam(q url.Values, name string) (float64, error) {
	v, err := strconv.ParseFloat(q.Get(name), 64)
	if err != nil {
		return 0, badRequest{fmt.Errorf("%s must be a number", name)}
	}
	return v, nil
}

func varParam(q url.Values) (string, error) {
	name := q.Get("var")
	if name == "" {
		return "", badRequest{errors.New("var is required")}
	}
	return name, nil
}

func (s *Server) handleDeviceControl(w http.ResponseWriter, r *http.Request) error {
	q := r.URL.Query()
	name, err := varParam(q)
	if err != nil {
		return err
	}
	v, err := intParams(q, "val")
	if err != nil {
		return err
	}
	if err := s.hooks.Device.SetControl(r.Context(), name, v[0]); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (s *Server) handleDeviceRegister(w http.ResponseWriter, r *http.Request) error {
	q := r.URL.Query()
	if r.Method == http.MethodGet {
		v, err := intParams(q, "reg", "mask")
		if err != nil {
			return err
		}
		value, err := s.hooks.Device.GetRegister(r.Context(), v[0], v[1])
		if err != nil {
			return err
		}
		writeJSONResponse(w, http.StatusOK, registerReply{Value: value})
		return nil
	}
	v, err := intParams(q, "reg", "mask", "val")
	if err != nil {
		return err
	}
	if err := s.hooks.Device.SetRegister(r.Context(), v[0], v[1], v[2]); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (s *Server) handleDeviceXCLK(w http.ResponseWriter, r *http.Request) error {
	v, err := intParams(r.URL.Query(), "xclk")
	if err != nil {
		return err
	}
	if err := s.hooks.Device.SetXCLK(r.Context(), v[0]); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (s *Server) handleDevicePLL(w http.ResponseWriter, r *http.Request) error {
	v, err := intParams(r.URL.Query(), "bypass", "mul", "sys", "root", "pre", "seld5", "pclken", "pclk")
	if err != nil {
		return err
	}
	p := device.PLL{Bypass: v[0], Mul: v[1], Sys: v[2], Root: v[3], Pre: v[4], SelD5: v[5], PCLKEn: v[6], PCLK: v[7]}
	if err := s.hooks.Device.SetPLL(r.Context(), p); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (s *Server) handleDeviceWindow(w http.ResponseWriter, r *http.Request) error {
	v, err := intParams(r.URL.Query(), "sx", "offx", "offy", "tx", "ty", "ox", "oy")
	if err != nil {
		return err
	}
	win := device.Window{StartX: v[0], OffsetX: v[1], OffsetY: v[2], TotalX: v[3], TotalY: v[4], OutputX: v[5], OutputY: v[6]}
	if err := s.hooks.Device.SetWindow(r.Context(), win); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

// handleDeviceThermal reads a sensor variable on GET and writes it on POST.
// Accepted writes are reported through the ThermalChanged hook.
func (s *Server) handleDeviceThermal(w http.ResponseWriter, r *http.Request) error {
	q := r.URL.Query()
	name, err := varParam(q)
	if err != nil {
		return err
	}
	if r.Method == http.MethodGet {
		value, err := s.hooks.Device.ReadThermal(r.Context(), name)
		if err != nil {
			return err
		}
		writeJSONResponse(w, http.StatusOK, thermalReply{Variable: name, Value: value})
		return nil
	}
	value, err := floatParam(q, "val")
	if err != nil {
		return err
	}
	if err := s.hooks.Device.SetThermal(r.Context(), name, value); err != nil {
		return err
	}
	if s.hooks.ThermalChanged != nil {
		s.hooks.ThermalChanged(name, value)
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

// handleDeviceCalibrate blocks until the camera finishes and relays every
// progress byte to websocket clients.
func (s *Server) handleDeviceCalibrate(w http.ResponseWriter, r *http.Request) error {
	ambient, err := floatParam(r.URL.Query(), "ambient")
	if err != nil {
		return err
	}
	err = s.hooks.Device.Calibrate(r.Context(), ambient, func(percent int) {
		s.send(CalibrationMessage{Type: "progress", Value: percent})
	})
	if err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (s *Server) handleDeviceOffsets(w http.ResponseWriter, r *http.Request) error {
	if r.Method == http.MethodGet {
		offsets, err := s.hooks.Device.Offsets(r.Context())
		if err != nil {
			return err
		}
		var buf bytes.Buffer
		if err := output.WriteGridText(&buf, offsets, s.settings()); err != nil {
			return err
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Header().Set("Content-Disposition", "attachment; filename=\"offsets.txt\"")
		_, _ = w.Write(buf.Bytes())
		return nil
	}
	offsets, _, err := output.ParseGridText(io.LimitReader(r.Body, maxOffsetsBody))
	if err != nil {
		return badRequest{err}
	}
	reply, err := s.hooks.Device.UploadOffsets(r.Context(), offsets)
	if err != nil {
		return err
	}
	writeJSONResponse(w, http.StatusOK, uploadReply{Message: reply})
	return nil
}

func (s *Server) handleDeviceFirmware(w http.ResponseWriter, r *http.Request) error {
	image, err := io.ReadAll(io.LimitReader(r.Body, maxFirmwareBody+1))
	if err != nil {
		return badRequest{err}
	}
	switch {
	case len(image) == 0:
		return badRequest{errors.New("firmware image is empty")}
	case len(image) > maxFirmwareBody:
		return badRequest{errors.New("firmware image is too large")}
	}
	reply, err := s.hooks.Device.UploadFirmware(r.Context(), image)
	if err != nil {
		return err
	}
	writeJSONResponse(w, http.StatusOK, uploadReply{Message: reply})
	return nil
}

func (s *Server) handleDeviceReboot(w http.ResponseWriter, r *http.Request) error {
	if err := s.hooks.Device.Reboot(r.Context()); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (s *Server) send(message any) {
	payload, err := json.Marshal(message)
	if err != nil {
		return
	}
	s.broadcast(payload)
}
