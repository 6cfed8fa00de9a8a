package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type AppConfig struct {
	Port             int           `yaml:"port" json:"port"`
	DeviceHost       string        `yaml:"device_host" json:"device_host"`
	ControlPort      int           `yaml:"control_port" json:"control_port"`
	VisualPort       int           `yaml:"visual_port" json:"visual_port"`
	ThermalPort      int           `yaml:"thermal_port" json:"thermal_port"`
	StreamPath       string        `yaml:"stream_path" json:"stream_path"`
	AutoStart        bool          `yaml:"auto_start" json:"auto_start"`
	Debug            bool          `yaml:"debug" json:"debug"`
	DebugAcqRate     float64       `yaml:"debug_acq_rate" json:"debug_acq_rate"`
	DebugAddr        string        `yaml:"debug_addr" json:"debug_addr"`
	RawLog           bool          `yaml:"raw_log" json:"raw_log"`
	RawLogDir        string        `yaml:"raw_log_dir" json:"raw_log_dir"`
	OutputDir        string        `yaml:"output_dir" json:"output_dir"`
	PublishEndpoint  string        `yaml:"publish_endpoint" json:"publish_endpoint"`
	StatusInterval   time.Duration `yaml:"status_interval" json:"status_interval"`
	ReconnectDelay   time.Duration `yaml:"reconnect_delay" json:"reconnect_delay"`
	IngestLogEvery   int           `yaml:"ingest_log_every" json:"ingest_log_every"`
	Emissivity       float64       `yaml:"emissivity" json:"emissivity"`
	AmbientReflected float64       `yaml:"ambient_reflected" json:"ambient_reflected"`
}

// Default matches the camera firmware: control on port 80, the visual
// stream on 81 and the thermal stream on 82.
func Default() AppConfig {
	return AppConfig{
		Port:             8888,
		DeviceHost:       "192.168.4.1",
		ControlPort:      80,
		VisualPort:       81,
		ThermalPort:      82,
		StreamPath:       "/stream",
		AutoStart:        true,
		DebugAcqRate:     8,
		DebugAddr:        "127.0.0.1:18082",
		RawLogDir:        "raw",
		OutputDir:        "output",
		StatusInterval:   5 * time.Second,
		ReconnectDelay:   2 * time.Second,
		IngestLogEvery:   100,
		Emissivity:       0.95,
		AmbientReflected: 20,
	}
}

// Load overlays the YAML file at path onto cfg. Keys missing from the
// file keep their current value.
func Load(path string, cfg *AppConfig) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	return nil
}

func (c AppConfig) Validate() error {
	var errs []error
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if !c.Debug && strings.TrimSpace(c.DeviceHost) == "" {
		errs = append(errs, errors.New("device_host is required unless debug is set"))
	}
	for name, port := range map[string]int{"control_port": c.ControlPort, "visual_port": c.VisualPort, "thermal_port": c.ThermalPort} {
		if port <= 0 || port > 65535 {
			errs = append(errs, fmt.Errorf("%s %d out of range", name, port))
		}
	}
	if c.Emissivity <= 0 || c.Emissivity > 1 {
		errs = append(errs, fmt.Errorf("emissivity %.2f must be in (0, 1]", c.Emissivity))
	}
	if c.IngestLogEvery < 1 {
		errs = append(errs, errors.New("ingest_log_every must be at least 1"))
	}
	return errors.Join(errs...)
}

// ControlURL is the base URL of the camera's control port.
func (c AppConfig) ControlURL() string {
	return hostURL(c.DeviceHost, c.ControlPort)
}

// ThermalStreamURL is the multipart thermal stream of the camera.
func (c AppConfig) ThermalStreamURL() string {
	path := c.StreamPath
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return hostURL(c.DeviceHost, c.ThermalPort) + path
}

// VisualStreamURL is the camera's video stream, served on the visual port
// under the same path as the thermal stream.
func (c AppConfig) VisualStreamURL() string {
	path := c.StreamPath
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return hostURL(c.DeviceHost, c.VisualPort) + path
}

func hostURL(host string, port int) string {
	host = strings.TrimSuffix(strings.TrimPrefix(host, "http://"), "/")
	if port == 80 {
		return "http://" + host
	}
	return "http://" + net.JoinHostPort(host, strconv.Itoa(port))
}
