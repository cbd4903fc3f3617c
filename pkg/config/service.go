// Package config loads sendes.toml, creating it with defaults on first
// start, and overlays SENDES_* environment variables.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
	"github.com/robproject/lre-sendes/pkg/acquisition"
	"github.com/robproject/lre-sendes/pkg/device"
	"github.com/robproject/lre-sendes/pkg/pathing"
	"github.com/robproject/lre-sendes/pkg/types"
)

const (
	envPrefix = "SENDES_"

	DriverSimulated = "simulated"
	DriverSerial    = "serial"
)

var ErrInvalid = errors.New("invalid configuration")

func Default() Config {
	opts := acquisition.DefaultOptions()
	return Config{
		Device: DeviceConfig{
			Driver:       DriverSimulated,
			SerialDevice: "/dev/ttyUSB0",
			Baudrate:     115200,
			NoiseScale:   1,
		},
		Acquisition: AcquisitionConfig{
			ActuatorRegister:    opts.ActuatorRegister,
			ActuatorOpen:        opts.ActuatorOpen,
			ActuatorClosed:      opts.ActuatorClosed,
			BacklogThreshold:    opts.BacklogThreshold,
			MaxConsecutiveEmpty: opts.MaxConsecutiveEmpty,
			RetryDelay:          opts.RetryDelay,
		},
		Analysis: AnalysisConfig{TailMargin: opts.TailMargin},
		HTTP: HTTPConfig{
			ListenAddress: "0.0.0.0",
			ListenPort:    9040,
		},
		Monitor: MonitorConfig{APIHost: "localhost:9040"},
		Log:     LogConfig{Level: "info", Format: "console"},
		Paths:   PathsConfig{DataDir: pathing.GetDataDir()},
	}
}

// Load reads the config at path, or the default location when path is
// empty. A missing file is created with the defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		path = pathing.GetConfigPath()
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := writeDefault(path); err != nil {
			return nil, fmt.Errorf("write default config %s: %w", path, err)
		}
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return parse(content)
}

func parse(content []byte) (*Config, error) {
	k := koanf.New(".")
	if err := k.Load(rawbytes.Provider(content), TOML()); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	// SENDES_HTTP_LISTEN_PORT -> http.listen_port
	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		parts := strings.SplitN(strings.ToLower(strings.TrimPrefix(s, envPrefix)), "_", 2)
		if len(parts) == 1 {
			return parts[0]
		}
		return parts[0] + "." + parts[1]
	}), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	cfg := Default()
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func writeDefault(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return toml.NewEncoder(f).Encode(Default())
}

func (c Config) Validate() error {
	switch {
	case c.Device.Driver != DriverSimulated && c.Device.Driver != DriverSerial:
		return fmt.Errorf("%w: device.driver must be %q or %q, got %q",
			ErrInvalid, DriverSimulated, DriverSerial, c.Device.Driver)
	case c.Device.Driver == DriverSerial && c.Device.SerialDevice == "":
		return fmt.Errorf("%w: device.serial_device is required for the serial driver", ErrInvalid)
	case c.Device.NoiseScale < 0:
		return fmt.Errorf("%w: device.noise_scale cannot be negative", ErrInvalid)
	case c.Acquisition.ActuatorRegister == "":
		return fmt.Errorf("%w: acquisition.actuator_register is required", ErrInvalid)
	case c.Acquisition.MaxConsecutiveEmpty < 0:
		return fmt.Errorf("%w: acquisition.max_consecutive_empty cannot be negative", ErrInvalid)
	case c.Acquisition.BacklogThreshold < 0:
		return fmt.Errorf("%w: acquisition.backlog_threshold cannot be negative", ErrInvalid)
	case c.Analysis.TailMargin < 0:
		return fmt.Errorf("%w: analysis.tail_margin cannot be negative", ErrInvalid)
	case c.HTTP.ListenPort <= 0 || c.HTTP.ListenPort > 65535:
		return fmt.Errorf("%w: http.listen_port out of range: %d", ErrInvalid, c.HTTP.ListenPort)
	case c.Paths.DataDir == "":
		return fmt.Errorf("%w: paths.data_dir is required", ErrInvalid)
	}
	return nil
}

func (c Config) AcquisitionOptions() acquisition.Options {
	threshold := c.Acquisition.BacklogThreshold
	if threshold == 0 {
		threshold = types.BacklogThreshold
	}
	return acquisition.Options{
		TailMargin:          c.Analysis.TailMargin,
		MaxConsecutiveEmpty: c.Acquisition.MaxConsecutiveEmpty,
		RetryDelay:          c.Acquisition.RetryDelay,
		BacklogThreshold:    threshold,
		ActuatorRegister:    c.Acquisition.ActuatorRegister,
		ActuatorOpen:        c.Acquisition.ActuatorOpen,
		ActuatorClosed:      c.Acquisition.ActuatorClosed,
	}
}

func (c Config) SimOptions() device.SimOptions {
	return device.SimOptions{
		NoiseScale: c.Device.NoiseScale,
		Seed:       c.Device.Seed,
		Realtime:   c.Device.Realtime,
	}
}

func (c Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.HTTP.ListenAddress, c.HTTP.ListenPort)
}

type tomlParser struct{}

// TOML is a koanf parser backed by BurntSushi/toml.
func TOML() koanf.Parser {
	return tomlParser{}
}

func (tomlParser) Unmarshal(b []byte) (map[string]interface{}, error) {
	out := map[string]interface{}{}
	if err := toml.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (tomlParser) Marshal(m map[string]interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(m); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
