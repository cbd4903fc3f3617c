package config

import "time"

type Config struct {
	Device      DeviceConfig      `toml:"device" koanf:"device"`
	Acquisition AcquisitionConfig `toml:"acquisition" koanf:"acquisition"`
	Analysis    AnalysisConfig    `toml:"analysis" koanf:"analysis"`
	HTTP        HTTPConfig        `toml:"http" koanf:"http"`
	Monitor     MonitorConfig     `toml:"monitor" koanf:"monitor"`
	Log         LogConfig         `toml:"log" koanf:"log"`
	Paths       PathsConfig       `toml:"paths" koanf:"paths"`
}

type DeviceConfig struct {
	// "simulated" or "serial"
	Driver       string  `toml:"driver" koanf:"driver"`
	SerialDevice string  `toml:"serial_device" koanf:"serial_device"`
	Baudrate     uint    `toml:"baudrate" koanf:"baudrate"`
	NoiseScale   float64 `toml:"noise_scale" koanf:"noise_scale"`
	Seed         uint64  `toml:"seed" koanf:"seed"`
	Realtime     bool    `toml:"realtime" koanf:"realtime"`
}

type AcquisitionConfig struct {
	ActuatorRegister    string        `toml:"actuator_register" koanf:"actuator_register"`
	ActuatorOpen        float64       `toml:"actuator_open" koanf:"actuator_open"`
	ActuatorClosed      float64       `toml:"actuator_closed" koanf:"actuator_closed"`
	BacklogThreshold    int           `toml:"backlog_threshold" koanf:"backlog_threshold"`
	MaxConsecutiveEmpty int           `toml:"max_consecutive_empty" koanf:"max_consecutive_empty"`
	RetryDelay          time.Duration `toml:"retry_delay" koanf:"retry_delay"`
}

type AnalysisConfig struct {
	TailMargin float64 `toml:"tail_margin" koanf:"tail_margin"`
}

type HTTPConfig struct {
	ListenAddress string `toml:"listen_address" koanf:"listen_address"`
	ListenPort    int    `toml:"listen_port" koanf:"listen_port"`
}

// MonitorConfig points the watch client at a running server.
type MonitorConfig struct {
	APIHost    string `toml:"api_host" koanf:"api_host"`
	TLSEnabled bool   `toml:"tls_enabled" koanf:"tls_enabled"`
}

type LogConfig struct {
	Level  string `toml:"level" koanf:"level"`
	Format string `toml:"format" koanf:"format"`
}

type PathsConfig struct {
	DataDir string `toml:"data_dir" koanf:"data_dir"`
}
