// Package config provides configuration management for go-micgrid
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// DefaultPath is where the daemon looks for its config file
const DefaultPath = "/etc/go-micgrid/config.yaml"

// Config is the root configuration structure
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Sampling SamplingConfig `mapstructure:"sampling"`
	Detector DetectorConfig `mapstructure:"detector"`
	Source   SourceConfig   `mapstructure:"source"`
	Sinks    SinksConfig    `mapstructure:"sinks"`
	Button   ButtonConfig   `mapstructure:"button"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig configures the HTTP server
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	GracefulTimeout time.Duration `mapstructure:"graceful_timeout"`
	ReadingsHz      int           `mapstructure:"readings_hz"` // WebSocket readings broadcast rate
}

// SamplingConfig configures the channels and the polling loop
type SamplingConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	WindowSize   int           `mapstructure:"window_size"`
	Midpoint     int           `mapstructure:"midpoint"`
	ADCBits      int           `mapstructure:"adc_bits"`
	HistorySize  int           `mapstructure:"history_size"`
}

// MaxRaw returns the largest raw value the ADC can produce
func (s SamplingConfig) MaxRaw() int {
	return 1<<s.ADCBits - 1
}

// DetectorConfig configures the peak latch
type DetectorConfig struct {
	Threshold  int           `mapstructure:"threshold"`
	StuckAfter time.Duration `mapstructure:"stuck_after"`
}

// SourceConfig selects the analog device
type SourceConfig struct {
	Kind     string     `mapstructure:"kind"` // usb, mock, wav
	Fallback bool       `mapstructure:"fallback"`
	WAVPath  string     `mapstructure:"wav_path"`
	Loop     bool       `mapstructure:"loop"`
	Pins     PinsConfig `mapstructure:"pins"`
	USB      USBConfig  `mapstructure:"usb"`
	Mock     MockConfig `mapstructure:"mock"`
}

// PinsConfig maps microphones to analog inputs (0 = A0)
type PinsConfig struct {
	TopLeft     int `mapstructure:"top_left"`
	TopRight    int `mapstructure:"top_right"`
	BottomLeft  int `mapstructure:"bottom_left"`
	BottomRight int `mapstructure:"bottom_right"`
}

// USBConfig configures the USB ADC bridge
type USBConfig struct {
	VendorID       uint16        `mapstructure:"vendor_id"`
	ProductID      uint16        `mapstructure:"product_id"`
	MaxErrors      int           `mapstructure:"max_errors"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
}

// MockConfig configures the synthetic clap generator
type MockConfig struct {
	ClapEvery     int    `mapstructure:"clap_every"`
	ClapAmplitude int    `mapstructure:"clap_amplitude"`
	Noise         int    `mapstructure:"noise"`
	Seed          uint64 `mapstructure:"seed"`
}

// SinksConfig configures report delivery
type SinksConfig struct {
	Log         bool          `mapstructure:"log"`
	QueueSize   int           `mapstructure:"queue_size"`
	SendTimeout time.Duration `mapstructure:"send_timeout"`
	MQTT        MQTTConfig    `mapstructure:"mqtt"`
	Notify      NotifyConfig  `mapstructure:"notify"`
	Cloud       CloudConfig   `mapstructure:"cloud"`
}

// MQTTConfig configures the MQTT sink
type MQTTConfig struct {
	Enabled  bool     `mapstructure:"enabled"`
	Broker   string   `mapstructure:"broker"`
	ClientID string   `mapstructure:"client_id"`
	Username string   `mapstructure:"username"`
	Password string   `mapstructure:"password"`
	Topic    string   `mapstructure:"topic"` // {kind} is replaced by the message kind
	QoS      byte     `mapstructure:"qos"`
	Retain   bool     `mapstructure:"retain"`
	Kinds    []string `mapstructure:"kinds"`
}

// NotifyConfig configures shoutrrr push notifications
type NotifyConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	URLs    []string      `mapstructure:"urls"`
	Timeout time.Duration `mapstructure:"timeout"`
	Kinds   []string      `mapstructure:"kinds"`
}

// CloudConfig configures the WebSocket uplink
type CloudConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	URL              string        `mapstructure:"url"`
	DeviceID         string        `mapstructure:"device_id"`
	ReconnectBackoff time.Duration `mapstructure:"reconnect_backoff"`
	MaxBackoff       time.Duration `mapstructure:"max_backoff"`
	PingInterval     time.Duration `mapstructure:"ping_interval"`
	WriteTimeout     time.Duration `mapstructure:"write_timeout"`
}

// ButtonConfig configures the push button monitor
type ButtonConfig struct {
	Enabled   bool `mapstructure:"enabled"`
	QueueSize int  `mapstructure:"queue_size"`
}

// LoggingConfig configures logging
type LoggingConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, text
}

// Default returns the default configuration
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            9000,
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			GracefulTimeout: 5 * time.Second,
			ReadingsHz:      10,
		},
		Sampling: SamplingConfig{
			PollInterval: 10 * time.Millisecond,
			WindowSize:   5,
			Midpoint:     2048,
			ADCBits:      12,
			HistorySize:  50,
		},
		Detector: DetectorConfig{
			Threshold:  700,
			StuckAfter: 5 * time.Second,
		},
		Source: SourceConfig{
			Kind:     "usb",
			Fallback: true,
			Loop:     true,
			Pins: PinsConfig{
				TopLeft:     3,
				TopRight:    2,
				BottomLeft:  1,
				BottomRight: 0,
			},
			USB: USBConfig{
				VendorID:       0x2E8A,
				ProductID:      0x000A,
				MaxErrors:      5,
				InitialBackoff: 100 * time.Millisecond,
				MaxBackoff:     5 * time.Second,
			},
			Mock: MockConfig{
				ClapEvery:     300,
				ClapAmplitude: 1500,
				Noise:         8,
				Seed:          1,
			},
		},
		Sinks: SinksConfig{
			Log:         true,
			QueueSize:   32,
			SendTimeout: 10 * time.Second,
			MQTT: MQTTConfig{
				Broker:   "tcp://localhost:1883",
				ClientID: "go-micgrid",
				Topic:    "micgrid/{kind}",
				QoS:      1,
			},
			Notify: NotifyConfig{
				Timeout: 10 * time.Second,
			},
			Cloud: CloudConfig{
				URL:              "ws://localhost:8080/ws/device",
				DeviceID:         "go-micgrid",
				ReconnectBackoff: 1 * time.Second,
				MaxBackoff:       30 * time.Second,
				PingInterval:     10 * time.Second,
				WriteTimeout:     5 * time.Second,
			},
		},
		Button: ButtonConfig{
			Enabled:   true,
			QueueSize: 16,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load loads configuration from file and environment. A missing file is
// not an error; a malformed one is.
func Load(path string) (*Config, error) {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Config file
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")

		if err := v.ReadInConfig(); err != nil && !isNotFound(err) {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	// Environment variable overrides
	v.SetEnvPrefix("MICGRID")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

func isNotFound(err error) bool {
	var notFound viper.ConfigFileNotFoundError
	if errors.As(err, &notFound) {
		return true
	}
	return errors.Is(err, fs.ErrNotExist)
}

func setDefaults(v *viper.Viper) {
	d := Default()

	// Server defaults
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.read_timeout", d.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", d.Server.WriteTimeout)
	v.SetDefault("server.graceful_timeout", d.Server.GracefulTimeout)
	v.SetDefault("server.readings_hz", d.Server.ReadingsHz)

	// Sampling defaults
	v.SetDefault("sampling.poll_interval", d.Sampling.PollInterval)
	v.SetDefault("sampling.window_size", d.Sampling.WindowSize)
	v.SetDefault("sampling.midpoint", d.Sampling.Midpoint)
	v.SetDefault("sampling.adc_bits", d.Sampling.ADCBits)
	v.SetDefault("sampling.history_size", d.Sampling.HistorySize)

	// Detector defaults
	v.SetDefault("detector.threshold", d.Detector.Threshold)
	v.SetDefault("detector.stuck_after", d.Detector.StuckAfter)

	// Source defaults
	v.SetDefault("source.kind", d.Source.Kind)
	v.SetDefault("source.fallback", d.Source.Fallback)
	v.SetDefault("source.wav_path", d.Source.WAVPath)
	v.SetDefault("source.loop", d.Source.Loop)
	v.SetDefault("source.pins.top_left", d.Source.Pins.TopLeft)
	v.SetDefault("source.pins.top_right", d.Source.Pins.TopRight)
	v.SetDefault("source.pins.bottom_left", d.Source.Pins.BottomLeft)
	v.SetDefault("source.pins.bottom_right", d.Source.Pins.BottomRight)
	v.SetDefault("source.usb.vendor_id", d.Source.USB.VendorID)
	v.SetDefault("source.usb.product_id", d.Source.USB.ProductID)
	v.SetDefault("source.usb.max_errors", d.Source.USB.MaxErrors)
	v.SetDefault("source.usb.initial_backoff", d.Source.USB.InitialBackoff)
	v.SetDefault("source.usb.max_backoff", d.Source.USB.MaxBackoff)
	v.SetDefault("source.mock.clap_every", d.Source.Mock.ClapEvery)
	v.SetDefault("source.mock.clap_amplitude", d.Source.Mock.ClapAmplitude)
	v.SetDefault("source.mock.noise", d.Source.Mock.Noise)
	v.SetDefault("source.mock.seed", d.Source.Mock.Seed)

	// Sink defaults
	v.SetDefault("sinks.log", d.Sinks.Log)
	v.SetDefault("sinks.queue_size", d.Sinks.QueueSize)
	v.SetDefault("sinks.send_timeout", d.Sinks.SendTimeout)
	v.SetDefault("sinks.mqtt.enabled", d.Sinks.MQTT.Enabled)
	v.SetDefault("sinks.mqtt.broker", d.Sinks.MQTT.Broker)
	v.SetDefault("sinks.mqtt.client_id", d.Sinks.MQTT.ClientID)
	v.SetDefault("sinks.mqtt.username", d.Sinks.MQTT.Username)
	v.SetDefault("sinks.mqtt.password", d.Sinks.MQTT.Password)
	v.SetDefault("sinks.mqtt.topic", d.Sinks.MQTT.Topic)
	v.SetDefault("sinks.mqtt.qos", d.Sinks.MQTT.QoS)
	v.SetDefault("sinks.mqtt.retain", d.Sinks.MQTT.Retain)
	v.SetDefault("sinks.mqtt.kinds", d.Sinks.MQTT.Kinds)
	v.SetDefault("sinks.notify.enabled", d.Sinks.Notify.Enabled)
	v.SetDefault("sinks.notify.urls", d.Sinks.Notify.URLs)
	v.SetDefault("sinks.notify.timeout", d.Sinks.Notify.Timeout)
	v.SetDefault("sinks.notify.kinds", d.Sinks.Notify.Kinds)
	v.SetDefault("sinks.cloud.enabled", d.Sinks.Cloud.Enabled)
	v.SetDefault("sinks.cloud.url", d.Sinks.Cloud.URL)
	v.SetDefault("sinks.cloud.device_id", d.Sinks.Cloud.DeviceID)
	v.SetDefault("sinks.cloud.reconnect_backoff", d.Sinks.Cloud.ReconnectBackoff)
	v.SetDefault("sinks.cloud.max_backoff", d.Sinks.Cloud.MaxBackoff)
	v.SetDefault("sinks.cloud.ping_interval", d.Sinks.Cloud.PingInterval)
	v.SetDefault("sinks.cloud.write_timeout", d.Sinks.Cloud.WriteTimeout)

	// Button defaults
	v.SetDefault("button.enabled", d.Button.Enabled)
	v.SetDefault("button.queue_size", d.Button.QueueSize)

	// Logging defaults
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Server.ReadingsHz < 1 || c.Server.ReadingsHz > 100 {
		return fmt.Errorf("readings_hz must be between 1 and 100, got %d", c.Server.ReadingsHz)
	}

	if c.Sampling.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be positive, got %v", c.Sampling.PollInterval)
	}

	if c.Sampling.WindowSize < 1 {
		return fmt.Errorf("window_size must be at least 1, got %d", c.Sampling.WindowSize)
	}

	if c.Sampling.ADCBits < 8 || c.Sampling.ADCBits > 16 {
		return fmt.Errorf("adc_bits must be between 8 and 16, got %d", c.Sampling.ADCBits)
	}

	if c.Sampling.Midpoint < 0 || c.Sampling.Midpoint > c.Sampling.MaxRaw() {
		return fmt.Errorf("midpoint must be within [0, %d], got %d", c.Sampling.MaxRaw(), c.Sampling.Midpoint)
	}

	if c.Sampling.HistorySize < 1 {
		return fmt.Errorf("history_size must be at least 1, got %d", c.Sampling.HistorySize)
	}

	if c.Detector.Threshold < 0 {
		return fmt.Errorf("threshold must not be negative, got %d", c.Detector.Threshold)
	}

	if err := c.Source.validate(); err != nil {
		return err
	}

	if c.Sinks.QueueSize < 1 {
		return fmt.Errorf("sinks.queue_size must be at least 1, got %d", c.Sinks.QueueSize)
	}

	if c.Sinks.MQTT.Enabled && c.Sinks.MQTT.Broker == "" {
		return errors.New("sinks.mqtt.broker is required when mqtt is enabled")
	}

	if c.Sinks.MQTT.QoS > 2 {
		return fmt.Errorf("sinks.mqtt.qos must be 0, 1 or 2, got %d", c.Sinks.MQTT.QoS)
	}

	if c.Sinks.Notify.Enabled && len(c.Sinks.Notify.URLs) == 0 {
		return errors.New("sinks.notify.urls is required when notify is enabled")
	}

	if c.Sinks.Cloud.Enabled && c.Sinks.Cloud.URL == "" {
		return errors.New("sinks.cloud.url is required when cloud is enabled")
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown logging level %q", c.Logging.Level)
	}

	return nil
}

func (s SourceConfig) validate() error {
	switch s.Kind {
	case "usb", "mock":
	case "wav":
		if s.WAVPath == "" {
			return errors.New("source.wav_path is required for the wav source")
		}
	default:
		return fmt.Errorf("unknown source kind %q", s.Kind)
	}

	seen := make(map[int]string)
	for name, pin := range map[string]int{
		"top_left":     s.Pins.TopLeft,
		"top_right":    s.Pins.TopRight,
		"bottom_left":  s.Pins.BottomLeft,
		"bottom_right": s.Pins.BottomRight,
	} {
		if pin < 0 || pin > 3 {
			return fmt.Errorf("source.pins.%s must be between 0 and 3, got %d", name, pin)
		}
		if other, dup := seen[pin]; dup {
			return fmt.Errorf("source.pins.%s and source.pins.%s both use A%d", name, other, pin)
		}
		seen[pin] = name
	}

	return nil
}
