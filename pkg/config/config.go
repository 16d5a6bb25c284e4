package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Config holds application configuration
type Config struct {
	LogLevel       logrus.Level  `yaml:"log_level"`
	ScanTimeout    time.Duration `yaml:"scan_timeout" default:"10s"`
	ConnectTimeout time.Duration `yaml:"connect_timeout" default:"30s"`

	UART    UARTConfig    `yaml:"uart"`
	MQTT    MQTTConfig    `yaml:"mqtt"`
	Capture CaptureConfig `yaml:"capture"`
	PTY     PTYConfig     `yaml:"pty"`
}

// UARTConfig controls how packets are captured, shown and sent.
type UARTConfig struct {
	Display        string        `yaml:"display" default:"text"` // text | hex
	EOL            string        `yaml:"eol" default:"lf"`       // none | lf | cr | crlf
	Echo           bool          `yaml:"echo" default:"true"`    // show TX packets in the console
	CacheEnabled   bool          `yaml:"cache" default:"true"`
	StoreCapacity  int           `yaml:"store_capacity" default:"100000"`
	Overflow       string        `yaml:"overflow" default:"evict-oldest"`
	WriteChunkSize int           `yaml:"write_chunk_size" default:"20"`
	WriteInterval  time.Duration `yaml:"write_interval" default:"5ms"`
}

// MQTTConfig mirrors the MQTT bridge settings.
type MQTTConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Host      string        `yaml:"host"`
	Port      int           `yaml:"port" default:"1883"`
	Username  string        `yaml:"username"`
	Password  string        `yaml:"password"`
	ClientID  string        `yaml:"client_id"`
	KeepAlive time.Duration `yaml:"keep_alive" default:"60s"`

	PublishEnabled bool   `yaml:"publish" default:"true"`
	RxTopic        string `yaml:"rx_topic" default:"uart/rx"`
	RxQoS          byte   `yaml:"rx_qos"`
	TxTopic        string `yaml:"tx_topic" default:"uart/tx"`
	TxQoS          byte   `yaml:"tx_qos"`

	SubscribeEnabled   bool   `yaml:"subscribe"`
	SubscribeTopic     string `yaml:"subscribe_topic" default:"uart/send"`
	SubscribeQoS       byte   `yaml:"subscribe_qos"`
	SubscribeBehaviour string `yaml:"subscribe_behaviour" default:"local"` // local | transmit
}

type CaptureConfig struct {
	Database string `yaml:"database"`
}

type PTYConfig struct {
	InputBufferSize  int `yaml:"input_buffer_size" default:"1000"`
	OutputBufferSize int `yaml:"output_buffer_size" default:"1000"`
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	cfg.LogLevel = logrus.InfoLevel
	return cfg
}

// Load reads a YAML file over the defaults. A missing path yields the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks values that the YAML decoder cannot.
func (c *Config) Validate() error {
	switch c.UART.Display {
	case "text", "hex":
	default:
		return fmt.Errorf("uart.display must be text or hex, got %q", c.UART.Display)
	}
	switch c.UART.EOL {
	case "none", "lf", "cr", "crlf":
	default:
		return fmt.Errorf("uart.eol must be none, lf, cr or crlf, got %q", c.UART.EOL)
	}
	switch c.UART.Overflow {
	case "evict-oldest", "reject":
	default:
		return fmt.Errorf("uart.overflow must be evict-oldest or reject, got %q", c.UART.Overflow)
	}
	if c.UART.StoreCapacity < 0 {
		return fmt.Errorf("uart.store_capacity must not be negative")
	}
	if c.UART.WriteChunkSize <= 0 {
		return fmt.Errorf("uart.write_chunk_size must be positive")
	}
	switch c.MQTT.SubscribeBehaviour {
	case "local", "transmit":
	default:
		return fmt.Errorf("mqtt.subscribe_behaviour must be local or transmit, got %q", c.MQTT.SubscribeBehaviour)
	}
	for name, qos := range map[string]byte{"rx_qos": c.MQTT.RxQoS, "tx_qos": c.MQTT.TxQoS, "subscribe_qos": c.MQTT.SubscribeQoS} {
		if qos > 2 {
			return fmt.Errorf("mqtt.%s must be 0, 1 or 2", name)
		}
	}
	if c.MQTT.Enabled && c.MQTT.Host == "" {
		return fmt.Errorf("mqtt.host is required when mqtt is enabled")
	}
	return nil
}

// EOLBytes returns the line terminator appended to console sends.
func (u UARTConfig) EOLBytes() []byte {
	switch u.EOL {
	case "lf":
		return []byte("\n")
	case "cr":
		return []byte("\r")
	case "crlf":
		return []byte("\r\n")
	default:
		return nil
	}
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(c.LogLevel)

	// Use structured logging format
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}
