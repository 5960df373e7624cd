package actuator

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"go.bug.st/serial"
)

// Transport kinds.
const (
	KindHTTP   = "http"
	KindWS     = "ws"
	KindSerial = "serial"
	KindDryRun = "dryrun"
)

// HTTP request styles understood by the controller firmware.
const (
	StyleJSON = "json" // POST /command {"command":..., "timestamp":...}
	StylePath = "path" // GET /<command in lower case>
)

// Config selects and configures the link to the actuator controller.
type Config struct {
	Transport string        `yaml:"transport"`
	Host      string        `yaml:"host"`
	Port      int           `yaml:"port"`
	HTTPStyle string        `yaml:"http_style"`
	WSPath    string        `yaml:"ws_path"`
	Timeout   time.Duration `yaml:"timeout"`
	Serial    SerialConfig  `yaml:"serial"`
}

// DefaultConfig returns the ESP32 defaults: plain HTTP on port 80.
func DefaultConfig() Config {
	return Config{
		Transport: KindHTTP,
		Port:      80,
		HTTPStyle: StyleJSON,
		WSPath:    "/ws",
		Timeout:   2 * time.Second,
		Serial: SerialConfig{
			BaudRate:   115200,
			AckTimeout: 500 * time.Millisecond,
		},
	}
}

// BaseURL returns the controller's HTTP base URL, e.g. http://192.168.1.101.
func (c Config) BaseURL() string {
	return "http://" + c.hostPort()
}

// WSURL returns the controller's WebSocket URL.
func (c Config) WSURL() string {
	path := c.WSPath
	if path == "" {
		path = "/ws"
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return "ws://" + c.hostPort() + path
}

func (c Config) hostPort() string {
	if c.Port == 0 || c.Port == 80 {
		return c.Host
	}
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Validate checks that the selected transport has what it needs.
func (c Config) Validate() error {
	switch c.Transport {
	case KindHTTP:
		if c.HTTPStyle != StyleJSON && c.HTTPStyle != StylePath {
			return fmt.Errorf("unknown http_style %q: expected %s or %s", c.HTTPStyle, StyleJSON, StylePath)
		}
		fallthrough
	case KindWS:
		if c.Host == "" {
			return fmt.Errorf("%s transport requires a controller host", c.Transport)
		}
		if c.Port < 0 || c.Port > 65535 {
			return fmt.Errorf("invalid port %d", c.Port)
		}
	case KindSerial:
		if c.Serial.Device == "" {
			return fmt.Errorf("serial transport requires a device path")
		}
		if err := c.Serial.validate(); err != nil {
			return err
		}
	case KindDryRun:
	default:
		return fmt.Errorf("unknown transport %q: expected http, ws, serial or dryrun", c.Transport)
	}
	if c.Timeout < 0 {
		return fmt.Errorf("timeout must be >= 0, got %v", c.Timeout)
	}
	return nil
}

// SerialConfig describes the controller's USB-serial link. The ESP32
// firmware always frames at 8N1, so only the speed is configurable.
type SerialConfig struct {
	Device     string        `yaml:"device"`
	BaudRate   int           `yaml:"baud_rate"`
	AckTimeout time.Duration `yaml:"ack_timeout"`
}

func (o SerialConfig) validate() error {
	if o.BaudRate < 0 {
		return fmt.Errorf("invalid baud rate %d", o.BaudRate)
	}
	if o.AckTimeout < 0 {
		return fmt.Errorf("ack_timeout must be >= 0, got %v", o.AckTimeout)
	}
	return nil
}

// withDefaults fills unset speed and acknowledgement timeout.
func (o SerialConfig) withDefaults() SerialConfig {
	if o.BaudRate == 0 {
		o.BaudRate = 115200
	}
	if o.AckTimeout == 0 {
		o.AckTimeout = 500 * time.Millisecond
	}
	return o
}

// Mode returns the go.bug.st/serial settings for the link.
func (o SerialConfig) Mode() *serial.Mode {
	return &serial.Mode{
		BaudRate: o.withDefaults().BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
}
