// Package config loads go-collector settings: built-in defaults, then an
// optional YAML file, then environment overrides. Command-line flags are
// applied on top by the commands.
package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v2"

	"github.com/teslashibe/go-collector/pkg/actuator"
	"github.com/teslashibe/go-collector/pkg/camera"
	"github.com/teslashibe/go-collector/pkg/cycle"
	"github.com/teslashibe/go-collector/pkg/dispatch"
	"github.com/teslashibe/go-collector/pkg/navigation"
	"github.com/teslashibe/go-collector/pkg/perception/detector"
	"github.com/teslashibe/go-collector/pkg/render"
)

// Default network addresses of the phone camera and the ESP32 controller.
const (
	DefaultPhoneIP = "192.168.1.13"
	DefaultESP32IP = "192.168.1.101"
)

// Environment variables.
const (
	EnvConfig   = "COLLECTOR_CONFIG"
	EnvPhoneIP  = "PHONE_IP"
	EnvESP32IP  = "ESP32_IP"
	EnvLogLevel = "LOG_LEVEL"
	EnvJournal  = "COLLECTOR_JOURNAL"
)

// Config is the complete collector configuration.
type Config struct {
	Camera     camera.Config     `yaml:"camera"`
	Detector   detector.Config   `yaml:"detector"`
	Navigation navigation.Config `yaml:"navigation"`
	Dispatch   dispatch.Config   `yaml:"dispatch"`
	Actuator   actuator.Config   `yaml:"actuator"`
	Cycle      cycle.Config      `yaml:"cycle"`
	Render     render.Config     `yaml:"render"`
	Dashboard  DashboardConfig   `yaml:"dashboard"`
	Journal    JournalConfig     `yaml:"journal"`
	Log        LogConfig         `yaml:"log"`
}

// DashboardConfig controls the web dashboard.
type DashboardConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// JournalConfig controls the SQLite dispatch journal. An empty path
// disables it.
type JournalConfig struct {
	Path string `yaml:"path"`
}

// LogConfig controls logging.
type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	JSON       bool   `yaml:"json"`
}

// Default returns the configuration used with no file and no environment.
func Default() *Config {
	cfg := &Config{
		Camera:     camera.DefaultConfig(),
		Detector:   detector.DefaultConfig(),
		Navigation: navigation.DefaultConfig(),
		Dispatch:   dispatch.DefaultConfig(),
		Actuator:   actuator.DefaultConfig(),
		Cycle:      cycle.DefaultConfig(),
		Render:     render.DefaultConfig(),
		Dashboard:  DashboardConfig{Enabled: true, Port: 8090},
		Journal:    JournalConfig{Path: "collector.db"},
		Log:        LogConfig{Level: "info"},
	}
	cfg.Camera.Host = DefaultPhoneIP
	cfg.Actuator.Host = DefaultESP32IP
	return cfg
}

// Load builds the configuration from defaults, the YAML file at path (or
// $COLLECTOR_CONFIG when path is empty) and the environment. A missing file
// is an error only when one was named.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv(EnvConfig)
	}
	if path != "" {
		if err := loadFromFile(cfg, path); err != nil {
			return nil, fmt.Errorf("load config %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

func loadFromFile(cfg *Config, filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return err
	}
	return yaml.UnmarshalStrict(data, cfg)
}

func applyEnvOverrides(cfg *Config) {
	if ip := os.Getenv(EnvPhoneIP); ip != "" {
		cfg.Camera.Host = ip
	}
	if ip := os.Getenv(EnvESP32IP); ip != "" {
		cfg.Actuator.Host = ip
	}
	if lvl := os.Getenv(EnvLogLevel); lvl != "" {
		cfg.Log.Level = lvl
	}
	if p := os.Getenv(EnvJournal); p != "" {
		cfg.Journal.Path = p
	}
}

// Validate checks every section and returns the first problem as an *Error.
func (c *Config) Validate() error {
	if errs := c.Camera.Validate(); len(errs) > 0 {
		return &Error{Field: "camera", Message: errs[0]}
	}
	checks := []struct {
		field string
		err   error
	}{
		{"detector", c.Detector.Validate()},
		{"navigation", c.Navigation.Validate()},
		{"dispatch", c.Dispatch.Validate()},
		{"actuator", c.Actuator.Validate()},
		{"cycle", c.Cycle.Validate()},
	}
	for _, ch := range checks {
		if ch.err != nil {
			return &Error{Field: ch.field, Message: ch.err.Error()}
		}
	}
	if c.Dashboard.Enabled && (c.Dashboard.Port <= 0 || c.Dashboard.Port > 65535) {
		return &Error{Field: "dashboard.port", Message: fmt.Sprintf("invalid port %d", c.Dashboard.Port)}
	}
	return nil
}

// Error is a configuration validation error.
type Error struct {
	Field   string
	Message string
}

func (e *Error) Error() string {
	return e.Field + ": " + e.Message
}

// IsError reports whether err is a configuration error.
func IsError(err error) bool {
	var ce *Error
	return errors.As(err, &ce)
}
