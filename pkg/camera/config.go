// Package camera reads frames from the phone's IP-camera stream (or a
// recorded video file) and turns them into observations.
package camera

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// Config holds the video source parameters.
type Config struct {
	// Phone address; the stream URL is derived from it unless URL is set.
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	Path string `yaml:"path"`

	// URL overrides Host/Port/Path. A path without a scheme is a video
	// file, and its end is reported as end of stream.
	URL string `yaml:"url"`

	// === Resolution ===
	// Frames are resized to exactly this size so geometry stays constant.
	Width  int `yaml:"width"`
	Height int `yaml:"height"`

	// Quality is the JPEG quality of dashboard previews (1-100).
	Quality int `yaml:"quality"`

	// ReconnectDelay is how long to wait before reopening a dropped stream.
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
}

// Resolution limits accepted by Validate.
const (
	MinWidth  = 160
	MinHeight = 120
	MaxWidth  = 1920
	MaxHeight = 1080
)

// DefaultConfig returns the IP Webcam app defaults at VGA resolution.
func DefaultConfig() Config {
	return Config{
		Port:           8080,
		Path:           "/video",
		Width:          640,
		Height:         480,
		Quality:        80,
		ReconnectDelay: 2 * time.Second,
	}
}

// StreamURL returns the URL passed to the capture backend.
func (c Config) StreamURL() string {
	if c.URL != "" {
		return c.URL
	}
	path := c.Path
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	port := c.Port
	if port == 0 {
		port = 8080
	}
	return "http://" + net.JoinHostPort(c.Host, strconv.Itoa(port)) + path
}

// IsFile reports whether the source is a local video file.
func (c Config) IsFile() bool {
	return c.URL != "" && !strings.Contains(c.URL, "://")
}

// Validate checks if the config values are within valid ranges.
// Returns a list of validation errors, or nil if valid.
func (c *Config) Validate() []string {
	var errors []string

	if c.URL == "" && c.Host == "" {
		errors = append(errors, "phone host or stream url is required")
	}
	if c.Port < 0 || c.Port > 65535 {
		errors = append(errors, fmt.Sprintf("port %d out of range", c.Port))
	}

	// Resolution
	if c.Width < MinWidth || c.Width > MaxWidth {
		errors = append(errors, fmt.Sprintf("width must be between %d and %d", MinWidth, MaxWidth))
	}
	if c.Height < MinHeight || c.Height > MaxHeight {
		errors = append(errors, fmt.Sprintf("height must be between %d and %d", MinHeight, MaxHeight))
	}
	if c.Quality < 1 || c.Quality > 100 {
		errors = append(errors, "quality must be between 1 and 100")
	}
	if c.ReconnectDelay < 0 {
		errors = append(errors, "reconnect_delay must be >= 0")
	}

	return errors
}
