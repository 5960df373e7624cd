package dispatch

import (
	"fmt"
	"log/slog"
	"time"
)

// Config holds the dispatch policy.
type Config struct {
	// CommandInterval is the minimum spacing between transmissions.
	// A transition to STOP is not held back by it.
	CommandInterval time.Duration `yaml:"command_interval"`

	// Deduplicate suppresses a command equal to the last one delivered.
	Deduplicate bool `yaml:"deduplicate"`

	// KeepAlive re-admits a duplicate once this long has passed since the
	// last transmission. Zero never resends duplicates.
	KeepAlive time.Duration `yaml:"keep_alive"`

	// SendTimeout bounds each transport call. Timeouts count as failures.
	SendTimeout time.Duration `yaml:"send_timeout"`

	// Async runs transmissions on a worker with a single-slot mailbox.
	Async bool `yaml:"async"`
}

// DefaultConfig returns the production dispatch policy.
func DefaultConfig() Config {
	return Config{
		CommandInterval: time.Second,
		Deduplicate:     true,
		SendTimeout:     2 * time.Second,
		Async:           true,
	}
}

// Validate checks the policy values.
func (c Config) Validate() error {
	if c.CommandInterval < 0 {
		return fmt.Errorf("command_interval must be >= 0, got %v", c.CommandInterval)
	}
	if c.KeepAlive < 0 {
		return fmt.Errorf("keep_alive must be >= 0, got %v", c.KeepAlive)
	}
	if c.SendTimeout <= 0 {
		return fmt.Errorf("send_timeout must be > 0, got %v", c.SendTimeout)
	}
	return nil
}

// Option configures a Governor.
type Option func(*options)

type options struct {
	recorder Recorder
	logger   *slog.Logger
	clock    func() time.Time
}

// WithRecorder journals every transmission attempt.
func WithRecorder(r Recorder) Option {
	return func(o *options) {
		o.recorder = r
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithClock overrides time.Now, used for the shutdown timestamp.
func WithClock(clock func() time.Time) Option {
	return func(o *options) {
		o.clock = clock
	}
}
