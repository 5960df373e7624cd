// Package actuator implements the links to the robot's actuator controller
// (an ESP32): HTTP, WebSocket, USB serial, and a dry-run link that only logs.
//
// Every transport satisfies dispatch.Transport. Send returns nil only when
// the controller acknowledged the command.
package actuator

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/teslashibe/go-collector/internal/log"
	"github.com/teslashibe/go-collector/pkg/dispatch"
)

// ErrNotAcknowledged is returned when the controller answered but did not
// accept the command.
var ErrNotAcknowledged = errors.New("actuator: command not acknowledged")

// Transport is a dispatch.Transport that owns a connection.
type Transport interface {
	dispatch.Transport
	Close() error
}

// Option configures a transport.
type Option func(*options)

type options struct {
	logger *slog.Logger
	opener PortOpener
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithPortOpener replaces serial.Open, for tests.
func WithPortOpener(fn PortOpener) Option {
	return func(o *options) {
		o.opener = fn
	}
}

func buildOptions(opts []Option) options {
	o := options{
		logger: log.With("component", "actuator"),
		opener: openSerial,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// New builds the transport selected by cfg.Transport.
func New(cfg Config, opts ...Option) (Transport, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("actuator config: %w", err)
	}

	switch cfg.Transport {
	case KindHTTP:
		return NewHTTP(cfg, opts...), nil
	case KindWS:
		return NewWS(cfg, opts...), nil
	case KindSerial:
		return NewSerial(cfg, opts...)
	default:
		return NewDryRun(opts...), nil
	}
}
