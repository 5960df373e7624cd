package actuator

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"

	"github.com/teslashibe/go-collector/pkg/dispatch"
)

// Port is the subset of serial.Port the transport uses.
type Port interface {
	io.ReadWriteCloser
	SetReadTimeout(t time.Duration) error
}

// PortOpener opens a serial device.
type PortOpener func(device string, mode *serial.Mode) (Port, error)

func openSerial(device string, mode *serial.Mode) (Port, error) {
	return serial.Open(device, mode)
}

// Serial sends one command per line ("FORWARD\n") and expects a line
// starting with "OK" in reply. "ERR ..." or silence is a failure.
type Serial struct {
	port       Port
	device     string
	ackTimeout time.Duration
	logger     *slog.Logger

	mu  sync.Mutex
	buf []byte // bytes read past the last line
}

// NewSerial opens cfg.Serial.Device.
func NewSerial(cfg Config, opts ...Option) (*Serial, error) {
	o := buildOptions(opts)

	if err := cfg.Serial.validate(); err != nil {
		return nil, err
	}
	sc := cfg.Serial.withDefaults()
	mode := sc.Mode()

	port, err := o.opener(sc.Device, mode)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", sc.Device, err)
	}

	s := &Serial{
		port:       port,
		device:     sc.Device,
		ackTimeout: sc.AckTimeout,
		logger:     o.logger.With("transport", KindSerial, "device", sc.Device),
	}
	s.logger.Info("serial link open", "baud", mode.BaudRate)
	return s, nil
}

// Send writes the command line and waits for the acknowledgement.
func (s *Serial) Send(ctx context.Context, msg dispatch.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.buf = s.buf[:0]
	if _, err := s.port.Write([]byte(msg.Command.String() + "\n")); err != nil {
		return fmt.Errorf("serial write: %w", err)
	}

	deadline := time.Now().Add(s.ackTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	line, err := s.readLine(ctx, deadline)
	if err != nil {
		return err
	}
	if !strings.HasPrefix(strings.ToUpper(line), "OK") {
		return fmt.Errorf("%w: %q", ErrNotAcknowledged, line)
	}
	return nil
}

// readLine reads until '\n' or the deadline. Caller holds s.mu.
func (s *Serial) readLine(ctx context.Context, deadline time.Time) (string, error) {
	chunk := make([]byte, 64)
	for {
		if i := bytes.IndexByte(s.buf, '\n'); i >= 0 {
			line := strings.TrimSpace(string(s.buf[:i]))
			s.buf = append(s.buf[:0], s.buf[i+1:]...)
			if line == "" {
				continue
			}
			return line, nil
		}

		if err := ctx.Err(); err != nil {
			return "", fmt.Errorf("serial ack: %w", err)
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return "", fmt.Errorf("%w: no reply within %v", ErrNotAcknowledged, s.ackTimeout)
		}
		if err := s.port.SetReadTimeout(remaining); err != nil {
			return "", fmt.Errorf("serial timeout: %w", err)
		}

		// A read timeout yields n == 0 with a nil error.
		n, err := s.port.Read(chunk)
		s.buf = append(s.buf, chunk[:n]...)
		if err != nil {
			return "", fmt.Errorf("serial read: %w", err)
		}
	}
}

// Close closes the port.
func (s *Serial) Close() error {
	return s.port.Close()
}
