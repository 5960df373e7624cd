// Package dispatch gates the stream of navigation decisions into a safe,
// low-rate stream of actuator commands: fail-safe substitution, deduplication,
// rate limiting and a forced STOP on shutdown.
package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/teslashibe/go-collector/pkg/command"
)

// Sentinel errors.
var (
	// ErrClosed is returned once the governor has issued its shutdown STOP.
	ErrClosed = errors.New("dispatch: closed")
)

// Message is the logical unit sent to the actuator controller.
type Message struct {
	Command   command.Command `json:"command"`
	Timestamp time.Time       `json:"timestamp"`
}

// Transport delivers a message to the actuator controller.
// Send returns nil only when the controller acknowledged the command.
type Transport interface {
	Send(ctx context.Context, msg Message) error
}

// Attempt describes one transmission attempt, successful or not.
type Attempt struct {
	Command  command.Command
	IssuedAt time.Time     // Timestamp carried in the message
	Latency  time.Duration // Time spent inside the transport
	Forced   bool          // Shutdown STOP that bypassed every gate
	Err      error
}

// Recorder receives every attempt, e.g. for journaling.
type Recorder interface {
	RecordAttempt(a Attempt)
}

// MockTransport implements Transport for testing.
type MockTransport struct {
	// SendFunc is called for every Send. If nil, Send succeeds.
	SendFunc func(ctx context.Context, msg Message) error

	mu   sync.Mutex
	sent []Message
}

// Send records msg and calls SendFunc.
func (m *MockTransport) Send(ctx context.Context, msg Message) error {
	m.mu.Lock()
	m.sent = append(m.sent, msg)
	fn := m.SendFunc
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, msg)
	}
	return nil
}

// Messages returns a copy of every message passed to Send.
func (m *MockTransport) Messages() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Message, len(m.sent))
	copy(out, m.sent)
	return out
}

// Commands returns the command of every message passed to Send.
func (m *MockTransport) Commands() []command.Command {
	msgs := m.Messages()
	out := make([]command.Command, len(msgs))
	for i, msg := range msgs {
		out[i] = msg.Command
	}
	return out
}
