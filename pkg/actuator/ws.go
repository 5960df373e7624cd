package actuator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/teslashibe/go-collector/pkg/dispatch"
)

// Ack is the controller's reply on the WebSocket link.
type Ack struct {
	Command string `json:"command"`
	Status  string `json:"status"` // "ok" on acceptance
	Error   string `json:"error,omitempty"`
}

// WS keeps one WebSocket connection to the controller and redials lazily
// after any error.
type WS struct {
	url     string
	timeout time.Duration
	dialer  *websocket.Dialer
	logger  *slog.Logger

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewWS creates a WebSocket transport. No connection is made until the
// first Send.
func NewWS(cfg Config, opts ...Option) *WS {
	o := buildOptions(opts)
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultConfig().Timeout
	}
	return &WS{
		url:     cfg.WSURL(),
		timeout: timeout,
		dialer:  &websocket.Dialer{HandshakeTimeout: timeout},
		logger:  o.logger.With("transport", KindWS),
	}
}

// Send writes msg as JSON and waits for the matching Ack.
func (w *WS) Send(ctx context.Context, msg dispatch.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	conn, err := w.connect(ctx)
	if err != nil {
		return err
	}

	deadline := time.Now().Add(w.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	// Unblock reads and writes if ctx is cancelled before the deadline.
	stop := context.AfterFunc(ctx, func() {
		conn.SetReadDeadline(time.Now())
		conn.SetWriteDeadline(time.Now())
	})
	defer stop()

	conn.SetWriteDeadline(deadline)
	if err := conn.WriteJSON(msg); err != nil {
		w.drop()
		return fmt.Errorf("ws write: %w", err)
	}

	conn.SetReadDeadline(deadline)
	var ack Ack
	if err := conn.ReadJSON(&ack); err != nil {
		w.drop()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("ws read: %w", ctxErr)
		}
		return fmt.Errorf("ws read: %w", err)
	}

	if !strings.EqualFold(ack.Status, "ok") {
		if ack.Error != "" {
			return fmt.Errorf("%w: %s", ErrNotAcknowledged, ack.Error)
		}
		return fmt.Errorf("%w: status %q", ErrNotAcknowledged, ack.Status)
	}
	if ack.Command != "" && !strings.EqualFold(ack.Command, msg.Command.String()) {
		return fmt.Errorf("%w: ack for %s, sent %s", ErrNotAcknowledged, ack.Command, msg.Command)
	}
	return nil
}

// connect returns the live connection, dialing if needed. Caller holds w.mu.
func (w *WS) connect(ctx context.Context) (*websocket.Conn, error) {
	if w.conn != nil {
		return w.conn, nil
	}
	conn, _, err := w.dialer.DialContext(ctx, w.url, nil)
	if err != nil {
		return nil, fmt.Errorf("ws dial %s: %w", w.url, err)
	}
	w.logger.Info("connected to controller", "url", w.url)
	w.conn = conn
	return conn, nil
}

// drop discards a broken connection. Caller holds w.mu.
func (w *WS) drop() {
	if w.conn != nil {
		w.conn.Close()
		w.conn = nil
	}
}

// Close sends a close frame and closes the connection.
func (w *WS) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.conn == nil {
		return nil
	}
	w.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	err := w.conn.Close()
	w.conn = nil
	return err
}
