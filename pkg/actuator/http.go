package actuator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/teslashibe/go-collector/internal/httpc"
	"github.com/teslashibe/go-collector/pkg/dispatch"
)

// HTTP talks to the controller's embedded web server.
type HTTP struct {
	baseURL string
	style   string
	client  *http.Client
	logger  *slog.Logger
}

// NewHTTP creates an HTTP transport. The client timeout is cfg.Timeout; the
// governor's per-send context bounds it further.
func NewHTTP(cfg Config, opts ...Option) *HTTP {
	o := buildOptions(opts)
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultConfig().Timeout
	}
	style := cfg.HTTPStyle
	if style == "" {
		style = StyleJSON
	}
	return &HTTP{
		baseURL: strings.TrimRight(cfg.BaseURL(), "/"),
		style:   style,
		client:  httpc.NewClient(timeout),
		logger:  o.logger.With("transport", KindHTTP),
	}
}

// Send delivers msg. Any status other than 200 is not an acknowledgement.
func (h *HTTP) Send(ctx context.Context, msg dispatch.Message) error {
	req, err := h.request(ctx, msg)
	if err != nil {
		return err
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("http %s: %w", req.URL.Path, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: status %d", ErrNotAcknowledged, resp.StatusCode)
	}
	h.logger.Debug("controller acknowledged", "command", msg.Command)
	return nil
}

func (h *HTTP) request(ctx context.Context, msg dispatch.Message) (*http.Request, error) {
	if h.style == StylePath {
		return http.NewRequestWithContext(ctx, http.MethodGet, h.baseURL+"/"+msg.Command.Lower(), nil)
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode command: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+"/command", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

// Close releases idle connections.
func (h *HTTP) Close() error {
	h.client.CloseIdleConnections()
	return nil
}
