package actuator

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.bug.st/serial"

	"github.com/teslashibe/go-collector/internal/log"
	"github.com/teslashibe/go-collector/pkg/command"
	"github.com/teslashibe/go-collector/pkg/dispatch"
)

var stamp = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func msg(c command.Command) dispatch.Message {
	return dispatch.Message{Command: c, Timestamp: stamp}
}

// configFor points cfg at a test server URL.
func configFor(t *testing.T, rawURL, kind string) Config {
	t.Helper()
	u, err := url.Parse(rawURL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.Transport = kind
	cfg.Host = u.Hostname()
	cfg.Port = port
	cfg.Timeout = time.Second
	return cfg
}

func TestHTTP_JSONStyle(t *testing.T) {
	var (
		mu  sync.Mutex
		got dispatch.Message
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/command", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		mu.Lock()
		defer mu.Unlock()
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	tr := NewHTTP(configFor(t, srv.URL, KindHTTP), WithLogger(log.Discard()))
	defer tr.Close()

	require.NoError(t, tr.Send(context.Background(), msg(command.Forward)))
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, command.Forward, got.Command)
	assert.True(t, stamp.Equal(got.Timestamp))
}

func TestHTTP_PathStyle(t *testing.T) {
	var (
		mu    sync.Mutex
		paths []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		mu.Lock()
		paths = append(paths, r.URL.Path)
		mu.Unlock()
	}))
	defer srv.Close()

	cfg := configFor(t, srv.URL, KindHTTP)
	cfg.HTTPStyle = StylePath
	tr := NewHTTP(cfg, WithLogger(log.Discard()))

	require.NoError(t, tr.Send(context.Background(), msg(command.Left)))
	require.NoError(t, tr.Send(context.Background(), msg(command.Collect)))
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"/left", "/collect"}, paths)
}

func TestHTTP_Non200IsNotAcknowledged(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	tr := NewHTTP(configFor(t, srv.URL, KindHTTP), WithLogger(log.Discard()))
	err := tr.Send(context.Background(), msg(command.Stop))
	assert.ErrorIs(t, err, ErrNotAcknowledged)
	assert.Contains(t, err.Error(), "503")
}

func TestHTTP_ContextBoundsSend(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	tr := NewHTTP(configFor(t, srv.URL, KindHTTP), WithLogger(log.Discard()))
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	err := tr.Send(ctx, msg(command.Forward))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestHTTP_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	cfg := configFor(t, srv.URL, KindHTTP)
	srv.Close()

	tr := NewHTTP(cfg, WithLogger(log.Discard()))
	err := tr.Send(context.Background(), msg(command.Forward))
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotAcknowledged)
}

// wsController acknowledges every command, or rejects those listed.
func wsController(t *testing.T, reject map[command.Command]bool) *httptest.Server {
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/ws", r.URL.Path)
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			var m dispatch.Message
			if err := conn.ReadJSON(&m); err != nil {
				return
			}
			ack := Ack{Command: m.Command.String(), Status: "ok"}
			if reject[m.Command] {
				ack.Status, ack.Error = "error", "motor fault"
			}
			if err := conn.WriteJSON(ack); err != nil {
				return
			}
		}
	}))
}

func TestWS_SendAndAck(t *testing.T) {
	srv := wsController(t, map[command.Command]bool{command.Collect: true})
	defer srv.Close()

	tr := NewWS(configFor(t, srv.URL, KindWS), WithLogger(log.Discard()))
	defer tr.Close()

	ctx := context.Background()
	require.NoError(t, tr.Send(ctx, msg(command.Forward)))
	require.NoError(t, tr.Send(ctx, msg(command.Right)))

	err := tr.Send(ctx, msg(command.Collect))
	assert.ErrorIs(t, err, ErrNotAcknowledged)
	assert.Contains(t, err.Error(), "motor fault")
}

func TestWS_RedialsAfterServerDrop(t *testing.T) {
	var (
		mu    sync.Mutex
		dials int
	)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		mu.Lock()
		dials++
		first := dials == 1
		mu.Unlock()

		var m dispatch.Message
		if err := conn.ReadJSON(&m); err != nil {
			conn.Close()
			return
		}
		if first {
			// Hang up without acknowledging.
			conn.Close()
			return
		}
		conn.WriteJSON(Ack{Command: m.Command.String(), Status: "ok"})
		conn.Close()
	}))
	defer srv.Close()

	tr := NewWS(configFor(t, srv.URL, KindWS), WithLogger(log.Discard()))
	defer tr.Close()

	require.Error(t, tr.Send(context.Background(), msg(command.Forward)))
	require.NoError(t, tr.Send(context.Background(), msg(command.Forward)))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, dials)
}

func TestWS_DialFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	tr := NewWS(configFor(t, srv.URL, KindWS), WithLogger(log.Discard()))
	err := tr.Send(context.Background(), msg(command.Stop))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ws dial")
}

// fakePort answers each written line with the next scripted reply.
type fakePort struct {
	mu      sync.Mutex
	written []string
	replies []string
	pending []byte
	timeout time.Duration
	closed  bool
}

func (p *fakePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.written = append(p.written, string(b))
	if len(p.replies) > 0 {
		p.pending = append(p.pending, p.replies[0]...)
		p.replies = p.replies[1:]
	}
	return len(b), nil
}

func (p *fakePort) Read(b []byte) (int, error) {
	p.mu.Lock()
	if len(p.pending) == 0 {
		timeout := p.timeout
		p.mu.Unlock()
		time.Sleep(timeout)
		return 0, nil
	}
	n := copy(b, p.pending)
	p.pending = p.pending[n:]
	p.mu.Unlock()
	return n, nil
}

func (p *fakePort) SetReadTimeout(t time.Duration) error {
	p.mu.Lock()
	p.timeout = t
	p.mu.Unlock()
	return nil
}

func (p *fakePort) Close() error {
	p.closed = true
	return nil
}

func openFake(t *testing.T, port *fakePort, cfg Config) *Serial {
	t.Helper()
	var gotDevice string
	var gotMode *serial.Mode
	tr, err := NewSerial(cfg, WithLogger(log.Discard()), WithPortOpener(func(device string, mode *serial.Mode) (Port, error) {
		gotDevice, gotMode = device, mode
		return port, nil
	}))
	require.NoError(t, err)
	assert.Equal(t, cfg.Serial.Device, gotDevice)
	require.NotNil(t, gotMode)
	return tr
}

func serialConfig() Config {
	cfg := DefaultConfig()
	cfg.Transport = KindSerial
	cfg.Serial.Device = "/dev/ttyUSB0"
	cfg.Serial.AckTimeout = 50 * time.Millisecond
	return cfg
}

func TestSerial_Acknowledged(t *testing.T) {
	port := &fakePort{replies: []string{"OK FORWARD\r\n", "\nOK\n"}}
	tr := openFake(t, port, serialConfig())

	require.NoError(t, tr.Send(context.Background(), msg(command.Forward)))
	require.NoError(t, tr.Send(context.Background(), msg(command.Stop)))
	assert.Equal(t, []string{"FORWARD\n", "STOP\n"}, port.written)

	require.NoError(t, tr.Close())
	assert.True(t, port.closed)
}

func TestSerial_Rejected(t *testing.T) {
	port := &fakePort{replies: []string{"ERR busy\n"}}
	tr := openFake(t, port, serialConfig())

	err := tr.Send(context.Background(), msg(command.Collect))
	assert.ErrorIs(t, err, ErrNotAcknowledged)
	assert.Contains(t, err.Error(), "ERR busy")
}

func TestSerial_NoReply(t *testing.T) {
	port := &fakePort{}
	tr := openFake(t, port, serialConfig())

	begin := time.Now()
	err := tr.Send(context.Background(), msg(command.Left))
	assert.ErrorIs(t, err, ErrNotAcknowledged)
	assert.Less(t, time.Since(begin), time.Second)
}

func TestSerial_OpenFailure(t *testing.T) {
	_, err := NewSerial(serialConfig(), WithLogger(log.Discard()), WithPortOpener(func(string, *serial.Mode) (Port, error) {
		return nil, errors.New("no such device")
	}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "/dev/ttyUSB0")
}

func TestSerialConfig_Mode(t *testing.T) {
	mode := SerialConfig{}.Mode()
	assert.Equal(t, 115200, mode.BaudRate)
	assert.Equal(t, 8, mode.DataBits)
	assert.Equal(t, serial.NoParity, mode.Parity)
	assert.Equal(t, serial.OneStopBit, mode.StopBits)

	assert.Equal(t, 9600, SerialConfig{BaudRate: 9600}.Mode().BaudRate)
	assert.Equal(t, 500*time.Millisecond, SerialConfig{}.withDefaults().AckTimeout)

	cfg := DefaultConfig()
	cfg.Transport = KindSerial
	cfg.Serial.Device = "/dev/ttyUSB0"
	require.NoError(t, cfg.Validate())
	cfg.Serial.BaudRate = -1
	assert.Error(t, cfg.Validate())
}

func TestConfig_URLs(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Host = "192.168.1.101"
	assert.Equal(t, "http://192.168.1.101", cfg.BaseURL())
	assert.Equal(t, "ws://192.168.1.101/ws", cfg.WSURL())

	cfg.Port = 8090
	cfg.WSPath = "control"
	assert.Equal(t, "http://192.168.1.101:8090", cfg.BaseURL())
	assert.Equal(t, "ws://192.168.1.101:8090/control", cfg.WSURL())
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"http ok", func(c *Config) { c.Host = "esp32.local" }, ""},
		{"http missing host", func(c *Config) {}, "host"},
		{"bad style", func(c *Config) { c.Host = "x"; c.HTTPStyle = "xml" }, "http_style"},
		{"ws ok", func(c *Config) { c.Transport = KindWS; c.Host = "x" }, ""},
		{"serial missing device", func(c *Config) { c.Transport = KindSerial }, "device"},
		{"serial ok", func(c *Config) { c.Transport = KindSerial; c.Serial.Device = "/dev/ttyACM0" }, ""},
		{"dryrun", func(c *Config) { c.Transport = KindDryRun }, ""},
		{"unknown", func(c *Config) { c.Transport = "carrier-pigeon" }, "unknown transport"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, strings.Contains(err.Error(), tt.wantErr), "error %q lacks %q", err, tt.wantErr)
		})
	}
}

func TestNew(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Transport = KindDryRun
	tr, err := New(cfg, WithLogger(log.Discard()))
	require.NoError(t, err)
	assert.IsType(t, &DryRun{}, tr)
	assert.NoError(t, tr.Send(context.Background(), msg(command.Forward)))

	cfg = DefaultConfig()
	cfg.Host = "10.0.0.2"
	tr, err = New(cfg, WithLogger(log.Discard()))
	require.NoError(t, err)
	assert.IsType(t, &HTTP{}, tr)

	cfg.Transport = KindWS
	tr, err = New(cfg, WithLogger(log.Discard()))
	require.NoError(t, err)
	assert.IsType(t, &WS{}, tr)

	_, err = New(DefaultConfig())
	assert.Error(t, err)
}
