// Package web serves the collector dashboard: live status, the annotated
// camera feed, logs, dispatch history and runtime tuning.
package web

import (
	"context"
	_ "embed"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/websocket/v2"

	"github.com/teslashibe/go-collector/internal/log"
	"github.com/teslashibe/go-collector/pkg/command"
	"github.com/teslashibe/go-collector/pkg/cycle"
	"github.com/teslashibe/go-collector/pkg/dispatch"
	"github.com/teslashibe/go-collector/pkg/hub"
	"github.com/teslashibe/go-collector/pkg/journal"
	"github.com/teslashibe/go-collector/pkg/navigation"
)

//go:embed index.html
var indexHTML []byte

const (
	maxLogs        = 500
	statusInterval = 100 * time.Millisecond // broadcast at most 10 Hz
	cameraInterval = 100 * time.Millisecond
)

// CollectorState is the live view of the control loop.
type CollectorState struct {
	SessionID   string          `json:"session_id"`
	Seq         uint64          `json:"seq"`
	FrameWidth  int             `json:"frame_width"`
	FrameHeight int             `json:"frame_height"`
	Detections  int             `json:"detections"`
	Target      *TargetView     `json:"target,omitempty"`
	Raw         command.Command `json:"raw"`
	Command     command.Command `json:"command"`
	LastSent    command.Command `json:"last_sent,omitempty"`
	LatencyMs   float64         `json:"latency_ms"`
	ToleranceX  float64         `json:"tolerance_x"`
	ToleranceY  float64         `json:"tolerance_y"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// TargetView is the selected detection.
type TargetView struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
	CenterX    float64 `json:"cx"`
	CenterY    float64 `json:"cy"`
	Area       float64 `json:"area"`
}

// LogEntry is one dashboard log line.
type LogEntry struct {
	Time    string `json:"time"`
	Level   string `json:"level"`
	Message string `json:"message"`
}

// Tuner adjusts the command policy at runtime. *navigation.Mapper
// satisfies it.
type Tuner interface {
	Config() navigation.Config
	SetTolerances(toleranceX, toleranceY float64) error
}

// History reads the dispatch journal. *journal.Journal satisfies it.
type History interface {
	Recent(ctx context.Context, limit int) ([]journal.Entry, error)
	Sessions(ctx context.Context, limit int) ([]journal.Session, error)
}

// Server is the dashboard HTTP and websocket server.
type Server struct {
	app    *fiber.App
	port   string
	logger *slog.Logger

	state      CollectorState
	lastStatus time.Time
	stateMu    sync.RWMutex

	logs    []LogEntry
	partial []byte
	logsMu  sync.Mutex

	lastFrame time.Time
	frameMu   sync.Mutex

	statusHub *hub.Hub
	logHub    *hub.Hub
	cameraHub *hub.Hub

	// Quality is the JPEG quality of camera previews.
	Quality int

	// Hooks, set before Start. Unset hooks disable their endpoints.
	Tuner         Tuner
	History       History
	OnStop        func()
	SessionStats  func() cycle.Stats
	DispatchStats func() dispatch.Stats
}

// NewServer creates the dashboard listening on port.
func NewServer(port string) *Server {
	s := &Server{
		port:      port,
		Quality:   70,
		logger:    log.With("component", "web"),
		logs:      make([]LogEntry, 0, maxLogs),
		statusHub: hub.New("status"),
		logHub:    hub.New("logs"),
		cameraHub: hub.New("camera"),
	}

	app := fiber.New(fiber.Config{
		AppName:               "Collector Dashboard",
		DisableStartupMessage: true,
	})
	app.Use(cors.New())

	app.Get("/", func(c *fiber.Ctx) error {
		c.Type("html")
		return c.Send(indexHTML)
	})

	api := app.Group("/api")
	api.Get("/status", s.handleStatus)
	api.Get("/tuning", s.handleGetTuning)
	api.Put("/tuning", s.handlePutTuning)
	api.Post("/stop", s.handleStop)
	api.Get("/logs", s.handleGetLogs)
	api.Get("/dispatches", s.handleDispatches)
	api.Get("/sessions", s.handleSessions)

	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/status", websocket.New(s.handleStatusWS))
	app.Get("/ws/logs", websocket.New(s.handleLogsWS))
	app.Get("/ws/camera", websocket.New(s.handleCameraWS))

	s.app = app
	return s
}

// Start runs the hubs and serves until Shutdown.
func (s *Server) Start() error {
	s.logger.Info("web dashboard", "url", "http://localhost:"+s.port)

	go s.statusHub.Run()
	go s.logHub.Run()
	go s.cameraHub.Run()

	return s.app.Listen(":" + s.port)
}

// StartAsync starts the server in a goroutine.
func (s *Server) StartAsync() {
	go func() {
		if err := s.Start(); err != nil {
			s.logger.Error("web server failed", "error", err)
		}
	}()
}

// Shutdown stops the server and disconnects all websocket clients.
func (s *Server) Shutdown() error {
	s.statusHub.Close()
	s.logHub.Close()
	s.cameraHub.Close()
	return s.app.Shutdown()
}

// Render publishes one cycle report. It implements cycle.Renderer and never
// fails.
func (s *Server) Render(_ context.Context, r cycle.Report) error {
	state := CollectorState{
		SessionID:   r.SessionID,
		Seq:         r.Observation.Seq,
		FrameWidth:  r.Observation.FrameWidth,
		FrameHeight: r.Observation.FrameHeight,
		Detections:  len(r.Observation.Detections),
		Raw:         r.Raw,
		Command:     r.Command,
		LatencyMs:   float64(r.Latency) / float64(time.Millisecond),
		ToleranceX:  r.Tolerances.ToleranceX,
		ToleranceY:  r.Tolerances.ToleranceY,
		UpdatedAt:   r.Observation.CapturedAt,
	}
	if r.HasSent {
		state.LastSent = r.LastSent
	}
	if r.HasTarget {
		cx, cy := r.Target.Center()
		state.Target = &TargetView{
			Label:      r.Target.Label,
			Confidence: r.Target.Confidence,
			CenterX:    cx,
			CenterY:    cy,
			Area:       r.Target.Area(),
		}
	}

	s.stateMu.Lock()
	prev := s.state.Command
	s.state = state
	due := time.Since(s.lastStatus) >= statusInterval || prev != state.Command
	if due {
		s.lastStatus = time.Now()
	}
	s.stateMu.Unlock()

	if due {
		s.statusHub.BroadcastJSON(state)
	}
	return nil
}

// State returns the latest published state.
func (s *Server) State() CollectorState {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.state
}

// AddLog appends a dashboard log line and broadcasts it.
func (s *Server) AddLog(level, message string) {
	entry := LogEntry{
		Time:    time.Now().Format("15:04:05"),
		Level:   level,
		Message: message,
	}

	s.logsMu.Lock()
	s.logs = append(s.logs, entry)
	if len(s.logs) > maxLogs {
		s.logs = s.logs[1:]
	}
	s.logsMu.Unlock()

	s.logHub.BroadcastJSON(entry)
}

func queryLimit(c *fiber.Ctx, def, max int) int {
	n, err := strconv.Atoi(c.Query("limit"))
	if err != nil || n <= 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}
