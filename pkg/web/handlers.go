package web

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"

	"github.com/teslashibe/go-collector/pkg/hub"
)

// StatusResponse is the body of GET /api/status.
type StatusResponse struct {
	State    CollectorState `json:"state"`
	Session  any            `json:"session,omitempty"`
	Dispatch any            `json:"dispatch,omitempty"`
}

func (s *Server) handleStatus(c *fiber.Ctx) error {
	resp := StatusResponse{State: s.State()}
	if s.SessionStats != nil {
		resp.Session = s.SessionStats()
	}
	if s.DispatchStats != nil {
		resp.Dispatch = s.DispatchStats()
	}
	return c.JSON(resp)
}

// TuningRequest is the body of PUT /api/tuning. Omitted fields are left
// unchanged.
type TuningRequest struct {
	ToleranceX *float64 `json:"tolerance_x"`
	ToleranceY *float64 `json:"tolerance_y"`
}

func (s *Server) handleGetTuning(c *fiber.Ctx) error {
	if s.Tuner == nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "tuning not available"})
	}
	return c.JSON(s.Tuner.Config())
}

func (s *Server) handlePutTuning(c *fiber.Ctx) error {
	if s.Tuner == nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "tuning not available"})
	}

	var req TuningRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid body: " + err.Error()})
	}

	cfg := s.Tuner.Config()
	if req.ToleranceX != nil {
		cfg.ToleranceX = *req.ToleranceX
	}
	if req.ToleranceY != nil {
		cfg.ToleranceY = *req.ToleranceY
	}
	if err := s.Tuner.SetTolerances(cfg.ToleranceX, cfg.ToleranceY); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}
	cfg = s.Tuner.Config()
	s.logger.Info("tolerances updated", "tolerance_x", cfg.ToleranceX, "tolerance_y", cfg.ToleranceY)
	return c.JSON(cfg)
}

func (s *Server) handleStop(c *fiber.Ctx) error {
	if s.OnStop == nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "stop not available"})
	}
	s.logger.Warn("stop requested from dashboard", "remote", c.IP())
	s.OnStop()
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"status": "stopping"})
}

func (s *Server) handleGetLogs(c *fiber.Ctx) error {
	s.logsMu.Lock()
	logs := make([]LogEntry, len(s.logs))
	copy(logs, s.logs)
	s.logsMu.Unlock()
	return c.JSON(logs)
}

func (s *Server) handleDispatches(c *fiber.Ctx) error {
	if s.History == nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "journal disabled"})
	}
	entries, err := s.History.Recent(c.UserContext(), queryLimit(c, 50, 1000))
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(entries)
}

func (s *Server) handleSessions(c *fiber.Ctx) error {
	if s.History == nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "journal disabled"})
	}
	sessions, err := s.History.Sessions(c.UserContext(), queryLimit(c, 20, 200))
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(sessions)
}

// The websocket handlers write the initial snapshot before registering, so
// the client's write pump stays the only writer afterwards.

func (s *Server) handleStatusWS(c *websocket.Conn) {
	if err := c.WriteJSON(s.State()); err != nil {
		return
	}
	if client := hub.NewClient(s.statusHub, c); client != nil {
		client.Run()
	}
}

func (s *Server) handleLogsWS(c *websocket.Conn) {
	s.logsMu.Lock()
	backlog := make([]LogEntry, len(s.logs))
	copy(backlog, s.logs)
	s.logsMu.Unlock()

	for _, entry := range backlog {
		if err := c.WriteJSON(entry); err != nil {
			return
		}
	}
	if client := hub.NewClient(s.logHub, c); client != nil {
		client.Run()
	}
}

func (s *Server) handleCameraWS(c *websocket.Conn) {
	if client := hub.NewClient(s.cameraHub, c); client != nil {
		client.Run()
	}
}
