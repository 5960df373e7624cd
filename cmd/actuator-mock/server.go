package main

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"

	"github.com/teslashibe/go-collector/pkg/actuator"
	"github.com/teslashibe/go-collector/pkg/command"
	"github.com/teslashibe/go-collector/pkg/dispatch"
)

// controller is the simulated ESP32 motor state.
type controller struct {
	latency time.Duration
	logger  *slog.Logger

	mu       sync.Mutex
	current  command.Command
	received map[command.Command]int
	lastAt   time.Time
}

func newController(latency time.Duration, logger *slog.Logger) *controller {
	return &controller{
		latency:  latency,
		logger:   logger,
		current:  command.Stop,
		received: make(map[command.Command]int),
	}
}

// apply executes cmd as the firmware would.
func (c *controller) apply(cmd command.Command, via string) {
	if c.latency > 0 {
		time.Sleep(c.latency)
	}
	c.mu.Lock()
	c.current = cmd
	c.received[cmd]++
	c.lastAt = time.Now()
	c.mu.Unlock()
	c.logger.Info("command", "command", cmd, "via", via)
}

type status struct {
	Current  command.Command         `json:"current"`
	Received map[command.Command]int `json:"received"`
	LastAt   time.Time               `json:"last_at"`
}

func (c *controller) status() status {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := status{Current: c.current, LastAt: c.lastAt, Received: make(map[command.Command]int, len(c.received))}
	for k, v := range c.received {
		out.Received[k] = v
	}
	return out
}

// newApp serves both HTTP styles and the WebSocket link.
func newApp(c *controller) *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:               "Actuator Mock",
		DisableStartupMessage: true,
	})

	app.Get("/status", func(ctx *fiber.Ctx) error {
		return ctx.JSON(c.status())
	})

	// json style
	app.Post("/command", func(ctx *fiber.Ctx) error {
		var msg dispatch.Message
		if err := json.Unmarshal(ctx.Body(), &msg); err != nil {
			return ctx.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
		}
		c.apply(msg.Command, "http")
		return ctx.JSON(fiber.Map{"status": "ok", "command": msg.Command})
	})

	app.Use("/ws", func(ctx *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(ctx) {
			return ctx.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws", websocket.New(func(conn *websocket.Conn) {
		for {
			var msg dispatch.Message
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			ack := actuator.Ack{Status: "ok"}
			if err := json.Unmarshal(data, &msg); err != nil {
				ack = actuator.Ack{Status: "error", Error: err.Error()}
			} else {
				c.apply(msg.Command, "ws")
			}
			ack.Command = string(msg.Command)
			if err := conn.WriteJSON(ack); err != nil {
				return
			}
		}
	}))

	// path style: GET /forward, /turn_left, ...
	app.Get("/:command", func(ctx *fiber.Ctx) error {
		cmd, err := command.Parse(ctx.Params("command"))
		if err != nil {
			return ctx.Status(fiber.StatusNotFound).SendString(err.Error())
		}
		c.apply(cmd, "path")
		return ctx.SendString("OK " + cmd.String())
	})

	return app
}
