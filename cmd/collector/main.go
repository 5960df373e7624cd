// Collector drives the waste-collection robot: it watches the phone camera,
// picks the most urgent piece of waste and steers the ESP32 towards it.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/teslashibe/go-collector/internal/config"
	"github.com/teslashibe/go-collector/internal/log"
	"github.com/teslashibe/go-collector/pkg/actuator"
	"github.com/teslashibe/go-collector/pkg/collector"
	"github.com/teslashibe/go-collector/pkg/perception/detector"
)

func main() {
	cfg, err := parseFlags()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		os.Exit(2)
	}

	log.Setup(log.Options{
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		JSON:       cfg.Log.JSON,
	})
	defer log.Close()

	if err := run(cfg); err != nil {
		log.Error("collector failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	app, err := collector.New(cfg)
	if err != nil {
		return fmt.Errorf("configuration: %w", err)
	}
	defer app.Shutdown()

	if err := app.Init(); err != nil {
		return fmt.Errorf("initialization: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	log.Info("collector running", "session", app.SessionID(), "hint", "Ctrl+C or q to stop")
	return app.Run(ctx)
}

// parseFlags loads the configuration and applies command line overrides.
func parseFlags() (*config.Config, error) {
	configPath := flag.String("config", "", "YAML config file (default $COLLECTOR_CONFIG)")
	phoneIP := flag.String("phone-ip", "", "Phone camera IP (overrides PHONE_IP)")
	esp32IP := flag.String("esp32-ip", "", "ESP32 controller IP (overrides ESP32_IP)")
	video := flag.String("video", "", "Stream URL or video file instead of the phone")
	det := flag.String("detector", "", "Detector: color or yolo")
	model := flag.String("model", "", "YOLO ONNX model path")
	transport := flag.String("transport", "", "Actuator link: http, ws, serial or dryrun")
	serialPort := flag.String("serial-port", "", "Serial device for -transport serial")
	noWindow := flag.Bool("no-window", false, "Do not open the overlay window")
	webPort := flag.Int("web-port", 0, "Dashboard port, -1 disables the dashboard")
	journalPath := flag.String("journal", "", "SQLite journal path, \"off\" disables it")
	debug := flag.Bool("debug", false, "Enable verbose debug logging")
	syncDispatch := flag.Bool("sync-dispatch", false, "Send commands inline instead of on the worker")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return nil, err
	}

	if *phoneIP != "" {
		cfg.Camera.Host = *phoneIP
	}
	if *video != "" {
		cfg.Camera.URL = *video
	}
	if *esp32IP != "" {
		cfg.Actuator.Host = *esp32IP
	}
	if *det != "" {
		cfg.Detector.Kind = *det
	}
	if *model != "" {
		cfg.Detector.ModelPath = *model
		if *det == "" {
			cfg.Detector.Kind = detector.KindYOLO
		}
	}
	if *transport != "" {
		cfg.Actuator.Transport = *transport
	}
	if *serialPort != "" {
		cfg.Actuator.Serial.Device = *serialPort
		if *transport == "" {
			cfg.Actuator.Transport = actuator.KindSerial
		}
	}
	if *noWindow {
		cfg.Render.Window = false
	}
	switch {
	case *webPort < 0:
		cfg.Dashboard.Enabled = false
	case *webPort > 0:
		cfg.Dashboard.Enabled = true
		cfg.Dashboard.Port = *webPort
	}
	switch *journalPath {
	case "":
	case "off":
		cfg.Journal.Path = ""
	default:
		cfg.Journal.Path = *journalPath
	}
	if *debug {
		cfg.Log.Level = "debug"
	}
	if *syncDispatch {
		cfg.Dispatch.Async = false
	}
	return cfg, nil
}
