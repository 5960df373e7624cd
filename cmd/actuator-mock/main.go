// Actuator-mock stands in for the ESP32 controller on the bench. It accepts
// commands in every format the collector speaks and logs them.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/teslashibe/go-collector/internal/log"
)

func main() {
	port := flag.Int("port", 8081, "Listen port (the real controller uses 80)")
	latency := flag.Duration("latency", 0, "Artificial delay before acknowledging")
	debug := flag.Bool("debug", false, "Enable verbose debug logging")
	flag.Parse()

	if *debug {
		log.Init("debug")
	} else {
		log.Init("info")
	}

	logger := log.With("component", "actuator-mock")
	app := newApp(newController(*latency, logger))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	go func() {
		<-ctx.Done()
		app.Shutdown()
	}()

	addr := ":" + strconv.Itoa(*port)
	logger.Info("listening", "addr", addr)
	if err := app.Listen(addr); err != nil {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}
