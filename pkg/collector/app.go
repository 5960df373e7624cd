// Package collector wires the camera, detector, decision engine, actuator
// link, journal and dashboard into one application.
package collector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/teslashibe/go-collector/internal/config"
	"github.com/teslashibe/go-collector/internal/log"
	"github.com/teslashibe/go-collector/pkg/actuator"
	"github.com/teslashibe/go-collector/pkg/camera"
	"github.com/teslashibe/go-collector/pkg/cycle"
	"github.com/teslashibe/go-collector/pkg/dispatch"
	"github.com/teslashibe/go-collector/pkg/journal"
	"github.com/teslashibe/go-collector/pkg/navigation"
	"github.com/teslashibe/go-collector/pkg/perception/detector"
	"github.com/teslashibe/go-collector/pkg/render"
	"github.com/teslashibe/go-collector/pkg/web"
)

// journalTimeout bounds session bookkeeping writes.
const journalTimeout = 2 * time.Second

// Option configures an App.
type Option func(*App)

// WithSource replaces the camera and detector, e.g. with a recorded
// observation stream. The overlay window is not available then.
func WithSource(src cycle.Source) Option {
	return func(a *App) {
		a.source = src
	}
}

// WithTransport replaces the transport built from the actuator config.
func WithTransport(t actuator.Transport) Option {
	return func(a *App) {
		a.transport = t
	}
}

// App is the collector application. Call Init, then Run, then Shutdown.
type App struct {
	cfg    *config.Config
	logger *slog.Logger
	id     string

	stream    *camera.Stream
	detector  detector.Detector
	source    cycle.Source
	mapper    *navigation.Mapper
	transport actuator.Transport
	governor  *dispatch.Governor
	worker    *dispatch.Worker
	journal   *journal.Journal
	overlay   *render.Overlay
	dashboard *web.Server
	session   *cycle.Session
}

// New validates cfg and creates the application.
func New(cfg *config.Config, opts ...Option) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	a := &App{
		cfg:    cfg,
		id:     uuid.NewString(),
		logger: log.With("component", "collector"),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// SessionID returns the id shared by the session and its journal rows.
func (a *App) SessionID() string {
	return a.id
}

// Init builds every component. On error, Shutdown releases what was built.
func (a *App) Init() error {
	a.logger.Info("initializing",
		"session", a.id,
		"transport", a.cfg.Actuator.Transport,
		"detector", a.cfg.Detector.Kind,
		"async", a.cfg.Dispatch.Async)

	if path := a.cfg.Journal.Path; path != "" {
		j, err := journal.Open(path, nil)
		if err != nil {
			return fmt.Errorf("journal: %w", err)
		}
		a.journal = j
	}

	if a.transport == nil {
		t, err := actuator.New(a.cfg.Actuator)
		if err != nil {
			return fmt.Errorf("actuator: %w", err)
		}
		a.transport = t
	}

	var dopts []dispatch.Option
	if a.journal != nil {
		dopts = append(dopts, dispatch.WithRecorder(a.journal.Recorder(a.id)))
	}
	a.governor = dispatch.NewGovernor(a.transport, a.cfg.Dispatch, dopts...)
	var dispatcher cycle.Dispatcher = a.governor
	if a.cfg.Dispatch.Async {
		a.worker = dispatch.NewWorker(a.governor)
		dispatcher = a.worker
	}

	a.mapper = navigation.NewMapper(a.cfg.Navigation)

	var frames render.FrameProvider
	if a.source == nil {
		if err := a.initCamera(); err != nil {
			return err
		}
		frames = a.source.(*camera.Source)
	}

	var renderers []cycle.Renderer
	if a.cfg.Dashboard.Enabled {
		a.dashboard = a.newDashboard()
		renderers = append(renderers, a.dashboard)
	}
	if frames != nil && (a.cfg.Render.Window || a.dashboard != nil) {
		var ropts []render.Option
		if a.dashboard != nil {
			ropts = append(ropts, render.WithSink(a.dashboard.SendFrame, a.dashboard.WantsFrame))
		}
		a.overlay = render.New(frames, a.cfg.Render, ropts...)
		renderers = append(renderers, a.overlay)
	}

	a.session = cycle.New(a.source, a.mapper, dispatcher, a.cfg.Cycle,
		cycle.WithID(a.id),
		cycle.WithRenderers(renderers...))

	if a.dashboard != nil {
		a.dashboard.OnStop = a.session.Stop
		a.dashboard.SessionStats = a.session.Stats
	}
	return nil
}

func (a *App) initCamera() error {
	det, err := detector.New(a.cfg.Detector)
	if err != nil {
		return fmt.Errorf("detector: %w", err)
	}
	a.detector = det

	stream, err := camera.Open(a.cfg.Camera, nil)
	if err != nil {
		return fmt.Errorf("camera: %w", err)
	}
	a.stream = stream
	a.source = camera.NewSource(stream, det)
	return nil
}

func (a *App) newDashboard() *web.Server {
	s := web.NewServer(strconv.Itoa(a.cfg.Dashboard.Port))
	s.Quality = a.cfg.Camera.Quality
	s.Tuner = a.mapper
	s.DispatchStats = a.governor.Stats
	if a.journal != nil {
		s.History = a.journal
	}
	log.Attach(s)
	return s
}

// Run drives the control loop until ctx is cancelled or the session ends.
// The fail-safe STOP has been issued when Run returns.
func (a *App) Run(ctx context.Context) error {
	if a.session == nil {
		return errors.New("collector: Run called before Init")
	}
	if a.dashboard != nil {
		a.dashboard.StartAsync()
	}
	a.startJournal(ctx)

	err := a.session.Run(ctx)

	a.endJournal(ctx)
	return err
}

func (a *App) startJournal(ctx context.Context) {
	if a.journal == nil {
		return
	}
	jctx, cancel := context.WithTimeout(ctx, journalTimeout)
	defer cancel()

	tol := a.mapper.Config()
	err := a.journal.StartSession(jctx, journal.SessionInfo{
		ID:         a.id,
		StartedAt:  time.Now(),
		Transport:  a.cfg.Actuator.Transport,
		Detector:   a.cfg.Detector.Kind,
		ToleranceX: tol.ToleranceX,
		ToleranceY: tol.ToleranceY,
	})
	if err != nil {
		a.logger.Warn("journal session start failed", "error", err)
	}
}

func (a *App) endJournal(ctx context.Context) {
	if a.journal == nil {
		return
	}
	jctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), journalTimeout)
	defer cancel()

	st := a.session.Stats()
	err := a.journal.EndSession(jctx, a.id, journal.SessionEnd{
		EndedAt:       st.EndedAt,
		Reason:        st.EndReason,
		Frames:        st.Frames,
		Failures:      st.Failures,
		MeanLatencyMs: st.MeanLatencyMs,
	})
	if err != nil {
		a.logger.Warn("journal session end failed", "error", err)
		return
	}
	if sum, err := a.journal.Summarize(jctx, a.id); err == nil {
		a.logger.Info("dispatch summary", "attempts", sum.Attempts, "delivered", sum.Delivered,
			"failed", sum.Failed, "avg_latency_ms", sum.AvgLatencyMs)
	}
}

// Shutdown releases every component. Safe after a failed Init.
func (a *App) Shutdown() {
	if a.worker != nil {
		// No-op when the session already ran its fail-safe.
		ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Cycle.ShutdownTimeout)
		a.worker.Shutdown(ctx)
		cancel()
	}
	if a.overlay != nil {
		a.overlay.Close()
	}
	if a.stream != nil {
		a.stream.Close()
	}
	if a.detector != nil {
		a.detector.Close()
	}
	if a.transport != nil {
		a.transport.Close()
	}
	if a.dashboard != nil {
		a.dashboard.Shutdown()
	}
	if a.journal != nil {
		a.journal.Close()
	}
	a.logger.Info("shutdown complete")
}
