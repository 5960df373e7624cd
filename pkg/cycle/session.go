// Package cycle runs the per-frame control loop: read an observation, pick a
// target, map it to a command, hand the command to the dispatcher and show
// the result to renderers. Whatever ends the loop, the dispatcher's
// fail-safe STOP runs before Run returns.
package cycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/teslashibe/go-collector/internal/log"
	"github.com/teslashibe/go-collector/pkg/command"
	"github.com/teslashibe/go-collector/pkg/navigation"
	"github.com/teslashibe/go-collector/pkg/perception"
)

// ErrStopRequested is returned by a Renderer to end the session normally
// (the operator pressed q, or the dashboard asked to stop).
var ErrStopRequested = errors.New("cycle: stop requested")

// warnInterval throttles repeated failure logs.
const warnInterval = 5 * time.Second

// Source produces one observation per call.
type Source interface {
	Next(ctx context.Context) (perception.Observation, error)
}

// Dispatcher accepts one command per cycle and owns the fail-safe STOP.
// Both dispatch.Governor and dispatch.Worker satisfy it.
type Dispatcher interface {
	Dispatch(ctx context.Context, cmd command.Command, now time.Time)
	Shutdown(ctx context.Context) error
	LastSent() (command.Command, time.Time, bool)
}

// Renderer observes each cycle. It never influences the decision; returning
// ErrStopRequested ends the session.
type Renderer interface {
	Render(ctx context.Context, r Report) error
}

// RendererFunc adapts a function to Renderer.
type RendererFunc func(ctx context.Context, r Report) error

func (f RendererFunc) Render(ctx context.Context, r Report) error { return f(ctx, r) }

// Report is everything decided in one cycle.
type Report struct {
	SessionID   string
	Observation perception.Observation
	Target      perception.Detection
	HasTarget   bool
	Raw         command.Command // Mapper output
	Command     command.Command // Handed to the dispatcher, after smoothing
	LastSent    command.Command // Last command the controller acknowledged
	HasSent     bool
	Latency     time.Duration // Source read to dispatch
	Tolerances  navigation.Config
}

// Config holds the loop policy.
type Config struct {
	// FrameInterval paces the loop. Zero runs as fast as the source allows.
	FrameInterval time.Duration `yaml:"frame_interval"`

	// MaxConsecutiveFailures ends the session after this many failed reads
	// in a row. Zero retries forever.
	MaxConsecutiveFailures int `yaml:"max_consecutive_failures"`

	// RetryDelay is the pause after a failed read.
	RetryDelay time.Duration `yaml:"retry_delay"`

	// ShutdownTimeout bounds the fail-safe STOP on exit.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DefaultConfig returns the production loop policy.
func DefaultConfig() Config {
	return Config{
		MaxConsecutiveFailures: 30,
		RetryDelay:             100 * time.Millisecond,
		ShutdownTimeout:        3 * time.Second,
	}
}

// Validate checks the loop policy.
func (c Config) Validate() error {
	if c.FrameInterval < 0 {
		return fmt.Errorf("frame_interval must be >= 0, got %v", c.FrameInterval)
	}
	if c.MaxConsecutiveFailures < 0 {
		return fmt.Errorf("max_consecutive_failures must be >= 0, got %d", c.MaxConsecutiveFailures)
	}
	if c.RetryDelay < 0 {
		return fmt.Errorf("retry_delay must be >= 0, got %v", c.RetryDelay)
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("shutdown_timeout must be > 0, got %v", c.ShutdownTimeout)
	}
	return nil
}

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Session) {
		s.logger = logger
	}
}

// WithRenderers adds observers of every cycle.
func WithRenderers(r ...Renderer) Option {
	return func(s *Session) {
		s.renderers = append(s.renderers, r...)
	}
}

// WithClock overrides time.Now.
func WithClock(clock func() time.Time) Option {
	return func(s *Session) {
		s.clock = clock
	}
}

// WithID sets the session id instead of a random UUID.
func WithID(id string) Option {
	return func(s *Session) {
		s.id = id
	}
}

// Session is one run of the control loop. It is single use.
type Session struct {
	id         string
	cfg        Config
	source     Source
	mapper     *navigation.Mapper
	dispatcher Dispatcher
	renderers  []Renderer
	smoother   *navigation.Smoother
	logger     *slog.Logger
	clock      func() time.Time

	started  atomic.Bool
	stop     chan struct{}
	stopOnce sync.Once

	stats *statsRecorder

	latestMu sync.RWMutex
	latest   Report
	hasLast  bool

	lastWarn time.Time
}

// New creates a session. The smoothing window comes from the mapper config.
func New(source Source, mapper *navigation.Mapper, dispatcher Dispatcher, cfg Config, opts ...Option) *Session {
	s := &Session{
		id:         uuid.NewString(),
		cfg:        cfg,
		source:     source,
		mapper:     mapper,
		dispatcher: dispatcher,
		smoother:   navigation.NewSmoother(mapper.Config().SmoothingWindow),
		clock:      time.Now,
		stop:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = log.With("component", "cycle")
	}
	s.logger = s.logger.With("session", s.id)
	if s.cfg.ShutdownTimeout <= 0 {
		s.cfg.ShutdownTimeout = DefaultConfig().ShutdownTimeout
	}
	s.stats = newStatsRecorder()
	return s
}

// ID returns the session id.
func (s *Session) ID() string {
	return s.id
}

// Stop asks the loop to finish after the current cycle. Safe to call from
// any goroutine, any number of times.
func (s *Session) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// Latest returns the most recent cycle report.
func (s *Session) Latest() (Report, bool) {
	s.latestMu.RLock()
	defer s.latestMu.RUnlock()
	return s.latest, s.hasLast
}

// Stats returns a snapshot of the loop counters and latency.
func (s *Session) Stats() Stats {
	return s.stats.snapshot()
}

// Run drives the loop until ctx is cancelled, Stop is called, a renderer
// requests a stop or the source ends. Those are normal exits and return nil.
// A fatal source failure is returned as an error. In every case the
// dispatcher's shutdown STOP is issued under a fresh ShutdownTimeout.
func (s *Session) Run(ctx context.Context) (err error) {
	if !s.started.CompareAndSwap(false, true) {
		return errors.New("cycle: session already run")
	}

	s.stats.start(s.clock())
	s.logger.Info("session started")

	defer func() {
		s.failSafe(ctx)
		reason := "stopped"
		if err != nil {
			reason = err.Error()
		}
		s.stats.finish(s.clock(), reason)
		st := s.stats.snapshot()
		s.logger.Info("session ended", "reason", reason, "frames", st.Frames,
			"failures", st.Failures, "mean_latency_ms", st.MeanLatencyMs)
	}()

	consecutive := 0
	for {
		if s.stopping(ctx) {
			return nil
		}

		begin := s.clock()
		obs, readErr := s.source.Next(ctx)
		if readErr != nil {
			if done, fatal := s.classify(ctx, readErr, &consecutive); done {
				return fatal
			}
			s.sleep(ctx, s.cfg.RetryDelay)
			continue
		}
		consecutive = 0

		report := s.decide(ctx, obs, begin)
		if stop := s.render(ctx, report); stop {
			return nil
		}

		if s.cfg.FrameInterval > 0 {
			s.sleep(ctx, s.cfg.FrameInterval-s.clock().Sub(begin))
		}
	}
}

// classify applies the frame failure policy. It reports whether the loop
// must end and with which error.
func (s *Session) classify(ctx context.Context, err error, consecutive *int) (bool, error) {
	switch {
	case errors.Is(err, perception.ErrEndOfStream):
		s.logger.Info("source reached end of stream")
		return true, nil
	case ctx.Err() != nil:
		return true, nil
	case errors.Is(err, perception.ErrSourceFailed):
		s.stats.failure()
		return true, fmt.Errorf("source: %w", err)
	}

	*consecutive++
	s.stats.failure()
	now := s.clock()
	if s.lastWarn.IsZero() || now.Sub(s.lastWarn) > warnInterval {
		s.logger.Warn("frame skipped", "error", err, "consecutive", *consecutive)
		s.lastWarn = now
	}
	if s.cfg.MaxConsecutiveFailures > 0 && *consecutive >= s.cfg.MaxConsecutiveFailures {
		return true, fmt.Errorf("%d consecutive frame failures: %w", *consecutive, err)
	}
	return false, nil
}

// decide runs selection, mapping, smoothing and dispatch for one frame.
func (s *Session) decide(ctx context.Context, obs perception.Observation, begin time.Time) Report {
	target, ok, raw := s.mapper.Decide(obs)

	cmd := s.smoother.Push(raw)
	if raw == command.Stop {
		// Losing the target stops at once; smoothing only steadies motion.
		cmd = command.Stop
	}

	now := s.clock()
	s.dispatcher.Dispatch(ctx, cmd, now)
	latency := s.clock().Sub(begin)

	if len(obs.Detections) > 0 {
		s.logger.Debug("frame", "detections", len(obs.Detections), "command", cmd, "seq", obs.Seq)
	}

	last, _, hasSent := s.dispatcher.LastSent()
	report := Report{
		SessionID:   s.id,
		Observation: obs,
		Target:      target,
		HasTarget:   ok,
		Raw:         raw,
		Command:     cmd,
		LastSent:    last,
		HasSent:     hasSent,
		Latency:     latency,
		Tolerances:  s.mapper.Config(),
	}

	s.stats.frame(cmd, latency)
	s.latestMu.Lock()
	s.latest, s.hasLast = report, true
	s.latestMu.Unlock()
	return report
}

// render shows the report to every renderer and reports whether one asked
// to stop. Other renderer errors are logged and ignored.
func (s *Session) render(ctx context.Context, report Report) bool {
	stop := false
	for _, r := range s.renderers {
		err := r.Render(ctx, report)
		switch {
		case err == nil:
		case errors.Is(err, ErrStopRequested):
			s.logger.Info("stop requested by renderer")
			stop = true
		default:
			s.logger.Debug("render failed", "error", err)
		}
	}
	return stop
}

func (s *Session) failSafe(ctx context.Context) {
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ShutdownTimeout)
	defer cancel()

	if err := s.dispatcher.Shutdown(sctx); err != nil {
		s.logger.Error("fail-safe STOP not delivered", "error", err)
		return
	}
	s.logger.Info("fail-safe STOP sent")
}

func (s *Session) stopping(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	case <-s.stop:
		return true
	default:
		return false
	}
}

// sleep waits for d, returning early on cancellation or Stop.
func (s *Session) sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	case <-s.stop:
	}
}
