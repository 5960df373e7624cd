package cycle

import (
	"context"
	"errors"
	"image"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teslashibe/go-collector/internal/log"
	"github.com/teslashibe/go-collector/pkg/command"
	"github.com/teslashibe/go-collector/pkg/dispatch"
	"github.com/teslashibe/go-collector/pkg/navigation"
	"github.com/teslashibe/go-collector/pkg/perception"
)

type step struct {
	obs perception.Observation
	err error
}

// fakeSource plays back steps, then ends the stream or blocks until
// cancelled.
type fakeSource struct {
	mu    sync.Mutex
	steps []step
	block bool
	calls int
}

func (f *fakeSource) Next(ctx context.Context) (perception.Observation, error) {
	f.mu.Lock()
	f.calls++
	if len(f.steps) == 0 {
		block := f.block
		f.mu.Unlock()
		if block {
			<-ctx.Done()
			return perception.Observation{}, ctx.Err()
		}
		return perception.Observation{}, perception.ErrEndOfStream
	}
	s := f.steps[0]
	f.steps = f.steps[1:]
	f.mu.Unlock()
	return s.obs, s.err
}

type fakeDispatcher struct {
	mu          sync.Mutex
	commands    []command.Command
	shutdowns   int
	shutdownErr error // ctx.Err() seen by Shutdown
	hadDeadline bool
}

func (d *fakeDispatcher) Dispatch(_ context.Context, cmd command.Command, _ time.Time) {
	d.mu.Lock()
	d.commands = append(d.commands, cmd)
	d.mu.Unlock()
}

func (d *fakeDispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.shutdowns++
	d.shutdownErr = ctx.Err()
	_, d.hadDeadline = ctx.Deadline()
	return nil
}

func (d *fakeDispatcher) LastSent() (command.Command, time.Time, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.commands) == 0 {
		return "", time.Time{}, false
	}
	return d.commands[len(d.commands)-1], time.Time{}, true
}

func (d *fakeDispatcher) Commands() []command.Command {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]command.Command(nil), d.commands...)
}

func (d *fakeDispatcher) Shutdowns() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.shutdowns
}

type reportLog struct {
	mu      sync.Mutex
	reports []Report
}

func (l *reportLog) Render(_ context.Context, r Report) error {
	l.mu.Lock()
	l.reports = append(l.reports, r)
	l.mu.Unlock()
	return nil
}

func (l *reportLog) Commands() []command.Command {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]command.Command, len(l.reports))
	for i, r := range l.reports {
		out[i] = r.Command
	}
	return out
}

func obsWith(seq uint64, centers ...image.Point) step {
	obs := perception.Observation{Seq: seq, FrameWidth: 640, FrameHeight: 480}
	for _, c := range centers {
		obs.Detections = append(obs.Detections, perception.Detection{
			Label:      "can",
			Confidence: 0.9,
			Box:        image.Rect(c.X-10, c.Y-10, c.X+10, c.Y+10),
		})
	}
	return step{obs: obs}
}

func failure(err error) step { return step{err: err} }

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.RetryDelay = 0
	cfg.ShutdownTimeout = time.Second
	return cfg
}

func newSession(src Source, d Dispatcher, cfg Config, opts ...Option) *Session {
	opts = append([]Option{WithLogger(log.Discard())}, opts...)
	return New(src, navigation.NewMapper(navigation.DefaultConfig()), d, cfg, opts...)
}

func TestSession_EndOfStreamWithGovernor(t *testing.T) {
	src := &fakeSource{steps: []step{
		obsWith(1),                       // no detections
		obsWith(2, image.Pt(320, 400)),   // proximity band
		obsWith(3, image.Pt(100, 200)),   // left of centre
		obsWith(4, image.Pt(100, 200)),   // duplicate
		obsWith(5, image.Pt(320, 200)),   // centred
	}}
	mock := &dispatch.MockTransport{}
	dcfg := dispatch.DefaultConfig()
	dcfg.CommandInterval = 0
	gov := dispatch.NewGovernor(mock, dcfg, dispatch.WithLogger(log.Discard()))
	reports := &reportLog{}

	s := newSession(src, gov, fastConfig(), WithRenderers(reports))
	require.NoError(t, s.Run(context.Background()))

	assert.Equal(t,
		[]command.Command{command.Stop, command.Collect, command.Left, command.Left, command.Forward},
		reports.Commands())
	assert.Equal(t,
		[]command.Command{command.Stop, command.Collect, command.Left, command.Forward, command.Stop},
		mock.Commands(), "duplicate LEFT suppressed, fail-safe STOP last")

	st := s.Stats()
	assert.Equal(t, uint64(5), st.Frames)
	assert.Equal(t, uint64(2), st.Commands[command.Left])
	assert.Equal(t, "stopped", st.EndReason)
}

func TestSession_ConsecutiveFailureLimit(t *testing.T) {
	flaky := errors.New("decode error")
	src := &fakeSource{steps: []step{
		failure(flaky), failure(flaky), failure(flaky), failure(flaky),
	}}
	d := &fakeDispatcher{}
	cfg := fastConfig()
	cfg.MaxConsecutiveFailures = 3

	err := newSession(src, d, cfg).Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, flaky)
	assert.Equal(t, 3, src.calls)
	assert.Equal(t, 1, d.Shutdowns())
}

func TestSession_FailuresResetOnSuccess(t *testing.T) {
	flaky := errors.New("timeout")
	src := &fakeSource{steps: []step{
		failure(flaky), failure(flaky),
		obsWith(1, image.Pt(320, 200)),
		failure(flaky), failure(flaky),
	}}
	d := &fakeDispatcher{}
	cfg := fastConfig()
	cfg.MaxConsecutiveFailures = 3

	s := newSession(src, d, cfg)
	require.NoError(t, s.Run(context.Background()))
	assert.Equal(t, []command.Command{command.Forward}, d.Commands())
	assert.Equal(t, uint64(4), s.Stats().Failures)
	assert.Equal(t, 1, d.Shutdowns())
}

func TestSession_SourceFailedIsFatal(t *testing.T) {
	src := &fakeSource{steps: []step{
		failure(perception.ErrSourceFailed),
		obsWith(1, image.Pt(320, 200)),
	}}
	d := &fakeDispatcher{}

	err := newSession(src, d, fastConfig()).Run(context.Background())
	assert.ErrorIs(t, err, perception.ErrSourceFailed)
	assert.Empty(t, d.Commands())
	assert.Equal(t, 1, d.Shutdowns())
}

func TestSession_RendererStopRequest(t *testing.T) {
	src := &fakeSource{steps: []step{
		obsWith(1, image.Pt(320, 200)),
		obsWith(2, image.Pt(320, 200)),
	}}
	d := &fakeDispatcher{}
	quit := RendererFunc(func(context.Context, Report) error { return ErrStopRequested })

	s := newSession(src, d, fastConfig(), WithRenderers(quit))
	require.NoError(t, s.Run(context.Background()))
	assert.Equal(t, 1, src.calls)
	assert.Equal(t, 1, d.Shutdowns())
}

func TestSession_RendererErrorsAreIgnored(t *testing.T) {
	src := &fakeSource{steps: []step{obsWith(1), obsWith(2)}}
	d := &fakeDispatcher{}
	broken := RendererFunc(func(context.Context, Report) error { return errors.New("window closed") })

	require.NoError(t, newSession(src, d, fastConfig(), WithRenderers(broken)).Run(context.Background()))
	assert.Len(t, d.Commands(), 2)
}

func TestSession_CancelRunsFailSafeWithFreshContext(t *testing.T) {
	src := &fakeSource{steps: []step{obsWith(1, image.Pt(320, 200))}, block: true}
	d := &fakeDispatcher{}
	s := newSession(src, d, fastConfig())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return len(d.Commands()) == 1 }, time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	assert.Equal(t, 1, d.shutdowns)
	assert.NoError(t, d.shutdownErr, "fail-safe must not inherit the cancelled context")
	assert.True(t, d.hadDeadline, "fail-safe must be bounded")
}

func TestSession_Stop(t *testing.T) {
	steps := make([]step, 0, 10000)
	for i := 0; i < cap(steps); i++ {
		steps = append(steps, obsWith(uint64(i+1)))
	}
	src := &fakeSource{steps: steps}
	d := &fakeDispatcher{}
	cfg := fastConfig()
	cfg.FrameInterval = time.Millisecond
	s := newSession(src, d, cfg)

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()

	require.Eventually(t, func() bool { return len(d.Commands()) >= 3 }, time.Second, time.Millisecond)
	s.Stop()
	s.Stop()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Stop")
	}
	assert.Equal(t, 1, d.Shutdowns())

	r, ok := s.Latest()
	require.True(t, ok)
	assert.Equal(t, s.ID(), r.SessionID)
}

func TestSession_RunOnce(t *testing.T) {
	s := newSession(&fakeSource{}, &fakeDispatcher{}, fastConfig())
	require.NoError(t, s.Run(context.Background()))
	assert.Error(t, s.Run(context.Background()))
}

func TestSession_Smoothing(t *testing.T) {
	left, right := image.Pt(100, 200), image.Pt(540, 200)
	src := &fakeSource{steps: []step{
		obsWith(1, left),
		obsWith(2, left),
		obsWith(3, right), // outvoted
		obsWith(4, right), // now the majority of the last 3
		obsWith(5),        // target lost
	}}
	d := &fakeDispatcher{}
	ncfg := navigation.DefaultConfig()
	ncfg.SmoothingWindow = 3

	s := New(src, navigation.NewMapper(ncfg), d, fastConfig(), WithLogger(log.Discard()))
	require.NoError(t, s.Run(context.Background()))

	assert.Equal(t,
		[]command.Command{command.Left, command.Left, command.Left, command.Right, command.Stop},
		d.Commands())
}

func TestSession_ReportCarriesDecision(t *testing.T) {
	src := &fakeSource{steps: []step{obsWith(7, image.Pt(320, 400), image.Pt(100, 100))}}
	reports := &reportLog{}
	s := newSession(src, &fakeDispatcher{}, fastConfig(), WithRenderers(reports), WithID("test-session"))
	require.NoError(t, s.Run(context.Background()))

	require.Len(t, reports.reports, 1)
	r := reports.reports[0]
	assert.Equal(t, "test-session", r.SessionID)
	assert.Equal(t, uint64(7), r.Observation.Seq)
	assert.True(t, r.HasTarget)
	cx, cy := r.Target.Center()
	assert.Equal(t, 320.0, cx)
	assert.Equal(t, 400.0, cy)
	assert.Equal(t, command.Collect, r.Raw)
	assert.Equal(t, command.Collect, r.LastSent)
	assert.Equal(t, 100.0, r.Tolerances.ToleranceY)
}

func TestConfig_Validate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.ShutdownTimeout = 0
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.MaxConsecutiveFailures = -1
	assert.Error(t, cfg.Validate())
}
