package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/teslashibe/go-collector/internal/log"
	"github.com/teslashibe/go-collector/pkg/command"
)

// errorLogInterval throttles repeated transport failure logs.
const errorLogInterval = 5 * time.Second

// Outcome is what the governor did with an offered command.
type Outcome int

const (
	Sent Outcome = iota
	Failed
	SuppressedDuplicate
	SuppressedRateLimit
	Rejected // governor already shut down
)

func (o Outcome) String() string {
	switch o {
	case Sent:
		return "sent"
	case Failed:
		return "failed"
	case SuppressedDuplicate:
		return "duplicate"
	case SuppressedRateLimit:
		return "rate_limited"
	case Rejected:
		return "rejected"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// Decision reports the handling of one offered command.
type Decision struct {
	Requested command.Command // As offered, possibly invalid
	Command   command.Command // After fail-safe substitution
	Outcome   Outcome
	Err       error // Transport error for Failed, ErrClosed for Rejected
}

// State is the governor's dispatch memory.
type State struct {
	LastSent          command.Command // Last command the controller acknowledged
	HasSent           bool
	LastSentAt        time.Time // Last attempt time, success or failure
	LastAttempt       command.Command
	LastAttemptFailed bool
}

// Stats counts what the governor has done since creation.
type Stats struct {
	Offered     uint64 `json:"offered"`
	Substituted uint64 `json:"substituted"`
	Attempts    uint64 `json:"attempts"`
	Sent        uint64 `json:"sent"`
	Failures    uint64 `json:"failures"`
	Duplicates  uint64 `json:"duplicates"`
	RateLimited uint64 `json:"rate_limited"`
}

// Governor decides whether each computed command reaches the transport.
// Offer and Shutdown must be called from a single goroutine (the control
// cycle or the Worker); State, Stats and LastSent are safe from any goroutine.
type Governor struct {
	transport Transport
	cfg       Config
	recorder  Recorder
	logger    *slog.Logger
	clock     func() time.Time

	mu     sync.RWMutex
	state  State
	stats  Stats
	closed bool

	lastErrorLog time.Time
}

// NewGovernor creates a governor that transmits through transport.
func NewGovernor(transport Transport, cfg Config, opts ...Option) *Governor {
	o := options{
		logger: log.With("component", "dispatch"),
		clock:  time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = DefaultConfig().SendTimeout
	}

	return &Governor{
		transport: transport,
		cfg:       cfg,
		recorder:  o.recorder,
		logger:    o.logger,
		clock:     o.clock,
	}
}

// Offer considers cmd, computed at now, for transmission.
func (g *Governor) Offer(ctx context.Context, cmd command.Command, now time.Time) Decision {
	d := Decision{Requested: cmd, Command: command.Sanitize(cmd)}

	g.mu.Lock()
	g.stats.Offered++
	if d.Command != cmd {
		g.stats.Substituted++
	}
	if g.closed {
		g.mu.Unlock()
		d.Outcome, d.Err = Rejected, ErrClosed
		return d
	}
	outcome, admit := g.gate(d.Command, now)
	switch outcome {
	case SuppressedDuplicate:
		g.stats.Duplicates++
	case SuppressedRateLimit:
		g.stats.RateLimited++
	}
	g.mu.Unlock()

	if !admit {
		d.Outcome = outcome
		return d
	}

	d.Err = g.attempt(ctx, d.Command, now, false)
	d.Outcome = Sent
	if d.Err != nil {
		d.Outcome = Failed
	}
	return d
}

// gate applies deduplication then rate limiting. Caller holds g.mu.
func (g *Governor) gate(cmd command.Command, now time.Time) (Outcome, bool) {
	s := g.state
	elapsed := now.Sub(s.LastSentAt)

	// After a failed attempt the controller state is unknown, so nothing
	// counts as a duplicate until a send succeeds again.
	if g.cfg.Deduplicate && s.HasSent && !s.LastAttemptFailed && cmd == s.LastSent {
		keepAliveDue := g.cfg.KeepAlive > 0 && elapsed >= g.cfg.KeepAlive
		if !keepAliveDue {
			return SuppressedDuplicate, false
		}
	}

	if s.LastSentAt.IsZero() || elapsed >= g.cfg.CommandInterval {
		return Sent, true
	}

	// A move to STOP goes out immediately, unless the previous attempt was
	// a STOP that failed; then the interval applies so a dead link is not
	// hammered every frame.
	stopTransition := cmd == command.Stop && !(s.HasSent && s.LastSent == command.Stop)
	retryingFailedStop := s.LastAttempt == command.Stop && s.LastAttemptFailed
	if stopTransition && !retryingFailedStop {
		return Sent, true
	}

	return SuppressedRateLimit, false
}

// attempt performs one transport call and updates state.
func (g *Governor) attempt(ctx context.Context, cmd command.Command, now time.Time, forced bool) error {
	sendCtx, cancel := context.WithTimeout(ctx, g.cfg.SendTimeout)
	defer cancel()

	start := time.Now()
	err := g.transport.Send(sendCtx, Message{Command: cmd, Timestamp: now})
	latency := time.Since(start)

	g.mu.Lock()
	g.stats.Attempts++
	g.state.LastSentAt = now
	g.state.LastAttempt = cmd
	g.state.LastAttemptFailed = err != nil
	if err == nil {
		g.stats.Sent++
		g.state.LastSent = cmd
		g.state.HasSent = true
	} else {
		g.stats.Failures++
	}
	failures := g.stats.Failures
	g.mu.Unlock()

	if err == nil {
		g.logger.Info("command sent", "command", cmd, "forced", forced, "latency", latency)
	} else if forced || g.lastErrorLog.IsZero() || now.Sub(g.lastErrorLog) > errorLogInterval {
		g.logger.Warn("command not delivered", "command", cmd, "forced", forced, "error", err, "total_failures", failures)
		g.lastErrorLog = now
	}

	if g.recorder != nil {
		g.recorder.RecordAttempt(Attempt{
			Command:  cmd,
			IssuedAt: now,
			Latency:  latency,
			Forced:   forced,
			Err:      err,
		})
	}

	if err != nil {
		return fmt.Errorf("send %s: %w", cmd, err)
	}
	return nil
}

// Shutdown transmits one STOP regardless of prior state, deduplication or
// rate limiting. Later calls, and any later Offer, do nothing.
func (g *Governor) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	g.mu.Unlock()

	return g.attempt(ctx, command.Stop, g.clock(), true)
}

// Dispatch offers cmd and discards the decision. It lets the Governor stand
// in for a Worker when transmissions run inline with the control cycle.
func (g *Governor) Dispatch(ctx context.Context, cmd command.Command, now time.Time) {
	g.Offer(ctx, cmd, now)
}

// LastSent returns the last acknowledged command and when it was attempted.
func (g *Governor) LastSent() (command.Command, time.Time, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.state.LastSent, g.state.LastSentAt, g.state.HasSent
}

// State returns a snapshot of the dispatch state.
func (g *Governor) State() State {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.state
}

// Stats returns a snapshot of the counters.
func (g *Governor) Stats() Stats {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.stats
}

// Config returns the dispatch policy.
func (g *Governor) Config() Config {
	return g.cfg
}
