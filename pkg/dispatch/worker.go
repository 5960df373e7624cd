package dispatch

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/teslashibe/go-collector/pkg/command"
)

type request struct {
	cmd command.Command
	at  time.Time
}

// Worker runs a Governor on its own goroutine so a slow actuator link never
// stalls frame processing. It holds at most one pending command: a newer
// submission replaces a pending one that has not started yet.
type Worker struct {
	gov *Governor

	mailbox chan request
	quit    chan struct{}
	done    chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once
	closeErr  error

	dropped atomic.Uint64
}

// NewWorker starts a worker that feeds gov.
func NewWorker(gov *Governor) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	w := &Worker{
		gov:     gov,
		mailbox: make(chan request, 1),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
	go w.run()
	return w
}

func (w *Worker) run() {
	defer close(w.done)

	for {
		select {
		case <-w.quit:
			return
		case req := <-w.mailbox:
			select {
			case <-w.quit:
				return
			default:
			}
			w.gov.Offer(w.ctx, req.cmd, req.at)
		}
	}
}

// Submit queues cmd without blocking, replacing any stale pending command.
func (w *Worker) Submit(cmd command.Command, at time.Time) {
	select {
	case <-w.quit:
		return
	default:
	}

	req := request{cmd: cmd, at: at}
	for {
		select {
		case w.mailbox <- req:
			return
		default:
		}

		select {
		case <-w.mailbox:
			w.dropped.Add(1)
		default:
		}
	}
}

// Dispatch implements the control cycle's dispatcher contract.
func (w *Worker) Dispatch(_ context.Context, cmd command.Command, now time.Time) {
	w.Submit(cmd, now)
}

// Dropped returns how many pending commands were replaced before sending.
func (w *Worker) Dropped() uint64 {
	return w.dropped.Load()
}

// Shutdown stops the worker, discards any pending command, waits for the
// in-flight attempt (bounded by ctx), then issues the governor's forced STOP.
func (w *Worker) Shutdown(ctx context.Context) error {
	w.closeOnce.Do(func() {
		close(w.quit)

		select {
		case <-w.done:
		case <-ctx.Done():
			// Abandon the in-flight attempt; the STOP below must still go out.
			w.cancel()
			<-w.done
		}

		select {
		case <-w.mailbox:
			w.dropped.Add(1)
		default:
		}

		w.closeErr = w.gov.Shutdown(context.WithoutCancel(ctx))
		w.cancel()
	})
	return w.closeErr
}

// LastSent reads the governor's last acknowledged command.
func (w *Worker) LastSent() (command.Command, time.Time, bool) {
	return w.gov.LastSent()
}

// Governor returns the underlying governor.
func (w *Worker) Governor() *Governor {
	return w.gov
}
