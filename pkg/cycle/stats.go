package cycle

import (
	"sort"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/teslashibe/go-collector/pkg/command"
)

// latencyWindow is how many recent cycle latencies feed the statistics.
const latencyWindow = 256

// Stats summarises a session.
type Stats struct {
	StartedAt     time.Time                  `json:"started_at"`
	EndedAt       time.Time                  `json:"ended_at,omitempty"`
	EndReason     string                     `json:"end_reason,omitempty"`
	Frames        uint64                     `json:"frames"`
	Failures      uint64                     `json:"failures"`
	Commands      map[command.Command]uint64 `json:"commands"`
	MeanLatencyMs float64                    `json:"mean_latency_ms"`
	StdLatencyMs  float64                    `json:"std_latency_ms"`
	P95LatencyMs  float64                    `json:"p95_latency_ms"`
	FPS           float64                    `json:"fps"`
}

type statsRecorder struct {
	mu        sync.Mutex
	stats     Stats
	latencies []float64 // ring buffer, milliseconds
	next      int
}

func newStatsRecorder() *statsRecorder {
	return &statsRecorder{
		stats:     Stats{Commands: make(map[command.Command]uint64, len(command.All))},
		latencies: make([]float64, 0, latencyWindow),
	}
}

func (r *statsRecorder) start(at time.Time) {
	r.mu.Lock()
	r.stats.StartedAt = at
	r.mu.Unlock()
}

func (r *statsRecorder) finish(at time.Time, reason string) {
	r.mu.Lock()
	r.stats.EndedAt = at
	r.stats.EndReason = reason
	r.mu.Unlock()
}

func (r *statsRecorder) failure() {
	r.mu.Lock()
	r.stats.Failures++
	r.mu.Unlock()
}

func (r *statsRecorder) frame(cmd command.Command, latency time.Duration) {
	ms := float64(latency) / float64(time.Millisecond)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.stats.Frames++
	r.stats.Commands[cmd]++
	if len(r.latencies) < latencyWindow {
		r.latencies = append(r.latencies, ms)
	} else {
		r.latencies[r.next] = ms
	}
	r.next = (r.next + 1) % latencyWindow
}

func (r *statsRecorder) snapshot() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := r.stats
	out.Commands = make(map[command.Command]uint64, len(r.stats.Commands))
	for k, v := range r.stats.Commands {
		out.Commands[k] = v
	}

	if n := len(r.latencies); n > 0 {
		sorted := make([]float64, n)
		copy(sorted, r.latencies)
		sort.Float64s(sorted)
		out.MeanLatencyMs, out.StdLatencyMs = stat.MeanStdDev(sorted, nil)
		out.P95LatencyMs = stat.Quantile(0.95, stat.Empirical, sorted, nil)
		if n == 1 {
			out.StdLatencyMs = 0
		}
	}

	end := out.EndedAt
	if end.IsZero() {
		end = time.Now()
	}
	if elapsed := end.Sub(out.StartedAt).Seconds(); !out.StartedAt.IsZero() && elapsed > 0 {
		out.FPS = float64(out.Frames) / elapsed
	}
	return out
}
