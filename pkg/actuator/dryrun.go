package actuator

import (
	"context"
	"log/slog"

	"github.com/teslashibe/go-collector/pkg/dispatch"
)

// DryRun logs every command and always succeeds. Useful for bench runs
// without a controller on the network.
type DryRun struct {
	logger *slog.Logger
}

// NewDryRun creates a dry-run transport.
func NewDryRun(opts ...Option) *DryRun {
	o := buildOptions(opts)
	return &DryRun{logger: o.logger.With("transport", KindDryRun)}
}

func (d *DryRun) Send(_ context.Context, msg dispatch.Message) error {
	d.logger.Info("dry-run command", "command", msg.Command, "timestamp", msg.Timestamp)
	return nil
}

func (d *DryRun) Close() error { return nil }
