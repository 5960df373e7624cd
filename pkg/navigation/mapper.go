package navigation

import (
	"fmt"
	"sync"

	"github.com/teslashibe/go-collector/pkg/command"
	"github.com/teslashibe/go-collector/pkg/perception"
)

// Config holds the geometric thresholds of the command policy.
type Config struct {
	ToleranceX float64 `yaml:"tolerance_x" json:"tolerance_x"` // Half-width of the horizontal dead-zone (px)
	ToleranceY float64 `yaml:"tolerance_y" json:"tolerance_y"` // Height of the proximity band above the bottom edge (px)

	// SmoothingWindow enables majority voting over the last N commands.
	// Values <= 1 disable smoothing.
	SmoothingWindow int `yaml:"smoothing_window" json:"smoothing_window"`
}

// DefaultConfig returns the thresholds used on the 640x480 phone stream.
func DefaultConfig() Config {
	return Config{
		ToleranceX:      50,
		ToleranceY:      100,
		SmoothingWindow: 1,
	}
}

// Validate checks the thresholds are usable.
func (c Config) Validate() error {
	if c.ToleranceX < 0 {
		return fmt.Errorf("tolerance_x must be >= 0, got %v", c.ToleranceX)
	}
	if c.ToleranceY < 0 {
		return fmt.Errorf("tolerance_y must be >= 0, got %v", c.ToleranceY)
	}
	return nil
}

// MapPosition is the command policy. First match wins:
// proximity band -> COLLECT, left of dead-zone -> LEFT,
// right of dead-zone -> RIGHT, otherwise FORWARD.
func MapPosition(cfg Config, cx, cy float64, frameWidth, frameHeight int) command.Command {
	centerX := float64(frameWidth) / 2

	switch {
	case cy > float64(frameHeight)-cfg.ToleranceY:
		return command.Collect
	case cx < centerX-cfg.ToleranceX:
		return command.Left
	case cx > centerX+cfg.ToleranceX:
		return command.Right
	default:
		return command.Forward
	}
}

// Mapper applies the command policy with thresholds that can be tuned while
// the control cycle is running.
type Mapper struct {
	mu  sync.RWMutex
	cfg Config
}

// NewMapper creates a mapper with the given thresholds.
func NewMapper(cfg Config) *Mapper {
	return &Mapper{cfg: cfg}
}

// Map returns the command for the selected target. No target means STOP.
func (m *Mapper) Map(target perception.Detection, ok bool, frameWidth, frameHeight int) command.Command {
	if !ok {
		return command.Stop
	}
	cx, cy := target.Center()
	return MapPosition(m.Config(), cx, cy, frameWidth, frameHeight)
}

// Decide runs selection and mapping for one observation.
func (m *Mapper) Decide(obs perception.Observation) (perception.Detection, bool, command.Command) {
	target, ok := SelectTarget(obs)
	return target, ok, m.Map(target, ok, obs.FrameWidth, obs.FrameHeight)
}

// Config returns the current thresholds.
func (m *Mapper) Config() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// SetTolerances updates the thresholds at runtime. Zero is allowed:
// a zero dead-zone steers on every pixel of offset.
func (m *Mapper) SetTolerances(toleranceX, toleranceY float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	next := m.cfg
	next.ToleranceX, next.ToleranceY = toleranceX, toleranceY
	if err := next.Validate(); err != nil {
		return err
	}
	m.cfg = next
	return nil
}
