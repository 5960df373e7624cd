package navigation

import "github.com/teslashibe/go-collector/pkg/command"

// Smoother stabilises the command stream by majority vote over the last N
// decisions. Ties go to the most recent command. A window of 1 or less
// passes commands through unchanged.
type Smoother struct {
	window  int
	history []command.Command
}

// NewSmoother creates a smoother over the given window.
func NewSmoother(window int) *Smoother {
	if window < 1 {
		window = 1
	}
	return &Smoother{
		window:  window,
		history: make([]command.Command, 0, window),
	}
}

// Enabled reports whether the smoother does anything.
func (s *Smoother) Enabled() bool {
	return s.window > 1
}

// Push records cmd and returns the smoothed command.
func (s *Smoother) Push(cmd command.Command) command.Command {
	if !s.Enabled() {
		return cmd
	}

	if len(s.history) == s.window {
		copy(s.history, s.history[1:])
		s.history = s.history[:s.window-1]
	}
	s.history = append(s.history, cmd)

	counts := make(map[command.Command]int, len(command.All))
	for _, c := range s.history {
		counts[c]++
	}

	// Walk newest to oldest so ties resolve to the most recent command.
	best, bestCount := cmd, 0
	for i := len(s.history) - 1; i >= 0; i-- {
		c := s.history[i]
		if counts[c] > bestCount {
			best, bestCount = c, counts[c]
		}
	}
	return best
}

// Reset clears the history.
func (s *Smoother) Reset() {
	s.history = s.history[:0]
}

// Len returns how many decisions are held.
func (s *Smoother) Len() int {
	return len(s.history)
}
