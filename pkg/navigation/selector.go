// Package navigation turns a frame's detections into a single navigation
// command: pick the most actionable target, then map its position to a move.
package navigation

import "github.com/teslashibe/go-collector/pkg/perception"

// Priority scores a detection for target selection.
// Larger boxes and boxes lower in the frame (nearer the robot with a
// forward-down camera) score higher: area * (1 + cy/frameHeight).
// Area dominates: the vertical term at most doubles a score.
func Priority(d perception.Detection, frameHeight int) float64 {
	area := d.Area()
	if area <= 0 || frameHeight <= 0 {
		return 0
	}
	_, cy := d.Center()
	return area * (1 + cy/float64(frameHeight))
}

// SelectTarget picks the detection with the highest priority.
// Equal priorities keep the earliest detection in emission order.
// Returns false when there is nothing selectable.
func SelectTarget(obs perception.Observation) (perception.Detection, bool) {
	var (
		best      perception.Detection
		bestScore float64
		found     bool
	)

	for _, d := range obs.Detections {
		if d.Area() <= 0 {
			continue
		}
		score := Priority(d, obs.FrameHeight)
		if !found || score > bestScore {
			best, bestScore, found = d, score, true
		}
	}

	return best, found
}
