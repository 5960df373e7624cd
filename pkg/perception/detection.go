// Package perception defines the data contract between object detectors and
// the collector's decision engine.
package perception

import (
	"errors"
	"image"
	"time"
)

var (
	// ErrEndOfStream is returned by a source when no more frames will arrive.
	// The control cycle treats it as a normal stop.
	ErrEndOfStream = errors.New("perception: end of stream")

	// ErrSourceFailed marks a source failure that retrying cannot fix.
	ErrSourceFailed = errors.New("perception: source failed")
)

// Detection is one object reported for one frame, in frame pixel coordinates.
type Detection struct {
	Label      string          // Category name, informational only
	Confidence float64         // Detector confidence (0-1), already thresholded
	Box        image.Rectangle // Bounding box, Min inclusive, Max exclusive
}

// Center returns the midpoint of the bounding box.
func (d Detection) Center() (cx, cy float64) {
	return float64(d.Box.Min.X+d.Box.Max.X) / 2, float64(d.Box.Min.Y+d.Box.Max.Y) / 2
}

// Area returns width*height of the bounding box, or 0 for an empty box.
func (d Detection) Area() float64 {
	if d.Box.Empty() {
		return 0
	}
	return float64(d.Box.Dx()) * float64(d.Box.Dy())
}

// Valid reports whether the detection can take part in target selection.
func (d Detection) Valid() bool {
	return d.Area() > 0 && d.Confidence >= 0 && d.Confidence <= 1
}

// Observation is every detection reported for a single frame.
type Observation struct {
	Seq         uint64    // Frame sequence number within the session
	CapturedAt  time.Time // When the frame was read from the source
	FrameWidth  int
	FrameHeight int
	Detections  []Detection // Emission order, used for tie-breaking
}

// Empty reports whether the observation has no detections.
func (o Observation) Empty() bool {
	return len(o.Detections) == 0
}

// Bounds returns the frame rectangle.
func (o Observation) Bounds() image.Rectangle {
	return image.Rect(0, 0, o.FrameWidth, o.FrameHeight)
}
