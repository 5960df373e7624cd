package camera

import (
	"context"
	"fmt"
	"time"

	"gocv.io/x/gocv"

	"github.com/teslashibe/go-collector/pkg/perception"
	"github.com/teslashibe/go-collector/pkg/perception/detector"
)

// FrameReader yields frames. The returned Mat is borrowed until the next call.
type FrameReader interface {
	Read(ctx context.Context) (gocv.Mat, error)
}

// Source runs a detector over each frame and reports an Observation, which
// is what the control cycle consumes.
type Source struct {
	frames   FrameReader
	detector detector.Detector
	clock    func() time.Time

	seq     uint64
	current gocv.Mat
}

// NewSource pairs a frame reader with a detector.
func NewSource(frames FrameReader, det detector.Detector) *Source {
	return &Source{
		frames:   frames,
		detector: det,
		clock:    time.Now,
	}
}

// Next reads and analyses one frame.
func (s *Source) Next(ctx context.Context) (perception.Observation, error) {
	frame, err := s.frames.Read(ctx)
	if err != nil {
		return perception.Observation{}, err
	}
	captured := s.clock()

	dets, err := s.detector.Detect(frame)
	if err != nil {
		return perception.Observation{}, fmt.Errorf("detect: %w", err)
	}

	valid := dets[:0]
	for _, d := range dets {
		if d.Valid() {
			valid = append(valid, d)
		}
	}

	s.seq++
	s.current = frame
	return perception.Observation{
		Seq:         s.seq,
		CapturedAt:  captured,
		FrameWidth:  frame.Cols(),
		FrameHeight: frame.Rows(),
		Detections:  valid,
	}, nil
}

// Frame returns the frame behind the last observation. It is only valid
// until the next call to Next, which is enough for renderers called within
// the same cycle.
func (s *Source) Frame() gocv.Mat {
	return s.current
}
