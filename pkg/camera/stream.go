package camera

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"time"

	"gocv.io/x/gocv"

	"github.com/teslashibe/go-collector/internal/log"
	"github.com/teslashibe/go-collector/pkg/perception"
)

var errReconnecting = errors.New("camera: waiting to reconnect")

// Stream reads BGR frames from the phone stream with OpenCV. A dropped
// network stream is reopened after ReconnectDelay; meanwhile Read returns
// a transient error so the control cycle's failure policy applies.
type Stream struct {
	cfg    Config
	url    string
	logger *slog.Logger

	cap       *gocv.VideoCapture
	raw       gocv.Mat
	frame     gocv.Mat
	lastOpen  time.Time
	openCount int
}

// Open connects to the stream. Failing to open at start-up is fatal.
func Open(cfg Config, logger *slog.Logger) (*Stream, error) {
	if logger == nil {
		logger = log.With("component", "camera")
	}
	s := &Stream{
		cfg:    cfg,
		url:    cfg.StreamURL(),
		logger: logger,
		raw:    gocv.NewMat(),
		frame:  gocv.NewMat(),
	}
	if err := s.open(); err != nil {
		s.Close()
		return nil, fmt.Errorf("%w: %v", perception.ErrSourceFailed, err)
	}
	return s, nil
}

func (s *Stream) open() error {
	s.lastOpen = time.Now()
	vc, err := gocv.OpenVideoCapture(s.url)
	if err != nil {
		return fmt.Errorf("open %s: %w", s.url, err)
	}
	if !vc.IsOpened() {
		vc.Close()
		return fmt.Errorf("open %s: stream not available", s.url)
	}
	vc.Set(gocv.VideoCaptureFrameWidth, float64(s.cfg.Width))
	vc.Set(gocv.VideoCaptureFrameHeight, float64(s.cfg.Height))

	s.cap = vc
	s.openCount++
	s.logger.Info("video stream open", "url", s.url, "attempt", s.openCount)
	return nil
}

// Read returns the next frame, resized to the configured resolution. The
// Mat is owned by the stream and valid until the next Read.
func (s *Stream) Read(ctx context.Context) (gocv.Mat, error) {
	if err := ctx.Err(); err != nil {
		return gocv.Mat{}, err
	}

	if s.cap == nil {
		if time.Since(s.lastOpen) < s.cfg.ReconnectDelay {
			return gocv.Mat{}, errReconnecting
		}
		if err := s.open(); err != nil {
			return gocv.Mat{}, err
		}
	}

	if ok := s.cap.Read(&s.raw); !ok || s.raw.Empty() {
		if s.cfg.IsFile() {
			return gocv.Mat{}, perception.ErrEndOfStream
		}
		s.logger.Warn("video stream dropped", "url", s.url)
		s.cap.Close()
		s.cap = nil
		return gocv.Mat{}, fmt.Errorf("read %s: no frame", s.url)
	}

	want := image.Pt(s.cfg.Width, s.cfg.Height)
	if s.raw.Cols() == want.X && s.raw.Rows() == want.Y {
		return s.raw, nil
	}
	gocv.Resize(s.raw, &s.frame, want, 0, 0, gocv.InterpolationLinear)
	return s.frame, nil
}

// URL returns the stream location.
func (s *Stream) URL() string {
	return s.url
}

// Close releases the capture device and buffers.
func (s *Stream) Close() error {
	if s.cap != nil {
		s.cap.Close()
		s.cap = nil
	}
	s.raw.Close()
	s.frame.Close()
	return nil
}
