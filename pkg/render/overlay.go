// Package render draws the decision overlay on camera frames and shows it in
// a local window and/or hands it to the dashboard.
package render

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"log/slog"

	"gocv.io/x/gocv"

	"github.com/teslashibe/go-collector/internal/log"
	"github.com/teslashibe/go-collector/pkg/cycle"
)

var (
	boxColor    = color.RGBA{G: 255, A: 255}
	targetColor = color.RGBA{R: 255, A: 255}
	centerColor = color.RGBA{B: 255, A: 255}
	bandColor   = color.RGBA{R: 255, G: 255, A: 255}
	zoneColor   = color.RGBA{R: 128, G: 128, B: 128, A: 255}
	textColor   = color.RGBA{R: 255, G: 255, B: 255, A: 255}
)

// Keys that end the session from the window.
const (
	keyQuit   = 'q'
	keyEscape = 27
)

// Config selects the overlay outputs.
type Config struct {
	Window bool   `yaml:"window"`
	Title  string `yaml:"title"`
}

// DefaultConfig shows a window titled like the original operator view.
func DefaultConfig() Config {
	return Config{Window: true, Title: "Collector"}
}

// FrameProvider exposes the frame behind the current observation.
// *camera.Source satisfies it.
type FrameProvider interface {
	Frame() gocv.Mat
}

// FrameSink receives annotated frames, e.g. web.Server.SendFrame.
type FrameSink func(img image.Image)

// Option configures an Overlay.
type Option func(*Overlay)

// WithSink adds a consumer of annotated frames. When wants is not nil the
// frame is only converted and handed over while wants reports true.
func WithSink(sink FrameSink, wants func() bool) Option {
	return func(o *Overlay) {
		o.sink = sink
		o.wants = wants
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Overlay) {
		o.logger = logger
	}
}

// Overlay is a cycle.Renderer drawing boxes, guides and the command.
type Overlay struct {
	frames FrameProvider
	window *gocv.Window
	sink   FrameSink
	wants  func() bool
	canvas gocv.Mat
	logger *slog.Logger
}

// New creates an overlay renderer. The window, if enabled, is opened here;
// call New from the main goroutine.
func New(frames FrameProvider, cfg Config, opts ...Option) *Overlay {
	o := &Overlay{
		frames: frames,
		canvas: gocv.NewMat(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = log.With("component", "render")
	}
	if cfg.Window {
		title := cfg.Title
		if title == "" {
			title = DefaultConfig().Title
		}
		o.window = gocv.NewWindow(title)
	}
	return o
}

// Render draws the report on a copy of the current frame. Pressing q or
// Esc in the window returns cycle.ErrStopRequested.
func (o *Overlay) Render(_ context.Context, r cycle.Report) error {
	toSink := o.sink != nil && (o.wants == nil || o.wants())
	if !toSink && o.window == nil {
		return nil
	}

	frame := o.frames.Frame()
	if frame.Empty() {
		return nil
	}
	if err := frame.CopyTo(&o.canvas); err != nil {
		return fmt.Errorf("copy frame: %w", err)
	}
	Draw(&o.canvas, r)

	if toSink {
		img, err := o.canvas.ToImage()
		if err != nil {
			return fmt.Errorf("convert frame: %w", err)
		}
		o.sink(img)
	}

	if o.window != nil {
		o.window.IMShow(o.canvas)
		switch o.window.WaitKey(1) {
		case keyQuit, keyEscape:
			return cycle.ErrStopRequested
		}
	}
	return nil
}

// Close releases the window and the drawing buffer.
func (o *Overlay) Close() error {
	if o.window != nil {
		o.window.Close()
	}
	return o.canvas.Close()
}

// Draw paints the overlay for r onto img.
func Draw(img *gocv.Mat, r cycle.Report) {
	l := layoutFor(r)

	gocv.Line(img, l.centerLine[0], l.centerLine[1], centerColor, 1)
	for _, z := range l.deadZone {
		gocv.Line(img, z[0], z[1], zoneColor, 1)
	}
	gocv.Line(img, l.band[0], l.band[1], bandColor, 1)

	for _, b := range l.boxes {
		c := boxColor
		if b.target {
			c = targetColor
		}
		gocv.Rectangle(img, b.rect, c, 2)
		gocv.Circle(img, b.center, 5, targetColor, -1)
		gocv.PutText(img, b.label, b.labelAt, gocv.FontHersheySimplex, 0.5, c, 2)
	}

	gocv.PutText(img, l.status, image.Pt(10, 30), gocv.FontHersheySimplex, 1, textColor, 2)
}

type boxLayout struct {
	rect    image.Rectangle
	center  image.Point
	label   string
	labelAt image.Point
	target  bool
}

type layout struct {
	centerLine [2]image.Point
	deadZone   [][2]image.Point
	band       [2]image.Point
	boxes      []boxLayout
	status     string
}

// layoutFor computes every overlay primitive for r.
func layoutFor(r cycle.Report) layout {
	w, h := r.Observation.FrameWidth, r.Observation.FrameHeight
	mid := w / 2
	bandY := h - int(r.Tolerances.ToleranceY)
	if bandY < 0 {
		bandY = 0
	}

	l := layout{
		centerLine: [2]image.Point{image.Pt(mid, 0), image.Pt(mid, h)},
		band:       [2]image.Point{image.Pt(0, bandY), image.Pt(w, bandY)},
		status:     "Command: " + r.Command.String(),
	}
	if tx := int(r.Tolerances.ToleranceX); tx > 0 {
		l.deadZone = [][2]image.Point{
			{image.Pt(mid-tx, 0), image.Pt(mid-tx, h)},
			{image.Pt(mid+tx, 0), image.Pt(mid+tx, h)},
		}
	}

	for _, d := range r.Observation.Detections {
		cx, cy := d.Center()
		at := image.Pt(d.Box.Min.X, d.Box.Min.Y-10)
		if at.Y < 15 {
			at.Y = d.Box.Max.Y + 20
		}
		l.boxes = append(l.boxes, boxLayout{
			rect:    d.Box,
			center:  image.Pt(int(cx), int(cy)),
			label:   fmt.Sprintf("%s: %.2f", d.Label, d.Confidence),
			labelAt: at,
			target:  r.HasTarget && d.Box == r.Target.Box && d.Label == r.Target.Label,
		})
	}
	return l
}
