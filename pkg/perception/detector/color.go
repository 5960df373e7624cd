package detector

import (
	"image"

	"gocv.io/x/gocv"

	"github.com/teslashibe/go-collector/pkg/perception"
)

// HSVRange is an inclusive OpenCV HSV range (H 0-180, S and V 0-255).
type HSVRange struct {
	Label string
	Lower [3]float64
	Upper [3]float64
}

// ColorConfig tunes the colour-mask detector.
type ColorConfig struct {
	Ranges     []HSVRange
	KernelSize int     // Square morphology kernel
	MinArea    float64 // Exclusive contour area bounds in px²
	MaxArea    float64
}

// DefaultColorConfig detects white paper and colourful wrappers.
func DefaultColorConfig() ColorConfig {
	return ColorConfig{
		Ranges: []HSVRange{
			{Label: "white_paper", Lower: [3]float64{0, 0, 200}, Upper: [3]float64{180, 30, 255}},
			{Label: "wrapper", Lower: [3]float64{0, 50, 50}, Upper: [3]float64{180, 255, 255}},
		},
		KernelSize: 5,
		MinArea:    500,
		MaxArea:    50000,
	}
}

// ColorMask finds blobs of the configured colours. It needs no model and
// works as a fallback when the YOLO weights are not available.
type ColorMask struct {
	cfg    ColorConfig
	kernel gocv.Mat
}

// NewColorMask creates a colour-mask detector.
func NewColorMask(cfg ColorConfig) *ColorMask {
	k := cfg.KernelSize
	if k <= 0 {
		k = 5
	}
	return &ColorMask{
		cfg:    cfg,
		kernel: gocv.GetStructuringElement(gocv.MorphRect, image.Pt(k, k)),
	}
}

// Detect thresholds the frame in HSV per range, cleans the mask with an
// open/close pass and keeps contours within the area bounds.
func (c *ColorMask) Detect(frame gocv.Mat) ([]perception.Detection, error) {
	if frame.Empty() {
		return nil, nil
	}

	hsv := gocv.NewMat()
	defer hsv.Close()
	gocv.CvtColor(frame, &hsv, gocv.ColorBGRToHSV)

	mask := gocv.NewMat()
	defer mask.Close()

	var dets []perception.Detection
	for _, r := range c.cfg.Ranges {
		lower := gocv.NewScalar(r.Lower[0], r.Lower[1], r.Lower[2], 0)
		upper := gocv.NewScalar(r.Upper[0], r.Upper[1], r.Upper[2], 0)
		gocv.InRangeWithScalar(hsv, lower, upper, &mask)
		gocv.MorphologyEx(mask, &mask, gocv.MorphOpen, c.kernel)
		gocv.MorphologyEx(mask, &mask, gocv.MorphClose, c.kernel)

		contours := gocv.FindContours(mask, gocv.RetrievalExternal, gocv.ChainApproxSimple)
		for i := 0; i < contours.Size(); i++ {
			contour := contours.At(i)
			area := gocv.ContourArea(contour)
			if !areaInRange(area, c.cfg.MinArea, c.cfg.MaxArea) {
				continue
			}
			box, ok := clampBox(gocv.BoundingRect(contour), frame.Cols(), frame.Rows())
			if !ok {
				continue
			}
			dets = append(dets, perception.Detection{
				Label:      r.Label,
				Confidence: fillRatio(area, box),
				Box:        box,
			})
		}
		contours.Close()
	}
	return dets, nil
}

// Close releases the morphology kernel.
func (c *ColorMask) Close() error {
	return c.kernel.Close()
}

func areaInRange(area, lo, hi float64) bool {
	return area > lo && area < hi
}

// fillRatio is how much of the bounding box the contour covers, used as the
// confidence of a colour blob.
func fillRatio(contourArea float64, box image.Rectangle) float64 {
	boxArea := float64(box.Dx() * box.Dy())
	if boxArea <= 0 {
		return 0
	}
	r := contourArea / boxArea
	if r > 1 {
		return 1
	}
	return r
}
