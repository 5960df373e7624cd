// Package detector finds collectable waste in camera frames and reports it
// as perception.Detection values in frame pixel coordinates.
package detector

import (
	"bufio"
	"fmt"
	"image"
	"os"
	"strings"

	"gocv.io/x/gocv"

	"github.com/teslashibe/go-collector/pkg/perception"
)

// Detector kinds.
const (
	KindColor = "color"
	KindYOLO  = "yolo"
)

// Detector is the interface for detection backends
type Detector interface {
	// Detect finds objects in a BGR frame. It must not retain frame.
	Detect(frame gocv.Mat) ([]perception.Detection, error)

	// Close releases resources
	Close() error
}

// Config holds detector configuration
type Config struct {
	Kind       string   `yaml:"kind"`       // color or yolo
	ModelPath  string   `yaml:"model"`      // ONNX model for yolo
	LabelsPath string   `yaml:"labels"`     // One class name per line; default WasteClasses
	Confidence float64  `yaml:"confidence"` // Minimum confidence (yolo)
	NMS        float64  `yaml:"nms"`        // Non-maximum suppression IoU threshold
	InputSize  int      `yaml:"input_size"` // Square model input
	Classes    []string `yaml:"classes"`    // Allow-list; empty keeps every class
}

// DefaultConfig returns the colour-mask detector with YOLO settings ready
// for when the kind is switched.
func DefaultConfig() Config {
	return Config{
		Kind:       KindColor,
		ModelPath:  "models/waste.onnx",
		Confidence: 0.1,
		NMS:        0.45,
		InputSize:  640,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	switch c.Kind {
	case KindColor:
	case KindYOLO:
		if c.ModelPath == "" {
			return fmt.Errorf("yolo detector requires a model path")
		}
		if c.Confidence < 0 || c.Confidence > 1 {
			return fmt.Errorf("confidence must be within [0,1], got %v", c.Confidence)
		}
		if c.NMS <= 0 || c.NMS > 1 {
			return fmt.Errorf("nms must be within (0,1], got %v", c.NMS)
		}
		if c.InputSize <= 0 || c.InputSize%32 != 0 {
			return fmt.Errorf("input_size must be a positive multiple of 32, got %d", c.InputSize)
		}
	default:
		return fmt.Errorf("unknown detector %q: expected color or yolo", c.Kind)
	}
	return nil
}

// New builds the detector selected by cfg.Kind.
func New(cfg Config) (Detector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Kind == KindYOLO {
		return NewYOLO(cfg)
	}
	return NewColorMask(DefaultColorConfig()), nil
}

// WasteClasses are the class names of the bundled waste model.
var WasteClasses = []string{
	"can", "glass_bottle", "plastic_bottle", "carton", "cardboard",
	"cigarette", "bottle_cap", "straw", "wrapper", "lid",
	"plastic_bag", "styrofoam", "foil", "utensil", "plastic_cup",
	"paper_cup", "reusable_paper", "scrap_paper", "napkin", "snack_bag",
}

// LoadLabels reads one class name per line, skipping blanks and # comments.
func LoadLabels(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open labels: %w", err)
	}
	defer f.Close()

	var labels []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		labels = append(labels, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read labels: %w", err)
	}
	if len(labels) == 0 {
		return nil, fmt.Errorf("labels file %s is empty", path)
	}
	return labels, nil
}

// allowList returns a membership set, or nil to allow everything.
func allowList(classes []string) map[string]bool {
	if len(classes) == 0 {
		return nil
	}
	set := make(map[string]bool, len(classes))
	for _, c := range classes {
		set[strings.ToLower(strings.TrimSpace(c))] = true
	}
	return set
}

// clampBox limits r to the frame and reports whether anything is left.
func clampBox(r image.Rectangle, w, h int) (image.Rectangle, bool) {
	r = r.Canon().Intersect(image.Rect(0, 0, w, h))
	return r, !r.Empty()
}
