package detector

import (
	"fmt"
	"image"
	"os"
	"strings"
	"sync"

	"gocv.io/x/gocv"

	"github.com/teslashibe/go-collector/pkg/perception"
)

// YOLO runs a YOLOv8 ONNX waste model through the OpenCV DNN module.
type YOLO struct {
	net       gocv.Net
	cfg       Config
	classes   []string
	allow     map[string]bool
	inputSize image.Point
	mu        sync.Mutex
}

// NewYOLO loads cfg.ModelPath and the class names.
func NewYOLO(cfg Config) (*YOLO, error) {
	// Check if model file exists
	if _, err := os.Stat(cfg.ModelPath); err != nil {
		return nil, fmt.Errorf("model file not found: %s", cfg.ModelPath)
	}

	classes := WasteClasses
	if cfg.LabelsPath != "" {
		var err error
		if classes, err = LoadLabels(cfg.LabelsPath); err != nil {
			return nil, err
		}
	}

	net := gocv.ReadNetFromONNX(cfg.ModelPath)
	if net.Empty() {
		return nil, fmt.Errorf("failed to load YOLO model from %s", cfg.ModelPath)
	}
	net.SetPreferableBackend(gocv.NetBackendDefault)
	net.SetPreferableTarget(gocv.NetTargetCPU)

	return &YOLO{
		net:       net,
		cfg:       cfg,
		classes:   classes,
		allow:     allowList(cfg.Classes),
		inputSize: image.Pt(cfg.InputSize, cfg.InputSize),
	}, nil
}

// Detect runs one forward pass over frame.
func (d *YOLO) Detect(frame gocv.Mat) ([]perception.Detection, error) {
	if frame.Empty() {
		return nil, nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	blob := gocv.BlobFromImage(frame, 1.0/255.0, d.inputSize, gocv.NewScalar(0, 0, 0, 0), true, false)
	defer blob.Close()

	d.net.SetInput(blob, "")
	output := d.net.Forward("")
	defer output.Close()

	// YOLOv8 output is [1, 4+classes, anchors].
	sizes := output.Size()
	if len(sizes) != 3 || sizes[1] <= 4 {
		return nil, fmt.Errorf("unexpected output shape %v", sizes)
	}
	data, err := output.DataPtrFloat32()
	if err != nil {
		return nil, fmt.Errorf("read output: %w", err)
	}

	cands := decodeYOLOv8(data, sizes[1], sizes[2], float32(d.cfg.Confidence))
	return d.finish(cands, frame.Cols(), frame.Rows()), nil
}

// finish scales candidates to the frame, applies NMS and the allow-list.
func (d *YOLO) finish(cands []candidate, frameW, frameH int) []perception.Detection {
	if len(cands) == 0 {
		return nil
	}

	sx := float32(frameW) / float32(d.inputSize.X)
	sy := float32(frameH) / float32(d.inputSize.Y)

	boxes := make([]image.Rectangle, len(cands))
	scores := make([]float32, len(cands))
	for i, c := range cands {
		boxes[i] = c.scaled(sx, sy)
		scores[i] = c.score
	}

	indices := gocv.NMSBoxes(boxes, scores, float32(d.cfg.Confidence), float32(d.cfg.NMS))

	dets := make([]perception.Detection, 0, len(indices))
	for _, idx := range indices {
		name := className(d.classes, cands[idx].classID)
		if d.allow != nil && !d.allow[strings.ToLower(name)] {
			continue
		}
		box, ok := clampBox(boxes[idx], frameW, frameH)
		if !ok {
			continue
		}
		dets = append(dets, perception.Detection{
			Label:      name,
			Confidence: float64(scores[idx]),
			Box:        box,
		})
	}
	return dets
}

// Close releases the network.
func (d *YOLO) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.net.Close()
}

// candidate is one anchor above the confidence threshold, in model input
// coordinates.
type candidate struct {
	cx, cy, w, h float32
	score        float32
	classID      int
}

func (c candidate) scaled(sx, sy float32) image.Rectangle {
	return image.Rect(
		int((c.cx-c.w/2)*sx),
		int((c.cy-c.h/2)*sy),
		int((c.cx+c.w/2)*sx),
		int((c.cy+c.h/2)*sy),
	)
}

// decodeYOLOv8 reads a channel-major [rows, anchors] tensor: rows 0-3 are
// cx, cy, w, h and the rest are per-class scores.
func decodeYOLOv8(data []float32, rows, anchors int, threshold float32) []candidate {
	if len(data) < rows*anchors {
		return nil
	}

	var out []candidate
	for i := 0; i < anchors; i++ {
		best, bestID := float32(0), -1
		for c := 4; c < rows; c++ {
			if s := data[c*anchors+i]; s > best {
				best, bestID = s, c-4
			}
		}
		if bestID < 0 || best < threshold {
			continue
		}
		out = append(out, candidate{
			cx:      data[0*anchors+i],
			cy:      data[1*anchors+i],
			w:       data[2*anchors+i],
			h:       data[3*anchors+i],
			score:   best,
			classID: bestID,
		})
	}
	return out
}

func className(classes []string, id int) string {
	if id >= 0 && id < len(classes) {
		return classes[id]
	}
	return fmt.Sprintf("class_%d", id)
}
