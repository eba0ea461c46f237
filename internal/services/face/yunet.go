package face

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"math"
	"sort"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

const (
	yunetInputWidth  = 640
	yunetInputHeight = 640
	yunetScoreFloor  = 0.3 // raw candidates below this never reach NMS
	yunetIoU         = 0.3
	yunetStride      = 8
	yunetGridSize    = yunetInputWidth / yunetStride
	yunetAnchors     = yunetGridSize * yunetGridSize
	yunetMinBoxSide  = 10.0
)

// Anchor represents a detection anchor point
type Anchor struct {
	CX float32 // Center X
	CY float32 // Center Y
}

// YuNet runs the YuNet ONNX model in-process through onnxruntime. A single
// session with bound tensors is reused, so Detect calls are serialized.
type YuNet struct {
	mu      sync.Mutex
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	cls     *ort.Tensor[float32] // cls_8 output
	bbox    *ort.Tensor[float32] // bbox_8 output
	anchors []Anchor
}

func NewYuNet(modelPath, libraryPath string) (*YuNet, error) {
	if !ort.IsInitialized() {
		ort.SetSharedLibraryPath(libraryPath)
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, fmt.Errorf("failed to initialize ONNX Runtime: %w", err)
		}
	}

	y := &YuNet{anchors: generateAnchors()}
	var err error

	// Input tensor: 1x3x640x640 (NCHW, BGR)
	y.input, err = ort.NewTensor(ort.NewShape(1, 3, yunetInputHeight, yunetInputWidth),
		make([]float32, 3*yunetInputHeight*yunetInputWidth))
	if err != nil {
		y.Close()
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}

	y.cls, err = ort.NewEmptyTensor[float32](ort.NewShape(1, yunetAnchors, 1))
	if err != nil {
		y.Close()
		return nil, fmt.Errorf("failed to create cls tensor: %w", err)
	}

	y.bbox, err = ort.NewEmptyTensor[float32](ort.NewShape(1, yunetAnchors, 4))
	if err != nil {
		y.Close()
		return nil, fmt.Errorf("failed to create bbox tensor: %w", err)
	}

	y.session, err = ort.NewAdvancedSession(
		modelPath,
		[]string{"input"},
		[]string{"cls_8", "bbox_8"},
		[]ort.Value{y.input},
		[]ort.Value{y.cls, y.bbox},
		nil,
	)
	if err != nil {
		y.Close()
		return nil, fmt.Errorf("failed to create ONNX session: %w", err)
	}

	slog.Info("YuNet face detector initialized", "model", modelPath, "anchors", len(y.anchors))
	return y, nil
}

// generateAnchors creates anchor points for the stride-8 feature map
func generateAnchors() []Anchor {
	result := make([]Anchor, 0, yunetAnchors)
	for y := 0; y < yunetGridSize; y++ {
		for x := 0; x < yunetGridSize; x++ {
			result = append(result, Anchor{
				CX: (float32(x) + 0.5) * yunetStride,
				CY: (float32(y) + 0.5) * yunetStride,
			})
		}
	}
	return result
}

// Close releases ONNX Runtime resources
func (y *YuNet) Close() error {
	y.mu.Lock()
	defer y.mu.Unlock()

	if y.session != nil {
		y.session.Destroy()
		y.session = nil
	}
	if y.input != nil {
		y.input.Destroy()
		y.input = nil
	}
	if y.cls != nil {
		y.cls.Destroy()
		y.cls = nil
	}
	if y.bbox != nil {
		y.bbox.Destroy()
		y.bbox = nil
	}
	if ort.IsInitialized() {
		return ort.DestroyEnvironment()
	}
	return nil
}

func (y *YuNet) Detect(ctx context.Context, img image.Image) ([]FaceDetection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	y.mu.Lock()
	defer y.mu.Unlock()

	if y.session == nil {
		return nil, fmt.Errorf("YuNet face detection not initialized")
	}

	fillInput(y.input.GetData(), img)
	if err := y.session.Run(); err != nil {
		return nil, fmt.Errorf("failed to run inference: %w", err)
	}

	dets := decodeYuNet(y.cls.GetData(), y.bbox.GetData(), y.anchors)
	dets = applyNMS(dets, yunetIoU)

	b := img.Bounds()
	return scaleDetections(dets, yunetInputWidth, yunetInputHeight, b.Dx(), b.Dy()), nil
}

// fillInput resizes img (nearest neighbour) into the NCHW BGR input buffer.
func fillInput(data []float32, img image.Image) {
	b := img.Bounds()
	width, height := b.Dx(), b.Dy()
	plane := yunetInputHeight * yunetInputWidth

	for y := 0; y < yunetInputHeight; y++ {
		for x := 0; x < yunetInputWidth; x++ {
			origX := b.Min.X + x*width/yunetInputWidth
			origY := b.Min.Y + y*height/yunetInputHeight
			r, g, bl, _ := img.At(origX, origY).RGBA()

			i := y*yunetInputWidth + x
			data[0*plane+i] = float32(bl >> 8)
			data[1*plane+i] = float32(g >> 8)
			data[2*plane+i] = float32(r >> 8)
		}
	}
}

// decodeYuNet turns raw stride-8 outputs into boxes in input coordinates.
func decodeYuNet(clsData, bboxData []float32, anchors []Anchor) []FaceDetection {
	var detections []FaceDetection

	for i, anchor := range anchors {
		if i >= len(clsData) || i*4+3 >= len(bboxData) {
			break
		}
		confidence := sigmoid(clsData[i])
		if confidence < yunetScoreFloor {
			continue
		}

		// Offsets are linear in stride units, not log-space.
		cx := anchor.CX + bboxData[i*4+0]*yunetStride
		cy := anchor.CY + bboxData[i*4+1]*yunetStride
		w := float32(math.Abs(float64(bboxData[i*4+2] * yunetStride)))
		h := float32(math.Abs(float64(bboxData[i*4+3] * yunetStride)))

		if w < yunetMinBoxSide || h < yunetMinBoxSide || w > yunetInputWidth || h > yunetInputHeight {
			continue
		}

		x := cx - w/2
		y := cy - h/2
		if x < 0 || y < 0 || x+w > yunetInputWidth || y+h > yunetInputHeight {
			continue
		}

		detections = append(detections, FaceDetection{
			X:          x,
			Y:          y,
			Width:      w,
			Height:     h,
			Confidence: confidence,
		})
	}

	return detections
}

func sigmoid(x float32) float32 {
	return 1.0 / (1.0 + float32(math.Exp(float64(-x))))
}

// applyNMS applies Non-Maximum Suppression to filter overlapping detections
func applyNMS(detections []FaceDetection, iouThreshold float32) []FaceDetection {
	if len(detections) == 0 {
		return detections
	}

	sort.SliceStable(detections, func(i, j int) bool {
		return detections[i].Confidence > detections[j].Confidence
	})

	var keep []FaceDetection
	used := make([]bool, len(detections))

	for i := range detections {
		if used[i] {
			continue
		}
		keep = append(keep, detections[i])
		used[i] = true

		for j := i + 1; j < len(detections); j++ {
			if !used[j] && calculateIoU(detections[i], detections[j]) > iouThreshold {
				used[j] = true
			}
		}
	}

	return keep
}

// calculateIoU calculates Intersection over Union between two detections
func calculateIoU(a, b FaceDetection) float32 {
	x1 := max(a.X, b.X)
	y1 := max(a.Y, b.Y)
	x2 := min(a.X+a.Width, b.X+b.Width)
	y2 := min(a.Y+a.Height, b.Y+b.Height)

	if x2 < x1 || y2 < y1 {
		return 0
	}

	intersection := (x2 - x1) * (y2 - y1)
	union := a.Width*a.Height + b.Width*b.Height - intersection
	if union == 0 {
		return 0
	}
	return intersection / union
}
