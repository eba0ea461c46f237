package face

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"os"

	pigo "github.com/esimov/pigo/core"
)

const (
	// Pigo detection parameters
	pigoMinSize          = 20   // Minimum face size (pixels)
	pigoMaxSize          = 1000 // Maximum face size (pixels)
	pigoShiftFactor      = 0.1  // Shift factor for detection window
	pigoScaleFactor      = 1.1  // Scale factor for image pyramid
	pigoIoUThreshold     = 0.2  // IoU threshold for clustering
	pigoQualityThreshold = 5.0  // Minimum quality score
	// Q is unbounded; dividing by this maps the quality threshold onto a
	// confidence of 0.5.
	pigoQualityScale = 10.0
)

// Pigo is the default, pure-Go face locator.
type Pigo struct {
	classifier *pigo.Pigo
}

// NewPigo unpacks the cascade file once; the classifier is read-only
// afterwards and shared by concurrent Detect calls.
func NewPigo(cascadePath string) (*Pigo, error) {
	cascadeFile, err := os.ReadFile(cascadePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read cascade file: %w", err)
	}

	classifier, err := pigo.NewPigo().Unpack(cascadeFile)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack cascade: %w", err)
	}

	slog.Info("Pigo face detector initialized", "minSize", pigoMinSize, "qualityThreshold", pigoQualityThreshold)
	return &Pigo{classifier: classifier}, nil
}

func (p *Pigo) Close() error {
	return nil
}

func (p *Pigo) Detect(ctx context.Context, img image.Image) ([]FaceDetection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if p.classifier == nil {
		return nil, fmt.Errorf("pigo face detection not initialized")
	}

	b := img.Bounds()
	cParams := pigo.CascadeParams{
		MinSize:     pigoMinSize,
		MaxSize:     min(pigoMaxSize, max(b.Dx(), b.Dy())),
		ShiftFactor: pigoShiftFactor,
		ScaleFactor: pigoScaleFactor,
		ImageParams: pigo.ImageParams{
			Pixels: toGrayscale(img),
			Rows:   b.Dy(),
			Cols:   b.Dx(),
			Dim:    b.Dx(),
		},
	}

	// Run cascade detection (0.0 = detect all, filter by quality later)
	dets := p.classifier.RunCascade(cParams, 0.0)
	dets = p.classifier.ClusterDetections(dets, pigoIoUThreshold)

	return convertPigoDetections(dets), nil
}

// toGrayscale converts an image to a row-major luma buffer starting at the
// image origin.
func toGrayscale(img image.Image) []uint8 {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	gray := make([]uint8, w*h)

	if ycc, ok := img.(*image.YCbCr); ok {
		for y := 0; y < h; y++ {
			off := ycc.YOffset(b.Min.X, b.Min.Y+y)
			copy(gray[y*w:(y+1)*w], ycc.Y[off:off+w])
		}
		return gray
	}

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			r, g, bl, _ := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
			// Standard grayscale conversion formula
			gray[y*w+x] = uint8(((r*299 + g*587 + bl*114) / 1000) >> 8)
		}
	}
	return gray
}

// convertPigoDetections converts Pigo detections to FaceDetection format
func convertPigoDetections(dets []pigo.Detection) []FaceDetection {
	var detections []FaceDetection

	for _, det := range dets {
		if det.Q < pigoQualityThreshold {
			continue
		}

		// Pigo returns center (Row, Col) and Scale (diameter)
		size := float32(det.Scale)
		detections = append(detections, FaceDetection{
			X:          float32(det.Col) - size/2,
			Y:          float32(det.Row) - size/2,
			Width:      size,
			Height:     size,
			Confidence: clamp32(det.Q/pigoQualityScale, 0, 1),
		})
	}

	return detections
}
