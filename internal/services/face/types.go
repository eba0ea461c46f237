package face

import (
	"context"
	"image"
)

// FaceDetection represents a detected face with bounding box and confidence,
// in pixel coordinates of the frame it was found in.
type FaceDetection struct {
	X          float32 // bounding box x
	Y          float32 // bounding box y
	Width      float32 // bounding box width
	Height     float32 // bounding box height
	Confidence float32 // detection confidence in [0,1]
}

// Locator finds faces in a single decoded frame. Calls are independent of
// each other; implementations must be safe for concurrent use.
type Locator interface {
	Detect(ctx context.Context, img image.Image) ([]FaceDetection, error)
	Close() error
}

// VideoInfo is what the sampler learned about the source video. Width and
// Height are display dimensions, after any rotation metadata is applied.
type VideoInfo struct {
	Width    int
	Height   int
	Duration float64 // seconds
}

func (v VideoInfo) AspectRatio() float64 {
	if v.Height == 0 {
		return 0
	}
	return float64(v.Width) / float64(v.Height)
}

// CropRegion is the overlay rectangle in source-video pixels.
type CropRegion struct {
	X          int
	Y          int
	Width      int
	Height     int
	Confidence float64
	Reason     string // "face" or "center"
}

const (
	ReasonFace   = "face"
	ReasonCenter = "center"
)
