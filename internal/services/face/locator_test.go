package face

import (
	"image"
	"image/color"
	"testing"

	pigo "github.com/esimov/pigo/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConvertPigoDetections(t *testing.T) {
	dets := convertPigoDetections([]pigo.Detection{
		{Row: 100, Col: 50, Scale: 40, Q: 7.5},
		{Row: 10, Col: 10, Scale: 30, Q: 2}, // below quality threshold
		{Row: 200, Col: 200, Scale: 60, Q: 25},
	})
	require.Len(t, dets, 2)
	assert.Equal(t, FaceDetection{X: 30, Y: 80, Width: 40, Height: 40, Confidence: 0.75}, dets[0])
	assert.Equal(t, float32(1), dets[1].Confidence)
}

func TestToGrayscaleHonoursOrigin(t *testing.T) {
	rgba := image.NewRGBA(image.Rect(0, 0, 4, 4))
	rgba.Set(2, 3, color.White)
	sub := rgba.SubImage(image.Rect(2, 2, 4, 4))

	gray := toGrayscale(sub)
	require.Len(t, gray, 4)
	assert.Equal(t, []uint8{0, 0, 255, 0}, gray)

	ycc := image.NewYCbCr(image.Rect(0, 0, 4, 2), image.YCbCrSubsampleRatio420)
	for i := range ycc.Y {
		ycc.Y[i] = uint8(i)
	}
	assert.Equal(t, []uint8{0, 1, 2, 3, 4, 5, 6, 7}, toGrayscale(ycc))
}

func TestDecodeYuNet(t *testing.T) {
	anchors := generateAnchors()
	require.Len(t, anchors, yunetAnchors)

	cls := make([]float32, len(anchors))
	for i := range cls {
		cls[i] = -10
	}
	bbox := make([]float32, len(anchors)*4)

	face := 20*yunetGridSize + 10 // anchor centered at (84, 164)
	cls[face] = 5
	bbox[face*4+2], bbox[face*4+3] = 5, 5

	tiny := 40*yunetGridSize + 40
	cls[tiny] = 5
	bbox[tiny*4+2], bbox[tiny*4+3] = 0.5, 0.5

	dets := decodeYuNet(cls, bbox, anchors)
	require.Len(t, dets, 1)
	assert.Equal(t, float32(64), dets[0].X)
	assert.Equal(t, float32(144), dets[0].Y)
	assert.Equal(t, float32(40), dets[0].Width)
	assert.InDelta(t, 0.993, dets[0].Confidence, 0.001)
}
