package face

import (
	"log/slog"
)

const (
	// More detections than this in one frame are almost always a texture
	// the cascade misreads, so the frame is treated as faceless.
	maxFacesPerFrame = 20

	// Boxes smaller than this (pixels) after clipping are discarded.
	minFaceSide = 4
)

// FilterDetections clips boxes to the frame and drops degenerate ones.
// Confidence filtering happens later, in SelectRegion.
func FilterDetections(detections []FaceDetection, frameWidth, frameHeight int) []FaceDetection {
	if len(detections) > maxFacesPerFrame {
		slog.Warn("Too many faces in frame, likely false positives", "faces", len(detections), "limit", maxFacesPerFrame)
		return nil
	}

	filtered := make([]FaceDetection, 0, len(detections))
	for _, det := range detections {
		clipped, ok := clipToFrame(det, frameWidth, frameHeight)
		if !ok {
			continue
		}
		filtered = append(filtered, clipped)
	}
	return filtered
}

func clipToFrame(det FaceDetection, frameWidth, frameHeight int) (FaceDetection, bool) {
	W, H := float32(frameWidth), float32(frameHeight)
	x1 := clamp32(det.X, 0, W)
	y1 := clamp32(det.Y, 0, H)
	x2 := clamp32(det.X+det.Width, 0, W)
	y2 := clamp32(det.Y+det.Height, 0, H)
	if x2-x1 < minFaceSide || y2-y1 < minFaceSide {
		return FaceDetection{}, false
	}
	det.X, det.Y = x1, y1
	det.Width, det.Height = x2-x1, y2-y1
	det.Confidence = clamp32(det.Confidence, 0, 1)
	return det, true
}

// scaleDetections maps boxes found on a frame of size (fw, fh) into video
// pixels of size (vw, vh).
func scaleDetections(dets []FaceDetection, fw, fh, vw, vh int) []FaceDetection {
	if fw == vw && fh == vh || fw == 0 || fh == 0 {
		return dets
	}
	sx := float32(vw) / float32(fw)
	sy := float32(vh) / float32(fh)
	out := make([]FaceDetection, len(dets))
	for i, d := range dets {
		out[i] = FaceDetection{
			X:          d.X * sx,
			Y:          d.Y * sy,
			Width:      d.Width * sx,
			Height:     d.Height * sy,
			Confidence: d.Confidence,
		}
	}
	return out
}

func clamp32(v, lo, hi float32) float32 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
