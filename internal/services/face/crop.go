package face

import "math"

const (
	DefaultPadding       = 0.15
	DefaultMinConfidence = 0.5
	centerConfidence     = 0.3
)

type CropOptions struct {
	// Padding grows the union face box by this fraction of its own size on
	// every side.
	Padding float64
	// Faces below MinConfidence are ignored.
	MinConfidence float64
	// FitToFaces sizes the crop from the padded face box instead of taking
	// the largest rectangle the frame allows.
	FitToFaces bool
}

func DefaultCropOptions() CropOptions {
	return CropOptions{Padding: DefaultPadding, MinConfidence: DefaultMinConfidence}
}

// SelectRegion picks one crop rectangle of aspect ratio target for a video
// of width x height, given the faces found in each sampled frame. Frames
// with faces each propose a region and the proposals are averaged; with no
// faces anywhere it falls back to a center crop. The result always lies
// inside the frame.
func SelectRegion(frames [][]FaceDetection, width, height int, target float64, opts CropOptions) CropRegion {
	if width <= 0 || height <= 0 {
		return CropRegion{Reason: ReasonCenter, Confidence: centerConfidence}
	}
	if target <= 0 || math.IsNaN(target) || math.IsInf(target, 0) {
		target = float64(width) / float64(height)
	}

	var regions []CropRegion
	for _, faces := range frames {
		kept := confident(faces, opts.MinConfidence)
		if len(kept) == 0 {
			continue
		}
		regions = append(regions, frameRegion(kept, width, height, target, opts))
	}

	if len(regions) == 0 {
		return centerCrop(width, height, target)
	}
	return average(regions, width, height)
}

func confident(faces []FaceDetection, minConfidence float64) []FaceDetection {
	var out []FaceDetection
	for _, f := range faces {
		if float64(f.Confidence) >= minConfidence {
			out = append(out, f)
		}
	}
	return out
}

func frameRegion(faces []FaceDetection, width, height int, target float64, opts CropOptions) CropRegion {
	W, H := float64(width), float64(height)

	minX, minY := math.Inf(1), math.Inf(1)
	maxX, maxY := math.Inf(-1), math.Inf(-1)
	var confSum float64
	for _, f := range faces {
		minX = math.Min(minX, float64(f.X))
		minY = math.Min(minY, float64(f.Y))
		maxX = math.Max(maxX, float64(f.X+f.Width))
		maxY = math.Max(maxY, float64(f.Y+f.Height))
		confSum += float64(f.Confidence)
	}

	padX := (maxX - minX) * opts.Padding
	padY := (maxY - minY) * opts.Padding
	minX = math.Max(0, minX-padX)
	minY = math.Max(0, minY-padY)
	maxX = math.Min(W, maxX+padX)
	maxY = math.Min(H, maxY+padY)

	cx := (minX + maxX) / 2
	cy := (minY + maxY) / 2

	var cw, ch float64
	if opts.FitToFaces {
		// equal ratios take the width-constrained branch
		if target >= W/H {
			cw = math.Min(W, (maxY-minY)*target)
			ch = cw / target
		} else {
			ch = math.Min(H, (maxX-minX)/target)
			cw = ch * target
		}
	} else {
		cw, ch = largestFit(W, H, target)
	}

	x := clampF(cx-cw/2, 0, W-cw)
	y := clampF(cy-ch/2, 0, H-ch)

	r := CropRegion{
		X:          int(math.Round(x)),
		Y:          int(math.Round(y)),
		Width:      int(math.Round(cw)),
		Height:     int(math.Round(ch)),
		Confidence: confSum / float64(len(faces)),
		Reason:     ReasonFace,
	}
	return clampRegion(r, width, height)
}

// largestFit is the biggest w x h of ratio target inside W x H. Equal
// ratios take the width-constrained branch.
func largestFit(W, H, target float64) (float64, float64) {
	if target >= W/H {
		return W, W / target
	}
	return H * target, H
}

func centerCrop(width, height int, target float64) CropRegion {
	W, H := float64(width), float64(height)
	cw, ch := largestFit(W, H, target)
	r := CropRegion{
		X:          int(math.Round((W - cw) / 2)),
		Y:          int(math.Round((H - ch) / 2)),
		Width:      int(math.Round(cw)),
		Height:     int(math.Round(ch)),
		Confidence: centerConfidence,
		Reason:     ReasonCenter,
	}
	return clampRegion(r, width, height)
}

func average(regions []CropRegion, width, height int) CropRegion {
	var x, y, w, h, conf float64
	for _, r := range regions {
		x += float64(r.X)
		y += float64(r.Y)
		w += float64(r.Width)
		h += float64(r.Height)
		conf += r.Confidence
	}
	n := float64(len(regions))
	r := CropRegion{
		X:          int(math.Round(x / n)),
		Y:          int(math.Round(y / n)),
		Width:      int(math.Round(w / n)),
		Height:     int(math.Round(h / n)),
		Confidence: conf / n,
		Reason:     regions[0].Reason,
	}
	return clampRegion(r, width, height)
}

// clampRegion absorbs rounding so the rectangle never leaves the frame.
func clampRegion(r CropRegion, width, height int) CropRegion {
	r.Width = min(max(r.Width, 1), width)
	r.Height = min(max(r.Height, 1), height)
	r.X = min(max(r.X, 0), width-r.Width)
	r.Y = min(max(r.Y, 0), height-r.Height)
	return r
}

func clampF(v, lo, hi float64) float64 {
	if hi < lo {
		return lo
	}
	return math.Max(lo, math.Min(hi, v))
}
