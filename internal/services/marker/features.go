package marker

import (
	"image"
	"math"
	"math/rand"
	"sort"

	"golang.org/x/image/draw"
)

const (
	pyramidFactor   = 0.75
	minLevelSide    = 48
	maxLevels       = 6
	trackingSizeMax = 256
	trackingSizeMin = 128

	harrisK            = 0.04
	harrisRelThreshold = 0.01
	// Below this response a corner is sensor noise or JPEG ringing; a blank
	// photo never gets past it.
	harrisMinResponse = 1e7

	maxPointsPerLevel    = 400
	maxTrackingPoints    = 64
	descriptorBits       = 256
	descriptorWords      = descriptorBits / 32
	patternRadius        = 12
	orientationRadius    = 7
	descriptorMargin     = 18
	trackingMargin       = 8
	patternSeed          = 0x5eed
	qualityGrid          = 8
	qualityKeyPointsGoal = 300
)

// level is one grayscale pyramid level, blurred, in row-major float32.
type level struct {
	w, h  int
	scale float64 // level width / target width
	pix   []float32
}

type corner struct {
	x, y int
	r    float64
}

type pair struct {
	x1, y1, x2, y2 float64
}

// samplingPattern draws the fixed BRIEF test pairs. The seed is constant so
// every bundle uses the same pattern the runtime was built with.
func samplingPattern() []pair {
	rng := rand.New(rand.NewSource(patternSeed))
	coord := func() float64 {
		v := math.Round(rng.NormFloat64() * patternRadius / 2.5)
		return math.Max(-patternRadius, math.Min(patternRadius, v))
	}
	pattern := make([]pair, descriptorBits)
	for i := range pattern {
		pattern[i] = pair{coord(), coord(), coord(), coord()}
	}
	return pattern
}

func toGray(img image.Image) *image.Gray {
	b := img.Bounds()
	if g, ok := img.(*image.Gray); ok && b.Min == (image.Point{}) {
		return g
	}
	g := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(g, g.Bounds(), img, b.Min, draw.Src)
	return g
}

func scaleGray(src *image.Gray, w, h int) *image.Gray {
	dst := image.NewGray(image.Rect(0, 0, w, h))
	draw.BiLinear.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)
	return dst
}

// fitLongSide scales (w, h) so the longer side is at most max.
func fitLongSide(w, h, max int) (int, int) {
	long := w
	if h > long {
		long = h
	}
	if long <= max {
		return w, h
	}
	f := float64(max) / float64(long)
	return int(math.Max(1, math.Round(float64(w)*f))), int(math.Max(1, math.Round(float64(h)*f)))
}

func buildPyramid(g *image.Gray, maxScale int) []level {
	targetW := g.Bounds().Dx()
	w, h := fitLongSide(g.Bounds().Dx(), g.Bounds().Dy(), maxScale)
	cur := g
	if w != targetW {
		cur = scaleGray(g, w, h)
	}

	var levels []level
	for len(levels) < maxLevels && w >= minLevelSide && h >= minLevelSide {
		levels = append(levels, level{
			w:     w,
			h:     h,
			scale: float64(w) / float64(targetW),
			pix:   blur(grayFloats(cur), w, h),
		})
		w = int(math.Round(float64(w) * pyramidFactor))
		h = int(math.Round(float64(h) * pyramidFactor))
		if w < minLevelSide || h < minLevelSide {
			break
		}
		cur = scaleGray(cur, w, h)
	}
	return levels
}

func grayFloats(g *image.Gray) []float32 {
	w, h := g.Bounds().Dx(), g.Bounds().Dy()
	out := make([]float32, w*h)
	for y := 0; y < h; y++ {
		row := g.Pix[y*g.Stride : y*g.Stride+w]
		for x, v := range row {
			out[y*w+x] = float32(v)
		}
	}
	return out
}

// blur applies a separable [1 2 1]/4 kernel with clamped edges.
func blur(src []float32, w, h int) []float32 {
	tmp := make([]float32, len(src))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			l := src[y*w+max(x-1, 0)]
			r := src[y*w+min(x+1, w-1)]
			tmp[y*w+x] = (l + 2*src[y*w+x] + r) / 4
		}
	}
	out := make([]float32, len(src))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			u := tmp[max(y-1, 0)*w+x]
			d := tmp[min(y+1, h-1)*w+x]
			out[y*w+x] = (u + 2*tmp[y*w+x] + d) / 4
		}
	}
	return out
}

// harris returns local maxima of the Harris response, strongest first, at
// least margin pixels away from the border.
func harris(pix []float32, w, h, margin, limit int) []corner {
	if w <= 2*margin || h <= 2*margin {
		return nil
	}

	n := w * h
	xx := make([]float64, n)
	yy := make([]float64, n)
	xy := make([]float64, n)
	for y := 1; y < h-1; y++ {
		for x := 1; x < w-1; x++ {
			tl, t, tr := pix[(y-1)*w+x-1], pix[(y-1)*w+x], pix[(y-1)*w+x+1]
			l, r := pix[y*w+x-1], pix[y*w+x+1]
			bl, b, br := pix[(y+1)*w+x-1], pix[(y+1)*w+x], pix[(y+1)*w+x+1]
			gx := float64((tr + 2*r + br) - (tl + 2*l + bl))
			gy := float64((bl + 2*b + br) - (tl + 2*t + tr))
			i := y*w + x
			xx[i] = gx * gx
			yy[i] = gy * gy
			xy[i] = gx * gy
		}
	}
	sxx := boxSum(xx, w, h, 2)
	syy := boxSum(yy, w, h, 2)
	sxy := boxSum(xy, w, h, 2)

	resp := make([]float64, n)
	maxR := 0.0
	for i := range resp {
		det := sxx[i]*syy[i] - sxy[i]*sxy[i]
		tr := sxx[i] + syy[i]
		resp[i] = det - harrisK*tr*tr
		if resp[i] > maxR {
			maxR = resp[i]
		}
	}

	thr := math.Max(harrisMinResponse, harrisRelThreshold*maxR)
	var corners []corner
	for y := margin; y < h-margin; y++ {
		for x := margin; x < w-margin; x++ {
			r := resp[y*w+x]
			if r <= thr || !isLocalMax(resp, w, x, y) {
				continue
			}
			corners = append(corners, corner{x: x, y: y, r: r})
		}
	}

	sort.SliceStable(corners, func(i, j int) bool { return corners[i].r > corners[j].r })
	if len(corners) > limit {
		corners = corners[:limit]
	}
	return corners
}

// isLocalMax breaks ties toward the earlier pixel in scan order so a flat
// plateau yields exactly one corner.
func isLocalMax(resp []float64, w, x, y int) bool {
	r := resp[y*w+x]
	for dy := -1; dy <= 1; dy++ {
		for dx := -1; dx <= 1; dx++ {
			if dx == 0 && dy == 0 {
				continue
			}
			n := resp[(y+dy)*w+x+dx]
			if n > r {
				return false
			}
			if n == r && (dy < 0 || (dy == 0 && dx < 0)) {
				return false
			}
		}
	}
	return true
}

func boxSum(src []float64, w, h, r int) []float64 {
	tmp := make([]float64, len(src))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var s float64
			for k := max(x-r, 0); k <= min(x+r, w-1); k++ {
				s += src[y*w+k]
			}
			tmp[y*w+x] = s
		}
	}
	out := make([]float64, len(src))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var s float64
			for k := max(y-r, 0); k <= min(y+r, h-1); k++ {
				s += tmp[k*w+x]
			}
			out[y*w+x] = s
		}
	}
	return out
}

// isBright reports whether the corner is a local intensity maximum relative
// to its 5x5 neighbourhood.
func isBright(pix []float32, w, x, y int) bool {
	var sum float32
	for dy := -2; dy <= 2; dy++ {
		for dx := -2; dx <= 2; dx++ {
			sum += pix[(y+dy)*w+x+dx]
		}
	}
	return pix[y*w+x] >= sum/25
}

// orientation is the intensity-centroid angle of a disc around (x, y).
func orientation(pix []float32, w, x, y int) float64 {
	var m10, m01 float64
	r := orientationRadius
	for dy := -r; dy <= r; dy++ {
		for dx := -r; dx <= r; dx++ {
			if dx*dx+dy*dy > r*r {
				continue
			}
			v := float64(pix[(y+dy)*w+x+dx])
			m10 += float64(dx) * v
			m01 += float64(dy) * v
		}
	}
	return math.Atan2(m01, m10)
}

func describe(pix []float32, w, x, y int, angle float64, pattern []pair) []uint32 {
	cos, sin := math.Cos(angle), math.Sin(angle)
	at := func(px, py float64) float32 {
		rx := x + int(math.Round(cos*px-sin*py))
		ry := y + int(math.Round(sin*px+cos*py))
		return pix[ry*w+rx]
	}
	desc := make([]uint32, descriptorWords)
	for i, p := range pattern {
		if at(p.x1, p.y1) < at(p.x2, p.y2) {
			desc[i/32] |= 1 << (uint(i) % 32)
		}
	}
	return desc
}

func (c *Compiler) matchingLevel(l level) MatchingLevel {
	out := MatchingLevel{
		Width:        l.w,
		Height:       l.h,
		Scale:        float32(l.scale),
		MaximaPoints: []FeaturePoint{},
		MinimaPoints: []FeaturePoint{},
	}
	for _, cr := range harris(l.pix, l.w, l.h, descriptorMargin, maxPointsPerLevel) {
		angle := orientation(l.pix, l.w, cr.x, cr.y)
		fp := FeaturePoint{
			X:           float32(float64(cr.x) / l.scale),
			Y:           float32(float64(cr.y) / l.scale),
			Scale:       float32(1 / l.scale),
			Angle:       float32(angle),
			Descriptors: describe(l.pix, l.w, cr.x, cr.y, angle, c.pattern),
		}
		if isBright(l.pix, l.w, cr.x, cr.y) {
			out.MaximaPoints = append(out.MaximaPoints, fp)
		} else {
			out.MinimaPoints = append(out.MinimaPoints, fp)
		}
	}
	return out
}

func trackingImages(g *image.Gray) []TrackingImage {
	targetW := g.Bounds().Dx()
	var out []TrackingImage
	for _, size := range []int{trackingSizeMax, trackingSizeMin} {
		w, h := fitLongSide(g.Bounds().Dx(), g.Bounds().Dy(), size)
		small := g
		if w != targetW {
			small = scaleGray(g, w, h)
		}
		scale := float64(w) / float64(targetW)

		data := make([]byte, w*h)
		for y := 0; y < h; y++ {
			copy(data[y*w:(y+1)*w], small.Pix[y*small.Stride:y*small.Stride+w])
		}
		points := []Point{}
		for _, cr := range harris(blur(grayFloats(small), w, h), w, h, trackingMargin, maxTrackingPoints) {
			points = append(points, Point{X: float32(float64(cr.x) / scale), Y: float32(float64(cr.y) / scale)})
		}
		out = append(out, TrackingImage{Width: w, Height: h, Scale: float32(scale), Data: data, Points: points})
	}
	return out
}

// quality scores a target in [0,1]: half spatial coverage of a coarse grid,
// half raw point count against a goal.
func quality(t Target) float64 {
	if t.Width == 0 || t.Height == 0 {
		return 0
	}
	var cells [qualityGrid * qualityGrid]bool
	count := 0
	for _, lvl := range t.MatchingData {
		for _, set := range [][]FeaturePoint{lvl.MaximaPoints, lvl.MinimaPoints} {
			for _, p := range set {
				cx := min(int(float64(p.X)*qualityGrid/float64(t.Width)), qualityGrid-1)
				cy := min(int(float64(p.Y)*qualityGrid/float64(t.Height)), qualityGrid-1)
				cells[cy*qualityGrid+cx] = true
				count++
			}
		}
	}
	covered := 0
	for _, c := range cells {
		if c {
			covered++
		}
	}
	coverage := float64(covered) / float64(len(cells))
	density := math.Min(1, float64(count)/qualityKeyPointsGoal)
	return 0.5*coverage + 0.5*density
}
