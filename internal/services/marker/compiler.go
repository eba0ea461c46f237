package marker

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"math"
	"sync/atomic"
	"time"
)

const (
	DefaultMaxScale = 640
	DefaultTimeout  = 5 * time.Minute
)

var (
	ErrNoImages   = errors.New("no images to compile")
	ErrNoFeatures = errors.New("no usable features found")
	ErrClosed     = errors.New("compiler is closed")
)

type CompilationError struct {
	// Target is the index of the failing image, or -1 when the failure is
	// not tied to one image.
	Target  int
	Elapsed time.Duration
	Err     error
}

func (e *CompilationError) Error() string {
	if e.Target >= 0 {
		return fmt.Sprintf("marker compilation failed after %s: target %d: %v", e.Elapsed.Round(time.Millisecond), e.Target, e.Err)
	}
	return fmt.Sprintf("marker compilation failed after %s: %v", e.Elapsed.Round(time.Millisecond), e.Err)
}

func (e *CompilationError) Unwrap() error { return e.Err }

type Options struct {
	// MaxScale caps the longer side of the finest pyramid level. It is the
	// main lever between compile time and tracking quality.
	MaxScale int
	Timeout  time.Duration
}

type TargetStats struct {
	Width     int
	Height    int
	KeyPoints int
	Quality   float64
}

type Result struct {
	Bundle         []byte
	Targets        []TargetStats
	KeyPointsCount int
	Quality        float64
	Elapsed        time.Duration
}

// Compiler extracts tracking features from marker photos. Build one with New
// at startup and share it; Compile is safe for concurrent use.
type Compiler struct {
	opts    Options
	pattern []pair
	closed  atomic.Bool
}

func New(opts Options) *Compiler {
	if opts.MaxScale <= 0 {
		opts.MaxScale = DefaultMaxScale
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	slog.Info("Marker compiler initialized", "maxScale", opts.MaxScale, "timeout", opts.Timeout)
	return &Compiler{opts: opts, pattern: samplingPattern()}
}

// Close makes further Compile calls fail. Runs already in progress finish.
func (c *Compiler) Close() {
	c.closed.Store(true)
}

// Compile builds one bundle entry per image, in order. Progress is sampled
// onto progress (which may be nil) and always ends with 100 on success.
func (c *Compiler) Compile(ctx context.Context, images []image.Image, progress chan<- Progress) (*Result, error) {
	start := time.Now()
	fail := func(target int, err error) (*Result, error) {
		return nil, &CompilationError{Target: target, Elapsed: time.Since(start), Err: err}
	}

	if c.closed.Load() {
		return fail(-1, ErrClosed)
	}
	if len(images) == 0 {
		return fail(-1, ErrNoImages)
	}

	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	sampler := newProgressSampler(progress)
	bundle := &Bundle{Version: BundleVersion, Targets: make([]Target, 0, len(images))}
	res := &Result{Targets: make([]TargetStats, 0, len(images))}
	qualitySum := 0.0

	for i, img := range images {
		if err := ctx.Err(); err != nil {
			return fail(i, err)
		}
		if img == nil || img.Bounds().Empty() {
			return fail(i, fmt.Errorf("unreadable image"))
		}

		gray := toGray(img)
		levels := buildPyramid(gray, c.opts.MaxScale)
		if len(levels) == 0 {
			return fail(i, fmt.Errorf("%w: image too small", ErrNoFeatures))
		}
		units := float64(len(levels) + 1)

		target := Target{
			TargetIndex: i,
			Width:       gray.Bounds().Dx(),
			Height:      gray.Bounds().Dy(),
		}
		for j, lvl := range levels {
			if err := ctx.Err(); err != nil {
				return fail(i, err)
			}
			target.MatchingData = append(target.MatchingData, c.matchingLevel(lvl))
			sampler.report((float64(i) + float64(j+1)/units) / float64(len(images)))
		}

		kp := target.KeyPoints()
		if kp == 0 {
			return fail(i, ErrNoFeatures)
		}

		target.TrackingData = trackingImages(gray)
		sampler.report(float64(i+1) / float64(len(images)))

		q := quality(target)
		qualitySum += q
		res.KeyPointsCount += kp
		res.Targets = append(res.Targets, TargetStats{
			Width:     target.Width,
			Height:    target.Height,
			KeyPoints: kp,
			Quality:   q,
		})
		bundle.Targets = append(bundle.Targets, target)
	}

	data, err := Encode(bundle)
	if err != nil {
		return fail(-1, err)
	}
	sampler.report(1)

	res.Bundle = data
	res.Quality = math.Round(qualitySum/float64(len(images))*1000) / 1000
	res.Elapsed = time.Since(start)
	return res, nil
}
