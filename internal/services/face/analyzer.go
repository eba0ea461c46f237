package face

import (
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sync/errgroup"
)

const defaultDetectConcurrency = 4

// Analyzer picks the crop region for one video: it samples frames, runs the
// locator on each of them and aggregates the detections.
type Analyzer struct {
	Sampler FrameSampler
	Locator Locator
	Options CropOptions

	// DebugDir, when set, receives annotated copies of the sampled frames.
	DebugDir string
	// TempRoot is where per-call frame directories are created; empty means
	// the system temp dir.
	TempRoot    string
	Concurrency int
}

// SelectCrop returns the overlay region for videoPath at the target aspect
// ratio. A target of zero or less keeps the video's own ratio.
func (a *Analyzer) SelectCrop(ctx context.Context, videoPath string, target float64) (CropRegion, VideoInfo, error) {
	dir, err := os.MkdirTemp(a.TempRoot, "frames-")
	if err != nil {
		return CropRegion{}, VideoInfo{}, &FrameExtractionError{Video: videoPath, Timestamp: -1,
			Err: fmt.Errorf("failed to create frames directory: %w", err)}
	}
	defer os.RemoveAll(dir)

	sample, err := a.Sampler.Sample(ctx, videoPath, dir)
	if err != nil {
		return CropRegion{}, VideoInfo{}, err
	}
	info := sample.Info
	logCtx := slog.With("video", filepath.Base(videoPath))

	frames := make([][]FaceDetection, len(sample.Frames))
	g, gctx := errgroup.WithContext(ctx)
	limit := a.Concurrency
	if limit <= 0 {
		limit = defaultDetectConcurrency
	}
	g.SetLimit(limit)

	for i, path := range sample.Frames {
		g.Go(func() error {
			img, err := decodeFrame(path)
			if err != nil {
				logCtx.Warn("Skipping unreadable frame", "frame", filepath.Base(path), "error", err)
				return nil
			}

			dets, err := a.Locator.Detect(gctx, img)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				logCtx.Warn("Face detection failed, treating frame as faceless", "frame", filepath.Base(path), "error", err)
				return nil
			}

			b := img.Bounds()
			dets = FilterDetections(dets, b.Dx(), b.Dy())
			frames[i] = scaleDetections(dets, b.Dx(), b.Dy(), info.Width, info.Height)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return CropRegion{}, VideoInfo{}, err
	}

	if target <= 0 {
		target = info.AspectRatio()
	}
	region := SelectRegion(frames, info.Width, info.Height, target, a.Options)

	faces := 0
	for _, f := range frames {
		faces += len(f)
	}
	logCtx.Info("Crop region selected",
		"frames", len(frames), "faces", faces, "reason", region.Reason,
		"x", region.X, "y", region.Y, "width", region.Width, "height", region.Height,
		"confidence", region.Confidence)

	if a.DebugDir != "" {
		a.writeDebugFrames(videoPath, sample, frames, region)
	}

	return region, info, nil
}

func (a *Analyzer) writeDebugFrames(videoPath string, sample *Sample, frames [][]FaceDetection, region CropRegion) {
	stem := strings.TrimSuffix(filepath.Base(videoPath), filepath.Ext(videoPath))
	outDir := filepath.Join(a.DebugDir, stem)
	if err := os.MkdirAll(outDir, os.ModePerm); err != nil {
		slog.Warn("Failed to create debug directory", "dir", outDir, "error", err)
		return
	}
	for i, path := range sample.Frames {
		out := filepath.Join(outDir, filepath.Base(path))
		if err := AnnotateCrop(path, out, sample.Info, frames[i], region); err != nil {
			slog.Warn("Failed to annotate frame", "frame", filepath.Base(path), "error", err)
		}
	}
}

func decodeFrame(path string) (image.Image, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	img, _, err := image.Decode(file)
	if err != nil {
		return nil, fmt.Errorf("failed to decode frame: %w", err)
	}
	return img, nil
}
