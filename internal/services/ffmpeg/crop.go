package ffmpeg

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"living-photo/internal/services/face"
	"living-photo/internal/utils"
)

var ErrInvalidRegion = errors.New("invalid crop region")

// CropApplicationError wraps a failed crop of Input.
type CropApplicationError struct {
	Input  string
	Region face.CropRegion
	Err    error
}

func (e *CropApplicationError) Error() string {
	return fmt.Sprintf("crop %s to %dx%d+%d+%d: %v", filepath.Base(e.Input),
		e.Region.Width, e.Region.Height, e.Region.X, e.Region.Y, e.Err)
}

func (e *CropApplicationError) Unwrap() error { return e.Err }

// Cropper cuts a fixed rectangle out of every frame and re-encodes to
// H.264 + AAC so the overlay plays in any browser.
type Cropper struct {
	FFmpeg string
}

func (c *Cropper) Crop(ctx context.Context, input, output string, region face.CropRegion) error {
	cmd, err := c.command(input, output, region)
	if err != nil {
		return &CropApplicationError{Input: input, Region: region, Err: err}
	}

	slog.Debug("Running ffmpeg crop", "cmd", cmd)
	out, err := utils.Exec(ctx, cmd...)
	if err != nil {
		return &CropApplicationError{Input: input, Region: region,
			Err: fmt.Errorf("%w: %s", err, utils.LastLine(out))}
	}
	return nil
}

func (c *Cropper) command(input, output string, region face.CropRegion) ([]string, error) {
	// yuv420p needs even dimensions
	w := region.Width &^ 1
	h := region.Height &^ 1
	if w <= 0 || h <= 0 || region.X < 0 || region.Y < 0 {
		return nil, ErrInvalidRegion
	}

	bin := c.FFmpeg
	if bin == "" {
		bin = "ffmpeg"
	}
	return []string{
		bin,
		"-y", // overwrite output
		"-i", input,
		"-vf", fmt.Sprintf("crop=%d:%d:%d:%d", w, h, region.X, region.Y),
		"-c:v", "libx264", // transcode video to H.264
		"-pix_fmt", "yuv420p",
		"-preset", "fast",
		"-crf", "23",
		"-c:a", "aac",
		"-movflags", "+faststart",
		output,
	}, nil
}
