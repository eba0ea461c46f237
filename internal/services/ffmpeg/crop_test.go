package ffmpeg

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"living-photo/internal/services/face"
)

func TestCropCommandFloorsToEven(t *testing.T) {
	c := &Cropper{FFmpeg: "/opt/ffmpeg"}

	cmd, err := c.command("in.mp4", "out.mp4", face.CropRegion{X: 421, Y: 3, Width: 1081, Height: 1079})
	require.NoError(t, err)

	assert.Equal(t, "/opt/ffmpeg", cmd[0])
	assert.Contains(t, cmd, "crop=1080:1078:421:3")
	assert.Equal(t, "out.mp4", cmd[len(cmd)-1])
	assert.Contains(t, cmd, "libx264")
	assert.Contains(t, cmd, "aac")
}

func TestCropCommandDefaultsBinary(t *testing.T) {
	cmd, err := (&Cropper{}).command("in.mp4", "out.mp4", face.CropRegion{Width: 2, Height: 2})
	require.NoError(t, err)
	assert.Equal(t, "ffmpeg", cmd[0])
}

func TestCropRejectsInvalidRegion(t *testing.T) {
	for name, region := range map[string]face.CropRegion{
		"zero width":        {Width: 0, Height: 100},
		"one pixel tall":    {Width: 100, Height: 1},
		"negative position": {X: -1, Width: 100, Height: 100},
	} {
		t.Run(name, func(t *testing.T) {
			err := (&Cropper{}).Crop(context.Background(), "in.mp4", "out.mp4", region)

			var ce *CropApplicationError
			require.ErrorAs(t, err, &ce)
			assert.ErrorIs(t, err, ErrInvalidRegion)
			assert.Equal(t, region, ce.Region)
		})
	}
}

func TestCropReportsFFmpegFailure(t *testing.T) {
	c := &Cropper{FFmpeg: filepath.Join(t.TempDir(), "no-such-ffmpeg")}

	err := c.Crop(context.Background(), "in.mp4", "out.mp4", face.CropRegion{Width: 100, Height: 100})

	var ce *CropApplicationError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "in.mp4", ce.Input)
}
