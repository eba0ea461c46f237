package face

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"

	"golang.org/x/sync/errgroup"

	"living-photo/internal/utils"
)

const (
	DefaultFrameCount       = 5
	defaultFrameConcurrency = 4
)

// FrameExtractionError reports a failure to probe the video or to pull a
// frame out of it. Timestamp is -1 when the failure happened while probing.
type FrameExtractionError struct {
	Video     string
	Timestamp int
	Err       error
}

func (e *FrameExtractionError) Error() string {
	if e.Timestamp < 0 {
		return fmt.Sprintf("probe %s: %v", filepath.Base(e.Video), e.Err)
	}
	return fmt.Sprintf("extract frame at %ds from %s: %v", e.Timestamp, filepath.Base(e.Video), e.Err)
}

func (e *FrameExtractionError) Unwrap() error { return e.Err }

// Sample is the result of sampling a video: its probed info and the frame
// files in timestamp order.
type Sample struct {
	Info       VideoInfo
	Frames     []string
	Timestamps []int
}

// FrameSampler writes representative frames of a video into dir.
type FrameSampler interface {
	Sample(ctx context.Context, videoPath, dir string) (*Sample, error)
}

// FFmpegSampler samples frames with the ffprobe and ffmpeg binaries.
type FFmpegSampler struct {
	FFmpeg      string
	FFprobe     string
	Count       int
	Concurrency int
}

// SampleTimestamps spreads k whole-second timestamps evenly over the video,
// skipping the very start and end.
func SampleTimestamps(duration float64, k int) []int {
	if k <= 0 {
		k = DefaultFrameCount
	}
	interval := max(1, int(math.Floor(duration/float64(k+1))))

	var out []int
	for i := 1; i <= k; i++ {
		t := interval * i
		if float64(t) >= duration {
			break
		}
		out = append(out, t)
	}
	if len(out) == 0 {
		return []int{0}
	}
	return out
}

type probeOutput struct {
	Streams []struct {
		CodecType string            `json:"codec_type"`
		Width     int               `json:"width"`
		Height    int               `json:"height"`
		Duration  string            `json:"duration"`
		Tags      map[string]string `json:"tags"`
		SideData  []struct {
			Rotation float64 `json:"rotation"`
		} `json:"side_data_list"`
	} `json:"streams"`
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

// ProbeVideo reads display dimensions and duration with ffprobe.
func ProbeVideo(ctx context.Context, ffprobe, videoPath string) (VideoInfo, error) {
	if ffprobe == "" {
		ffprobe = "ffprobe"
	}
	out, err := utils.Exec(ctx, ffprobe,
		"-v", "error",
		"-print_format", "json",
		"-show_streams",
		"-show_format",
		videoPath,
	)
	if err != nil {
		return VideoInfo{}, &FrameExtractionError{Video: videoPath, Timestamp: -1,
			Err: fmt.Errorf("ffprobe: %w: %s", err, utils.LastLine(out))}
	}
	info, err := parseProbe([]byte(out))
	if err != nil {
		return VideoInfo{}, &FrameExtractionError{Video: videoPath, Timestamp: -1, Err: err}
	}
	return info, nil
}

func parseProbe(data []byte) (VideoInfo, error) {
	var probe probeOutput
	if err := json.Unmarshal(data, &probe); err != nil {
		return VideoInfo{}, fmt.Errorf("failed to parse ffprobe output: %w", err)
	}

	for _, s := range probe.Streams {
		if s.CodecType != "video" {
			continue
		}
		if s.Width <= 0 || s.Height <= 0 {
			return VideoInfo{}, fmt.Errorf("video stream has no dimensions")
		}

		info := VideoInfo{Width: s.Width, Height: s.Height}
		if rotated(s.Tags["rotate"], s.SideData) {
			info.Width, info.Height = info.Height, info.Width
		}

		d := probe.Format.Duration
		if d == "" {
			d = s.Duration
		}
		info.Duration, _ = strconv.ParseFloat(d, 64)
		if info.Duration <= 0 {
			return VideoInfo{}, fmt.Errorf("video has no duration")
		}
		return info, nil
	}
	return VideoInfo{}, fmt.Errorf("no video stream")
}

// rotated reports a quarter turn in either the legacy rotate tag or the
// display matrix side data.
func rotated(tag string, sideData []struct {
	Rotation float64 `json:"rotation"`
}) bool {
	quarter := func(deg float64) bool {
		d := math.Mod(math.Abs(deg), 180)
		return d == 90
	}
	if tag != "" {
		if deg, err := strconv.ParseFloat(tag, 64); err == nil && quarter(deg) {
			return true
		}
	}
	for _, sd := range sideData {
		if quarter(sd.Rotation) {
			return true
		}
	}
	return false
}

func (s *FFmpegSampler) Sample(ctx context.Context, videoPath, dir string) (*Sample, error) {
	info, err := ProbeVideo(ctx, s.FFprobe, videoPath)
	if err != nil {
		return nil, err
	}

	timestamps := SampleTimestamps(info.Duration, s.Count)
	frames := make([]string, len(timestamps))

	g, gctx := errgroup.WithContext(ctx)
	limit := s.Concurrency
	if limit <= 0 {
		limit = defaultFrameConcurrency
	}
	g.SetLimit(limit)

	for i, ts := range timestamps {
		out := filepath.Join(dir, fmt.Sprintf("frame_%03d.jpg", i))
		frames[i] = out
		g.Go(func() error {
			return s.extract(gctx, videoPath, ts, out)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return &Sample{Info: info, Frames: frames, Timestamps: timestamps}, nil
}

func (s *FFmpegSampler) extract(ctx context.Context, videoPath string, ts int, out string) error {
	ffmpeg := s.FFmpeg
	if ffmpeg == "" {
		ffmpeg = "ffmpeg"
	}
	cmd := []string{
		ffmpeg,
		"-y",
		"-ss", strconv.Itoa(ts),
		"-i", videoPath,
		"-frames:v", "1",
		"-q:v", "2", // JPEG quality
		out,
	}

	output, err := utils.Exec(ctx, cmd...)
	if err != nil {
		return &FrameExtractionError{Video: videoPath, Timestamp: ts,
			Err: fmt.Errorf("%w: %s", err, utils.LastLine(output))}
	}
	// ffmpeg exits 0 without writing anything when seeking past the end
	if _, err := os.Stat(out); err != nil {
		return &FrameExtractionError{Video: videoPath, Timestamp: ts, Err: fmt.Errorf("no frame written")}
	}
	return nil
}
