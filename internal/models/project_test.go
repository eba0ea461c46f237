package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func TestLifecycleSuccess(t *testing.T) {
	p := NewProject(t0, false, 0)
	assert.Equal(t, StatusPending, p.Status)

	require.NoError(t, p.BeginRun(t0))
	assert.Equal(t, StatusProcessing, p.Status)

	require.NoError(t, p.CompleteRun(CompilationResult{
		PhotoWidth: 1440, PhotoHeight: 1920,
		VideoWidth: 1080, VideoHeight: 1080, VideoDurationMs: 10000,
		MarkerQuality: 0.8, KeyPointsCount: 412, CompilationTimeMs: 900,
	}, t0.Add(time.Second)))

	assert.Equal(t, StatusReady, p.Status)
	assert.Nil(t, p.ErrorMessage)
	require.NotNil(t, p.KeyPointsCount)
	assert.Equal(t, 412, *p.KeyPointsCount)
	assert.InDelta(t, 0.75, *p.PhotoAspectRatio, 1e-9)
	assert.Equal(t, int64(10000), *p.VideoDurationMs)
}

func TestLifecycleFailure(t *testing.T) {
	p := NewProject(t0, false, 0)
	require.NoError(t, p.BeginRun(t0))
	require.NoError(t, p.FailRun("no features", t0))

	assert.Equal(t, StatusError, p.Status)
	require.NotNil(t, p.ErrorMessage)
	assert.Equal(t, "no features", *p.ErrorMessage)
	assert.Nil(t, p.KeyPointsCount)

	// recompile clears the message again
	require.NoError(t, p.BeginRun(t0))
	assert.Nil(t, p.ErrorMessage)
}

func TestFailRunAlwaysSetsMessage(t *testing.T) {
	p := NewProject(t0, false, 0)
	require.NoError(t, p.BeginRun(t0))
	require.NoError(t, p.FailRun("", t0))
	require.NotNil(t, p.ErrorMessage)
	assert.NotEmpty(t, *p.ErrorMessage)
}

func TestTransitions(t *testing.T) {
	tests := []struct {
		from, to Status
		ok       bool
	}{
		{StatusPending, StatusProcessing, true},
		{StatusPending, StatusReady, false},
		{StatusProcessing, StatusReady, true},
		{StatusProcessing, StatusError, true},
		{StatusProcessing, StatusProcessing, false},
		{StatusReady, StatusProcessing, true},
		{StatusError, StatusProcessing, true},
		{StatusReady, StatusError, false},
		{StatusReady, StatusPending, false},
		{StatusError, StatusArchived, true},
		{StatusPending, StatusArchived, true},
		{StatusArchived, StatusProcessing, false},
		{StatusArchived, StatusArchived, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.ok, tt.from.CanTransition(tt.to))
		})
	}
}

func TestMetadataIsSetOnce(t *testing.T) {
	p := NewProject(t0, false, 0)
	require.NoError(t, p.BeginRun(t0))
	require.NoError(t, p.CompleteRun(CompilationResult{PhotoWidth: 800, PhotoHeight: 600}, t0))

	require.NoError(t, p.BeginRun(t0))
	require.NoError(t, p.CompleteRun(CompilationResult{PhotoWidth: 100, PhotoHeight: 100}, t0))

	assert.Equal(t, 800, *p.PhotoWidth)
	assert.Equal(t, 600, *p.PhotoHeight)
}

func TestCalibrationLeavesStatusAndDiagnostics(t *testing.T) {
	p := NewProject(t0, false, 0)
	require.NoError(t, p.BeginRun(t0))
	require.NoError(t, p.CompleteRun(CompilationResult{MarkerQuality: 0.6, KeyPointsCount: 90}, t0))

	contain := FitContain
	loop := false
	err := p.ApplyCalibration(Config{
		VideoPosition: &Vec3{X: 0.1, Y: -0.2, Z: 0.01},
		VideoScale:    &Scale2{Width: 1, Height: 0.75},
		FitMode:       &contain,
		Loop:          &loop,
	}, t0)
	require.NoError(t, err)

	assert.Equal(t, StatusReady, p.Status)
	assert.Equal(t, 0.6, *p.MarkerQuality)
	assert.Equal(t, 90, *p.KeyPointsCount)
	assert.True(t, p.IsCalibrated)
	assert.Equal(t, FitContain, p.FitMode)
	assert.Equal(t, "1", *p.ScaleWidth)
	assert.Equal(t, "0.75", *p.ScaleHeight)

	// a second patch merges instead of replacing
	require.NoError(t, p.ApplyCalibration(Config{VideoRotation: &Vec3{Z: 90}}, t0))
	require.NotNil(t, p.Config.VideoPosition)
	assert.Equal(t, 0.1, p.Config.VideoPosition.X)
	assert.Equal(t, 90.0, p.Config.VideoRotation.Z)
	assert.False(t, *p.Config.Loop)
}

func TestCalibrationValidation(t *testing.T) {
	p := NewProject(t0, false, 0)
	bogus := FitMode("zoom")
	assert.ErrorIs(t, p.ApplyCalibration(Config{FitMode: &bogus}, t0), ErrInvalidConfig)
	assert.ErrorIs(t, p.ApplyCalibration(Config{VideoScale: &Scale2{Width: 0, Height: 1}}, t0), ErrInvalidConfig)

	require.NoError(t, p.Archive(t0))
	assert.ErrorIs(t, p.ApplyCalibration(Config{}, t0), ErrArchived)
}

func TestDemoExtend(t *testing.T) {
	p := NewProject(t0, true, 24*time.Hour)
	require.NotNil(t, p.ExpiresAt)
	assert.Equal(t, t0.Add(24*time.Hour), *p.ExpiresAt)

	before := *p.ExpiresAt
	require.NoError(t, p.ExtendDemo(6, t0))
	assert.Equal(t, before.Add(6*time.Hour), *p.ExpiresAt)

	for _, hours := range []int{0, -3, 25} {
		err := p.ExtendDemo(hours, t0)
		assert.ErrorIs(t, err, ErrInvalidHours)
	}
	assert.Equal(t, before.Add(6*time.Hour), *p.ExpiresAt)
}

func TestExtendRejectsPermanentProject(t *testing.T) {
	p := NewProject(t0, false, 24*time.Hour)
	assert.Nil(t, p.ExpiresAt)
	assert.ErrorIs(t, p.ExtendDemo(2, t0), ErrNotDemo)
	assert.Nil(t, p.ExpiresAt)
}

func TestExpired(t *testing.T) {
	p := NewProject(t0, true, time.Hour)
	assert.False(t, p.Expired(t0.Add(59*time.Minute)))
	assert.True(t, p.Expired(t0.Add(time.Hour)))

	permanent := NewProject(t0, false, time.Hour)
	assert.False(t, permanent.Expired(t0.Add(1000*time.Hour)))
}

func TestCloneIsDeep(t *testing.T) {
	p := NewProject(t0, true, time.Hour)
	pos := Vec3{X: 1}
	p.Config.VideoPosition = &pos

	c := p.Clone()
	c.Config.VideoPosition.X = 5
	*c.ExpiresAt = t0

	assert.Equal(t, 1.0, p.Config.VideoPosition.X)
	assert.Equal(t, t0.Add(time.Hour), *p.ExpiresAt)
}

func TestPlaneScale(t *testing.T) {
	// 4:3 landscape photo, square video
	s := PlaneScale(800, 600, 1080, 1080, FitStretch)
	assert.InDelta(t, 1, s.Width, 1e-9)
	assert.InDelta(t, 0.75, s.Height, 1e-9)

	s = PlaneScale(800, 600, 1080, 1080, FitContain)
	assert.InDelta(t, 0.75, s.Width, 1e-9)
	assert.InDelta(t, 0.75, s.Height, 1e-9)

	s = PlaneScale(800, 600, 1080, 1080, FitCover)
	assert.InDelta(t, 1, s.Width, 1e-9)
	assert.InDelta(t, 1, s.Height, 1e-9)

	s = PlaneScale(0, 0, 1080, 1080, FitCover)
	assert.Equal(t, Scale2{Width: 1, Height: 1}, s)
}
