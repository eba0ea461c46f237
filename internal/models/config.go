package models

import "fmt"

type FitMode string

const (
	FitContain FitMode = "contain"
	FitCover   FitMode = "cover"
	FitStretch FitMode = "stretch"
)

func (f FitMode) Valid() bool {
	switch f {
	case FitContain, FitCover, FitStretch:
		return true
	}
	return false
}

type Vec3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

type Scale2 struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Config is the overlay calibration read by the viewer at display time.
// Every field is optional; a nil field means "not set" in a stored config
// and "leave unchanged" in a patch.
type Config struct {
	VideoPosition *Vec3    `json:"videoPosition,omitempty"`
	VideoRotation *Vec3    `json:"videoRotation,omitempty"`
	VideoScale    *Scale2  `json:"videoScale,omitempty"`
	FitMode       *FitMode `json:"fitMode,omitempty"`
	AutoPlay      *bool    `json:"autoPlay,omitempty"`
	Loop          *bool    `json:"loop,omitempty"`
}

func (c Config) Validate() error {
	if c.FitMode != nil && !c.FitMode.Valid() {
		return fmt.Errorf("%w: unknown fitMode %q", ErrInvalidConfig, *c.FitMode)
	}
	if c.VideoScale != nil && (c.VideoScale.Width <= 0 || c.VideoScale.Height <= 0) {
		return fmt.Errorf("%w: videoScale must be positive", ErrInvalidConfig)
	}
	return nil
}

// Merge returns c with every non-nil field of patch applied.
func (c Config) Merge(patch Config) Config {
	out := c.Clone()
	if patch.VideoPosition != nil {
		v := *patch.VideoPosition
		out.VideoPosition = &v
	}
	if patch.VideoRotation != nil {
		v := *patch.VideoRotation
		out.VideoRotation = &v
	}
	if patch.VideoScale != nil {
		v := *patch.VideoScale
		out.VideoScale = &v
	}
	if patch.FitMode != nil {
		v := *patch.FitMode
		out.FitMode = &v
	}
	if patch.AutoPlay != nil {
		v := *patch.AutoPlay
		out.AutoPlay = &v
	}
	if patch.Loop != nil {
		v := *patch.Loop
		out.Loop = &v
	}
	return out
}

// Clone deep-copies the config so stored values never alias caller memory.
func (c Config) Clone() Config {
	var out Config
	if c.VideoPosition != nil {
		v := *c.VideoPosition
		out.VideoPosition = &v
	}
	if c.VideoRotation != nil {
		v := *c.VideoRotation
		out.VideoRotation = &v
	}
	if c.VideoScale != nil {
		v := *c.VideoScale
		out.VideoScale = &v
	}
	if c.FitMode != nil {
		v := *c.FitMode
		out.FitMode = &v
	}
	if c.AutoPlay != nil {
		v := *c.AutoPlay
		out.AutoPlay = &v
	}
	if c.Loop != nil {
		v := *c.Loop
		out.Loop = &v
	}
	return out
}

// PlaneScale sizes the video plane relative to the tracked photo, whose
// width is 1 in the tracking runtime's units.
func PlaneScale(photoW, photoH, videoW, videoH int, fit FitMode) Scale2 {
	if photoW <= 0 || photoH <= 0 {
		return Scale2{Width: 1, Height: 1}
	}
	photoAR := float64(photoW) / float64(photoH)
	planeH := 1 / photoAR

	if fit == FitStretch || videoW <= 0 || videoH <= 0 {
		return Scale2{Width: 1, Height: planeH}
	}

	videoAR := float64(videoW) / float64(videoH)
	switch fit {
	case FitContain:
		if videoAR > photoAR {
			return Scale2{Width: 1, Height: 1 / videoAR}
		}
		return Scale2{Width: planeH * videoAR, Height: planeH}
	default:
		// cover: the video fills the photo; the viewer masks the overflow.
		if videoAR > photoAR {
			return Scale2{Width: planeH * videoAR, Height: planeH}
		}
		return Scale2{Width: 1, Height: 1 / videoAR}
	}
}
