package models

import (
	"time"

	"github.com/google/uuid"
)

// MaxItemsPerProject bounds album size; compile time grows linearly with it.
const MaxItemsPerProject = 100

// Item binds one marker photo to one overlay video inside a multi-target
// project. TargetIndex is the item's entry position in the compiled bundle.
type Item struct {
	ID          uuid.UUID `json:"id"`
	ProjectID   uuid.UUID `json:"projectId"`
	TargetIndex int       `json:"targetIndex"`
	Name        string    `json:"name"`

	PhotoURL string  `json:"photoUrl"`
	VideoURL string  `json:"videoUrl"`
	MaskURL  *string `json:"maskUrl,omitempty"`

	PhotoWidth  *int `json:"photoWidth,omitempty"`
	PhotoHeight *int `json:"photoHeight,omitempty"`
	VideoWidth  *int `json:"videoWidth,omitempty"`
	VideoHeight *int `json:"videoHeight,omitempty"`

	Config    Config    `json:"config"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (it *Item) ApplyCalibration(patch Config, now time.Time) error {
	if err := patch.Validate(); err != nil {
		return err
	}
	it.Config = it.Config.Merge(patch)
	it.UpdatedAt = now
	return nil
}

// SetMedia records the dimensions measured by the latest compile.
func (it *Item) SetMedia(photoW, photoH, videoW, videoH int) {
	if photoW > 0 && photoH > 0 {
		it.PhotoWidth, it.PhotoHeight = &photoW, &photoH
	}
	if videoW > 0 && videoH > 0 {
		it.VideoWidth, it.VideoHeight = &videoW, &videoH
	}
}

func (it Item) Clone() Item {
	out := it
	out.MaskURL = clonePtr(it.MaskURL)
	out.PhotoWidth = clonePtr(it.PhotoWidth)
	out.PhotoHeight = clonePtr(it.PhotoHeight)
	out.VideoWidth = clonePtr(it.VideoWidth)
	out.VideoHeight = clonePtr(it.VideoHeight)
	out.Config = it.Config.Clone()
	return out
}

const (
	StepPreprocess = "preprocess"
	StepCrop       = "crop"
	StepCompile    = "compile"
	StepPersist    = "persist"

	LogOK     = "ok"
	LogFailed = "failed"
)

// CompilationLog is one timed pipeline step of one run.
type CompilationLog struct {
	ID         uuid.UUID `json:"id"`
	ProjectID  uuid.UUID `json:"projectId"`
	Step       string    `json:"step"`
	Status     string    `json:"status"`
	DurationMs int64     `json:"durationMs"`
	Details    string    `json:"details,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}
