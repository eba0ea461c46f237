package models

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusReady      Status = "ready"
	StatusError      Status = "error"
	StatusArchived   Status = "archived"
)

const (
	MinExtendHours = 1
	MaxExtendHours = 24
)

var (
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrNotDemo           = errors.New("project is not a demo")
	ErrInvalidHours      = fmt.Errorf("hours must be between %d and %d", MinExtendHours, MaxExtendHours)
	ErrArchived          = errors.New("project is archived")
	ErrInvalidConfig     = errors.New("invalid config")
)

var transitions = map[Status][]Status{
	StatusPending:    {StatusProcessing, StatusArchived},
	StatusProcessing: {StatusReady, StatusError, StatusArchived},
	StatusReady:      {StatusProcessing, StatusArchived},
	StatusError:      {StatusProcessing, StatusArchived},
	StatusArchived:   {},
}

func (s Status) CanTransition(to Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == to {
			return true
		}
	}
	return false
}

// CropRegion is a rectangle in source-video pixels chosen for the overlay.
type CropRegion struct {
	X          int     `json:"x"`
	Y          int     `json:"y"`
	Width      int     `json:"width"`
	Height     int     `json:"height"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason"`
}

type Project struct {
	ID     uuid.UUID `json:"id"`
	Status Status    `json:"status"`

	PhotoURL string  `json:"photoUrl"`
	VideoURL *string `json:"videoUrl,omitempty"`
	MaskURL  *string `json:"maskUrl,omitempty"`

	PhotoWidth       *int     `json:"photoWidth,omitempty"`
	PhotoHeight      *int     `json:"photoHeight,omitempty"`
	VideoWidth       *int     `json:"videoWidth,omitempty"`
	VideoHeight      *int     `json:"videoHeight,omitempty"`
	VideoDurationMs  *int64   `json:"videoDurationMs,omitempty"`
	PhotoAspectRatio *float64 `json:"photoAspectRatio,omitempty"`
	VideoAspectRatio *float64 `json:"videoAspectRatio,omitempty"`

	FitMode      FitMode `json:"fitMode"`
	ScaleWidth   *string `json:"scaleWidth,omitempty"`
	ScaleHeight  *string `json:"scaleHeight,omitempty"`
	IsCalibrated bool    `json:"isCalibrated"`

	MarkerQuality     *float64 `json:"markerQuality,omitempty"`
	KeyPointsCount    *int     `json:"keyPointsCount,omitempty"`
	CompilationTimeMs *int64   `json:"compilationTimeMs,omitempty"`

	ErrorMessage *string `json:"errorMessage,omitempty"`
	Config       Config  `json:"config"`

	IsDemo    bool       `json:"isDemo"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	OrderID   *string    `json:"orderId,omitempty"`

	CropAspectRatio *float64    `json:"cropAspectRatio,omitempty"`
	CropRegion      *CropRegion `json:"cropRegion,omitempty"`

	CompilationStartedAt  *time.Time `json:"compilationStartedAt,omitempty"`
	CompilationFinishedAt *time.Time `json:"compilationFinishedAt,omitempty"`
	CreatedAt             time.Time  `json:"createdAt"`
	UpdatedAt             time.Time  `json:"updatedAt"`
}

// NewProject returns a pending project. Demo projects expire ttl after now.
func NewProject(now time.Time, isDemo bool, ttl time.Duration) *Project {
	p := &Project{
		ID:        uuid.New(),
		Status:    StatusPending,
		FitMode:   FitCover,
		IsDemo:    isDemo,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if isDemo {
		exp := now.Add(ttl)
		p.ExpiresAt = &exp
	}
	return p
}

// CompilationResult carries everything a successful run learned about the
// project's media plus the compiler diagnostics.
type CompilationResult struct {
	PhotoWidth      int
	PhotoHeight     int
	VideoWidth      int
	VideoHeight     int
	VideoDurationMs int64
	CropRegion      *CropRegion

	MarkerQuality     float64
	KeyPointsCount    int
	CompilationTimeMs int64
}

func (p *Project) transition(to Status, now time.Time) error {
	if !p.Status.CanTransition(to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, p.Status, to)
	}
	p.Status = to
	p.UpdatedAt = now
	return nil
}

// BeginRun moves the project into processing. Recompiling a ready or failed
// project goes through here as well.
func (p *Project) BeginRun(now time.Time) error {
	if err := p.transition(StatusProcessing, now); err != nil {
		return err
	}
	p.ErrorMessage = nil
	p.CompilationStartedAt = &now
	p.CompilationFinishedAt = nil
	return nil
}

func (p *Project) CompleteRun(res CompilationResult, now time.Time) error {
	if err := p.transition(StatusReady, now); err != nil {
		return err
	}
	p.ErrorMessage = nil
	p.CompilationFinishedAt = &now

	quality := res.MarkerQuality
	keyPoints := res.KeyPointsCount
	elapsed := res.CompilationTimeMs
	p.MarkerQuality = &quality
	p.KeyPointsCount = &keyPoints
	p.CompilationTimeMs = &elapsed

	if res.PhotoWidth > 0 && res.PhotoHeight > 0 {
		setOnce(&p.PhotoWidth, res.PhotoWidth)
		setOnce(&p.PhotoHeight, res.PhotoHeight)
		setOnce(&p.PhotoAspectRatio, round3(float64(res.PhotoWidth)/float64(res.PhotoHeight)))
	}
	if res.VideoWidth > 0 && res.VideoHeight > 0 {
		setOnce(&p.VideoWidth, res.VideoWidth)
		setOnce(&p.VideoHeight, res.VideoHeight)
		setOnce(&p.VideoDurationMs, res.VideoDurationMs)
		setOnce(&p.VideoAspectRatio, round3(float64(res.VideoWidth)/float64(res.VideoHeight)))
	}
	if res.CropRegion != nil {
		r := *res.CropRegion
		p.CropRegion = &r
	}
	return nil
}

func (p *Project) FailRun(message string, now time.Time) error {
	if err := p.transition(StatusError, now); err != nil {
		return err
	}
	if message == "" {
		message = "compilation failed"
	}
	p.ErrorMessage = &message
	p.CompilationFinishedAt = &now
	return nil
}

// Archive soft-deletes the project. It is allowed from every state except
// archived itself.
func (p *Project) Archive(now time.Time) error {
	if err := p.transition(StatusArchived, now); err != nil {
		return err
	}
	p.ErrorMessage = nil
	return nil
}

// ApplyCalibration merges patch into the config and mirrors the scale and
// fit mode into the flattened columns. Status and diagnostics are left alone.
func (p *Project) ApplyCalibration(patch Config, now time.Time) error {
	if p.Status == StatusArchived {
		return ErrArchived
	}
	if err := patch.Validate(); err != nil {
		return err
	}
	p.Config = p.Config.Merge(patch)
	if patch.VideoScale != nil {
		w := formatDecimal(patch.VideoScale.Width)
		h := formatDecimal(patch.VideoScale.Height)
		p.ScaleWidth = &w
		p.ScaleHeight = &h
	}
	if patch.FitMode != nil {
		p.FitMode = *patch.FitMode
	}
	p.IsCalibrated = true
	p.UpdatedAt = now
	return nil
}

// ExtendDemo pushes the expiry forward. It can never shorten the deadline
// nor turn a demo into a permanent project.
func (p *Project) ExtendDemo(hours int, now time.Time) error {
	if !p.IsDemo || p.ExpiresAt == nil {
		return ErrNotDemo
	}
	if hours < MinExtendHours || hours > MaxExtendHours {
		return ErrInvalidHours
	}
	exp := p.ExpiresAt.Add(time.Duration(hours) * time.Hour)
	p.ExpiresAt = &exp
	p.UpdatedAt = now
	return nil
}

func (p *Project) Expired(now time.Time) bool {
	return p.IsDemo && p.ExpiresAt != nil && !now.Before(*p.ExpiresAt)
}

// Clone returns a deep copy.
func (p Project) Clone() Project {
	out := p
	out.VideoURL = clonePtr(p.VideoURL)
	out.MaskURL = clonePtr(p.MaskURL)
	out.PhotoWidth = clonePtr(p.PhotoWidth)
	out.PhotoHeight = clonePtr(p.PhotoHeight)
	out.VideoWidth = clonePtr(p.VideoWidth)
	out.VideoHeight = clonePtr(p.VideoHeight)
	out.VideoDurationMs = clonePtr(p.VideoDurationMs)
	out.PhotoAspectRatio = clonePtr(p.PhotoAspectRatio)
	out.VideoAspectRatio = clonePtr(p.VideoAspectRatio)
	out.ScaleWidth = clonePtr(p.ScaleWidth)
	out.ScaleHeight = clonePtr(p.ScaleHeight)
	out.MarkerQuality = clonePtr(p.MarkerQuality)
	out.KeyPointsCount = clonePtr(p.KeyPointsCount)
	out.CompilationTimeMs = clonePtr(p.CompilationTimeMs)
	out.ErrorMessage = clonePtr(p.ErrorMessage)
	out.Config = p.Config.Clone()
	out.ExpiresAt = clonePtr(p.ExpiresAt)
	out.OrderID = clonePtr(p.OrderID)
	out.CropAspectRatio = clonePtr(p.CropAspectRatio)
	out.CropRegion = clonePtr(p.CropRegion)
	out.CompilationStartedAt = clonePtr(p.CompilationStartedAt)
	out.CompilationFinishedAt = clonePtr(p.CompilationFinishedAt)
	return out
}

func clonePtr[T any](v *T) *T {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func setOnce[T any](dst **T, v T) {
	if *dst == nil {
		*dst = &v
	}
}

func round3(f float64) float64 {
	return float64(int64(f*1000+0.5)) / 1000
}

func formatDecimal(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
