// Package pipeline turns a project's uploads into its published artifacts:
// preprocessed photos, cropped overlay videos and the tracking bundle.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"living-photo/internal/models"
	"living-photo/internal/services/face"
	"living-photo/internal/services/marker"
	"living-photo/internal/services/notify"
	"living-photo/internal/services/photo"
	"living-photo/internal/storage"
	"living-photo/internal/store"
)

var ErrNoTargets = errors.New("project has no photo to compile")

const interruptedMessage = "compilation interrupted"

// CropSelector chooses the overlay rectangle for a video.
type CropSelector interface {
	SelectCrop(ctx context.Context, videoPath string, target float64) (face.CropRegion, face.VideoInfo, error)
}

type VideoCropper interface {
	Crop(ctx context.Context, input, output string, region face.CropRegion) error
}

type Notifier interface {
	Notify(ctx context.Context, ev notify.Event) error
}

type Orchestrator struct {
	Store    store.Store
	Files    *storage.Files
	Photos   *photo.Preprocessor
	Analyzer CropSelector
	Cropper  VideoCropper
	Compiler *marker.Compiler
	Progress *ProgressTracker
	Notifier Notifier
	Now      func() time.Time
}

// target is one photo/video pair in bundle order.
type target struct {
	index    int
	item     *models.Item // nil for a single-target project
	photoURL string
	videoURL *string
	maskURL  *string

	photoFile, videoFile, maskFile string
}

// media is what a run measured for one target.
type media struct {
	photoW, photoH int
	videoW, videoH int
	durationMs     int64
	region         *models.CropRegion
}

func (o *Orchestrator) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now().UTC()
}

// Run compiles a project. A project deleted before the run starts is not an
// error. When ctx is cancelled mid-run nothing is published.
func (o *Orchestrator) Run(ctx context.Context, id uuid.UUID) error {
	logCtx := slog.With("projectId", id)

	project, err := o.Store.UpdateProject(ctx, id, func(p *models.Project) error {
		return p.BeginRun(o.now())
	})
	if errors.Is(err, store.ErrNotFound) {
		logCtx.Info("Project no longer exists, skipping run")
		return nil
	}
	if err != nil {
		return err
	}

	o.Progress.Set(id, 0)
	defer o.Progress.Clear(id)

	logCtx.Info("Compilation started")
	res, items, err := o.build(ctx, logCtx, project)

	if err != nil && ctx.Err() != nil {
		// deleted, archived or shutting down: leave published files alone
		logCtx.Warn("Compilation cancelled", "error", ctx.Err())
		o.markInterrupted(id)
		return ctx.Err()
	}
	if err != nil {
		logCtx.Error("Compilation failed", "error", err)
		o.finishFailed(ctx, logCtx, id, err)
		return err
	}

	// the artifacts are published, so record them even if ctx ends now
	ctx = context.WithoutCancel(ctx)

	order := make([]uuid.UUID, 0, len(items))
	for _, it := range items {
		order = append(order, it.id)
		m := it.media
		_, uerr := o.Store.UpdateItem(ctx, id, it.id, func(item *models.Item) error {
			item.SetMedia(m.photoW, m.photoH, m.videoW, m.videoH)
			item.UpdatedAt = o.now()
			return nil
		})
		if uerr != nil && !errors.Is(uerr, store.ErrNotFound) {
			logCtx.Warn("Failed to record item media", "itemId", it.id, "error", uerr)
		}
	}

	updated, err := o.Store.CommitTargets(ctx, id, order, func(p *models.Project) error {
		return p.CompleteRun(*res, o.now())
	})
	if err != nil {
		logCtx.Error("Failed to record compilation result", "error", err)
		return err
	}

	logCtx.Info("Compilation finished",
		"keyPoints", res.KeyPointsCount, "quality", res.MarkerQuality, "elapsedMs", res.CompilationTimeMs)
	o.notify(ctx, logCtx, notify.Event{
		Type:              notify.EventCompilationComplete,
		ProjectID:         id,
		OrderID:           updated.OrderID,
		Status:            string(updated.Status),
		MarkerQuality:     updated.MarkerQuality,
		KeyPointsCount:    updated.KeyPointsCount,
		CompilationTimeMs: updated.CompilationTimeMs,
	})
	return nil
}

type itemMedia struct {
	id    uuid.UUID
	media media
}

func (o *Orchestrator) build(ctx context.Context, logCtx *slog.Logger, project *models.Project) (*models.CompilationResult, []itemMedia, error) {
	id := project.ID

	targets, bundleName, err := o.targets(ctx, project)
	if err != nil {
		return nil, nil, err
	}

	stage, err := o.Files.Stage(id)
	if err != nil {
		return nil, nil, err
	}
	defer stage.Discard()

	images := make([]image.Image, len(targets))
	measured := make([]media, len(targets))

	started := time.Now()
	for i, t := range targets {
		img, err := o.preparePhoto(id, t, stage)
		if err != nil {
			o.logStep(ctx, id, models.StepPreprocess, started, err, fmt.Sprintf("target %d", t.index))
			return nil, nil, err
		}
		images[i] = img
		b := img.Bounds()
		measured[i].photoW, measured[i].photoH = b.Dx(), b.Dy()
	}
	o.logStep(ctx, id, models.StepPreprocess, started, nil, fmt.Sprintf("%d photo(s)", len(targets)))

	started = time.Now()
	cropped := 0
	for i, t := range targets {
		if t.videoURL == nil {
			continue
		}
		aspect := float64(measured[i].photoW) / float64(measured[i].photoH)
		if project.CropAspectRatio != nil && *project.CropAspectRatio > 0 {
			aspect = *project.CropAspectRatio
		}
		if err := o.prepareVideo(ctx, id, t, stage, aspect, &measured[i]); err != nil {
			o.logStep(ctx, id, models.StepCrop, started, err, fmt.Sprintf("target %d", t.index))
			return nil, nil, err
		}
		logCtx.Info("Video cropped", "target", t.index, "region", measured[i].region)
		cropped++
	}
	if cropped > 0 {
		o.logStep(ctx, id, models.StepCrop, started, nil, fmt.Sprintf("%d video(s)", cropped))
	}

	started = time.Now()
	progress := make(chan marker.Progress, 16)
	wait := o.Progress.Follow(id, progress)
	compiled, err := o.Compiler.Compile(ctx, images, progress)
	close(progress)
	wait()
	if err != nil {
		o.logStep(ctx, id, models.StepCompile, started, err, "")
		return nil, nil, err
	}
	o.logStep(ctx, id, models.StepCompile, started, nil,
		fmt.Sprintf("%d target(s), %d keypoints", len(targets), compiled.KeyPointsCount))

	started = time.Now()
	if err := stage.Write(bundleName, compiled.Bundle); err != nil {
		o.logStep(ctx, id, models.StepPersist, started, err, bundleName)
		return nil, nil, err
	}
	// a cancelled run must not publish over a deleted or archived project
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	if err := stage.Commit(); err != nil {
		o.logStep(ctx, id, models.StepPersist, started, err, bundleName)
		return nil, nil, err
	}
	o.logStep(ctx, id, models.StepPersist, started, nil, bundleName)

	res := &models.CompilationResult{
		MarkerQuality:     compiled.Quality,
		KeyPointsCount:    compiled.KeyPointsCount,
		CompilationTimeMs: compiled.Elapsed.Milliseconds(),
	}

	var items []itemMedia
	for i, t := range targets {
		if t.item != nil {
			items = append(items, itemMedia{id: t.item.ID, media: measured[i]})
			continue
		}
		m := measured[i]
		res.PhotoWidth, res.PhotoHeight = m.photoW, m.photoH
		res.VideoWidth, res.VideoHeight = m.videoW, m.videoH
		res.VideoDurationMs = m.durationMs
		res.CropRegion = m.region
	}
	return res, items, nil
}

// targets lists what to compile. Items keep their stored order but are
// packed to bundle positions 0..n-1; the store only adopts those positions
// once the run commits.
func (o *Orchestrator) targets(ctx context.Context, project *models.Project) ([]target, string, error) {
	items, err := o.Store.ListItems(ctx, project.ID)
	if err != nil {
		return nil, "", err
	}

	if len(items) == 0 {
		if project.PhotoURL == "" {
			return nil, "", ErrNoTargets
		}
		return []target{{
			photoURL:  project.PhotoURL,
			videoURL:  project.VideoURL,
			maskURL:   project.MaskURL,
			photoFile: storage.PhotoFile,
			videoFile: storage.VideoFile,
			maskFile:  storage.MaskFile,
		}}, storage.SingleBundle, nil
	}

	targets := make([]target, len(items))
	for i := range items {
		it := &items[i]
		video := it.VideoURL
		targets[i] = target{
			index:     i,
			item:      it,
			photoURL:  it.PhotoURL,
			videoURL:  &video,
			maskURL:   it.MaskURL,
			photoFile: storage.ItemPhotoFile(i),
			videoFile: storage.ItemVideoFile(i),
			maskFile:  storage.ItemMaskFile(i),
		}
	}
	return targets, storage.MultiBundle, nil
}

func (o *Orchestrator) preparePhoto(id uuid.UUID, t target, stage *storage.Stage) (image.Image, error) {
	src, err := o.Files.Resolve(id, t.photoURL)
	if err != nil {
		return nil, &photo.PreprocessError{Path: t.photoURL, Err: err}
	}
	img, err := o.Photos.Process(src)
	if err != nil {
		return nil, err
	}
	if err := photo.SaveJPEG(img, stage.Path(t.photoFile)); err != nil {
		return nil, err
	}

	if t.maskURL != nil {
		mask, err := o.Files.Resolve(id, *t.maskURL)
		if err != nil {
			return nil, &storage.PersistenceError{Op: "resolve", Path: *t.maskURL, Err: err}
		}
		if err := storage.CopyFile(mask, stage.Path(t.maskFile)); err != nil {
			return nil, err
		}
	}
	return img, nil
}

func (o *Orchestrator) prepareVideo(ctx context.Context, id uuid.UUID, t target, stage *storage.Stage, aspect float64, m *media) error {
	src, err := o.Files.Resolve(id, *t.videoURL)
	if err != nil {
		return &face.FrameExtractionError{Video: *t.videoURL, Timestamp: -1, Err: err}
	}

	region, info, err := o.Analyzer.SelectCrop(ctx, src, aspect)
	if err != nil {
		return err
	}
	if err := o.Cropper.Crop(ctx, src, stage.Path(t.videoFile), region); err != nil {
		return err
	}

	// the encoder floors odd sizes, so report what was actually written
	m.videoW, m.videoH = region.Width&^1, region.Height&^1
	m.durationMs = int64(info.Duration * 1000)
	m.region = &models.CropRegion{
		X:          region.X,
		Y:          region.Y,
		Width:      region.Width,
		Height:     region.Height,
		Confidence: region.Confidence,
		Reason:     region.Reason,
	}
	return nil
}

func (o *Orchestrator) finishFailed(ctx context.Context, logCtx *slog.Logger, id uuid.UUID, cause error) {
	updated, err := o.Store.UpdateProject(ctx, id, func(p *models.Project) error {
		return p.FailRun(cause.Error(), o.now())
	})
	if err != nil {
		logCtx.Error("Failed to record compilation failure", "error", err)
		return
	}
	o.notify(ctx, logCtx, notify.Event{
		Type:      notify.EventCompilationFailed,
		ProjectID: id,
		OrderID:   updated.OrderID,
		Status:    string(updated.Status),
		Error:     cause.Error(),
	})
}

// RecoverInterrupted fails every project left in processing by a previous
// process, so it can be recompiled. Call it before any run starts.
func (o *Orchestrator) RecoverInterrupted(ctx context.Context) (int, error) {
	all, err := o.Store.ListProjects(ctx, false)
	if err != nil {
		return 0, err
	}
	recovered := 0
	for _, p := range all {
		if p.Status != models.StatusProcessing {
			continue
		}
		_, err := o.Store.UpdateProject(ctx, p.ID, func(p *models.Project) error {
			if p.Status != models.StatusProcessing {
				return models.ErrInvalidTransition
			}
			return p.FailRun(interruptedMessage, o.now())
		})
		if errors.Is(err, store.ErrNotFound) || errors.Is(err, models.ErrInvalidTransition) {
			continue
		}
		if err != nil {
			return recovered, err
		}
		slog.Warn("Recovered interrupted compilation", "projectId", p.ID)
		recovered++
	}
	return recovered, nil
}

// markInterrupted moves a run that was cut short back out of processing so
// it can be recompiled. Deleted and archived projects are left as they are.
func (o *Orchestrator) markInterrupted(id uuid.UUID) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := o.Store.UpdateProject(ctx, id, func(p *models.Project) error {
		if p.Status != models.StatusProcessing {
			return models.ErrInvalidTransition
		}
		return p.FailRun(interruptedMessage, o.now())
	})
	if err != nil && !errors.Is(err, store.ErrNotFound) && !errors.Is(err, models.ErrInvalidTransition) {
		slog.Warn("Failed to mark interrupted run", "projectId", id, "error", err)
	}
}

func (o *Orchestrator) logStep(ctx context.Context, id uuid.UUID, step string, started time.Time, stepErr error, details string) {
	status := models.LogOK
	if stepErr != nil {
		status = models.LogFailed
		if details != "" {
			details += ": "
		}
		details += stepErr.Error()
	}
	err := o.Store.AppendLog(ctx, &models.CompilationLog{
		ID:         uuid.New(),
		ProjectID:  id,
		Step:       step,
		Status:     status,
		DurationMs: time.Since(started).Milliseconds(),
		Details:    details,
		CreatedAt:  o.now(),
	})
	if err != nil && ctx.Err() == nil {
		slog.Warn("Failed to append compilation log", "projectId", id, "step", step, "error", err)
	}
}

func (o *Orchestrator) notify(ctx context.Context, logCtx *slog.Logger, ev notify.Event) {
	if o.Notifier == nil {
		return
	}
	if err := o.Notifier.Notify(ctx, ev); err != nil {
		logCtx.Warn("Webhook delivery failed", "event", ev.Type, "error", err)
	}
}
