// Package projects implements the operations exposed over HTTP: project and
// item lifecycle, calibration, demo handling and compile scheduling.
package projects

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"living-photo/internal/models"
	"living-photo/internal/storage"
	"living-photo/internal/store"
	"living-photo/internal/workers"
)

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrDemoExpired  = errors.New("demo project has expired")
	ErrMultiTarget  = errors.New("project has items; calibrate each item instead")
)

const DefaultDemoTTL = 24 * time.Hour

// Scheduler is the part of the job processor the service drives.
type Scheduler interface {
	Submit(id uuid.UUID) error
	Resubmit(id uuid.UUID) error
	Cancel(id uuid.UUID)
	Busy(id uuid.UUID) bool
}

type ProgressReader interface {
	Get(id uuid.UUID) (int, bool)
}

// Upload is one received file.
type Upload struct {
	Filename string
	Body     io.Reader
}

type CreateInput struct {
	Photo *Upload
	Video *Upload
	Mask  *Upload

	AspectRatio *float64
	IsDemo      bool
	OrderID     *string
	// Album creates an empty multi-target container that compiles once
	// items are added.
	Album bool
}

type ItemInput struct {
	Name  string
	Photo *Upload
	Video *Upload
	Mask  *Upload
}

// Status is what the viewer and the admin panel poll.
type Status struct {
	Project    *models.Project `json:"project"`
	Items      []models.Item   `json:"items"`
	Progress   int             `json:"progress"`
	PlaneScale models.Scale2   `json:"planeScale"`
}

type Service struct {
	Store    store.Store
	Files    *storage.Files
	Jobs     Scheduler
	Progress ProgressReader
	DemoTTL  time.Duration
	Now      func() time.Time
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}

func (s *Service) Create(ctx context.Context, in CreateInput) (*models.Project, error) {
	if in.Photo == nil && !in.Album {
		return nil, fmt.Errorf("%w: photo is required", ErrInvalidInput)
	}
	if r := in.AspectRatio; r != nil && (math.IsNaN(*r) || math.IsInf(*r, 0) || *r <= 0) {
		return nil, fmt.Errorf("%w: aspectRatio must be a positive finite number", ErrInvalidInput)
	}

	ttl := s.DemoTTL
	if ttl <= 0 {
		ttl = DefaultDemoTTL
	}
	p := models.NewProject(s.now(), in.IsDemo, ttl)
	p.OrderID = in.OrderID
	p.CropAspectRatio = in.AspectRatio

	if err := s.Files.CreateProject(p.ID); err != nil {
		return nil, err
	}
	if err := s.saveProjectUploads(p, in); err != nil {
		s.Files.RemoveProject(p.ID)
		return nil, err
	}
	if err := s.Store.CreateProject(ctx, p); err != nil {
		s.Files.RemoveProject(p.ID)
		return nil, err
	}

	logCtx := slog.With("projectId", p.ID)
	logCtx.Info("Project created", "demo", p.IsDemo, "album", in.Album)

	if p.PhotoURL == "" {
		return p, nil
	}
	if err := s.Jobs.Submit(p.ID); err != nil {
		// the project stays pending and can be recompiled later
		logCtx.Warn("Could not queue compilation", "error", err)
		return p, err
	}
	return p, nil
}

func (s *Service) saveProjectUploads(p *models.Project, in CreateInput) error {
	if in.Photo != nil {
		url, err := s.Files.SaveUpload(p.ID, "photo"+extension(in.Photo.Filename, ".jpg"), in.Photo.Body)
		if err != nil {
			return err
		}
		p.PhotoURL = url
	}
	if in.Video != nil {
		url, err := s.Files.SaveUpload(p.ID, "video"+extension(in.Video.Filename, ".mp4"), in.Video.Body)
		if err != nil {
			return err
		}
		p.VideoURL = &url
	}
	if in.Mask != nil {
		url, err := s.Files.SaveUpload(p.ID, "mask"+extension(in.Mask.Filename, ".png"), in.Mask.Body)
		if err != nil {
			return err
		}
		p.MaskURL = &url
	}
	return nil
}

func (s *Service) List(ctx context.Context, includeArchived bool) ([]models.Project, error) {
	return s.Store.ListProjects(ctx, includeArchived)
}

func (s *Service) Status(ctx context.Context, id uuid.UUID) (*Status, error) {
	p, err := s.Store.GetProject(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Expired(s.now()) {
		return nil, ErrDemoExpired
	}
	items, err := s.Store.ListItems(ctx, id)
	if err != nil {
		return nil, err
	}

	st := &Status{Project: p, Items: items, PlaneScale: planeScale(p)}
	switch p.Status {
	case models.StatusReady:
		st.Progress = 100
	case models.StatusProcessing:
		if s.Progress != nil {
			st.Progress, _ = s.Progress.Get(id)
		}
	}
	if st.Items == nil {
		st.Items = []models.Item{}
	}
	return st, nil
}

func planeScale(p *models.Project) models.Scale2 {
	var pw, ph, vw, vh int
	if p.PhotoWidth != nil && p.PhotoHeight != nil {
		pw, ph = *p.PhotoWidth, *p.PhotoHeight
	}
	if p.VideoWidth != nil && p.VideoHeight != nil {
		vw, vh = *p.VideoWidth, *p.VideoHeight
	}
	return models.PlaneScale(pw, ph, vw, vh, p.FitMode)
}

func (s *Service) Logs(ctx context.Context, id uuid.UUID) ([]models.CompilationLog, error) {
	if _, err := s.Store.GetProject(ctx, id); err != nil {
		return nil, err
	}
	logs, err := s.Store.ListLogs(ctx, id)
	if err != nil {
		return nil, err
	}
	if logs == nil {
		logs = []models.CompilationLog{}
	}
	return logs, nil
}

// Recompile queues a fresh run with the stored uploads.
func (s *Service) Recompile(ctx context.Context, id uuid.UUID) error {
	p, err := s.Store.GetProject(ctx, id)
	if err != nil {
		return err
	}
	if p.Status == models.StatusProcessing || s.Jobs.Busy(id) {
		return workers.ErrBusy
	}
	if !p.Status.CanTransition(models.StatusProcessing) {
		return fmt.Errorf("%w: %s -> %s", models.ErrInvalidTransition, p.Status, models.StatusProcessing)
	}
	if err := s.Jobs.Submit(id); err != nil {
		return err
	}
	slog.Info("Recompilation queued", "projectId", id)
	return nil
}

func (s *Service) UpdateCalibration(ctx context.Context, id uuid.UUID, patch models.Config) (*models.Project, error) {
	items, err := s.Store.ListItems(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(items) > 0 {
		return nil, ErrMultiTarget
	}
	return s.Store.UpdateProject(ctx, id, func(p *models.Project) error {
		return p.ApplyCalibration(patch, s.now())
	})
}

// Delete removes the record first so no new run can begin, then stops any
// run in flight and finally drops the folder.
func (s *Service) Delete(ctx context.Context, id uuid.UUID) error {
	if err := s.Store.DeleteProject(ctx, id); err != nil {
		return err
	}
	s.Jobs.Cancel(id)
	if err := s.Files.RemoveProject(id); err != nil {
		return err
	}
	slog.Info("Project deleted", "projectId", id)
	return nil
}

func (s *Service) Archive(ctx context.Context, id uuid.UUID) (*models.Project, error) {
	p, err := s.Store.UpdateProject(ctx, id, func(p *models.Project) error {
		return p.Archive(s.now())
	})
	if err != nil {
		return nil, err
	}
	s.Jobs.Cancel(id)
	slog.Info("Project archived", "projectId", id)
	return p, nil
}

func (s *Service) ExtendDemo(ctx context.Context, id uuid.UUID, hours int) (*models.Project, error) {
	return s.Store.UpdateProject(ctx, id, func(p *models.Project) error {
		return p.ExtendDemo(hours, s.now())
	})
}

func (s *Service) CreateItem(ctx context.Context, projectID uuid.UUID, in ItemInput) (*models.Item, error) {
	if in.Photo == nil || in.Video == nil {
		return nil, fmt.Errorf("%w: photo and video are required", ErrInvalidInput)
	}
	p, err := s.Store.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if p.Status == models.StatusArchived {
		return nil, models.ErrArchived
	}

	now := s.now()
	item := &models.Item{
		ID:        uuid.New(),
		ProjectID: projectID,
		Name:      strings.TrimSpace(in.Name),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if item.Name == "" {
		item.Name = "Item"
	}

	var saved []string
	cleanup := func() {
		for _, url := range saved {
			s.Files.RemoveURL(projectID, url)
		}
	}
	save := func(kind string, up *Upload, def string) (string, error) {
		name := fmt.Sprintf("item-%s-%s%s", item.ID, kind, extension(up.Filename, def))
		url, err := s.Files.SaveUpload(projectID, name, up.Body)
		if err != nil {
			return "", err
		}
		saved = append(saved, url)
		return url, nil
	}

	if item.PhotoURL, err = save("photo", in.Photo, ".jpg"); err != nil {
		cleanup()
		return nil, err
	}
	if item.VideoURL, err = save("video", in.Video, ".mp4"); err != nil {
		cleanup()
		return nil, err
	}
	if in.Mask != nil {
		url, err := save("mask", in.Mask, ".png")
		if err != nil {
			cleanup()
			return nil, err
		}
		item.MaskURL = &url
	}

	if err := s.Store.CreateItem(ctx, item); err != nil {
		cleanup()
		return nil, err
	}
	slog.Info("Item added", "projectId", projectID, "itemId", item.ID, "targetIndex", item.TargetIndex)

	s.resubmit(projectID)
	return item, nil
}

func (s *Service) UpdateItemCalibration(ctx context.Context, projectID, itemID uuid.UUID, patch models.Config) (*models.Item, error) {
	p, err := s.Store.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if p.Status == models.StatusArchived {
		return nil, models.ErrArchived
	}
	return s.Store.UpdateItem(ctx, projectID, itemID, func(it *models.Item) error {
		return it.ApplyCalibration(patch, s.now())
	})
}

func (s *Service) DeleteItem(ctx context.Context, projectID, itemID uuid.UUID) error {
	item, err := s.Store.GetItem(ctx, projectID, itemID)
	if err != nil {
		return err
	}
	if err := s.Store.DeleteItem(ctx, projectID, itemID); err != nil {
		return err
	}

	urls := []string{item.PhotoURL, item.VideoURL}
	if item.MaskURL != nil {
		urls = append(urls, *item.MaskURL)
	}
	for _, url := range urls {
		if err := s.Files.RemoveURL(projectID, url); err != nil {
			slog.Warn("Failed to remove item upload", "projectId", projectID, "itemId", itemID, "error", err)
		}
	}
	slog.Info("Item deleted", "projectId", projectID, "itemId", itemID)

	s.resubmit(projectID)
	return nil
}

// resubmit schedules the recompile that follows an album change. A full
// queue is not fatal: the change is stored and a later recompile picks it up.
func (s *Service) resubmit(id uuid.UUID) {
	if err := s.Jobs.Resubmit(id); err != nil {
		slog.Warn("Could not queue recompilation", "projectId", id, "error", err)
	}
}

// PurgeExpiredDemos deletes every demo project past its expiry.
func (s *Service) PurgeExpiredDemos(ctx context.Context) (int, error) {
	expired, err := s.Store.ExpiredDemos(ctx, s.now())
	if err != nil {
		return 0, err
	}
	n := 0
	for _, p := range expired {
		if err := s.Delete(ctx, p.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
			return n, err
		}
		n++
	}
	return n, nil
}

// extension returns the lower-cased extension of a client file name, or def
// when there is none.
func extension(filename, def string) string {
	ext := strings.ToLower(filepath.Ext(filepath.Base(filename)))
	if ext == "" || len(ext) > 6 || strings.ContainsAny(ext, `/\ `) {
		return def
	}
	return ext
}
