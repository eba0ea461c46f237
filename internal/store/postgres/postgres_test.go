package postgres

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"living-photo/internal/models"
	"living-photo/internal/store"
)

var testDB *DB

// TestMain connects to TEST_DATABASE_URL when it is set. Without it every
// test in this package skips.
func TestMain(m *testing.M) {
	dbURL := os.Getenv("TEST_DATABASE_URL")
	if dbURL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		db, err := Connect(ctx, dbURL)
		if err == nil {
			err = db.Migrate(ctx)
		}
		cancel()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to setup test database: %v\n", err)
			os.Exit(1)
		}
		testDB = db
	}

	code := m.Run()

	if testDB != nil {
		testDB.Close()
	}
	os.Exit(code)
}

func getTestDB(t *testing.T) *DB {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	if testDB == nil {
		t.Skip("TEST_DATABASE_URL not set")
	}
	_, err := testDB.Pool.Exec(context.Background(),
		"TRUNCATE TABLE ar_compilation_logs, ar_project_items, ar_projects CASCADE")
	require.NoError(t, err)
	return testDB
}

func newProject(t *testing.T, db *DB, created time.Time) *models.Project {
	t.Helper()
	p := models.NewProject(created, false, 0)
	p.PhotoURL = "/storage/" + p.ID.String() + "/photo.jpg"
	require.NoError(t, db.CreateProject(context.Background(), p))
	return p
}

func TestProjectRoundTrip(t *testing.T) {
	db := getTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	p := models.NewProject(now, true, 24*time.Hour)
	video := "/storage/x/video.mp4"
	order := "order-1"
	ratio := 0.75
	p.VideoURL = &video
	p.OrderID = &order
	p.CropAspectRatio = &ratio
	require.NoError(t, db.CreateProject(ctx, p))

	got, err := db.GetProject(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, p.ID, got.ID)
	assert.Equal(t, models.StatusPending, got.Status)
	assert.Equal(t, models.FitCover, got.FitMode)
	assert.Equal(t, video, *got.VideoURL)
	assert.Equal(t, order, *got.OrderID)
	assert.Equal(t, ratio, *got.CropAspectRatio)
	assert.True(t, got.IsDemo)
	require.NotNil(t, got.ExpiresAt)
	assert.WithinDuration(t, *p.ExpiresAt, *got.ExpiresAt, time.Millisecond)
	assert.Nil(t, got.CropRegion)

	_, err = db.GetProject(ctx, uuid.New())
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestUpdateProjectPersistsCalibrationAndResult(t *testing.T) {
	db := getTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC()
	p := newProject(t, db, now)

	fit := models.FitContain
	_, err := db.UpdateProject(ctx, p.ID, func(p *models.Project) error {
		if err := p.BeginRun(now); err != nil {
			return err
		}
		if err := p.CompleteRun(models.CompilationResult{
			PhotoWidth: 800, PhotoHeight: 600, MarkerQuality: 0.42, KeyPointsCount: 321,
			CropRegion: &models.CropRegion{X: 1, Y: 2, Width: 3, Height: 4, Confidence: 0.9, Reason: "face"},
		}, now); err != nil {
			return err
		}
		return p.ApplyCalibration(models.Config{
			VideoScale: &models.Scale2{Width: 1.25, Height: 0.5},
			FitMode:    &fit,
		}, now)
	})
	require.NoError(t, err)

	got, err := db.GetProject(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusReady, got.Status)
	assert.Equal(t, 800, *got.PhotoWidth)
	assert.Equal(t, 1.333, *got.PhotoAspectRatio)
	assert.Equal(t, 0.42, *got.MarkerQuality)
	assert.Equal(t, 321, *got.KeyPointsCount)
	assert.Equal(t, "1.25", *got.ScaleWidth)
	assert.Equal(t, "0.5", *got.ScaleHeight)
	assert.Equal(t, models.FitContain, got.FitMode)
	assert.True(t, got.IsCalibrated)
	require.NotNil(t, got.Config.VideoScale)
	assert.Equal(t, 1.25, got.Config.VideoScale.Width)
	require.NotNil(t, got.CropRegion)
	assert.Equal(t, 3, got.CropRegion.Width)
}

func TestItemsLifecycle(t *testing.T) {
	db := getTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC()
	p := newProject(t, db, now)

	var ids []uuid.UUID
	for _, name := range []string{"a", "b", "c"} {
		it := &models.Item{ID: uuid.New(), ProjectID: p.ID, Name: name,
			PhotoURL: "p", VideoURL: "v", CreatedAt: now, UpdatedAt: now}
		require.NoError(t, db.CreateItem(ctx, it))
		ids = append(ids, it.ID)
	}
	require.NoError(t, db.DeleteItem(ctx, p.ID, ids[0]))

	items, err := db.ListItems(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, 1, items[0].TargetIndex)
	assert.Equal(t, 2, items[1].TargetIndex)

	// deleting the highest item does not free its index
	late := &models.Item{ID: uuid.New(), ProjectID: p.ID, Name: "late",
		PhotoURL: "p", VideoURL: "v", CreatedAt: now, UpdatedAt: now}
	require.NoError(t, db.CreateItem(ctx, late))
	require.NoError(t, db.DeleteItem(ctx, p.ID, late.ID))
	again := &models.Item{ID: uuid.New(), ProjectID: p.ID, Name: "again",
		PhotoURL: "p", VideoURL: "v", CreatedAt: now, UpdatedAt: now}
	require.NoError(t, db.CreateItem(ctx, again))
	assert.Equal(t, 4, again.TargetIndex)
	require.NoError(t, db.DeleteItem(ctx, p.ID, again.ID))

	quality := 0.8
	committed, err := db.CommitTargets(ctx, p.ID, []uuid.UUID{ids[1], ids[2]}, func(p *models.Project) error {
		p.MarkerQuality = &quality
		return nil
	})
	require.NoError(t, err)
	require.NotNil(t, committed.MarkerQuality)

	renumbered, err := db.ListItems(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, renumbered, 2)
	assert.Equal(t, "b", renumbered[0].Name)
	assert.Equal(t, 0, renumbered[0].TargetIndex)
	assert.Equal(t, "c", renumbered[1].Name)
	assert.Equal(t, 1, renumbered[1].TargetIndex)
	stored, err := db.GetProject(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 0.8, *stored.MarkerQuality)

	loop := false
	updated, err := db.UpdateItem(ctx, p.ID, ids[2], func(it *models.Item) error {
		return it.ApplyCalibration(models.Config{Loop: &loop}, now)
	})
	require.NoError(t, err)
	assert.Equal(t, 1, updated.TargetIndex)
	got, err := db.GetItem(ctx, p.ID, ids[2])
	require.NoError(t, err)
	require.NotNil(t, got.Config.Loop)
	assert.False(t, *got.Config.Loop)

	next := &models.Item{ID: uuid.New(), ProjectID: p.ID, Name: "next",
		PhotoURL: "p", VideoURL: "v", CreatedAt: now, UpdatedAt: now}
	require.NoError(t, db.CreateItem(ctx, next))
	assert.Equal(t, 2, next.TargetIndex)

	require.NoError(t, db.AppendLog(ctx, &models.CompilationLog{ProjectID: p.ID, Step: models.StepCompile, Status: models.LogOK}))
	require.NoError(t, db.DeleteProject(ctx, p.ID))

	items, err = db.ListItems(ctx, p.ID)
	require.NoError(t, err)
	assert.Empty(t, items)
	logs, err := db.ListLogs(ctx, p.ID)
	require.NoError(t, err)
	assert.Empty(t, logs)
	assert.ErrorIs(t, db.AppendLog(ctx, &models.CompilationLog{ProjectID: p.ID, Step: "x", Status: "ok"}), store.ErrNotFound)
}

func TestListAndExpire(t *testing.T) {
	db := getTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC()

	newProject(t, db, now.Add(-time.Hour))
	demo := models.NewProject(now, true, time.Hour)
	require.NoError(t, db.CreateProject(ctx, demo))
	archived := newProject(t, db, now)
	_, err := db.UpdateProject(ctx, archived.ID, func(p *models.Project) error { return p.Archive(now) })
	require.NoError(t, err)

	active, err := db.ListProjects(ctx, false)
	require.NoError(t, err)
	assert.Len(t, active, 2)
	all, err := db.ListProjects(ctx, true)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	expired, err := db.ExpiredDemos(ctx, now.Add(2*time.Hour))
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, demo.ID, expired[0].ID)
}
