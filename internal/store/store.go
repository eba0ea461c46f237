// Package store persists projects, their items and compilation logs.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"living-photo/internal/models"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrTooManyItems = fmt.Errorf("a project holds at most %d items", models.MaxItemsPerProject)
)

// Store is implemented by the in-memory and Postgres backends. Values
// returned are copies; mutations only persist through the Update helpers.
type Store interface {
	CreateProject(ctx context.Context, p *models.Project) error
	GetProject(ctx context.Context, id uuid.UUID) (*models.Project, error)
	ListProjects(ctx context.Context, includeArchived bool) ([]models.Project, error)
	// UpdateProject loads the project, applies fn and saves the result in
	// one transaction. If fn returns an error nothing is written.
	UpdateProject(ctx context.Context, id uuid.UUID, fn func(*models.Project) error) (*models.Project, error)
	// DeleteProject removes the project together with its items and logs.
	DeleteProject(ctx context.Context, id uuid.UUID) error
	ExpiredDemos(ctx context.Context, now time.Time) ([]models.Project, error)

	// CreateItem assigns the project's next unused TargetIndex. Indices of
	// deleted items are not handed out again until CommitTargets runs.
	CreateItem(ctx context.Context, it *models.Item) error
	ListItems(ctx context.Context, projectID uuid.UUID) ([]models.Item, error)
	GetItem(ctx context.Context, projectID, itemID uuid.UUID) (*models.Item, error)
	UpdateItem(ctx context.Context, projectID, itemID uuid.UUID, fn func(*models.Item) error) (*models.Item, error)
	DeleteItem(ctx context.Context, projectID, itemID uuid.UUID) error
	// CommitTargets records a successful compile in one transaction: fn is
	// applied to the project and the items listed in order get TargetIndex
	// 0..n-1. Listed items that no longer exist are skipped; items created
	// after the compile started keep their index.
	CommitTargets(ctx context.Context, projectID uuid.UUID, order []uuid.UUID, fn func(*models.Project) error) (*models.Project, error)

	AppendLog(ctx context.Context, l *models.CompilationLog) error
	ListLogs(ctx context.Context, projectID uuid.UUID) ([]models.CompilationLog, error)

	Close() error
}
