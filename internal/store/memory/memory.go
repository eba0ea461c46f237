// Package memory is the default Store, backed by go-memdb. Rows hold deep
// copies so callers can never alias stored state.
package memory

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-memdb"

	"living-photo/internal/models"
	"living-photo/internal/store"
)

const (
	projectsTable = "projects"
	itemsTable    = "items"
	logsTable     = "logs"

	PK               = "id"
	ProjectForeignPK = "project_id"
)

type projectRow struct {
	ID      string
	Project models.Project
	// NextTarget is the lowest TargetIndex never handed out since the last
	// committed compile.
	NextTarget int
}

type itemRow struct {
	ID        string
	ProjectID string
	Item      models.Item
}

type logRow struct {
	ID        string
	ProjectID string
	Seq       uint64
	Log       models.CompilationLog
}

func schema() *memdb.DBSchema {
	byID := &memdb.IndexSchema{
		Name:    PK,
		Unique:  true,
		Indexer: &memdb.StringFieldIndex{Field: "ID"},
	}
	byProject := &memdb.IndexSchema{
		Name:    ProjectForeignPK,
		Indexer: &memdb.StringFieldIndex{Field: "ProjectID"},
	}
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			projectsTable: {
				Name:    projectsTable,
				Indexes: map[string]*memdb.IndexSchema{PK: byID},
			},
			itemsTable: {
				Name:    itemsTable,
				Indexes: map[string]*memdb.IndexSchema{PK: byID, ProjectForeignPK: byProject},
			},
			logsTable: {
				Name:    logsTable,
				Indexes: map[string]*memdb.IndexSchema{PK: byID, ProjectForeignPK: byProject},
			},
		},
	}
}

type Store struct {
	db  *memdb.MemDB
	seq uint64 // only touched inside write transactions, which memdb serializes
}

var _ store.Store = (*Store)(nil)

func New() (*Store, error) {
	db, err := memdb.NewMemDB(schema())
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return nil }

func (s *Store) CreateProject(ctx context.Context, p *models.Project) error {
	txn := s.db.Txn(true)
	defer txn.Abort()
	if err := txn.Insert(projectsTable, &projectRow{ID: p.ID.String(), Project: p.Clone()}); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

func getProject(txn *memdb.Txn, id uuid.UUID) (*projectRow, error) {
	raw, err := txn.First(projectsTable, PK, id.String())
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, store.ErrNotFound
	}
	return raw.(*projectRow), nil
}

func (s *Store) GetProject(ctx context.Context, id uuid.UUID) (*models.Project, error) {
	txn := s.db.Txn(false)
	row, err := getProject(txn, id)
	if err != nil {
		return nil, err
	}
	p := row.Project.Clone()
	return &p, nil
}

func (s *Store) ListProjects(ctx context.Context, includeArchived bool) ([]models.Project, error) {
	txn := s.db.Txn(false)
	it, err := txn.Get(projectsTable, PK)
	if err != nil {
		return nil, err
	}
	projects := []models.Project{}
	for raw := it.Next(); raw != nil; raw = it.Next() {
		p := raw.(*projectRow).Project
		if !includeArchived && p.Status == models.StatusArchived {
			continue
		}
		projects = append(projects, p.Clone())
	}
	sort.SliceStable(projects, func(i, j int) bool {
		return projects[i].CreatedAt.After(projects[j].CreatedAt)
	})
	return projects, nil
}

func (s *Store) UpdateProject(ctx context.Context, id uuid.UUID, fn func(*models.Project) error) (*models.Project, error) {
	txn := s.db.Txn(true)
	defer txn.Abort()

	row, err := getProject(txn, id)
	if err != nil {
		return nil, err
	}
	p := row.Project.Clone()
	if err := fn(&p); err != nil {
		return nil, err
	}
	p.ID = id
	if err := txn.Insert(projectsTable, &projectRow{ID: row.ID, Project: p.Clone(), NextTarget: row.NextTarget}); err != nil {
		return nil, err
	}
	txn.Commit()
	return &p, nil
}

func (s *Store) DeleteProject(ctx context.Context, id uuid.UUID) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	row, err := getProject(txn, id)
	if err != nil {
		return err
	}
	if err := txn.Delete(projectsTable, row); err != nil {
		return err
	}
	if _, err := txn.DeleteAll(itemsTable, ProjectForeignPK, row.ID); err != nil {
		return err
	}
	if _, err := txn.DeleteAll(logsTable, ProjectForeignPK, row.ID); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

func (s *Store) ExpiredDemos(ctx context.Context, now time.Time) ([]models.Project, error) {
	all, err := s.ListProjects(ctx, true)
	if err != nil {
		return nil, err
	}
	var expired []models.Project
	for _, p := range all {
		if p.Expired(now) {
			expired = append(expired, p)
		}
	}
	return expired, nil
}

func itemRows(txn *memdb.Txn, projectID string) ([]*itemRow, error) {
	it, err := txn.Get(itemsTable, ProjectForeignPK, projectID)
	if err != nil {
		return nil, err
	}
	var rows []*itemRow
	for raw := it.Next(); raw != nil; raw = it.Next() {
		rows = append(rows, raw.(*itemRow))
	}
	sort.SliceStable(rows, func(i, j int) bool {
		return rows[i].Item.TargetIndex < rows[j].Item.TargetIndex
	})
	return rows, nil
}

func (s *Store) CreateItem(ctx context.Context, item *models.Item) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	project, err := getProject(txn, item.ProjectID)
	if err != nil {
		return err
	}
	rows, err := itemRows(txn, item.ProjectID.String())
	if err != nil {
		return err
	}
	if len(rows) >= models.MaxItemsPerProject {
		return store.ErrTooManyItems
	}
	item.TargetIndex = project.NextTarget
	if len(rows) > 0 && rows[len(rows)-1].Item.TargetIndex >= item.TargetIndex {
		item.TargetIndex = rows[len(rows)-1].Item.TargetIndex + 1
	}

	row := &itemRow{ID: item.ID.String(), ProjectID: item.ProjectID.String(), Item: item.Clone()}
	if err := txn.Insert(itemsTable, row); err != nil {
		return err
	}
	next := *project
	next.NextTarget = item.TargetIndex + 1
	if err := txn.Insert(projectsTable, &next); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

func (s *Store) ListItems(ctx context.Context, projectID uuid.UUID) ([]models.Item, error) {
	txn := s.db.Txn(false)
	rows, err := itemRows(txn, projectID.String())
	if err != nil {
		return nil, err
	}
	items := make([]models.Item, 0, len(rows))
	for _, r := range rows {
		items = append(items, r.Item.Clone())
	}
	return items, nil
}

func getItem(txn *memdb.Txn, projectID, itemID uuid.UUID) (*itemRow, error) {
	raw, err := txn.First(itemsTable, PK, itemID.String())
	if err != nil {
		return nil, err
	}
	if raw == nil || raw.(*itemRow).ProjectID != projectID.String() {
		return nil, store.ErrNotFound
	}
	return raw.(*itemRow), nil
}

func (s *Store) GetItem(ctx context.Context, projectID, itemID uuid.UUID) (*models.Item, error) {
	txn := s.db.Txn(false)
	row, err := getItem(txn, projectID, itemID)
	if err != nil {
		return nil, err
	}
	item := row.Item.Clone()
	return &item, nil
}

func (s *Store) UpdateItem(ctx context.Context, projectID, itemID uuid.UUID, fn func(*models.Item) error) (*models.Item, error) {
	txn := s.db.Txn(true)
	defer txn.Abort()

	row, err := getItem(txn, projectID, itemID)
	if err != nil {
		return nil, err
	}
	item := row.Item.Clone()
	if err := fn(&item); err != nil {
		return nil, err
	}
	// identity and ordering belong to the store
	item.ID, item.ProjectID, item.TargetIndex = row.Item.ID, row.Item.ProjectID, row.Item.TargetIndex

	if err := txn.Insert(itemsTable, &itemRow{ID: row.ID, ProjectID: row.ProjectID, Item: item.Clone()}); err != nil {
		return nil, err
	}
	txn.Commit()
	return &item, nil
}

func (s *Store) DeleteItem(ctx context.Context, projectID, itemID uuid.UUID) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	row, err := getItem(txn, projectID, itemID)
	if err != nil {
		return err
	}
	if err := txn.Delete(itemsTable, row); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

func (s *Store) CommitTargets(ctx context.Context, projectID uuid.UUID, order []uuid.UUID, fn func(*models.Project) error) (*models.Project, error) {
	txn := s.db.Txn(true)
	defer txn.Abort()

	row, err := getProject(txn, projectID)
	if err != nil {
		return nil, err
	}
	p := row.Project.Clone()
	if err := fn(&p); err != nil {
		return nil, err
	}
	p.ID = projectID

	for i, itemID := range order {
		r, err := getItem(txn, projectID, itemID)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		item := r.Item.Clone()
		item.TargetIndex = i
		if err := txn.Insert(itemsTable, &itemRow{ID: r.ID, ProjectID: r.ProjectID, Item: item}); err != nil {
			return nil, err
		}
	}

	next := len(order)
	rows, err := itemRows(txn, row.ID)
	if err != nil {
		return nil, err
	}
	if n := len(rows); n > 0 && rows[n-1].Item.TargetIndex >= next {
		next = rows[n-1].Item.TargetIndex + 1
	}
	if err := txn.Insert(projectsTable, &projectRow{ID: row.ID, Project: p.Clone(), NextTarget: next}); err != nil {
		return nil, err
	}
	txn.Commit()
	return &p, nil
}

func (s *Store) AppendLog(ctx context.Context, l *models.CompilationLog) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	if _, err := getProject(txn, l.ProjectID); err != nil {
		return err
	}
	if l.ID == uuid.Nil {
		l.ID = uuid.New()
	}
	s.seq++
	row := &logRow{ID: l.ID.String(), ProjectID: l.ProjectID.String(), Seq: s.seq, Log: *l}
	if err := txn.Insert(logsTable, row); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

func (s *Store) ListLogs(ctx context.Context, projectID uuid.UUID) ([]models.CompilationLog, error) {
	txn := s.db.Txn(false)
	it, err := txn.Get(logsTable, ProjectForeignPK, projectID.String())
	if err != nil {
		return nil, err
	}
	var rows []*logRow
	for raw := it.Next(); raw != nil; raw = it.Next() {
		rows = append(rows, raw.(*logRow))
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Seq < rows[j].Seq })

	logs := make([]models.CompilationLog, 0, len(rows))
	for _, r := range rows {
		logs = append(logs, r.Log)
	}
	return logs, nil
}
