// Package postgres is the Store used in production, on pgx's connection pool.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"living-photo/internal/models"
	"living-photo/internal/store"
)

const projectColumns = `
	id, status, photo_url, video_url, mask_url,
	photo_width, photo_height, video_width, video_height, video_duration_ms,
	photo_aspect_ratio, video_aspect_ratio,
	fit_mode, scale_width, scale_height, is_calibrated,
	marker_quality, key_points_count, compilation_time_ms,
	error_message, config, is_demo, expires_at, order_id,
	crop_aspect_ratio, crop_region,
	compilation_started_at, compilation_finished_at, created_at, updated_at`

const itemColumns = `
	id, project_id, target_index, name, photo_url, video_url, mask_url,
	photo_width, photo_height, video_width, video_height, config, created_at, updated_at`

var migrations = []string{
	`
	CREATE TABLE IF NOT EXISTS ar_projects (
		id UUID PRIMARY KEY,
		status VARCHAR(20) NOT NULL,
		photo_url TEXT NOT NULL DEFAULT '',
		video_url TEXT,
		mask_url TEXT,
		photo_width INTEGER,
		photo_height INTEGER,
		video_width INTEGER,
		video_height INTEGER,
		video_duration_ms BIGINT,
		photo_aspect_ratio DOUBLE PRECISION,
		video_aspect_ratio DOUBLE PRECISION,
		fit_mode VARCHAR(10) NOT NULL DEFAULT 'cover',
		scale_width TEXT,
		scale_height TEXT,
		is_calibrated BOOLEAN NOT NULL DEFAULT FALSE,
		marker_quality DOUBLE PRECISION,
		key_points_count INTEGER,
		compilation_time_ms BIGINT,
		error_message TEXT,
		config JSONB NOT NULL DEFAULT '{}',
		is_demo BOOLEAN NOT NULL DEFAULT FALSE,
		expires_at TIMESTAMPTZ,
		order_id TEXT,
		crop_aspect_ratio DOUBLE PRECISION,
		crop_region JSONB,
		compilation_started_at TIMESTAMPTZ,
		compilation_finished_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
	CREATE INDEX IF NOT EXISTS idx_ar_projects_demo_expiry ON ar_projects(expires_at) WHERE is_demo;
	`,
	`
	CREATE TABLE IF NOT EXISTS ar_project_items (
		id UUID PRIMARY KEY,
		project_id UUID NOT NULL REFERENCES ar_projects(id) ON DELETE CASCADE,
		target_index INTEGER NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		photo_url TEXT NOT NULL,
		video_url TEXT NOT NULL,
		mask_url TEXT,
		photo_width INTEGER,
		photo_height INTEGER,
		video_width INTEGER,
		video_height INTEGER,
		config JSONB NOT NULL DEFAULT '{}',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		CONSTRAINT ar_project_items_target_unique UNIQUE (project_id, target_index) DEFERRABLE INITIALLY DEFERRED
	);
	`,
	`
	CREATE TABLE IF NOT EXISTS ar_compilation_logs (
		id UUID PRIMARY KEY,
		seq BIGSERIAL,
		project_id UUID NOT NULL REFERENCES ar_projects(id) ON DELETE CASCADE,
		step VARCHAR(20) NOT NULL,
		status VARCHAR(10) NOT NULL,
		duration_ms BIGINT NOT NULL DEFAULT 0,
		details TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
	CREATE INDEX IF NOT EXISTS idx_ar_compilation_logs_project ON ar_compilation_logs(project_id, seq);
	`,
	`ALTER TABLE ar_projects ADD COLUMN IF NOT EXISTS next_target_index INTEGER NOT NULL DEFAULT 0;`,
}

const foreignKeyViolation = "23503"

type DB struct {
	Pool *pgxpool.Pool
}

var _ store.Store = (*DB)(nil)

func Connect(ctx context.Context, databaseURL string) (*DB, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}

	config.MaxConns = 10
	config.MinConns = 2
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	slog.Info("Database connection established")
	return &DB{Pool: pool}, nil
}

// Migrate creates the schema if it does not exist yet.
func (db *DB) Migrate(ctx context.Context) error {
	for i, migration := range migrations {
		if _, err := db.Pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("migration %d: %w", i, err)
		}
	}
	return nil
}

func (db *DB) Close() error {
	db.Pool.Close()
	slog.Info("Database connection closed")
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanProject(row scanner) (*models.Project, error) {
	var p models.Project
	err := row.Scan(
		&p.ID, &p.Status, &p.PhotoURL, &p.VideoURL, &p.MaskURL,
		&p.PhotoWidth, &p.PhotoHeight, &p.VideoWidth, &p.VideoHeight, &p.VideoDurationMs,
		&p.PhotoAspectRatio, &p.VideoAspectRatio,
		&p.FitMode, &p.ScaleWidth, &p.ScaleHeight, &p.IsCalibrated,
		&p.MarkerQuality, &p.KeyPointsCount, &p.CompilationTimeMs,
		&p.ErrorMessage, &p.Config, &p.IsDemo, &p.ExpiresAt, &p.OrderID,
		&p.CropAspectRatio, &p.CropRegion,
		&p.CompilationStartedAt, &p.CompilationFinishedAt, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

func projectArgs(p *models.Project) []any {
	return []any{
		p.ID, p.Status, p.PhotoURL, p.VideoURL, p.MaskURL,
		p.PhotoWidth, p.PhotoHeight, p.VideoWidth, p.VideoHeight, p.VideoDurationMs,
		p.PhotoAspectRatio, p.VideoAspectRatio,
		p.FitMode, p.ScaleWidth, p.ScaleHeight, p.IsCalibrated,
		p.MarkerQuality, p.KeyPointsCount, p.CompilationTimeMs,
		p.ErrorMessage, p.Config, p.IsDemo, p.ExpiresAt, p.OrderID,
		p.CropAspectRatio, p.CropRegion,
		p.CompilationStartedAt, p.CompilationFinishedAt, p.CreatedAt, p.UpdatedAt,
	}
}

func (db *DB) CreateProject(ctx context.Context, p *models.Project) error {
	query := `INSERT INTO ar_projects (` + projectColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15,
			$16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26, $27, $28, $29, $30)`

	if _, err := db.Pool.Exec(ctx, query, projectArgs(p)...); err != nil {
		return fmt.Errorf("failed to create project: %w", err)
	}
	return nil
}

func (db *DB) GetProject(ctx context.Context, id uuid.UUID) (*models.Project, error) {
	query := `SELECT ` + projectColumns + ` FROM ar_projects WHERE id = $1`
	p, err := scanProject(db.Pool.QueryRow(ctx, query, id))
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("failed to get project: %w", err)
	}
	return p, err
}

func (db *DB) ListProjects(ctx context.Context, includeArchived bool) ([]models.Project, error) {
	query := `SELECT ` + projectColumns + ` FROM ar_projects
		WHERE $1 OR status <> 'archived'
		ORDER BY created_at DESC`
	return db.queryProjects(ctx, query, includeArchived)
}

func (db *DB) ExpiredDemos(ctx context.Context, now time.Time) ([]models.Project, error) {
	query := `SELECT ` + projectColumns + ` FROM ar_projects
		WHERE is_demo AND expires_at <= $1
		ORDER BY expires_at`
	return db.queryProjects(ctx, query, now)
}

func (db *DB) queryProjects(ctx context.Context, query string, args ...any) ([]models.Project, error) {
	rows, err := db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}
	defer rows.Close()

	projects := []models.Project{}
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan project row: %w", err)
		}
		projects = append(projects, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return projects, nil
}

func (db *DB) UpdateProject(ctx context.Context, id uuid.UUID, fn func(*models.Project) error) (*models.Project, error) {
	var out *models.Project
	err := pgx.BeginFunc(ctx, db.Pool, func(tx pgx.Tx) error {
		var err error
		out, err = updateProject(ctx, tx, id, fn)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func updateProject(ctx context.Context, tx pgx.Tx, id uuid.UUID, fn func(*models.Project) error) (*models.Project, error) {
	query := `SELECT ` + projectColumns + ` FROM ar_projects WHERE id = $1 FOR UPDATE`
	p, err := scanProject(tx.QueryRow(ctx, query, id))
	if err != nil {
		return nil, err
	}
	if err := fn(p); err != nil {
		return nil, err
	}
	p.ID = id

	update := `UPDATE ar_projects SET
		status = $2, photo_url = $3, video_url = $4, mask_url = $5,
		photo_width = $6, photo_height = $7, video_width = $8, video_height = $9, video_duration_ms = $10,
		photo_aspect_ratio = $11, video_aspect_ratio = $12,
		fit_mode = $13, scale_width = $14, scale_height = $15, is_calibrated = $16,
		marker_quality = $17, key_points_count = $18, compilation_time_ms = $19,
		error_message = $20, config = $21, is_demo = $22, expires_at = $23, order_id = $24,
		crop_aspect_ratio = $25, crop_region = $26,
		compilation_started_at = $27, compilation_finished_at = $28, created_at = $29, updated_at = $30
		WHERE id = $1`
	if _, err := tx.Exec(ctx, update, projectArgs(p)...); err != nil {
		return nil, fmt.Errorf("failed to update project: %w", err)
	}
	return p, nil
}

func (db *DB) DeleteProject(ctx context.Context, id uuid.UUID) error {
	tag, err := db.Pool.Exec(ctx, `DELETE FROM ar_projects WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete project: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func scanItem(row scanner) (*models.Item, error) {
	var it models.Item
	err := row.Scan(
		&it.ID, &it.ProjectID, &it.TargetIndex, &it.Name, &it.PhotoURL, &it.VideoURL, &it.MaskURL,
		&it.PhotoWidth, &it.PhotoHeight, &it.VideoWidth, &it.VideoHeight, &it.Config, &it.CreatedAt, &it.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &it, nil
}

func (db *DB) CreateItem(ctx context.Context, it *models.Item) error {
	return pgx.BeginFunc(ctx, db.Pool, func(tx pgx.Tx) error {
		// the project row lock serializes index assignment
		var next int
		err := tx.QueryRow(ctx,
			`SELECT next_target_index FROM ar_projects WHERE id = $1 FOR UPDATE`, it.ProjectID).Scan(&next)
		if errors.Is(err, pgx.ErrNoRows) {
			return store.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to lock project: %w", err)
		}

		var count, maxIndex int
		err = tx.QueryRow(ctx,
			`SELECT COUNT(*), COALESCE(MAX(target_index), -1) FROM ar_project_items WHERE project_id = $1`,
			it.ProjectID).Scan(&count, &maxIndex)
		if err != nil {
			return fmt.Errorf("failed to count items: %w", err)
		}
		if count >= models.MaxItemsPerProject {
			return store.ErrTooManyItems
		}
		it.TargetIndex = max(next, maxIndex+1)

		if _, err := tx.Exec(ctx,
			`UPDATE ar_projects SET next_target_index = $2 WHERE id = $1`, it.ProjectID, it.TargetIndex+1); err != nil {
			return fmt.Errorf("failed to reserve target index: %w", err)
		}

		query := `INSERT INTO ar_project_items (` + itemColumns + `)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`
		_, err = tx.Exec(ctx, query,
			it.ID, it.ProjectID, it.TargetIndex, it.Name, it.PhotoURL, it.VideoURL, it.MaskURL,
			it.PhotoWidth, it.PhotoHeight, it.VideoWidth, it.VideoHeight, it.Config, it.CreatedAt, it.UpdatedAt)
		if err != nil {
			return fmt.Errorf("failed to create item: %w", err)
		}
		return nil
	})
}

func (db *DB) ListItems(ctx context.Context, projectID uuid.UUID) ([]models.Item, error) {
	query := `SELECT ` + itemColumns + ` FROM ar_project_items
		WHERE project_id = $1 ORDER BY target_index`
	rows, err := db.Pool.Query(ctx, query, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list items: %w", err)
	}
	defer rows.Close()

	items := []models.Item{}
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan item row: %w", err)
		}
		items = append(items, *it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return items, nil
}

func (db *DB) GetItem(ctx context.Context, projectID, itemID uuid.UUID) (*models.Item, error) {
	query := `SELECT ` + itemColumns + ` FROM ar_project_items WHERE id = $1 AND project_id = $2`
	return scanItem(db.Pool.QueryRow(ctx, query, itemID, projectID))
}

func (db *DB) UpdateItem(ctx context.Context, projectID, itemID uuid.UUID, fn func(*models.Item) error) (*models.Item, error) {
	var out *models.Item
	err := pgx.BeginFunc(ctx, db.Pool, func(tx pgx.Tx) error {
		query := `SELECT ` + itemColumns + ` FROM ar_project_items WHERE id = $1 AND project_id = $2 FOR UPDATE`
		it, err := scanItem(tx.QueryRow(ctx, query, itemID, projectID))
		if err != nil {
			return err
		}
		index := it.TargetIndex
		if err := fn(it); err != nil {
			return err
		}
		it.ID, it.ProjectID, it.TargetIndex = itemID, projectID, index

		_, err = tx.Exec(ctx, `UPDATE ar_project_items SET
			name = $2, photo_url = $3, video_url = $4, mask_url = $5,
			photo_width = $6, photo_height = $7, video_width = $8, video_height = $9,
			config = $10, updated_at = $11
			WHERE id = $1`,
			it.ID, it.Name, it.PhotoURL, it.VideoURL, it.MaskURL,
			it.PhotoWidth, it.PhotoHeight, it.VideoWidth, it.VideoHeight, it.Config, it.UpdatedAt)
		if err != nil {
			return fmt.Errorf("failed to update item: %w", err)
		}
		out = it
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (db *DB) DeleteItem(ctx context.Context, projectID, itemID uuid.UUID) error {
	tag, err := db.Pool.Exec(ctx, `DELETE FROM ar_project_items WHERE id = $1 AND project_id = $2`, itemID, projectID)
	if err != nil {
		return fmt.Errorf("failed to delete item: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (db *DB) CommitTargets(ctx context.Context, projectID uuid.UUID, order []uuid.UUID, fn func(*models.Project) error) (*models.Project, error) {
	var out *models.Project
	err := pgx.BeginFunc(ctx, db.Pool, func(tx pgx.Tx) error {
		var err error
		if out, err = updateProject(ctx, tx, projectID, fn); err != nil {
			return err
		}

		// the unique index on target_index is deferred, so the
		// intermediate states of this batch may collide
		batch := &pgx.Batch{}
		for i, itemID := range order {
			batch.Queue(`UPDATE ar_project_items SET target_index = $3 WHERE id = $1 AND project_id = $2`,
				itemID, projectID, i)
		}
		batch.Queue(`UPDATE ar_projects SET next_target_index = GREATEST($2::int,
				(SELECT COALESCE(MAX(target_index), -1) + 1 FROM ar_project_items WHERE project_id = $1))
			WHERE id = $1`, projectID, len(order))

		results := tx.SendBatch(ctx, batch)
		defer results.Close()
		for range batch.Len() {
			if _, err := results.Exec(); err != nil {
				return fmt.Errorf("failed to commit target order: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (db *DB) AppendLog(ctx context.Context, l *models.CompilationLog) error {
	if l.ID == uuid.Nil {
		l.ID = uuid.New()
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now()
	}
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO ar_compilation_logs (id, project_id, step, status, duration_ms, details, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		l.ID, l.ProjectID, l.Step, l.Status, l.DurationMs, l.Details, l.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == foreignKeyViolation {
			return store.ErrNotFound
		}
		return fmt.Errorf("failed to append log: %w", err)
	}
	return nil
}

func (db *DB) ListLogs(ctx context.Context, projectID uuid.UUID) ([]models.CompilationLog, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT id, project_id, step, status, duration_ms, details, created_at
		FROM ar_compilation_logs WHERE project_id = $1 ORDER BY seq`, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list logs: %w", err)
	}
	defer rows.Close()

	logs := []models.CompilationLog{}
	for rows.Next() {
		var l models.CompilationLog
		if err := rows.Scan(&l.ID, &l.ProjectID, &l.Step, &l.Status, &l.DurationMs, &l.Details, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan log row: %w", err)
		}
		logs = append(logs, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return logs, nil
}
