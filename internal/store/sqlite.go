package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/intelmercado/enrich-cli/internal/model"
	"github.com/intelmercado/enrich-cli/internal/resolve"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS companies (
	id            TEXT PRIMARY KEY,
	workspace_id  TEXT NOT NULL,
	kind          TEXT NOT NULL,
	name          TEXT NOT NULL,
	name_key      TEXT NOT NULL,
	tax_id        TEXT NOT NULL DEFAULT '',
	website       TEXT NOT NULL DEFAULT '',
	email         TEXT NOT NULL DEFAULT '',
	phone         TEXT NOT NULL DEFAULT '',
	role          TEXT NOT NULL DEFAULT '',
	size          TEXT NOT NULL DEFAULT '',
	region        TEXT NOT NULL DEFAULT '',
	sector        TEXT NOT NULL DEFAULT '',
	product       TEXT NOT NULL DEFAULT '',
	revenue_range TEXT NOT NULL DEFAULT '',
	quality_score INTEGER NOT NULL DEFAULT 0,
	quality_tier  TEXT NOT NULL DEFAULT 'low',
	created_at    DATETIME NOT NULL DEFAULT (datetime('now')),
	UNIQUE(workspace_id, name_key)
);

CREATE INDEX IF NOT EXISTS idx_companies_workspace ON companies(workspace_id);
CREATE INDEX IF NOT EXISTS idx_companies_tax_id ON companies(workspace_id, tax_id);

CREATE TABLE IF NOT EXISTS jobs (
	id                  TEXT PRIMARY KEY,
	workspace_id        TEXT NOT NULL,
	work_set_ref        TEXT NOT NULL DEFAULT '',
	status              TEXT NOT NULL DEFAULT 'pending',
	total_items         INTEGER NOT NULL DEFAULT 0,
	processed_items     INTEGER NOT NULL DEFAULT 0,
	success_count       INTEGER NOT NULL DEFAULT 0,
	failure_count       INTEGER NOT NULL DEFAULT 0,
	current_batch       INTEGER NOT NULL DEFAULT 0,
	total_batches       INTEGER NOT NULL DEFAULT 0,
	batch_size          INTEGER NOT NULL DEFAULT 5,
	checkpoint_interval INTEGER NOT NULL DEFAULT 50,
	last_checkpoint_at  DATETIME,
	error_message       TEXT NOT NULL DEFAULT '',
	created_at          DATETIME NOT NULL DEFAULT (datetime('now')),
	started_at          DATETIME,
	completed_at        DATETIME,
	updated_at          DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
CREATE INDEX IF NOT EXISTS idx_jobs_workspace ON jobs(workspace_id);

CREATE TABLE IF NOT EXISTS job_checkpoints (
	job_id          TEXT PRIMARY KEY REFERENCES jobs(id),
	processed_items INTEGER NOT NULL,
	success_count   INTEGER NOT NULL,
	failure_count   INTEGER NOT NULL,
	current_batch   INTEGER NOT NULL,
	terminal        INTEGER NOT NULL DEFAULT 0,
	saved_at        DATETIME NOT NULL
);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) UpsertCompanies(ctx context.Context, candidates []model.Candidate) (int64, error) {
	if len(candidates) == 0 {
		return 0, nil
	}

	var affected int64
	for _, c := range candidates {
		if c.ID == "" {
			c.ID = uuid.New().String()
		}
		if c.CreatedAt.IsZero() {
			c.CreatedAt = time.Now().UTC()
		}

		res, err := s.db.ExecContext(ctx,
			`INSERT INTO companies
			 (id, workspace_id, kind, name, name_key, tax_id, website, email, phone,
			  role, size, region, sector, product, revenue_range, quality_score, quality_tier, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(workspace_id, name_key) DO UPDATE SET
			   kind = excluded.kind, name = excluded.name, tax_id = excluded.tax_id,
			   website = excluded.website, email = excluded.email, phone = excluded.phone,
			   role = excluded.role, size = excluded.size, region = excluded.region,
			   sector = excluded.sector, product = excluded.product,
			   revenue_range = excluded.revenue_range,
			   quality_score = excluded.quality_score, quality_tier = excluded.quality_tier`,
			c.ID, c.WorkspaceID, string(c.Kind), c.Name, resolve.Key(c.Name), c.TaxID,
			c.Website, c.Email, c.Phone, string(c.Role), c.Size, c.Region, c.Sector,
			c.Product, c.RevenueRange, c.QualityScore, string(c.QualityTier), c.CreatedAt,
		)
		if err != nil {
			return affected, eris.Wrapf(err, "sqlite: upsert company %s", c.Name)
		}
		if n, err := res.RowsAffected(); err == nil {
			affected += n
		}
	}
	return affected, nil
}

func (s *SQLiteStore) CompanyExists(ctx context.Context, workspaceID, nameKey, taxID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(
		   SELECT 1 FROM companies
		   WHERE workspace_id = ? AND (name_key = ? OR (? != '' AND tax_id = ?))
		 )`,
		workspaceID, nameKey, taxID, taxID,
	).Scan(&exists)
	if err != nil {
		return false, eris.Wrap(err, "sqlite: company exists")
	}
	return exists, nil
}

func (s *SQLiteStore) CompanyNames(ctx context.Context, workspaceID string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT name FROM companies WHERE workspace_id = ? ORDER BY created_at ASC, id ASC LIMIT ?`,
		workspaceID, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: company names")
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan company name")
		}
		names = append(names, name)
	}
	return names, eris.Wrap(rows.Err(), "sqlite: company names iterate")
}

func (s *SQLiteStore) ListCompanies(ctx context.Context, filter CompanyFilter) ([]model.Candidate, error) {
	query := `SELECT id, workspace_id, kind, name, tax_id, website, email, phone,
	                 role, size, region, sector, product, revenue_range,
	                 quality_score, quality_tier, created_at
	          FROM companies WHERE true`
	args := []any{}

	if filter.WorkspaceID != "" {
		query += ` AND workspace_id = ?`
		args = append(args, filter.WorkspaceID)
	}
	if filter.Kind != "" {
		query += ` AND kind = ?`
		args = append(args, string(filter.Kind))
	}
	if filter.Tier != "" {
		query += ` AND quality_tier = ?`
		args = append(args, string(filter.Tier))
	}
	query += ` ORDER BY quality_score DESC, created_at ASC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)
	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list companies")
	}
	defer rows.Close()

	var companies []model.Candidate
	for rows.Next() {
		var c model.Candidate
		if err := rows.Scan(&c.ID, &c.WorkspaceID, &c.Kind, &c.Name, &c.TaxID,
			&c.Website, &c.Email, &c.Phone, &c.Role, &c.Size, &c.Region, &c.Sector,
			&c.Product, &c.RevenueRange, &c.QualityScore, &c.QualityTier, &c.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan company")
		}
		companies = append(companies, c)
	}
	return companies, eris.Wrap(rows.Err(), "sqlite: list companies iterate")
}

func (s *SQLiteStore) CreateJob(ctx context.Context, job *model.Job) error {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.Status == "" {
		job.Status = model.JobStatusPending
	}
	now := time.Now().UTC()
	job.CreatedAt = now
	job.UpdatedAt = now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs
		 (id, workspace_id, work_set_ref, status, total_items, processed_items,
		  success_count, failure_count, current_batch, total_batches, batch_size,
		  checkpoint_interval, error_message, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.WorkspaceID, job.WorkSetRef, string(job.Status), job.TotalItems,
		job.ProcessedItems, job.SuccessCount, job.FailureCount, job.CurrentBatch,
		job.TotalBatches, job.BatchSize, job.CheckpointInterval, job.ErrorMessage,
		job.CreatedAt, job.UpdatedAt,
	)
	return eris.Wrap(err, "sqlite: insert job")
}

func (s *SQLiteStore) GetJob(ctx context.Context, jobID string) (*model.Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, workspace_id, work_set_ref, status, total_items, processed_items,
		        success_count, failure_count, current_batch, total_batches, batch_size,
		        checkpoint_interval, last_checkpoint_at, error_message,
		        created_at, started_at, completed_at, updated_at
		 FROM jobs WHERE id = ?`,
		jobID,
	)
	job, err := scanSQLiteJob(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, eris.Wrapf(ErrNotFound, "job %s", jobID)
		}
		return nil, eris.Wrapf(err, "sqlite: get job %s", jobID)
	}
	return job, nil
}

func (s *SQLiteStore) UpdateJobStatus(ctx context.Context, jobID string, status model.JobStatus, errMsg string) error {
	now := time.Now().UTC()
	query := `UPDATE jobs SET status = ?, error_message = ?, updated_at = ?`
	args := []any{string(status), errMsg, now}

	if status == model.JobStatusRunning {
		query += `, started_at = COALESCE(started_at, ?)`
		args = append(args, now)
	}
	if status.Terminal() {
		query += `, completed_at = ?`
		args = append(args, now)
	}
	query += ` WHERE id = ?`
	args = append(args, jobID)

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update job status %s", jobID)
	}
	return checkRowsAffected(res, "job", jobID)
}

func (s *SQLiteStore) ListJobs(ctx context.Context, filter JobFilter) ([]model.Job, error) {
	query := `SELECT id, workspace_id, work_set_ref, status, total_items, processed_items,
	                 success_count, failure_count, current_batch, total_batches, batch_size,
	                 checkpoint_interval, last_checkpoint_at, error_message,
	                 created_at, started_at, completed_at, updated_at
	          FROM jobs WHERE true`
	args := []any{}

	if filter.WorkspaceID != "" {
		query += ` AND workspace_id = ?`
		args = append(args, filter.WorkspaceID)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)
	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list jobs")
	}
	defer rows.Close()

	var jobs []model.Job
	for rows.Next() {
		job, err := scanSQLiteJob(rows.Scan)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan job")
		}
		jobs = append(jobs, *job)
	}
	return jobs, eris.Wrap(rows.Err(), "sqlite: list jobs iterate")
}

func (s *SQLiteStore) SaveCheckpoint(ctx context.Context, cp model.Checkpoint) error {
	if cp.SavedAt.IsZero() {
		cp.SavedAt = time.Now().UTC()
	}

	// The checkpoint row is written first; it is the source of truth for a
	// resume even if the job counters update below never lands.
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO job_checkpoints
		 (job_id, processed_items, success_count, failure_count, current_batch, terminal, saved_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(job_id) DO UPDATE SET
		   processed_items = excluded.processed_items,
		   success_count = excluded.success_count,
		   failure_count = excluded.failure_count,
		   current_batch = excluded.current_batch,
		   terminal = excluded.terminal,
		   saved_at = excluded.saved_at`,
		cp.JobID, cp.ProcessedItems, cp.SuccessCount, cp.FailureCount,
		cp.CurrentBatch, cp.Terminal, cp.SavedAt,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: save checkpoint %s", cp.JobID)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET processed_items = ?, success_count = ?, failure_count = ?,
		        current_batch = ?, last_checkpoint_at = ?, updated_at = ?
		 WHERE id = ?`,
		cp.ProcessedItems, cp.SuccessCount, cp.FailureCount, cp.CurrentBatch,
		cp.SavedAt, time.Now().UTC(), cp.JobID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: checkpoint job counters %s", cp.JobID)
	}
	return checkRowsAffected(res, "job", cp.JobID)
}

func (s *SQLiteStore) LoadCheckpoint(ctx context.Context, jobID string) (*model.Checkpoint, error) {
	var cp model.Checkpoint
	err := s.db.QueryRowContext(ctx,
		`SELECT job_id, processed_items, success_count, failure_count, current_batch, terminal, saved_at
		 FROM job_checkpoints WHERE job_id = ?`,
		jobID,
	).Scan(&cp.JobID, &cp.ProcessedItems, &cp.SuccessCount, &cp.FailureCount,
		&cp.CurrentBatch, &cp.Terminal, &cp.SavedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "sqlite: load checkpoint %s", jobID)
	}
	return &cp, nil
}

// scanSQLiteJob scans one job row; the scan func comes from either a
// QueryRow or a rows iteration.
func scanSQLiteJob(scan func(dest ...any) error) (*model.Job, error) {
	var j model.Job
	var lastCheckpoint, startedAt, completedAt sql.NullTime

	err := scan(&j.ID, &j.WorkspaceID, &j.WorkSetRef, &j.Status, &j.TotalItems,
		&j.ProcessedItems, &j.SuccessCount, &j.FailureCount, &j.CurrentBatch,
		&j.TotalBatches, &j.BatchSize, &j.CheckpointInterval, &lastCheckpoint,
		&j.ErrorMessage, &j.CreatedAt, &startedAt, &completedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if lastCheckpoint.Valid {
		j.LastCheckpointAt = &lastCheckpoint.Time
	}
	if startedAt.Valid {
		j.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		j.CompletedAt = &completedAt.Time
	}
	return &j, nil
}

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrapf(err, "sqlite: rows affected for %s %s", entity, id)
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "%s %s", entity, id)
	}
	return nil
}
