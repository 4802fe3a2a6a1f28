package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/intelmercado/enrich-cli/internal/db"
	"github.com/intelmercado/enrich-cli/internal/model"
	"github.com/intelmercado/enrich-cli/internal/resolve"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists queries to prepare on each new connection for
// faster execution of the hot-path store operations.
var preparedStatements = map[string]string{
	"company_exists": `SELECT EXISTS(SELECT 1 FROM companies WHERE workspace_id = $1 AND (name_key = $2 OR ($3 != '' AND tax_id = $3)))`,
	"company_names":  `SELECT name FROM companies WHERE workspace_id = $1 ORDER BY created_at ASC, id ASC LIMIT $2`,
	"get_job":        `SELECT id, workspace_id, work_set_ref, status, total_items, processed_items, success_count, failure_count, current_batch, total_batches, batch_size, checkpoint_interval, last_checkpoint_at, error_message, created_at, started_at, completed_at, updated_at FROM jobs WHERE id = $1`,
	"save_checkpoint": `INSERT INTO job_checkpoints (job_id, processed_items, success_count, failure_count, current_batch, terminal, saved_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (job_id) DO UPDATE SET processed_items = $2, success_count = $3, failure_count = $4, current_batch = $5, terminal = $6, saved_at = $7`,
	"load_checkpoint": `SELECT job_id, processed_items, success_count, failure_count, current_batch, terminal, saved_at FROM job_checkpoints WHERE job_id = $1`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	// Apply pool sizing from config with sensible defaults.
	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	// Prepare frequently-used statements on each new connection.
	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// NewPostgresWithPool wraps an existing pool, used by tests.
func NewPostgresWithPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, closeFn: pool.Close}
}

// Pool returns the underlying database pool for subsystems that need
// direct query access.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS companies (
	id            TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
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
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE(workspace_id, name_key)
);

CREATE INDEX IF NOT EXISTS idx_companies_workspace ON companies(workspace_id);
CREATE INDEX IF NOT EXISTS idx_companies_tax_id ON companies(workspace_id, tax_id);

CREATE TABLE IF NOT EXISTS jobs (
	id                  TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
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
	last_checkpoint_at  TIMESTAMPTZ,
	error_message       TEXT NOT NULL DEFAULT '',
	created_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
	started_at          TIMESTAMPTZ,
	completed_at        TIMESTAMPTZ,
	updated_at          TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
CREATE INDEX IF NOT EXISTS idx_jobs_workspace ON jobs(workspace_id);

CREATE TABLE IF NOT EXISTS job_checkpoints (
	job_id          TEXT PRIMARY KEY REFERENCES jobs(id),
	processed_items INTEGER NOT NULL,
	success_count   INTEGER NOT NULL,
	failure_count   INTEGER NOT NULL,
	current_batch   INTEGER NOT NULL,
	terminal        BOOLEAN NOT NULL DEFAULT false,
	saved_at        TIMESTAMPTZ NOT NULL
);
`

// companyColumns is the column order used for bulk company upserts.
var companyColumns = []string{
	"id", "workspace_id", "kind", "name", "name_key", "tax_id", "website",
	"email", "phone", "role", "size", "region", "sector", "product",
	"revenue_range", "quality_score", "quality_tier", "created_at",
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) UpsertCompanies(ctx context.Context, candidates []model.Candidate) (int64, error) {
	if len(candidates) == 0 {
		return 0, nil
	}

	now := time.Now().UTC()
	rows := make([][]any, 0, len(candidates))
	for _, c := range candidates {
		if c.ID == "" {
			c.ID = uuid.New().String()
		}
		if c.CreatedAt.IsZero() {
			c.CreatedAt = now
		}
		rows = append(rows, []any{
			c.ID, c.WorkspaceID, string(c.Kind), c.Name, resolve.Key(c.Name),
			c.TaxID, c.Website, c.Email, c.Phone, string(c.Role), c.Size,
			c.Region, c.Sector, c.Product, c.RevenueRange, c.QualityScore,
			string(c.QualityTier), c.CreatedAt,
		})
	}

	n, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "companies",
		Columns:      companyColumns,
		ConflictKeys: []string{"workspace_id", "name_key"},
		UpdateCols: []string{
			"kind", "name", "tax_id", "website", "email", "phone", "role",
			"size", "region", "sector", "product", "revenue_range",
			"quality_score", "quality_tier",
		},
	}, rows)
	return n, eris.Wrap(err, "postgres: upsert companies")
}

func (s *PostgresStore) CompanyExists(ctx context.Context, workspaceID, nameKey, taxID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM companies WHERE workspace_id = $1 AND (name_key = $2 OR ($3 != '' AND tax_id = $3)))`,
		workspaceID, nameKey, taxID,
	).Scan(&exists)
	if err != nil {
		return false, eris.Wrap(err, "postgres: company exists")
	}
	return exists, nil
}

func (s *PostgresStore) CompanyNames(ctx context.Context, workspaceID string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT name FROM companies WHERE workspace_id = $1 ORDER BY created_at ASC, id ASC LIMIT $2`,
		workspaceID, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: company names")
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, eris.Wrap(err, "postgres: scan company name")
		}
		names = append(names, name)
	}
	return names, eris.Wrap(rows.Err(), "postgres: company names iterate")
}

func (s *PostgresStore) ListCompanies(ctx context.Context, filter CompanyFilter) ([]model.Candidate, error) {
	query := `SELECT id, workspace_id, kind, name, tax_id, website, email, phone,
	                 role, size, region, sector, product, revenue_range,
	                 quality_score, quality_tier, created_at
	          FROM companies WHERE true`
	args := []any{}
	argIdx := 1

	if filter.WorkspaceID != "" {
		query += fmt.Sprintf(` AND workspace_id = $%d`, argIdx)
		args = append(args, filter.WorkspaceID)
		argIdx++
	}
	if filter.Kind != "" {
		query += fmt.Sprintf(` AND kind = $%d`, argIdx)
		args = append(args, string(filter.Kind))
		argIdx++
	}
	if filter.Tier != "" {
		query += fmt.Sprintf(` AND quality_tier = $%d`, argIdx)
		args = append(args, string(filter.Tier))
		argIdx++
	}
	query += ` ORDER BY quality_score DESC, created_at ASC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list companies")
	}
	defer rows.Close()

	var companies []model.Candidate
	for rows.Next() {
		var c model.Candidate
		if err := rows.Scan(&c.ID, &c.WorkspaceID, &c.Kind, &c.Name, &c.TaxID,
			&c.Website, &c.Email, &c.Phone, &c.Role, &c.Size, &c.Region, &c.Sector,
			&c.Product, &c.RevenueRange, &c.QualityScore, &c.QualityTier, &c.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan company")
		}
		companies = append(companies, c)
	}
	return companies, eris.Wrap(rows.Err(), "postgres: list companies iterate")
}

func (s *PostgresStore) CreateJob(ctx context.Context, job *model.Job) error {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.Status == "" {
		job.Status = model.JobStatusPending
	}
	now := time.Now().UTC()
	job.CreatedAt = now
	job.UpdatedAt = now

	_, err := s.pool.Exec(ctx,
		`INSERT INTO jobs
		 (id, workspace_id, work_set_ref, status, total_items, processed_items,
		  success_count, failure_count, current_batch, total_batches, batch_size,
		  checkpoint_interval, error_message, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		job.ID, job.WorkspaceID, job.WorkSetRef, string(job.Status), job.TotalItems,
		job.ProcessedItems, job.SuccessCount, job.FailureCount, job.CurrentBatch,
		job.TotalBatches, job.BatchSize, job.CheckpointInterval, job.ErrorMessage,
		job.CreatedAt, job.UpdatedAt,
	)
	return eris.Wrap(err, "postgres: insert job")
}

func (s *PostgresStore) GetJob(ctx context.Context, jobID string) (*model.Job, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, workspace_id, work_set_ref, status, total_items, processed_items,
		        success_count, failure_count, current_batch, total_batches, batch_size,
		        checkpoint_interval, last_checkpoint_at, error_message,
		        created_at, started_at, completed_at, updated_at
		 FROM jobs WHERE id = $1`,
		jobID,
	)
	job, err := scanPostgresJob(row.Scan)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, eris.Wrapf(ErrNotFound, "job %s", jobID)
		}
		return nil, eris.Wrapf(err, "postgres: get job %s", jobID)
	}
	return job, nil
}

func (s *PostgresStore) UpdateJobStatus(ctx context.Context, jobID string, status model.JobStatus, errMsg string) error {
	now := time.Now().UTC()
	query := `UPDATE jobs SET status = $1, error_message = $2, updated_at = $3`
	args := []any{string(status), errMsg, now}
	argIdx := 4

	if status == model.JobStatusRunning {
		query += fmt.Sprintf(`, started_at = COALESCE(started_at, $%d)`, argIdx)
		args = append(args, now)
		argIdx++
	}
	if status.Terminal() {
		query += fmt.Sprintf(`, completed_at = $%d`, argIdx)
		args = append(args, now)
		argIdx++
	}
	query += fmt.Sprintf(` WHERE id = $%d`, argIdx)
	args = append(args, jobID)

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return eris.Wrapf(err, "postgres: update job status %s", jobID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "job %s", jobID)
	}
	return nil
}

func (s *PostgresStore) ListJobs(ctx context.Context, filter JobFilter) ([]model.Job, error) {
	query := `SELECT id, workspace_id, work_set_ref, status, total_items, processed_items,
	                 success_count, failure_count, current_batch, total_batches, batch_size,
	                 checkpoint_interval, last_checkpoint_at, error_message,
	                 created_at, started_at, completed_at, updated_at
	          FROM jobs WHERE true`
	args := []any{}
	argIdx := 1

	if filter.WorkspaceID != "" {
		query += fmt.Sprintf(` AND workspace_id = $%d`, argIdx)
		args = append(args, filter.WorkspaceID)
		argIdx++
	}
	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list jobs")
	}
	defer rows.Close()

	var jobs []model.Job
	for rows.Next() {
		job, err := scanPostgresJob(rows.Scan)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan job")
		}
		jobs = append(jobs, *job)
	}
	return jobs, eris.Wrap(rows.Err(), "postgres: list jobs iterate")
}

func (s *PostgresStore) SaveCheckpoint(ctx context.Context, cp model.Checkpoint) error {
	if cp.SavedAt.IsZero() {
		cp.SavedAt = time.Now().UTC()
	}

	// Checkpoint row first; it is the source of truth for a resume even if
	// the job counters update below never lands.
	_, err := s.pool.Exec(ctx,
		`INSERT INTO job_checkpoints
		 (job_id, processed_items, success_count, failure_count, current_batch, terminal, saved_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (job_id) DO UPDATE SET
		   processed_items = $2, success_count = $3, failure_count = $4,
		   current_batch = $5, terminal = $6, saved_at = $7`,
		cp.JobID, cp.ProcessedItems, cp.SuccessCount, cp.FailureCount,
		cp.CurrentBatch, cp.Terminal, cp.SavedAt,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: save checkpoint %s", cp.JobID)
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET processed_items = $1, success_count = $2, failure_count = $3,
		        current_batch = $4, last_checkpoint_at = $5, updated_at = $6
		 WHERE id = $7`,
		cp.ProcessedItems, cp.SuccessCount, cp.FailureCount, cp.CurrentBatch,
		cp.SavedAt, time.Now().UTC(), cp.JobID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: checkpoint job counters %s", cp.JobID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "job %s", cp.JobID)
	}
	return nil
}

func (s *PostgresStore) LoadCheckpoint(ctx context.Context, jobID string) (*model.Checkpoint, error) {
	var cp model.Checkpoint
	err := s.pool.QueryRow(ctx,
		`SELECT job_id, processed_items, success_count, failure_count, current_batch, terminal, saved_at
		 FROM job_checkpoints WHERE job_id = $1`,
		jobID,
	).Scan(&cp.JobID, &cp.ProcessedItems, &cp.SuccessCount, &cp.FailureCount,
		&cp.CurrentBatch, &cp.Terminal, &cp.SavedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: load checkpoint %s", jobID)
	}
	return &cp, nil
}

func scanPostgresJob(scan func(dest ...any) error) (*model.Job, error) {
	var j model.Job
	var lastCheckpoint, startedAt, completedAt *time.Time

	err := scan(&j.ID, &j.WorkspaceID, &j.WorkSetRef, &j.Status, &j.TotalItems,
		&j.ProcessedItems, &j.SuccessCount, &j.FailureCount, &j.CurrentBatch,
		&j.TotalBatches, &j.BatchSize, &j.CheckpointInterval, &lastCheckpoint,
		&j.ErrorMessage, &j.CreatedAt, &startedAt, &completedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}

	j.LastCheckpointAt = lastCheckpoint
	j.StartedAt = startedAt
	j.CompletedAt = completedAt
	return &j, nil
}
