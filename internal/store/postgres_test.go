package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	pgxmock "github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/intelmercado/enrich-cli/internal/model"
)

func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()

	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	return &PostgresStore{pool: mock}, mock
}

func TestPostgres_CompanyExists(t *testing.T) {
	st, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT EXISTS\(SELECT 1 FROM companies`).
		WithArgs("ws-1", "acme industrial", "").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))

	exists, err := st.CompanyExists(context.Background(), "ws-1", "acme industrial", "")
	require.NoError(t, err)
	assert.True(t, exists)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_CompanyNames(t *testing.T) {
	st, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT name FROM companies WHERE workspace_id = \$1`).
		WithArgs("ws-1", 2).
		WillReturnRows(pgxmock.NewRows([]string{"name"}).
			AddRow("First Co").
			AddRow("Second Co"))

	names, err := st.CompanyNames(context.Background(), "ws-1", 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"First Co", "Second Co"}, names)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_UpsertCompanies_BulkPath(t *testing.T) {
	st, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TEMP TABLE "_tmp_upsert_companies"`).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_tmp_upsert_companies"}, companyColumns).
		WillReturnResult(2)
	mock.ExpectExec(`INSERT INTO "companies" .* ON CONFLICT \("workspace_id", "name_key"\) DO UPDATE SET`).
		WillReturnResult(pgxmock.NewResult("INSERT", 2))
	mock.ExpectCommit()
	mock.ExpectRollback()

	n, err := st.UpsertCompanies(context.Background(), []model.Candidate{
		{WorkspaceID: "ws-1", Kind: model.KindCompetitor, Name: "Acme"},
		{WorkspaceID: "ws-1", Kind: model.KindCompetitor, Name: "Beta"},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_GetJob(t *testing.T) {
	st, mock := newMockPostgresStore(t)

	now := time.Now().UTC()
	started := now.Add(-time.Minute)
	mock.ExpectQuery(`SELECT id, workspace_id, work_set_ref, status, .* FROM jobs WHERE id = \$1`).
		WithArgs("job-1").
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "workspace_id", "work_set_ref", "status", "total_items",
			"processed_items", "success_count", "failure_count", "current_batch",
			"total_batches", "batch_size", "checkpoint_interval", "last_checkpoint_at",
			"error_message", "created_at", "started_at", "completed_at", "updated_at",
		}).AddRow(
			"job-1", "ws-1", "workset.yaml", model.JobStatusRunning, 100,
			50, 47, 3, 10,
			20, 5, 50, (*time.Time)(nil),
			"", now, &started, (*time.Time)(nil), now,
		))

	job, err := st.GetJob(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusRunning, job.Status)
	assert.Equal(t, 50, job.ProcessedItems)
	require.NotNil(t, job.StartedAt)
	assert.Nil(t, job.CompletedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_GetJob_NotFound(t *testing.T) {
	st, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT .* FROM jobs WHERE id = \$1`).
		WithArgs("no-such-job").
		WillReturnError(pgx.ErrNoRows)

	_, err := st.GetJob(context.Background(), "no-such-job")
	assert.True(t, errors.Is(err, ErrNotFound))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_UpdateJobStatus_RunningStampsStart(t *testing.T) {
	st, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE jobs SET status = \$1, error_message = \$2, updated_at = \$3, started_at = COALESCE\(started_at, \$4\) WHERE id = \$5`).
		WithArgs("running", "", pgxmock.AnyArg(), pgxmock.AnyArg(), "job-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err := st.UpdateJobStatus(context.Background(), "job-1", model.JobStatusRunning, "")
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_UpdateJobStatus_TerminalStampsCompletion(t *testing.T) {
	st, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE jobs SET status = \$1, error_message = \$2, updated_at = \$3, completed_at = \$4 WHERE id = \$5`).
		WithArgs("failed", "circuit breaker open", pgxmock.AnyArg(), pgxmock.AnyArg(), "job-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err := st.UpdateJobStatus(context.Background(), "job-1", model.JobStatusFailed, "circuit breaker open")
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_UpdateJobStatus_NotFound(t *testing.T) {
	st, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE jobs SET status = \$1`).
		WithArgs("paused", "", pgxmock.AnyArg(), "no-such-job").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := st.UpdateJobStatus(context.Background(), "no-such-job", model.JobStatusPaused, "")
	assert.True(t, errors.Is(err, ErrNotFound))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_SaveCheckpoint(t *testing.T) {
	st, mock := newMockPostgresStore(t)

	// Checkpoint row first, job counters second.
	mock.ExpectExec(`INSERT INTO job_checkpoints`).
		WithArgs("job-1", 50, 47, 3, 10, false, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`UPDATE jobs SET processed_items = \$1`).
		WithArgs(50, 47, 3, 10, pgxmock.AnyArg(), pgxmock.AnyArg(), "job-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err := st.SaveCheckpoint(context.Background(), model.Checkpoint{
		JobID:          "job-1",
		ProcessedItems: 50,
		SuccessCount:   47,
		FailureCount:   3,
		CurrentBatch:   10,
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_LoadCheckpoint_None(t *testing.T) {
	st, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT job_id, processed_items, .* FROM job_checkpoints WHERE job_id = \$1`).
		WithArgs("job-1").
		WillReturnError(pgx.ErrNoRows)

	cp, err := st.LoadCheckpoint(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Nil(t, cp)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_LoadCheckpoint(t *testing.T) {
	st, mock := newMockPostgresStore(t)

	saved := time.Now().UTC()
	mock.ExpectQuery(`SELECT job_id, processed_items, .* FROM job_checkpoints WHERE job_id = \$1`).
		WithArgs("job-1").
		WillReturnRows(pgxmock.NewRows([]string{
			"job_id", "processed_items", "success_count", "failure_count",
			"current_batch", "terminal", "saved_at",
		}).AddRow("job-1", 50, 47, 3, 10, true, saved))

	cp, err := st.LoadCheckpoint(context.Background(), "job-1")
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, 50, cp.ProcessedItems)
	assert.True(t, cp.Terminal)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_ListJobs_Filtered(t *testing.T) {
	st, mock := newMockPostgresStore(t)

	now := time.Now().UTC()
	mock.ExpectQuery(`SELECT id, workspace_id, .* FROM jobs WHERE true AND workspace_id = \$1 AND status = \$2 ORDER BY created_at DESC LIMIT \$3`).
		WithArgs("ws-1", "running", 10).
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "workspace_id", "work_set_ref", "status", "total_items",
			"processed_items", "success_count", "failure_count", "current_batch",
			"total_batches", "batch_size", "checkpoint_interval", "last_checkpoint_at",
			"error_message", "created_at", "started_at", "completed_at", "updated_at",
		}).AddRow(
			"job-1", "ws-1", "", model.JobStatusRunning, 10,
			5, 5, 0, 1,
			2, 5, 50, (*time.Time)(nil),
			"", now, (*time.Time)(nil), (*time.Time)(nil), now,
		))

	jobs, err := st.ListJobs(context.Background(), JobFilter{
		WorkspaceID: "ws-1",
		Status:      model.JobStatusRunning,
		Limit:       10,
	})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "job-1", jobs[0].ID)
	require.NoError(t, mock.ExpectationsWereMet())
}
