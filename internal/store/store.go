// Package store persists accepted companies, batch jobs, and their
// checkpoints behind a single interface with SQLite and PostgreSQL backends.
package store

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/intelmercado/enrich-cli/internal/model"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = eris.New("not found")

// CompanyFilter specifies criteria for listing companies.
type CompanyFilter struct {
	WorkspaceID string              `json:"workspace_id,omitempty"`
	Kind        model.CandidateKind `json:"kind,omitempty"`
	Tier        model.QualityTier   `json:"tier,omitempty"`
	Limit       int                 `json:"limit,omitempty"`
	Offset      int                 `json:"offset,omitempty"`
}

// JobFilter specifies criteria for listing jobs.
type JobFilter struct {
	WorkspaceID string          `json:"workspace_id,omitempty"`
	Status      model.JobStatus `json:"status,omitempty"`
	Limit       int             `json:"limit,omitempty"`
	Offset      int             `json:"offset,omitempty"`
}

// Store defines the persistence interface for the enrichment pipeline.
// Company writes are idempotent upserts keyed on (workspace_id, name_key),
// so replaying a batch after a crash never creates duplicates.
type Store interface {
	// Companies
	UpsertCompanies(ctx context.Context, candidates []model.Candidate) (int64, error)
	CompanyExists(ctx context.Context, workspaceID, nameKey, taxID string) (bool, error)
	CompanyNames(ctx context.Context, workspaceID string, limit int) ([]string, error)
	ListCompanies(ctx context.Context, filter CompanyFilter) ([]model.Candidate, error)

	// Jobs
	CreateJob(ctx context.Context, job *model.Job) error
	GetJob(ctx context.Context, jobID string) (*model.Job, error)
	UpdateJobStatus(ctx context.Context, jobID string, status model.JobStatus, errMsg string) error
	ListJobs(ctx context.Context, filter JobFilter) ([]model.Job, error)

	// Checkpoints. SaveCheckpoint also advances the job's progress counters
	// so a job snapshot and its latest checkpoint never disagree.
	SaveCheckpoint(ctx context.Context, cp model.Checkpoint) error
	LoadCheckpoint(ctx context.Context, jobID string) (*model.Checkpoint, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
