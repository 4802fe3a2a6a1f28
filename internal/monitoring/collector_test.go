package monitoring

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/intelmercado/enrich-cli/internal/model"
	"github.com/intelmercado/enrich-cli/internal/store"
)

// fakeJobStore stubs ListJobs; the embedded interface panics on anything else.
type fakeJobStore struct {
	store.Store
	jobs []model.Job
}

func (f *fakeJobStore) ListJobs(_ context.Context, _ store.JobFilter) ([]model.Job, error) {
	return f.jobs, nil
}

func TestCollector_Collect(t *testing.T) {
	st := &fakeJobStore{jobs: []model.Job{
		{Status: model.JobStatusCompleted, ProcessedItems: 100, SuccessCount: 95, FailureCount: 5},
		{Status: model.JobStatusRunning, ProcessedItems: 40, SuccessCount: 38, FailureCount: 2},
		{Status: model.JobStatusPaused, ProcessedItems: 10, SuccessCount: 10},
		{Status: model.JobStatusFailed, ProcessedItems: 50, SuccessCount: 43, FailureCount: 7},
		{Status: model.JobStatusCancelled},
		{Status: model.JobStatusPending},
	}}

	snap, err := NewCollector(st).Collect(context.Background(), "")
	require.NoError(t, err)

	assert.Equal(t, 6, snap.JobsTotal)
	assert.Equal(t, 1, snap.JobsRunning)
	assert.Equal(t, 1, snap.JobsPaused)
	assert.Equal(t, 1, snap.JobsCompleted)
	assert.Equal(t, 1, snap.JobsFailed)
	assert.Equal(t, 1, snap.JobsCancelled)

	assert.Equal(t, 200, snap.ItemsProcessed)
	assert.Equal(t, 186, snap.ItemsSucceeded)
	assert.Equal(t, 14, snap.ItemsFailed)
	assert.InDelta(t, 0.07, snap.ItemFailRate, 1e-9)
	assert.False(t, snap.CollectedAt.IsZero())
}

func TestCollector_Empty(t *testing.T) {
	snap, err := NewCollector(&fakeJobStore{}).Collect(context.Background(), "ws-1")
	require.NoError(t, err)
	assert.Equal(t, 0, snap.JobsTotal)
	assert.Equal(t, 0.0, snap.ItemFailRate)
}
