package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/intelmercado/enrich-cli/internal/model"
	"github.com/intelmercado/enrich-cli/internal/store"
)

// MetricsSnapshot holds a point-in-time view of batch processing health.
type MetricsSnapshot struct {
	JobsTotal     int `json:"jobs_total"`
	JobsRunning   int `json:"jobs_running"`
	JobsPaused    int `json:"jobs_paused"`
	JobsCompleted int `json:"jobs_completed"`
	JobsFailed    int `json:"jobs_failed"`
	JobsCancelled int `json:"jobs_cancelled"`

	ItemsProcessed int     `json:"items_processed"`
	ItemsSucceeded int     `json:"items_succeeded"`
	ItemsFailed    int     `json:"items_failed"`
	ItemFailRate   float64 `json:"item_fail_rate"`

	CollectedAt time.Time `json:"collected_at"`
}

// Collector gathers job metrics from the store.
type Collector struct {
	store store.Store
}

// NewCollector creates a metrics collector.
func NewCollector(st store.Store) *Collector {
	return &Collector{store: st}
}

// Collect gathers a snapshot of job metrics, optionally scoped to a workspace.
func (c *Collector) Collect(ctx context.Context, workspaceID string) (*MetricsSnapshot, error) {
	snap := &MetricsSnapshot{
		CollectedAt: time.Now().UTC(),
	}

	jobs, err := c.store.ListJobs(ctx, store.JobFilter{
		WorkspaceID: workspaceID,
		Limit:       10000,
	})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list jobs")
	}

	snap.JobsTotal = len(jobs)
	for _, j := range jobs {
		switch j.Status {
		case model.JobStatusRunning:
			snap.JobsRunning++
		case model.JobStatusPaused:
			snap.JobsPaused++
		case model.JobStatusCompleted:
			snap.JobsCompleted++
		case model.JobStatusFailed:
			snap.JobsFailed++
		case model.JobStatusCancelled:
			snap.JobsCancelled++
		}
		snap.ItemsProcessed += j.ProcessedItems
		snap.ItemsSucceeded += j.SuccessCount
		snap.ItemsFailed += j.FailureCount
	}

	if snap.ItemsProcessed > 0 {
		snap.ItemFailRate = float64(snap.ItemsFailed) / float64(snap.ItemsProcessed)
	}

	return snap, nil
}
