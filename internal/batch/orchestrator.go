// Package batch runs resumable enrichment jobs: a state machine over
// pending/running/paused/completed/failed/cancelled with batched bounded
// parallelism, durable checkpoints, and circuit-breaker protection.
package batch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/intelmercado/enrich-cli/internal/config"
	"github.com/intelmercado/enrich-cli/internal/generate"
	"github.com/intelmercado/enrich-cli/internal/model"
	"github.com/intelmercado/enrich-cli/internal/monitoring"
	"github.com/intelmercado/enrich-cli/internal/resilience"
	"github.com/intelmercado/enrich-cli/internal/store"
)

// ErrInvalidTransition is returned when a job-control call does not match
// the job's current state. The job is left unchanged.
var ErrInvalidTransition = eris.New("invalid job transition")

// Processor runs one unit of batch work.
type Processor interface {
	Process(ctx context.Context, job *model.Job, item WorkItem) error
}

// EnrichProcessor is the production processor: it runs the uniqueness loop
// for the item and persists whatever was accepted. Transient failures and
// oracle outages are retried with backoff before the item counts as failed.
type EnrichProcessor struct {
	engine *generate.Engine
	store  store.Store
	retry  resilience.RetryConfig
}

// NewEnrichProcessor creates the production item processor.
func NewEnrichProcessor(engine *generate.Engine, st store.Store, cfg config.BatchConfig) *EnrichProcessor {
	retry := resilience.DefaultRetryConfig()
	if cfg.ItemMaxRetries > 0 {
		retry.MaxAttempts = cfg.ItemMaxRetries
	}
	retry.ShouldRetry = func(err error) bool {
		return resilience.IsTransient(err) || errors.Is(err, generate.ErrOracleUnavailable)
	}
	retry.OnRetry = resilience.RetryLogger("enrich_item")

	return &EnrichProcessor{engine: engine, store: st, retry: retry}
}

// Process generates unique candidates for the item and upserts them.
// A shortfall is not an error; the accepted partial list is still persisted.
func (p *EnrichProcessor) Process(ctx context.Context, job *model.Job, item WorkItem) error {
	return resilience.Do(ctx, p.retry, func(ctx context.Context) error {
		res, err := p.engine.GenerateUnique(ctx, generate.UniqueParams{
			Market:      item.Market,
			Kind:        item.Kind,
			Role:        item.Role,
			TargetCount: item.Count,
			WorkspaceID: job.WorkspaceID,
			Exclusions:  item.Exclude,
		})
		if err != nil {
			return err
		}
		if len(res.Candidates) > 0 {
			if _, err := p.store.UpsertCompanies(ctx, res.Candidates); err != nil {
				return eris.Wrap(err, "batch: persist accepted candidates")
			}
		}
		return nil
	})
}

// runner carries the cooperative control signal for one in-process job.
// Pause and cancel requests are observed by the orchestration loop at the
// next batch boundary; in-flight items finish naturally.
type runner struct {
	mu     sync.Mutex
	signal model.JobStatus
}

// request records a pause or cancel request. Cancel wins over pause.
func (r *runner) request(s model.JobStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.signal == model.JobStatusCancelled {
		return
	}
	r.signal = s
}

func (r *runner) requested() model.JobStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.signal
}

// Manager owns the batch job lifecycle. One orchestration loop runs per
// started job; all control operations go through the manager so signals
// reach the right loop.
type Manager struct {
	store   store.Store
	proc    Processor
	breaker *resilience.Breaker
	alerter *monitoring.Alerter
	cfg     config.BatchConfig

	mu      sync.Mutex
	runners map[string]*runner
}

// NewManager creates a Manager.
func NewManager(st store.Store, proc Processor, breaker *resilience.Breaker, alerter *monitoring.Alerter, cfg config.BatchConfig) *Manager {
	return &Manager{
		store:   st,
		proc:    proc,
		breaker: breaker,
		alerter: alerter,
		cfg:     cfg,
		runners: make(map[string]*runner),
	}
}

// CreateJob registers a pending job for the given work set.
func (m *Manager) CreateJob(ctx context.Context, ws *WorkSet, workSetRef string) (*model.Job, error) {
	if err := ws.Validate(); err != nil {
		return nil, eris.Wrap(err, "batch: create job")
	}

	batchSize := m.cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 5
	}
	interval := m.cfg.CheckpointInterval
	if interval <= 0 {
		interval = 50
	}

	job := &model.Job{
		WorkspaceID:        ws.WorkspaceID,
		WorkSetRef:         workSetRef,
		Status:             model.JobStatusPending,
		TotalItems:         len(ws.Items),
		BatchSize:          batchSize,
		CheckpointInterval: interval,
		TotalBatches:       (len(ws.Items) + batchSize - 1) / batchSize,
	}
	if err := m.store.CreateJob(ctx, job); err != nil {
		return nil, err
	}

	zap.L().Info("batch: job created",
		zap.String("job_id", job.ID),
		zap.String("workspace_id", job.WorkspaceID),
		zap.Int("total_items", job.TotalItems),
		zap.Int("batch_size", job.BatchSize),
	)
	return job, nil
}

// Start runs a pending job to its next stopping point (completion, pause,
// cancel, or breaker trip). It blocks; callers wanting background execution
// run it in a goroutine and control it via Pause/Cancel.
func (m *Manager) Start(ctx context.Context, jobID string, ws *WorkSet) error {
	job, err := m.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status != model.JobStatusPending {
		return eris.Wrapf(ErrInvalidTransition, "start requires pending, job %s is %s", jobID, job.Status)
	}
	return m.launch(ctx, job, ws)
}

// Resume continues a paused job from its last checkpoint. A job left in
// running state by a crashed process (no live runner) is recovered the same
// way. Jobs failed by the circuit breaker are terminal and cannot be resumed.
func (m *Manager) Resume(ctx context.Context, jobID string, ws *WorkSet) error {
	job, err := m.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	switch job.Status {
	case model.JobStatusPaused:
	case model.JobStatusRunning:
		if m.runner(jobID) != nil {
			return eris.Wrapf(ErrInvalidTransition, "job %s is already running", jobID)
		}
		zap.L().Warn("batch: recovering orphaned running job", zap.String("job_id", jobID))
	default:
		return eris.Wrapf(ErrInvalidTransition, "resume requires paused, job %s is %s", jobID, job.Status)
	}

	cp, err := m.store.LoadCheckpoint(ctx, jobID)
	if err != nil {
		return err
	}
	if cp != nil {
		if cp.Terminal {
			return eris.Wrapf(ErrInvalidTransition, "job %s checkpoint is terminal", jobID)
		}
		// The checkpoint is the source of truth for the resume offset.
		job.ProcessedItems = cp.ProcessedItems
		job.SuccessCount = cp.SuccessCount
		job.FailureCount = cp.FailureCount
		job.CurrentBatch = cp.CurrentBatch
	}
	return m.launch(ctx, job, ws)
}

func (m *Manager) launch(ctx context.Context, job *model.Job, ws *WorkSet) error {
	if ws == nil || len(ws.Items) != job.TotalItems {
		return eris.Errorf("batch: work set does not match job %s (%d items, job expects %d)",
			job.ID, len(ws.Items), job.TotalItems)
	}

	r, err := m.register(job.ID)
	if err != nil {
		return err
	}
	defer m.unregister(job.ID)

	if err := m.store.UpdateJobStatus(ctx, job.ID, model.JobStatusRunning, ""); err != nil {
		return err
	}
	job.Status = model.JobStatusRunning

	return m.run(ctx, job, ws.Items, r)
}

// run is the orchestration loop. Pause, cancel, context cancellation, and
// breaker state are all evaluated at batch boundaries only.
func (m *Manager) run(ctx context.Context, job *model.Job, items []WorkItem, r *runner) error {
	log := zap.L().With(
		zap.String("job_id", job.ID),
		zap.String("workspace_id", job.WorkspaceID),
	)
	log.Info("batch: job running",
		zap.Int("offset", job.ProcessedItems),
		zap.Int("total_items", job.TotalItems),
	)

	var success, failure atomic.Int64
	success.Store(int64(job.SuccessCount))
	failure.Store(int64(job.FailureCount))

	processed := job.ProcessedItems
	lastCheckpoint := processed
	batchSize := job.BatchSize
	if batchSize <= 0 {
		batchSize = 5
	}

	for processed < job.TotalItems {
		switch r.requested() {
		case model.JobStatusPaused:
			return m.finishPause(ctx, job, log)
		case model.JobStatusCancelled:
			return m.finishCancel(ctx, job, log)
		}
		if ctx.Err() != nil {
			// Shutdown is treated as a pause so the job stays resumable.
			return m.finishPause(ctx, job, log)
		}
		if err := m.breaker.Allow(); err != nil {
			return m.finishBreakerOpen(ctx, job, log)
		}

		end := processed + batchSize
		if end > job.TotalItems {
			end = job.TotalItems
		}
		batch := items[processed:end]
		job.CurrentBatch = processed/batchSize + 1

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(batchSize)

		for _, item := range batch {
			g.Go(func() error {
				if err := m.proc.Process(gctx, job, item); err != nil {
					failure.Add(1)
					m.breaker.RecordFailure()
					log.Warn("batch: item failed",
						zap.String("market", item.Market),
						zap.String("kind", string(item.Kind)),
						zap.Error(err),
					)
					return nil // item failures are counted, never abort the batch
				}
				success.Add(1)
				m.breaker.RecordSuccess()
				return nil
			})
		}
		_ = g.Wait() // item closures never return errors

		// processedItems advances only at batch boundaries.
		processed = end
		job.ProcessedItems = processed
		job.SuccessCount = int(success.Load())
		job.FailureCount = int(failure.Load())

		if processed-lastCheckpoint >= job.CheckpointInterval || processed == job.TotalItems {
			if err := m.checkpoint(ctx, job, false); err != nil {
				log.Error("batch: checkpoint failed", zap.Error(err))
			} else {
				lastCheckpoint = processed
			}
			for _, alert := range m.alerter.Evaluate(job) {
				// Delivery can take seconds; it must not stall the loop.
				go m.alerter.MaybeSend(ctx, alert)
			}
			log.Info("batch: progress",
				zap.Int("processed", processed),
				zap.Int("succeeded", job.SuccessCount),
				zap.Int("failed", job.FailureCount),
				zap.Int("current_batch", job.CurrentBatch),
			)
		}
	}

	if err := m.store.UpdateJobStatus(ctx, job.ID, model.JobStatusCompleted, ""); err != nil {
		return err
	}
	job.Status = model.JobStatusCompleted
	log.Info("batch: job completed",
		zap.Int("succeeded", job.SuccessCount),
		zap.Int("failed", job.FailureCount),
	)
	if m.alerter.NotifyOnCompletion() {
		m.alerter.MaybeSend(ctx, monitoring.JobCompletedAlert(job))
	}
	return nil
}

// Pause requests a cooperative pause of a running job. The transition lands
// once the current batch drains.
func (m *Manager) Pause(ctx context.Context, jobID string) error {
	job, err := m.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status != model.JobStatusRunning {
		return eris.Wrapf(ErrInvalidTransition, "pause requires running, job %s is %s", jobID, job.Status)
	}

	r := m.runner(jobID)
	if r == nil {
		return eris.Wrapf(ErrInvalidTransition, "job %s is not running in this process", jobID)
	}
	r.request(model.JobStatusPaused)
	zap.L().Info("batch: pause requested", zap.String("job_id", jobID))
	return nil
}

// Cancel terminates a running or paused job. A cancelled job's checkpoint is
// marked terminal; it cannot be resumed.
func (m *Manager) Cancel(ctx context.Context, jobID string) error {
	job, err := m.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}

	switch job.Status {
	case model.JobStatusRunning:
		r := m.runner(jobID)
		if r == nil {
			// Orphaned by a crashed process; nothing is in flight, so
			// finalize directly from the last known counters.
			if err := m.checkpoint(ctx, job, true); err != nil {
				return err
			}
			if err := m.store.UpdateJobStatus(ctx, jobID, model.JobStatusCancelled, ""); err != nil {
				return err
			}
			zap.L().Info("batch: orphaned job cancelled", zap.String("job_id", jobID))
			return nil
		}
		r.request(model.JobStatusCancelled)
		zap.L().Info("batch: cancel requested", zap.String("job_id", jobID))
		return nil
	case model.JobStatusPaused:
		if err := m.checkpoint(ctx, job, true); err != nil {
			return err
		}
		if err := m.store.UpdateJobStatus(ctx, jobID, model.JobStatusCancelled, ""); err != nil {
			return err
		}
		zap.L().Info("batch: paused job cancelled", zap.String("job_id", jobID))
		return nil
	default:
		return eris.Wrapf(ErrInvalidTransition, "cancel requires running or paused, job %s is %s", jobID, job.Status)
	}
}

// Progress returns the caller-facing view of a job, with derived metrics.
func (m *Manager) Progress(ctx context.Context, jobID string) (*model.Progress, error) {
	job, err := m.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	p := &model.Progress{
		JobID:          job.ID,
		Status:         job.Status,
		TotalItems:     job.TotalItems,
		ProcessedItems: job.ProcessedItems,
		SuccessCount:   job.SuccessCount,
		FailureCount:   job.FailureCount,
		CurrentBatch:   job.CurrentBatch,
		TotalBatches:   job.TotalBatches,
	}
	if job.TotalItems > 0 {
		p.PercentComplete = job.ProcessedItems * 100 / job.TotalItems
	}
	if job.ProcessedItems > 0 {
		p.SuccessRate = float64(job.SuccessCount) / float64(job.ProcessedItems)
	}
	if job.StartedAt != nil {
		until := time.Now().UTC()
		if job.CompletedAt != nil {
			until = *job.CompletedAt
		}
		elapsed := until.Sub(*job.StartedAt)
		p.ElapsedSeconds = int64(elapsed.Seconds())
		if elapsed > 0 && job.ProcessedItems > 0 {
			p.ItemsPerSecond = float64(job.ProcessedItems) / elapsed.Seconds()
			remaining := job.TotalItems - job.ProcessedItems
			p.EstimatedRemaining = int64(float64(remaining) / p.ItemsPerSecond)
		}
	}
	return p, nil
}

// List returns jobs matching the filter.
func (m *Manager) List(ctx context.Context, filter store.JobFilter) ([]model.Job, error) {
	return m.store.ListJobs(ctx, filter)
}

// ResetBreaker forces the circuit breaker closed. Operator recovery only.
func (m *Manager) ResetBreaker() {
	m.breaker.Reset()
	zap.L().Warn("batch: circuit breaker manually reset")
}

// BreakerState returns the effective circuit breaker state.
func (m *Manager) BreakerState() resilience.CircuitState {
	return m.breaker.State()
}

func (m *Manager) finishPause(ctx context.Context, job *model.Job, log *zap.Logger) error {
	ctx = detach(ctx)
	if err := m.checkpoint(ctx, job, false); err != nil {
		log.Error("batch: checkpoint on pause failed", zap.Error(err))
	}
	if err := m.store.UpdateJobStatus(ctx, job.ID, model.JobStatusPaused, ""); err != nil {
		return err
	}
	job.Status = model.JobStatusPaused
	log.Info("batch: job paused",
		zap.Int("processed", job.ProcessedItems),
		zap.Int("total_items", job.TotalItems),
	)
	m.alerter.MaybeSend(ctx, monitoring.JobPausedAlert(job))
	return nil
}

func (m *Manager) finishCancel(ctx context.Context, job *model.Job, log *zap.Logger) error {
	ctx = detach(ctx)
	if err := m.checkpoint(ctx, job, true); err != nil {
		log.Error("batch: checkpoint on cancel failed", zap.Error(err))
	}
	if err := m.store.UpdateJobStatus(ctx, job.ID, model.JobStatusCancelled, ""); err != nil {
		return err
	}
	job.Status = model.JobStatusCancelled
	log.Info("batch: job cancelled", zap.Int("processed", job.ProcessedItems))
	return nil
}

func (m *Manager) finishBreakerOpen(ctx context.Context, job *model.Job, log *zap.Logger) error {
	consecutive, _ := m.breaker.Counters()
	reason := "circuit breaker open"

	ctx = detach(ctx)
	if err := m.checkpoint(ctx, job, true); err != nil {
		log.Error("batch: checkpoint on breaker trip failed", zap.Error(err))
	}
	if err := m.store.UpdateJobStatus(ctx, job.ID, model.JobStatusFailed, reason); err != nil {
		return err
	}
	job.Status = model.JobStatusFailed
	job.ErrorMessage = reason
	log.Error("batch: job failed, circuit breaker open",
		zap.Int("consecutive_failures", consecutive),
		zap.Int("processed", job.ProcessedItems),
	)
	m.alerter.MaybeSend(ctx, monitoring.BreakerOpenAlert(job.ID, consecutive))
	m.alerter.MaybeSend(ctx, monitoring.JobFailedAlert(job, reason))
	return nil
}

func (m *Manager) checkpoint(ctx context.Context, job *model.Job, terminal bool) error {
	now := time.Now().UTC()
	err := m.store.SaveCheckpoint(ctx, model.Checkpoint{
		JobID:          job.ID,
		ProcessedItems: job.ProcessedItems,
		SuccessCount:   job.SuccessCount,
		FailureCount:   job.FailureCount,
		CurrentBatch:   job.CurrentBatch,
		Terminal:       terminal,
		SavedAt:        now,
	})
	if err != nil {
		return err
	}
	job.LastCheckpointAt = &now
	return nil
}

func (m *Manager) register(jobID string) (*runner, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runners[jobID]; ok {
		return nil, eris.Errorf("batch: job %s is already running", jobID)
	}
	r := &runner{}
	m.runners[jobID] = r
	return r, nil
}

func (m *Manager) unregister(jobID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.runners, jobID)
}

func (m *Manager) runner(jobID string) *runner {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.runners[jobID]
}

// detach returns a fresh context for persistence performed after the job's
// own context is cancelled, so shutdown checkpoints still land.
func detach(ctx context.Context) context.Context {
	if ctx.Err() == nil {
		return ctx
	}
	return context.Background()
}
