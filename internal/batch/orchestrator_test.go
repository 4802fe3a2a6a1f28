package batch

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/intelmercado/enrich-cli/internal/config"
	"github.com/intelmercado/enrich-cli/internal/model"
	"github.com/intelmercado/enrich-cli/internal/monitoring"
	"github.com/intelmercado/enrich-cli/internal/resilience"
	"github.com/intelmercado/enrich-cli/internal/store"
)

// scriptedProcessor counts dispatched items and can fail them all, block
// until released, or announce the first dispatch of a run.
type scriptedProcessor struct {
	mu      sync.Mutex
	calls   int
	markets []string

	failAll bool
	entered chan struct{} // closed on first dispatch when set
	gate    chan struct{} // every dispatch blocks on it when set

	enterOnce sync.Once
}

func (p *scriptedProcessor) Process(_ context.Context, _ *model.Job, item WorkItem) error {
	p.mu.Lock()
	p.calls++
	p.markets = append(p.markets, item.Market)
	p.mu.Unlock()

	if p.entered != nil {
		p.enterOnce.Do(func() { close(p.entered) })
	}
	if p.gate != nil {
		<-p.gate
	}
	if p.failAll {
		return errors.New("scripted failure")
	}
	return nil
}

func (p *scriptedProcessor) dispatched() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func newTestManager(t *testing.T, proc Processor, batchCfg config.BatchConfig, breakerCfg resilience.BreakerConfig) (*Manager, store.Store) {
	t.Helper()

	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "batch_test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.Migrate(context.Background()))

	alerter := monitoring.NewAlerter(config.AlertsConfig{
		CooldownSecs:       300,
		ErrorRateThreshold: 0.5,
	}, nil)

	return NewManager(st, proc, resilience.NewBreaker(breakerCfg), alerter, batchCfg), st
}

func makeWorkSet(n int) *WorkSet {
	ws := &WorkSet{WorkspaceID: "ws-1"}
	for i := 0; i < n; i++ {
		ws.Items = append(ws.Items, WorkItem{
			Market: fmt.Sprintf("market-%02d", i),
			Kind:   model.KindCompetitor,
			Count:  3,
		})
	}
	return ws
}

func defaultBreakerCfg() resilience.BreakerConfig {
	return resilience.BreakerConfig{FailureThreshold: 10, Cooldown: time.Minute}
}

func TestManager_RunToCompletion(t *testing.T) {
	proc := &scriptedProcessor{}
	m, st := newTestManager(t, proc, config.BatchConfig{BatchSize: 3}, defaultBreakerCfg())
	ctx := context.Background()

	ws := makeWorkSet(7)
	job, err := m.CreateJob(ctx, ws, "")
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusPending, job.Status)
	assert.Equal(t, 3, job.TotalBatches)

	require.NoError(t, m.Start(ctx, job.ID, ws))

	final, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCompleted, final.Status)
	assert.Equal(t, 7, final.ProcessedItems)
	assert.Equal(t, 7, final.SuccessCount)
	assert.Equal(t, 0, final.FailureCount)
	assert.NotNil(t, final.StartedAt)
	assert.NotNil(t, final.CompletedAt)
	assert.Equal(t, 7, proc.dispatched())

	cp, err := st.LoadCheckpoint(ctx, job.ID)
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, 7, cp.ProcessedItems)
	assert.False(t, cp.Terminal)
}

func TestManager_PauseLandsAtBatchBoundary(t *testing.T) {
	proc := &scriptedProcessor{
		entered: make(chan struct{}),
		gate:    make(chan struct{}),
	}
	m, st := newTestManager(t, proc, config.BatchConfig{BatchSize: 5}, defaultBreakerCfg())
	ctx := context.Background()

	ws := makeWorkSet(12)
	job, err := m.CreateJob(ctx, ws, "")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- m.Start(ctx, job.ID, ws) }()

	<-proc.entered
	require.NoError(t, m.Pause(ctx, job.ID))
	close(proc.gate)

	require.NoError(t, <-done)

	paused, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusPaused, paused.Status)
	// In-flight items drained; the pause landed on a batch boundary.
	assert.Equal(t, 5, paused.ProcessedItems)
	assert.Equal(t, 5, proc.dispatched())

	cp, err := st.LoadCheckpoint(ctx, job.ID)
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, 5, cp.ProcessedItems)
	assert.False(t, cp.Terminal)
}

func TestManager_ResumeContinuesFromCheckpoint(t *testing.T) {
	proc := &scriptedProcessor{
		entered: make(chan struct{}),
		gate:    make(chan struct{}),
	}
	m, st := newTestManager(t, proc, config.BatchConfig{BatchSize: 5}, defaultBreakerCfg())
	ctx := context.Background()

	ws := makeWorkSet(12)
	job, err := m.CreateJob(ctx, ws, "")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- m.Start(ctx, job.ID, ws) }()
	<-proc.entered
	require.NoError(t, m.Pause(ctx, job.ID))
	close(proc.gate)
	require.NoError(t, <-done)

	// Resume runs the remaining items only.
	proc.gate = nil
	require.NoError(t, m.Resume(ctx, job.ID, ws))

	final, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCompleted, final.Status)
	assert.Equal(t, 12, final.ProcessedItems)
	assert.Equal(t, 12, final.SuccessCount+final.FailureCount)
	assert.Equal(t, 12, proc.dispatched())

	// No item ran twice.
	seen := map[string]int{}
	for _, market := range proc.markets {
		seen[market]++
	}
	for market, n := range seen {
		assert.Equal(t, 1, n, "item %s dispatched %d times", market, n)
	}
}

func TestManager_ResumeRecoversOrphanedRunningJob(t *testing.T) {
	proc := &scriptedProcessor{
		entered: make(chan struct{}),
		gate:    make(chan struct{}),
	}
	m, st := newTestManager(t, proc, config.BatchConfig{BatchSize: 5}, defaultBreakerCfg())
	ctx := context.Background()

	ws := makeWorkSet(12)
	job, err := m.CreateJob(ctx, ws, "")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- m.Start(ctx, job.ID, ws) }()
	<-proc.entered

	// While a live runner exists, resume is rejected.
	assert.True(t, errors.Is(m.Resume(ctx, job.ID, ws), ErrInvalidTransition))

	require.NoError(t, m.Pause(ctx, job.ID))
	close(proc.gate)
	require.NoError(t, <-done)

	// Simulate a crashed process: the row says running but no runner exists.
	require.NoError(t, st.UpdateJobStatus(ctx, job.ID, model.JobStatusRunning, ""))

	proc.gate = nil
	require.NoError(t, m.Resume(ctx, job.ID, ws))

	final, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCompleted, final.Status)
	assert.Equal(t, 12, final.ProcessedItems)
	assert.Equal(t, 12, proc.dispatched())
}

func TestManager_CancelOrphanedRunningJob(t *testing.T) {
	proc := &scriptedProcessor{
		entered: make(chan struct{}),
		gate:    make(chan struct{}),
	}
	m, st := newTestManager(t, proc, config.BatchConfig{BatchSize: 5}, defaultBreakerCfg())
	ctx := context.Background()

	ws := makeWorkSet(12)
	job, err := m.CreateJob(ctx, ws, "")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- m.Start(ctx, job.ID, ws) }()
	<-proc.entered
	require.NoError(t, m.Pause(ctx, job.ID))
	close(proc.gate)
	require.NoError(t, <-done)

	require.NoError(t, st.UpdateJobStatus(ctx, job.ID, model.JobStatusRunning, ""))

	require.NoError(t, m.Cancel(ctx, job.ID))

	final, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCancelled, final.Status)

	cp, err := st.LoadCheckpoint(ctx, job.ID)
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.True(t, cp.Terminal)
	assert.Equal(t, 5, cp.ProcessedItems)
}

func TestManager_BreakerTripFailsJob(t *testing.T) {
	proc := &scriptedProcessor{failAll: true}
	m, st := newTestManager(t, proc, config.BatchConfig{BatchSize: 5}, defaultBreakerCfg())
	ctx := context.Background()

	ws := makeWorkSet(12)
	job, err := m.CreateJob(ctx, ws, "")
	require.NoError(t, err)

	require.NoError(t, m.Start(ctx, job.ID, ws))

	final, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusFailed, final.Status)
	assert.Equal(t, "circuit breaker open", final.ErrorMessage)
	assert.Equal(t, 10, final.ProcessedItems)
	assert.Equal(t, 10, final.FailureCount)

	// The threshold tripped inside the second batch, so the remaining items
	// were never dispatched.
	assert.Equal(t, 10, proc.dispatched())
	assert.Equal(t, resilience.CircuitOpen, m.BreakerState())

	cp, err := st.LoadCheckpoint(ctx, job.ID)
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.True(t, cp.Terminal)

	// A breaker-failed job is terminal.
	err = m.Resume(ctx, job.ID, ws)
	assert.True(t, errors.Is(err, ErrInvalidTransition))
}

func TestManager_SuccessAmongFailuresResetsStreak(t *testing.T) {
	// Failures are not consecutive when batches mix outcomes, so a threshold
	// above the per-batch failure run never trips.
	proc := &alternatingProcessor{}
	m, st := newTestManager(t, proc, config.BatchConfig{BatchSize: 2}, resilience.BreakerConfig{
		FailureThreshold: 10,
		Cooldown:         time.Minute,
	})
	ctx := context.Background()

	ws := makeWorkSet(8)
	job, err := m.CreateJob(ctx, ws, "")
	require.NoError(t, err)

	require.NoError(t, m.Start(ctx, job.ID, ws))

	final, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCompleted, final.Status)
	assert.Equal(t, 8, final.ProcessedItems)
	assert.Equal(t, 4, final.SuccessCount)
	assert.Equal(t, 4, final.FailureCount)
}

// alternatingProcessor fails every other item.
type alternatingProcessor struct {
	mu    sync.Mutex
	calls int
}

func (p *alternatingProcessor) Process(_ context.Context, _ *model.Job, _ WorkItem) error {
	p.mu.Lock()
	p.calls++
	n := p.calls
	p.mu.Unlock()
	if n%2 == 0 {
		return errors.New("scripted failure")
	}
	return nil
}

func TestManager_CancelIsTerminal(t *testing.T) {
	proc := &scriptedProcessor{
		entered: make(chan struct{}),
		gate:    make(chan struct{}),
	}
	m, st := newTestManager(t, proc, config.BatchConfig{BatchSize: 5}, defaultBreakerCfg())
	ctx := context.Background()

	ws := makeWorkSet(12)
	job, err := m.CreateJob(ctx, ws, "")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- m.Start(ctx, job.ID, ws) }()
	<-proc.entered
	require.NoError(t, m.Cancel(ctx, job.ID))
	close(proc.gate)
	require.NoError(t, <-done)

	final, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCancelled, final.Status)

	cp, err := st.LoadCheckpoint(ctx, job.ID)
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.True(t, cp.Terminal)

	err = m.Resume(ctx, job.ID, ws)
	assert.True(t, errors.Is(err, ErrInvalidTransition))
}

func TestManager_CancelPausedJob(t *testing.T) {
	proc := &scriptedProcessor{
		entered: make(chan struct{}),
		gate:    make(chan struct{}),
	}
	m, st := newTestManager(t, proc, config.BatchConfig{BatchSize: 5}, defaultBreakerCfg())
	ctx := context.Background()

	ws := makeWorkSet(12)
	job, err := m.CreateJob(ctx, ws, "")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- m.Start(ctx, job.ID, ws) }()
	<-proc.entered
	require.NoError(t, m.Pause(ctx, job.ID))
	close(proc.gate)
	require.NoError(t, <-done)

	require.NoError(t, m.Cancel(ctx, job.ID))

	final, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCancelled, final.Status)

	cp, err := st.LoadCheckpoint(ctx, job.ID)
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.True(t, cp.Terminal)
}

func TestManager_ContextCancellationPauses(t *testing.T) {
	runCtx, cancelRun := context.WithCancel(context.Background())
	proc := &scriptedProcessor{
		entered: make(chan struct{}),
		gate:    make(chan struct{}),
	}
	m, st := newTestManager(t, proc, config.BatchConfig{BatchSize: 5}, defaultBreakerCfg())
	ctx := context.Background()

	ws := makeWorkSet(12)
	job, err := m.CreateJob(ctx, ws, "")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- m.Start(runCtx, job.ID, ws) }()
	<-proc.entered
	cancelRun()
	close(proc.gate)
	require.NoError(t, <-done)

	// Shutdown leaves the job resumable, not failed.
	final, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusPaused, final.Status)

	cp, err := st.LoadCheckpoint(ctx, job.ID)
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.False(t, cp.Terminal)
}

func TestManager_InvalidTransitions(t *testing.T) {
	proc := &scriptedProcessor{}
	m, _ := newTestManager(t, proc, config.BatchConfig{BatchSize: 5}, defaultBreakerCfg())
	ctx := context.Background()

	ws := makeWorkSet(3)
	job, err := m.CreateJob(ctx, ws, "")
	require.NoError(t, err)

	// Pending jobs cannot be resumed, paused, or cancelled.
	assert.True(t, errors.Is(m.Resume(ctx, job.ID, ws), ErrInvalidTransition))
	assert.True(t, errors.Is(m.Pause(ctx, job.ID), ErrInvalidTransition))
	assert.True(t, errors.Is(m.Cancel(ctx, job.ID), ErrInvalidTransition))

	// Completed jobs cannot be started again.
	require.NoError(t, m.Start(ctx, job.ID, ws))
	assert.True(t, errors.Is(m.Start(ctx, job.ID, ws), ErrInvalidTransition))
}

func TestManager_UnknownJob(t *testing.T) {
	proc := &scriptedProcessor{}
	m, _ := newTestManager(t, proc, config.BatchConfig{}, defaultBreakerCfg())
	ctx := context.Background()

	_, err := m.Progress(ctx, "no-such-job")
	assert.True(t, errors.Is(err, store.ErrNotFound))
	assert.True(t, errors.Is(m.Pause(ctx, "no-such-job"), store.ErrNotFound))
}

func TestManager_WorkSetMismatchRejected(t *testing.T) {
	proc := &scriptedProcessor{}
	m, _ := newTestManager(t, proc, config.BatchConfig{BatchSize: 5}, defaultBreakerCfg())
	ctx := context.Background()

	job, err := m.CreateJob(ctx, makeWorkSet(10), "")
	require.NoError(t, err)

	err = m.Start(ctx, job.ID, makeWorkSet(7))
	assert.Error(t, err)
	assert.Equal(t, 0, proc.dispatched())
}

func TestManager_CreateJobValidatesWorkSet(t *testing.T) {
	proc := &scriptedProcessor{}
	m, _ := newTestManager(t, proc, config.BatchConfig{}, defaultBreakerCfg())

	_, err := m.CreateJob(context.Background(), &WorkSet{WorkspaceID: "ws-1"}, "")
	assert.Error(t, err)
}

// stuckNotifier never returns from Send until released.
type stuckNotifier struct {
	release chan struct{}
}

func (n *stuckNotifier) Send(_ context.Context, _ monitoring.Alert) error {
	<-n.release
	return nil
}

func TestManager_CheckpointAlertsDoNotStallRun(t *testing.T) {
	proc := &scriptedProcessor{failAll: true}
	notifier := &stuckNotifier{release: make(chan struct{})}
	t.Cleanup(func() { close(notifier.release) })

	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "batch_test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.Migrate(context.Background()))

	alerter := monitoring.NewAlerter(config.AlertsConfig{
		CooldownSecs:       300,
		ErrorRateThreshold: 0.5,
	}, notifier)
	breaker := resilience.NewBreaker(resilience.BreakerConfig{FailureThreshold: 100, Cooldown: time.Minute})
	m := NewManager(st, proc, breaker, alerter, config.BatchConfig{BatchSize: 2})

	ctx := context.Background()
	ws := makeWorkSet(4)
	job, err := m.CreateJob(ctx, ws, "")
	require.NoError(t, err)

	// Every item fails, so the error-rate alert fires at the checkpoint. The
	// run must finish even though delivery never completes.
	done := make(chan error, 1)
	go func() { done <- m.Start(ctx, job.ID, ws) }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("orchestration loop blocked on alert delivery")
	}

	final, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCompleted, final.Status)
	assert.Equal(t, 4, final.FailureCount)
}

func TestManager_Progress(t *testing.T) {
	proc := &scriptedProcessor{}
	m, _ := newTestManager(t, proc, config.BatchConfig{BatchSize: 2}, defaultBreakerCfg())
	ctx := context.Background()

	ws := makeWorkSet(4)
	job, err := m.CreateJob(ctx, ws, "")
	require.NoError(t, err)
	require.NoError(t, m.Start(ctx, job.ID, ws))

	p, err := m.Progress(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCompleted, p.Status)
	assert.Equal(t, 100, p.PercentComplete)
	assert.Equal(t, 1.0, p.SuccessRate)
	assert.Equal(t, 2, p.TotalBatches)
}
