package monitoring

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/intelmercado/enrich-cli/internal/config"
	"github.com/intelmercado/enrich-cli/internal/model"
	"github.com/intelmercado/enrich-cli/internal/store"
)

// Checker periodically evaluates running jobs against alert thresholds.
// Started alongside the HTTP server so long jobs are watched even when no
// request traffic touches them.
type Checker struct {
	store   store.Store
	alerter *Alerter
	cfg     config.AlertsConfig
}

// NewChecker creates a background alert checker.
func NewChecker(st store.Store, alerter *Alerter, cfg config.AlertsConfig) *Checker {
	return &Checker{store: st, alerter: alerter, cfg: cfg}
}

// Run starts the periodic check loop. It blocks until ctx is cancelled.
func (c *Checker) Run(ctx context.Context) {
	interval := time.Duration(c.cfg.CheckIntervalSecs) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}

	log := zap.L().With(zap.String("component", "monitoring.checker"))
	log.Info("starting alert checker", zap.Duration("interval", interval))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("alert checker stopped")
			return
		case <-ticker.C:
			c.alerter.Sweep()
			c.check(ctx, log)
		}
	}
}

func (c *Checker) check(ctx context.Context, log *zap.Logger) {
	jobs, err := c.store.ListJobs(ctx, store.JobFilter{Status: model.JobStatusRunning})
	if err != nil {
		log.Error("monitoring: failed to list running jobs", zap.Error(err))
		return
	}

	triggered, sent := 0, 0
	for i := range jobs {
		for _, alert := range c.alerter.Evaluate(&jobs[i]) {
			triggered++
			if c.alerter.MaybeSend(ctx, alert) {
				sent++
			}
		}
	}
	if triggered > 0 {
		log.Info("monitoring: alert check complete",
			zap.Int("alerts_triggered", triggered),
			zap.Int("alerts_sent", sent),
		)
	}
}
