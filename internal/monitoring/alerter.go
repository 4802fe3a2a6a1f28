// Package monitoring delivers throttled operational alerts for batch jobs
// and collects job-level health metrics.
package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/intelmercado/enrich-cli/internal/config"
	"github.com/intelmercado/enrich-cli/internal/model"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertBreakerOpen  AlertType = "breaker_open"
	AlertErrorRate    AlertType = "error_rate"
	AlertJobCompleted AlertType = "job_completed"
	AlertJobPaused    AlertType = "job_paused"
	AlertJobFailed    AlertType = "job_failed"
)

// Alert represents a single alert to be sent. Key scopes the throttle: two
// alerts with the same key within the cooldown collapse into one delivery.
type Alert struct {
	Type      AlertType      `json:"type"`
	Key       string         `json:"key"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Notifier delivers a single alert to an external channel.
type Notifier interface {
	Send(ctx context.Context, alert Alert) error
}

// WebhookNotifier posts alerts as JSON to a configured webhook URL.
type WebhookNotifier struct {
	url    string
	client *http.Client
}

// NewWebhookNotifier creates a webhook notifier.
func NewWebhookNotifier(url string) *WebhookNotifier {
	return &WebhookNotifier{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Send posts the alert to the webhook URL.
func (n *WebhookNotifier) Send(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal alert")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "monitoring: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "monitoring: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		return eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// logNotifier writes alerts to the global logger. Used when no webhook is
// configured so alerts are never silently dropped.
type logNotifier struct{}

func (logNotifier) Send(_ context.Context, alert Alert) error {
	zap.L().Warn("monitoring: alert",
		zap.String("type", string(alert.Type)),
		zap.String("key", alert.Key),
		zap.String("severity", alert.Severity),
		zap.String("message", alert.Message),
	)
	return nil
}

// Alerter throttles alert delivery per key. A key that fired within the
// cooldown window is suppressed; stale keys are swept once they age past
// twice the cooldown so the map does not grow with job churn.
type Alerter struct {
	cfg      config.AlertsConfig
	notifier Notifier

	mu       sync.Mutex
	lastSent map[string]time.Time

	nowFunc func() time.Time
}

// NewAlerter creates an Alerter. A nil notifier falls back to logging.
func NewAlerter(cfg config.AlertsConfig, notifier Notifier) *Alerter {
	if notifier == nil {
		if cfg.WebhookURL != "" {
			notifier = NewWebhookNotifier(cfg.WebhookURL)
		} else {
			notifier = logNotifier{}
		}
	}
	return &Alerter{
		cfg:      cfg,
		notifier: notifier,
		lastSent: make(map[string]time.Time),
		nowFunc:  time.Now,
	}
}

// MaybeSend delivers the alert unless the same key fired within the cooldown.
// Reports whether the alert was actually sent.
func (a *Alerter) MaybeSend(ctx context.Context, alert Alert) bool {
	if alert.Key == "" {
		alert.Key = string(alert.Type)
	}
	now := a.nowFunc().UTC()
	if alert.Timestamp.IsZero() {
		alert.Timestamp = now
	}

	a.mu.Lock()
	if last, ok := a.lastSent[alert.Key]; ok && now.Sub(last) < a.cfg.Cooldown() {
		a.mu.Unlock()
		zap.L().Debug("monitoring: alert suppressed by cooldown",
			zap.String("key", alert.Key),
			zap.Time("last_sent", last),
		)
		return false
	}
	a.lastSent[alert.Key] = now
	a.sweepLocked(now)
	a.mu.Unlock()

	if err := a.notifier.Send(ctx, alert); err != nil {
		// A failed delivery must not consume the cooldown window.
		a.mu.Lock()
		if last, ok := a.lastSent[alert.Key]; ok && last.Equal(now) {
			delete(a.lastSent, alert.Key)
		}
		a.mu.Unlock()
		zap.L().Error("monitoring: failed to send alert",
			zap.String("type", string(alert.Type)),
			zap.String("key", alert.Key),
			zap.Error(err),
		)
		return false
	}
	zap.L().Info("monitoring: alert sent",
		zap.String("type", string(alert.Type)),
		zap.String("key", alert.Key),
		zap.String("severity", alert.Severity),
	)
	return true
}

// NotifyOnCompletion reports whether completion alerts are enabled.
func (a *Alerter) NotifyOnCompletion() bool {
	return a.cfg.NotifyOnCompletion
}

// Sweep evicts stale throttle entries. The background checker calls it on
// its tick so a quiet alerter does not hold dead keys between deliveries.
func (a *Alerter) Sweep() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sweepLocked(a.nowFunc().UTC())
}

// sweepLocked evicts throttle entries older than twice the cooldown.
// Caller must hold mu.
func (a *Alerter) sweepLocked(now time.Time) {
	horizon := 2 * a.cfg.Cooldown()
	for key, last := range a.lastSent {
		if now.Sub(last) > horizon {
			delete(a.lastSent, key)
		}
	}
}

// Evaluate checks a job snapshot against thresholds and returns any alerts.
// The error-rate check only engages once a full batch has been processed so
// a single early failure does not page anyone.
func (a *Alerter) Evaluate(job *model.Job) []Alert {
	var alerts []Alert

	if job.ProcessedItems >= job.BatchSize && job.ProcessedItems > 0 {
		rate := float64(job.FailureCount) / float64(job.ProcessedItems)
		if rate >= a.cfg.ErrorRateThreshold {
			alerts = append(alerts, ErrorRateAlert(job, rate, a.cfg.ErrorRateThreshold))
		}
	}

	return alerts
}

// BreakerOpenAlert reports that the circuit breaker tripped and the job was
// halted.
func BreakerOpenAlert(jobID string, consecutiveFailures int) Alert {
	return Alert{
		Type:     AlertBreakerOpen,
		Key:      fmt.Sprintf("breaker_open|%s", jobID),
		Severity: "critical",
		Message: fmt.Sprintf("circuit breaker opened after %d consecutive failures; job %s halted",
			consecutiveFailures, jobID),
		Details: map[string]any{
			"job_id":               jobID,
			"consecutive_failures": consecutiveFailures,
		},
	}
}

// ErrorRateAlert reports that a job's failure rate crossed the threshold.
func ErrorRateAlert(job *model.Job, rate, threshold float64) Alert {
	return Alert{
		Type:     AlertErrorRate,
		Key:      fmt.Sprintf("error_rate|%s", job.ID),
		Severity: "high",
		Message: fmt.Sprintf("job %s failure rate %.1f%% exceeds threshold %.1f%% (%d failed / %d processed)",
			job.ID, rate*100, threshold*100, job.FailureCount, job.ProcessedItems),
		Details: map[string]any{
			"job_id":          job.ID,
			"failure_rate":    rate,
			"threshold":       threshold,
			"failure_count":   job.FailureCount,
			"processed_items": job.ProcessedItems,
		},
	}
}

// JobCompletedAlert reports a finished job with its final counters.
func JobCompletedAlert(job *model.Job) Alert {
	return Alert{
		Type:     AlertJobCompleted,
		Key:      fmt.Sprintf("job_completed|%s", job.ID),
		Severity: "info",
		Message: fmt.Sprintf("job %s completed: %d succeeded, %d failed of %d items",
			job.ID, job.SuccessCount, job.FailureCount, job.TotalItems),
		Details: map[string]any{
			"job_id":        job.ID,
			"success_count": job.SuccessCount,
			"failure_count": job.FailureCount,
			"total_items":   job.TotalItems,
		},
	}
}

// JobPausedAlert reports a pause, including where the job stopped.
func JobPausedAlert(job *model.Job) Alert {
	return Alert{
		Type:     AlertJobPaused,
		Key:      fmt.Sprintf("job_paused|%s", job.ID),
		Severity: "info",
		Message: fmt.Sprintf("job %s paused at %d/%d items",
			job.ID, job.ProcessedItems, job.TotalItems),
		Details: map[string]any{
			"job_id":          job.ID,
			"processed_items": job.ProcessedItems,
			"total_items":     job.TotalItems,
		},
	}
}

// JobFailedAlert reports a terminal failure.
func JobFailedAlert(job *model.Job, reason string) Alert {
	return Alert{
		Type:     AlertJobFailed,
		Key:      fmt.Sprintf("job_failed|%s", job.ID),
		Severity: "critical",
		Message:  fmt.Sprintf("job %s failed: %s", job.ID, reason),
		Details: map[string]any{
			"job_id":          job.ID,
			"reason":          reason,
			"processed_items": job.ProcessedItems,
			"failure_count":   job.FailureCount,
		},
	}
}
