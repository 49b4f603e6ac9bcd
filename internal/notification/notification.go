// File: internal/notification/notification.go

// Package notification delivers integrity alerts (broken audit chains,
// corrupted backups, failed restores) to operators.
package notification

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/medtrack/integrity-core/internal/metrics"
	"github.com/medtrack/integrity-core/pkg/utils"
)

// Alert kinds
const (
	KindChainBroken     = "audit_chain_broken"
	KindBackupCorrupted = "backup_corrupted"
	KindRestoreFailed   = "restore_failed"
	KindAuditDegraded   = "audit_degraded"
)

// Severity levels
const (
	SeverityCritical = "critical"
	SeverityWarning  = "warning"
)

// Alert is one integrity event worth a human's attention
type Alert struct {
	ID       string                 `json:"id"`
	Kind     string                 `json:"kind"`
	Severity string                 `json:"severity"`
	Message  string                 `json:"message"`
	Details  map[string]interface{} `json:"details,omitempty"`
	RaisedAt time.Time              `json:"raised_at"`
}

// Sink delivers alerts to one destination
type Sink interface {
	Name() string
	Send(ctx context.Context, alert *Alert) error
}

// Notifier fans alerts out to its sinks in the background so that raising
// one never blocks the operation that detected the problem
type Notifier struct {
	sinks   []Sink
	timeout time.Duration
	metrics *metrics.PrometheusMetrics
	logger  *logrus.Entry
	wg      sync.WaitGroup
}

// NewNotifier creates a notifier. Each delivery is bounded by timeout.
func NewNotifier(timeout time.Duration, m *metrics.Manager, sinks ...Sink) *Notifier {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	n := &Notifier{
		sinks:   sinks,
		timeout: timeout,
		logger:  utils.ComponentLogger("notifier"),
	}
	if m != nil {
		n.metrics = m.GetPrometheusMetrics()
	}
	return n
}

// Raise queues alert for delivery to every sink
func (n *Notifier) Raise(ctx context.Context, alert *Alert) {
	if n == nil {
		return
	}
	if alert.ID == "" {
		alert.ID = utils.GenerateID()
	}
	if alert.RaisedAt.IsZero() {
		alert.RaisedAt = time.Now().UTC()
	}
	if alert.Severity == "" {
		alert.Severity = SeverityCritical
	}

	base := context.WithoutCancel(ctx)
	for _, sink := range n.sinks {
		n.wg.Add(1)
		go func(sink Sink) {
			defer n.wg.Done()
			sendCtx, cancel := context.WithTimeout(base, n.timeout)
			defer cancel()

			status := "sent"
			if err := sink.Send(sendCtx, alert); err != nil {
				status = "failed"
				n.logger.WithError(err).WithFields(logrus.Fields{
					"sink":     sink.Name(),
					"kind":     alert.Kind,
					"alert_id": alert.ID,
				}).Error("Failed to deliver alert")
			}
			if n.metrics != nil {
				n.metrics.RecordAlert(alert.Kind, sink.Name(), status)
			}
		}(sink)
	}
}

// Wait blocks until every raised alert has been attempted
func (n *Notifier) Wait() {
	if n == nil {
		return
	}
	n.wg.Wait()
}

// LogSink writes alerts to the application log
type LogSink struct {
	logger *logrus.Entry
}

// NewLogSink creates a sink backed by the shared logger
func NewLogSink() *LogSink {
	return &LogSink{logger: utils.ComponentLogger("alerts")}
}

// Name identifies the sink in metrics
func (s *LogSink) Name() string { return "log" }

// Send logs the alert at a level matching its severity
func (s *LogSink) Send(_ context.Context, alert *Alert) error {
	entry := s.logger.WithFields(logrus.Fields{
		"alert_id": alert.ID,
		"kind":     alert.Kind,
		"severity": alert.Severity,
		"details":  alert.Details,
	})
	if alert.Severity == SeverityWarning {
		entry.Warn(alert.Message)
	} else {
		entry.Error(alert.Message)
	}
	return nil
}
