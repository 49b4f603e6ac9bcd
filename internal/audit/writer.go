// File: internal/audit/writer.go

// Package audit maintains the tamper-evident audit chain: every entry's
// signature covers its own fields and the signature of the entry before it.
package audit

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/medtrack/integrity-core/internal/clock"
	"github.com/medtrack/integrity-core/internal/metrics"
	"github.com/medtrack/integrity-core/internal/models"
	"github.com/medtrack/integrity-core/internal/signer"
	"github.com/medtrack/integrity-core/internal/storage"
	"github.com/medtrack/integrity-core/pkg/utils"
)

// RecordInput describes one sensitive action to be audited. Changes, when set,
// is used verbatim (compacted); otherwise Before/After are reduced with Diff.
type RecordInput struct {
	ActorID    string
	Action     models.AuditAction
	EntityType string
	EntityID   string
	Before     interface{}
	After      interface{}
	Changes    json.RawMessage
	IPAddress  string
	UserAgent  string
}

// IsCritical reports whether losing the audit entry must fail the operation
func IsCritical(action models.AuditAction, entityType string) bool {
	switch action {
	case models.ActionRevert, models.ActionBackup, models.ActionRestore:
		return true
	}
	return entityType == models.EntityPermission || entityType == models.EntityUserRole
}

// IsBestEffort reports whether an action may be queued and dropped under pressure
func IsBestEffort(action models.AuditAction, entityType string) bool {
	return action == models.ActionView && !IsCritical(action, entityType)
}

// EntryFields returns the signed fields of an entry in canonical order
func EntryFields(e *models.AuditEntry) []string {
	return []string{
		strconv.FormatInt(e.Sequence, 10),
		e.ID,
		utils.FormatTimestamp(e.Timestamp),
		e.ActorID,
		string(e.Action),
		e.EntityType,
		e.EntityID,
		string(e.Changes),
		e.IPAddress,
		e.UserAgent,
	}
}

// Writer appends entries to the chain. Writes are serialized in-process by a
// mutex and across processes by the storage transaction.
type Writer struct {
	store   storage.Storage
	signer  *signer.Signer
	clock   clock.Clock
	metrics *metrics.PrometheusMetrics
	logger  *logrus.Entry

	mu sync.Mutex // chain tail

	queueMu   sync.RWMutex
	queue     chan RecordInput
	queueSize int
	running   bool
	wg        sync.WaitGroup
	failures  atomic.Int64
}

// NewWriter creates a writer. queueSize bounds the best-effort VIEW queue.
func NewWriter(store storage.Storage, sgn *signer.Signer, clk clock.Clock, queueSize int, m *metrics.Manager) *Writer {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if queueSize <= 0 {
		queueSize = 1024
	}
	w := &Writer{
		store:     store,
		signer:    sgn,
		clock:     clk,
		logger:    utils.ComponentLogger("audit_writer"),
		queueSize: queueSize,
	}
	if m != nil {
		w.metrics = m.GetPrometheusMetrics()
	}
	return w
}

// Start launches the background worker for best-effort writes
func (w *Writer) Start(ctx context.Context) error {
	w.queueMu.Lock()
	defer w.queueMu.Unlock()
	if w.running {
		return utils.NewAppError(utils.ErrCodeInternal, "Audit writer already running", "")
	}
	w.running = true
	w.queue = make(chan RecordInput, w.queueSize)

	// Draining on Stop must outlive the caller's cancellation
	workerCtx := context.WithoutCancel(ctx)
	w.wg.Add(1)
	go w.worker(workerCtx, w.queue)

	w.logger.WithField("queue_size", w.queueSize).Info("Audit writer started")
	return nil
}

// Stop closes the queue and waits until every queued entry has been written
func (w *Writer) Stop() {
	w.queueMu.Lock()
	if !w.running {
		w.queueMu.Unlock()
		return
	}
	w.running = false
	close(w.queue)
	w.queueMu.Unlock()

	w.wg.Wait()
	w.logger.WithField("failures", w.failures.Load()).Info("Audit writer stopped")
}

func (w *Writer) worker(ctx context.Context, queue <-chan RecordInput) {
	defer w.wg.Done()
	for in := range queue {
		if w.metrics != nil {
			w.metrics.UpdateAuditQueueDepth(len(queue))
		}
		if _, err := w.append(ctx, in, "async"); err != nil {
			w.recordFailure(in, "write_failed", err)
		}
	}
}

// Failures returns how many best-effort writes were lost
func (w *Writer) Failures() int64 {
	return w.failures.Load()
}

// Record appends an entry for in. Best-effort actions are queued when the
// worker runs and return a nil entry; everything else is written before
// Record returns, and a persistence failure is returned as STORAGE_ERROR.
func (w *Writer) Record(ctx context.Context, in RecordInput) (*models.AuditEntry, error) {
	if err := validateInput(in); err != nil {
		return nil, err
	}

	if IsBestEffort(in.Action, in.EntityType) {
		return w.recordBestEffort(ctx, in), nil
	}

	entry, err := w.append(ctx, in, "sync")
	if err != nil {
		fields := logrus.Fields{
			"action":      in.Action,
			"entity_type": in.EntityType,
			"entity_id":   in.EntityID,
			"actor_id":    in.ActorID,
			"error":       err.Error(),
		}
		if IsCritical(in.Action, in.EntityType) {
			w.logger.WithFields(fields).Error("Critical audit write failed")
		} else {
			w.logger.WithFields(fields).Warn("Audit write failed")
		}
		if w.metrics != nil {
			w.metrics.RecordAuditWriteFailure(string(in.Action), "write_failed")
		}
		if utils.IsCode(err, utils.ErrCodeValidation) {
			return nil, err
		}
		return nil, utils.NewAppError(utils.ErrCodeStorage, "Failed to persist audit entry", err.Error())
	}
	return entry, nil
}

func (w *Writer) recordBestEffort(ctx context.Context, in RecordInput) *models.AuditEntry {
	w.queueMu.RLock()
	if w.running {
		select {
		case w.queue <- in:
			w.queueMu.RUnlock()
			if w.metrics != nil {
				w.metrics.UpdateAuditQueueDepth(len(w.queue))
			}
			return nil
		default:
			w.queueMu.RUnlock()
			w.recordFailure(in, "queue_full", nil)
			return nil
		}
	}
	w.queueMu.RUnlock()

	entry, err := w.append(ctx, in, "sync")
	if err != nil {
		w.recordFailure(in, "write_failed", err)
		return nil
	}
	return entry
}

func (w *Writer) recordFailure(in RecordInput, reason string, err error) {
	w.failures.Add(1)
	if w.metrics != nil {
		w.metrics.RecordAuditWriteFailure(string(in.Action), reason)
	}
	entry := w.logger.WithFields(logrus.Fields{
		"action":      in.Action,
		"entity_type": in.EntityType,
		"entity_id":   in.EntityID,
		"reason":      reason,
	})
	if err != nil {
		entry = entry.WithError(err)
	}
	entry.Warn("Best-effort audit write lost")
}

func (w *Writer) append(ctx context.Context, in RecordInput, mode string) (*models.AuditEntry, error) {
	var (
		changes json.RawMessage
		err     error
	)
	if in.Changes != nil {
		changes, err = normalizeChanges(in.Changes)
	} else {
		changes, err = Diff(in.Before, in.After)
	}
	if err != nil {
		return nil, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	entry, err := w.store.AppendAuditEntry(ctx, func(tail models.ChainTail) (*models.AuditEntry, error) {
		prev := tail.Signature
		if tail.Sequence == 0 {
			prev = signer.Genesis
		}
		e := &models.AuditEntry{
			ID:         utils.GenerateID(),
			Sequence:   tail.Sequence + 1,
			Timestamp:  w.clock.Now().UTC().Truncate(time.Microsecond),
			ActorID:    in.ActorID,
			Action:     in.Action,
			EntityType: in.EntityType,
			EntityID:   in.EntityID,
			Changes:    changes,
			IPAddress:  in.IPAddress,
			UserAgent:  in.UserAgent,
		}
		e.Signature = w.signer.Sign(EntryFields(e), prev)
		return e, nil
	})
	if err != nil {
		return nil, err
	}

	if w.metrics != nil {
		w.metrics.RecordAuditWrite(string(in.Action), mode)
	}
	w.logger.WithFields(logrus.Fields{
		"sequence":    entry.Sequence,
		"action":      entry.Action,
		"entity_type": entry.EntityType,
		"mode":        mode,
	}).Debug("Audit entry appended")
	return entry, nil
}

func validateInput(in RecordInput) error {
	if !in.Action.Valid() {
		return utils.NewAppError(utils.ErrCodeValidation, "Unknown audit action", string(in.Action))
	}
	if in.ActorID == "" {
		return utils.NewAppError(utils.ErrCodeValidation, "Audit actor is required", "")
	}
	if in.EntityType == "" {
		return utils.NewAppError(utils.ErrCodeValidation, "Audit entity type is required", "")
	}
	return nil
}
