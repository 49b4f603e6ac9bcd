package backup

import (
	"sync"
	"time"

	"github.com/medtrack/integrity-core/pkg/utils"
)

// OperationLock is the single process-wide lock guarding backup operations.
// It never queues: a second caller is rejected immediately.
type OperationLock struct {
	mu     sync.Mutex
	held   bool
	holder string
	since  time.Time
}

// NewOperationLock creates an unheld lock. Create exactly one per process and
// inject it everywhere backups are mutated.
func NewOperationLock() *OperationLock {
	return &OperationLock{}
}

// TryAcquire takes the lock for operation or returns CONCURRENCY_ERROR naming
// the operation that holds it. The returned release func is idempotent.
func (l *OperationLock) TryAcquire(operation string) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.held {
		return nil, utils.NewAppError(utils.ErrCodeConcurrency, "Another backup operation is in progress",
			l.holder+" since "+l.since.UTC().Format(time.RFC3339))
	}
	l.held = true
	l.holder = operation
	l.since = time.Now()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			l.held = false
			l.holder = ""
			l.mu.Unlock()
		})
	}, nil
}

// Holder reports the operation currently holding the lock
func (l *OperationLock) Holder() (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.holder, l.held
}
