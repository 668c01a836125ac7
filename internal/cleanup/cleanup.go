// Package cleanup provides a small LIFO stack of teardown functions shared by
// the pgtemp server, database, and connection layers. Execution is once-only
// and failure-tolerant: every registered function runs even when earlier ones
// fail, and the errors are aggregated.
package cleanup

import (
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Func is a single teardown step. It returns an error if the step fails.
type Func func() error

// Manager collects teardown steps and runs them in reverse registration
// order. It is safe for concurrent use.
type Manager struct {
	mu     sync.Mutex
	funcs  []Func
	err    error
	logger *zap.Logger
	once   sync.Once
}

// NewManager creates an empty manager logging through the given logger.
func NewManager(logger *zap.Logger) *Manager {
	return &Manager{
		funcs:  make([]Func, 0),
		logger: logger,
	}
}

// Add pushes a teardown step onto the stack. Nil functions are ignored.
func (cm *Manager) Add(f Func) {
	if f == nil {
		return
	}
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.funcs = append(cm.funcs, f)
}

// Execute runs every registered step in LIFO order. It runs at most once;
// later calls return the result of the first run. Errors from individual
// steps do not stop the remaining steps and are combined with multierr.
func (cm *Manager) Execute() error {
	cm.once.Do(func() {
		cm.mu.Lock()
		defer cm.mu.Unlock()

		cm.logger.Debug("Starting cleanup")
		for i := len(cm.funcs) - 1; i >= 0; i-- {
			if err := cm.funcs[i](); err != nil {
				cm.logger.Error("Cleanup step failed", zap.Error(err))
				cm.err = multierr.Append(cm.err, err)
			}
		}
		cm.logger.Debug("Cleanup finished")

		// Sync errors are expected on stderr sinks; ignore per zap docs.
		_ = cm.logger.Sync()
	})
	return cm.err
}
