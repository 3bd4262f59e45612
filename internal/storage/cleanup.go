package storage

import (
	"context"
	"time"

	"github.com/dodobot/authrelay/internal/log"
)

// DefaultCleanupInterval is how often expired states are swept when no
// interval is configured.
const DefaultCleanupInterval = 5 * time.Minute

// CleanupManager handles periodic cleanup of expired state records
type CleanupManager struct {
	store    StateStore
	interval time.Duration
	onSweep  func(removed int, err error)
	stopChan chan struct{}
	doneChan chan struct{}
}

// NewCleanupManager creates a new cleanup manager
func NewCleanupManager(store StateStore, interval time.Duration) *CleanupManager {
	if interval <= 0 {
		interval = DefaultCleanupInterval
	}
	return &CleanupManager{
		store:    store,
		interval: interval,
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}
}

// OnSweep registers a callback invoked after every sweep. Must be called
// before Start.
func (cm *CleanupManager) OnSweep(fn func(removed int, err error)) {
	cm.onSweep = fn
}

// Start begins the cleanup loop in a goroutine
func (cm *CleanupManager) Start(ctx context.Context) {
	log.LogInfoWithFields("cleanup", "Starting state cleanup manager", map[string]any{
		"interval": cm.interval.String(),
	})

	go cm.run(ctx)
}

// Stop gracefully stops the cleanup loop
func (cm *CleanupManager) Stop() {
	log.LogInfo("Stopping state cleanup manager...")
	close(cm.stopChan)
	<-cm.doneChan
	log.LogInfo("State cleanup manager stopped")
}

func (cm *CleanupManager) run(ctx context.Context) {
	defer close(cm.doneChan)

	ticker := time.NewTicker(cm.interval)
	defer ticker.Stop()

	cm.cleanup(ctx)

	for {
		select {
		case <-ticker.C:
			cm.cleanup(ctx)
		case <-cm.stopChan:
			// final pass on shutdown
			cm.cleanup(ctx)
			return
		case <-ctx.Done():
			return
		}
	}
}

func (cm *CleanupManager) cleanup(ctx context.Context) {
	count, err := cm.store.CleanupExpiredStates(ctx)
	if cm.onSweep != nil {
		cm.onSweep(count, err)
	}
	if err != nil {
		log.LogErrorWithFields("cleanup", "Failed to cleanup expired states", map[string]any{
			"error": err.Error(),
		})
		return
	}

	if count > 0 {
		log.LogInfoWithFields("cleanup", "Cleaned up expired states", map[string]any{
			"count": count,
		})
	}
}
