package system

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
)

// CleanupManager collects teardown functions registered during startup and
// runs them in reverse order when the process exits.
type CleanupManager struct {
	mu       sync.Mutex
	handlers []func(ctx context.Context) error
}

func NewCleanupManager() *CleanupManager {
	return &CleanupManager{}
}

func (cm *CleanupManager) Add(handler func(ctx context.Context) error) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.handlers = append(cm.handlers, handler)
}

func (cm *CleanupManager) Cleanup(ctx context.Context) {
	cm.mu.Lock()
	handlers := make([]func(ctx context.Context) error, len(cm.handlers))
	copy(handlers, cm.handlers)
	cm.handlers = nil
	cm.mu.Unlock()

	for i := len(handlers) - 1; i >= 0; i-- {
		if err := handlers[i](ctx); err != nil {
			log.Error().Err(err).Msg("cleanup handler failed")
		}
	}
}
