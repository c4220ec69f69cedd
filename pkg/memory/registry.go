package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// Registry shares Manager instances across callers. Managers are keyed by
// (agentID, workspace, settings fingerprint): the same agent and workspace
// under different settings gets a separate manager and store handle.
type Registry struct {
	bus    *SessionBus
	logger zerolog.Logger

	mu       sync.Mutex
	managers map[string]*Manager
}

// NewRegistry creates an empty registry. The bus is shared by every manager's
// session tracker; pass nil when no chat runtime publishes events.
func NewRegistry(bus *SessionBus, logger zerolog.Logger) *Registry {
	return &Registry{
		bus:      bus,
		logger:   logger,
		managers: make(map[string]*Manager),
	}
}

func registryKey(agentID, workspace string, settings Settings) string {
	return fmt.Sprintf("%s\x1f%s\x1f%s", agentID, workspace, settings.Fingerprint())
}

// Get returns the manager for the given identity, creating it on first use.
func (r *Registry) Get(ctx context.Context, agentID, workspace string, settings Settings) (*Manager, error) {
	settings = settings.normalized()
	key := registryKey(agentID, workspace, settings)

	r.mu.Lock()
	defer r.mu.Unlock()

	if m, ok := r.managers[key]; ok {
		return m, nil
	}

	m, err := NewManager(ctx, ManagerOptions{
		AgentID:   agentID,
		Workspace: workspace,
		Settings:  settings,
		Bus:       r.bus,
		Logger:    r.logger,
	})
	if err != nil {
		return nil, err
	}

	m.onClose = func() {
		r.mu.Lock()
		delete(r.managers, key)
		r.mu.Unlock()
	}
	r.managers[key] = m
	return m, nil
}

// Close closes every managed instance.
func (r *Registry) Close() error {
	r.mu.Lock()
	managers := make([]*Manager, 0, len(r.managers))
	for _, m := range r.managers {
		managers = append(managers, m)
	}
	r.mu.Unlock()

	var firstErr error
	for _, m := range managers {
		if err := m.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
