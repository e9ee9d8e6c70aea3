package listener

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wudi/frontgate/internal/logging"
)

// Listener represents a network listener that can accept connections
type Listener interface {
	// ID returns the unique identifier for this listener
	ID() string

	// Protocol returns the protocol type
	Protocol() string

	// Start binds the listener and serves in the background. A returned
	// error means nothing was bound.
	Start(ctx context.Context) error

	// Stop gracefully stops the listener
	Stop(ctx context.Context) error

	// Addr returns the address the listener is bound to
	Addr() string
}

// Manager manages multiple listeners
type Manager struct {
	mu        sync.RWMutex
	listeners []Listener
	started   map[string]bool
}

// NewManager creates a new listener manager
func NewManager() *Manager {
	return &Manager{
		started: make(map[string]bool),
	}
}

// Add adds a listener to the manager
func (m *Manager) Add(l Listener) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.listeners {
		if existing.ID() == l.ID() {
			return fmt.Errorf("listener with id %s already exists", l.ID())
		}
	}

	m.listeners = append(m.listeners, l)
	return nil
}

// Get returns a listener by ID
func (m *Manager) Get(id string) (Listener, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, l := range m.listeners {
		if l.ID() == id {
			return l, true
		}
	}
	return nil, false
}

// StartAll starts every registered listener in registration order. A
// listener that fails to bind does not prevent the others from starting;
// all failures are returned joined, each naming its listener.
func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	for _, l := range m.listeners {
		if m.started[l.ID()] {
			continue
		}
		if err := l.Start(ctx); err != nil {
			logging.Error("Listener failed to start",
				zap.String("listener", l.ID()),
				zap.Error(err),
			)
			errs = append(errs, fmt.Errorf("listener %s: %w", l.ID(), err))
			continue
		}
		m.started[l.ID()] = true
		logging.Info("Listener started",
			zap.String("listener", l.ID()),
			zap.String("protocol", l.Protocol()),
			zap.String("addr", l.Addr()),
		)
	}
	return errors.Join(errs...)
}

// Running reports how many listeners are currently serving.
func (m *Manager) Running() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.started)
}

// StopAll gracefully stops all started listeners concurrently
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var g errgroup.Group
	errs := make([]error, len(m.listeners))

	for i, l := range m.listeners {
		if !m.started[l.ID()] {
			continue
		}
		g.Go(func() error {
			logging.Info("Stopping listener", zap.String("listener", l.ID()))
			if err := l.Stop(ctx); err != nil {
				errs[i] = fmt.Errorf("listener %s: %w", l.ID(), err)
			}
			return nil
		})
	}
	g.Wait()

	m.started = make(map[string]bool)
	return errors.Join(errs...)
}

// Count returns the number of registered listeners
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.listeners)
}

// List returns all listener IDs in registration order
func (m *Manager) List() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.listeners))
	for _, l := range m.listeners {
		ids = append(ids, l.ID())
	}
	return ids
}
