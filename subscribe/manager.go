package subscribe

import (
	"log/slog"
	"sync"

	"github.com/samber/lo"
)

// Manager tracks the active subscriptions of one client, keyed by stream ID.
// A room UI typically holds one Manager and adds or drops subscriptions as
// participants come and go.
type Manager struct {
	log  *slog.Logger
	mu   sync.RWMutex
	subs map[string]*Subscription
}

// NewManager creates a subscription manager. If log is nil, slog.Default()
// is used.
func NewManager(log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		log:  log.With("component", "subscription-manager"),
		subs: make(map[string]*Subscription),
	}
}

// Add registers a subscription under its stream ID. Returns false if one
// already exists for that stream; the caller keeps ownership of the rejected
// subscription.
func (m *Manager) Add(sub *Subscription) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.subs[sub.cfg.StreamID]; ok {
		m.log.Warn("subscription already exists, rejecting duplicate", "stream", sub.cfg.StreamID)
		return false
	}

	m.subs[sub.cfg.StreamID] = sub
	m.log.Info("subscription added", "stream", sub.cfg.StreamID, "id", sub.ID)
	return true
}

// Get returns the subscription for a stream ID, if any.
func (m *Manager) Get(streamID string) (*Subscription, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sub, ok := m.subs[streamID]
	return sub, ok
}

// Remove stops and drops the subscription for a stream ID.
func (m *Manager) Remove(streamID string) {
	m.mu.Lock()
	sub, ok := m.subs[streamID]
	if ok {
		delete(m.subs, streamID)
	}
	m.mu.Unlock()

	if ok {
		sub.Stop()
		m.log.Info("subscription removed", "stream", streamID)
	}
}

// List returns all active subscriptions.
func (m *Manager) List() []*Subscription {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return lo.Values(m.subs)
}

// StopAll stops every subscription and empties the manager.
func (m *Manager) StopAll() {
	m.mu.Lock()
	subs := lo.Values(m.subs)
	m.subs = make(map[string]*Subscription)
	m.mu.Unlock()

	for _, sub := range subs {
		sub.Stop()
	}
}
