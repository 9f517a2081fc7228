package gateway

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Manager keeps at most one Client per bot instance. Creation is coalesced
// per instance id, so concurrent GetClient calls for the same instance share
// a single dial and resolve to the identical Client.
type Manager struct {
	logger *zap.Logger

	mu      sync.RWMutex
	clients map[string]*Client

	group singleflight.Group

	// OnClientState, when set before the first GetClient, observes lifecycle
	// transitions of every managed client.
	OnClientState func(instanceID string, state State)

	// OnClientReconnect observes reconnect attempts of every managed client.
	OnClientReconnect func(instanceID string, attempt int)
}

// NewManager creates an empty pool.
func NewManager(logger *zap.Logger) *Manager {
	return &Manager{
		logger:  logger,
		clients: make(map[string]*Client),
	}
}

// GetClient returns the connected Client for the instance, creating and
// connecting one if needed. A disconnected pooled client is reconnected
// rather than replaced, preserving its subscriptions.
func (m *Manager) GetClient(ctx context.Context, instanceID string, opts Options, interceptors ...Interceptor) (*Client, error) {
	m.mu.RLock()
	if cl := m.clients[instanceID]; cl != nil && cl.IsConnected() {
		m.mu.RUnlock()
		return cl, nil
	}
	m.mu.RUnlock()

	v, err, _ := m.group.Do(instanceID, func() (any, error) {
		// Re-check inside the flight: a concurrent caller may have finished
		// while this one was queued.
		m.mu.RLock()
		existing := m.clients[instanceID]
		m.mu.RUnlock()

		if existing != nil {
			if existing.IsConnected() {
				return existing, nil
			}
			if err := existing.Connect(ctx); err != nil {
				return nil, err
			}
			return existing, nil
		}

		cl, err := NewClient(opts, m.logger.With(zap.String("instanceId", instanceID)), interceptors...)
		if err != nil {
			return nil, err
		}
		cl.OnStateChange = func(s State) {
			if m.OnClientState != nil {
				m.OnClientState(instanceID, s)
			}
		}
		cl.On(EventReconnect, func(payload json.RawMessage) {
			if m.OnClientReconnect == nil {
				return
			}
			var body struct {
				Attempt int `json:"attempt"`
			}
			_ = json.Unmarshal(payload, &body)
			m.OnClientReconnect(instanceID, body.Attempt)
		})
		if err := cl.Connect(ctx); err != nil {
			return nil, err
		}

		m.mu.Lock()
		m.clients[instanceID] = cl
		m.mu.Unlock()
		return cl, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Client), nil
}

// Lookup returns the pooled Client for the instance without connecting,
// or nil.
func (m *Manager) Lookup(instanceID string) *Client {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.clients[instanceID]
}

// IsConnected reports whether the instance has a live, authenticated session.
func (m *Manager) IsConnected(instanceID string) bool {
	cl := m.Lookup(instanceID)
	return cl != nil && cl.IsConnected()
}

// RemoveClient disconnects and evicts the instance's client. No-op when the
// instance is unknown.
func (m *Manager) RemoveClient(instanceID string) {
	m.mu.Lock()
	cl := m.clients[instanceID]
	delete(m.clients, instanceID)
	m.mu.Unlock()

	if cl != nil {
		cl.Disconnect()
	}
}

// GetConnectedInstances returns the ids of all instances with a live session.
func (m *Manager) GetConnectedInstances() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.clients))
	for id, cl := range m.clients {
		if cl.IsConnected() {
			ids = append(ids, id)
		}
	}
	return ids
}

// ShutdownAll disconnects every client concurrently and clears the pool.
// Idempotent; a second call finds an empty map and returns immediately.
func (m *Manager) ShutdownAll() {
	m.mu.Lock()
	drained := m.clients
	m.clients = make(map[string]*Client)
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, cl := range drained {
		wg.Add(1)
		go func(cl *Client) {
			defer wg.Done()
			cl.Disconnect()
		}(cl)
	}
	wg.Wait()
}
