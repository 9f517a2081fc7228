package gateway

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManager_GetClientConnects(t *testing.T) {
	g := newFakeGateway(t, nil)
	m := NewManager(testLogger())
	t.Cleanup(m.ShutdownAll)

	c, err := m.GetClient(context.Background(), "bot-1", g.options(t))
	require.NoError(t, err)
	assert.True(t, c.IsConnected())
	assert.Equal(t, []string{"bot-1"}, m.GetConnectedInstances())
	assert.True(t, m.IsConnected("bot-1"))
}

func TestManager_ConcurrentGetClientCoalesces(t *testing.T) {
	g := newFakeGateway(t, nil)
	m := NewManager(testLogger())
	t.Cleanup(m.ShutdownAll)

	const callers = 8
	clients := make([]*Client, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	start := make(chan struct{})

	for i := 0; i < callers; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			clients[i], errs[i] = m.GetClient(context.Background(), "bot-1", g.options(t))
		}()
	}
	close(start)
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
	}
	for i := 1; i < callers; i++ {
		assert.Same(t, clients[0], clients[i], "all callers must observe the identical Client")
	}
	assert.Equal(t, 1, g.dialCount(), "only one WebSocket opened")
}

func TestManager_DistinctInstancesGetDistinctClients(t *testing.T) {
	g := newFakeGateway(t, nil)
	m := NewManager(testLogger())
	t.Cleanup(m.ShutdownAll)

	a, err := m.GetClient(context.Background(), "bot-a", g.options(t))
	require.NoError(t, err)
	b, err := m.GetClient(context.Background(), "bot-b", g.options(t))
	require.NoError(t, err)

	assert.NotSame(t, a, b)
	assert.ElementsMatch(t, []string{"bot-a", "bot-b"}, m.GetConnectedInstances())
}

func TestManager_GetClientReturnsExistingConnected(t *testing.T) {
	g := newFakeGateway(t, nil)
	m := NewManager(testLogger())
	t.Cleanup(m.ShutdownAll)

	first, err := m.GetClient(context.Background(), "bot-1", g.options(t))
	require.NoError(t, err)
	second, err := m.GetClient(context.Background(), "bot-1", g.options(t))
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, 1, g.dialCount())
}

func TestManager_ReconnectsStaleClient(t *testing.T) {
	g := newFakeGateway(t, nil)
	m := NewManager(testLogger())
	t.Cleanup(m.ShutdownAll)

	opts := g.options(t)
	opts.Reconnect = &ReconnectPolicy{Enabled: false, MaxAttempts: 1}

	first, err := m.GetClient(context.Background(), "bot-1", opts)
	require.NoError(t, err)
	first.Disconnect()
	require.False(t, first.IsConnected())

	second, err := m.GetClient(context.Background(), "bot-1", opts)
	require.NoError(t, err)
	assert.Same(t, first, second, "stale client is reconnected, not replaced")
	assert.True(t, second.IsConnected())
	assert.Equal(t, 2, g.dialCount())
}

func TestManager_ConnectFailureNotCached(t *testing.T) {
	g := newFakeGateway(t, nil)
	g.rejectConnect = map[string]any{"code": CodeUnavailable, "message": "invalid token"}
	m := NewManager(testLogger())

	_, err := m.GetClient(context.Background(), "bot-1", g.options(t))
	require.Error(t, err)
	assert.Nil(t, m.Lookup("bot-1"), "failed creation must not be pooled")

	// Once the gateway accepts again, a fresh GetClient succeeds.
	g.rejectConnect = nil
	c, err := m.GetClient(context.Background(), "bot-1", g.options(t))
	require.NoError(t, err)
	assert.True(t, c.IsConnected())
	t.Cleanup(m.ShutdownAll)
}

func TestManager_RemoveClient(t *testing.T) {
	g := newFakeGateway(t, nil)
	m := NewManager(testLogger())

	c, err := m.GetClient(context.Background(), "bot-1", g.options(t))
	require.NoError(t, err)

	m.RemoveClient("bot-1")
	assert.Nil(t, m.Lookup("bot-1"))
	require.Eventually(t, func() bool { return !c.IsConnected() }, 2*time.Second, 10*time.Millisecond)

	m.RemoveClient("bot-1") // unknown id is a no-op
}

func TestManager_ShutdownAllIdempotent(t *testing.T) {
	g := newFakeGateway(t, nil)
	m := NewManager(testLogger())

	a, err := m.GetClient(context.Background(), "bot-a", g.options(t))
	require.NoError(t, err)
	b, err := m.GetClient(context.Background(), "bot-b", g.options(t))
	require.NoError(t, err)

	m.ShutdownAll()
	assert.False(t, a.IsConnected())
	assert.False(t, b.IsConnected())
	assert.Empty(t, m.GetConnectedInstances())

	m.ShutdownAll() // second call finds an empty pool
}

func TestManager_OnClientStateObserved(t *testing.T) {
	g := newFakeGateway(t, nil)
	m := NewManager(testLogger())
	t.Cleanup(m.ShutdownAll)

	var mu sync.Mutex
	var states []State
	m.OnClientState = func(instanceID string, s State) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	}

	_, err := m.GetClient(context.Background(), "bot-1", g.options(t))
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []State{StateConnecting, StateConnected}, states)
}
