package gateway

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPending_ResolveDelivers(t *testing.T) {
	r := newPendingRegistry()
	ch := r.add("a", time.Second)

	require.True(t, r.has("a"))
	require.True(t, r.resolve("a", json.RawMessage(`{"x":1}`)))

	res := <-ch
	require.NoError(t, res.err)
	assert.JSONEq(t, `{"x":1}`, string(res.payload))
	assert.Equal(t, 0, r.size())
}

func TestPending_ResolveUnknownID(t *testing.T) {
	r := newPendingRegistry()
	assert.False(t, r.resolve("nope", nil))
	assert.False(t, r.reject("nope", newTimeoutError("x")))
}

func TestPending_TimeoutFires(t *testing.T) {
	r := newPendingRegistry()
	ch := r.add("a", 20*time.Millisecond)

	select {
	case res := <-ch:
		require.Error(t, res.err)
		assert.True(t, IsTimeout(res.err))
	case <-time.After(time.Second):
		t.Fatal("timeout never fired")
	}
	assert.Equal(t, 0, r.size())

	// A late resolve after the timeout must be a no-op.
	assert.False(t, r.resolve("a", nil))
}

func TestPending_RemoveCancelsTimer(t *testing.T) {
	r := newPendingRegistry()
	ch := r.add("a", 20*time.Millisecond)
	r.remove("a")

	select {
	case <-ch:
		t.Fatal("removed waiter must not receive")
	case <-time.After(60 * time.Millisecond):
	}
	assert.Equal(t, 0, r.size())
}

func TestPending_RejectAll(t *testing.T) {
	r := newPendingRegistry()
	chans := make([]<-chan pendingResult, 0, 10)
	for i := 0; i < 10; i++ {
		chans = append(chans, r.add(string(rune('a'+i)), time.Minute))
	}

	r.rejectAll(newConnectionError("connection closed", nil))

	for _, ch := range chans {
		res := <-ch
		require.Error(t, res.err)
		assert.True(t, IsConnectionError(res.err))
	}
	assert.Equal(t, 0, r.size())
}

func TestPending_ClearDispatchesNothing(t *testing.T) {
	r := newPendingRegistry()
	ch := r.add("a", time.Minute)
	r.clear()

	select {
	case <-ch:
		t.Fatal("clear must not dispatch")
	case <-time.After(30 * time.Millisecond):
	}
	assert.Equal(t, 0, r.size())
}

func TestPending_SplitDeliversBothPhases(t *testing.T) {
	r := newPendingRegistry()
	ch := r.addSplit("a", time.Second, time.Second)

	// Ack keeps the id registered.
	require.True(t, r.resolve("a", json.RawMessage(`{"runId":"R"}`)))
	assert.True(t, r.has("a"))

	// Completion removes it.
	require.True(t, r.resolve("a", json.RawMessage(`{"runId":"R","status":"ok"}`)))
	assert.False(t, r.has("a"))

	ack := <-ch
	require.NoError(t, ack.err)
	assert.JSONEq(t, `{"runId":"R"}`, string(ack.payload))

	comp := <-ch
	require.NoError(t, comp.err)
	assert.JSONEq(t, `{"runId":"R","status":"ok"}`, string(comp.payload))
}

func TestPending_SplitCompletionTimeout(t *testing.T) {
	r := newPendingRegistry()
	ch := r.addSplit("a", time.Second, 30*time.Millisecond)

	require.True(t, r.resolve("a", json.RawMessage(`{"runId":"R"}`)))
	<-ch // ack

	select {
	case res := <-ch:
		require.Error(t, res.err)
		assert.True(t, IsTimeout(res.err))
	case <-time.After(time.Second):
		t.Fatal("completion timeout never fired")
	}
	assert.Equal(t, 0, r.size())
}

func TestPending_SplitStaleAckTimerCannotKillCompletion(t *testing.T) {
	r := newPendingRegistry()
	ch := r.addSplit("a", 40*time.Millisecond, time.Second)

	// Resolve the ack just before the ack timer fires, then wait past it.
	time.Sleep(20 * time.Millisecond)
	require.True(t, r.resolve("a", json.RawMessage(`{}`)))
	<-ch
	time.Sleep(60 * time.Millisecond)

	// The entry must still be waiting on the completion deadline.
	assert.True(t, r.has("a"))
	require.True(t, r.resolve("a", json.RawMessage(`{"done":true}`)))
	res := <-ch
	require.NoError(t, res.err)
}

func TestPending_ConcurrentResolvers(t *testing.T) {
	r := newPendingRegistry()
	const n = 100

	chans := make(map[int]<-chan pendingResult, n)
	for i := 0; i < n; i++ {
		chans[i] = r.add(idFor(i), time.Minute)
	}

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.resolve(idFor(i), json.RawMessage(`1`))
		}()
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		res := <-chans[i]
		require.NoError(t, res.err)
	}
	assert.Equal(t, 0, r.size())
}

func idFor(i int) string {
	return "id-" + string(rune('a'+i%26)) + "-" + string(rune('0'+i/26))
}
