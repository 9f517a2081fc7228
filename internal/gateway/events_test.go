package gateway

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatcher_DeliversInArrivalOrder(t *testing.T) {
	d := newEventDispatcher()
	sub := d.subscribe(EventAgentOutput, 16)

	for i := 0; i < 5; i++ {
		d.dispatch(Event{Type: EventAgentOutput, Payload: json.RawMessage(fmt.Sprintf(`{"seq":%d}`, i))})
	}

	for i := 0; i < 5; i++ {
		select {
		case ev := <-sub.C:
			assert.JSONEq(t, fmt.Sprintf(`{"seq":%d}`, i), string(ev.Payload))
		case <-time.After(time.Second):
			t.Fatalf("event %d not delivered", i)
		}
	}
}

func TestDispatcher_IndependentFeedsPerName(t *testing.T) {
	d := newEventDispatcher()
	presence := d.subscribe(EventPresence, 4)
	shutdown := d.subscribe(EventShutdown, 4)

	d.dispatch(Event{Type: EventPresence, Payload: json.RawMessage(`{}`)})

	select {
	case ev := <-presence.C:
		assert.Equal(t, EventPresence, ev.Type)
	case <-time.After(time.Second):
		t.Fatal("presence not delivered")
	}
	select {
	case <-shutdown.C:
		t.Fatal("shutdown feed must not receive presence")
	default:
	}
}

func TestDispatcher_KeepaliveDropsOldest(t *testing.T) {
	d := newEventDispatcher()
	sub := d.subscribe(EventKeepalive, 2)

	// Nobody draining: the third beacon must displace the first, not block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 3; i++ {
			d.dispatch(Event{Type: EventKeepalive, Payload: json.RawMessage(fmt.Sprintf(`{"n":%d}`, i))})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("keepalive dispatch blocked on a full subscriber")
	}

	ev := <-sub.C
	assert.JSONEq(t, `{"n":1}`, string(ev.Payload), "oldest beacon shed")
	ev = <-sub.C
	assert.JSONEq(t, `{"n":2}`, string(ev.Payload))
}

func TestDispatcher_CancelUnblocksDispatch(t *testing.T) {
	d := newEventDispatcher()
	sub := d.subscribe(EventAgentOutput, 1)

	// Fill the buffer, then cancel while a blocking dispatch is in flight.
	d.dispatch(Event{Type: EventAgentOutput, Payload: json.RawMessage(`{}`)})

	unblocked := make(chan struct{})
	go func() {
		d.dispatch(Event{Type: EventAgentOutput, Payload: json.RawMessage(`{}`)})
		close(unblocked)
	}()

	time.Sleep(20 * time.Millisecond)
	sub.Cancel()

	select {
	case <-unblocked:
	case <-time.After(time.Second):
		t.Fatal("cancel did not unblock the dispatcher")
	}
}

func TestSubscription_CancelIdempotent(t *testing.T) {
	d := newEventDispatcher()
	sub := d.subscribe(EventPresence, 1)
	sub.Cancel()
	sub.Cancel()

	// A cancelled subscription no longer receives.
	d.dispatch(Event{Type: EventPresence, Payload: json.RawMessage(`{}`)})
	select {
	case <-sub.C:
		t.Fatal("cancelled subscription received an event")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDispatcher_NoSubscribersIsFine(t *testing.T) {
	d := newEventDispatcher()
	require.NotPanics(t, func() {
		d.dispatch(Event{Type: "unknownEvent", Payload: json.RawMessage(`{}`)})
	})
}
