package network

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/berdcoin/tapcoin/internal/events"
	"github.com/berdcoin/tapcoin/internal/platform/capability"
	"github.com/berdcoin/tapcoin/internal/platform/metrics"
)

// fakeClient registers a client without a connection so queued frames can be inspected.
func fakeClient(h *Hub, playerID string, buffer int) *Client {
	c := &Client{hub: h, playerID: playerID, send: make(chan []byte, buffer)}
	h.add(c)
	return c
}

func TestRouteByPlayer(t *testing.T) {
	h := NewHub(nil, metrics.NewCollector())
	a := fakeClient(h, "a", 4)
	b := fakeClient(h, "b", 4)

	h.Route(events.NewEvent(events.EventTypeTap, "a", nil))

	if len(a.send) != 1 || len(b.send) != 0 {
		t.Fatalf("queued a=%d b=%d", len(a.send), len(b.send))
	}
	if h.Connected("a") != 1 || h.Connected("nobody") != 0 {
		t.Errorf("connected counts wrong")
	}
}

func TestRouteDropsWhenFull(t *testing.T) {
	m := metrics.NewCollector()
	h := NewHub(nil, m)
	c := fakeClient(h, "a", 1)

	h.Route(events.NewEvent(events.EventTypeTap, "a", nil))
	h.Route(events.NewEvent(events.EventTypeTap, "a", nil))

	if len(c.send) != 1 {
		t.Fatalf("queued %d", len(c.send))
	}
	if m.WSMessagesDropped != 1 {
		t.Errorf("dropped = %d", m.WSMessagesDropped)
	}
}

func TestImpactSendsHaptic(t *testing.T) {
	h := NewHub(nil, metrics.NewCollector())
	c := fakeClient(h, "a", 2)

	if err := h.Impact(context.Background(), "a", capability.HapticLight); err != nil {
		t.Fatal(err)
	}
	var ev wireEvent
	if err := json.Unmarshal(<-c.send, &ev); err != nil {
		t.Fatal(err)
	}
	if ev.Type != string(MsgHaptic) || string(ev.Payload) != `{"style":"light"}` {
		t.Errorf("haptic frame = %+v %s", ev, ev.Payload)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := h.Impact(ctx, "a", capability.HapticLight); err == nil {
		t.Error("expected error for cancelled context")
	}
}

func TestRunClosesClientsOnStop(t *testing.T) {
	h := NewHub(nil, metrics.NewCollector())
	c := fakeClient(h, "a", 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	h.Run(ctx)

	if _, ok := <-c.send; ok {
		t.Error("send channel still open")
	}
	if h.add(&Client{hub: h, playerID: "b", send: make(chan []byte, 1)}) {
		t.Error("add succeeded after stop")
	}
}
