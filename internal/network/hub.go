package network

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/berdcoin/tapcoin/internal/events"
	"github.com/berdcoin/tapcoin/internal/platform/capability"
	"github.com/berdcoin/tapcoin/internal/platform/logger"
	"github.com/berdcoin/tapcoin/internal/platform/metrics"
)

// Outbound message types that are not economy notifications.
const (
	MsgHaptic    events.EventType = "HAPTIC"
	MsgState     events.EventType = "STATE"
	MsgBuyResult events.EventType = "BUY_RESULT"
	MsgError     events.EventType = "ERROR"
)

// HapticPayload asks the client to play impact feedback.
type HapticPayload struct {
	Style capability.HapticStyle `json:"style"`
}

// ErrorPayload reports a rejected inbound action.
type ErrorPayload struct {
	Error string `json:"error"`
}

// Hub maintains the connected clients of every player and routes
// notifications to the clients of the player they belong to.
type Hub struct {
	clients    map[string]map[*Client]bool
	unregister chan *Client
	done       chan struct{}
	mu         sync.Mutex
	stopped    bool
	logger     *logger.Logger
	metrics    *metrics.Collector
}

// NewHub initializes a new WebSocket Hub.
func NewHub(log *logger.Logger, m *metrics.Collector) *Hub {
	if log == nil {
		log = logger.Discard()
	}
	if m == nil {
		m = metrics.Get()
	}
	return &Hub{
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		clients:    make(map[string]map[*Client]bool),
		logger:     log,
		metrics:    m,
	}
}

// Run handles disconnects until ctx ends, then closes every client.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.logger.Info("WebSocket Hub shutting down.")
			h.mu.Lock()
			h.stopped = true
			for id, set := range h.clients {
				for c := range set {
					close(c.send)
					h.metrics.RecordWSConnection(-1)
				}
				delete(h.clients, id)
			}
			h.mu.Unlock()
			return
		case client := <-h.unregister:
			h.mu.Lock()
			if set, ok := h.clients[client.playerID]; ok && set[client] {
				delete(set, client)
				if len(set) == 0 {
					delete(h.clients, client.playerID)
				}
				close(client.send)
				h.metrics.RecordWSConnection(-1)
				h.logger.Info("WebSocket client disconnected for " + client.playerID)
			}
			h.mu.Unlock()
		}
	}
}

// add registers c synchronously so replies queued right after are not lost.
func (h *Hub) add(c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return false
	}
	set, ok := h.clients[c.playerID]
	if !ok {
		set = make(map[*Client]bool)
		h.clients[c.playerID] = set
	}
	set[c] = true
	h.metrics.RecordWSConnection(1)
	h.logger.Info("WebSocket client connected for " + c.playerID)
	return true
}

func (h *Hub) remove(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// Attach subscribes the hub to the event log. The returned function detaches it.
func (h *Hub) Attach(el *events.EventLog) (detach func()) {
	return el.Subscribe(h.Route)
}

// Route delivers an event to the connected clients of its player.
// It never blocks; a client with a full buffer misses the message.
func (h *Hub) Route(event events.GameEvent) {
	h.mu.Lock()
	set := h.clients[event.ActorID]
	if len(set) == 0 {
		h.mu.Unlock()
		return
	}
	h.mu.Unlock()

	payload, err := json.Marshal(event)
	if err != nil {
		h.logger.Errorf("Failed to serialize GameEvent for WebSocket routing: %v", err)
		return
	}
	h.deliver(event.ActorID, payload)
}

func (h *Hub) deliver(playerID string, payload []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients[playerID] {
		select {
		case client.send <- payload:
			h.metrics.RecordWSMessage(false)
		default:
			h.metrics.RecordWSDropped()
		}
	}
}

// sendTo queues a message for one client if it is still registered.
func (h *Hub) sendTo(c *Client, payload []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.clients[c.playerID][c] {
		return
	}
	select {
	case c.send <- payload:
		h.metrics.RecordWSMessage(false)
	default:
		h.metrics.RecordWSDropped()
	}
}

// Connected reports how many clients a player has open.
func (h *Hub) Connected(playerID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients[playerID])
}

// Impact forwards a haptic request to the player's clients.
func (h *Hub) Impact(ctx context.Context, playerID string, style capability.HapticStyle) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := json.Marshal(events.NewEvent(MsgHaptic, playerID, HapticPayload{Style: style}))
	if err != nil {
		return err
	}
	h.deliver(playerID, payload)
	return nil
}

var _ capability.Haptics = (*Hub)(nil)
