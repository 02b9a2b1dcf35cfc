// Package events carries the economy's change notifications.
// Every mutation of a PlayerState is announced here after it happens;
// the presentation layer and the ledger subscribe instead of hooking setters.
package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType defines the category of a game event.
type EventType string

const (
	EventTypeTap           EventType = "TAP"
	EventTypeAutoMine      EventType = "AUTO_MINE"
	EventTypeOfflineIncome EventType = "OFFLINE_INCOME"
	EventTypePurchase      EventType = "PURCHASE"
	EventTypeComingSoon    EventType = "COMING_SOON"
	EventTypeScoreChanged  EventType = "SCORE_CHANGED"
	EventTypeEnergyChanged EventType = "ENERGY_CHANGED"
	EventTypeTierChanged   EventType = "TIER_CHANGED"
	EventTypeSessionOpen   EventType = "SESSION_OPEN"
	EventTypeSessionClose  EventType = "SESSION_CLOSE"
)

// Audited reports whether events of this type belong in the durable ledger.
// Taps and ticks are too frequent and fully reflected in the save itself.
func Audited(t EventType) bool {
	switch t {
	case EventTypePurchase, EventTypeOfflineIncome, EventTypeSessionOpen, EventTypeSessionClose:
		return true
	}
	return false
}

// GameEvent is an immutable record of something that happened to a player.
type GameEvent struct {
	ID        string      `json:"id"`
	Timestamp time.Time   `json:"timestamp"`
	Type      EventType   `json:"type"`
	ActorID   string      `json:"actor_id"` // player the event belongs to
	Payload   interface{} `json:"payload"`
}

// NewEvent stamps a fresh event.
func NewEvent(t EventType, actorID string, payload interface{}) GameEvent {
	return GameEvent{
		ID:        GenerateEventID(),
		Timestamp: time.Now(),
		Type:      t,
		ActorID:   actorID,
		Payload:   payload,
	}
}

// EventPersister defines how an event is durably stored.
type EventPersister interface {
	Append(event GameEvent) error
}

// Listener is called synchronously for every appended event.
// It must not block; hand work off to a channel if needed.
type Listener func(GameEvent)

// DefaultRetention is the minimum number of recent events kept in memory.
const DefaultRetention = 4096

// EventLog is the in-memory log of recent events with subscriber fan-out.
// Only audited events are written through to the persister.
type EventLog struct {
	mu           sync.RWMutex
	events       []GameEvent
	retention    int
	persister    EventPersister
	onPersistErr func(error)
	writes       sync.WaitGroup

	subMu     sync.RWMutex
	listeners map[int]Listener
	nextSub   int
}

// NewEventLog creates a new event log with an optional persister.
func NewEventLog(persister ...EventPersister) *EventLog {
	el := &EventLog{
		events:    make([]GameEvent, 0, 64),
		retention: DefaultRetention,
		listeners: make(map[int]Listener),
	}
	if len(persister) > 0 {
		el.persister = persister[0]
	}
	return el
}

// SetRetention changes how many events stay in memory.
func (el *EventLog) SetRetention(n int) {
	if n < 1 {
		n = 1
	}
	el.mu.Lock()
	el.retention = n
	el.trimLocked()
	el.mu.Unlock()
}

// OnPersistError registers a callback for ledger write failures.
func (el *EventLog) OnPersistError(fn func(error)) {
	el.mu.Lock()
	el.onPersistErr = fn
	el.mu.Unlock()
}

// Subscribe registers a listener and returns a function that removes it.
func (el *EventLog) Subscribe(l Listener) (unsubscribe func()) {
	el.subMu.Lock()
	id := el.nextSub
	el.nextSub++
	el.listeners[id] = l
	el.subMu.Unlock()

	return func() {
		el.subMu.Lock()
		delete(el.listeners, id)
		el.subMu.Unlock()
	}
}

// Append adds a new event to the log and notifies subscribers.
func (el *EventLog) Append(event GameEvent) {
	if event.ID == "" {
		event.ID = GenerateEventID()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	el.mu.Lock()
	el.events = append(el.events, event)
	el.trimLocked()
	persister, onErr := el.persister, el.onPersistErr
	el.mu.Unlock()

	if persister != nil && Audited(event.Type) {
		// Write through without holding up the game loop
		el.writes.Add(1)
		go func(e GameEvent) {
			defer el.writes.Done()
			if err := persister.Append(e); err != nil && onErr != nil {
				onErr(err)
			}
		}(event)
	}

	el.subMu.RLock()
	for _, l := range el.listeners {
		l(event)
	}
	el.subMu.RUnlock()
}

// Wait blocks until every ledger write started by Append has finished.
// Call it once producers have stopped and before the persister's store closes.
func (el *EventLog) Wait() {
	el.writes.Wait()
}

// trimLocked drops the oldest events once the log holds twice the retention,
// so the copy cost is paid once per retention appends.
func (el *EventLog) trimLocked() {
	if len(el.events) < el.retention*2 {
		return
	}
	kept := make([]GameEvent, el.retention, el.retention*2)
	copy(kept, el.events[len(el.events)-el.retention:])
	el.events = kept
}

// GetByActor returns the retained events of a specific player.
func (el *EventLog) GetByActor(actorID string) []GameEvent {
	el.mu.RLock()
	defer el.mu.RUnlock()

	var result []GameEvent
	for _, e := range el.events {
		if e.ActorID == actorID {
			result = append(result, e)
		}
	}
	return result
}

// Replay returns a copy of the retained history.
func (el *EventLog) Replay() []GameEvent {
	el.mu.RLock()
	defer el.mu.RUnlock()
	out := make([]GameEvent, len(el.events))
	copy(out, el.events)
	return out
}

// GenerateEventID creates a unique event identifier.
func GenerateEventID() string {
	return uuid.NewString()
}
