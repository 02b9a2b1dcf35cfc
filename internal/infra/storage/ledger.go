package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/berdcoin/tapcoin/internal/events"
)

// LedgerPersister adapts a LedgerRepository to events.EventPersister.
type LedgerPersister struct {
	repo    LedgerRepository
	timeout time.Duration
}

// NewLedgerPersister wraps repo; each append is bounded by timeout.
func NewLedgerPersister(repo LedgerRepository, timeout time.Duration) *LedgerPersister {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &LedgerPersister{repo: repo, timeout: timeout}
}

// Append converts the event and writes it to the ledger.
func (p *LedgerPersister) Append(e events.GameEvent) error {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	return p.repo.Append(ctx, LedgerEntry{
		ID:        e.ID,
		PlayerID:  e.ActorID,
		Timestamp: e.Timestamp,
		EventType: string(e.Type),
		Payload:   payload,
	})
}

var _ events.EventPersister = (*LedgerPersister)(nil)
