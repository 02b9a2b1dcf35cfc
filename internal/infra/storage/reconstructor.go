package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/berdcoin/tapcoin/internal/events"
)

// Reconstructor rebuilds per-player summaries from the ledger.
// This is used for:
// 1. The history screen on login, "while you were away"
// 2. Auditing purchases and offline credits
type Reconstructor struct {
	ledger LedgerRepository
}

// NewReconstructor creates a new ledger reconstructor.
func NewReconstructor(ledger LedgerRepository) *Reconstructor {
	return &Reconstructor{ledger: ledger}
}

// LedgerSummary totals a player's audited history.
type LedgerSummary struct {
	PlayerID        string         `json:"player_id"`
	Sessions        int            `json:"sessions"`
	Purchases       map[string]int `json:"purchases"` // by upgrade kind
	TotalSpent      int64          `json:"total_spent"`
	OfflineIncome   int64          `json:"offline_income"`
	OfflineSeconds  int64          `json:"offline_seconds"`
	LastSessionOpen *time.Time     `json:"last_session_open,omitempty"`
}

// RecapEvent is a simplified entry for the history screen.
type RecapEvent struct {
	Timestamp string `json:"timestamp"`
	EventType string `json:"event_type"`
	Summary   string `json:"summary"` // Human-readable description
	Impact    string `json:"impact"`  // "POSITIVE", "NEGATIVE", "NEUTRAL"
}

// ledger payload shapes
type purchasePayload struct {
	Upgrade string `json:"upgrade"`
	Price   int64  `json:"price"`
}

type offlinePayload struct {
	ElapsedSeconds  int64 `json:"elapsed_seconds"`
	CreditedSeconds int64 `json:"credited_seconds"`
	Income          int64 `json:"income"`
}

type sessionPayload struct {
	Score int64 `json:"score"`
}

// Summarize folds the whole ledger of a player into totals.
func (r *Reconstructor) Summarize(ctx context.Context, playerID string) (*LedgerSummary, error) {
	entries, err := r.ledger.ListByPlayer(ctx, playerID, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to get ledger for player: %w", err)
	}

	sum := &LedgerSummary{PlayerID: playerID, Purchases: make(map[string]int)}
	// entries are newest first; fold oldest first
	for i := len(entries) - 1; i >= 0; i-- {
		r.applyEntry(sum, entries[i])
	}
	return sum, nil
}

// GenerateRecap lists the newest entries of a player in readable form.
func (r *Reconstructor) GenerateRecap(ctx context.Context, playerID string, limit int) ([]RecapEvent, error) {
	entries, err := r.ledger.ListByPlayer(ctx, playerID, limit)
	if err != nil {
		return nil, err
	}

	recap := make([]RecapEvent, 0, len(entries))
	for _, e := range entries {
		recap = append(recap, RecapEvent{
			Timestamp: e.Timestamp.UTC().Format(time.RFC3339),
			EventType: e.EventType,
			Summary:   r.summarizeEntry(e),
			Impact:    r.determineImpact(e),
		})
	}
	return recap, nil
}

// applyEntry adds one entry to the running summary.
func (r *Reconstructor) applyEntry(sum *LedgerSummary, e LedgerEntry) {
	switch events.EventType(e.EventType) {
	case events.EventTypeSessionOpen:
		sum.Sessions++
		ts := e.Timestamp
		sum.LastSessionOpen = &ts
	case events.EventTypePurchase:
		var p purchasePayload
		if json.Unmarshal(e.Payload, &p) == nil {
			sum.Purchases[p.Upgrade]++
			sum.TotalSpent += p.Price
		}
	case events.EventTypeOfflineIncome:
		var p offlinePayload
		if json.Unmarshal(e.Payload, &p) == nil {
			sum.OfflineIncome += p.Income
			sum.OfflineSeconds += p.CreditedSeconds
		}
	}
}

// summarizeEntry creates a human-readable summary.
func (r *Reconstructor) summarizeEntry(e LedgerEntry) string {
	switch events.EventType(e.EventType) {
	case events.EventTypePurchase:
		var p purchasePayload
		if json.Unmarshal(e.Payload, &p) == nil {
			return fmt.Sprintf("Bought %s for %d coins.", p.Upgrade, p.Price)
		}
	case events.EventTypeOfflineIncome:
		var p offlinePayload
		if json.Unmarshal(e.Payload, &p) == nil {
			if p.CreditedSeconds < p.ElapsedSeconds {
				return fmt.Sprintf("Mined %d coins while away (capped at %s).", p.Income, time.Duration(p.CreditedSeconds)*time.Second)
			}
			return fmt.Sprintf("Mined %d coins while away.", p.Income)
		}
	case events.EventTypeSessionOpen:
		var p sessionPayload
		if json.Unmarshal(e.Payload, &p) == nil {
			return fmt.Sprintf("Session started with %d coins.", p.Score)
		}
	case events.EventTypeSessionClose:
		var p sessionPayload
		if json.Unmarshal(e.Payload, &p) == nil {
			return fmt.Sprintf("Session ended with %d coins.", p.Score)
		}
	}
	return "Something happened."
}

// determineImpact classifies the entry for the client.
func (r *Reconstructor) determineImpact(e LedgerEntry) string {
	switch events.EventType(e.EventType) {
	case events.EventTypeOfflineIncome:
		return "POSITIVE"
	case events.EventTypePurchase:
		return "NEGATIVE"
	default:
		return "NEUTRAL"
	}
}
