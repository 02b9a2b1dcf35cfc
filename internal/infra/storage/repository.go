// Package storage provides the persistence layer for the tap server.
// This package implements the repository pattern to keep the domain pure.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a lookup has no row.
	ErrNotFound = errors.New("not found")
	// ErrUserExists is returned when a username is already registered.
	ErrUserExists = errors.New("user already exists")
)

// KV is a string-keyed blob store. Saves live here.
type KV interface {
	// Get returns the value for key; ok is false when the key is absent.
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	// Set replaces the value for key.
	Set(ctx context.Context, key string, value []byte) error
}

// LedgerEntry is one audited economy event of a player.
type LedgerEntry struct {
	ID        string          `json:"id" db:"id"`
	PlayerID  string          `json:"player_id" db:"player_id"`
	Timestamp time.Time       `json:"timestamp" db:"timestamp"`
	EventType string          `json:"event_type" db:"event_type"`
	Payload   json.RawMessage `json:"payload" db:"payload"`
}

// LedgerRepository defines the interface for the audit ledger.
type LedgerRepository interface {
	// Append adds an entry to the immutable ledger.
	Append(ctx context.Context, entry LedgerEntry) error

	// ListByPlayer returns the newest entries of a player, newest first. limit <= 0 means all.
	ListByPlayer(ctx context.Context, playerID string, limit int) ([]LedgerEntry, error)

	// ListByType returns a player's entries of one type, oldest first.
	ListByType(ctx context.Context, playerID, eventType string) ([]LedgerEntry, error)
}

// User is a registered account. The player ID is the user ID.
type User struct {
	ID           string    `json:"id" db:"id"`
	Username     string    `json:"username" db:"username"`
	PasswordHash string    `json:"-" db:"password_hash"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}

// UserRepository stores accounts.
type UserRepository interface {
	// Create inserts a user. Duplicate usernames return ErrUserExists.
	Create(ctx context.Context, u User) error

	// GetByUsername returns ErrNotFound when no such user exists.
	GetByUsername(ctx context.Context, username string) (*User, error)
}
