package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// SQLiteKV implements KV over the saves table.
type SQLiteKV struct {
	db *sql.DB
}

func NewSQLiteKV(db *sql.DB) *SQLiteKV {
	return &SQLiteKV{db: db}
}

func (r *SQLiteKV) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	err := r.db.QueryRowContext(ctx, `SELECT value FROM saves WHERE key = ?`, key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to read save: %w", err)
	}
	return value, true, nil
}

func (r *SQLiteKV) Set(ctx context.Context, key string, value []byte) error {
	query := `
		INSERT INTO saves (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value=excluded.value,
			updated_at=excluded.updated_at
	`
	if _, err := r.db.ExecContext(ctx, query, key, value, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to write save: %w", err)
	}
	return nil
}

// ---------------------------------------------------------
// SQLiteLedgerRepository
// ---------------------------------------------------------

// SQLiteLedgerRepository implements LedgerRepository for SQLite.
type SQLiteLedgerRepository struct {
	db *sql.DB
}

func NewSQLiteLedgerRepository(db *sql.DB) *SQLiteLedgerRepository {
	return &SQLiteLedgerRepository{db: db}
}

func (r *SQLiteLedgerRepository) Append(ctx context.Context, entry LedgerEntry) error {
	payload := string(entry.Payload)
	if payload == "" {
		payload = "null"
	}

	query := `
		INSERT INTO ledger (id, player_id, timestamp, event_type, payload)
		VALUES (?, ?, ?, ?, ?)
	`
	_, err := r.db.ExecContext(ctx, query,
		entry.ID, entry.PlayerID, entry.Timestamp.UTC(), entry.EventType, payload,
	)
	if err != nil {
		return fmt.Errorf("failed to append ledger entry: %w", err)
	}
	return nil
}

func (r *SQLiteLedgerRepository) getMany(ctx context.Context, query string, args ...interface{}) ([]LedgerEntry, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []LedgerEntry
	for rows.Next() {
		var e LedgerEntry
		var payload string
		if err := rows.Scan(&e.ID, &e.PlayerID, &e.Timestamp, &e.EventType, &payload); err != nil {
			return nil, err
		}
		e.Payload = []byte(payload)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (r *SQLiteLedgerRepository) ListByPlayer(ctx context.Context, playerID string, limit int) ([]LedgerEntry, error) {
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}
	query := `SELECT id, player_id, timestamp, event_type, payload FROM ledger WHERE player_id = ? ORDER BY timestamp DESC, rowid DESC LIMIT ?`
	return r.getMany(ctx, query, playerID, limit)
}

func (r *SQLiteLedgerRepository) ListByType(ctx context.Context, playerID, eventType string) ([]LedgerEntry, error) {
	query := `SELECT id, player_id, timestamp, event_type, payload FROM ledger WHERE player_id = ? AND event_type = ? ORDER BY timestamp ASC, rowid ASC`
	return r.getMany(ctx, query, playerID, eventType)
}

// ---------------------------------------------------------
// SQLiteUserRepository
// ---------------------------------------------------------

// SQLiteUserRepository implements UserRepository for SQLite.
type SQLiteUserRepository struct {
	db *sql.DB
}

func NewSQLiteUserRepository(db *sql.DB) *SQLiteUserRepository {
	return &SQLiteUserRepository{db: db}
}

func (r *SQLiteUserRepository) Create(ctx context.Context, u User) error {
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now()
	}
	query := `INSERT INTO users (id, username, password_hash, created_at) VALUES (?, ?, ?, ?)`
	_, err := r.db.ExecContext(ctx, query, u.ID, u.Username, u.PasswordHash, u.CreatedAt.UTC())
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrUserExists
		}
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

func (r *SQLiteUserRepository) GetByUsername(ctx context.Context, username string) (*User, error) {
	query := `SELECT id, username, password_hash, created_at FROM users WHERE username = ?`
	var u User
	err := r.db.QueryRowContext(ctx, query, username).Scan(&u.ID, &u.Username, &u.PasswordHash, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &u, nil
}

var (
	_ KV               = (*SQLiteKV)(nil)
	_ LedgerRepository = (*SQLiteLedgerRepository)(nil)
	_ UserRepository   = (*SQLiteUserRepository)(nil)
)
