package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/berdcoin/tapcoin/internal/domain/player"
)

// SchemaVersion is the current save format.
const SchemaVersion = 1

// KeyPrefix namespaces save keys.
const KeyPrefix = "berd_save_v1"

// SaveKey returns the storage key of a player's save.
func SaveKey(playerID string) string {
	return KeyPrefix + ":" + playerID
}

// saveRecord is the persisted form. Pointers distinguish absent fields from zeros.
type saveRecord struct {
	Version      *int   `json:"version,omitempty"`
	Score        *int64 `json:"score"`
	TapPower     *int64 `json:"tapPower"`
	AutoMining   *int64 `json:"autoMining"`
	Energy       *int64 `json:"energy"`
	MaxEnergy    *int64 `json:"maxEnergy"`
	LastExitTime *int64 `json:"lastExitTime"`
}

// EncodeState serializes a state at the current schema version.
func EncodeState(s player.State) ([]byte, error) {
	v := SchemaVersion
	rec := saveRecord{
		Version:      &v,
		Score:        &s.Score,
		TapPower:     &s.TapPower,
		AutoMining:   &s.AutoMining,
		Energy:       &s.Energy,
		MaxEnergy:    &s.MaxEnergy,
		LastExitTime: &s.LastExitTime,
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encode save: %w", err)
	}
	return b, nil
}

// LoadStatus tells how a save was resolved.
type LoadStatus int

const (
	LoadFresh     LoadStatus = iota // no save stored
	LoadOK                          // save decoded
	LoadDiscarded                   // unknown schema version, reset
	LoadCorrupt                     // undecodable, reset
)

func (s LoadStatus) String() string {
	switch s {
	case LoadFresh:
		return "fresh"
	case LoadOK:
		return "ok"
	case LoadDiscarded:
		return "discarded"
	case LoadCorrupt:
		return "corrupt"
	}
	return "unknown"
}

// DecodeState parses a save. It never fails: bad input yields defaults with a status saying why.
// Missing fields take their defaults and the result is normalized.
func DecodeState(b []byte) (*player.State, LoadStatus) {
	var rec saveRecord
	if err := json.Unmarshal(b, &rec); err != nil {
		return player.New(), LoadCorrupt
	}
	if rec.Version != nil && *rec.Version != SchemaVersion {
		return player.New(), LoadDiscarded
	}

	s := player.New()
	if rec.Score != nil {
		s.Score = *rec.Score
	}
	if rec.TapPower != nil {
		s.TapPower = *rec.TapPower
	}
	if rec.AutoMining != nil {
		s.AutoMining = *rec.AutoMining
	}
	if rec.MaxEnergy != nil {
		s.MaxEnergy = *rec.MaxEnergy
	}
	if rec.Energy != nil {
		s.Energy = *rec.Energy
	}
	if rec.LastExitTime != nil {
		s.LastExitTime = *rec.LastExitTime
	}
	s.Normalize()
	return s, LoadOK
}

// LoadState reads a player's save from kv. Absent, corrupt or foreign-version saves
// resolve to defaults; only a failing store returns an error.
func LoadState(ctx context.Context, kv KV, playerID string) (*player.State, LoadStatus, error) {
	b, ok, err := kv.Get(ctx, SaveKey(playerID))
	if err != nil {
		return nil, LoadFresh, fmt.Errorf("load save %s: %w", playerID, err)
	}
	if !ok {
		return player.New(), LoadFresh, nil
	}
	s, status := DecodeState(b)
	return s, status, nil
}

// NewerSave picks the save with the later exit stamp. Undecodable input loses.
func NewerSave(a, b []byte) []byte {
	sa, okA := DecodeState(a)
	sb, okB := DecodeState(b)
	switch {
	case okA != LoadOK:
		return b
	case okB != LoadOK:
		return a
	case sb.LastExitTime > sa.LastExitTime:
		return b
	}
	return a
}
