// Package player defines the PlayerState entity of the tap economy.
// This package is PURE and must NOT import any infrastructure packages (network, events, platform).
package player

// Starting values for a fresh save.
const (
	DefaultTapPower   int64 = 1
	DefaultAutoMining int64 = 0
	DefaultEnergy     int64 = 100
	DefaultMaxEnergy  int64 = 100
)

// State is the whole numeric state of one player.
// It is mutated only by the engine loop that owns it.
type State struct {
	Score      int64 `json:"score"`
	TapPower   int64 `json:"tap_power"`
	AutoMining int64 `json:"auto_mining"`
	Energy     int64 `json:"energy"`
	MaxEnergy  int64 `json:"max_energy"`

	// LastExitTime is Unix milliseconds of the last save. 0 means absent.
	LastExitTime int64 `json:"last_exit_time"`
}

// New returns a state with first-run defaults.
func New() *State {
	return &State{
		Score:      0,
		TapPower:   DefaultTapPower,
		AutoMining: DefaultAutoMining,
		Energy:     DefaultEnergy,
		MaxEnergy:  DefaultMaxEnergy,
	}
}

// Clone returns an independent copy, safe to hand to another goroutine.
func (s *State) Clone() State {
	return *s
}

// HasExitTime reports whether a previous session stamped its exit.
func (s *State) HasExitTime() bool {
	return s.LastExitTime > 0
}

// Normalize repairs values that break the entity invariants.
// Loaded saves go through here before the engine sees them.
func (s *State) Normalize() {
	if s.Score < 0 {
		s.Score = 0
	}
	if s.TapPower < 1 {
		s.TapPower = DefaultTapPower
	}
	if s.AutoMining < 0 {
		s.AutoMining = 0
	}
	if s.MaxEnergy < 1 {
		s.MaxEnergy = DefaultMaxEnergy
	}
	s.ClampEnergy()
	if s.LastExitTime < 0 {
		s.LastExitTime = 0
	}
}

// ClampEnergy keeps energy within [0, MaxEnergy].
func (s *State) ClampEnergy() {
	if s.Energy < 0 {
		s.Energy = 0
	}
	if s.Energy > s.MaxEnergy {
		s.Energy = s.MaxEnergy
	}
}

// CanTap reports whether a tap would have any effect.
func (s *State) CanTap() bool {
	return s.Energy > 0
}
