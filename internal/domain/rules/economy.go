// Package rules contains the pure calculation logic for the tap economy.
// This package is PURE and must NOT import any infrastructure packages.
package rules

import (
	"math"
	"time"

	"github.com/berdcoin/tapcoin/internal/domain/player"
)

// DefaultOfflineCap bounds offline accrual to 6 hours.
const DefaultOfflineCap = 6 * time.Hour

// SatAdd adds two non-negative counters, pinning at math.MaxInt64.
func SatAdd(a, b int64) int64 {
	if b > 0 && a > math.MaxInt64-b {
		return math.MaxInt64
	}
	return a + b
}

// SatMul multiplies two non-negative counters, pinning at math.MaxInt64.
func SatMul(a, b int64) int64 {
	if a == 0 || b == 0 {
		return 0
	}
	if a > math.MaxInt64/b {
		return math.MaxInt64
	}
	return a * b
}

// OfflineIncome describes what a returning player is credited.
type OfflineIncome struct {
	ElapsedSeconds  int64 `json:"elapsed_seconds"`
	CreditedSeconds int64 `json:"credited_seconds"`
	Income          int64 `json:"income"`
}

// CalculateOfflineIncome computes the catch-up credit for time spent away.
// It returns a zero value when there is no exit stamp or no auto-mining rate.
// A stamp in the future (clock skew) credits nothing.
func CalculateOfflineIncome(s *player.State, nowMillis int64, maxWindow time.Duration) OfflineIncome {
	if !s.HasExitTime() || s.AutoMining <= 0 {
		return OfflineIncome{}
	}

	elapsed := (nowMillis - s.LastExitTime) / 1000
	if elapsed < 0 {
		elapsed = 0
	}

	capSeconds := int64(maxWindow / time.Second)
	credited := elapsed
	if credited > capSeconds {
		credited = capSeconds
	}

	return OfflineIncome{
		ElapsedSeconds:  elapsed,
		CreditedSeconds: credited,
		Income:          SatMul(credited, s.AutoMining),
	}
}
