package rules

import (
	"math"
	"testing"
	"time"

	"github.com/berdcoin/tapcoin/internal/domain/player"
)

func TestSaturatingMath(t *testing.T) {
	if got := SatAdd(math.MaxInt64-1, 5); got != math.MaxInt64 {
		t.Errorf("SatAdd overflow = %d, want MaxInt64", got)
	}
	if got := SatAdd(2, 3); got != 5 {
		t.Errorf("SatAdd(2,3) = %d", got)
	}
	if got := SatMul(math.MaxInt64/2, 3); got != math.MaxInt64 {
		t.Errorf("SatMul overflow = %d, want MaxInt64", got)
	}
	if got := SatMul(0, math.MaxInt64); got != 0 {
		t.Errorf("SatMul with zero = %d", got)
	}
}

func TestPrices(t *testing.T) {
	s := &player.State{TapPower: 3, AutoMining: 2, MaxEnergy: 150}

	tests := []struct {
		upgrade Upgrade
		want    int64
		ok      bool
	}{
		{UpgradeMultitap, 300, true},
		{UpgradeAutoMining, 600, true},
		{UpgradeEnergy, 300, true},
		{UpgradeMiniGame, 0, false},
	}
	for _, tt := range tests {
		got, ok := Price(tt.upgrade, s)
		if got != tt.want || ok != tt.ok {
			t.Errorf("Price(%s) = %d,%v want %d,%v", tt.upgrade, got, ok, tt.want, tt.ok)
		}
	}
}

func TestBuyAtomicity(t *testing.T) {
	tests := []struct {
		name    string
		upgrade Upgrade
		start   player.State
		want    player.State
		applied bool
		reason  string
	}{
		{
			name:    "multitap bought",
			upgrade: UpgradeMultitap,
			start:   player.State{Score: 150, TapPower: 1, Energy: 10, MaxEnergy: 100},
			want:    player.State{Score: 50, TapPower: 3, Energy: 10, MaxEnergy: 100},
			applied: true,
		},
		{
			name:    "automining bought",
			upgrade: UpgradeAutoMining,
			start:   player.State{Score: 200, TapPower: 1, MaxEnergy: 100},
			want:    player.State{Score: 0, TapPower: 1, AutoMining: 1, MaxEnergy: 100},
			applied: true,
		},
		{
			name:    "energy capacity refills",
			upgrade: UpgradeEnergy,
			start:   player.State{Score: 250, TapPower: 1, Energy: 3, MaxEnergy: 100},
			want:    player.State{Score: 50, TapPower: 1, Energy: 150, MaxEnergy: 150},
			applied: true,
		},
		{
			name:    "insufficient funds leaves state untouched",
			upgrade: UpgradeMultitap,
			start:   player.State{Score: 99, TapPower: 1, Energy: 10, MaxEnergy: 100},
			want:    player.State{Score: 99, TapPower: 1, Energy: 10, MaxEnergy: 100},
			reason:  ReasonInsufficientFunds,
		},
		{
			name:    "placeholder slot never mutates",
			upgrade: UpgradeMiniGame,
			start:   player.State{Score: 1_000_000, TapPower: 1, Energy: 10, MaxEnergy: 100},
			want:    player.State{Score: 1_000_000, TapPower: 1, Energy: 10, MaxEnergy: 100},
			reason:  ReasonComingSoon,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := tt.start
			res, err := Buy(tt.upgrade, &s)
			if err != nil {
				t.Fatalf("Buy returned error: %v", err)
			}
			if res.Applied != tt.applied || res.Reason != tt.reason {
				t.Errorf("result = %+v, want applied=%v reason=%q", res, tt.applied, tt.reason)
			}
			if s != tt.want {
				t.Errorf("state = %+v, want %+v", s, tt.want)
			}
		})
	}
}

func TestBuyUnknownUpgrade(t *testing.T) {
	s := player.New()
	if _, err := Buy(Upgrade("rocket"), s); err != ErrUnknownUpgrade {
		t.Fatalf("expected ErrUnknownUpgrade, got %v", err)
	}
}

func TestShopView(t *testing.T) {
	s := &player.State{Score: 120, TapPower: 1, AutoMining: 0, Energy: 100, MaxEnergy: 100}
	items := Shop(s)
	if len(items) != 4 {
		t.Fatalf("expected 4 slots, got %d", len(items))
	}
	if !items[0].Affordable || *items[0].Price != 100 || items[0].Label != "x1" {
		t.Errorf("multitap slot = %+v", items[0])
	}
	if items[1].Affordable {
		t.Errorf("automining at 200 should be dimmed with score 120")
	}
	if items[3].Price != nil || items[3].Label != "soon" {
		t.Errorf("placeholder slot = %+v", items[3])
	}
}

func TestTierTable(t *testing.T) {
	table := DefaultTiers()
	if err := table.Validate(); err != nil {
		t.Fatalf("default table invalid: %v", err)
	}

	tests := []struct {
		score int64
		level int
		asset string
	}{
		{0, 1, "lvl1"},
		{149, 1, "lvl1"},
		{150, 2, "lvl2"},
		{999, 2, "lvl2"},
		{1000, 3, "lvl3"},
		{math.MaxInt64, 3, "lvl3"},
	}
	for _, tt := range tests {
		got := table.Tier(tt.score)
		if got.Level != tt.level || got.Asset != tt.asset {
			t.Errorf("Tier(%d) = %+v, want %d/%s", tt.score, got, tt.level, tt.asset)
		}
		if again := table.Tier(tt.score); again != got {
			t.Errorf("Tier(%d) not idempotent: %+v vs %+v", tt.score, got, again)
		}
	}
}

func TestTierMonotonic(t *testing.T) {
	table := TierTable{{0, "a"}, {10, "b"}, {50, "c"}, {51, "d"}}
	prev := 0
	for score := int64(0); score <= 200; score++ {
		lvl := table.Tier(score).Level
		if lvl < prev {
			t.Fatalf("tier decreased at score %d: %d < %d", score, lvl, prev)
		}
		prev = lvl
	}
}

func TestTierValidate(t *testing.T) {
	bad := []TierTable{
		{},
		{{Min: 5, Asset: "a"}},
		{{Min: 0, Asset: "a"}, {Min: 0, Asset: "b"}},
		{{Min: 0, Asset: "a"}, {Min: 10, Asset: ""}},
	}
	for i, table := range bad {
		if err := table.Validate(); err == nil {
			t.Errorf("case %d: expected validation error", i)
		}
	}
}

func TestOfflineIncome(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC).UnixMilli()

	tests := []struct {
		name     string
		state    player.State
		credited int64
		income   int64
	}{
		{
			name:     "capped at six hours",
			state:    player.State{AutoMining: 5, LastExitTime: now - (10 * time.Hour).Milliseconds()},
			credited: 21600,
			income:   21600 * 5,
		},
		{
			name:     "partial seconds floored",
			state:    player.State{AutoMining: 2, LastExitTime: now - 90_500},
			credited: 90,
			income:   180,
		},
		{
			name:  "no exit stamp",
			state: player.State{AutoMining: 5},
		},
		{
			name:  "no auto mining",
			state: player.State{LastExitTime: now - 60_000},
		},
		{
			name:  "future stamp credits nothing",
			state: player.State{AutoMining: 3, LastExitTime: now + 60_000},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := tt.state
			got := CalculateOfflineIncome(&s, now, DefaultOfflineCap)
			if got.CreditedSeconds != tt.credited || got.Income != tt.income {
				t.Errorf("got %+v, want credited=%d income=%d", got, tt.credited, tt.income)
			}
		})
	}
}
