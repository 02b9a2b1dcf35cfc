package rules

import (
	"errors"
	"strconv"

	"github.com/berdcoin/tapcoin/internal/domain/player"
)

// Upgrade identifies a shop slot.
type Upgrade string

const (
	UpgradeMultitap   Upgrade = "multitap"
	UpgradeAutoMining Upgrade = "automining"
	UpgradeEnergy     Upgrade = "energy"
	UpgradeMiniGame   Upgrade = "minigame" // placeholder slot, never mutates state
)

// Effect increments.
const (
	MultitapStep       int64 = 2
	AutoMiningStep     int64 = 1
	EnergyCapacityStep int64 = 50
)

// ErrUnknownUpgrade is returned for a kind that is not in the shop.
var ErrUnknownUpgrade = errors.New("unknown upgrade")

// ShopOrder is the display order of the bottom panel.
var ShopOrder = []Upgrade{UpgradeMultitap, UpgradeAutoMining, UpgradeEnergy, UpgradeMiniGame}

// ParseUpgrade validates a client-supplied kind.
func ParseUpgrade(s string) (Upgrade, error) {
	u := Upgrade(s)
	switch u {
	case UpgradeMultitap, UpgradeAutoMining, UpgradeEnergy, UpgradeMiniGame:
		return u, nil
	}
	return "", ErrUnknownUpgrade
}

// Price returns the current price of an upgrade.
// ok is false for slots that cannot be bought.
func Price(u Upgrade, s *player.State) (price int64, ok bool) {
	switch u {
	case UpgradeMultitap:
		return SatMul(s.TapPower, 100), true
	case UpgradeAutoMining:
		return SatMul(SatAdd(s.AutoMining, 1), 200), true
	case UpgradeEnergy:
		return SatMul(s.MaxEnergy, 2), true
	}
	return 0, false
}

// Apply performs the upgrade effect. It does not touch the score.
func Apply(u Upgrade, s *player.State) {
	switch u {
	case UpgradeMultitap:
		s.TapPower = SatAdd(s.TapPower, MultitapStep)
	case UpgradeAutoMining:
		s.AutoMining = SatAdd(s.AutoMining, AutoMiningStep)
	case UpgradeEnergy:
		s.MaxEnergy = SatAdd(s.MaxEnergy, EnergyCapacityStep)
		s.Energy = s.MaxEnergy
	}
}

// Purchase outcome reasons.
const (
	ReasonInsufficientFunds = "insufficient_funds"
	ReasonComingSoon        = "coming_soon"
)

// PurchaseResult is the outcome of a buy attempt.
type PurchaseResult struct {
	Upgrade Upgrade `json:"upgrade"`
	Applied bool    `json:"applied"`
	Price   int64   `json:"price,omitempty"`
	Reason  string  `json:"reason,omitempty"`
}

// Buy deducts the price computed before mutation and then applies the effect.
// Either both happen or neither does.
func Buy(u Upgrade, s *player.State) (PurchaseResult, error) {
	if _, err := ParseUpgrade(string(u)); err != nil {
		return PurchaseResult{}, err
	}

	price, ok := Price(u, s)
	if !ok {
		return PurchaseResult{Upgrade: u, Reason: ReasonComingSoon}, nil
	}
	if s.Score < price {
		return PurchaseResult{Upgrade: u, Price: price, Reason: ReasonInsufficientFunds}, nil
	}

	s.Score -= price
	Apply(u, s)
	return PurchaseResult{Upgrade: u, Applied: true, Price: price}, nil
}

// ShopItem is one button of the bottom panel.
type ShopItem struct {
	Upgrade    Upgrade `json:"upgrade"`
	Label      string  `json:"label"`
	Price      *int64  `json:"price"` // nil for the placeholder slot
	Affordable bool    `json:"affordable"`
}

// Shop builds the panel view for the current state.
func Shop(s *player.State) []ShopItem {
	items := make([]ShopItem, 0, len(ShopOrder))
	for _, u := range ShopOrder {
		item := ShopItem{Upgrade: u, Label: label(u, s)}
		if price, ok := Price(u, s); ok {
			p := price
			item.Price = &p
			item.Affordable = s.Score >= price
		}
		items = append(items, item)
	}
	return items
}

func label(u Upgrade, s *player.State) string {
	switch u {
	case UpgradeMultitap:
		return "x" + strconv.FormatInt(s.TapPower, 10)
	case UpgradeAutoMining:
		return strconv.FormatInt(s.AutoMining, 10)
	case UpgradeEnergy:
		return strconv.FormatInt(s.MaxEnergy, 10)
	}
	return "soon"
}
