// Package engine owns a player's state and applies the economy rules to it.
//
// ARCHITECTURAL RULE: only the Loop goroutine calls Economy methods.
// Every change is announced on the EventLog after it happens, then a save is requested.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/berdcoin/tapcoin/internal/domain/player"
	"github.com/berdcoin/tapcoin/internal/domain/rules"
	"github.com/berdcoin/tapcoin/internal/events"
	"github.com/berdcoin/tapcoin/internal/platform/capability"
	"github.com/berdcoin/tapcoin/internal/platform/logger"
	"github.com/berdcoin/tapcoin/internal/platform/metrics"
)

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// Saver persists snapshots of a player's state.
type Saver interface {
	// Save enqueues a snapshot and returns immediately. Failures are not reported.
	Save(playerID string, s player.State)
	// SaveNow writes synchronously; used on teardown.
	SaveNow(ctx context.Context, playerID string, s player.State) error
}

// Payloads attached to change notifications.
type (
	TapPayload struct {
		TapPower int64 `json:"tap_power"`
		Pulse    bool  `json:"pulse"` // client plays the press animation
	}

	ScoreChangedPayload struct {
		Score int64  `json:"score"`
		Delta int64  `json:"delta"`
		Cause string `json:"cause"` // "tap", "mining", "offline", "purchase"
	}

	EnergyChangedPayload struct {
		Energy    int64  `json:"energy"`
		MaxEnergy int64  `json:"max_energy"`
		Cause     string `json:"cause"` // "tap", "regen", "purchase"
	}

	TierChangedPayload struct {
		From rules.Tier `json:"from"`
		To   rules.Tier `json:"to"`
	}

	AutoMinePayload struct {
		Amount int64 `json:"amount"`
	}

	SessionPayload struct {
		Score int64 `json:"score"`
	}
)

// Change causes.
const (
	CauseTap      = "tap"
	CauseRegen    = "regen"
	CauseMining   = "mining"
	CauseOffline  = "offline"
	CausePurchase = "purchase"
)

// TapResult is the outcome of a tap.
type TapResult struct {
	Applied bool         `json:"applied"`
	State   player.State `json:"state"`
}

// PurchaseOutcome is the outcome of a buy attempt plus the resulting state.
type PurchaseOutcome struct {
	rules.PurchaseResult
	State player.State `json:"state"`
}

// StateView is what the client renders: counters, coin tier and the shop panel.
type StateView struct {
	Score      int64            `json:"score"`
	TapPower   int64            `json:"tap_power"`
	AutoMining int64            `json:"auto_mining"`
	Energy     int64            `json:"energy"`
	MaxEnergy  int64            `json:"max_energy"`
	Tier       int              `json:"tier"`
	TierAsset  string           `json:"tier_asset"`
	Shop       []rules.ShopItem `json:"shop"`
}

// Options configures an Economy.
type Options struct {
	PlayerID   string
	State      *player.State // loaded save; nil means a fresh player
	Tiers      rules.TierTable
	OfflineCap time.Duration

	Events  *events.EventLog
	Saver   Saver
	Haptics capability.Haptics
	Clock   Clock
	Metrics *metrics.Collector
	Logger  *logger.Logger
}

// Economy applies taps, ticks and purchases to one PlayerState.
// It is not safe for concurrent use; the Loop serializes calls.
type Economy struct {
	playerID   string
	state      *player.State
	tiers      rules.TierTable
	offlineCap time.Duration
	tier       rules.Tier

	events  *events.EventLog
	saver   Saver
	haptics capability.Haptics
	clock   Clock
	metrics *metrics.Collector
	logger  *logger.Logger

	opened bool
}

// NewEconomy creates the controller for one player.
func NewEconomy(opts Options) *Economy {
	s := opts.State
	if s == nil {
		s = player.New()
	}
	s.Normalize()

	tiers := opts.Tiers
	if len(tiers) == 0 {
		tiers = rules.DefaultTiers()
	}
	offlineCap := opts.OfflineCap
	if offlineCap == 0 {
		offlineCap = rules.DefaultOfflineCap
	}

	e := &Economy{
		playerID:   opts.PlayerID,
		state:      s,
		tiers:      tiers,
		offlineCap: offlineCap,
		events:     opts.Events,
		saver:      opts.Saver,
		haptics:    opts.Haptics,
		clock:      opts.Clock,
		metrics:    opts.Metrics,
		logger:     opts.Logger,
	}
	if e.haptics == nil {
		e.haptics = capability.NoopHaptics{}
	}
	if e.clock == nil {
		e.clock = SystemClock{}
	}
	if e.metrics == nil {
		e.metrics = metrics.Get()
	}
	if e.logger == nil {
		e.logger = logger.Discard()
	}
	e.tier = e.tiers.Tier(s.Score)
	return e
}

// PlayerID returns the owner of this economy.
func (e *Economy) PlayerID() string { return e.playerID }

// State returns a copy of the current counters.
func (e *Economy) State() player.State { return e.state.Clone() }

// Open runs the session-start work: offline income, then the SESSION_OPEN notice.
// Only the first call has any effect.
func (e *Economy) Open() rules.OfflineIncome {
	if e.opened {
		return rules.OfflineIncome{}
	}
	e.opened = true

	income := e.ApplyOfflineIncome(e.clock.Now())
	e.emit(events.EventTypeSessionOpen, SessionPayload{Score: e.state.Score})
	return income
}

// ApplyOfflineIncome credits auto-mining for the time since the last exit stamp.
func (e *Economy) ApplyOfflineIncome(now time.Time) rules.OfflineIncome {
	inc := rules.CalculateOfflineIncome(e.state, now.UnixMilli(), e.offlineCap)
	if inc.Income <= 0 {
		return inc
	}

	e.state.Score = rules.SatAdd(e.state.Score, inc.Income)
	e.metrics.RecordOfflineIncome(inc.Income)
	e.logger.Event(string(events.EventTypeOfflineIncome), e.playerID,
		fmt.Sprintf("away %ds, credited %ds, income %d", inc.ElapsedSeconds, inc.CreditedSeconds, inc.Income))

	e.emit(events.EventTypeOfflineIncome, inc)
	e.scoreChanged(inc.Income, CauseOffline)
	e.requestSave()
	return inc
}

// Tap spends one energy for tapPower score. With no energy it does nothing.
func (e *Economy) Tap() TapResult {
	if !e.state.CanTap() {
		e.metrics.RecordTap(false)
		return TapResult{Applied: false, State: e.state.Clone()}
	}

	e.state.Energy--
	e.state.Score = rules.SatAdd(e.state.Score, e.state.TapPower)
	e.metrics.RecordTap(true)

	e.emit(events.EventTypeTap, TapPayload{TapPower: e.state.TapPower, Pulse: true})
	e.scoreChanged(e.state.TapPower, CauseTap)
	e.energyChanged(CauseTap)

	// best effort, the result never matters
	_ = e.haptics.Impact(context.Background(), e.playerID, capability.HapticLight)

	e.requestSave()
	return TapResult{Applied: true, State: e.state.Clone()}
}

// RegenTick restores one energy unless already full.
func (e *Economy) RegenTick() bool {
	if e.state.Energy >= e.state.MaxEnergy {
		return false
	}
	e.state.Energy++
	e.state.ClampEnergy()
	e.metrics.RecordRegenTick()

	e.energyChanged(CauseRegen)
	e.requestSave()
	return true
}

// AutoMineTick credits the auto-mining rate once.
func (e *Economy) AutoMineTick() bool {
	if e.state.AutoMining <= 0 {
		return false
	}
	amount := e.state.AutoMining
	e.state.Score = rules.SatAdd(e.state.Score, amount)
	e.metrics.RecordMiningTick()

	e.emit(events.EventTypeAutoMine, AutoMinePayload{Amount: amount})
	e.scoreChanged(amount, CauseMining)
	e.requestSave()
	return true
}

// Purchase buys an upgrade if the score covers its price.
// Unknown kinds return rules.ErrUnknownUpgrade; a shortfall is not an error.
func (e *Economy) Purchase(u rules.Upgrade) (PurchaseOutcome, error) {
	prevMax := e.state.MaxEnergy
	prevEnergy := e.state.Energy

	res, err := rules.Buy(u, e.state)
	if err != nil {
		return PurchaseOutcome{}, err
	}
	e.metrics.RecordPurchase(res.Applied)

	if !res.Applied {
		if res.Reason == rules.ReasonComingSoon {
			e.emit(events.EventTypeComingSoon, res)
		}
		return PurchaseOutcome{PurchaseResult: res, State: e.state.Clone()}, nil
	}

	e.logger.Event(string(events.EventTypePurchase), e.playerID,
		fmt.Sprintf("%s for %d", u, res.Price))

	e.emit(events.EventTypePurchase, res)
	e.scoreChanged(-res.Price, CausePurchase)
	if e.state.MaxEnergy != prevMax || e.state.Energy != prevEnergy {
		e.energyChanged(CausePurchase)
	}
	e.requestSave()
	return PurchaseOutcome{PurchaseResult: res, State: e.state.Clone()}, nil
}

// View builds the client view of the current state.
func (e *Economy) View() StateView {
	s := e.state
	return StateView{
		Score:      s.Score,
		TapPower:   s.TapPower,
		AutoMining: s.AutoMining,
		Energy:     s.Energy,
		MaxEnergy:  s.MaxEnergy,
		Tier:       e.tier.Level,
		TierAsset:  e.tier.Asset,
		Shop:       rules.Shop(s),
	}
}

// SetRules swaps the tier table and offline cap. A tier move is announced.
func (e *Economy) SetRules(tiers rules.TierTable, offlineCap time.Duration) {
	if len(tiers) > 0 {
		e.tiers = tiers
	}
	if offlineCap > 0 {
		e.offlineCap = offlineCap
	}
	e.refreshTier()
}

// Teardown stamps the exit time, announces the close and saves synchronously.
func (e *Economy) Teardown(ctx context.Context) error {
	e.state.LastExitTime = e.clock.Now().UnixMilli()
	e.emit(events.EventTypeSessionClose, SessionPayload{Score: e.state.Score})
	if e.saver == nil {
		return nil
	}
	if err := e.saver.SaveNow(ctx, e.playerID, e.state.Clone()); err != nil {
		return fmt.Errorf("teardown save %s: %w", e.playerID, err)
	}
	return nil
}

func (e *Economy) scoreChanged(delta int64, cause string) {
	e.emit(events.EventTypeScoreChanged, ScoreChangedPayload{Score: e.state.Score, Delta: delta, Cause: cause})
	e.refreshTier()
}

func (e *Economy) energyChanged(cause string) {
	e.emit(events.EventTypeEnergyChanged, EnergyChangedPayload{
		Energy:    e.state.Energy,
		MaxEnergy: e.state.MaxEnergy,
		Cause:     cause,
	})
}

// refreshTier recomputes the tier from score and announces a change.
func (e *Economy) refreshTier() {
	next := e.tiers.Tier(e.state.Score)
	if next == e.tier {
		return
	}
	prev := e.tier
	e.tier = next
	e.emit(events.EventTypeTierChanged, TierChangedPayload{From: prev, To: next})
}

// requestSave stamps lastExitTime and hands a snapshot to the saver.
func (e *Economy) requestSave() {
	if e.saver == nil {
		return
	}
	e.state.LastExitTime = e.clock.Now().UnixMilli()
	e.saver.Save(e.playerID, e.state.Clone())
}

func (e *Economy) emit(t events.EventType, payload interface{}) {
	if e.events == nil {
		return
	}
	e.events.Append(events.NewEvent(t, e.playerID, payload))
}
