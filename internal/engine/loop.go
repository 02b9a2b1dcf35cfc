package engine

import (
	"context"
	"errors"
	"time"

	"github.com/berdcoin/tapcoin/internal/domain/rules"
	"github.com/berdcoin/tapcoin/internal/platform/logger"
	"github.com/berdcoin/tapcoin/internal/platform/metrics"
)

// Default timer periods.
const (
	DefaultRegenPeriod  = 500 * time.Millisecond
	DefaultMiningPeriod = 1 * time.Second
	DefaultSaveTimeout  = 3 * time.Second
)

// ErrStopped is returned by commands sent to a loop that has exited.
var ErrStopped = errors.New("engine loop stopped")

// LoopConfig tunes a Loop.
type LoopConfig struct {
	RegenPeriod   time.Duration
	MiningPeriod  time.Duration
	SaveTimeout   time.Duration // bound on the teardown save
	CommandBuffer int
}

type command struct {
	fn      func(*Economy)
	periods *LoopConfig // non-nil resets the tickers
	done    chan struct{}
}

// Loop is the heartbeat of one player session.
// It is the only goroutine that touches the Economy, so handlers never interleave.
type Loop struct {
	econ    *Economy
	cfg     LoopConfig
	cmds    chan command
	stopped chan struct{}
	logger  *logger.Logger
	metrics *metrics.Collector
	err     error
}

// NewLoop creates a loop around econ. Call Run in a goroutine.
func NewLoop(econ *Economy, cfg LoopConfig) *Loop {
	if cfg.RegenPeriod <= 0 {
		cfg.RegenPeriod = DefaultRegenPeriod
	}
	if cfg.MiningPeriod <= 0 {
		cfg.MiningPeriod = DefaultMiningPeriod
	}
	if cfg.SaveTimeout <= 0 {
		cfg.SaveTimeout = DefaultSaveTimeout
	}
	if cfg.CommandBuffer <= 0 {
		cfg.CommandBuffer = 16
	}
	return &Loop{
		econ:    econ,
		cfg:     cfg,
		cmds:    make(chan command, cfg.CommandBuffer),
		stopped: make(chan struct{}),
		logger:  econ.logger,
		metrics: econ.metrics,
	}
}

// Run opens the session, then dispatches timers and commands until ctx is cancelled.
// On exit the exit time is stamped and a final save is written.
func (l *Loop) Run(ctx context.Context) error {
	defer close(l.stopped)

	l.step(func(e *Economy) { e.Open() })

	regen := time.NewTicker(l.cfg.RegenPeriod)
	mining := time.NewTicker(l.cfg.MiningPeriod)
	defer func() {
		regen.Stop()
		mining.Stop()
	}()

	for {
		select {
		case <-ctx.Done():
			l.err = l.teardown()
			return l.err
		case <-regen.C:
			l.step(func(e *Economy) { e.RegenTick() })
		case <-mining.C:
			l.step(func(e *Economy) { e.AutoMineTick() })
		case cmd := <-l.cmds:
			if cmd.periods != nil {
				regen.Reset(cmd.periods.RegenPeriod)
				mining.Reset(cmd.periods.MiningPeriod)
				l.cfg.RegenPeriod = cmd.periods.RegenPeriod
				l.cfg.MiningPeriod = cmd.periods.MiningPeriod
			}
			if cmd.fn != nil {
				l.step(cmd.fn)
			}
			close(cmd.done)
		}
	}
}

// Done is closed once Run has returned and the final save was attempted.
func (l *Loop) Done() <-chan struct{} {
	return l.stopped
}

// Err returns the teardown error after Done is closed.
func (l *Loop) Err() error {
	<-l.stopped
	return l.err
}

func (l *Loop) teardown() error {
	ctx, cancel := context.WithTimeout(context.Background(), l.cfg.SaveTimeout)
	defer cancel()

	if err := l.econ.Teardown(ctx); err != nil {
		l.logger.Error(err.Error())
		return err
	}
	return nil
}

func (l *Loop) step(fn func(*Economy)) {
	start := time.Now()
	fn(l.econ)
	l.metrics.RecordStep(time.Since(start))
}

// Do runs fn on the loop goroutine and waits for it to finish.
// ctx only bounds queueing; once accepted, fn runs and Do reports its outcome.
func (l *Loop) Do(ctx context.Context, fn func(*Economy)) error {
	return l.send(ctx, command{fn: fn, done: make(chan struct{})})
}

func (l *Loop) send(ctx context.Context, cmd command) error {
	select {
	case l.cmds <- cmd:
	case <-l.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-cmd.done:
		return nil
	case <-l.stopped:
		// the command may have completed just before the loop exited
		select {
		case <-cmd.done:
			return nil
		default:
			return ErrStopped
		}
	}
}

// Tap applies a tap.
func (l *Loop) Tap(ctx context.Context) (TapResult, error) {
	var res TapResult
	err := l.Do(ctx, func(e *Economy) { res = e.Tap() })
	return res, err
}

// Purchase attempts to buy an upgrade.
func (l *Loop) Purchase(ctx context.Context, u rules.Upgrade) (PurchaseOutcome, error) {
	var (
		res    PurchaseOutcome
		buyErr error
	)
	if err := l.Do(ctx, func(e *Economy) { res, buyErr = e.Purchase(u) }); err != nil {
		return PurchaseOutcome{}, err
	}
	return res, buyErr
}

// View returns the client view.
func (l *Loop) View(ctx context.Context) (StateView, error) {
	var v StateView
	err := l.Do(ctx, func(e *Economy) { v = e.View() })
	return v, err
}

// SetRules pushes a new tier table and offline cap into the economy.
func (l *Loop) SetRules(ctx context.Context, tiers rules.TierTable, offlineCap time.Duration) error {
	return l.Do(ctx, func(e *Economy) { e.SetRules(tiers, offlineCap) })
}

// SetPeriods changes the timer periods of a running loop.
func (l *Loop) SetPeriods(ctx context.Context, regen, mining time.Duration) error {
	if regen <= 0 || mining <= 0 {
		return errors.New("timer periods must be positive")
	}
	return l.send(ctx, command{
		periods: &LoopConfig{RegenPeriod: regen, MiningPeriod: mining},
		done:    make(chan struct{}),
	})
}
