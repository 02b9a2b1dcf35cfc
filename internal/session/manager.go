// Package session keeps one running game loop per active player.
// Residency is bounded by an LRU; an evicted player's loop stops and writes its final save.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/berdcoin/tapcoin/internal/domain/rules"
	"github.com/berdcoin/tapcoin/internal/engine"
	"github.com/berdcoin/tapcoin/internal/events"
	"github.com/berdcoin/tapcoin/internal/infra/storage"
	"github.com/berdcoin/tapcoin/internal/platform/capability"
	"github.com/berdcoin/tapcoin/internal/platform/logger"
	"github.com/berdcoin/tapcoin/internal/platform/metrics"
)

// ErrClosed is returned once the manager has shut down.
var ErrClosed = errors.New("session manager closed")

// Rules is the live-tunable part of the economy.
type Rules struct {
	Tiers        rules.TierTable
	OfflineCap   time.Duration
	RegenPeriod  time.Duration
	MiningPeriod time.Duration
}

// DefaultIdleTimeout is how long an unheld session stays resident after its last use.
const DefaultIdleTimeout = 30 * time.Second

// Config configures a Manager.
type Config struct {
	Rules         Rules
	MaxSessions   int
	SaveTimeout   time.Duration
	CommandBuffer int
	// IdleTimeout releases sessions nobody holds once unused this long.
	IdleTimeout   time.Duration
	SweepInterval time.Duration // defaults to half of IdleTimeout
}

// Session is a resident player.
type Session struct {
	PlayerID string
	Loop     *engine.Loop
	Status   storage.LoadStatus // how the save was resolved at open
	cancel   context.CancelFunc
	lastUsed atomic.Int64 // unix nanos
}

func (s *Session) touch() {
	s.lastUsed.Store(time.Now().UnixNano())
}

func (s *Session) idleFor(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, s.lastUsed.Load()))
}

// Manager opens, caches and tears down player sessions.
type Manager struct {
	store   storage.KV
	saver   engine.Saver
	events  *events.EventLog
	haptics capability.Haptics
	clock   engine.Clock
	logger  *logger.Logger
	metrics *metrics.Collector

	mu       sync.Mutex
	cfg      Config
	closed   bool
	stopping map[string]*Session // evicted, final save not yet written

	// refMu is taken before the cache lock; the evict callback takes mu after it.
	refMu sync.Mutex
	holds map[string]int

	cache *lru.Cache[string, *Session]
	group singleflight.Group
	wg    sync.WaitGroup
}

// Deps are the collaborators shared by every session.
type Deps struct {
	Store   storage.KV
	Saver   engine.Saver
	Events  *events.EventLog
	Haptics capability.Haptics
	Clock   engine.Clock
	Logger  *logger.Logger
	Metrics *metrics.Collector
}

// NewManager creates a manager. MaxSessions must be positive.
func NewManager(cfg Config, deps Deps) (*Manager, error) {
	if cfg.MaxSessions <= 0 {
		return nil, fmt.Errorf("max sessions must be positive, got %d", cfg.MaxSessions)
	}
	if deps.Logger == nil {
		deps.Logger = logger.Discard()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.Get()
	}
	if deps.Clock == nil {
		deps.Clock = engine.SystemClock{}
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = cfg.IdleTimeout / 2
		if cfg.SweepInterval <= 0 {
			cfg.SweepInterval = cfg.IdleTimeout
		}
	}

	m := &Manager{
		store:    deps.Store,
		saver:    deps.Saver,
		events:   deps.Events,
		haptics:  deps.Haptics,
		clock:    deps.Clock,
		logger:   deps.Logger,
		metrics:  deps.Metrics,
		cfg:      cfg,
		stopping: make(map[string]*Session),
		holds:    make(map[string]int),
	}
	cache, err := lru.NewWithEvict[string, *Session](cfg.MaxSessions, func(id string, s *Session) {
		// cancel only signals the loop; open waits for its final save
		m.mu.Lock()
		m.stopping[id] = s
		m.mu.Unlock()
		s.cancel()
	})
	if err != nil {
		return nil, err
	}
	m.cache = cache
	return m, nil
}

// Get returns the resident session of a player, opening it if needed.
// Concurrent opens of the same player share one load.
func (m *Manager) Get(ctx context.Context, playerID string) (*Session, error) {
	if s, ok := m.cache.Get(playerID); ok {
		s.touch()
		return s, nil
	}

	v, err, _ := m.group.Do(playerID, func() (interface{}, error) {
		if s, ok := m.cache.Get(playerID); ok {
			return s, nil
		}
		return m.open(ctx, playerID)
	})
	if err != nil {
		return nil, err
	}
	s := v.(*Session)
	s.touch()
	return s, nil
}

func (m *Manager) open(ctx context.Context, playerID string) (*Session, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	cfg := m.cfg
	prev := m.stopping[playerID]
	m.mu.Unlock()

	// a previous loop of this player must finish its final save before we read it back
	if prev != nil {
		select {
		case <-prev.Loop.Done():
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	state, status, err := storage.LoadState(ctx, m.store, playerID)
	if err != nil {
		return nil, err
	}
	switch status {
	case storage.LoadDiscarded:
		m.logger.Warn("Save of " + playerID + " has an unknown schema version, starting fresh")
	case storage.LoadCorrupt:
		m.logger.Warn("Save of " + playerID + " is unreadable, starting fresh")
	}

	econ := engine.NewEconomy(engine.Options{
		PlayerID:   playerID,
		State:      state,
		Tiers:      cfg.Rules.Tiers,
		OfflineCap: cfg.Rules.OfflineCap,
		Events:     m.events,
		Saver:      m.saver,
		Haptics:    m.haptics,
		Clock:      m.clock,
		Metrics:    m.metrics,
		Logger:     m.logger,
	})
	loop := engine.NewLoop(econ, engine.LoopConfig{
		RegenPeriod:   cfg.Rules.RegenPeriod,
		MiningPeriod:  cfg.Rules.MiningPeriod,
		SaveTimeout:   cfg.SaveTimeout,
		CommandBuffer: cfg.CommandBuffer,
	})

	loopCtx, cancel := context.WithCancel(context.Background())
	s := &Session{PlayerID: playerID, Loop: loop, Status: status, cancel: cancel}
	s.touch()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		cancel()
		return nil, ErrClosed
	}
	m.wg.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.wg.Done()
		loop.Run(loopCtx)
		m.mu.Lock()
		if m.stopping[playerID] == s {
			delete(m.stopping, playerID)
		}
		m.mu.Unlock()
		m.metrics.RecordSession(-1)
		m.logger.Info("Session closed: " + playerID)
	}()
	m.metrics.RecordSession(1)
	m.logger.Info(fmt.Sprintf("Session opened: %s (save %s)", playerID, status))

	if evicted := m.cache.Add(playerID, s); evicted {
		m.metrics.RecordEviction()
	}
	return s, nil
}

// Do runs fn against the player's loop, reopening once if the loop stopped underneath.
func (m *Manager) Do(ctx context.Context, playerID string, fn func(*engine.Loop) error) error {
	for attempt := 0; ; attempt++ {
		s, err := m.Get(ctx, playerID)
		if err != nil {
			return err
		}
		err = fn(s.Loop)
		if errors.Is(err, engine.ErrStopped) && attempt == 0 {
			// evicted between Get and fn; the reopen waits for the final save
			continue
		}
		return err
	}
}

// Release ends a player's session. The final save completes before it returns.
func (m *Manager) Release(ctx context.Context, playerID string) error {
	s, ok := m.cache.Peek(playerID)
	if !ok {
		return nil
	}
	m.cache.Remove(playerID)
	select {
	case <-s.Loop.Done():
		return s.Loop.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Hold opens the player's session and keeps it resident until release is called,
// however long it sits idle. Connected clients hold their player.
func (m *Manager) Hold(ctx context.Context, playerID string) (release func(), err error) {
	m.refMu.Lock()
	m.holds[playerID]++
	m.refMu.Unlock()

	if _, err := m.Get(ctx, playerID); err != nil {
		m.unhold(playerID)
		return nil, err
	}
	var once sync.Once
	return func() { once.Do(func() { m.unhold(playerID) }) }, nil
}

func (m *Manager) unhold(playerID string) {
	m.refMu.Lock()
	defer m.refMu.Unlock()
	if m.holds[playerID]--; m.holds[playerID] <= 0 {
		delete(m.holds, playerID)
	}
	// the idle countdown starts when the last holder leaves
	if s, ok := m.cache.Peek(playerID); ok {
		s.touch()
	}
}

// Held reports how many holders a player has.
func (m *Manager) Held(playerID string) int {
	m.refMu.Lock()
	defer m.refMu.Unlock()
	return m.holds[playerID]
}

// Run releases idle, unheld sessions until ctx ends.
// Released players get offline income for the gap when they come back.
func (m *Manager) Run(ctx context.Context) error {
	m.mu.Lock()
	interval := m.cfg.SweepInterval
	m.mu.Unlock()

	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if n := m.sweep(time.Now()); n > 0 {
				m.logger.Infof("Released %d idle sessions", n)
			}
		}
	}
}

// sweep removes every unheld session idle for at least IdleTimeout.
// Removal triggers the evict callback, which stops the loop and writes the final save.
func (m *Manager) sweep(now time.Time) int {
	m.mu.Lock()
	idle := m.cfg.IdleTimeout
	m.mu.Unlock()

	released := 0
	for _, id := range m.cache.Keys() {
		s, ok := m.cache.Peek(id)
		if !ok || s.idleFor(now) < idle {
			continue
		}
		m.refMu.Lock()
		if m.holds[id] == 0 {
			if cur, ok := m.cache.Peek(id); ok && cur == s && s.idleFor(now) >= idle {
				m.cache.Remove(id)
				released++
			}
		}
		m.refMu.Unlock()
	}
	return released
}

// Len returns the number of resident sessions.
func (m *Manager) Len() int {
	return m.cache.Len()
}

// UpdateRules applies new rules to future sessions and pushes them into running loops.
func (m *Manager) UpdateRules(ctx context.Context, r Rules) {
	m.mu.Lock()
	m.cfg.Rules = r
	m.mu.Unlock()

	for _, s := range m.cache.Values() {
		if err := s.Loop.SetRules(ctx, r.Tiers, r.OfflineCap); err != nil && !errors.Is(err, engine.ErrStopped) {
			m.logger.Warnf("rules update for %s: %v", s.PlayerID, err)
		}
		if err := s.Loop.SetPeriods(ctx, r.RegenPeriod, r.MiningPeriod); err != nil && !errors.Is(err, engine.ErrStopped) {
			m.logger.Warnf("period update for %s: %v", s.PlayerID, err)
		}
	}
}

// Close stops every session and waits for their final saves.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	m.cache.Purge()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for sessions: %w", ctx.Err())
	}
}

// Tap taps once for the player.
func (m *Manager) Tap(ctx context.Context, playerID string) (engine.TapResult, error) {
	var res engine.TapResult
	err := m.Do(ctx, playerID, func(l *engine.Loop) error {
		var err error
		res, err = l.Tap(ctx)
		return err
	})
	return res, err
}

// Purchase buys an upgrade for the player.
func (m *Manager) Purchase(ctx context.Context, playerID string, u rules.Upgrade) (engine.PurchaseOutcome, error) {
	var out engine.PurchaseOutcome
	err := m.Do(ctx, playerID, func(l *engine.Loop) error {
		var err error
		out, err = l.Purchase(ctx, u)
		return err
	})
	return out, err
}

// View returns the player's client view.
func (m *Manager) View(ctx context.Context, playerID string) (engine.StateView, error) {
	var v engine.StateView
	err := m.Do(ctx, playerID, func(l *engine.Loop) error {
		var err error
		v, err = l.View(ctx)
		return err
	})
	return v, err
}
