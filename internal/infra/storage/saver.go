package storage

import (
	"context"
	"sync"
	"time"

	"github.com/berdcoin/tapcoin/internal/domain/player"
	"github.com/berdcoin/tapcoin/internal/platform/logger"
	"github.com/berdcoin/tapcoin/internal/platform/metrics"
)

type pendingSave struct {
	state player.State
	seq   uint64
}

// Saver writes player saves in the background.
// Save never blocks; the latest snapshot per player wins and older pending ones are dropped.
// Write failures are logged and counted, never retried.
type Saver struct {
	kv           KV
	writeTimeout time.Duration
	metrics      *metrics.Collector
	logger       *logger.Logger

	mu       sync.Mutex
	pending  map[string]pendingSave
	seq      uint64
	signal   chan struct{}
	flushing int             // batches taken but not yet written
	closed   map[string]bool // players whose final save landed during a flush

	// writeMu is taken before mu.
	writeMu sync.Mutex
	written map[string]uint64 // newest seq written per player
}

// SaverOptions configures a Saver.
type SaverOptions struct {
	WriteTimeout time.Duration
	Metrics      *metrics.Collector
	Logger       *logger.Logger
}

// NewSaver creates a saver over kv. Call Run to start writing.
func NewSaver(kv KV, opts SaverOptions) *Saver {
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Get()
	}
	if opts.Logger == nil {
		opts.Logger = logger.Discard()
	}
	return &Saver{
		kv:           kv,
		writeTimeout: opts.WriteTimeout,
		metrics:      opts.Metrics,
		logger:       opts.Logger,
		pending:      make(map[string]pendingSave),
		signal:       make(chan struct{}, 1),
		closed:       make(map[string]bool),
		written:      make(map[string]uint64),
	}
}

// Save enqueues a snapshot and returns immediately.
func (s *Saver) Save(playerID string, st player.State) {
	s.mu.Lock()
	s.seq++
	if _, ok := s.pending[playerID]; ok {
		s.metrics.RecordSaveCoalesced()
	}
	s.pending[playerID] = pendingSave{state: st, seq: s.seq}
	s.mu.Unlock()

	select {
	case s.signal <- struct{}{}:
	default:
	}
}

// SaveNow writes synchronously and supersedes any pending snapshot for the player.
// It is the player's final save: once nothing older can still land, the saver
// forgets the player.
func (s *Saver) SaveNow(ctx context.Context, playerID string, st player.State) error {
	s.mu.Lock()
	s.seq++
	ps := pendingSave{state: st, seq: s.seq}
	delete(s.pending, playerID)
	s.mu.Unlock()

	if err := s.write(ctx, playerID, ps); err != nil {
		return err
	}
	s.writeMu.Lock()
	s.mu.Lock()
	s.closed[playerID] = true
	s.pruneLocked()
	s.mu.Unlock()
	s.writeMu.Unlock()
	return nil
}

// pruneLocked drops the write marks of closed players once no batch in flight
// could still carry an older snapshot of theirs. Callers hold writeMu and mu.
func (s *Saver) pruneLocked() {
	if s.flushing > 0 {
		return
	}
	for id := range s.closed {
		if _, ok := s.pending[id]; !ok {
			delete(s.written, id)
		}
		delete(s.closed, id)
	}
}

// Run writes pending saves until ctx is cancelled, then flushes what is left.
func (s *Saver) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			s.Flush(context.Background())
			return nil
		case <-s.signal:
			s.Flush(ctx)
		}
	}
}

// Flush writes every pending snapshot now.
func (s *Saver) Flush(ctx context.Context) {
	batch := s.takeBatch()
	if batch == nil {
		return
	}
	defer s.endBatch()

	for id, ps := range batch {
		// errors are already logged and counted
		_ = s.write(ctx, id, ps)
	}
}

func (s *Saver) takeBatch() map[string]pendingSave {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return nil
	}
	batch := s.pending
	s.pending = make(map[string]pendingSave)
	s.flushing++
	return batch
}

func (s *Saver) endBatch() {
	s.writeMu.Lock()
	s.mu.Lock()
	s.flushing--
	s.pruneLocked()
	s.mu.Unlock()
	s.writeMu.Unlock()
}

// Pending returns the number of snapshots waiting to be written.
func (s *Saver) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Tracked returns how many players the saver still keeps write marks for.
func (s *Saver) Tracked() int {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return len(s.written)
}

// write stores one snapshot unless a newer one for the same player already landed.
func (s *Saver) write(ctx context.Context, playerID string, ps pendingSave) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if ps.seq <= s.written[playerID] {
		return nil
	}

	b, err := EncodeState(ps.state)
	if err != nil {
		s.metrics.RecordSave(0, err)
		s.logger.Errorf("save %s: %v", playerID, err)
		return err
	}

	wctx, cancel := context.WithTimeout(ctx, s.writeTimeout)
	defer cancel()

	start := time.Now()
	err = s.kv.Set(wctx, SaveKey(playerID), b)
	s.metrics.RecordSave(time.Since(start), err)
	if err != nil {
		s.logger.Errorf("save %s: %v", playerID, err)
		return err
	}
	s.written[playerID] = ps.seq
	return nil
}
