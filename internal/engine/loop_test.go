package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/berdcoin/tapcoin/internal/domain/player"
	"github.com/berdcoin/tapcoin/internal/domain/rules"
	"github.com/berdcoin/tapcoin/internal/platform/metrics"
)

func startLoop(t *testing.T, s *player.State, cfg LoopConfig) (*Loop, *memSaver, context.CancelFunc) {
	t.Helper()
	saver := &memSaver{}
	econ := NewEconomy(Options{PlayerID: "p1", State: s, Saver: saver, Metrics: metrics.NewCollector()})
	loop := NewLoop(econ, cfg)
	ctx, cancel := context.WithCancel(context.Background())
	go loop.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-loop.Done()
	})
	return loop, saver, cancel
}

func TestLoopCommandsAreSerialized(t *testing.T) {
	loop, _, _ := startLoop(t, nil, LoopConfig{RegenPeriod: time.Hour, MiningPeriod: time.Hour})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				if _, err := loop.Tap(ctx); err != nil {
					t.Error(err)
				}
			}
		}()
	}
	wg.Wait()

	v, err := loop.View(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if v.Score != 80 || v.Energy != 20 {
		t.Fatalf("view after 80 taps = %+v", v)
	}
}

func TestLoopPurchase(t *testing.T) {
	loop, _, _ := startLoop(t, &player.State{Score: 100, TapPower: 1, Energy: 10, MaxEnergy: 100},
		LoopConfig{RegenPeriod: time.Hour, MiningPeriod: time.Hour})

	out, err := loop.Purchase(context.Background(), rules.UpgradeMultitap)
	if err != nil {
		t.Fatal(err)
	}
	if !out.Applied || out.State.TapPower != 3 || out.State.Score != 0 {
		t.Fatalf("outcome = %+v", out)
	}
	if _, err := loop.Purchase(context.Background(), "laser"); !errors.Is(err, rules.ErrUnknownUpgrade) {
		t.Errorf("err = %v", err)
	}
}

func TestLoopTimers(t *testing.T) {
	loop, _, _ := startLoop(t, &player.State{TapPower: 1, AutoMining: 2, Energy: 0, MaxEnergy: 100},
		LoopConfig{RegenPeriod: 5 * time.Millisecond, MiningPeriod: 5 * time.Millisecond})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		v, err := loop.View(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if v.Energy >= 3 && v.Score >= 6 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("timers did not advance energy and score")
}

func TestLoopSetPeriods(t *testing.T) {
	loop, _, _ := startLoop(t, &player.State{TapPower: 1, Energy: 0, MaxEnergy: 100},
		LoopConfig{RegenPeriod: time.Hour, MiningPeriod: time.Hour})
	ctx := context.Background()

	if err := loop.SetPeriods(ctx, 0, time.Second); err == nil {
		t.Error("expected error for zero period")
	}
	if err := loop.SetPeriods(ctx, 5*time.Millisecond, time.Hour); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		v, _ := loop.View(ctx)
		if v.Energy > 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("new regen period not applied")
}

func TestLoopQueuedCommandReportsOutcomeAfterDeadline(t *testing.T) {
	loop, _, _ := startLoop(t, nil, LoopConfig{RegenPeriod: time.Hour, MiningPeriod: time.Hour})

	block := make(chan struct{})
	busy := make(chan struct{})
	go loop.Do(context.Background(), func(*Economy) {
		close(busy)
		<-block
	})
	<-busy

	type tapReply struct {
		res TapResult
		err error
	}
	replies := make(chan tapReply, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		res, err := loop.Tap(ctx)
		replies <- tapReply{res, err}
	}()

	time.Sleep(60 * time.Millisecond)
	close(block)

	r := <-replies
	if r.err != nil {
		t.Fatalf("queued tap err = %v", r.err)
	}
	if !r.res.Applied || r.res.State.Score != 1 {
		t.Fatalf("queued tap result = %+v", r.res)
	}
	v, err := loop.View(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if v.Score != 1 {
		t.Errorf("score = %d, want 1", v.Score)
	}
}

func TestLoopStopSavesAndRejects(t *testing.T) {
	loop, saver, cancel := startLoop(t, nil, LoopConfig{RegenPeriod: time.Hour, MiningPeriod: time.Hour})
	if _, err := loop.Tap(context.Background()); err != nil {
		t.Fatal(err)
	}

	cancel()
	<-loop.Done()

	if err := loop.Err(); err != nil {
		t.Fatalf("teardown err = %v", err)
	}
	if saver.final == nil || saver.final.Score != 1 || saver.final.LastExitTime == 0 {
		t.Fatalf("final save = %+v", saver.final)
	}
	if _, err := loop.Tap(context.Background()); !errors.Is(err, ErrStopped) {
		t.Errorf("tap after stop err = %v", err)
	}
}
