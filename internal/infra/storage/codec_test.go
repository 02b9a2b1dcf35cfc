package storage

import (
	"context"
	"testing"

	"github.com/berdcoin/tapcoin/internal/domain/player"
)

func TestSaveKey(t *testing.T) {
	if got := SaveKey("u-1"); got != "berd_save_v1:u-1" {
		t.Errorf("SaveKey = %q", got)
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	in := player.State{Score: 1234, TapPower: 5, AutoMining: 3, Energy: 40, MaxEnergy: 150, LastExitTime: 1700000000000}
	b, err := EncodeState(in)
	if err != nil {
		t.Fatal(err)
	}
	out, status := DecodeState(b)
	if status != LoadOK {
		t.Fatalf("status = %s", status)
	}
	if *out != in {
		t.Errorf("round trip = %+v, want %+v", *out, in)
	}
}

func TestDecodeState(t *testing.T) {
	tests := []struct {
		name   string
		raw    string
		status LoadStatus
		want   player.State
	}{
		{
			name:   "missing fields default",
			raw:    `{"score": 70, "autoMining": 2}`,
			status: LoadOK,
			want:   player.State{Score: 70, TapPower: 1, AutoMining: 2, Energy: 100, MaxEnergy: 100},
		},
		{
			name:   "unversioned legacy save accepted",
			raw:    `{"score": 5, "tapPower": 3, "energy": 7, "maxEnergy": 100, "lastExitTime": 99}`,
			status: LoadOK,
			want:   player.State{Score: 5, TapPower: 3, Energy: 7, MaxEnergy: 100, LastExitTime: 99},
		},
		{
			name:   "foreign version discarded",
			raw:    `{"version": 2, "score": 500}`,
			status: LoadDiscarded,
			want:   *player.New(),
		},
		{
			name:   "corrupt json",
			raw:    `{"score": `,
			status: LoadCorrupt,
			want:   *player.New(),
		},
		{
			name:   "invalid values normalized",
			raw:    `{"version": 1, "score": -4, "tapPower": 0, "energy": 900, "maxEnergy": 120}`,
			status: LoadOK,
			want:   player.State{Score: 0, TapPower: 1, Energy: 120, MaxEnergy: 120},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, status := DecodeState([]byte(tt.raw))
			if status != tt.status {
				t.Errorf("status = %s, want %s", status, tt.status)
			}
			if *got != tt.want {
				t.Errorf("state = %+v, want %+v", *got, tt.want)
			}
		})
	}
}

func TestLoadState(t *testing.T) {
	ctx := context.Background()
	kv := NewMemoryKV()

	s, status, err := LoadState(ctx, kv, "p1")
	if err != nil || status != LoadFresh || *s != *player.New() {
		t.Fatalf("fresh load = %+v %s %v", s, status, err)
	}

	b, _ := EncodeState(player.State{Score: 9, TapPower: 1, Energy: 1, MaxEnergy: 100})
	kv.Set(ctx, SaveKey("p1"), b)
	s, status, err = LoadState(ctx, kv, "p1")
	if err != nil || status != LoadOK || s.Score != 9 {
		t.Fatalf("load = %+v %s %v", s, status, err)
	}

	if _, _, err := LoadState(ctx, failingKV{}, "p1"); err == nil {
		t.Error("expected store error to surface")
	}
}

func TestNewerSave(t *testing.T) {
	older, _ := EncodeState(player.State{Score: 1, TapPower: 1, MaxEnergy: 100, LastExitTime: 100})
	newer, _ := EncodeState(player.State{Score: 2, TapPower: 1, MaxEnergy: 100, LastExitTime: 200})

	if got := NewerSave(older, newer); string(got) != string(newer) {
		t.Error("expected newer cloud value")
	}
	if got := NewerSave(newer, older); string(got) != string(newer) {
		t.Error("expected newer local value")
	}
	if got := NewerSave([]byte("junk"), older); string(got) != string(older) {
		t.Error("corrupt value should lose")
	}
}
