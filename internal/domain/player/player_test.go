package player

import "testing"

func TestNewDefaults(t *testing.T) {
	s := New()
	if s.Score != 0 || s.TapPower != 1 || s.AutoMining != 0 || s.Energy != 100 || s.MaxEnergy != 100 {
		t.Fatalf("unexpected defaults: %+v", *s)
	}
	if s.HasExitTime() {
		t.Errorf("fresh state must not carry an exit time")
	}
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		name string
		in   State
		want State
	}{
		{
			name: "valid state untouched",
			in:   State{Score: 10, TapPower: 3, AutoMining: 2, Energy: 40, MaxEnergy: 150, LastExitTime: 5},
			want: State{Score: 10, TapPower: 3, AutoMining: 2, Energy: 40, MaxEnergy: 150, LastExitTime: 5},
		},
		{
			name: "energy above max clamped",
			in:   State{TapPower: 1, Energy: 500, MaxEnergy: 100},
			want: State{TapPower: 1, Energy: 100, MaxEnergy: 100},
		},
		{
			name: "negatives repaired",
			in:   State{Score: -5, TapPower: 0, AutoMining: -1, Energy: -3, MaxEnergy: 0, LastExitTime: -9},
			want: State{Score: 0, TapPower: 1, AutoMining: 0, Energy: 0, MaxEnergy: 100, LastExitTime: 0},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.in
			got.Normalize()
			if got != tt.want {
				t.Errorf("Normalize() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestCloneIsIndependent(t *testing.T) {
	s := New()
	c := s.Clone()
	c.Score = 42
	if s.Score != 0 {
		t.Errorf("clone mutation leaked into original")
	}
}
