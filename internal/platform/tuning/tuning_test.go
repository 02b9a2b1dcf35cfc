package tuning

import (
	"testing"

	"github.com/berdcoin/tapcoin/internal/platform/metrics"
)

func TestByName(t *testing.T) {
	for _, name := range []string{"", "default", "low"} {
		p, err := ByName(name)
		if err != nil {
			t.Fatalf("ByName(%q): %v", name, err)
		}
		if p.CommandBuffer <= 0 || p.ClientSendBuffer <= 0 || p.MaxSessions <= 0 {
			t.Errorf("profile %q has empty sizes: %+v", name, p)
		}
	}
	if _, err := ByName("turbo"); err == nil {
		t.Error("expected error for unknown profile")
	}
}

func TestAnalyzeDroppedMessages(t *testing.T) {
	c := metrics.NewCollector()
	c.RecordWSDropped()

	rec := Analyze(c.Snapshot())
	if !rec.IncreaseClientBuffer {
		t.Fatalf("expected client buffer recommendation, got %+v", rec)
	}

	p := Default()
	before := p.ClientSendBuffer
	Apply(p, rec)
	if p.ClientSendBuffer != before*2 {
		t.Errorf("ClientSendBuffer = %d, want %d", p.ClientSendBuffer, before*2)
	}
}

func TestAnalyzeQuiet(t *testing.T) {
	rec := Analyze(metrics.NewCollector().Snapshot())
	if rec.IncreaseClientBuffer || rec.IncreaseCommandBuffer || rec.IncreasePGConns {
		t.Errorf("quiet collector produced recommendations: %+v", rec)
	}
}
