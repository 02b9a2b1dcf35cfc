package metrics

import (
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestCollectorCounters(t *testing.T) {
	c := NewCollector()
	c.RecordTap(true)
	c.RecordTap(true)
	c.RecordTap(false)
	c.RecordPurchase(true)
	c.RecordSave(3*time.Millisecond, nil)
	c.RecordSave(9*time.Millisecond, errors.New("disk full"))
	c.RecordOfflineIncome(500)

	snap := c.Snapshot()
	econ := snap["economy"].(map[string]interface{})
	if econ["taps"].(int64) != 2 || econ["taps_rejected"].(int64) != 1 {
		t.Errorf("tap counters = %v", econ)
	}
	if econ["offline_income"].(int64) != 500 {
		t.Errorf("offline income = %v", econ["offline_income"])
	}

	saves := snap["saves"].(map[string]interface{})
	if saves["written"].(int64) != 2 || saves["errors"].(int64) != 1 {
		t.Errorf("save counters = %v", saves)
	}
	if saves["max_write_lat_ms"].(float64) != 9 {
		t.Errorf("max save latency = %v, want 9", saves["max_write_lat_ms"])
	}
}

func TestPrometheusHandler(t *testing.T) {
	c := NewCollector()
	c.RecordTap(true)
	c.RecordWSConnection(1)

	rr := httptest.NewRecorder()
	c.PrometheusHandler()(rr, httptest.NewRequest("GET", "/metrics/prometheus", nil))

	body := rr.Body.String()
	for _, want := range []string{
		`tapcoin_taps_total{result="applied"} 1`,
		"tapcoin_ws_connections 1",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("prometheus output missing %q", want)
		}
	}
}
