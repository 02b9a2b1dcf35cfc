// Package metrics provides observability for the tap server.
package metrics

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// Collector gathers economy and transport metrics.
type Collector struct {
	// Economy metrics
	Taps          int64
	TapsRejected  int64 // tap with zero energy
	Purchases     int64
	PurchasesDeny int64 // insufficient funds or coming soon
	RegenTicks    int64
	MiningTicks   int64
	OfflineIncome int64 // total score credited at load

	// Loop metrics
	StepCount      int64
	StepLatencySum int64 // nanoseconds
	StepLatencyMax int64
	LastStepTime   time.Time

	// Persistence metrics
	SavesWritten   int64
	SaveLatSum     int64
	SaveLatMax     int64
	SaveErrors     int64
	SavesCoalesced int64
	CloudFallbacks int64
	LedgerErrors   int64

	// WebSocket metrics
	WSConnectionsActive int64
	WSMessagesIn        int64
	WSMessagesOut       int64
	WSMessagesDropped   int64
	WSErrors            int64

	// Sessions
	SessionsActive  int64
	SessionsEvicted int64

	// System
	StartTime time.Time
	mu        sync.RWMutex
}

// Global collector instance
var collector = NewCollector()

// Get returns the global collector.
func Get() *Collector {
	return collector
}

// NewCollector returns an empty collector. Tests use their own.
func NewCollector() *Collector {
	return &Collector{StartTime: time.Now()}
}

func storeMax(addr *int64, v int64) {
	for {
		cur := atomic.LoadInt64(addr)
		if v <= cur || atomic.CompareAndSwapInt64(addr, cur, v) {
			return
		}
	}
}

// RecordTap records a tap attempt.
func (c *Collector) RecordTap(applied bool) {
	if applied {
		atomic.AddInt64(&c.Taps, 1)
	} else {
		atomic.AddInt64(&c.TapsRejected, 1)
	}
}

// RecordPurchase records a purchase attempt.
func (c *Collector) RecordPurchase(applied bool) {
	if applied {
		atomic.AddInt64(&c.Purchases, 1)
	} else {
		atomic.AddInt64(&c.PurchasesDeny, 1)
	}
}

// RecordRegenTick records an energy regeneration tick that changed state.
func (c *Collector) RecordRegenTick() {
	atomic.AddInt64(&c.RegenTicks, 1)
}

// RecordMiningTick records an auto-mining tick that changed state.
func (c *Collector) RecordMiningTick() {
	atomic.AddInt64(&c.MiningTicks, 1)
}

// RecordOfflineIncome adds the income credited to a returning player.
func (c *Collector) RecordOfflineIncome(income int64) {
	atomic.AddInt64(&c.OfflineIncome, income)
}

// RecordStep records one handler run of a game loop.
func (c *Collector) RecordStep(latency time.Duration) {
	atomic.AddInt64(&c.StepCount, 1)
	atomic.AddInt64(&c.StepLatencySum, int64(latency))
	storeMax(&c.StepLatencyMax, int64(latency))

	c.mu.Lock()
	c.LastStepTime = time.Now()
	c.mu.Unlock()
}

// RecordSave records a save write to a key-value store.
func (c *Collector) RecordSave(latency time.Duration, err error) {
	atomic.AddInt64(&c.SavesWritten, 1)
	atomic.AddInt64(&c.SaveLatSum, int64(latency))
	storeMax(&c.SaveLatMax, int64(latency))

	if err != nil {
		atomic.AddInt64(&c.SaveErrors, 1)
	}
}

// RecordSaveCoalesced records a save that replaced a pending one.
func (c *Collector) RecordSaveCoalesced() {
	atomic.AddInt64(&c.SavesCoalesced, 1)
}

// RecordCloudFallback records a cloud operation that fell back to local storage.
func (c *Collector) RecordCloudFallback() {
	atomic.AddInt64(&c.CloudFallbacks, 1)
}

// RecordLedgerError records a failed ledger append.
func (c *Collector) RecordLedgerError() {
	atomic.AddInt64(&c.LedgerErrors, 1)
}

// RecordWSConnection records WebSocket connection changes.
func (c *Collector) RecordWSConnection(delta int64) {
	atomic.AddInt64(&c.WSConnectionsActive, delta)
}

// RecordWSMessage records WebSocket messages.
func (c *Collector) RecordWSMessage(incoming bool) {
	if incoming {
		atomic.AddInt64(&c.WSMessagesIn, 1)
	} else {
		atomic.AddInt64(&c.WSMessagesOut, 1)
	}
}

// RecordWSDropped records an inbound message dropped by the rate limit
// or an outbound message dropped because the client buffer was full.
func (c *Collector) RecordWSDropped() {
	atomic.AddInt64(&c.WSMessagesDropped, 1)
}

// RecordWSError records a WebSocket error.
func (c *Collector) RecordWSError() {
	atomic.AddInt64(&c.WSErrors, 1)
}

// RecordSession records session residency changes.
func (c *Collector) RecordSession(delta int64) {
	atomic.AddInt64(&c.SessionsActive, delta)
}

// RecordEviction records a session evicted by the residency cap.
func (c *Collector) RecordEviction() {
	atomic.AddInt64(&c.SessionsEvicted, 1)
}

// Snapshot returns current metrics as a map.
func (c *Collector) Snapshot() map[string]interface{} {
	c.mu.RLock()
	defer c.mu.RUnlock()

	steps := atomic.LoadInt64(&c.StepCount)
	saves := atomic.LoadInt64(&c.SavesWritten)

	// Calculate averages
	var stepAvg, saveAvg float64
	if steps > 0 {
		stepAvg = float64(atomic.LoadInt64(&c.StepLatencySum)) / float64(steps) / 1e6 // ms
	}
	if saves > 0 {
		saveAvg = float64(atomic.LoadInt64(&c.SaveLatSum)) / float64(saves) / 1e6
	}

	lastStep := ""
	if !c.LastStepTime.IsZero() {
		lastStep = c.LastStepTime.Format(time.RFC3339)
	}

	return map[string]interface{}{
		"uptime_seconds": time.Since(c.StartTime).Seconds(),

		"economy": map[string]interface{}{
			"taps":           atomic.LoadInt64(&c.Taps),
			"taps_rejected":  atomic.LoadInt64(&c.TapsRejected),
			"purchases":      atomic.LoadInt64(&c.Purchases),
			"purchases_deny": atomic.LoadInt64(&c.PurchasesDeny),
			"regen_ticks":    atomic.LoadInt64(&c.RegenTicks),
			"mining_ticks":   atomic.LoadInt64(&c.MiningTicks),
			"offline_income": atomic.LoadInt64(&c.OfflineIncome),
		},

		"loop": map[string]interface{}{
			"steps":          steps,
			"avg_latency_ms": stepAvg,
			"max_latency_ms": float64(atomic.LoadInt64(&c.StepLatencyMax)) / 1e6,
			"last_step":      lastStep,
		},

		"saves": map[string]interface{}{
			"written":          saves,
			"avg_write_lat_ms": saveAvg,
			"max_write_lat_ms": float64(atomic.LoadInt64(&c.SaveLatMax)) / 1e6,
			"errors":           atomic.LoadInt64(&c.SaveErrors),
			"coalesced":        atomic.LoadInt64(&c.SavesCoalesced),
			"cloud_fallbacks":  atomic.LoadInt64(&c.CloudFallbacks),
			"ledger_errors":    atomic.LoadInt64(&c.LedgerErrors),
		},

		"websocket": map[string]interface{}{
			"active_connections": atomic.LoadInt64(&c.WSConnectionsActive),
			"messages_in":        atomic.LoadInt64(&c.WSMessagesIn),
			"messages_out":       atomic.LoadInt64(&c.WSMessagesOut),
			"messages_dropped":   atomic.LoadInt64(&c.WSMessagesDropped),
			"errors":             atomic.LoadInt64(&c.WSErrors),
		},

		"sessions": map[string]interface{}{
			"active":  atomic.LoadInt64(&c.SessionsActive),
			"evicted": atomic.LoadInt64(&c.SessionsEvicted),
		},
	}
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler() http.HandlerFunc {
	return collector.Handler()
}

// PrometheusHandler returns the global collector in Prometheus format.
func PrometheusHandler() http.HandlerFunc {
	return collector.PrometheusHandler()
}

// Handler serves this collector's snapshot as JSON.
func (c *Collector) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-cache")

		json.NewEncoder(w).Encode(c.Snapshot())
	}
}

// PrometheusHandler serves this collector in Prometheus text format.
func (c *Collector) PrometheusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")

		// Economy metrics
		fmt.Fprintf(w, "# HELP tapcoin_taps_total Tap attempts\n")
		fmt.Fprintf(w, "# TYPE tapcoin_taps_total counter\n")
		fmt.Fprintf(w, "tapcoin_taps_total{result=\"applied\"} %d\n", atomic.LoadInt64(&c.Taps))
		fmt.Fprintf(w, "tapcoin_taps_total{result=\"no_energy\"} %d\n\n", atomic.LoadInt64(&c.TapsRejected))

		fmt.Fprintf(w, "# HELP tapcoin_purchases_total Purchase attempts\n")
		fmt.Fprintf(w, "# TYPE tapcoin_purchases_total counter\n")
		fmt.Fprintf(w, "tapcoin_purchases_total{result=\"applied\"} %d\n", atomic.LoadInt64(&c.Purchases))
		fmt.Fprintf(w, "tapcoin_purchases_total{result=\"denied\"} %d\n\n", atomic.LoadInt64(&c.PurchasesDeny))

		fmt.Fprintf(w, "# HELP tapcoin_ticks_total Timer ticks that changed state\n")
		fmt.Fprintf(w, "# TYPE tapcoin_ticks_total counter\n")
		fmt.Fprintf(w, "tapcoin_ticks_total{timer=\"regen\"} %d\n", atomic.LoadInt64(&c.RegenTicks))
		fmt.Fprintf(w, "tapcoin_ticks_total{timer=\"mining\"} %d\n\n", atomic.LoadInt64(&c.MiningTicks))

		fmt.Fprintf(w, "# HELP tapcoin_offline_income_total Score credited as offline income\n")
		fmt.Fprintf(w, "# TYPE tapcoin_offline_income_total counter\n")
		fmt.Fprintf(w, "tapcoin_offline_income_total %d\n\n", atomic.LoadInt64(&c.OfflineIncome))

		fmt.Fprintf(w, "# HELP tapcoin_step_latency_max_ms Maximum loop step latency\n")
		fmt.Fprintf(w, "# TYPE tapcoin_step_latency_max_ms gauge\n")
		fmt.Fprintf(w, "tapcoin_step_latency_max_ms %.2f\n\n", float64(atomic.LoadInt64(&c.StepLatencyMax))/1e6)

		// Persistence metrics
		fmt.Fprintf(w, "# HELP tapcoin_saves_written Total saves written\n")
		fmt.Fprintf(w, "# TYPE tapcoin_saves_written counter\n")
		fmt.Fprintf(w, "tapcoin_saves_written %d\n\n", atomic.LoadInt64(&c.SavesWritten))

		fmt.Fprintf(w, "# HELP tapcoin_save_errors Total save write errors\n")
		fmt.Fprintf(w, "# TYPE tapcoin_save_errors counter\n")
		fmt.Fprintf(w, "tapcoin_save_errors %d\n\n", atomic.LoadInt64(&c.SaveErrors))

		fmt.Fprintf(w, "# HELP tapcoin_cloud_fallbacks Cloud operations served by local storage\n")
		fmt.Fprintf(w, "# TYPE tapcoin_cloud_fallbacks counter\n")
		fmt.Fprintf(w, "tapcoin_cloud_fallbacks %d\n\n", atomic.LoadInt64(&c.CloudFallbacks))

		// WebSocket metrics
		fmt.Fprintf(w, "# HELP tapcoin_ws_connections Active WebSocket connections\n")
		fmt.Fprintf(w, "# TYPE tapcoin_ws_connections gauge\n")
		fmt.Fprintf(w, "tapcoin_ws_connections %d\n\n", atomic.LoadInt64(&c.WSConnectionsActive))

		fmt.Fprintf(w, "# HELP tapcoin_ws_messages_total Total WebSocket messages\n")
		fmt.Fprintf(w, "# TYPE tapcoin_ws_messages_total counter\n")
		fmt.Fprintf(w, "tapcoin_ws_messages_total{direction=\"in\"} %d\n", atomic.LoadInt64(&c.WSMessagesIn))
		fmt.Fprintf(w, "tapcoin_ws_messages_total{direction=\"out\"} %d\n\n", atomic.LoadInt64(&c.WSMessagesOut))

		fmt.Fprintf(w, "# HELP tapcoin_sessions_active Resident player sessions\n")
		fmt.Fprintf(w, "# TYPE tapcoin_sessions_active gauge\n")
		fmt.Fprintf(w, "tapcoin_sessions_active %d\n", atomic.LoadInt64(&c.SessionsActive))
	}
}
