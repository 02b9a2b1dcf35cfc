// Package tuning holds channel buffer and pool sizes for the server.
package tuning

import (
	"fmt"
	"runtime"
)

// Profile holds tuned parameters for one deployment shape.
type Profile struct {
	Name string

	// Channel buffer sizes
	CommandBuffer    int // per game loop
	ClientSendBuffer int // per WebSocket

	// Connection pools
	SQLiteMaxOpenConns int
	PGMaxConns         int32
	PGMinConns         int32

	// Sessions
	MaxSessions int
}

// Default returns sensible defaults for production.
func Default() *Profile {
	numCPU := runtime.NumCPU()

	return &Profile{
		Name: "default",

		CommandBuffer:    32,
		ClientSendBuffer: 64,

		// SQLite serializes writers; one connection avoids SQLITE_BUSY.
		SQLiteMaxOpenConns: 1,
		PGMaxConns:         int32(numCPU * 4),
		PGMinConns:         int32(numCPU),

		MaxSessions: 10000,
	}
}

// LowResource returns minimal settings for development.
func LowResource() *Profile {
	return &Profile{
		Name: "low",

		CommandBuffer:    8,
		ClientSendBuffer: 8,

		SQLiteMaxOpenConns: 1,
		PGMaxConns:         4,
		PGMinConns:         1,

		MaxSessions: 100,
	}
}

// ByName selects a profile by its config name.
func ByName(name string) (*Profile, error) {
	switch name {
	case "", "default":
		return Default(), nil
	case "low":
		return LowResource(), nil
	}
	return nil, fmt.Errorf("unknown tuning profile %q", name)
}

// Recommendations provides suggestions based on observed metrics.
type Recommendations struct {
	IncreaseCommandBuffer bool
	IncreaseClientBuffer  bool
	IncreasePGConns       bool
	Notes                 []string
}

// Analyze examines a metrics snapshot and returns tuning recommendations.
func Analyze(metrics map[string]interface{}) *Recommendations {
	rec := &Recommendations{
		Notes: make([]string, 0),
	}

	// Check loop step latency
	if loop, ok := metrics["loop"].(map[string]interface{}); ok {
		if maxLat, ok := loop["max_latency_ms"].(float64); ok && maxLat > 50 {
			rec.IncreaseCommandBuffer = true
			rec.Notes = append(rec.Notes, "Loop step latency exceeds 50ms - increase command buffer")
		}
	}

	// Check save latency
	if saves, ok := metrics["saves"].(map[string]interface{}); ok {
		if maxLat, ok := saves["max_write_lat_ms"].(float64); ok && maxLat > 200 {
			rec.IncreasePGConns = true
			rec.Notes = append(rec.Notes, "Save latency exceeds 200ms - increase cloud pool size")
		}
		if fallbacks, ok := saves["cloud_fallbacks"].(int64); ok && fallbacks > 0 {
			rec.Notes = append(rec.Notes, "Cloud saves falling back to local storage - check Postgres")
		}
	}

	// Check WebSocket backpressure
	if ws, ok := metrics["websocket"].(map[string]interface{}); ok {
		if dropped, ok := ws["messages_dropped"].(int64); ok && dropped > 0 {
			rec.IncreaseClientBuffer = true
			rec.Notes = append(rec.Notes, "WebSocket messages dropped - increase client send buffer")
		}
	}

	return rec
}

// Apply modifies the profile based on recommendations.
func Apply(p *Profile, rec *Recommendations) *Profile {
	if rec.IncreaseCommandBuffer {
		p.CommandBuffer *= 2
	}
	if rec.IncreaseClientBuffer {
		p.ClientSendBuffer *= 2
	}
	if rec.IncreasePGConns {
		p.PGMaxConns = int32(float64(p.PGMaxConns) * 1.5)
	}
	return p
}
