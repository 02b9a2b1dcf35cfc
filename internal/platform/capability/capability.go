// Package capability describes which host platform features are available.
// The provider is built once at startup and injected; the economy never probes the host itself.
package capability

import "context"

// Provider reports optional platform features.
type Provider interface {
	HasHaptics() bool
	HasCloudStorage() bool
}

// Static is a Provider decided at startup.
type Static struct {
	Haptics      bool
	CloudStorage bool
}

func (s Static) HasHaptics() bool      { return s.Haptics }
func (s Static) HasCloudStorage() bool { return s.CloudStorage }

// None reports no optional features.
var None Provider = Static{}

// HapticStyle mirrors the host's impact feedback styles.
type HapticStyle string

const (
	HapticLight  HapticStyle = "light"
	HapticMedium HapticStyle = "medium"
	HapticHeavy  HapticStyle = "heavy"
)

// Haptics triggers impact feedback on a player's device. Best effort.
type Haptics interface {
	Impact(ctx context.Context, playerID string, style HapticStyle) error
}

// NoopHaptics ignores every request.
type NoopHaptics struct{}

func (NoopHaptics) Impact(context.Context, string, HapticStyle) error { return nil }

// HapticsFor returns h when the provider reports haptics, otherwise a no-op.
func HapticsFor(p Provider, h Haptics) Haptics {
	if p == nil || h == nil || !p.HasHaptics() {
		return NoopHaptics{}
	}
	return h
}
