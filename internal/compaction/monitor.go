package compaction

import (
	"sync"

	"github.com/muxworks/muxd/internal/config"
	"github.com/muxworks/muxd/internal/msg"
	"github.com/muxworks/muxd/internal/providers"
)

// ForceBufferPct is added to the warn threshold (in percentage points) to
// decide when a warning escalates into a forced compaction.
const ForceBufferPct = 5.0

// CheckInput bundles everything the monitor needs to judge context
// pressure for one model.
type CheckInput struct {
	Model        string
	Usage        *msg.Usage
	Use1MContext bool
	Providers    config.ProvidersConfig
}

// CheckResult is the pre-send verdict.
type CheckResult struct {
	ShouldShowWarning   bool
	ShouldForceCompact  bool
	UsagePercentage     float64
	ThresholdPercentage float64
}

// Monitor is the context-pressure policy for one workspace. Thresholds are
// fractions in (0,1]; a threshold of 1 disables auto-compaction entirely.
// The mid-stream check latches after its first trigger so a long stream
// forces at most one compaction.
type Monitor struct {
	threshold float64

	mu        sync.Mutex
	triggered bool
}

func NewMonitor(threshold float64) *Monitor {
	if threshold <= 0 || threshold > 1 {
		threshold = 0.85
	}
	return &Monitor{threshold: threshold}
}

// CheckBeforeSend computes usage pressure from the last known context
// usage. Missing usage or an unresolvable context limit yields a zero
// verdict rather than an error.
func (m *Monitor) CheckBeforeSend(in CheckInput) CheckResult {
	res := CheckResult{ThresholdPercentage: m.threshold * 100}
	if m.threshold >= 1 {
		return res
	}
	if in.Usage == nil || in.Usage.TotalContextTokens <= 0 {
		return res
	}
	limit := providers.EffectiveContextLimit(in.Model, in.Use1MContext, in.Providers)
	if limit <= 0 {
		return res
	}

	res.UsagePercentage = float64(in.Usage.TotalContextTokens) / float64(limit) * 100
	res.ShouldShowWarning = res.UsagePercentage >= res.ThresholdPercentage
	res.ShouldForceCompact = res.UsagePercentage >= res.ThresholdPercentage+ForceBufferPct
	return res
}

// CheckMidStream reports whether the current stream just crossed the force
// line. InputTokens already includes cache reads, so it stands alone as
// the full prompt size. Only the first crossing per stream returns true.
func (m *Monitor) CheckMidStream(in CheckInput) bool {
	if m.threshold >= 1 {
		return false
	}
	if in.Usage == nil || in.Usage.InputTokens <= 0 {
		return false
	}
	limit := providers.EffectiveContextLimit(in.Model, in.Use1MContext, in.Providers)
	if limit <= 0 {
		return false
	}

	pct := float64(in.Usage.InputTokens) / float64(limit) * 100
	if pct < m.threshold*100+ForceBufferPct {
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.triggered {
		return false
	}
	m.triggered = true
	return true
}

// ResetForNewStream re-arms the mid-stream latch.
func (m *Monitor) ResetForNewStream() {
	m.mu.Lock()
	m.triggered = false
	m.mu.Unlock()
}
