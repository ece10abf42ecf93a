package compaction

import (
	"testing"

	"github.com/muxworks/muxd/internal/config"
	"github.com/muxworks/muxd/internal/msg"
)

// claude-sonnet-4-5 has a 200k window, so percentages are easy to seed.
const testModel = "anthropic:claude-sonnet-4-5"

func usageWithContext(total int) *msg.Usage {
	return &msg.Usage{TotalContextTokens: total}
}

func TestCheckBeforeSend(t *testing.T) {
	tests := []struct {
		name      string
		threshold float64
		usage     *msg.Usage
		wantWarn  bool
		wantForce bool
	}{
		{"under threshold", 0.85, usageWithContext(100_000), false, false},
		{"at warn", 0.85, usageWithContext(170_000), true, false},
		{"between warn and force", 0.85, usageWithContext(175_000), true, false},
		{"at force", 0.85, usageWithContext(180_000), true, true},
		{"threshold one disables", 1.0, usageWithContext(199_000), false, false},
		{"nil usage", 0.85, nil, false, false},
		{"zero usage", 0.85, usageWithContext(0), false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMonitor(tt.threshold)
			res := m.CheckBeforeSend(CheckInput{Model: testModel, Usage: tt.usage})
			if res.ShouldShowWarning != tt.wantWarn {
				t.Errorf("warn = %v, want %v (pct %.1f)", res.ShouldShowWarning, tt.wantWarn, res.UsagePercentage)
			}
			if res.ShouldForceCompact != tt.wantForce {
				t.Errorf("force = %v, want %v (pct %.1f)", res.ShouldForceCompact, tt.wantForce, res.UsagePercentage)
			}
		})
	}
}

func TestCheckBeforeSendMalformedModel(t *testing.T) {
	m := NewMonitor(0.85)
	res := m.CheckBeforeSend(CheckInput{Model: "no-provider-prefix", Usage: usageWithContext(500_000)})
	if res.ShouldShowWarning || res.ShouldForceCompact {
		t.Errorf("malformed model must not trigger, got %+v", res)
	}
}

func TestCheckMidStreamLatch(t *testing.T) {
	m := NewMonitor(0.85)
	over := CheckInput{Model: testModel, Usage: &msg.Usage{InputTokens: 185_000}}

	if !m.CheckMidStream(over) {
		t.Fatal("first crossing should trigger")
	}
	if m.CheckMidStream(over) {
		t.Fatal("second check must latch off")
	}

	m.ResetForNewStream()
	if !m.CheckMidStream(over) {
		t.Fatal("reset should re-arm the latch")
	}
}

func TestCheckMidStreamUsesInputTokensOnly(t *testing.T) {
	m := NewMonitor(0.85)
	// 100k input + 90k cached would cross if cache reads were added on
	// top; they must not be.
	in := CheckInput{Model: testModel, Usage: &msg.Usage{InputTokens: 100_000, CachedInputTokens: 90_000}}
	if m.CheckMidStream(in) {
		t.Fatal("cached tokens must not be added to input tokens")
	}
}

func TestCheckMidStreamOverride(t *testing.T) {
	pc := config.ProvidersConfig{
		"anthropic": &config.ProviderConfig{
			Models: map[string]*config.ModelOverride{
				"claude-sonnet-4-5": {ContextWindow: 50_000},
			},
		},
	}
	m := NewMonitor(0.85)
	in := CheckInput{Model: testModel, Usage: &msg.Usage{InputTokens: 46_000}, Providers: pc}
	if !m.CheckMidStream(in) {
		t.Fatal("override window should make 46k tokens cross the force line")
	}
}
