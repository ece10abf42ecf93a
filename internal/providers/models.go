package providers

import (
	"strings"

	"github.com/muxworks/muxd/internal/config"
)

// modelLimits is the built-in context window table. Per-install overrides in
// the providers config take precedence; unknown models fall back to a
// conservative default.
type modelLimit struct {
	contextWindow   int
	contextWindow1M int // 0 when the model has no long-context variant
}

const defaultContextWindow = 128_000

var modelLimits = map[string]modelLimit{
	"claude-sonnet-4-5": {contextWindow: 200_000, contextWindow1M: 1_000_000},
	"claude-haiku-4-5":  {contextWindow: 200_000},
	"claude-opus-4-1":   {contextWindow: 200_000},
	"gpt-5":             {contextWindow: 400_000},
	"gpt-5-mini":        {contextWindow: 400_000},
	"gpt-4o":            {contextWindow: 128_000},
	"gpt-4o-mini":       {contextWindow: 128_000},
	"gpt-4.1":           {contextWindow: 1_000_000},
}

// EffectiveContextLimit resolves the usable context window for a model
// string, honoring use1MContext and providers-config overrides. Returns 0
// for malformed input; callers treat non-positive limits as "cannot check".
func EffectiveContextLimit(modelString string, use1M bool, pc config.ProvidersConfig) int {
	providerName, model, err := ParseModelString(modelString)
	if err != nil {
		return 0
	}

	if pc != nil {
		if p := pc[providerName]; p != nil {
			if ov := p.Models[model]; ov != nil {
				if use1M && ov.Supports1MWindow && ov.ContextWindow1M > 0 {
					return ov.ContextWindow1M
				}
				if ov.ContextWindow > 0 {
					return ov.ContextWindow
				}
			}
		}
	}

	if lim, ok := lookupModelLimit(model); ok {
		if use1M && lim.contextWindow1M > 0 {
			return lim.contextWindow1M
		}
		return lim.contextWindow
	}
	return defaultContextWindow
}

// lookupModelLimit matches the table by exact id first, then by prefix so
// dated snapshots ("claude-sonnet-4-5-20250929") resolve to their family.
func lookupModelLimit(model string) (modelLimit, bool) {
	if lim, ok := modelLimits[model]; ok {
		return lim, true
	}
	for id, lim := range modelLimits {
		if strings.HasPrefix(model, id) {
			return lim, true
		}
	}
	return modelLimit{}, false
}
