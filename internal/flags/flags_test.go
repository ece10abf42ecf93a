package flags

import (
	"testing"
	"time"

	"github.com/muxworks/muxd/internal/config"
)

func TestOverrideSemantics(t *testing.T) {
	tests := []struct {
		name     string
		override config.FeatureOverride
		feature  string
		want     bool
	}{
		{"stats default on", "", FeatureStats, true},
		{"plan stops default off", "", FeaturePlanStops, false},
		{"off forces disabled", "off", FeatureStats, false},
		{"on enables", "on", FeaturePlanStops, true},
		{"default keeps default on", "default", FeatureStats, true},
		{"default keeps default off", "default", FeaturePlanStops, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewService(func() map[string]config.FeatureOverride {
				if tt.override == "" {
					return nil
				}
				return map[string]config.FeatureOverride{tt.feature: tt.override}
			})
			if got := s.Enabled(tt.feature); got != tt.want {
				t.Errorf("Enabled(%s) = %v, want %v", tt.feature, got, tt.want)
			}
		})
	}
}

func TestCacheTTL(t *testing.T) {
	loads := 0
	s := NewService(func() map[string]config.FeatureOverride {
		loads++
		return nil
	})

	s.Enabled(FeatureStats)
	s.Enabled(FeaturePlanStops)
	if loads != 1 {
		t.Fatalf("loads = %d, want 1 (cached)", loads)
	}

	s.mu.Lock()
	s.loadedAt = time.Now().Add(-cacheTTL - time.Second)
	s.mu.Unlock()
	s.Enabled(FeatureStats)
	if loads != 2 {
		t.Errorf("loads = %d, want 2 after TTL expiry", loads)
	}

	s.Invalidate()
	s.Enabled(FeatureStats)
	if loads != 3 {
		t.Errorf("loads = %d, want 3 after invalidate", loads)
	}
}
