package flags

import (
	"sync"
	"time"

	"github.com/muxworks/muxd/internal/config"
)

// Feature names known to the engine.
const (
	FeatureStats          = "stats"
	FeaturePlanStops      = "propose_plan_stop"
	FeatureIdleCompaction = "idle_compaction"
	FeatureTaskPatchFiles = "task_patch_artifacts"
)

// cacheTTL bounds how stale a flag read may be; overrides land within
// ten minutes without a daemon restart.
const cacheTTL = 10 * time.Minute

// defaults lists features that are on without an override.
var defaults = map[string]bool{
	FeatureStats:          true,
	FeaturePlanStops:      false,
	FeatureIdleCompaction: true,
	FeatureTaskPatchFiles: true,
}

// Service resolves feature flags from the config file with a TTL cache.
// Override semantics: "off" forces disabled; "on" and "default" both
// resolve to the feature's default-or-enabled state.
type Service struct {
	load func() map[string]config.FeatureOverride

	mu       sync.Mutex
	cached   map[string]config.FeatureOverride
	loadedAt time.Time
}

func NewService(load func() map[string]config.FeatureOverride) *Service {
	return &Service{load: load}
}

// Enabled resolves one feature.
func (s *Service) Enabled(name string) bool {
	ov := s.overrides()[name]
	switch ov {
	case "off":
		return false
	case "on":
		return true
	default:
		return defaults[name]
	}
}

// Invalidate drops the cache; the next read reloads. Used after an
// explicit config reload.
func (s *Service) Invalidate() {
	s.mu.Lock()
	s.cached = nil
	s.mu.Unlock()
}

func (s *Service) overrides() map[string]config.FeatureOverride {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cached == nil || time.Since(s.loadedAt) >= cacheTTL {
		s.cached = s.load()
		if s.cached == nil {
			s.cached = map[string]config.FeatureOverride{}
		}
		s.loadedAt = time.Now()
	}
	return s.cached
}
