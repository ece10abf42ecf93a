package task

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/muxworks/muxd/internal/config"
	"github.com/muxworks/muxd/internal/tools"
)

const (
	reportCacheTTL = time.Hour
	reportCacheMax = 128
)

type cacheEntry struct {
	report    tools.Report
	ancestors map[string]bool
	storedAt  time.Time
}

// reportCache retains delivered reports so a parent that awaits after the
// child already reported still gets the result. Entries are scoped to the
// child's ancestor chain; unrelated workspaces cannot read them.
type reportCache struct {
	entries map[string]cacheEntry
}

func newReportCache() *reportCache {
	return &reportCache{entries: make(map[string]cacheEntry)}
}

// put stores under the service mutex.
func (c *reportCache) put(taskID string, r tools.Report, ancestors map[string]bool) {
	c.sweep()
	if len(c.entries) >= reportCacheMax {
		c.evictOldest()
	}
	c.entries[taskID] = cacheEntry{report: r, ancestors: ancestors, storedAt: time.Now()}
}

func (c *reportCache) get(taskID, requestingWorkspaceID string) (tools.Report, bool) {
	c.sweep()
	e, ok := c.entries[taskID]
	if !ok || !e.ancestors[requestingWorkspaceID] {
		return tools.Report{}, false
	}
	return e.report, true
}

func (c *reportCache) sweep() {
	cutoff := time.Now().Add(-reportCacheTTL)
	for id, e := range c.entries {
		if e.storedAt.Before(cutoff) {
			delete(c.entries, id)
		}
	}
}

func (c *reportCache) evictOldest() {
	type aged struct {
		id string
		at time.Time
	}
	var all []aged
	for id, e := range c.entries {
		all = append(all, aged{id, e.storedAt})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].at.Before(all[j].at) })
	for i := 0; i < len(all) && len(c.entries) >= reportCacheMax; i++ {
		delete(c.entries, all[i].id)
	}
}

// AwaitReport blocks until the task reports, the timeout elapses, or ctx
// is cancelled. The requesting workspace is marked foreground-awaiting
// for the duration, which lends its scheduler slot to descendants; queued
// tasks do not start their timeout until they actually begin running.
func (s *Service) AwaitReport(ctx context.Context, taskID, requestingWorkspaceID string, timeout time.Duration) (tools.Report, error) {
	s.mu.Lock()
	if r, ok := s.cache.get(taskID, requestingWorkspaceID); ok {
		s.mu.Unlock()
		return r, nil
	}

	cfg := s.cfg.Get()
	ws := cfg.Workspaces[taskID]
	if ws == nil || ws.ParentWorkspaceID == "" {
		s.mu.Unlock()
		return tools.Report{}, fmt.Errorf("task %s not found", taskID)
	}
	if ws.TaskStatus == config.TaskReported {
		s.mu.Unlock()
		return tools.Report{}, fmt.Errorf("task %s already reported and its report expired", taskID)
	}

	reportCh := make(chan tools.Report, 1)
	s.reportWaiters[taskID] = append(s.reportWaiters[taskID], reportCh)

	var startCh chan struct{}
	if ws.TaskStatus == config.TaskQueued {
		startCh = make(chan struct{})
		s.startWaiters[taskID] = append(s.startWaiters[taskID], startCh)
	}

	s.foregroundAwait[requestingWorkspaceID]++
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		if s.foregroundAwait[requestingWorkspaceID]--; s.foregroundAwait[requestingWorkspaceID] <= 0 {
			delete(s.foregroundAwait, requestingWorkspaceID)
		}
		s.removeWaiterLocked(taskID, reportCh)
		s.mu.Unlock()
	}()

	// The requester's slot just freed up; a queued task (possibly this
	// one) may now start.
	go s.maybeStartQueuedTasks(context.Background())

	if startCh != nil {
		select {
		case <-startCh:
		case r, ok := <-reportCh:
			if !ok {
				return tools.Report{}, fmt.Errorf("task %s terminated before reporting", taskID)
			}
			return r, nil
		case <-ctx.Done():
			return tools.Report{}, ctx.Err()
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case r, ok := <-reportCh:
		if !ok {
			return tools.Report{}, fmt.Errorf("task %s terminated before reporting", taskID)
		}
		return r, nil
	case <-timer.C:
		return tools.Report{}, fmt.Errorf("timed out after %s waiting for task %s", timeout, taskID)
	case <-ctx.Done():
		return tools.Report{}, ctx.Err()
	}
}

func (s *Service) removeWaiterLocked(taskID string, ch chan tools.Report) {
	waiters := s.reportWaiters[taskID]
	for i, w := range waiters {
		if w == ch {
			s.reportWaiters[taskID] = append(waiters[:i], waiters[i+1:]...)
			break
		}
	}
	if len(s.reportWaiters[taskID]) == 0 {
		delete(s.reportWaiters, taskID)
	}
}
