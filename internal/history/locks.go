package history

import "sync"

// Locks hands out one mutex per workspace. History, partial, timing, and
// patch-artifact writers all share the same instance so cross-service file
// operations on a workspace's session directory never interleave.
type Locks struct {
	mu sync.Map // workspaceID → *sync.Mutex
}

func NewLocks() *Locks { return &Locks{} }

// Get returns the mutex for a workspace, creating it on first use.
func (l *Locks) Get(workspaceID string) *sync.Mutex {
	v, _ := l.mu.LoadOrStore(workspaceID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// With runs fn while holding the workspace lock.
func (l *Locks) With(workspaceID string, fn func() error) error {
	mu := l.Get(workspaceID)
	mu.Lock()
	defer mu.Unlock()
	return fn()
}
