package canvas

import "sync"

// Snapshot is the client's view of a board, pushed with each request.
type Snapshot struct {
	Nodes        []map[string]any `json:"nodes"`
	Viewport     map[string]any   `json:"viewport"`
	SelectionIDs []string         `json:"selectionIds"`
}

// SnapshotCache keeps the latest snapshot per session in memory.
type SnapshotCache struct {
	mu        sync.RWMutex
	snapshots map[string]*Snapshot
}

// NewSnapshotCache creates an empty cache.
func NewSnapshotCache() *SnapshotCache {
	return &SnapshotCache{snapshots: make(map[string]*Snapshot)}
}

// Put stores snapshot for sessionID. A nil snapshot keeps the previous one.
func (c *SnapshotCache) Put(sessionID string, snapshot *Snapshot) {
	if snapshot == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snapshots[sessionID] = snapshot
}

// Get returns the cached snapshot, or an empty board when none was pushed.
func (c *SnapshotCache) Get(sessionID string) *Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if s, ok := c.snapshots[sessionID]; ok {
		return s
	}
	return &Snapshot{Nodes: []map[string]any{}, SelectionIDs: []string{}}
}
