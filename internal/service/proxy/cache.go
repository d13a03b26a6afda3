package proxy

import (
	"sync"

	"github.com/splax/localvercel/internal/domain"
)

// DashboardCache holds the last proxy state served to the dashboard per server.
type DashboardCache struct {
	mu      sync.RWMutex
	entries map[string]domain.ProxyState
}

// NewDashboardCache returns an empty cache.
func NewDashboardCache() *DashboardCache {
	return &DashboardCache{entries: make(map[string]domain.ProxyState)}
}

func (c *DashboardCache) Get(serverID string) (domain.ProxyState, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	state, ok := c.entries[serverID]
	return state, ok
}

func (c *DashboardCache) Put(state domain.ProxyState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[state.ServerID] = state
}

// Invalidate drops the cached state for a server.
func (c *DashboardCache) Invalidate(serverID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, serverID)
}
