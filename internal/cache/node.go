package cache

import (
	"sync"
	"time"
)

// nodeStaleness is how long a fetched NodeInfo/instance/contact sub-record
// is considered fresh before a maintenance job re-queries it.
const nodeStaleness = 10 * time.Minute

// NodeSubRecord is one of the three independently-refreshed pieces of
// NodeMetadata the relay keeps per connected actor: NodeInfo, the
// Mastodon-style instance document, or the contact account.
type NodeSubRecord struct {
	Value     interface{}
	UpdatedAt time.Time
}

// IsOutdated reports whether this sub-record needs a refresh.
func (r NodeSubRecord) IsOutdated() bool {
	return r.UpdatedAt.IsZero() || time.Since(r.UpdatedAt) >= nodeStaleness
}

type nodeEntry struct {
	mu       sync.Mutex
	info     NodeSubRecord
	instance NodeSubRecord
	contact  NodeSubRecord
}

// NodeCache holds the in-memory view of each connected actor's node
// metadata, mirroring (and read-through accelerating) the store's
// node_info/node_instance/node_contact tables. The store remains the
// durable source; this cache only tracks what's currently loaded plus the
// staleness clock used to decide whether a maintenance job should refresh
// it.
type NodeCache struct {
	mu    sync.RWMutex
	nodes map[string]*nodeEntry
}

// NewNodeCache creates an empty node cache.
func NewNodeCache() *NodeCache {
	return &NodeCache{nodes: make(map[string]*nodeEntry)}
}

func (c *NodeCache) entry(actorID string) *nodeEntry {
	c.mu.RLock()
	e, ok := c.nodes[actorID]
	c.mu.RUnlock()
	if ok {
		return e
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.nodes[actorID]; ok {
		return e
	}
	e = &nodeEntry{}
	c.nodes[actorID] = e
	return e
}

// Info returns the cached NodeInfo sub-record for actorID.
func (c *NodeCache) Info(actorID string) NodeSubRecord {
	e := c.entry(actorID)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.info
}

// SetInfo updates the cached NodeInfo sub-record.
func (c *NodeCache) SetInfo(actorID string, v interface{}) {
	e := c.entry(actorID)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.info = NodeSubRecord{Value: v, UpdatedAt: time.Now()}
}

// Instance returns the cached instance sub-record for actorID.
func (c *NodeCache) Instance(actorID string) NodeSubRecord {
	e := c.entry(actorID)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.instance
}

// SetInstance updates the cached instance sub-record.
func (c *NodeCache) SetInstance(actorID string, v interface{}) {
	e := c.entry(actorID)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.instance = NodeSubRecord{Value: v, UpdatedAt: time.Now()}
}

// Contact returns the cached contact sub-record for actorID.
func (c *NodeCache) Contact(actorID string) NodeSubRecord {
	e := c.entry(actorID)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.contact
}

// SetContact updates the cached contact sub-record.
func (c *NodeCache) SetContact(actorID string, v interface{}) {
	e := c.entry(actorID)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.contact = NodeSubRecord{Value: v, UpdatedAt: time.Now()}
}

// Forget drops all cached sub-records for actorID (e.g. on disconnect).
func (c *NodeCache) Forget(actorID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.nodes, actorID)
}
