// Package cache holds the relay's in-memory, TTL-bounded caches: fetched
// actor documents, per-instance NodeInfo/instance/contact metadata, and a
// bounded set of recently-seen object ids used to drop duplicate Announces.
// None of these are durable — on restart they start cold and refill from
// the store or the network as requests arrive.
package cache

import (
	"sync"
	"time"

	"github.com/klppl/relay/internal/ap"
)

// actorCacheTTL is a var (not const) so it can be overridden at startup for
// deployments that want a longer or shorter cache window.
var actorCacheTTL = 30 * time.Minute

// SetActorCacheTTL overrides the TTL used for cached actor documents.
func SetActorCacheTTL(d time.Duration) {
	if d > 0 {
		actorCacheTTL = d
	}
}

type actorEntry struct {
	actor   ap.Actor
	expires time.Time
}

// ActorDocCache is a TTL-bounded in-memory cache of fetched remote actor
// documents, avoiding a refetch on every inbox delivery from the same actor.
type ActorDocCache struct {
	entries sync.Map // actor IRI → actorEntry
}

// NewActorDocCache creates an empty cache and starts its background sweep.
func NewActorDocCache() *ActorDocCache {
	c := &ActorDocCache{}
	go c.sweepLoop()
	return c
}

// Get returns the cached actor document for id, if present and unexpired.
func (c *ActorDocCache) Get(id string) (ap.Actor, bool) {
	v, ok := c.entries.Load(id)
	if !ok {
		return ap.Actor{}, false
	}
	entry := v.(actorEntry)
	if time.Now().After(entry.expires) {
		c.entries.Delete(id)
		return ap.Actor{}, false
	}
	return entry.actor, true
}

// Put stores a freshly-fetched actor document.
func (c *ActorDocCache) Put(a ap.Actor) {
	if a.ID == "" {
		return
	}
	c.entries.Store(a.ID, actorEntry{actor: a, expires: time.Now().Add(actorCacheTTL)})
}

// Invalidate drops any cached document for id (e.g. after a Move or Update).
func (c *ActorDocCache) Invalidate(id string) {
	c.entries.Delete(id)
}

func (c *ActorDocCache) sweepLoop() {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for now := range ticker.C {
		c.entries.Range(func(k, v any) bool {
			if now.After(v.(actorEntry).expires) {
				c.entries.Delete(k)
			}
			return true
		})
	}
}
