package cache_test

import (
	"testing"
	"time"

	"github.com/klppl/relay/internal/ap"
	"github.com/klppl/relay/internal/cache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestActorDocCachePutGet(t *testing.T) {
	cache.SetActorCacheTTL(time.Hour)
	c := cache.NewActorDocCache()

	_, ok := c.Get("https://remote.example/users/alice")
	assert.False(t, ok)

	a := ap.Actor{ID: "https://remote.example/users/alice", Inbox: "https://remote.example/users/alice/inbox"}
	c.Put(a)

	got, ok := c.Get(a.ID)
	require.True(t, ok)
	assert.Equal(t, a.Inbox, got.Inbox)
}

func TestActorDocCacheExpires(t *testing.T) {
	cache.SetActorCacheTTL(10 * time.Millisecond)
	defer cache.SetActorCacheTTL(30 * time.Minute)

	c := cache.NewActorDocCache()
	c.Put(ap.Actor{ID: "https://remote.example/users/bob"})

	time.Sleep(30 * time.Millisecond)
	_, ok := c.Get("https://remote.example/users/bob")
	assert.False(t, ok)
}

func TestActorDocCacheInvalidate(t *testing.T) {
	cache.SetActorCacheTTL(time.Hour)
	c := cache.NewActorDocCache()
	c.Put(ap.Actor{ID: "https://remote.example/users/carol"})

	c.Invalidate("https://remote.example/users/carol")
	_, ok := c.Get("https://remote.example/users/carol")
	assert.False(t, ok)
}

func TestActorDocCachePutIgnoresEmptyID(t *testing.T) {
	c := cache.NewActorDocCache()
	c.Put(ap.Actor{})
	_, ok := c.Get("")
	assert.False(t, ok)
}

func TestObjectDedupCacheMarkSeen(t *testing.T) {
	c := cache.NewObjectDedupCache(2)

	assert.False(t, c.Seen("obj-1"))
	assert.True(t, c.MarkSeen("obj-1"), "first mark should report first-time")
	assert.True(t, c.Seen("obj-1"))
	assert.False(t, c.MarkSeen("obj-1"), "second mark of the same id is a duplicate")
}

func TestObjectDedupCacheEvictsOldest(t *testing.T) {
	c := cache.NewObjectDedupCache(2)

	c.MarkSeen("obj-1")
	c.MarkSeen("obj-2")
	c.MarkSeen("obj-3") // evicts obj-1

	assert.False(t, c.Seen("obj-1"))
	assert.True(t, c.Seen("obj-2"))
	assert.True(t, c.Seen("obj-3"))
}

func TestObjectDedupCacheDefaultsCapacity(t *testing.T) {
	c := cache.NewObjectDedupCache(0)
	require.True(t, c.MarkSeen("x"))
}

func TestNodeCacheRoundTrip(t *testing.T) {
	c := cache.NewNodeCache()

	rec := c.Info("https://peer.example/actor")
	assert.True(t, rec.IsOutdated())

	c.SetInfo("https://peer.example/actor", map[string]string{"software": "mastodon"})
	rec = c.Info("https://peer.example/actor")
	assert.False(t, rec.IsOutdated())
	assert.Equal(t, "mastodon", rec.Value.(map[string]string)["software"])

	c.SetInstance("https://peer.example/actor", "instance-doc")
	assert.Equal(t, "instance-doc", c.Instance("https://peer.example/actor").Value)

	c.SetContact("https://peer.example/actor", "contact-doc")
	assert.Equal(t, "contact-doc", c.Contact("https://peer.example/actor").Value)

	c.Forget("https://peer.example/actor")
	assert.True(t, c.Info("https://peer.example/actor").IsOutdated())
}
