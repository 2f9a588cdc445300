package jobs

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/klppl/relay/internal/breaker"
	"github.com/klppl/relay/internal/cache"
	"github.com/klppl/relay/internal/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testQueue(t *testing.T) (*Queue, *db.Store) {
	t.Helper()
	store, err := db.Open(":memory:")
	require.NoError(t, err)
	require.NoError(t, store.Migrate())
	t.Cleanup(func() { store.Close() })

	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	q := New(store, breaker.New(5, time.Minute), cache.NewObjectDedupCache(64), cache.NewNodeCache(), cache.NewActorDocCache(), Identity{
		ActorID:    "https://relay.example/actor",
		KeyID:      "https://relay.example/actor#main-key",
		PrivateKey: priv,
	}, Config{DeliverWorkers: 1, ApubWorkers: 1, MaintenanceWorkers: 1})
	return q, store
}

func TestEnqueueHelpersWriteExpectedKindAndQueue(t *testing.T) {
	q, store := testQueue(t)

	require.NoError(t, q.EnqueueFollow("https://remote/users/alice", true))
	require.NoError(t, q.EnqueueReject("https://remote/users/bob"))
	require.NoError(t, q.EnqueueAnnounce("https://remote/objects/1", "https://remote/users/alice"))
	require.NoError(t, q.EnqueueForward(json.RawMessage(`{"type":"Delete"}`), "https://remote/users/alice"))
	require.NoError(t, q.EnqueueUndo("https://remote/users/alice"))

	n, err := store.PendingCount(QueueApub)
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	// Job ids are ULIDs, so claims come back in enqueue order.
	for _, kind := range []string{KindFollow, KindReject, KindAnnounce, KindForward, KindUndo} {
		job, err := store.ClaimNext(QueueApub)
		require.NoError(t, err)
		assert.Equal(t, kind, job.Kind)
	}
}

func TestRunFollowPersistsConnectionAndQueuesAccept(t *testing.T) {
	q, store := testQueue(t)

	remoteInbox := make(chan struct{}, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		remoteInbox <- struct{}{}
		w.WriteHeader(http.StatusAccepted)
	}))
	t.Cleanup(srv.Close)

	actorID := "https://remote.example/users/alice"
	require.NoError(t, store.SaveActor(db.Actor{ID: actorID, Inbox: srv.URL + "/inbox", PublicKeyID: actorID + "#main-key", PublicKeyPEM: "pem", SavedAt: time.Now()}))

	job := db.Job{ID: "job-1", Payload: marshalPayload(FollowPayload{ActorID: actorID, Direct: true})}
	require.NoError(t, q.runFollow(job))

	connected, err := store.IsConnected(actorID)
	require.NoError(t, err)
	assert.True(t, connected)

	n, err := store.PendingCount(QueueDeliver)
	require.NoError(t, err)
	assert.Equal(t, 2, n, "a direct follow-back queues both a Follow and an Accept")
}

func TestRunUndoRemovesConnection(t *testing.T) {
	q, store := testQueue(t)

	actorID := "https://remote.example/users/carol"
	require.NoError(t, store.SaveActor(db.Actor{ID: actorID, Inbox: "https://remote.example/users/carol/inbox", PublicKeyID: actorID + "#main-key", PublicKeyPEM: "pem", SavedAt: time.Now()}))
	require.NoError(t, store.AddConnection("https://remote.example"))

	job := db.Job{ID: "job-2", Payload: marshalPayload(UndoPayload{ActorID: actorID})}
	require.NoError(t, q.runUndo(job))

	connected, err := store.IsConnected(actorID)
	require.NoError(t, err)
	assert.False(t, connected)

	n, err := store.PendingCount(QueueDeliver)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "undo of a live connection queues an outbound Undo(Follow)")
}

func TestRunUndoWithoutPriorConnectionIsQuiet(t *testing.T) {
	q, store := testQueue(t)

	actorID := "https://remote.example/users/dave"
	require.NoError(t, store.SaveActor(db.Actor{ID: actorID, Inbox: "https://remote.example/users/dave/inbox", PublicKeyID: actorID + "#main-key", PublicKeyPEM: "pem", SavedAt: time.Now()}))

	job := db.Job{ID: "job-3", Payload: marshalPayload(UndoPayload{ActorID: actorID})}
	require.NoError(t, q.runUndo(job))

	n, err := store.PendingCount(QueueDeliver)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestRunAnnounceFansOutExcludingOrigin(t *testing.T) {
	q, store := testQueue(t)

	origin := "https://origin.example/users/alice"
	peer := "https://peer.example/users/bob"
	require.NoError(t, store.SaveActor(db.Actor{ID: origin, Inbox: "https://origin.example/inbox", PublicKeyID: origin + "#k", PublicKeyPEM: "pem", SavedAt: time.Now()}))
	require.NoError(t, store.SaveActor(db.Actor{ID: peer, Inbox: "https://peer.example/inbox", PublicKeyID: peer + "#k", PublicKeyPEM: "pem", SavedAt: time.Now()}))
	require.NoError(t, store.AddConnection("https://origin.example"))
	require.NoError(t, store.AddConnection("https://peer.example"))

	job := db.Job{ID: "job-4", Payload: marshalPayload(AnnouncePayload{ObjectID: "https://origin.example/objects/1", OriginActorID: origin})}
	require.NoError(t, q.runAnnounce(job))

	n, err := store.PendingCount(QueueDeliver)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "one DeliverMany job fanning out to the non-origin peer")
}

func TestRunAnnounceNoConnectedPeersIsNoop(t *testing.T) {
	q, store := testQueue(t)

	job := db.Job{ID: "job-5", Payload: marshalPayload(AnnouncePayload{ObjectID: "https://origin.example/objects/1", OriginActorID: "https://origin.example/users/alice"})}
	require.NoError(t, q.runAnnounce(job))

	n, err := store.PendingCount(QueueDeliver)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestRunDeliverPostsSignedActivity(t *testing.T) {
	q, _ := testQueue(t)

	received := make(chan *http.Request, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received <- r
		w.WriteHeader(http.StatusAccepted)
	}))
	t.Cleanup(srv.Close)

	payload := marshalPayload(DeliverPayload{Inbox: srv.URL + "/inbox", Activity: json.RawMessage(`{"type":"Accept"}`)})
	err := q.runDeliver(context.Background(), db.Job{ID: "job-6", Payload: payload})
	require.NoError(t, err)

	select {
	case r := <-received:
		assert.Equal(t, http.MethodPost, r.Method)
		assert.NotEmpty(t, r.Header.Get("Signature"))
	case <-time.After(2 * time.Second):
		t.Fatal("expected inbox to receive a delivery")
	}
}

func TestRunDeliverManyFansOutToOneJobPerInbox(t *testing.T) {
	q, store := testQueue(t)

	payload := marshalPayload(DeliverManyPayload{Inboxes: []string{"https://a.example/inbox", "https://b.example/inbox"}, Activity: json.RawMessage(`{}`)})
	require.NoError(t, q.runDeliverMany(db.Job{ID: "job-7", Payload: payload}))

	n, err := store.PendingCount(QueueDeliver)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestBackoffGrowsExponentiallyForDeliver(t *testing.T) {
	first := backoff(KindDeliver, 1)
	second := backoff(KindDeliver, 2)
	assert.Equal(t, 8*time.Second, first)
	assert.Greater(t, second, first)
}

func TestTriggerListenersAndRecordLastOnlineAreNonBlocking(t *testing.T) {
	q, _ := testQueue(t)
	// buffered channel capacity 1: calling twice in a row must not block.
	q.TriggerListeners()
	q.TriggerListeners()
	q.TriggerRecordLastOnline()
	q.TriggerRecordLastOnline()
}

func TestMarkOnlineAndDrainLastOnline(t *testing.T) {
	q, _ := testQueue(t)
	q.MarkOnline("example.com")
	q.MarkOnline("")

	drained := q.drainLastOnline()
	require.Len(t, drained, 1)
	_, ok := drained["example.com"]
	assert.True(t, ok)

	// draining clears the accumulator
	assert.Empty(t, q.drainLastOnline())
}
