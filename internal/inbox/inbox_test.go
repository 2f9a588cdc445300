package inbox_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/klppl/relay/internal/ap"
	"github.com/klppl/relay/internal/breaker"
	"github.com/klppl/relay/internal/cache"
	"github.com/klppl/relay/internal/db"
	"github.com/klppl/relay/internal/inbox"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const relayActorID = "https://relay.example/actor"

type fakeJobs struct {
	followedActor string
	directFollow  bool
	rejectedActor string
	announcedObj  string
	forwardedFrom string
	undoneActor   string
}

func (f *fakeJobs) EnqueueFollow(actorID string, directFollow bool) error {
	f.followedActor = actorID
	f.directFollow = directFollow
	return nil
}
func (f *fakeJobs) EnqueueReject(actorID string) error {
	f.rejectedActor = actorID
	return nil
}
func (f *fakeJobs) EnqueueAnnounce(objectID, originActorID string) error {
	f.announcedObj = objectID
	return nil
}
func (f *fakeJobs) EnqueueForward(raw json.RawMessage, originActorID string) error {
	f.forwardedFrom = originActorID
	return nil
}
func (f *fakeJobs) EnqueueUndo(actorID string) error {
	f.undoneActor = actorID
	return nil
}

type fakePolicy struct {
	restricted bool
	validate   bool
}

func (p *fakePolicy) RestrictedMode() bool     { return p.restricted }
func (p *fakePolicy) ValidateSignatures() bool { return p.validate }

// newActorServer serves an actor document at /actor, returning the actor's
// id and key id. Each call runs on a fresh local port, so its
// actor id never collides with another test's cached entry in the
// process-wide actor cache.
func newActorServer(t *testing.T) (actorID, keyID string) {
	t.Helper()
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	actorID = srv.URL + "/actor"
	keyID = actorID + "#main-key"
	mux.HandleFunc("/actor", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(ap.Actor{
			ID:    actorID,
			Type:  "Person",
			Inbox: actorID + "/inbox",
			PublicKey: &ap.PublicKey{
				ID:           keyID,
				Owner:        actorID,
				PublicKeyPem: "-----BEGIN PUBLIC KEY-----\nnotarealkey\n-----END PUBLIC KEY-----",
			},
		})
	})
	return actorID, keyID
}

func newTestHandler(t *testing.T, jobs *fakeJobs, pol *fakePolicy) (*inbox.Handler, *db.Store) {
	t.Helper()
	store, err := db.Open(":memory:")
	require.NoError(t, err)
	require.NoError(t, store.Migrate())
	t.Cleanup(func() { store.Close() })

	return &inbox.Handler{
		Store:        store,
		Breaker:      breaker.New(5, time.Minute),
		Dedup:        cache.NewObjectDedupCache(64),
		Jobs:         jobs,
		Policy:       pol,
		RelayActorID: relayActorID,
	}, store
}

func activityJSON(t *testing.T, id, typ, actorID string, object interface{}) json.RawMessage {
	t.Helper()
	m := map[string]interface{}{"id": id, "type": typ, "actor": actorID}
	if object != nil {
		m["object"] = object
	}
	data, err := json.Marshal(m)
	require.NoError(t, err)
	return data
}

func TestHandleRejectsMalformedActivity(t *testing.T) {
	h, _ := newTestHandler(t, &fakeJobs{}, &fakePolicy{})

	err := h.Handle(context.Background(), json.RawMessage(`{"type":"Follow","actor":"x","id":"1"}`), inbox.Signature{})
	assert.ErrorIs(t, err, inbox.ErrObjectFormat)

	err = h.Handle(context.Background(), json.RawMessage(`{"actor":"x","id":"1"}`), inbox.Signature{})
	assert.ErrorIs(t, err, inbox.ErrMissingKind)

	err = h.Handle(context.Background(), json.RawMessage(`{"type":"Follow","actor":"x"}`), inbox.Signature{})
	assert.ErrorIs(t, err, inbox.ErrMissingID)
}

func TestHandleFollowAcceptedAndAllowed(t *testing.T) {
	actorID, _ := newActorServer(t)
	jobs := &fakeJobs{}
	h, _ := newTestHandler(t, jobs, &fakePolicy{})

	raw := activityJSON(t, "https://remote/1", "Follow", actorID, relayActorID)
	err := h.Handle(context.Background(), raw, inbox.Signature{})
	require.NoError(t, err)
	assert.Equal(t, actorID, jobs.followedActor)
	assert.True(t, jobs.directFollow)
}

func TestHandleFollowWrongObjectRejected(t *testing.T) {
	actorID, _ := newActorServer(t)
	jobs := &fakeJobs{}
	h, _ := newTestHandler(t, jobs, &fakePolicy{})

	raw := activityJSON(t, "https://remote/1", "Follow", actorID, "https://relay.example/not-the-actor")
	err := h.Handle(context.Background(), raw, inbox.Signature{})
	assert.ErrorIs(t, err, inbox.ErrWrongActor)
}

func TestHandleBlockedDomainRejected(t *testing.T) {
	actorID, _ := newActorServer(t)
	jobs := &fakeJobs{}
	h, store := newTestHandler(t, jobs, &fakePolicy{})

	require.NoError(t, store.AddBlocks([]string{db.Authority(actorID)}))

	raw := activityJSON(t, "https://remote/1", "Follow", actorID, relayActorID)
	err := h.Handle(context.Background(), raw, inbox.Signature{})
	assert.ErrorIs(t, err, inbox.ErrNotAllowed)
}

func TestHandleRestrictedModeRequiresAllowList(t *testing.T) {
	actorID, _ := newActorServer(t)
	jobs := &fakeJobs{}
	h, _ := newTestHandler(t, jobs, &fakePolicy{restricted: true})

	raw := activityJSON(t, "https://remote/1", "Follow", actorID, relayActorID)
	err := h.Handle(context.Background(), raw, inbox.Signature{})
	assert.ErrorIs(t, err, inbox.ErrNotAllowed)
}

func TestHandleNotSubscribedForNonFollow(t *testing.T) {
	actorID, _ := newActorServer(t)
	jobs := &fakeJobs{}
	h, _ := newTestHandler(t, jobs, &fakePolicy{})

	raw := activityJSON(t, "https://remote/2", "Announce", actorID, "https://remote/objects/1")
	err := h.Handle(context.Background(), raw, inbox.Signature{})
	assert.ErrorIs(t, err, inbox.ErrNotSubscribed)
}

func TestHandleAnnounceDedup(t *testing.T) {
	actorID, _ := newActorServer(t)
	jobs := &fakeJobs{}
	h, store := newTestHandler(t, jobs, &fakePolicy{})
	require.NoError(t, store.AddConnection(mustOrigin(t, actorID)))

	raw := activityJSON(t, "https://remote/2", "Announce", actorID, "https://remote/objects/1")
	require.NoError(t, h.Handle(context.Background(), raw, inbox.Signature{}))
	assert.Equal(t, "https://remote/objects/1", jobs.announcedObj)

	raw2 := activityJSON(t, "https://remote/3", "Announce", actorID, "https://remote/objects/1")
	err := h.Handle(context.Background(), raw2, inbox.Signature{})
	assert.ErrorIs(t, err, inbox.ErrDuplicate)
}

func TestHandleUndoFollowNoopWhenNotConnected(t *testing.T) {
	actorID, _ := newActorServer(t)
	jobs := &fakeJobs{}
	h, _ := newTestHandler(t, jobs, &fakePolicy{})

	inner := map[string]string{"type": "Follow", "actor": actorID, "object": relayActorID}
	raw := activityJSON(t, "https://remote/4", "Undo", actorID, inner)
	err := h.Handle(context.Background(), raw, inbox.Signature{})
	require.NoError(t, err)
	assert.Empty(t, jobs.undoneActor, "undo on a connection we never had is a silent no-op")
}

func TestHandleUndoFollowEnqueuedWhenConnected(t *testing.T) {
	actorID, _ := newActorServer(t)
	jobs := &fakeJobs{}
	h, store := newTestHandler(t, jobs, &fakePolicy{})
	require.NoError(t, store.AddConnection(mustOrigin(t, actorID)))

	inner := map[string]string{"type": "Follow", "actor": actorID, "object": relayActorID}
	raw := activityJSON(t, "https://remote/4", "Undo", actorID, inner)
	require.NoError(t, h.Handle(context.Background(), raw, inbox.Signature{}))
	assert.Equal(t, actorID, jobs.undoneActor)
}

func TestHandleRequiresSignatureWhenValidationEnabled(t *testing.T) {
	actorID, _ := newActorServer(t)
	jobs := &fakeJobs{}
	h, _ := newTestHandler(t, jobs, &fakePolicy{validate: true})

	raw := activityJSON(t, "https://remote/1", "Follow", actorID, relayActorID)
	err := h.Handle(context.Background(), raw, inbox.Signature{Present: false})
	assert.ErrorIs(t, err, inbox.ErrNoSignature)
}

func TestHandleRejectsMismatchedSignatureKey(t *testing.T) {
	actorID, _ := newActorServer(t)
	jobs := &fakeJobs{}
	h, _ := newTestHandler(t, jobs, &fakePolicy{validate: true})

	raw := activityJSON(t, "https://remote/1", "Follow", actorID, relayActorID)
	err := h.Handle(context.Background(), raw, inbox.Signature{Present: true, KeyID: "https://someone-else.example/actor#main-key"})
	assert.ErrorIs(t, err, inbox.ErrBadActor)
}

func TestHandleAcceptsVerifiedSignatureMatchingActorKey(t *testing.T) {
	actorID, keyID := newActorServer(t)
	jobs := &fakeJobs{}
	h, _ := newTestHandler(t, jobs, &fakePolicy{validate: true})

	raw := activityJSON(t, "https://remote/1", "Follow", actorID, relayActorID)
	err := h.Handle(context.Background(), raw, inbox.Signature{Present: true, Verified: true, KeyID: keyID})
	require.NoError(t, err)
	assert.Equal(t, actorID, jobs.followedActor)
}

func TestHandleUnsupportedActivityType(t *testing.T) {
	actorID, _ := newActorServer(t)
	jobs := &fakeJobs{}
	h, store := newTestHandler(t, jobs, &fakePolicy{})
	require.NoError(t, store.AddConnection(mustOrigin(t, actorID)))

	raw := activityJSON(t, "https://remote/5", "Like", actorID, "https://remote/objects/1")
	err := h.Handle(context.Background(), raw, inbox.Signature{})
	assert.ErrorIs(t, err, inbox.ErrKind)
}

func TestHandleMoveIsLoggedAndIgnored(t *testing.T) {
	actorID, _ := newActorServer(t)
	jobs := &fakeJobs{}
	h, store := newTestHandler(t, jobs, &fakePolicy{})
	require.NoError(t, store.AddConnection(mustOrigin(t, actorID)))

	raw := activityJSON(t, "https://remote/6", "Move", actorID, nil)
	err := h.Handle(context.Background(), raw, inbox.Signature{})
	require.NoError(t, err)
}

func TestHandleForwardsAddDeleteUpdate(t *testing.T) {
	actorID, _ := newActorServer(t)
	jobs := &fakeJobs{}
	h, store := newTestHandler(t, jobs, &fakePolicy{})
	require.NoError(t, store.AddConnection(mustOrigin(t, actorID)))

	raw := activityJSON(t, "https://remote/7", "Add", actorID, "https://remote/objects/1")
	require.NoError(t, h.Handle(context.Background(), raw, inbox.Signature{}))
	assert.Equal(t, actorID, jobs.forwardedFrom)
}

func mustOrigin(t *testing.T, iri string) string {
	t.Helper()
	origin, err := db.Origin(iri)
	require.NoError(t, err)
	return origin
}
