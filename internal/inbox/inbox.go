package inbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/klppl/relay/internal/ap"
	"github.com/klppl/relay/internal/breaker"
	"github.com/klppl/relay/internal/cache"
	"github.com/klppl/relay/internal/db"
)

// Jobs is the subset of the job system the inbox state machine drives.
// Implemented by internal/jobs.Queue.
type Jobs interface {
	EnqueueFollow(actorID string, directFollow bool) error
	EnqueueReject(actorID string) error
	EnqueueAnnounce(objectID, originActorID string) error
	EnqueueForward(raw json.RawMessage, originActorID string) error
	EnqueueUndo(actorID string) error
}

// Policy exposes the live (store-backed) settings the inbox consults.
type Policy interface {
	RestrictedMode() bool
	ValidateSignatures() bool
}

// Signature is the outcome of verifying an inbound request's HTTP
// Signature, produced by the caller (the HTTP handler) before Handle runs.
type Signature struct {
	Present  bool
	Verified bool
	KeyID    string
}

// Handler is the inbox state machine described by the component design:
// resolve the signer, apply allow/block and connection policy, optionally
// require a verified signature, then dispatch by activity type.
type Handler struct {
	Store        *db.Store
	Breaker      *breaker.Registry
	Dedup        *cache.ObjectDedupCache
	Jobs         Jobs
	Policy       Policy
	RelayActorID string
}

// Handle processes one inbound activity. The HTTP layer is responsible for
// signature verification and digest checking before calling Handle; sig
// carries the result.
func (h *Handler) Handle(ctx context.Context, raw json.RawMessage, sig Signature) error {
	var activity ap.IncomingActivity
	if err := json.Unmarshal(raw, &activity); err != nil {
		return fmt.Errorf("%w: %v", ErrObjectFormat, err)
	}
	if activity.Type == "" {
		return ErrMissingKind
	}
	if activity.ID == "" {
		return ErrMissingID
	}
	if ap.Authority(activity.Actor) == "" {
		return ErrObjectFormat
	}

	actor, bypassSigcheck, err := h.resolveSigner(ctx, activity)
	if err != nil {
		return err
	}
	if !bypassSigcheck {
		// Persist the actor record now, not only once a Follow is accepted:
		// later jobs (runFollow/runUndo/runReject) load the actor by id from
		// the store, and an Accept/Reject/Undo for a peer can arrive before
		// any Follow job has had a chance to save it.
		if ap.Authority(actor.ID) != ap.Authority(actor.Inbox) {
			return ErrBadActor
		}
		if err := h.Store.SaveActor(toDBActor(actor)); err != nil {
			return fmt.Errorf("save actor %s: %w", actor.ID, err)
		}
	}

	allowed, err := h.Store.IsAllowed(actor.ID, h.Policy.RestrictedMode())
	if err != nil {
		return fmt.Errorf("check allow policy: %w", err)
	}
	if !allowed {
		return ErrNotAllowed
	}

	connected, err := h.Store.IsConnected(actor.ID)
	if err != nil {
		return fmt.Errorf("check connection: %w", err)
	}
	if !connected && !isFollowOrUndoFollow(activity) {
		return ErrNotSubscribed
	}

	if h.Policy.ValidateSignatures() && !bypassSigcheck {
		if !sig.Present {
			return ErrNoSignature
		}
		if actor.PublicKey == nil || sig.KeyID != actor.PublicKey.ID {
			return ErrBadActor
		}
	}

	return h.dispatch(ctx, activity, actor)
}

// resolveSigner fetches the actor document for activity.Actor. The Delete
// tombstone special case: a Gone response combined with a Delete activity
// synthesizes a ghost actor and proceeds without signature verification,
// since a long-deceased actor can never supply a verifiable signature
// again.
func (h *Handler) resolveSigner(ctx context.Context, activity ap.IncomingActivity) (*ap.Actor, bool, error) {
	actor, err := ap.FetchActor(ctx, h.Breaker, activity.Actor)
	if err != nil {
		if errors.Is(err, ap.ErrGone) && activity.Type == "Delete" {
			slog.Debug("actor gone, honoring delete tombstone", "actor", activity.Actor)
			return &ap.Actor{ID: activity.Actor}, true, nil
		}
		return nil, false, fmt.Errorf("resolve signer %s: %w", activity.Actor, err)
	}
	return actor, false, nil
}

// toDBActor converts a fetched actor document into the store's persisted
// record shape. A missing public key yields an empty PublicKeyID/PEM rather
// than failing the save — signature validation (when enabled) rejects such
// an actor independently, at the ValidateSignatures gate below.
func toDBActor(a *ap.Actor) db.Actor {
	rec := db.Actor{ID: a.ID, Inbox: a.Inbox, SavedAt: time.Now()}
	if a.PublicKey != nil {
		rec.PublicKeyID = a.PublicKey.ID
		rec.PublicKeyPEM = a.PublicKey.PublicKeyPem
	} else {
		// public_key_id is UNIQUE; fall back to the actor's own id (already
		// unique as the primary key) so two keyless actors never collide.
		rec.PublicKeyID = a.ID
	}
	return rec
}

func isFollowOrUndoFollow(activity ap.IncomingActivity) bool {
	if activity.Type == "Follow" {
		return true
	}
	if activity.Type != "Undo" {
		return false
	}
	var inner struct {
		Type string `json:"type"`
	}
	_ = json.Unmarshal(activity.Object, &inner)
	return inner.Type == "Follow"
}

func (h *Handler) dispatch(ctx context.Context, activity ap.IncomingActivity, actor *ap.Actor) error {
	switch activity.Type {
	case "Follow":
		return h.handleFollow(activity, actor)
	case "Accept":
		return h.handleAccept(activity, actor)
	case "Reject":
		return h.handleReject(activity, actor)
	case "Announce", "Create":
		return h.handleAnnounceOrCreate(activity, actor)
	case "Add", "Delete", "Update":
		return h.Jobs.EnqueueForward(mustRaw(activity), actor.ID)
	case "Undo":
		return h.handleUndo(activity, actor)
	case "Move":
		slog.Info("move activity received, logged and ignored", "actor", actor.ID)
		return nil
	default:
		return ErrKind
	}
}

// handleFollow requires the Follow's object to be the relay actor IRI or
// the public collection.
func (h *Handler) handleFollow(activity ap.IncomingActivity, actor *ap.Actor) error {
	objectID, ok := activity.ObjectID()
	if !ok {
		return ErrObjectCount
	}
	if objectID != h.RelayActorID && objectID != ap.PublicURI {
		return ErrWrongActor
	}
	direct := objectID == h.RelayActorID
	return h.Jobs.EnqueueFollow(actor.ID, direct)
}

// handleAccept requires the inner object to be a Follow whose actor is the
// relay; it records no state change (the peer accepted our follow-back).
func (h *Handler) handleAccept(activity ap.IncomingActivity, actor *ap.Actor) error {
	inner, err := parseInnerFollow(activity.Object)
	if err != nil {
		return err
	}
	if inner.Actor != h.RelayActorID {
		return ErrWrongActor
	}
	return nil
}

// handleReject is symmetric to Accept, but triggers a disconnect.
func (h *Handler) handleReject(activity ap.IncomingActivity, actor *ap.Actor) error {
	inner, err := parseInnerFollow(activity.Object)
	if err != nil {
		return err
	}
	if inner.Actor != h.RelayActorID {
		return ErrWrongActor
	}
	return h.Jobs.EnqueueReject(actor.ID)
}

func (h *Handler) handleAnnounceOrCreate(activity ap.IncomingActivity, actor *ap.Actor) error {
	objectID, ok := activity.ObjectID()
	if !ok || objectID == "" {
		return ErrObjectCount
	}
	if !h.Dedup.MarkSeen(objectID) {
		return ErrDuplicate
	}
	return h.Jobs.EnqueueAnnounce(objectID, actor.ID)
}

// handleUndo requires the inner activity to be a Follow targeting the relay
// or the public collection; if we're not currently connected to actor, this
// is a no-op rather than an error (an Undo for a connection we never had).
func (h *Handler) handleUndo(activity ap.IncomingActivity, actor *ap.Actor) error {
	inner, err := parseInnerFollow(activity.Object)
	if err != nil {
		return err
	}
	if inner.Object != h.RelayActorID && inner.Object != ap.PublicURI {
		return ErrWrongActor
	}

	connected, err := h.Store.IsConnected(actor.ID)
	if err != nil {
		return fmt.Errorf("check connection for undo: %w", err)
	}
	if !connected {
		return nil
	}
	return h.Jobs.EnqueueUndo(actor.ID)
}

type innerFollow struct {
	Type   string `json:"type"`
	Actor  string `json:"actor"`
	Object string `json:"object"`
}

func parseInnerFollow(raw json.RawMessage) (innerFollow, error) {
	var inner innerFollow
	if len(raw) == 0 {
		return innerFollow{}, ErrObjectCount
	}
	if err := json.Unmarshal(raw, &inner); err != nil {
		return innerFollow{}, fmt.Errorf("%w: %v", ErrObjectFormat, err)
	}
	if inner.Type != "Follow" {
		return innerFollow{}, ErrObjectFormat
	}
	return inner, nil
}

func mustRaw(activity ap.IncomingActivity) json.RawMessage {
	data, _ := json.Marshal(activity)
	return data
}
