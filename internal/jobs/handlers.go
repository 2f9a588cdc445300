package jobs

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/klppl/relay/internal/ap"
	"github.com/klppl/relay/internal/db"
)

// ─── Enqueue* (satisfies internal/inbox.Jobs) ──────────────────────────────

// enqueue writes a job of kind onto the queue it belongs to, using the
// timeout that queue's jobs get.
func (q *Queue) enqueue(kind, payload string) error {
	_, err := q.store.Enqueue(queueFor(kind), kind, payload, timeoutFor(kind))
	return err
}

// EnqueueFollow queues a Follow job for a just-accepted inbound follow.
func (q *Queue) EnqueueFollow(actorID string, directFollow bool) error {
	return q.enqueue(KindFollow, marshalPayload(FollowPayload{ActorID: actorID, Direct: directFollow}))
}

// EnqueueReject queues a Reject job (peer-initiated disconnect).
func (q *Queue) EnqueueReject(actorID string) error {
	return q.enqueue(KindReject, marshalPayload(RejectPayload{ActorID: actorID}))
}

// EnqueueAnnounce queues an Announce job for a newly-seen object.
func (q *Queue) EnqueueAnnounce(objectID, originActorID string) error {
	return q.enqueue(KindAnnounce, marshalPayload(AnnouncePayload{ObjectID: objectID, OriginActorID: originActorID}))
}

// EnqueueForward queues a Forward job that fans the original activity bytes
// out verbatim, excluding the origin actor.
func (q *Queue) EnqueueForward(raw json.RawMessage, originActorID string) error {
	return q.enqueue(KindForward, marshalPayload(ForwardPayload{OriginActorID: originActorID, Activity: raw}))
}

// EnqueueUndo queues an Undo job for a peer unfollowing the relay.
func (q *Queue) EnqueueUndo(actorID string) error {
	return q.enqueue(KindUndo, marshalPayload(UndoPayload{ActorID: actorID}))
}

// ─── Deliver / DeliverMany ─────────────────────────────────────────────────

func (q *Queue) runDeliver(ctx context.Context, j db.Job) error {
	var p DeliverPayload
	if err := unmarshalPayload(j.Payload, &p); err != nil {
		return fmt.Errorf("unmarshal deliver payload: %w", err)
	}
	var activity map[string]interface{}
	if err := json.Unmarshal(p.Activity, &activity); err != nil {
		return fmt.Errorf("unmarshal deliver activity: %w", err)
	}
	err := ap.Deliver(ctx, q.breaker, p.Inbox, activity, q.identity.KeyID, q.identity.PrivateKey)
	if err == nil {
		q.MarkOnline(ap.Authority(p.Inbox))
	}
	return err
}

func (q *Queue) runDeliverMany(j db.Job) error {
	var p DeliverManyPayload
	if err := unmarshalPayload(j.Payload, &p); err != nil {
		return fmt.Errorf("unmarshal deliver_many payload: %w", err)
	}
	// Fan out into one Deliver job per inbox so each recipient's delivery
	// retries independently of the others.
	for _, inbox := range p.Inboxes {
		payload := marshalPayload(DeliverPayload{Inbox: inbox, Activity: p.Activity})
		if _, err := q.store.Enqueue(QueueDeliver, KindDeliver, payload, deliverTimeoutSec); err != nil {
			return fmt.Errorf("enqueue deliver for %s: %w", inbox, err)
		}
	}
	return nil
}

// connectedInboxesExcluding returns the distinct inbox URLs of every
// connected actor except originActorID's own — used so a relayed post or
// forwarded activity is never echoed back to its home instance.
func (q *Queue) connectedInboxesExcluding(originActorID string) ([]string, error) {
	actors, err := q.store.ConnectedActors()
	if err != nil {
		return nil, fmt.Errorf("list connected actors: %w", err)
	}
	originAuthority := ap.Authority(originActorID)
	seen := make(map[string]struct{}, len(actors))
	var inboxes []string
	for _, a := range actors {
		if a.ID == originActorID || a.Inbox == "" || ap.Authority(a.ID) == originAuthority {
			continue
		}
		if _, dup := seen[a.Inbox]; dup {
			continue
		}
		seen[a.Inbox] = struct{}{}
		inboxes = append(inboxes, a.Inbox)
	}
	return inboxes, nil
}

// ─── Announce / Forward ─────────────────────────────────────────────────────

func (q *Queue) runAnnounce(j db.Job) error {
	var p AnnouncePayload
	if err := unmarshalPayload(j.Payload, &p); err != nil {
		return fmt.Errorf("unmarshal announce payload: %w", err)
	}

	inboxes, err := q.connectedInboxesExcluding(p.OriginActorID)
	if err != nil {
		return err
	}
	if len(inboxes) == 0 {
		return nil
	}

	activity := ap.ActivityToMap(ap.Activity{
		ID:     q.identity.ActorID + "/activities/" + newActivityID(),
		Type:   "Announce",
		Actor:  q.identity.ActorID,
		Object: p.ObjectID,
		To:     []string{q.identity.ActorID + "/followers"},
	})
	raw, err := json.Marshal(activity)
	if err != nil {
		return fmt.Errorf("marshal announce: %w", err)
	}

	payload := marshalPayload(DeliverManyPayload{Inboxes: inboxes, Activity: raw})
	if _, err := q.store.Enqueue(QueueDeliver, KindDeliverMany, payload, deliverTimeoutSec); err != nil {
		return fmt.Errorf("enqueue deliver_many: %w", err)
	}
	q.dedup.MarkSeen(p.ObjectID)
	return nil
}

func (q *Queue) runForward(j db.Job) error {
	var p ForwardPayload
	if err := unmarshalPayload(j.Payload, &p); err != nil {
		return fmt.Errorf("unmarshal forward payload: %w", err)
	}
	inboxes, err := q.connectedInboxesExcluding(p.OriginActorID)
	if err != nil {
		return err
	}
	if len(inboxes) == 0 {
		return nil
	}
	payload := marshalPayload(DeliverManyPayload{Inboxes: inboxes, Activity: p.Activity})
	_, err = q.store.Enqueue(QueueDeliver, KindDeliverMany, payload, deliverTimeoutSec)
	return err
}

// ─── Follow / Undo / Reject ─────────────────────────────────────────────────

func (q *Queue) runFollow(j db.Job) error {
	var p FollowPayload
	if err := unmarshalPayload(j.Payload, &p); err != nil {
		return fmt.Errorf("unmarshal follow payload: %w", err)
	}

	actor, err := q.store.GetActor(p.ActorID)
	if err != nil {
		return fmt.Errorf("load actor %s: %w", p.ActorID, err)
	}
	origin, err := db.Origin(p.ActorID)
	if err != nil {
		return fmt.Errorf("origin of %s: %w", p.ActorID, err)
	}
	alreadyConnected, err := q.store.IsConnected(p.ActorID)
	if err != nil {
		return fmt.Errorf("check connection: %w", err)
	}
	if err := q.store.AddConnection(origin); err != nil {
		return fmt.Errorf("add connection: %w", err)
	}

	if p.Direct && !alreadyConnected {
		followBack := ap.ActivityToMap(ap.Activity{
			ID:     q.identity.ActorID + "/activities/" + newActivityID(),
			Type:   "Follow",
			Actor:  q.identity.ActorID,
			Object: actor.ID,
		})
		if err := q.enqueueDeliver(actor.Inbox, followBack); err != nil {
			return err
		}
	}

	accept := ap.ActivityToMap(ap.Activity{
		ID:     q.identity.ActorID + "/activities/" + newActivityID(),
		Type:   "Accept",
		Actor:  q.identity.ActorID,
		Object: map[string]interface{}{"type": "Follow", "actor": actor.ID, "object": q.identity.ActorID},
	})
	return q.enqueueDeliver(actor.Inbox, accept)
}

func (q *Queue) runUndo(j db.Job) error {
	var p UndoPayload
	if err := unmarshalPayload(j.Payload, &p); err != nil {
		return fmt.Errorf("unmarshal undo payload: %w", err)
	}
	actor, err := q.store.GetActor(p.ActorID)
	if err != nil {
		return fmt.Errorf("load actor %s: %w", p.ActorID, err)
	}
	wasFollowingBack, err := q.store.IsConnected(p.ActorID)
	if err != nil {
		return fmt.Errorf("check connection: %w", err)
	}
	origin, err := db.Origin(p.ActorID)
	if err != nil {
		return fmt.Errorf("origin of %s: %w", p.ActorID, err)
	}
	if err := q.store.RemoveConnection(origin); err != nil {
		return fmt.Errorf("remove connection: %w", err)
	}
	if !wasFollowingBack {
		return nil
	}
	undo := ap.ActivityToMap(ap.Activity{
		ID:    q.identity.ActorID + "/activities/" + newActivityID(),
		Type:  "Undo",
		Actor: q.identity.ActorID,
		Object: map[string]interface{}{
			"type": "Follow", "actor": q.identity.ActorID, "object": actor.ID,
		},
	})
	return q.enqueueDeliver(actor.Inbox, undo)
}

func (q *Queue) runReject(j db.Job) error {
	var p RejectPayload
	if err := unmarshalPayload(j.Payload, &p); err != nil {
		return fmt.Errorf("unmarshal reject payload: %w", err)
	}
	actor, err := q.store.GetActor(p.ActorID)
	if err != nil {
		return fmt.Errorf("load actor %s: %w", p.ActorID, err)
	}
	origin, err := db.Origin(p.ActorID)
	if err != nil {
		return fmt.Errorf("origin of %s: %w", p.ActorID, err)
	}
	if err := q.store.RemoveConnection(origin); err != nil {
		return fmt.Errorf("remove connection: %w", err)
	}
	undo := ap.ActivityToMap(ap.Activity{
		ID:    q.identity.ActorID + "/activities/" + newActivityID(),
		Type:  "Undo",
		Actor: q.identity.ActorID,
		Object: map[string]interface{}{
			"type": "Follow", "actor": q.identity.ActorID, "object": actor.ID,
		},
	})
	return q.enqueueDeliver(actor.Inbox, undo)
}

func (q *Queue) enqueueDeliver(inbox string, activity map[string]interface{}) error {
	raw, err := json.Marshal(activity)
	if err != nil {
		return fmt.Errorf("marshal activity: %w", err)
	}
	payload := marshalPayload(DeliverPayload{Inbox: inbox, Activity: raw})
	_, err = q.store.Enqueue(QueueDeliver, KindDeliver, payload, deliverTimeoutSec)
	return err
}
