package jobs

import "encoding/json"

// Job kinds, dispatched on on Job.Kind.
const (
	KindDeliver          = "Deliver"
	KindDeliverMany      = "DeliverMany"
	KindAnnounce         = "Announce"
	KindFollow           = "Follow"
	KindForward          = "Forward"
	KindUndo             = "Undo"
	KindReject           = "Reject"
	KindQueryInstance    = "QueryInstance"
	KindQueryNodeinfo    = "QueryNodeinfo"
	KindQueryContact     = "QueryContact"
	KindRecordLastOnline = "RecordLastOnline"
	KindListeners        = "Listeners"
)

// Named queues.
const (
	QueueDeliver     = "deliver"
	QueueApub        = "apub"
	QueueMaintenance = "maintenance"
)

// queueFor maps a job kind to the queue it runs on.
func queueFor(kind string) string {
	switch kind {
	case KindDeliver, KindDeliverMany:
		return QueueDeliver
	case KindAnnounce, KindFollow, KindForward, KindUndo, KindReject:
		return QueueApub
	default:
		return QueueMaintenance
	}
}

// deliverTimeoutSec / apubTimeoutSec / maintenanceTimeoutSec bound how long
// a worker may hold a job before the poller reclaims it as crashed.
const (
	deliverTimeoutSec     = 30
	apubTimeoutSec        = 60
	maintenanceTimeoutSec = 120
)

func timeoutFor(kind string) int {
	switch queueFor(kind) {
	case QueueDeliver:
		return deliverTimeoutSec
	case QueueApub:
		return apubTimeoutSec
	default:
		return maintenanceTimeoutSec
	}
}

// DeliverPayload is the argument to a Deliver job: one signed POST to one
// inbox.
type DeliverPayload struct {
	Inbox    string          `json:"inbox"`
	Activity json.RawMessage `json:"activity"`
}

// DeliverManyPayload fans out into one Deliver job per inbox rather than
// being executed directly, so each recipient retries independently.
type DeliverManyPayload struct {
	Inboxes  []string        `json:"inboxes"`
	Activity json.RawMessage `json:"activity"`
}

// AnnouncePayload requests an Announce of objectID be generated and
// delivered to every connected inbox except originActorID's own.
type AnnouncePayload struct {
	ObjectID      string `json:"object_id"`
	OriginActorID string `json:"origin_actor_id"`
}

// FollowPayload records a just-accepted inbound Follow.
type FollowPayload struct {
	ActorID string `json:"actor_id"`
	// Direct is true when the Follow targeted the relay actor IRI
	// directly rather than the public collection.
	Direct bool `json:"direct"`
}

// ForwardPayload fans the original activity bytes out to every connected
// inbox except the one it came from.
type ForwardPayload struct {
	OriginActorID string          `json:"origin_actor_id"`
	Activity      json.RawMessage `json:"activity"`
}

// UndoPayload/RejectPayload carry just the actor whose connection is ending.
type UndoPayload struct {
	ActorID string `json:"actor_id"`
}

type RejectPayload struct {
	ActorID string `json:"actor_id"`
}

// QueryInstancePayload / QueryNodeinfoPayload / QueryContactPayload name the
// connected actor whose metadata sub-record should be refreshed.
type QueryInstancePayload struct {
	ActorID string `json:"actor_id"`
}

type QueryNodeinfoPayload struct {
	ActorID string `json:"actor_id"`
}

type QueryContactPayload struct {
	ActorID   string `json:"actor_id"`
	ContactID string `json:"contact_id"`
}
