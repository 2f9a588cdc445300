package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/klppl/relay/internal/ap"
	"github.com/klppl/relay/internal/db"
	"github.com/tidwall/gjson"
)

// These three jobs refresh one sub-record of a connected actor's instance
// metadata each. All three are best-effort: most of the fediverse doesn't
// run Mastodon's /api/v1/instance, and a relay shouldn't burn retries
// chasing an endpoint a peer never implemented. A fetch failure logs at
// debug and completes the job rather than retrying.

func (q *Queue) runQueryInstance(ctx context.Context, j db.Job) error {
	var p QueryInstancePayload
	if err := unmarshalPayload(j.Payload, &p); err != nil {
		return fmt.Errorf("unmarshal query_instance payload: %w", err)
	}
	origin, err := db.Origin(p.ActorID)
	if err != nil {
		return nil
	}

	var raw json.RawMessage
	if err := ap.FetchJSON(ctx, q.breaker, origin+"/api/v1/instance", "application/json", &raw); err != nil {
		slog.Debug("query_instance: no instance api", "actor_id", p.ActorID, "error", err)
		return nil
	}

	rec := db.NodeInstanceRecord{
		Title:            gjson.GetBytes(raw, "title").String(),
		Description:      gjson.GetBytes(raw, "short_description|@this|0").String(),
		Version:          gjson.GetBytes(raw, "version").String(),
		Registrations:    gjson.GetBytes(raw, "registrations").Bool(),
		RequiresApproval: gjson.GetBytes(raw, "approval_required").Bool(),
		UpdatedAt:        time.Now(),
	}
	if rec.Description == "" {
		rec.Description = gjson.GetBytes(raw, "description").String()
	}
	if err := q.store.SaveNodeInstance(p.ActorID, rec); err != nil {
		return fmt.Errorf("save node instance: %w", err)
	}
	q.nodes.SetInstance(p.ActorID, rec)
	return nil
}

func (q *Queue) runQueryNodeinfo(ctx context.Context, j db.Job) error {
	var p QueryNodeinfoPayload
	if err := unmarshalPayload(j.Payload, &p); err != nil {
		return fmt.Errorf("unmarshal query_nodeinfo payload: %w", err)
	}
	origin, err := db.Origin(p.ActorID)
	if err != nil {
		return nil
	}

	var links json.RawMessage
	if err := ap.FetchJSON(ctx, q.breaker, origin+"/.well-known/nodeinfo", "application/json", &links); err != nil {
		slog.Debug("query_nodeinfo: no well-known nodeinfo", "actor_id", p.ActorID, "error", err)
		return nil
	}
	href := nodeinfoHref(links)
	if href == "" {
		return nil
	}

	var raw json.RawMessage
	if err := ap.FetchJSON(ctx, q.breaker, href, "application/json", &raw); err != nil {
		slog.Debug("query_nodeinfo: fetch nodeinfo doc failed", "actor_id", p.ActorID, "error", err)
		return nil
	}

	openReg := gjson.GetBytes(raw, "openRegistrations")
	open := openReg.Bool()
	if openReg.Type == gjson.String && openReg.Str != "true" && openReg.Str != "false" {
		// Any string other than "true"/"false" counts as open.
		open = true
	}
	rec := db.NodeInfoRecord{
		Software:          gjson.GetBytes(raw, "software.name").String(),
		Version:           gjson.GetBytes(raw, "software.version").String(),
		OpenRegistrations: open,
		UpdatedAt:         time.Now(),
	}
	if err := q.store.SaveNodeInfo(p.ActorID, rec); err != nil {
		return fmt.Errorf("save node info: %w", err)
	}
	q.nodes.SetInfo(p.ActorID, rec)
	return nil
}

// nodeinfoHref picks the highest-version 2.x link out of a well-known
// nodeinfo discovery document.
func nodeinfoHref(links json.RawMessage) string {
	const schema20 = "http://nodeinfo.diaspora.software/ns/schema/2.0"
	const schema21 = "http://nodeinfo.diaspora.software/ns/schema/2.1"
	best, bestRel := "", ""
	for _, link := range gjson.GetBytes(links, "links").Array() {
		rel := link.Get("rel").String()
		if rel == schema21 || (rel == schema20 && bestRel != schema21) {
			best, bestRel = link.Get("href").String(), rel
		}
	}
	return best
}

func (q *Queue) runQueryContact(ctx context.Context, j db.Job) error {
	var p QueryContactPayload
	if err := unmarshalPayload(j.Payload, &p); err != nil {
		return fmt.Errorf("unmarshal query_contact payload: %w", err)
	}
	if p.ContactID == "" {
		return nil
	}
	contact, err := ap.FetchActor(ctx, q.breaker, p.ContactID)
	if err != nil {
		slog.Debug("query_contact: fetch contact actor failed", "actor_id", p.ActorID, "contact_id", p.ContactID, "error", err)
		return nil
	}

	rec := db.NodeContactRecord{
		Username:    contact.PreferredUsername,
		DisplayName: contact.Name,
		URL:         contact.ID,
		UpdatedAt:   time.Now(),
	}
	if contact.Icon != nil && contact.Icon.URL != "" {
		mediaID, err := q.store.MediaIDForURL(contact.Icon.URL)
		if err == nil {
			rec.Avatar = mediaID
		}
	}
	if err := q.store.SaveNodeContact(p.ActorID, rec); err != nil {
		return fmt.Errorf("save node contact: %w", err)
	}
	q.nodes.SetContact(p.ActorID, rec)
	return nil
}

// runRecordLastOnline flushes the in-memory MarkOnline accumulator to the
// store. Runs on a 10-minute tick (or on demand) rather than on every
// successful delivery, so a busy relay isn't writing last_seen on every
// outbound POST.
func (q *Queue) runRecordLastOnline() error {
	drained := q.drainLastOnline()
	for authority, t := range drained {
		if err := q.store.MarkLastSeen(authority, t); err != nil {
			return fmt.Errorf("mark last seen for %s: %w", authority, err)
		}
	}
	return nil
}

// runListeners re-queries instance and nodeinfo metadata for every
// currently-connected actor whose cached sub-record is outdated. Contact
// records are not refreshed here, and no job in this package enqueues
// QueryContact.
func (q *Queue) runListeners() error {
	actors, err := q.store.ConnectedActors()
	if err != nil {
		return fmt.Errorf("list connected actors: %w", err)
	}
	for _, a := range actors {
		if q.nodes.Instance(a.ID).IsOutdated() {
			payload := marshalPayload(QueryInstancePayload{ActorID: a.ID})
			if _, err := q.store.Enqueue(QueueMaintenance, KindQueryInstance, payload, maintenanceTimeoutSec); err != nil {
				slog.Error("enqueue query_instance", "actor_id", a.ID, "error", err)
			}
		}
		if q.nodes.Info(a.ID).IsOutdated() {
			payload := marshalPayload(QueryNodeinfoPayload{ActorID: a.ID})
			if _, err := q.store.Enqueue(QueueMaintenance, KindQueryNodeinfo, payload, maintenanceTimeoutSec); err != nil {
				slog.Error("enqueue query_nodeinfo", "actor_id", a.ID, "error", err)
			}
		}
	}
	return nil
}
