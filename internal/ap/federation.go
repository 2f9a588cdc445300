package ap

import "encoding/json"

// ResolveInboxes converts a set of connected actor documents into the
// distinct inbox URLs an activity must be delivered to, preferring each
// origin's shared inbox (deduplicated once per origin) over per-actor
// inboxes so a relay with many connected accounts at the same instance only
// delivers once to that instance.
func ResolveInboxes(actors []Actor) []string {
	inboxes := make(map[string]struct{})
	sharedSeen := make(map[string]struct{}) // origin → already used its shared inbox

	for _, actor := range actors {
		inbox := actor.Inbox
		if actor.Endpoints != nil && actor.Endpoints.SharedInbox != "" {
			origin := Authority(actor.Endpoints.SharedInbox)
			if _, already := sharedSeen[origin]; already {
				continue
			}
			sharedSeen[origin] = struct{}{}
			inbox = actor.Endpoints.SharedInbox
		}
		if inbox != "" {
			inboxes[inbox] = struct{}{}
		}
	}

	out := make([]string, 0, len(inboxes))
	for inbox := range inboxes {
		out = append(out, inbox)
	}
	return out
}

// ActivityToMap converts a typed activity value to a generic map carrying
// the relay's default @context, ready for signing and delivery.
func ActivityToMap(v interface{}) map[string]interface{} {
	data, _ := json.Marshal(v)
	m := make(map[string]interface{})
	_ = json.Unmarshal(data, &m)
	m["@context"] = DefaultContext
	return m
}
