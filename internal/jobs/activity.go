package jobs

import "github.com/oklog/ulid/v2"

// newActivityID returns a lexicographically-ordered id suffix for an
// outbound activity the relay composes itself (Accept, Announce, Undo...).
func newActivityID() string {
	return ulid.Make().String()
}
