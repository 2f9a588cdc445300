// Package inbox implements the relay's inbox state machine: validating an
// incoming activity against the allow/block and connection policy, the
// signature-verification gate, and dispatching it to the job system.
package inbox

import (
	"errors"
	"net/http"
)

// Error is a sentinel inbox-handling error carrying the HTTP status it maps
// to, per the error taxonomy.
type Error struct {
	msg    string
	status int
}

func (e *Error) Error() string { return e.msg }

// Status returns the HTTP status code this error maps to.
func (e *Error) Status() int { return e.status }

func newErr(msg string, status int) *Error { return &Error{msg: msg, status: status} }

var (
	// ErrNotAllowed: the signer's domain is blocked, or not on the
	// allow-list while in restricted mode.
	ErrNotAllowed = newErr("domain not allowed", http.StatusForbidden)
	// ErrNotSubscribed: the signer is not connected and the activity is
	// not a Follow or Undo(Follow).
	ErrNotSubscribed = newErr("actor is not subscribed", http.StatusUnauthorized)
	// ErrWrongActor: an embedded object/target refers to an actor other
	// than the one the activity claims to be about.
	ErrWrongActor = newErr("object refers to the wrong actor", http.StatusForbidden)
	// ErrBadActor: the verified signature's key id doesn't belong to the
	// claimed signer, or the signer's inbox is on a different authority
	// than its id.
	ErrBadActor = newErr("signature key does not match actor", http.StatusForbidden)
	// ErrNoSignature: signature validation is enabled and no signature
	// was present.
	ErrNoSignature = newErr("missing HTTP signature", http.StatusUnauthorized)
	// ErrKind: the activity's type is not one the relay dispatches.
	ErrKind = newErr("unsupported activity type", http.StatusBadRequest)
	// ErrMissingKind: the activity has no "type" field.
	ErrMissingKind = newErr("missing activity type", http.StatusBadRequest)
	// ErrMissingID: the activity has no "id" field.
	ErrMissingID = newErr("missing activity id", http.StatusBadRequest)
	// ErrObjectFormat: the object/target field could not be parsed as
	// either a bare IRI or an embedded object with an id.
	ErrObjectFormat = newErr("malformed object reference", http.StatusBadRequest)
	// ErrObjectCount: an activity that must reference exactly one object
	// referenced zero or more than one.
	ErrObjectCount = newErr("wrong number of objects", http.StatusBadRequest)
	// ErrDuplicate: already relayed within the dedup window; accepted
	// silently, not an error condition for the caller.
	ErrDuplicate = newErr("duplicate activity", http.StatusAccepted)
)

// StatusOf returns the HTTP status an inbox error maps to, defaulting to
// 500 for anything not in the taxonomy (storage/crypto/serialization
// failures).
func StatusOf(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.Status()
	}
	return http.StatusInternalServerError
}
