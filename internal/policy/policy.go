// Package policy wraps the store's live, store-backed settings with
// the config-supplied defaults they fall back to on first boot, and caches
// the current value in memory so the inbox hot path (one read per inbound
// activity) never round-trips to the database.
package policy

import (
	"sync/atomic"

	"github.com/klppl/relay/internal/db"
)

// Policy implements internal/inbox.Policy over a *db.Store. The Set*
// methods persist a new value; the admin HTTP routes do not expose them.
type Policy struct {
	store *db.Store

	restricted atomic.Bool
	validate   atomic.Bool
}

// Load reads the current restricted-mode and validate-signatures settings
// from the store, falling back to defaultRestricted/defaultValidate on
// first boot, and primes the in-memory cache both read paths consult.
func Load(store *db.Store, defaultRestricted, defaultValidate bool) (*Policy, error) {
	p := &Policy{store: store}

	restricted, err := store.RestrictedMode(defaultRestricted)
	if err != nil {
		return nil, err
	}
	validate, err := store.ValidateSignatures(defaultValidate)
	if err != nil {
		return nil, err
	}
	p.restricted.Store(restricted)
	p.validate.Store(validate)
	return p, nil
}

// RestrictedMode reports whether the relay currently only federates with
// allow-listed domains.
func (p *Policy) RestrictedMode() bool { return p.restricted.Load() }

// ValidateSignatures reports whether inbound activities must carry a
// verified HTTP Signature.
func (p *Policy) ValidateSignatures() bool { return p.validate.Load() }

// SetRestrictedMode persists and applies a new restricted-mode setting.
func (p *Policy) SetRestrictedMode(v bool) error {
	if err := p.store.SetRestrictedMode(v); err != nil {
		return err
	}
	p.restricted.Store(v)
	return nil
}

// SetValidateSignatures persists and applies a new validate-signatures
// setting.
func (p *Policy) SetValidateSignatures(v bool) error {
	if err := p.store.SetValidateSignatures(v); err != nil {
		return err
	}
	p.validate.Store(v)
	return nil
}
