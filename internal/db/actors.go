package db

import (
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"time"
)

// Actor is the canonical record of a remote federated actor.
type Actor struct {
	ID           string
	Inbox        string
	PublicKeyPEM string
	PublicKeyID  string
	SavedAt      time.Time
}

// ErrActorNotFound is returned when no actor record exists for a given key.
var ErrActorNotFound = errors.New("db: actor not found")

// Authority returns the host (+ optional port) of an IRI, or "" if the IRI
// does not parse or has no host.
func Authority(iri string) string {
	u, err := url.Parse(iri)
	if err != nil {
		return ""
	}
	return u.Host
}

// Origin returns the scheme+authority of an IRI with empty path, query, and
// fragment — e.g. "https://example.com/users/a" → "https://example.com".
func Origin(iri string) (string, error) {
	u, err := url.Parse(iri)
	if err != nil {
		return "", fmt.Errorf("parse iri: %w", err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("iri %q has no host", iri)
	}
	u.Path = ""
	u.RawQuery = ""
	u.Fragment = ""
	return u.String(), nil
}

// SaveActor writes the actor→record and public-key-id→actor-id mappings
// atomically. Invariant (enforced by the caller, inbox.Handler, before it
// saves; not checked here): authority(actor.ID) == authority(actor.Inbox).
func (s *Store) SaveActor(a Actor) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var q string
	if s.driver == "postgres" {
		q = `INSERT INTO actors (id, inbox, public_key_pem, public_key_id, saved_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (id) DO UPDATE SET
				inbox = EXCLUDED.inbox,
				public_key_pem = EXCLUDED.public_key_pem,
				public_key_id = EXCLUDED.public_key_id,
				saved_at = EXCLUDED.saved_at`
	} else {
		q = `INSERT INTO actors (id, inbox, public_key_pem, public_key_id, saved_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				inbox=excluded.inbox,
				public_key_pem=excluded.public_key_pem,
				public_key_id=excluded.public_key_id,
				saved_at=excluded.saved_at`
	}
	if _, err := tx.Exec(q, a.ID, a.Inbox, a.PublicKeyPEM, a.PublicKeyID, a.SavedAt.UTC().Format(time.RFC3339Nano)); err != nil {
		return fmt.Errorf("save actor: %w", err)
	}
	return tx.Commit()
}

// GetActor returns the stored actor record for id.
func (s *Store) GetActor(id string) (Actor, error) {
	return s.scanActor(s.db.QueryRow(
		`SELECT id, inbox, public_key_pem, public_key_id, saved_at FROM actors WHERE id = `+s.ph(1), id,
	))
}

// ActorIDFromPublicKeyID resolves an actor id from its public key id.
func (s *Store) ActorIDFromPublicKeyID(publicKeyID string) (string, error) {
	var id string
	err := s.db.QueryRow(`SELECT id FROM actors WHERE public_key_id = `+s.ph(1), publicKeyID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrActorNotFound
	}
	return id, err
}

// ActorByPublicKeyID resolves the full actor record from its public key id.
func (s *Store) ActorByPublicKeyID(publicKeyID string) (Actor, error) {
	return s.scanActor(s.db.QueryRow(
		`SELECT id, inbox, public_key_pem, public_key_id, saved_at FROM actors WHERE public_key_id = `+s.ph(1), publicKeyID,
	))
}

func (s *Store) scanActor(row *sql.Row) (Actor, error) {
	var a Actor
	var savedAt string
	err := row.Scan(&a.ID, &a.Inbox, &a.PublicKeyPEM, &a.PublicKeyID, &savedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Actor{}, ErrActorNotFound
	}
	if err != nil {
		return Actor{}, err
	}
	a.SavedAt, _ = time.Parse(time.RFC3339Nano, savedAt)
	return a, nil
}

// AddConnection records that the given actor origin is now following the
// relay. Idempotent.
func (s *Store) AddConnection(origin string) error {
	var q string
	if s.driver == "postgres" {
		q = `INSERT INTO connections (origin, created_at) VALUES ($1, $2) ON CONFLICT (origin) DO NOTHING`
	} else {
		q = `INSERT OR IGNORE INTO connections (origin, created_at) VALUES (?, ?)`
	}
	_, err := s.db.Exec(q, origin, nowRFC3339())
	return err
}

// RemoveConnection removes origin from the connected set.
func (s *Store) RemoveConnection(origin string) error {
	_, err := s.db.Exec(`DELETE FROM connections WHERE origin = `+s.ph(1), origin)
	return err
}

// RemoveConnectionsUnderDomain removes every connection whose reversed-domain
// key begins with reversedPrefix — used when a domain (and its subdomains)
// is blocked, or when an allow-list entry is removed in restricted mode.
func (s *Store) RemoveConnectionsUnderDomain(reversedPrefix string) error {
	origins, err := s.connectedOrigins()
	if err != nil {
		return err
	}
	for _, o := range origins {
		domain := Authority(o)
		if domain == "" {
			continue
		}
		if hasReversedPrefix(domain, reversedPrefix) {
			if err := s.RemoveConnection(o); err != nil {
				return err
			}
		}
	}
	return nil
}

// IsConnected reports whether iri's origin is in the connected set.
func (s *Store) IsConnected(iri string) (bool, error) {
	origin, err := Origin(iri)
	if err != nil {
		return false, nil
	}
	var x int
	err = s.db.QueryRow(`SELECT 1 FROM connections WHERE origin = `+s.ph(1), origin).Scan(&x)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

// Connections returns every connected origin.
func (s *Store) Connections() ([]string, error) {
	return s.connectedOrigins()
}

func (s *Store) connectedOrigins() ([]string, error) {
	rows, err := s.db.Query(`SELECT origin FROM connections`)
	if err != nil {
		return nil, err
	}
	return scanStringRows(rows)
}

// ConnectionCount returns the number of connected origins.
func (s *Store) ConnectionCount() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM connections`).Scan(&n)
	return n, err
}

// ConnectedActors returns the saved actor record for every connected
// origin that has one. The connections tree is keyed by origin rather than
// actor id, so this joins in Go: actors is small enough (one row per
// distinct remote account the relay has ever verified a signature from)
// that a full scan per fan-out is cheap relative to the network delivery
// it feeds.
func (s *Store) ConnectedActors() ([]Actor, error) {
	origins, err := s.connectedOrigins()
	if err != nil {
		return nil, err
	}
	originSet := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		originSet[o] = struct{}{}
	}

	rows, err := s.db.Query(`SELECT id, inbox, public_key_pem, public_key_id, saved_at FROM actors`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var actors []Actor
	for rows.Next() {
		var a Actor
		var savedAt string
		if err := rows.Scan(&a.ID, &a.Inbox, &a.PublicKeyPEM, &a.PublicKeyID, &savedAt); err != nil {
			return nil, err
		}
		a.SavedAt, _ = time.Parse(time.RFC3339Nano, savedAt)
		origin, err := Origin(a.ID)
		if err != nil {
			continue
		}
		if _, ok := originSet[origin]; ok {
			actors = append(actors, a)
		}
	}
	return actors, rows.Err()
}
