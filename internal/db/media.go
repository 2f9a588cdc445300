package db

import (
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrMediaNotFound is returned when no media record exists for a given key.
var ErrMediaNotFound = errors.New("db: media not found")

// Media is a cached proxy record for a remote media URL (actor avatar,
// attachment, etc.): a stable local id, the source it was fetched from, and
// optionally the bytes themselves once fetched.
type Media struct {
	ID          string
	SourceURL   string
	ContentType string
	Bytes       []byte
	CachedAt    *time.Time
}

// mediaFreshness is how long cached media bytes are served from the local
// copy before the next request triggers a re-fetch from the source.
const mediaFreshness = 48 * time.Hour

// MediaIDForURL returns the stable local id for sourceURL, creating one if
// this is the first time the URL has been seen. The id does not change
// across calls.
func (s *Store) MediaIDForURL(sourceURL string) (string, error) {
	var id string
	err := s.db.QueryRow(`SELECT id FROM media WHERE source_url = `+s.ph(1), sourceURL).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", err
	}

	id = uuid.NewString()
	var q string
	if s.driver == "postgres" {
		q = `INSERT INTO media (id, source_url) VALUES ($1, $2) ON CONFLICT (source_url) DO NOTHING`
	} else {
		q = `INSERT INTO media (id, source_url) VALUES (?, ?) ON CONFLICT(source_url) DO NOTHING`
	}
	if _, err := s.db.Exec(q, id, sourceURL); err != nil {
		return "", err
	}
	// Someone may have raced us; re-read to get the canonical id.
	if err := s.db.QueryRow(`SELECT id FROM media WHERE source_url = `+s.ph(1), sourceURL).Scan(&id); err != nil {
		return "", err
	}
	return id, nil
}

// Media returns the record for a local media id.
func (s *Store) Media(id string) (Media, error) {
	var m Media
	var contentType string
	var bytes []byte
	var cachedAt sql.NullString
	err := s.db.QueryRow(
		`SELECT id, source_url, content_type, bytes, cached_at FROM media WHERE id = `+s.ph(1), id,
	).Scan(&m.ID, &m.SourceURL, &contentType, &bytes, &cachedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Media{}, ErrMediaNotFound
	}
	if err != nil {
		return Media{}, err
	}
	m.ContentType = contentType
	m.Bytes = bytes
	if cachedAt.Valid {
		t, _ := time.Parse(time.RFC3339Nano, cachedAt.String)
		m.CachedAt = &t
	}
	return m, nil
}

// IsFresh reports whether m's cached bytes are still within the freshness
// window and don't need re-fetching.
func (m Media) IsFresh() bool {
	return m.CachedAt != nil && len(m.Bytes) > 0 && time.Since(*m.CachedAt) < mediaFreshness
}

// SaveMediaBytes stores fetched bytes for a local media id, stamping
// cached_at to now.
func (s *Store) SaveMediaBytes(id, contentType string, data []byte) error {
	_, err := s.db.Exec(
		`UPDATE media SET content_type = `+s.ph(1)+`, bytes = `+s.ph(2)+`, cached_at = `+s.ph(3)+` WHERE id = `+s.ph(4),
		contentType, data, nowRFC3339(), id,
	)
	return err
}
