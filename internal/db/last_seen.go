package db

import (
	"database/sql"
	"errors"
	"time"
)

// MarkLastSeen records that authority last responded successfully at t.
// Used by the RecordLastOnline maintenance job to track per-origin liveness
// independent of follow/connection state.
func (s *Store) MarkLastSeen(authority string, t time.Time) error {
	_, err := s.db.Exec(s.upsert("last_seen", "authority", "seen_at"), authority, t.UTC().Format(time.RFC3339Nano))
	return err
}

// LastSeen returns the last recorded contact time for authority.
func (s *Store) LastSeen(authority string) (t time.Time, ok bool, err error) {
	var seenAt string
	err = s.db.QueryRow(`SELECT seen_at FROM last_seen WHERE authority = `+s.ph(1), authority).Scan(&seenAt)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	t, _ = time.Parse(time.RFC3339Nano, seenAt)
	return t, true, nil
}
