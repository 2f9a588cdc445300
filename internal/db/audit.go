package db

import "time"

// AuditEntry is one row of the append-only admin audit log.
type AuditEntry struct {
	Time   time.Time
	Action string
	Detail string
}

// WriteAuditLog appends an entry recording an admin-initiated mutation
// (block/allow changes, mode toggles, manual job retries, ...).
func (s *Store) WriteAuditLog(action, detail string) error {
	_, err := s.db.Exec(
		`INSERT INTO audit_log (ts, action, detail) VALUES (`+s.ph(1)+`, `+s.ph(2)+`, `+s.ph(3)+`)`,
		nowRFC3339(), action, detail,
	)
	return err
}

// AuditLog returns the most recent audit entries, newest first, capped at
// limit.
func (s *Store) AuditLog(limit int) ([]AuditEntry, error) {
	rows, err := s.db.Query(
		`SELECT ts, action, detail FROM audit_log ORDER BY ts DESC LIMIT `+s.ph(1), limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []AuditEntry
	for rows.Next() {
		var e AuditEntry
		var ts string
		if err := rows.Scan(&ts, &e.Action, &e.Detail); err != nil {
			return nil, err
		}
		e.Time, _ = time.Parse(time.RFC3339Nano, ts)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
