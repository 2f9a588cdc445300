package db

import "time"

// NodeInfoRecord mirrors the NodeInfo 2.0 fields the relay cares about for a
// connected actor's instance.
type NodeInfoRecord struct {
	Software          string
	Version           string
	OpenRegistrations bool
	UpdatedAt         time.Time
}

// NodeInstanceRecord mirrors a Mastodon-style /api/v1/instance document.
type NodeInstanceRecord struct {
	Title            string
	Description      string
	Version          string
	Registrations    bool
	RequiresApproval bool
	UpdatedAt        time.Time
}

// NodeContactRecord mirrors the contact account of an instance, when one is
// published.
type NodeContactRecord struct {
	Username    string
	DisplayName string
	URL         string
	Avatar      string
	UpdatedAt   time.Time
}

// SaveNodeInfo upserts the node_info sub-record for actorID.
func (s *Store) SaveNodeInfo(actorID string, r NodeInfoRecord) error {
	var q string
	if s.driver == "postgres" {
		q = `INSERT INTO node_info (actor_id, software, version, open_registrations, updated_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (actor_id) DO UPDATE SET
				software = EXCLUDED.software, version = EXCLUDED.version,
				open_registrations = EXCLUDED.open_registrations, updated_at = EXCLUDED.updated_at`
	} else {
		q = `INSERT INTO node_info (actor_id, software, version, open_registrations, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(actor_id) DO UPDATE SET
				software=excluded.software, version=excluded.version,
				open_registrations=excluded.open_registrations, updated_at=excluded.updated_at`
	}
	_, err := s.db.Exec(q, actorID, r.Software, r.Version, boolToInt(r.OpenRegistrations), r.UpdatedAt.UTC().Format(time.RFC3339Nano))
	return err
}

// NodeInfo returns the node_info sub-record for actorID, or ok=false if
// none has been recorded yet.
func (s *Store) NodeInfo(actorID string) (rec NodeInfoRecord, ok bool, err error) {
	var reg int
	var updatedAt string
	err = s.db.QueryRow(
		`SELECT software, version, open_registrations, updated_at FROM node_info WHERE actor_id = `+s.ph(1), actorID,
	).Scan(&rec.Software, &rec.Version, &reg, &updatedAt)
	if err != nil {
		return NodeInfoRecord{}, false, ignoreNoRows(err)
	}
	rec.OpenRegistrations = reg != 0
	rec.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return rec, true, nil
}

// SaveNodeInstance upserts the node_instance sub-record for actorID.
func (s *Store) SaveNodeInstance(actorID string, r NodeInstanceRecord) error {
	var q string
	if s.driver == "postgres" {
		q = `INSERT INTO node_instance (actor_id, title, description, version, reg, requires_approval, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (actor_id) DO UPDATE SET
				title = EXCLUDED.title, description = EXCLUDED.description, version = EXCLUDED.version,
				reg = EXCLUDED.reg, requires_approval = EXCLUDED.requires_approval, updated_at = EXCLUDED.updated_at`
	} else {
		q = `INSERT INTO node_instance (actor_id, title, description, version, reg, requires_approval, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(actor_id) DO UPDATE SET
				title=excluded.title, description=excluded.description, version=excluded.version,
				reg=excluded.reg, requires_approval=excluded.requires_approval, updated_at=excluded.updated_at`
	}
	_, err := s.db.Exec(q, actorID, r.Title, r.Description, r.Version,
		boolToInt(r.Registrations), boolToInt(r.RequiresApproval), r.UpdatedAt.UTC().Format(time.RFC3339Nano))
	return err
}

// NodeInstance returns the node_instance sub-record for actorID.
func (s *Store) NodeInstance(actorID string) (rec NodeInstanceRecord, ok bool, err error) {
	var reg, approval int
	var updatedAt string
	err = s.db.QueryRow(
		`SELECT title, description, version, reg, requires_approval, updated_at FROM node_instance WHERE actor_id = `+s.ph(1), actorID,
	).Scan(&rec.Title, &rec.Description, &rec.Version, &reg, &approval, &updatedAt)
	if err != nil {
		return NodeInstanceRecord{}, false, ignoreNoRows(err)
	}
	rec.Registrations = reg != 0
	rec.RequiresApproval = approval != 0
	rec.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return rec, true, nil
}

// SaveNodeContact upserts the node_contact sub-record for actorID.
func (s *Store) SaveNodeContact(actorID string, r NodeContactRecord) error {
	var q string
	if s.driver == "postgres" {
		q = `INSERT INTO node_contact (actor_id, username, display_name, url, avatar, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (actor_id) DO UPDATE SET
				username = EXCLUDED.username, display_name = EXCLUDED.display_name,
				url = EXCLUDED.url, avatar = EXCLUDED.avatar, updated_at = EXCLUDED.updated_at`
	} else {
		q = `INSERT INTO node_contact (actor_id, username, display_name, url, avatar, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(actor_id) DO UPDATE SET
				username=excluded.username, display_name=excluded.display_name,
				url=excluded.url, avatar=excluded.avatar, updated_at=excluded.updated_at`
	}
	_, err := s.db.Exec(q, actorID, r.Username, r.DisplayName, r.URL, r.Avatar, r.UpdatedAt.UTC().Format(time.RFC3339Nano))
	return err
}

// NodeContact returns the node_contact sub-record for actorID.
func (s *Store) NodeContact(actorID string) (rec NodeContactRecord, ok bool, err error) {
	var updatedAt string
	err = s.db.QueryRow(
		`SELECT username, display_name, url, avatar, updated_at FROM node_contact WHERE actor_id = `+s.ph(1), actorID,
	).Scan(&rec.Username, &rec.DisplayName, &rec.URL, &rec.Avatar, &updatedAt)
	if err != nil {
		return NodeContactRecord{}, false, ignoreNoRows(err)
	}
	rec.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return rec, true, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
