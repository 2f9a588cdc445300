package db

import "strings"

// reverseDomainKey turns "example.com" into "com.example.", the
// prefix-scannable form used by the allow/block domain trees: a scan with
// key prefix "com.example." matches "example.com" and any subdomain of it.
func reverseDomainKey(domain string) string {
	labels := strings.Split(strings.ToLower(domain), ".")
	for i, j := 0, len(labels)-1; i < j; i, j = i+1, j-1 {
		labels[i], labels[j] = labels[j], labels[i]
	}
	return strings.Join(labels, ".") + "."
}

// hasReversedPrefix reports whether domain falls under the subtree rooted
// at reversedPrefix (domain itself, or any subdomain of it).
func hasReversedPrefix(domain, reversedPrefix string) bool {
	return strings.HasPrefix(reverseDomainKey(domain), reversedPrefix)
}

// AddAllows inserts domains into the allow list.
func (s *Store) AddAllows(domains []string) error {
	for _, d := range domains {
		if _, err := s.db.Exec(s.upsert("allowed_domains", "reversed_key", "domain"), reverseDomainKey(d), d); err != nil {
			return err
		}
	}
	return nil
}

// RemoveAllows removes domains from the allow list. In restricted mode this
// also removes every connection under the affected subtree, since a
// connection's legitimacy in restricted mode depends on its domain still
// being allowed.
func (s *Store) RemoveAllows(domains []string, restrictedMode bool) error {
	for _, d := range domains {
		key := reverseDomainKey(d)
		if _, err := s.db.Exec(`DELETE FROM allowed_domains WHERE reversed_key = `+s.ph(1), key); err != nil {
			return err
		}
		if restrictedMode {
			if err := s.RemoveConnectionsUnderDomain(key); err != nil {
				return err
			}
		}
	}
	return nil
}

// AddBlocks inserts domains into the block list. For each domain: remove it
// from the allow list (last-writer wins), insert it into the block list,
// and drop any connection whose origin falls under that domain's subtree.
func (s *Store) AddBlocks(domains []string) error {
	for _, d := range domains {
		key := reverseDomainKey(d)
		if _, err := s.db.Exec(`DELETE FROM allowed_domains WHERE reversed_key = `+s.ph(1), key); err != nil {
			return err
		}
		if _, err := s.db.Exec(s.upsert("blocked_domains", "reversed_key", "domain"), key, d); err != nil {
			return err
		}
		if err := s.RemoveConnectionsUnderDomain(key); err != nil {
			return err
		}
	}
	return nil
}

// RemoveBlocks removes domains from the block list. Connections removed by
// a prior AddBlocks are not restored — a documented asymmetry.
func (s *Store) RemoveBlocks(domains []string) error {
	for _, d := range domains {
		if _, err := s.db.Exec(`DELETE FROM blocked_domains WHERE reversed_key = `+s.ph(1), reverseDomainKey(d)); err != nil {
			return err
		}
	}
	return nil
}

// IsAllowed implements the policy check: extract the authority from iri. In
// restricted mode, allowed iff some allow entry is a label prefix of the
// reversed-domain key; otherwise allowed iff no block entry is a prefix. No
// authority → not allowed.
func (s *Store) IsAllowed(iri string, restrictedMode bool) (bool, error) {
	authority := Authority(iri)
	if authority == "" {
		return false, nil
	}
	key := reverseDomainKey(authority)

	if restrictedMode {
		return s.hasPrefixMatch("allowed_domains", key)
	}
	blocked, err := s.hasPrefixMatch("blocked_domains", key)
	if err != nil {
		return false, err
	}
	return !blocked, nil
}

// hasPrefixMatch reports whether any reversed_key in table is a label
// prefix of key (i.e. key == entry or key is a subdomain of entry).
func (s *Store) hasPrefixMatch(table, key string) (bool, error) {
	rows, err := s.db.Query(`SELECT reversed_key FROM ` + table)
	if err != nil {
		return false, err
	}
	defer rows.Close()
	for rows.Next() {
		var entry string
		if err := rows.Scan(&entry); err != nil {
			return false, err
		}
		if strings.HasPrefix(key, entry) {
			return true, nil
		}
	}
	return false, rows.Err()
}

// AllowedDomains returns every entry in the allow list, original (not
// reversed) form.
func (s *Store) AllowedDomains() ([]string, error) {
	rows, err := s.db.Query(`SELECT domain FROM allowed_domains ORDER BY domain`)
	if err != nil {
		return nil, err
	}
	return scanStringRows(rows)
}

// BlockedDomains returns every entry in the block list, original form.
func (s *Store) BlockedDomains() ([]string, error) {
	rows, err := s.db.Query(`SELECT domain FROM blocked_domains ORDER BY domain`)
	if err != nil {
		return nil, err
	}
	return scanStringRows(rows)
}
