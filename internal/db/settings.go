package db

import (
	"database/sql"
	"errors"
)

const (
	keyPrivateKeyPEM      = "relay_private_key_pem"
	keyRestrictedMode     = "restricted_mode"
	keyValidateSignatures = "validate_signatures"
)

// SetKV writes an arbitrary string value into the settings tree.
func (s *Store) SetKV(key, value string) error {
	_, err := s.db.Exec(s.upsert("settings", "key", "value"), key, value)
	return err
}

// GetKV reads a value from the settings tree. ok is false if key is unset.
func (s *Store) GetKV(key string) (value string, ok bool, err error) {
	err = s.db.QueryRow(`SELECT value FROM settings WHERE key = `+s.ph(1), key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

// PrivateKeyPEM implements ap.KeyStore: returns the relay's own persisted
// RSA private key PEM, or "" if none has been generated yet.
func (s *Store) PrivateKeyPEM() (string, error) {
	v, _, err := s.GetKV(keyPrivateKeyPEM)
	return v, err
}

// SetPrivateKeyPEM implements ap.KeyStore: persists the relay's RSA private
// key PEM. Called exactly once, the first time the relay starts with no key
// in the store — the key is immutable thereafter.
func (s *Store) SetPrivateKeyPEM(pem string) error {
	return s.SetKV(keyPrivateKeyPEM, pem)
}

// RestrictedMode returns the live value of the restricted-mode toggle,
// defaulting to def if no value has been stored yet (SetRestrictedMode
// writes one; the RESTRICTED_MODE env var only supplies def).
func (s *Store) RestrictedMode(def bool) (bool, error) {
	return s.getBoolSetting(keyRestrictedMode, def)
}

// SetRestrictedMode persists the restricted-mode toggle.
func (s *Store) SetRestrictedMode(v bool) error {
	return s.setBoolSetting(keyRestrictedMode, v)
}

// ValidateSignatures returns the live value of the signature-validation
// toggle, defaulting to def if unset.
func (s *Store) ValidateSignatures(def bool) (bool, error) {
	return s.getBoolSetting(keyValidateSignatures, def)
}

// SetValidateSignatures persists the signature-validation toggle.
func (s *Store) SetValidateSignatures(v bool) error {
	return s.setBoolSetting(keyValidateSignatures, v)
}

func (s *Store) getBoolSetting(key string, def bool) (bool, error) {
	v, ok, err := s.GetKV(key)
	if err != nil {
		return false, err
	}
	if !ok {
		return def, nil
	}
	return v == "true", nil
}

func (s *Store) setBoolSetting(key string, v bool) error {
	if v {
		return s.SetKV(key, "true")
	}
	return s.SetKV(key, "false")
}
