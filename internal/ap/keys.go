package ap

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"log/slog"
)

// relayKeyBits is the RSA modulus size for the relay's own identity key.
// 4096 bits rather than the 2048 commonly used for per-actor keys: the
// relay's key signs every outbound request for the life of the process,
// so it gets the larger margin.
const relayKeyBits = 4096

// KeyPair holds the RSA key pair used to sign and verify HTTP Signatures.
type KeyPair struct {
	Private   *rsa.PrivateKey
	Public    *rsa.PublicKey
	PublicPEM string
}

// KeyStore is the subset of the store needed to load or persist the relay's
// identity key. Implemented by *db.Store.
type KeyStore interface {
	PrivateKeyPEM() (string, error)
	SetPrivateKeyPEM(pem string) error
}

// LoadOrGenerateKeyPair loads the relay's RSA key pair from the store, or
// generates and persists a new one if absent. This means zero-setup for new
// installs: the relay mints its federation identity on first boot.
func LoadOrGenerateKeyPair(ks KeyStore) (*KeyPair, error) {
	privPEM, err := ks.PrivateKeyPEM()
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	if privPEM != "" {
		return parsePrivatePEM(privPEM)
	}

	slog.Info("no relay key found in store, generating new identity", "bits", relayKeyBits)
	return generateAndSaveKeyPair(ks)
}

func generateAndSaveKeyPair(ks KeyStore) (*KeyPair, error) {
	privKey, err := rsa.GenerateKey(rand.Reader, relayKeyBits)
	if err != nil {
		return nil, fmt.Errorf("generate RSA key: %w", err)
	}

	privBytes, err := x509.MarshalPKCS8PrivateKey(privKey)
	if err != nil {
		return nil, fmt.Errorf("marshal private key: %w", err)
	}
	privPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privBytes})

	if err := ks.SetPrivateKeyPEM(string(privPEM)); err != nil {
		return nil, fmt.Errorf("persist private key: %w", err)
	}

	slog.Info("generated relay RSA key pair", "bits", relayKeyBits)
	return parsePrivatePEM(string(privPEM))
}

func parsePrivatePEM(privPEM string) (*KeyPair, error) {
	block, _ := pem.Decode([]byte(privPEM))
	if block == nil {
		return nil, fmt.Errorf("failed to decode private key PEM")
	}

	privKey, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}

	rsaKey, ok := privKey.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("relay private key is not RSA")
	}

	pubBytes, err := x509.MarshalPKIXPublicKey(&rsaKey.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("marshal public key: %w", err)
	}
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubBytes})

	return &KeyPair{
		Private:   rsaKey,
		Public:    &rsaKey.PublicKey,
		PublicPEM: string(pubPEM),
	}, nil
}
