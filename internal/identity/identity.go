// Package identity loads, generates and persists ed25519 signing identities.
// The hex-encoded public key is the identity's public identifier, from which
// its balance record key is derived.
package identity

import (
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"os"

	"github.com/roach88/erledger/internal/ir"
)

// Identity is an ed25519 keypair plus its public identifier.
type Identity struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
	id   ir.Identity
}

// New wraps an existing private key.
func New(priv ed25519.PrivateKey) *Identity {
	pub := priv.Public().(ed25519.PublicKey)
	return &Identity{
		priv: priv,
		pub:  pub,
		id:   ir.Identity(hex.EncodeToString(pub)),
	}
}

// Generate creates a fresh random identity.
func Generate() (*Identity, error) {
	_, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return New(priv), nil
}

// FromSeed derives a deterministic identity from a label. Scenario files and
// tests use it to name identities ("alice", "bob") reproducibly.
// Never use it for real funds.
func FromSeed(label string) *Identity {
	seed := sha256.Sum256([]byte("erledger/seed/v1\x00" + label))
	return New(ed25519.NewKeyFromSeed(seed[:]))
}

// LoadOrCreate loads the identity stored at path, generating and saving a
// new one when the file is missing or empty.
//
// The key file is stored in PEM format with PKCS8 encoding and 0600
// permissions.
func LoadOrCreate(path string) (*Identity, error) {
	info, err := os.Stat(path)
	if os.IsNotExist(err) || (err == nil && info.Size() == 0) {
		id, err := Generate()
		if err != nil {
			return nil, err
		}
		if err := id.Save(path); err != nil {
			return nil, err
		}
		return id, nil
	}
	if err != nil {
		return nil, fmt.Errorf("stat key file: %w", err)
	}
	return Load(path)
}

// Load reads a PEM-encoded PKCS8 ed25519 private key.
func Load(path string) (*Identity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}

	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("failed to decode PEM block from key file")
	}

	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse key file: %w", err)
	}

	priv, ok := key.(ed25519.PrivateKey)
	if !ok {
		return nil, errors.New("key is not an ed25519 private key")
	}
	return New(priv), nil
}

// Save writes the private key to path with 0600 permissions.
func (i *Identity) Save(path string) error {
	der, err := x509.MarshalPKCS8PrivateKey(i.priv)
	if err != nil {
		return fmt.Errorf("marshal key: %w", err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("create key file: %w", err)
	}
	defer f.Close()

	if err := pem.Encode(f, &pem.Block{Type: "PRIVATE KEY", Bytes: der}); err != nil {
		return fmt.Errorf("write key file: %w", err)
	}
	return f.Close()
}

// ID returns the public identifier (hex public key).
func (i *Identity) ID() ir.Identity {
	return i.id
}

// PublicKey returns the raw public key.
func (i *Identity) PublicKey() ed25519.PublicKey {
	return i.pub
}

// RecordKey returns the derived key of this identity's balance record.
func (i *Identity) RecordKey() ir.RecordKey {
	return ir.DeriveRecordKey(i.id)
}

// Sign signs msg with the private key.
func (i *Identity) Sign(msg []byte) []byte {
	return ed25519.Sign(i.priv, msg)
}
