// Package identity holds a node's signing keypair and the id derived from it.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/vazonhub/rhizome/pkg/hash"
)

// ErrInvalidKeyFile is returned when a key file has the wrong size.
var ErrInvalidKeyFile = errors.New("invalid key file")

// Identity is a node's keypair and its derived NodeID.
type Identity struct {
	id   hash.ID
	pub  ed25519.PublicKey
	priv ed25519.PrivateKey
}

// Generate creates a fresh identity.
func Generate() (*Identity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate keypair: %w", err)
	}
	return fromKeys(pub, priv), nil
}

// FromPrivateKey rebuilds an identity from a 64-byte ed25519 private key.
func FromPrivateKey(priv []byte) (*Identity, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidKeyFile, ed25519.PrivateKeySize, len(priv))
	}
	key := make(ed25519.PrivateKey, ed25519.PrivateKeySize)
	copy(key, priv)
	return fromKeys(key.Public().(ed25519.PublicKey), key), nil
}

// LoadOrGenerate reads the private key at path, or generates and saves a new
// one if the file doesn't exist. The file holds the raw 64-byte private key.
func LoadOrGenerate(path string) (*Identity, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		return FromPrivateKey(data)
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read key file: %w", err)
	}

	id, err := Generate()
	if err != nil {
		return nil, err
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("create key directory: %w", err)
		}
	}
	if err := os.WriteFile(path, []byte(id.priv), 0600); err != nil {
		return nil, fmt.Errorf("write key file: %w", err)
	}
	return id, nil
}

func fromKeys(pub ed25519.PublicKey, priv ed25519.PrivateKey) *Identity {
	return &Identity{
		id:   IDFromPublicKey(pub),
		pub:  pub,
		priv: priv,
	}
}

// ID returns the node id.
func (i *Identity) ID() hash.ID {
	return i.id
}

// PublicKey returns a copy of the public key.
func (i *Identity) PublicKey() []byte {
	out := make([]byte, len(i.pub))
	copy(out, i.pub)
	return out
}

// Sign signs msg with the private key.
func (i *Identity) Sign(msg []byte) []byte {
	return ed25519.Sign(i.priv, msg)
}

// IDFromPublicKey derives a NodeID by hashing the public key.
func IDFromPublicKey(pub []byte) hash.ID {
	return hash.HashKey(pub)
}

// Verify reports whether sig is a valid signature of msg under pub.
// Malformed keys or signatures yield false.
func Verify(msg, sig, pub []byte) bool {
	if len(pub) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), msg, sig)
}

// VerifySender reports whether pub is the key behind the claimed id.
func VerifySender(id hash.ID, pub []byte) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	return IDFromPublicKey(pub) == id
}
