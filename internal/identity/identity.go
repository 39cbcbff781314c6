// Package identity manages the ed25519 key pair a peer signs with. The
// base64url public key is the peer's address everywhere in tendril.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/CanopyHQ/tendril/internal/edgestore"
)

var (
	ErrInvalidPublicKey = errors.New("invalid Ed25519 public key")
	ErrInvalidSignature = errors.New("invalid signature")
)

// Identity is a peer key pair.
type Identity struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
}

// Generate creates a fresh identity.
func Generate() (*Identity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return &Identity{priv: priv, pub: pub}, nil
}

// LoadOrCreate reads the private key seed at path, creating it on first use.
func LoadOrCreate(path string) (*Identity, error) {
	seed, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		id, err := Generate()
		if err != nil {
			return nil, err
		}
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return nil, fmt.Errorf("failed to create identity dir: %w", err)
		}
		if err := os.WriteFile(path, id.priv.Seed(), 0600); err != nil {
			return nil, fmt.Errorf("failed to write identity: %w", err)
		}
		return id, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read identity: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("identity file %s: expected %d bytes, got %d", path, ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &Identity{priv: priv, pub: priv.Public().(ed25519.PublicKey)}, nil
}

// Address is the peer's address: its base64url public key.
func (id *Identity) Address() edgestore.Address {
	return edgestore.Address(base64.RawURLEncoding.EncodeToString(id.pub))
}

// PublicKey returns the public half of the pair.
func (id *Identity) PublicKey() ed25519.PublicKey {
	return id.pub
}

// Sign returns the base64url signature of data.
func (id *Identity) Sign(data []byte) string {
	return base64.RawURLEncoding.EncodeToString(ed25519.Sign(id.priv, data))
}

// ParseAddress decodes a peer address back into its public key.
func ParseAddress(addr edgestore.Address) (ed25519.PublicKey, error) {
	decoded, err := base64.RawURLEncoding.DecodeString(string(addr))
	if err != nil {
		return nil, fmt.Errorf("%w: invalid base64 encoding", ErrInvalidPublicKey)
	}
	if len(decoded) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: must be %d bytes, got %d", ErrInvalidPublicKey, ed25519.PublicKeySize, len(decoded))
	}
	return ed25519.PublicKey(decoded), nil
}

// Verify checks that signature was made over data by the peer at addr.
func Verify(addr edgestore.Address, data []byte, signature string) error {
	pub, err := ParseAddress(addr)
	if err != nil {
		return err
	}
	sig, err := base64.RawURLEncoding.DecodeString(signature)
	if err != nil {
		return fmt.Errorf("%w: invalid base64 encoding", ErrInvalidSignature)
	}
	if !ed25519.Verify(pub, data, sig) {
		return ErrInvalidSignature
	}
	return nil
}
