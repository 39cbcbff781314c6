// Package edgestore is the content-addressed record store that every tendril
// peer writes through.
//
// It offers a deliberately small surface: put an immutable record, fetch it
// back by address, create a one-directional typed and tagged link between two
// addresses, list the links leaving an address, and list the records the
// calling peer itself appended. There are no graph queries, sequence numbers
// or locks; anything richer is built on top (see internal/dag).
package edgestore

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

// Address is the hex sha256 content hash of a record, or an opaque anchor
// identifier (peer identity, well-known anchor) used only as a link base.
type Address string

var (
	// ErrAddressMismatch is returned by Ingest when a record's content does
	// not hash to the address it claims.
	ErrAddressMismatch = errors.New("record content does not match its address")
	// ErrUnknownBackend is returned when no backend is registered under a name.
	ErrUnknownBackend = errors.New("unknown store backend")
)

// Entry is an immutable record.
type Entry struct {
	Address   Address   `json:"address"`
	Kind      string    `json:"kind"`
	Content   []byte    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// LocalEntry is one row of a peer's own append log.
type LocalEntry struct {
	Seq       int64     `json:"seq"`
	Address   Address   `json:"address"`
	Kind      string    `json:"kind"`
	Content   []byte    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Link is a directed, typed, tagged edge from Base to Target.
type Link struct {
	ID        string    `json:"id"`
	Base      Address   `json:"base"`
	Target    Address   `json:"target"`
	Type      string    `json:"type"`
	Tag       string    `json:"tag"`
	CreatedAt time.Time `json:"created_at"`
}

// Stats summarises what a store holds from the calling peer's point of view.
type Stats struct {
	Entries  int `json:"entries"`
	Links    int `json:"links"`
	LocalLog int `json:"local_log"`
}

// Store is a content-addressed record store bound to one peer identity.
//
// Put and Link are idempotent: writing the same bytes yields the same
// address, and re-creating an identical link is a no-op. Put additionally
// appends to the bound peer's local log every time it is called.
type Store interface {
	// Peer returns the identity this handle appends its local log as.
	Peer() Address

	Put(ctx context.Context, kind string, content []byte) (Address, error)
	// Get returns nil, nil when the address is unknown.
	Get(ctx context.Context, addr Address) (*Entry, error)

	Link(ctx context.Context, base, target Address, linkType, tag string) error
	// GetLinks lists link targets leaving base. Empty linkType or tag match any.
	GetLinks(ctx context.Context, base Address, linkType, tag string) ([]Address, error)

	// QueryLocalLog lists records this peer appended, oldest first.
	// An empty kind matches every kind.
	QueryLocalLog(ctx context.Context, kind string) ([]LocalEntry, error)

	Entries(ctx context.Context) ([]Entry, error)
	Links(ctx context.Context) ([]Link, error)
	// Ingest stores a record received from another peer. The address is
	// verified and the local log is left untouched.
	Ingest(ctx context.Context, e Entry) error

	Stats(ctx context.Context) (Stats, error)
	Close() error
}

// ComputeAddress returns the content address of a record. Kind and content
// are length-prefixed so that no two distinct (kind, content) pairs share a
// hash input.
func ComputeAddress(kind string, content []byte) Address {
	h := sha256.New()
	writeField := func(data []byte) {
		var length [8]byte
		binary.BigEndian.PutUint64(length[:], uint64(len(data)))
		h.Write(length[:])
		h.Write(data)
	}
	writeField([]byte(kind))
	writeField(content)
	return Address(hex.EncodeToString(h.Sum(nil)))
}

// Verify checks that e.Address is the content address of e.
func Verify(e Entry) error {
	if want := ComputeAddress(e.Kind, e.Content); want != e.Address {
		return fmt.Errorf("%w: %s (computed %s)", ErrAddressMismatch, e.Address, want)
	}
	return nil
}

// Short returns a display prefix of the address.
func (a Address) Short() string {
	if len(a) <= 12 {
		return string(a)
	}
	return string(a[:12])
}
