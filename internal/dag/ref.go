package dag

import (
	"encoding/json"
	"fmt"

	"github.com/CanopyHQ/tendril/internal/edgestore"
)

// Address is a content address in the underlying store.
type Address = edgestore.Address

// RootKind distinguishes graph anchors from real items.
type RootKind uint8

const (
	// RootNone marks a Ref to a real Item.
	RootNone RootKind = iota
	// RootAuthor is the anchor before a peer's first item in a stream.
	RootAuthor
	// RootForeign is the caller-supplied anchor before any item in a stream.
	RootForeign
)

func (k RootKind) String() string {
	switch k {
	case RootNone:
		return "item"
	case RootAuthor:
		return "author_root"
	case RootForeign:
		return "foreign_root"
	}
	return fmt.Sprintf("RootKind(%d)", uint8(k))
}

// Ref points at a graph node: either an Item by address or one of the two
// root anchors. A root's Address is its anchor identity (the peer for an
// author root, the fallback address for a foreign root) and never the
// address of a stored Item.
type Ref struct {
	Root    RootKind
	Address Address
}

// ItemRef refers to the stored item at addr.
func ItemRef(addr Address) Ref { return Ref{Root: RootNone, Address: addr} }

// AuthorRoot refers to the author root of peer.
func AuthorRoot(peer Address) Ref { return Ref{Root: RootAuthor, Address: peer} }

// ForeignRoot refers to the fallback root at addr.
func ForeignRoot(addr Address) Ref { return Ref{Root: RootForeign, Address: addr} }

// IsRoot reports whether r is an anchor rather than an Item.
func (r Ref) IsRoot() bool { return r.Root != RootNone }

// IsZero reports whether r is unset.
func (r Ref) IsZero() bool { return r.Root == RootNone && r.Address == "" }

func (r Ref) String() string {
	if r.IsRoot() {
		return r.Root.String() + ":" + r.Address.Short()
	}
	return r.Address.Short()
}

type refJSON struct {
	Kind    string  `json:"kind"`
	Address Address `json:"address"`
}

func (r Ref) MarshalJSON() ([]byte, error) {
	return json.Marshal(refJSON{Kind: r.Root.String(), Address: r.Address})
}

func (r *Ref) UnmarshalJSON(data []byte) error {
	var raw refJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch raw.Kind {
	case "item":
		r.Root = RootNone
	case "author_root":
		r.Root = RootAuthor
	case "foreign_root":
		r.Root = RootForeign
	default:
		return fmt.Errorf("unknown ref kind %q", raw.Kind)
	}
	if raw.Address == "" {
		return fmt.Errorf("ref without address")
	}
	r.Address = raw.Address
	return nil
}
