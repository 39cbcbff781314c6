// Package dagtest provides a deterministic in-memory dag.List for tests.
//
// A Network is the shared graph every simulated peer sees. Forward edges are
// kept in an index from predecessor Ref to targets in insertion order, so
// sibling order is reproducible. Each Peer has its own authored log.
package dagtest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/CanopyHQ/tendril/internal/dag"
	"github.com/CanopyHQ/tendril/internal/edgestore"
)

// ErrInjected is the default error returned by injected link failures.
var ErrInjected = errors.New("injected link failure")

// Network is a shared in-memory graph.
type Network struct {
	mu       sync.Mutex
	records  map[dag.Address][]byte
	forward  map[dag.Ref][]dag.Address
	failNext int
	failErr  error
}

// NewNetwork returns an empty graph.
func NewNetwork() *Network {
	return &Network{
		records: make(map[dag.Address][]byte),
		forward: make(map[dag.Ref][]dag.Address),
	}
}

// Peer returns a new List that authors as name.
func (n *Network) Peer(name string) *Peer {
	return &Peer{net: n, id: dag.Address("agent:" + name)}
}

// FailNextLinks makes the next k edge creations fail with err (ErrInjected
// when err is nil). The item itself is still committed.
func (n *Network) FailNextLinks(k int, err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err == nil {
		err = ErrInjected
	}
	n.failNext, n.failErr = k, err
}

// Edges returns the targets linked forward from ref.
func (n *Network) Edges(ref dag.Ref) []dag.Address {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]dag.Address(nil), n.forward[ref]...)
}

// Has reports whether a record is stored at addr.
func (n *Network) Has(addr dag.Address) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	_, ok := n.records[addr]
	return ok
}

// Lookup decodes the item at addr.
func (n *Network) Lookup(addr dag.Address) (dag.Item, error) {
	n.mu.Lock()
	raw, ok := n.records[addr]
	n.mu.Unlock()
	if !ok {
		return dag.Item{}, fmt.Errorf("no record at %s", addr)
	}
	return dag.DecodeItem(raw)
}

// InjectRaw stores arbitrary bytes at addr and links them forward from
// from, simulating foreign data of an unexpected shape.
func (n *Network) InjectRaw(from dag.Ref, addr dag.Address, raw []byte) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.records[addr] = raw
	n.forward[from] = append(n.forward[from], addr)
}

// InjectEdge adds a forward edge without any append discipline, e.g. to
// build a cycle.
func (n *Network) InjectEdge(from dag.Ref, to dag.Address) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.forward[from] = append(n.forward[from], to)
}

func (n *Network) link(from dag.Ref, to dag.Address) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.failNext > 0 {
		n.failNext--
		return n.failErr
	}
	for _, existing := range n.forward[from] {
		if existing == to {
			return nil
		}
	}
	n.forward[from] = append(n.forward[from], to)
	return nil
}

// Peer is one simulated peer's view of a Network.
type Peer struct {
	net *Network
	id  dag.Address

	mu  sync.Mutex
	log []dag.Address
}

var _ dag.List = (*Peer)(nil)

// ID returns the peer's identity address.
func (p *Peer) ID() dag.Address {
	return p.id
}

// Authored returns the addresses this peer committed, oldest first.
func (p *Peer) Authored() []dag.Address {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]dag.Address(nil), p.log...)
}

func (p *Peer) Author(ctx context.Context, stream dag.Address, content []byte, prevAuthored, prevForeign dag.Ref) (dag.Address, error) {
	raw, err := dag.Item{
		Stream:       stream,
		Content:      content,
		PrevAuthored: prevAuthored,
		PrevForeign:  prevForeign,
	}.Encode()
	if err != nil {
		return "", err
	}
	addr := edgestore.ComputeAddress(dag.KindItem, raw)

	p.net.mu.Lock()
	p.net.records[addr] = raw
	p.net.mu.Unlock()

	p.mu.Lock()
	p.log = append(p.log, addr)
	p.mu.Unlock()

	if err := p.net.link(prevAuthored, addr); err != nil {
		return "", err
	}
	if err := p.net.link(prevForeign, addr); err != nil {
		return "", err
	}
	return addr, nil
}

func (p *Peer) AuthorRoot(stream dag.Address) dag.Ref {
	return dag.AuthorRoot(p.id)
}

func (p *Peer) MostRecentAuthored(ctx context.Context, stream dag.Address) (dag.Ref, bool, error) {
	authored := p.Authored()
	for i := len(authored) - 1; i >= 0; i-- {
		it, err := p.net.Lookup(authored[i])
		if err != nil {
			continue
		}
		if it.Stream == stream {
			return dag.ItemRef(authored[i]), true, nil
		}
	}
	return dag.Ref{}, false, nil
}

func (p *Peer) Next(ctx context.Context, stream dag.Address, ref dag.Ref) ([]dag.Address, error) {
	var out []dag.Address
	for _, addr := range p.net.Edges(ref) {
		it, err := p.net.Lookup(addr)
		if err != nil || it.Stream != stream {
			continue
		}
		out = append(out, addr)
	}
	return out, nil
}
