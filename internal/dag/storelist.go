package dag

import (
	"context"

	"github.com/CanopyHQ/tendril/internal/edgestore"
	"github.com/charmbracelet/log"
)

// StoreList is the production List. It maps items to store records and
// predecessor relations to forward links tagged with the stream address.
// It keeps no state between calls.
type StoreList struct {
	store edgestore.Store
}

var _ List = (*StoreList)(nil)

// NewStoreList returns a List over store, authoring as store.Peer().
func NewStoreList(store edgestore.Store) *StoreList {
	return &StoreList{store: store}
}

func (l *StoreList) Author(ctx context.Context, stream Address, content []byte, prevAuthored, prevForeign Ref) (Address, error) {
	data, err := Item{
		Stream:       stream,
		Content:      content,
		PrevAuthored: prevAuthored,
		PrevForeign:  prevForeign,
	}.Encode()
	if err != nil {
		return "", err
	}

	addr, err := l.store.Put(ctx, KindItem, data)
	if err != nil {
		return "", err
	}
	if err := l.store.Link(ctx, prevAuthored.Address, addr, LinkType(prevAuthored), string(stream)); err != nil {
		return "", err
	}
	if err := l.store.Link(ctx, prevForeign.Address, addr, LinkType(prevForeign), string(stream)); err != nil {
		return "", err
	}
	return addr, nil
}

func (l *StoreList) AuthorRoot(stream Address) Ref {
	return AuthorRoot(l.store.Peer())
}

// MostRecentAuthored scans the peer's local log from the newest record back.
func (l *StoreList) MostRecentAuthored(ctx context.Context, stream Address) (Ref, bool, error) {
	entries, err := l.store.QueryLocalLog(ctx, KindItem)
	if err != nil {
		return Ref{}, false, err
	}
	for i := len(entries) - 1; i >= 0; i-- {
		it, err := DecodeItem(entries[i].Content)
		if err != nil {
			log.Debug("Skipping undecodable local item", "address", entries[i].Address.Short(), "err", err)
			continue
		}
		if it.Stream == stream {
			return ItemRef(entries[i].Address), true, nil
		}
	}
	return Ref{}, false, nil
}

// Next returns link targets that are present locally and decode as items of
// stream. Anything else is skipped.
func (l *StoreList) Next(ctx context.Context, stream Address, ref Ref) ([]Address, error) {
	targets, err := l.store.GetLinks(ctx, ref.Address, LinkType(ref), string(stream))
	if err != nil {
		return nil, err
	}

	var out []Address
	for _, t := range targets {
		e, err := l.store.Get(ctx, t)
		if err != nil {
			return nil, err
		}
		if e == nil || e.Kind != KindItem {
			continue
		}
		it, err := DecodeItem(e.Content)
		if err != nil {
			log.Debug("Skipping undecodable item", "address", t.Short(), "err", err)
			continue
		}
		if it.Stream != stream {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

// Load fetches and decodes the item at addr. It returns nil, nil when the
// record is absent.
func (l *StoreList) Load(ctx context.Context, addr Address) (*Item, error) {
	e, err := l.store.Get(ctx, addr)
	if err != nil {
		return nil, err
	}
	if e == nil || e.Kind != KindItem {
		return nil, nil
	}
	it, err := DecodeItem(e.Content)
	if err != nil {
		return nil, err
	}
	return &it, nil
}
