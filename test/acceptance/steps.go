package acceptance

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/cucumber/godog"

	"github.com/CanopyHQ/tendril/internal/bundle"
	"github.com/CanopyHQ/tendril/internal/chat"
	"github.com/CanopyHQ/tendril/internal/edgestore"
	"github.com/CanopyHQ/tendril/internal/edgestore/sqlite"
	"github.com/CanopyHQ/tendril/internal/identity"
)

// peer is one participant: a chat service over its own store handle.
type peer struct {
	id    *identity.Identity
	store *sqlite.Store
	chat  *chat.Service
}

// TestContext holds state between steps
type TestContext struct {
	ctx    context.Context
	dir    string
	shared *sqlite.Store
	peers  map[string]*peer
	order  []string

	conv     edgestore.Address
	posted   []edgestore.Address
	payloads map[edgestore.Address]string
	lastRead []chat.MessageResult
	pages    []*chat.MessagePage
}

func (tc *TestContext) reset(ctx context.Context, sc *godog.Scenario) (context.Context, error) {
	dir, err := os.MkdirTemp("", "tendril-acceptance-*")
	if err != nil {
		return ctx, err
	}
	*tc = TestContext{
		ctx:      context.Background(),
		dir:      dir,
		peers:    map[string]*peer{},
		payloads: map[edgestore.Address]string{},
	}
	return ctx, nil
}

func (tc *TestContext) cleanup(ctx context.Context, sc *godog.Scenario, err error) (context.Context, error) {
	for _, p := range tc.peers {
		p.store.Close()
	}
	if tc.shared != nil {
		tc.shared.Close()
	}
	os.RemoveAll(tc.dir)
	return ctx, err
}

func splitNames(names string) []string {
	var out []string
	for _, n := range strings.Split(names, ",") {
		if n = strings.TrimSpace(n); n != "" {
			out = append(out, n)
		}
	}
	return out
}

func (tc *TestContext) peer(name string) (*peer, error) {
	p, ok := tc.peers[name]
	if !ok {
		return nil, fmt.Errorf("unknown peer %q", name)
	}
	return p, nil
}

func (tc *TestContext) sharedPeers(names string) error {
	store, err := sqlite.Open(tc.ctx, filepath.Join(tc.dir, "shared.db"), "agent:setup")
	if err != nil {
		return err
	}
	tc.shared = store
	for _, name := range splitNames(names) {
		id, err := identity.Generate()
		if err != nil {
			return err
		}
		handle := store.ForPeer(id.Address())
		tc.peers[name] = &peer{id: id, store: handle, chat: chat.NewService(handle)}
		tc.order = append(tc.order, name)
	}
	return nil
}

func (tc *TestContext) isolatedPeers(names string) error {
	for _, name := range splitNames(names) {
		id, err := identity.Generate()
		if err != nil {
			return err
		}
		store, err := sqlite.Open(tc.ctx, filepath.Join(tc.dir, name+".db"), id.Address())
		if err != nil {
			return err
		}
		tc.peers[name] = &peer{id: id, store: store, chat: chat.NewService(store)}
		tc.order = append(tc.order, name)
	}
	return nil
}

func (tc *TestContext) startConversation(name, title, members string) error {
	p, err := tc.peer(name)
	if err != nil {
		return err
	}
	var addrs []edgestore.Address
	for _, m := range splitNames(members) {
		mp, err := tc.peer(m)
		if err != nil {
			return err
		}
		addrs = append(addrs, mp.id.Address())
	}
	tc.conv, err = p.chat.StartConversation(tc.ctx, title, "", addrs)
	return err
}

func (tc *TestContext) startConversationAlone(name, title string) error {
	return tc.startConversation(name, title, "")
}

func (tc *TestContext) post(name, text string) error {
	p, err := tc.peer(name)
	if err != nil {
		return err
	}
	addr, err := p.chat.PostMessage(tc.ctx, tc.conv, chat.MessageSpec{MessageType: "text", Payload: text})
	if err != nil {
		return err
	}
	tc.posted = append(tc.posted, addr)
	tc.payloads[addr] = text
	return nil
}

func (tc *TestContext) postMany(name string, n int) error {
	for i := 1; i <= n; i++ {
		if err := tc.post(name, fmt.Sprintf("%s message %d", name, i)); err != nil {
			return err
		}
	}
	return nil
}

func (tc *TestContext) read(name string) error {
	p, err := tc.peer(name)
	if err != nil {
		return err
	}
	page, err := p.chat.GetMessages(tc.ctx, tc.conv, "", 0)
	if err != nil {
		return err
	}
	if page.More {
		return fmt.Errorf("unbounded read reported more messages")
	}
	tc.lastRead = page.Messages
	return nil
}

func (tc *TestContext) readHolds(n int) error {
	if len(tc.lastRead) != n {
		return fmt.Errorf("expected %d messages, got %d", n, len(tc.lastRead))
	}
	return nil
}

func (tc *TestContext) comesBefore(first, second string) error {
	pos := map[string]int{}
	for i, m := range tc.lastRead {
		pos[m.Message.Payload] = i
	}
	a, okA := pos[first]
	b, okB := pos[second]
	if !okA || !okB {
		return fmt.Errorf("messages %q and %q not both in the read", first, second)
	}
	if a >= b {
		return fmt.Errorf("%q (at %d) should come before %q (at %d)", first, a, second, b)
	}
	return nil
}

func addressSet(msgs []chat.MessageResult) map[edgestore.Address]bool {
	set := make(map[edgestore.Address]bool, len(msgs))
	for _, m := range msgs {
		set[m.Address] = true
	}
	return set
}

func (tc *TestContext) everyPeerSees(n int) error {
	var want map[edgestore.Address]bool
	for _, name := range tc.order {
		if err := tc.read(name); err != nil {
			return err
		}
		if len(tc.lastRead) != n {
			return fmt.Errorf("%s sees %d messages, want %d", name, len(tc.lastRead), n)
		}
		got := addressSet(tc.lastRead)
		if want == nil {
			want = got
			continue
		}
		for addr := range want {
			if !got[addr] {
				return fmt.Errorf("%s is missing %s", name, addr.Short())
			}
		}
	}
	return nil
}

// readPages pages from the start of the conversation. Messages hanging
// directly off the conversation root are siblings with no fixed order, so
// a bounded first page is only predictable when it holds all of them.
func (tc *TestContext) readPages(name string, size int) error {
	return tc.readPagesFrom(name, "", size)
}

// readPagesAfterFirst pages along the author chain that starts at the
// first posted message.
func (tc *TestContext) readPagesAfterFirst(name string, size int) error {
	if len(tc.posted) == 0 {
		return fmt.Errorf("nothing posted yet")
	}
	return tc.readPagesFrom(name, tc.posted[0], size)
}

func (tc *TestContext) readPagesFrom(name string, since edgestore.Address, size int) error {
	p, err := tc.peer(name)
	if err != nil {
		return err
	}
	for guard := 0; guard < 1000; guard++ {
		page, err := p.chat.GetMessages(tc.ctx, tc.conv, since, size)
		if err != nil {
			return err
		}
		tc.pages = append(tc.pages, page)
		if !page.More || len(page.Messages) == 0 {
			return nil
		}
		since = page.Messages[len(page.Messages)-1].Address
	}
	return fmt.Errorf("pagination did not terminate")
}

func (tc *TestContext) pageCount(n int) error {
	if len(tc.pages) != n {
		return fmt.Errorf("expected %d pages, got %d", n, len(tc.pages))
	}
	return nil
}

func (tc *TestContext) pagesInOrder() error {
	return tc.pagesMatch(tc.posted)
}

func (tc *TestContext) pagesAfterFirstInOrder() error {
	if len(tc.posted) == 0 {
		return fmt.Errorf("nothing posted yet")
	}
	return tc.pagesMatch(tc.posted[1:])
}

func (tc *TestContext) pagesMatch(want []edgestore.Address) error {
	var all []edgestore.Address
	for _, page := range tc.pages {
		for _, m := range page.Messages {
			all = append(all, m.Address)
		}
	}
	if len(all) != len(want) {
		return fmt.Errorf("pages hold %d messages, want %d", len(all), len(want))
	}
	for i := range all {
		if all[i] != want[i] {
			return fmt.Errorf("position %d: got %q, want %q", i, tc.payloads[all[i]], tc.payloads[want[i]])
		}
	}
	return nil
}

func (tc *TestContext) lastPageComplete() error {
	for i, page := range tc.pages {
		last := i == len(tc.pages)-1
		if page.More == last {
			return fmt.Errorf("page %d: more=%v", i+1, page.More)
		}
	}
	return nil
}

func (tc *TestContext) sendBundle(from, to string) error {
	src, err := tc.peer(from)
	if err != nil {
		return err
	}
	dst, err := tc.peer(to)
	if err != nil {
		return err
	}

	p, err := bundle.Export(tc.ctx, src.store, src.id, tc.conv)
	if err != nil {
		return err
	}
	path := filepath.Join(tc.dir, fmt.Sprintf("%s-to-%s.tndl", from, to))
	if err := bundle.WriteFile(path, p); err != nil {
		return err
	}
	got, err := bundle.ReadFile(path)
	if err != nil {
		return err
	}
	_, err = bundle.Import(tc.ctx, dst.store, got)
	return err
}

func (tc *TestContext) localLogSize(name string, n int) error {
	p, err := tc.peer(name)
	if err != nil {
		return err
	}
	st, err := p.store.Stats(tc.ctx)
	if err != nil {
		return err
	}
	if st.LocalLog != n {
		return fmt.Errorf("%s has %d local log entries, want %d", name, st.LocalLog, n)
	}
	return nil
}
