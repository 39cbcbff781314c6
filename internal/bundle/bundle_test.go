package bundle

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CanopyHQ/tendril/internal/chat"
	"github.com/CanopyHQ/tendril/internal/edgestore"
	"github.com/CanopyHQ/tendril/internal/edgestore/sqlite"
	"github.com/CanopyHQ/tendril/internal/identity"
)

type peer struct {
	id    *identity.Identity
	store *sqlite.Store
	chat  *chat.Service
}

func newPeer(t *testing.T, name string) *peer {
	t.Helper()
	id, err := identity.Generate()
	require.NoError(t, err)
	store, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), name+".db"), id.Address())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return &peer{id: id, store: store, chat: chat.NewService(store)}
}

func ship(t *testing.T, from, to *peer, conv edgestore.Address) *ImportResult {
	t.Helper()
	ctx := context.Background()
	p, err := Export(ctx, from.store, from.id, conv)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "out.tndl")
	require.NoError(t, WriteFile(path, p))
	got, err := ReadFile(path)
	require.NoError(t, err)

	res, err := Import(ctx, to.store, got)
	require.NoError(t, err)
	return res
}

func messageSet(t *testing.T, p *peer, conv edgestore.Address) []edgestore.Address {
	t.Helper()
	page, err := p.chat.GetMessages(context.Background(), conv, "", 0)
	require.NoError(t, err)
	out := make([]edgestore.Address, 0, len(page.Messages))
	for _, m := range page.Messages {
		out = append(out, m.Address)
	}
	return out
}

func TestExchangeConverges(t *testing.T) {
	ctx := context.Background()
	alice := newPeer(t, "alice")
	bob := newPeer(t, "bob")

	conv, err := alice.chat.StartConversation(ctx, "general", "", []edgestore.Address{bob.id.Address()})
	require.NoError(t, err)
	a1, err := alice.chat.PostMessage(ctx, conv, chat.MessageSpec{Payload: "from alice"})
	require.NoError(t, err)

	res := ship(t, alice, bob, conv)
	assert.Positive(t, res.Entries)
	assert.Positive(t, res.Links)

	st, err := bob.store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, st.LocalLog, "imports never touch the local log")
	assert.Equal(t, []edgestore.Address{a1}, messageSet(t, bob, conv))

	b1, err := bob.chat.PostMessage(ctx, conv, chat.MessageSpec{Payload: "from bob"})
	require.NoError(t, err)
	ship(t, bob, alice, conv)

	assert.ElementsMatch(t, []edgestore.Address{a1, b1}, messageSet(t, alice, conv))
	assert.ElementsMatch(t, messageSet(t, alice, conv), messageSet(t, bob, conv))

	// A second exchange adds nothing new.
	ship(t, alice, bob, conv)
	sa, err := alice.store.Stats(ctx)
	require.NoError(t, err)
	sb, err := bob.store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, sa.Entries, sb.Entries)
	assert.Equal(t, sa.Links, sb.Links)
}

func TestExportScopesToConversation(t *testing.T) {
	ctx := context.Background()
	alice := newPeer(t, "alice")

	_, err := alice.chat.Register(ctx, "Alice", "")
	require.NoError(t, err)
	general, err := alice.chat.StartConversation(ctx, "general", "", nil)
	require.NoError(t, err)
	random, err := alice.chat.StartConversation(ctx, "random", "", nil)
	require.NoError(t, err)
	_, err = alice.chat.PostMessage(ctx, general, chat.MessageSpec{Payload: "on topic"})
	require.NoError(t, err)
	offTopic, err := alice.chat.PostMessage(ctx, random, chat.MessageSpec{Payload: "off topic"})
	require.NoError(t, err)

	p, err := Export(ctx, alice.store, alice.id, general)
	require.NoError(t, err)
	assert.Equal(t, general, p.Manifest.Conversation)
	assert.Equal(t, len(p.Entries), p.Manifest.EntryCount)

	kinds := map[string]int{}
	for _, e := range p.Entries {
		assert.NotEqual(t, offTopic, e.Address)
		assert.NotEqual(t, random, e.Address)
		kinds[e.Kind]++
	}
	assert.Equal(t, 1, kinds["dag_item"])
	assert.Equal(t, 1, kinds[chat.KindProfile], "member profiles travel with the conversation")
	assert.Equal(t, 1, kinds[chat.KindConversation])
}

func TestVerifyRejectsTampering(t *testing.T) {
	ctx := context.Background()
	alice := newPeer(t, "alice")
	conv, err := alice.chat.StartConversation(ctx, "general", "", nil)
	require.NoError(t, err)
	_, err = alice.chat.PostMessage(ctx, conv, chat.MessageSpec{Payload: "hello"})
	require.NoError(t, err)

	p, err := Export(ctx, alice.store, alice.id, "")
	require.NoError(t, err)
	require.NoError(t, p.Verify())

	p.Links = p.Links[1:]
	assert.ErrorIs(t, p.Verify(), ErrDigestMismatch)

	q, err := Export(ctx, alice.store, alice.id, "")
	require.NoError(t, err)
	q.Manifest.EntryCount++
	assert.ErrorIs(t, q.Verify(), identity.ErrInvalidSignature)

	bob := newPeer(t, "bob")
	_, err = Import(ctx, bob.store, q)
	assert.Error(t, err)
	st, err := bob.store.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, st.Entries)
}

func TestImportSkipsMismatchedEntries(t *testing.T) {
	ctx := context.Background()
	alice := newPeer(t, "alice")
	bob := newPeer(t, "bob")

	good := edgestore.Entry{Kind: "note", Content: []byte("ok")}
	good.Address = edgestore.ComputeAddress(good.Kind, good.Content)
	bad := edgestore.Entry{Address: good.Address, Kind: "note", Content: []byte("forged")}

	p := &Payload{Entries: []edgestore.Entry{good, bad}, Links: []edgestore.Link{}}
	digest, err := digestOf(p.Entries, p.Links)
	require.NoError(t, err)
	p.Manifest = Manifest{ID: "test", Signer: alice.id.Address(), EntryCount: 2, Digest: digest}
	signed, err := signedBytes(p.Manifest)
	require.NoError(t, err)
	p.Manifest.Signature = alice.id.Sign(signed)

	res, err := Import(ctx, bob.store, p)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Entries)
	assert.Equal(t, 1, res.Skipped)
	require.Len(t, res.Errors, 1)

	e, err := bob.store.Get(ctx, good.Address)
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.Equal(t, []byte("ok"), e.Content)
}

func TestReadRejectsForeignFiles(t *testing.T) {
	_, err := Read(bytes.NewReader([]byte("PHLO\x01garbage")))
	assert.ErrorIs(t, err, ErrNotBundle)

	_, err = Read(bytes.NewReader(append(append([]byte{}, MagicBytes...), 9)))
	assert.ErrorIs(t, err, ErrUnsupportedFile)

	_, err = Read(bytes.NewReader([]byte("TN")))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "missing", "out.tndl")
	err = WriteFile(path, &Payload{})
	assert.ErrorContains(t, err, "failed to create file")
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestInspect(t *testing.T) {
	ctx := context.Background()
	alice := newPeer(t, "alice")
	_, err := alice.chat.StartConversation(ctx, "general", "", nil)
	require.NoError(t, err)

	p, err := Export(ctx, alice.store, alice.id, "")
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "all.tndl")
	require.NoError(t, WriteFile(path, p))

	m, err := Inspect(path)
	require.NoError(t, err)
	assert.Equal(t, p.Manifest.ID, m.ID)
	assert.Equal(t, alice.id.Address(), m.Signer)
	assert.Len(t, m.ID, 26)
}
