package dag_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/CanopyHQ/tendril/internal/dag"
	"github.com/CanopyHQ/tendril/internal/dag/dagtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const conv = dag.Address("conversation-1")

var root = dag.ForeignRoot(conv)

func content(i int) []byte {
	return []byte(fmt.Sprintf(`{"n":%d}`, i))
}

func appendN(t *testing.T, e *dag.Engine, n int) []dag.Address {
	t.Helper()
	var out []dag.Address
	for i := 0; i < n; i++ {
		addr, err := e.Append(context.Background(), conv, content(i), conv)
		require.NoError(t, err)
		out = append(out, addr)
	}
	return out
}

func read(t *testing.T, e *dag.Engine, since dag.Ref, limit int) dag.Page {
	t.Helper()
	page, err := e.Read(context.Background(), dag.Query{Stream: conv, Since: since, Limit: limit})
	require.NoError(t, err)
	return page
}

// assertTopological checks every node appears once and after each of its
// predecessors that is also in the order.
func assertTopological(t *testing.T, net *dagtest.Network, order []dag.Address) {
	t.Helper()
	pos := make(map[dag.Address]int, len(order))
	for i, a := range order {
		_, dup := pos[a]
		require.False(t, dup, "node %s emitted twice", a.Short())
		pos[a] = i
	}
	for i, a := range order {
		it, err := net.Lookup(a)
		require.NoError(t, err)
		for _, prev := range []dag.Ref{it.PrevAuthored, it.PrevForeign} {
			if prev.IsRoot() {
				continue
			}
			if j, ok := pos[prev.Address]; ok {
				assert.Less(t, j, i, "%s precedes its ancestor %s", a.Short(), prev.Address.Short())
			}
		}
	}
}

func TestReadNothing(t *testing.T) {
	net := dagtest.NewNetwork()
	e := dag.NewEngine(net.Peer("alice"))

	page := read(t, e, root, 0)
	assert.Empty(t, page.Addresses)
	assert.False(t, page.More)

	page = read(t, e, dag.ItemRef("unknown"), 10)
	assert.Empty(t, page.Addresses)
	assert.False(t, page.More)
}

func TestReadRequiresSince(t *testing.T) {
	e := dag.NewEngine(dagtest.NewNetwork().Peer("alice"))
	_, err := e.Read(context.Background(), dag.Query{Stream: conv})
	assert.ErrorIs(t, err, dag.ErrNoSince)
}

func TestSingleAppend(t *testing.T) {
	net := dagtest.NewNetwork()
	alice := net.Peer("alice")
	e := dag.NewEngine(alice)

	addr, err := e.Append(context.Background(), conv, content(0), conv)
	require.NoError(t, err)

	it, err := net.Lookup(addr)
	require.NoError(t, err)
	assert.Equal(t, dag.AuthorRoot(alice.ID()), it.PrevAuthored)
	assert.Equal(t, root, it.PrevForeign)
	assert.Equal(t, conv, it.Stream)

	assert.Equal(t, []dag.Address{addr}, net.Edges(dag.AuthorRoot(alice.ID())))
	assert.Equal(t, []dag.Address{addr}, net.Edges(root))

	page := read(t, e, root, 0)
	assert.Equal(t, []dag.Address{addr}, page.Addresses)

	page = read(t, e, dag.ItemRef(addr), 0)
	assert.Empty(t, page.Addresses, "since is never part of the result")
}

func TestChainOrder(t *testing.T) {
	net := dagtest.NewNetwork()
	e := dag.NewEngine(net.Peer("alice"))
	chain := appendN(t, e, 4)

	page := read(t, e, dag.ItemRef(chain[0]), 0)
	assert.Equal(t, chain[1:], page.Addresses)
	assert.False(t, page.More)

	page = read(t, e, root, 0)
	assert.Equal(t, chain, page.Addresses)

	for i := 1; i < len(chain); i++ {
		it, err := net.Lookup(chain[i])
		require.NoError(t, err)
		assert.Equal(t, dag.ItemRef(chain[i-1]), it.PrevAuthored)
	}
}

func TestForkVisibility(t *testing.T) {
	ctx := context.Background()
	net := dagtest.NewNetwork()
	alice, bob := net.Peer("alice"), net.Peer("bob")

	r, err := alice.Author(ctx, conv, content(0), alice.AuthorRoot(conv), root)
	require.NoError(t, err)
	x, err := alice.Author(ctx, conv, content(1), dag.ItemRef(r), root)
	require.NoError(t, err)
	y, err := bob.Author(ctx, conv, content(2), bob.AuthorRoot(conv), dag.ItemRef(r))
	require.NoError(t, err)

	page := read(t, dag.NewEngine(alice), dag.ItemRef(r), 0)
	assert.ElementsMatch(t, []dag.Address{x, y}, page.Addresses)
	assert.False(t, page.More)

	full := read(t, dag.NewEngine(bob), root, 0)
	assert.ElementsMatch(t, []dag.Address{r, x, y}, full.Addresses)
	assertTopological(t, net, full.Addresses)
}

func TestTwoAuthors(t *testing.T) {
	// 0->1->2->3
	//  \     \   \
	//   10-->11->12
	ctx := context.Background()
	net := dagtest.NewNetwork()
	alice, bob := net.Peer("alice"), net.Peer("bob")

	a0, err := alice.Author(ctx, conv, content(0), alice.AuthorRoot(conv), root)
	require.NoError(t, err)
	a1, err := alice.Author(ctx, conv, content(1), dag.ItemRef(a0), root)
	require.NoError(t, err)
	a2, err := alice.Author(ctx, conv, content(2), dag.ItemRef(a1), root)
	require.NoError(t, err)
	a3, err := alice.Author(ctx, conv, content(3), dag.ItemRef(a2), root)
	require.NoError(t, err)
	b10, err := bob.Author(ctx, conv, content(10), bob.AuthorRoot(conv), dag.ItemRef(a0))
	require.NoError(t, err)
	b11, err := bob.Author(ctx, conv, content(11), dag.ItemRef(b10), dag.ItemRef(a2))
	require.NoError(t, err)
	b12, err := bob.Author(ctx, conv, content(12), dag.ItemRef(b11), dag.ItemRef(a3))
	require.NoError(t, err)

	e := dag.NewEngine(alice)

	page := read(t, e, dag.ItemRef(a0), 0)
	assert.ElementsMatch(t, []dag.Address{a1, a2, a3, b10, b11, b12}, page.Addresses)
	assertTopological(t, net, page.Addresses)

	page = read(t, e, dag.ItemRef(a2), 0)
	assert.ElementsMatch(t, []dag.Address{a3, b11, b12}, page.Addresses)
	assertTopological(t, net, page.Addresses)

	page = read(t, e, dag.ItemRef(a0), 3)
	assert.Len(t, page.Addresses, 3)
	assert.True(t, page.More)
}

func TestLimitAndMore(t *testing.T) {
	net := dagtest.NewNetwork()
	e := dag.NewEngine(net.Peer("alice"))
	chain := appendN(t, e, 6)

	page := read(t, e, root, 3)
	assert.Equal(t, chain[:3], page.Addresses)
	assert.True(t, page.More)

	page = read(t, e, root, 0)
	assert.Equal(t, chain, page.Addresses)
	assert.False(t, page.More)

	page = read(t, e, root, 6)
	assert.Equal(t, chain, page.Addresses)
	assert.False(t, page.More, "a limit equal to the reachable count truncates nothing")

	page = read(t, e, root, 100)
	assert.Equal(t, chain, page.Addresses)
	assert.False(t, page.More)

	page = read(t, e, root, -1)
	assert.Equal(t, chain, page.Addresses)
}

func TestPaginationContinuity(t *testing.T) {
	net := dagtest.NewNetwork()
	e := dag.NewEngine(net.Peer("alice"))
	chain := appendN(t, e, 6)

	first := read(t, e, root, 3)
	require.Len(t, first.Addresses, 3)
	second := read(t, e, dag.ItemRef(first.Addresses[2]), 3)

	all := read(t, e, root, 0)
	assert.Equal(t, all.Addresses, append(first.Addresses, second.Addresses...))
	assert.Equal(t, chain, all.Addresses)
	assert.True(t, first.More)
	assert.False(t, second.More)
}

func TestIdempotentAddressing(t *testing.T) {
	ctx := context.Background()
	net := dagtest.NewNetwork()
	alice, bob := net.Peer("alice"), net.Peer("bob")

	prevA, prevF := dag.ItemRef("p-authored"), dag.ItemRef("p-foreign")
	a, err := alice.Author(ctx, conv, content(7), prevA, prevF)
	require.NoError(t, err)
	b, err := bob.Author(ctx, conv, content(7), prevA, prevF)
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.Equal(t, []dag.Address{a}, net.Edges(prevA), "identical edges are stored once")
}

func TestAppendMergesFrontiers(t *testing.T) {
	ctx := context.Background()
	net := dagtest.NewNetwork()
	alice, bob := net.Peer("alice"), net.Peer("bob")
	ea, eb := dag.NewEngine(alice), dag.NewEngine(bob)

	t1, err := ea.Append(ctx, conv, content(1), conv)
	require.NoError(t, err)
	t2, err := eb.Append(ctx, conv, content(2), conv)
	require.NoError(t, err)

	it2, err := net.Lookup(t2)
	require.NoError(t, err)
	assert.Equal(t, root, it2.PrevForeign, "bob saw nothing from his own root")
	assert.Equal(t, dag.AuthorRoot(bob.ID()), it2.PrevAuthored)

	t3, err := ea.Append(ctx, conv, content(3), conv)
	require.NoError(t, err)
	it3, err := net.Lookup(t3)
	require.NoError(t, err)
	assert.Equal(t, dag.ItemRef(t1), it3.PrevAuthored)
	assert.Equal(t, root, it3.PrevForeign, "nothing reachable past t1, so the fallback root is used")

	full := read(t, ea, root, 0)
	assert.ElementsMatch(t, []dag.Address{t1, t2, t3}, full.Addresses)
	assertTopological(t, net, full.Addresses)
}

func TestConvergence(t *testing.T) {
	ctx := context.Background()
	net := dagtest.NewNetwork()
	carol, alice, bob := net.Peer("carol"), net.Peer("alice"), net.Peer("bob")
	ec := dag.NewEngine(carol)

	r, err := ec.Append(ctx, conv, content(0), conv)
	require.NoError(t, err)
	t1, err := alice.Author(ctx, conv, content(1), alice.AuthorRoot(conv), dag.ItemRef(r))
	require.NoError(t, err)
	t2, err := bob.Author(ctx, conv, content(2), bob.AuthorRoot(conv), dag.ItemRef(r))
	require.NoError(t, err)

	seen := read(t, ec, dag.ItemRef(r), 0)
	require.ElementsMatch(t, []dag.Address{t1, t2}, seen.Addresses)

	c, err := ec.Append(ctx, conv, content(3), conv)
	require.NoError(t, err)
	it, err := net.Lookup(c)
	require.NoError(t, err)
	assert.Equal(t, dag.ItemRef(r), it.PrevAuthored)
	assert.Equal(t, dag.ItemRef(seen.Addresses[len(seen.Addresses)-1]), it.PrevForeign)

	full := read(t, dag.NewEngine(alice), root, 0)
	assert.ElementsMatch(t, []dag.Address{r, t1, t2, c}, full.Addresses)
	assertTopological(t, net, full.Addresses)
}

func TestDiamondConvergesOnce(t *testing.T) {
	ctx := context.Background()
	net := dagtest.NewNetwork()
	alice, bob := net.Peer("alice"), net.Peer("bob")
	ea := dag.NewEngine(alice)

	a, err := ea.Append(ctx, conv, content(0), conv)
	require.NoError(t, err)
	b, err := bob.Author(ctx, conv, content(1), bob.AuthorRoot(conv), dag.ItemRef(a))
	require.NoError(t, err)

	// alice's tip reaches b, so her next append joins both lineages.
	c, err := ea.Append(ctx, conv, content(2), conv)
	require.NoError(t, err)
	it, err := net.Lookup(c)
	require.NoError(t, err)
	assert.Equal(t, dag.ItemRef(a), it.PrevAuthored)
	assert.Equal(t, dag.ItemRef(b), it.PrevForeign)

	full := read(t, ea, root, 0)
	assert.Equal(t, []dag.Address{a, b, c}, full.Addresses)
}

func TestSiblingOrderDoesNotBreakTopology(t *testing.T) {
	// The convergence node c is listed under r before its other parent t2,
	// so it is scheduled from r first; it must still come after t2.
	ctx := context.Background()
	net := dagtest.NewNetwork()
	alice := net.Peer("alice")

	r, err := alice.Author(ctx, conv, content(0), alice.AuthorRoot(conv), root)
	require.NoError(t, err)
	t2 := mustAuthorDetached(t, net, content(2), dag.ItemRef(r))
	c := mustAuthorDetached(t, net, content(3), dag.ItemRef(t2))
	net.InjectEdge(dag.ItemRef(r), c)
	net.InjectEdge(dag.ItemRef(r), t2)
	net.InjectEdge(dag.ItemRef(t2), c)

	page := read(t, dag.NewEngine(alice), dag.ItemRef(r), 0)
	assert.Equal(t, []dag.Address{t2, c}, page.Addresses)
}

// mustAuthorDetached commits an item whose edges are added by the caller.
func mustAuthorDetached(t *testing.T, net *dagtest.Network, body []byte, prev dag.Ref) dag.Address {
	t.Helper()
	p := net.Peer("detached")
	net.FailNextLinks(2, nil)
	_, err := p.Author(context.Background(), conv, body, prev, prev)
	require.ErrorIs(t, err, dagtest.ErrInjected)
	authored := p.Authored()
	require.Len(t, authored, 1)
	net.FailNextLinks(0, nil)
	return authored[0]
}

func TestCycleIsExcludedNotLooped(t *testing.T) {
	net := dagtest.NewNetwork()
	e := dag.NewEngine(net.Peer("alice"))
	chain := appendN(t, e, 3)
	net.InjectEdge(dag.ItemRef(chain[2]), chain[0])

	page := read(t, e, root, 0)
	assert.ElementsMatch(t, chain, page.Addresses)

	page = read(t, e, dag.ItemRef(chain[0]), 0)
	assert.ElementsMatch(t, chain[1:], page.Addresses)
}

func TestUndecodableTargetsAreSkipped(t *testing.T) {
	net := dagtest.NewNetwork()
	e := dag.NewEngine(net.Peer("alice"))
	chain := appendN(t, e, 2)
	net.InjectRaw(dag.ItemRef(chain[0]), "garbage", []byte("not an item"))

	page := read(t, e, root, 0)
	assert.Equal(t, chain, page.Addresses)
}

func TestStreamsAreIsolated(t *testing.T) {
	ctx := context.Background()
	net := dagtest.NewNetwork()
	e := dag.NewEngine(net.Peer("alice"))
	other := dag.Address("conversation-2")

	a1, err := e.Append(ctx, conv, content(1), conv)
	require.NoError(t, err)
	b1, err := e.Append(ctx, other, content(1), other)
	require.NoError(t, err)
	a2, err := e.Append(ctx, conv, content(2), conv)
	require.NoError(t, err)

	it, err := net.Lookup(a2)
	require.NoError(t, err)
	assert.Equal(t, dag.ItemRef(a1), it.PrevAuthored)

	page := read(t, e, root, 0)
	assert.Equal(t, []dag.Address{a1, a2}, page.Addresses)
	assert.NotContains(t, page.Addresses, b1)
}

func TestNonAtomicAppendLeavesOrphan(t *testing.T) {
	ctx := context.Background()
	net := dagtest.NewNetwork()
	alice := net.Peer("alice")
	e := dag.NewEngine(alice)

	net.FailNextLinks(1, nil)
	_, err := e.Append(ctx, conv, content(0), conv)
	require.ErrorIs(t, err, dagtest.ErrInjected)

	orphan := alice.Authored()
	require.Len(t, orphan, 1)
	assert.True(t, net.Has(orphan[0]), "the item was committed before linking failed")
	assert.Empty(t, read(t, e, root, 0).Addresses)

	retry, err := e.Append(ctx, conv, content(0), conv)
	require.NoError(t, err)
	assert.NotEqual(t, orphan[0], retry)

	page := read(t, e, root, 0)
	assert.Equal(t, []dag.Address{retry}, page.Addresses)
}

func TestLongChainDoesNotRecurse(t *testing.T) {
	net := dagtest.NewNetwork()
	e := dag.NewEngine(net.Peer("alice"))
	chain := appendN(t, e, 2000)

	page := read(t, e, root, 0)
	assert.Equal(t, chain, page.Addresses)
}
