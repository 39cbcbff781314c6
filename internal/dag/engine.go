package dag

import (
	"context"
	"errors"

	"github.com/CanopyHQ/tendril/internal/metrics"
	"github.com/charmbracelet/log"
)

// ErrNoSince is returned by Read when the query has no starting point.
var ErrNoSince = errors.New("read requires a starting ref")

// Query selects a slice of a stream.
type Query struct {
	Stream Address
	// Since is where the walk starts. It is never part of the result.
	Since Ref
	// Limit caps the number of distinct nodes scheduled for visiting,
	// excluding Since. Zero or negative means unbounded.
	Limit int
	// Backsteps is reserved for stepping back before Since and is ignored.
	Backsteps int
}

// Page is an ordered slice of a stream.
type Page struct {
	// Addresses is a topological order (oldest first) of the items reached.
	Addresses []Address
	// More is true when the limit left at least one reachable item out.
	More bool
}

// Engine appends to and reads from streams stored in a List.
type Engine struct {
	list List
}

// NewEngine returns an Engine over list.
func NewEngine(list List) *Engine {
	return &Engine{list: list}
}

// Append adds content to stream after the calling peer's own tip and the
// newest item reachable from it. fallbackRoot anchors the foreign edge when
// nothing is reachable. Store errors are returned unmodified.
func (e *Engine) Append(ctx context.Context, stream Address, content []byte, fallbackRoot Address) (Address, error) {
	addr, err := e.appendItem(ctx, stream, content, fallbackRoot)
	if err != nil {
		metrics.AppendFailures.Inc()
		return "", err
	}
	metrics.AppendsTotal.Inc()
	return addr, nil
}

func (e *Engine) appendItem(ctx context.Context, stream Address, content []byte, fallbackRoot Address) (Address, error) {
	prevAuthored, ok, err := e.list.MostRecentAuthored(ctx, stream)
	if err != nil {
		return "", err
	}
	if !ok {
		prevAuthored = e.list.AuthorRoot(stream)
	}

	frontier, err := e.Read(ctx, Query{Stream: stream, Since: prevAuthored})
	if err != nil {
		return "", err
	}
	prevForeign := ForeignRoot(fallbackRoot)
	if n := len(frontier.Addresses); n > 0 {
		prevForeign = ItemRef(frontier.Addresses[n-1])
	}

	addr, err := e.list.Author(ctx, stream, content, prevAuthored, prevForeign)
	if err != nil {
		return "", err
	}
	log.Debug("Appended item", "stream", stream.Short(), "address", addr.Short(),
		"prev_authored", prevAuthored, "prev_foreign", prevForeign)
	return addr, nil
}

type frame struct {
	ref         Ref
	postprocess bool
}

// Read walks forward from q.Since and returns the reached items in
// topological order.
//
// The walk is an iterative depth-first search over an explicit stack of
// (node, postprocess) frames. A node is expanded the first time it is
// popped; its frame is pushed back with postprocess set above its children,
// so it is emitted only after all of its descendants. Reversing that
// postorder gives ancestors before descendants. A node already expanded is
// never pushed again, so a cycle in corrupt data ends the walk instead of
// looping.
//
// Limit counts distinct nodes scheduled. Once the count reaches Limit,
// unscheduled children are dropped and More is set; every scheduled node is
// emitted, so the page holds min(Limit, reachable) items.
func (e *Engine) Read(ctx context.Context, q Query) (Page, error) {
	if q.Since.IsZero() {
		return Page{}, ErrNoSince
	}
	metrics.TraversalsTotal.Inc()

	var (
		stack     = []frame{{ref: q.Since}}
		scheduled = map[Ref]bool{q.Since: true}
		expanded  = map[Ref]bool{}
		postorder []Address
		more      bool
	)

	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if f.postprocess {
			if !f.ref.IsRoot() && f.ref != q.Since {
				postorder = append(postorder, f.ref.Address)
			}
			continue
		}
		if expanded[f.ref] {
			continue
		}
		expanded[f.ref] = true
		stack = append(stack, frame{ref: f.ref, postprocess: true})

		next, err := e.list.Next(ctx, q.Stream, f.ref)
		if err != nil {
			return Page{}, err
		}
		for _, addr := range next {
			child := ItemRef(addr)
			if expanded[child] {
				continue
			}
			if !scheduled[child] {
				if q.Limit > 0 && len(scheduled)-1 >= q.Limit {
					more = true
					continue
				}
				scheduled[child] = true
			}
			stack = append(stack, frame{ref: child})
		}
	}

	out := make([]Address, len(postorder))
	for i, addr := range postorder {
		out[len(postorder)-1-i] = addr
	}

	metrics.TraversalNodes.Observe(float64(len(out)))
	if more {
		metrics.TruncatedReads.Inc()
	}
	return Page{Addresses: out, More: more}, nil
}
