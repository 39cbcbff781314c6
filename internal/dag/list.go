package dag

import "context"

// Link types for the forward edges an append creates. A predecessor that is
// a root gets its own type so root edges stay distinguishable from
// item-to-item edges.
const (
	LinkNext        = "next"
	LinkAuthorRoot  = "author_root"
	LinkForeignRoot = "foreign_root"
)

// LinkType returns the edge type used for links leaving from.
func LinkType(from Ref) string {
	switch from.Root {
	case RootAuthor:
		return LinkAuthorRoot
	case RootForeign:
		return LinkForeignRoot
	}
	return LinkNext
}

// List is the storage a stream's DAG lives in.
//
// Implementations hold no traversal state; every call re-reads the store.
type List interface {
	// Author commits an Item for content and links it forward from both
	// predecessors, returning its address. It is not atomic: the item may
	// be committed even if linking fails.
	Author(ctx context.Context, stream Address, content []byte, prevAuthored, prevForeign Ref) (Address, error)

	// AuthorRoot is the calling peer's anchor in stream.
	AuthorRoot(stream Address) Ref

	// MostRecentAuthored returns the last Item in stream that the calling
	// peer itself appended. ok is false when there is none.
	MostRecentAuthored(ctx context.Context, stream Address) (ref Ref, ok bool, err error)

	// Next lists the items linked forward from ref within stream.
	Next(ctx context.Context, stream Address, ref Ref) ([]Address, error)
}
