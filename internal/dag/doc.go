// Package dag implements the causal content log that orders chat messages
// without a central sequencer.
//
// Every appended Item names two predecessors: the previous item the same
// peer appended to the stream (or the peer's author root), and the newest
// item the peer could reach from there (or the caller's fallback root).
// Only forward links (predecessor -> new item) are stored, so readers walk
// from older to newer and reconstruct a topological order with an explicit,
// non-recursive depth-first traversal.
//
// The package is split into:
//   - The data model: Ref (root or item) and Item, with a canonical encoding
//   - The List interface: the few primitives the algorithms need
//   - Engine: Append and Read, the two operations callers use
//   - StoreList: the production List over an edgestore.Store
//
// A deterministic in-memory List for tests lives in dag/dagtest.
package dag
