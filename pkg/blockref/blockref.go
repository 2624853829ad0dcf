// Package blockref holds the block-identity primitives shared across every
// component of the dual-zone store: a block reference and the in-memory hot
// chain built from a contiguous run of them.
package blockref

import "fmt"

// Ref identifies a single block by height and hash. Equality is by both
// fields; callers that only care about height say so explicitly.
type Ref struct {
	Height uint64
	Hash   string
}

// Equal compares height and hash.
func (r Ref) Equal(other Ref) bool {
	return r.Height == other.Height && r.Hash == other.Hash
}

// String renders "height:hash" for logging.
func (r Ref) String() string {
	return fmt.Sprintf("%d:%s", r.Height, r.Hash)
}

// Chain is the ordered, contiguous, non-decreasing sequence of block
// references the coordinator believes is the current unfinalized suffix.
// It is not safe for concurrent use; the coordinator owns it and mutates it
// only from its serialized path (spec §5).
type Chain struct {
	blocks []Ref
}

// NewChain builds a Chain from an already-valid (contiguous, increasing)
// slice of references. Callers that can't make that guarantee should Append
// one block at a time instead.
func NewChain(blocks []Ref) *Chain {
	c := &Chain{blocks: make([]Ref, len(blocks))}
	copy(c.blocks, blocks)
	return c
}

// Append adds a block to the tip of the chain. The caller is responsible for
// having already validated contiguity (the coordinator does this as part of
// reorg detection); Append itself does not re-validate, mirroring how the
// teacher's batch-insert helpers trust their caller's batching discipline.
func (c *Chain) Append(b Ref) {
	c.blocks = append(c.blocks, b)
}

// TruncateAfter drops every block with height > keepHeight, keeping the
// prefix. Used by the reorg engine (truncate to ancestor) and the migration
// trigger bookkeeping is untouched by this operation.
func (c *Chain) TruncateAfter(keepHeight uint64) {
	i := len(c.blocks)
	for i > 0 && c.blocks[i-1].Height > keepHeight {
		i--
	}
	c.blocks = c.blocks[:i]
}

// DropAtOrBelow removes every block with height <= height, keeping the
// suffix. Used when finalizedHeight advances past entries still cached in
// the hot chain (spec §4.7 step 1).
func (c *Chain) DropAtOrBelow(height uint64) {
	i := 0
	for i < len(c.blocks) && c.blocks[i].Height <= height {
		i++
	}
	c.blocks = append([]Ref(nil), c.blocks[i:]...)
}

// TruncateFront drops blocks from the front until at most maxLen remain,
// implementing the hotBlocksDepth cap from spec §3.
func (c *Chain) TruncateFront(maxLen int) {
	if maxLen < 0 {
		return
	}
	if len(c.blocks) > maxLen {
		drop := len(c.blocks) - maxLen
		c.blocks = append([]Ref(nil), c.blocks[drop:]...)
	}
}

// Tip returns the highest block, or the zero value and false if empty.
func (c *Chain) Tip() (Ref, bool) {
	if len(c.blocks) == 0 {
		return Ref{}, false
	}
	return c.blocks[len(c.blocks)-1], true
}

// Base returns the lowest block, or the zero value and false if empty.
func (c *Chain) Base() (Ref, bool) {
	if len(c.blocks) == 0 {
		return Ref{}, false
	}
	return c.blocks[0], true
}

// Len returns the number of blocks currently held.
func (c *Chain) Len() int {
	return len(c.blocks)
}

// Blocks returns a copy of the underlying slice, safe for the caller to keep
// or mutate without affecting the chain.
func (c *Chain) Blocks() []Ref {
	out := make([]Ref, len(c.blocks))
	copy(out, c.blocks)
	return out
}

// HashAt returns the hash recorded for height, if any.
func (c *Chain) HashAt(height uint64) (string, bool) {
	for _, b := range c.blocks {
		if b.Height == height {
			return b.Hash, true
		}
	}
	return "", false
}

// IsContiguous reports whether the chain is strictly increasing by exactly 1
// at every step, per spec §3's hot-chain invariant. An empty or single-block
// chain is trivially contiguous.
func (c *Chain) IsContiguous() bool {
	for i := 1; i < len(c.blocks); i++ {
		if c.blocks[i].Height != c.blocks[i-1].Height+1 {
			return false
		}
	}
	return true
}
