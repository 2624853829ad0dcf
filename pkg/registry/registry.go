// Package registry implements the valid-blocks registry (spec §4.1): the
// "which hashes at which heights are currently canonical" set that lets
// queries filter orphaned rows without ever issuing a DELETE against a data
// table.
package registry

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/squidstore/chstore/pkg/blockref"
)

// DefaultMaxFilterPairs caps the enumerated-pairs arm of BuildFilter before
// it degrades to a temp-table-join plan (spec §9 "Registry filter emission").
const DefaultMaxFilterPairs = 500

// Registry tracks {height -> hash} for the unfinalized window of one
// processor. It is not safe for concurrent use; the coordinator serializes
// all access per spec §5.
type Registry struct {
	store         Store
	logger        *zap.Logger
	processorID   string
	finalityDepth uint64
	maxPairs      int

	entries map[uint64]string // height -> hash, the in-memory cache
}

// New builds a Registry bound to store for processorID, pruning to keep
// heights within finalityDepth of the max.
func New(logger *zap.Logger, store Store, processorID string, finalityDepth uint64) *Registry {
	return &Registry{
		store:         store,
		logger:        logger,
		processorID:   processorID,
		finalityDepth: finalityDepth,
		maxPairs:      DefaultMaxFilterPairs,
		entries:       make(map[uint64]string),
	}
}

// SetMaxFilterPairs overrides DefaultMaxFilterPairs.
func (r *Registry) SetMaxFilterPairs(n int) {
	r.maxPairs = n
}

// Initialize ensures the backing table exists and loads every entry for this
// processor into memory. Idempotent.
func (r *Registry) Initialize(ctx context.Context) error {
	if err := r.store.Init(ctx); err != nil {
		return fmt.Errorf("initialize valid blocks table: %w", err)
	}
	entries, err := r.store.LoadAll(ctx, r.processorID)
	if err != nil {
		return fmt.Errorf("load valid blocks: %w", err)
	}
	r.entries = make(map[uint64]string, len(entries))
	for _, e := range entries {
		r.entries[e.Height] = e.Hash
	}
	return nil
}

// AddBlock inserts {height, hash} and prunes anything below
// maxHeight - finalityDepth + 1.
func (r *Registry) AddBlock(ctx context.Context, height uint64, hash string, ts time.Time) error {
	return r.AddBlocks(ctx, []blockref.Ref{{Height: height, Hash: hash}}, ts)
}

// AddBlocks is the batch form of AddBlock; prune uses the max height of the batch.
func (r *Registry) AddBlocks(ctx context.Context, blocks []blockref.Ref, ts time.Time) error {
	if len(blocks) == 0 {
		return nil
	}

	entries := make([]Entry, len(blocks))
	maxHeight := blocks[0].Height
	for i, b := range blocks {
		entries[i] = Entry{Height: b.Height, Hash: b.Hash, Timestamp: ts}
		if b.Height > maxHeight {
			maxHeight = b.Height
		}
	}

	if err := r.store.Insert(ctx, r.processorID, entries); err != nil {
		return fmt.Errorf("persist valid blocks: %w", err)
	}
	for _, b := range blocks {
		r.entries[b.Height] = b.Hash
	}

	return r.pruneBelow(ctx, maxHeight)
}

func (r *Registry) pruneBelow(ctx context.Context, maxHeight uint64) error {
	if maxHeight < r.finalityDepth {
		return nil
	}
	cutoff := maxHeight - r.finalityDepth + 1
	if err := r.store.DeleteBelowHeight(ctx, r.processorID, cutoff); err != nil {
		return fmt.Errorf("prune valid blocks below %d: %w", cutoff, err)
	}
	for h := range r.entries {
		if h < cutoff {
			delete(r.entries, h)
		}
	}
	return nil
}

// HandleReorg removes every entry with height >= fromHeight from memory and
// persistence, then inserts newBlocks. If the removal persists but the
// reinsert fails, the next startup still converges: recovery rolls back to
// the cold cursor and the registry is rebuilt from there (spec §4.1).
func (r *Registry) HandleReorg(ctx context.Context, fromHeight uint64, newBlocks []blockref.Ref) error {
	if err := r.store.DeleteFromHeight(ctx, r.processorID, fromHeight); err != nil {
		return fmt.Errorf("reorg: delete from height %d: %w", fromHeight, err)
	}
	for h := range r.entries {
		if h >= fromHeight {
			delete(r.entries, h)
		}
	}

	if len(newBlocks) == 0 {
		return nil
	}
	return r.AddBlocks(ctx, newBlocks, time.Now().UTC())
}

// IsValid reports whether hash is the currently canonical hash at height.
func (r *Registry) IsValid(height uint64, hash string) bool {
	h, ok := r.entries[height]
	return ok && h == hash
}

// HashAt returns the canonical hash tracked at height, if any. Used by the
// migration engine's cutoffHash resolution fallback chain (spec §4.6 step 5).
func (r *Registry) HashAt(height uint64) (string, bool) {
	h, ok := r.entries[height]
	return h, ok
}

// HighestBlock returns the highest height currently tracked.
func (r *Registry) HighestBlock() (uint64, bool) {
	if len(r.entries) == 0 {
		return 0, false
	}
	var max uint64
	first := true
	for h := range r.entries {
		if first || h > max {
			max = h
			first = false
		}
	}
	return max, true
}

// LowestBlock returns the lowest height currently tracked.
func (r *Registry) LowestBlock() (uint64, bool) {
	if len(r.entries) == 0 {
		return 0, false
	}
	var min uint64
	first := true
	for h := range r.entries {
		if first || h < min {
			min = h
			first = false
		}
	}
	return min, true
}

// Count returns the number of tracked entries.
func (r *Registry) Count() int {
	return len(r.entries)
}

// Clear removes every entry for this processor, in memory and persisted.
// Used only by the stale-restart reconciler.
func (r *Registry) Clear(ctx context.Context) error {
	if err := r.store.Clear(ctx, r.processorID); err != nil {
		return fmt.Errorf("clear valid blocks: %w", err)
	}
	r.entries = make(map[uint64]string)
	return nil
}

// FilterPlan describes the predicate BuildFilter produces: either an inline
// "height <= coldWindow OR (height,hash) IN (...)" shape, or (once the pair
// list grows past MaxFilterPairs) a request to join against a temporary
// table instead of inlining every pair (spec §9's open design choice,
// resolved here).
type FilterPlan struct {
	HeightCol    string
	HashCol      string
	ColdWindowTo int64 // inclusive upper bound of the "always valid" cold window; -1 if none
	Pairs        []blockref.Ref
	UseTempTable bool
}

// SQL renders the plan as a WHERE-clause fragment. When UseTempTable is set,
// the caller is expected to have materialized Pairs into a temporary table
// named tempTable(height, hash) and joins against it instead.
func (p FilterPlan) SQL(tempTable string) string {
	var coldArm string
	if p.ColdWindowTo >= 0 {
		coldArm = fmt.Sprintf("%s <= %d", p.HeightCol, p.ColdWindowTo)
	}

	if len(p.Pairs) == 0 {
		if coldArm == "" {
			return "1 = 0"
		}
		return coldArm
	}

	var hotArm string
	if p.UseTempTable && tempTable != "" {
		hotArm = fmt.Sprintf("(%s, %s) IN (SELECT height, hash FROM %s)", p.HeightCol, p.HashCol, tempTable)
	} else {
		pairs := make([]string, len(p.Pairs))
		for i, b := range p.Pairs {
			pairs[i] = fmt.Sprintf("(%d, '%s')", b.Height, b.Hash)
		}
		hotArm = fmt.Sprintf("(%s, %s) IN (%s)", p.HeightCol, p.HashCol, joinComma(pairs))
	}

	if coldArm == "" {
		return hotArm
	}
	return fmt.Sprintf("(%s) OR (%s)", coldArm, hotArm)
}

func joinComma(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += ", "
		}
		out += p
	}
	return out
}

// BuildFilter returns a predicate plan expressible against the query engine:
// "height <= (currentHeight - finalityDepth) OR (height, hash) in pairs".
// When no valid blocks exist, only the cold-window arm is emitted. A row
// whose height sits in the hot window but whose hash is absent from the
// registry is filtered out because it simply won't appear in Pairs.
func (r *Registry) BuildFilter(heightCol, hashCol string, currentHeight uint64) FilterPlan {
	coldWindowTo := int64(-1)
	if currentHeight >= r.finalityDepth {
		coldWindowTo = int64(currentHeight - r.finalityDepth)
	}

	pairs := make([]blockref.Ref, 0, len(r.entries))
	for h, hash := range r.entries {
		pairs = append(pairs, blockref.Ref{Height: h, Hash: hash})
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].Height < pairs[j].Height })

	return FilterPlan{
		HeightCol:    heightCol,
		HashCol:      hashCol,
		ColdWindowTo: coldWindowTo,
		Pairs:        pairs,
		UseTempTable: len(pairs) > r.maxPairs,
	}
}
