// Package reorg implements the reorg engine (spec §4.5): detects a chain
// reorganization, resolves the common ancestor, and rewrites the registry
// and in-memory hot chain without ever deleting a data row.
package reorg

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/squidstore/chstore/pkg/blockref"
	"github.com/squidstore/chstore/pkg/chstoreerr"
)

// Registry is the subset of registry.Registry the reorg engine needs.
type Registry interface {
	HandleReorg(ctx context.Context, fromHeight uint64, newBlocks []blockref.Ref) error
}

// Metrics receives reorg telemetry (spec §4.5: "detected, executed, rollback
// height, number of hot blocks affected").
type Metrics interface {
	ReorgDetected()
	ReorgExecuted(rollbackHeight uint64, affected int)
}

type noopMetrics struct{}

func (noopMetrics) ReorgDetected()                                  {}
func (noopMetrics) ReorgExecuted(rollbackHeight uint64, affected int) {}

// NoopMetrics is a Metrics implementation that discards everything.
var NoopMetrics Metrics = noopMetrics{}

// Engine runs reorg detection and execution against a hot chain + registry.
type Engine struct {
	logger   *zap.Logger
	registry Registry
	metrics  Metrics
}

// New builds an Engine. Pass NoopMetrics if telemetry isn't wired.
func New(logger *zap.Logger, registry Registry, metrics Metrics) *Engine {
	if metrics == nil {
		metrics = NoopMetrics
	}
	return &Engine{logger: logger, registry: registry, metrics: metrics}
}

// Detect reports whether newBlocks constitutes a reorg against chain: the
// first block in newBlocks has height <= the chain's tip height. The
// producer guarantees contiguous heights within a batch, so checking the
// first block suffices.
func Detect(chain *blockref.Chain, newBlocks []blockref.Ref) bool {
	if len(newBlocks) == 0 {
		return false
	}
	tip, ok := chain.Tip()
	if !ok {
		return false
	}
	return newBlocks[0].Height <= tip.Height
}

// CommonAncestor finds the highest height >= finalizedHeight that both
// histories agree on. newBlocks carries only the diverging suffix the
// producer is replacing, not a full restated chain: any chain height below
// newBlocks' first height was never claimed to have changed, so it agrees
// by construction; heights at or above it must match newBlocks' hash
// explicitly. found is false when no such block exists at all, in which
// case the caller falls back to finalizedHeight itself — the processor must
// re-index from there, and hashes from the finalized zone are trusted
// unconditionally.
func CommonAncestor(chain *blockref.Chain, newBlocks []blockref.Ref, finalizedHeight uint64) (height uint64, found bool) {
	if len(newBlocks) == 0 {
		return finalizedHeight, true
	}

	firstNewHeight := newBlocks[0].Height
	newByHeight := make(map[uint64]string, len(newBlocks))
	for _, b := range newBlocks {
		newByHeight[b.Height] = b.Hash
	}

	height = finalizedHeight
	for _, b := range chain.Blocks() {
		if b.Height < finalizedHeight {
			continue
		}
		if b.Height < firstNewHeight {
			if !found || b.Height > height {
				height, found = b.Height, true
			}
			continue
		}
		if newHash, ok := newByHeight[b.Height]; ok && newHash == b.Hash {
			if !found || b.Height > height {
				height, found = b.Height, true
			}
		}
	}
	return height, found
}

// Execute runs the full reorg: registry.HandleReorg(ancestor+1, newBlocks),
// then truncates chain to heights <= ancestor. No data-table deletions
// occur; that's the point of the registry existing at all.
func (e *Engine) Execute(ctx context.Context, chain *blockref.Chain, newBlocks []blockref.Ref, finalizedHeight uint64) (ancestor uint64, err error) {
	e.metrics.ReorgDetected()

	ancestor, found := CommonAncestor(chain, newBlocks, finalizedHeight)
	if !found {
		// Falling back to finalizedHeight is only safe if the chain actually
		// extends that far; otherwise finalizedHeight is itself unreachable
		// and there is no trustworthy rollback point.
		if tip, ok := chain.Tip(); !ok || tip.Height < finalizedHeight {
			return 0, chstoreerr.ReorgConsistency(
				fmt.Sprintf("no common ancestor found and finalizedHeight %d is unreachable", finalizedHeight))
		}
	}

	affected := chain.Len()
	if err := e.registry.HandleReorg(ctx, ancestor+1, newBlocks); err != nil {
		return 0, fmt.Errorf("reorg: handle registry rewrite: %w", err)
	}
	chain.TruncateAfter(ancestor)

	e.logger.Info("reorg executed",
		zap.Uint64("ancestor", ancestor),
		zap.Int("new_blocks", len(newBlocks)),
		zap.Int("hot_chain_len_before", affected))

	e.metrics.ReorgExecuted(ancestor, affected)
	return ancestor, nil
}
