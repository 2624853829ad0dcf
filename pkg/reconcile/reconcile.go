// Package reconcile implements the stale-restart reconciler (spec §4.8): on
// every connect, it decides whether the live checkpoint is still trustworthy
// or whether the hot zone must be rolled back to the last cold cursor.
package reconcile

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/squidstore/chstore/pkg/blockref"
	"github.com/squidstore/chstore/pkg/checkpoint"
	"github.com/squidstore/chstore/pkg/db/clickhouse"
	"github.com/squidstore/chstore/pkg/router"
	"github.com/squidstore/chstore/pkg/schema"
)

// Store is the table-truncation surface the reconciler needs.
type Store interface {
	TruncateTable(ctx context.Context, table string) error
}

// ClickHouseStore implements Store against a clickhouse.Client.
type ClickHouseStore struct {
	client *clickhouse.Client
}

// NewClickHouseStore wraps client.
func NewClickHouseStore(client *clickhouse.Client) *ClickHouseStore {
	return &ClickHouseStore{client: client}
}

// TruncateTable empties table in the client's database.
func (s *ClickHouseStore) TruncateTable(ctx context.Context, table string) error {
	return s.client.TruncateTable(ctx, s.client.Database, table)
}

// Registry is the subset of registry.Registry the reconciler needs.
type Registry interface {
	Clear(ctx context.Context) error
	// IsValid reports whether hash is the currently canonical hash tracked at
	// height, used to confirm a checkpointed hot chain is still trustworthy
	// before the quick-restart trust path adopts it as-is.
	IsValid(height uint64, hash string) bool
}

// Checkpoint is the subset of checkpoint.Store the reconciler needs.
type Checkpoint interface {
	LoadLive(ctx context.Context, processorID string) (checkpoint.LiveState, error)
	LoadCold(ctx context.Context, processorID string) (checkpoint.ColdState, bool, error)
	SaveLive(ctx context.Context, processorID string, state checkpoint.LiveState) error
}

// Options configures the quick-restart trust path (SPEC_FULL.md's
// supplement to spec §4.8, guarded by the trustHotBlocksOnQuickRestart and
// staleHotBlocksThresholdMs configuration options of spec §6).
type Options struct {
	TrustHotBlocksOnQuickRestart bool
	StaleHotBlocksThreshold      time.Duration
}

// DefaultOptions matches spec §6's defaults: trust enabled, 600s threshold.
func DefaultOptions() Options {
	return Options{TrustHotBlocksOnQuickRestart: true, StaleHotBlocksThreshold: 600 * time.Second}
}

// Reconciler runs the stale-restart algorithm against one processor's state.
type Reconciler struct {
	logger      *zap.Logger
	store       Store
	registry    Registry
	checkpoint  Checkpoint
	tables      *schema.Registry
	network     string
	processorID string
	opts        Options
}

// New builds a Reconciler.
func New(logger *zap.Logger, store Store, registry Registry, cp Checkpoint, tables *schema.Registry, network, processorID string, opts Options) *Reconciler {
	return &Reconciler{
		logger:      logger,
		store:       store,
		registry:    registry,
		checkpoint:  cp,
		tables:      tables,
		network:     network,
		processorID: processorID,
		opts:        opts,
	}
}

// Reconcile loads the live and cold checkpoints and either resumes as-is or
// truncates the hot zone back to the cold cursor, per spec §4.8.
func (r *Reconciler) Reconcile(ctx context.Context) (checkpoint.LiveState, error) {
	live, err := r.checkpoint.LoadLive(ctx, r.processorID)
	if err != nil {
		return checkpoint.LiveState{}, fmt.Errorf("reconcile: load live checkpoint: %w", err)
	}
	cold, _, err := r.checkpoint.LoadCold(ctx, r.processorID)
	if err != nil {
		return checkpoint.LiveState{}, fmt.Errorf("reconcile: load cold checkpoint: %w", err)
	}

	if len(live.HotBlocks) == 0 && live.Height <= cold.Height {
		r.logger.Info("reconcile: live checkpoint already consistent, resuming",
			zap.String("processor_id", r.processorID), zap.Int64("height", live.Height))
		return live, nil
	}

	if r.opts.TrustHotBlocksOnQuickRestart && !live.Timestamp.IsZero() {
		age := time.Since(live.Timestamp)
		if age >= 0 && age <= r.opts.StaleHotBlocksThreshold && r.hotBlocksConsistent(live.HotBlocks) {
			r.logger.Info("reconcile: quick restart within threshold, trusting checkpointed hot blocks",
				zap.String("processor_id", r.processorID),
				zap.Duration("age", age),
				zap.Int("hot_blocks", len(live.HotBlocks)))
			return live, nil
		}
	}

	r.logger.Warn("reconcile: rolling back to cold cursor",
		zap.String("processor_id", r.processorID),
		zap.Int64("live_height", live.Height),
		zap.Int64("cold_height", cold.Height),
		zap.Int("hot_blocks", len(live.HotBlocks)))

	if err := r.registry.Clear(ctx); err != nil {
		return checkpoint.LiveState{}, fmt.Errorf("reconcile: clear registry: %w", err)
	}

	for _, spec := range r.tables.HotSupported() {
		table := router.HotTableName(r.network, string(spec.Kind))
		if err := r.store.TruncateTable(ctx, table); err != nil {
			return checkpoint.LiveState{}, fmt.Errorf("reconcile: truncate %s: %w", table, err)
		}
	}

	newState := checkpoint.LiveState{
		Height:          cold.Height,
		Hash:            cold.Hash,
		HotBlocks:       nil,
		FinalizedHeight: cold.Height,
		Timestamp:       time.Now().UTC(),
	}
	if err := r.checkpoint.SaveLive(ctx, r.processorID, newState); err != nil {
		return checkpoint.LiveState{}, fmt.Errorf("reconcile: save rolled-back live checkpoint: %w", err)
	}

	return newState, nil
}

// hotBlocksConsistent reports whether a checkpointed hot chain is still
// internally consistent enough to trust on a quick restart: its heights must
// be contiguous, and every block must still be the registry's canonical
// entry at its height (SPEC_FULL.md's "contiguous, within registry" gate on
// the quick-restart trust path).
func (r *Reconciler) hotBlocksConsistent(blocks []blockref.Ref) bool {
	if !blockref.NewChain(blocks).IsContiguous() {
		return false
	}
	for _, b := range blocks {
		if !r.registry.IsValid(b.Height, b.Hash) {
			return false
		}
	}
	return true
}
