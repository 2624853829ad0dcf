// Package migration implements the migration engine (spec §4.6): moves rows
// with height <= cutoff from each hot-supported table's hot zone to its cold
// zone, server-side, and advances the cold checkpoint.
package migration

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/alitto/pond/v2"
	"go.uber.org/zap"

	"github.com/squidstore/chstore/pkg/blockref"
	"github.com/squidstore/chstore/pkg/router"
	"github.com/squidstore/chstore/pkg/schema"
)

// defaultMigrationParallelism bounds how many hot-supported tables migrate
// concurrently per Migrate call, matching the teacher's own per-table
// concurrency choice (pond.Pool) for the ingest buffer's table-level flush.
const defaultMigrationParallelism = 4

// TriggerPolicy selects when the coordinator should call Migrate (spec §4.6
// "Trigger policy").
type TriggerPolicy int

const (
	// TriggerEveryNBlocks fires every migrationInterval new blocks processed
	// at tip. This is the default.
	TriggerEveryNBlocks TriggerPolicy = iota
	// TriggerOnFinalityAdvance fires every time finalizedHeight advances.
	TriggerOnFinalityAdvance
)

// ShouldTrigger decides whether the coordinator should invoke Migrate, given
// the selected policy and its bookkeeping counters.
func ShouldTrigger(policy TriggerPolicy, blocksSinceLastMigration, migrationInterval int, finalizedAdvanced bool) bool {
	switch policy {
	case TriggerOnFinalityAdvance:
		return finalizedAdvanced
	default:
		return migrationInterval > 0 && blocksSinceLastMigration >= migrationInterval
	}
}

// TableResult is one table's contribution to a Result.
type TableResult struct {
	Name string
	Rows uint64
}

// Result is the contract returned to the afterMigration hook.
type Result struct {
	Migrated     uint64
	CutoffHeight int64
	DurationMs   float64
	Tables       []TableResult
	// Vetoed is true only when a BeforeMigration hook declined the attempt,
	// distinguishing that case from the other early-return no-ops (empty
	// representative table, cutoff not past lastMigrationHeight) for callers
	// that need to decide whether to reset their own trigger bookkeeping
	// (spec §8 Scenario 6: a veto must NOT reset blocksSinceLastMigration).
	Vetoed bool
}

// Hooks are the optional migrationHooks of spec §6.
type Hooks struct {
	// BeforeMigration may veto a migration attempt by returning false.
	BeforeMigration func(ctx context.Context) bool
	// AfterMigration observes the result of a migration that ran its
	// per-table pass, even when zero rows moved. It is not called after a
	// veto or when the run returns early (no hot tables, an empty
	// representative table, or a cutoff not past the last migrated height).
	AfterMigration func(ctx context.Context, result Result)
	// TransformRows, if set, turns step 4c from a server-side copy into a
	// client round-trip: rows are read, transformed (filtering permitted),
	// then inserted into the cold table.
	TransformRows func(ctx context.Context, table string, rows []Row) ([]Row, error)
}

// Row is a generic, column-named record, used only by the TransformRows path.
type Row struct {
	Columns []string
	Values  []any
}

// HotChain is the subset of blockref.Chain the engine needs for cutoffHash
// resolution.
type HotChain interface {
	HashAt(height uint64) (string, bool)
}

// Registry is the subset of registry.Registry the engine needs for
// cutoffHash resolution.
type Registry interface {
	HashAt(height uint64) (string, bool)
}

// CheckpointSaver is the subset of checkpoint.Store the engine needs.
type CheckpointSaver interface {
	SaveCold(ctx context.Context, processorID string, height uint64, hash string) error
}

// Metrics receives migration telemetry. metrics.Collector satisfies this
// structurally.
type Metrics interface {
	MigrationStarted()
	MigrationVetoed()
	MigrationCompleted(rows uint64, tables int, duration time.Duration)
}

type noopMetrics struct{}

func (noopMetrics) MigrationStarted()                                          {}
func (noopMetrics) MigrationVetoed()                                           {}
func (noopMetrics) MigrationCompleted(rows uint64, tables int, d time.Duration) {}

var _ HotChain = (*blockref.Chain)(nil)

// Engine runs the migration algorithm against Store.
type Engine struct {
	logger           *zap.Logger
	store            Store
	tables           *schema.Registry
	network          string
	processorID      string
	heightColumnName string
	hotBlocksDepth   uint64
	checkpoint       CheckpointSaver
	hooks            Hooks
	metrics          Metrics
	pool             pond.Pool

	lastMigrationHeight int64 // -1 sentinel, mirrors checkpoint.FreshHeight
	warnedMissing       map[string]bool
	warnedMu            sync.Mutex
}

// New builds an Engine.
func New(logger *zap.Logger, store Store, tables *schema.Registry, checkpoint CheckpointSaver, network, processorID, heightColumnName string, hotBlocksDepth uint64) *Engine {
	return &Engine{
		logger:              logger,
		store:               store,
		tables:              tables,
		network:             network,
		processorID:         processorID,
		heightColumnName:    heightColumnName,
		hotBlocksDepth:      hotBlocksDepth,
		checkpoint:          checkpoint,
		lastMigrationHeight: -1,
		warnedMissing:       make(map[string]bool),
		metrics:             noopMetrics{},
		pool:                pond.NewPool(defaultMigrationParallelism),
	}
}

// SetHooks installs optional migration hooks.
func (e *Engine) SetHooks(h Hooks) { e.hooks = h }

// SetParallelism replaces the pool bounding how many hot-supported tables
// migrate concurrently per Migrate call. n < 1 is treated as 1.
func (e *Engine) SetParallelism(n int) {
	if n < 1 {
		n = 1
	}
	e.pool = pond.NewPool(n)
}

// SetMetrics installs a Metrics sink. Pass nil to go back to a no-op.
func (e *Engine) SetMetrics(m Metrics) {
	if m == nil {
		m = noopMetrics{}
	}
	e.metrics = m
}

// LastMigrationHeight returns the cutoff of the most recent successful
// migration, or -1 if none has run yet.
func (e *Engine) LastMigrationHeight() int64 { return e.lastMigrationHeight }

// Migrate runs the full algorithm (spec §4.6). hotChain and reg are
// consulted, in order, to resolve cutoffHash; pass nil for either if
// unavailable.
func (e *Engine) Migrate(ctx context.Context, hotChain HotChain, reg Registry) (Result, error) {
	start := time.Now()
	e.metrics.MigrationStarted()

	if e.hooks.BeforeMigration != nil && !e.hooks.BeforeMigration(ctx) {
		e.logger.Info("migration vetoed by beforeMigration hook")
		e.metrics.MigrationVetoed()
		return Result{Migrated: 0, CutoffHeight: -1, Vetoed: true}, nil
	}

	hot := e.tables.HotSupported()
	if len(hot) == 0 {
		return Result{Migrated: 0, CutoffHeight: -1}, nil
	}

	representative := hot[0]
	repTable := router.HotTableName(e.network, string(representative.Kind))

	maxHeight, nonEmpty, err := e.store.MaxHeight(ctx, repTable, e.heightColumnName)
	if err != nil {
		return Result{}, fmt.Errorf("migration: read max height from %s: %w", repTable, err)
	}
	if !nonEmpty {
		return Result{Migrated: 0, CutoffHeight: -1}, nil
	}

	cutoff := maxHeight - int64(e.hotBlocksDepth)
	if cutoff <= e.lastMigrationHeight {
		return Result{Migrated: 0, CutoffHeight: cutoff}, nil
	}

	var tableResults []TableResult
	var totalMigrated uint64
	var mu sync.Mutex

	group := e.pool.NewGroupContext(ctx)
	groupCtx := group.Context()

	for _, spec := range hot {
		spec := spec
		group.Submit(func() {
			if err := groupCtx.Err(); err != nil {
				return
			}

			snake := string(spec.Kind)
			hotTable := router.HotTableName(e.network, snake)
			coldTable := router.ColdTableName(e.network, snake)

			exists, err := e.store.TableExists(groupCtx, hotTable)
			if err != nil {
				e.logger.Warn("migration: table existence check failed, skipping", zap.String("table", hotTable), zap.Error(err))
				return
			}
			if !exists {
				e.warnedMu.Lock()
				alreadyWarned := e.warnedMissing[hotTable]
				e.warnedMissing[hotTable] = true
				e.warnedMu.Unlock()
				if !alreadyWarned {
					e.logger.Warn("migration: table unknown to database, skipping", zap.String("table", hotTable))
				}
				return
			}

			count, err := e.store.CountBelowOrEqual(groupCtx, hotTable, e.heightColumnName, cutoff)
			if err != nil {
				e.logger.Warn("migration: count failed for table, skipping", zap.String("table", hotTable), zap.Error(err))
				return
			}
			if count == 0 {
				return
			}

			if err := e.migrateTable(groupCtx, hotTable, coldTable, cutoff); err != nil {
				e.logger.Warn("migration: table migration failed, skipping", zap.String("table", hotTable), zap.Error(err))
				return
			}

			mu.Lock()
			tableResults = append(tableResults, TableResult{Name: snake, Rows: count})
			totalMigrated += count
			mu.Unlock()
		})
	}

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, pond.ErrGroupStopped) {
		e.logger.Warn("migration: table group wait returned an error", zap.Error(err))
	}

	sort.Slice(tableResults, func(i, j int) bool { return tableResults[i].Name < tableResults[j].Name })

	cutoffHash, haveHash := e.resolveCutoffHash(ctx, hotChain, reg, representative, cutoff)
	if haveHash {
		if err := e.checkpoint.SaveCold(ctx, e.processorID, uint64(cutoff), cutoffHash); err != nil {
			e.logger.Warn("migration: failed to advance cold checkpoint", zap.Int64("cutoff", cutoff), zap.Error(err))
		}
	}

	e.lastMigrationHeight = cutoff

	result := Result{
		Migrated:     totalMigrated,
		CutoffHeight: cutoff,
		DurationMs:   float64(time.Since(start).Microseconds()) / 1000.0,
		Tables:       tableResults,
	}

	e.logger.Info("migration complete",
		zap.Int64("cutoff", cutoff),
		zap.Uint64("migrated", totalMigrated),
		zap.Int("tables", len(tableResults)))
	e.metrics.MigrationCompleted(totalMigrated, len(tableResults), time.Since(start))

	if e.hooks.AfterMigration != nil {
		e.hooks.AfterMigration(ctx, result)
	}
	return result, nil
}

func (e *Engine) migrateTable(ctx context.Context, hotTable, coldTable string, cutoff int64) error {
	if e.hooks.TransformRows == nil {
		if err := e.store.CopyRows(ctx, hotTable, coldTable, e.heightColumnName, cutoff); err != nil {
			return fmt.Errorf("copy %s -> %s: %w", hotTable, coldTable, err)
		}
	} else {
		// Transform hook path: spec §4.6's client-round-trip alternative to
		// the server-side copy. Rows below cutoff are read out, run through
		// the hook (which may filter and/or rewrite them), then inserted
		// into the cold table directly — CopyRows never runs for this table.
		rows, err := e.store.SelectRowsBelowOrEqual(ctx, hotTable, e.heightColumnName, cutoff)
		if err != nil {
			return fmt.Errorf("select rows for transform from %s: %w", hotTable, err)
		}
		transformed, err := e.hooks.TransformRows(ctx, hotTable, rows)
		if err != nil {
			return fmt.Errorf("transform rows for %s: %w", hotTable, err)
		}
		if err := e.store.InsertRows(ctx, coldTable, transformed); err != nil {
			return fmt.Errorf("insert transformed rows into %s: %w", coldTable, err)
		}
	}

	if err := e.store.DeleteRows(ctx, hotTable, e.heightColumnName, cutoff); err != nil {
		return fmt.Errorf("delete from %s: %w", hotTable, err)
	}
	return nil
}

// resolveCutoffHash follows spec §4.6 step 5's fallback chain: hot chain,
// then registry, then the representative table itself (if it carries a hash
// column). A miss at every step suppresses the cold-checkpoint update
// without failing the migration.
func (e *Engine) resolveCutoffHash(ctx context.Context, hotChain HotChain, reg Registry, representative schema.TableSpec, cutoff int64) (string, bool) {
	if cutoff < 0 {
		return "", false
	}
	height := uint64(cutoff)

	if hotChain != nil {
		if hash, ok := hotChain.HashAt(height); ok {
			return hash, true
		}
	}
	if reg != nil {
		if hash, ok := reg.HashAt(height); ok {
			return hash, true
		}
	}

	const hashColumn = "hash"
	if _, ok := representative.Column(hashColumn); !ok {
		return "", false
	}

	snake := string(representative.Kind)
	// The cutoff row may already have been deleted from hot by the copy/
	// delete step above, so the cold table (where it was just promoted to)
	// is checked as well.
	for _, table := range []string{router.HotTableName(e.network, snake), router.ColdTableName(e.network, snake)} {
		hash, ok, err := e.store.LookupHash(ctx, table, e.heightColumnName, hashColumn, cutoff)
		if err == nil && ok {
			return hash, true
		}
	}
	return "", false
}
