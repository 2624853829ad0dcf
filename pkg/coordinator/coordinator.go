// Package coordinator implements the ingest coordinator (spec §4.7): the
// single-threaded state machine that owns the hot chain, drives the reorg
// and migration engines, and is the only thing the producer talks to.
package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/squidstore/chstore/pkg/blockref"
	"github.com/squidstore/chstore/pkg/checkpoint"
	"github.com/squidstore/chstore/pkg/chstoreerr"
	"github.com/squidstore/chstore/pkg/ingest"
	"github.com/squidstore/chstore/pkg/migration"
	"github.com/squidstore/chstore/pkg/reconcile"
	"github.com/squidstore/chstore/pkg/registry"
	"github.com/squidstore/chstore/pkg/reorg"
	"github.com/squidstore/chstore/pkg/router"
	"github.com/squidstore/chstore/pkg/schema"
)

// State is the coordinator's position in the connection lifecycle (spec
// §4.7): Disconnected -> connect() -> Recovering -> Ready; any fatal error
// moves to Failed and the supervisor re-runs connect().
type State int

const (
	StateDisconnected State = iota
	StateRecovering
	StateReady
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateRecovering:
		return "recovering"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// FinalInfo describes a finalized batch (spec §6: finalInfo = {prevHead,
// nextHead, isOnTop}).
type FinalInfo struct {
	PrevHead blockref.Ref
	NextHead blockref.Ref
	IsOnTop  bool
}

// HotInfo describes a hot batch (spec §6: hotInfo = {finalizedHead, baseHead,
// newBlocks}).
type HotInfo struct {
	FinalizedHead blockref.Ref
	BaseHead      blockref.Ref
	NewBlocks     []blockref.Ref
}

// ConnectResult is the resume state returned by connect() (spec §6).
type ConnectResult struct {
	Height          int64
	Hash            string
	HotBlocks       []blockref.Ref
	FinalizedHeight int64
}

// FinalCallback is invoked exactly once per transactFinal call with a fresh
// store buffer to insert into.
type FinalCallback func(store *ingest.Buffer) error

// HotCallback is invoked once per block in a transactHot batch.
type HotCallback func(store *ingest.Buffer, block blockref.Ref) error

// Pinger is the subset of clickhouse.Client the coordinator's health probe
// needs: a cheap round-trip confirming the connection is still alive.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Locker is the subset of lock.Lock the coordinator's health probe needs:
// confirmation this instance still holds its advisory single-writer lock.
type Locker interface {
	Held(ctx context.Context) (bool, error)
}

// Metrics receives coordinator-level telemetry. metrics.Collector satisfies
// this structurally.
type Metrics interface {
	BlocksIngested(n int)
}

type noopMetrics struct{}

func (noopMetrics) BlocksIngested(n int) {}

// registryPort is the subset of *registry.Registry the coordinator calls
// directly (reorg handling happens inside the reorg engine, not here).
type registryPort interface {
	Initialize(ctx context.Context) error
	AddBlock(ctx context.Context, height uint64, hash string, ts time.Time) error
	HashAt(height uint64) (string, bool)
}

var _ registryPort = (*registry.Registry)(nil)

// Config holds the coordinator's fixed, connection-lifetime configuration
// (spec §6's recognized options).
type Config struct {
	ProcessorID       string
	Network           string
	HeightColumnName  string
	HotBlocksDepth    uint64
	SupportHotBlocks  bool
	AutoMigrate       bool
	MigrationPolicy   migration.TriggerPolicy
	MigrationInterval int
}

// Coordinator drives the dual-zone state machine. It is not safe for
// concurrent use by design (spec §5): transactFinal/transactHot calls are
// internally serialized by mu as a defensive measure, but callers must still
// honor the single-active-coordinator invariant (see pkg/lock).
type Coordinator struct {
	logger          *zap.Logger
	checkpointStore checkpoint.Store
	registry        registryPort
	reconciler      *reconcile.Reconciler
	router          *router.Router
	tables          *schema.Registry
	reorgEngine     *reorg.Engine
	migrationEngine *migration.Engine
	newBuffer       func() *ingest.Buffer
	pinger          Pinger
	locker          Locker
	metrics         Metrics

	cfg Config

	mu                       sync.Mutex
	state                    State
	chain                    *blockref.Chain
	finalizedHeight          int64
	blocksSinceLastMigration int
}

// Deps bundles the constituent components a Coordinator is assembled from.
// Pinger and Locker are optional: a nil value skips that leg of Health.
type Deps struct {
	CheckpointStore checkpoint.Store
	Registry        registryPort
	Reconciler      *reconcile.Reconciler
	Router          *router.Router
	Tables          *schema.Registry
	ReorgEngine     *reorg.Engine
	MigrationEngine *migration.Engine
	NewBuffer       func() *ingest.Buffer
	Pinger          Pinger
	Locker          Locker
}

// New builds a Coordinator in the Disconnected state.
func New(logger *zap.Logger, deps Deps, cfg Config) *Coordinator {
	return &Coordinator{
		logger:          logger,
		checkpointStore: deps.CheckpointStore,
		registry:        deps.Registry,
		reconciler:      deps.Reconciler,
		router:          deps.Router,
		tables:          deps.Tables,
		reorgEngine:     deps.ReorgEngine,
		migrationEngine: deps.MigrationEngine,
		newBuffer:       deps.NewBuffer,
		pinger:          deps.Pinger,
		locker:          deps.Locker,
		metrics:         noopMetrics{},
		cfg:             cfg,
		state:           StateDisconnected,
		chain:           blockref.NewChain(nil),
		finalizedHeight: checkpoint.FreshHeight,
	}
}

// SetMetrics installs a Metrics sink. Pass nil to go back to a no-op.
func (c *Coordinator) SetMetrics(m Metrics) {
	if m == nil {
		m = noopMetrics{}
	}
	c.metrics = m
}

// Health is a cheap readiness probe an embedder can expose on its own health
// endpoint (SPEC_FULL.md's supplement to the checkpoint/lock surface): the
// coordinator must be Ready, the ClickHouse connection must answer a ping
// (when a Pinger is configured), and this instance must still hold its
// advisory lock (when a Locker is configured).
func (c *Coordinator) Health(ctx context.Context) error {
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()
	if state != StateReady {
		return fmt.Errorf("coordinator: not ready (state=%s)", state)
	}

	if c.pinger != nil {
		if err := c.pinger.Ping(ctx); err != nil {
			return fmt.Errorf("coordinator: clickhouse ping failed: %w", err)
		}
	}

	if c.locker != nil {
		held, err := c.locker.Held(ctx)
		if err != nil {
			return fmt.Errorf("coordinator: lock check failed: %w", err)
		}
		if !held {
			return fmt.Errorf("coordinator: advisory lock no longer held")
		}
	}

	return nil
}

// State reports the coordinator's current lifecycle state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SetIsAtChainTip forwards the producer's chain-tip signal to the zone
// router, which both steers inserts and gates the migration trigger.
func (c *Coordinator) SetIsAtChainTip(flag bool) {
	c.router.SetIsAtChainTip(flag)
}

// Connect runs schema validation, the stale-restart reconciler (if hot
// blocks are supported), and loads the resume state, transitioning
// Disconnected -> Recovering -> Ready. Any failure leaves the coordinator in
// Failed; the caller (supervisor) is expected to retry Connect.
func (c *Coordinator) Connect(ctx context.Context) (ConnectResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.state = StateRecovering
	c.logger.Info("coordinator connecting", zap.String("processor_id", c.cfg.ProcessorID))

	if err := c.checkpointStore.Init(ctx); err != nil {
		c.state = StateFailed
		return ConnectResult{}, chstoreerr.Connect(err)
	}

	if err := c.tables.ValidateAll(c.cfg.HeightColumnName); err != nil {
		c.state = StateFailed
		return ConnectResult{}, chstoreerr.Schema(nil, err.Error())
	}

	var live checkpoint.LiveState
	if c.cfg.SupportHotBlocks {
		if err := c.registry.Initialize(ctx); err != nil {
			c.state = StateFailed
			return ConnectResult{}, fmt.Errorf("connect: initialize registry: %w", err)
		}
		var err error
		live, err = c.reconciler.Reconcile(ctx)
		if err != nil {
			c.state = StateFailed
			return ConnectResult{}, fmt.Errorf("connect: reconcile: %w", err)
		}
	} else {
		var err error
		live, err = c.checkpointStore.LoadLive(ctx, c.cfg.ProcessorID)
		if err != nil {
			c.state = StateFailed
			return ConnectResult{}, fmt.Errorf("connect: load live checkpoint: %w", err)
		}
	}

	c.chain = blockref.NewChain(live.HotBlocks)
	c.finalizedHeight = live.FinalizedHeight
	c.blocksSinceLastMigration = 0
	c.state = StateReady

	c.logger.Info("coordinator ready",
		zap.String("processor_id", c.cfg.ProcessorID),
		zap.Int64("height", live.Height),
		zap.Int64("finalized_height", live.FinalizedHeight),
		zap.Int("hot_blocks", c.chain.Len()))

	return ConnectResult{
		Height:          live.Height,
		Hash:            live.Hash,
		HotBlocks:       c.chain.Blocks(),
		FinalizedHeight: live.FinalizedHeight,
	}, nil
}

// Disconnect moves the coordinator to Disconnected. No pending work can be
// lost: every transact call already flushed and checkpointed before
// returning (spec §5's ordering guarantee).
func (c *Coordinator) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = StateDisconnected
	c.logger.Info("coordinator disconnected", zap.String("processor_id", c.cfg.ProcessorID))
	return nil
}

func (c *Coordinator) requireReady() error {
	if c.state != StateReady {
		return fmt.Errorf("coordinator: not ready (state=%s)", c.state)
	}
	return nil
}

// TransactFinal runs the finalized-batch contract (spec §4.7): invoke
// cb exactly once, flush, advance finalizedHeight to info.NextHead.Height,
// then saveLive — strictly in that order.
func (c *Coordinator) TransactFinal(ctx context.Context, info FinalInfo, cb FinalCallback) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.requireReady(); err != nil {
		return err
	}

	buf := c.newBuffer()
	if err := cb(buf); err != nil {
		return fmt.Errorf("transactFinal: callback: %w", err)
	}
	if err := buf.Flush(ctx); err != nil {
		c.state = StateFailed
		return fmt.Errorf("transactFinal: flush: %w", err)
	}

	c.finalizedHeight = int64(info.NextHead.Height)
	newState := checkpoint.LiveState{
		Height:          int64(info.NextHead.Height),
		Hash:            info.NextHead.Hash,
		HotBlocks:       c.chain.Blocks(),
		FinalizedHeight: c.finalizedHeight,
		Timestamp:       time.Now().UTC(),
	}
	if err := c.checkpointStore.SaveLive(ctx, c.cfg.ProcessorID, newState); err != nil {
		c.state = StateFailed
		return chstoreerr.CheckpointWrite(err)
	}

	c.logger.Info("transactFinal committed",
		zap.String("processor_id", c.cfg.ProcessorID),
		zap.Uint64("height", info.NextHead.Height))
	return nil
}

// TransactHot runs the hot-batch contract (spec §4.7 steps 1-6).
func (c *Coordinator) TransactHot(ctx context.Context, info HotInfo, cb HotCallback) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.requireReady(); err != nil {
		return err
	}

	finalizedAdvanced := false
	if int64(info.FinalizedHead.Height) > c.finalizedHeight {
		c.finalizedHeight = int64(info.FinalizedHead.Height)
		c.chain.DropAtOrBelow(info.FinalizedHead.Height)
		finalizedAdvanced = true
	}

	reorgInserted := false
	if c.cfg.SupportHotBlocks && reorg.Detect(c.chain, info.NewBlocks) {
		if _, err := c.reorgEngine.Execute(ctx, c.chain, info.NewBlocks, uint64(c.finalizedHeight)); err != nil {
			c.state = StateFailed
			return fmt.Errorf("transactHot: reorg: %w", err)
		}
		reorgInserted = true
	}

	for _, b := range info.NewBlocks {
		buf := c.newBuffer()
		if err := cb(buf, b); err != nil {
			return fmt.Errorf("transactHot: callback at height %d: %w", b.Height, err)
		}
		if err := buf.Flush(ctx); err != nil {
			c.state = StateFailed
			return fmt.Errorf("transactHot: flush at height %d: %w", b.Height, err)
		}
		if c.cfg.SupportHotBlocks && !reorgInserted {
			if err := c.registry.AddBlock(ctx, b.Height, b.Hash, time.Now().UTC()); err != nil {
				c.state = StateFailed
				return fmt.Errorf("transactHot: registry add at height %d: %w", b.Height, err)
			}
		}
		c.chain.Append(b)
	}

	c.metrics.BlocksIngested(len(info.NewBlocks))

	if c.cfg.HotBlocksDepth > 0 && uint64(c.chain.Len()) > c.cfg.HotBlocksDepth {
		c.chain.TruncateFront(int(c.cfg.HotBlocksDepth))
	}

	liveHeight, liveHash := c.finalizedHeight, ""
	if tip, ok := c.chain.Tip(); ok {
		liveHeight, liveHash = int64(tip.Height), tip.Hash
	}
	newState := checkpoint.LiveState{
		Height:          liveHeight,
		Hash:            liveHash,
		HotBlocks:       c.chain.Blocks(),
		FinalizedHeight: c.finalizedHeight,
		Timestamp:       time.Now().UTC(),
	}
	if err := c.checkpointStore.SaveLive(ctx, c.cfg.ProcessorID, newState); err != nil {
		c.state = StateFailed
		return chstoreerr.CheckpointWrite(err)
	}

	if c.cfg.AutoMigrate && c.router.IsAtChainTip() {
		c.blocksSinceLastMigration += len(info.NewBlocks)
		if migration.ShouldTrigger(c.cfg.MigrationPolicy, c.blocksSinceLastMigration, c.cfg.MigrationInterval, finalizedAdvanced) {
			result, err := c.migrationEngine.Migrate(ctx, c.chain, c.registry)
			if err != nil {
				c.logger.Warn("migration attempt failed", zap.Error(err))
			} else if !result.Vetoed {
				c.blocksSinceLastMigration = 0
			}
		}
	}

	return nil
}
