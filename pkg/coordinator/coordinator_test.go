package coordinator

import (
	"context"
	"testing"

	"github.com/ClickHouse/clickhouse-go/v2/lib/column"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/squidstore/chstore/pkg/blockref"
	"github.com/squidstore/chstore/pkg/checkpoint"
	"github.com/squidstore/chstore/pkg/ingest"
	"github.com/squidstore/chstore/pkg/migration"
	"github.com/squidstore/chstore/pkg/reconcile"
	"github.com/squidstore/chstore/pkg/registry"
	"github.com/squidstore/chstore/pkg/reorg"
	"github.com/squidstore/chstore/pkg/router"
	"github.com/squidstore/chstore/pkg/schema"
)

// --- ingest.Store fake (mirrors pkg/ingest's own test fake) ---

type fakeBatch struct {
	rows [][]any
}

func (b *fakeBatch) Abort() error                      { return nil }
func (b *fakeBatch) Append(v ...any) error              { b.rows = append(b.rows, v); return nil }
func (b *fakeBatch) AppendStruct(v any) error            { return nil }
func (b *fakeBatch) Column(idx int) driver.BatchColumn { return nil }
func (b *fakeBatch) Flush() error                      { return nil }
func (b *fakeBatch) IsSent() bool                      { return true }
func (b *fakeBatch) Rows() int                         { return len(b.rows) }
func (b *fakeBatch) Send() error                       { return nil }
func (b *fakeBatch) Columns() []column.Interface       { return nil }
func (b *fakeBatch) Close() error                      { return nil }

type fakeIngestStore struct {
	batches []*fakeBatch
}

func (f *fakeIngestStore) PrepareBatch(ctx context.Context, query string) (driver.Batch, error) {
	b := &fakeBatch{}
	f.batches = append(f.batches, b)
	return b, nil
}

func (f *fakeIngestStore) totalRows() int {
	n := 0
	for _, b := range f.batches {
		n += len(b.rows)
	}
	return n
}

// --- registry.Store fake ---

type fakeRegistryStore struct {
	rows map[string]map[uint64]string
}

func newFakeRegistryStore() *fakeRegistryStore {
	return &fakeRegistryStore{rows: make(map[string]map[uint64]string)}
}

func (f *fakeRegistryStore) Init(ctx context.Context) error { return nil }

func (f *fakeRegistryStore) Insert(ctx context.Context, processorID string, entries []registry.Entry) error {
	m, ok := f.rows[processorID]
	if !ok {
		m = make(map[uint64]string)
		f.rows[processorID] = m
	}
	for _, e := range entries {
		m[e.Height] = e.Hash
	}
	return nil
}

func (f *fakeRegistryStore) LoadAll(ctx context.Context, processorID string) ([]registry.Entry, error) {
	var out []registry.Entry
	for h, hash := range f.rows[processorID] {
		out = append(out, registry.Entry{Height: h, Hash: hash})
	}
	return out, nil
}

func (f *fakeRegistryStore) DeleteFromHeight(ctx context.Context, processorID string, fromHeight uint64) error {
	for h := range f.rows[processorID] {
		if h >= fromHeight {
			delete(f.rows[processorID], h)
		}
	}
	return nil
}

func (f *fakeRegistryStore) DeleteBelowHeight(ctx context.Context, processorID string, belowHeight uint64) error {
	for h := range f.rows[processorID] {
		if h < belowHeight {
			delete(f.rows[processorID], h)
		}
	}
	return nil
}

func (f *fakeRegistryStore) Clear(ctx context.Context, processorID string) error {
	delete(f.rows, processorID)
	return nil
}

// --- checkpoint.Store fake (doubles as reconcile.Checkpoint and migration.CheckpointSaver) ---

type fakeCheckpointStore struct {
	live map[string]checkpoint.LiveState
	cold map[string]checkpoint.ColdState
}

func newFakeCheckpointStore() *fakeCheckpointStore {
	return &fakeCheckpointStore{live: make(map[string]checkpoint.LiveState), cold: make(map[string]checkpoint.ColdState)}
}

func (f *fakeCheckpointStore) Init(ctx context.Context) error { return nil }

func (f *fakeCheckpointStore) LoadLive(ctx context.Context, processorID string) (checkpoint.LiveState, error) {
	if s, ok := f.live[processorID]; ok {
		return s, nil
	}
	return checkpoint.Fresh(), nil
}

func (f *fakeCheckpointStore) SaveLive(ctx context.Context, processorID string, state checkpoint.LiveState) error {
	f.live[processorID] = state
	return nil
}

func (f *fakeCheckpointStore) LoadCold(ctx context.Context, processorID string) (checkpoint.ColdState, bool, error) {
	s, ok := f.cold[processorID]
	return s, ok, nil
}

func (f *fakeCheckpointStore) SaveCold(ctx context.Context, processorID string, height uint64, hash string) error {
	f.cold[processorID] = checkpoint.ColdState{Height: int64(height), Hash: hash}
	return nil
}

// --- migration.Store fake (mirrors pkg/migration's own test fake) ---

type fakeMigrationTable struct {
	rows map[int64]string
}

type fakeMigrationStore struct {
	tables map[string]*fakeMigrationTable
}

func newFakeMigrationStore() *fakeMigrationStore {
	return &fakeMigrationStore{tables: make(map[string]*fakeMigrationTable)}
}

func (f *fakeMigrationStore) TableExists(ctx context.Context, table string) (bool, error) {
	_, ok := f.tables[table]
	return ok, nil
}

func (f *fakeMigrationStore) MaxHeight(ctx context.Context, table, heightColumn string) (int64, bool, error) {
	t, ok := f.tables[table]
	if !ok || len(t.rows) == 0 {
		return 0, false, nil
	}
	var max int64
	first := true
	for h := range t.rows {
		if first || h > max {
			max, first = h, false
		}
	}
	return max, true, nil
}

func (f *fakeMigrationStore) CountBelowOrEqual(ctx context.Context, table, heightColumn string, cutoff int64) (uint64, error) {
	t, ok := f.tables[table]
	if !ok {
		return 0, nil
	}
	var n uint64
	for h := range t.rows {
		if h <= cutoff {
			n++
		}
	}
	return n, nil
}

func (f *fakeMigrationStore) CopyRows(ctx context.Context, srcTable, dstTable, heightColumn string, cutoff int64) error {
	src := f.tables[srcTable]
	dst, ok := f.tables[dstTable]
	if !ok {
		dst = &fakeMigrationTable{rows: make(map[int64]string)}
		f.tables[dstTable] = dst
	}
	for h, hash := range src.rows {
		if h <= cutoff {
			dst.rows[h] = hash
		}
	}
	return nil
}

func (f *fakeMigrationStore) SelectRowsBelowOrEqual(ctx context.Context, table, heightColumn string, cutoff int64) ([]migration.Row, error) {
	t, ok := f.tables[table]
	if !ok {
		return nil, nil
	}
	var out []migration.Row
	for h, hash := range t.rows {
		if h <= cutoff {
			out = append(out, migration.Row{Columns: []string{"height", "hash"}, Values: []any{h, hash}})
		}
	}
	return out, nil
}

func (f *fakeMigrationStore) InsertRows(ctx context.Context, table string, rows []migration.Row) error {
	dst, ok := f.tables[table]
	if !ok {
		dst = &fakeMigrationTable{rows: make(map[int64]string)}
		f.tables[table] = dst
	}
	for _, r := range rows {
		dst.rows[r.Values[0].(int64)] = r.Values[1].(string)
	}
	return nil
}

func (f *fakeMigrationStore) DeleteRows(ctx context.Context, table, heightColumn string, cutoff int64) error {
	t := f.tables[table]
	for h := range t.rows {
		if h <= cutoff {
			delete(t.rows, h)
		}
	}
	return nil
}

func (f *fakeMigrationStore) LookupHash(ctx context.Context, table, heightColumn, hashColumn string, height int64) (string, bool, error) {
	t, ok := f.tables[table]
	if !ok {
		return "", false, nil
	}
	hash, ok := t.rows[height]
	return hash, ok, nil
}

// --- Health probe fakes ---

type fakePinger struct {
	err error
}

func (f *fakePinger) Ping(ctx context.Context) error { return f.err }

type fakeLocker struct {
	held bool
	err  error
}

func (f *fakeLocker) Held(ctx context.Context) (bool, error) { return f.held, f.err }

type fakeMetrics struct {
	blocksIngested []int
}

func (f *fakeMetrics) BlocksIngested(n int) { f.blocksIngested = append(f.blocksIngested, n) }

// --- reconcile.Store fake ---

type fakeReconcileStore struct {
	truncated []string
}

func (f *fakeReconcileStore) TruncateTable(ctx context.Context, table string) error {
	f.truncated = append(f.truncated, table)
	return nil
}

// --- test entity ---

type testEntity struct {
	kind   schema.Kind
	fields map[string]ingest.Scalar
}

func (e testEntity) Kind() schema.Kind             { return e.kind }
func (e testEntity) Fields() map[string]ingest.Scalar { return e.fields }

func blockEntity(height uint64, hash string) testEntity {
	return testEntity{kind: "blocks", fields: map[string]ingest.Scalar{
		"height": ingest.Int64(int64(height)),
		"hash":   ingest.Text(hash),
	}}
}

type testHarness struct {
	coordinator    *Coordinator
	ingestStore    *fakeIngestStore
	checkpointStore *fakeCheckpointStore
	migrationStore *fakeMigrationStore
	reconcileStore *fakeReconcileStore
	tables         *schema.Registry
	router         *router.Router
}

func newHarness(t *testing.T, cfg Config) *testHarness {
	t.Helper()
	logger := zaptest.NewLogger(t)

	tables := schema.NewRegistry([]schema.TableSpec{
		{Kind: "blocks", HotSupport: true, Columns: []schema.ColumnDef{
			{Name: "height", Type: "Int64"},
			{Name: "hash", Type: "String"},
		}},
	})

	rt := router.New(logger, cfg.Network, tables)
	ingestStore := &fakeIngestStore{}
	newBuffer := func() *ingest.Buffer {
		return ingest.NewBuffer(logger, ingestStore, "chstore_db", rt, tables, 4)
	}

	reg := registry.New(logger, newFakeRegistryStore(), cfg.ProcessorID, cfg.HotBlocksDepth)
	cpStore := newFakeCheckpointStore()
	reconcileStore := &fakeReconcileStore{}
	reconciler := reconcile.New(logger, reconcileStore, reg, cpStore, tables, cfg.Network, cfg.ProcessorID, reconcile.DefaultOptions())
	reorgEngine := reorg.New(logger, reg, reorg.NoopMetrics)
	migrationStore := newFakeMigrationStore()
	migrationEngine := migration.New(logger, migrationStore, tables, cpStore, cfg.Network, cfg.ProcessorID, cfg.HeightColumnName, cfg.HotBlocksDepth)

	c := New(logger, Deps{
		CheckpointStore: cpStore,
		Registry:        reg,
		Reconciler:      reconciler,
		Router:          rt,
		Tables:          tables,
		ReorgEngine:     reorgEngine,
		MigrationEngine: migrationEngine,
		NewBuffer:       newBuffer,
	}, cfg)

	return &testHarness{
		coordinator:     c,
		ingestStore:     ingestStore,
		checkpointStore: cpStore,
		migrationStore:  migrationStore,
		reconcileStore:  reconcileStore,
		tables:          tables,
		router:          rt,
	}
}

func defaultConfig() Config {
	return Config{
		ProcessorID:       "p1",
		Network:           "ethereum",
		HeightColumnName:  "height",
		HotBlocksDepth:    3,
		SupportHotBlocks:  true,
		AutoMigrate:       true,
		MigrationPolicy:   migration.TriggerEveryNBlocks,
		MigrationInterval: 3,
	}
}

func TestConnectFreshProcessorReachesReady(t *testing.T) {
	h := newHarness(t, defaultConfig())
	result, err := h.coordinator.Connect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, checkpoint.FreshHeight, result.Height)
	assert.Equal(t, StateReady, h.coordinator.State())
}

func TestTransactBeforeConnectFails(t *testing.T) {
	h := newHarness(t, defaultConfig())
	err := h.coordinator.TransactFinal(context.Background(), FinalInfo{}, func(store *ingest.Buffer) error { return nil })
	assert.Error(t, err)
}

func TestTransactFinalFlushesAndAdvancesFinalizedHeight(t *testing.T) {
	h := newHarness(t, defaultConfig())
	ctx := context.Background()
	_, err := h.coordinator.Connect(ctx)
	require.NoError(t, err)

	info := FinalInfo{
		PrevHead: blockref.Ref{Height: 0},
		NextHead: blockref.Ref{Height: 999, Hash: "H999"},
		IsOnTop:  false,
	}
	err = h.coordinator.TransactFinal(ctx, info, func(store *ingest.Buffer) error {
		for i := uint64(0); i <= 999; i++ {
			if err := store.Stage(blockEntity(i, "h")); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1000, h.ingestStore.totalRows())

	live := h.checkpointStore.live["p1"]
	assert.Equal(t, int64(999), live.Height)
	assert.Equal(t, "H999", live.Hash)
	assert.Equal(t, int64(999), live.FinalizedHeight)
}

func TestTransactHotAppendsBlocksAndRecordsRegistry(t *testing.T) {
	h := newHarness(t, defaultConfig())
	ctx := context.Background()
	_, err := h.coordinator.Connect(ctx)
	require.NoError(t, err)
	h.coordinator.SetIsAtChainTip(true)

	info := HotInfo{
		FinalizedHead: blockref.Ref{Height: 95},
		NewBlocks:     []blockref.Ref{{Height: 100, Hash: "A"}},
	}
	err = h.coordinator.TransactHot(ctx, info, func(store *ingest.Buffer, b blockref.Ref) error {
		return store.Stage(blockEntity(b.Height, b.Hash))
	})
	require.NoError(t, err)

	live := h.checkpointStore.live["p1"]
	assert.Equal(t, int64(100), live.Height)
	assert.Equal(t, "A", live.Hash)
	assert.Equal(t, int64(95), live.FinalizedHeight)
	require.Len(t, live.HotBlocks, 1)
	assert.Equal(t, blockref.Ref{Height: 100, Hash: "A"}, live.HotBlocks[0])

	hash, ok := h.coordinator.registry.HashAt(100)
	require.True(t, ok)
	assert.Equal(t, "A", hash)
}

func TestTransactHotTruncatesFrontPastHotBlocksDepth(t *testing.T) {
	cfg := defaultConfig()
	cfg.HotBlocksDepth = 2
	cfg.AutoMigrate = false
	h := newHarness(t, cfg)
	ctx := context.Background()
	_, err := h.coordinator.Connect(ctx)
	require.NoError(t, err)
	h.coordinator.SetIsAtChainTip(true)

	for height := uint64(100); height <= 103; height++ {
		info := HotInfo{
			FinalizedHead: blockref.Ref{Height: 90},
			NewBlocks:     []blockref.Ref{{Height: height, Hash: "h"}},
		}
		err := h.coordinator.TransactHot(ctx, info, func(store *ingest.Buffer, b blockref.Ref) error {
			return store.Stage(blockEntity(b.Height, b.Hash))
		})
		require.NoError(t, err)
	}

	live := h.checkpointStore.live["p1"]
	assert.Len(t, live.HotBlocks, 2)
	assert.Equal(t, uint64(102), live.HotBlocks[0].Height)
	assert.Equal(t, uint64(103), live.HotBlocks[1].Height)
}

// TestTransactHotDetectsAndExecutesReorg matches spec §8 scenario 4.
func TestTransactHotDetectsAndExecutesReorg(t *testing.T) {
	cfg := defaultConfig()
	cfg.HotBlocksDepth = 10
	cfg.AutoMigrate = false
	h := newHarness(t, cfg)
	ctx := context.Background()
	_, err := h.coordinator.Connect(ctx)
	require.NoError(t, err)
	h.coordinator.SetIsAtChainTip(true)

	seed := HotInfo{
		FinalizedHead: blockref.Ref{Height: 0},
		NewBlocks: []blockref.Ref{
			{Height: 100, Hash: "A"},
			{Height: 101, Hash: "B"},
			{Height: 102, Hash: "C"},
		},
	}
	require.NoError(t, h.coordinator.TransactHot(ctx, seed, func(store *ingest.Buffer, b blockref.Ref) error {
		return store.Stage(blockEntity(b.Height, b.Hash))
	}))

	reorgBatch := HotInfo{
		FinalizedHead: blockref.Ref{Height: 0},
		NewBlocks: []blockref.Ref{
			{Height: 102, Hash: "C'"},
			{Height: 103, Hash: "D'"},
		},
	}
	require.NoError(t, h.coordinator.TransactHot(ctx, reorgBatch, func(store *ingest.Buffer, b blockref.Ref) error {
		return store.Stage(blockEntity(b.Height, b.Hash))
	}))

	live := h.checkpointStore.live["p1"]
	require.Len(t, live.HotBlocks, 4)
	assert.Equal(t, []blockref.Ref{
		{Height: 100, Hash: "A"},
		{Height: 101, Hash: "B"},
		{Height: 102, Hash: "C'"},
		{Height: 103, Hash: "D'"},
	}, live.HotBlocks)
}

func TestTransactHotTriggersMigrationAtIntervalAndResetsCounter(t *testing.T) {
	cfg := defaultConfig()
	cfg.HotBlocksDepth = 50
	cfg.MigrationInterval = 3
	h := newHarness(t, cfg)
	ctx := context.Background()
	_, err := h.coordinator.Connect(ctx)
	require.NoError(t, err)
	h.coordinator.SetIsAtChainTip(true)

	// Seed the migration engine's (separately-faked) view of the hot table
	// with the same heights the transactHot loop below will process, since
	// the migration store and the ingest store are independent fakes here.
	h.migrationStore.tables["ethereum_hot_blocks"] = &fakeMigrationTable{rows: map[int64]string{
		10000: "h", 10001: "h", 10002: "h",
	}}

	for height := uint64(10000); height < 10003; height++ {
		info := HotInfo{
			FinalizedHead: blockref.Ref{Height: 0},
			NewBlocks:     []blockref.Ref{{Height: height, Hash: "h"}},
		}
		require.NoError(t, h.coordinator.TransactHot(ctx, info, func(store *ingest.Buffer, b blockref.Ref) error {
			return store.Stage(blockEntity(b.Height, b.Hash))
		}))
	}

	assert.Equal(t, int64(10002-50), h.coordinator.migrationEngine.LastMigrationHeight())
	assert.Equal(t, 0, h.coordinator.blocksSinceLastMigration)
}

func TestDisconnectTransitionsState(t *testing.T) {
	h := newHarness(t, defaultConfig())
	ctx := context.Background()
	_, err := h.coordinator.Connect(ctx)
	require.NoError(t, err)
	require.NoError(t, h.coordinator.Disconnect(ctx))
	assert.Equal(t, StateDisconnected, h.coordinator.State())
}

func TestHealthFailsWhenNotReady(t *testing.T) {
	h := newHarness(t, defaultConfig())
	err := h.coordinator.Health(context.Background())
	assert.Error(t, err)
}

func TestHealthPassesWithNoPingerOrLockerConfigured(t *testing.T) {
	h := newHarness(t, defaultConfig())
	ctx := context.Background()
	_, err := h.coordinator.Connect(ctx)
	require.NoError(t, err)
	assert.NoError(t, h.coordinator.Health(ctx))
}

func TestHealthFailsWhenPingerFails(t *testing.T) {
	h := newHarness(t, defaultConfig())
	h.coordinator.pinger = &fakePinger{err: assert.AnError}
	ctx := context.Background()
	_, err := h.coordinator.Connect(ctx)
	require.NoError(t, err)
	assert.Error(t, h.coordinator.Health(ctx))
}

func TestHealthFailsWhenLockNoLongerHeld(t *testing.T) {
	h := newHarness(t, defaultConfig())
	h.coordinator.locker = &fakeLocker{held: false}
	ctx := context.Background()
	_, err := h.coordinator.Connect(ctx)
	require.NoError(t, err)
	assert.Error(t, h.coordinator.Health(ctx))
}

func TestHealthFailsWhenLockCheckErrors(t *testing.T) {
	h := newHarness(t, defaultConfig())
	h.coordinator.locker = &fakeLocker{err: assert.AnError}
	ctx := context.Background()
	_, err := h.coordinator.Connect(ctx)
	require.NoError(t, err)
	assert.Error(t, h.coordinator.Health(ctx))
}

func TestHealthPassesWhenPingerAndLockerBothSucceed(t *testing.T) {
	h := newHarness(t, defaultConfig())
	h.coordinator.pinger = &fakePinger{}
	h.coordinator.locker = &fakeLocker{held: true}
	ctx := context.Background()
	_, err := h.coordinator.Connect(ctx)
	require.NoError(t, err)
	assert.NoError(t, h.coordinator.Health(ctx))
}

func TestTransactHotReportsBlocksIngestedMetric(t *testing.T) {
	cfg := defaultConfig()
	cfg.AutoMigrate = false
	h := newHarness(t, cfg)
	metrics := &fakeMetrics{}
	h.coordinator.SetMetrics(metrics)
	ctx := context.Background()
	_, err := h.coordinator.Connect(ctx)
	require.NoError(t, err)
	h.coordinator.SetIsAtChainTip(true)

	info := HotInfo{
		FinalizedHead: blockref.Ref{Height: 0},
		NewBlocks: []blockref.Ref{
			{Height: 100, Hash: "A"},
			{Height: 101, Hash: "B"},
		},
	}
	require.NoError(t, h.coordinator.TransactHot(ctx, info, func(store *ingest.Buffer, b blockref.Ref) error {
		return store.Stage(blockEntity(b.Height, b.Hash))
	}))

	require.Len(t, metrics.blocksIngested, 1)
	assert.Equal(t, 2, metrics.blocksIngested[0])
}
