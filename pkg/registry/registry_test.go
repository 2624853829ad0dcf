package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/squidstore/chstore/pkg/blockref"
)

// fakeStore is an in-memory Store used so tests never dial ClickHouse,
// mirroring the teacher's fakeChainStore pattern.
type fakeStore struct {
	rows map[string]map[uint64]string // processorID -> height -> hash
}

func newFakeStore() *fakeStore {
	return &fakeStore{rows: make(map[string]map[uint64]string)}
}

func (f *fakeStore) Init(ctx context.Context) error { return nil }

func (f *fakeStore) Insert(ctx context.Context, processorID string, entries []Entry) error {
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

func (f *fakeStore) LoadAll(ctx context.Context, processorID string) ([]Entry, error) {
	var out []Entry
	for h, hash := range f.rows[processorID] {
		out = append(out, Entry{Height: h, Hash: hash})
	}
	return out, nil
}

func (f *fakeStore) DeleteFromHeight(ctx context.Context, processorID string, fromHeight uint64) error {
	m := f.rows[processorID]
	for h := range m {
		if h >= fromHeight {
			delete(m, h)
		}
	}
	return nil
}

func (f *fakeStore) DeleteBelowHeight(ctx context.Context, processorID string, belowHeight uint64) error {
	m := f.rows[processorID]
	for h := range m {
		if h < belowHeight {
			delete(m, h)
		}
	}
	return nil
}

func (f *fakeStore) Clear(ctx context.Context, processorID string) error {
	delete(f.rows, processorID)
	return nil
}

func TestAddBlocksAndIsValid(t *testing.T) {
	ctx := context.Background()
	r := New(zaptest.NewLogger(t), newFakeStore(), "p1", 10)
	require.NoError(t, r.Initialize(ctx))

	require.NoError(t, r.AddBlock(ctx, 100, "A", time.Now()))
	assert.True(t, r.IsValid(100, "A"))
	assert.False(t, r.IsValid(100, "B"))
	assert.False(t, r.IsValid(101, "A"))

	high, ok := r.HighestBlock()
	require.True(t, ok)
	assert.Equal(t, uint64(100), high)
}

func TestAddBlocksPrunesBelowFinalityWindow(t *testing.T) {
	ctx := context.Background()
	r := New(zaptest.NewLogger(t), newFakeStore(), "p1", 3)
	require.NoError(t, r.Initialize(ctx))

	for h := uint64(100); h <= 106; h++ {
		require.NoError(t, r.AddBlock(ctx, h, "h", time.Now()))
	}

	// finalityDepth=3, max=106 -> cutoff = 106-3+1 = 104
	assert.False(t, r.IsValid(103, "h"))
	assert.True(t, r.IsValid(104, "h"))
	assert.True(t, r.IsValid(106, "h"))
	assert.Equal(t, 3, r.Count())
}

func TestHandleReorgRemovesAndReinserts(t *testing.T) {
	ctx := context.Background()
	r := New(zaptest.NewLogger(t), newFakeStore(), "p1", 50)
	require.NoError(t, r.Initialize(ctx))

	require.NoError(t, r.AddBlocks(ctx, []blockref.Ref{
		{Height: 100, Hash: "A"},
		{Height: 101, Hash: "B"},
		{Height: 102, Hash: "C"},
	}, time.Now()))

	require.NoError(t, r.HandleReorg(ctx, 102, []blockref.Ref{
		{Height: 102, Hash: "C'"},
		{Height: 103, Hash: "D'"},
	}))

	assert.True(t, r.IsValid(101, "B"))
	assert.False(t, r.IsValid(102, "C"))
	assert.True(t, r.IsValid(102, "C'"))
	assert.True(t, r.IsValid(103, "D'"))
}

func TestHandleReorgIdempotent(t *testing.T) {
	ctx := context.Background()
	r := New(zaptest.NewLogger(t), newFakeStore(), "p1", 50)
	require.NoError(t, r.Initialize(ctx))

	newBlocks := []blockref.Ref{{Height: 100, Hash: "k"}}
	require.NoError(t, r.HandleReorg(ctx, 100, newBlocks))
	require.NoError(t, r.HandleReorg(ctx, 100, newBlocks))

	assert.True(t, r.IsValid(100, "k"))
	assert.Equal(t, 1, r.Count())
}

func TestBuildFilterNoValidBlocksEmitsColdWindowOnly(t *testing.T) {
	r := New(zaptest.NewLogger(t), newFakeStore(), "p1", 10)
	plan := r.BuildFilter("height", "hash", 1000)
	assert.Empty(t, plan.Pairs)
	assert.Equal(t, int64(990), plan.ColdWindowTo)
	assert.Equal(t, "height <= 990", plan.SQL(""))
}

func TestBuildFilterWithPairs(t *testing.T) {
	ctx := context.Background()
	r := New(zaptest.NewLogger(t), newFakeStore(), "p1", 10)
	require.NoError(t, r.AddBlocks(ctx, []blockref.Ref{{Height: 995, Hash: "x"}}, time.Now()))

	plan := r.BuildFilter("height", "hash", 1000)
	require.Len(t, plan.Pairs, 1)
	sql := plan.SQL("")
	assert.Contains(t, sql, "height <= 990")
	assert.Contains(t, sql, "(995, 'x')")
}

func TestBuildFilterDegradesToTempTableAboveCap(t *testing.T) {
	ctx := context.Background()
	r := New(zaptest.NewLogger(t), newFakeStore(), "p1", 1000)
	r.SetMaxFilterPairs(2)
	require.NoError(t, r.AddBlocks(ctx, []blockref.Ref{
		{Height: 1, Hash: "a"},
		{Height: 2, Hash: "b"},
		{Height: 3, Hash: "c"},
	}, time.Now()))

	plan := r.BuildFilter("height", "hash", 3)
	assert.True(t, plan.UseTempTable)
	assert.Contains(t, plan.SQL("tmp_valid"), "SELECT height, hash FROM tmp_valid")
}

func TestClearRemovesEverything(t *testing.T) {
	ctx := context.Background()
	r := New(zaptest.NewLogger(t), newFakeStore(), "p1", 10)
	require.NoError(t, r.AddBlock(ctx, 1, "a", time.Now()))
	require.NoError(t, r.Clear(ctx))
	assert.Equal(t, 0, r.Count())
	_, ok := r.HighestBlock()
	assert.False(t, ok)
}
