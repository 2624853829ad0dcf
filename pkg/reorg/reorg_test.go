package reorg

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/squidstore/chstore/pkg/blockref"
)

type fakeRegistry struct {
	fromHeight uint64
	newBlocks  []blockref.Ref
	calls      int
}

func (f *fakeRegistry) HandleReorg(ctx context.Context, fromHeight uint64, newBlocks []blockref.Ref) error {
	f.fromHeight = fromHeight
	f.newBlocks = newBlocks
	f.calls++
	return nil
}

func chainOf(refs ...blockref.Ref) *blockref.Chain {
	return blockref.NewChain(refs)
}

func TestDetectReorgWhenFirstHeightAtOrBelowTip(t *testing.T) {
	chain := chainOf(blockref.Ref{Height: 100, Hash: "A"}, blockref.Ref{Height: 101, Hash: "B"}, blockref.Ref{Height: 102, Hash: "C"})

	assert.True(t, Detect(chain, []blockref.Ref{{Height: 102, Hash: "C'"}}))
	assert.False(t, Detect(chain, []blockref.Ref{{Height: 103, Hash: "D"}}))
}

func TestDetectEmptyChainNeverReorgs(t *testing.T) {
	chain := blockref.NewChain(nil)
	assert.False(t, Detect(chain, []blockref.Ref{{Height: 1, Hash: "a"}}))
}

func TestCommonAncestorFindsHighestMatchingHash(t *testing.T) {
	chain := chainOf(blockref.Ref{Height: 100, Hash: "A"}, blockref.Ref{Height: 101, Hash: "B"}, blockref.Ref{Height: 102, Hash: "C"})
	newBlocks := []blockref.Ref{{Height: 102, Hash: "C'"}, {Height: 103, Hash: "D'"}}

	ancestor, found := CommonAncestor(chain, newBlocks, 90)
	require.True(t, found)
	assert.Equal(t, uint64(101), ancestor)
}

func TestCommonAncestorFallsBackToFinalizedHeight(t *testing.T) {
	chain := chainOf(blockref.Ref{Height: 100, Hash: "A"}, blockref.Ref{Height: 101, Hash: "B"})
	newBlocks := []blockref.Ref{{Height: 100, Hash: "ZZZ"}, {Height: 101, Hash: "YYY"}}

	ancestor, found := CommonAncestor(chain, newBlocks, 95)
	assert.False(t, found)
	assert.Equal(t, uint64(95), ancestor)
}

func TestExecuteScenario4FromSpec(t *testing.T) {
	chain := chainOf(blockref.Ref{Height: 100, Hash: "A"}, blockref.Ref{Height: 101, Hash: "B"}, blockref.Ref{Height: 102, Hash: "C"})
	newBlocks := []blockref.Ref{{Height: 102, Hash: "C'"}, {Height: 103, Hash: "D'"}}

	reg := &fakeRegistry{}
	e := New(zaptest.NewLogger(t), reg, nil)

	ancestor, err := e.Execute(context.Background(), chain, newBlocks, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(101), ancestor)
	assert.Equal(t, uint64(102), reg.fromHeight)
	assert.Equal(t, newBlocks, reg.newBlocks)

	tip, ok := chain.Tip()
	require.True(t, ok)
	assert.Equal(t, uint64(101), tip.Height)
}

func TestExecuteReturnsReorgConsistencyErrorWhenFinalizedHeightUnreachable(t *testing.T) {
	chain := chainOf(blockref.Ref{Height: 50, Hash: "A"})
	newBlocks := []blockref.Ref{{Height: 100, Hash: "ZZZ"}}

	reg := &fakeRegistry{}
	e := New(zaptest.NewLogger(t), reg, nil)

	_, err := e.Execute(context.Background(), chain, newBlocks, 100)
	require.Error(t, err)
	assert.Equal(t, 0, reg.calls)
}
