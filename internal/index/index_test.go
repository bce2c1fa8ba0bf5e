package index_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nibblekv/nibble/internal/index"
)

func TestUpdateThenGet(t *testing.T) {
	idx := index.New(16)

	_, hadPrior := idx.Update(1, index.Merge(0, 100))
	require.False(t, hadPrior)

	e, ok := idx.Get(1)
	require.True(t, ok)
	socket, addr := e.Split()
	require.Equal(t, uint16(0), socket)
	require.Equal(t, uint64(100), addr)
}

func TestUpdateReplacesAndReturnsPrior(t *testing.T) {
	idx := index.New(16)

	idx.Update(1, index.Merge(0, 100))
	prior, hadPrior := idx.Update(1, index.Merge(0, 200))
	require.True(t, hadPrior)
	_, priorAddr := prior.Split()
	require.Equal(t, uint64(100), priorAddr)

	e, ok := idx.Get(1)
	require.True(t, ok)
	_, addr := e.Split()
	require.Equal(t, uint64(200), addr)
}

func TestEraseRemovesEntry(t *testing.T) {
	idx := index.New(16)
	idx.Update(1, index.Merge(0, 100))

	prior, hadPrior := idx.Erase(1)
	require.True(t, hadPrior)
	_, addr := prior.Split()
	require.Equal(t, uint64(100), addr)

	_, ok := idx.Get(1)
	require.False(t, ok)

	_, hadPrior = idx.Erase(1)
	require.False(t, hadPrior)
}

func TestCompareAndSwap(t *testing.T) {
	idx := index.New(16)
	old := index.Merge(0, 100)
	idx.Update(1, old)

	ok := idx.CompareAndSwap(1, index.Merge(0, 999), index.Merge(0, 200))
	require.False(t, ok, "CAS with a stale expected value must fail")

	ok = idx.CompareAndSwap(1, old, index.Merge(1, 200))
	require.True(t, ok)

	e, _ := idx.Get(1)
	socket, addr := e.Split()
	require.Equal(t, uint16(1), socket)
	require.Equal(t, uint64(200), addr)
}

func TestLenTracksLiveEntries(t *testing.T) {
	idx := index.New(64)
	for i := uint64(0); i < 10; i++ {
		idx.Update(i, index.Merge(0, i*8))
	}
	require.Equal(t, 10, idx.Len())

	idx.Erase(0)
	require.Equal(t, 9, idx.Len())

	idx.Update(0, index.Merge(0, 1))
	require.Equal(t, 10, idx.Len())
}

func TestConcurrentUpdatesAreLinearizable(t *testing.T) {
	const n = 500
	idx := index.New(n)

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(key uint64) {
			defer wg.Done()
			idx.Update(key, index.Merge(0, key))
		}(uint64(i))
	}
	wg.Wait()

	require.Equal(t, n, idx.Len())
	for i := uint64(0); i < n; i++ {
		e, ok := idx.Get(i)
		require.True(t, ok)
		_, addr := e.Split()
		require.Equal(t, i, addr)
	}
}
