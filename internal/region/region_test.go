package region_test

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/nibblekv/nibble/internal/numa"
	"github.com/nibblekv/nibble/internal/region"
)

func TestReserveRejectsNonMultipleSize(t *testing.T) {
	nop := zerolog.Nop()
	_, err := region.Reserve(1000, 4096, 0, numa.Default(1), &nop)
	require.Error(t, err)
}

func TestReserveAndBlockAddressing(t *testing.T) {
	nop := zerolog.Nop()
	r, err := region.Reserve(4096*4, 4096, 0, numa.Default(1), &nop)
	require.NoError(t, err)
	defer r.Release()

	require.Equal(t, 4, r.NumBlocks())
	require.Equal(t, 0, r.Socket())

	block := r.Block(2)
	require.Len(t, block, 4096)

	addrOfBlock2 := r.BaseAddr() + 2*4096
	idx, ok := r.BlockIndex(addrOfBlock2)
	require.True(t, ok)
	require.Equal(t, 2, idx)

	_, ok = r.BlockIndex(r.BaseAddr() + 4096*4)
	require.False(t, ok, "an address at or past the region's end is out of range")
}
