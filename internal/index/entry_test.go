package index_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nibblekv/nibble/internal/index"
)

func TestMergeSplitRoundTrip(t *testing.T) {
	cases := []struct {
		socket uint16
		addr   uint64
	}{
		{0, 0},
		{1, 0xdeadbeef},
		{0xffff, (uint64(1) << 48) - 1},
		{3, 0x7fffffffffff},
	}

	for _, c := range cases {
		e := index.Merge(c.socket, c.addr)
		gotSocket, gotAddr := e.Split()
		require.Equal(t, c.socket, gotSocket)
		require.Equal(t, c.addr, gotAddr)
	}
}

func TestMergeMasksAddressAbove48Bits(t *testing.T) {
	e := index.Merge(1, ^uint64(0))
	_, addr := e.Split()
	require.Equal(t, (uint64(1)<<48)-1, addr)
}
