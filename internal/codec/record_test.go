package codec_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nibblekv/nibble/internal/codec"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	value := []byte("the quick brown fox")
	buf := make([]byte, codec.Size(len(value)))

	n := codec.Encode(buf, 0xabcd, value)
	require.Equal(t, codec.Size(len(value)), n)

	key, valueLen := codec.DecodeHeader(buf)
	require.Equal(t, uint64(0xabcd), key)
	require.Equal(t, uint32(len(value)), valueLen)
	require.Equal(t, value, codec.Value(buf))
}

func TestSizeIsAlignedAndIncludesHeader(t *testing.T) {
	for _, n := range []int{0, 1, 7, 8, 9, 100} {
		size := codec.Size(n)
		require.Zero(t, size%codec.Alignment, "size must be a multiple of Alignment")
		require.GreaterOrEqual(t, size, codec.HeaderSize+n)
	}
}

func TestEmptyValueRoundTrip(t *testing.T) {
	buf := make([]byte, codec.Size(0))
	codec.Encode(buf, 1, nil)
	require.Empty(t, codec.Value(buf))
}
