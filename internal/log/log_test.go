package log_test

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/nibblekv/nibble/internal/codec"
	"github.com/nibblekv/nibble/internal/log"
	"github.com/nibblekv/nibble/internal/metrics"
	"github.com/nibblekv/nibble/internal/numa"
	"github.com/nibblekv/nibble/internal/region"
	"github.com/nibblekv/nibble/internal/segmgr"
)

func newLog(t *testing.T, blockSize, blocks int) *log.Log {
	t.Helper()
	nop := zerolog.Nop()
	r, err := region.Reserve(blockSize*blocks, blockSize, 0, numa.Default(1), &nop)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Release() })

	mgr := segmgr.New(r, &nop, metrics.New())
	lg, err := log.New(mgr, &nop, metrics.New())
	require.NoError(t, err)
	return lg
}

func TestAppendReturnsDistinctAddresses(t *testing.T) {
	lg := newLog(t, 4096, 4)

	addr1, err := lg.Append(1, []byte("a"))
	require.NoError(t, err)
	addr2, err := lg.Append(2, []byte("bb"))
	require.NoError(t, err)

	require.NotEqual(t, addr1, addr2)
	require.Equal(t, addr1+uint64(codec.Size(1)), addr2)
}

func TestAppendRotatesWhenSegmentFills(t *testing.T) {
	// blockSize 64 holds exactly two codec.Size(16)==32-byte records, so a
	// third append must rotate onto a fresh segment.
	lg := newLog(t, 64, 3)
	headID := lg.HeadSegmentID()

	value := make([]byte, 16)
	for i := 0; i < 3; i++ {
		_, err := lg.Append(uint64(i), value)
		require.NoError(t, err)
	}

	require.NotEqual(t, headID, lg.HeadSegmentID(), "writing past one segment's capacity should rotate the head")
}

func TestAppendReturnsOutOfMemoryWhenExhausted(t *testing.T) {
	lg := newLog(t, 64, 1)
	value := make([]byte, 16)

	var err error
	for i := 0; i < 10; i++ {
		_, err = lg.Append(uint64(i), value)
		if err != nil {
			break
		}
	}
	require.ErrorIs(t, err, segmgr.ErrOutOfMemory)
}
