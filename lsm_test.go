package nibble_test

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nibblekv/nibble"
	"github.com/nibblekv/nibble/internal/segmgr"
)

func newTestLSM(t *testing.T, sockets int) *nibble.LSM {
	t.Helper()
	l, err := nibble.New(nibble.Config{
		Sockets:       sockets,
		RegionBytes:   4096 * 8,
		SegmentBytes:  4096,
		IndexCapacity: 1024,
	})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, l.Close()) })
	return l
}

func TestPutGet(t *testing.T) {
	l := newTestLSM(t, 1)

	require.NoError(t, l.Put(42, []byte("hello")))

	got, err := l.Get(42)
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), got)
}

func TestGetMissing(t *testing.T) {
	l := newTestLSM(t, 1)

	_, err := l.Get(1)
	require.ErrorIs(t, err, nibble.ErrNotFound)
}

func TestOverwriteAccountsPriorDead(t *testing.T) {
	l := newTestLSM(t, 1)

	require.NoError(t, l.Put(1, []byte("first")))
	require.NoError(t, l.Put(1, []byte("second, and longer")))

	got, err := l.Get(1)
	require.NoError(t, err)
	require.Equal(t, []byte("second, and longer"), got)

	_, dead := l.Stats()
	require.Greater(t, dead, int64(0), "overwrite should have accounted the prior record as dead")
}

func TestDelete(t *testing.T) {
	l := newTestLSM(t, 1)

	require.NoError(t, l.Put(7, []byte("gone soon")))
	require.NoError(t, l.Del(7))

	_, err := l.Get(7)
	require.ErrorIs(t, err, nibble.ErrNotFound)

	err = l.Del(7)
	require.ErrorIs(t, err, nibble.ErrNotFound)
}

func TestValueTooLarge(t *testing.T) {
	l := newTestLSM(t, 1)

	big := make([]byte, 4096*2)
	err := l.Put(1, big)
	require.ErrorIs(t, err, nibble.ErrValueTooLarge)
}

func TestPutRejectsEmptyValue(t *testing.T) {
	l := newTestLSM(t, 1)

	err := l.Put(1, []byte{})
	require.ErrorIs(t, err, nibble.ErrInvalidArgument)
}

func TestPlacementSpecificAndInvalid(t *testing.T) {
	l := newTestLSM(t, 2)

	require.NoError(t, l.PutWhere(1, []byte("socket0"), nibble.Specific(0)))
	require.NoError(t, l.PutWhere(2, []byte("socket1"), nibble.Specific(1)))

	v, err := l.Get(1)
	require.NoError(t, err)
	require.Equal(t, []byte("socket0"), v)

	err = l.PutWhere(3, []byte("oops"), nibble.Specific(5))
	require.ErrorIs(t, err, nibble.ErrInvalidArgument)
}

func TestFillTriggersOutOfMemoryThenCompactionRecoversSpace(t *testing.T) {
	l, err := nibble.New(nibble.Config{
		Sockets:             1,
		RegionBytes:         4096 * 4,
		SegmentBytes:        4096,
		CompactionThreshold: 0.3,
		CompactionBackoff:   time.Millisecond,
	})
	require.NoError(t, err)
	defer l.Close()

	value := make([]byte, 256)

	// With compaction off, overwriting the same key repeatedly fills every
	// segment, mostly with dead bytes, until a PUT finds no free segment.
	var lastErr error
	for i := 0; i < 400; i++ {
		lastErr = l.Put(99, value)
		if lastErr != nil {
			break
		}
	}
	require.ErrorIs(t, lastErr, nibble.ErrOutOfMemory)

	// Once compaction runs it retires and frees the dead segments, so the
	// same PUT retried in a loop eventually succeeds.
	l.EnableCompactionAll()
	require.Eventually(t, func() bool {
		return l.Put(99, value) == nil
	}, 2*time.Second, 5*time.Millisecond)

	got, err := l.Get(99)
	require.NoError(t, err)
	require.Equal(t, value, got)
}

func TestConcurrentPutGet(t *testing.T) {
	l := newTestLSM(t, 2)
	l.EnableCompactionAll()

	const n = 200
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(key uint64) {
			defer wg.Done()
			val := []byte(fmt.Sprintf("value-%d", key))
			require.NoError(t, l.PutWhere(key, val, nibble.Balanced))
			_, err := l.Get(key)
			require.NoError(t, err)
		}(uint64(i))
	}
	wg.Wait()

	require.Equal(t, n, l.Len())
}

func TestCloseIsIdempotent(t *testing.T) {
	l, err := nibble.New(nibble.Config{
		Sockets:      1,
		RegionBytes:  4096 * 2,
		SegmentBytes: 4096,
	})
	require.NoError(t, err)

	require.NoError(t, l.Close())
	require.NoError(t, l.Close())
}

func TestNewRejectsMismatchedSizes(t *testing.T) {
	_, err := nibble.New(nibble.Config{
		Sockets:      1,
		RegionBytes:  1000,
		SegmentBytes: 4096,
	})
	require.ErrorIs(t, err, nibble.ErrInvalidArgument)
}

// ensure the segmgr sentinel used internally for OOM detection stays an
// exported, wrappable error as nibble.PutWhere relies on errors.Is against it.
func TestSegmgrOutOfMemorySentinelWrappable(t *testing.T) {
	require.NotNil(t, segmgr.ErrOutOfMemory)
	require.ErrorIs(t, fmt.Errorf("wrapped: %w", segmgr.ErrOutOfMemory), segmgr.ErrOutOfMemory)
}
