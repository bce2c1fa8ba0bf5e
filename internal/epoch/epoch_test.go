package epoch_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nibblekv/nibble/internal/epoch"
)

func TestTryAdvanceWithNoParticipants(t *testing.T) {
	m := epoch.New()
	require.Equal(t, uint64(0), m.Current())
	require.True(t, m.TryAdvance())
	require.Equal(t, uint64(1), m.Current())
}

func TestPinnedParticipantBlocksAdvance(t *testing.T) {
	m := epoch.New()
	p := m.Register()

	p.Pin(m)
	require.False(t, m.TryAdvance(), "a pinned participant at the current epoch must block advancement")

	p.Unpin()
	require.True(t, m.TryAdvance())
}

func TestDeferRunsOnlyAfterEpochAdvancesPastScheduling(t *testing.T) {
	m := epoch.New()
	p := m.Register()
	p.Pin(m)

	ran := false
	m.Defer(func() { ran = true })

	require.False(t, m.TryAdvance(), "participant still pinned at scheduling epoch")
	require.False(t, ran)

	p.Unpin()
	require.True(t, m.TryAdvance())
	require.True(t, ran, "callback should run once every participant has moved past its scheduling epoch")
}

func TestStartAdvancerStopIsIdempotentAndWaits(t *testing.T) {
	m := epoch.New()
	m.StartAdvancer(time.Millisecond)

	require.Eventually(t, func() bool {
		return m.Current() > 0
	}, time.Second, 5*time.Millisecond)

	m.Stop()
	cur := m.Current()

	// Give any in-flight tick a moment to prove it really stopped.
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, cur, m.Current())

	// A second Stop returns at once: the advancer has already exited.
	m.Stop()
	require.Equal(t, cur, m.Current())
}
