// Package segmgr implements the per-socket Segment Manager of spec.md
// §4.1: it allocates and retires segments, and maintains the dead-ratio
// priority structure the Compactor consults through SelectVictim.
//
// It generalizes the teacher's internal/log/log.go segment bookkeeping
// (which appends new segments to a plain slice and scans it on Read) by
// adding the free-block pool and victim-selection machinery files don't
// need but an in-memory compacting store does, and borrows the
// tier/manifest bookkeeping shape of gtarraga-kv-store's v5
// SegmentManager (rotation hands the old segment off for background
// work while a fresh one takes over as active) without its on-disk
// manifest, since there is nothing to persist (spec.md §1 Non-goals).
package segmgr

import (
	"container/heap"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/nibblekv/nibble/internal/metrics"
	"github.com/nibblekv/nibble/internal/region"
	"github.com/nibblekv/nibble/internal/segment"
)

// ErrOutOfMemory is returned by AllocSegment when the free block pool is
// empty (spec.md §4.1, §7).
var ErrOutOfMemory = fmt.Errorf("segmgr: out of memory")

// Manager owns every non-retired segment's backing memory for one
// socket (spec.md §3 "Ownership").
type Manager struct {
	socket  int
	region  *region.Region
	log     *zerolog.Logger
	metrics *metrics.Registry

	mu         sync.Mutex
	freeBlocks []int
	byBlock    []*segment.Segment // indexed by block index; nil when free
	nextID     atomic.Uint64

	vheap   victimHeap
	heapIdx map[uint64]*victimEntry
}

// New creates a Manager whose free pool starts out as every block in r.
func New(r *region.Region, log *zerolog.Logger, m *metrics.Registry) *Manager {
	n := r.NumBlocks()
	free := make([]int, n)
	for i := range free {
		free[i] = i
	}
	return &Manager{
		socket:     r.Socket(),
		region:     r,
		log:        log,
		metrics:    m,
		freeBlocks: free,
		byBlock:    make([]*segment.Segment, n),
		heapIdx:    make(map[uint64]*victimEntry),
	}
}

// Socket returns the NUMA node this manager serves.
func (m *Manager) Socket() int { return m.socket }

// AllocSegment removes one free block from the pool and wraps it as a
// fresh Open segment (spec.md §4.1).
func (m *Manager) AllocSegment() (*segment.Segment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.freeBlocks) == 0 {
		if m.metrics != nil {
			m.metrics.OOM.Inc()
		}
		return nil, ErrOutOfMemory
	}

	blockIdx := m.freeBlocks[len(m.freeBlocks)-1]
	m.freeBlocks = m.freeBlocks[:len(m.freeBlocks)-1]

	id := m.nextID.Add(1)
	data := m.region.Block(blockIdx)
	base := m.region.BaseAddr() + uint64(blockIdx)*uint64(len(data))
	seg := segment.New(id, m.socket, base, data)
	m.byBlock[blockIdx] = seg

	m.log.Debug().Uint64("segment_id", id).Int("socket", m.socket).Msg("segmgr: allocated segment")
	return seg, nil
}

// CloseSegment marks seg Closed and makes it eligible for victim
// selection (spec.md §3 "Lifecycle": Open -> Closed).
func (m *Manager) CloseSegment(seg *segment.Segment) {
	seg.Close()

	m.mu.Lock()
	// A Log whose rotation failed for lack of free blocks calls this again
	// for the same segment; it is added only once, and only while Closed.
	if _, tracked := m.heapIdx[seg.ID]; !tracked && seg.State() == segment.Closed {
		m.pushVictimLocked(seg)
	}
	m.mu.Unlock()

	m.RefreshMetrics()
}

// SegmentForAddr locates the segment owning a virtual address (spec.md
// §4.4 PUT step 5's "address-range map"). Segments are exactly one
// Region block each, so this is a direct block-index lookup.
func (m *Manager) SegmentForAddr(addr uint64) (*segment.Segment, bool) {
	blockIdx, ok := m.region.BlockIndex(addr)
	if !ok {
		return nil, false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	seg := m.byBlock[blockIdx]
	return seg, seg != nil
}

// AccountDead marks n bytes dead in the segment owning addr (spec.md
// §4.4 PUT step 5) and keeps the victim heap's ordering in sync if that
// segment is currently a compaction candidate.
func (m *Manager) AccountDead(addr uint64, n int) {
	seg, ok := m.SegmentForAddr(addr)
	if !ok {
		return
	}
	seg.MarkDead(n)

	m.mu.Lock()
	if e, tracked := m.heapIdx[seg.ID]; tracked {
		heap.Fix(&m.vheap, e.idx)
	}
	m.mu.Unlock()

	m.RefreshMetrics()
}

// SelectVictim returns the Closed segment with the highest dead-ratio at
// or above threshold, tie-broken toward the older (lower ID) segment
// (spec.md §4.1). It removes the segment from future selection; if the
// caller fails to begin compaction on it, it must call RequeueVictim.
func (m *Manager) SelectVictim(threshold float64) (*segment.Segment, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.vheap) == 0 {
		return nil, false
	}
	top := m.vheap[0]
	if top.seg.DeadRatio() < threshold {
		return nil, false
	}
	heap.Pop(&m.vheap)
	delete(m.heapIdx, top.seg.ID)
	return top.seg, true
}

// RequeueVictim puts a Closed segment back into victim consideration,
// used when BeginCompaction lost a race for a segment SelectVictim
// already returned.
func (m *Manager) RequeueVictim(seg *segment.Segment) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pushVictimLocked(seg)
}

func (m *Manager) pushVictimLocked(seg *segment.Segment) {
	e := &victimEntry{seg: seg}
	heap.Push(&m.vheap, e)
	m.heapIdx[seg.ID] = e
}

// RetireAndFree returns a Retired segment's block to the free pool. The
// caller (internal/compactor, via internal/epoch) must guarantee the
// epoch grace has elapsed so no reader can still hold an address into
// this segment (spec.md §4.6).
func (m *Manager) RetireAndFree(seg *segment.Segment) error {
	if seg.State() != segment.Retired {
		return fmt.Errorf("segmgr: segment %d must be Retired before freeing, is %s", seg.ID, seg.State())
	}

	blockIdx, ok := m.region.BlockIndex(seg.BaseAddr)
	if !ok {
		return fmt.Errorf("segmgr: segment %d base address not in this manager's region", seg.ID)
	}

	m.mu.Lock()
	m.byBlock[blockIdx] = nil
	m.freeBlocks = append(m.freeBlocks, blockIdx)
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.Retired.Inc()
	}
	m.log.Debug().Uint64("segment_id", seg.ID).Msg("segmgr: freed retired segment")
	m.RefreshMetrics()
	return nil
}

// FreeBlocks reports how many blocks remain unallocated, for tests and
// metrics.
func (m *Manager) FreeBlocks() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.freeBlocks)
}

// Stats sums live and dead bytes across every segment this manager owns
// (Open, Closed, or Compacting), used both for metrics export and for
// checking spec.md §8's "sum of live_bytes across segments equals sum of
// record_size across index entries" invariant in tests.
func (m *Manager) Stats() (live, dead int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, seg := range m.byBlock {
		if seg == nil {
			continue
		}
		live += seg.LiveBytes()
		dead += seg.DeadBytes()
	}
	return live, dead
}

// RefreshMetrics publishes this socket's current live/dead byte totals to
// the shared Prometheus registry. Called from the segment lifecycle
// transitions (close, dead-byte accounting, retirement-free) rather than
// from the hot Append path, so exporting a gauge never adds lock
// contention to a PUT.
func (m *Manager) RefreshMetrics() {
	if m.metrics == nil {
		return
	}
	live, dead := m.Stats()
	label := strconv.Itoa(m.socket)
	m.metrics.LiveBytes.WithLabelValues(label).Set(float64(live))
	m.metrics.DeadBytes.WithLabelValues(label).Set(float64(dead))
}

type victimEntry struct {
	seg *segment.Segment
	idx int
}

// victimHeap is a max-heap on dead-ratio (ties broken toward the lower,
// i.e. older, segment ID), giving SelectVictim its required O(log N)
// behavior (spec.md §4.1).
type victimHeap []*victimEntry

func (h victimHeap) Len() int { return len(h) }

func (h victimHeap) Less(i, j int) bool {
	ri, rj := h[i].seg.DeadRatio(), h[j].seg.DeadRatio()
	if ri != rj {
		return ri > rj
	}
	return h[i].seg.ID < h[j].seg.ID
}

func (h victimHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].idx = i
	h[j].idx = j
}

func (h *victimHeap) Push(x any) {
	e := x.(*victimEntry)
	e.idx = len(*h)
	*h = append(*h, e)
}

func (h *victimHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}
