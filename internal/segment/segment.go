// Package segment implements the Segment type of spec.md §3/§4.1: an
// append-only sequence of Object Records living in one Memory Region
// block, owned by exactly one socket. It generalizes the teacher's
// internal/log/segment.go (which wraps a store+index pair backed by
// files) to an in-memory buffer, moving the append-point CAS described
// in spec.md §4.2 down onto the segment itself so internal/log can stay
// a thin per-socket coordinator.
package segment

import (
	"fmt"
	"sync/atomic"

	"github.com/nibblekv/nibble/internal/codec"
)

// State is a segment's lifecycle stage (spec.md §3 "Lifecycle").
type State int32

const (
	// Open segments accept appends.
	Open State = iota
	// Closed segments are full; candidates for compaction.
	Closed
	// Compacting segments are being relocated by the Compactor.
	Compacting
	// Retired segments' blocks have been returned to the free pool.
	Retired
)

func (s State) String() string {
	switch s {
	case Open:
		return "open"
	case Closed:
		return "closed"
	case Compacting:
		return "compacting"
	case Retired:
		return "retired"
	default:
		return "unknown"
	}
}

// Segment is a fixed-size, append-only container of Object Records.
// live_bytes/dead_bytes are maintained with atomic fetch-add/sub per
// spec.md §5 ("Shared-resource policy"); state is single-writer (the
// Segment Manager for Open/Closed, the Compactor for Compacting/Retired)
// and read with an atomic load by every other goroutine.
type Segment struct {
	ID       uint64
	Socket   int
	BaseAddr uint64
	data     []byte

	headOffset atomic.Uint64
	liveBytes  atomic.Int64
	deadBytes  atomic.Int64
	state      atomic.Int32

	rotateSeq atomic.Uint64 // bumped when Close performs the Open -> Closed transition
}

// New wraps a Memory Region block as a fresh Open segment.
func New(id uint64, socket int, baseAddr uint64, data []byte) *Segment {
	s := &Segment{ID: id, Socket: socket, BaseAddr: baseAddr, data: data}
	s.state.Store(int32(Open))
	return s
}

// Cap returns the segment's total capacity in bytes.
func (s *Segment) Cap() int { return len(s.data) }

// State returns the segment's current lifecycle stage.
func (s *Segment) State() State { return State(s.state.Load()) }

// setState performs the single-writer state transition.
func (s *Segment) setState(st State) { s.state.Store(int32(st)) }

// HeadOffset returns the current append cursor (spec.md §3).
func (s *Segment) HeadOffset() uint64 { return s.headOffset.Load() }

// LiveBytes and DeadBytes expose the counters invariant-checked by
// spec.md §8: "live_bytes + dead_bytes <= head_offset".
func (s *Segment) LiveBytes() int64 { return s.liveBytes.Load() }
func (s *Segment) DeadBytes() int64 { return s.deadBytes.Load() }

// DeadRatio is the Segment Manager's selection key (spec.md §4.1):
// dead_bytes / (live_bytes + dead_bytes). Returns 0 for an empty
// segment.
func (s *Segment) DeadRatio() float64 {
	live := s.liveBytes.Load()
	dead := s.deadBytes.Load()
	total := live + dead
	if total <= 0 {
		return 0
	}
	return float64(dead) / float64(total)
}

// TryReserve performs the lock-free fast path of spec.md §4.2 Append
// step 1: it CASes head_offset forward by n bytes and returns the
// record's starting offset. ok is false if the segment lacks n bytes of
// remaining space, in which case the caller (internal/log.Log) closes
// this segment and opens a new one.
func (s *Segment) TryReserve(n int) (offset uint64, ok bool) {
	for {
		cur := s.headOffset.Load()
		next := cur + uint64(n)
		if next > uint64(len(s.data)) {
			return 0, false
		}
		if s.headOffset.CompareAndSwap(cur, next) {
			return cur, true
		}
	}
}

// WriteRecord encodes key/value at the given offset (previously
// reserved by TryReserve) and accounts the bytes as live. The write
// itself happens before any index publication by construction: the
// caller (internal/log.Log.Append) only returns the address to its
// caller, which then installs it into the Index, after WriteRecord
// returns — satisfying spec.md §4.2's "Index publication happens after
// the append's release" guarantee via program order plus the
// acquire/release semantics of the Go memory model's happens-before on
// the index's own atomic publish.
func (s *Segment) WriteRecord(offset uint64, key uint64, value []byte) (size int) {
	size = codec.Size(len(value))
	codec.Encode(s.data[offset:offset+uint64(size)], key, value)
	s.liveBytes.Add(int64(size))
	return size
}

// ReadRecord returns the value bytes of the record at offset, plus the
// record's total on-log size.
func (s *Segment) ReadRecord(offset uint64) (value []byte, size int) {
	key, valueLen := codec.DecodeHeader(s.data[offset:])
	_ = key
	size = codec.Size(int(valueLen))
	return codec.Value(s.data[offset : offset+uint64(size)]), size
}

// HeaderAt reads just a record's key and value length, used by the
// Compactor's address-order scan (spec.md §4.5 step 3).
func (s *Segment) HeaderAt(offset uint64) (key uint64, valueLen uint32) {
	return codec.DecodeHeader(s.data[offset:])
}

// MarkDead moves n bytes from live to dead accounting (spec.md §4.4 PUT
// step 5, §4.5 compaction relocation/skip).
func (s *Segment) MarkDead(n int) {
	s.liveBytes.Add(-int64(n))
	s.deadBytes.Add(int64(n))
}

// Close transitions Open -> Closed when the Log decides the segment is
// full (spec.md §4.2). It is a no-op if the segment isn't Open.
func (s *Segment) Close() {
	if s.state.CompareAndSwap(int32(Open), int32(Closed)) {
		s.rotateSeq.Add(1)
	}
}

// BeginCompaction transitions Closed -> Compacting. Returns false if
// another worker already claimed this segment (or it is no longer
// Closed), which the Compactor treats as "pick a different victim".
func (s *Segment) BeginCompaction() bool {
	return s.state.CompareAndSwap(int32(Closed), int32(Compacting))
}

// AbortCompaction transitions Compacting back to Closed, used when the
// Compactor can't finish relocating a victim (e.g. transient OutOfMemory
// appending the relocated copy) and wants it reconsidered later instead
// of wedging it in Compacting forever.
func (s *Segment) AbortCompaction() {
	s.state.CompareAndSwap(int32(Compacting), int32(Closed))
}

// Retire transitions Compacting -> Retired once live_bytes has reached
// zero (spec.md §4.5 step 4). The caller must only call this after
// verifying LiveBytes() == 0.
func (s *Segment) Retire() error {
	if s.LiveBytes() != 0 {
		return fmt.Errorf("segment %d: Retire called with %d live bytes outstanding", s.ID, s.LiveBytes())
	}
	if !s.state.CompareAndSwap(int32(Compacting), int32(Retired)) {
		return fmt.Errorf("segment %d: Retire called from state %s, want Compacting", s.ID, s.State())
	}
	return nil
}
