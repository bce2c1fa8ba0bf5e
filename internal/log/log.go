// Package log implements the per-socket Log of spec.md §4.2: the single
// append point that serializes writes onto its head segment and rotates
// to a fresh one when the head fills up.
//
// This generalizes the teacher's internal/log/log.go (which owns a
// slice of file-backed segments behind one sync.RWMutex for every
// operation) down to spec.md's tighter contract: the fast path is a
// single CAS on the head segment's append cursor (internal/segment
// handles that CAS itself) with no lock at all, and the Log's own mutex
// is held only for the short rotation critical section spec.md §5 calls
// out as the one blocking point on the append path.
package log

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/nibblekv/nibble/internal/codec"
	"github.com/nibblekv/nibble/internal/metrics"
	"github.com/nibblekv/nibble/internal/segment"
	"github.com/nibblekv/nibble/internal/segmgr"
)

// Log is the append point for one socket's segments.
type Log struct {
	socket  int
	mgr     *segmgr.Manager
	log     *zerolog.Logger
	metrics *metrics.Registry

	rotateMu sync.Mutex
	head     atomic.Pointer[segment.Segment]
}

// New creates a Log backed by mgr, allocating its first Open segment.
func New(mgr *segmgr.Manager, logger *zerolog.Logger, m *metrics.Registry) (*Log, error) {
	l := &Log{socket: mgr.Socket(), mgr: mgr, log: logger, metrics: m}

	seg, err := mgr.AllocSegment()
	if err != nil {
		return nil, fmt.Errorf("log: allocate initial segment for socket %d: %w", mgr.Socket(), err)
	}
	l.head.Store(seg)
	return l, nil
}

// Append reserves space on the head segment via CAS, writes the record,
// and returns its address (spec.md §4.2). On OutOfMemory the caller may
// retry, per spec.md §7 — the facade is the one that decides whether to
// nudge the compactor first.
//
// Appends are linearizable per socket: the CAS in Segment.TryReserve is
// the linearization point, and a reader that later observes this address
// through the Index is guaranteed to see a fully-initialized record,
// because WriteRecord always completes here, in program order, before
// Append returns the address to its caller — and the facade only
// publishes the address to the Index after Append returns (spec.md
// §4.2 "Guarantees").
func (l *Log) Append(key uint64, value []byte) (addr uint64, err error) {
	size := codec.Size(len(value))

	for {
		head := l.head.Load()

		if offset, ok := head.TryReserve(size); ok {
			head.WriteRecord(offset, key, value)
			if head.HeadOffset() >= uint64(head.Cap()) {
				l.rotate(head)
			}
			return head.BaseAddr + offset, nil
		}

		if err := l.rotate(head); err != nil {
			return 0, err
		}
	}
}

// rotate closes the full segment and opens a new head, under a short
// lock (spec.md §4.2, §5). It is a no-op if another goroutine already
// performed the rotation this call was racing.
func (l *Log) rotate(full *segment.Segment) error {
	l.rotateMu.Lock()
	defer l.rotateMu.Unlock()

	if l.head.Load() != full {
		return nil // someone else already rotated past this segment
	}

	l.mgr.CloseSegment(full)
	l.log.Debug().Uint64("segment_id", full.ID).Int("socket", l.socket).Msg("log: closed full segment")

	seg, err := l.mgr.AllocSegment()
	if err != nil {
		return fmt.Errorf("log: rotate segment on socket %d: %w", l.socket, err)
	}
	l.head.Store(seg)
	l.log.Debug().Uint64("segment_id", seg.ID).Int("socket", l.socket).Msg("log: opened new head segment")
	return nil
}

// HeadSegmentID returns the current head segment's ID, for tests and
// diagnostics.
func (l *Log) HeadSegmentID() uint64 { return l.head.Load().ID }
