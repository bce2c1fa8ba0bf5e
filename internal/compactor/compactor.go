// Package compactor implements the per-socket Compactor of spec.md §4.5:
// one or more background workers that scan high-dead-ratio segments,
// relocate their still-live records, and retire the segments once
// empty.
//
// The worker-loop shape — a goroutine selecting on a stop signal between
// units of work, logging through zerolog — is the teacher's
// internal/log/replicator.go pattern generalized from "replicate one
// peer" to "compact one victim segment", and the relocate-or-skip
// decision below mirrors gtarraga-kv-store's v5 compactionWorker
// (cross-referencing each entry against the live index before keeping
// it) adapted to spec.md's CAS-based linearization instead of a
// stop-the-world rewrite.
package compactor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/nibblekv/nibble/internal/codec"
	"github.com/nibblekv/nibble/internal/epoch"
	"github.com/nibblekv/nibble/internal/index"
	"github.com/nibblekv/nibble/internal/log"
	"github.com/nibblekv/nibble/internal/metrics"
	"github.com/nibblekv/nibble/internal/segment"
	"github.com/nibblekv/nibble/internal/segmgr"
)

// Config controls one socket's Compactor.
type Config struct {
	Threshold float64       // T_compact, spec.md §4.1 default 0.5
	Backoff   time.Duration // idle sleep when no victim qualifies
	Workers   int           // compactor_threads_per_socket
}

// Compactor drives background compaction for one socket.
type Compactor struct {
	socket int
	mgr    *segmgr.Manager
	idx    *index.Index
	lg     *log.Log
	epochs *epoch.Manager
	cfg    Config
	logger *zerolog.Logger
	metric *metrics.Registry

	mu      sync.Mutex
	cancel  context.CancelFunc
	group   *errgroup.Group
	started bool
}

// New builds a Compactor for one socket. idx is shared across all
// sockets: it is one table for every key and is not partitioned by
// socket; lg is this socket's Log, used to append relocated
// copies (spec.md §4.5 step 3: "append a copy to the socket's Log").
func New(mgr *segmgr.Manager, idx *index.Index, lg *log.Log, epochs *epoch.Manager, cfg Config, logger *zerolog.Logger, m *metrics.Registry) *Compactor {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 0.5
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 50 * time.Millisecond
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	return &Compactor{
		socket: mgr.Socket(),
		mgr:    mgr,
		idx:    idx,
		lg:     lg,
		epochs: epochs,
		cfg:    cfg,
		logger: logger,
		metric: m,
	}
}

// Start launches cfg.Workers background goroutines. It is idempotent: a
// second call before Stop is a no-op.
func (c *Compactor) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return
	}
	c.started = true

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	g, gctx := errgroup.WithContext(ctx)
	c.group = g

	for i := 0; i < c.cfg.Workers; i++ {
		worker := i
		g.Go(func() error {
			c.loop(gctx, worker)
			return nil
		})
	}
}

// Stop signals every worker to exit at its next segment boundary
// (spec.md §5: "Compactor threads observe a shutdown flag between
// victims") and waits for them to finish.
func (c *Compactor) Stop() {
	c.mu.Lock()
	cancel := c.cancel
	g := c.group
	started := c.started
	c.started = false
	c.mu.Unlock()

	if !started {
		return
	}
	cancel()
	_ = g.Wait()
}

func (c *Compactor) loop(ctx context.Context, worker int) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		victim, ok := c.mgr.SelectVictim(c.cfg.Threshold)
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-time.After(c.cfg.Backoff):
			}
			continue
		}

		if !victim.BeginCompaction() {
			// Lost a race for this victim (shouldn't happen since
			// SelectVictim already removed it from the heap, but stay
			// defensive against external state changes).
			c.mgr.RequeueVictim(victim)
			continue
		}

		if err := c.compact(victim); err != nil {
			c.logger.Error().Err(err).Uint64("segment_id", victim.ID).Int("socket", c.socket).
				Msg("compactor: relocation failed, requeuing victim")
			victim.AbortCompaction()
			c.mgr.RequeueVictim(victim)
		}
	}
}

// compact performs spec.md §4.5 steps 2-4 against one victim segment.
func (c *Compactor) compact(victim *segment.Segment) error {
	c.logger.Debug().Uint64("segment_id", victim.ID).Int("socket", c.socket).Msg("compactor: scanning victim")

	var offset uint64
	head := victim.HeadOffset()
	for offset < head {
		key, valueLen := victim.HeaderAt(offset)
		size := codec.Size(int(valueLen))
		addr := victim.BaseAddr + offset

		cur, found := c.idx.Get(key)
		if !found {
			offset += uint64(size)
			continue // already deleted; dead bytes were accounted at DEL time
		}

		curSocket, curAddr := cur.Split()
		if int(curSocket) != victim.Socket || curAddr != addr {
			offset += uint64(size)
			continue // index points elsewhere now; this copy is already dead
		}

		value, _ := victim.ReadRecord(offset)
		newAddr, err := c.lg.Append(key, value)
		if err != nil {
			return fmt.Errorf("compactor: relocate key %d from segment %d: %w", key, victim.ID, err)
		}

		newEntry := index.Merge(uint16(c.socket), newAddr)
		if c.idx.CompareAndSwap(key, cur, newEntry) {
			victim.MarkDead(size)
			c.metric.Relocated.Inc()
		} else {
			// Lost the race: a concurrent mutation already replaced this key's
			// entry, and that PUT/DEL already accounted the victim's original
			// copy dead when it displaced it. Our relocated copy (newAddr,
			// just appended and already credited live by the append) is now
			// unreferenced too, so it is marked dead here or live_bytes
			// drifts from the index forever.
			c.mgr.AccountDead(newAddr, size)
		}

		offset += uint64(size)
	}

	if victim.LiveBytes() != 0 {
		return fmt.Errorf("compactor: segment %d finished scan with %d live bytes remaining (invariant violation)",
			victim.ID, victim.LiveBytes())
	}

	c.epochs.Defer(func() {
		if err := victim.Retire(); err != nil {
			c.logger.Error().Err(err).Uint64("segment_id", victim.ID).Msg("compactor: retire failed")
			return
		}
		if err := c.mgr.RetireAndFree(victim); err != nil {
			c.logger.Error().Err(err).Uint64("segment_id", victim.ID).Msg("compactor: free failed")
		}
	})

	c.logger.Info().Uint64("segment_id", victim.ID).Int("socket", c.socket).Msg("compactor: victim emptied, scheduled for retirement")
	return nil
}
