// Package nibble implements the LSM Facade of spec.md §4.4: the single
// entry point orchestrating the per-socket Memory Regions, Segment
// Managers, Logs, and Compactors behind a shared Index, under one Epoch
// Manager.
//
// New sets up every component the same way the teacher's
// internal/agent/agent.go runs an ordered list of setup funcs, and Close
// tears them down in the teacher's reverse-setup order, generalized to
// spec.md §4.6's requirement that retirement only happens after the
// epoch has drained.
package nibble

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/nibblekv/nibble/internal/codec"
	"github.com/nibblekv/nibble/internal/compactor"
	"github.com/nibblekv/nibble/internal/epoch"
	"github.com/nibblekv/nibble/internal/index"
	"github.com/nibblekv/nibble/internal/log"
	"github.com/nibblekv/nibble/internal/metrics"
	"github.com/nibblekv/nibble/internal/numa"
	"github.com/nibblekv/nibble/internal/region"
	"github.com/nibblekv/nibble/internal/segmgr"
)

// Sentinel errors returned by LSM methods (spec.md §7).
var (
	// ErrOutOfMemory means the target socket's Memory Region has no free
	// segment and the Compactor hasn't freed space in time. Other sockets
	// are not tried.
	ErrOutOfMemory = fmt.Errorf("nibble: out of memory")
	// ErrNotFound means GET/DEL found no live entry for the key.
	ErrNotFound = fmt.Errorf("nibble: key not found")
	// ErrValueTooLarge means the value can never fit in a Segment, no
	// matter how empty (spec.md §4.4 PUT precondition).
	ErrValueTooLarge = fmt.Errorf("nibble: value too large for segment")
	// ErrInvalidArgument means a caller-supplied argument (socket id,
	// Config field) is out of range.
	ErrInvalidArgument = fmt.Errorf("nibble: invalid argument")
	// ErrFatal wraps an internal invariant violation (spec.md §7):
	// callers should stop trusting the LSM instance that returned it.
	ErrFatal = fmt.Errorf("nibble: fatal internal error")
)

// Rng is the placement collaborator spec.md §6 calls out as external to
// the core: Balanced placement asks it for a socket index instead of
// reaching for global math/rand state directly, so tests can supply a
// deterministic source.
type Rng interface {
	Uint64() uint64
}

type defaultRng struct{}

func (defaultRng) Uint64() uint64 { return rand.Uint64() }

// Config configures a new LSM instance.
type Config struct {
	// Sockets is the number of NUMA nodes to serve. Defaults to 1.
	Sockets int
	// RegionBytes is the total Memory Region size reserved per socket.
	// Must be a positive multiple of SegmentBytes.
	RegionBytes int
	// SegmentBytes is the fixed size of every Segment (spec.md §9: a
	// power of two).
	SegmentBytes int
	// IndexCapacity is the approximate number of live entries the Index
	// should be sized for; spec.md §4.3 directs doubling this internally.
	IndexCapacity int
	// CompactionThreshold is T_compact, the dead-ratio a Closed segment
	// must reach to become a victim. Defaults to 0.5.
	CompactionThreshold float64
	// CompactionWorkers is the number of background compaction
	// goroutines started per socket when EnableCompaction is called.
	// Defaults to 1.
	CompactionWorkers int
	// CompactionBackoff is how long a compactor worker sleeps after
	// finding no qualifying victim. Defaults to 50ms.
	CompactionBackoff time.Duration
	// EpochInterval is how often the epoch advancer attempts to move the
	// global epoch forward. Defaults to 10ms.
	EpochInterval time.Duration
	// Topology overrides the NUMA collaborator; defaults to
	// numa.Default(Sockets).
	Topology numa.Topology
	// Rng overrides the Balanced placement source; defaults to
	// math/rand/v2.
	Rng Rng
	// Logger overrides the structured logger; defaults to a disabled
	// logger so library use is silent unless a caller opts in.
	Logger *zerolog.Logger
}

// LSM is the orchestrator spec.md §4.4 describes: PUT/GET/DEL fan out to
// the right socket's Log and the shared Index, under epoch protection.
type LSM struct {
	cfg   Config
	topo  numa.Topology
	rng   Rng
	log   zerolog.Logger
	idx   *index.Index
	epoch *epoch.Manager
	metr  *metrics.Registry

	regions     []*region.Region
	mgrs        []*segmgr.Manager
	logs        []*log.Log
	compactors  []*compactor.Compactor

	participants sync.Pool // of *epoch.Participant

	closeOnce sync.Once
}

// New builds and starts an LSM instance: one Memory Region, Segment
// Manager, and Log per socket, a shared Index, and an epoch advancer.
// Compaction is not started until EnableCompaction is called, mirroring
// spec.md §4.1's separation between allocation and background relocation.
func New(cfg Config) (*LSM, error) {
	if cfg.Sockets < 1 {
		cfg.Sockets = 1
	}
	if cfg.SegmentBytes <= 0 || cfg.RegionBytes <= 0 || cfg.RegionBytes%cfg.SegmentBytes != 0 {
		return nil, fmt.Errorf("%w: RegionBytes %d must be a positive multiple of SegmentBytes %d",
			ErrInvalidArgument, cfg.RegionBytes, cfg.SegmentBytes)
	}
	if cfg.CompactionThreshold <= 0 {
		cfg.CompactionThreshold = 0.5
	}
	if cfg.CompactionBackoff <= 0 {
		cfg.CompactionBackoff = 50 * time.Millisecond
	}
	if cfg.CompactionWorkers < 1 {
		cfg.CompactionWorkers = 1
	}
	if cfg.EpochInterval <= 0 {
		cfg.EpochInterval = 10 * time.Millisecond
	}
	if cfg.Topology == nil {
		cfg.Topology = numa.Default(cfg.Sockets)
	}
	if cfg.Rng == nil {
		cfg.Rng = defaultRng{}
	}
	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	l := &LSM{
		cfg:   cfg,
		topo:  cfg.Topology,
		rng:   cfg.Rng,
		log:   logger,
		idx:   index.New(cfg.IndexCapacity),
		epoch: epoch.New(),
		metr:  metrics.New(),
	}
	l.participants.New = func() any { return l.epoch.Register() }

	for s := 0; s < cfg.Sockets; s++ {
		r, err := region.Reserve(cfg.RegionBytes, cfg.SegmentBytes, s, l.topo, &l.log)
		if err != nil {
			l.releaseRegions()
			return nil, fmt.Errorf("nibble: setting up socket %d: %w", s, err)
		}
		l.regions = append(l.regions, r)

		mgr := segmgr.New(r, &l.log, l.metr)
		l.mgrs = append(l.mgrs, mgr)

		lg, err := log.New(mgr, &l.log, l.metr)
		if err != nil {
			l.releaseRegions()
			return nil, fmt.Errorf("nibble: setting up socket %d: %w", s, err)
		}
		l.logs = append(l.logs, lg)

		c := compactor.New(mgr, l.idx, lg, l.epoch, compactor.Config{
			Threshold: cfg.CompactionThreshold,
			Backoff:   cfg.CompactionBackoff,
			Workers:   cfg.CompactionWorkers,
		}, &l.log, l.metr)
		l.compactors = append(l.compactors, c)
	}

	l.epoch.StartAdvancer(cfg.EpochInterval)
	return l, nil
}

func (l *LSM) releaseRegions() {
	for _, r := range l.regions {
		_ = r.Release()
	}
}

// EnableCompaction starts the background compactor for one socket. It is
// idempotent per socket (internal/compactor.Start no-ops on a second
// call).
func (l *LSM) EnableCompaction(socket int) error {
	if socket < 0 || socket >= len(l.compactors) {
		return fmt.Errorf("%w: socket %d out of range [0,%d)", ErrInvalidArgument, socket, len(l.compactors))
	}
	l.compactors[socket].Start()
	return nil
}

// EnableCompactionAll starts background compaction on every socket.
func (l *LSM) EnableCompactionAll() {
	for s := range l.compactors {
		l.compactors[s].Start()
	}
}

// maxValueLen is the largest value that could ever fit in an empty
// segment, used to reject doomed PUTs immediately (spec.md §4.4
// precondition) rather than spinning through every segment rotation.
func (l *LSM) maxValueLen() int {
	return l.cfg.SegmentBytes - codec.HeaderSize
}

// Put stores value under key using Balanced placement (spec.md §4.4).
func (l *LSM) Put(key uint64, value []byte) error {
	return l.PutWhere(key, value, Balanced)
}

// PutWhere stores value under key, placing the record on the socket
// policy selects (spec.md §4.4). On overwrite, the previous record's
// bytes are accounted dead against its owning segment (step 5).
func (l *LSM) PutWhere(key uint64, value []byte, policy Placement) error {
	if len(value) == 0 {
		return fmt.Errorf("%w: value must not be empty", ErrInvalidArgument)
	}
	if len(value) > l.maxValueLen() {
		return fmt.Errorf("%w: value of %d bytes exceeds segment capacity %d", ErrValueTooLarge, len(value), l.cfg.SegmentBytes)
	}

	socket, err := l.resolveSocket(policy)
	if err != nil {
		return err
	}

	addr, err := l.logs[socket].Append(key, value)
	if err != nil {
		if errors.Is(err, segmgr.ErrOutOfMemory) {
			return fmt.Errorf("%w: socket %d: %w", ErrOutOfMemory, socket, err)
		}
		return fmt.Errorf("nibble: put key %d: %w", key, err)
	}

	newEntry := index.Merge(uint16(socket), addr)
	prior, hadPrior := l.idx.Update(key, newEntry)
	if hadPrior {
		priorSocket, priorAddr := prior.Split()
		size := l.recordSizeAt(int(priorSocket), priorAddr)
		if size > 0 {
			l.mgrs[priorSocket].AccountDead(priorAddr, size)
		}
	}

	l.metr.Puts.Inc()
	return nil
}

// recordSizeAt reads a record's header to learn its on-log size, used
// when accounting an overwritten or deleted record's bytes as dead.
func (l *LSM) recordSizeAt(socket int, addr uint64) int {
	seg, ok := l.mgrs[socket].SegmentForAddr(addr)
	if !ok {
		return 0
	}
	base := seg.BaseAddr
	if addr < base {
		return 0
	}
	_, valueLen := seg.HeaderAt(addr - base)
	return codec.Size(int(valueLen))
}

// Get returns a copy of the value stored for key, or ErrNotFound
// (spec.md §4.4). The read is epoch-protected: the Participant pins
// before the Index lookup and unpins only after the value has been
// copied out, so a concurrent compaction can never free the segment out
// from under the read.
func (l *LSM) Get(key uint64) ([]byte, error) {
	p := l.participants.Get().(*epoch.Participant)
	defer l.participants.Put(p)

	p.Pin(l.epoch)
	defer p.Unpin()

	entry, ok := l.idx.Get(key)
	if !ok {
		return nil, ErrNotFound
	}

	socket, addr := entry.Split()
	seg, ok := l.mgrs[socket].SegmentForAddr(addr)
	if !ok {
		return nil, fmt.Errorf("%w: index entry for key %d points outside any live segment", ErrFatal, key)
	}

	value, _ := seg.ReadRecord(addr - seg.BaseAddr)
	out := make([]byte, len(value))
	copy(out, value)

	l.metr.Gets.Inc()
	return out, nil
}

// GetInto behaves like Get but copies the value into dst, growing and
// returning a new slice only if dst lacks capacity (spec.md §4.4 "the
// caller may supply a reusable buffer").
func (l *LSM) GetInto(key uint64, dst []byte) ([]byte, error) {
	p := l.participants.Get().(*epoch.Participant)
	defer l.participants.Put(p)

	p.Pin(l.epoch)
	defer p.Unpin()

	entry, ok := l.idx.Get(key)
	if !ok {
		return nil, ErrNotFound
	}

	socket, addr := entry.Split()
	seg, ok := l.mgrs[socket].SegmentForAddr(addr)
	if !ok {
		return nil, fmt.Errorf("%w: index entry for key %d points outside any live segment", ErrFatal, key)
	}

	value, _ := seg.ReadRecord(addr - seg.BaseAddr)
	if cap(dst) < len(value) {
		dst = make([]byte, len(value))
	}
	dst = dst[:len(value)]
	copy(dst, value)

	l.metr.Gets.Inc()
	return dst, nil
}

// Del removes key, returning ErrNotFound if it was already absent
// (spec.md §4.4). The erased record's bytes are accounted dead against
// its owning segment.
func (l *LSM) Del(key uint64) error {
	prior, hadPrior := l.idx.Erase(key)
	if !hadPrior {
		return ErrNotFound
	}

	socket, addr := prior.Split()
	size := l.recordSizeAt(int(socket), addr)
	if size > 0 {
		l.mgrs[socket].AccountDead(addr, size)
	}

	l.metr.Dels.Inc()
	return nil
}

// Len returns the number of live keys in the index.
func (l *LSM) Len() int { return l.idx.Len() }

// Stats returns aggregate live/dead byte counts across every socket, for
// callers checking spec.md §8's accounting invariant or exporting a
// point-in-time snapshot alongside the Prometheus registry.
func (l *LSM) Stats() (live, dead int64) {
	for _, mgr := range l.mgrs {
		sl, sd := mgr.Stats()
		live += sl
		dead += sd
	}
	return live, dead
}

// Metrics returns the metrics Registry backing this instance; its
// Gatherer method exposes the Prometheus gatherer.
func (l *LSM) Metrics() *metrics.Registry { return l.metr }

// Close stops every compactor, halts the epoch advancer, drains any
// retirements still pending release, and releases every socket's Memory
// Region. It is safe to call more than once (spec.md §9, modeled on the
// teacher's internal/agent/agent.go Shutdown idempotency guard).
func (l *LSM) Close() error {
	var closeErr error
	l.closeOnce.Do(func() {
		for _, c := range l.compactors {
			c.Stop()
		}
		l.epoch.Stop()

		// Drain: a handful of TryAdvance calls gives any retirements
		// deferred right before Stop a chance to run before we release
		// the regions they'd otherwise free-after.
		for i := 0; i < 4; i++ {
			l.epoch.TryAdvance()
		}

		for _, r := range l.regions {
			if err := r.Release(); err != nil && closeErr == nil {
				closeErr = err
			}
		}
	})
	return closeErr
}
