// Package region implements the Memory Region component of spec.md §4.1:
// a contiguous virtual-address range pinned to one socket and carved into
// fixed-size blocks. Persistence is out of scope (spec.md §1), so unlike
// the teacher's store.go (which opens a file and appends to it), Reserve
// hands back anonymous process memory obtained straight from the kernel —
// the same raw mmap primitive shake-karrot-lightkafka's
// internal/segment/log.go uses for its (file-backed) segment buffer.
package region

import (
	"fmt"
	"unsafe"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/nibblekv/nibble/internal/numa"
)

// Region is a reserved, socket-bound span of memory carved into
// blockSize-sized blocks. Blocks are handed out whole to the Segment
// Manager (internal/segmgr), which in turn assigns each to exactly one
// Segment for its lifetime.
type Region struct {
	socket    int
	data      []byte
	blockSize int
	log       *zerolog.Logger
}

// Reserve allocates totalBytes of anonymous memory and advises the OS to
// back it with socket-local pages via topo.BindMemory. totalBytes must be
// a multiple of blockSize (spec.md §9: segment size is a power of two).
// Failure is fatal at startup only (spec.md §4.1).
func Reserve(totalBytes, blockSize, socket int, topo numa.Topology, log *zerolog.Logger) (*Region, error) {
	if blockSize <= 0 || totalBytes <= 0 || totalBytes%blockSize != 0 {
		return nil, fmt.Errorf("region: totalBytes %d must be a positive multiple of blockSize %d", totalBytes, blockSize)
	}

	data, err := unix.Mmap(-1, 0, totalBytes,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANON,
	)
	if err != nil {
		return nil, fmt.Errorf("region: mmap %d bytes for socket %d: %w", totalBytes, socket, err)
	}

	base := uintptr(unsafe.Pointer(&data[0]))
	if err := topo.BindMemory(base, totalBytes, socket); err != nil {
		log.Warn().Err(err).Int("socket", socket).Msg("region: NUMA memory bind failed, continuing unbound")
	}

	log.Info().Int("socket", socket).Int("bytes", totalBytes).Int("block_size", blockSize).
		Msg("region: reserved")

	return &Region{
		socket:    socket,
		data:      data,
		blockSize: blockSize,
		log:       log,
	}, nil
}

// NumBlocks returns how many fixed-size blocks the region was carved
// into.
func (r *Region) NumBlocks() int { return len(r.data) / r.blockSize }

// Block returns the i'th block's backing slice. The slice's address is
// stable for the region's lifetime: Go's GC never moves mmap'd memory
// outside the Go heap, and this buffer was never heap-allocated.
func (r *Region) Block(i int) []byte {
	off := i * r.blockSize
	return r.data[off : off+r.blockSize : off+r.blockSize]
}

// BlockIndex returns the index of the block containing the given virtual
// address, used by the Segment Manager's address-range map (spec.md
// §4.4 PUT step 5: "locate the owning segment").
func (r *Region) BlockIndex(addr uint64) (int, bool) {
	base := uintptr(unsafe.Pointer(&r.data[0]))
	if addr < uint64(base) || addr >= uint64(base)+uint64(len(r.data)) {
		return 0, false
	}
	return int((addr - uint64(base)) / uint64(r.blockSize)), true
}

// BaseAddr returns the virtual address of the region's first byte.
func (r *Region) BaseAddr() uint64 {
	return uint64(uintptr(unsafe.Pointer(&r.data[0])))
}

// Socket returns the NUMA node this region is bound to.
func (r *Region) Socket() int { return r.socket }

// Release returns the region's memory to the OS. Callers must guarantee
// (via epoch reclamation, spec.md §4.6) that no reader can still hold an
// address into this region.
func (r *Region) Release() error {
	if err := unix.Munmap(r.data); err != nil {
		return fmt.Errorf("region: munmap: %w", err)
	}
	r.log.Info().Int("socket", r.socket).Msg("region: released")
	return nil
}
