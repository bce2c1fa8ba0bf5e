// Package numa is the NUMA topology collaborator the engine consumes.
//
// Real socket/memory-controller discovery and thread/memory binding are
// external to the core (spec §6): this package defines the interface the
// rest of the engine depends on and ships a default adapter good enough
// to run on a box libnuma was never wired up for. A production deployment
// swaps in an adapter backed by the platform's actual topology.
package numa

import "runtime"

// Topology answers the three questions the core needs of NUMA: how many
// sockets exist, and how to bind memory/threads to one of them.
type Topology interface {
	// Sockets returns the number of NUMA nodes visible to the process.
	Sockets() int
	// BindMemory advises the OS that addr[:size] should be backed by
	// socket-local pages. Best-effort; failures are not fatal.
	BindMemory(addr uintptr, size int, socket int) error
	// BindThread pins the calling goroutine's OS thread to socket.
	// Best-effort; failures are not fatal.
	BindThread(socket int) error
	// CurrentSocket returns the socket the caller is presently running
	// on, for the Local placement policy. Returns (0, false) if the
	// underlying platform cannot answer.
	CurrentSocket() (int, bool)
}

// Default returns a Topology that treats the machine as however many
// sockets the caller configures. It does not assign goroutines to
// sockets and performs no real memory or thread affinity syscalls: those are
// platform-specific collaborators outside the core's scope (spec §1).
func Default(sockets int) Topology {
	if sockets < 1 {
		sockets = 1
	}
	return &simple{sockets: sockets}
}

type simple struct {
	sockets int
}

func (s *simple) Sockets() int { return s.sockets }

func (s *simple) BindMemory(addr uintptr, size int, socket int) error { return nil }

func (s *simple) BindThread(socket int) error { return nil }

func (s *simple) CurrentSocket() (int, bool) {
	if s.sockets == 1 {
		return 0, true
	}
	// No cheap, portable way to learn the calling thread's socket
	// without the real topology library; report "unknown" so callers
	// fall back to Balanced placement per spec Design Note (§9).
	return 0, false
}

// GOMAXPROCSSockets is a convenience for callers that want a Default
// topology sized to the number of logical CPUs, one socket per
// runtime.GOMAXPROCS group of cpusPerSocket CPUs.
func GOMAXPROCSSockets(cpusPerSocket int) int {
	if cpusPerSocket < 1 {
		cpusPerSocket = 1
	}
	n := runtime.GOMAXPROCS(0) / cpusPerSocket
	if n < 1 {
		n = 1
	}
	return n
}
