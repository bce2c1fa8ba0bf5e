package nibble

import "fmt"

// Placement selects which socket a PUT targets (spec.md §4.4). Build one
// with Specific, Local, or the Balanced value.
type Placement struct {
	kind   placementKind
	socket int
}

type placementKind int

const (
	placementBalanced placementKind = iota
	placementLocal
	placementSpecific
)

// Balanced distributes PUTs roughly uniformly across sockets, using the
// configured Rng (spec.md §6).
var Balanced = Placement{kind: placementBalanced}

// Local targets the calling goroutine's own socket, falling back to
// Balanced if the Topology collaborator can't answer that question
// (spec.md §9 Design Note).
var Local = Placement{kind: placementLocal}

// Specific targets a named socket.
func Specific(socket int) Placement {
	return Placement{kind: placementSpecific, socket: socket}
}

func (l *LSM) resolveSocket(p Placement) (int, error) {
	switch p.kind {
	case placementSpecific:
		if p.socket < 0 || p.socket >= len(l.logs) {
			return 0, fmt.Errorf("%w: socket %d out of range [0,%d)", ErrInvalidArgument, p.socket, len(l.logs))
		}
		return p.socket, nil

	case placementLocal:
		if s, ok := l.topo.CurrentSocket(); ok {
			return s, nil
		}
		return l.balancedSocket(), nil

	default: // placementBalanced
		return l.balancedSocket(), nil
	}
}

func (l *LSM) balancedSocket() int {
	return int(l.rng.Uint64() % uint64(len(l.logs)))
}
