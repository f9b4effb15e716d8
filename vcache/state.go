package vcache

import "github.com/cockroachdb/errors"

// State is the lifecycle state of a Node.
type State int32

const (
	// StateMarker is reserved for list cursors and never transitions.
	StateMarker State = iota
	// StateLoading: allocated and in the table, back end load or create in flight.
	StateLoading
	// StateLoaded: usable.
	StateLoaded
	// StateBlocked: the last reference holder is deactivating the node.
	StateBlocked
	// StateReclaiming: being disassociated from its back end.
	StateReclaiming
	// StateReclaimed: dead. Freed once use and hold counts reach zero.
	StateReclaimed
)

var stateNames = [...]string{
	StateMarker:     "MARKER",
	StateLoading:    "LOADING",
	StateLoaded:     "LOADED",
	StateBlocked:    "BLOCKED",
	StateReclaiming: "RECLAIMING",
	StateReclaimed:  "RECLAIMED",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "INVALID"
}

// Stable reports whether s is LOADED or RECLAIMED.
func (s State) Stable() bool { return s == StateLoaded || s == StateReclaimed }

// ErrTransition is the cause of illegal state changes.
var ErrTransition = errors.New("vcache: illegal state transition")

// checkTransition validates from→to against the lifecycle graph.
func checkTransition(from, to State) error {
	switch {
	case from == StateLoading && (to == StateLoaded || to == StateReclaimed):
	case from == StateLoaded && (to == StateBlocked || to == StateReclaiming):
	case from == StateBlocked && to == StateLoaded:
	case from == StateReclaiming && to == StateReclaimed:
	default:
		return errors.Wrapf(ErrTransition, "%s -> %s", from, to)
	}
	return nil
}

// changeState moves n from → to. n.mu must be held; a LOADING exit must also
// hold the table shard lock of n's key when n is hashed.
// Waiters on n.cv are woken on LOADING exit and on entry to LOADED or RECLAIMED.
func (n *Node) changeState(from, to State) {
	if err := checkTransition(from, to); err != nil {
		n.fatal("%v", err)
	}
	if cur := n.State(); cur != from {
		n.fatal("state %s, want %s for %s -> %s", cur, from, from, to)
	}
	if to == StateBlocked && n.use.Load() != 1 {
		n.fatal("blocking with use count %d", n.use.Load())
	}
	n.state.Store(int32(to))
	if n.c.opt.Diagnostics {
		n.checkCounts()
	}
	if from == StateLoading || to == StateLoaded || to == StateReclaimed {
		n.cv.Broadcast()
	}
}

// assertState requires n.mu held and n in one of want.
func (n *Node) assertState(want ...State) {
	cur := n.State()
	for _, w := range want {
		if cur == w {
			return
		}
	}
	n.fatal("unexpected state %s, want one of %v", cur, want)
}

// waitStable sleeps on n.cv until n is LOADED or RECLAIMED. n.mu must be held.
func (n *Node) waitStable() {
	for !n.State().Stable() {
		n.cv.Wait()
	}
}

// checkCounts is the diagnostic check run at state changes and releases.
func (n *Node) checkCounts() {
	if n.use.Load() < 0 || n.hold.Load() < 0 {
		n.fatal("negative count")
	}
	if n.State() == StateMarker && n.use.Load() != 0 {
		n.fatal("marker with references")
	}
}
