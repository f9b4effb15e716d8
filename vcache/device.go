package vcache

import (
	"sync"

	"github.com/puzpuzpuz/xsync/v3"
)

// deviceRegistry tracks live device nodes by device identity so that Revoke
// can find every alias of a device. Lock order: set.mu → n.mu.
type deviceRegistry struct {
	sets *xsync.MapOf[DeviceID, *deviceSet]
}

type deviceSet struct {
	mu    sync.Mutex
	nodes map[*Node]struct{}
}

func newDeviceRegistry() *deviceRegistry {
	return &deviceRegistry{sets: xsync.NewMapOf[DeviceID, *deviceSet]()}
}

func (r *deviceRegistry) add(id DeviceID, n *Node) {
	set, _ := r.sets.LoadOrCompute(id, func() *deviceSet {
		return &deviceSet{nodes: make(map[*Node]struct{})}
	})
	set.mu.Lock()
	set.nodes[n] = struct{}{}
	set.mu.Unlock()
}

func (r *deviceRegistry) remove(id DeviceID, n *Node) {
	set, ok := r.sets.Load(id)
	if !ok {
		return
	}
	set.mu.Lock()
	delete(set.nodes, n)
	set.mu.Unlock()
}

// lookup returns a node aliasing id that is neither being reclaimed nor
// dead, with its interlock held. nil means no such node is left.
func (r *deviceRegistry) lookup(id DeviceID) *Node {
	set, ok := r.sets.Load(id)
	if !ok {
		return nil
	}
	set.mu.Lock()
	defer set.mu.Unlock()
	for n := range set.nodes {
		n.mu.Lock()
		if st := n.State(); st == StateLoaded || st == StateBlocked {
			return n
		}
		n.mu.Unlock()
	}
	return nil
}

// count returns the number of live aliases of id.
func (r *deviceRegistry) count(id DeviceID) int {
	set, ok := r.sets.Load(id)
	if !ok {
		return 0
	}
	set.mu.Lock()
	defer set.mu.Unlock()
	return len(set.nodes)
}
