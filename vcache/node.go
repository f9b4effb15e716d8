package vcache

import (
	"sync"
	"sync/atomic"
)

// Node is the cache's handle for one back end object.
//
// Lock order: table shard → n.mu → drain lock. The content lock (Lock/Unlock)
// is taken before n.mu, never while holding it.
type Node struct {
	c *Cache

	// ---- interlock ----
	mu sync.Mutex
	cv *sync.Cond // on mu

	// Written under mu, read lock-free by accessors and diagnostics.
	state atomic.Int32
	use   atomic.Int32
	hold  atomic.Int32

	// content lock, held across back end calls
	lock sync.Mutex

	key   atomic.Pointer[string] // changed only under table shard locks
	mount atomic.Pointer[Mount]

	// guarded by mu
	typ   NodeType
	rdev  uint64
	data  any
	freed bool

	// guarded by the drain lock
	lru    lruID
	lruSeq uint64
}

func newNode(c *Cache, m *Mount) *Node {
	n := &Node{c: c}
	n.cv = sync.NewCond(&n.mu)
	n.mount.Store(m)
	return n
}

// State returns the current lifecycle state. Without n.mu the result is a
// snapshot.
func (n *Node) State() State { return State(n.state.Load()) }

// UseCount returns the number of strong references.
func (n *Node) UseCount() int { return int(n.use.Load()) }

// HoldCount returns the number of weak references.
func (n *Node) HoldCount() int { return int(n.hold.Load()) }

// Key returns a copy of the node's current key.
func (n *Node) Key() []byte { return []byte(n.keyString()) }

func (n *Node) keyString() string {
	if k := n.key.Load(); k != nil {
		return *k
	}
	return ""
}

func (n *Node) setKey(k string) { n.key.Store(&k) }

// Mount returns the node's mount. A reclaimed node belongs to the cache's
// dead mount.
func (n *Node) Mount() *Mount { return n.mount.Load() }

// Backend returns the back end currently associated with the node.
func (n *Node) Backend() Backend { return n.Mount().backend }

// Data returns the back end's private data, nil outside the window between
// a successful load or create and reclamation.
func (n *Node) Data() any {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.data
}

// Type returns the node's file type.
func (n *Node) Type() NodeType {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.typ
}

// Device returns the device identity; ok is false for non-device nodes.
func (n *Node) Device() (id DeviceID, ok bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return DeviceID{Type: n.typ, Rdev: n.rdev}, n.typ.IsDevice()
}

// Lock takes the content lock. It is not reentrant.
func (n *Node) Lock() { n.lock.Lock() }

// Unlock drops the content lock.
func (n *Node) Unlock() { n.lock.Unlock() }

// TryLock takes the content lock without blocking.
func (n *Node) TryLock() bool { return n.lock.TryLock() }

// lruWhich picks the idle list for n. n.mu must be held.
func (n *Node) lruWhich() lruID {
	if n.hold.Load() > 0 {
		return lruHeld
	}
	return lruFree
}
