package vcache

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/avast/retry-go/v4"
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Mount is one back end instance attached to the cache. Keys are unique per
// mount.
type Mount struct {
	c       *Cache
	id      uuid.UUID
	name    string
	backend Backend

	// Loads and creates hold busyMu shared; Unmount holds it exclusively.
	busyMu sync.RWMutex
	dying  atomic.Bool
	gone   atomic.Bool

	// trans brackets consumer operations (shared) against suspension
	// (exclusive).
	trans sync.RWMutex

	mu    sync.Mutex
	nodes map[*Node]struct{}
}

func newMount(c *Cache, name string, be Backend) *Mount {
	return &Mount{
		c:       c,
		id:      uuid.New(),
		name:    name,
		backend: be,
		nodes:   make(map[*Node]struct{}),
	}
}

// NewMount attaches a back end under a fresh mount identity.
func (c *Cache) NewMount(name string, be Backend) *Mount {
	m := newMount(c, name, be)
	c.mounts.Store(m.id, m)
	c.log.WithFields(logrus.Fields{"mount": name, "id": m.id}).Info("vcache: mounted")
	return m
}

// LookupMount finds a mounted mount by identity.
func (c *Cache) LookupMount(id uuid.UUID) (*Mount, bool) { return c.mounts.Load(id) }

// DeadMount returns the mount that reclaimed nodes are moved to.
func (c *Cache) DeadMount() *Mount { return c.dead }

// ID returns the mount identity keys are scoped by.
func (m *Mount) ID() uuid.UUID { return m.id }

// Name returns the name given at mount time.
func (m *Mount) Name() string { return m.name }

// Backend returns the back end serving the mount.
func (m *Mount) Backend() Backend { return m.backend }

// String formats the mount as name(id) for logs.
func (m *Mount) String() string { return m.name + "(" + m.id.String() + ")" }

// Unmounted reports whether Unmount has completed.
func (m *Mount) Unmounted() bool { return m.gone.Load() }

// NodeCount returns the number of nodes associated with the mount.
func (m *Mount) NodeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.nodes)
}

// busy takes a shared busy reference for a load or create. It fails with
// ErrNotFound once an unmount has started.
func (m *Mount) busy() error {
	if m.dying.Load() || !m.busyMu.TryRLock() {
		return errors.Wrapf(ErrNotFound, "vcache: mount %s is unmounting", m.name)
	}
	if m.dying.Load() {
		m.busyMu.RUnlock()
		return errors.Wrapf(ErrNotFound, "vcache: mount %s is unmounting", m.name)
	}
	return nil
}

func (m *Mount) unbusy() { m.busyMu.RUnlock() }

// Enter marks the start of a consumer operation on the mount.
func (m *Mount) Enter() { m.trans.RLock() }

// Exit ends an operation started with Enter.
func (m *Mount) Exit() { m.trans.RUnlock() }

// Suspend waits for operations in flight to Exit and blocks new ones until
// Resume. The drain worker skips nodes of a suspended mount.
func (m *Mount) Suspend() { m.trans.Lock() }

// Resume ends a suspension and wakes the drain worker for the deferred
// releases it skipped.
func (m *Mount) Resume() {
	m.trans.Unlock()
	m.c.drain.signal()
}

func (m *Mount) insertNode(n *Node) {
	m.mu.Lock()
	m.nodes[n] = struct{}{}
	m.mu.Unlock()
}

func (m *Mount) removeNode(n *Node) {
	m.mu.Lock()
	delete(m.nodes, n)
	m.mu.Unlock()
}

func (m *Mount) snapshot() []*Node {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Node, 0, len(m.nodes))
	for n := range m.nodes {
		out = append(out, n)
	}
	return out
}

// Unmount detaches m. Deferred releases of m are completed first, then every
// node is flushed. Without force, nodes still in use make the flush fail
// with ErrBusy; it is retried and, if nodes stay busy, the mount is revived
// and ErrBusy returned. With force, active nodes are reclaimed and their
// handles go dead. Concurrent Unmounts of one mount share one attempt.
func (c *Cache) Unmount(ctx context.Context, m *Mount, force bool) error {
	if m == c.dead {
		return errors.Newf("vcache: the dead mount cannot be unmounted")
	}
	_, err, _ := c.unmounts.Do(ctx, m.id, func() (struct{}, error) {
		return struct{}{}, c.unmount(ctx, m, force)
	})
	return err
}

func (c *Cache) unmount(ctx context.Context, m *Mount, force bool) error {
	if m.gone.Load() {
		return errors.Wrapf(ErrNotFound, "vcache: mount %s already unmounted", m.name)
	}
	log := c.log.WithFields(logrus.Fields{"mount": m.name, "force": force})

	m.dying.Store(true)
	m.busyMu.Lock()

	attempt := 0
	err := retry.Do(
		func() error {
			attempt++
			c.drain.flushDeferred(m)
			return c.flush(m, force)
		},
		retry.Attempts(uint(c.opt.UnmountAttempts)),
		retry.Delay(c.opt.UnmountDelay),
		retry.DelayType(retry.FixedDelay),
		retry.RetryIf(func(err error) bool { return errors.Is(err, ErrBusy) }),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		m.busyMu.Unlock()
		m.dying.Store(false)
		log.WithError(err).WithField("attempts", attempt).Info("vcache: unmount failed, mount revived")
		return err
	}

	m.gone.Store(true)
	c.mounts.Delete(m.id)
	log.WithField("attempts", attempt).Info("vcache: unmounted")
	return nil
}

// flush references every node of m and reclaims it. Nodes in use by others
// are counted busy unless force is set.
func (c *Cache) flush(m *Mount, force bool) error {
	busy := 0
	for _, n := range m.snapshot() {
		n.mu.Lock()
		if c.vget(n) != nil {
			continue
		}
		if n.use.Load() > 1 && !force {
			n.Release()
			busy++
			continue
		}
		n.gone(ReclaimGone)
	}
	if busy > 0 {
		return errors.Wrapf(ErrBusy, "vcache: %d nodes busy on %s", busy, m.name)
	}
	return nil
}
