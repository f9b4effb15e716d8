package vcache

import (
	"bytes"
	"context"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/sirupsen/logrus"

	"github.com/IvanBrykalov/vnodecache/internal/singleflight"
)

// Cache deduplicates, reference-counts and reclaims nodes for any number of
// mounts. All methods are safe for concurrent use.
type Cache struct {
	opt     Options
	log     logrus.FieldLogger
	metrics Metrics

	table   *table
	drain   *drainer
	devices *deviceRegistry
	mounts  *xsync.MapOf[uuid.UUID, *Mount]
	dead    *Mount

	unmounts singleflight.Group[uuid.UUID, struct{}]

	stats     counters
	closed    atomic.Bool
	closeOnce sync.Once
}

// New constructs a cache and starts its drain worker. Call Close to stop it.
func New(opt Options) *Cache {
	opt = opt.withDefaults()
	c := &Cache{
		opt:     opt,
		log:     opt.Logger,
		metrics: opt.Metrics,
		table:   newTable(opt.Shards),
		devices: newDeviceRegistry(),
		mounts:  xsync.NewMapOf[uuid.UUID, *Mount](),
	}
	c.drain = newDrainer(c, opt.DesiredNodes)
	c.dead = newMount(c, "dead", deadBackend{})
	go c.drain.run()
	return c
}

// Close completes queued deferred releases and stops the drain worker.
// Releases after Close never defer.
func (c *Cache) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.drain.stop()
		c.drain.flushDeferred(nil)
	})
	return nil
}

// Get returns a referenced node for key on m, loading it through the mount's
// back end on a miss. Concurrent Gets of one key share one Load.
func (c *Cache) Get(ctx context.Context, m *Mount, key []byte) (*Node, error) {
	if len(key) == 0 {
		return nil, ErrInvalidKey
	}
	if c.closed.Load() {
		return nil, ErrClosed
	}
	k := tableKey{mount: m.id, key: string(key)}
	s := c.table.shardFor(k)
	for {
		if n := c.lookup(s, k); n != nil {
			c.stats.hits.Add(1)
			c.metrics.Hit()
			return n, nil
		}
		n, retry, err := c.load(ctx, m, s, k)
		if retry {
			continue
		}
		return n, err
	}
}

// load handles a Get miss. retry reports that another Get inserted k first.
func (c *Cache) load(ctx context.Context, m *Mount, s *shard, k tableKey) (_ *Node, retry bool, _ error) {
	if err := m.busy(); err != nil {
		return nil, false, err
	}
	defer m.unbusy()

	n := c.alloc(m)
	s.mu.Lock()
	if _, ok := s.m[k]; ok {
		c.dealloc(n, s)
		return nil, true, nil
	}
	n.setKey(k.key)
	s.m[k] = n
	s.mu.Unlock()

	c.stats.misses.Add(1)
	c.metrics.Miss()

	ld, err := m.backend.Load(ctx, n, []byte(k.key))
	c.stats.loads.Add(1)
	c.metrics.Load(err)
	if err != nil {
		c.stats.loadErrors.Add(1)
		s.mu.Lock()
		unhash(s, k, n)
		c.dealloc(n, s)
		err = errors.Wrapf(err, "vcache: load %q on %s", k.key, m.name)
		if ctx.Err() != nil {
			return nil, false, err
		}
		return nil, false, errors.Mark(err, ErrBackend)
	}
	if ld.Key != nil && !bytes.Equal(ld.Key, []byte(k.key)) {
		n.fatal("back end returned key %q for %q", ld.Key, k.key)
	}

	c.attach(n, m, ld)

	s.mu.Lock()
	n.mu.Lock()
	n.changeState(StateLoading, StateLoaded)
	n.mu.Unlock()
	s.cv.Broadcast()
	s.mu.Unlock()
	return n, false, nil
}

// New creates a new object on m through the back end's Create and returns it
// referenced. A back end that returns an empty key makes an anonymous node
// that is never hashed.
func (c *Cache) New(ctx context.Context, m *Mount, parent *Node, attrs Attrs) (*Node, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	if err := m.busy(); err != nil {
		return nil, err
	}
	n := c.alloc(m)
	ld, err := m.backend.Create(ctx, n, parent, attrs)
	c.stats.loads.Add(1)
	c.metrics.Load(err)
	if err != nil {
		m.unbusy()
		c.stats.loadErrors.Add(1)
		c.dealloc(n)
		err = errors.Wrapf(err, "vcache: create %q on %s", attrs.Name, m.name)
		if ctx.Err() != nil {
			return nil, err
		}
		return nil, errors.Mark(err, ErrBackend)
	}
	c.attach(n, m, ld)
	m.unbusy()

	if len(ld.Key) == 0 {
		n.mu.Lock()
		n.changeState(StateLoading, StateLoaded)
		n.mu.Unlock()
		return n, nil
	}

	// Wait for a previous instance of the key to be reclaimed, then insert.
	k := tableKey{mount: m.id, key: string(ld.Key)}
	n.setKey(k.key)
	s := c.table.shardFor(k)
	s.mu.Lock()
	for {
		old, ok := s.m[k]
		if !ok {
			break
		}
		old.mu.Lock()
		s.mu.Unlock()
		if c.vget(old) == nil {
			old.fatal("created key collides with a live node")
		}
		s.mu.Lock()
	}
	s.m[k] = n
	n.mu.Lock()
	n.changeState(StateLoading, StateLoaded)
	n.mu.Unlock()
	s.cv.Broadcast()
	s.mu.Unlock()
	return n, nil
}

// attach publishes a successful load or create on n and registers it with
// its mount and, for devices, the alias registry.
func (c *Cache) attach(n *Node, m *Mount, ld Loaded) {
	n.mu.Lock()
	n.data, n.typ, n.rdev = ld.Data, ld.Type, ld.Rdev
	n.mu.Unlock()
	m.insertNode(n)
	if ld.Type.IsDevice() {
		c.devices.add(DeviceID{Type: ld.Type, Rdev: ld.Rdev}, n)
	}
}

// alloc returns a fresh LOADING node with one reference, queued on the free
// list and counted as live.
func (c *Cache) alloc(m *Mount) *Node {
	n := newNode(c, m)
	n.state.Store(int32(StateLoading))
	n.use.Store(1)
	n.mu.Lock()
	c.drain.requeue(n, lruFree)
	n.mu.Unlock()
	return n
}

// dealloc disposes of a LOADING node that never became usable. held are
// shard locks owned by the caller; they are released after the state change
// so that waiting lookups observe it.
func (c *Cache) dealloc(n *Node, held ...*shard) {
	n.mu.Lock()
	n.mount.Store(c.dead)
	n.changeState(StateLoading, StateReclaimed)
	unlockShards(held...)
	c.releaseLocked(n, 0)
}

// vget takes a reference on n unless it is reclaimed. n.mu must be held and
// is released. ErrNotFound means n is dead and the caller must look again.
func (c *Cache) vget(n *Node) error {
	// A hold keeps n from being freed while we sleep.
	n.hold.Add(1)
	n.waitStable()
	n.hold.Add(-1)

	if n.State() == StateReclaimed {
		if n.hold.Load() == 0 && n.use.Load() == 0 {
			c.free(n)
		} else {
			n.mu.Unlock()
		}
		return ErrNotFound
	}
	n.assertState(StateLoaded)
	n.use.Add(1)
	n.mu.Unlock()
	return nil
}

// free destroys a reclaimed node with no references. n.mu must be held and
// is released.
func (c *Cache) free(n *Node) {
	n.assertState(StateReclaimed)
	if n.use.Load() != 0 || n.hold.Load() != 0 {
		n.fatal("freeing a referenced node")
	}
	if n.freed {
		n.fatal("double free")
	}
	n.freed = true
	c.drain.requeue(n, lruNone)
	m := n.Mount()
	n.mu.Unlock()

	m.removeNode(n)
	c.stats.freed.Add(1)
}

// RequestDrain wakes the drain worker for one pass.
func (c *Cache) RequestDrain() { c.drain.signal() }

// DrainUntilBelowTarget waits for two complete drain passes. It returns
// ErrBusy if the live count is still at or above the desired count.
func (c *Cache) DrainUntilBelowTarget(ctx context.Context) error {
	if err := c.drain.waitGenerations(ctx); err != nil {
		return err
	}
	if st := c.drain.stats(); st.live >= st.desired {
		return errors.Wrapf(ErrBusy, "vcache: %d live nodes, desired %d", st.live, st.desired)
	}
	return nil
}

// SetDesired changes the desired live count and drains towards it.
func (c *Cache) SetDesired(ctx context.Context, desired int) error {
	if desired <= 0 {
		return errors.Newf("vcache: desired node count must be positive, got %d", desired)
	}
	c.drain.setDesired(desired)
	c.log.WithField("desired", desired).Info("vcache: desired node count changed")
	return c.DrainUntilBelowTarget(ctx)
}

// Stats returns a snapshot of list sizes and counters.
func (c *Cache) Stats() Stats {
	ls := c.drain.stats()
	return Stats{
		Live:       ls.live,
		Desired:    ls.desired,
		Free:       ls.free,
		Held:       ls.held,
		Pending:    ls.pending,
		Generation: ls.gen,
		Mounts:     c.mounts.Size(),
		Hits:       c.stats.hits.Load(),
		Misses:     c.stats.misses.Load(),
		Loads:      c.stats.loads.Load(),
		LoadErrors: c.stats.loadErrors.Load(),
		Reclaims:   c.stats.reclaims.Load(),
		Deferred:   c.stats.deferred.Load(),
		Freed:      c.stats.freed.Load(),
	}
}

// Len returns the number of hashed nodes.
func (c *Cache) Len() int { return c.table.len() }
