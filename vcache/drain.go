package vcache

import (
	"context"
	"runtime"
	"sync"

	"github.com/google/btree"
	"github.com/sirupsen/logrus"
)

// lruID names the list a node is queued on.
type lruID uint8

const (
	lruNone lruID = iota
	lruFree
	lruHeld
	lruPending
	lruCount
)

var lruNames = [lruCount]string{"none", "free", "held", "pending"}

func (l lruID) String() string { return lruNames[l] }

// lruItem is a list entry. Lists are ordered by a global enqueue sequence, so
// the head is the least recently queued node and a scan cursor is just a
// sequence number.
type lruItem struct {
	seq uint64
	n   *Node
}

func lessItem(a, b lruItem) bool { return a.seq < b.seq }

// drainer owns the three idle lists and the background worker that keeps
// the live count under target and completes deferred releases.
//
// The worker holds mu while walking the lists and reaches node interlocks
// with TryLock only, because everyone else takes n.mu before mu.
type drainer struct {
	c *Cache

	mu      sync.Mutex
	cv      *sync.Cond // worker sleeps here
	genCV   *sync.Cond // DrainUntilBelowTarget waits here
	lists   [lruCount]*btree.BTreeG[lruItem]
	seq     uint64
	live    int
	desired int
	gen     uint64
	retry   bool
	kicked  bool

	stopping bool
	done     chan struct{}
}

func newDrainer(c *Cache, desired int) *drainer {
	d := &drainer{c: c, desired: desired, done: make(chan struct{})}
	d.cv = sync.NewCond(&d.mu)
	d.genCV = sync.NewCond(&d.mu)
	for id := lruFree; id < lruCount; id++ {
		d.lists[id] = btree.NewG[lruItem](8, lessItem)
	}
	return d
}

// requeue moves n to list to (lruNone removes it). n.mu must be held.
// The worker is woken for deferred releases and when over the desired count.
func (d *drainer) requeue(n *Node, to lruID) {
	d.mu.Lock()
	d.requeueLocked(n, to)
	if !d.retry && (to == lruPending || d.live > d.desired) {
		d.cv.Signal()
	}
	d.mu.Unlock()
}

func (d *drainer) requeueLocked(n *Node, to lruID) {
	if n.lru != lruNone {
		d.lists[n.lru].Delete(lruItem{seq: n.lruSeq})
		d.live--
	}
	n.lru = to
	n.lruSeq = 0
	if to != lruNone {
		d.seq++
		n.lruSeq = d.seq
		d.lists[to].ReplaceOrInsert(lruItem{seq: d.seq, n: n})
		d.live++
	}
}

// next returns the first entry of list at or after cursor and before end.
func (d *drainer) next(id lruID, cursor, end uint64) (lruItem, bool) {
	var (
		it lruItem
		ok bool
	)
	d.lists[id].AscendRange(lruItem{seq: cursor}, lruItem{seq: end}, func(i lruItem) bool {
		it, ok = i, true
		return false
	})
	return it, ok
}

// run is the worker loop. It exits after the pass that observes stopping.
func (d *drainer) run() {
	defer close(d.done)

	d.mu.Lock()
	defer d.mu.Unlock()
	for {
		target := d.desired - d.desired/10
		d.kicked = false
		for {
			d.retry = false
			d.scan(lruPending, target)
			d.scan(lruFree, target)
			d.scan(lruHeld, target)
			if !d.retry {
				break
			}
			d.mu.Unlock()
			runtime.Gosched()
			d.mu.Lock()
		}
		d.gen++
		d.genCV.Broadcast()
		d.c.metrics.DrainPass(d.gen, d.live)
		d.c.log.WithFields(logrus.Fields{
			"generation": d.gen,
			"live":       d.live,
			"target":     target,
		}).Debug("vcache: drain pass")
		if d.stopping {
			return
		}
		if !d.kicked {
			d.cv.Wait()
		}
	}
}

// scan walks one list from its head. Entries queued after the scan started
// are left for the next pass; the saved cursor makes the walk resumable
// across the points where mu is dropped.
func (d *drainer) scan(id lruID, target int) {
	end := d.seq + 1
	var cursor uint64
	for {
		it, ok := d.next(id, cursor, end)
		if !ok {
			return
		}
		cursor = it.seq + 1
		if id == lruPending {
			d.finishDeferred(it.n)
			continue
		}
		if d.live <= target {
			return
		}
		d.reclaimIdle(it.n)
	}
}

// reclaimIdle tries to recycle an unreferenced node. mu is held on entry and
// on return; it is dropped while the node is processed.
func (d *drainer) reclaimIdle(n *Node) {
	if n.use.Load() > 0 {
		return
	}
	// Wrong lock direction, so only try.
	if !n.mu.TryLock() {
		return
	}
	if n.use.Load() > 0 || n.State() != StateLoaded {
		n.mu.Unlock()
		return
	}
	m := n.Mount()
	if !m.trans.TryRLock() {
		n.mu.Unlock()
		return
	}
	d.retry = true
	d.mu.Unlock()

	if d.c.vget(n) == nil {
		if !n.recycle(ReclaimDrain, false) {
			n.mu.Lock()
			d.c.releaseLocked(n, 0)
		}
	}
	m.trans.RUnlock()

	d.mu.Lock()
}

// finishDeferred completes a deferred release, blocking on the content lock.
// The node is parked on the held list first; the release puts it back on the
// right list before its use count drops.
func (d *drainer) finishDeferred(n *Node) {
	m := n.Mount()
	if !m.trans.TryRLock() {
		return
	}
	d.requeueLocked(n, lruHeld)
	d.retry = true
	d.mu.Unlock()

	d.c.log.WithFields(logrus.Fields{"mount": m.name, "key": n.keyString()}).
		Debug("vcache: completing deferred release")
	n.lock.Lock()
	n.mu.Lock()
	d.c.releaseLocked(n, relContentLocked)
	m.trans.RUnlock()

	d.mu.Lock()
}

// flushDeferred synchronously completes every deferred release queued for m,
// or for all mounts when m is nil. Suspended mounts are not skipped.
func (d *drainer) flushDeferred(m *Mount) {
	d.mu.Lock()
	defer d.mu.Unlock()

	end := d.seq + 1
	var cursor uint64
	for {
		it, ok := d.next(lruPending, cursor, end)
		if !ok {
			return
		}
		cursor = it.seq + 1
		n := it.n
		if m != nil && n.Mount() != m {
			continue
		}
		d.requeueLocked(n, lruHeld)
		d.mu.Unlock()
		n.lock.Lock()
		n.mu.Lock()
		d.c.releaseLocked(n, relContentLocked)
		d.mu.Lock()
	}
}

// signal wakes the worker for one pass. A signal that arrives while a pass
// is running starts another one.
func (d *drainer) signal() {
	d.mu.Lock()
	d.kicked = true
	d.cv.Signal()
	d.mu.Unlock()
}

// waitGenerations wakes the worker and waits for two completed passes.
func (d *drainer) waitGenerations(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		d.mu.Lock()
		d.genCV.Broadcast()
		d.mu.Unlock()
	})
	defer stop()

	d.mu.Lock()
	defer d.mu.Unlock()
	for i := 0; i < 2; i++ {
		gen := d.gen
		for gen == d.gen {
			if err := ctx.Err(); err != nil {
				return err
			}
			if d.stopping {
				return ErrClosed
			}
			d.cv.Broadcast()
			d.genCV.Wait()
		}
	}
	return nil
}

func (d *drainer) setDesired(n int) {
	d.mu.Lock()
	d.desired = n
	d.cv.Signal()
	d.mu.Unlock()
}

// stop asks the worker to finish its current pass and exit.
func (d *drainer) stop() {
	d.mu.Lock()
	d.stopping = true
	d.cv.Signal()
	d.mu.Unlock()
	<-d.done
}

type listStats struct {
	live, free, held, pending int
	desired                   int
	gen                       uint64
}

func (d *drainer) stats() listStats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return listStats{
		live:    d.live,
		free:    d.lists[lruFree].Len(),
		held:    d.lists[lruHeld].Len(),
		pending: d.lists[lruPending].Len(),
		desired: d.desired,
		gen:     d.gen,
	}
}
