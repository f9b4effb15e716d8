package vcache

import "github.com/sirupsen/logrus"

type releaseFlags uint8

const (
	// relAsync hands the last release to the drain worker.
	relAsync releaseFlags = 1 << iota
	// relForce blocks on the content lock instead of deferring.
	relForce
	// relContentLocked: the caller holds the content lock; it is released.
	relContentLocked
)

// Ref adds a strong reference. The caller must already hold one, so the
// count never goes from zero to one here.
func (n *Node) Ref() {
	if n.use.Add(1) <= 1 {
		n.fatal("ref of an unreferenced node")
	}
}

// tryReleaseFast drops a reference unless it is the last one.
func (n *Node) tryReleaseFast() bool {
	for {
		use := n.use.Load()
		if use <= 1 {
			return false
		}
		if n.use.CompareAndSwap(use, use-1) {
			return true
		}
	}
}

// Release drops a strong reference. The last release deactivates the node
// and, if the back end asks for it, reclaims it before returning. If the
// content lock is contended the release is deferred to the drain worker.
func (n *Node) Release() { n.release(0) }

// ReleaseAsync drops a strong reference, always deferring last-release work
// to the drain worker.
func (n *Node) ReleaseAsync() { n.release(relAsync) }

// ReleaseForce drops a strong reference, blocking on the content lock
// instead of deferring.
func (n *Node) ReleaseForce() { n.release(relForce) }

// Put drops the content lock and a strong reference.
func (n *Node) Put() {
	if n.tryReleaseFast() {
		n.lock.Unlock()
		return
	}
	n.mu.Lock()
	n.c.releaseLocked(n, relContentLocked)
}

func (n *Node) release(flags releaseFlags) {
	if n.tryReleaseFast() {
		return
	}
	n.mu.Lock()
	n.c.releaseLocked(n, flags)
}

// releaseLocked is the slow release path. n.mu must be held and is released.
func (c *Cache) releaseLocked(n *Node, flags releaseFlags) {
	locked := flags&relContentLocked != 0

	if n.tryReleaseFast() {
		if locked {
			n.lock.Unlock()
		}
		n.mu.Unlock()
		return
	}
	if n.use.Load() <= 0 {
		n.fatal("release of an unreferenced node")
	}

	if n.State() == StateReclaimed {
		if locked {
			n.lock.Unlock()
		}
		c.releaseFinish(n)
		return
	}

	deferred := flags&relAsync != 0 && !c.closed.Load()
	if !deferred && !locked {
		n.mu.Unlock()
		if flags&relForce != 0 || c.closed.Load() {
			n.lock.Lock()
			locked = true
		} else {
			locked = n.lock.TryLock()
			deferred = !locked
		}
		n.mu.Lock()

		// A reference may have appeared or the node may have been
		// reclaimed while the interlock was dropped.
		if n.tryReleaseFast() {
			if locked {
				n.lock.Unlock()
			}
			n.mu.Unlock()
			return
		}
		if n.State() == StateReclaimed {
			if locked {
				n.lock.Unlock()
			}
			c.releaseFinish(n)
			return
		}
	}

	if deferred {
		// The drain worker inherits our last reference.
		if locked {
			n.lock.Unlock()
		}
		c.drain.requeue(n, lruPending)
		c.stats.deferred.Add(1)
		c.metrics.Defer()
		n.mu.Unlock()
		return
	}

	n.waitStable()
	if n.State() == StateReclaimed {
		n.lock.Unlock()
		c.releaseFinish(n)
		return
	}

	n.changeState(StateLoaded, StateBlocked)
	n.mu.Unlock()
	recycle := n.Mount().backend.Deactivate(n)
	n.mu.Lock()
	n.changeState(StateBlocked, StateLoaded)

	if recycle && n.use.Load() == 1 {
		c.reclaimLocked(n, ReclaimInactive)
	} else {
		n.lock.Unlock()
	}
	c.releaseFinish(n)
}

// releaseFinish drops the caller's last reference: the node is freed if it
// is dead and unheld, otherwise queued on its idle list. n.mu must be held
// and is released.
func (c *Cache) releaseFinish(n *Node) {
	use := n.use.Add(-1)
	if use < 0 {
		n.fatal("use count went negative")
	}
	if c.opt.Diagnostics {
		n.checkCounts()
	}
	if use > 0 {
		n.mu.Unlock()
		return
	}
	if n.State() == StateReclaimed && n.hold.Load() == 0 {
		c.free(n)
		return
	}
	c.drain.requeue(n, n.lruWhich())
	n.mu.Unlock()
}

// Hold adds a weak reference that keeps n cached without marking it in use.
func (n *Node) Hold() {
	n.mu.Lock()
	if n.hold.Add(1) == 1 && n.use.Load() == 0 {
		n.c.drain.requeue(n, lruHeld)
	}
	n.mu.Unlock()
}

// ReleaseHold drops a weak reference.
func (n *Node) ReleaseHold() {
	n.mu.Lock()
	hold := n.hold.Add(-1)
	if hold < 0 {
		n.fatal("hold count went negative")
	}
	if hold > 0 || n.use.Load() > 0 {
		n.mu.Unlock()
		return
	}
	if n.State() == StateReclaimed {
		n.c.free(n)
		return
	}
	n.c.drain.requeue(n, lruFree)
	n.mu.Unlock()
}

func (c *Cache) logNode(n *Node) logrus.FieldLogger {
	return c.log.WithFields(logrus.Fields{
		"mount": n.Mount().name,
		"key":   n.keyString(),
		"state": n.State().String(),
		"use":   n.use.Load(),
		"hold":  n.hold.Load(),
	})
}
