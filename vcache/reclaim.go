package vcache

// reclaimLocked disassociates n from its back end and unhashes it.
// The caller holds the content lock, n.mu and a strong reference; n must be
// LOADED. On return n is RECLAIMED, n.mu is held and the content lock is
// released.
func (c *Cache) reclaimLocked(n *Node, reason ReclaimReason) {
	active := n.use.Load() > 1
	n.changeState(StateLoaded, StateReclaiming)
	typ, rdev := n.typ, n.rdev
	n.mu.Unlock()

	m := n.Mount()
	be := m.backend
	key := n.keyString()

	if f, ok := be.(Flusher); ok {
		if err := f.Flush(n, true); err != nil {
			c.logNode(n).WithError(err).Warn("vcache: flush failed, discarding cached data")
			if err := f.Flush(n, false); err != nil {
				n.fatal("discarding flush failed: %v", err)
			}
		}
	}
	if active && typ.IsDevice() {
		if r, ok := be.(DeviceRevoker); ok {
			r.RevokeDevice(n)
		}
	}

	be.Deactivate(n)
	if err := be.Disassociate(n); err != nil {
		n.fatal("disassociate failed: %v", err)
	}
	n.mu.Lock()
	n.data = nil
	n.mu.Unlock()

	if typ.IsDevice() {
		c.devices.remove(DeviceID{Type: typ, Rdev: rdev}, n)
	}

	// Unhash. Anonymous nodes were never inserted.
	if key != "" {
		k := tableKey{mount: m.id, key: key}
		s := c.table.shardFor(k)
		s.mu.Lock()
		unhash(s, k, n)
		s.mu.Unlock()
	}

	m.removeNode(n)
	n.mount.Store(c.dead)
	c.dead.insertNode(n)

	n.lock.Unlock()
	n.mu.Lock()
	n.changeState(StateReclaiming, StateReclaimed)

	c.stats.reclaims.Add(1)
	c.metrics.Reclaim(reason)
}

// Recycle reclaims n if the content lock is free. The caller must hold the
// last strong reference; recycling a node others still use is an invariant
// violation. On success the caller's reference is consumed and true is
// returned; otherwise the caller still owns its reference.
func (n *Node) Recycle() bool { return n.recycle(ReclaimRecycle, true) }

// recycle with strict unset declines instead of failing when other
// references appeared; the drain worker races with lookups that way.
func (n *Node) recycle(reason ReclaimReason, strict bool) bool {
	c := n.c
	n.mu.Lock()
	n.waitStable()
	if n.State() == StateReclaimed {
		c.releaseLocked(n, 0)
		return true
	}
	if use := n.use.Load(); use != 1 {
		n.mu.Unlock()
		if strict {
			n.fatal("recycle of a node with %d references", use)
		}
		return false
	}

	// Block new references until the content lock is ours.
	n.changeState(StateLoaded, StateBlocked)
	n.mu.Unlock()
	ok := n.lock.TryLock()
	n.mu.Lock()
	n.changeState(StateBlocked, StateLoaded)
	if !ok {
		n.mu.Unlock()
		return false
	}
	c.reclaimLocked(n, reason)
	c.releaseLocked(n, 0)
	return true
}

// Gone reclaims n unconditionally and consumes the caller's reference.
// It blocks on the content lock.
func (n *Node) Gone() { n.gone(ReclaimGone) }

func (n *Node) gone(reason ReclaimReason) {
	c := n.c
	n.lock.Lock()
	n.mu.Lock()
	n.waitStable()
	if n.State() == StateLoaded {
		c.reclaimLocked(n, reason)
		c.releaseLocked(n, 0)
		return
	}
	c.releaseLocked(n, relContentLocked)
}

// Revoke reclaims n and, for a device node, every live node aliasing the
// same device. Each reclaim runs with the owning mount suspended so that
// operations in flight on it drain first. The caller keeps its reference.
func (n *Node) Revoke() {
	n.mu.Lock()
	n.waitStable()
	if n.State() == StateReclaimed {
		n.mu.Unlock()
		return
	}
	if !n.typ.IsDevice() {
		n.use.Add(1)
		n.mu.Unlock()
		m := n.Mount()
		m.Suspend()
		n.gone(ReclaimRevoke)
		m.Resume()
		return
	}
	dev := DeviceID{Type: n.typ, Rdev: n.rdev}
	n.mu.Unlock()

	var suspended *Mount
	for {
		alias := n.c.devices.lookup(dev)
		if alias == nil {
			break
		}
		if n.c.vget(alias) != nil {
			continue
		}
		suspended = suspendNext(suspended, alias.Mount())
		alias.gone(ReclaimRevoke)
	}
	suspendNext(suspended, nil)
}

// suspendNext moves the revoke suspension from cur to next.
func suspendNext(cur, next *Mount) *Mount {
	if cur == next {
		return next
	}
	if cur != nil {
		cur.Resume()
	}
	if next != nil {
		next.Suspend()
	}
	return next
}
