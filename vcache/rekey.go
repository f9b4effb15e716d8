package vcache

import "github.com/cockroachdb/errors"

// Rekey changes the key of a live node in two phases. RekeyEnter claims
// newKey with a LOADING placeholder, so lookups of newKey wait and concurrent
// claims fail with ErrExists, while lookups of oldKey keep finding n.
// RekeyExit publishes newKey on n; RekeyAbort drops the claim.
//
// The caller holds a reference and the content lock of n across both phases.

// RekeyEnter claims newKey for n, which must currently be hashed as oldKey.
func (c *Cache) RekeyEnter(n *Node, oldKey, newKey []byte) error {
	if len(oldKey) == 0 || len(newKey) == 0 {
		return ErrInvalidKey
	}
	m := n.Mount()
	oldK, newK := tableKey{mount: m.id, key: string(oldKey)}, tableKey{mount: m.id, key: string(newKey)}

	ph := c.alloc(m)
	ph.setKey(newK.key)

	so, sn := c.table.lockPair(oldK, newK)
	if _, exists := sn.m[newK]; exists {
		c.dealloc(ph, so, sn)
		return errors.Wrapf(ErrExists, "vcache: rekey %q -> %q", oldKey, newKey)
	}
	if so.m[oldK] != n {
		unlockShards(so, sn)
		n.fatal("rekey of a node not hashed as %q", oldKey)
	}
	sn.m[newK] = ph
	n.setKey(oldK.key)
	unlockShards(so, sn)
	return nil
}

// RekeyExit publishes newKey on n and discards the placeholder.
func (c *Cache) RekeyExit(n *Node, oldKey, newKey []byte) {
	m := n.Mount()
	if r, ok := m.backend.(Rekeyer); ok {
		r.RekeyApply(n, oldKey, newKey)
	}
	oldK, newK := tableKey{mount: m.id, key: string(oldKey)}, tableKey{mount: m.id, key: string(newKey)}

	so, sn := c.table.lockPair(oldK, newK)
	ph := c.placeholder(n, so, sn, oldK, newK)
	n.setKey(newK.key)
	delete(so.m, oldK)
	sn.m[newK] = n
	c.dealloc(ph, so, sn)
}

// RekeyAbort drops the claim on newKey taken by RekeyEnter; n keeps oldKey.
func (c *Cache) RekeyAbort(n *Node, oldKey, newKey []byte) {
	m := n.Mount()
	if r, ok := m.backend.(Rekeyer); ok {
		r.RekeyCancel(n, oldKey, newKey)
	}
	oldK, newK := tableKey{mount: m.id, key: string(oldKey)}, tableKey{mount: m.id, key: string(newKey)}

	so, sn := c.table.lockPair(oldK, newK)
	ph := c.placeholder(n, so, sn, oldK, newK)
	delete(sn.m, newK)
	c.dealloc(ph, so, sn)
}

// placeholder checks the table during a rekey and returns the placeholder
// hashed under newK. Both shard locks must be held.
func (c *Cache) placeholder(n *Node, so, sn *shard, oldK, newK tableKey) *Node {
	if so.m[oldK] != n {
		unlockShards(so, sn)
		n.fatal("rekey of a node not hashed as %q", oldK.key)
	}
	ph := sn.m[newK]
	if ph == nil || ph == n || ph.State() != StateLoading {
		unlockShards(so, sn)
		n.fatal("rekey placeholder for %q missing", newK.key)
	}
	return ph
}
