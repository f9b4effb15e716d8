// Package vcache is a node cache for a virtual file-system switch: it
// creates, deduplicates, reference-counts, idles and destroys the in-memory
// handles (nodes) that stand for back end file-system objects.
//
// Design
//
//   - Lifecycle: a node is LOADING while its back end populates it, LOADED
//     while usable, BLOCKED while its last reference holder deactivates it,
//     RECLAIMING while it is disassociated from the back end and RECLAIMED
//     once dead. Every state change goes through one transition check;
//     anything else is an invariant violation.
//
//   - Table: nodes are hashed by (mount id, key bytes) in a sharded map. A
//     lookup that finds a LOADING node waits for it, so a key is loaded once
//     no matter how many goroutines ask for it.
//
//   - References: use counts are strong references, hold counts are weak
//     ones (cached pages and the like). Dropping a reference that is not the
//     last is a single CAS. The last release deactivates the node through the
//     back end and may reclaim it; if the node's content lock is contended,
//     or the caller asks for it, that work is deferred to the drain worker.
//
//   - Idle lists: unreferenced nodes sit on a free or held list, deferred
//     releases on a pending list. Each list is a B-tree ordered by enqueue
//     sequence, so the drain worker walks it with a plain cursor.
//
//   - Drain worker: one goroutine keeps the live count under
//     DesiredNodes minus 10% by recycling idle nodes, and completes deferred
//     releases. DrainUntilBelowTarget waits for it.
//
//   - Mounts: each back end instance is a Mount with a uuid identity. Unmount
//     completes deferred releases and reclaims the mount's nodes. Reclaimed
//     nodes move to a dead mount whose back end fails every operation.
//
//   - Errors: ErrNotFound, ErrBusy, ErrExists and wrapped back end errors
//     (marked ErrBackend) are returned. Invariant violations are logged and
//     raised with panic as *InvariantError.
//
// Lock order
//
// table shard → node interlock → drain lock. The content lock is taken with
// no interlock held and is held across back end calls. The drain worker
// already holds the drain lock when it reaches a node, so it only ever
// TryLocks interlocks.
//
// Basic usage
//
//	c := vcache.New(vcache.Options{DesiredNodes: 10_000})
//	defer c.Close()
//	m := c.NewMount("data", backend)
//	n, err := c.Get(ctx, m, []byte("inode:42"))
//	if err != nil {
//	    return err
//	}
//	defer n.Release()
package vcache
