package vcache

import (
	"sync"

	"github.com/google/uuid"

	"github.com/IvanBrykalov/vnodecache/internal/util"
)

// tableKey identifies a back end object within one mount.
type tableKey struct {
	mount uuid.UUID
	key   string
}

// shard is one partition of the node table. cv is broadcast whenever a
// hashed node leaves LOADING; lookups that find a LOADING node wait on it.
type shard struct {
	mu sync.Mutex
	cv *sync.Cond
	m  map[tableKey]*Node

	_ util.CacheLinePad
}

type table struct {
	shards []*shard
}

func newTable(shards int) *table {
	t := &table{shards: make([]*shard, shards)}
	for i := range t.shards {
		s := &shard{m: make(map[tableKey]*Node)}
		s.cv = sync.NewCond(&s.mu)
		t.shards[i] = s
	}
	return t
}

func (t *table) index(k tableKey) int {
	return util.ShardIndex(util.KeyHash(k.mount, k.key), len(t.shards))
}

func (t *table) shardFor(k tableKey) *shard { return t.shards[t.index(k)] }

// lockPair locks the shards of a and b in index order.
func (t *table) lockPair(a, b tableKey) (sa, sb *shard) {
	ia, ib := t.index(a), t.index(b)
	sa, sb = t.shards[ia], t.shards[ib]
	switch {
	case ia == ib:
		sa.mu.Lock()
	case ia < ib:
		sa.mu.Lock()
		sb.mu.Lock()
	default:
		sb.mu.Lock()
		sa.mu.Lock()
	}
	return sa, sb
}

// unlockShards unlocks each distinct shard once, broadcasting its cv first.
func unlockShards(ss ...*shard) {
	for i, s := range ss {
		if s == nil || seenBefore(ss[:i], s) {
			continue
		}
		s.cv.Broadcast()
		s.mu.Unlock()
	}
}

func seenBefore(ss []*shard, s *shard) bool {
	for _, o := range ss {
		if o == s {
			return true
		}
	}
	return false
}

// lookup returns a referenced node for k, or nil when k is absent. A LOADING
// entry is waited out; an entry that turns out reclaimed is looked up again.
func (c *Cache) lookup(s *shard, k tableKey) *Node {
	s.mu.Lock()
	for {
		n, ok := s.m[k]
		if !ok {
			s.mu.Unlock()
			return nil
		}
		if n.State() == StateLoading {
			s.cv.Wait()
			continue
		}
		n.mu.Lock()
		s.mu.Unlock()
		if c.vget(n) == nil {
			return n
		}
		s.mu.Lock()
	}
}

// unhash removes k, which must map to n. s.mu must be held.
func unhash(s *shard, k tableKey, n *Node) {
	if got := s.m[k]; got != n {
		n.fatal("table entry for %q does not match node", k.key)
	}
	delete(s.m, k)
}

func (t *table) len() int {
	total := 0
	for _, s := range t.shards {
		s.mu.Lock()
		total += len(s.m)
		s.mu.Unlock()
	}
	return total
}
