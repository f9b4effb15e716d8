// Package singleflight coalesces concurrent calls that target the same key.
// The node cache uses it so that concurrent unmounts of one mount run a
// single flush and all callers observe its result.
package singleflight

import (
	"context"
	"sync"
)

// Group runs fn at most once per key among overlapping callers.
//
//   - The first caller for a key is the leader and runs fn.
//   - Followers wait on c.done. (val, err) are published before close(done).
//   - A follower whose ctx is cancelled stops waiting; the leader keeps going.
type Group[K comparable, V any] struct {
	mu sync.Mutex
	m  map[K]*call[V]
}

type call[V any] struct {
	done    chan struct{}
	val     V
	err     error
	waiters int
}

// Do runs fn once for key. shared reports whether the result was handed to
// more than one caller.
func (g *Group[K, V]) Do(ctx context.Context, key K, fn func() (V, error)) (v V, err error, shared bool) {
	g.mu.Lock()
	if g.m == nil {
		g.m = make(map[K]*call[V])
	}
	if c, ok := g.m[key]; ok {
		c.waiters++
		g.mu.Unlock()

		select {
		case <-c.done:
			return c.val, c.err, true
		case <-ctx.Done():
			var zero V
			return zero, ctx.Err(), true
		}
	}

	c := &call[V]{done: make(chan struct{})}
	g.m[key] = c
	g.mu.Unlock()

	c.val, c.err = fn()

	g.mu.Lock()
	delete(g.m, key)
	shared = c.waiters > 0
	g.mu.Unlock()
	close(c.done)

	return c.val, c.err, shared
}

// InFlight reports whether a call for key is currently running.
func (g *Group[K, V]) InFlight(key K) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.m[key]
	return ok
}
