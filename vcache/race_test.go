package vcache

import (
	"context"
	"math/rand"
	"runtime"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// A mixed workload of lookups, releases, holds and reclaims on a small key
// space with a tight desired count, so the drain worker runs all the time.
// Should pass under `-race` without detector reports.
func TestRace_MixedWorkload(t *testing.T) {
	c, m, f := newTestCache(t, Options{DesiredNodes: 64, Shards: 8, Diagnostics: true})
	f.set(func(f *fakeBackend) {
		for i := 0; i < 256; i += 17 {
			f.recycle["k:"+strconv.Itoa(i)] = true
		}
	})

	workers := 4 * runtime.GOMAXPROCS(0)
	const keyspace = 256
	deadline := time.Now().Add(300 * time.Millisecond)

	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func(id int) {
			defer wg.Done()
			r := rand.New(rand.NewSource(time.Now().UnixNano() + int64(id)*9973))
			for time.Now().Before(deadline) {
				k := "k:" + strconv.Itoa(r.Intn(keyspace))
				n, err := c.Get(context.Background(), m, []byte(k))
				if err != nil {
					t.Errorf("Get(%s): %v", k, err)
					return
				}
				if string(n.Key()) != k {
					t.Errorf("Get(%s) returned node for %q", k, n.Key())
				}
				switch r.Intn(100) {
				case 0, 1: // ~2%: reclaim outright
					n.Gone()
				case 2, 3, 4, 5, 6: // ~5%: recycle a key no other worker uses
					n.Release()
					own, err := c.Get(context.Background(), m, []byte("w"+strconv.Itoa(id)))
					if err != nil {
						t.Errorf("Get(w%d): %v", id, err)
						return
					}
					if own.UseCount() != 1 || !own.Recycle() {
						own.Release()
					}
				case 7, 8, 9, 10, 11: // ~5%: hold across the release
					n.Hold()
					n.Release()
					n.ReleaseHold()
				case 12, 13, 14, 15, 16, 17, 18, 19, 20, 21: // ~10%: deferred
					n.ReleaseAsync()
				default: // ~78%: plain release, sometimes under the content lock
					if r.Intn(4) == 0 {
						n.Lock()
						n.Put()
					} else {
						n.Release()
					}
				}
			}
		}(w)
	}
	wg.Wait()

	require.NoError(t, c.Unmount(context.Background(), m, false))
	st := c.Stats()
	require.Equal(t, 0, st.Live)
	require.Equal(t, 0, st.Pending)
	require.Equal(t, 0, c.Len())
}

// Lookups racing with rekeys always come back with a referenced node.
func TestRace_RekeyAndLookup(t *testing.T) {
	c, m, _ := newTestCache(t, Options{})

	n := mustGet(t, c, m, "even")
	stop := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				for _, k := range []string{"even", "odd"} {
					got, err := c.Get(context.Background(), m, []byte(k))
					if err != nil {
						t.Errorf("Get(%s): %v", k, err)
						return
					}
					if got.UseCount() < 1 {
						t.Errorf("Get(%s) returned an unreferenced node", k)
					}
					got.Release()
				}
			}
		}()
	}

	from, to := []byte("even"), []byte("odd")
	for i := 0; i < 200; i++ {
		n.Lock()
		if err := c.RekeyEnter(n, from, to); err != nil {
			// A lookup loaded the target key; drop that node and retry.
			n.Unlock()
			if other, gerr := c.Get(context.Background(), m, to); gerr == nil {
				other.Gone()
			}
			continue
		}
		c.RekeyExit(n, from, to)
		n.Unlock()
		from, to = to, from
	}
	close(stop)
	wg.Wait()
	n.Release()
}
