//go:build go1.18

package vcache

import (
	"context"
	"strconv"
	"testing"
)

// Fuzz reference operations in arbitrary order. Each byte picks an operation
// and a key; afterwards every reference is dropped and the mount must unmount
// cleanly with nothing left live.
func FuzzNode_RefOps(f *testing.F) {
	f.Add([]byte{0, 1})
	f.Add([]byte{0, 0, 2, 1, 1, 3})
	f.Add([]byte{0, 6, 4, 0, 5, 12, 13, 7})
	f.Add([]byte{0, 2, 5, 3, 0, 4, 0, 6})

	f.Fuzz(func(t *testing.T, ops []byte) {
		if len(ops) > 256 {
			ops = ops[:256]
		}
		c, m, fb := newTestCache(t, Options{DesiredNodes: 4})
		fb.set(func(f *fakeBackend) { f.recycle["k3"] = true })

		var refs, holds []*Node
		pop := func(s *[]*Node) *Node {
			n := (*s)[len(*s)-1]
			*s = (*s)[:len(*s)-1]
			return n
		}
		for _, b := range ops {
			key := "k" + strconv.Itoa(int(b/7)%4)
			switch b % 7 {
			case 0:
				n, err := c.Get(context.Background(), m, []byte(key))
				if err != nil {
					t.Fatalf("Get(%s): %v", key, err)
				}
				refs = append(refs, n)
			case 1:
				if len(refs) > 0 {
					pop(&refs).Release()
				}
			case 2:
				if len(refs) > 0 {
					n := refs[len(refs)-1]
					n.Hold()
					holds = append(holds, n)
				}
			case 3:
				if len(holds) > 0 {
					pop(&holds).ReleaseHold()
				}
			case 4:
				if len(refs) > 0 {
					pop(&refs).ReleaseAsync()
				}
			case 5:
				if len(refs) > 0 {
					pop(&refs).Gone()
				}
			case 6:
				// Only the sole holder may recycle.
				if len(refs) == 0 {
					break
				}
				if n := refs[len(refs)-1]; n.UseCount() == 1 && n.Recycle() {
					refs = refs[:len(refs)-1]
				}
			}
			for _, n := range refs {
				if n.UseCount() < 1 {
					t.Fatalf("referenced node %q has use count %d", n.Key(), n.UseCount())
				}
				if st := n.State(); st != StateLoaded && st != StateReclaimed {
					t.Fatalf("referenced node %q in state %s", n.Key(), st)
				}
			}
		}

		for len(refs) > 0 {
			pop(&refs).Release()
		}
		for len(holds) > 0 {
			pop(&holds).ReleaseHold()
		}
		if err := c.Unmount(context.Background(), m, false); err != nil {
			t.Fatalf("Unmount: %v", err)
		}
		if st := c.Stats(); st.Live != 0 || st.Pending != 0 {
			t.Fatalf("after unmount: live=%d pending=%d", st.Live, st.Pending)
		}
	})
}
