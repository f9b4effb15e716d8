package vcache

import (
	"context"
	"fmt"
	"testing"
	"time"

	. "github.com/onsi/gomega"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func getN(t *testing.T, c *Cache, m *Mount, from, to int) []*Node {
	t.Helper()
	out := make([]*Node, 0, to-from)
	for i := from; i < to; i++ {
		out = append(out, mustGet(t, c, m, fmt.Sprintf("k%04d", i)))
	}
	return out
}

// Referenced nodes are never reclaimed; idle ones go until the live count
// reaches desired minus 10%.
func TestDrain_ReachesTarget(t *testing.T) {
	t.Parallel()
	c, m, f := newTestCache(t, Options{DesiredNodes: 100})

	busy := getN(t, c, m, 0, 90)
	for _, n := range getN(t, c, m, 90, 140) {
		n.Release()
	}
	require.NoError(t, c.DrainUntilBelowTarget(context.Background()))

	st := c.Stats()
	assert.Equal(t, 90, st.Live)
	for _, n := range busy {
		assert.Equal(t, StateLoaded, n.State())
		assert.Equal(t, 1, n.UseCount())
	}
	assert.Equal(t, 0, f.count(f.disassociations, "k0000"))
	assert.Equal(t, 1, f.count(f.disassociations, "k0139"))

	for _, n := range busy {
		n.Release()
	}
}

// Under a steady stream of misses the drain keeps the cache near target.
func TestDrain_Converges(t *testing.T) {
	t.Parallel()
	g := NewWithT(t)
	c, m, _ := newTestCache(t, Options{DesiredNodes: 32})

	for i := 0; i < 500; i++ {
		mustGet(t, c, m, fmt.Sprintf("k%d", i)).Release()
	}
	g.Eventually(func() int {
		c.RequestDrain()
		return c.Stats().Live
	}, 2*time.Second, time.Millisecond).Should(BeNumerically("<=", 32-32/10))
	g.Expect(c.Stats().Generation).To(BeNumerically(">", 0))
}

// Deferred releases are completed by a drain pass.
func TestDrain_CompletesPending(t *testing.T) {
	t.Parallel()
	c, m, f := newTestCache(t, Options{})

	for _, n := range getN(t, c, m, 0, 10) {
		n.ReleaseAsync()
	}
	require.NoError(t, c.DrainUntilBelowTarget(context.Background()))

	st := c.Stats()
	assert.Equal(t, 0, st.Pending)
	assert.Equal(t, 10, st.Free)
	assert.Equal(t, uint64(10), st.Deferred)
	assert.Equal(t, 1, f.count(f.deactivations, "k0003"))
}

func TestDrain_Busy(t *testing.T) {
	t.Parallel()
	c, m, _ := newTestCache(t, Options{DesiredNodes: 10})

	nodes := getN(t, c, m, 0, 20)
	err := c.DrainUntilBelowTarget(context.Background())
	require.ErrorIs(t, err, ErrBusy)
	assert.Equal(t, unix.EBUSY, Errno(err))
	assert.Equal(t, 20, c.Stats().Live)
	for _, n := range nodes {
		n.Release()
	}
	require.NoError(t, c.DrainUntilBelowTarget(context.Background()))
	assert.Equal(t, 9, c.Stats().Live)
}

// Nodes of a suspended mount are left alone until it resumes.
func TestDrain_SkipsSuspendedMount(t *testing.T) {
	t.Parallel()
	c, m, _ := newTestCache(t, Options{DesiredNodes: 10})

	nodes := getN(t, c, m, 0, 20)
	m.Suspend()
	for _, n := range nodes {
		n.Release()
	}
	require.ErrorIs(t, c.DrainUntilBelowTarget(context.Background()), ErrBusy)
	assert.Equal(t, 20, c.Stats().Live)

	m.Resume()
	require.NoError(t, c.DrainUntilBelowTarget(context.Background()))
	assert.Equal(t, 9, c.Stats().Live)
}

func TestSetDesired(t *testing.T) {
	t.Parallel()
	c, m, _ := newTestCache(t, Options{})

	for _, n := range getN(t, c, m, 0, 50) {
		n.Release()
	}
	require.NoError(t, c.SetDesired(context.Background(), 20))
	st := c.Stats()
	assert.Equal(t, 20, st.Desired)
	assert.Equal(t, 18, st.Live)

	require.Error(t, c.SetDesired(context.Background(), 0))
}

func TestDrainUntilBelowTarget_ContextAndClose(t *testing.T) {
	t.Parallel()
	c, _, _ := newTestCache(t, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, c.DrainUntilBelowTarget(ctx), context.Canceled)

	require.NoError(t, c.Close())
	require.ErrorIs(t, c.DrainUntilBelowTarget(context.Background()), ErrClosed)
}

// A deferred release skipped while its mount was suspended completes once
// the mount resumes, with no further drain request.
func TestDrain_DeferredCompletesOnResume(t *testing.T) {
	t.Parallel()
	g := NewWithT(t)
	c, m, f := newTestCache(t, Options{})

	n := mustGet(t, c, m, "A")
	m.Suspend()
	n.ReleaseAsync()
	require.NoError(t, c.DrainUntilBelowTarget(context.Background()))
	require.Equal(t, 1, c.Stats().Pending)
	assert.Equal(t, 0, f.count(f.deactivations, "A"))

	m.Resume()
	g.Eventually(func() int { return c.Stats().Pending }, 2*time.Second, time.Millisecond).Should(BeZero())
	g.Expect(f.count(f.deactivations, "A")).To(Equal(1))
	g.Expect(n.UseCount()).To(BeZero())
}

// Close completes deferred releases the worker had to skip.
func TestClose_CompletesDeferredOfSuspendedMount(t *testing.T) {
	t.Parallel()
	c, m, f := newTestCache(t, Options{})

	n := mustGet(t, c, m, "A")
	m.Suspend()
	n.ReleaseAsync()
	require.NoError(t, c.Close())
	m.Resume()

	assert.Equal(t, 0, c.Stats().Pending)
	assert.Equal(t, 1, f.count(f.deactivations, "A"))
	assert.Equal(t, 0, n.UseCount())
}
