package vcache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// A lookup of the new key during a rekey waits and then finds the renamed
// node without loading.
func TestRekey_LookupWaitsForExit(t *testing.T) {
	t.Parallel()
	c, m, f := newTestCache(t, Options{})

	n := mustGet(t, c, m, "A")
	n.Lock()
	require.NoError(t, c.RekeyEnter(n, []byte("A"), []byte("B")))

	// The old key still resolves while the rekey is in flight.
	old := mustGet(t, c, m, "A")
	require.Same(t, n, old)
	old.Release()

	got := make(chan *Node, 1)
	go func() { got <- mustGet(t, c, m, "B") }()
	select {
	case <-got:
		t.Fatal("lookup of the new key returned before RekeyExit")
	case <-time.After(30 * time.Millisecond):
	}

	c.RekeyExit(n, []byte("A"), []byte("B"))
	n.Unlock()

	b := <-got
	require.Same(t, n, b)
	assert.Equal(t, []byte("B"), n.Key())
	assert.Equal(t, 0, f.count(f.loads, "B"))
	assert.Equal(t, []string{"A->B"}, f.rekeyed)
	assert.Equal(t, 1, c.Len())
	b.Release()

	// The placeholder was freed; only n is live.
	assert.Equal(t, 1, c.Stats().Live)
	n.Release()
}

// Claiming a key that is already hashed fails and leaves both nodes alone.
func TestRekey_Exists(t *testing.T) {
	t.Parallel()
	c, m, _ := newTestCache(t, Options{})

	a := mustGet(t, c, m, "A")
	b := mustGet(t, c, m, "B")
	a.Lock()
	err := c.RekeyEnter(a, []byte("A"), []byte("B"))
	a.Unlock()
	require.ErrorIs(t, err, ErrExists)
	assert.Equal(t, unix.EEXIST, Errno(err))

	assert.Equal(t, []byte("A"), a.Key())
	assert.Equal(t, 2, c.Len())
	assert.Equal(t, 2, c.Stats().Live)
	a.Release()
	b.Release()
}

// RekeyAbort releases the claim so the new key can be loaded normally.
func TestRekey_Abort(t *testing.T) {
	t.Parallel()
	c, m, f := newTestCache(t, Options{})

	n := mustGet(t, c, m, "A")
	n.Lock()
	require.NoError(t, c.RekeyEnter(n, []byte("A"), []byte("C")))
	c.RekeyAbort(n, []byte("A"), []byte("C"))
	n.Unlock()

	assert.Equal(t, []byte("A"), n.Key())
	assert.Equal(t, []string{"A->C"}, f.cancelled)
	assert.Empty(t, f.rekeyed)

	other, err := c.Get(context.Background(), m, []byte("C"))
	require.NoError(t, err)
	require.NotSame(t, n, other)
	assert.Equal(t, 1, f.count(f.loads, "C"))
	other.Release()
	n.Release()
}

func TestRekey_InvalidKey(t *testing.T) {
	t.Parallel()
	c, m, _ := newTestCache(t, Options{})

	n := mustGet(t, c, m, "A")
	require.ErrorIs(t, c.RekeyEnter(n, []byte("A"), nil), ErrInvalidKey)
	n.Release()
}
