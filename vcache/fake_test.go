package vcache

import (
	"context"
	"io"
	"sync"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

// fakeData is the back end data of fakeBackend nodes.
type fakeData struct {
	key          string
	disassociate int
}

// fakeBackend records every call and can be scripted per key.
type fakeBackend struct {
	mu sync.Mutex

	loads           map[string]int
	creates         int
	deactivations   map[string]int
	disassociations map[string]int
	flushes         map[string]int
	revoked         []string
	rekeyed         []string
	cancelled       []string

	recycle  map[string]bool
	loadErr  map[string]error
	loaded   map[string]Loaded
	flushErr error

	// When block is non-nil, Load sends the key on started (if set) and
	// waits for block to be closed.
	block   chan struct{}
	started chan string
}

func newFake() *fakeBackend {
	return &fakeBackend{
		loads:           make(map[string]int),
		deactivations:   make(map[string]int),
		disassociations: make(map[string]int),
		flushes:         make(map[string]int),
		recycle:         make(map[string]bool),
		loadErr:         make(map[string]error),
		loaded:          make(map[string]Loaded),
	}
}

func (f *fakeBackend) Load(ctx context.Context, n *Node, key []byte) (Loaded, error) {
	k := string(key)
	f.mu.Lock()
	f.loads[k]++
	err := f.loadErr[k]
	ld := f.loaded[k]
	block, started := f.block, f.started
	f.mu.Unlock()

	if block != nil {
		if started != nil {
			started <- k
		}
		select {
		case <-block:
		case <-ctx.Done():
			return Loaded{}, ctx.Err()
		}
	}
	if err != nil {
		return Loaded{}, err
	}
	ld.Key = key
	if ld.Type == TypeNone {
		ld.Type = TypeRegular
	}
	ld.Data = &fakeData{key: k}
	return ld, nil
}

func (f *fakeBackend) Create(_ context.Context, _ *Node, _ *Node, attrs Attrs) (Loaded, error) {
	f.mu.Lock()
	f.creates++
	err := f.loadErr[attrs.Name]
	f.mu.Unlock()
	if err != nil {
		return Loaded{}, err
	}
	var key []byte
	if attrs.Name != "" {
		key = []byte(attrs.Name)
	}
	return Loaded{Key: key, Data: &fakeData{key: attrs.Name}, Type: attrs.Type, Rdev: attrs.Rdev}, nil
}

func (f *fakeBackend) Deactivate(n *Node) bool {
	k := n.keyString()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deactivations[k]++
	return f.recycle[k]
}

func (f *fakeBackend) Disassociate(n *Node) error {
	d, _ := n.Data().(*fakeData)
	if d == nil {
		return errors.New("fake: no data")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	d.disassociate++
	f.disassociations[d.key]++
	if d.disassociate > 1 {
		return errors.New("fake: disassociated twice")
	}
	return nil
}

func (f *fakeBackend) Flush(n *Node, save bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flushes[n.keyString()]++
	if save {
		return f.flushErr
	}
	return nil
}

func (f *fakeBackend) RevokeDevice(n *Node) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revoked = append(f.revoked, n.keyString())
}

func (f *fakeBackend) RekeyApply(_ *Node, oldKey, newKey []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rekeyed = append(f.rekeyed, string(oldKey)+"->"+string(newKey))
}

func (f *fakeBackend) RekeyCancel(_ *Node, oldKey, newKey []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, string(oldKey)+"->"+string(newKey))
}

var (
	_ Backend       = (*fakeBackend)(nil)
	_ Flusher       = (*fakeBackend)(nil)
	_ DeviceRevoker = (*fakeBackend)(nil)
	_ Rekeyer       = (*fakeBackend)(nil)
)

// count reads one of the call maps under the lock.
func (f *fakeBackend) count(m map[string]int, key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return m[key]
}

func (f *fakeBackend) set(fn func(f *fakeBackend)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// newTestCache builds a cache with one fake-backed mount.
func newTestCache(t *testing.T, opt Options) (*Cache, *Mount, *fakeBackend) {
	t.Helper()
	if opt.Logger == nil {
		opt.Logger = quietLogger()
	}
	if opt.DesiredNodes == 0 {
		opt.DesiredNodes = 1 << 16
	}
	c := New(opt)
	t.Cleanup(func() { _ = c.Close() })
	f := newFake()
	return c, c.NewMount("test", f), f
}

func mustGet(t *testing.T, c *Cache, m *Mount, key string) *Node {
	t.Helper()
	n, err := c.Get(context.Background(), m, []byte(key))
	require.NoError(t, err)
	return n
}

// expectInvariant runs fn and returns the InvariantError it panics with.
func expectInvariant(t *testing.T, fn func()) (got *InvariantError) {
	t.Helper()
	defer func() {
		r := recover()
		e, ok := r.(*InvariantError)
		require.Truef(t, ok, "want *InvariantError panic, got %v", r)
		got = e
	}()
	fn()
	return nil
}
