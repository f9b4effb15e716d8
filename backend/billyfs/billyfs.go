// Package billyfs is a vcache back end over a go-billy filesystem. Node keys
// are cleaned slash-separated paths; writes are buffered per node and written
// back when the node is reclaimed.
package billyfs

import (
	"context"
	"io"
	"os"
	"path"
	"sync"

	"github.com/cockroachdb/errors"
	billy "github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"
	"github.com/sirupsen/logrus"

	"github.com/IvanBrykalov/vnodecache/vcache"
)

// Inode is the per-node back end data.
type Inode struct {
	mu       sync.Mutex
	path     string
	info     os.FileInfo
	pending  []byte
	unlinked bool
	detached bool
}

// Path returns the inode's current path.
func (i *Inode) Path() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.path
}

// Info returns the attributes seen at load or create time.
func (i *Inode) Info() os.FileInfo {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.info
}

// FS serves one billy filesystem as one vcache mount.
type FS struct {
	c   *vcache.Cache
	m   *vcache.Mount
	fs  billy.Filesystem
	log logrus.FieldLogger
}

// New mounts bfs on c under name.
func New(c *vcache.Cache, name string, bfs billy.Filesystem, log logrus.FieldLogger) *FS {
	if log == nil {
		log = logrus.StandardLogger()
	}
	f := &FS{c: c, fs: bfs, log: log.WithField("mount", name)}
	f.m = c.NewMount(name, f)
	return f
}

// Mount returns the vcache mount backing f.
func (f *FS) Mount() *vcache.Mount { return f.m }

// Clean normalises p into a node key.
func Clean(p string) string { return path.Clean("/" + p) }

func nodeType(mode os.FileMode) vcache.NodeType {
	switch {
	case mode.IsDir():
		return vcache.TypeDirectory
	case mode&os.ModeSymlink != 0:
		return vcache.TypeSymlink
	case mode&os.ModeDevice != 0 && mode&os.ModeCharDevice != 0:
		return vcache.TypeChar
	case mode&os.ModeDevice != 0:
		return vcache.TypeBlock
	case mode&os.ModeNamedPipe != 0:
		return vcache.TypeFIFO
	case mode&os.ModeSocket != 0:
		return vcache.TypeSocket
	}
	return vcache.TypeRegular
}

func inode(n *vcache.Node) (*Inode, error) {
	ino, _ := n.Data().(*Inode)
	if ino == nil {
		return nil, errors.WithStack(vcache.ErrDead)
	}
	return ino, nil
}

// ---- vcache.Backend ----

func (f *FS) Load(_ context.Context, _ *vcache.Node, key []byte) (vcache.Loaded, error) {
	p := string(key)
	info, err := f.fs.Lstat(p)
	if err != nil {
		if os.IsNotExist(err) {
			return vcache.Loaded{}, errors.Mark(errors.Wrapf(err, "lstat %s", p), vcache.ErrNotFound)
		}
		return vcache.Loaded{}, errors.Wrapf(err, "lstat %s", p)
	}
	return vcache.Loaded{
		Key:  key,
		Data: &Inode{path: p, info: info},
		Type: nodeType(info.Mode()),
	}, nil
}

func (f *FS) Create(_ context.Context, _ *vcache.Node, parent *vcache.Node, attrs vcache.Attrs) (vcache.Loaded, error) {
	dir := "/"
	if parent != nil {
		pino, err := inode(parent)
		if err != nil {
			return vcache.Loaded{}, err
		}
		dir = pino.Path()
	}
	p := Clean(path.Join(dir, attrs.Name))
	mode := attrs.Mode.Perm()

	// Create only allocates new objects. MkdirAll succeeds on an existing
	// directory, so check first.
	if _, err := f.fs.Lstat(p); err == nil {
		return vcache.Loaded{}, errors.Mark(errors.Newf("create %s: file exists", p), vcache.ErrExists)
	}

	var err error
	switch attrs.Type {
	case vcache.TypeDirectory:
		if mode == 0 {
			mode = 0o755
		}
		err = f.fs.MkdirAll(p, mode)
	case vcache.TypeRegular, vcache.TypeNone:
		var fh billy.File
		fh, err = f.fs.OpenFile(p, os.O_CREATE|os.O_EXCL|os.O_WRONLY, mode|0o600)
		if err == nil {
			err = fh.Close()
		}
	case vcache.TypeSymlink:
		target, _ := attrs.Extra.(string)
		if target == "" {
			return vcache.Loaded{}, errors.Wrap(vcache.ErrInvalidKey, "symlink target")
		}
		err = f.fs.Symlink(target, p)
	default:
		return vcache.Loaded{}, errors.Newf("billyfs: cannot create %s nodes", attrs.Type)
	}
	if err != nil {
		if os.IsExist(err) {
			return vcache.Loaded{}, errors.Mark(errors.Wrapf(err, "create %s", p), vcache.ErrExists)
		}
		return vcache.Loaded{}, errors.Wrapf(err, "create %s", p)
	}
	info, err := f.fs.Lstat(p)
	if err != nil {
		return vcache.Loaded{}, errors.Wrapf(err, "lstat %s", p)
	}
	return vcache.Loaded{
		Key:  []byte(p),
		Data: &Inode{path: p, info: info},
		Type: nodeType(info.Mode()),
	}, nil
}

// Deactivate asks for recycling once the file has been removed, through
// Remove or behind the cache's back.
func (f *FS) Deactivate(n *vcache.Node) bool {
	ino, err := inode(n)
	if err != nil {
		return false
	}
	ino.mu.Lock()
	defer ino.mu.Unlock()
	if ino.unlinked {
		return true
	}
	if _, err := f.fs.Lstat(ino.path); os.IsNotExist(err) {
		ino.unlinked = true
	}
	return ino.unlinked
}

func (f *FS) Disassociate(n *vcache.Node) error {
	ino, err := inode(n)
	if err != nil {
		return err
	}
	ino.mu.Lock()
	defer ino.mu.Unlock()
	if ino.detached {
		return errors.Newf("billyfs: %s disassociated twice", ino.path)
	}
	ino.detached = true
	return nil
}

// Flush writes buffered data back to the file, or drops it.
func (f *FS) Flush(n *vcache.Node, save bool) error {
	ino, err := inode(n)
	if err != nil {
		return nil
	}
	ino.mu.Lock()
	defer ino.mu.Unlock()
	if len(ino.pending) == 0 {
		return nil
	}
	if !save || ino.unlinked {
		ino.pending = nil
		return nil
	}
	fh, err := f.fs.OpenFile(ino.path, os.O_WRONLY|os.O_APPEND, 0)
	if err != nil {
		return errors.Wrapf(err, "open %s", ino.path)
	}
	_, err = fh.Write(ino.pending)
	if cerr := fh.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return errors.Wrapf(err, "write back %s", ino.path)
	}
	f.log.WithFields(logrus.Fields{"path": ino.path, "bytes": len(ino.pending)}).Debug("billyfs: wrote back")
	ino.pending = nil
	return nil
}

// RevokeDevice is a no-op: billy has no device endpoints to close.
func (f *FS) RevokeDevice(n *vcache.Node) {
	f.log.WithField("key", string(n.Key())).Debug("billyfs: revoke device")
}

func (f *FS) RekeyApply(n *vcache.Node, _, newKey []byte) {
	if ino, err := inode(n); err == nil {
		ino.mu.Lock()
		ino.path = string(newKey)
		ino.mu.Unlock()
	}
}

func (f *FS) RekeyCancel(*vcache.Node, []byte, []byte) {}

var (
	_ vcache.Backend       = (*FS)(nil)
	_ vcache.Flusher       = (*FS)(nil)
	_ vcache.DeviceRevoker = (*FS)(nil)
	_ vcache.Rekeyer       = (*FS)(nil)
)

// ---- file operations ----

// Lookup returns a referenced node for p.
func (f *FS) Lookup(ctx context.Context, p string) (*vcache.Node, error) {
	f.m.Enter()
	defer f.m.Exit()
	return f.c.Get(ctx, f.m, []byte(Clean(p)))
}

// Make creates name under dir (nil for the root) and returns it referenced.
func (f *FS) Make(ctx context.Context, dir *vcache.Node, name string, typ vcache.NodeType) (*vcache.Node, error) {
	f.m.Enter()
	defer f.m.Exit()
	return f.c.New(ctx, f.m, dir, vcache.Attrs{Type: typ, Name: name})
}

// Write appends data to n's write-back buffer.
func (f *FS) Write(n *vcache.Node, data []byte) error {
	f.m.Enter()
	defer f.m.Exit()
	n.Lock()
	defer n.Unlock()
	ino, err := inode(n)
	if err != nil {
		return err
	}
	ino.mu.Lock()
	ino.pending = append(ino.pending, data...)
	ino.mu.Unlock()
	return nil
}

// ReadFile returns n's contents including data not yet written back.
func (f *FS) ReadFile(n *vcache.Node) ([]byte, error) {
	n.Lock()
	defer n.Unlock()
	ino, err := inode(n)
	if err != nil {
		return nil, err
	}
	ino.mu.Lock()
	p, pending := ino.path, append([]byte(nil), ino.pending...)
	ino.mu.Unlock()

	data, err := util.ReadFile(f.fs, p)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, errors.Wrapf(err, "read %s", p)
	}
	return append(data, pending...), nil
}

// Rename moves n to newPath, rekeying it in the cache.
func (f *FS) Rename(ctx context.Context, n *vcache.Node, newPath string) error {
	f.m.Enter()
	defer f.m.Exit()
	n.Lock()
	defer n.Unlock()
	if n.Dead() {
		return errors.WithStack(vcache.ErrDead)
	}
	oldKey, newKey := n.Key(), []byte(Clean(newPath))
	if err := f.c.RekeyEnter(n, oldKey, newKey); err != nil {
		return err
	}
	if err := f.fs.Rename(string(oldKey), string(newKey)); err != nil {
		f.c.RekeyAbort(n, oldKey, newKey)
		return errors.Wrapf(err, "rename %s", oldKey)
	}
	f.c.RekeyExit(n, oldKey, newKey)
	return nil
}

// Remove unlinks n's file. The node is recycled at its last release.
func (f *FS) Remove(n *vcache.Node) error {
	f.m.Enter()
	defer f.m.Exit()
	n.Lock()
	defer n.Unlock()
	ino, err := inode(n)
	if err != nil {
		return err
	}
	ino.mu.Lock()
	defer ino.mu.Unlock()
	if err := f.fs.Remove(ino.path); err != nil {
		if os.IsNotExist(err) {
			return errors.Mark(errors.Wrapf(err, "remove %s", ino.path), vcache.ErrNotFound)
		}
		return errors.Wrapf(err, "remove %s", ino.path)
	}
	ino.unlinked = true
	return nil
}

// Unmount detaches f from its cache.
func (f *FS) Unmount(ctx context.Context, force bool) error {
	return f.c.Unmount(ctx, f.m, force)
}
