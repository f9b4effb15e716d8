package vcache

import (
	"context"
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// Recoverable errors. They are returned to the immediate caller, which is
// expected to retry or surface them further up.
var (
	// ErrNotFound: the key is absent from the back end, the node was already
	// reclaimed, or the mount is being unmounted.
	ErrNotFound = errors.New("vcache: not found")
	// ErrBusy: nodes are still in use, or a drain did not reach its target.
	ErrBusy = errors.New("vcache: busy")
	// ErrExists: a rekey target key is already claimed.
	ErrExists = errors.New("vcache: key exists")
	// ErrBackend marks errors propagated from a back end's Load or Create.
	ErrBackend = errors.New("vcache: back end failure")
	// ErrDead is returned by operations on a reclaimed handle.
	ErrDead = errors.New("vcache: node is dead")
	// ErrInvalidKey is returned for an empty lookup or rekey key.
	ErrInvalidKey = errors.New("vcache: invalid key")
	// ErrClosed is returned after Cache.Close.
	ErrClosed = errors.New("vcache: cache closed")
)

// ErrInvariant is the cause of every InvariantError. It is never returned.
var ErrInvariant = errors.New("vcache: invariant violated")

// InvariantError describes a state/count combination the node lifecycle
// forbids. It is raised with panic after being logged; an unrecovered panic
// aborts the process.
type InvariantError struct {
	Mount string
	Key   string
	State State
	Use   int32
	Hold  int32
	Err   error
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("%v (mount=%s key=%q state=%s use=%d hold=%d)",
		e.Err, e.Mount, e.Key, e.State, e.Use, e.Hold)
}

func (e *InvariantError) Unwrap() error { return e.Err }

// fatal logs and panics with an InvariantError built from n's current
// diagnostics. It reads only atomics, so the caller may or may not hold the
// interlock.
func (n *Node) fatal(format string, args ...any) {
	err := &InvariantError{
		Key:   n.keyString(),
		State: n.State(),
		Use:   n.use.Load(),
		Hold:  n.hold.Load(),
		Err:   errors.Wrapf(ErrInvariant, format, args...),
	}
	if m := n.mount.Load(); m != nil {
		err.Mount = m.name
	}
	n.c.log.WithFields(logrus.Fields{
		"mount": err.Mount,
		"key":   err.Key,
		"state": err.State.String(),
		"use":   err.Use,
		"hold":  err.Hold,
	}).Error(err.Err)
	panic(err)
}

// Errno maps err onto the errno an NFS or FUSE front end would report.
func Errno(err error) unix.Errno {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrNotFound):
		return unix.ENOENT
	case errors.Is(err, ErrBusy):
		return unix.EBUSY
	case errors.Is(err, ErrExists):
		return unix.EEXIST
	case errors.Is(err, ErrDead), errors.Is(err, ErrClosed):
		return unix.EBADF
	case errors.Is(err, ErrInvalidKey):
		return unix.EINVAL
	case errors.Is(err, context.Canceled):
		return unix.EINTR
	case errors.Is(err, context.DeadlineExceeded):
		return unix.ETIMEDOUT
	}
	var errno unix.Errno
	if errors.As(err, &errno) {
		return errno
	}
	return unix.EIO
}
