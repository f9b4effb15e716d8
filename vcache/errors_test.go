package vcache

import (
	"context"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"golang.org/x/sys/unix"
)

func TestErrno(t *testing.T) {
	t.Parallel()
	cases := []struct {
		err  error
		want unix.Errno
	}{
		{nil, 0},
		{errors.Wrap(ErrNotFound, "lookup"), unix.ENOENT},
		{ErrBusy, unix.EBUSY},
		{ErrExists, unix.EEXIST},
		{ErrDead, unix.EBADF},
		{ErrClosed, unix.EBADF},
		{ErrInvalidKey, unix.EINVAL},
		{errors.Mark(errors.Wrap(unix.ENOSPC, "write"), ErrBackend), unix.ENOSPC},
		{errors.Wrap(context.Canceled, "load"), unix.EINTR},
		{context.DeadlineExceeded, unix.ETIMEDOUT},
		{errors.New("mystery"), unix.EIO},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Errno(tc.err), "%v", tc.err)
	}
}

func TestInvariantError(t *testing.T) {
	t.Parallel()
	e := &InvariantError{
		Mount: "data",
		Key:   "k",
		State: StateBlocked,
		Use:   2,
		Err:   errors.Wrap(ErrInvariant, "boom"),
	}
	assert.ErrorIs(t, e, ErrInvariant)
	assert.Contains(t, e.Error(), "state=BLOCKED use=2")
	assert.Contains(t, e.Error(), `key="k"`)
}
