package vcache

import (
	"context"

	"github.com/cockroachdb/errors"
)

// deadBackend is the back end of the cache's dead mount. Reclaimed nodes
// move there so that late operations on a stale handle fail predictably.
type deadBackend struct{}

func (deadBackend) Load(context.Context, *Node, []byte) (Loaded, error) {
	return Loaded{}, errors.WithStack(ErrDead)
}

func (deadBackend) Create(context.Context, *Node, *Node, Attrs) (Loaded, error) {
	return Loaded{}, errors.WithStack(ErrDead)
}

func (deadBackend) Deactivate(*Node) bool { return false }

func (deadBackend) Disassociate(*Node) error { return nil }

var _ Backend = deadBackend{}

// Dead reports whether n has been reclaimed.
func (n *Node) Dead() bool { return n.State() == StateReclaimed }
