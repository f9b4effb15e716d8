package vcache

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/IvanBrykalov/vnodecache/internal/util"
)

// Options configures a Cache. Zero values are safe; defaults are applied in
// New():
//   - DesiredNodes <= 0    => 65536
//   - Shards <= 0          => auto (≈ 2*GOMAXPROCS, power of two)
//   - nil Metrics          => NoopMetrics
//   - nil Logger           => logrus.StandardLogger()
//   - UnmountAttempts <= 0 => 5
//   - UnmountDelay <= 0    => 10ms
type Options struct {
	// DesiredNodes is the live-node count the drain worker keeps the cache
	// under. The drain target is DesiredNodes minus 10%.
	DesiredNodes int

	// Shards is the number of table shards, rounded up to a power of two.
	Shards int

	Metrics Metrics
	Logger  logrus.FieldLogger

	// UnmountAttempts and UnmountDelay control how long Unmount keeps
	// retrying a flush that found active nodes.
	UnmountAttempts int
	UnmountDelay    time.Duration

	// Diagnostics enables extra count checks at state changes and releases.
	Diagnostics bool
}

const (
	defaultDesiredNodes    = 65536
	defaultUnmountAttempts = 5
	defaultUnmountDelay    = 10 * time.Millisecond
)

func (o Options) withDefaults() Options {
	if o.DesiredNodes <= 0 {
		o.DesiredNodes = defaultDesiredNodes
	}
	o.Shards = util.ShardCount(o.Shards)
	if o.Metrics == nil {
		o.Metrics = NoopMetrics{}
	}
	if o.Logger == nil {
		o.Logger = logrus.StandardLogger()
	}
	if o.UnmountAttempts <= 0 {
		o.UnmountAttempts = defaultUnmountAttempts
	}
	if o.UnmountDelay <= 0 {
		o.UnmountDelay = defaultUnmountDelay
	}
	return o
}
