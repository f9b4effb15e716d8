package vcache

import "github.com/IvanBrykalov/vnodecache/internal/util"

// ReclaimReason explains why a node was disassociated from its back end.
type ReclaimReason int

const (
	// ReclaimInactive: the back end asked for recycling at last release.
	ReclaimInactive ReclaimReason = iota
	// ReclaimRecycle: an explicit Recycle call.
	ReclaimRecycle
	// ReclaimDrain: the drain worker reclaimed an idle node.
	ReclaimDrain
	// ReclaimGone: forced teardown (Gone, forced Unmount).
	ReclaimGone
	// ReclaimRevoke: reclaimed by Revoke.
	ReclaimRevoke
)

func (r ReclaimReason) String() string {
	switch r {
	case ReclaimInactive:
		return "inactive"
	case ReclaimRecycle:
		return "recycle"
	case ReclaimDrain:
		return "drain"
	case ReclaimGone:
		return "gone"
	case ReclaimRevoke:
		return "revoke"
	}
	return "unknown"
}

// Metrics exposes cache-level observability hooks.
// A NoopMetrics implementation is provided and used by default.
type Metrics interface {
	Hit()
	Miss()
	// Load is called after every back end Load or Create.
	Load(err error)
	Reclaim(reason ReclaimReason)
	// Defer is called when a last release is handed to the drain worker.
	Defer()
	// DrainPass is called after every drain pass with the live node count.
	DrainPass(generation uint64, live int)
}

// NoopMetrics is a drop-in Metrics implementation that does nothing.
type NoopMetrics struct{}

func (NoopMetrics) Hit()                  {}
func (NoopMetrics) Miss()                 {}
func (NoopMetrics) Load(error)            {}
func (NoopMetrics) Reclaim(ReclaimReason) {}
func (NoopMetrics) Defer()                {}
func (NoopMetrics) DrainPass(uint64, int) {}

// Ensure NoopMetrics implements the Metrics interface at compile time.
var _ Metrics = NoopMetrics{}

// counters are the cache's own tallies behind Stats.
type counters struct {
	hits       util.PaddedAtomicUint64
	misses     util.PaddedAtomicUint64
	loads      util.PaddedAtomicUint64
	loadErrors util.PaddedAtomicUint64
	reclaims   util.PaddedAtomicUint64
	deferred   util.PaddedAtomicUint64
	freed      util.PaddedAtomicUint64
}

// Stats is a point-in-time snapshot of the cache.
type Stats struct {
	Live       int
	Desired    int
	Free       int
	Held       int
	Pending    int
	Generation uint64
	Mounts     int

	Hits       uint64
	Misses     uint64
	Loads      uint64
	LoadErrors uint64
	Reclaims   uint64
	Deferred   uint64
	Freed      uint64
}
