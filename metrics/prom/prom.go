package prom

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/IvanBrykalov/vnodecache/vcache"
)

// Adapter implements vcache.Metrics and exports Prometheus counters/gauges.
// Safe for concurrent use; all Prometheus metric types are goroutine-safe.
type Adapter struct {
	hits       prometheus.Counter
	misses     prometheus.Counter
	loads      *prometheus.CounterVec
	reclaims   *prometheus.CounterVec
	deferred   prometheus.Counter
	passes     prometheus.Counter
	live       prometheus.Gauge
	generation prometheus.Gauge
}

// New constructs a Prometheus metrics adapter.
//   - reg:          registry to register metrics with (nil => prometheus.DefaultRegisterer)
//   - ns, sub:      Prometheus namespace and subsystem
//   - constLabels:  static labels applied to all metrics (may be nil)
func New(reg prometheus.Registerer, ns, sub string, constLabels prometheus.Labels) *Adapter {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub, Name: name, Help: help, ConstLabels: constLabels,
		})
	}
	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: sub, Name: name, Help: help, ConstLabels: constLabels,
		})
	}
	a := &Adapter{
		hits:   counter("hits_total", "Node lookups answered from the cache"),
		misses: counter("misses_total", "Node lookups that had to load"),
		loads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   ns,
				Subsystem:   sub,
				Name:        "loads_total",
				Help:        "Back end loads and creates by result",
				ConstLabels: constLabels,
			},
			[]string{"result"},
		),
		reclaims: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   ns,
				Subsystem:   sub,
				Name:        "reclaims_total",
				Help:        "Nodes disassociated from their back end by reason",
				ConstLabels: constLabels,
			},
			[]string{"reason"},
		),
		deferred:   counter("deferred_releases_total", "Last releases handed to the drain worker"),
		passes:     counter("drain_passes_total", "Completed drain worker passes"),
		live:       gauge("live_nodes", "Live nodes after the last drain pass"),
		generation: gauge("drain_generation", "Drain worker generation"),
	}
	reg.MustRegister(a.hits, a.misses, a.loads, a.reclaims, a.deferred, a.passes, a.live, a.generation)
	return a
}

// Hit increments the hit counter.
func (a *Adapter) Hit() { a.hits.Inc() }

// Miss increments the miss counter.
func (a *Adapter) Miss() { a.misses.Inc() }

// Load counts a back end load or create, labelled ok or error.
func (a *Adapter) Load(err error) {
	if err != nil {
		a.loads.WithLabelValues("error").Inc()
		return
	}
	a.loads.WithLabelValues("ok").Inc()
}

// Reclaim increments the reclaim counter with a reason label.
func (a *Adapter) Reclaim(r vcache.ReclaimReason) {
	a.reclaims.WithLabelValues(r.String()).Inc()
}

// Defer counts a last release handed to the drain worker.
func (a *Adapter) Defer() { a.deferred.Inc() }

// DrainPass records a finished drain pass and the live count it left.
func (a *Adapter) DrainPass(gen uint64, live int) {
	a.passes.Inc()
	a.generation.Set(float64(gen))
	a.live.Set(float64(live))
}

// Compile-time check: ensure Adapter implements vcache.Metrics.
var _ vcache.Metrics = (*Adapter)(nil)
