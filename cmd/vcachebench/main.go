// Command vcachebench runs a synthetic file workload through the node cache
// over an in-memory filesystem and exposes optional pprof/Prometheus endpoints.
package main

import (
	"bytes"
	"context"
	"fmt"
	"math/rand"
	"net/http"
	_ "net/http/pprof" // registers /debug/pprof/* on DefaultServeMux
	"os"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/util"
	natomic "github.com/natefinch/atomic"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/IvanBrykalov/vnodecache/backend/billyfs"
	pmet "github.com/IvanBrykalov/vnodecache/metrics/prom"
	"github.com/IvanBrykalov/vnodecache/vcache"
)

type benchFlags struct {
	config   string
	desired  int
	shards   int
	workers  int
	duration time.Duration
	keys     int
	zipfS    float64
	zipfV    float64
	seed     int64
	asyncPct int
	holdPct  int
	writePct int
	httpAddr string
	report   string
	logLevel string
}

func (f *benchFlags) register(fs *pflag.FlagSet) {
	fs.StringVar(&f.config, "config", "", "cache config file (.yaml or .hujson)")
	fs.IntVar(&f.desired, "desired", 0, "desired live nodes (overrides config; 0 = config/default)")
	fs.IntVar(&f.shards, "shards", 0, "table shards (0 = auto)")
	fs.IntVar(&f.workers, "workers", 2*runtime.GOMAXPROCS(0), "worker goroutines")
	fs.DurationVar(&f.duration, "duration", 10*time.Second, "benchmark duration")
	fs.IntVar(&f.keys, "keys", 100_000, "number of files")
	fs.Float64Var(&f.zipfS, "zipf-s", 1.1, "Zipf s > 1 (skew)")
	fs.Float64Var(&f.zipfV, "zipf-v", 1.0, "Zipf v")
	fs.Int64Var(&f.seed, "seed", time.Now().UnixNano(), "random seed")
	fs.IntVar(&f.asyncPct, "async-pct", 10, "percentage of releases handed to the drain worker")
	fs.IntVar(&f.holdPct, "hold-pct", 5, "percentage of lookups that also take a hold")
	fs.IntVar(&f.writePct, "write-pct", 10, "percentage of lookups that write")
	fs.StringVar(&f.httpAddr, "http", "", "serve /metrics and pprof at addr (e.g. :8080); empty = disabled")
	fs.StringVar(&f.report, "report", "", "write a YAML report to this file")
	fs.StringVar(&f.logLevel, "log-level", "info", "log level")
}

// report is the YAML summary of a run.
type report struct {
	Workers   int           `yaml:"workers"`
	Keys      int           `yaml:"keys"`
	Seed      int64         `yaml:"seed"`
	Elapsed   time.Duration `yaml:"elapsed"`
	Ops       uint64        `yaml:"ops"`
	OpsPerSec float64       `yaml:"ops_per_sec"`
	HitRate   float64       `yaml:"hit_rate_pct"`
	Stats     vcache.Stats  `yaml:"stats"`
}

func main() {
	var f benchFlags
	cmd := &cobra.Command{
		Use:          "vcachebench",
		Short:        "Run a Zipf file workload against the node cache",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), &f)
		},
	}
	f.register(cmd.Flags())
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func options(f *benchFlags) (vcache.Options, error) {
	var opt vcache.Options
	if f.config != "" {
		cfg, err := vcache.LoadConfig(f.config)
		if err != nil {
			return opt, err
		}
		if opt, err = cfg.Options(); err != nil {
			return opt, err
		}
	}
	if f.desired > 0 {
		opt.DesiredNodes = f.desired
	}
	if f.shards > 0 {
		opt.Shards = f.shards
	}
	if opt.Logger == nil {
		lvl, err := logrus.ParseLevel(f.logLevel)
		if err != nil {
			return opt, errors.Wrap(err, "--log-level")
		}
		l := logrus.New()
		l.SetLevel(lvl)
		opt.Logger = l
	}
	return opt, nil
}

func run(ctx context.Context, f *benchFlags) error {
	if f.keys <= 0 {
		return errors.Newf("--keys must be positive, got %d", f.keys)
	}
	opt, err := options(f)
	if err != nil {
		return err
	}
	log := opt.Logger

	opt.Metrics = pmet.New(nil, "vfs", "vcache", nil)
	if f.httpAddr != "" {
		http.Handle("/metrics", promhttp.Handler())
		go func() {
			log.WithField("addr", f.httpAddr).Info("vcachebench: serving metrics and pprof")
			log.WithError(http.ListenAndServe(f.httpAddr, nil)).Warn("vcachebench: http server stopped")
		}()
	}

	c := vcache.New(opt)
	defer func() { _ = c.Close() }()

	// ---- Populate the filesystem ----
	bfs := memfs.New()
	for i := 0; i < f.keys; i++ {
		if err := util.WriteFile(bfs, fileName(i), []byte(strconv.Itoa(i)), 0o644); err != nil {
			return errors.Wrap(err, "populate")
		}
	}
	fsys := billyfs.New(c, "bench", bfs, log)

	workers := f.workers
	if workers <= 0 {
		workers = 1
	}

	// ---- Load generation ----
	var total, failed atomic.Uint64
	ctx, cancel := context.WithTimeout(ctx, f.duration)
	defer cancel()

	start := time.Now()
	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func(id int) {
			defer wg.Done()
			// rand.Rand is not goroutine-safe: one per worker.
			r := rand.New(rand.NewSource(f.seed + int64(id)*9973))
			zipf := rand.NewZipf(r, f.zipfS, f.zipfV, uint64(f.keys-1))

			for ctx.Err() == nil {
				total.Add(1)
				n, err := fsys.Lookup(ctx, fileName(int(zipf.Uint64())))
				if err != nil {
					if ctx.Err() == nil {
						failed.Add(1)
						log.WithError(err).Debug("vcachebench: lookup failed")
					}
					continue
				}
				if int(r.Int31n(100)) < f.writePct {
					_ = fsys.Write(n, []byte("."))
				}
				hold := int(r.Int31n(100)) < f.holdPct
				if hold {
					n.Hold()
				}
				if int(r.Int31n(100)) < f.asyncPct {
					n.ReleaseAsync()
				} else {
					n.Release()
				}
				if hold {
					n.ReleaseHold()
				}
			}
		}(w)
	}
	wg.Wait()
	elapsed := time.Since(start)

	if err := c.DrainUntilBelowTarget(context.Background()); err != nil {
		log.WithError(err).Warn("vcachebench: drain did not reach target")
	}

	ops := total.Load()
	rep := report{
		Workers:   workers,
		Keys:      f.keys,
		Seed:      f.seed,
		Elapsed:   elapsed,
		Ops:       ops,
		OpsPerSec: float64(ops) / elapsed.Seconds(),
		Stats:     c.Stats(),
	}
	if lookups := rep.Stats.Hits + rep.Stats.Misses; lookups > 0 {
		rep.HitRate = float64(rep.Stats.Hits) / float64(lookups) * 100
	}

	fmt.Printf("workers=%d keys=%d dur=%v seed=%d\n", workers, f.keys, elapsed, f.seed)
	fmt.Printf("ops=%d (%.0f ops/s)  failed=%d  hit-rate=%.2f%%\n", ops, rep.OpsPerSec, failed.Load(), rep.HitRate)
	fmt.Printf("live=%d desired=%d reclaims=%d deferred=%d\n",
		rep.Stats.Live, rep.Stats.Desired, rep.Stats.Reclaims, rep.Stats.Deferred)

	if f.report != "" {
		out, err := yaml.Marshal(rep)
		if err != nil {
			return errors.Wrap(err, "encode report")
		}
		if err := natomic.WriteFile(f.report, bytes.NewReader(out)); err != nil {
			return errors.Wrapf(err, "write report %s", f.report)
		}
	}

	return fsys.Unmount(context.Background(), true)
}

func fileName(i int) string { return "/f" + strconv.Itoa(i) }
