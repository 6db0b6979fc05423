package bench

import (
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/skobkin/pipebench/internal/cacheprobe"
	"github.com/skobkin/pipebench/internal/version"
)

const namespace = "pipebench"

// Metrics aggregates a run into a private registry that is written once as a
// Prometheus textfile.
type Metrics struct {
	registry *prometheus.Registry

	fetch   prometheus.Histogram
	compute prometheus.Histogram
	batch   prometheus.Histogram
	batches prometheus.Counter
	stops   prometheus.Counter
	epochs  prometheus.Counter

	cache *cacheCollector
}

// NewMetrics registers the run summary metrics.
func NewMetrics() *Metrics {
	buckets := prometheus.ExponentialBuckets(0.0005, 2, 16)
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		fetch: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fetch_seconds",
			Help:      "Time until a batch is materialised on the compute device.",
			Buckets:   buckets,
		}),
		compute: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "compute_seconds",
			Help:      "Forward pass and answer decode time per batch.",
			Buckets:   buckets,
		}),
		batch: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_seconds",
			Help:      "Whole-batch time from fetch start to compute end.",
			Buckets:   buckets,
		}),
		batches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "timed_batches_total",
			Help:      "Batches that produced timing rows.",
		}),
		stops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "early_stops_total",
			Help:      "Epochs cut short by the stabilisation policy.",
		}),
		epochs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "epochs_total",
			Help:      "Epochs started.",
		}),
		cache: newCacheCollector(),
	}

	buildInfo := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "build_info",
		Help:      "Build metadata of the benchmark binary.",
	}, []string{"version", "commit", "build_time"})
	buildInfo.WithLabelValues(version.Current().Labels()...).Set(1)

	m.registry.MustRegister(m.fetch, m.compute, m.batch, m.batches, m.stops, m.epochs, m.cache, buildInfo)
	return m
}

func (m *Metrics) observeBatch(fetch, compute, total time.Duration) {
	if m == nil {
		return
	}
	m.fetch.Observe(fetch.Seconds())
	m.compute.Observe(compute.Seconds())
	m.batch.Observe(total.Seconds())
	m.batches.Inc()
}

func (m *Metrics) observeEpoch(stopped bool) {
	if m == nil {
		return
	}
	m.epochs.Inc()
	if stopped {
		m.stops.Inc()
	}
}

func (m *Metrics) observeCache(phase string, snap cacheprobe.Snapshot) {
	if m == nil {
		return
	}
	m.cache.set(phase, snap)
}

// Registry exposes the underlying registry for inspection.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// WriteFile writes the registry in the text exposition format.
func (m *Metrics) WriteFile(path string) error {
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("write summary %s: %w", path, err)
	}
	return nil
}

// cacheCollector reports the pre and post cache snapshots.
type cacheCollector struct {
	mu        sync.Mutex
	snapshots map[string]cacheprobe.Snapshot
	metrics   []cacheMetric
}

type cacheMetric struct {
	desc    *prometheus.Desc
	extract func(snap cacheprobe.Snapshot) float64
}

func newCacheCollector() *cacheCollector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "cache", name),
			help,
			[]string{"phase"},
			nil,
		)
	}

	return &cacheCollector{
		snapshots: make(map[string]cacheprobe.Snapshot, 2),
		metrics: []cacheMetric{
			{
				desc:    desc("resident_pages", "Dataset pages resident in the page cache."),
				extract: func(s cacheprobe.Snapshot) float64 { return float64(s.ResidentPages) },
			},
			{
				desc:    desc("total_pages", "Dataset pages in total."),
				extract: func(s cacheprobe.Snapshot) float64 { return float64(s.TotalPages) },
			},
			{
				desc:    desc("resident_ratio", "Fraction of dataset pages resident in the page cache."),
				extract: func(s cacheprobe.Snapshot) float64 { return s.Percent / 100 },
			},
			{
				desc:    desc("files", "Files covered by the cache probe."),
				extract: func(s cacheprobe.Snapshot) float64 { return float64(s.Files) },
			},
		},
	}
}

func (c *cacheCollector) set(phase string, snap cacheprobe.Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snapshots[phase] = snap
}

func (c *cacheCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, metric := range c.metrics {
		ch <- metric.desc
	}
}

func (c *cacheCollector) Collect(ch chan<- prometheus.Metric) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for phase, snap := range c.snapshots {
		for _, metric := range c.metrics {
			ch <- prometheus.MustNewConstMetric(metric.desc, prometheus.GaugeValue, metric.extract(snap), phase)
		}
	}
}
