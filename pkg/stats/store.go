package stats

import (
	"strings"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// Counter is a monotonically increasing metric. Updates are atomic adds.
type Counter struct {
	value atomic.Uint64
}

// Inc adds one.
func (c *Counter) Inc() { c.value.Add(1) }

// Add adds n.
func (c *Counter) Add(n uint64) { c.value.Add(n) }

// Value returns the current count.
func (c *Counter) Value() uint64 { return c.value.Load() }

// Gauge is a metric that can move both ways. Updates are atomic.
type Gauge struct {
	value atomic.Int64
}

// Inc adds one.
func (g *Gauge) Inc() { g.value.Add(1) }

// Dec subtracts one.
func (g *Gauge) Dec() { g.value.Add(-1) }

// Add adds n.
func (g *Gauge) Add(n int64) { g.value.Add(n) }

// Set stores n.
func (g *Gauge) Set(n int64) { g.value.Store(n) }

// Value returns the current value.
func (g *Gauge) Value() int64 { return g.value.Load() }

// Histogram records value distributions. Observations delegate to Prometheus,
// which aggregates per-process and merges on scrape.
type Histogram struct {
	hist prometheus.Histogram
}

// Observe records one sample.
func (h *Histogram) Observe(v float64) {
	if h.hist != nil {
		h.hist.Observe(v)
	}
}

// Store creates and caches metrics by fully-qualified dotted name. A given
// name always resolves to the same metric, so scopes from different
// components share series.
type Store struct {
	registry *prometheus.Registry

	mu         sync.Mutex
	counters   map[string]*Counter
	gauges     map[string]*Gauge
	histograms map[string]*Histogram
}

// NewStore creates a Store registering its metrics with registry. A nil
// registry keeps the store fully functional but unexported to Prometheus,
// which is what most tests want.
func NewStore(registry *prometheus.Registry) *Store {
	return &Store{
		registry:   registry,
		counters:   make(map[string]*Counter),
		gauges:     make(map[string]*Gauge),
		histograms: make(map[string]*Histogram),
	}
}

// Registry returns the Prometheus registry backing the store, if any.
func (s *Store) Registry() *prometheus.Registry { return s.registry }

// Counter returns the counter with the given dotted name.
func (s *Store) Counter(name string) *Counter {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.counters[name]; ok {
		return c
	}
	c := &Counter{}
	s.counters[name] = c
	if s.registry != nil {
		s.registry.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: promName(name),
			Help: "janus counter " + name,
		}, func() float64 { return float64(c.Value()) }))
	}
	return c
}

// Gauge returns the gauge with the given dotted name.
func (s *Store) Gauge(name string) *Gauge {
	s.mu.Lock()
	defer s.mu.Unlock()
	if g, ok := s.gauges[name]; ok {
		return g
	}
	g := &Gauge{}
	s.gauges[name] = g
	if s.registry != nil {
		s.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: promName(name),
			Help: "janus gauge " + name,
		}, func() float64 { return float64(g.Value()) }))
	}
	return g
}

// Histogram returns the histogram with the given dotted name.
func (s *Store) Histogram(name string) *Histogram {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h, ok := s.histograms[name]; ok {
		return h
	}
	h := &Histogram{}
	if s.registry != nil {
		ph := prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: promName(name),
			Help: "janus histogram " + name,
			// Request latencies from fast LAN hops to full timeout budgets.
			Buckets: []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05,
				0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		})
		s.registry.MustRegister(ph)
		h.hist = ph
	}
	s.histograms[name] = h
	return h
}

// Scope returns a view of the store with every name prefixed by prefix and a
// dot.
func (s *Store) Scope(prefix string) *Scope {
	return &Scope{store: s, prefix: prefix}
}

// Scope is a named prefix over a Store.
type Scope struct {
	store  *Store
	prefix string
}

// Counter returns the counter named prefix.name.
func (sc *Scope) Counter(name string) *Counter { return sc.store.Counter(sc.qualify(name)) }

// Gauge returns the gauge named prefix.name.
func (sc *Scope) Gauge(name string) *Gauge { return sc.store.Gauge(sc.qualify(name)) }

// Histogram returns the histogram named prefix.name.
func (sc *Scope) Histogram(name string) *Histogram { return sc.store.Histogram(sc.qualify(name)) }

// Scope returns a nested scope.
func (sc *Scope) Scope(prefix string) *Scope {
	return &Scope{store: sc.store, prefix: sc.qualify(prefix)}
}

// Name returns the fully qualified dotted name for name within this scope.
func (sc *Scope) Name(name string) string { return sc.qualify(name) }

func (sc *Scope) qualify(name string) string {
	if sc.prefix == "" {
		return name
	}
	return sc.prefix + "." + name
}

var promReplacer = strings.NewReplacer(".", "_", "-", "_", ":", "_")

func promName(dotted string) string {
	return "janus_" + promReplacer.Replace(dotted)
}
