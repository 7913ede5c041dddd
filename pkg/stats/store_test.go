package stats

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestStoreCachesByName(t *testing.T) {
	s := NewStore(nil)
	a := s.Counter("cluster.c.upstream_rq_total")
	b := s.Counter("cluster.c.upstream_rq_total")
	if a != b {
		t.Error("same name produced distinct counters")
	}
	a.Inc()
	a.Add(2)
	if got := b.Value(); got != 3 {
		t.Errorf("Value() = %d, want 3", got)
	}
}

func TestScopeQualifiesNames(t *testing.T) {
	s := NewStore(nil)
	scope := s.Scope("cluster").Scope("backend")

	scope.Counter("upstream_rq_total").Inc()
	if got := s.Counter("cluster.backend.upstream_rq_total").Value(); got != 1 {
		t.Errorf("qualified counter = %d, want 1", got)
	}
	if got := scope.Name("upstream_rq_total"); got != "cluster.backend.upstream_rq_total" {
		t.Errorf("Name() = %q", got)
	}
}

func TestGauge(t *testing.T) {
	s := NewStore(nil)
	g := s.Gauge("server.live")
	g.Set(5)
	g.Inc()
	g.Dec()
	g.Dec()
	if got := g.Value(); got != 4 {
		t.Errorf("Value() = %d, want 4", got)
	}
}

func TestPromRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	s := NewStore(reg)
	s.Counter("http.downstream_rq_total").Inc()
	s.Gauge("http.downstream_cx_active").Set(2)
	s.Histogram("cluster.c.upstream_rq_time").Observe(0.05)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error: %v", err)
	}
	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, want := range []string{
		"janus_http_downstream_rq_total",
		"janus_http_downstream_cx_active",
		"janus_cluster_c_upstream_rq_time",
	} {
		if !names[want] {
			t.Errorf("metric %q not exported", want)
		}
	}

	n, err := testutil.GatherAndCount(reg, "janus_http_downstream_rq_total")
	if err != nil {
		t.Fatalf("GatherAndCount: %v", err)
	}
	if n != 1 {
		t.Errorf("downstream_rq_total series = %d, want 1", n)
	}
}

func TestHistogramWithoutRegistry(t *testing.T) {
	s := NewStore(nil)
	// Must not panic.
	s.Histogram("h").Observe(1)
}
