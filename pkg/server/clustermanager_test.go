package server

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"mercator-hq/janus/pkg/config"
	"mercator-hq/janus/pkg/event"
	"mercator-hq/janus/pkg/runtime"
	"mercator-hq/janus/pkg/stats"
	"mercator-hq/janus/pkg/upstream"
)

type manualTimer struct {
	cb      func()
	enabled bool
}

func (t *manualTimer) Enable(d time.Duration) { t.enabled = true }
func (t *manualTimer) Disable()               { t.enabled = false }

type manualDispatcher struct {
	timers []*manualTimer
}

func (d *manualDispatcher) CreateTimer(cb func()) event.Timer {
	t := &manualTimer{cb: cb}
	d.timers = append(d.timers, t)
	return t
}

func (d *manualDispatcher) CreateFileEvent(fd int, events uint32, cb func(uint32)) (event.FileEvent, error) {
	return nil, nil
}

func (d *manualDispatcher) Post(fn func()) { fn() }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testClusterConfigs() []config.ClusterConfig {
	return []config.ClusterConfig{
		{
			Name:           "backend",
			ConnectTimeout: 250 * time.Millisecond,
			LBPolicy:       "round_robin",
			Hosts: []config.HostConfig{
				{Address: "10.0.0.1:8080"},
				{Address: "10.0.0.2:8080", Weight: 2},
			},
		},
		{
			Name:            "shadow",
			ConnectTimeout:  250 * time.Millisecond,
			LBPolicy:        "random",
			CircuitBreakers: config.CircuitBreakerConfig{MaxConnections: 7},
			Hosts:           []config.HostConfig{{Address: "10.0.1.1:8080"}},
		},
	}
}

func newTestClusterManager(t *testing.T, d event.Dispatcher) *ClusterManager {
	t.Helper()
	store := stats.NewStore(nil)
	rt := runtime.NewLoader(nil, discardLogger())
	t.Cleanup(rt.Close)
	cm, err := NewClusterManager(testClusterConfigs(), store, rt, d, "", discardLogger())
	if err != nil {
		t.Fatalf("NewClusterManager: %v", err)
	}
	return cm
}

func TestClusterManagerBuildsClusters(t *testing.T) {
	cm := newTestClusterManager(t, &manualDispatcher{})

	backend := cm.Get("backend")
	if backend == nil {
		t.Fatal("backend cluster missing")
	}
	if got := len(backend.HostSet().Hosts()); got != 2 {
		t.Errorf("backend hosts = %d, want 2", got)
	}
	if cm.Get("missing") != nil {
		t.Error("unknown cluster should be nil")
	}

	shadow := cm.Get("shadow")
	if got := shadow.Info.Resources(upstream.PriorityDefault).Connections.Max(); got != 7 {
		t.Errorf("max connections = %d, want 7", got)
	}
	def := upstream.DefaultResourceLimits().MaxConnections
	if got := backend.Info.Resources(upstream.PriorityDefault).Connections.Max(); got != def {
		t.Errorf("default max connections = %d, want %d", got, def)
	}
}

func TestClusterManagerSetHostsUnknown(t *testing.T) {
	cm := newTestClusterManager(t, &manualDispatcher{})
	if err := cm.SetHosts("missing", nil); err == nil {
		t.Error("SetHosts on unknown cluster should fail")
	}
}

func TestWorkerViewConnPool(t *testing.T) {
	d := &manualDispatcher{}
	cm := newTestClusterManager(t, d)
	view := cm.NewWorkerView(d)

	if view.GetCluster("backend") == nil {
		t.Fatal("GetCluster backend = nil")
	}
	if view.GetCluster("missing") != nil {
		t.Error("GetCluster on unknown cluster should be nil")
	}

	p := view.ConnPool("backend", upstream.PriorityDefault, nil)
	if p == nil {
		t.Fatal("ConnPool returned nil with healthy hosts")
	}
	if view.ConnPool("missing", upstream.PriorityDefault, nil) != nil {
		t.Error("ConnPool on unknown cluster should be nil")
	}
	if got := len(view.pools); got != 1 {
		t.Errorf("pool count = %d, want 1", got)
	}
}

func TestWorkerViewDrainsPoolsOnHostRemoval(t *testing.T) {
	d := &manualDispatcher{}
	cm := newTestClusterManager(t, d)
	view := cm.NewWorkerView(d)

	for i := 0; i < 4; i++ {
		if view.ConnPool("backend", upstream.PriorityDefault, nil) == nil {
			t.Fatal("ConnPool returned nil")
		}
	}
	if len(view.pools) == 0 {
		t.Fatal("no pools created")
	}

	if err := cm.SetHosts("backend", nil); err != nil {
		t.Fatalf("SetHosts: %v", err)
	}
	if got := len(view.pools); got != 0 {
		t.Errorf("pools after removal = %d, want 0", got)
	}
	if view.ConnPool("backend", upstream.PriorityDefault, nil) != nil {
		t.Error("ConnPool should be nil with no hosts")
	}
}

func TestWorkerViewReportResponseWithoutDetector(t *testing.T) {
	d := &manualDispatcher{}
	cm := newTestClusterManager(t, d)
	view := cm.NewWorkerView(d)

	host := cm.Get("backend").HostSet().Hosts()[0]
	// Outlier detection is disabled for every test cluster; reporting must
	// be a no-op.
	view.ReportResponse(host, 503)
}
