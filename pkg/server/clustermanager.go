package server

import (
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"

	"mercator-hq/janus/pkg/config"
	"mercator-hq/janus/pkg/event"
	"mercator-hq/janus/pkg/pool"
	"mercator-hq/janus/pkg/runtime"
	"mercator-hq/janus/pkg/stats"
	"mercator-hq/janus/pkg/upstream"
)

// managedCluster pairs a cluster with its outlier detector.
type managedCluster struct {
	cluster  *upstream.Cluster
	detector *upstream.Detector
}

// ClusterManager owns cluster membership and outlier detection on the main
// dispatcher. Workers get their own view through NewWorkerView: per-worker
// load balancers and connection pools over the shared host sets.
type ClusterManager struct {
	clusters  map[string]*managedCluster
	localZone string
	rt        *runtime.Loader
	logger    *slog.Logger
}

// NewClusterManager builds every configured cluster, populates its hosts,
// and starts outlier detection where enabled. The detector timer lives on
// the main dispatcher.
func NewClusterManager(cfgs []config.ClusterConfig, store *stats.Store, rt *runtime.Loader, d event.Dispatcher, localZone string, log *slog.Logger) (*ClusterManager, error) {
	if log == nil {
		log = slog.Default()
	}
	cm := &ClusterManager{
		clusters:  make(map[string]*managedCluster, len(cfgs)),
		localZone: localZone,
		rt:        rt,
		logger:    log.With("component", "cluster_manager"),
	}
	for _, cc := range cfgs {
		limits := upstream.DefaultResourceLimits()
		if cc.CircuitBreakers.MaxConnections > 0 {
			limits.MaxConnections = cc.CircuitBreakers.MaxConnections
		}
		if cc.CircuitBreakers.MaxPendingRequests > 0 {
			limits.MaxPendingRequests = cc.CircuitBreakers.MaxPendingRequests
		}
		if cc.CircuitBreakers.MaxRequests > 0 {
			limits.MaxRequests = cc.CircuitBreakers.MaxRequests
		}
		if cc.CircuitBreakers.MaxRetries > 0 {
			limits.MaxRetries = cc.CircuitBreakers.MaxRetries
		}

		info := upstream.NewClusterInfo(cc.Name, store, cc.ConnectTimeout,
			upstream.LBType(cc.LBPolicy), cc.MaxRequestsPerConnection, limits)
		cluster := upstream.NewCluster(info, localZone)

		hosts := make([]*upstream.Host, 0, len(cc.Hosts))
		for _, hc := range cc.Hosts {
			weight := hc.Weight
			if weight == 0 {
				weight = 1
			}
			hosts = append(hosts, upstream.NewHost(info, hc.Address, hc.Zone, hc.Canary, weight))
		}
		cluster.SetHosts(hosts)

		mc := &managedCluster{cluster: cluster}
		if cc.OutlierDetection.Enabled {
			mc.detector = upstream.NewDetector(cluster, d, rt, nil)
		}
		cm.clusters[cc.Name] = mc
		cm.logger.Info("cluster added", "name", cc.Name, "hosts", len(hosts),
			"lb_policy", cc.LBPolicy, "outlier_detection", cc.OutlierDetection.Enabled)
	}
	return cm, nil
}

// Get returns the named cluster, or nil.
func (cm *ClusterManager) Get(name string) *upstream.Cluster {
	mc, ok := cm.clusters[name]
	if !ok {
		return nil
	}
	return mc.cluster
}

// SetHosts replaces the membership of the named cluster.
func (cm *ClusterManager) SetHosts(name string, hosts []*upstream.Host) error {
	mc, ok := cm.clusters[name]
	if !ok {
		return fmt.Errorf("unknown cluster %q", name)
	}
	mc.cluster.SetHosts(hosts)
	return nil
}

type poolKey struct {
	host     *upstream.Host
	priority upstream.Priority
}

// WorkerView is a worker's window onto the cluster manager. It implements
// the router's ClusterManager contract: host selection runs on the worker's
// own load balancer state, and pools are created lazily per host and
// priority on the worker's dispatcher.
type WorkerView struct {
	parent     *ClusterManager
	dispatcher event.Dispatcher
	lbs        map[string]upstream.LoadBalancer

	mu    sync.Mutex
	pools map[poolKey]pool.Instance
}

// NewWorkerView builds the per-worker load balancers and pool container.
// Removed hosts have their pools drained via the host set's member update
// callback, posted onto the worker dispatcher.
func (cm *ClusterManager) NewWorkerView(d event.Dispatcher) *WorkerView {
	w := &WorkerView{
		parent:     cm,
		dispatcher: d,
		lbs:        make(map[string]upstream.LoadBalancer, len(cm.clusters)),
		pools:      make(map[poolKey]pool.Instance),
	}
	random := rand.Uint64
	for name, mc := range cm.clusters {
		w.lbs[name] = upstream.NewLoadBalancer(mc.cluster.Info,
			mc.cluster.HostSet(), mc.cluster.LocalHostSet(), cm.rt, random)
		mc.cluster.HostSet().AddMemberUpdateCallback(func(added, removed []*upstream.Host) {
			if len(removed) == 0 {
				return
			}
			d.Post(func() { w.dropPools(removed) })
		})
	}
	return w
}

// GetCluster returns the cluster info for name, or nil.
func (w *WorkerView) GetCluster(name string) *upstream.ClusterInfo {
	mc, ok := w.parent.clusters[name]
	if !ok {
		return nil
	}
	return mc.cluster.Info
}

// ConnPool picks a host for the cluster and returns the worker's pool for
// it, or nil when the load balancer finds no host.
func (w *WorkerView) ConnPool(cluster string, priority upstream.Priority, ctx upstream.Context) pool.Instance {
	lb, ok := w.lbs[cluster]
	if !ok {
		return nil
	}
	host := lb.ChooseHost(ctx)
	if host == nil {
		return nil
	}
	key := poolKey{host: host, priority: priority}
	w.mu.Lock()
	defer w.mu.Unlock()
	p, ok := w.pools[key]
	if !ok {
		p = pool.NewHTTP1(w.dispatcher, host, priority)
		w.pools[key] = p
	}
	return p
}

// ReportResponse feeds the outlier detector for the host's cluster.
func (w *WorkerView) ReportResponse(host *upstream.Host, statusCode int) {
	mc, ok := w.parent.clusters[host.ClusterName()]
	if !ok || mc.detector == nil {
		return
	}
	mc.detector.PutResult(host, statusCode)
}

func (w *WorkerView) dropPools(removed []*upstream.Host) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, h := range removed {
		for _, pr := range []upstream.Priority{upstream.PriorityDefault, upstream.PriorityHigh} {
			key := poolKey{host: h, priority: pr}
			if p, ok := w.pools[key]; ok {
				p.AddDrainedCallback(func() {})
				delete(w.pools, key)
			}
		}
	}
}
