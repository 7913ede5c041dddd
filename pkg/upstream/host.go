package upstream

import (
	"sync"
	"sync/atomic"

	"mercator-hq/janus/pkg/stats"
)

// Health flag bits. A host is healthy when no flag is set.
const (
	// FlagFailedActiveHC marks an active health check failure.
	FlagFailedActiveHC uint32 = 1 << iota
	// FlagFailedOutlierCheck marks an outlier detector ejection.
	FlagFailedOutlierCheck
)

// HostStats are the per-host counters and gauges shared across workers.
type HostStats struct {
	RequestsTotal   *stats.Counter
	RequestsActive  *stats.Gauge
	RequestsTimeout *stats.Counter
	CxTotal         *stats.Counter
	CxActive        *stats.Gauge
	CxConnectFail   *stats.Counter
}

// Host is one upstream endpoint. Hosts are shared between workers and
// between host set generations; a stream holding a Host keeps it valid
// after membership removal.
type Host struct {
	cluster *ClusterInfo
	address string
	zone    string
	canary  bool
	weight  uint32

	healthFlags atomic.Uint32

	// outlier holds the detector's per-host accounting.
	outlier outlierState

	Stats HostStats
}

// NewHost builds a host bound to its cluster's stats scope.
func NewHost(cluster *ClusterInfo, address, zone string, canary bool, weight uint32) *Host {
	if weight == 0 {
		weight = 1
	}
	scope := cluster.Stats.Scope("host." + address)
	return &Host{
		cluster: cluster,
		address: address,
		zone:    zone,
		canary:  canary,
		weight:  weight,
		Stats: HostStats{
			RequestsTotal:   scope.Counter("rq_total"),
			RequestsActive:  scope.Gauge("rq_active"),
			RequestsTimeout: scope.Counter("rq_timeout"),
			CxTotal:         scope.Counter("cx_total"),
			CxActive:        scope.Gauge("cx_active"),
			CxConnectFail:   scope.Counter("cx_connect_fail"),
		},
	}
}

// Address returns "ip:port".
func (h *Host) Address() string { return h.address }

// Zone returns the host's availability zone, or "".
func (h *Host) Zone() string { return h.zone }

// Canary reports whether the host is a canary instance.
func (h *Host) Canary() bool { return h.canary }

// Weight returns the LB weight, at least 1.
func (h *Host) Weight() uint32 { return h.weight }

// ClusterName returns the owning cluster's name.
func (h *Host) ClusterName() string { return h.cluster.Name }

// Cluster returns the owning cluster's immutable info.
func (h *Host) Cluster() *ClusterInfo { return h.cluster }

// Healthy reports whether no health flag is set.
func (h *Host) Healthy() bool { return h.healthFlags.Load() == 0 }

// SetHealthFlag sets one health flag bit.
func (h *Host) SetHealthFlag(flag uint32) {
	for {
		old := h.healthFlags.Load()
		if h.healthFlags.CompareAndSwap(old, old|flag) {
			return
		}
	}
}

// ClearHealthFlag clears one health flag bit.
func (h *Host) ClearHealthFlag(flag uint32) {
	for {
		old := h.healthFlags.Load()
		if h.healthFlags.CompareAndSwap(old, old&^flag) {
			return
		}
	}
}

// HealthFlagSet reports whether flag is set.
func (h *Host) HealthFlagSet(flag uint32) bool { return h.healthFlags.Load()&flag != 0 }

// MemberUpdateCallback observes host set membership changes.
type MemberUpdateCallback func(added, removed []*Host)

// HostSet is one generation-published view of cluster membership. Writers
// replace whole slices under the lock; readers copy the slice headers and
// iterate without further synchronization.
type HostSet struct {
	mu sync.RWMutex

	hosts              []*Host
	healthyHosts       []*Host
	hostsPerZone       [][]*Host
	healthyPerZone     [][]*Host
	memberUpdateCBs    []MemberUpdateCallback
}

// Hosts returns the full membership.
func (hs *HostSet) Hosts() []*Host {
	hs.mu.RLock()
	defer hs.mu.RUnlock()
	return hs.hosts
}

// HealthyHosts returns the hosts with no health flags set as of the last
// update.
func (hs *HostSet) HealthyHosts() []*Host {
	hs.mu.RLock()
	defer hs.mu.RUnlock()
	return hs.healthyHosts
}

// HostsPerZone returns all hosts partitioned by zone; index 0 is the local
// zone.
func (hs *HostSet) HostsPerZone() [][]*Host {
	hs.mu.RLock()
	defer hs.mu.RUnlock()
	return hs.hostsPerZone
}

// HealthyHostsPerZone returns healthy hosts partitioned by zone; index 0 is
// the local zone.
func (hs *HostSet) HealthyHostsPerZone() [][]*Host {
	hs.mu.RLock()
	defer hs.mu.RUnlock()
	return hs.healthyPerZone
}

// AddMemberUpdateCallback subscribes to membership changes. Callbacks fire
// synchronously on the updating goroutine.
func (hs *HostSet) AddMemberUpdateCallback(cb MemberUpdateCallback) {
	hs.mu.Lock()
	hs.memberUpdateCBs = append(hs.memberUpdateCBs, cb)
	hs.mu.Unlock()
}

// UpdateHosts publishes a new membership snapshot and notifies subscribers
// of the delta.
func (hs *HostSet) UpdateHosts(hosts, healthy []*Host, perZone, healthyPerZone [][]*Host, added, removed []*Host) {
	hs.mu.Lock()
	hs.hosts = hosts
	hs.healthyHosts = healthy
	hs.hostsPerZone = perZone
	hs.healthyPerZone = healthyPerZone
	cbs := append([]MemberUpdateCallback(nil), hs.memberUpdateCBs...)
	hs.mu.Unlock()

	if len(added) > 0 || len(removed) > 0 {
		for _, cb := range cbs {
			cb(added, removed)
		}
	}
}
