package upstream

import (
	"sort"
	"time"

	"mercator-hq/janus/pkg/stats"
)

// LBType selects the load balancing algorithm for a cluster.
type LBType string

const (
	LBRoundRobin   LBType = "round_robin"
	LBLeastRequest LBType = "least_request"
	LBRandom       LBType = "random"
	LBRingHash     LBType = "ring_hash"
)

// Priority partitions circuit-breaker budgets.
type Priority int

const (
	PriorityDefault Priority = iota
	PriorityHigh
	numPriorities
)

// ClusterStats holds the hot cluster-wide counters.
type ClusterStats struct {
	CxTotal           *stats.Counter
	CxConnectFail     *stats.Counter
	CxConnectTimeout  *stats.Counter
	CxDestroy         *stats.Counter
	RqTotal           *stats.Counter
	RqPendingOverflow *stats.Counter
	RqTimeout         *stats.Counter
	RqRetry           *stats.Counter
	RqRetrySuccess    *stats.Counter
	RqRetryOverflow   *stats.Counter
	LbHealthyPanic    *stats.Counter
	LbZoneTooSmall    *stats.Counter
	LbZoneDirect      *stats.Counter
	LbZoneSampled     *stats.Counter
	LbZoneCrossZone   *stats.Counter
	MaintenanceMode   *stats.Counter
}

func newClusterStats(scope *stats.Scope) ClusterStats {
	return ClusterStats{
		CxTotal:           scope.Counter("upstream_cx_total"),
		CxConnectFail:     scope.Counter("upstream_cx_connect_fail"),
		CxConnectTimeout:  scope.Counter("upstream_cx_connect_timeout"),
		CxDestroy:         scope.Counter("upstream_cx_destroy"),
		RqTotal:           scope.Counter("upstream_rq_total"),
		RqPendingOverflow: scope.Counter("upstream_rq_pending_overflow"),
		RqTimeout:         scope.Counter("upstream_rq_timeout"),
		RqRetry:           scope.Counter("upstream_rq_retry"),
		RqRetrySuccess:    scope.Counter("upstream_rq_retry_success"),
		RqRetryOverflow:   scope.Counter("upstream_rq_retry_overflow"),
		LbHealthyPanic:    scope.Counter("lb_healthy_panic"),
		LbZoneTooSmall:    scope.Counter("lb_zone_cluster_too_small"),
		LbZoneDirect:      scope.Counter("lb_zone_routing_all_directly"),
		LbZoneSampled:     scope.Counter("lb_zone_routing_sampled"),
		LbZoneCrossZone:   scope.Counter("lb_zone_routing_cross_zone"),
		MaintenanceMode:   scope.Counter("upstream_rq_maintenance_mode"),
	}
}

// ClusterInfo is the stable, shareable description of a cluster. It never
// changes after construction; membership lives in the host sets.
type ClusterInfo struct {
	Name                     string
	ConnectTimeout           time.Duration
	MaxRequestsPerConnection uint64
	LBPolicy                 LBType

	Stats *stats.Scope
	Cx    ClusterStats

	resources [numPriorities]*ResourceManager
}

// NewClusterInfo builds the immutable cluster description. limits applies
// to the default priority; the high priority gets the same budget.
func NewClusterInfo(name string, store *stats.Store, connectTimeout time.Duration, lb LBType, maxReqPerConn uint64, limits ResourceLimits) *ClusterInfo {
	scope := store.Scope("cluster." + name)
	info := &ClusterInfo{
		Name:                     name,
		ConnectTimeout:           connectTimeout,
		MaxRequestsPerConnection: maxReqPerConn,
		LBPolicy:                 lb,
		Stats:                    scope,
		Cx:                       newClusterStats(scope),
	}
	for i := range info.resources {
		info.resources[i] = NewResourceManager(limits)
	}
	return info
}

// Resources returns the circuit-breaker budgets for a priority.
func (ci *ClusterInfo) Resources(p Priority) *ResourceManager {
	if p < 0 || p >= numPriorities {
		p = PriorityDefault
	}
	return ci.resources[p]
}

// Cluster pairs the immutable info with the primary and local host sets.
type Cluster struct {
	Info *ClusterInfo

	primary   HostSet
	local     HostSet
	localZone string
}

// NewCluster builds an empty cluster; call SetHosts to populate it.
func NewCluster(info *ClusterInfo, localZone string) *Cluster {
	return &Cluster{Info: info, localZone: localZone}
}

// HostSet returns the primary membership view.
func (c *Cluster) HostSet() *HostSet { return &c.primary }

// LocalHostSet returns the co-located-zone view used for zone-aware
// routing.
func (c *Cluster) LocalHostSet() *HostSet { return &c.local }

// SetHosts replaces the primary membership, computing the add/remove delta
// and rebuilding the healthy and per-zone views.
func (c *Cluster) SetHosts(hosts []*Host) {
	old := c.primary.Hosts()
	added, removed := diffHosts(old, hosts)
	healthy, perZone, healthyPerZone := partitionHosts(hosts, c.localZone)
	c.primary.UpdateHosts(hosts, healthy, perZone, healthyPerZone, added, removed)
}

// SetLocalHosts replaces the local-cluster membership view.
func (c *Cluster) SetLocalHosts(hosts []*Host) {
	old := c.local.Hosts()
	added, removed := diffHosts(old, hosts)
	healthy, perZone, healthyPerZone := partitionHosts(hosts, c.localZone)
	c.local.UpdateHosts(hosts, healthy, perZone, healthyPerZone, added, removed)
}

// RefreshHealth recomputes the healthy views after host health flags
// changed without a membership change.
func (c *Cluster) RefreshHealth() {
	hosts := c.primary.Hosts()
	healthy, perZone, healthyPerZone := partitionHosts(hosts, c.localZone)
	c.primary.UpdateHosts(hosts, healthy, perZone, healthyPerZone, nil, nil)
}

// partitionHosts computes the healthy list and the per-zone partitions.
// Zone index 0 is always the local zone, even when empty; the remaining
// zones follow in sorted order.
func partitionHosts(hosts []*Host, localZone string) (healthy []*Host, perZone, healthyPerZone [][]*Host) {
	var otherZones []string
	seen := map[string]bool{localZone: true}
	for _, h := range hosts {
		if h.Healthy() {
			healthy = append(healthy, h)
		}
		if !seen[h.Zone()] {
			seen[h.Zone()] = true
			otherZones = append(otherZones, h.Zone())
		}
	}
	sort.Strings(otherZones)
	zones := append([]string{localZone}, otherZones...)

	perZone = make([][]*Host, len(zones))
	healthyPerZone = make([][]*Host, len(zones))
	index := make(map[string]int, len(zones))
	for i, z := range zones {
		index[z] = i
	}
	for _, h := range hosts {
		i := index[h.Zone()]
		perZone[i] = append(perZone[i], h)
		if h.Healthy() {
			healthyPerZone[i] = append(healthyPerZone[i], h)
		}
	}
	return healthy, perZone, healthyPerZone
}

func diffHosts(old, next []*Host) (added, removed []*Host) {
	oldSet := make(map[*Host]bool, len(old))
	for _, h := range old {
		oldSet[h] = true
	}
	nextSet := make(map[*Host]bool, len(next))
	for _, h := range next {
		nextSet[h] = true
		if !oldSet[h] {
			added = append(added, h)
		}
	}
	for _, h := range old {
		if !nextSet[h] {
			removed = append(removed, h)
		}
	}
	return added, removed
}
