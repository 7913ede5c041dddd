package upstream

import (
	"fmt"
	"sort"

	"github.com/cespare/xxhash/v2"

	"mercator-hq/janus/pkg/runtime"
)

// Zone-aware routing and panic mode runtime keys.
const (
	runtimePanicThreshold = "upstream.healthy_panic_threshold"
	runtimeZoneEnabled    = "upstream.zone_routing.enabled"
	runtimeMinClusterSize = "upstream.zone_routing.min_cluster_size"
	runtimeRingSize       = "upstream.ring_hash.min_ring_size"
)

const (
	defaultPanicThreshold = 50
	defaultMinClusterSize = 6
	defaultMinRingSize    = 1024

	// zoneFractionScale expresses per-zone host fractions in basis points
	// so integer math keeps enough resolution for small clusters.
	zoneFractionScale = 10000
)

// Context supplies per-request inputs to host selection. Implementations
// may return no hash, in which case hashing policies fall back to random.
type Context interface {
	HashKey() (uint64, bool)
}

// LoadBalancer picks an upstream host for one request.
type LoadBalancer interface {
	ChooseHost(ctx Context) *Host
}

// NewLoadBalancer builds the balancer named by the cluster's policy.
// localHostSet may be nil when no local cluster is configured.
func NewLoadBalancer(info *ClusterInfo, hostSet, localHostSet *HostSet, rt *runtime.Loader, random func() uint64) LoadBalancer {
	base := lbBase{
		hostSet:      hostSet,
		localHostSet: localHostSet,
		stats:        info.Cx,
		rt:           rt,
		random:       random,
	}
	switch info.LBPolicy {
	case LBLeastRequest:
		return newLeastRequestLoadBalancer(base)
	case LBRandom:
		return &RandomLoadBalancer{lbBase: base}
	case LBRingHash:
		return newRingHashLoadBalancer(base)
	default:
		return &RoundRobinLoadBalancer{lbBase: base}
	}
}

// lbBase carries the host set views and the panic/zone-aware host
// selection shared by every policy.
type lbBase struct {
	hostSet      *HostSet
	localHostSet *HostSet
	stats        ClusterStats
	rt           *runtime.Loader
	random       func() uint64
}

func (b *lbBase) inPanic(snap *runtime.Snapshot, hosts, healthy []*Host) bool {
	if len(hosts) == 0 {
		return false
	}
	threshold := snap.GetInteger(runtimePanicThreshold, defaultPanicThreshold)
	return uint64(len(healthy)*100/len(hosts)) < threshold
}

// hostsToUse returns the candidate list for this pick: all hosts in panic
// mode, a zone-local or cross-zone subset when zone-aware routing applies,
// and the healthy list otherwise.
func (b *lbBase) hostsToUse() []*Host {
	snap := b.rt.Snapshot()
	hosts := b.hostSet.Hosts()
	healthy := b.hostSet.HealthyHosts()

	if b.inPanic(snap, hosts, healthy) {
		b.stats.LbHealthyPanic.Inc()
		return hosts
	}

	if b.localHostSet == nil || len(b.localHostSet.Hosts()) == 0 {
		return healthy
	}
	if !snap.FeatureEnabled(runtimeZoneEnabled, 100) {
		return healthy
	}
	upstreamPerZone := b.hostSet.HealthyHostsPerZone()
	localPerZone := b.localHostSet.HealthyHostsPerZone()
	if len(upstreamPerZone) < 2 || len(localPerZone) != len(upstreamPerZone) {
		return healthy
	}
	if uint64(len(healthy)) < snap.GetInteger(runtimeMinClusterSize, defaultMinClusterSize) {
		b.stats.LbZoneTooSmall.Inc()
		return healthy
	}
	if b.inPanic(snap, b.localHostSet.Hosts(), b.localHostSet.HealthyHosts()) {
		return healthy
	}
	return b.chooseZone(upstreamPerZone, localPerZone, healthy)
}

// chooseZone routes to the local zone when the upstream has at least the
// local cluster's share of capacity there, and otherwise samples between
// the local zone and the cross-zone residuals.
func (b *lbBase) chooseZone(upstreamPerZone, localPerZone [][]*Host, healthy []*Host) []*Host {
	// Zone index 0 is the local zone. Without healthy local-zone hosts
	// there is no local share to honor, so routing stays zone-blind.
	if len(localPerZone[0]) == 0 {
		return healthy
	}
	localTotal := 0
	for _, z := range localPerZone {
		localTotal += len(z)
	}

	localPct := make([]uint64, len(localPerZone))
	upstreamPct := make([]uint64, len(upstreamPerZone))
	for i := range localPerZone {
		localPct[i] = uint64(len(localPerZone[i])) * zoneFractionScale / uint64(localTotal)
		upstreamPct[i] = uint64(len(upstreamPerZone[i])) * zoneFractionScale / uint64(len(healthy))
	}

	if upstreamPct[0] >= localPct[0] {
		b.stats.LbZoneDirect.Inc()
		return upstreamPerZone[0]
	}

	// The local zone is under-provisioned upstream. Send the fraction it
	// can absorb directly and spill the rest onto zones with spare
	// capacity, proportional to their residuals.
	threshold := upstreamPct[0] * zoneFractionScale / localPct[0]
	if b.random()%zoneFractionScale < threshold {
		b.stats.LbZoneSampled.Inc()
		return upstreamPerZone[0]
	}

	residual := make([]uint64, len(upstreamPerZone))
	var total uint64
	for i := 1; i < len(upstreamPerZone); i++ {
		if upstreamPct[i] > localPct[i] {
			total += upstreamPct[i] - localPct[i]
		}
		residual[i] = total
	}
	b.stats.LbZoneCrossZone.Inc()
	if total == 0 {
		return healthy
	}
	n := b.random() % total
	for i := 1; i < len(residual); i++ {
		if n < residual[i] {
			return upstreamPerZone[i]
		}
	}
	return healthy
}

// RoundRobinLoadBalancer cycles through the candidate hosts in order.
type RoundRobinLoadBalancer struct {
	lbBase
	index uint64
}

func (lb *RoundRobinLoadBalancer) ChooseHost(Context) *Host {
	hosts := lb.hostsToUse()
	if len(hosts) == 0 {
		return nil
	}
	h := hosts[lb.index%uint64(len(hosts))]
	lb.index++
	return h
}

// RandomLoadBalancer picks uniformly among the candidates.
type RandomLoadBalancer struct {
	lbBase
}

func (lb *RandomLoadBalancer) ChooseHost(Context) *Host {
	hosts := lb.hostsToUse()
	if len(hosts) == 0 {
		return nil
	}
	return hosts[lb.random()%uint64(len(hosts))]
}

// LeastRequestLoadBalancer compares two random candidates and picks the one
// with fewer active requests. A weighted host, once picked, is reused for
// weight consecutive picks.
type LeastRequestLoadBalancer struct {
	lbBase
	lastHost *Host
	hitsLeft uint32
}

func newLeastRequestLoadBalancer(base lbBase) *LeastRequestLoadBalancer {
	lb := &LeastRequestLoadBalancer{lbBase: base}
	base.hostSet.AddMemberUpdateCallback(func(added, removed []*Host) {
		for _, h := range removed {
			if h == lb.lastHost {
				lb.hitsLeft = 0
				lb.lastHost = nil
			}
		}
	})
	return lb
}

func (lb *LeastRequestLoadBalancer) ChooseHost(Context) *Host {
	if lb.lastHost != nil {
		if lb.hitsLeft > 0 {
			lb.hitsLeft--
			return lb.lastHost
		}
		lb.lastHost = nil
	}

	hosts := lb.hostsToUse()
	if len(hosts) == 0 {
		return nil
	}
	first := hosts[lb.random()%uint64(len(hosts))]
	second := hosts[lb.random()%uint64(len(hosts))]
	chosen := first
	if second.Stats.RequestsActive.Value() < first.Stats.RequestsActive.Value() {
		chosen = second
	}
	if chosen.Weight() > 1 {
		lb.lastHost = chosen
		lb.hitsLeft = chosen.Weight() - 1
	}
	return chosen
}

// RingHashLoadBalancer maps request hashes onto a ketama-style ring so a
// given key keeps landing on the same host across picks. The ring rebuilds
// on membership changes.
type RingHashLoadBalancer struct {
	lbBase
	ring []ringEntry
}

type ringEntry struct {
	hash uint64
	host *Host
}

func newRingHashLoadBalancer(base lbBase) *RingHashLoadBalancer {
	lb := &RingHashLoadBalancer{lbBase: base}
	base.hostSet.AddMemberUpdateCallback(func(added, removed []*Host) {
		lb.rebuild()
	})
	lb.rebuild()
	return lb
}

// rebuild regenerates the ring from the healthy hosts, spreading at least
// min-ring-size entries across them.
func (lb *RingHashLoadBalancer) rebuild() {
	hosts := lb.hostSet.HealthyHosts()
	lb.ring = lb.ring[:0]
	if len(hosts) == 0 {
		return
	}
	minSize := lb.rt.Snapshot().GetInteger(runtimeRingSize, defaultMinRingSize)
	replicas := minSize / uint64(len(hosts))
	if replicas < 1 {
		replicas = 1
	}
	for _, h := range hosts {
		for i := uint64(0); i < replicas; i++ {
			key := fmt.Sprintf("%s_%d", h.Address(), i)
			lb.ring = append(lb.ring, ringEntry{hash: xxhash.Sum64String(key), host: h})
		}
	}
	sort.Slice(lb.ring, func(i, j int) bool { return lb.ring[i].hash < lb.ring[j].hash })
}

func (lb *RingHashLoadBalancer) ChooseHost(ctx Context) *Host {
	if len(lb.ring) == 0 {
		return nil
	}
	var hash uint64
	if ctx != nil {
		if h, ok := ctx.HashKey(); ok {
			hash = h
		} else {
			hash = lb.random()
		}
	} else {
		hash = lb.random()
	}
	i := sort.Search(len(lb.ring), func(i int) bool { return lb.ring[i].hash >= hash })
	if i == len(lb.ring) {
		i = 0
	}
	return lb.ring[i].host
}
