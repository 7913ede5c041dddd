package upstream

import (
	"testing"
	"time"

	"mercator-hq/janus/pkg/stats"
)

func testClusterInfo(name string, lb LBType) *ClusterInfo {
	return NewClusterInfo(name, stats.NewStore(nil), time.Second, lb, 0, ResourceLimits{})
}

func TestPartitionHostsLocalZoneFirst(t *testing.T) {
	info := testClusterInfo("part", LBRoundRobin)
	hosts := []*Host{
		NewHost(info, "10.0.0.1:80", "zone-b", false, 1),
		NewHost(info, "10.0.0.2:80", "zone-a", false, 1),
		NewHost(info, "10.0.0.3:80", "zone-b", false, 1),
	}
	hosts[2].SetHealthFlag(FlagFailedActiveHC)

	healthy, perZone, healthyPerZone := partitionHosts(hosts, "zone-local")
	if len(healthy) != 2 {
		t.Fatalf("healthy = %d, want 2", len(healthy))
	}
	if len(perZone) != 3 {
		t.Fatalf("zones = %d, want 3 (local first, then sorted)", len(perZone))
	}
	if len(perZone[0]) != 0 {
		t.Errorf("local zone should be empty, got %d hosts", len(perZone[0]))
	}
	if perZone[1][0].Zone() != "zone-a" || perZone[2][0].Zone() != "zone-b" {
		t.Errorf("zones not sorted after local: %q, %q", perZone[1][0].Zone(), perZone[2][0].Zone())
	}
	if len(healthyPerZone[2]) != 1 {
		t.Errorf("healthy zone-b = %d, want 1", len(healthyPerZone[2]))
	}
}

func TestSetHostsNotifiesDelta(t *testing.T) {
	info := testClusterInfo("delta", LBRoundRobin)
	c := NewCluster(info, "")
	h1 := NewHost(info, "10.0.0.1:80", "", false, 1)
	h2 := NewHost(info, "10.0.0.2:80", "", false, 1)

	var added, removed []*Host
	c.HostSet().AddMemberUpdateCallback(func(a, r []*Host) {
		added, removed = a, r
	})

	c.SetHosts([]*Host{h1, h2})
	if len(added) != 2 || len(removed) != 0 {
		t.Fatalf("first update: added=%d removed=%d", len(added), len(removed))
	}
	c.SetHosts([]*Host{h2})
	if len(added) != 0 || len(removed) != 1 || removed[0] != h1 {
		t.Fatalf("second update: added=%d removed=%d", len(added), len(removed))
	}
}

func TestRefreshHealthRecomputesHealthyView(t *testing.T) {
	info := testClusterInfo("health", LBRoundRobin)
	c := NewCluster(info, "")
	h := NewHost(info, "10.0.0.1:80", "", false, 1)
	c.SetHosts([]*Host{h})

	if got := len(c.HostSet().HealthyHosts()); got != 1 {
		t.Fatalf("healthy = %d, want 1", got)
	}
	h.SetHealthFlag(FlagFailedOutlierCheck)
	c.RefreshHealth()
	if got := len(c.HostSet().HealthyHosts()); got != 0 {
		t.Fatalf("healthy after flag = %d, want 0", got)
	}
	h.ClearHealthFlag(FlagFailedOutlierCheck)
	c.RefreshHealth()
	if got := len(c.HostSet().HealthyHosts()); got != 1 {
		t.Fatalf("healthy after clear = %d, want 1", got)
	}
}

func TestHostHealthFlags(t *testing.T) {
	info := testClusterInfo("flags", LBRoundRobin)
	h := NewHost(info, "10.0.0.1:80", "", false, 0)

	if !h.Healthy() {
		t.Fatal("new host should be healthy")
	}
	if h.Weight() != 1 {
		t.Errorf("zero weight should clamp to 1, got %d", h.Weight())
	}
	h.SetHealthFlag(FlagFailedActiveHC)
	h.SetHealthFlag(FlagFailedOutlierCheck)
	if h.Healthy() {
		t.Fatal("host with flags should be unhealthy")
	}
	h.ClearHealthFlag(FlagFailedActiveHC)
	if !h.HealthFlagSet(FlagFailedOutlierCheck) || h.HealthFlagSet(FlagFailedActiveHC) {
		t.Fatal("clear removed the wrong flag")
	}
	h.ClearHealthFlag(FlagFailedOutlierCheck)
	if !h.Healthy() {
		t.Fatal("host should be healthy after clearing all flags")
	}
}

func TestResourceManagerDefaultsAndAccounting(t *testing.T) {
	rm := NewResourceManager(ResourceLimits{MaxRetries: 1})
	if rm.Connections.Max() != 1024 || rm.Retries.Max() != 1 {
		t.Fatalf("limits = cx:%d retries:%d", rm.Connections.Max(), rm.Retries.Max())
	}
	if !rm.Retries.CanCreate() {
		t.Fatal("empty budget should admit")
	}
	rm.Retries.Inc()
	if rm.Retries.CanCreate() {
		t.Fatal("full budget should refuse")
	}
	rm.Retries.Dec()
	if !rm.Retries.CanCreate() || rm.Retries.Count() != 0 {
		t.Fatalf("release should restore budget, count=%d", rm.Retries.Count())
	}
}

func TestClusterInfoResourcesPriorityBounds(t *testing.T) {
	info := testClusterInfo("prio", LBRoundRobin)
	if info.Resources(PriorityDefault) == info.Resources(PriorityHigh) {
		t.Fatal("priorities must have separate budgets")
	}
	if info.Resources(Priority(42)) != info.Resources(PriorityDefault) {
		t.Fatal("out of range priority should fall back to default")
	}
}
