// Package upstream models backend clusters: hosts with health flags and
// zone partitions, circuit-breaker resource accounting, the load balancer
// family (round robin, random, least request, ring hash) with panic mode
// and zone-aware routing, and the outlier ejection detector.
//
// Host sets hold membership under a read/write lock: updates replace whole
// slices under the write lock, and load balancers take the read lock only to
// copy a slice header, then iterate without locks. All workers read the same
// host set; there is no per-worker copy. Host objects outlive membership
// removal while streams still reference them.
package upstream
