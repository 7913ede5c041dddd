// Package stats provides the process-wide metrics store consumed by every
// data-plane component: named counters, gauges, and histograms addressed
// through dot-separated scopes ("cluster.backend.upstream_rq_total").
//
// Counters and gauges are plain atomics so workers update them without locks;
// the store exposes them to Prometheus through read-on-scrape collectors, and
// the admin endpoint serves them with promhttp.
package stats
