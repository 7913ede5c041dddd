// Package server assembles the proxy: cluster manager, workers, listeners,
// connection managers, and the admin endpoint.
//
// Threading follows the worker model: the main goroutine owns configuration,
// cluster membership, and the outlier detector; each worker owns an event
// loop, its listeners, and per-worker load balancers and connection pools.
// Cross-thread host updates replace the slices of host sets that all workers
// share; picking a host takes the host set's read lock while a slice header
// is copied. Pools of removed hosts are dropped through a task posted to each
// worker's dispatcher.
//
// The admin endpoint (metrics, healthz) runs on a plain net/http listener
// off the data path.
package server
