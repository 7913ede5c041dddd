// Package pool manages per-worker HTTP/1.1 upstream connections for one
// host: idle clients are reused, misses open a new connection bounded by
// the cluster's connection budget, and requests beyond the budget fail
// fast with an overflow. Pools drain by closing clients as they go idle.
package pool
