// Package health implements the admin liveness and readiness probes.
//
// Components register probe functions with a Checker. Liveness answers
// as long as the process runs. Readiness runs every registered probe
// with a per-probe timeout and degrades when any component fails, which
// is how a draining server drops out of its load balancer pool.
package health
