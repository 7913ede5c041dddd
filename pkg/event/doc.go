// Package event provides the per-worker event loop: level-triggered file
// descriptor readiness via epoll, monotonic one-shot timers, and a post queue
// for tasks published from other goroutines (cluster snapshot swaps).
//
// Every worker owns exactly one Loop and runs it on a single goroutine. All
// data-path callbacks fire on that goroutine; nothing on the data path takes
// a lock.
package event
