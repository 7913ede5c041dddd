package event

import "time"

// Readiness bits for file events.
const (
	Readable uint32 = 1 << iota
	Writable
	Closed
)

// Timer is a monotonic one-shot timer owned by a dispatcher. Enable re-arms
// the timer, replacing any previous deadline; Disable is idempotent and a
// disabled timer never fires.
type Timer interface {
	Enable(d time.Duration)
	Disable()
}

// FileEvent delivers readiness callbacks for one file descriptor.
type FileEvent interface {
	// SetEnabled replaces the event mask the callback is interested in.
	SetEnabled(events uint32)
	// Activate injects events as if the kernel had reported them, from the
	// owning loop goroutine.
	Activate(events uint32)
	// Close unregisters the descriptor from the loop.
	Close()
}

// Dispatcher is the surface the data plane consumes. The production
// implementation is Loop; tests substitute a manually stepped dispatcher.
type Dispatcher interface {
	CreateTimer(cb func()) Timer
	CreateFileEvent(fd int, events uint32, cb func(events uint32)) (FileEvent, error)
	// Post schedules fn to run on the loop goroutine. Safe to call from any
	// goroutine; this is the only cross-worker entry point.
	Post(fn func())
}
