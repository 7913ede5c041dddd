package upstream

import "sync/atomic"

// Resource is one circuit-breaker budget: a limit plus a shared count.
type Resource struct {
	max   uint64
	count atomic.Int64
}

// NewResource builds a resource with the given limit.
func NewResource(max uint64) *Resource { return &Resource{max: max} }

// CanCreate reports whether another unit fits under the limit.
func (r *Resource) CanCreate() bool { return uint64(r.count.Load()) < r.max }

// Inc takes one unit.
func (r *Resource) Inc() { r.count.Add(1) }

// Dec returns one unit.
func (r *Resource) Dec() { r.count.Add(-1) }

// Count returns the units currently taken.
func (r *Resource) Count() int64 { return r.count.Load() }

// Max returns the limit.
func (r *Resource) Max() uint64 { return r.max }

// ResourceLimits configures one priority's circuit breaker thresholds.
type ResourceLimits struct {
	MaxConnections     uint64
	MaxPendingRequests uint64
	MaxRequests        uint64
	MaxRetries         uint64
}

// DefaultResourceLimits mirrors the conventional 1024/1024/1024/3 budget.
func DefaultResourceLimits() ResourceLimits {
	return ResourceLimits{
		MaxConnections:     1024,
		MaxPendingRequests: 1024,
		MaxRequests:        1024,
		MaxRetries:         3,
	}
}

// ResourceManager carries the live budgets for one cluster priority.
type ResourceManager struct {
	Connections     *Resource
	PendingRequests *Resource
	Requests        *Resource
	Retries         *Resource
}

// NewResourceManager builds budgets from limits, applying defaults for zero
// values.
func NewResourceManager(limits ResourceLimits) *ResourceManager {
	def := DefaultResourceLimits()
	pick := func(v, d uint64) uint64 {
		if v == 0 {
			return d
		}
		return v
	}
	return &ResourceManager{
		Connections:     NewResource(pick(limits.MaxConnections, def.MaxConnections)),
		PendingRequests: NewResource(pick(limits.MaxPendingRequests, def.MaxPendingRequests)),
		Requests:        NewResource(pick(limits.MaxRequests, def.MaxRequests)),
		Retries:         NewResource(pick(limits.MaxRetries, def.MaxRetries)),
	}
}
