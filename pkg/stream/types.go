package stream

import (
	"strings"
	"time"
)

// ResetReason explains why a stream was torn down before completion.
type ResetReason int

const (
	// ResetLocalRefused means the local side refused the stream before any
	// processing (for example, pool admission failed).
	ResetLocalRefused ResetReason = iota
	// ResetLocal is a deliberate local reset (per-try timeout, cancellation).
	ResetLocal
	// ResetRemote means the peer reset the stream.
	ResetRemote
	// ResetRemoteRefused means the peer refused the stream before accepting it.
	ResetRemoteRefused
	// ResetConnectionFailure means the transport connect attempt failed.
	ResetConnectionFailure
	// ResetConnectionTermination means the transport died mid-stream.
	ResetConnectionTermination
	// ResetOverflow means a resource limit rejected the stream.
	ResetOverflow
)

func (r ResetReason) String() string {
	switch r {
	case ResetLocalRefused:
		return "local refused"
	case ResetLocal:
		return "local reset"
	case ResetRemote:
		return "remote reset"
	case ResetRemoteRefused:
		return "remote refused"
	case ResetConnectionFailure:
		return "connection failure"
	case ResetConnectionTermination:
		return "connection termination"
	case ResetOverflow:
		return "overflow"
	}
	return "unknown"
}

// ResponseFlag records why a request failed; the bitset is attached to
// RequestInfo for access logging and stats.
type ResponseFlag uint16

const (
	// FlagFailedLocalHealthCheck: the upstream host failed active health checking.
	FlagFailedLocalHealthCheck ResponseFlag = 1 << iota
	// FlagNoHealthyUpstream: the load balancer found no host to pick.
	FlagNoHealthyUpstream
	// FlagUpstreamRequestTimeout: the global request timeout elapsed.
	FlagUpstreamRequestTimeout
	// FlagLocalReset: the stream was reset locally.
	FlagLocalReset
	// FlagUpstreamRemoteReset: the upstream peer reset the stream.
	FlagUpstreamRemoteReset
	// FlagUpstreamConnectionFailure: the upstream connection could not be established.
	FlagUpstreamConnectionFailure
	// FlagUpstreamConnectionTermination: the upstream connection died mid-request.
	FlagUpstreamConnectionTermination
	// FlagUpstreamOverflow: a circuit breaker or maintenance mode rejected the request.
	FlagUpstreamOverflow
	// FlagNoRouteFound: no route matched the request.
	FlagNoRouteFound
	// FlagNoClusterFound: the route named an unknown cluster.
	FlagNoClusterFound
	// FlagDownstreamConnectionTermination: the downstream connection closed first.
	FlagDownstreamConnectionTermination
)

var responseFlagCodes = []struct {
	flag ResponseFlag
	code string
}{
	{FlagFailedLocalHealthCheck, "LH"},
	{FlagNoHealthyUpstream, "UH"},
	{FlagUpstreamRequestTimeout, "UT"},
	{FlagLocalReset, "LR"},
	{FlagUpstreamRemoteReset, "UR"},
	{FlagUpstreamConnectionFailure, "UF"},
	{FlagUpstreamConnectionTermination, "UC"},
	{FlagUpstreamOverflow, "UO"},
	{FlagNoRouteFound, "NR"},
	{FlagNoClusterFound, "NC"},
	{FlagDownstreamConnectionTermination, "DC"},
}

// ShortString renders the set flags as comma-joined access-log codes, or "-"
// when none are set.
func (f ResponseFlag) ShortString() string {
	var codes []string
	for _, rc := range responseFlagCodes {
		if f&rc.flag != 0 {
			codes = append(codes, rc.code)
		}
	}
	if len(codes) == 0 {
		return "-"
	}
	return strings.Join(codes, ",")
}

// HostDescription is the stream-side view of the chosen upstream host. The
// concrete type lives in the upstream package; a host set may drop the host
// while a stream still references it, so the reference keeps it alive until
// the stream completes.
type HostDescription interface {
	Address() string
	Zone() string
	Canary() bool
	ClusterName() string
}

// RequestInfo accumulates per-stream accounting used by access logs, stats,
// and tracing.
type RequestInfo struct {
	StartTime     time.Time
	Protocol      string
	BytesReceived uint64
	BytesSent     uint64
	ResponseCode  int
	Flags         ResponseFlag
	UpstreamHost  HostDescription
}

// SetFlag sets a response flag.
func (ri *RequestInfo) SetFlag(f ResponseFlag) { ri.Flags |= f }

// HasFlag reports whether f is set.
func (ri *RequestInfo) HasFlag(f ResponseFlag) bool { return ri.Flags&f != 0 }

// Duration returns elapsed time since the request started.
func (ri *RequestInfo) Duration() time.Duration { return time.Since(ri.StartTime) }
