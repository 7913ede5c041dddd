package router

import (
	"strconv"
	"time"

	"mercator-hq/janus/pkg/event"
	"mercator-hq/janus/pkg/headers"
	"mercator-hq/janus/pkg/runtime"
	"mercator-hq/janus/pkg/stream"
	"mercator-hq/janus/pkg/upstream"
)

const (
	runtimeUseRetry      = "upstream.use_retry"
	runtimeBaseBackoffMs = "upstream.base_retry_backoff_ms"

	defaultBackoffBaseMs = 25
)

// retryState tracks the retry budget for one downstream request across its
// upstream attempts. A nil *retryState means the request is not retriable.
type retryState struct {
	enabled      RetryOn
	remaining    uint32
	currentRetry uint32

	cluster    *upstream.ClusterInfo
	priority   upstream.Priority
	rt         *runtime.Loader
	random     func() uint64
	dispatcher event.Dispatcher

	backoffTimer event.Timer
	pending      bool
}

// newRetryState merges the route's retry policy with the x-envoy-retry-on
// and x-envoy-max-retries request headers, stripping both. Returns nil when
// no retry condition is enabled.
func newRetryState(policy RetryPolicy, h *headers.Map, cluster *upstream.ClusterInfo, priority upstream.Priority, rt *runtime.Loader, random func() uint64, d event.Dispatcher) *retryState {
	enabled := policy.RetryOn
	remaining := policy.NumRetries

	if v, ok := h.Get(headers.EnvoyRetryOn); ok {
		enabled |= ParseRetryOn(v)
		if remaining == 0 {
			remaining = 1
		}
		h.Remove(headers.EnvoyRetryOn)
	}
	if v, ok := h.Get(headers.EnvoyMaxRetries); ok {
		if n, err := strconv.ParseUint(v, 10, 32); err == nil {
			remaining = uint32(n)
		}
		h.Remove(headers.EnvoyMaxRetries)
	}
	if enabled == 0 {
		return nil
	}
	if remaining == 0 {
		remaining = 1
	}
	return &retryState{
		enabled:    enabled,
		remaining:  remaining,
		cluster:    cluster,
		priority:   priority,
		rt:         rt,
		random:     random,
		dispatcher: d,
	}
}

// wouldRetryHeaders reports whether the response status makes the attempt
// retriable under the enabled conditions.
func (r *retryState) wouldRetryHeaders(h *headers.Map) bool {
	code, err := strconv.Atoi(h.Value(headers.Status))
	if err != nil {
		return false
	}
	if r.enabled&RetryOn5xx != 0 && code >= 500 {
		return true
	}
	if r.enabled&RetryOnRetriable4xx != 0 && code == 409 {
		return true
	}
	return false
}

// wouldRetryReset reports whether the reset reason makes the attempt
// retriable under the enabled conditions.
func (r *retryState) wouldRetryReset(reason stream.ResetReason) bool {
	// 5xx covers any upstream reset, matching the gateway-error semantics
	// of the response that would have been synthesized.
	if r.enabled&RetryOn5xx != 0 {
		return true
	}
	if r.enabled&RetryOnConnectFailure != 0 && reason == stream.ResetConnectionFailure {
		return true
	}
	if r.enabled&RetryOnRefusedStream != 0 && reason == stream.ResetRemoteRefused {
		return true
	}
	return false
}

// shouldRetry consumes one retry if the attempt qualifies and schedules
// doRetry after a jittered backoff. Exactly one of respHeaders or reset
// describes the failed attempt.
func (r *retryState) shouldRetry(respHeaders *headers.Map, reset *stream.ResetReason, doRetry func()) bool {
	if r.remaining == 0 || r.pending {
		return false
	}
	if !r.rt.Snapshot().FeatureEnabled(runtimeUseRetry, 100) {
		return false
	}
	if respHeaders != nil && !r.wouldRetryHeaders(respHeaders) {
		return false
	}
	if reset != nil && !r.wouldRetryReset(*reset) {
		return false
	}
	retries := r.cluster.Resources(r.priority).Retries
	if !retries.CanCreate() {
		r.cluster.Cx.RqRetryOverflow.Inc()
		return false
	}
	retries.Inc()
	r.remaining--
	r.currentRetry++
	r.cluster.Cx.RqRetry.Inc()
	r.pending = true

	if r.backoffTimer == nil {
		r.backoffTimer = r.dispatcher.CreateTimer(func() {
			r.pending = false
			retries.Dec()
			doRetry()
		})
	}
	r.backoffTimer.Enable(r.backoffDelay())
	return true
}

// backoffDelay computes a fully jittered exponential delay: a uniform pick
// from [0, base * (2^attempt - 1)).
func (r *retryState) backoffDelay() time.Duration {
	base := r.rt.Snapshot().GetInteger(runtimeBaseBackoffMs, defaultBackoffBaseMs)
	ceiling := base * ((1 << r.currentRetry) - 1)
	if ceiling == 0 {
		ceiling = base
	}
	return time.Duration(r.random()%ceiling) * time.Millisecond
}

// cancel disables any pending backoff and returns its budget unit.
func (r *retryState) cancel() {
	if r.pending {
		r.pending = false
		r.cluster.Resources(r.priority).Retries.Dec()
		if r.backoffTimer != nil {
			r.backoffTimer.Disable()
		}
	}
}
