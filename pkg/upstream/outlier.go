package upstream

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"mercator-hq/janus/pkg/event"
	"mercator-hq/janus/pkg/runtime"
	"mercator-hq/janus/pkg/stats"
)

// Runtime keys consumed by the detector. Values in the overrides file win
// over the construction-time defaults.
const (
	runtimeConsecutive5xx        = "outlier_detection.consecutive_5xx"
	runtimeIntervalMs            = "outlier_detection.interval_ms"
	runtimeBaseEjectionMs        = "outlier_detection.base_ejection_time_ms"
	runtimeMaxEjectionPercent    = "outlier_detection.max_ejection_percent"
	runtimeEnforcing5xx          = "outlier_detection.enforcing_consecutive_5xx"
	runtimeEnforcingSuccessRate  = "outlier_detection.enforcing_success_rate"
	runtimeSuccessRateMinHosts   = "outlier_detection.success_rate_minimum_hosts"
	runtimeSuccessRateVolume     = "outlier_detection.success_rate_request_volume"
	runtimeSuccessRateStdevX1000 = "outlier_detection.success_rate_stdev_factor"
)

const (
	defaultConsecutive5xx       = 5
	defaultIntervalMs           = 10000
	defaultBaseEjectionMs       = 30000
	defaultMaxEjectionPercent   = 10
	defaultEnforcing            = 100
	defaultSuccessRateMinHosts  = 5
	defaultSuccessRateVolume    = 100
	defaultStdevFactorThousands = 1900
)

// outlierState is the detector's per-host accounting. The atomic counters
// are bumped from worker goroutines; the remaining fields are owned by the
// detector under its mutex.
type outlierState struct {
	consecutive5xx atomic.Uint32
	rqSuccess      atomic.Uint64
	rqTotal        atomic.Uint64

	ejected      bool
	ejectionTime time.Time
	numEjections uint32
	successRate  float64
}

// EjectionType names why a host was ejected.
type EjectionType string

const (
	EjectConsecutive5xx EjectionType = "consecutive_5xx"
	EjectSuccessRate    EjectionType = "success_rate"
)

// ChangeStateCallback observes ejection and unejection events, for the
// outlier event log.
type ChangeStateCallback func(host *Host, ejected bool, reason EjectionType)

type detectorStats struct {
	EjectionsTotal          *stats.Counter
	EjectionsConsecutive5xx *stats.Counter
	EjectionsSuccessRate    *stats.Counter
	EjectionsOverflow       *stats.Counter
	EjectionsActive         *stats.Gauge
}

func newDetectorStats(scope *stats.Scope) detectorStats {
	return detectorStats{
		EjectionsTotal:          scope.Counter("outlier_detection_ejections_total"),
		EjectionsConsecutive5xx: scope.Counter("outlier_detection_ejections_consecutive_5xx"),
		EjectionsSuccessRate:    scope.Counter("outlier_detection_ejections_success_rate"),
		EjectionsOverflow:       scope.Counter("outlier_detection_ejections_overflow"),
		EjectionsActive:         scope.Gauge("outlier_detection_ejections_active"),
	}
}

// Detector ejects misbehaving hosts from load balancing. Workers report
// response codes through PutResult; a periodic timer scans for unejection
// and success-rate outliers.
type Detector struct {
	cluster *Cluster
	rt      *runtime.Loader
	timer   event.Timer
	now     func() time.Time
	stats   detectorStats

	mu        sync.Mutex
	callbacks []ChangeStateCallback
}

// NewDetector builds a detector over the cluster's primary host set and
// arms the scan interval. now may be nil.
func NewDetector(cluster *Cluster, d event.Dispatcher, rt *runtime.Loader, now func() time.Time) *Detector {
	if now == nil {
		now = time.Now
	}
	det := &Detector{
		cluster: cluster,
		rt:      rt,
		now:     now,
		stats:   newDetectorStats(cluster.Info.Stats),
	}
	det.timer = d.CreateTimer(det.onInterval)
	det.timer.Enable(det.interval())
	return det
}

// AddChangeStateCallback subscribes to ejection state changes.
func (det *Detector) AddChangeStateCallback(cb ChangeStateCallback) {
	det.mu.Lock()
	det.callbacks = append(det.callbacks, cb)
	det.mu.Unlock()
}

// PutResult records one upstream response code for host. Called on the
// worker that owns the stream.
func (det *Detector) PutResult(host *Host, statusCode int) {
	st := &host.outlier
	st.rqTotal.Add(1)
	if statusCode < 500 {
		st.rqSuccess.Add(1)
		st.consecutive5xx.Store(0)
		return
	}
	threshold := det.rt.Snapshot().GetInteger(runtimeConsecutive5xx, defaultConsecutive5xx)
	if uint64(st.consecutive5xx.Add(1)) == threshold {
		det.onConsecutive5xx(host)
	}
}

func (det *Detector) onConsecutive5xx(host *Host) {
	snap := det.rt.Snapshot()
	if !snap.FeatureEnabled(runtimeEnforcing5xx, defaultEnforcing) {
		return
	}
	det.mu.Lock()
	changed := det.ejectLocked(host, EjectConsecutive5xx)
	det.mu.Unlock()
	if changed {
		det.cluster.RefreshHealth()
	}
}

func (det *Detector) interval() time.Duration {
	ms := det.rt.Snapshot().GetInteger(runtimeIntervalMs, defaultIntervalMs)
	return time.Duration(ms) * time.Millisecond
}

// onInterval runs the periodic scan: uneject expired hosts, then apply
// success-rate ejection over the last interval's samples.
func (det *Detector) onInterval() {
	changed := false
	det.mu.Lock()
	if det.unejectExpiredLocked() {
		changed = true
	}
	if det.checkSuccessRatesLocked() {
		changed = true
	}
	det.mu.Unlock()
	if changed {
		det.cluster.RefreshHealth()
	}
	det.timer.Enable(det.interval())
}

// ejectLocked marks host ejected unless the cluster-wide cap would be
// exceeded. Reports whether health flags changed.
func (det *Detector) ejectLocked(host *Host, reason EjectionType) bool {
	if host.outlier.ejected {
		return false
	}
	hosts := det.cluster.HostSet().Hosts()
	maxPercent := det.rt.Snapshot().GetInteger(runtimeMaxEjectionPercent, defaultMaxEjectionPercent)
	if len(hosts) > 0 && uint64(det.ejectedCount(hosts)*100/len(hosts)) >= maxPercent {
		det.stats.EjectionsOverflow.Inc()
		return false
	}
	host.outlier.ejected = true
	host.outlier.ejectionTime = det.now()
	host.outlier.numEjections++
	host.SetHealthFlag(FlagFailedOutlierCheck)
	det.stats.EjectionsTotal.Inc()
	det.stats.EjectionsActive.Inc()
	switch reason {
	case EjectConsecutive5xx:
		det.stats.EjectionsConsecutive5xx.Inc()
	case EjectSuccessRate:
		det.stats.EjectionsSuccessRate.Inc()
	}
	for _, cb := range det.callbacks {
		cb(host, true, reason)
	}
	return true
}

func (det *Detector) ejectedCount(hosts []*Host) int {
	n := 0
	for _, h := range hosts {
		if h.outlier.ejected {
			n++
		}
	}
	return n
}

func (det *Detector) unejectExpiredLocked() bool {
	baseMs := det.rt.Snapshot().GetInteger(runtimeBaseEjectionMs, defaultBaseEjectionMs)
	base := time.Duration(baseMs) * time.Millisecond
	now := det.now()
	changed := false
	for _, h := range det.cluster.HostSet().Hosts() {
		st := &h.outlier
		if !st.ejected {
			continue
		}
		hold := base * time.Duration(st.numEjections)
		if now.Sub(st.ejectionTime) < hold {
			continue
		}
		st.ejected = false
		st.consecutive5xx.Store(0)
		h.ClearHealthFlag(FlagFailedOutlierCheck)
		det.stats.EjectionsActive.Dec()
		for _, cb := range det.callbacks {
			cb(h, false, "")
		}
		changed = true
	}
	return changed
}

// checkSuccessRatesLocked consumes the last interval's per-host samples and
// ejects hosts whose success rate falls below mean minus stdev times the
// configured factor. Hosts with too few samples are excluded from the
// statistics.
func (det *Detector) checkSuccessRatesLocked() bool {
	snap := det.rt.Snapshot()
	volume := snap.GetInteger(runtimeSuccessRateVolume, defaultSuccessRateVolume)
	minHosts := snap.GetInteger(runtimeSuccessRateMinHosts, defaultSuccessRateMinHosts)

	type sample struct {
		host *Host
		rate float64
	}
	var samples []sample
	for _, h := range det.cluster.HostSet().Hosts() {
		st := &h.outlier
		total := st.rqTotal.Swap(0)
		success := st.rqSuccess.Swap(0)
		if total < volume {
			st.successRate = -1
			continue
		}
		rate := 100 * float64(success) / float64(total)
		st.successRate = rate
		samples = append(samples, sample{host: h, rate: rate})
	}
	if uint64(len(samples)) < minHosts {
		return false
	}

	var sum float64
	for _, s := range samples {
		sum += s.rate
	}
	mean := sum / float64(len(samples))
	var variance float64
	for _, s := range samples {
		d := s.rate - mean
		variance += d * d
	}
	stdev := math.Sqrt(variance / float64(len(samples)))
	factor := float64(snap.GetInteger(runtimeSuccessRateStdevX1000, defaultStdevFactorThousands)) / 1000
	threshold := mean - stdev*factor

	changed := false
	for _, s := range samples {
		if s.rate >= threshold || s.host.outlier.ejected {
			continue
		}
		if !snap.FeatureEnabled(runtimeEnforcingSuccessRate, defaultEnforcing) {
			continue
		}
		if det.ejectLocked(s.host, EjectSuccessRate) {
			changed = true
		}
	}
	return changed
}
