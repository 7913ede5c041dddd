package router

import (
	"fmt"
	"strconv"
	"time"

	"mercator-hq/janus/pkg/buffer"
	"mercator-hq/janus/pkg/event"
	"mercator-hq/janus/pkg/headers"
	"mercator-hq/janus/pkg/pool"
	"mercator-hq/janus/pkg/runtime"
	"mercator-hq/janus/pkg/stream"
	"mercator-hq/janus/pkg/upstream"
)

const responseBodyUpstreamError = "upstream connect error or disconnect/reset before headers"

// ClusterManager is the router's view of the cluster layer. The production
// implementation lives in the server package; tests substitute a mock.
type ClusterManager interface {
	// GetCluster returns the named cluster's info, or nil.
	GetCluster(name string) *upstream.ClusterInfo
	// ConnPool returns a worker-local pool for a host chosen by the
	// cluster's load balancer, or nil when no healthy host exists.
	ConnPool(cluster string, priority upstream.Priority, ctx upstream.Context) pool.Instance
	// ReportResponse feeds the outlier detector with an attempt's result.
	ReportResponse(host *upstream.Host, statusCode int)
}

// hashContext carries the consistent-hash key into host selection.
type hashContext struct {
	hash uint64
	ok   bool
}

func (c hashContext) HashKey() (uint64, bool) { return c.hash, c.ok }

// Filter is the terminal decoder filter: it matches a route, forwards the
// request to an upstream host, and writes the response onto the encoder
// chain.
type Filter struct {
	cfg       *Config
	cm        ClusterManager
	rt        *runtime.Loader
	random    func() uint64
	localZone string

	cb stream.DecoderCallbacks

	route    *Route
	entry    *RouteEntry
	cluster  *upstream.ClusterInfo
	vcluster *VirtualCluster

	timeout       time.Duration
	perTryTimeout time.Duration
	altResponse   int

	globalTimer event.Timer
	perTryTimer event.Timer

	retry *retryState

	requestHeaders  *headers.Map
	requestTrailers *headers.Map
	downstreamEnd   bool

	// body holds a copy of the request body for retries and shadowing;
	// pendingBody holds bytes not yet written to the current attempt.
	bufferBody  bool
	body        buffer.Buffer
	pendingBody buffer.Buffer

	upstream     *upstreamRequest
	attemptStart time.Time

	doShadow         bool
	shadowStarted    bool
	responseStarted  bool
	responseComplete bool
}

// NewFilter builds a router filter over a route table.
func NewFilter(cfg *Config, cm ClusterManager, rt *runtime.Loader, random func() uint64, localZone string) *Filter {
	return &Filter{cfg: cfg, cm: cm, rt: rt, random: random, localZone: localZone}
}

func (f *Filter) SetDecoderCallbacks(cb stream.DecoderCallbacks) { f.cb = cb }

func (f *Filter) OnDecodeHeaders(h *headers.Map, endStream bool) stream.HeadersStatus {
	f.requestHeaders = h
	f.downstreamEnd = endStream

	route := f.cfg.Route(h)
	if route == nil {
		f.cb.RequestInfo().SetFlag(stream.FlagNoRouteFound)
		f.sendLocalReply(404, "")
		return stream.HeadersStopIteration
	}
	f.route = route
	if route.Redirect != nil {
		resp := headers.New()
		resp.Add(headers.Status, "301")
		resp.Add("location", route.Redirect.Location(h))
		f.cb.RequestInfo().ResponseCode = 301
		f.responseStarted = true
		f.responseComplete = true
		f.cb.EncodeHeaders(resp, true)
		return stream.HeadersStopIteration
	}

	f.entry = route.Entry
	f.cluster = f.cm.GetCluster(f.entry.ClusterName)
	if f.cluster == nil {
		f.cb.RequestInfo().SetFlag(stream.FlagNoClusterFound)
		f.sendLocalReply(503, "")
		return stream.HeadersStopIteration
	}
	if f.rt.Snapshot().FeatureEnabled("upstream.maintenance_mode."+f.cluster.Name, 0) {
		f.cluster.Cx.MaintenanceMode.Inc()
		f.cb.RequestInfo().SetFlag(stream.FlagUpstreamOverflow)
		f.sendLocalReply(503, "maintenance mode")
		return stream.HeadersStopIteration
	}
	f.vcluster = route.vhost.matchVirtualCluster(h.Value(headers.Method), h.Value(headers.Path))

	f.resolveTimeouts(h)
	finalizeRequestHeaders(f.entry, route, h)
	f.retry = newRetryState(f.entry.Retry, h, f.cluster, f.entry.Priority, f.rt, f.random, f.cb.Dispatcher())

	if f.entry.Shadow != nil {
		fraction := uint64(10000)
		if key := f.entry.Shadow.RuntimeKey; key != "" {
			fraction = f.rt.Snapshot().GetInteger(key, 0)
		}
		f.doShadow = f.random()%10000 < fraction
	}
	f.bufferBody = f.retry != nil || f.doShadow

	if f.timeout > 0 {
		f.globalTimer = f.cb.Dispatcher().CreateTimer(f.onGlobalTimeout)
		f.globalTimer.Enable(f.timeout)
	}
	f.startUpstream()
	f.maybeStartShadow()
	return stream.HeadersStopIteration
}

// resolveTimeouts applies the x-envoy timeout overrides and strips them so
// they never reach the upstream.
func (f *Filter) resolveTimeouts(h *headers.Map) {
	f.timeout = f.entry.Timeout
	if v, ok := h.Get(headers.EnvoyTimeoutMs); ok {
		if ms, err := strconv.ParseUint(v, 10, 64); err == nil {
			f.timeout = time.Duration(ms) * time.Millisecond
		}
		h.Remove(headers.EnvoyTimeoutMs)
	}
	if v, ok := h.Get(headers.EnvoyPerTryTimeoutMs); ok {
		if ms, err := strconv.ParseUint(v, 10, 64); err == nil {
			f.perTryTimeout = time.Duration(ms) * time.Millisecond
		}
		h.Remove(headers.EnvoyPerTryTimeoutMs)
	}
	if v, ok := h.Get(headers.EnvoyTimeoutAltResponse); ok {
		if code, err := strconv.Atoi(v); err == nil {
			f.altResponse = code
		}
		h.Remove(headers.EnvoyTimeoutAltResponse)
	}
	if f.timeout > 0 {
		h.Set(headers.EnvoyExpectedTimeoutMs, strconv.FormatInt(f.timeout.Milliseconds(), 10))
	}
}

func (f *Filter) OnDecodeData(data *buffer.Buffer, endStream bool) stream.DataStatus {
	f.downstreamEnd = endStream
	if f.responseComplete {
		data.Drain(data.Length())
		return stream.DataStopNoBuffer
	}
	if f.bufferBody {
		f.body.Add(data.Bytes())
	}
	if f.upstream != nil && f.upstream.encoder != nil {
		f.upstream.encoder.EncodeData(data, endStream)
	} else {
		f.pendingBody.Move(data)
	}
	if endStream {
		f.maybeStartShadow()
	}
	return stream.DataStopNoBuffer
}

func (f *Filter) OnDecodeTrailers(h *headers.Map) stream.TrailersStatus {
	f.downstreamEnd = true
	if f.responseComplete {
		return stream.TrailersStopIteration
	}
	f.requestTrailers = h
	if f.upstream != nil && f.upstream.encoder != nil {
		f.upstream.encoder.EncodeTrailers(h)
	}
	f.maybeStartShadow()
	return stream.TrailersStopIteration
}

func (f *Filter) OnReset(reason stream.ResetReason) {
	f.disableTimers()
	if f.retry != nil {
		f.retry.cancel()
	}
	if u := f.upstream; u != nil {
		f.upstream = nil
		u.detach()
	}
}

// startUpstream begins one attempt against a freshly balanced host.
func (f *Filter) startUpstream() {
	var ctx upstream.Context
	if f.entry.Hash != nil {
		hash, ok := f.entry.Hash.GenerateHash(f.requestHeaders)
		ctx = hashContext{hash: hash, ok: ok}
	}
	p := f.cm.ConnPool(f.entry.ClusterName, f.entry.Priority, ctx)
	if p == nil {
		f.cb.RequestInfo().SetFlag(stream.FlagNoHealthyUpstream)
		f.sendLocalReply(503, "no healthy upstream")
		return
	}
	f.attemptStart = time.Now()
	u := &upstreamRequest{parent: f, pool: p}
	f.upstream = u
	u.cancellable = p.NewStream(u, u)
}

// doRetry launches the next attempt, replaying the buffered body and the
// trailers.
func (f *Filter) doRetry() {
	if f.responseComplete {
		return
	}
	f.upstream = nil
	f.pendingBody = buffer.Buffer{}
	f.pendingBody.Add(f.body.Bytes())
	f.startUpstream()
}

func (f *Filter) onGlobalTimeout() {
	f.cluster.Cx.RqTimeout.Inc()
	if u := f.upstream; u != nil {
		if u.host != nil {
			u.host.Stats.RequestsTimeout.Inc()
		}
		f.upstream = nil
		u.detach()
	}
	if f.retry != nil {
		f.retry.cancel()
	}
	f.cb.RequestInfo().SetFlag(stream.FlagUpstreamRequestTimeout)
	if f.altResponse > 0 {
		f.sendLocalReply(f.altResponse, "")
		return
	}
	f.sendLocalReply(504, "upstream request timeout")
}

func (f *Filter) onPerTryTimeout() {
	u := f.upstream
	if u == nil {
		return
	}
	f.cluster.Stats.Counter("upstream_rq_per_try_timeout").Inc()
	if u.host != nil {
		u.host.Stats.RequestsTimeout.Inc()
	}
	f.upstream = nil
	u.detach()

	reason := stream.ResetLocal
	if f.retry != nil && f.retry.shouldRetry(nil, &reason, f.doRetry) {
		return
	}
	f.cb.RequestInfo().SetFlag(stream.FlagUpstreamRequestTimeout)
	f.sendLocalReply(504, "upstream request timeout")
}

// onUpstreamReset handles an attempt dying before response headers.
func (f *Filter) onUpstreamReset(reason stream.ResetReason) {
	if f.responseStarted {
		f.cb.ResetStream(reason)
		return
	}
	if f.retry != nil && f.retry.shouldRetry(nil, &reason, f.doRetry) {
		f.upstream = nil
		return
	}
	f.upstream = nil
	info := f.cb.RequestInfo()
	switch reason {
	case stream.ResetConnectionFailure:
		info.SetFlag(stream.FlagUpstreamConnectionFailure)
	case stream.ResetConnectionTermination:
		info.SetFlag(stream.FlagUpstreamConnectionTermination)
	case stream.ResetOverflow:
		info.SetFlag(stream.FlagUpstreamOverflow)
	default:
		info.SetFlag(stream.FlagUpstreamRemoteReset)
	}
	f.sendLocalReply(503, responseBodyUpstreamError)
}

// sendLocalReply answers the request directly on the encoder chain.
func (f *Filter) sendLocalReply(code int, body string) {
	if f.responseComplete {
		return
	}
	f.disableTimers()
	f.responseStarted = true
	f.responseComplete = true
	f.cb.RequestInfo().ResponseCode = code

	h := headers.New()
	h.Add(headers.Status, strconv.Itoa(code))
	if body == "" {
		f.cb.EncodeHeaders(h, true)
		return
	}
	h.Add(headers.ContentLength, strconv.Itoa(len(body)))
	h.Add("content-type", "text/plain")
	f.cb.EncodeHeaders(h, false)
	var buf buffer.Buffer
	buf.AddString(body)
	f.cb.EncodeData(&buf, true)
}

func (f *Filter) disableTimers() {
	if f.globalTimer != nil {
		f.globalTimer.Disable()
	}
	if f.perTryTimer != nil {
		f.perTryTimer.Disable()
	}
}

// chargeUpstreamCode records the response code against the cluster, its
// canary and zone breakdowns, and any matched virtual cluster.
func (f *Filter) chargeUpstreamCode(code int, host *upstream.Host, respHeaders *headers.Map) {
	group := fmt.Sprintf("upstream_rq_%dxx", code/100)
	exact := fmt.Sprintf("upstream_rq_%d", code)
	scope := f.cluster.Stats
	scope.Counter(group).Inc()
	scope.Counter(exact).Inc()

	canary := host != nil && host.Canary()
	if respHeaders.Value(headers.EnvoyUpstreamCanary) == "true" {
		canary = true
	}
	if canary {
		scope.Counter("canary." + group).Inc()
		scope.Counter("canary." + exact).Inc()
	}
	if f.localZone != "" && host != nil && host.Zone() != "" {
		prefix := "zone." + f.localZone + "." + host.Zone() + "."
		scope.Counter(prefix + group).Inc()
		scope.Counter(prefix + exact).Inc()
	}
	if f.vcluster != nil {
		prefix := "vcluster." + f.vcluster.Name + "."
		scope.Counter(prefix + group).Inc()
		scope.Counter(prefix + exact).Inc()
	}
}

// upstreamRequest is one attempt against one balanced host. It receives the
// pool callbacks and decodes the upstream response back onto the downstream
// encoder chain.
type upstreamRequest struct {
	parent      *Filter
	pool        pool.Instance
	cancellable pool.Cancellable
	encoder     pool.StreamEncoder
	host        *upstream.Host

	// dead marks an attempt the filter abandoned; late callbacks from the
	// pool are ignored.
	dead bool
}

func (u *upstreamRequest) OnPoolReady(enc pool.StreamEncoder, host *upstream.Host) {
	if u.dead {
		enc.ResetStream(stream.ResetLocal)
		return
	}
	f := u.parent
	u.cancellable = nil
	u.encoder = enc
	u.host = host
	f.cb.RequestInfo().UpstreamHost = host

	if f.entry.AutoHostRewrite {
		f.requestHeaders.Set(headers.Authority, host.Address())
	}
	enc.AddCallbacks(u)

	end := f.downstreamEnd && f.pendingBody.Length() == 0 && f.requestTrailers == nil
	if err := enc.EncodeHeaders(f.requestHeaders, end); err != nil {
		u.dead = true
		f.onUpstreamReset(stream.ResetConnectionTermination)
		return
	}
	if f.pendingBody.Length() > 0 {
		endData := f.downstreamEnd && f.requestTrailers == nil
		enc.EncodeData(&f.pendingBody, endData)
	}
	if f.requestTrailers != nil && f.downstreamEnd {
		enc.EncodeTrailers(f.requestTrailers)
	}
	if f.perTryTimeout > 0 {
		if f.perTryTimer == nil {
			f.perTryTimer = f.cb.Dispatcher().CreateTimer(f.onPerTryTimeout)
		}
		f.perTryTimer.Enable(f.perTryTimeout)
	}
}

func (u *upstreamRequest) OnPoolFailure(reason pool.FailureReason, host *upstream.Host) {
	if u.dead {
		return
	}
	u.dead = true
	u.cancellable = nil
	if reason == pool.FailureOverflow {
		f := u.parent
		f.upstream = nil
		f.cb.RequestInfo().SetFlag(stream.FlagUpstreamOverflow)
		f.sendLocalReply(503, responseBodyUpstreamError)
		return
	}
	u.host = host
	u.parent.onUpstreamReset(stream.ResetConnectionFailure)
}

func (u *upstreamRequest) DecodeHeaders(h *headers.Map, endStream bool) {
	if u.dead {
		return
	}
	f := u.parent
	code, _ := strconv.Atoi(h.Value(headers.Status))

	if f.retry != nil && !f.responseStarted && f.retry.shouldRetry(h, nil, f.doRetry) {
		u.dead = true
		f.upstream = nil
		if f.perTryTimer != nil {
			f.perTryTimer.Disable()
		}
		f.cm.ReportResponse(u.host, code)
		f.chargeUpstreamCode(code, u.host, h)
		u.encoder.ResetStream(stream.ResetLocal)
		return
	}
	if f.perTryTimer != nil {
		f.perTryTimer.Disable()
	}
	f.cm.ReportResponse(u.host, code)
	f.chargeUpstreamCode(code, u.host, h)
	if f.retry != nil && f.retry.currentRetry > 0 && code < 500 {
		f.cluster.Cx.RqRetrySuccess.Inc()
	}
	h.Set(headers.EnvoyUpstreamServiceTime, strconv.FormatInt(time.Since(f.attemptStart).Milliseconds(), 10))

	f.cb.RequestInfo().ResponseCode = code
	f.responseStarted = true
	if endStream {
		f.onResponseComplete()
	}
	f.cb.EncodeHeaders(h, endStream)
}

func (u *upstreamRequest) DecodeData(data *buffer.Buffer, endStream bool) {
	if u.dead {
		return
	}
	f := u.parent
	if endStream {
		f.onResponseComplete()
	}
	f.cb.EncodeData(data, endStream)
}

func (u *upstreamRequest) DecodeTrailers(h *headers.Map) {
	if u.dead {
		return
	}
	u.parent.onResponseComplete()
	u.parent.cb.EncodeTrailers(h)
}

func (u *upstreamRequest) OnResetStream(reason stream.ResetReason) {
	if u.dead {
		return
	}
	u.dead = true
	u.parent.onUpstreamReset(reason)
}

// detach abandons the attempt without touching the downstream stream.
func (u *upstreamRequest) detach() {
	if u.dead {
		return
	}
	u.dead = true
	if u.cancellable != nil {
		u.cancellable.Cancel()
		u.cancellable = nil
		return
	}
	if u.encoder != nil {
		u.encoder.ResetStream(stream.ResetLocal)
	}
}

func (f *Filter) onResponseComplete() {
	f.responseComplete = true
	f.disableTimers()
	f.upstream = nil
}
