package pool

import (
	"strings"

	"mercator-hq/janus/pkg/buffer"
	"mercator-hq/janus/pkg/event"
	"mercator-hq/janus/pkg/headers"
	"mercator-hq/janus/pkg/http1"
	"mercator-hq/janus/pkg/network"
	"mercator-hq/janus/pkg/stream"
	"mercator-hq/janus/pkg/upstream"
)

// FailureReason tells the caller why the pool could not supply a stream.
type FailureReason int

const (
	// FailureOverflow means the cluster's circuit breaker refused the
	// request. No connection was attempted.
	FailureOverflow FailureReason = iota
	// FailureConnection means the upstream connect failed or timed out.
	FailureConnection
)

func (r FailureReason) String() string {
	if r == FailureOverflow {
		return "overflow"
	}
	return "connection failure"
}

// StreamEncoder is the request side handed to the caller on pool readiness.
type StreamEncoder interface {
	stream.Encoder
	stream.Stream
}

// Callbacks receives the outcome of a NewStream call. Either OnPoolReady or
// OnPoolFailure fires exactly once, possibly synchronously from NewStream.
type Callbacks interface {
	OnPoolReady(encoder StreamEncoder, host *upstream.Host)
	OnPoolFailure(reason FailureReason, host *upstream.Host)
}

// Cancellable aborts a pending stream that has not been attached yet.
type Cancellable interface {
	Cancel()
}

// Instance is one host's connection pool, owned by a single worker.
type Instance interface {
	Host() *upstream.Host
	NewStream(responseDecoder stream.Decoder, cb Callbacks) Cancellable
	AddDrainedCallback(fn func())
}

// HTTP1 pools HTTP/1.1 client connections to one host. A client carries at
// most one request at a time; idle clients park on the ready list.
type HTTP1 struct {
	dispatcher event.Dispatcher
	host       *upstream.Host
	priority   upstream.Priority

	ready   []*activeClient
	busy    []*activeClient
	pending []*pendingRequest
	drained []func()
}

// NewHTTP1 builds an empty pool for host at the given priority.
func NewHTTP1(d event.Dispatcher, host *upstream.Host, priority upstream.Priority) *HTTP1 {
	return &HTTP1{dispatcher: d, host: host, priority: priority}
}

// Host returns the pooled host.
func (p *HTTP1) Host() *upstream.Host { return p.host }

func (p *HTTP1) resources() *upstream.ResourceManager {
	return p.host.Cluster().Resources(p.priority)
}

// NewStream attaches responseDecoder to a ready client, or queues it behind
// a fresh connection. Returns nil when the outcome was delivered inline.
func (p *HTTP1) NewStream(responseDecoder stream.Decoder, cb Callbacks) Cancellable {
	if n := len(p.ready); n > 0 {
		c := p.ready[n-1]
		p.ready = p.ready[:n-1]
		p.busy = append(p.busy, c)
		p.attach(c, responseDecoder, cb)
		return nil
	}

	res := p.resources()
	if !res.PendingRequests.CanCreate() || !res.Connections.CanCreate() {
		p.host.Cluster().Cx.RqPendingOverflow.Inc()
		cb.OnPoolFailure(FailureOverflow, nil)
		return nil
	}
	if err := p.createClient(); err != nil {
		p.host.Cluster().Cx.CxConnectFail.Inc()
		p.host.Stats.CxConnectFail.Inc()
		cb.OnPoolFailure(FailureConnection, p.host)
		return nil
	}
	res.PendingRequests.Inc()
	pr := &pendingRequest{pool: p, decoder: responseDecoder, callbacks: cb}
	p.pending = append(p.pending, pr)
	return pr
}

// AddDrainedCallback registers fn to run once every client is gone. Idle
// clients close immediately; busy ones close as their request finishes.
func (p *HTTP1) AddDrainedCallback(fn func()) {
	p.drained = append(p.drained, fn)
	for _, c := range append([]*activeClient(nil), p.ready...) {
		c.conn.Close(network.CloseNoFlush)
	}
	p.checkDrained()
}

func (p *HTTP1) createClient() error {
	conn, err := network.Connect(p.dispatcher, p.host.Address())
	if err != nil {
		return err
	}
	c := &activeClient{pool: p, conn: conn, connecting: true}
	if max := p.host.Cluster().MaxRequestsPerConnection; max > 0 {
		c.limited = true
		c.remaining = max
	}
	c.codec = http1.NewClientConnection(conn)
	conn.SetReadCallback(c.onData)
	conn.AddCallbacks(c)
	c.connectTimer = p.dispatcher.CreateTimer(c.onConnectTimeout)
	c.connectTimer.Enable(p.host.Cluster().ConnectTimeout)

	p.host.Cluster().Cx.CxTotal.Inc()
	p.host.Stats.CxTotal.Inc()
	p.host.Stats.CxActive.Inc()
	p.resources().Connections.Inc()
	p.busy = append(p.busy, c)
	return nil
}

func (p *HTTP1) attach(c *activeClient, decoder stream.Decoder, cb Callbacks) {
	if c.limited {
		c.remaining--
	}
	w := &streamWrapper{client: c, decoder: decoder}
	w.encoder = c.codec.NewStream(w)
	c.wrapper = w

	p.host.Cluster().Cx.RqTotal.Inc()
	p.host.Stats.RequestsTotal.Inc()
	p.host.Stats.RequestsActive.Inc()
	p.resources().Requests.Inc()
	cb.OnPoolReady(w, p.host)
}

func (p *HTTP1) onConnectSuccess(c *activeClient) {
	if len(p.drained) > 0 {
		c.conn.Close(network.CloseNoFlush)
		return
	}
	if pr := p.popPending(); pr != nil {
		p.attach(c, pr.decoder, pr.callbacks)
		return
	}
	p.removeFrom(&p.busy, c)
	p.ready = append(p.ready, c)
}

func (p *HTTP1) onResponseComplete(w *streamWrapper) {
	c := w.client
	w.finishRequest()
	c.wrapper = nil

	if len(p.drained) > 0 || w.closeConnection || (c.limited && c.remaining == 0) {
		c.conn.Close(network.CloseFlushWrite)
		return
	}
	if pr := p.popPending(); pr != nil {
		p.attach(c, pr.decoder, pr.callbacks)
		return
	}
	p.removeFrom(&p.busy, c)
	p.ready = append(p.ready, c)
}

func (p *HTTP1) onClientClosed(c *activeClient) {
	if c.closed {
		return
	}
	c.closed = true
	c.connectTimer.Disable()
	p.host.Stats.CxActive.Dec()
	p.host.Cluster().Cx.CxDestroy.Inc()
	p.resources().Connections.Dec()
	p.removeFrom(&p.ready, c)
	p.removeFrom(&p.busy, c)

	if c.connecting {
		if !c.timedOut {
			p.host.Cluster().Cx.CxConnectFail.Inc()
			p.host.Stats.CxConnectFail.Inc()
		}
		if pr := p.popPending(); pr != nil {
			pr.callbacks.OnPoolFailure(FailureConnection, p.host)
		}
	}
	if w := c.wrapper; w != nil {
		c.wrapper = nil
		w.onConnectionClose()
	}
	p.checkDrained()
}

func (p *HTTP1) popPending() *pendingRequest {
	if len(p.pending) == 0 {
		return nil
	}
	pr := p.pending[0]
	p.pending = p.pending[1:]
	p.resources().PendingRequests.Dec()
	return pr
}

func (p *HTTP1) removeFrom(list *[]*activeClient, c *activeClient) {
	for i, x := range *list {
		if x == c {
			*list = append((*list)[:i], (*list)[i+1:]...)
			return
		}
	}
}

func (p *HTTP1) checkDrained() {
	if len(p.drained) == 0 || len(p.busy) > 0 || len(p.pending) > 0 {
		return
	}
	cbs := p.drained
	p.drained = nil
	for _, fn := range cbs {
		fn()
	}
}

type pendingRequest struct {
	pool      *HTTP1
	decoder   stream.Decoder
	callbacks Callbacks
}

// Cancel drops the request from the queue. The connection it triggered is
// left to finish connecting and park on the ready list.
func (pr *pendingRequest) Cancel() {
	for i, x := range pr.pool.pending {
		if x == pr {
			pr.pool.pending = append(pr.pool.pending[:i], pr.pool.pending[i+1:]...)
			pr.pool.resources().PendingRequests.Dec()
			return
		}
	}
}

// activeClient is one pooled upstream connection and its codec.
type activeClient struct {
	pool         *HTTP1
	conn         *network.Connection
	codec        *http1.ClientConnection
	connectTimer event.Timer
	wrapper      *streamWrapper

	limited    bool
	remaining  uint64
	connecting bool
	timedOut   bool
	closed     bool
}

func (c *activeClient) onData(data *buffer.Buffer) {
	if err := c.codec.Dispatch(data); err != nil {
		c.conn.Close(network.CloseNoFlush)
	}
}

func (c *activeClient) onConnectTimeout() {
	c.timedOut = true
	c.pool.host.Cluster().Cx.CxConnectTimeout.Inc()
	c.conn.Close(network.CloseNoFlush)
}

func (c *activeClient) OnEvent(ev network.ConnectionEvent) {
	switch ev {
	case network.EventConnected:
		c.connectTimer.Disable()
		c.connecting = false
		c.pool.onConnectSuccess(c)
	case network.EventRemoteClose, network.EventLocalClose:
		c.pool.onClientClosed(c)
	}
}

// streamWrapper sits between the caller and the codec stream so the pool
// observes request and response completion. It is the encoder handed to the
// caller and the decoder given to the codec.
type streamWrapper struct {
	client  *activeClient
	decoder stream.Decoder
	encoder http1.RequestEncoder

	resetCBs        []stream.ResetCallback
	encodeComplete  bool
	decodeComplete  bool
	closeConnection bool
	reset           bool
	finished        bool
}

func (w *streamWrapper) EncodeHeaders(h *headers.Map, endStream bool) error {
	if endStream {
		w.encodeComplete = true
	}
	return w.encoder.EncodeHeaders(h, endStream)
}

func (w *streamWrapper) EncodeData(data *buffer.Buffer, endStream bool) {
	if endStream {
		w.encodeComplete = true
	}
	w.encoder.EncodeData(data, endStream)
}

func (w *streamWrapper) EncodeTrailers(h *headers.Map) {
	w.encodeComplete = true
	w.encoder.EncodeTrailers(h)
}

func (w *streamWrapper) DecodeHeaders(h *headers.Map, endStream bool) {
	if connectionClose(h.Value("connection")) {
		w.closeConnection = true
	}
	w.decoder.DecodeHeaders(h, endStream)
	if endStream {
		w.onDecodeComplete()
	}
}

func (w *streamWrapper) DecodeData(data *buffer.Buffer, endStream bool) {
	w.decoder.DecodeData(data, endStream)
	if endStream {
		w.onDecodeComplete()
	}
}

func (w *streamWrapper) DecodeTrailers(h *headers.Map) {
	w.decoder.DecodeTrailers(h)
	w.onDecodeComplete()
}

func (w *streamWrapper) onDecodeComplete() {
	w.decodeComplete = true
	if w.encodeComplete && !w.reset {
		w.client.pool.onResponseComplete(w)
	}
}

func (w *streamWrapper) AddCallbacks(cb stream.ResetCallback) {
	if w.reset {
		cb.OnResetStream(stream.ResetLocal)
		return
	}
	w.resetCBs = append(w.resetCBs, cb)
}

func (w *streamWrapper) RemoveCallbacks(cb stream.ResetCallback) {
	for i, c := range w.resetCBs {
		if c == cb {
			w.resetCBs = append(w.resetCBs[:i], w.resetCBs[i+1:]...)
			return
		}
	}
}

// ResetStream abandons the request and closes the connection, since a
// half-finished HTTP/1.1 exchange cannot be reused.
func (w *streamWrapper) ResetStream(reason stream.ResetReason) {
	if w.reset || w.decodeComplete {
		return
	}
	w.reset = true
	w.encoder.ResetStream(reason)
	for _, cb := range w.resetCBs {
		cb.OnResetStream(reason)
	}
	w.finishRequest()
	w.client.conn.Close(network.CloseNoFlush)
}

func (w *streamWrapper) onConnectionClose() {
	if w.reset || w.decodeComplete {
		return
	}
	w.reset = true
	for _, cb := range w.resetCBs {
		cb.OnResetStream(stream.ResetConnectionTermination)
	}
	w.finishRequest()
}

func (w *streamWrapper) finishRequest() {
	if w.finished {
		return
	}
	w.finished = true
	host := w.client.pool.host
	host.Stats.RequestsActive.Dec()
	w.client.pool.resources().Requests.Dec()
}

func connectionClose(value string) bool {
	for _, tok := range strings.Split(value, ",") {
		if strings.EqualFold(strings.TrimSpace(tok), "close") {
			return true
		}
	}
	return false
}
