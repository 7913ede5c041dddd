package server

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"net"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"mercator-hq/janus/pkg/accesslog"
	"mercator-hq/janus/pkg/buffer"
	"mercator-hq/janus/pkg/event"
	"mercator-hq/janus/pkg/headers"
	"mercator-hq/janus/pkg/http1"
	"mercator-hq/janus/pkg/network"
	"mercator-hq/janus/pkg/router"
	"mercator-hq/janus/pkg/runtime"
	"mercator-hq/janus/pkg/stats"
	"mercator-hq/janus/pkg/stream"
	"mercator-hq/janus/pkg/telemetry/tracing"
)

// ConnectionManagerConfig carries the per-listener settings shared by every
// worker's connection manager.
type ConnectionManagerConfig struct {
	Routes *router.Config

	// UseRemoteAddress trusts the peer address over x-forwarded-for when
	// classifying requests as internal or external.
	UseRemoteAddress bool

	// ServiceCluster is stamped on internal requests that did not declare
	// their downstream cluster.
	ServiceCluster string

	LocalZone string

	// DrainClose reports whether new responses should carry
	// "connection: close".
	DrainClose func() bool

	Sink   accesslog.Sink
	Tracer *tracing.Driver
}

type connectionManagerStats struct {
	cxTotal         *stats.Counter
	cxActive        *stats.Gauge
	cxProtocolError *stats.Counter
	cxDrainClose    *stats.Counter
	rqTotal         *stats.Counter
}

// ConnectionManager terminates HTTP on one worker's accepted connections and
// runs each request through the filter pipeline. All methods run on the
// worker dispatcher.
type ConnectionManager struct {
	cfg        ConnectionManagerConfig
	dispatcher event.Dispatcher
	clusters   *WorkerView
	rt         *runtime.Loader
	random     func() uint64
	stats      connectionManagerStats
	logger     *slog.Logger

	conns map[uint64]*activeConnection
}

// NewConnectionManager builds a connection manager for one worker. scope is
// the listener's stat scope; counters land under its "http" child.
func NewConnectionManager(cfg ConnectionManagerConfig, d event.Dispatcher, clusters *WorkerView, rt *runtime.Loader, scope *stats.Scope, log *slog.Logger) *ConnectionManager {
	if cfg.DrainClose == nil {
		cfg.DrainClose = func() bool { return false }
	}
	if cfg.Sink == nil {
		cfg.Sink = accesslog.NopSink{}
	}
	if log == nil {
		log = slog.Default()
	}
	http := scope.Scope("http")
	return &ConnectionManager{
		cfg:        cfg,
		dispatcher: d,
		clusters:   clusters,
		rt:         rt,
		random:     rand.Uint64,
		stats: connectionManagerStats{
			cxTotal:         http.Counter("downstream_cx_total"),
			cxActive:        http.Gauge("downstream_cx_active"),
			cxProtocolError: http.Counter("downstream_cx_protocol_error"),
			cxDrainClose:    http.Counter("downstream_cx_drain_close"),
			rqTotal:         http.Counter("downstream_rq_total"),
		},
		logger: log.With("component", "conn_manager"),
		conns:  make(map[uint64]*activeConnection),
	}
}

// OnAccept wires an accepted descriptor into a connection and its codec. It
// is the listener's accept callback.
func (cm *ConnectionManager) OnAccept(fd int, remoteAddr string) {
	conn, err := network.NewServerConnection(cm.dispatcher, fd, remoteAddr)
	if err != nil {
		cm.logger.Warn("accept failed", "remote", remoteAddr, "error", err)
		return
	}
	ac := &activeConnection{cm: cm, conn: conn}
	ac.codec = http1.NewServerConnection(conn, ac)
	conn.SetReadCallback(ac.onData)
	conn.AddCallbacks(ac)
	cm.conns[conn.ID()] = ac
	cm.stats.cxTotal.Inc()
	cm.stats.cxActive.Inc()
}

// CloseConnections tears down every remaining connection. Called at the end
// of drain from the worker dispatcher.
func (cm *ConnectionManager) CloseConnections() {
	for _, ac := range cm.conns {
		ac.conn.Close(network.CloseNoFlush)
	}
}

// activeConnection binds one downstream connection to its codec. HTTP/1
// serializes requests, so at most one stream is live at a time.
type activeConnection struct {
	cm     *ConnectionManager
	conn   *network.Connection
	codec  *http1.ServerConnection
	stream *activeStream
}

func (ac *activeConnection) onData(data *buffer.Buffer) {
	if err := ac.codec.Dispatch(data); err != nil {
		ac.cm.stats.cxProtocolError.Inc()
		ac.conn.Close(network.CloseFlushWrite)
	}
}

// NewStream starts the pipeline for an incoming request.
func (ac *activeConnection) NewStream(responseEncoder stream.Encoder) stream.Decoder {
	s := &activeStream{conn: ac, encoder: responseEncoder}
	s.fm = stream.NewFilterManager(ac.cm.dispatcher, s, s.onReset)
	s.fm.Info().StartTime = time.Now()
	s.fm.AddDecoderFilter(router.NewFilter(ac.cm.cfg.Routes, ac.cm.clusters,
		ac.cm.rt, ac.cm.random, ac.cm.cfg.LocalZone))
	ac.stream = s
	ac.cm.stats.rqTotal.Inc()
	return s
}

// OnEvent implements network.ConnectionCallbacks.
func (ac *activeConnection) OnEvent(ev network.ConnectionEvent) {
	if ev != network.EventRemoteClose && ev != network.EventLocalClose {
		return
	}
	delete(ac.cm.conns, ac.conn.ID())
	ac.cm.stats.cxActive.Dec()
	if s := ac.stream; s != nil && !s.completed {
		s.fm.Info().SetFlag(stream.FlagDownstreamConnectionTermination)
		s.fm.OnReset(stream.ResetConnectionTermination)
	}
}

// activeStream is one request/response exchange: the codec's decoder on the
// way in, the pipeline's downstream encoder on the way out.
type activeStream struct {
	conn    *activeConnection
	fm      *stream.FilterManager
	encoder stream.Encoder

	requestHeaders  *headers.Map
	responseHeaders *headers.Map
	span            trace.Span

	closeAfterResponse bool
	completed          bool
}

func (s *activeStream) DecodeHeaders(h *headers.Map, endStream bool) {
	cm := s.conn.cm
	s.requestHeaders = h
	s.fm.Info().Protocol = s.conn.codec.Protocol()

	cm.mutateRequestHeaders(h, s.conn.conn.RemoteAddr())
	if connectionClose(h) {
		s.closeAfterResponse = true
	} else if s.fm.Info().Protocol == "HTTP/1.0" && !connectionToken(h, "keep-alive") {
		s.closeAfterResponse = true
	}

	if cm.cfg.Tracer != nil {
		_, s.span = cm.cfg.Tracer.StartRequestSpan(context.Background(),
			h.Value(headers.RequestID), h.Value(headers.Method),
			h.Value(headers.Path), h.Value(headers.Authority))
	}

	s.fm.DecodeHeaders(h, endStream)
}

func (s *activeStream) DecodeData(data *buffer.Buffer, endStream bool) {
	s.fm.Info().BytesReceived += uint64(data.Length())
	s.fm.DecodeData(data, endStream)
}

func (s *activeStream) DecodeTrailers(h *headers.Map) { s.fm.DecodeTrailers(h) }

// EncodeHeaders receives response headers from the last encoder filter.
func (s *activeStream) EncodeHeaders(h *headers.Map, endStream bool) error {
	s.responseHeaders = h
	if s.conn.cm.cfg.DrainClose() {
		if !s.closeAfterResponse {
			s.conn.cm.stats.cxDrainClose.Inc()
		}
		s.closeAfterResponse = true
	}
	if s.closeAfterResponse {
		h.Set(headers.Connection, "close")
	}
	if code, err := strconv.Atoi(h.Value(headers.Status)); err == nil {
		s.fm.Info().ResponseCode = code
	}
	err := s.encoder.EncodeHeaders(h, endStream)
	if endStream {
		s.onComplete()
	}
	return err
}

func (s *activeStream) EncodeData(data *buffer.Buffer, endStream bool) {
	s.fm.Info().BytesSent += uint64(data.Length())
	s.encoder.EncodeData(data, endStream)
	if endStream {
		s.onComplete()
	}
}

func (s *activeStream) EncodeTrailers(h *headers.Map) {
	s.encoder.EncodeTrailers(h)
	s.onComplete()
}

func (s *activeStream) onComplete() {
	if s.completed {
		return
	}
	s.completed = true
	s.finish()
	s.conn.stream = nil
	if s.closeAfterResponse {
		s.conn.conn.Close(network.CloseFlushWrite)
	}
}

// onReset runs after reset propagation through the pipeline.
func (s *activeStream) onReset(reason stream.ResetReason) {
	if s.completed {
		return
	}
	s.completed = true
	s.finish()
	s.conn.stream = nil
	s.conn.conn.Close(network.CloseNoFlush)
}

// finish emits the access log entry and ends the request span.
func (s *activeStream) finish() {
	info := s.fm.Info()
	s.conn.cm.cfg.Sink.Log(accesslog.NewEntry(s.requestHeaders, s.responseHeaders, info))
	if s.span != nil {
		tracing.FinishRequestSpan(s.span, info.ResponseCode, info.Flags.ShortString())
	}
}

// mutateRequestHeaders normalizes edge headers before the pipeline runs:
// host to :authority, x-forwarded-for, internal/external classification,
// sanitization of x-envoy-* trust headers, and the request id.
func (cm *ConnectionManager) mutateRequestHeaders(h *headers.Map, remoteAddr string) {
	if host, ok := h.Get(headers.Host); ok {
		if !h.Has(headers.Authority) {
			h.Set(headers.Authority, host)
		}
		h.Remove(headers.Host)
	}

	peer := hostOnly(remoteAddr)
	xff := h.Value(headers.ForwardedFor)
	internal := cm.isInternalRequest(xff, peer)

	if cm.cfg.UseRemoteAddress {
		if xff == "" {
			h.Set(headers.ForwardedFor, peer)
		} else {
			h.Set(headers.ForwardedFor, xff+", "+peer)
		}
	}

	if internal {
		h.Set(headers.EnvoyInternal, "true")
		if cm.cfg.ServiceCluster != "" && !h.Has(headers.EnvoyDownstreamCluster) {
			h.Set(headers.EnvoyDownstreamCluster, cm.cfg.ServiceCluster)
		}
	} else {
		h.Remove(headers.EnvoyInternal)
		h.Remove(headers.EnvoyDownstreamCluster)
		h.Remove(headers.EnvoyRetryOn)
		h.Remove(headers.EnvoyMaxRetries)
		h.Remove(headers.EnvoyForceTrace)
		if cm.cfg.UseRemoteAddress {
			h.Set(headers.EnvoyExternalAddress, peer)
		}
	}

	// External ids are never trusted.
	id, ok := h.Get(headers.RequestID)
	if !ok || !internal {
		id = tracing.NewRequestID()
		h.Set(headers.RequestID, id)
	}
	if h.Has(headers.EnvoyForceTrace) {
		h.Set(headers.RequestID, tracing.SetTraceStatus(id, tracing.TraceForced))
	}
}

// isInternalRequest classifies the request. With UseRemoteAddress the peer
// address decides, but only when no forwarding chain preceded it; otherwise
// a single private x-forwarded-for hop counts as internal.
func (cm *ConnectionManager) isInternalRequest(xff, peer string) bool {
	if cm.cfg.UseRemoteAddress {
		return xff == "" && privateAddress(peer)
	}
	if xff == "" || strings.Contains(xff, ",") {
		return false
	}
	return privateAddress(strings.TrimSpace(xff))
}

func privateAddress(s string) bool {
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return false
	}
	return addr.IsPrivate() || addr.IsLoopback()
}

func hostOnly(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

func connectionClose(h *headers.Map) bool { return connectionToken(h, "close") }

func connectionToken(h *headers.Map, token string) bool {
	v, ok := h.Get(headers.Connection)
	if !ok {
		return false
	}
	for _, tok := range strings.Split(v, ",") {
		if strings.EqualFold(strings.TrimSpace(tok), token) {
			return true
		}
	}
	return false
}
