package router

import (
	"mercator-hq/janus/pkg/buffer"
	"mercator-hq/janus/pkg/headers"
	"mercator-hq/janus/pkg/pool"
	"mercator-hq/janus/pkg/upstream"
)

// maybeStartShadow fires the mirrored copy once the request is fully
// received. The shadow is fire-and-forget: its response is discarded and
// its failures never touch the downstream stream.
func (f *Filter) maybeStartShadow() {
	if !f.doShadow || f.shadowStarted || !f.downstreamEnd {
		return
	}
	f.shadowStarted = true

	p := f.cm.ConnPool(f.entry.Shadow.Cluster, f.entry.Priority, nil)
	if p == nil {
		return
	}
	h := f.requestHeaders.Clone()
	h.Set(headers.Authority, h.Value(headers.Authority)+"-shadow")

	sr := &shadowRequest{headers: h}
	if f.body.Length() > 0 {
		sr.body.Add(f.body.Bytes())
	}
	if f.requestTrailers != nil {
		sr.trailers = f.requestTrailers.Clone()
	}
	p.NewStream(sr, sr)
}

// shadowRequest replays a finished request to the shadow cluster and drops
// everything that comes back.
type shadowRequest struct {
	headers  *headers.Map
	body     buffer.Buffer
	trailers *headers.Map
}

func (s *shadowRequest) OnPoolReady(enc pool.StreamEncoder, host *upstream.Host) {
	end := s.body.Length() == 0 && s.trailers == nil
	if err := enc.EncodeHeaders(s.headers, end); err != nil {
		return
	}
	if s.body.Length() > 0 {
		enc.EncodeData(&s.body, s.trailers == nil)
	}
	if s.trailers != nil {
		enc.EncodeTrailers(s.trailers)
	}
}

func (s *shadowRequest) OnPoolFailure(reason pool.FailureReason, host *upstream.Host) {}

func (s *shadowRequest) DecodeHeaders(h *headers.Map, endStream bool) {}

func (s *shadowRequest) DecodeData(data *buffer.Buffer, endStream bool) {
	data.Drain(data.Length())
}

func (s *shadowRequest) DecodeTrailers(h *headers.Map) {}
