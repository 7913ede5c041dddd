package stream

import (
	"mercator-hq/janus/pkg/buffer"
	"mercator-hq/janus/pkg/event"
	"mercator-hq/janus/pkg/headers"
)

// FilterManager owns a stream's two filter chains and drives iteration with
// stop/continue semantics. Decoder filters run in insertion order; encoder
// filters run in reverse insertion order. At most one filter per direction
// holds iteration stopped at a time; events arriving while a chain is
// stopped are delivered to the filters before the stop point and held there,
// then replayed to the remaining filters when the stopped filter resumes.
type FilterManager struct {
	dispatcher event.Dispatcher
	downstream Encoder
	resetFn    func(ResetReason)
	info       RequestInfo

	decoderFilters []*activeDecoder
	encoderFilters []*activeEncoder
	bases          []FilterBase

	dec chainState
	enc chainState

	destroyed bool
}

// chainState tracks one direction's held events while iteration is stopped.
type chainState struct {
	stoppedAt       int
	headersStopped  bool
	trailersStopped bool
	headers         *headers.Map
	headersEnd      bool
	bufferData      bool
	held            *buffer.Buffer
	sawEnd          bool
	trailers        *headers.Map
}

func (cs *chainState) stopped() bool { return cs.stoppedAt >= 0 }

// NewFilterManager builds an empty pipeline. downstream receives the
// response direction after the last encoder filter; resetFn, if non-nil, is
// invoked after reset propagation to destroy the underlying stream.
func NewFilterManager(dispatcher event.Dispatcher, downstream Encoder, resetFn func(ResetReason)) *FilterManager {
	return &FilterManager{
		dispatcher: dispatcher,
		downstream: downstream,
		resetFn:    resetFn,
		dec:        chainState{stoppedAt: -1},
		enc:        chainState{stoppedAt: -1},
	}
}

// Info returns the stream's accounting record.
func (fm *FilterManager) Info() *RequestInfo { return &fm.info }

// AddDecoderFilter appends f to the request chain.
func (fm *FilterManager) AddDecoderFilter(f DecoderFilter) {
	ad := &activeDecoder{fm: fm, filter: f, index: len(fm.decoderFilters)}
	fm.decoderFilters = append(fm.decoderFilters, ad)
	fm.bases = append(fm.bases, f)
	f.SetDecoderCallbacks(ad)
}

// AddEncoderFilter prepends f to the response chain, so encoder filters run
// in reverse insertion order.
func (fm *FilterManager) AddEncoderFilter(f EncoderFilter) {
	ae := &activeEncoder{fm: fm, filter: f}
	fm.encoderFilters = append([]*activeEncoder{ae}, fm.encoderFilters...)
	for i, e := range fm.encoderFilters {
		e.index = i
	}
	fm.bases = append(fm.bases, f)
	f.SetEncoderCallbacks(ae)
}

// AddFilter registers f in both chains under a single reset slot.
func (fm *FilterManager) AddFilter(f Filter) {
	ad := &activeDecoder{fm: fm, filter: f, index: len(fm.decoderFilters)}
	fm.decoderFilters = append(fm.decoderFilters, ad)
	f.SetDecoderCallbacks(ad)

	ae := &activeEncoder{fm: fm, filter: f}
	fm.encoderFilters = append([]*activeEncoder{ae}, fm.encoderFilters...)
	for i, e := range fm.encoderFilters {
		e.index = i
	}
	f.SetEncoderCallbacks(ae)

	fm.bases = append(fm.bases, f)
}

// DecodeHeaders feeds request headers into the decoder chain.
func (fm *FilterManager) DecodeHeaders(h *headers.Map, endStream bool) {
	fm.dec.headers = h
	fm.dec.headersEnd = endStream
	fm.deliverDecodeHeaders(0)
}

func (fm *FilterManager) deliverDecodeHeaders(from int) bool {
	for i := from; i < len(fm.decoderFilters); i++ {
		status := fm.decoderFilters[i].filter.OnDecodeHeaders(fm.dec.headers, fm.dec.headersEnd)
		if status == HeadersStopIteration {
			fm.dec.stoppedAt = i
			fm.dec.headersStopped = true
			fm.dec.bufferData = true
			return false
		}
	}
	fm.dec.headersStopped = false
	return true
}

// DecodeData feeds request body bytes into the decoder chain. While the
// chain is stopped the bytes are held at the stop point.
func (fm *FilterManager) DecodeData(data *buffer.Buffer, endStream bool) {
	if fm.dec.stopped() {
		fm.deliverDecodeData(0, fm.dec.stoppedAt, data, endStream)
		fm.holdDecodeData(data, endStream)
		return
	}
	fm.deliverDecodeData(0, len(fm.decoderFilters), data, endStream)
}

func (fm *FilterManager) deliverDecodeData(from, until int, data *buffer.Buffer, endStream bool) bool {
	for i := from; i < until; i++ {
		switch fm.decoderFilters[i].filter.OnDecodeData(data, endStream) {
		case DataContinue:
		case DataStopAndBuffer:
			fm.dec.stoppedAt = i
			fm.dec.bufferData = true
			fm.holdDecodeData(data, endStream)
			return false
		case DataStopNoBuffer:
			fm.dec.stoppedAt = i
			fm.dec.bufferData = false
			fm.dec.sawEnd = fm.dec.sawEnd || endStream
			return false
		}
	}
	return true
}

func (fm *FilterManager) holdDecodeData(data *buffer.Buffer, endStream bool) {
	if fm.dec.bufferData {
		if fm.dec.held == nil {
			fm.dec.held = new(buffer.Buffer)
		}
		fm.dec.held.Move(data)
	} else {
		data.Drain(data.Length())
	}
	fm.dec.sawEnd = fm.dec.sawEnd || endStream
}

// DecodeTrailers feeds request trailers into the decoder chain; trailers
// always end the stream.
func (fm *FilterManager) DecodeTrailers(h *headers.Map) {
	fm.dec.trailers = h
	if fm.dec.stopped() {
		fm.deliverDecodeTrailers(0, fm.dec.stoppedAt)
		return
	}
	fm.deliverDecodeTrailers(0, len(fm.decoderFilters))
}

func (fm *FilterManager) deliverDecodeTrailers(from, until int) bool {
	for i := from; i < until; i++ {
		if fm.decoderFilters[i].filter.OnDecodeTrailers(fm.dec.trailers) == TrailersStopIteration {
			fm.dec.stoppedAt = i
			fm.dec.trailersStopped = true
			return false
		}
	}
	return true
}

// continueDecoding resumes the request chain after the filter at index
// stopped it, replaying held events to the remaining filters.
func (fm *FilterManager) continueDecoding(index int) {
	if fm.destroyed || fm.dec.stoppedAt != index {
		return
	}
	fm.dec.stoppedAt = -1

	next := index + 1
	if fm.dec.headersStopped {
		fm.dec.headersStopped = false
		if !fm.deliverDecodeHeaders(next) {
			return
		}
	}
	if fm.dec.trailersStopped {
		fm.dec.trailersStopped = false
		if !fm.deliverDecodeTrailers(next, len(fm.decoderFilters)) {
			return
		}
		return
	}
	if fm.dec.held != nil || fm.dec.sawEnd {
		data := fm.dec.held
		fm.dec.held = nil
		if data == nil {
			data = new(buffer.Buffer)
		}
		end := fm.dec.sawEnd && fm.dec.trailers == nil
		fm.dec.sawEnd = false
		if !fm.deliverDecodeData(next, len(fm.decoderFilters), data, end) {
			return
		}
	}
	if fm.dec.trailers != nil {
		fm.deliverDecodeTrailers(next, len(fm.decoderFilters))
	}
}

// EncodeHeaders starts the response direction: every encoder filter runs,
// then the downstream encoder writes the headers out.
func (fm *FilterManager) EncodeHeaders(h *headers.Map, endStream bool) {
	fm.enc.headers = h
	fm.enc.headersEnd = endStream
	if fm.deliverEncodeHeaders(0) {
		fm.downstream.EncodeHeaders(h, endStream)
	}
}

func (fm *FilterManager) deliverEncodeHeaders(from int) bool {
	for i := from; i < len(fm.encoderFilters); i++ {
		status := fm.encoderFilters[i].filter.OnEncodeHeaders(fm.enc.headers, fm.enc.headersEnd)
		if status == HeadersStopIteration {
			fm.enc.stoppedAt = i
			fm.enc.headersStopped = true
			fm.enc.bufferData = true
			return false
		}
	}
	fm.enc.headersStopped = false
	return true
}

// EncodeData feeds response body bytes through the encoder chain to the
// downstream encoder.
func (fm *FilterManager) EncodeData(data *buffer.Buffer, endStream bool) {
	if fm.enc.stopped() {
		fm.deliverEncodeData(0, fm.enc.stoppedAt, data, endStream)
		fm.holdEncodeData(data, endStream)
		return
	}
	if fm.deliverEncodeData(0, len(fm.encoderFilters), data, endStream) {
		fm.downstream.EncodeData(data, endStream)
	}
}

func (fm *FilterManager) deliverEncodeData(from, until int, data *buffer.Buffer, endStream bool) bool {
	for i := from; i < until; i++ {
		switch fm.encoderFilters[i].filter.OnEncodeData(data, endStream) {
		case DataContinue:
		case DataStopAndBuffer:
			fm.enc.stoppedAt = i
			fm.enc.bufferData = true
			fm.holdEncodeData(data, endStream)
			return false
		case DataStopNoBuffer:
			fm.enc.stoppedAt = i
			fm.enc.bufferData = false
			fm.enc.sawEnd = fm.enc.sawEnd || endStream
			return false
		}
	}
	return true
}

func (fm *FilterManager) holdEncodeData(data *buffer.Buffer, endStream bool) {
	if fm.enc.bufferData {
		if fm.enc.held == nil {
			fm.enc.held = new(buffer.Buffer)
		}
		fm.enc.held.Move(data)
	} else {
		data.Drain(data.Length())
	}
	fm.enc.sawEnd = fm.enc.sawEnd || endStream
}

// EncodeTrailers feeds response trailers through the encoder chain to the
// downstream encoder.
func (fm *FilterManager) EncodeTrailers(h *headers.Map) {
	fm.enc.trailers = h
	if fm.enc.stopped() {
		fm.deliverEncodeTrailers(0, fm.enc.stoppedAt)
		return
	}
	if fm.deliverEncodeTrailers(0, len(fm.encoderFilters)) {
		fm.downstream.EncodeTrailers(h)
	}
}

func (fm *FilterManager) deliverEncodeTrailers(from, until int) bool {
	for i := from; i < until; i++ {
		if fm.encoderFilters[i].filter.OnEncodeTrailers(fm.enc.trailers) == TrailersStopIteration {
			fm.enc.stoppedAt = i
			fm.enc.trailersStopped = true
			return false
		}
	}
	return true
}

func (fm *FilterManager) continueEncoding(index int) {
	if fm.destroyed || fm.enc.stoppedAt != index {
		return
	}
	fm.enc.stoppedAt = -1

	next := index + 1
	if fm.enc.headersStopped {
		fm.enc.headersStopped = false
		if !fm.deliverEncodeHeaders(next) {
			return
		}
		fm.downstream.EncodeHeaders(fm.enc.headers, fm.enc.headersEnd)
	}
	if fm.enc.trailersStopped {
		fm.enc.trailersStopped = false
		if fm.deliverEncodeTrailers(next, len(fm.encoderFilters)) {
			fm.downstream.EncodeTrailers(fm.enc.trailers)
		}
		return
	}
	if fm.enc.held != nil || fm.enc.sawEnd {
		data := fm.enc.held
		fm.enc.held = nil
		if data == nil {
			data = new(buffer.Buffer)
		}
		end := fm.enc.sawEnd && fm.enc.trailers == nil
		fm.enc.sawEnd = false
		if !fm.deliverEncodeData(next, len(fm.encoderFilters), data, end) {
			return
		}
		fm.downstream.EncodeData(data, end)
	}
	if fm.enc.trailers != nil {
		if fm.deliverEncodeTrailers(next, len(fm.encoderFilters)) {
			fm.downstream.EncodeTrailers(fm.enc.trailers)
		}
	}
}

// OnReset propagates a reset to every filter exactly once, then destroys
// the stream.
func (fm *FilterManager) OnReset(reason ResetReason) {
	if fm.destroyed {
		return
	}
	fm.destroyed = true
	for _, b := range fm.bases {
		b.OnReset(reason)
	}
	if fm.resetFn != nil {
		fm.resetFn(reason)
	}
}

// activeDecoder is one decoder chain slot; it implements the callbacks
// handed to its filter.
type activeDecoder struct {
	fm     *FilterManager
	filter DecoderFilter
	index  int
}

func (a *activeDecoder) ContinueDecoding()               { a.fm.continueDecoding(a.index) }
func (a *activeDecoder) DecodingBuffer() *buffer.Buffer  { return a.fm.dec.held }
func (a *activeDecoder) EncodeHeaders(h *headers.Map, endStream bool) {
	a.fm.EncodeHeaders(h, endStream)
}
func (a *activeDecoder) EncodeData(data *buffer.Buffer, endStream bool) {
	a.fm.EncodeData(data, endStream)
}
func (a *activeDecoder) EncodeTrailers(h *headers.Map)   { a.fm.EncodeTrailers(h) }
func (a *activeDecoder) ResetStream(reason ResetReason)  { a.fm.OnReset(reason) }
func (a *activeDecoder) RequestInfo() *RequestInfo       { return &a.fm.info }
func (a *activeDecoder) Dispatcher() event.Dispatcher    { return a.fm.dispatcher }

// activeEncoder is one encoder chain slot.
type activeEncoder struct {
	fm     *FilterManager
	filter EncoderFilter
	index  int
}

func (a *activeEncoder) ContinueEncoding()              { a.fm.continueEncoding(a.index) }
func (a *activeEncoder) EncodingBuffer() *buffer.Buffer { return a.fm.enc.held }
func (a *activeEncoder) ResetStream(reason ResetReason) { a.fm.OnReset(reason) }
func (a *activeEncoder) RequestInfo() *RequestInfo      { return &a.fm.info }
func (a *activeEncoder) Dispatcher() event.Dispatcher   { return a.fm.dispatcher }
