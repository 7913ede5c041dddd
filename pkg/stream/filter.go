package stream

import (
	"mercator-hq/janus/pkg/buffer"
	"mercator-hq/janus/pkg/event"
	"mercator-hq/janus/pkg/headers"
)

// HeadersStatus is returned from a filter's headers callback.
type HeadersStatus int

const (
	// HeadersContinue passes the headers to the next filter.
	HeadersContinue HeadersStatus = iota
	// HeadersStopIteration halts the chain until ContinueDecoding or
	// ContinueEncoding is called.
	HeadersStopIteration
)

// DataStatus is returned from a filter's data callback.
type DataStatus int

const (
	// DataContinue passes the data to the next filter.
	DataContinue DataStatus = iota
	// DataStopAndBuffer halts the chain; the pipeline accumulates body bytes
	// in the per-stream buffer until iteration resumes.
	DataStopAndBuffer
	// DataStopNoBuffer halts the chain without buffering. The filter is
	// responsible for any data it has already seen.
	DataStopNoBuffer
)

// TrailersStatus is returned from a filter's trailers callback.
type TrailersStatus int

const (
	// TrailersContinue passes the trailers to the next filter.
	TrailersContinue TrailersStatus = iota
	// TrailersStopIteration halts the chain until iteration resumes.
	TrailersStopIteration
)

// FilterBase holds callbacks common to both directions.
type FilterBase interface {
	// OnReset fires when the stream is reset; the stream is destroyed
	// afterwards and no further callbacks arrive.
	OnReset(reason ResetReason)
}

// DecoderFilter observes the request direction.
type DecoderFilter interface {
	FilterBase
	OnDecodeHeaders(h *headers.Map, endStream bool) HeadersStatus
	OnDecodeData(data *buffer.Buffer, endStream bool) DataStatus
	OnDecodeTrailers(h *headers.Map) TrailersStatus
	SetDecoderCallbacks(cb DecoderCallbacks)
}

// EncoderFilter observes the response direction.
type EncoderFilter interface {
	FilterBase
	OnEncodeHeaders(h *headers.Map, endStream bool) HeadersStatus
	OnEncodeData(data *buffer.Buffer, endStream bool) DataStatus
	OnEncodeTrailers(h *headers.Map) TrailersStatus
	SetEncoderCallbacks(cb EncoderCallbacks)
}

// Filter sees both directions and occupies one slot in each chain.
type Filter interface {
	DecoderFilter
	EncoderFilter
}

// DecoderCallbacks is handed to each decoder filter. Response-direction
// calls (EncodeHeaders and friends) start the encoder chain, so a decoder
// filter can answer the request directly.
type DecoderCallbacks interface {
	// ContinueDecoding resumes iteration after a stop, replaying any
	// buffered body and saved trailers to the remaining filters.
	ContinueDecoding()
	// DecodingBuffer returns the accumulated request body, or nil. Callers
	// must not modify it.
	DecodingBuffer() *buffer.Buffer
	EncodeHeaders(h *headers.Map, endStream bool)
	EncodeData(data *buffer.Buffer, endStream bool)
	EncodeTrailers(h *headers.Map)
	ResetStream(reason ResetReason)
	RequestInfo() *RequestInfo
	Dispatcher() event.Dispatcher
}

// EncoderCallbacks is handed to each encoder filter.
type EncoderCallbacks interface {
	ContinueEncoding()
	// EncodingBuffer returns the accumulated response body, or nil. Callers
	// must not modify it.
	EncodingBuffer() *buffer.Buffer
	ResetStream(reason ResetReason)
	RequestInfo() *RequestInfo
	Dispatcher() event.Dispatcher
}
