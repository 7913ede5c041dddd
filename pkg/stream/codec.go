package stream

import (
	"mercator-hq/janus/pkg/buffer"
	"mercator-hq/janus/pkg/headers"
)

// Encoder sends stream events toward the peer. Exactly one of the calls
// carries endStream=true unless the stream is reset first; trailers always
// end the stream.
type Encoder interface {
	EncodeHeaders(h *headers.Map, endStream bool) error
	EncodeData(data *buffer.Buffer, endStream bool)
	EncodeTrailers(h *headers.Map)
}

// Decoder receives stream events from the peer in order: headers, zero or
// more data frames, then optional trailers.
type Decoder interface {
	DecodeHeaders(h *headers.Map, endStream bool)
	DecodeData(data *buffer.Buffer, endStream bool)
	DecodeTrailers(h *headers.Map)
}

// ResetCallback observes stream teardown.
type ResetCallback interface {
	OnResetStream(reason ResetReason)
}

// Stream is one bidirectional request/response exchange on a connection.
type Stream interface {
	// AddCallbacks registers for reset notification. Callbacks added after
	// a reset fire immediately.
	AddCallbacks(cb ResetCallback)
	RemoveCallbacks(cb ResetCallback)
	// ResetStream tears the stream down; every registered callback observes
	// the reason.
	ResetStream(reason ResetReason)
}
