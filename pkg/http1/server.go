package http1

import (
	"strconv"
	"strings"

	"mercator-hq/janus/pkg/buffer"
	"mercator-hq/janus/pkg/headers"
	"mercator-hq/janus/pkg/stream"
)

// ServerCallbacks is implemented by the connection manager: every incoming
// request yields a new stream whose response travels through the returned
// encoder's counterpart.
type ServerCallbacks interface {
	// NewStream announces an incoming request. The codec encodes whatever
	// the returned decoder's owner sends on responseEncoder.
	NewStream(responseEncoder stream.Encoder) stream.Decoder
}

// ServerConnection decodes requests arriving on one downstream connection
// and encodes their responses.
type ServerConnection struct {
	conn      Writer
	callbacks ServerCallbacks
	parser    *parser

	asm     headerAssembler
	urlBuf  []byte
	active  *serverStream
	decoder stream.Decoder

	// deferredEnd is set when the request has no body, so headers are
	// delivered with end-of-stream at message completion.
	deferredEnd bool
	protocol    string
	err         error
}

// NewServerConnection builds the codec for one accepted connection.
func NewServerConnection(conn Writer, callbacks ServerCallbacks) *ServerConnection {
	c := &ServerConnection{conn: conn, callbacks: callbacks}
	c.parser = newParser(parseRequest, c)
	return c
}

// Protocol reports the version tag of the request being processed,
// "HTTP/1.1" or "HTTP/1.0".
func (c *ServerConnection) Protocol() string { return c.protocol }

// Dispatch consumes as many complete bytes as possible, invoking stream
// callbacks along the way. On a parse error a 400 is written if no response
// has begun, and the error is returned so the owner can close.
func (c *ServerConnection) Dispatch(data *buffer.Buffer) error {
	if c.err != nil {
		return c.err
	}
	for data.Length() > 0 {
		slices := data.RawSlices()
		n, err := c.parser.Execute(slices[0])
		data.Drain(n)
		if err != nil {
			c.err = err
			c.sendBadRequest()
			return err
		}
		if c.parser.Paused() {
			c.parser.Resume()
		}
	}
	return nil
}

func (c *ServerConnection) sendBadRequest() {
	if c.active != nil && c.active.headersEncoded {
		return
	}
	out := new(buffer.Buffer)
	out.AddString(badRequestResponse)
	c.conn.Write(out)
}

func (c *ServerConnection) onMessageBegin() {
	c.asm.reset()
	c.urlBuf = c.urlBuf[:0]
	c.deferredEnd = false
	c.active = &serverStream{conn: c}
	c.decoder = c.callbacks.NewStream(c.active)
}

func (c *ServerConnection) onURL(data []byte) { c.urlBuf = append(c.urlBuf, data...) }

func (c *ServerConnection) onHeaderField(data []byte) { c.asm.onField(data) }

func (c *ServerConnection) onHeaderValue(data []byte) { c.asm.onValue(data) }

func (c *ServerConnection) onHeadersComplete() headersAction {
	c.asm.commit()
	h := c.asm.headers
	h.Set(headers.Path, string(c.urlBuf))
	h.Set(headers.Method, c.parser.method)

	if c.parser.minor == 1 {
		c.protocol = "HTTP/1.1"
	} else {
		c.protocol = "HTTP/1.0"
	}

	if expect, ok := h.Get(headers.Expect); ok {
		if strings.EqualFold(strings.TrimSpace(expect), "100-continue") {
			out := new(buffer.Buffer)
			out.AddString(continueResponse)
			c.conn.Write(out)
			h.Remove(headers.Expect)
		}
	}

	if c.parser.chunked || c.parser.contentLength > 0 {
		c.decoder.DecodeHeaders(h, false)
	} else {
		c.deferredEnd = true
	}
	return actionNormal
}

func (c *ServerConnection) onBody(data []byte) {
	buf := new(buffer.Buffer)
	buf.Add(data)
	c.decoder.DecodeData(buf, false)
}

func (c *ServerConnection) onMessageComplete() {
	if c.deferredEnd {
		c.decoder.DecodeHeaders(c.asm.headers, true)
		return
	}
	c.decoder.DecodeData(new(buffer.Buffer), true)
}

// serverStream encodes one response and carries the stream reset surface.
type serverStream struct {
	conn           *ServerConnection
	mode           bodyMode
	headersEncoded bool
	resetCBs       []stream.ResetCallback
	localReset     bool
}

func (s *serverStream) EncodeHeaders(h *headers.Map, endStream bool) error {
	code, err := strconv.Atoi(h.Value(headers.Status))
	if err != nil {
		return &CodecError{Detail: "response headers missing :status"}
	}
	out := new(buffer.Buffer)
	out.AddString("HTTP/1.1 ")
	out.AddString(strconv.Itoa(code))
	out.AddString(" ")
	out.AddString(reasonPhrase(code))
	out.AddString(crlf)

	mode, err := encodeHeaderBlock(out, h, endStream)
	if err != nil {
		return err
	}
	s.mode = mode
	s.headersEncoded = true
	s.conn.conn.Write(out)
	return nil
}

func (s *serverStream) EncodeData(data *buffer.Buffer, endStream bool) {
	out := new(buffer.Buffer)
	encodeBody(out, data, endStream, s.mode)
	if out.Length() > 0 {
		s.conn.conn.Write(out)
	}
}

func (s *serverStream) EncodeTrailers(h *headers.Map) {
	// HTTP/1.1 egress drops trailers; the chunked body still terminates.
	s.EncodeData(new(buffer.Buffer), true)
}

func (s *serverStream) AddCallbacks(cb stream.ResetCallback) {
	if s.localReset {
		cb.OnResetStream(stream.ResetLocal)
		return
	}
	s.resetCBs = append(s.resetCBs, cb)
}

func (s *serverStream) RemoveCallbacks(cb stream.ResetCallback) {
	for i, c := range s.resetCBs {
		if c == cb {
			s.resetCBs = append(s.resetCBs[:i], s.resetCBs[i+1:]...)
			return
		}
	}
}

func (s *serverStream) ResetStream(reason stream.ResetReason) {
	if s.localReset {
		return
	}
	s.localReset = true
	for _, cb := range s.resetCBs {
		cb.OnResetStream(reason)
	}
}
