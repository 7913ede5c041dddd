package http1

import (
	"strconv"

	"mercator-hq/janus/pkg/buffer"
	"mercator-hq/janus/pkg/headers"
	"mercator-hq/janus/pkg/stream"
)

// ClientConnection encodes requests onto one upstream connection and
// matches incoming responses to the FIFO of in-flight requests.
type ClientConnection struct {
	conn   Writer
	parser *parser

	asm     headerAssembler
	pending []*clientStream

	deferredEnd   bool
	informational bool
	err           error
}

// NewClientConnection builds the codec for one upstream connection.
func NewClientConnection(conn Writer) *ClientConnection {
	c := &ClientConnection{conn: conn}
	c.parser = newParser(parseResponse, c)
	return c
}

// RequestEncoder is the client-side stream surface: request encoding plus
// reset handling.
type RequestEncoder interface {
	stream.Encoder
	stream.Stream
}

// NewStream creates a request stream; the response is decoded into
// responseDecoder.
func (c *ClientConnection) NewStream(responseDecoder stream.Decoder) RequestEncoder {
	return &clientStream{conn: c, decoder: responseDecoder}
}

// Dispatch consumes response bytes. A response arriving with no outstanding
// request is a protocol violation unless that request's stream was reset.
func (c *ClientConnection) Dispatch(data *buffer.Buffer) error {
	if c.err != nil {
		return c.err
	}
	for data.Length() > 0 {
		slices := data.RawSlices()
		n, err := c.parser.Execute(slices[0])
		data.Drain(n)
		if err == nil {
			err = c.err
		}
		if err != nil {
			c.err = err
			return err
		}
		if c.parser.Paused() {
			c.parser.Resume()
		}
	}
	return nil
}

func (c *ClientConnection) onMessageBegin() {
	if len(c.pending) == 0 {
		c.err = &ParseError{Detail: "response with no outstanding request"}
		return
	}
	c.asm.reset()
	c.deferredEnd = false
	c.informational = false
}

func (c *ClientConnection) onURL(data []byte) {}

func (c *ClientConnection) onHeaderField(data []byte) {
	if c.err == nil {
		c.asm.onField(data)
	}
}

func (c *ClientConnection) onHeaderValue(data []byte) {
	if c.err == nil {
		c.asm.onValue(data)
	}
}

func (c *ClientConnection) onHeadersComplete() headersAction {
	if c.err != nil {
		return actionNoBody
	}
	c.asm.commit()
	code := c.parser.statusCode
	if code >= 100 && code < 200 {
		c.informational = true
		return actionNoBody
	}

	h := c.asm.headers
	h.Set(headers.Status, strconv.Itoa(code))
	cur := c.pending[0]

	if cur.headRequest || code == 204 || code == 304 {
		c.deferredEnd = true
		return actionNoBody
	}
	if c.parser.chunked || c.parser.contentLength > 0 {
		if !cur.reset {
			cur.decoder.DecodeHeaders(h, false)
		}
		return actionNormal
	}
	c.deferredEnd = true
	return actionNormal
}

func (c *ClientConnection) onBody(data []byte) {
	if c.err != nil {
		return
	}
	cur := c.pending[0]
	if cur.reset {
		return
	}
	buf := new(buffer.Buffer)
	buf.Add(data)
	cur.decoder.DecodeData(buf, false)
}

func (c *ClientConnection) onMessageComplete() {
	if c.err != nil {
		return
	}
	if c.informational {
		// 1xx responses do not complete the exchange.
		c.informational = false
		return
	}
	cur := c.pending[0]
	c.pending = c.pending[1:]
	if cur.reset {
		return
	}
	if c.deferredEnd {
		cur.decoder.DecodeHeaders(c.asm.headers, true)
		return
	}
	cur.decoder.DecodeData(new(buffer.Buffer), true)
}

// clientStream encodes one request and decodes its response.
type clientStream struct {
	conn        *ClientConnection
	decoder     stream.Decoder
	mode        bodyMode
	headRequest bool
	reset       bool
	resetCBs    []stream.ResetCallback
}

func (s *clientStream) EncodeHeaders(h *headers.Map, endStream bool) error {
	method := h.Value(headers.Method)
	path := h.Value(headers.Path)
	if method == "" || path == "" {
		return &CodecError{Detail: "request headers require :method and :path"}
	}
	s.headRequest = method == "HEAD"

	out := new(buffer.Buffer)
	out.AddString(method)
	out.AddString(" ")
	out.AddString(path)
	out.AddString(" HTTP/1.1")
	out.AddString(crlf)

	mode, err := encodeHeaderBlock(out, h, endStream)
	if err != nil {
		return err
	}
	s.mode = mode
	s.conn.pending = append(s.conn.pending, s)
	s.conn.conn.Write(out)
	return nil
}

func (s *clientStream) EncodeData(data *buffer.Buffer, endStream bool) {
	out := new(buffer.Buffer)
	encodeBody(out, data, endStream, s.mode)
	if out.Length() > 0 {
		s.conn.conn.Write(out)
	}
}

func (s *clientStream) EncodeTrailers(h *headers.Map) {
	s.EncodeData(new(buffer.Buffer), true)
}

func (s *clientStream) AddCallbacks(cb stream.ResetCallback) {
	if s.reset {
		cb.OnResetStream(stream.ResetLocal)
		return
	}
	s.resetCBs = append(s.resetCBs, cb)
}

func (s *clientStream) RemoveCallbacks(cb stream.ResetCallback) {
	for i, c := range s.resetCBs {
		if c == cb {
			s.resetCBs = append(s.resetCBs[:i], s.resetCBs[i+1:]...)
			return
		}
	}
}

// ResetStream abandons the exchange. The response, if one arrives, is
// consumed and discarded so the connection stays parseable.
func (s *clientStream) ResetStream(reason stream.ResetReason) {
	if s.reset {
		return
	}
	s.reset = true
	for _, cb := range s.resetCBs {
		cb.OnResetStream(reason)
	}
}
