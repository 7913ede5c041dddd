package http1

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

// maxLineLength bounds any single start or header line.
const maxLineLength = 16 * 1024

// ParseError reports a protocol violation in the byte stream.
type ParseError struct {
	Detail string
}

func (e *ParseError) Error() string { return "http1 parse error: " + e.Detail }

func parseErrorf(format string, args ...interface{}) error {
	return &ParseError{Detail: fmt.Sprintf(format, args...)}
}

type parserType int

const (
	parseRequest parserType = iota
	parseResponse
)

// headersAction is the callback's verdict after the header block.
type headersAction int

const (
	// actionNormal lets framing decide whether a body follows.
	actionNormal headersAction = iota
	// actionNoBody forces message completion with no body, regardless of
	// framing (HEAD responses, 204, 304).
	actionNoBody
)

// parserCallbacks receives message events as bytes are consumed. Field and
// value slices are only valid for the duration of the call.
type parserCallbacks interface {
	onMessageBegin()
	onURL(data []byte)
	onHeaderField(data []byte)
	onHeaderValue(data []byte)
	onHeadersComplete() headersAction
	onBody(data []byte)
	onMessageComplete()
}

type parserState int

const (
	stateStartLine parserState = iota
	stateHeaders
	stateBodyIdentity
	stateChunkSize
	stateChunkData
	stateChunkDataEnd
	stateTrailers
)

// parser is an incremental HTTP/1 message parser. Execute consumes as many
// bytes as possible, firing callbacks, and pauses itself after every
// complete message.
type parser struct {
	typ parserType
	cb  parserCallbacks

	state   parserState
	lineBuf []byte
	paused  bool
	began   bool

	method        string
	statusCode    int
	major, minor  int
	contentLength int64
	chunked       bool
	bodyRemaining int64
}

func newParser(typ parserType, cb parserCallbacks) *parser {
	p := &parser{typ: typ, cb: cb}
	p.resetMessage()
	return p
}

func (p *parser) resetMessage() {
	p.state = stateStartLine
	p.began = false
	p.method = ""
	p.statusCode = 0
	p.major, p.minor = 0, 0
	p.contentLength = -1
	p.chunked = false
	p.bodyRemaining = 0
}

// Resume clears the pause set at the last message boundary.
func (p *parser) Resume() { p.paused = false }

// Paused reports whether the parser stopped at a message boundary.
func (p *parser) Paused() bool { return p.paused }

// Execute consumes bytes from data, returning how many were used. It stops
// early when paused at a message boundary.
func (p *parser) Execute(data []byte) (int, error) {
	i := 0
	for i < len(data) && !p.paused {
		var err error
		switch p.state {
		case stateStartLine, stateHeaders, stateChunkSize, stateTrailers:
			i, err = p.consumeLine(data, i)
		case stateBodyIdentity:
			i = p.consumeIdentity(data, i)
		case stateChunkData:
			i = p.consumeChunkData(data, i)
		case stateChunkDataEnd:
			i, err = p.consumeChunkEnd(data, i)
		}
		if err != nil {
			return i, err
		}
	}
	return i, nil
}

// consumeLine accumulates bytes until a full line is available, then routes
// it to the state-specific handler.
func (p *parser) consumeLine(data []byte, i int) (int, error) {
	nl := bytes.IndexByte(data[i:], '\n')
	if nl < 0 {
		p.lineBuf = append(p.lineBuf, data[i:]...)
		if len(p.lineBuf) > maxLineLength {
			return len(data), parseErrorf("line exceeds %d bytes", maxLineLength)
		}
		return len(data), nil
	}
	line := data[i : i+nl]
	if len(p.lineBuf) > 0 {
		line = append(p.lineBuf, line...)
		p.lineBuf = nil
	}
	if len(line)+1 > maxLineLength {
		return i + nl + 1, parseErrorf("line exceeds %d bytes", maxLineLength)
	}
	line = bytes.TrimSuffix(line, []byte{'\r'})
	i += nl + 1

	var err error
	switch p.state {
	case stateStartLine:
		err = p.handleStartLine(line)
	case stateHeaders:
		err = p.handleHeaderLine(line)
	case stateChunkSize:
		err = p.handleChunkSizeLine(line)
	case stateTrailers:
		if len(line) == 0 {
			p.messageComplete()
		}
	}
	return i, err
}

func (p *parser) handleStartLine(line []byte) error {
	if len(line) == 0 {
		// Tolerate stray CRLF between messages.
		return nil
	}
	p.cb.onMessageBegin()
	p.began = true
	if p.typ == parseRequest {
		return p.parseRequestLine(line)
	}
	return p.parseStatusLine(line)
}

func (p *parser) parseRequestLine(line []byte) error {
	parts := bytes.SplitN(line, []byte{' '}, 3)
	if len(parts) != 3 {
		return parseErrorf("malformed request line %q", line)
	}
	method := string(parts[0])
	if method == "" || !isToken(method) {
		return parseErrorf("invalid method %q", method)
	}
	p.method = method
	if err := p.parseVersion(parts[2]); err != nil {
		return err
	}
	p.cb.onURL(parts[1])
	p.state = stateHeaders
	return nil
}

func (p *parser) parseStatusLine(line []byte) error {
	parts := bytes.SplitN(line, []byte{' '}, 3)
	if len(parts) < 2 {
		return parseErrorf("malformed status line %q", line)
	}
	if err := p.parseVersion(parts[0]); err != nil {
		return err
	}
	code, err := strconv.Atoi(string(parts[1]))
	if err != nil || code < 100 || code > 999 {
		return parseErrorf("invalid status code %q", parts[1])
	}
	p.statusCode = code
	p.state = stateHeaders
	return nil
}

func (p *parser) parseVersion(v []byte) error {
	if len(v) != 8 || !bytes.HasPrefix(v, []byte("HTTP/")) || v[6] != '.' {
		return parseErrorf("invalid version %q", v)
	}
	major := int(v[5] - '0')
	minor := int(v[7] - '0')
	if major != 1 || (minor != 0 && minor != 1) {
		return parseErrorf("unsupported version %q", v)
	}
	p.major, p.minor = major, minor
	return nil
}

func (p *parser) handleHeaderLine(line []byte) error {
	if len(line) == 0 {
		return p.headersComplete()
	}
	if line[0] == ' ' || line[0] == '\t' {
		// Obsolete line folding continues the previous value.
		p.cb.onHeaderValue(bytes.TrimLeft(line, " \t"))
		return nil
	}
	colon := bytes.IndexByte(line, ':')
	if colon <= 0 {
		return parseErrorf("malformed header line %q", line)
	}
	field := line[:colon]
	value := bytes.TrimSpace(line[colon+1:])
	if !isToken(string(field)) {
		return parseErrorf("invalid header name %q", field)
	}

	switch strings.ToLower(string(field)) {
	case "content-length":
		n, err := strconv.ParseInt(string(value), 10, 64)
		if err != nil || n < 0 {
			return parseErrorf("invalid content-length %q", value)
		}
		p.contentLength = n
	case "transfer-encoding":
		if strings.Contains(strings.ToLower(string(value)), "chunked") {
			p.chunked = true
		}
	}

	p.cb.onHeaderField(field)
	p.cb.onHeaderValue(value)
	return nil
}

func (p *parser) headersComplete() error {
	action := p.cb.onHeadersComplete()
	if action == actionNoBody {
		p.messageComplete()
		return nil
	}
	switch {
	case p.chunked:
		p.state = stateChunkSize
	case p.contentLength > 0:
		p.bodyRemaining = p.contentLength
		p.state = stateBodyIdentity
	default:
		p.messageComplete()
	}
	return nil
}

func (p *parser) consumeIdentity(data []byte, i int) int {
	n := int64(len(data) - i)
	if n > p.bodyRemaining {
		n = p.bodyRemaining
	}
	if n > 0 {
		p.cb.onBody(data[i : i+int(n)])
		p.bodyRemaining -= n
		i += int(n)
	}
	if p.bodyRemaining == 0 {
		p.messageComplete()
	}
	return i
}

func (p *parser) handleChunkSizeLine(line []byte) error {
	if len(line) == 0 {
		// CRLF separating chunks.
		return nil
	}
	sizeText := line
	if semi := bytes.IndexByte(line, ';'); semi >= 0 {
		sizeText = line[:semi]
	}
	size, err := strconv.ParseInt(string(bytes.TrimSpace(sizeText)), 16, 64)
	if err != nil || size < 0 {
		return parseErrorf("invalid chunk size %q", line)
	}
	if size == 0 {
		p.state = stateTrailers
		return nil
	}
	p.bodyRemaining = size
	p.state = stateChunkData
	return nil
}

func (p *parser) consumeChunkData(data []byte, i int) int {
	n := int64(len(data) - i)
	if n > p.bodyRemaining {
		n = p.bodyRemaining
	}
	if n > 0 {
		p.cb.onBody(data[i : i+int(n)])
		p.bodyRemaining -= n
		i += int(n)
	}
	if p.bodyRemaining == 0 {
		p.state = stateChunkDataEnd
		p.bodyRemaining = 2
	}
	return i
}

// consumeChunkEnd eats the CRLF that terminates a chunk's data.
func (p *parser) consumeChunkEnd(data []byte, i int) (int, error) {
	for p.bodyRemaining > 0 && i < len(data) {
		c := data[i]
		if (p.bodyRemaining == 2 && c != '\r') || (p.bodyRemaining == 1 && c != '\n') {
			return i, parseErrorf("malformed chunk terminator")
		}
		p.bodyRemaining--
		i++
	}
	if p.bodyRemaining == 0 {
		p.state = stateChunkSize
	}
	return i, nil
}

func (p *parser) messageComplete() {
	p.cb.onMessageComplete()
	p.paused = true
	p.resetMessage()
}

func isToken(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case strings.IndexByte("!#$%&'*+-.^_`|~", c) >= 0:
		default:
			return false
		}
	}
	return true
}
