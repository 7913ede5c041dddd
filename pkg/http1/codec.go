package http1

import (
	"strconv"
	"strings"

	"mercator-hq/janus/pkg/buffer"
	"mercator-hq/janus/pkg/headers"
)

// Writer is the outbound byte sink the codec encodes into; the network
// connection satisfies it.
type Writer interface {
	Write(data *buffer.Buffer)
}

const crlf = "\r\n"

// continueResponse is the synthesized interim response for expect:
// 100-continue requests.
const continueResponse = "HTTP/1.1 100 Continue\r\n\r\n"

// badRequestResponse is the preallocated reply for unparseable requests.
const badRequestResponse = "HTTP/1.1 400 Bad Request\r\ncontent-length: 0\r\nconnection: close\r\n\r\n"

// CodecError reports a misuse of the encoder surface, as opposed to a wire
// parse failure.
type CodecError struct {
	Detail string
}

func (e *CodecError) Error() string { return "http1 codec error: " + e.Detail }

// headerAssembler rebuilds complete headers from the parser's alternating
// field/value callbacks, including folded value continuations.
type headerAssembler struct {
	headers  *headers.Map
	field    []byte
	value    []byte
	hasValue bool
}

func (a *headerAssembler) reset() {
	a.headers = headers.New()
	a.field = a.field[:0]
	a.value = a.value[:0]
	a.hasValue = false
}

func (a *headerAssembler) onField(data []byte) {
	if a.hasValue {
		a.commit()
	}
	a.field = append(a.field, data...)
}

func (a *headerAssembler) onValue(data []byte) {
	if a.hasValue && len(data) > 0 && len(a.value) > 0 {
		a.value = append(a.value, ' ')
	}
	a.value = append(a.value, data...)
	a.hasValue = true
}

func (a *headerAssembler) commit() {
	if len(a.field) == 0 && !a.hasValue {
		return
	}
	a.headers.Add(string(a.field), string(a.value))
	a.field = a.field[:0]
	a.value = a.value[:0]
	a.hasValue = false
}

// bodyMode is the egress framing chosen from the headers.
type bodyMode int

const (
	bodyNone bodyMode = iota
	bodyIdentity
	bodyChunked
)

// encodeHeaderBlock writes the header lines and the blank separator,
// choosing body framing. Pseudo-headers are dropped, with :authority
// translated back to host. Conflicting content-length and chunked
// transfer-encoding is rejected.
func encodeHeaderBlock(out *buffer.Buffer, h *headers.Map, endStream bool) (bodyMode, error) {
	hasCL := h.Has(headers.ContentLength)
	te, hasTE := h.Get(headers.TransferEncoding)
	if hasCL && hasTE && containsToken(te, "chunked") {
		return bodyNone, &CodecError{Detail: "conflicting content-length and chunked transfer-encoding"}
	}

	h.Iterate(func(name, value string) bool {
		if name == headers.Authority {
			out.AddString(headers.Host)
			out.AddString(": ")
			out.AddString(value)
			out.AddString(crlf)
			return true
		}
		if len(name) > 0 && name[0] == ':' {
			return true
		}
		out.AddString(name)
		out.AddString(": ")
		out.AddString(value)
		out.AddString(crlf)
		return true
	})

	mode := bodyIdentity
	switch {
	case hasCL:
	case endStream:
		out.AddString("content-length: 0" + crlf)
		mode = bodyNone
	default:
		out.AddString("transfer-encoding: chunked" + crlf)
		mode = bodyChunked
	}
	out.AddString(crlf)
	return mode, nil
}

// encodeBody frames one data call according to the chosen mode.
func encodeBody(out *buffer.Buffer, data *buffer.Buffer, endStream bool, mode bodyMode) {
	switch mode {
	case bodyChunked:
		if data.Length() > 0 {
			out.AddString(strconv.FormatInt(int64(data.Length()), 16))
			out.AddString(crlf)
			out.Move(data)
			out.AddString(crlf)
		}
		if endStream {
			out.AddString("0" + crlf + crlf)
		}
	default:
		out.Move(data)
	}
}

func containsToken(value, token string) bool {
	for _, part := range strings.Split(strings.ToLower(value), ",") {
		if strings.TrimSpace(part) == token {
			return true
		}
	}
	return false
}

// reasonPhrase maps a status code to its canonical reason.
func reasonPhrase(code int) string {
	switch code {
	case 100:
		return "Continue"
	case 200:
		return "OK"
	case 201:
		return "Created"
	case 202:
		return "Accepted"
	case 204:
		return "No Content"
	case 206:
		return "Partial Content"
	case 301:
		return "Moved Permanently"
	case 302:
		return "Found"
	case 304:
		return "Not Modified"
	case 400:
		return "Bad Request"
	case 401:
		return "Unauthorized"
	case 403:
		return "Forbidden"
	case 404:
		return "Not Found"
	case 408:
		return "Request Timeout"
	case 409:
		return "Conflict"
	case 413:
		return "Payload Too Large"
	case 429:
		return "Too Many Requests"
	case 500:
		return "Internal Server Error"
	case 502:
		return "Bad Gateway"
	case 503:
		return "Service Unavailable"
	case 504:
		return "Gateway Timeout"
	}
	return "Unknown"
}
