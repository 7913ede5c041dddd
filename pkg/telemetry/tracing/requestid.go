package tracing

import "github.com/google/uuid"

// TraceStatus is the per-request trace decision carried in the request id.
type TraceStatus int

const (
	// TraceNo excludes the request from tracing.
	TraceNo TraceStatus = iota
	// TraceSampled marks the request traceable, subject to sampling.
	TraceSampled
	// TraceForced traces the request unconditionally.
	TraceForced
)

// uuidVersionIndex is the position of the UUID version nibble in the
// canonical 36-character form.
const uuidVersionIndex = 14

// NewRequestID returns a fresh v4 UUID. Its version nibble is '4', so a new
// id is traceable by default.
func NewRequestID() string {
	return uuid.NewString()
}

// SetTraceStatus rewrites the trace decision nibble of id. Returns id
// unchanged when it is not a canonical UUID.
func SetTraceStatus(id string, status TraceStatus) string {
	if len(id) != 36 {
		return id
	}
	b := []byte(id)
	switch status {
	case TraceForced:
		b[uuidVersionIndex] = '9'
	case TraceSampled:
		b[uuidVersionIndex] = '4'
	default:
		b[uuidVersionIndex] = '0'
	}
	return string(b)
}

// StatusOf reads the trace decision out of id. Malformed ids are not
// traceable.
func StatusOf(id string) TraceStatus {
	if len(id) != 36 {
		return TraceNo
	}
	switch id[uuidVersionIndex] {
	case '9':
		return TraceForced
	case '4':
		return TraceSampled
	default:
		return TraceNo
	}
}

// Traceable reports whether id carries a positive trace decision.
func Traceable(id string) bool {
	return StatusOf(id) != TraceNo
}
