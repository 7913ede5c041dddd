package accesslog

import (
	"fmt"
	"strconv"
	"time"

	"mercator-hq/janus/pkg/headers"
	"mercator-hq/janus/pkg/stream"
)

// Entry is one completed request, captured at response completion so the
// sink goroutine never touches live stream state.
type Entry struct {
	Time     time.Time
	Method   string
	Path     string
	Protocol string

	ResponseCode int
	Flags        stream.ResponseFlag

	BytesReceived uint64
	BytesSent     uint64
	Duration      time.Duration

	// UpstreamServiceTime is the x-envoy-upstream-service-time response
	// header value, empty when the response never reached an upstream.
	UpstreamServiceTime string

	ForwardedFor string
	UserAgent    string
	RequestID    string
	Authority    string
	UpstreamHost string
}

// NewEntry captures a log entry from the request headers, response headers,
// and the accumulated request info. The original path is preferred when the
// router rewrote it.
func NewEntry(req, resp *headers.Map, ri *stream.RequestInfo) Entry {
	e := Entry{
		Time:          ri.StartTime,
		Protocol:      ri.Protocol,
		ResponseCode:  ri.ResponseCode,
		Flags:         ri.Flags,
		BytesReceived: ri.BytesReceived,
		BytesSent:     ri.BytesSent,
		Duration:      time.Since(ri.StartTime),
	}
	if req != nil {
		e.Method = req.Value(headers.Method)
		e.Path = req.Value(headers.Path)
		if orig := req.Value(headers.EnvoyOriginalPath); orig != "" {
			e.Path = orig
		}
		e.ForwardedFor = req.Value(headers.ForwardedFor)
		e.UserAgent = req.Value("user-agent")
		e.RequestID = req.Value(headers.RequestID)
		e.Authority = req.Value(headers.Authority)
	}
	if resp != nil {
		e.UpstreamServiceTime = resp.Value(headers.EnvoyUpstreamServiceTime)
	}
	if ri.UpstreamHost != nil {
		e.UpstreamHost = ri.UpstreamHost.Address()
	}
	return e
}

// Line renders the entry as a single access-log line without a trailing
// newline. Absent fields render as "-".
func (e Entry) Line() string {
	code := "0"
	if e.ResponseCode > 0 {
		code = strconv.Itoa(e.ResponseCode)
	}
	return fmt.Sprintf("[%s] %q %s %s %d %d %d %s %q %q %q %q %q",
		e.Time.UTC().Format("2006-01-02T15:04:05.000Z"),
		e.Method+" "+e.Path+" "+e.Protocol,
		code,
		e.Flags.ShortString(),
		e.BytesReceived,
		e.BytesSent,
		e.Duration.Milliseconds(),
		orDash(e.UpstreamServiceTime),
		orDash(e.ForwardedFor),
		orDash(e.UserAgent),
		orDash(e.RequestID),
		orDash(e.Authority),
		orDash(e.UpstreamHost),
	)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
