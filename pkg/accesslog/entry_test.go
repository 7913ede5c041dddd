package accesslog

import (
	"strings"
	"testing"
	"time"

	"mercator-hq/janus/pkg/headers"
	"mercator-hq/janus/pkg/stream"
)

func TestEntryLine(t *testing.T) {
	e := Entry{
		Time:                time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC),
		Method:              "GET",
		Path:                "/api/v1/users",
		Protocol:            "HTTP/1.1",
		ResponseCode:        200,
		BytesReceived:       0,
		BytesSent:           421,
		Duration:            17 * time.Millisecond,
		UpstreamServiceTime: "14",
		ForwardedFor:        "10.0.35.28",
		UserAgent:           "curl/8.5",
		RequestID:           "abc-123",
		Authority:           "api.example.com",
		UpstreamHost:        "10.1.2.3:8080",
	}
	want := `[2026-03-04T12:00:00.000Z] "GET /api/v1/users HTTP/1.1" 200 - 0 421 17 14 "10.0.35.28" "curl/8.5" "abc-123" "api.example.com" "10.1.2.3:8080"`
	if got := e.Line(); got != want {
		t.Errorf("Line()\n got %s\nwant %s", got, want)
	}
}

func TestEntryLineAbsentFieldsDash(t *testing.T) {
	e := Entry{
		Time:         time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC),
		Method:       "GET",
		Path:         "/",
		Protocol:     "HTTP/1.1",
		ResponseCode: 503,
		Flags:        stream.FlagNoHealthyUpstream,
	}
	line := e.Line()
	if !strings.Contains(line, " 503 UH ") {
		t.Errorf("flags not rendered: %s", line)
	}
	if !strings.HasSuffix(line, `"-" "-" "-" "-" "-"`) {
		t.Errorf("absent fields should be dashes: %s", line)
	}
}

func TestNewEntryPrefersOriginalPath(t *testing.T) {
	req := headers.New()
	req.Set(headers.Method, "POST")
	req.Set(headers.Path, "/internal/orders")
	req.Set(headers.EnvoyOriginalPath, "/api/orders")
	req.Set(headers.Authority, "shop.example.com")
	req.Set(headers.RequestID, "rid-1")
	req.Set("user-agent", "test-agent")

	resp := headers.New()
	resp.Set(headers.EnvoyUpstreamServiceTime, "9")

	ri := &stream.RequestInfo{
		StartTime:    time.Now().Add(-5 * time.Millisecond),
		Protocol:     "HTTP/1.1",
		ResponseCode: 201,
		BytesSent:    10,
	}

	e := NewEntry(req, resp, ri)
	if e.Path != "/api/orders" {
		t.Errorf("path = %q, want original path", e.Path)
	}
	if e.Method != "POST" || e.Authority != "shop.example.com" {
		t.Errorf("entry = %+v", e)
	}
	if e.UpstreamServiceTime != "9" {
		t.Errorf("upstream service time = %q", e.UpstreamServiceTime)
	}
	if e.Duration <= 0 {
		t.Errorf("duration = %v", e.Duration)
	}
}
