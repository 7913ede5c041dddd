package router

import (
	"testing"

	"mercator-hq/janus/pkg/headers"
)

func routeConfig() *Config {
	return NewConfig([]*VirtualHost{
		{
			Name:    "exact",
			Domains: []string{"api.example.com"},
			Routes: []*Route{
				{Path: "/health", Entry: &RouteEntry{ClusterName: "health"}},
				{Prefix: "/v1", Entry: &RouteEntry{ClusterName: "v1"}},
				{Prefix: "/", Entry: &RouteEntry{ClusterName: "api-default"}},
			},
		},
		{
			Name:    "fallback",
			Domains: []string{"*"},
			Routes: []*Route{
				{Prefix: "/", Entry: &RouteEntry{ClusterName: "default"}},
			},
		},
	})
}

func TestRouteMatching(t *testing.T) {
	cfg := routeConfig()
	cases := []struct {
		name      string
		authority string
		path      string
		cluster   string
	}{
		{"exact path", "api.example.com", "/health", "health"},
		{"exact path with query", "api.example.com", "/health?verbose=1", "health"},
		{"prefix", "api.example.com", "/v1/users", "v1"},
		{"first match wins", "api.example.com", "/v1", "v1"},
		{"catch-all within host", "api.example.com", "/other", "api-default"},
		{"domain case insensitive", "API.Example.COM", "/v1/x", "v1"},
		{"wildcard host", "unknown.example.com", "/anything", "default"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := headers.New()
			h.Add(headers.Authority, tc.authority)
			h.Add(headers.Path, tc.path)
			r := cfg.Route(h)
			if r == nil {
				t.Fatal("no route matched")
			}
			if r.Entry.ClusterName != tc.cluster {
				t.Fatalf("cluster = %s, want %s", r.Entry.ClusterName, tc.cluster)
			}
		})
	}
}

func TestRouteNoMatch(t *testing.T) {
	cfg := NewConfig([]*VirtualHost{
		{
			Name:    "only",
			Domains: []string{"api.example.com"},
			Routes:  []*Route{{Prefix: "/v1", Entry: &RouteEntry{ClusterName: "v1"}}},
		},
	})
	h := headers.New()
	h.Add(headers.Authority, "api.example.com")
	h.Add(headers.Path, "/other")
	if cfg.Route(h) != nil {
		t.Fatal("path outside every prefix should not match")
	}
	h.Set(headers.Authority, "elsewhere.example.com")
	h.Set(headers.Path, "/v1/x")
	if cfg.Route(h) != nil {
		t.Fatal("unknown authority without a wildcard host should not match")
	}
}

func TestParseRetryOn(t *testing.T) {
	cases := []struct {
		value string
		want  RetryOn
	}{
		{"5xx", RetryOn5xx},
		{"connect-failure", RetryOnConnectFailure},
		{"5xx,connect-failure", RetryOn5xx | RetryOnConnectFailure},
		{" 5xx , refused-stream ", RetryOn5xx | RetryOnRefusedStream},
		{"retriable-4xx", RetryOnRetriable4xx},
		{"bogus", 0},
		{"", 0},
	}
	for _, tc := range cases {
		if got := ParseRetryOn(tc.value); got != tc.want {
			t.Errorf("ParseRetryOn(%q) = %v, want %v", tc.value, got, tc.want)
		}
	}
}

func TestRedirectLocation(t *testing.T) {
	h := headers.New()
	h.Add(headers.Authority, "old.example.com")
	h.Add(headers.Path, "/docs")

	r := &Redirect{HostRedirect: "new.example.com"}
	if got := r.Location(h); got != "http://new.example.com/docs" {
		t.Fatalf("location = %q", got)
	}
	r = &Redirect{PathRedirect: "/moved"}
	if got := r.Location(h); got != "http://old.example.com/moved" {
		t.Fatalf("location = %q", got)
	}
}

func TestFinalizeRequestHeaders(t *testing.T) {
	entry := &RouteEntry{
		PrefixRewrite:          "/internal",
		HostRewrite:            "backend.internal",
		RequestHeadersToAdd:    []HeaderValue{{Name: "x-team", Value: "edge"}},
		RequestHeadersToRemove: []string{"x-debug"},
	}
	route := &Route{Prefix: "/api", Entry: entry}

	h := headers.New()
	h.Add(headers.Authority, "public.example.com")
	h.Add(headers.Path, "/api/users")
	h.Add("x-debug", "1")
	finalizeRequestHeaders(entry, route, h)

	if got := h.Value(headers.Path); got != "/internal/users" {
		t.Fatalf("path = %q", got)
	}
	if got := h.Value(headers.EnvoyOriginalPath); got != "/api/users" {
		t.Fatalf("original path = %q", got)
	}
	if got := h.Value(headers.Authority); got != "backend.internal" {
		t.Fatalf("authority = %q", got)
	}
	if got := h.Value("x-team"); got != "edge" {
		t.Fatalf("x-team = %q", got)
	}
	if h.Has("x-debug") {
		t.Fatal("x-debug should be removed")
	}
}
