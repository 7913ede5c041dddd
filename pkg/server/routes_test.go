package server

import (
	"testing"
	"time"

	"mercator-hq/janus/pkg/config"
	"mercator-hq/janus/pkg/headers"
	"mercator-hq/janus/pkg/router"
	"mercator-hq/janus/pkg/upstream"
)

func requestHeaders(authority, path string) *headers.Map {
	h := headers.New()
	h.Set(headers.Method, "GET")
	h.Set(headers.Authority, authority)
	h.Set(headers.Path, path)
	return h
}

func TestBuildRouteConfig(t *testing.T) {
	rt := config.RouteTableConfig{
		VirtualHosts: []config.VirtualHostConfig{
			{
				Name:    "api",
				Domains: []string{"api.example.com"},
				Routes: []config.RouteConfig{
					{
						Path:     "/legacy",
						Redirect: &config.RedirectConfig{Host: "new.example.com"},
					},
					{
						Prefix:     "/users",
						Cluster:    "users",
						Timeout:    5 * time.Second,
						Priority:   "high",
						Retry:      &config.RetryConfig{RetryOn: "5xx,connect-failure", NumRetries: 2},
						Shadow:     &config.ShadowConfig{Cluster: "users-shadow", RuntimeKey: "shadow.users"},
						HashHeader: "x-session-id",
						RequestHeadersToAdd: []config.HeaderValueConfig{
							{Name: "x-edge", Value: "true"},
						},
						RequestHeadersToRemove: []string{"x-debug"},
					},
				},
				VirtualClusters: []config.VirtualClusterConfig{
					{Name: "user_lookup", Method: "GET", Pattern: "^/users/[^/]+$"},
				},
			},
			{
				Name:    "default",
				Domains: []string{"*"},
				Routes:  []config.RouteConfig{{Prefix: "/", Cluster: "backend"}},
			},
		},
	}

	cfg := BuildRouteConfig(rt)

	redirect := cfg.Route(requestHeaders("api.example.com", "/legacy"))
	if redirect == nil || redirect.Redirect == nil {
		t.Fatal("redirect route not matched")
	}
	if redirect.Redirect.HostRedirect != "new.example.com" {
		t.Errorf("redirect host = %q", redirect.Redirect.HostRedirect)
	}

	users := cfg.Route(requestHeaders("api.example.com", "/users/42"))
	if users == nil || users.Entry == nil {
		t.Fatal("users route not matched")
	}
	e := users.Entry
	if e.ClusterName != "users" {
		t.Errorf("cluster = %q", e.ClusterName)
	}
	if e.Priority != upstream.PriorityHigh {
		t.Errorf("priority = %v, want high", e.Priority)
	}
	if e.Timeout != 5*time.Second {
		t.Errorf("timeout = %v", e.Timeout)
	}
	wantRetry := router.ParseRetryOn("5xx,connect-failure")
	if e.Retry.RetryOn != wantRetry || e.Retry.NumRetries != 2 {
		t.Errorf("retry = %+v", e.Retry)
	}
	if e.Shadow == nil || e.Shadow.Cluster != "users-shadow" || e.Shadow.RuntimeKey != "shadow.users" {
		t.Errorf("shadow = %+v", e.Shadow)
	}
	if e.Hash == nil || e.Hash.HeaderName != "x-session-id" {
		t.Errorf("hash = %+v", e.Hash)
	}
	if len(e.RequestHeadersToAdd) != 1 || e.RequestHeadersToAdd[0].Name != "x-edge" {
		t.Errorf("headers to add = %+v", e.RequestHeadersToAdd)
	}
	if len(e.RequestHeadersToRemove) != 1 || e.RequestHeadersToRemove[0] != "x-debug" {
		t.Errorf("headers to remove = %+v", e.RequestHeadersToRemove)
	}

	fallback := cfg.Route(requestHeaders("unknown.example.com", "/anything"))
	if fallback == nil || fallback.Entry == nil || fallback.Entry.ClusterName != "backend" {
		t.Fatal("wildcard fallback not matched")
	}
}

func TestBuildPriority(t *testing.T) {
	if buildPriority("high") != upstream.PriorityHigh {
		t.Error("high should map to the high priority")
	}
	if buildPriority("") != upstream.PriorityDefault {
		t.Error("empty should map to the default priority")
	}
	if buildPriority("default") != upstream.PriorityDefault {
		t.Error("default should map to the default priority")
	}
}
