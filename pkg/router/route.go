package router

import (
	"regexp"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"

	"mercator-hq/janus/pkg/headers"
	"mercator-hq/janus/pkg/upstream"
)

// RetryOn is the bitmask of conditions that make a failed attempt
// retriable.
type RetryOn uint32

const (
	// RetryOn5xx retries 5xx responses and upstream resets.
	RetryOn5xx RetryOn = 1 << iota
	// RetryOnConnectFailure retries failed connection attempts.
	RetryOnConnectFailure
	// RetryOnRefusedStream retries streams the peer refused.
	RetryOnRefusedStream
	// RetryOnRetriable4xx retries 409 responses.
	RetryOnRetriable4xx
)

// ParseRetryOn parses the comma-separated x-envoy-retry-on value. Unknown
// tokens are ignored.
func ParseRetryOn(value string) RetryOn {
	var on RetryOn
	for _, tok := range strings.Split(value, ",") {
		switch strings.TrimSpace(tok) {
		case "5xx":
			on |= RetryOn5xx
		case "connect-failure":
			on |= RetryOnConnectFailure
		case "refused-stream":
			on |= RetryOnRefusedStream
		case "retriable-4xx":
			on |= RetryOnRetriable4xx
		}
	}
	return on
}

// RetryPolicy is the route-level retry configuration.
type RetryPolicy struct {
	RetryOn    RetryOn
	NumRetries uint32
}

// ShadowPolicy mirrors requests to a second cluster. When RuntimeKey is
// set, the fraction shadowed is the key's value out of 10000.
type ShadowPolicy struct {
	Cluster    string
	RuntimeKey string
}

// HashPolicy derives the consistent-hash key from a request header.
type HashPolicy struct {
	HeaderName string
}

// GenerateHash returns the hash of the named header's value, if present.
func (p *HashPolicy) GenerateHash(h *headers.Map) (uint64, bool) {
	v, ok := h.Get(p.HeaderName)
	if !ok {
		return 0, false
	}
	return xxhash.Sum64String(v), true
}

// HeaderValue is one header mutation applied to matched requests.
type HeaderValue struct {
	Name  string
	Value string
}

// VirtualCluster matches requests for stat attribution (method plus path
// pattern).
type VirtualCluster struct {
	Name    string
	Method  string
	Pattern *regexp.Regexp
}

func (vc *VirtualCluster) matches(method, path string) bool {
	if vc.Method != "" && vc.Method != method {
		return false
	}
	return vc.Pattern.MatchString(path)
}

// RouteEntry carries everything the router needs to forward a matched
// request upstream.
type RouteEntry struct {
	ClusterName     string
	Timeout         time.Duration
	Priority        upstream.Priority
	PrefixRewrite   string
	HostRewrite     string
	AutoHostRewrite bool
	Retry           RetryPolicy
	Shadow          *ShadowPolicy
	Hash            *HashPolicy

	RequestHeadersToAdd    []HeaderValue
	RequestHeadersToRemove []string
}

// Redirect produces a redirect response from the request.
type Redirect struct {
	HostRedirect string
	PathRedirect string
}

// Location builds the redirect target from the request headers, keeping
// the parts the redirect does not override.
func (r *Redirect) Location(h *headers.Map) string {
	host := h.Value(headers.Authority)
	if r.HostRedirect != "" {
		host = r.HostRedirect
	}
	path := h.Value(headers.Path)
	if r.PathRedirect != "" {
		path = r.PathRedirect
	}
	return "http://" + host + path
}

// Route matches a request and resolves to exactly one of a route entry or
// a redirect.
type Route struct {
	Prefix string
	Path   string

	Entry    *RouteEntry
	Redirect *Redirect

	vhost *VirtualHost
}

func (r *Route) matches(path string) bool {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if r.Path != "" {
		return path == r.Path
	}
	return strings.HasPrefix(path, r.Prefix)
}

// VirtualHost groups routes under a set of domains. The domain "*" matches
// any authority.
type VirtualHost struct {
	Name            string
	Domains         []string
	Routes          []*Route
	VirtualClusters []*VirtualCluster
}

func (vh *VirtualHost) matchVirtualCluster(method, path string) *VirtualCluster {
	for _, vc := range vh.VirtualClusters {
		if vc.matches(method, path) {
			return vc
		}
	}
	return nil
}

// Config is the compiled route table.
type Config struct {
	hosts    map[string]*VirtualHost
	wildcard *VirtualHost
}

// NewConfig indexes virtual hosts by domain and binds routes back to their
// owners.
func NewConfig(vhosts []*VirtualHost) *Config {
	c := &Config{hosts: make(map[string]*VirtualHost)}
	for _, vh := range vhosts {
		for _, r := range vh.Routes {
			r.vhost = vh
		}
		for _, d := range vh.Domains {
			if d == "*" {
				c.wildcard = vh
				continue
			}
			c.hosts[strings.ToLower(d)] = vh
		}
	}
	return c
}

// Route resolves the request headers to a route, or nil.
func (c *Config) Route(h *headers.Map) *Route {
	vh, ok := c.hosts[strings.ToLower(h.Value(headers.Authority))]
	if !ok {
		vh = c.wildcard
	}
	if vh == nil {
		return nil
	}
	path := h.Value(headers.Path)
	for _, r := range vh.Routes {
		if r.matches(path) {
			return r
		}
	}
	return nil
}

// finalizeRequestHeaders applies the entry's rewrites and mutations before
// the request goes upstream.
func finalizeRequestHeaders(entry *RouteEntry, route *Route, h *headers.Map) {
	if entry.PrefixRewrite != "" && route.Prefix != "" {
		path := h.Value(headers.Path)
		h.Set(headers.EnvoyOriginalPath, path)
		h.Set(headers.Path, entry.PrefixRewrite+strings.TrimPrefix(path, route.Prefix))
	}
	if entry.HostRewrite != "" {
		h.Set(headers.Authority, entry.HostRewrite)
	}
	for _, hv := range entry.RequestHeadersToAdd {
		h.Set(hv.Name, hv.Value)
	}
	for _, name := range entry.RequestHeadersToRemove {
		h.Remove(name)
	}
}
