package server

import (
	"regexp"

	"mercator-hq/janus/pkg/config"
	"mercator-hq/janus/pkg/router"
	"mercator-hq/janus/pkg/upstream"
)

// BuildRouteConfig compiles the validated route table into the router's
// runtime form. Validation has already rejected bad patterns and priorities,
// so compilation does not fail.
func BuildRouteConfig(rt config.RouteTableConfig) *router.Config {
	vhosts := make([]*router.VirtualHost, 0, len(rt.VirtualHosts))
	for _, vc := range rt.VirtualHosts {
		vh := &router.VirtualHost{
			Name:    vc.Name,
			Domains: vc.Domains,
		}
		for _, rc := range vc.Routes {
			vh.Routes = append(vh.Routes, buildRoute(rc))
		}
		for _, vcc := range vc.VirtualClusters {
			vh.VirtualClusters = append(vh.VirtualClusters, &router.VirtualCluster{
				Name:    vcc.Name,
				Method:  vcc.Method,
				Pattern: regexp.MustCompile(vcc.Pattern),
			})
		}
		vhosts = append(vhosts, vh)
	}
	return router.NewConfig(vhosts)
}

func buildRoute(rc config.RouteConfig) *router.Route {
	r := &router.Route{Prefix: rc.Prefix, Path: rc.Path}
	if rc.Redirect != nil {
		r.Redirect = &router.Redirect{
			HostRedirect: rc.Redirect.Host,
			PathRedirect: rc.Redirect.Path,
		}
		return r
	}
	entry := &router.RouteEntry{
		ClusterName:     rc.Cluster,
		Timeout:         rc.Timeout,
		Priority:        buildPriority(rc.Priority),
		PrefixRewrite:   rc.PrefixRewrite,
		HostRewrite:     rc.HostRewrite,
		AutoHostRewrite: rc.AutoHostRewrite,
	}
	if rc.Retry != nil {
		entry.Retry = router.RetryPolicy{
			RetryOn:    router.ParseRetryOn(rc.Retry.RetryOn),
			NumRetries: rc.Retry.NumRetries,
		}
	}
	if rc.Shadow != nil {
		entry.Shadow = &router.ShadowPolicy{
			Cluster:    rc.Shadow.Cluster,
			RuntimeKey: rc.Shadow.RuntimeKey,
		}
	}
	if rc.HashHeader != "" {
		entry.Hash = &router.HashPolicy{HeaderName: rc.HashHeader}
	}
	for _, hv := range rc.RequestHeadersToAdd {
		entry.RequestHeadersToAdd = append(entry.RequestHeadersToAdd,
			router.HeaderValue{Name: hv.Name, Value: hv.Value})
	}
	entry.RequestHeadersToRemove = rc.RequestHeadersToRemove
	r.Entry = entry
	return r
}

func buildPriority(s string) upstream.Priority {
	if s == "high" {
		return upstream.PriorityHigh
	}
	return upstream.PriorityDefault
}
