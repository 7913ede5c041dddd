package config

import (
	"fmt"
	"net"
	"regexp"
	"strings"
)

// FieldError is a validation error for one configuration field.
type FieldError struct {
	// Field is the dotted path to the field (e.g. "clusters[0].name").
	Field string

	// Message is a human-readable error message.
	Message string
}

func (e FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationError collects every validation failure found in one pass.
type ValidationError struct {
	Errors []FieldError
}

func (e ValidationError) Error() string {
	if len(e.Errors) == 1 {
		return fmt.Sprintf("configuration validation failed: %s", e.Errors[0].Error())
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "configuration validation failed with %d errors:\n", len(e.Errors))
	for _, err := range e.Errors {
		fmt.Fprintf(&sb, "  - %s\n", err.Error())
	}
	return sb.String()
}

var lbPolicies = map[string]bool{
	"round_robin":   true,
	"least_request": true,
	"random":        true,
	"ring_hash":     true,
}

var logLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}

// Validate checks the whole configuration and returns a ValidationError
// listing every failure, or nil.
func Validate(cfg *Config) error {
	var errs []FieldError

	errs = append(errs, validateListeners(cfg.Listeners)...)
	errs = append(errs, validateRoutes(&cfg.Routes, clusterNames(cfg.Clusters))...)
	errs = append(errs, validateClusters(cfg.Clusters)...)
	errs = append(errs, validateLogging(&cfg.Logging)...)

	if cfg.Admin.Address != "" {
		if _, _, err := net.SplitHostPort(cfg.Admin.Address); err != nil {
			errs = append(errs, FieldError{"admin.address", "not a valid ip:port"})
		}
	}
	if cfg.Audit.Enabled && cfg.Audit.Path == "" {
		errs = append(errs, FieldError{"audit.path", "required when audit is enabled"})
	}

	if len(errs) > 0 {
		return ValidationError{Errors: errs}
	}
	return nil
}

func clusterNames(clusters []ClusterConfig) map[string]bool {
	names := make(map[string]bool, len(clusters))
	for _, c := range clusters {
		names[c.Name] = true
	}
	return names
}

func validateListeners(listeners []ListenerConfig) []FieldError {
	var errs []FieldError
	if len(listeners) == 0 {
		errs = append(errs, FieldError{"listeners", "at least one listener is required"})
	}
	for i, l := range listeners {
		field := fmt.Sprintf("listeners[%d]", i)
		if l.Address == "" {
			errs = append(errs, FieldError{field + ".address", "address is required"})
			continue
		}
		if _, _, err := net.SplitHostPort(l.Address); err != nil {
			errs = append(errs, FieldError{field + ".address", "not a valid ip:port"})
		}
	}
	return errs
}

func validateRoutes(rt *RouteTableConfig, clusters map[string]bool) []FieldError {
	var errs []FieldError
	for i, vh := range rt.VirtualHosts {
		field := fmt.Sprintf("routes.virtual_hosts[%d]", i)
		if vh.Name == "" {
			errs = append(errs, FieldError{field + ".name", "name is required"})
		}
		if len(vh.Domains) == 0 {
			errs = append(errs, FieldError{field + ".domains", "at least one domain is required"})
		}
		for j, r := range vh.Routes {
			rfield := fmt.Sprintf("%s.routes[%d]", field, j)
			if r.Prefix == "" && r.Path == "" {
				errs = append(errs, FieldError{rfield, "one of prefix or path is required"})
			}
			switch {
			case r.Cluster == "" && r.Redirect == nil:
				errs = append(errs, FieldError{rfield, "one of cluster or redirect is required"})
			case r.Cluster != "" && r.Redirect != nil:
				errs = append(errs, FieldError{rfield, "cluster and redirect are mutually exclusive"})
			case r.Cluster != "" && !clusters[r.Cluster]:
				errs = append(errs, FieldError{rfield + ".cluster", fmt.Sprintf("unknown cluster %q", r.Cluster)})
			}
			if r.Priority != "" && r.Priority != "default" && r.Priority != "high" {
				errs = append(errs, FieldError{rfield + ".priority", "must be default or high"})
			}
			if r.Shadow != nil && !clusters[r.Shadow.Cluster] {
				errs = append(errs, FieldError{rfield + ".shadow.cluster", fmt.Sprintf("unknown cluster %q", r.Shadow.Cluster)})
			}
		}
		for j, vc := range vh.VirtualClusters {
			vcfield := fmt.Sprintf("%s.virtual_clusters[%d]", field, j)
			if vc.Name == "" {
				errs = append(errs, FieldError{vcfield + ".name", "name is required"})
			}
			if _, err := regexp.Compile(vc.Pattern); err != nil {
				errs = append(errs, FieldError{vcfield + ".pattern", fmt.Sprintf("invalid pattern: %v", err)})
			}
		}
	}
	return errs
}

func validateClusters(clusters []ClusterConfig) []FieldError {
	var errs []FieldError
	seen := make(map[string]bool, len(clusters))
	for i, c := range clusters {
		field := fmt.Sprintf("clusters[%d]", i)
		if c.Name == "" {
			errs = append(errs, FieldError{field + ".name", "name is required"})
		} else if seen[c.Name] {
			errs = append(errs, FieldError{field + ".name", fmt.Sprintf("duplicate cluster %q", c.Name)})
		}
		seen[c.Name] = true
		if !lbPolicies[c.LBPolicy] {
			errs = append(errs, FieldError{field + ".lb_policy", fmt.Sprintf("unknown policy %q", c.LBPolicy)})
		}
		if len(c.Hosts) == 0 {
			errs = append(errs, FieldError{field + ".hosts", "at least one host is required"})
		}
		for j, h := range c.Hosts {
			if _, _, err := net.SplitHostPort(h.Address); err != nil {
				errs = append(errs, FieldError{
					fmt.Sprintf("%s.hosts[%d].address", field, j),
					"not a valid ip:port",
				})
			}
		}
	}
	return errs
}

func validateLogging(cfg *LoggingConfig) []FieldError {
	var errs []FieldError
	if !logLevels[cfg.Level] {
		errs = append(errs, FieldError{"logging.level", fmt.Sprintf("unknown level %q", cfg.Level)})
	}
	if cfg.Format != "json" && cfg.Format != "text" {
		errs = append(errs, FieldError{"logging.format", "must be json or text"})
	}
	return errs
}
