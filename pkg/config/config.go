package config

import "time"

// Config is the root of the proxy configuration file.
type Config struct {
	// Server holds process-wide settings (concurrency, drain timing).
	Server ServerConfig `yaml:"server"`

	// Admin configures the out-of-band admin endpoint.
	Admin AdminConfig `yaml:"admin"`

	// Listeners are the data-path listeners.
	Listeners []ListenerConfig `yaml:"listeners"`

	// Routes is the HTTP route table shared by all listeners.
	Routes RouteTableConfig `yaml:"routes"`

	// Clusters describe the upstream services.
	Clusters []ClusterConfig `yaml:"clusters"`

	// Runtime configures the feature-flag keyspace.
	Runtime RuntimeConfig `yaml:"runtime"`

	// Audit configures the optional request audit store.
	Audit AuditConfig `yaml:"audit"`

	// Tracing configures distributed tracing.
	Tracing TracingConfig `yaml:"tracing"`

	// Logging configures the process logger.
	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig holds process-wide settings.
type ServerConfig struct {
	// Concurrency is the number of worker event loops. 0 means one per CPU.
	Concurrency int `yaml:"concurrency"`

	// DrainTime is how long draining listeners keep serving before close.
	DrainTime time.Duration `yaml:"drain_time"`

	// ParentShutdownTime bounds the whole shutdown sequence during restart.
	ParentShutdownTime time.Duration `yaml:"parent_shutdown_time"`
}

// AdminConfig configures the admin endpoint. It serves metrics and health
// off the data path on a plain HTTP listener.
type AdminConfig struct {
	// Address is the "ip:port" to bind, empty disables the endpoint.
	Address string `yaml:"address"`

	// MetricsPath is the Prometheus scrape path.
	MetricsPath string `yaml:"metrics_path"`
}

// ListenerConfig is one data-path listener.
type ListenerConfig struct {
	// Address is the "ip:port" to bind.
	Address string `yaml:"address"`

	// UseRemoteAddress trusts the peer address over x-forwarded-for when
	// classifying requests as internal or external.
	UseRemoteAddress bool `yaml:"use_remote_address"`

	// AccessLog configures the listener's access log sink. An empty path
	// disables logging.
	AccessLog AccessLogConfig `yaml:"access_log"`
}

// AccessLogConfig configures one file access log sink.
type AccessLogConfig struct {
	Path string `yaml:"path"`

	// FlushInterval bounds how long a log line may sit in the buffer.
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// RouteTableConfig is the HTTP route table.
type RouteTableConfig struct {
	VirtualHosts []VirtualHostConfig `yaml:"virtual_hosts"`
}

// VirtualHostConfig groups routes under a set of domains.
type VirtualHostConfig struct {
	Name    string   `yaml:"name"`
	Domains []string `yaml:"domains"`

	Routes []RouteConfig `yaml:"routes"`

	// VirtualClusters attribute stats to named request patterns.
	VirtualClusters []VirtualClusterConfig `yaml:"virtual_clusters"`
}

// RouteConfig matches a request and names its destination. Exactly one of
// Cluster or Redirect must be set. Path takes precedence over Prefix.
type RouteConfig struct {
	Prefix string `yaml:"prefix"`
	Path   string `yaml:"path"`

	Cluster  string          `yaml:"cluster"`
	Redirect *RedirectConfig `yaml:"redirect"`

	Timeout  time.Duration `yaml:"timeout"`
	Priority string        `yaml:"priority"`

	PrefixRewrite   string `yaml:"prefix_rewrite"`
	HostRewrite     string `yaml:"host_rewrite"`
	AutoHostRewrite bool   `yaml:"auto_host_rewrite"`

	Retry  *RetryConfig  `yaml:"retry"`
	Shadow *ShadowConfig `yaml:"shadow"`

	// HashHeader names the request header whose value keys ring-hash host
	// selection.
	HashHeader string `yaml:"hash_header"`

	RequestHeadersToAdd    []HeaderValueConfig `yaml:"request_headers_to_add"`
	RequestHeadersToRemove []string            `yaml:"request_headers_to_remove"`
}

// RedirectConfig answers matched requests with a 301.
type RedirectConfig struct {
	Host string `yaml:"host"`
	Path string `yaml:"path"`
}

// RetryConfig is a route's retry policy.
type RetryConfig struct {
	// RetryOn is the comma-separated condition list (5xx, connect-failure,
	// refused-stream, retriable-4xx).
	RetryOn    string `yaml:"retry_on"`
	NumRetries uint32 `yaml:"num_retries"`
}

// ShadowConfig mirrors matched requests to a second cluster.
type ShadowConfig struct {
	Cluster string `yaml:"cluster"`

	// RuntimeKey, when set, samples the mirrored fraction out of 10000
	// from the runtime keyspace.
	RuntimeKey string `yaml:"runtime_key"`
}

// HeaderValueConfig is one header mutation.
type HeaderValueConfig struct {
	Name  string `yaml:"name"`
	Value string `yaml:"value"`
}

// VirtualClusterConfig matches requests for stat attribution.
type VirtualClusterConfig struct {
	Name string `yaml:"name"`

	// Method restricts the match, empty matches any method.
	Method string `yaml:"method"`

	// Pattern is a regular expression over the request path.
	Pattern string `yaml:"pattern"`
}

// ClusterConfig describes one upstream service.
type ClusterConfig struct {
	Name string `yaml:"name"`

	ConnectTimeout time.Duration `yaml:"connect_timeout"`

	// LBPolicy selects the balancer: round_robin, least_request, random,
	// ring_hash.
	LBPolicy string `yaml:"lb_policy"`

	// MaxRequestsPerConnection bounds connection reuse, 0 means unlimited.
	MaxRequestsPerConnection uint64 `yaml:"max_requests_per_connection"`

	CircuitBreakers CircuitBreakerConfig `yaml:"circuit_breakers"`

	OutlierDetection OutlierDetectionConfig `yaml:"outlier_detection"`

	Hosts []HostConfig `yaml:"hosts"`
}

// CircuitBreakerConfig bounds a cluster's resource usage. Zero values take
// the 1024/1024/1024/3 defaults.
type CircuitBreakerConfig struct {
	MaxConnections     uint64 `yaml:"max_connections"`
	MaxPendingRequests uint64 `yaml:"max_pending_requests"`
	MaxRequests        uint64 `yaml:"max_requests"`
	MaxRetries         uint64 `yaml:"max_retries"`
}

// OutlierDetectionConfig enables passive health checking for a cluster.
type OutlierDetectionConfig struct {
	Enabled bool `yaml:"enabled"`

	// Interval is given a 10s default but is not read by the detector; the
	// scan period comes from the outlier_detection.interval_ms runtime key
	// (default 10s).
	Interval time.Duration `yaml:"interval"`
}

// HostConfig is one upstream endpoint.
type HostConfig struct {
	Address string `yaml:"address"`
	Zone    string `yaml:"zone"`
	Canary  bool   `yaml:"canary"`
	Weight  uint32 `yaml:"weight"`
}

// RuntimeConfig configures the runtime keyspace.
type RuntimeConfig struct {
	// Base holds static key/value pairs.
	Base map[string]string `yaml:"base"`

	// OverridePath, when set, is watched for a flat YAML map overlaying
	// the base values.
	OverridePath string `yaml:"override_path"`
}

// AuditConfig configures the sqlite-backed request audit store.
type AuditConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`

	// RetentionDays prunes records older than this many days. 0 takes the
	// 90-day default; a negative value disables pruning.
	RetentionDays int `yaml:"retention_days"`

	// RetentionSchedule is the cron expression for the pruner.
	RetentionSchedule string `yaml:"retention_schedule"`
}

// TracingConfig configures distributed tracing.
type TracingConfig struct {
	Enabled     bool   `yaml:"enabled"`
	ServiceName string `yaml:"service_name"`

	// Endpoint is the OTLP collector address. It is kept in the configuration
	// only: the tracing driver does not read it, and Enabled alone chooses
	// between the noop and the recording provider.
	Endpoint string `yaml:"endpoint"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`

	// Format is json or text.
	Format string `yaml:"format"`
}
