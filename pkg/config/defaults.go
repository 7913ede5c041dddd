package config

import "time"

// Default values applied to absent configuration fields.
const (
	DefaultDrainTime          = 600 * time.Second
	DefaultParentShutdownTime = 900 * time.Second

	DefaultMetricsPath = "/metrics"

	DefaultAccessLogFlushInterval = 10 * time.Second

	DefaultRouteTimeout   = 15 * time.Second
	DefaultConnectTimeout = 5 * time.Second
	DefaultLBPolicy       = "round_robin"

	DefaultOutlierInterval = 10 * time.Second

	DefaultAuditRetentionDays     = 90
	DefaultAuditRetentionSchedule = "0 3 * * *"

	DefaultTracingServiceName = "janus"

	DefaultLoggingLevel  = "info"
	DefaultLoggingFormat = "json"
)

// ApplyDefaults fills in zero-valued fields. It is called by Load before
// validation, so Validate can assume defaulted values are present.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.DrainTime == 0 {
		cfg.Server.DrainTime = DefaultDrainTime
	}
	if cfg.Server.ParentShutdownTime == 0 {
		cfg.Server.ParentShutdownTime = DefaultParentShutdownTime
	}
	if cfg.Admin.MetricsPath == "" {
		cfg.Admin.MetricsPath = DefaultMetricsPath
	}
	for i := range cfg.Listeners {
		if cfg.Listeners[i].AccessLog.FlushInterval == 0 {
			cfg.Listeners[i].AccessLog.FlushInterval = DefaultAccessLogFlushInterval
		}
	}
	for i := range cfg.Routes.VirtualHosts {
		vh := &cfg.Routes.VirtualHosts[i]
		for j := range vh.Routes {
			r := &vh.Routes[j]
			if r.Timeout == 0 && r.Redirect == nil {
				r.Timeout = DefaultRouteTimeout
			}
			if r.Priority == "" {
				r.Priority = "default"
			}
		}
	}
	for i := range cfg.Clusters {
		c := &cfg.Clusters[i]
		if c.ConnectTimeout == 0 {
			c.ConnectTimeout = DefaultConnectTimeout
		}
		if c.LBPolicy == "" {
			c.LBPolicy = DefaultLBPolicy
		}
		if c.OutlierDetection.Interval == 0 {
			c.OutlierDetection.Interval = DefaultOutlierInterval
		}
	}
	if cfg.Audit.RetentionDays == 0 {
		cfg.Audit.RetentionDays = DefaultAuditRetentionDays
	}
	if cfg.Audit.RetentionSchedule == "" {
		cfg.Audit.RetentionSchedule = DefaultAuditRetentionSchedule
	}
	if cfg.Tracing.ServiceName == "" {
		cfg.Tracing.ServiceName = DefaultTracingServiceName
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = DefaultLoggingLevel
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = DefaultLoggingFormat
	}
}
