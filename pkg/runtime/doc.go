// Package runtime provides the live-tunable key/value snapshot consumed by
// the router, load balancers, and outlier detector: integer knobs
// ("upstream.base_retry_backoff_ms") and percentage feature gates
// ("upstream.use_retry").
//
// Values load from the static configuration and may be overridden by a YAML
// overrides file that is watched with fsnotify and swapped in atomically;
// readers always see a consistent snapshot and never block.
package runtime
