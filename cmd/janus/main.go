// Janus is an L4/L7 service proxy built on an event-loop worker model.
//
// It terminates HTTP/1 on its listeners, matches requests against a virtual
// host route table, and forwards them to upstream clusters with retries,
// shadowing, circuit breaking, and passive outlier detection.
//
// Usage:
//
//	# Start with a configuration file
//	janus run --config-path /etc/janus/janus.yaml
//
//	# Validate a configuration file without starting
//	janus validate --config-path /etc/janus/janus.yaml
//
//	# Show version information
//	janus version
package main

func main() {
	Execute()
}
