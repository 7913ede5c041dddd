// Package config loads, defaults, and validates the proxy configuration.
//
// Configuration is a single YAML document describing listeners, the route
// table, upstream clusters, the runtime keyspace, the admin endpoint, access
// logging, auditing, and tracing. Values are applied in order: defaults,
// then the file, then JANUS_SECTION_FIELD environment overrides, with
// validation failing fast after each load.
//
// Validation collects every failure before reporting:
//
//	configuration validation failed with 2 errors:
//	  - listeners[0].address: not a valid ip:port
//	  - routes.virtual_hosts[0].routes[1].cluster: unknown cluster "backnd"
//
// A minimal configuration:
//
//	listeners:
//	  - address: "0.0.0.0:10000"
//	routes:
//	  virtual_hosts:
//	    - name: default
//	      domains: ["*"]
//	      routes:
//	        - prefix: /
//	          cluster: backend
//	clusters:
//	  - name: backend
//	    hosts:
//	      - address: "127.0.0.1:8080"
package config
