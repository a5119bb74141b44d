// Package config loads the gateway configuration.
//
// The configuration is a single YAML document:
//
//	apiVersion: emsgw.io/v1
//	kind: Gateway
//	metadata:
//	  name: emsgw
//	spec:
//	  registry:
//	    type: redis
//	    redis:
//	      address: ${REDIS_ADDR:-localhost:6379}
//	  services:
//	    - name: analytics
//	      timeout: 60s
//
// ${VAR} and ${VAR:-default} references are expanded from the process
// environment before parsing. Durations accept Go duration strings or a
// bare number of seconds. Unset fields take the defaults in config.go,
// and per-service circuitBreaker and retry blocks override the global
// ones field by field.
//
// Watcher reloads the file when it changes; only configurations that pass
// ValidateConfig are handed to the reload callback.
package config
