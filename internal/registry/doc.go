// Package registry is the shared catalog of backend service instances.
//
// Instances register themselves (directly or through an Agent), keep their
// record alive with heartbeats and are marked healthy or unhealthy by the
// gateway health checker. Only healthy, live instances are eligible for
// routing.
//
// Two implementations are provided: RedisRegistry, shared by every gateway
// process, and MemoryRegistry for single-process deployments and tests.
package registry
