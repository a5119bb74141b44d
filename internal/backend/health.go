package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/vyrodovalexey/emsgw/internal/config"
	"github.com/vyrodovalexey/emsgw/internal/observability"
	"github.com/vyrodovalexey/emsgw/internal/registry"
)

// HealthStatusFunc is called when an instance flips between healthy and
// unhealthy.
type HealthStatusFunc func(inst registry.ServiceInstance, healthy bool)

// ProbeSettings describes how the instances of one service are probed.
type ProbeSettings struct {
	Path     string
	Protocol string
	// GRPCService is the name sent in grpc.health.v1 requests; empty
	// asks for the overall server status.
	GRPCService string
}

// HealthCheckResult is the outcome of one probe.
type HealthCheckResult struct {
	InstanceID string        `json:"instance_id"`
	Success    bool          `json:"success"`
	Status     HealthStatus  `json:"status,omitempty"`
	Latency    time.Duration `json:"latency"`
	Error      string        `json:"error,omitempty"`
	Timestamp  time.Time     `json:"timestamp"`
}

// InstanceHealth is the prober's view of one instance.
type InstanceHealth struct {
	Instance          registry.ServiceInstance `json:"instance"`
	LastResult        HealthCheckResult        `json:"last_result"`
	ConsecutiveMisses int                      `json:"consecutive_misses"`
}

// HealthChecker probes every registered instance on its own goroutine.
//
// A single failed probe marks the instance unhealthy so the load balancer
// stops picking it at once. The instance is only deregistered after
// DeregisterAfter consecutive failures.
type HealthChecker struct {
	registry       registry.Registry
	config         config.HealthCheckConfig
	client         *http.Client
	logger         observability.Logger
	now            func() time.Time
	onStatusChange HealthStatusFunc

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	stopped chan struct{}
	workers map[string]context.CancelFunc
	states  map[string]*InstanceHealth
	probes  map[string]ProbeSettings
	wg      sync.WaitGroup

	grpcMu    sync.Mutex
	grpcConns map[string]*grpc.ClientConn
}

// HealthCheckOption is a functional option for configuring the health checker.
type HealthCheckOption func(*HealthChecker)

// WithHealthCheckLogger sets the logger for the health checker.
func WithHealthCheckLogger(logger observability.Logger) HealthCheckOption {
	return func(hc *HealthChecker) {
		hc.logger = logger
	}
}

// WithHealthCheckClient sets the HTTP client for the health checker.
func WithHealthCheckClient(client *http.Client) HealthCheckOption {
	return func(hc *HealthChecker) {
		hc.client = client
	}
}

// WithHealthStatusCallback sets a callback for health status changes.
func WithHealthStatusCallback(fn HealthStatusFunc) HealthCheckOption {
	return func(hc *HealthChecker) {
		hc.onStatusChange = fn
	}
}

// WithServiceProbes sets per-service probe settings.
func WithServiceProbes(probes map[string]ProbeSettings) HealthCheckOption {
	return func(hc *HealthChecker) {
		hc.probes = copyProbes(probes)
	}
}

// WithHealthCheckClock sets the time source for result timestamps.
func WithHealthCheckClock(now func() time.Time) HealthCheckOption {
	return func(hc *HealthChecker) {
		hc.now = now
	}
}

// NewHealthChecker creates a health checker over reg.
func NewHealthChecker(reg registry.Registry, cfg config.HealthCheckConfig, opts ...HealthCheckOption) *HealthChecker {
	if cfg.Interval.Duration() <= 0 {
		cfg.Interval = config.Duration(config.DefaultHealthInterval)
	}
	if cfg.Timeout.Duration() <= 0 {
		cfg.Timeout = config.Duration(config.DefaultHealthTimeout)
	}
	if cfg.SyncInterval.Duration() <= 0 {
		cfg.SyncInterval = config.Duration(config.DefaultSyncInterval)
	}
	if cfg.DeregisterAfter <= 0 {
		cfg.DeregisterAfter = config.DefaultDeregisterAfter
	}
	if cfg.Path == "" {
		cfg.Path = config.DefaultHealthPath
	}

	hc := &HealthChecker{
		registry:  reg,
		config:    cfg,
		client:    &http.Client{Timeout: cfg.Timeout.Duration()},
		logger:    observability.NopLogger(),
		now:       time.Now,
		workers:   make(map[string]context.CancelFunc),
		states:    make(map[string]*InstanceHealth),
		probes:    make(map[string]ProbeSettings),
		grpcConns: make(map[string]*grpc.ClientConn),
	}

	for _, opt := range opts {
		opt(hc)
	}

	return hc
}

// SetServiceProbes replaces the per-service probe settings.
func (hc *HealthChecker) SetServiceProbes(probes map[string]ProbeSettings) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.probes = copyProbes(probes)
}

// Start starts the supervisor loop.
func (hc *HealthChecker) Start(ctx context.Context) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	if hc.running {
		return
	}
	hc.running = true

	runCtx, cancel := context.WithCancel(ctx)
	hc.cancel = cancel
	hc.stopped = make(chan struct{})
	go hc.run(runCtx, hc.stopped)
}

// Stop stops the supervisor and every prober and waits for them.
func (hc *HealthChecker) Stop() {
	hc.mu.Lock()
	if !hc.running {
		hc.mu.Unlock()
		return
	}
	hc.running = false
	cancel, stopped := hc.cancel, hc.stopped
	hc.mu.Unlock()

	cancel()
	<-stopped
	hc.closeAllGRPCConns()
}

// IsRunning returns true if the health checker is running.
func (hc *HealthChecker) IsRunning() bool {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	return hc.running
}

// Snapshot returns the latest state of every probed instance keyed by ID.
func (hc *HealthChecker) Snapshot() map[string]InstanceHealth {
	hc.mu.Lock()
	defer hc.mu.Unlock()

	out := make(map[string]InstanceHealth, len(hc.states))
	for id, st := range hc.states {
		out[id] = *st
	}
	return out
}

// InstanceState returns the latest state of one instance.
func (hc *HealthChecker) InstanceState(id string) (InstanceHealth, bool) {
	hc.mu.Lock()
	defer hc.mu.Unlock()

	st, ok := hc.states[id]
	if !ok {
		return InstanceHealth{}, false
	}
	return *st, true
}

func (hc *HealthChecker) run(ctx context.Context, stopped chan struct{}) {
	defer close(stopped)
	defer hc.wg.Wait()

	ticker := time.NewTicker(hc.config.SyncInterval.Duration())
	defer ticker.Stop()

	hc.syncInstances(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			hc.syncInstances(ctx)
		}
	}
}

// syncInstances starts a prober for every new instance and stops probers
// whose instance left the registry.
func (hc *HealthChecker) syncInstances(ctx context.Context) {
	services, err := hc.registry.Services(ctx)
	if err != nil {
		if ctx.Err() == nil {
			hc.logger.Warn("health checker cannot list services", observability.Error(err))
		}
		return
	}

	known := make(map[string]bool, len(services))
	listed := make(map[string]bool, len(services))
	current := make(map[string]registry.ServiceInstance)
	for _, svc := range services {
		known[svc] = true
		instances, err := hc.registry.ListAll(ctx, svc)
		if err != nil {
			hc.logger.Warn("health checker cannot list instances",
				observability.String("service", svc),
				observability.Error(err),
			)
			continue
		}
		listed[svc] = true
		for _, inst := range instances {
			current[inst.ID] = inst
		}
	}

	hc.mu.Lock()
	defer hc.mu.Unlock()

	if ctx.Err() != nil {
		return
	}

	for id, inst := range current {
		if _, ok := hc.workers[id]; ok {
			continue
		}
		workerCtx, cancel := context.WithCancel(ctx)
		hc.workers[id] = cancel
		hc.states[id] = &InstanceHealth{Instance: inst}
		healthInstancesWatched.WithLabelValues(inst.Service).Inc()

		hc.wg.Add(1)
		go hc.watch(workerCtx, inst)
	}

	for id, st := range hc.states {
		if _, ok := current[id]; ok {
			continue
		}
		svc := st.Instance.Service
		if listed[svc] || !known[svc] {
			hc.forgetLocked(id)
		}
	}
}

func (hc *HealthChecker) watch(ctx context.Context, inst registry.ServiceInstance) {
	defer hc.wg.Done()

	ticker := time.NewTicker(hc.config.Interval.Duration())
	defer ticker.Stop()

	for {
		if !hc.check(ctx, inst, false) {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Probe checks inst once with the service's probe settings without
// touching the registry.
func (hc *HealthChecker) Probe(ctx context.Context, inst registry.ServiceInstance) error {
	probeCtx, cancel := context.WithTimeout(ctx, hc.config.Timeout.Duration())
	defer cancel()

	_, err := hc.probe(probeCtx, inst, hc.probeSettings(inst.Service))
	return err
}

// CheckInstance probes inst once and applies the outcome to the registry.
// It returns false once the instance is gone and should not be probed
// again.
func (hc *HealthChecker) CheckInstance(ctx context.Context, inst registry.ServiceInstance) bool {
	return hc.check(ctx, inst, true)
}

// check probes inst once. Probers started by syncInstances pass
// track=false: their state exists for as long as the worker does, and a
// result arriving after the worker was forgotten is dropped.
func (hc *HealthChecker) check(ctx context.Context, inst registry.ServiceInstance, track bool) bool {
	if ctx.Err() != nil {
		return false
	}

	probeCtx, cancel := context.WithTimeout(ctx, hc.config.Timeout.Duration())
	start := time.Now()
	status, err := hc.probe(probeCtx, inst, hc.probeSettings(inst.Service))
	latency := time.Since(start)
	cancel()

	if ctx.Err() != nil {
		return false
	}

	result := HealthCheckResult{
		InstanceID: inst.ID,
		Success:    err == nil,
		Status:     status,
		Latency:    latency,
		Timestamp:  hc.now(),
	}
	if err != nil {
		result.Error = err.Error()
	}
	recordProbe(inst.Service, err == nil, latency)

	if err == nil {
		return hc.recordSuccess(ctx, inst, result, track)
	}
	return hc.recordFailure(ctx, inst, result, track)
}

func (hc *HealthChecker) recordSuccess(
	ctx context.Context,
	inst registry.ServiceInstance,
	result HealthCheckResult,
	track bool,
) bool {
	changed, current, ok := hc.update(inst, result, track, func(st *InstanceHealth) {
		st.ConsecutiveMisses = 0
		st.Instance.Healthy = true
	})
	if !ok {
		return false
	}

	err := hc.registry.MarkHealthy(ctx, inst.ID)
	if errors.Is(err, registry.ErrInstanceNotFound) {
		hc.forget(inst.ID)
		return false
	}
	if err != nil {
		hc.logger.Warn("failed to mark instance healthy",
			observability.String("service", inst.Service),
			observability.String("instance_id", inst.ID),
			observability.Error(err),
		)
	}

	if changed {
		hc.logger.Info("instance became healthy",
			observability.String("service", inst.Service),
			observability.String("instance_id", inst.ID),
			observability.String("address", inst.Address()),
		)
		if hc.onStatusChange != nil {
			hc.onStatusChange(current, true)
		}
	}
	return true
}

func (hc *HealthChecker) recordFailure(
	ctx context.Context,
	inst registry.ServiceInstance,
	result HealthCheckResult,
	track bool,
) bool {
	var misses int
	changed, current, ok := hc.update(inst, result, track, func(st *InstanceHealth) {
		st.ConsecutiveMisses++
		st.Instance.Healthy = false
		misses = st.ConsecutiveMisses
	})
	if !ok {
		return false
	}

	if err := hc.registry.MarkUnhealthy(ctx, inst.ID); err != nil {
		if errors.Is(err, registry.ErrInstanceNotFound) {
			hc.forget(inst.ID)
			return false
		}
		hc.logger.Warn("failed to mark instance unhealthy",
			observability.String("service", inst.Service),
			observability.String("instance_id", inst.ID),
			observability.Error(err),
		)
	}

	if changed {
		hc.logger.Warn("instance became unhealthy",
			observability.String("service", inst.Service),
			observability.String("instance_id", inst.ID),
			observability.String("address", inst.Address()),
			observability.String("error", result.Error),
		)
		if hc.onStatusChange != nil {
			hc.onStatusChange(current, false)
		}
	}

	if misses < hc.config.DeregisterAfter {
		return true
	}

	err := hc.registry.Deregister(ctx, inst.ID)
	if err != nil && !errors.Is(err, registry.ErrInstanceNotFound) {
		hc.logger.Warn("failed to deregister instance",
			observability.String("service", inst.Service),
			observability.String("instance_id", inst.ID),
			observability.Error(err),
		)
		return true
	}

	healthDeregistrationsTotal.WithLabelValues(inst.Service).Inc()
	hc.logger.Warn("instance deregistered after consecutive failed probes",
		observability.String("service", inst.Service),
		observability.String("instance_id", inst.ID),
		observability.Int("misses", misses),
	)
	hc.forget(inst.ID)
	return false
}

// update applies fn to the instance state and reports whether its health
// flag changed. A missing state is created only when track is set;
// otherwise ok is false and nothing is recorded.
func (hc *HealthChecker) update(
	inst registry.ServiceInstance,
	result HealthCheckResult,
	track bool,
	fn func(*InstanceHealth),
) (changed bool, current registry.ServiceInstance, ok bool) {
	hc.mu.Lock()
	defer hc.mu.Unlock()

	st, found := hc.states[inst.ID]
	if !found {
		if !track {
			return false, inst, false
		}
		st = &InstanceHealth{Instance: inst}
		hc.states[inst.ID] = st
	}
	before := st.Instance.Healthy
	st.LastResult = result
	fn(st)
	return before != st.Instance.Healthy, st.Instance, true
}

func (hc *HealthChecker) forget(id string) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.forgetLocked(id)
}

func (hc *HealthChecker) forgetLocked(id string) {
	if cancel, ok := hc.workers[id]; ok {
		cancel()
		delete(hc.workers, id)
		if st, ok := hc.states[id]; ok {
			healthInstancesWatched.WithLabelValues(st.Instance.Service).Dec()
		}
	}
	delete(hc.states, id)
}

func (hc *HealthChecker) probeSettings(service string) ProbeSettings {
	hc.mu.Lock()
	s := hc.probes[service]
	hc.mu.Unlock()

	if s.Path == "" {
		s.Path = hc.config.Path
	}
	if s.Protocol == "" {
		s.Protocol = config.ProtocolHTTP
	}
	return s
}

func (hc *HealthChecker) probe(ctx context.Context, inst registry.ServiceInstance, s ProbeSettings) (HealthStatus, error) {
	if s.Protocol == config.ProtocolGRPC {
		return hc.probeGRPC(ctx, inst, s)
	}
	return hc.probeHTTP(ctx, inst, s)
}

// probeHTTP requires a 2xx response whose body reports a serving status.
func (hc *HealthChecker) probeHTTP(ctx context.Context, inst registry.ServiceInstance, s ProbeSettings) (HealthStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, inst.URL(s.Path), http.NoBody)
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := hc.client.Do(req)
	if err != nil {
		return "", err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxHealthBodySize))
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return "", fmt.Errorf("health endpoint returned status %d", resp.StatusCode)
	}

	payload, err := DecodeHealthPayload(resp.Body)
	if err != nil {
		return "", err
	}
	if !payload.Status.Serving() {
		if payload.Error != "" {
			return payload.Status, fmt.Errorf("instance reports %s: %s", payload.Status, payload.Error)
		}
		return payload.Status, fmt.Errorf("instance reports %s", payload.Status)
	}
	return payload.Status, nil
}

// probeGRPC performs a grpc.health.v1 check.
func (hc *HealthChecker) probeGRPC(ctx context.Context, inst registry.ServiceInstance, s ProbeSettings) (HealthStatus, error) {
	addr := inst.Address()
	conn, err := hc.getGRPCConn(addr)
	if err != nil {
		return "", err
	}

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{
		Service: s.GRPCService,
	})
	if err != nil {
		hc.closeGRPCConn(addr)
		return "", err
	}

	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return HealthStatusUnhealthy, fmt.Errorf("grpc health status %s", resp.GetStatus())
	}
	return HealthStatusHealthy, nil
}

// getGRPCConn returns a pooled gRPC connection for the address.
func (hc *HealthChecker) getGRPCConn(addr string) (*grpc.ClientConn, error) {
	hc.grpcMu.Lock()
	defer hc.grpcMu.Unlock()

	if conn, ok := hc.grpcConns[addr]; ok {
		state := conn.GetState()
		if state != connectivity.Shutdown && state != connectivity.TransientFailure {
			return conn, nil
		}
		_ = conn.Close()
		delete(hc.grpcConns, addr)
	}

	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}

	hc.grpcConns[addr] = conn
	return conn, nil
}

// closeGRPCConn closes and removes a pooled gRPC connection.
func (hc *HealthChecker) closeGRPCConn(addr string) {
	hc.grpcMu.Lock()
	defer hc.grpcMu.Unlock()

	if conn, ok := hc.grpcConns[addr]; ok {
		if err := conn.Close(); err != nil {
			hc.logger.Warn("failed to close gRPC connection",
				observability.String("addr", addr),
				observability.Error(err),
			)
		}
		delete(hc.grpcConns, addr)
	}
}

// closeAllGRPCConns closes all pooled gRPC connections.
func (hc *HealthChecker) closeAllGRPCConns() {
	hc.grpcMu.Lock()
	defer hc.grpcMu.Unlock()

	for addr, conn := range hc.grpcConns {
		_ = conn.Close()
		delete(hc.grpcConns, addr)
	}
}

func copyProbes(in map[string]ProbeSettings) map[string]ProbeSettings {
	out := make(map[string]ProbeSettings, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
