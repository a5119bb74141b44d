package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/vyrodovalexey/emsgw/internal/observability"
)

const backendMemory = "memory"

// MemoryRegistry is an in-process Registry. Liveness is enforced lazily:
// expired records are dropped when they are next read.
type MemoryRegistry struct {
	mu        sync.RWMutex
	instances map[string]*memoryRecord
	ttl       time.Duration
	now       func() time.Time
	logger    observability.Logger
}

type memoryRecord struct {
	instance  ServiceInstance
	expiresAt time.Time
}

// MemoryOption configures a MemoryRegistry.
type MemoryOption func(*MemoryRegistry)

// WithMemoryClock sets the time source.
func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(r *MemoryRegistry) { r.now = now }
}

// WithMemoryLogger sets the logger.
func WithMemoryLogger(logger observability.Logger) MemoryOption {
	return func(r *MemoryRegistry) { r.logger = logger }
}

// NewMemoryRegistry creates an in-process registry whose records live for
// ttl after their last heartbeat. A non-positive ttl disables expiry.
func NewMemoryRegistry(ttl time.Duration, opts ...MemoryOption) *MemoryRegistry {
	r := &MemoryRegistry{
		instances: make(map[string]*memoryRecord),
		ttl:       ttl,
		now:       time.Now,
		logger:    observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register implements Registry.
func (r *MemoryRegistry) Register(_ context.Context, service, host string, port int) (id string, err error) {
	defer func(start time.Time) { recordOperation(backendMemory, "register", start, err) }(time.Now())

	if err := ValidateInstance(service, host, port); err != nil {
		return "", err
	}

	id = InstanceID(service, host, port)
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.instances[id]
	if !ok || r.expired(rec, now) {
		rec = &memoryRecord{instance: ServiceInstance{
			ID:           id,
			Service:      service,
			Host:         host,
			Port:         port,
			RegisteredAt: now,
			Healthy:      true,
		}}
		r.instances[id] = rec
		r.logger.Info("service instance registered",
			observability.String("service", service),
			observability.String("instance_id", id),
			observability.String("address", rec.instance.Address()),
		)
	}
	r.touch(rec, now)
	return id, nil
}

// Deregister implements Registry.
func (r *MemoryRegistry) Deregister(_ context.Context, id string) (err error) {
	defer func(start time.Time) { recordOperation(backendMemory, "deregister", start, err) }(time.Now())

	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.instances[id]
	if !ok {
		return ErrInstanceNotFound
	}
	delete(r.instances, id)
	r.logger.Info("service instance deregistered",
		observability.String("service", rec.instance.Service),
		observability.String("instance_id", id),
	)
	return nil
}

// Heartbeat implements Registry.
func (r *MemoryRegistry) Heartbeat(_ context.Context, id string) (err error) {
	defer func(start time.Time) { recordOperation(backendMemory, "heartbeat", start, err) }(time.Now())
	return r.update(id, func(rec *memoryRecord, now time.Time) { r.touch(rec, now) })
}

// MarkHealthy implements Registry.
func (r *MemoryRegistry) MarkHealthy(_ context.Context, id string) (err error) {
	defer func(start time.Time) { recordOperation(backendMemory, "mark_healthy", start, err) }(time.Now())
	return r.update(id, func(rec *memoryRecord, now time.Time) {
		rec.instance.Healthy = true
		r.touch(rec, now)
	})
}

// MarkUnhealthy implements Registry. It does not refresh liveness.
func (r *MemoryRegistry) MarkUnhealthy(_ context.Context, id string) (err error) {
	defer func(start time.Time) { recordOperation(backendMemory, "mark_unhealthy", start, err) }(time.Now())
	return r.update(id, func(rec *memoryRecord, _ time.Time) {
		rec.instance.Healthy = false
	})
}

// ListHealthy implements Registry.
func (r *MemoryRegistry) ListHealthy(ctx context.Context, service string) ([]ServiceInstance, error) {
	all, err := r.ListAll(ctx, service)
	if err != nil {
		return nil, err
	}
	return healthyOnly(all), nil
}

// ListAll implements Registry.
func (r *MemoryRegistry) ListAll(_ context.Context, service string) (out []ServiceInstance, err error) {
	defer func(start time.Time) { recordOperation(backendMemory, "list", start, err) }(time.Now())

	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	for id, rec := range r.instances {
		if rec.instance.Service != service {
			continue
		}
		if r.expired(rec, now) {
			delete(r.instances, id)
			registryPrunedTotal.WithLabelValues(backendMemory, service).Inc()
			continue
		}
		out = append(out, rec.instance)
	}
	sortByID(out)
	return out, nil
}

// Services implements Registry.
func (r *MemoryRegistry) Services(_ context.Context) ([]string, error) {
	now := r.now()

	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]struct{})
	for _, rec := range r.instances {
		if !r.expired(rec, now) {
			seen[rec.instance.Service] = struct{}{}
		}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Ping implements Registry.
func (r *MemoryRegistry) Ping(_ context.Context) error {
	return nil
}

// Close implements Registry.
func (r *MemoryRegistry) Close() error {
	return nil
}

func (r *MemoryRegistry) update(id string, fn func(*memoryRecord, time.Time)) error {
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.instances[id]
	if !ok {
		return ErrInstanceNotFound
	}
	if r.expired(rec, now) {
		delete(r.instances, id)
		return ErrInstanceNotFound
	}
	fn(rec, now)
	return nil
}

func (r *MemoryRegistry) touch(rec *memoryRecord, now time.Time) {
	rec.instance.LastSeen = now
	if r.ttl > 0 {
		rec.expiresAt = now.Add(r.ttl)
	}
}

func (r *MemoryRegistry) expired(rec *memoryRecord, now time.Time) bool {
	return r.ttl > 0 && !now.Before(rec.expiresAt)
}
