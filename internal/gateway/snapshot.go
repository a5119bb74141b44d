package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vyrodovalexey/emsgw/internal/observability"
)

// SnapshotKey is the store key holding the last composite view.
const SnapshotKey = "gateway_health_check"

// StatusSource produces the composite view.
type StatusSource interface {
	Status(ctx context.Context) StatusReport
}

// Snapshotter periodically persists the composite view to the shared
// store, so other gateway processes and operators can read it.
type Snapshotter struct {
	source   StatusSource
	client   redis.UniversalClient
	key      string
	interval time.Duration
	ttl      time.Duration
	logger   observability.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	stopped chan struct{}
}

// NewSnapshotter creates a snapshotter writing to keyPrefix+SnapshotKey.
func NewSnapshotter(
	source StatusSource,
	client redis.UniversalClient,
	keyPrefix string,
	interval, ttl time.Duration,
	logger observability.Logger,
) *Snapshotter {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Snapshotter{
		source:   source,
		client:   client,
		key:      keyPrefix + SnapshotKey,
		interval: interval,
		ttl:      ttl,
		logger:   logger,
	}
}

// Key returns the store key.
func (s *Snapshotter) Key() string {
	return s.key
}

// Start starts the periodic writer.
func (s *Snapshotter) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running || s.interval <= 0 {
		return
	}
	s.running = true

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.stopped = make(chan struct{})
	go s.run(runCtx, s.stopped)
}

// Stop stops the writer and waits for it.
func (s *Snapshotter) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel, stopped := s.cancel, s.stopped
	s.mu.Unlock()

	cancel()
	<-stopped
}

func (s *Snapshotter) run(ctx context.Context, stopped chan struct{}) {
	defer close(stopped)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Write(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("failed to write health snapshot",
					observability.String("key", s.key),
					observability.Error(err),
				)
			}
		}
	}
}

// Write persists the current view once.
func (s *Snapshotter) Write(ctx context.Context) error {
	report := s.source.Status(ctx)
	for _, svc := range report.Services {
		if svc.Status != StatusAvailable {
			s.logger.Warn("service is not fully available",
				observability.String("service", svc.Name),
				observability.String("status", svc.Status),
				observability.String("circuit_state", svc.CircuitState),
				observability.Int("healthy_instances", svc.HealthyInstances),
			)
		}
	}

	data, err := json.Marshal(report)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.key, data, s.ttl).Err()
}
