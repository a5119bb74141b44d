package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"

	"github.com/vyrodovalexey/emsgw/internal/observability"
	"github.com/vyrodovalexey/emsgw/internal/retry"
)

const (
	backendRedis = "redis"

	fieldID           = "id"
	fieldService      = "service"
	fieldHost         = "host"
	fieldPort         = "port"
	fieldRegisteredAt = "registered_at"
	fieldLastSeen     = "last_seen"
	fieldHealthy      = "healthy"

	defaultGuardFailures = 5
	defaultGuardTimeout  = 5 * time.Second
)

// touchScript updates an existing instance record and never creates one.
// KEYS[1] instance hash; ARGV[1] last_seen ("" keeps it); ARGV[2] TTL in ms
// (0 keeps it); ARGV[3] healthy flag ("" keeps it). Returns 0 if missing.
var touchScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 0
end
if ARGV[1] ~= '' then
  redis.call('HSET', KEYS[1], 'last_seen', ARGV[1])
end
if ARGV[3] ~= '' then
  redis.call('HSET', KEYS[1], 'healthy', ARGV[3])
end
local ttl = tonumber(ARGV[2])
if ttl > 0 then
  redis.call('PEXPIRE', KEYS[1], ttl)
end
return 1
`)

// dropServiceScript removes a service name once its instance set is empty.
var dropServiceScript = redis.NewScript(`
if redis.call('SCARD', KEYS[1]) == 0 then
  return redis.call('SREM', KEYS[2], ARGV[1])
end
return 0
`)

// RedisOptions describes the connection to the shared store.
type RedisOptions struct {
	Address        string
	Password       string
	DB             int
	PoolSize       int
	DialTimeout    time.Duration
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	ConnectRetries int
	ConnectBackoff time.Duration
}

// NewRedisClient connects to Redis, retrying the initial ping with
// exponential backoff so the gateway tolerates a store that starts late.
func NewRedisClient(ctx context.Context, opts RedisOptions, logger observability.Logger) (*redis.Client, error) {
	if logger == nil {
		logger = observability.NopLogger()
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 5 * time.Second
	}
	if opts.ConnectBackoff <= 0 {
		opts.ConnectBackoff = 500 * time.Millisecond
	}

	client := redis.NewClient(&redis.Options{
		Addr:         opts.Address,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     opts.PoolSize,
		DialTimeout:  opts.DialTimeout,
		ReadTimeout:  opts.ReadTimeout,
		WriteTimeout: opts.WriteTimeout,
	})

	backoff := retry.NewExponentialBackoff(opts.ConnectBackoff, 10*time.Second, 2, opts.ConnectBackoff/2)

	var lastErr error
	for attempt := 0; attempt <= opts.ConnectRetries; attempt++ {
		pingCtx, cancel := context.WithTimeout(ctx, opts.DialTimeout)
		lastErr = client.Ping(pingCtx).Err()
		cancel()

		if lastErr == nil {
			if attempt > 0 {
				logger.Info("redis connection established after retry",
					observability.String("address", opts.Address),
					observability.Int("attempt", attempt+1),
				)
			}
			return client, nil
		}
		if attempt == opts.ConnectRetries {
			break
		}

		wait := backoff.Next(attempt + 1)
		logger.Warn("redis connection failed, retrying",
			observability.String("address", opts.Address),
			observability.Int("attempt", attempt+1),
			observability.Duration("backoff", wait),
			observability.Error(lastErr),
		)

		select {
		case <-ctx.Done():
			_ = client.Close()
			return nil, fmt.Errorf("connecting to redis at %s: %w", opts.Address, ctx.Err())
		case <-time.After(wait):
		}
	}

	_ = client.Close()
	return nil, fmt.Errorf("connecting to redis at %s after %d attempt(s): %w",
		opts.Address, opts.ConnectRetries+1, lastErr)
}

// RedisRegistry is a Registry shared by every gateway process through Redis.
//
// Each instance is a hash with a TTL equal to the liveness timeout, so a
// crashed instance that stops heartbeating disappears on its own. Instance
// IDs are kept in one set per service; listings prune IDs whose hash has
// expired. Every call goes through a store guard that fails fast with
// ErrRegistryUnavailable while Redis is unreachable.
type RedisRegistry struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	guard  *gobreaker.CircuitBreaker
	now    func() time.Time
	logger observability.Logger

	guardFailures uint32
	guardTimeout  time.Duration
}

// RedisOption configures a RedisRegistry.
type RedisOption func(*RedisRegistry)

// WithKeyPrefix sets the key prefix.
func WithKeyPrefix(prefix string) RedisOption {
	return func(r *RedisRegistry) { r.prefix = prefix }
}

// WithRedisClock sets the time source used for timestamps.
func WithRedisClock(now func() time.Time) RedisOption {
	return func(r *RedisRegistry) { r.now = now }
}

// WithRedisLogger sets the logger.
func WithRedisLogger(logger observability.Logger) RedisOption {
	return func(r *RedisRegistry) { r.logger = logger }
}

// WithStoreGuard sets how many consecutive store failures open the guard
// and how long it stays open before probing again.
func WithStoreGuard(failures uint32, openTimeout time.Duration) RedisOption {
	return func(r *RedisRegistry) {
		r.guardFailures = failures
		r.guardTimeout = openTimeout
	}
}

// NewRedisRegistry creates a registry over client. Records expire ttl after
// their last heartbeat.
func NewRedisRegistry(client redis.UniversalClient, ttl time.Duration, opts ...RedisOption) *RedisRegistry {
	r := &RedisRegistry{
		client:        client,
		prefix:        "emsgw:",
		ttl:           ttl,
		now:           time.Now,
		logger:        observability.NopLogger(),
		guardFailures: defaultGuardFailures,
		guardTimeout:  defaultGuardTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.guardFailures == 0 {
		r.guardFailures = 1
	}

	r.guard = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "registry-redis",
		MaxRequests: 1,
		Timeout:     r.guardTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= r.guardFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			r.logger.Warn("registry store guard state changed",
				observability.String("name", name),
				observability.String("from", from.String()),
				observability.String("to", to.String()),
			)
			registryGuardState.Set(float64(to))
		},
		IsSuccessful: func(err error) bool {
			return err == nil ||
				errors.Is(err, ErrInstanceNotFound) ||
				errors.Is(err, context.Canceled)
		},
	})

	return r
}

// Register implements Registry.
func (r *RedisRegistry) Register(ctx context.Context, service, host string, port int) (string, error) {
	if err := ValidateInstance(service, host, port); err != nil {
		recordOperation(backendRedis, "register", time.Now(), err)
		return "", err
	}

	id := InstanceID(service, host, port)
	key := r.instanceKey(id)
	now := r.timestamp()

	err := r.do(ctx, "register", func() error {
		var created *redis.BoolCmd
		_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
			created = p.HSetNX(ctx, key, fieldRegisteredAt, now)
			p.HSetNX(ctx, key, fieldHealthy, "1")
			p.HSet(ctx, key,
				fieldID, id,
				fieldService, service,
				fieldHost, host,
				fieldPort, port,
				fieldLastSeen, now,
			)
			if r.ttl > 0 {
				p.PExpire(ctx, key, r.ttl)
			}
			p.SAdd(ctx, r.serviceKey(service), id)
			p.SAdd(ctx, r.servicesKey(), service)
			return nil
		})
		if err != nil {
			return err
		}
		if created.Val() {
			r.logger.Info("service instance registered",
				observability.String("service", service),
				observability.String("instance_id", id),
				observability.String("host", host),
				observability.Int("port", port),
			)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// Deregister implements Registry.
func (r *RedisRegistry) Deregister(ctx context.Context, id string) error {
	key := r.instanceKey(id)

	return r.do(ctx, "deregister", func() error {
		service, err := r.client.HGet(ctx, key, fieldService).Result()
		if errors.Is(err, redis.Nil) {
			return ErrInstanceNotFound
		}
		if err != nil {
			return err
		}

		setKey := r.serviceKey(service)
		_, err = r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Del(ctx, key)
			p.SRem(ctx, setKey, id)
			return nil
		})
		if err != nil {
			return err
		}
		if err := dropServiceScript.Run(ctx, r.client, []string{setKey, r.servicesKey()}, service).Err(); err != nil {
			return err
		}

		r.logger.Info("service instance deregistered",
			observability.String("service", service),
			observability.String("instance_id", id),
		)
		return nil
	})
}

// Heartbeat implements Registry.
func (r *RedisRegistry) Heartbeat(ctx context.Context, id string) error {
	return r.touch(ctx, "heartbeat", id, r.timestamp(), r.ttl, "")
}

// MarkHealthy implements Registry.
func (r *RedisRegistry) MarkHealthy(ctx context.Context, id string) error {
	return r.touch(ctx, "mark_healthy", id, r.timestamp(), r.ttl, "1")
}

// MarkUnhealthy implements Registry. It does not refresh liveness.
func (r *RedisRegistry) MarkUnhealthy(ctx context.Context, id string) error {
	return r.touch(ctx, "mark_unhealthy", id, "", 0, "0")
}

// ListHealthy implements Registry.
func (r *RedisRegistry) ListHealthy(ctx context.Context, service string) ([]ServiceInstance, error) {
	all, err := r.ListAll(ctx, service)
	if err != nil {
		return nil, err
	}
	return healthyOnly(all), nil
}

// ListAll implements Registry.
func (r *RedisRegistry) ListAll(ctx context.Context, service string) ([]ServiceInstance, error) {
	var out []ServiceInstance

	err := r.do(ctx, "list", func() error {
		setKey := r.serviceKey(service)
		ids, err := r.client.SMembers(ctx, setKey).Result()
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}

		cmds := make([]*redis.MapStringStringCmd, len(ids))
		_, err = r.client.Pipelined(ctx, func(p redis.Pipeliner) error {
			for i, id := range ids {
				cmds[i] = p.HGetAll(ctx, r.instanceKey(id))
			}
			return nil
		})
		if err != nil {
			return err
		}

		var stale []interface{}
		for i, cmd := range cmds {
			fields := cmd.Val()
			if len(fields) == 0 {
				stale = append(stale, ids[i])
				continue
			}
			inst, perr := parseInstance(fields)
			if perr != nil {
				r.logger.Warn("skipping malformed instance record",
					observability.String("service", service),
					observability.String("instance_id", ids[i]),
					observability.Error(perr),
				)
				continue
			}
			out = append(out, inst)
		}

		if len(stale) > 0 {
			return r.prune(ctx, service, stale)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sortByID(out)
	return out, nil
}

// Services implements Registry.
func (r *RedisRegistry) Services(ctx context.Context) ([]string, error) {
	var names []string
	err := r.do(ctx, "services", func() error {
		var err error
		names, err = r.client.SMembers(ctx, r.servicesKey()).Result()
		return err
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

// Ping implements Registry.
func (r *RedisRegistry) Ping(ctx context.Context) error {
	return r.do(ctx, "ping", func() error {
		return r.client.Ping(ctx).Err()
	})
}

// Close closes the underlying client.
func (r *RedisRegistry) Close() error {
	return r.client.Close()
}

func (r *RedisRegistry) touch(ctx context.Context, op, id, lastSeen string, ttl time.Duration, healthy string) error {
	return r.do(ctx, op, func() error {
		found, err := touchScript.Run(ctx, r.client,
			[]string{r.instanceKey(id)},
			lastSeen, ttl.Milliseconds(), healthy,
		).Int()
		if err != nil {
			return err
		}
		if found == 0 {
			return ErrInstanceNotFound
		}
		return nil
	})
}

func (r *RedisRegistry) prune(ctx context.Context, service string, stale []interface{}) error {
	setKey := r.serviceKey(service)
	if err := r.client.SRem(ctx, setKey, stale...).Err(); err != nil {
		return err
	}
	registryPrunedTotal.WithLabelValues(backendRedis, service).Add(float64(len(stale)))
	r.logger.Debug("pruned expired instances",
		observability.String("service", service),
		observability.Int("count", len(stale)),
	)
	return dropServiceScript.Run(ctx, r.client, []string{setKey, r.servicesKey()}, service).Err()
}

// do runs fn through the store guard and maps store failures to
// ErrRegistryUnavailable.
func (r *RedisRegistry) do(ctx context.Context, op string, fn func() error) (err error) {
	defer func(start time.Time) { recordOperation(backendRedis, op, start, err) }(time.Now())

	if err := ctx.Err(); err != nil {
		return err
	}

	_, err = r.guard.Execute(func() (interface{}, error) {
		return nil, fn()
	})

	switch {
	case err == nil, errors.Is(err, ErrInstanceNotFound), errors.Is(err, context.Canceled):
		return err
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return fmt.Errorf("%w: %s: %w", ErrRegistryUnavailable, op, err)
	default:
		r.logger.Warn("registry store operation failed",
			observability.String("operation", op),
			observability.Error(err),
		)
		return fmt.Errorf("%w: %s: %w", ErrRegistryUnavailable, op, err)
	}
}

func (r *RedisRegistry) timestamp() string {
	return strconv.FormatInt(r.now().UnixMilli(), 10)
}

func (r *RedisRegistry) instanceKey(id string) string {
	return r.prefix + "instance:" + id
}

func (r *RedisRegistry) serviceKey(service string) string {
	return r.prefix + "service:" + service
}

func (r *RedisRegistry) servicesKey() string {
	return r.prefix + "services"
}

func parseInstance(fields map[string]string) (ServiceInstance, error) {
	port, err := strconv.Atoi(fields[fieldPort])
	if err != nil {
		return ServiceInstance{}, fmt.Errorf("parsing port: %w", err)
	}
	registeredAt, err := parseMillis(fields[fieldRegisteredAt])
	if err != nil {
		return ServiceInstance{}, fmt.Errorf("parsing %s: %w", fieldRegisteredAt, err)
	}
	lastSeen, err := parseMillis(fields[fieldLastSeen])
	if err != nil {
		return ServiceInstance{}, fmt.Errorf("parsing %s: %w", fieldLastSeen, err)
	}

	return ServiceInstance{
		ID:           fields[fieldID],
		Service:      fields[fieldService],
		Host:         fields[fieldHost],
		Port:         port,
		RegisteredAt: registeredAt,
		LastSeen:     lastSeen,
		Healthy:      fields[fieldHealthy] == "1",
	}, nil
}

func parseMillis(s string) (time.Time, error) {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms).UTC(), nil
}
