package config

import (
	"net/netip"
	"strings"
	"time"
)

// GatewayConfig is the root of the gateway configuration file.
type GatewayConfig struct {
	APIVersion string      `yaml:"apiVersion" json:"apiVersion"`
	Kind       string      `yaml:"kind" json:"kind"`
	Metadata   Metadata    `yaml:"metadata" json:"metadata"`
	Spec       GatewaySpec `yaml:"spec" json:"spec"`
}

// Metadata identifies a gateway deployment.
type Metadata struct {
	Name   string            `yaml:"name" json:"name"`
	Labels map[string]string `yaml:"labels,omitempty" json:"labels,omitempty"`
}

// GatewaySpec holds every runtime setting of the gateway.
type GatewaySpec struct {
	Server         ServerConfig         `yaml:"server" json:"server"`
	Logging        LoggingConfig        `yaml:"logging" json:"logging"`
	Metrics        MetricsConfig        `yaml:"metrics" json:"metrics"`
	Tracing        TracingConfig        `yaml:"tracing" json:"tracing"`
	Registry       RegistryConfig       `yaml:"registry" json:"registry"`
	HealthCheck    HealthCheckConfig    `yaml:"healthCheck" json:"healthCheck"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuitBreaker" json:"circuitBreaker"`
	Retry          RetryConfig          `yaml:"retry" json:"retry"`
	RateLimit      RateLimitConfig      `yaml:"rateLimit" json:"rateLimit"`
	CORS           CORSConfig           `yaml:"cors" json:"cors"`
	Security       SecurityConfig       `yaml:"security" json:"security"`
	Services       []ServiceConfig      `yaml:"services" json:"services"`
}

// ServerConfig configures the inbound HTTP listener.
type ServerConfig struct {
	Address         string   `yaml:"address" json:"address"`
	APIPrefix       string   `yaml:"apiPrefix" json:"apiPrefix"`
	ReadTimeout     Duration `yaml:"readTimeout" json:"readTimeout"`
	WriteTimeout    Duration `yaml:"writeTimeout" json:"writeTimeout"`
	IdleTimeout     Duration `yaml:"idleTimeout" json:"idleTimeout"`
	ShutdownTimeout Duration `yaml:"shutdownTimeout" json:"shutdownTimeout"`
	MaxBodySize     int64    `yaml:"maxBodySize" json:"maxBodySize"`
	// TrustedProxies lists the CIDRs or addresses whose X-Forwarded-For
	// header is believed when deriving the client address.
	TrustedProxies  []string `yaml:"trustedProxies,omitempty" json:"trustedProxies,omitempty"`
}

// ParseTrustedProxy parses a CIDR or a single address into a prefix.
func ParseTrustedProxy(s string) (netip.Prefix, error) {
	s = strings.TrimSpace(s)
	if strings.Contains(s, "/") {
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return netip.Prefix{}, err
		}
		return p.Masked(), nil
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, err
	}
	addr = addr.Unmap()
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

// LoggingConfig configures the zap logger.
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
	Output string `yaml:"output" json:"output"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled" json:"enabled"`
	Address   string `yaml:"address" json:"address"`
	Path      string `yaml:"path" json:"path"`
	Namespace string `yaml:"namespace" json:"namespace"`
}

// TracingConfig configures OpenTelemetry export.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled" json:"enabled"`
	ServiceName  string  `yaml:"serviceName" json:"serviceName"`
	OTLPEndpoint string  `yaml:"otlpEndpoint" json:"otlpEndpoint"`
	SamplingRate float64 `yaml:"samplingRate" json:"samplingRate"`
}

// Registry store types.
const (
	RegistryTypeMemory = "memory"
	RegistryTypeRedis  = "redis"
)

// RegistryConfig configures the service registry store.
type RegistryConfig struct {
	Type string `yaml:"type" json:"type"`
	// LivenessTimeout is the TTL of an instance record; an instance that
	// neither heartbeats nor passes a probe within it is reaped.
	LivenessTimeout   Duration    `yaml:"livenessTimeout" json:"livenessTimeout"`
	HeartbeatInterval Duration    `yaml:"heartbeatInterval" json:"heartbeatInterval"`
	Redis             RedisConfig `yaml:"redis" json:"redis"`
}

// RedisConfig configures the shared Redis store.
type RedisConfig struct {
	Address      string   `yaml:"address" json:"address"`
	Password     string   `yaml:"password" json:"-"`
	DB           int      `yaml:"db" json:"db"`
	KeyPrefix    string   `yaml:"keyPrefix" json:"keyPrefix"`
	PoolSize     int      `yaml:"poolSize" json:"poolSize"`
	DialTimeout  Duration `yaml:"dialTimeout" json:"dialTimeout"`
	ReadTimeout  Duration `yaml:"readTimeout" json:"readTimeout"`
	WriteTimeout Duration `yaml:"writeTimeout" json:"writeTimeout"`
}

// HealthCheckConfig configures active health probing of instances.
type HealthCheckConfig struct {
	Interval Duration `yaml:"interval" json:"interval"`
	Timeout  Duration `yaml:"timeout" json:"timeout"`
	Path     string   `yaml:"path" json:"path"`
	// DeregisterAfter is the number of consecutive failed probes after
	// which an instance is removed from the registry.
	DeregisterAfter int `yaml:"deregisterAfter" json:"deregisterAfter"`
	// SyncInterval controls how often the prober picks up instances
	// added to or removed from the registry.
	SyncInterval     Duration `yaml:"syncInterval" json:"syncInterval"`
	SnapshotInterval Duration `yaml:"snapshotInterval" json:"snapshotInterval"`
	SnapshotTTL      Duration `yaml:"snapshotTTL" json:"snapshotTTL"`
}

// CircuitBreakerConfig configures a per-service circuit breaker.
type CircuitBreakerConfig struct {
	FailureThreshold int      `yaml:"failureThreshold" json:"failureThreshold"`
	RecoveryTimeout  Duration `yaml:"recoveryTimeout" json:"recoveryTimeout"`
}

// RetryConfig configures retries for calls to one service.
type RetryConfig struct {
	MaxAttempts int      `yaml:"maxAttempts" json:"maxAttempts"`
	BaseDelay   Duration `yaml:"baseDelay" json:"baseDelay"`
	Multiplier  float64  `yaml:"multiplier" json:"multiplier"`
	Jitter      Duration `yaml:"jitter" json:"jitter"`
}

// Rate limit store types.
const (
	RateLimitStoreMemory = "memory"
	RateLimitStoreRedis  = "redis"
)

// RateLimitConfig configures the per-client rate limiter.
type RateLimitConfig struct {
	Enabled  bool     `yaml:"enabled" json:"enabled"`
	Requests int      `yaml:"requests" json:"requests"`
	Window   Duration `yaml:"window" json:"window"`
	Store    string   `yaml:"store" json:"store"`
}

// CORSConfig configures cross-origin resource sharing.
type CORSConfig struct {
	Enabled      bool     `yaml:"enabled" json:"enabled"`
	AllowOrigins []string `yaml:"allowOrigins" json:"allowOrigins"`
	AllowMethods []string `yaml:"allowMethods" json:"allowMethods"`
	AllowHeaders []string `yaml:"allowHeaders" json:"allowHeaders"`
}

// SecurityConfig configures the security headers added to every response.
type SecurityConfig struct {
	Enabled        bool   `yaml:"enabled" json:"enabled"`
	FrameOptions   string `yaml:"frameOptions" json:"frameOptions"`
	ReferrerPolicy string `yaml:"referrerPolicy" json:"referrerPolicy"`
	// HSTSMaxAge is sent on TLS requests only; zero disables HSTS.
	HSTSMaxAge int `yaml:"hstsMaxAge" json:"hstsMaxAge"`
	// RemoveHeaders are stripped from backend responses.
	RemoveHeaders []string `yaml:"removeHeaders" json:"removeHeaders"`
}

// Health probe protocols.
const (
	ProtocolHTTP = "http"
	ProtocolGRPC = "grpc"
)

// ServiceConfig describes one logical backend service.
type ServiceConfig struct {
	Name string `yaml:"name" json:"name"`
	// Timeout bounds a single proxied attempt.
	Timeout        Duration              `yaml:"timeout" json:"timeout"`
	HealthPath     string                `yaml:"healthPath,omitempty" json:"healthPath,omitempty"`
	Protocol       string                `yaml:"protocol,omitempty" json:"protocol,omitempty"`
	CircuitBreaker *CircuitBreakerConfig `yaml:"circuitBreaker,omitempty" json:"circuitBreaker,omitempty"`
	Retry          *RetryConfig          `yaml:"retry,omitempty" json:"retry,omitempty"`
	// Instances are registered by the gateway itself at startup, for
	// backends that do not self-register.
	Instances []InstanceConfig `yaml:"instances,omitempty" json:"instances,omitempty"`
}

// InstanceConfig is a statically known backend address.
type InstanceConfig struct {
	Host string `yaml:"host" json:"host"`
	Port int    `yaml:"port" json:"port"`
}

// Default values.
const (
	DefaultServerAddress     = ":8000"
	DefaultAPIPrefix         = "/api/v1"
	DefaultMaxBodySize       = 10 << 20
	DefaultMetricsAddress    = ":9090"
	DefaultMetricsPath       = "/metrics"
	DefaultFailureThreshold  = 3
	DefaultMaxAttempts       = 3
	DefaultBackoffMultiplier = 2.0
	DefaultDeregisterAfter   = 3
	DefaultHealthPath        = "/health"
	DefaultRedisKeyPrefix    = "emsgw:"
	DefaultRateLimitRequests = 100

	DefaultReadTimeout       = 30 * time.Second
	DefaultWriteTimeout      = 90 * time.Second
	DefaultIdleTimeout       = 120 * time.Second
	DefaultShutdownTimeout   = 30 * time.Second
	DefaultRecoveryTimeout   = 30 * time.Second
	DefaultBaseDelay         = time.Second
	DefaultServiceTimeout    = 10 * time.Second
	DefaultLivenessTimeout   = 30 * time.Second
	DefaultHeartbeatInterval = 10 * time.Second
	DefaultHealthInterval    = 10 * time.Second
	DefaultHealthTimeout     = 3 * time.Second
	DefaultSyncInterval      = 5 * time.Second
	DefaultSnapshotInterval  = 30 * time.Second
	DefaultSnapshotTTL       = 60 * time.Second
	DefaultRateLimitWindow   = time.Minute
)

// DefaultConfig returns a configuration with every default applied and
// an empty service catalog.
func DefaultConfig() *GatewayConfig {
	cfg := &GatewayConfig{
		APIVersion: "emsgw.io/v1",
		Kind:       "Gateway",
		Metadata:   Metadata{Name: "emsgw"},
	}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills zero values with defaults.
func (c *GatewayConfig) ApplyDefaults() {
	s := &c.Spec

	setString(&s.Server.Address, DefaultServerAddress)
	setString(&s.Server.APIPrefix, DefaultAPIPrefix)
	setDuration(&s.Server.ReadTimeout, DefaultReadTimeout)
	setDuration(&s.Server.WriteTimeout, DefaultWriteTimeout)
	setDuration(&s.Server.IdleTimeout, DefaultIdleTimeout)
	setDuration(&s.Server.ShutdownTimeout, DefaultShutdownTimeout)
	if s.Server.MaxBodySize == 0 {
		s.Server.MaxBodySize = DefaultMaxBodySize
	}

	setString(&s.Logging.Level, "info")
	setString(&s.Logging.Format, "json")
	setString(&s.Logging.Output, "stdout")

	setString(&s.Metrics.Address, DefaultMetricsAddress)
	setString(&s.Metrics.Path, DefaultMetricsPath)
	setString(&s.Metrics.Namespace, "emsgw")

	setString(&s.Tracing.ServiceName, "emsgw")

	setString(&s.Registry.Type, RegistryTypeMemory)
	setDuration(&s.Registry.LivenessTimeout, DefaultLivenessTimeout)
	setDuration(&s.Registry.HeartbeatInterval, DefaultHeartbeatInterval)
	setString(&s.Registry.Redis.Address, "localhost:6379")
	setString(&s.Registry.Redis.KeyPrefix, DefaultRedisKeyPrefix)
	setDuration(&s.Registry.Redis.DialTimeout, 5*time.Second)
	setDuration(&s.Registry.Redis.ReadTimeout, 3*time.Second)
	setDuration(&s.Registry.Redis.WriteTimeout, 3*time.Second)

	setDuration(&s.HealthCheck.Interval, DefaultHealthInterval)
	setDuration(&s.HealthCheck.Timeout, DefaultHealthTimeout)
	setString(&s.HealthCheck.Path, DefaultHealthPath)
	if s.HealthCheck.DeregisterAfter == 0 {
		s.HealthCheck.DeregisterAfter = DefaultDeregisterAfter
	}
	setDuration(&s.HealthCheck.SyncInterval, DefaultSyncInterval)
	setDuration(&s.HealthCheck.SnapshotInterval, DefaultSnapshotInterval)
	setDuration(&s.HealthCheck.SnapshotTTL, DefaultSnapshotTTL)

	s.CircuitBreaker.applyDefaults()
	s.Retry.applyDefaults()

	if s.RateLimit.Requests == 0 {
		s.RateLimit.Requests = DefaultRateLimitRequests
	}
	setDuration(&s.RateLimit.Window, DefaultRateLimitWindow)
	setString(&s.RateLimit.Store, RateLimitStoreMemory)

	if len(s.CORS.AllowOrigins) == 0 {
		s.CORS.AllowOrigins = []string{"*"}
	}
	if len(s.CORS.AllowMethods) == 0 {
		s.CORS.AllowMethods = []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"}
	}
	if len(s.CORS.AllowHeaders) == 0 {
		s.CORS.AllowHeaders = []string{"*"}
	}

	setString(&s.Security.FrameOptions, "DENY")
	setString(&s.Security.ReferrerPolicy, "strict-origin-when-cross-origin")
	if s.Security.RemoveHeaders == nil {
		s.Security.RemoveHeaders = []string{"Server", "X-Powered-By"}
	}

	for i := range s.Services {
		svc := &s.Services[i]
		setDuration(&svc.Timeout, DefaultServiceTimeout)
		setString(&svc.Protocol, ProtocolHTTP)
	}
}

func (c *CircuitBreakerConfig) applyDefaults() {
	if c.FailureThreshold == 0 {
		c.FailureThreshold = DefaultFailureThreshold
	}
	setDuration(&c.RecoveryTimeout, DefaultRecoveryTimeout)
}

func (c *RetryConfig) applyDefaults() {
	if c.MaxAttempts == 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	setDuration(&c.BaseDelay, DefaultBaseDelay)
	if c.Multiplier == 0 {
		c.Multiplier = DefaultBackoffMultiplier
	}
}

// Service returns the service named name.
func (s *GatewaySpec) Service(name string) (ServiceConfig, bool) {
	for _, svc := range s.Services {
		if svc.Name == name {
			return svc, true
		}
	}
	return ServiceConfig{}, false
}

// ServiceNames returns the configured service names in file order.
func (s *GatewaySpec) ServiceNames() []string {
	names := make([]string, 0, len(s.Services))
	for _, svc := range s.Services {
		names = append(names, svc.Name)
	}
	return names
}

// EffectiveCircuitBreaker merges the service override onto defaults.
func (s ServiceConfig) EffectiveCircuitBreaker(defaults CircuitBreakerConfig) CircuitBreakerConfig {
	if s.CircuitBreaker == nil {
		return defaults
	}
	cb := *s.CircuitBreaker
	if cb.FailureThreshold == 0 {
		cb.FailureThreshold = defaults.FailureThreshold
	}
	if cb.RecoveryTimeout == 0 {
		cb.RecoveryTimeout = defaults.RecoveryTimeout
	}
	return cb
}

// EffectiveRetry merges the service override onto defaults.
func (s ServiceConfig) EffectiveRetry(defaults RetryConfig) RetryConfig {
	if s.Retry == nil {
		return defaults
	}
	r := *s.Retry
	if r.MaxAttempts == 0 {
		r.MaxAttempts = defaults.MaxAttempts
	}
	if r.BaseDelay == 0 {
		r.BaseDelay = defaults.BaseDelay
	}
	if r.Multiplier == 0 {
		r.Multiplier = defaults.Multiplier
	}
	if r.Jitter == 0 {
		r.Jitter = defaults.Jitter
	}
	return r
}

// EffectiveHealthPath returns the service health path or the default.
func (s ServiceConfig) EffectiveHealthPath(defaultPath string) string {
	if s.HealthPath != "" {
		return s.HealthPath
	}
	return defaultPath
}

func setString(dst *string, def string) {
	if *dst == "" {
		*dst = def
	}
}

func setDuration(dst *Duration, def time.Duration) {
	if *dst == 0 {
		*dst = Duration(def)
	}
}
