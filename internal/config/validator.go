package config

import (
	"fmt"
	"regexp"
	"strings"
)

// serviceNamePattern restricts service names to URL path safe tokens.
var serviceNamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

// ValidationError is a single invalid field.
type ValidationError struct {
	Path    string
	Message string
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s: %s", e.Path, e.Message)
	}
	return e.Message
}

// ValidationErrors collects every invalid field found in one pass.
type ValidationErrors []ValidationError

// Error implements the error interface.
func (e ValidationErrors) Error() string {
	switch len(e) {
	case 0:
		return "no validation errors"
	case 1:
		return e[0].Error()
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d validation errors:\n", len(e))
	for i, err := range e {
		fmt.Fprintf(&sb, "  %d. %s\n", i+1, err.Error())
	}
	return sb.String()
}

type validator struct {
	errors ValidationErrors
}

// ValidateConfig checks a defaulted configuration. It returns
// ValidationErrors when anything is wrong.
func ValidateConfig(cfg *GatewayConfig) error {
	v := &validator{}
	if cfg == nil {
		v.add("", "configuration is nil")
		return v.errors
	}

	v.validateServer(&cfg.Spec.Server)
	v.validateRegistry(&cfg.Spec.Registry)
	v.validateHealthCheck(&cfg.Spec.HealthCheck, &cfg.Spec.Registry)
	v.validateCircuitBreaker("spec.circuitBreaker", cfg.Spec.CircuitBreaker)
	v.validateRetry("spec.retry", cfg.Spec.Retry)
	v.validateRateLimit(&cfg.Spec.RateLimit, &cfg.Spec.Registry)
	v.validateServices(cfg.Spec.Services)

	if cfg.Spec.Tracing.SamplingRate < 0 || cfg.Spec.Tracing.SamplingRate > 1 {
		v.add("spec.tracing.samplingRate", "must be between 0 and 1")
	}

	if len(v.errors) > 0 {
		return v.errors
	}
	return nil
}

func (v *validator) add(path, msg string) {
	v.errors = append(v.errors, ValidationError{Path: path, Message: msg})
}

func (v *validator) validateServer(s *ServerConfig) {
	if s.Address == "" {
		v.add("spec.server.address", "is required")
	}
	if !strings.HasPrefix(s.APIPrefix, "/") {
		v.add("spec.server.apiPrefix", "must start with /")
	}
	if s.MaxBodySize < 0 {
		v.add("spec.server.maxBodySize", "must not be negative")
	}
	for i, proxy := range s.TrustedProxies {
		if _, err := ParseTrustedProxy(proxy); err != nil {
			v.add(fmt.Sprintf("spec.server.trustedProxies[%d]", i), "must be an IP address or CIDR")
		}
	}
}

func (v *validator) validateRegistry(r *RegistryConfig) {
	switch r.Type {
	case RegistryTypeMemory:
	case RegistryTypeRedis:
		if r.Redis.Address == "" {
			v.add("spec.registry.redis.address", "is required for the redis registry")
		}
	default:
		v.add("spec.registry.type", fmt.Sprintf("unknown registry type %q", r.Type))
	}
	if r.LivenessTimeout <= 0 {
		v.add("spec.registry.livenessTimeout", "must be positive")
	}
	if r.HeartbeatInterval <= 0 || r.HeartbeatInterval >= r.LivenessTimeout {
		v.add("spec.registry.heartbeatInterval", "must be positive and shorter than livenessTimeout")
	}
}

func (v *validator) validateHealthCheck(h *HealthCheckConfig, r *RegistryConfig) {
	if h.Interval <= 0 {
		v.add("spec.healthCheck.interval", "must be positive")
	}
	if h.Timeout <= 0 || h.Timeout > h.Interval {
		v.add("spec.healthCheck.timeout", "must be positive and no longer than interval")
	}
	if h.DeregisterAfter < 1 {
		v.add("spec.healthCheck.deregisterAfter", "must be at least 1")
	}
	if !strings.HasPrefix(h.Path, "/") {
		v.add("spec.healthCheck.path", "must start with /")
	}
	// A successful probe is the gateway-side heartbeat, so it has to land
	// before the record expires.
	if h.Interval >= r.LivenessTimeout {
		v.add("spec.healthCheck.interval", "must be shorter than registry livenessTimeout")
	}
}

func (v *validator) validateCircuitBreaker(path string, cb CircuitBreakerConfig) {
	if cb.FailureThreshold < 1 {
		v.add(path+".failureThreshold", "must be at least 1")
	}
	if cb.RecoveryTimeout <= 0 {
		v.add(path+".recoveryTimeout", "must be positive")
	}
}

func (v *validator) validateRetry(path string, r RetryConfig) {
	if r.MaxAttempts < 1 {
		v.add(path+".maxAttempts", "must be at least 1")
	}
	if r.BaseDelay < 0 {
		v.add(path+".baseDelay", "must not be negative")
	}
	if r.Multiplier < 1 {
		v.add(path+".multiplier", "must be at least 1")
	}
	if r.Jitter < 0 {
		v.add(path+".jitter", "must not be negative")
	}
}

func (v *validator) validateRateLimit(rl *RateLimitConfig, r *RegistryConfig) {
	if !rl.Enabled {
		return
	}
	if rl.Requests < 1 {
		v.add("spec.rateLimit.requests", "must be at least 1")
	}
	if rl.Window <= 0 {
		v.add("spec.rateLimit.window", "must be positive")
	}
	switch rl.Store {
	case RateLimitStoreMemory:
	case RateLimitStoreRedis:
		if r.Redis.Address == "" {
			v.add("spec.rateLimit.store", "redis store requires spec.registry.redis.address")
		}
	default:
		v.add("spec.rateLimit.store", fmt.Sprintf("unknown store %q", rl.Store))
	}
}

func (v *validator) validateServices(services []ServiceConfig) {
	seen := make(map[string]bool, len(services))
	for i, svc := range services {
		path := fmt.Sprintf("spec.services[%d]", i)

		if !serviceNamePattern.MatchString(svc.Name) {
			v.add(path+".name", fmt.Sprintf("invalid service name %q", svc.Name))
		} else if seen[svc.Name] {
			v.add(path+".name", fmt.Sprintf("duplicate service %q", svc.Name))
		}
		seen[svc.Name] = true

		if svc.Timeout <= 0 {
			v.add(path+".timeout", "must be positive")
		}
		if svc.Protocol != ProtocolHTTP && svc.Protocol != ProtocolGRPC {
			v.add(path+".protocol", fmt.Sprintf("unknown protocol %q", svc.Protocol))
		}
		if svc.HealthPath != "" && !strings.HasPrefix(svc.HealthPath, "/") {
			v.add(path+".healthPath", "must start with /")
		}
		if svc.CircuitBreaker != nil {
			v.validateCircuitBreaker(path+".circuitBreaker", svc.EffectiveCircuitBreaker(CircuitBreakerConfig{
				FailureThreshold: DefaultFailureThreshold,
				RecoveryTimeout:  Duration(DefaultRecoveryTimeout),
			}))
		}
		if svc.Retry != nil {
			v.validateRetry(path+".retry", svc.EffectiveRetry(RetryConfig{
				MaxAttempts: DefaultMaxAttempts,
				BaseDelay:   Duration(DefaultBaseDelay),
				Multiplier:  DefaultBackoffMultiplier,
			}))
		}
		for j, inst := range svc.Instances {
			ipath := fmt.Sprintf("%s.instances[%d]", path, j)
			if inst.Host == "" {
				v.add(ipath+".host", "is required")
			}
			if inst.Port < 1 || inst.Port > 65535 {
				v.add(ipath+".port", "must be between 1 and 65535")
			}
		}
	}
}
