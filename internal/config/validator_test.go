package config

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateConfig_Defaults(t *testing.T) {
	t.Parallel()

	assert.NoError(t, ValidateConfig(DefaultConfig()))
}

func TestValidateConfig_Nil(t *testing.T) {
	t.Parallel()

	err := ValidateConfig(nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "configuration is nil")
}

func TestValidateConfig_Invalid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		mutate   func(*GatewayConfig)
		wantPath string
	}{
		{
			name:     "unknown registry type",
			mutate:   func(c *GatewayConfig) { c.Spec.Registry.Type = "etcd" },
			wantPath: "spec.registry.type",
		},
		{
			name:     "heartbeat longer than liveness",
			mutate:   func(c *GatewayConfig) { c.Spec.Registry.HeartbeatInterval = Duration(time.Minute) },
			wantPath: "spec.registry.heartbeatInterval",
		},
		{
			name:     "probe timeout longer than interval",
			mutate:   func(c *GatewayConfig) { c.Spec.HealthCheck.Timeout = Duration(time.Hour) },
			wantPath: "spec.healthCheck.timeout",
		},
		{
			name:     "probe interval outlives records",
			mutate:   func(c *GatewayConfig) { c.Spec.HealthCheck.Interval = Duration(time.Minute) },
			wantPath: "spec.healthCheck.interval",
		},
		{
			name:     "malformed trusted proxy",
			mutate:   func(c *GatewayConfig) { c.Spec.Server.TrustedProxies = []string{"10.0.0.0/8", "10.0.0.0/99"} },
			wantPath: "spec.server.trustedProxies[1]",
		},
		{
			name:     "zero failure threshold",
			mutate:   func(c *GatewayConfig) { c.Spec.CircuitBreaker.FailureThreshold = -1 },
			wantPath: "spec.circuitBreaker.failureThreshold",
		},
		{
			name:     "shrinking backoff",
			mutate:   func(c *GatewayConfig) { c.Spec.Retry.Multiplier = 0.5 },
			wantPath: "spec.retry.multiplier",
		},
		{
			name: "unknown rate limit store",
			mutate: func(c *GatewayConfig) {
				c.Spec.RateLimit.Enabled = true
				c.Spec.RateLimit.Store = "disk"
			},
			wantPath: "spec.rateLimit.store",
		},
		{
			name: "invalid service name",
			mutate: func(c *GatewayConfig) {
				c.Spec.Services = []ServiceConfig{{Name: "Bad Name", Timeout: Duration(time.Second), Protocol: ProtocolHTTP}}
			},
			wantPath: "spec.services[0].name",
		},
		{
			name: "duplicate service",
			mutate: func(c *GatewayConfig) {
				svc := ServiceConfig{Name: "analytics", Timeout: Duration(time.Second), Protocol: ProtocolHTTP}
				c.Spec.Services = []ServiceConfig{svc, svc}
			},
			wantPath: "spec.services[1].name",
		},
		{
			name: "instance port out of range",
			mutate: func(c *GatewayConfig) {
				c.Spec.Services = []ServiceConfig{{
					Name:      "analytics",
					Timeout:   Duration(time.Second),
					Protocol:  ProtocolHTTP,
					Instances: []InstanceConfig{{Host: "a", Port: 70000}},
				}}
			},
			wantPath: "spec.services[0].instances[0].port",
		},
		{
			name: "service retry override invalid",
			mutate: func(c *GatewayConfig) {
				c.Spec.Services = []ServiceConfig{{
					Name:     "analytics",
					Timeout:  Duration(time.Second),
					Protocol: ProtocolHTTP,
					Retry:    &RetryConfig{MaxAttempts: -2},
				}}
			},
			wantPath: "spec.services[0].retry.maxAttempts",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := DefaultConfig()
			tt.mutate(cfg)

			err := ValidateConfig(cfg)
			require.Error(t, err)

			var verrs ValidationErrors
			require.True(t, errors.As(err, &verrs))

			paths := make([]string, 0, len(verrs))
			for _, e := range verrs {
				paths = append(paths, e.Path)
			}
			assert.Contains(t, paths, tt.wantPath)
		})
	}
}

func TestParseTrustedProxy(t *testing.T) {
	t.Parallel()

	prefix, err := ParseTrustedProxy("10.1.2.3/8")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.0/8", prefix.String())

	prefix, err = ParseTrustedProxy(" 192.0.2.10 ")
	require.NoError(t, err)
	assert.Equal(t, "192.0.2.10/32", prefix.String())

	prefix, err = ParseTrustedProxy("::ffff:192.0.2.10")
	require.NoError(t, err)
	assert.Equal(t, "192.0.2.10/32", prefix.String())

	prefix, err = ParseTrustedProxy("2001:db8::1")
	require.NoError(t, err)
	assert.Equal(t, 128, prefix.Bits())

	_, err = ParseTrustedProxy("proxy.internal")
	assert.Error(t, err)
}

func TestValidationErrors_Error(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "no validation errors", ValidationErrors{}.Error())
	assert.Equal(t, "a: bad", ValidationErrors{{Path: "a", Message: "bad"}}.Error())

	multi := ValidationErrors{{Path: "a", Message: "bad"}, {Message: "worse"}}.Error()
	assert.Contains(t, multi, "2 validation errors")
	assert.Contains(t, multi, "2. worse")
}
