package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

const sampleConfigYAML = `
apiVersion: emsgw.io/v1
kind: Gateway
metadata:
  name: test-gateway
spec:
  server:
    address: ":18000"
  registry:
    type: redis
    livenessTimeout: 45s
    redis:
      address: ${EMSGW_TEST_REDIS:-redis:6379}
  circuitBreaker:
    failureThreshold: 5
  services:
    - name: analytics
      timeout: 60
      retry:
        maxAttempts: 4
    - name: data_ingestion
      timeout: 30s
      protocol: grpc
      circuitBreaker:
        recoveryTimeout: 10s
      instances:
        - host: ingest-1
          port: 8001
`

func TestLoadConfig(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleConfigYAML), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.NoError(t, ValidateConfig(cfg))

	assert.Equal(t, "test-gateway", cfg.Metadata.Name)
	assert.Equal(t, ":18000", cfg.Spec.Server.Address)
	assert.Equal(t, DefaultAPIPrefix, cfg.Spec.Server.APIPrefix)
	assert.Equal(t, RegistryTypeRedis, cfg.Spec.Registry.Type)
	assert.Equal(t, "redis:6379", cfg.Spec.Registry.Redis.Address)
	assert.Equal(t, 45*time.Second, cfg.Spec.Registry.LivenessTimeout.Duration())
	assert.Equal(t, 5, cfg.Spec.CircuitBreaker.FailureThreshold)
	assert.Equal(t, DefaultRecoveryTimeout, cfg.Spec.CircuitBreaker.RecoveryTimeout.Duration())

	require.Len(t, cfg.Spec.Services, 2)
	analytics, ok := cfg.Spec.Service("analytics")
	require.True(t, ok)
	assert.Equal(t, time.Minute, analytics.Timeout.Duration())
	assert.Equal(t, ProtocolHTTP, analytics.Protocol)

	retry := analytics.EffectiveRetry(cfg.Spec.Retry)
	assert.Equal(t, 4, retry.MaxAttempts)
	assert.Equal(t, DefaultBaseDelay, retry.BaseDelay.Duration())
	assert.Equal(t, DefaultBackoffMultiplier, retry.Multiplier)

	ingest, ok := cfg.Spec.Service("data_ingestion")
	require.True(t, ok)
	cb := ingest.EffectiveCircuitBreaker(cfg.Spec.CircuitBreaker)
	assert.Equal(t, 5, cb.FailureThreshold)
	assert.Equal(t, 10*time.Second, cb.RecoveryTimeout.Duration())
	assert.Equal(t, []InstanceConfig{{Host: "ingest-1", Port: 8001}}, ingest.Instances)

	assert.Equal(t, []string{"analytics", "data_ingestion"}, cfg.Spec.ServiceNames())
}

func TestLoadConfig_FileNotFound(t *testing.T) {
	t.Parallel()

	_, err := LoadConfig("/nonexistent/gateway.yaml")
	assert.Error(t, err)
}

func TestLoadConfigFromReader_UnknownField(t *testing.T) {
	t.Parallel()

	_, err := LoadConfigFromReader(strings.NewReader("spec:\n  serverz: {}\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse YAML")
}

func TestLoadConfigFromReader_Empty(t *testing.T) {
	t.Parallel()

	cfg, err := LoadConfigFromReader(strings.NewReader(""))
	require.NoError(t, err)
	assert.Equal(t, DefaultServerAddress, cfg.Spec.Server.Address)
	assert.NoError(t, ValidateConfig(cfg))
}

func TestSubstituteEnvVars(t *testing.T) {
	t.Setenv("EMSGW_SUBST_SET", "value")

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{name: "set variable", input: "a: ${EMSGW_SUBST_SET}", want: "a: value"},
		{name: "set variable ignores default", input: "a: ${EMSGW_SUBST_SET:-other}", want: "a: value"},
		{name: "unset with default", input: "a: ${EMSGW_SUBST_UNSET:-fallback}", want: "a: fallback"},
		{name: "unset without default", input: "a: ${EMSGW_SUBST_UNSET}", want: "a: "},
		{name: "escaped dollar", input: "a: $${EMSGW_SUBST_SET}", want: "a: ${EMSGW_SUBST_SET}"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, substituteEnvVars(tt.input))
		})
	}
}

func TestDuration_YAML(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input   string
		want    time.Duration
		wantErr bool
	}{
		{input: "d: 30s", want: 30 * time.Second},
		{input: "d: 1m30s", want: 90 * time.Second},
		{input: "d: 15", want: 15 * time.Second},
		{input: "d: 0.5", want: 500 * time.Millisecond},
		{input: `d: ""`, want: 0},
		{input: "d: soon", wantErr: true},
		{input: "d: [1]", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			t.Parallel()

			var out struct {
				D Duration `yaml:"d"`
			}
			err := yaml.Unmarshal([]byte(tt.input), &out)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, out.D.Duration())
		})
	}
}

func TestDuration_JSON(t *testing.T) {
	t.Parallel()

	var out struct {
		A Duration `json:"a"`
		B Duration `json:"b"`
		C Duration `json:"c"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"a":"2s","b":3,"c":null}`), &out))
	assert.Equal(t, 2*time.Second, out.A.Duration())
	assert.Equal(t, 3*time.Second, out.B.Duration())
	assert.Zero(t, out.C)

	data, err := json.Marshal(Duration(1500 * time.Millisecond))
	require.NoError(t, err)
	assert.JSONEq(t, `"1.5s"`, string(data))

	assert.Error(t, json.Unmarshal([]byte(`{"a":true}`), &out))
}
