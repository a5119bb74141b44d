package backend

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeHealthPayload(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		body    string
		want    HealthStatus
		serving bool
		wantErr bool
	}{
		{
			name:    "healthy with dependencies",
			body:    `{"service":"analytics","status":"healthy","dependencies":{"database":"connected"}}`,
			want:    HealthStatusHealthy,
			serving: true,
		},
		{
			name:    "degraded still serves",
			body:    `{"service":"analytics","status":"degraded"}`,
			want:    HealthStatusDegraded,
			serving: true,
		},
		{
			name: "unhealthy",
			body: `{"service":"analytics","status":"unhealthy","error":"db down"}`,
			want: HealthStatusUnhealthy,
		},
		{
			name:    "status is normalized",
			body:    `{"status":" Healthy "}`,
			want:    HealthStatusHealthy,
			serving: true,
		},
		{name: "unknown status", body: `{"status":"running"}`, wantErr: true},
		{name: "missing status", body: `{"service":"analytics"}`, wantErr: true},
		{name: "not json", body: `OK`, wantErr: true},
		{name: "empty body", body: ``, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			p, err := DecodeHealthPayload(strings.NewReader(tt.body))
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidHealthPayload)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, p.Status)
			assert.Equal(t, tt.serving, p.Status.Serving())
		})
	}
}

func TestDecodeHealthPayload_Dependencies(t *testing.T) {
	t.Parallel()

	p, err := DecodeHealthPayload(strings.NewReader(
		`{"service":"notification","status":"healthy","timestamp":"2024-03-01T12:00:00","dependencies":{"database":"connected","redis":"connected"}}`,
	))
	require.NoError(t, err)
	assert.Equal(t, "notification", p.Service)
	assert.Equal(t, map[string]string{"database": "connected", "redis": "connected"}, p.Dependencies)
}
