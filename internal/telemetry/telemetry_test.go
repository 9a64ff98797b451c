package telemetry

import (
	"context"
	"testing"

	"github.com/fyrsmithlabs/exambuddy/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
)

func TestNew_Disabled(t *testing.T) {
	tel, err := New(context.Background(), &Config{})
	require.NoError(t, err)
	assert.False(t, tel.Degraded())
	assert.NotNil(t, tel.Tracer("x"))
	assert.NoError(t, tel.Shutdown(context.Background()))
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{name: "disabled skips checks", cfg: Config{}},
		{name: "valid grpc", cfg: Config{Enabled: true, ServiceName: "svc", Endpoint: "localhost:4317", SampleRate: 1}},
		{name: "missing service", cfg: Config{Enabled: true, Endpoint: "localhost:4317"}, wantErr: true},
		{name: "bad protocol", cfg: Config{Enabled: true, ServiceName: "svc", Endpoint: "x", Protocol: "udp"}, wantErr: true},
		{name: "bad rate", cfg: Config{Enabled: true, ServiceName: "svc", Endpoint: "x", SampleRate: 2}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestFromConfig(t *testing.T) {
	cfg := FromConfig(config.ObservabilityConfig{
		EnableTelemetry: true,
		ServiceName:     "exambuddy",
		Endpoint:        "collector:4318",
		Protocol:        "http/protobuf",
		SampleRate:      0.5,
	}, "1.2.3")

	assert.True(t, cfg.Enabled)
	assert.Equal(t, "1.2.3", cfg.ServiceVersion)
	assert.Equal(t, "http/protobuf", cfg.Protocol)
	require.NoError(t, cfg.Validate())
}

func TestStripScheme(t *testing.T) {
	assert.Equal(t, "otel.example.com:443", stripScheme("https://otel.example.com:443"))
	assert.Equal(t, "localhost:4318", stripScheme("http://localhost:4318"))
	assert.Equal(t, "localhost:4317", stripScheme("localhost:4317"))
}

func TestTestTelemetry_RecordsSpans(t *testing.T) {
	tel := NewTestTelemetry()
	_, span := tel.Tracer("test").Start(context.Background(), "ingest.job")
	span.SetAttributes(attribute.String("job.kind", "file"))
	span.End()

	tel.AssertSpanExists(t, "ingest.job")
	tel.AssertSpanAttribute(t, "ingest.job", "job.kind", attribute.StringValue("file"))
}
