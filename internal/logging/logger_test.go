package logging

import (
	"context"
	"testing"

	"github.com/fyrsmithlabs/exambuddy/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.opentelemetry.io/otel/log/noop"
	"go.uber.org/zap/zapcore"
)

func TestNewLogger_Defaults(t *testing.T) {
	logger, err := NewLogger(NewDefaultConfig(), nil)
	require.NoError(t, err)
	assert.True(t, logger.Underlying().Core().Enabled(zapcore.InfoLevel))
	assert.False(t, logger.Underlying().Core().Enabled(zapcore.DebugLevel))
	_ = logger.Sync()
}

func TestNewLogger_InvalidConfig(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Format = "xml"
	_, err := NewLogger(cfg, nil)
	require.Error(t, err)
}

func TestFromConfig(t *testing.T) {
	cfg := FromConfig(config.LoggingConfig{Level: "trace", Format: "console"})
	assert.Equal(t, TraceLevel, cfg.Level)
	assert.Equal(t, "console", cfg.Format)

	cfg = FromConfig(config.LoggingConfig{Level: "loud"})
	assert.Equal(t, zapcore.InfoLevel, cfg.Level)
	assert.Equal(t, "json", cfg.Format)
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    zapcore.Level
		wantErr bool
	}{
		{in: "warn", want: zapcore.WarnLevel},
		{in: " TRACE ", want: TraceLevel},
		{in: "debug", want: zapcore.DebugLevel},
		{in: "nope", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			lvl, err := ParseLevel(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, lvl)
		})
	}
}

func TestNewObserved_CapturesContextFields(t *testing.T) {
	logger, logs := NewObserved()
	ctx := WithJob(context.Background(), Job{ID: "j1", Kind: "file"})

	logger.Info(ctx, "job completed", zap.Int("chunks", 4))
	logger.Trace(ctx, "chunk embedded")

	completed := logs.FilterMessage("job completed")
	require.Equal(t, 1, completed.Len())
	assert.Equal(t, zapcore.InfoLevel, completed.All()[0].Level)
	assert.Equal(t, 1, completed.FilterField(zap.String("job.id", "j1")).Len())
	assert.Equal(t, 1, completed.FilterField(zap.Int("chunks", 4)).Len())
	assert.Equal(t, 1, logs.FilterLevelExact(TraceLevel).FilterMessage("chunk embedded").Len())
	assert.Zero(t, logs.FilterLevelExact(zapcore.ErrorLevel).Len())

	logs.TakeAll()
	assert.Zero(t, logs.Len())
}

func TestLogger_WithAndNamed(t *testing.T) {
	logger, logs := NewObserved()
	child := logger.Named("worker").With(zap.String("lane", "video"))
	child.Warn(context.Background(), "retrying")

	entries := logs.FilterMessage("retrying").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "worker", entries[0].LoggerName)
	assert.Equal(t, "video", entries[0].ContextMap()["lane"])
}

func TestNewLogger_NoOutput(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Output.Stdout = false
	_, err := NewLogger(cfg, nil)
	require.Error(t, err)
}

func TestNewLogger_OTELOutput(t *testing.T) {
	cfg := FromConfig(config.LoggingConfig{Level: "info", OTEL: true})
	assert.True(t, cfg.Output.OTEL)

	cfg.Output.Stdout = false
	_, err := NewLogger(cfg, nil)
	require.Error(t, err, "otel-only output needs a provider")

	logger, err := NewLogger(cfg, noop.NewLoggerProvider())
	require.NoError(t, err)
	logger.Info(context.Background(), "shipped to otel", zap.String("job_id", "j1"))
}
