package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/quizapp/orchestrator/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"DEBUG":   slog.LevelDebug,
		"info":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"verbose": slog.LevelInfo,
	}
	for name, want := range tests {
		assert.Equal(t, want, ParseLevel(name), name)
	}
}

func TestNewLogger(t *testing.T) {
	t.Run("json", func(t *testing.T) {
		var buf bytes.Buffer
		logger := NewLogger(config.LogConfig{Level: "info", Format: "json"}, &buf)
		logger.Debug("hidden")
		logger.Info("saga started", "saga_id", "abc")

		lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
		require.Len(t, lines, 1)

		var entry map[string]any
		require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
		assert.Equal(t, "saga started", entry["msg"])
		assert.Equal(t, "abc", entry["saga_id"])
	})

	t.Run("text", func(t *testing.T) {
		var buf bytes.Buffer
		logger := NewLogger(config.LogConfig{Level: "debug", Format: "text"}, &buf)
		logger.Debug("step executed", "step", "create_user")

		assert.Contains(t, buf.String(), "level=DEBUG")
		assert.Contains(t, buf.String(), "step=create_user")
	})
}

func TestSetupWithoutEndpoint(t *testing.T) {
	shutdown, err := Setup(context.Background(), config.TelemetryConfig{ServiceName: "saga_orchestrator"})
	require.NoError(t, err)
	require.NotNil(t, shutdown)
	assert.NoError(t, shutdown(context.Background()))

	assert.Contains(t, otel.GetTextMapPropagator().Fields(), "traceparent")
}

func TestSetupWithEndpoint(t *testing.T) {
	// Exporters connect lazily, so an unreachable endpoint still sets up.
	shutdown, err := Setup(context.Background(), config.TelemetryConfig{
		OTLPEndpoint: "127.0.0.1:1",
		Insecure:     true,
		ServiceName:  "saga_orchestrator",
	})
	require.NoError(t, err)
	require.NotNil(t, shutdown)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_ = shutdown(ctx)
}
