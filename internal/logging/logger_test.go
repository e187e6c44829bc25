package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger_Production_JSONHandler(t *testing.T) {
	logger := NewLogger("production")
	require.NotNil(t, logger)

	_, ok := logger.Handler().(*slog.JSONHandler)
	assert.True(t, ok, "production logger should use JSONHandler, got %T", logger.Handler())
}

func TestNewLogger_Development_TextHandler(t *testing.T) {
	logger := NewLogger("development")
	require.NotNil(t, logger)

	_, ok := logger.Handler().(*slog.TextHandler)
	assert.True(t, ok, "development logger should use TextHandler, got %T", logger.Handler())
}

func TestNewLogger_UnknownEnv_TextHandler(t *testing.T) {
	logger := NewLogger("staging")

	_, ok := logger.Handler().(*slog.TextHandler)
	assert.True(t, ok, "unknown env logger should use TextHandler, got %T", logger.Handler())
}

func TestNewLogger_Levels(t *testing.T) {
	prod := NewLogger("production")
	assert.True(t, prod.Handler().Enabled(context.Background(), slog.LevelInfo))
	assert.False(t, prod.Handler().Enabled(context.Background(), slog.LevelDebug))

	dev := NewLogger("development")
	assert.True(t, dev.Handler().Enabled(context.Background(), slog.LevelDebug))
}

func TestComponent_AddsAttribute(t *testing.T) {
	var buf bytes.Buffer

	logger := Component(NewLoggerTo("production", &buf), "transport")
	logger.Info("hello")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "transport", rec["component"])
	assert.Equal(t, "hello", rec["msg"])
}
