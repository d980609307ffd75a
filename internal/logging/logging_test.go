package logging

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestWithCycleID(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	prev := globalLogger
	SetLogger(zap.New(core))
	defer SetLogger(prev)

	ctx := WithCycleID(context.Background(), "abc-1")
	WithContext(ctx).Info("cycle started")

	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, "cycle started", entry.Message)
	assert.Equal(t, "abc-1", entry.ContextMap()["cycle_id"])
}

func TestWithContextFallsBackToGlobal(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	prev := globalLogger
	SetLogger(zap.New(core))
	defer SetLogger(prev)

	WithContext(context.Background()).Info("plain")
	assert.Equal(t, 1, logs.Len())
}

func TestNewCycleIDUnique(t *testing.T) {
	a := NewCycleID()
	b := NewCycleID()
	assert.NotEqual(t, a, b)
}

func TestInitFallsBackToInfoOnBadLevel(t *testing.T) {
	prev := globalLogger
	defer SetLogger(prev)

	require.NoError(t, Init(Config{Level: "nonsense", Format: "console", OutputPath: "stderr"}))
	assert.Equal(t, zapcore.InfoLevel, globalLevel.Level())
}

func TestCallerPointsAtLogSite(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	prev := globalLogger
	SetLogger(zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1)))
	defer SetLogger(prev)

	ctx := WithCycleID(context.Background(), "abc-2")
	WithContext(ctx).Info("from context")
	WithContext(context.Background()).Info("from global")
	Info("from helper")

	require.Equal(t, 3, logs.Len())
	for _, entry := range logs.All() {
		assert.True(t, entry.Caller.Defined, entry.Message)
		assert.Equal(t, "logging_test.go", filepath.Base(entry.Caller.File), entry.Message)
	}
}
