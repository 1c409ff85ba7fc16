package logger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNew_Levels(t *testing.T) {
	assert.True(t, New("debug", "json").Core().Enabled(zapcore.DebugLevel))
	assert.False(t, New("warn", "console").Core().Enabled(zapcore.InfoLevel))
	assert.True(t, New("bogus", "json").Core().Enabled(zapcore.InfoLevel))
	assert.False(t, New("bogus", "json").Core().Enabled(zapcore.DebugLevel))
}

func TestContextLogger_AddsIDs(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	cl := NewContextLogger(zap.New(core).Sugar())

	ctx := WithRoomID(WithConnID(context.Background(), "c-1"), "standup")
	cl.WithContext(ctx).Infow("joined")
	cl.WithContext(context.Background()).Infow("bare")

	entries := logs.All()
	require.Len(t, entries, 2)
	fields := entries[0].ContextMap()
	assert.Equal(t, "c-1", fields["conn_id"])
	assert.Equal(t, "standup", fields["room_id"])
	assert.Empty(t, entries[1].ContextMap())
}

func TestContextLogger_LogRequest(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	NewContextLogger(zap.New(core).Sugar()).LogRequest(context.Background(), "GET", "/health", 200, 3)

	require.Equal(t, 1, logs.FilterMessage("http_request").Len())
	assert.EqualValues(t, 200, logs.All()[0].ContextMap()["status_code"])
}
